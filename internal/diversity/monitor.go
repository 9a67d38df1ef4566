package diversity

import (
	"sync"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

// Report is the diversity reading of one generation.
type Report struct {
	Generation     int     `json:"generation"`
	Members        int     `json:"members"`
	Score          float64 `json:"score"`
	Axes           Axes    `json:"axes"`
	Scored         bool    `json:"scored"`
	BelowFloor     bool    `json:"below_floor"`
	ConsecutiveLow int     `json:"consecutive_low"`
	Collapsed      bool    `json:"collapsed"`
}

// Options configures a Monitor.
type Options struct {
	// Floor is the score below which a generation counts as homogeneous.
	Floor float64

	// Window is the number of consecutive homogeneous generations that raise a collapse.
	Window int

	// GenerationSize is the number of records that form one generation.
	GenerationSize int
}

// Monitor groups records into generations, scores each one and tracks the collapse
// window. A collapse is raised only after Window consecutive generations score below
// Floor; any generation at or above Floor resets the count. Generations that cannot be
// scored leave the count unchanged.
type Monitor struct {
	mu sync.RWMutex

	opts        Options
	generation  int
	consecutive int
	pending     []domain.IterationRecord
	last        *Report
}

// NewMonitor creates a new Monitor.
func NewMonitor(opts Options) *Monitor {
	if opts.GenerationSize <= 0 {
		opts.GenerationSize = 10
	}
	if opts.Window <= 0 {
		opts.Window = 1
	}
	return &Monitor{opts: opts}
}

// Add appends a record. Records are scored on the features they carry, so the same
// history yields the same readings whether it is observed live or replayed. When a
// generation is complete it is scored and the report is returned with true.
func (m *Monitor) Add(rec domain.IterationRecord) (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = append(m.pending, rec)
	if len(m.pending) < m.opts.GenerationSize {
		return Report{}, false
	}

	snap := domain.NewPopulationSnapshot(m.generation, m.pending)
	report := m.observe(snap)

	m.pending = nil
	return report, true
}

// Observe scores a complete snapshot and advances the collapse window.
func (m *Monitor) Observe(snap domain.PopulationSnapshot) Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observe(snap)
}

func (m *Monitor) observe(snap domain.PopulationSnapshot) Report {
	members := MembersFromSnapshot(snap)
	score, axes, scored := Score(members)

	report := Report{
		Generation: snap.Generation,
		Members:    len(members),
		Score:      score,
		Axes:       axes,
		Scored:     scored,
	}

	if scored {
		if score < m.opts.Floor {
			m.consecutive++
			report.BelowFloor = true
		} else {
			m.consecutive = 0
		}
	}
	report.ConsecutiveLow = m.consecutive
	report.Collapsed = m.consecutive >= m.opts.Window

	m.generation = snap.Generation + 1
	m.last = &report
	return report
}

// Collapsed reports whether the last scored generation completed a collapse window.
func (m *Monitor) Collapsed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consecutive >= m.opts.Window
}

// Last returns the most recent report, if any.
func (m *Monitor) Last() (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return Report{}, false
	}
	return *m.last, true
}
