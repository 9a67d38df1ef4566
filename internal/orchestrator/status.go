package orchestrator

import (
	"github.com/google/uuid"

	"github.com/saltfish/freqsearch/go-evolver/internal/diversity"
	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

// State is the lifecycle state of a run.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Status is a point-in-time view of the run for the status server.
type Status struct {
	RunID                 uuid.UUID             `json:"run_id"`
	State                 State                 `json:"state"`
	GenerationMode        domain.GenerationMode `json:"generation_mode"`
	SearchMode            domain.SearchMode     `json:"search_mode"`
	StartIteration        int                   `json:"start_iteration"`
	NextIteration         int                   `json:"next_iteration"`
	MaxIterations         int                   `json:"max_iterations"`
	IterationsRun         int                   `json:"iterations_run"`
	Validated             int                   `json:"validated"`
	LevelCounts           map[string]int        `json:"level_counts,omitempty"`
	Champion              *domain.Champion      `json:"champion,omitempty"`
	IterationsSinceUpdate int                   `json:"iterations_since_update"`
	Stale                 bool                  `json:"stale"`
	Diversity             *diversity.Report     `json:"diversity,omitempty"`
	DiversityCollapsed    bool                  `json:"diversity_collapsed"`
	BenchmarkSharpe       float64               `json:"benchmark_sharpe"`
	StopReason            domain.StopReason     `json:"stop_reason,omitempty"`
}

// Status returns the current run status. It is safe to call from any goroutine.
func (o *Orchestrator) Status() Status {
	tracker, monitor := o.state()

	o.mu.RLock()
	st := Status{
		RunID:          o.runID,
		State:          o.runState,
		GenerationMode: o.opts.GenerationMode,
		SearchMode:     o.search,
		MaxIterations:  o.opts.MaxIterations,
	}
	if s := o.summary; s != nil {
		st.StartIteration = s.StartIteration
		st.NextIteration = s.NextIteration
		st.IterationsRun = s.IterationsRun
		st.Validated = s.Validated
		st.StopReason = s.StopReason
		st.LevelCounts = make(map[string]int, len(s.LevelCounts))
		for k, v := range s.LevelCounts {
			st.LevelCounts[k] = v
		}
	}
	o.mu.RUnlock()

	if champ, ok := tracker.Current(); ok {
		st.Champion = &champ
	}
	st.IterationsSinceUpdate = tracker.IterationsSinceUpdate()
	st.Stale = tracker.IsStale()
	if r, ok := monitor.Last(); ok {
		st.Diversity = &r
	}
	st.DiversityCollapsed = monitor.Collapsed()
	st.BenchmarkSharpe = o.deps.Benchmark.Sharpe()
	return st
}

// Champion returns the current champion, if any.
func (o *Orchestrator) Champion() (domain.Champion, bool) {
	tracker, _ := o.state()
	return tracker.Current()
}

// HallOfFame returns the best validated records, best first.
func (o *Orchestrator) HallOfFame() []domain.IterationRecord {
	tracker, _ := o.state()
	return tracker.HallOfFame()
}

// Lineage returns the champion transitions, oldest first.
func (o *Orchestrator) Lineage() []domain.LineageEntry {
	tracker, _ := o.state()
	return tracker.Lineage()
}
