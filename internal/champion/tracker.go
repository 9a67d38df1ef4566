// Package champion tracks the best validated candidate of a run.
package champion

import (
	"sort"
	"sync"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

// Defaults for the bounded collections.
const (
	DefaultHallOfFameSize = 10
	DefaultLineageSize    = 50
)

// Options configures a Tracker.
type Options struct {
	// StalenessThreshold is the number of non-updating records after which the
	// champion is stale.
	StalenessThreshold int
	HallOfFameSize     int
	LineageSize        int
}

// Tracker holds the champion state machine. A record becomes champion when its
// validation passed and, if a champion already exists, its sharpe ratio is strictly
// greater. Observe is called by a single writer; readers get copies.
type Tracker struct {
	mu sync.RWMutex

	opts        Options
	champion    *domain.Champion
	sinceUpdate int
	hallOfFame  []domain.IterationRecord
	lineage     []domain.LineageEntry
}

// New creates a Tracker with no champion.
func New(opts Options) *Tracker {
	if opts.HallOfFameSize <= 0 {
		opts.HallOfFameSize = DefaultHallOfFameSize
	}
	if opts.LineageSize <= 0 {
		opts.LineageSize = DefaultLineageSize
	}
	return &Tracker{opts: opts}
}

// Replay rebuilds a Tracker from persisted history, in iteration order.
func Replay(opts Options, records []domain.IterationRecord) *Tracker {
	t := New(opts)
	for i := range records {
		t.Observe(&records[i])
	}
	return t
}

// Observe feeds one record and reports whether it became the new champion.
// Every record that does not update the champion advances the staleness counter.
func (t *Tracker) Observe(rec *domain.IterationRecord) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	sharpe, hasSharpe := rec.Sharpe()
	eligible := rec.Validated() && hasSharpe

	if eligible {
		t.addToHallOfFame(*rec, sharpe)
	}

	var previous *float64
	if t.champion != nil {
		prev, _ := t.champion.Record.Sharpe()
		previous = domain.Float(prev)
	}

	if !eligible || (previous != nil && sharpe <= *previous) {
		t.sinceUpdate++
		if t.champion != nil {
			t.champion.IterationsSinceUpdate = t.sinceUpdate
		}
		return false
	}

	t.champion = &domain.Champion{
		Record:                *rec,
		UpdatedAtIteration:    rec.IterationNum,
		IterationsSinceUpdate: 0,
	}
	t.sinceUpdate = 0

	t.lineage = append(t.lineage, domain.LineageEntry{
		Iteration:   rec.IterationNum,
		CandidateID: rec.Candidate.ID,
		ParentID:    rec.Candidate.ParentID,
		Sharpe:      sharpe,
		Previous:    previous,
	})
	if over := len(t.lineage) - t.opts.LineageSize; over > 0 {
		t.lineage = append([]domain.LineageEntry(nil), t.lineage[over:]...)
	}
	return true
}

// addToHallOfFame keeps the top records by sharpe, one entry per candidate.
func (t *Tracker) addToHallOfFame(rec domain.IterationRecord, sharpe float64) {
	for i, r := range t.hallOfFame {
		if r.Candidate.ID != rec.Candidate.ID {
			continue
		}
		if s, _ := r.Sharpe(); sharpe <= s {
			return
		}
		t.hallOfFame = append(t.hallOfFame[:i], t.hallOfFame[i+1:]...)
		break
	}

	t.hallOfFame = append(t.hallOfFame, rec)
	sort.SliceStable(t.hallOfFame, func(i, j int) bool {
		a, _ := t.hallOfFame[i].Sharpe()
		b, _ := t.hallOfFame[j].Sharpe()
		return a > b
	})
	if len(t.hallOfFame) > t.opts.HallOfFameSize {
		t.hallOfFame = t.hallOfFame[:t.opts.HallOfFameSize]
	}
}

// Current returns a copy of the champion and whether one exists.
func (t *Tracker) Current() (domain.Champion, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.champion == nil {
		return domain.Champion{}, false
	}
	return *t.champion, true
}

// IterationsSinceUpdate returns the number of records observed since the last update,
// or since the start when there is no champion yet.
func (t *Tracker) IterationsSinceUpdate() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sinceUpdate
}

// IsStale reports whether more than StalenessThreshold records have passed without an update.
func (t *Tracker) IsStale() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.opts.StalenessThreshold > 0 && t.sinceUpdate > t.opts.StalenessThreshold
}

// HallOfFame returns the best validated records, best first.
func (t *Tracker) HallOfFame() []domain.IterationRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]domain.IterationRecord(nil), t.hallOfFame...)
}

// Lineage returns the champion transitions, oldest first.
func (t *Tracker) Lineage() []domain.LineageEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]domain.LineageEntry(nil), t.lineage...)
}
