package champion

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

func record(iter int, sharpe float64, passed bool) domain.IterationRecord {
	rec := domain.IterationRecord{
		IterationNum: iter,
		Candidate:    domain.CandidateRef{ID: uuid.New()},
		Execution:    domain.ExecutionResult{Success: true},
		Metrics:      domain.StrategyMetrics{SharpeRatio: domain.Float(sharpe)},
		Classification: domain.ClassificationResult{
			Level: domain.LevelProfitable,
		},
		Validation: &domain.ValidationReport{Passed: passed, ObservedSharpe: sharpe},
	}
	return rec
}

func TestTracker_FirstValidatedBecomesChampion(t *testing.T) {
	tr := New(Options{StalenessThreshold: 5})

	_, ok := tr.Current()
	assert.False(t, ok)

	r0 := record(0, 2.0, false)
	assert.False(t, tr.Observe(&r0), "unvalidated records never become champion")

	r1 := record(1, 0.9, true)
	assert.True(t, tr.Observe(&r1))

	c, ok := tr.Current()
	require.True(t, ok)
	assert.Equal(t, 1, c.UpdatedAtIteration)
	assert.Equal(t, 0, c.IterationsSinceUpdate)
	assert.Equal(t, r1.Candidate.ID, c.Record.Candidate.ID)
}

func TestTracker_StrictImprovementOnly(t *testing.T) {
	tr := New(Options{StalenessThreshold: 5})

	first := record(0, 1.0, true)
	require.True(t, tr.Observe(&first))

	equal := record(1, 1.0, true)
	assert.False(t, tr.Observe(&equal), "an equal sharpe does not replace the champion")

	worse := record(2, 0.95, true)
	assert.False(t, tr.Observe(&worse))

	better := record(3, 1.01, true)
	assert.True(t, tr.Observe(&better))

	c, _ := tr.Current()
	assert.Equal(t, better.Candidate.ID, c.Record.Candidate.ID)

	lineage := tr.Lineage()
	require.Len(t, lineage, 2)
	assert.Nil(t, lineage[0].Previous)
	require.NotNil(t, lineage[1].Previous)
	assert.Equal(t, 1.0, *lineage[1].Previous)
	assert.Equal(t, 1.01, lineage[1].Sharpe)
}

func TestTracker_Staleness(t *testing.T) {
	tr := New(Options{StalenessThreshold: 3})

	champ := record(0, 1.0, true)
	tr.Observe(&champ)

	for i := 1; i <= 3; i++ {
		r := record(i, 0.5, true)
		tr.Observe(&r)
	}
	c, _ := tr.Current()
	assert.Equal(t, 3, c.IterationsSinceUpdate)
	assert.False(t, tr.IsStale(), "stale only once the threshold is exceeded")

	r := record(4, 0.2, false)
	tr.Observe(&r)
	assert.True(t, tr.IsStale())

	better := record(5, 2.0, true)
	tr.Observe(&better)
	assert.False(t, tr.IsStale())
	assert.Equal(t, 0, tr.IterationsSinceUpdate())
}

func TestTracker_HallOfFameBounded(t *testing.T) {
	tr := New(Options{StalenessThreshold: 10, HallOfFameSize: 3})

	for i, s := range []float64{0.9, 1.5, 0.8, 1.2, 2.0, 1.1} {
		r := record(i, s, true)
		tr.Observe(&r)
	}
	unvalidated := record(6, 5.0, false)
	tr.Observe(&unvalidated)

	hof := tr.HallOfFame()
	require.Len(t, hof, 3)
	var sharpes []float64
	for _, r := range hof {
		s, _ := r.Sharpe()
		sharpes = append(sharpes, s)
	}
	assert.Equal(t, []float64{2.0, 1.5, 1.2}, sharpes)
}

func TestTracker_LineageBounded(t *testing.T) {
	tr := New(Options{LineageSize: 2})
	for i := 0; i < 5; i++ {
		r := record(i, float64(i+1), true)
		tr.Observe(&r)
	}
	lineage := tr.Lineage()
	require.Len(t, lineage, 2)
	assert.Equal(t, 3, lineage[0].Iteration)
	assert.Equal(t, 4, lineage[1].Iteration)
}

func TestReplay_RebuildsState(t *testing.T) {
	history := []domain.IterationRecord{
		record(0, 0.5, false),
		record(1, 1.2, true),
		record(2, 0.7, true),
		record(3, 1.4, true),
		record(4, 0.1, false),
	}

	live := New(Options{StalenessThreshold: 5})
	for i := range history {
		live.Observe(&history[i])
	}
	replayed := Replay(Options{StalenessThreshold: 5}, history)

	a, _ := live.Current()
	b, ok := replayed.Current()
	require.True(t, ok)
	assert.Equal(t, a, b)
	assert.Equal(t, 3, b.UpdatedAtIteration)
	assert.Equal(t, 1, b.IterationsSinceUpdate)
	assert.Equal(t, live.HallOfFame(), replayed.HallOfFame())
}
