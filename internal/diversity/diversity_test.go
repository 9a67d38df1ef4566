package diversity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

func rec(factors []string, sharpe, dd float64) domain.IterationRecord {
	return domain.IterationRecord{
		Candidate: domain.CandidateRef{ID: uuid.New(), Factors: factors},
		Metrics: domain.StrategyMetrics{
			SharpeRatio: domain.Float(sharpe),
			MaxDrawdown: domain.Float(dd),
		},
	}
}

func TestFeatures(t *testing.T) {
	assert.Equal(t, []string{"rsi", "macd"}, Features([]string{"RSI", "macd", "rsi"}, "ignored"))

	got := Features(nil, "def signal(self, close):\n    return ema(close, 20) > sma(close, 50)")
	assert.ElementsMatch(t, []string{"signal", "close", "ema", "sma"}, got)
}

func TestScore_IdenticalPopulationIsZero(t *testing.T) {
	members := MembersFromSnapshot(domain.PopulationSnapshot{Records: []domain.IterationRecord{
		rec([]string{"rsi"}, 1.0, 0.1),
		rec([]string{"rsi"}, 1.0, 0.1),
		rec([]string{"rsi"}, 1.0, 0.1),
	}})

	score, axes, ok := Score(members)
	require.True(t, ok)
	assert.Equal(t, 0.0, score)
	require.NotNil(t, axes.FactorDistance)
	require.NotNil(t, axes.RiskDispersion)
}

func TestScore_DisjointFactorsAreDistant(t *testing.T) {
	members := []Member{
		{Features: []string{"rsi"}},
		{Features: []string{"macd"}},
	}
	score, axes, ok := Score(members)
	require.True(t, ok)
	assert.Equal(t, 1.0, score)
	assert.Nil(t, axes.RiskDispersion)
}

func TestScore_Jaccard(t *testing.T) {
	members := []Member{
		{Features: []string{"a", "b"}},
		{Features: []string{"b", "c"}},
	}
	d, ok := factorDistance(members)
	require.True(t, ok)
	assert.InDelta(t, 1-1.0/3.0, d, 1e-12)
}

func TestScore_InRange(t *testing.T) {
	members := []Member{
		{Features: []string{"a"}, Sharpe: domain.Float(1), MaxDrawdown: domain.Float(0.1)},
		{Features: []string{"a", "b"}, Sharpe: domain.Float(-1), MaxDrawdown: domain.Float(0.3)},
		{Features: []string{"c"}, Sharpe: domain.Float(0.5), MaxDrawdown: domain.Float(0.2)},
	}
	score, _, ok := Score(members)
	require.True(t, ok)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
}

func TestScore_TooFewMembers(t *testing.T) {
	_, _, ok := Score([]Member{{Features: []string{"a"}}})
	assert.False(t, ok)
}

func homogeneous() domain.PopulationSnapshot {
	return domain.NewPopulationSnapshot(0, []domain.IterationRecord{
		rec([]string{"rsi"}, 1.0, 0.1),
		rec([]string{"rsi"}, 1.0, 0.1),
	})
}

func diverse() domain.PopulationSnapshot {
	return domain.NewPopulationSnapshot(0, []domain.IterationRecord{
		rec([]string{"rsi"}, 1.0, 0.1),
		rec([]string{"macd"}, -0.5, 0.4),
	})
}

func TestMonitor_CollapseNeedsFullWindow(t *testing.T) {
	m := NewMonitor(Options{Floor: 0.1, Window: 3, GenerationSize: 2})

	for i := 0; i < 2; i++ {
		r := m.Observe(homogeneous())
		assert.True(t, r.BelowFloor)
		assert.False(t, r.Collapsed, "generation %d must not collapse yet", i)
	}

	// A diverse generation resets the window.
	r := m.Observe(diverse())
	assert.False(t, r.BelowFloor)
	assert.Equal(t, 0, r.ConsecutiveLow)

	for i := 0; i < 2; i++ {
		r = m.Observe(homogeneous())
		assert.False(t, r.Collapsed)
	}
	r = m.Observe(homogeneous())
	assert.True(t, r.Collapsed)
	assert.Equal(t, 3, r.ConsecutiveLow)
	assert.True(t, m.Collapsed())
}

// coded returns a factor-less record carrying the features derived from code.
func coded(code string, sharpe, dd float64) domain.IterationRecord {
	r := rec(nil, sharpe, dd)
	r.Candidate.Features = Features(nil, code)
	return r
}

func TestMonitor_AddGroupsGenerations(t *testing.T) {
	m := NewMonitor(Options{Floor: 0.1, Window: 1, GenerationSize: 3})

	_, done := m.Add(coded("def a(): return rsi(close)", 1, 0.1))
	assert.False(t, done)
	_, done = m.Add(coded("def a(): return rsi(close)", 1, 0.1))
	assert.False(t, done)
	r, done := m.Add(coded("def a(): return rsi(close)", 1, 0.1))
	require.True(t, done)

	assert.Equal(t, 0, r.Generation)
	assert.Equal(t, 3, r.Members)
	assert.True(t, r.Collapsed, "identical code and risk collapse with a window of one")

	_, done = m.Add(coded("x", 1, 0.1))
	assert.False(t, done)
	last, ok := m.Last()
	require.True(t, ok)
	assert.Equal(t, 0, last.Generation)
}

func TestMembersFromSnapshot_PrefersStoredFeatures(t *testing.T) {
	stored := coded("def a(): return ema(close)", 1, 0.1)
	stored.Candidate.Factors = []string{"declared"}
	legacy := rec([]string{"RSI"}, 1, 0.1)

	members := MembersFromSnapshot(domain.NewPopulationSnapshot(0, []domain.IterationRecord{stored, legacy}))
	require.Len(t, members, 2)
	assert.ElementsMatch(t, []string{"ema", "close"}, members[0].Features)
	assert.Equal(t, []string{"rsi"}, members[1].Features)
}

// Records carry their features, so splitting a population across two monitors (as a
// resumed run does) yields the reading of one uninterrupted monitor.
func TestMonitor_ReplayScoresLikeLiveRun(t *testing.T) {
	records := []domain.IterationRecord{
		coded("def a(): return rsi(close)", 1, 0.1),
		coded("def b(): return macd(close)", 1, 0.1),
		coded("def c(): return ema(volume)", 1, 0.1),
		coded("def d(): return sma(high)", 1, 0.1),
	}
	opts := Options{Floor: 0.1, Window: 1, GenerationSize: 4}

	live := NewMonitor(opts)
	var want Report
	for _, r := range records {
		want, _ = live.Add(r)
	}

	resumed := NewMonitor(opts)
	for _, r := range records[:2] {
		resumed.Add(r)
	}
	var got Report
	for _, r := range records[2:] {
		got, _ = resumed.Add(r)
	}

	require.True(t, want.Scored)
	assert.Equal(t, want.Score, got.Score)
	assert.Equal(t, want.Axes, got.Axes)
}
