package validation

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
	"github.com/saltfish/freqsearch/go-evolver/internal/normalizer"
)

const (
	refObservations = 5040
	refAmplitude    = 0.01
)

// alternating builds r_t = mu + d(-1)^t whose annualised sample sharpe is exactly target.
func alternating(target float64, n int) domain.ReturnSeries {
	d := refAmplitude
	mu := target * d * math.Sqrt(float64(n)/float64(n-1)) / math.Sqrt(252)
	values := make([]float64, n)
	for i := range values {
		if i%2 == 0 {
			values[i] = mu + d
		} else {
			values[i] = mu - d
		}
	}
	return domain.ReturnSeries{Values: values, Method: domain.MethodReturns, Field: "returns"}
}

func testConfig() Config {
	return Config{
		DynamicThresholdMargin:   0.2,
		SignificanceBaseAlpha:    0.05,
		SignificanceSharpeCutoff: 0.5,
		BootstrapResamples:       999,
		BootstrapMeanBlock:       10,
		BootstrapSeed:            42,
		PeriodsPerYear:           252,
	}
}

func newTestValidator(t *testing.T, cfg Config) *Validator {
	t.Helper()
	v, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return v
}

func TestAlternatingHelper(t *testing.T) {
	s, ok := normalizer.Sharpe(alternating(0.93, refObservations).Values, 252)
	require.True(t, ok)
	assert.InDelta(t, 0.93, s, 1e-9)
}

func TestBonferroniAlpha(t *testing.T) {
	alpha, err := BonferroniAlpha(0.05, 20)
	require.NoError(t, err)
	assert.InDelta(t, 0.0025, alpha, 1e-15)

	alpha, err = BonferroniAlpha(0.05, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.05, alpha)

	for _, n := range []int{0, -3} {
		_, err = BonferroniAlpha(0.05, n)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrValidationConfig))
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.SignificanceBaseAlpha = 0
	_, err := New(cfg, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, domain.ErrValidationConfig)

	cfg = testConfig()
	cfg.BootstrapResamples = 0
	_, err = New(cfg, zaptest.NewLogger(t))
	var vce domain.ValidationConfigError
	require.True(t, errors.As(err, &vce))
	assert.Equal(t, "bootstrap_resamples", vce.Param)
}

func TestValidate_ZeroComparisons(t *testing.T) {
	v := newTestValidator(t, testConfig())

	_, err := v.Validate(alternating(1.0, refObservations), 0.6, 0)
	assert.ErrorIs(t, err, domain.ErrValidationConfig)
}

// The significance cutoff must be the configured cutoff, never the dynamic margin.
func TestValidate_CutoffIsNotMargin(t *testing.T) {
	v := newTestValidator(t, testConfig())
	series := alternating(0.4, refObservations)

	report, err := v.Validate(series, 0.1, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.5, report.SignificanceCutoff)
	assert.InDelta(t, 0.3, report.DynamicThreshold, 1e-12)
	assert.True(t, report.DynamicPassed)
	assert.False(t, report.StatisticallySignificant, "0.4 does not exceed the 0.5 cutoff")
	assert.False(t, report.Passed)

	// With a lower explicit cutoff the same series is significant.
	cfg := testConfig()
	cfg.SignificanceSharpeCutoff = 0.2
	low := newTestValidator(t, cfg)
	report, err = low.Validate(series, 0.1, 1)
	require.NoError(t, err)
	assert.True(t, report.StatisticallySignificant)
	assert.True(t, report.Passed)
}

func TestValidate_DynamicBoundary(t *testing.T) {
	v := newTestValidator(t, testConfig())

	report, err := v.Validate(alternating(0.8, refObservations), 0.6, 1)
	require.NoError(t, err)
	assert.True(t, report.DynamicPassed, "sharpe equal to benchmark+margin passes")

	report, err = v.Validate(alternating(0.79, refObservations), 0.6, 1)
	require.NoError(t, err)
	assert.False(t, report.DynamicPassed)
	assert.False(t, report.Passed)
}

func TestValidate_Reproducible(t *testing.T) {
	v := newTestValidator(t, testConfig())
	series := alternating(0.55, refObservations)

	a, err := v.Validate(series, 0, 3)
	require.NoError(t, err)
	b, err := v.Validate(series, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, a.PValue, b.PValue)
	assert.Greater(t, a.PValue, 0.0)
	assert.LessOrEqual(t, a.PValue, 1.0)
}

func TestValidate_NoiseIsNotSignificant(t *testing.T) {
	v := newTestValidator(t, testConfig())

	rng := rand.New(rand.NewPCG(7, 11))
	values := make([]float64, 756)
	for i := range values {
		values[i] = rng.NormFloat64() * 0.01
	}
	report, err := v.Validate(domain.ReturnSeries{Values: values}, -10, 20)
	require.NoError(t, err)
	assert.False(t, report.StatisticallySignificant)
	assert.False(t, report.Passed)
}

func TestValidate_UndefinedSharpe(t *testing.T) {
	v := newTestValidator(t, testConfig())

	flat := make([]float64, 300)
	report, err := v.Validate(domain.ReturnSeries{Values: flat}, 0.6, 1)
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.Equal(t, 1.0, report.PValue)
	assert.NotEmpty(t, report.Reason)
}

func TestNoSeriesReport(t *testing.T) {
	v := newTestValidator(t, testConfig())

	report, err := v.NoSeriesReport(0.6, 4, domain.ExtractionError{MinSize: 252})
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.InDelta(t, 0.0125, report.BonferroniAlpha, 1e-15)
	assert.Contains(t, report.Reason, "no return series")

	_, err = v.NoSeriesReport(0.6, 0, nil)
	assert.ErrorIs(t, err, domain.ErrValidationConfig)
}

// referenceSharpes is a batch of 20 candidates; with benchmark 0.6 and margin 0.2 exactly
// indices 1, 2, 9, 13 and 14 must validate.
var referenceSharpes = []float64{
	0.10, 0.82, 0.93, 0.45, 0.55, -0.20, 0.79, 0.30, 0.61, 0.94,
	0.00, 0.70, 0.52, 0.94, 0.80, 0.15, 0.65, 0.40, 0.78, 0.25,
}

func TestValidateBatch_ReferenceSet(t *testing.T) {
	v := newTestValidator(t, testConfig())

	batch := make([]domain.ReturnSeries, len(referenceSharpes))
	for i, s := range referenceSharpes {
		batch[i] = alternating(s, refObservations)
	}

	reports, err := v.ValidateBatch(context.Background(), batch, 0.6, len(batch))
	require.NoError(t, err)
	require.Len(t, reports, 20)

	var validated []int
	for i, r := range reports {
		assert.Equal(t, 20, r.Comparisons)
		assert.InDelta(t, 0.0025, r.BonferroniAlpha, 1e-15)
		if r.Passed {
			validated = append(validated, i)
		}
	}
	assert.Equal(t, []int{1, 2, 9, 13, 14}, validated)
}
