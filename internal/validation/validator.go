// Package validation decides whether a candidate's risk-adjusted return is distinguishable
// from a passive benchmark.
//
// Two tests must both pass. The dynamic threshold test compares the observed sharpe ratio
// with the benchmark plus a margin. The significance test bootstraps the return series and
// requires the observed sharpe to exceed a fixed cutoff with a p-value below the
// Bonferroni-corrected alpha of the current batch. The cutoff and the margin are separate
// settings.
package validation

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
	"github.com/saltfish/freqsearch/go-evolver/internal/normalizer"
)

// dynamicTolerance absorbs float rounding at the dynamic threshold boundary.
const dynamicTolerance = 1e-9

// Config holds the validator settings.
type Config struct {
	// DynamicThresholdMargin is added to the benchmark sharpe for the dynamic test.
	DynamicThresholdMargin float64

	// SignificanceBaseAlpha is divided by the number of comparisons in a batch.
	SignificanceBaseAlpha float64

	// SignificanceSharpeCutoff is the fixed sharpe the bootstrap tests against.
	SignificanceSharpeCutoff float64

	BootstrapResamples int
	BootstrapMeanBlock float64
	BootstrapSeed      int64
	PeriodsPerYear     float64
}

// Validator runs the dynamic threshold and significance tests. It holds no mutable
// state and is safe for concurrent use.
type Validator struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a new Validator after checking its configuration.
func New(cfg Config, logger *zap.Logger) (*Validator, error) {
	switch {
	case cfg.SignificanceBaseAlpha <= 0 || cfg.SignificanceBaseAlpha >= 1:
		return nil, domain.ValidationConfigError{Param: "significance_base_alpha", Reason: "must be in (0, 1)"}
	case cfg.BootstrapResamples <= 0:
		return nil, domain.ValidationConfigError{Param: "bootstrap_resamples", Reason: "must be positive"}
	case cfg.BootstrapMeanBlock < 1:
		return nil, domain.ValidationConfigError{Param: "bootstrap_mean_block", Reason: "must be at least 1"}
	case cfg.DynamicThresholdMargin < 0:
		return nil, domain.ValidationConfigError{Param: "dynamic_threshold_margin", Reason: "must be non-negative"}
	}
	if cfg.PeriodsPerYear <= 0 {
		cfg.PeriodsPerYear = normalizer.DefaultPeriodsPerYear
	}
	return &Validator{cfg: cfg, logger: logger}, nil
}

// Config returns the validator settings.
func (v *Validator) Config() Config {
	return v.cfg
}

// BonferroniAlpha returns base / comparisons.
func BonferroniAlpha(base float64, comparisons int) (float64, error) {
	if comparisons <= 0 {
		return 0, domain.ValidationConfigError{
			Param:  "comparisons",
			Reason: fmt.Sprintf("must be positive, got %d", comparisons),
		}
	}
	return base / float64(comparisons), nil
}

// Validate tests one return series against the benchmark. comparisons is the number of
// candidates validated together in the current batch.
func (v *Validator) Validate(series domain.ReturnSeries, benchmarkSharpe float64, comparisons int) (*domain.ValidationReport, error) {
	report, err := v.baseReport(benchmarkSharpe, comparisons)
	if err != nil {
		return nil, err
	}
	report.Resamples = v.cfg.BootstrapResamples

	observed, ok := normalizer.Sharpe(series.Values, v.cfg.PeriodsPerYear)
	if !ok {
		report.PValue = 1
		report.Reason = "sharpe ratio undefined for the return series"
		return report, nil
	}
	report.ObservedSharpe = observed
	report.DynamicPassed = observed+dynamicTolerance >= report.DynamicThreshold

	// Below the cutoff the test cannot pass whatever the bootstrap says.
	if observed > v.cfg.SignificanceSharpeCutoff {
		rng := rand.New(rand.NewPCG(uint64(v.cfg.BootstrapSeed), seriesHash(series.Values)))
		boot := newStationaryBootstrap(series.Values, v.cfg.BootstrapMeanBlock, v.cfg.PeriodsPerYear, rng)
		report.PValue = boot.pValue(v.cfg.SignificanceSharpeCutoff, v.cfg.BootstrapResamples)
		report.StatisticallySignificant = report.PValue < report.BonferroniAlpha
	} else {
		report.PValue = 1
	}

	report.Passed = report.DynamicPassed && report.StatisticallySignificant
	report.Reason = describe(report)
	return report, nil
}

// NoSeriesReport is the failing report for a candidate whose metrics qualify for
// validation but that has no return series to bootstrap.
func (v *Validator) NoSeriesReport(benchmarkSharpe float64, comparisons int, cause error) (*domain.ValidationReport, error) {
	report, err := v.baseReport(benchmarkSharpe, comparisons)
	if err != nil {
		return nil, err
	}
	report.PValue = 1
	report.Reason = "no return series to validate"
	if cause != nil {
		report.Reason += ": " + cause.Error()
	}
	return report, nil
}

func (v *Validator) baseReport(benchmarkSharpe float64, comparisons int) (*domain.ValidationReport, error) {
	alpha, err := BonferroniAlpha(v.cfg.SignificanceBaseAlpha, comparisons)
	if err != nil {
		return nil, err
	}
	return &domain.ValidationReport{
		DynamicThreshold:   benchmarkSharpe + v.cfg.DynamicThresholdMargin,
		BenchmarkSharpe:    benchmarkSharpe,
		SignificanceCutoff: v.cfg.SignificanceSharpeCutoff,
		BonferroniAlpha:    alpha,
		Comparisons:        comparisons,
	}, nil
}

// ValidateBatch validates every series of one batch. comparisons is the number of
// candidates tested together and is raised to the batch size when smaller. Bootstraps
// run in parallel; results keep the input order.
func (v *Validator) ValidateBatch(ctx context.Context, batch []domain.ReturnSeries, benchmarkSharpe float64, comparisons int) ([]*domain.ValidationReport, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	comparisons = max(comparisons, len(batch))
	if _, err := BonferroniAlpha(v.cfg.SignificanceBaseAlpha, comparisons); err != nil {
		return nil, err
	}

	reports := make([]*domain.ValidationReport, len(batch))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i := range batch {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := v.Validate(batch[i], benchmarkSharpe, comparisons)
			if err != nil {
				return err
			}
			reports[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	passed := 0
	for _, r := range reports {
		if r.Passed {
			passed++
		}
	}
	v.logger.Debug("Validated batch",
		zap.Int("comparisons", comparisons),
		zap.Float64("bonferroni_alpha", reports[0].BonferroniAlpha),
		zap.Int("passed", passed),
	)
	return reports, nil
}

func describe(r *domain.ValidationReport) string {
	switch {
	case r.Passed:
		return fmt.Sprintf("sharpe %.4f >= %.4f and p=%.4g < %.4g", r.ObservedSharpe, r.DynamicThreshold, r.PValue, r.BonferroniAlpha)
	case !r.DynamicPassed:
		return fmt.Sprintf("sharpe %.4f below dynamic threshold %.4f", r.ObservedSharpe, r.DynamicThreshold)
	case r.ObservedSharpe <= r.SignificanceCutoff:
		return fmt.Sprintf("sharpe %.4f not above significance cutoff %.4f", r.ObservedSharpe, r.SignificanceCutoff)
	default:
		return fmt.Sprintf("p=%.4g not below corrected alpha %.4g", r.PValue, r.BonferroniAlpha)
	}
}

// seriesHash mixes the series into the bootstrap seed so each candidate gets its own
// reproducible stream independent of validation order.
func seriesHash(values []float64) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, x := range values {
		bits := math.Float64bits(x)
		for i := 0; i < 8; i++ {
			buf[i] = byte(bits >> (8 * i))
		}
		h.Write(buf[:])
	}
	return h.Sum64()
}
