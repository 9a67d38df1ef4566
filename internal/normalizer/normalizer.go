// Package normalizer turns raw sandbox reports into return series and summary metrics.
package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

// DefaultMinSampleSize is the minimum number of returns a series must have.
const DefaultMinSampleSize = 252

// DefaultPeriodsPerYear annualises daily statistics.
const DefaultPeriodsPerYear = 252

// Options configures a Normalizer.
type Options struct {
	MinSampleSize  int
	PeriodsPerYear float64

	// Disabled methods are skipped during extraction.
	Disabled map[domain.ExtractionMethod]bool
}

// Normalizer extracts return series and metrics from execution results.
type Normalizer struct {
	opts   Options
	logger *zap.Logger
}

// New creates a new Normalizer. Zero options fall back to the defaults.
func New(opts Options, logger *zap.Logger) *Normalizer {
	if opts.MinSampleSize <= 0 {
		opts.MinSampleSize = DefaultMinSampleSize
	}
	if opts.PeriodsPerYear <= 0 {
		opts.PeriodsPerYear = DefaultPeriodsPerYear
	}
	return &Normalizer{opts: opts, logger: logger}
}

// extractor is one step of the fallback chain.
type extractor struct {
	method domain.ExtractionMethod
	fields []string
	build  func(raw any) []float64
}

// chain is the strict priority order of extraction methods.
var chain = []extractor{
	{domain.MethodReturns, []string{"returns"}, directSeries},
	{domain.MethodDailyReturns, []string{"daily_returns"}, directSeries},
	{domain.MethodEquityCurve, []string{"equity_curve", "equity", "nav"}, levelSeries(pickValue)},
	{domain.MethodPositionValues, []string{"position_values", "positions_value", "holdings_value"}, levelSeries(sumValues)},
}

// ExtractReturns tries the extraction methods in order and returns the first series with
// at least MinSampleSize observations. Later methods are not tried once one succeeds.
// Values are only ever read from the report, never synthesized.
func (n *Normalizer) ExtractReturns(res *domain.ExecutionResult) (domain.ReturnSeries, error) {
	extErr := domain.ExtractionError{MinSize: n.opts.MinSampleSize}

	if res == nil || !res.Success {
		extErr.Attempts = append(extErr.Attempts, "execution did not succeed")
		return domain.ReturnSeries{}, extErr
	}

	report, err := decodeReport(res.RawOutput)
	if err != nil {
		extErr.Attempts = append(extErr.Attempts, err.Error())
		return domain.ReturnSeries{}, extErr
	}

	for _, ex := range chain {
		if n.opts.Disabled[ex.method] {
			continue
		}
		field, raw, ok := lookup(report, ex.fields)
		if !ok {
			continue
		}
		values := ex.build(raw)
		if len(values) < n.opts.MinSampleSize {
			extErr.Attempts = append(extErr.Attempts,
				fmt.Sprintf("%s: %d observations", field, len(values)))
			continue
		}

		n.logger.Debug("Extracted return series",
			zap.String("candidate_id", res.CandidateID.String()),
			zap.String("method", ex.method.String()),
			zap.String("field", field),
			zap.Int("observations", len(values)),
		)
		return domain.ReturnSeries{Values: values, Method: ex.method, Field: field}, nil
	}

	return domain.ReturnSeries{}, extErr
}

// Normalize derives the strategy metrics of an execution. When a return series can be
// extracted the metrics are computed from it and the series is returned; otherwise the
// report's own summary fields are used and the extraction error is returned alongside.
func (n *Normalizer) Normalize(res *domain.ExecutionResult) (domain.StrategyMetrics, *domain.ReturnSeries, error) {
	series, extErr := n.ExtractReturns(res)
	if extErr == nil {
		m := ComputeMetrics(series.Values, n.opts.PeriodsPerYear)
		m.Extraction = series.Method
		return m, &series, nil
	}

	metrics := domain.StrategyMetrics{Source: domain.MetricsSourceNone}
	if res == nil || !res.Success {
		return metrics, nil, extErr
	}

	report, err := decodeReport(res.RawOutput)
	if err != nil {
		return metrics, nil, extErr
	}

	metrics.SharpeRatio = summaryField(report, "sharpe_ratio", "sharpe")
	metrics.TotalReturn = summaryField(report, "total_return", "profit_total")
	metrics.MaxDrawdown = summaryField(report, "max_drawdown")
	metrics.CAGR = summaryField(report, "cagr")
	if metrics.MaxDrawdown != nil && *metrics.MaxDrawdown < 0 {
		metrics.MaxDrawdown = domain.Float(-*metrics.MaxDrawdown)
	}
	if metrics.CorePresent() > 0 || metrics.CAGR != nil {
		metrics.Source = domain.MetricsSourceReport
	}

	n.logger.Debug("No return series, using report summary",
		zap.String("candidate_id", res.CandidateID.String()),
		zap.Int("core_metrics", metrics.CorePresent()),
		zap.Error(extErr),
	)

	return metrics, nil, extErr
}

// decodeReport parses the raw output as a JSON object.
func decodeReport(raw json.RawMessage) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("empty output")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var report map[string]any
	if err := dec.Decode(&report); err != nil {
		return nil, fmt.Errorf("output is not a JSON object: %w", err)
	}
	return report, nil
}

// nestedKeys are containers some engines wrap their report in.
var nestedKeys = []string{"report", "result", "results", "backtest"}

// lookup finds the first of fields at the top level or inside one level of nesting.
func lookup(report map[string]any, fields []string) (string, any, bool) {
	for _, f := range fields {
		if v, ok := report[f]; ok && v != nil {
			return f, v, true
		}
	}
	for _, key := range nestedKeys {
		inner, ok := report[key].(map[string]any)
		if !ok {
			continue
		}
		for _, f := range fields {
			if v, ok := inner[f]; ok && v != nil {
				return key + "." + f, v, true
			}
		}
	}
	return "", nil, false
}

// summaryField returns the first numeric summary field found.
func summaryField(report map[string]any, names ...string) *float64 {
	for _, name := range names {
		_, raw, ok := lookup(report, []string{name})
		if !ok {
			continue
		}
		if v, ok := toFloat(raw); ok {
			return domain.Float(v)
		}
	}
	return nil
}
