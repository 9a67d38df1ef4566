package normalizer

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

// minStdDev treats smaller standard deviations as zero volatility.
const minStdDev = 1e-12

// Sharpe returns the annualised sharpe ratio of a return series: mean over sample
// standard deviation times sqrt(periodsPerYear). It is undefined for fewer than two
// observations or zero volatility.
func Sharpe(returns []float64, periodsPerYear float64) (float64, bool) {
	if len(returns) < 2 {
		return 0, false
	}
	mean, std := stat.MeanStdDev(returns, nil)
	if std < minStdDev || !isFinite(std) {
		return 0, false
	}
	return mean / std * math.Sqrt(periodsPerYear), true
}

// TotalReturn returns the compounded return of the series.
func TotalReturn(returns []float64) float64 {
	growth := 1.0
	for _, r := range returns {
		growth *= 1 + r
	}
	return growth - 1
}

// MaxDrawdown returns the largest peak-to-trough decline of the compounded equity path,
// as a positive fraction of the peak.
func MaxDrawdown(returns []float64) float64 {
	equity, peak, worst := 1.0, 1.0, 0.0
	for _, r := range returns {
		equity *= 1 + r
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// CAGR returns the compound annual growth rate of the series.
func CAGR(returns []float64, periodsPerYear float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	growth := TotalReturn(returns) + 1
	if growth <= 0 {
		return -1
	}
	return math.Pow(growth, periodsPerYear/float64(len(returns))) - 1
}

// ComputeMetrics derives all summary metrics from a return series.
func ComputeMetrics(returns []float64, periodsPerYear float64) domain.StrategyMetrics {
	m := domain.StrategyMetrics{
		Source:       domain.MetricsSourceSeries,
		Observations: len(returns),
	}
	if len(returns) == 0 {
		m.Source = domain.MetricsSourceNone
		return m
	}
	if s, ok := Sharpe(returns, periodsPerYear); ok {
		m.SharpeRatio = domain.Float(s)
	}
	m.TotalReturn = domain.Float(TotalReturn(returns))
	m.MaxDrawdown = domain.Float(MaxDrawdown(returns))
	m.CAGR = domain.Float(CAGR(returns, periodsPerYear))
	return m
}
