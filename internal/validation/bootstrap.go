package validation

import (
	"math"
	"math/rand/v2"
)

// stationaryBootstrap draws resamples of a series with the stationary bootstrap of
// Politis and Romano: blocks start at uniformly random positions, their lengths are
// geometric with the given mean, and indices wrap around the end of the series.
type stationaryBootstrap struct {
	series  []float64
	pNew    float64
	rng     *rand.Rand
	periods float64
}

func newStationaryBootstrap(series []float64, meanBlock, periodsPerYear float64, rng *rand.Rand) *stationaryBootstrap {
	if meanBlock < 1 {
		meanBlock = 1
	}
	return &stationaryBootstrap{
		series:  series,
		pNew:    1 / meanBlock,
		rng:     rng,
		periods: periodsPerYear,
	}
}

// sharpe draws one resample of the same length as the series and returns its annualised
// sharpe ratio. ok is false when the resample has zero volatility.
func (b *stationaryBootstrap) sharpe() (float64, bool) {
	n := len(b.series)
	idx := b.rng.IntN(n)

	var sum, sumSq float64
	for i := 0; i < n; i++ {
		if i > 0 {
			if b.rng.Float64() < b.pNew {
				idx = b.rng.IntN(n)
			} else {
				idx++
				if idx == n {
					idx = 0
				}
			}
		}
		x := b.series[idx]
		sum += x
		sumSq += x * x
	}

	fn := float64(n)
	mean := sum / fn
	variance := (sumSq - fn*mean*mean) / (fn - 1)
	if variance <= 0 {
		return 0, false
	}
	std := math.Sqrt(variance)
	if std < 1e-12 {
		return 0, false
	}
	return mean / std * math.Sqrt(b.periods), true
}

// pValue returns (1 + #{resampled sharpe <= cutoff}) / (B + 1). Resamples with an
// undefined sharpe count as not exceeding the cutoff.
func (b *stationaryBootstrap) pValue(cutoff float64, resamples int) float64 {
	atOrBelow := 0
	for i := 0; i < resamples; i++ {
		s, ok := b.sharpe()
		if !ok || s <= cutoff {
			atOrBelow++
		}
	}
	return float64(1+atOrBelow) / float64(resamples+1)
}
