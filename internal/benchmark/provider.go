// Package benchmark supplies the benchmark sharpe ratio used by the dynamic threshold test.
package benchmark

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saltfish/freqsearch/go-evolver/internal/config"
)

// Source loads a benchmark sharpe ratio.
type Source interface {
	Load() (float64, error)
	Name() string
}

// StaticSource returns a fixed value.
type StaticSource float64

// Load returns the configured value.
func (s StaticSource) Load() (float64, error) {
	return float64(s), nil
}

// Name identifies the source in logs.
func (s StaticSource) Name() string {
	return "static"
}

// Provider caches the last successfully loaded benchmark sharpe.
type Provider struct {
	source Source
	logger *zap.Logger

	mu       sync.RWMutex
	value    float64
	loadedAt time.Time
}

// NewProvider loads the source once. When the initial load fails the fallback value is used
// and the error is returned alongside a usable provider.
func NewProvider(source Source, fallback float64, logger *zap.Logger) (*Provider, error) {
	p := &Provider{
		source: source,
		logger: logger,
		value:  fallback,
	}
	if err := p.Refresh(); err != nil {
		return p, err
	}
	return p, nil
}

// FromConfig builds a provider from the price file when one is configured, the static
// benchmark_sharpe otherwise.
func FromConfig(cfg *config.EvolverConfig, logger *zap.Logger) (*Provider, error) {
	var source Source = StaticSource(cfg.BenchmarkSharpe)
	if cfg.BenchmarkPricesPath != "" {
		source = NewPriceFileSource(cfg.BenchmarkPricesPath, cfg.PeriodsPerYear)
	}
	return NewProvider(source, cfg.BenchmarkSharpe, logger)
}

// Refresh reloads the value. On failure the previous value is kept.
func (p *Provider) Refresh() error {
	v, err := p.source.Load()
	if err != nil {
		p.logger.Warn("Failed to load benchmark, keeping previous value",
			zap.String("source", p.source.Name()),
			zap.Float64("benchmark_sharpe", p.Sharpe()),
			zap.Error(err),
		)
		return fmt.Errorf("load benchmark from %s: %w", p.source.Name(), err)
	}

	p.mu.Lock()
	previous := p.value
	p.value = v
	p.loadedAt = time.Now()
	p.mu.Unlock()

	if previous != v {
		p.logger.Info("Benchmark sharpe updated",
			zap.String("source", p.source.Name()),
			zap.Float64("previous", previous),
			zap.Float64("benchmark_sharpe", v),
		)
	}
	return nil
}

// Sharpe returns the current benchmark sharpe ratio.
func (p *Provider) Sharpe() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value
}

// LoadedAt returns when the value was last loaded successfully.
func (p *Provider) LoadedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loadedAt
}
