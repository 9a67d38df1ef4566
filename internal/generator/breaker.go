package generator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

// BreakerGenerator wraps a Generator with a circuit breaker so a failing producer is not
// hammered on every iteration. While the breaker is open, Generate fails fast with an
// error wrapping both ErrUnavailable and gobreaker.ErrOpenState.
type BreakerGenerator struct {
	next Generator
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerGenerator wraps next. The breaker opens after maxFailures consecutive
// failures and half-opens after openTimeout.
func NewBreakerGenerator(next Generator, maxFailures uint32, openTimeout time.Duration, logger *zap.Logger) *BreakerGenerator {
	if maxFailures == 0 {
		maxFailures = 5
	}
	settings := gobreaker.Settings{
		Name:        "generator",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Generator circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// An exhausted or cancelled producer is not failing.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrExhausted) || errors.Is(err, context.Canceled)
		},
	}
	return &BreakerGenerator{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Generate calls the wrapped generator through the breaker.
func (g *BreakerGenerator) Generate(ctx context.Context, fb Feedback) (*domain.Candidate, error) {
	out, err := g.cb.Execute(func() (interface{}, error) {
		return g.next.Generate(ctx, fb)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return out.(*domain.Candidate), nil
}

// State returns the breaker state name.
func (g *BreakerGenerator) State() string {
	return g.cb.State().String()
}

// Ensure interface compliance at compile time.
var _ Generator = (*BreakerGenerator)(nil)
