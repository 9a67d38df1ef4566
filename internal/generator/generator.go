// Package generator produces candidate strategies for the evolver.
//
// The evolver does not generate code itself: candidates come from an external command
// (for example a mutation engine or a language-model client), from agents on the message
// bus, or from a spool directory.
// Each request carries feedback about the run so the producer can decide whether to
// refine the champion or explore.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saltfish/freqsearch/go-evolver/internal/config"
	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
	"github.com/saltfish/freqsearch/go-evolver/internal/events"
)

// ErrExhausted is returned when a generator has no more candidates to offer.
var ErrExhausted = errors.New("generator exhausted")

// ErrUnavailable is returned when a generator refuses requests for a while, for example
// while its circuit breaker is open. The caller should back off and ask again.
var ErrUnavailable = errors.New("generator unavailable")

// Feedback is the run state passed to the generator with every request.
type Feedback struct {
	Iteration             int                     `json:"iteration"`
	Mode                  domain.GenerationMode   `json:"mode"`
	Search                domain.SearchMode       `json:"search"`
	Last                  *domain.IterationRecord `json:"last,omitempty"`
	Champion              *domain.Champion        `json:"champion,omitempty"`
	IterationsSinceUpdate int                     `json:"iterations_since_update"`
	Stale                 bool                    `json:"stale"`
	DiversityScore        *float64                `json:"diversity_score,omitempty"`
	DiversityCollapsed    bool                    `json:"diversity_collapsed"`
}

// Generator produces one candidate per call.
type Generator interface {
	Generate(ctx context.Context, fb Feedback) (*domain.Candidate, error)
}

// Spec is the wire form of a candidate produced by an external generator.
type Spec struct {
	Name       string     `json:"name"`
	Code       string     `json:"code"`
	Entrypoint string     `json:"entrypoint,omitempty"`
	Factors    []string   `json:"factors,omitempty"`
	ParentID   *uuid.UUID `json:"parent_id,omitempty"`
	Origin     string     `json:"origin,omitempty"`
}

// ToCandidate validates the spec and builds an immutable Candidate.
func (s *Spec) ToCandidate(fb Feedback) (*domain.Candidate, error) {
	if strings.TrimSpace(s.Code) == "" {
		return nil, errors.New("candidate has no code")
	}
	name := s.Name
	if name == "" {
		name = fmt.Sprintf("candidate-%d", fb.Iteration)
	}
	return domain.NewCandidate(name, s.Code, s.Entrypoint, s.Factors, originOf(s.Origin, fb), s.ParentID), nil
}

// originOf resolves the origin of a candidate. In hybrid mode a producer may tag each
// candidate; untagged ones follow the search mode.
func originOf(tag string, fb Feedback) domain.GenerationMode {
	if fb.Mode != domain.GenerationModeHybrid {
		return fb.Mode
	}
	switch domain.GenerationMode(tag) {
	case domain.GenerationModeMutation, domain.GenerationModeSynthesis:
		return domain.GenerationMode(tag)
	}
	if fb.Search == domain.SearchModeExplore {
		return domain.GenerationModeSynthesis
	}
	return domain.GenerationModeMutation
}

// decodeSpec parses a candidate spec.
func decodeSpec(data []byte) (*Spec, error) {
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("invalid candidate JSON: %w", err)
	}
	return &spec, nil
}

// New builds the configured generator, wrapped in a circuit breaker. The external command
// takes precedence, then the message queue, then the spool directory. pub and sub may be
// nil when no queue is configured.
func New(ctx context.Context, cfg *config.GenerationConfig, pub events.Sink, sub events.Subscriber, logger *zap.Logger) (Generator, error) {
	timeout, err := time.ParseDuration(cfg.CommandTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid command_timeout: %w", err)
	}
	openTimeout, err := time.ParseDuration(cfg.BreakerOpenTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid breaker_open_timeout: %w", err)
	}

	var inner Generator
	switch {
	case len(cfg.Command) > 0:
		inner, err = NewCommandGenerator(cfg.Command, timeout, logger)
	case cfg.Queue != "":
		if pub == nil || sub == nil {
			return nil, errNoBroker
		}
		var queueTimeout time.Duration
		if queueTimeout, err = time.ParseDuration(cfg.QueueTimeout); err != nil {
			return nil, fmt.Errorf("invalid queue_timeout: %w", err)
		}
		inner, err = NewQueueGenerator(ctx, pub, sub, queueTimeout, logger)
	default:
		inner, err = NewDirectoryGenerator(cfg.SpoolDir, logger)
	}
	if err != nil {
		return nil, err
	}
	return NewBreakerGenerator(inner, cfg.BreakerMaxFailures, openTimeout, logger), nil
}
