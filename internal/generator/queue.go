package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
	"github.com/saltfish/freqsearch/go-evolver/internal/events"
)

// proposalBuffer bounds proposals received ahead of requests.
const proposalBuffer = 16

var errNoBroker = errors.New("generation.queue requires a message broker")

type proposal struct {
	requestID string
	spec      *Spec
}

// QueueGenerator exchanges candidates with external agents over the message bus. Every
// Generate publishes a generation.requested event and waits for the next
// candidate.proposed delivery.
type QueueGenerator struct {
	publisher events.Sink
	timeout   time.Duration
	logger    *zap.Logger

	proposals chan proposal
}

// NewQueueGenerator subscribes to candidate.proposed on sub. The subscription lives until
// ctx is cancelled or the subscriber is closed.
func NewQueueGenerator(ctx context.Context, pub events.Sink, sub events.Subscriber, timeout time.Duration, logger *zap.Logger) (*QueueGenerator, error) {
	g := &QueueGenerator{
		publisher: pub,
		timeout:   timeout,
		logger:    logger,
		proposals: make(chan proposal, proposalBuffer),
	}

	err := sub.Subscribe(ctx, []string{events.RoutingKeyCandidateProposed}, func(routingKey string, body []byte) error {
		return g.receive(ctx, body)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to candidate proposals: %w", err)
	}
	return g, nil
}

// receive decodes a proposal and blocks until there is room for it, so the broker keeps
// unconsumed proposals.
func (g *QueueGenerator) receive(ctx context.Context, body []byte) error {
	var event events.CandidateProposedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("invalid candidate.proposed event: %w", err)
	}
	if len(event.Candidate) == 0 {
		g.logger.Warn("Dropping proposal without candidate", zap.String("event_id", event.EventID))
		return nil
	}
	spec, err := decodeSpec(event.Candidate)
	if err != nil {
		g.logger.Warn("Dropping malformed proposal",
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
		return nil
	}

	select {
	case g.proposals <- proposal{requestID: event.RequestID, spec: spec}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Generate requests a candidate and waits for a proposal. A proposal answering an older
// request is accepted as well; agents may work ahead.
func (g *QueueGenerator) Generate(ctx context.Context, fb Feedback) (*domain.Candidate, error) {
	feedback, err := json.Marshal(fb)
	if err != nil {
		return nil, fmt.Errorf("failed to encode feedback: %w", err)
	}

	requestID := uuid.NewString()
	if err := g.publisher.Publish(ctx, events.RoutingKeyGenerationRequested,
		events.NewGenerationRequestedEvent(requestID, feedback)); err != nil {
		return nil, fmt.Errorf("failed to request candidate: %w", err)
	}

	var timeout <-chan time.Time
	if g.timeout > 0 {
		timer := time.NewTimer(g.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case p := <-g.proposals:
			candidate, err := p.spec.ToCandidate(fb)
			if err != nil {
				g.logger.Warn("Skipping invalid proposal",
					zap.String("request_id", p.requestID),
					zap.Error(err),
				)
				continue
			}
			g.logger.Debug("Received candidate proposal",
				zap.Int("iteration", fb.Iteration),
				zap.String("request_id", requestID),
				zap.Bool("matches_request", p.requestID == requestID),
				zap.String("candidate_id", candidate.ID.String()),
			)
			return candidate, nil
		case <-timeout:
			return nil, fmt.Errorf("%w: no proposal within %s", ErrExhausted, g.timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ensure interface compliance at compile time.
var _ Generator = (*QueueGenerator)(nil)
