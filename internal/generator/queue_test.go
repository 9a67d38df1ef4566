package generator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
	"github.com/saltfish/freqsearch/go-evolver/internal/events"
)

// fakeBus answers every generation request by delivering a proposal to the subscribed handler.
type fakeBus struct {
	mu        sync.Mutex
	handler   events.EventHandler
	requests  []*events.GenerationRequestedEvent
	respond   bool
	proposals []string
}

func (b *fakeBus) Subscribe(ctx context.Context, routingKeys []string, handler events.EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
	return nil
}

func (b *fakeBus) Publish(ctx context.Context, routingKey string, event interface{}) error {
	b.mu.Lock()
	req := event.(*events.GenerationRequestedEvent)
	b.requests = append(b.requests, req)
	handler, respond := b.handler, b.respond
	var code string
	if len(b.proposals) > 0 {
		code, b.proposals = b.proposals[0], b.proposals[1:]
	}
	b.mu.Unlock()

	if !respond {
		return nil
	}
	body, _ := json.Marshal(events.CandidateProposedEvent{
		BaseEvent: events.NewBaseEvent(events.RoutingKeyCandidateProposed),
		RequestID: req.RequestID,
		Candidate: json.RawMessage(code),
	})
	go handler(events.RoutingKeyCandidateProposed, body)
	return nil
}

func (b *fakeBus) Close() error { return nil }

func TestQueueGenerator_RoundTrip(t *testing.T) {
	bus := &fakeBus{respond: true, proposals: []string{`{"name":"from_agent","code":"x = 1","origin":"mutation"}`}}
	g, err := NewQueueGenerator(context.Background(), bus, bus, time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)

	fb := Feedback{Iteration: 3, Mode: domain.GenerationModeHybrid, Search: domain.SearchModeExplore}
	c, err := g.Generate(context.Background(), fb)
	require.NoError(t, err)
	assert.Equal(t, "from_agent", c.Name)
	assert.Equal(t, domain.GenerationModeMutation, c.Origin)

	require.Len(t, bus.requests, 1)
	var sent Feedback
	require.NoError(t, json.Unmarshal(bus.requests[0].Feedback, &sent))
	assert.Equal(t, 3, sent.Iteration)
}

func TestQueueGenerator_SkipsInvalidProposals(t *testing.T) {
	bus := &fakeBus{}
	g, err := NewQueueGenerator(context.Background(), bus, bus, time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)

	bad, _ := json.Marshal(events.CandidateProposedEvent{Candidate: json.RawMessage(`{"name":"empty","code":""}`)})
	good, _ := json.Marshal(events.CandidateProposedEvent{Candidate: json.RawMessage(`{"name":"ok","code":"pass"}`)})
	require.NoError(t, bus.handler(events.RoutingKeyCandidateProposed, bad))
	require.NoError(t, bus.handler(events.RoutingKeyCandidateProposed, []byte(`{"event_id":"no-candidate"}`)))
	require.NoError(t, bus.handler(events.RoutingKeyCandidateProposed, good))

	c, err := g.Generate(context.Background(), Feedback{Mode: domain.GenerationModeSynthesis})
	require.NoError(t, err)
	assert.Equal(t, "ok", c.Name)
}

func TestQueueGenerator_TimeoutExhausts(t *testing.T) {
	bus := &fakeBus{}
	g, err := NewQueueGenerator(context.Background(), bus, bus, 50*time.Millisecond, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), Feedback{})
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestQueueGenerator_Cancelled(t *testing.T) {
	bus := &fakeBus{}
	g, err := NewQueueGenerator(context.Background(), bus, bus, 0, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Generate(ctx, Feedback{})
	assert.ErrorIs(t, err, context.Canceled)
}
