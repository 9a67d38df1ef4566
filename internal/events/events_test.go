package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/freqsearch/go-evolver/internal/config"
	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
	"github.com/saltfish/freqsearch/go-evolver/internal/history"
)

type recordingSink struct {
	keys   []string
	events []interface{}
	err    error
	closed bool
}

func (r *recordingSink) Publish(ctx context.Context, routingKey string, event interface{}) error {
	r.keys = append(r.keys, routingKey)
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingSink) Close() error {
	r.closed = true
	return nil
}

func TestFanoutPublisher_DeliversToAllSinks(t *testing.T) {
	failing := &recordingSink{err: errors.New("broker down")}
	ok := &recordingSink{}
	pub := NewFanoutPublisher(zaptest.NewLogger(t), failing, ok)

	rec := &domain.IterationRecord{
		RunID:          uuid.New(),
		IterationNum:   7,
		Candidate:      domain.CandidateRef{ID: uuid.New(), Name: "rsi_cross"},
		Metrics:        domain.StrategyMetrics{SharpeRatio: domain.Float(1.1)},
		Classification: domain.ClassificationResult{Level: domain.LevelProfitable},
		Validation:     &domain.ValidationReport{Passed: true, PValue: 0.001},
		Execution:      domain.ExecutionResult{Success: true, ExecutionTime: 1500 * time.Millisecond},
	}

	err := pub.PublishIterationCompleted(rec)
	assert.ErrorContains(t, err, "broker down")
	require.Len(t, ok.events, 1)
	assert.Equal(t, []string{RoutingKeyIterationCompleted}, ok.keys)

	event := ok.events[0].(*IterationCompletedEvent)
	assert.Equal(t, 7, event.Iteration)
	assert.True(t, event.Validated)
	assert.Equal(t, int64(1500), event.DurationMs)
	require.NotNil(t, event.PValue)
	assert.Equal(t, 0.001, *event.PValue)

	require.NoError(t, pub.Close())
	assert.True(t, failing.closed)
	assert.True(t, ok.closed)
}

func TestFanoutPublisher_NoSinks(t *testing.T) {
	pub := NewFanoutPublisher(zap.NewNop())
	assert.NoError(t, pub.PublishDiversityCollapse(uuid.New(), 3, 0.05, 5))

	sink := &recordingSink{}
	pub.Add(sink)
	require.NoError(t, pub.PublishChampionUpdated(uuid.New(), domain.LineageEntry{Iteration: 4, Sharpe: 1.3}))
	assert.Equal(t, []string{RoutingKeyChampionUpdated}, sink.keys)
}

func TestRunEvents(t *testing.T) {
	s := history.NewSummary(uuid.New(), domain.GenerationModeHybrid, 10, 50)
	started := NewRunStartedEvent(s)
	assert.Equal(t, RoutingKeyRunStarted, started.EventType)
	assert.Equal(t, 10, started.StartIteration)

	s.StopReason = domain.StopReasonInterrupted
	s.Champion = &domain.Champion{Record: domain.IterationRecord{
		Metrics: domain.StrategyMetrics{SharpeRatio: domain.Float(0.93)},
	}}
	completed := NewRunCompletedEvent(s)
	assert.Equal(t, domain.StopReasonInterrupted, completed.StopReason)
	require.NotNil(t, completed.ChampionSharpe)
	assert.Equal(t, 0.93, *completed.ChampionSharpe)

	body, err := json.Marshal(completed)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"event_type":"run.completed"`)
	assert.Contains(t, string(body), `"source":"go-evolver"`)
}

func TestNoOpPublisher(t *testing.T) {
	var pub Publisher = NewNoOpPublisher()
	assert.NoError(t, pub.PublishRunStarted(history.NewSummary(uuid.New(), domain.GenerationModeMutation, 0, 1)))
	assert.NoError(t, pub.Close())
}

func TestConnectionBackoff(t *testing.T) {
	c := newConnection(&config.RabbitMQConfig{ReconnectDelay: "2s", MaxReconnectWait: "1s"}, zap.NewNop())
	delay, maxWait := c.backoff()
	assert.Equal(t, 2*time.Second, delay)
	assert.Equal(t, 30*time.Second, maxWait, "a max below the delay falls back to the default")

	c = newConnection(&config.RabbitMQConfig{ReconnectDelay: "bogus", MaxReconnectWait: "1m"}, zap.NewNop())
	delay, maxWait = c.backoff()
	assert.Equal(t, 5*time.Second, delay)
	assert.Equal(t, time.Minute, maxWait)
}

func TestConnection_ClosedChannel(t *testing.T) {
	c := newConnection(&config.RabbitMQConfig{}, zap.NewNop())
	_, err := c.current()
	assert.Error(t, err)

	require.NoError(t, c.close())
	assert.True(t, c.isClosed())
	assert.Error(t, c.connect())
}

func TestIsPublishedRoutingKey(t *testing.T) {
	for _, key := range PublishedRoutingKeys() {
		assert.True(t, IsPublishedRoutingKey(key), key)
	}
	assert.False(t, IsPublishedRoutingKey(RoutingKeyCandidateProposed))
	assert.False(t, IsPublishedRoutingKey("task.completed"))
	assert.False(t, IsPublishedRoutingKey(""))
}
