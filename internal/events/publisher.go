package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/saltfish/freqsearch/go-evolver/internal/config"
	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
	"github.com/saltfish/freqsearch/go-evolver/internal/history"
)

// Sink delivers an encoded event under a routing key.
type Sink interface {
	Publish(ctx context.Context, routingKey string, event interface{}) error
	Close() error
}

// Publisher publishes evolver events.
type Publisher interface {
	Sink

	// PublishRunStarted publishes a run started event.
	PublishRunStarted(s *history.Summary) error

	// PublishIterationCompleted publishes an iteration completed event.
	PublishIterationCompleted(rec *domain.IterationRecord) error

	// PublishChampionUpdated publishes a champion updated event.
	PublishChampionUpdated(runID uuid.UUID, entry domain.LineageEntry) error

	// PublishDiversityCollapse publishes a diversity collapse event.
	PublishDiversityCollapse(runID uuid.UUID, generation int, score float64, consecutive int) error

	// PublishRunCompleted publishes a run completed event.
	PublishRunCompleted(s *history.Summary) error
}

// publishTimeout bounds a single broker publish.
const publishTimeout = 5 * time.Second

// RabbitMQPublisher publishes events to a topic exchange.
type RabbitMQPublisher struct {
	conn   *connection
	logger *zap.Logger
}

// NewRabbitMQPublisher creates a new RabbitMQ publisher.
func NewRabbitMQPublisher(cfg *config.RabbitMQConfig, logger *zap.Logger) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{
		conn:   newConnection(cfg, logger),
		logger: logger,
	}
	if err := p.conn.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// Publish publishes an event with the given routing key.
func (p *RabbitMQPublisher) Publish(ctx context.Context, routingKey string, event interface{}) error {
	channel, err := p.conn.current()
	if err != nil {
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = channel.PublishWithContext(
		ctx,
		p.conn.exchange, // exchange
		routingKey,      // routing key
		false,           // mandatory
		false,           // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("Published event",
		zap.String("routing_key", routingKey),
		zap.Int("body_size", len(body)),
	)
	return nil
}

// Close closes the publisher connection.
func (p *RabbitMQPublisher) Close() error {
	err := p.conn.close()
	p.logger.Info("RabbitMQ publisher closed")
	return err
}

// FanoutPublisher delivers every event to all of its sinks. A failing sink does not stop
// delivery to the others.
type FanoutPublisher struct {
	logger *zap.Logger

	mu    sync.RWMutex
	sinks []Sink
}

// NewFanoutPublisher creates a publisher over sinks. With no sinks it discards events.
func NewFanoutPublisher(logger *zap.Logger, sinks ...Sink) *FanoutPublisher {
	return &FanoutPublisher{logger: logger, sinks: sinks}
}

// Add registers another sink.
func (f *FanoutPublisher) Add(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// Publish delivers the event to every sink and joins their errors.
func (f *FanoutPublisher) Publish(ctx context.Context, routingKey string, event interface{}) error {
	f.mu.RLock()
	sinks := f.sinks
	f.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Publish(ctx, routingKey, event); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		f.logger.Warn("Failed to publish event",
			zap.String("routing_key", routingKey),
			zap.Error(err),
		)
	}
	return err
}

// PublishRunStarted publishes a run started event.
func (f *FanoutPublisher) PublishRunStarted(s *history.Summary) error {
	return f.Publish(context.Background(), RoutingKeyRunStarted, NewRunStartedEvent(s))
}

// PublishIterationCompleted publishes an iteration completed event.
func (f *FanoutPublisher) PublishIterationCompleted(rec *domain.IterationRecord) error {
	return f.Publish(context.Background(), RoutingKeyIterationCompleted, NewIterationCompletedEvent(rec))
}

// PublishChampionUpdated publishes a champion updated event.
func (f *FanoutPublisher) PublishChampionUpdated(runID uuid.UUID, entry domain.LineageEntry) error {
	err := f.Publish(context.Background(), RoutingKeyChampionUpdated, NewChampionUpdatedEvent(runID, entry))
	if err == nil {
		f.logger.Info("Published champion.updated event",
			zap.String("run_id", runID.String()),
			zap.Int("iteration", entry.Iteration),
			zap.Float64("sharpe", entry.Sharpe),
		)
	}
	return err
}

// PublishDiversityCollapse publishes a diversity collapse event.
func (f *FanoutPublisher) PublishDiversityCollapse(runID uuid.UUID, generation int, score float64, consecutive int) error {
	event := NewDiversityCollapseEvent(runID, generation, score, consecutive)
	return f.Publish(context.Background(), RoutingKeyDiversityCollapse, event)
}

// PublishRunCompleted publishes a run completed event.
func (f *FanoutPublisher) PublishRunCompleted(s *history.Summary) error {
	return f.Publish(context.Background(), RoutingKeyRunCompleted, NewRunCompletedEvent(s))
}

// Close closes every sink.
func (f *FanoutPublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	f.sinks = nil
	return errors.Join(errs...)
}

// NoOpPublisher is a publisher that does nothing (for testing or when events disabled).
type NoOpPublisher struct{}

// NewNoOpPublisher creates a new no-op publisher.
func NewNoOpPublisher() *NoOpPublisher {
	return &NoOpPublisher{}
}

func (p *NoOpPublisher) Publish(ctx context.Context, routingKey string, event interface{}) error {
	return nil
}

func (p *NoOpPublisher) PublishRunStarted(s *history.Summary) error {
	return nil
}

func (p *NoOpPublisher) PublishIterationCompleted(rec *domain.IterationRecord) error {
	return nil
}

func (p *NoOpPublisher) PublishChampionUpdated(runID uuid.UUID, entry domain.LineageEntry) error {
	return nil
}

func (p *NoOpPublisher) PublishDiversityCollapse(runID uuid.UUID, generation int, score float64, consecutive int) error {
	return nil
}

func (p *NoOpPublisher) PublishRunCompleted(s *history.Summary) error {
	return nil
}

func (p *NoOpPublisher) Close() error {
	return nil
}

// Ensure interface compliance
var _ Sink = (*RabbitMQPublisher)(nil)
var _ Publisher = (*FanoutPublisher)(nil)
var _ Publisher = (*NoOpPublisher)(nil)
