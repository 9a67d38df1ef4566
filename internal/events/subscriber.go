package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/saltfish/freqsearch/go-evolver/internal/config"
)

// EventHandler is a function that processes received events. A returned error requeues
// the message.
type EventHandler func(routingKey string, body []byte) error

// Subscriber provides event subscription from RabbitMQ.
type Subscriber interface {
	// Subscribe binds the queue to routingKeys and starts consuming.
	Subscribe(ctx context.Context, routingKeys []string, handler EventHandler) error

	// Close closes the subscriber connection.
	Close() error
}

// prefetchCount bounds unacknowledged deliveries per consumer.
const prefetchCount = 10

// RabbitMQSubscriber implements Subscriber using RabbitMQ.
type RabbitMQSubscriber struct {
	conn   *connection
	queue  string
	logger *zap.Logger

	mu          sync.RWMutex
	handler     EventHandler
	routingKeys []string
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewRabbitMQSubscriber creates a subscriber on a durable queue.
func NewRabbitMQSubscriber(cfg *config.RabbitMQConfig, queueName string, logger *zap.Logger) (*RabbitMQSubscriber, error) {
	s := &RabbitMQSubscriber{
		queue:  queueName,
		logger: logger.With(zap.String("queue", queueName)),
	}
	s.conn = newConnection(cfg, s.logger)
	s.conn.setup = s.declare
	s.conn.onReconnect = s.resume

	if err := s.conn.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

// declare declares the queue, re-binds known routing keys and sets QoS.
func (s *RabbitMQSubscriber) declare(ch *amqp.Channel) error {
	_, err := ch.QueueDeclare(
		s.queue, // name
		true,    // durable, proposals survive a restart of the evolver
		false,   // auto-delete
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	s.mu.RLock()
	keys := s.routingKeys
	s.mu.RUnlock()
	if err := s.bind(ch, keys); err != nil {
		return err
	}

	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	return nil
}

func (s *RabbitMQSubscriber) bind(ch *amqp.Channel, routingKeys []string) error {
	for _, routingKey := range routingKeys {
		err := ch.QueueBind(
			s.queue,         // queue name
			routingKey,      // routing key
			s.conn.exchange, // exchange
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to bind queue to routing key %s: %w", routingKey, err)
		}
	}
	return nil
}

// resume restarts consumption after a reconnect.
func (s *RabbitMQSubscriber) resume() {
	s.mu.RLock()
	handler, ctx := s.handler, s.ctx
	s.mu.RUnlock()

	if handler != nil && ctx != nil {
		go s.consume(ctx, handler)
	}
}

// Subscribe starts consuming messages from RabbitMQ.
func (s *RabbitMQSubscriber) Subscribe(ctx context.Context, routingKeys []string, handler EventHandler) error {
	ch, err := s.conn.current()
	if err != nil {
		return err
	}
	if err := s.bind(ch, routingKeys); err != nil {
		return err
	}

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.handler = handler
	s.routingKeys = routingKeys
	consumeCtx := s.ctx
	s.mu.Unlock()

	s.logger.Info("Subscribed to routing keys", zap.Strings("routing_keys", routingKeys))

	go s.consume(consumeCtx, handler)
	return nil
}

// consume consumes messages until ctx is done or the channel closes.
func (s *RabbitMQSubscriber) consume(ctx context.Context, handler EventHandler) {
	channel, err := s.conn.current()
	if err != nil {
		return
	}

	msgs, err := channel.Consume(
		s.queue, // queue
		"",      // consumer tag
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		s.logger.Error("Failed to start consuming", zap.Error(err))
		return
	}

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				s.logger.Info("Message channel closed")
				return
			}
			if err := s.processMessage(msg, handler); err != nil {
				s.logger.Error("Failed to process message",
					zap.Error(err),
					zap.String("routing_key", msg.RoutingKey),
				)
				// Malformed bodies are dropped; handler failures are requeued.
				msg.Nack(false, json.Valid(msg.Body))
			} else {
				msg.Ack(false)
			}

		case <-ctx.Done():
			s.logger.Info("Subscriber context cancelled, stopping consumption")
			return
		}
	}
}

func (s *RabbitMQSubscriber) processMessage(msg amqp.Delivery, handler EventHandler) error {
	s.logger.Debug("Received message",
		zap.String("routing_key", msg.RoutingKey),
		zap.Int("body_size", len(msg.Body)),
	)

	if !json.Valid(msg.Body) {
		return fmt.Errorf("invalid JSON in message body")
	}
	if err := handler(msg.RoutingKey, msg.Body); err != nil {
		return fmt.Errorf("handler error: %w", err)
	}
	return nil
}

// Close closes the subscriber connection.
func (s *RabbitMQSubscriber) Close() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	err := s.conn.close()
	s.logger.Info("RabbitMQ subscriber closed")
	return err
}

// Ensure interface compliance
var _ Subscriber = (*RabbitMQSubscriber)(nil)
