package events

import (
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/saltfish/freqsearch/go-evolver/internal/config"
)

// connection owns one AMQP connection and channel and re-dials with exponential backoff
// when the broker drops it.
type connection struct {
	config   *config.RabbitMQConfig
	exchange string
	logger   *zap.Logger

	// setup runs on every fresh channel after the exchange is declared.
	setup func(ch *amqp.Channel) error
	// onReconnect runs after a successful re-dial.
	onReconnect func()

	mu           sync.RWMutex
	conn         *amqp.Connection
	channel      *amqp.Channel
	closed       bool
	reconnecting bool
}

func newConnection(cfg *config.RabbitMQConfig, logger *zap.Logger) *connection {
	return &connection{
		config:   cfg,
		exchange: cfg.Exchange,
		logger:   logger,
	}
}

// connect dials the broker, declares the topic exchange and runs setup.
func (c *connection) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("connection is closed")
	}

	conn, err := amqp.Dial(c.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		c.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if c.setup != nil {
		if err := c.setup(ch); err != nil {
			ch.Close()
			conn.Close()
			return err
		}
	}

	c.conn = conn
	c.channel = ch

	closeChan := make(chan *amqp.Error, 1)
	conn.NotifyClose(closeChan)
	go c.handleClose(closeChan)

	c.logger.Info("Connected to RabbitMQ", zap.String("exchange", c.exchange))
	return nil
}

// handleClose triggers a reconnect unless the close was graceful.
func (c *connection) handleClose(closeChan chan *amqp.Error) {
	err := <-closeChan
	if err == nil {
		return
	}

	c.logger.Warn("RabbitMQ connection closed", zap.Error(err))
	c.reconnect()
}

func (c *connection) reconnect() {
	c.mu.Lock()
	if c.closed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay, maxWait := c.backoff()
	for {
		if c.isClosed() {
			return
		}

		c.logger.Info("Attempting to reconnect to RabbitMQ", zap.Duration("delay", delay))
		time.Sleep(delay)

		if err := c.connect(); err != nil {
			delay = min(delay*2, maxWait)
			c.logger.Warn("Reconnection failed",
				zap.Error(err),
				zap.Duration("next_attempt", delay),
			)
			continue
		}

		c.logger.Info("Reconnected to RabbitMQ")
		if c.onReconnect != nil {
			c.onReconnect()
		}
		return
	}
}

// backoff returns the initial and maximum reconnect delays.
func (c *connection) backoff() (time.Duration, time.Duration) {
	delay := 5 * time.Second
	maxWait := 30 * time.Second
	if d, err := time.ParseDuration(c.config.ReconnectDelay); err == nil && d > 0 {
		delay = d
	}
	if d, err := time.ParseDuration(c.config.MaxReconnectWait); err == nil && d >= delay {
		maxWait = d
	}
	return delay, maxWait
}

func (c *connection) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// current returns the live channel.
func (c *connection) current() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, fmt.Errorf("connection is closed")
	}
	if c.channel == nil {
		return nil, fmt.Errorf("channel not available")
	}
	return c.channel, nil
}

func (c *connection) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing connection: %v", errs)
	}
	return nil
}
