// Package broker owns the RabbitMQ topology and connection lifecycle
// for the event pipeline. Exchange, queue, and routing-key names are a
// bit-exact contract shared with every producer deployment.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/chainhook/chainhook/pkg/events"
	"github.com/chainhook/chainhook/pkg/observability"
)

const (
	// EventsExchange receives all producer publishes.
	EventsExchange = "events.exchange"
	// DeadLetterExchange receives expired and rejected messages.
	DeadLetterExchange = "events.dlx"
	// EventsQueue is the durable ingress queue the dispatcher consumes.
	EventsQueue = "events.detected"
	// DeadLetterQueue holds dead-lettered messages for inspection.
	DeadLetterQueue = "events.dlq"
	// EventsBindingKey binds the ingress queue to the events exchange.
	EventsBindingKey = "events.*"
	// DeadLetterRoutingKey routes dead-lettered messages to the DLQ.
	DeadLetterRoutingKey = "events.failed"
	// PublishRoutingKey is the key producers publish with; it matches
	// the events.* binding pattern.
	PublishRoutingKey = "events.blockchain"

	// MessageTTL is how long a message may sit unconsumed on the live
	// queue before it moves to the dead-letter path.
	MessageTTL = 300 * time.Second
)

// Config holds AMQP connection configuration
type Config struct {
	URL            string
	ConnectRetries int
	ConnectDelay   time.Duration
}

// DefaultConfig returns the default broker configuration
func DefaultConfig() Config {
	return Config{
		ConnectRetries: 15,
		ConnectDelay:   3 * time.Second,
	}
}

// Client is an explicitly owned AMQP connection plus channel. The
// channel is owned by a single consumer loop; it is never shared with
// delivery goroutines.
type Client struct {
	config Config
	logger *observability.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewClient creates a broker client. Connect must be called before use.
func NewClient(config Config, logger *observability.Logger) *Client {
	if config.ConnectRetries <= 0 {
		config.ConnectRetries = 15
	}
	if config.ConnectDelay <= 0 {
		config.ConnectDelay = 3 * time.Second
	}
	return &Client{
		config: config,
		logger: logger,
	}
}

// Connect dials the broker with bounded retries and a fixed delay
// between attempts, then declares the topology. Exhausting the retry
// budget returns an error; the owning process must treat that as fatal.
// The retry loop runs unlocked so a concurrent Close or Publish is
// never blocked behind a slow dial; the mutex guards only the install
// of the new connection and channel.
func (c *Client) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.config.ConnectRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.logger.Infof("Attempt %d/%d to connect to RabbitMQ", attempt, c.config.ConnectRetries)

		conn, err := amqp.Dial(c.config.URL)
		if err != nil {
			lastErr = err
			c.logger.WithError(err).Warnf("RabbitMQ not ready (attempt %d/%d)", attempt, c.config.ConnectRetries)
			if attempt < c.config.ConnectRetries {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(c.config.ConnectDelay):
				}
			}
			continue
		}

		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return fmt.Errorf("failed to open channel: %w", err)
		}

		if err := setupTopology(ch); err != nil {
			// A parameter conflict on an existing entity is a
			// configuration error, not a connectivity problem.
			ch.Close()
			conn.Close()
			return fmt.Errorf("topology setup failed: %w", err)
		}

		c.mu.Lock()
		c.conn = conn
		c.ch = ch
		c.mu.Unlock()

		c.logger.Info("Connected to RabbitMQ")
		return nil
	}

	return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", c.config.ConnectRetries, lastErr)
}

// EventsQueueArgs returns the declare arguments for the ingress queue.
// Declaring with different arguments than an existing queue is a
// parameter conflict the broker rejects at startup.
func EventsQueueArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    DeadLetterExchange,
		"x-dead-letter-routing-key": DeadLetterRoutingKey,
		"x-message-ttl":             int32(MessageTTL / time.Millisecond),
	}
}

// setupTopology declares both exchanges, both queues, and the bindings.
// Re-declaring existing entities with identical parameters is a no-op.
func setupTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", EventsExchange, err)
	}
	if err := ch.ExchangeDeclare(DeadLetterExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", DeadLetterExchange, err)
	}

	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", DeadLetterQueue, err)
	}
	if _, err := ch.QueueDeclare(EventsQueue, true, false, false, false, EventsQueueArgs()); err != nil {
		return fmt.Errorf("declare queue %s: %w", EventsQueue, err)
	}

	if err := ch.QueueBind(EventsQueue, EventsBindingKey, EventsExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", EventsQueue, err)
	}
	if err := ch.QueueBind(DeadLetterQueue, DeadLetterRoutingKey, DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", DeadLetterQueue, err)
	}

	return nil
}

// Publish sends an event to the events exchange with persistent
// delivery mode and the producer routing key.
func (c *Client) Publish(ctx context.Context, event *events.Event) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()

	if ch == nil {
		return fmt.Errorf("broker client is not connected")
	}

	body, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = ch.PublishWithContext(ctx,
		EventsExchange,
		PublishRoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	c.logger.WithFields(map[string]interface{}{
		"event_type":  event.EventType,
		"contract_id": event.ContractID,
	}).Info("Published event")
	return nil
}

// Consume applies a prefetch limit of 1 and returns the delivery
// channel for the ingress queue. The broker will deliver at most one
// unacknowledged message at a time to this consumer.
func (c *Client) Consume() (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()

	if ch == nil {
		return nil, fmt.Errorf("broker client is not connected")
	}

	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(
		EventsQueue,
		"",    // consumer tag
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}

	return deliveries, nil
}

// Close closes the channel and connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil {
		if err := c.ch.Close(); err != nil {
			c.logger.WithError(err).Warn("Error closing AMQP channel")
		}
		c.ch = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.conn = nil
			return fmt.Errorf("failed to close AMQP connection: %w", err)
		}
		c.conn = nil
	}
	return nil
}
