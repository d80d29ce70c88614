package webhooks

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/chainhook/chainhook/pkg/events"
	"github.com/chainhook/chainhook/pkg/observability"
)

// SubscriptionSource resolves the subscriptions matching an event.
// The cached store satisfies this in production.
type SubscriptionSource interface {
	ListActive(ctx context.Context, eventType, contractID string) ([]*Subscription, error)
}

// Consumer is the broker surface the dispatcher needs. Connect is
// called again when the delivery channel closes mid-run.
type Consumer interface {
	Connect(ctx context.Context) error
	Consume() (<-chan amqp.Delivery, error)
}

// Dispatcher consumes detected events from the broker and fans each
// one out to its matching subscriptions. One message is in flight at
// a time (prefetch 1); the message is acked once every matching
// delivery has reached a terminal outcome, regardless of how many
// succeeded.
type Dispatcher struct {
	consumer  Consumer
	source    SubscriptionSource
	deliverer *Deliverer
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewDispatcher wires the consume loop. Metrics may be nil.
func NewDispatcher(consumer Consumer, source SubscriptionSource, deliverer *Deliverer, logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		consumer:  consumer,
		source:    source,
		deliverer: deliverer,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run consumes until the context is cancelled. A closed delivery
// channel triggers a reconnect through the consumer's bounded retry;
// Run returns an error only when reconnection is exhausted.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		deliveries, err := d.consumer.Consume()
		if err != nil {
			return fmt.Errorf("failed to start consuming: %w", err)
		}

		d.logger.Info("Dispatcher consuming events")

		if err := d.consumeLoop(ctx, deliveries); err != nil {
			return err
		}
		if ctx.Err() != nil {
			d.logger.Info("Dispatcher stopped")
			return nil
		}

		d.logger.Warn("Broker channel closed, reconnecting")
		if err := d.consumer.Connect(ctx); err != nil {
			return fmt.Errorf("failed to reconnect to broker: %w", err)
		}
	}
}

// consumeLoop processes deliveries until the channel closes or the
// context is cancelled. It returns nil in both cases; Run decides
// whether to reconnect.
func (d *Dispatcher) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return nil
			}
			d.handle(ctx, msg)
		}
	}
}

// handle processes one broker message through decode, resolve and
// fan-out. Malformed messages and resolution failures are nacked
// without requeue so they dead-letter instead of poisoning the queue.
func (d *Dispatcher) handle(ctx context.Context, msg amqp.Delivery) {
	event, err := events.Decode(msg.Body)
	if err != nil {
		if errors.Is(err, events.ErrMalformedMessage) {
			d.logger.WithError(err).Warn("Discarding malformed event message")
			d.countEvent("malformed")
		} else {
			d.logger.WithError(err).Error("Failed to decode event message")
			d.countEvent("error")
		}
		d.nack(msg)
		return
	}

	logger := observability.LoggerWithTraceContext(ctx, d.logger).WithFields(map[string]interface{}{
		"contract_id": event.ContractID,
		"event_type":  event.EventType,
	})

	subs, err := d.source.ListActive(ctx, event.EventType, event.ContractID)
	if err != nil {
		// The message survives to the dead-letter queue rather than
		// being lost while the store is down.
		logger.WithError(err).Error("Failed to resolve subscriptions")
		d.countEvent("error")
		d.nack(msg)
		return
	}

	if d.metrics != nil {
		d.metrics.FanoutSize.Observe(float64(len(subs)))
	}

	if len(subs) == 0 {
		logger.Debug("No matching subscriptions")
	} else {
		logger.Infof("Dispatching event to %d webhooks", len(subs))

		var g errgroup.Group
		for _, sub := range subs {
			sub := sub
			g.Go(func() error {
				d.deliverer.Deliver(ctx, sub, event)
				return nil
			})
		}
		// Deliver never returns an error; Wait is a join point.
		_ = g.Wait()
	}

	d.countEvent("processed")
	if err := msg.Ack(false); err != nil {
		logger.WithError(err).Error("Failed to ack message")
	}
}

func (d *Dispatcher) nack(msg amqp.Delivery) {
	if err := msg.Nack(false, false); err != nil {
		d.logger.WithError(err).Error("Failed to nack message")
	}
}

func (d *Dispatcher) countEvent(outcome string) {
	if d.metrics != nil {
		d.metrics.EventsConsumedTotal.WithLabelValues(outcome).Inc()
	}
}
