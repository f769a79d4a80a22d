package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/order-saga/internal/events"
	"github.com/example/order-saga/internal/infrastructure/broker"
)

// Typed adapts a handler of one event variant to a broker.Handler. Payloads
// that do not decode, or decode to another variant, are permanent failures
// and skip the retry loop.
func Typed[E events.Event](h func(context.Context, E) error) broker.Handler {
	return func(ctx context.Context, d broker.Delivery) error {
		evt, err := decodeDelivery[E](d)
		if err != nil {
			return broker.Permanent(err)
		}
		return h(ctx, evt)
	}
}

// decodeDelivery picks the variant from the routing key. A routing key that
// names no event falls back to the handler's own variant, so custom bindings
// with other keys still work.
func decodeDelivery[E events.Event](d broker.Delivery) (E, error) {
	var zero E
	evt, err := events.Decode(d.RoutingKey, d.Body)
	if errors.Is(err, events.ErrUnknownEvent) {
		return events.DecodeAs[E](d.Body)
	}
	if err != nil {
		return zero, err
	}
	typed, ok := evt.(E)
	if !ok {
		return zero, fmt.Errorf("%w: %s delivered to %s handler", events.ErrUnknownEvent, d.RoutingKey, zero.RoutingKey())
	}
	return typed, nil
}

// Handlers maps each inbound queue to its handler.
func (c *Coordinator) Handlers() map[string]broker.Handler {
	return map[string]broker.Handler{
		broker.QueueInventoryReserved: Typed(c.HandleInventoryReserved),
		broker.QueueInventoryFailed:   Typed(c.HandleInventoryFailed),
		broker.QueuePaymentCompleted:  Typed(c.HandlePaymentCompleted),
		broker.QueuePaymentFailed:     Typed(c.HandlePaymentFailed),
	}
}

// Register subscribes every inbound queue.
func (c *Coordinator) Register(ctx context.Context, sub broker.Subscriber) error {
	handlers := c.Handlers()
	for _, queue := range []string{
		broker.QueueInventoryReserved,
		broker.QueueInventoryFailed,
		broker.QueuePaymentCompleted,
		broker.QueuePaymentFailed,
	} {
		if err := sub.Subscribe(ctx, queue, handlers[queue]); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", queue, err)
		}
	}
	return nil
}
