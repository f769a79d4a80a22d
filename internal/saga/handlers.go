package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/example/order-saga/internal/domain/order"
	"github.com/example/order-saga/internal/events"
	"github.com/example/order-saga/internal/infrastructure/broker"
	"github.com/example/order-saga/internal/infrastructure/ledger"
	"github.com/example/order-saga/internal/infrastructure/store"
	"github.com/example/order-saga/internal/sagalog"
)

// maxConflictAttempts bounds how often a step is re-evaluated after losing a
// compare-and-set race.
const maxConflictAttempts = 3

const (
	reasonInventoryUnavailable = "inventory reservation failed"
	reasonPaymentFailed        = "payment failed"
)

// step is one reaction of the state machine to an inbound event.
type step struct {
	trigger string
	to      order.Status
	reason  string
	// effect builds the outbound event published for the transition.
	effect func(o *order.Order) events.Event
}

func (s step) from() []order.Status {
	return order.Sources(s.to)
}

// HandleInventoryReserved confirms the order and asks for payment, or fails
// it when the reservation was refused.
func (c *Coordinator) HandleInventoryReserved(ctx context.Context, e events.InventoryReserved) error {
	if !e.Success {
		reason := e.Message
		if reason == "" {
			reason = reasonInventoryUnavailable
		}
		return c.apply(ctx, e.OrderID, step{trigger: e.RoutingKey(), to: order.StatusFailed, reason: reason})
	}

	return c.apply(ctx, e.OrderID, step{
		trigger: e.RoutingKey(),
		to:      order.StatusConfirmed,
		effect: func(o *order.Order) events.Event {
			return events.PaymentInitiate{
				OrderID:   o.ID,
				Amount:    events.NewAmount(o.TotalAmount),
				Timestamp: c.clock(),
			}
		},
	})
}

// HandleInventoryFailed fails the order. Nothing was reserved, so there is
// nothing to compensate.
func (c *Coordinator) HandleInventoryFailed(ctx context.Context, e events.InventoryFailed) error {
	reason := e.Reason
	if reason == "" {
		reason = reasonInventoryUnavailable
	}
	return c.apply(ctx, e.OrderID, step{trigger: e.RoutingKey(), to: order.StatusFailed, reason: reason})
}

// HandlePaymentCompleted stores the transaction and moves the order to
// PROCESSING, announcing it with order.confirmed.
func (c *Coordinator) HandlePaymentCompleted(ctx context.Context, e events.PaymentCompleted) error {
	o, err := c.load(ctx, e.OrderID)
	if err != nil {
		return err
	}
	if o.Status.IsTerminal() {
		c.discard(ctx, o, e.RoutingKey(), "order is terminal")
		return nil
	}

	if !paidInFull(e.Amount, o.TotalAmount) {
		slog.WarnContext(ctx, "payment amount differs from order total",
			"order_id", o.ID,
			"amount", e.Amount.StringFixed(2),
			"total_amount", o.TotalAmount.StringFixed(2))
	}

	createdAt := e.Timestamp.UTC()
	if e.Timestamp.IsZero() {
		createdAt = c.clock()
	}
	err = c.repo.SaveTransaction(ctx, order.Transaction{
		ID:            e.TransactionID,
		OrderID:       o.ID,
		Amount:        e.Amount.Decimal,
		PaymentMethod: e.PaymentMethod,
		CreatedAt:     createdAt,
	})
	if err != nil {
		return fmt.Errorf("failed to save transaction %s: %w", e.TransactionID, err)
	}

	return c.apply(ctx, e.OrderID, step{
		trigger: e.RoutingKey(),
		to:      order.StatusProcessing,
		effect: func(o *order.Order) events.Event {
			return events.OrderConfirmed{
				OrderID:       o.ID,
				TransactionID: e.TransactionID,
				Timestamp:     c.clock(),
			}
		},
	})
}

// HandlePaymentFailed fails the order and releases its reserved stock.
func (c *Coordinator) HandlePaymentFailed(ctx context.Context, e events.PaymentFailed) error {
	reason := e.Reason
	if reason == "" {
		reason = reasonPaymentFailed
	}
	return c.apply(ctx, e.OrderID, step{
		trigger: e.RoutingKey(),
		to:      order.StatusFailed,
		reason:  reason,
		effect: func(o *order.Order) events.Event {
			return events.InventoryRelease{OrderID: o.ID, Timestamp: c.clock()}
		},
	})
}

// load fetches the order an event refers to. An unknown order will never
// appear later because orders are stored before order.created is published,
// so the event is rejected permanently.
func (c *Coordinator) load(ctx context.Context, orderID string) (*order.Order, error) {
	o, err := c.repo.FindOrderByID(ctx, orderID)
	if errors.Is(err, order.ErrOrderNotFound) {
		return nil, broker.Permanent(fmt.Errorf("%w: %w: %s", ErrNotFound, err, orderID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", orderID, err)
	}
	return o, nil
}

// apply runs s against the current state of the order:
//
//   - terminal orders discard the event,
//   - an order already in the target state re-issues the effect only if the
//     ledger has no record of it (the publish was lost after the transition),
//   - an order in a state the target is not reachable from discards,
//   - otherwise the guarded transition is applied and the effect published.
//
// Steps into a terminal state publish their effect before the transition,
// since a terminal order never publishes again.
func (c *Coordinator) apply(ctx context.Context, orderID string, s step) error {
	var err error
	for attempt := 0; attempt < maxConflictAttempts; attempt++ {
		err = c.applyOnce(ctx, orderID, s)
		if !errors.Is(err, store.ErrStatusConflict) {
			return err
		}
		slog.InfoContext(ctx, "order changed concurrently, re-evaluating", "order_id", orderID, "trigger", s.trigger)
	}
	return err
}

func (c *Coordinator) applyOnce(ctx context.Context, orderID string, s step) error {
	o, err := c.load(ctx, orderID)
	if err != nil {
		return err
	}

	switch {
	case o.Status.IsTerminal():
		c.discard(ctx, o, s.trigger, "order is terminal")
		return nil
	case o.Status == s.to:
		return c.ensureEffect(ctx, o, s)
	case !slices.Contains(s.from(), o.Status):
		c.discard(ctx, o, s.trigger, "order already advanced to "+string(o.Status))
		return nil
	}

	if s.to.IsTerminal() && s.effect != nil {
		if err := c.emit(ctx, o, s); err != nil {
			return err
		}
	}

	updated, err := c.repo.UpdateOrderStatus(ctx, o.ID, s.to, s.from()...)
	if err != nil {
		return fmt.Errorf("failed to move order %s to %s: %w", o.ID, s.to, err)
	}

	c.record(ctx, sagalog.Entry{
		OrderID: o.ID, Trigger: s.trigger, From: string(o.Status), To: string(updated.Status),
		Outcome: sagalog.OutcomeApplied, Detail: s.reason,
	})
	slog.InfoContext(ctx, "order status changed",
		"order_id", o.ID, "from", o.Status, "to", updated.Status, "trigger", s.trigger)

	if s.to.IsTerminal() || s.effect == nil {
		return nil
	}
	return c.emit(ctx, updated, s)
}

// ensureEffect handles a redelivery for an order already in the step's
// target state.
func (c *Coordinator) ensureEffect(ctx context.Context, o *order.Order, s step) error {
	if s.effect == nil {
		c.discard(ctx, o, s.trigger, "duplicate delivery")
		return nil
	}

	key := ledger.Key(o.ID, s.effect(o).RoutingKey())
	done, err := c.effects.Recorded(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to check effect ledger: %w", err)
	}
	if done {
		c.discard(ctx, o, s.trigger, "duplicate delivery")
		return nil
	}

	slog.WarnContext(ctx, "re-issuing lost publish", "order_id", o.ID, "trigger", s.trigger, "key", key)
	return c.emit(ctx, o, s)
}

// emit publishes the step's effect and records it in the ledger.
func (c *Coordinator) emit(ctx context.Context, o *order.Order, s step) error {
	evt := s.effect(o)
	if err := c.publish(ctx, o.ID, evt); err != nil {
		return err
	}
	key := ledger.Key(o.ID, evt.RoutingKey())
	if err := c.effects.Record(ctx, key); err != nil {
		// a missing record only risks one duplicate publish on redelivery
		slog.WarnContext(ctx, "failed to record effect", "key", key, "error", err)
	}
	return nil
}

func (c *Coordinator) discard(ctx context.Context, o *order.Order, trigger, why string) {
	slog.InfoContext(ctx, "event discarded",
		"order_id", o.ID, "status", o.Status, "trigger", trigger, "reason", why)
	c.record(ctx, sagalog.Entry{
		OrderID: o.ID, Trigger: trigger, From: string(o.Status), To: string(o.Status),
		Outcome: sagalog.OutcomeDiscarded, Detail: why,
	})
}

// paidInFull compares the paid amount with the total as it went out on
// payment.initiate, rounded to cents.
func paidInFull(paid events.Amount, total decimal.Decimal) bool {
	return paid.Equal(events.NewAmount(total).Decimal)
}
