// Package saga advances orders through their lifecycle. API operations
// create, read and cancel orders; event handlers react to inventory and
// payment outcomes and publish the next step of the choreography.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/order-saga/internal/domain/order"
	"github.com/example/order-saga/internal/domain/product"
	"github.com/example/order-saga/internal/events"
	"github.com/example/order-saga/internal/infrastructure/broker"
	"github.com/example/order-saga/internal/infrastructure/ledger"
	"github.com/example/order-saga/internal/infrastructure/store"
	"github.com/example/order-saga/internal/sagalog"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100

	defaultCancelReason = "cancelled by user"
)

// Coordinator owns order state transitions. It never opens its own broker
// connection; the publisher is injected by the caller that manages its
// lifecycle.
type Coordinator struct {
	repo      store.Repository
	publisher broker.Publisher
	effects   ledger.Ledger
	log       sagalog.Recorder
	now       func() time.Time
}

type Option func(*Coordinator)

// WithLedger replaces the in-process effect ledger.
func WithLedger(l ledger.Ledger) Option {
	return func(c *Coordinator) { c.effects = l }
}

// WithSagaLog records every transition to r.
func WithSagaLog(r sagalog.Recorder) Option {
	return func(c *Coordinator) { c.log = r }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(repo store.Repository, publisher broker.Publisher, opts ...Option) *Coordinator {
	c := &Coordinator{
		repo:      repo,
		publisher: publisher,
		effects:   ledger.NewMemory(),
		log:       sagalog.Discard{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) clock() time.Time {
	return c.now().UTC()
}

// ItemRequest is one requested line of a new order.
type ItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type CreateOrderRequest struct {
	UserID            string        `json:"userId"`
	Items             []ItemRequest `json:"items"`
	ShippingAddressID string        `json:"shippingAddressId"`
}

// CreateOrder prices the request from the catalog, persists a PENDING order
// and announces it with order.created.
func (c *Coordinator) CreateOrder(ctx context.Context, req CreateOrderRequest) (*order.Order, error) {
	items, err := mergeItems(req)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ProductID
	}
	products, err := c.repo.FindProductsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	catalog := make(map[string]product.Product, len(products))
	for _, p := range products {
		catalog[p.ID] = p
	}

	lines := make([]order.Item, 0, len(items))
	for _, item := range items {
		p, ok := catalog[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: %w: %s", ErrNotFound, product.ErrProductNotFound, item.ProductID)
		}
		if !p.CanFulfil(item.Quantity) {
			return nil, fmt.Errorf("%w: insufficient stock for product %s: requested %d, available %d",
				ErrInvalidRequest, p.ID, item.Quantity, p.Stock.Available())
		}
		lines = append(lines, order.Item{ProductID: p.ID, Quantity: item.Quantity, Price: p.Price})
	}

	o, err := order.New(req.UserID, req.ShippingAddressID, lines, c.clock())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	created, err := c.repo.CreateOrder(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	c.record(ctx, sagalog.Entry{OrderID: created.ID, Trigger: "create", To: string(created.Status), Outcome: sagalog.OutcomeApplied})

	if err := c.publish(ctx, created.ID, orderCreated(created, c.clock())); err != nil {
		return created, err
	}

	slog.InfoContext(ctx, "order created",
		"order_id", created.ID,
		"user_id", created.UserID,
		"total_amount", created.TotalAmount.StringFixed(2))
	return created, nil
}

// mergeItems validates the request shape and folds repeated products into a
// single line, keeping first-seen order.
func mergeItems(req CreateOrderRequest) ([]ItemRequest, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, order.ErrMissingUser)
	}
	if req.ShippingAddressID == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, order.ErrMissingAddress)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, order.ErrEmptyOrder)
	}

	merged := make([]ItemRequest, 0, len(req.Items))
	index := make(map[string]int, len(req.Items))
	for _, item := range req.Items {
		if item.ProductID == "" {
			return nil, fmt.Errorf("%w: product id is required", ErrInvalidRequest)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: %w: product %s", ErrInvalidRequest, order.ErrInvalidQuantity, item.ProductID)
		}
		if i, ok := index[item.ProductID]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged, nil
}

func orderCreated(o *order.Order, now time.Time) events.OrderCreated {
	items := make([]events.OrderItem, len(o.Items))
	for i, item := range o.Items {
		items[i] = events.OrderItem{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	return events.OrderCreated{
		OrderID:     o.ID,
		UserID:      o.UserID,
		Items:       items,
		TotalAmount: events.NewAmount(o.TotalAmount),
		Timestamp:   now,
	}
}

// GetOrder returns the order. A non-empty userID scopes the lookup: orders
// owned by someone else are reported as not found.
func (c *Coordinator) GetOrder(ctx context.Context, id, userID string) (*order.Order, error) {
	o, err := c.repo.FindOrderByID(ctx, id)
	if errors.Is(err, order.ErrOrderNotFound) {
		return nil, fmt.Errorf("%w: %w: %s", ErrNotFound, err, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if userID != "" && !o.BelongsTo(userID) {
		return nil, fmt.Errorf("%w: %w: %s", ErrNotFound, order.ErrOrderNotFound, id)
	}
	return o, nil
}

// OrderPage is one page of a user's orders.
type OrderPage struct {
	Orders     []order.Order `json:"orders"`
	Page       int           `json:"page"`
	Limit      int           `json:"limit"`
	Total      int           `json:"total"`
	TotalPages int           `json:"totalPages"`
}

// NormalizePage clamps pagination input.
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case limit < 1:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	return page, limit
}

// ListUserOrders returns the user's orders, newest first.
func (c *Coordinator) ListUserOrders(ctx context.Context, userID string, page, limit int) (*OrderPage, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, order.ErrMissingUser)
	}
	page, limit = NormalizePage(page, limit)

	orders, total, err := c.repo.ListOrdersByUser(ctx, userID, page, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	if orders == nil {
		orders = []order.Order{}
	}
	return &OrderPage{
		Orders:     orders,
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: (total + limit - 1) / limit,
	}, nil
}

// CancelOrder cancels a PENDING or CONFIRMED order and publishes
// order.cancelled so reserved stock can be returned.
func (c *Coordinator) CancelOrder(ctx context.Context, id, userID, reason string) (*order.Order, error) {
	o, err := c.GetOrder(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if !o.Status.Cancellable() {
		return nil, fmt.Errorf("%w: %w", ErrInvalidState, order.TransitionError(o.Status, order.StatusCancelled))
	}

	updated, err := c.repo.UpdateOrderStatus(ctx, o.ID, order.StatusCancelled, order.StatusPending, order.StatusConfirmed)
	if errors.Is(err, store.ErrStatusConflict) {
		// an event handler advanced the order between the read and the write
		return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}

	if reason == "" {
		reason = defaultCancelReason
	}
	c.record(ctx, sagalog.Entry{
		OrderID: o.ID, Trigger: "cancel", From: string(o.Status), To: string(updated.Status),
		Outcome: sagalog.OutcomeApplied, Detail: reason,
	})

	evt := events.OrderCancelled{OrderID: o.ID, Reason: reason, Timestamp: c.clock()}
	if err := c.publish(ctx, o.ID, evt); err != nil {
		return updated, err
	}

	slog.InfoContext(ctx, "order cancelled", "order_id", o.ID, "previous_status", o.Status)
	return updated, nil
}

// publish sends evt to the exchange owning its routing key. The message id
// is derived from the order so downstream consumers can deduplicate.
func (c *Coordinator) publish(ctx context.Context, orderID string, evt events.Event) error {
	exchange := ExchangeFor(evt.RoutingKey())

	accepted, err := c.publisher.Publish(ctx, exchange, evt.RoutingKey(), evt,
		broker.WithMessageID(ledger.Key(orderID, evt.RoutingKey())))
	if err != nil {
		slog.ErrorContext(ctx, "failed to publish event",
			"order_id", orderID, "routing_key", evt.RoutingKey(), "error", err)
		c.record(ctx, sagalog.Entry{OrderID: orderID, Trigger: evt.RoutingKey(), Outcome: sagalog.OutcomeFailed, Detail: err.Error()})
		return fmt.Errorf("failed to publish %s: %w", evt.RoutingKey(), err)
	}
	if !accepted {
		slog.WarnContext(ctx, "broker applied back-pressure",
			"order_id", orderID, "routing_key", evt.RoutingKey())
	}
	c.record(ctx, sagalog.Entry{OrderID: orderID, Trigger: evt.RoutingKey(), Outcome: sagalog.OutcomePublished})
	return nil
}

// record appends to the saga log. Failures are logged and otherwise ignored.
func (c *Coordinator) record(ctx context.Context, e sagalog.Entry) {
	if e.At.IsZero() {
		e.At = c.clock()
	}
	if err := c.log.Record(ctx, e); err != nil {
		slog.WarnContext(ctx, "failed to write saga log", "order_id", e.OrderID, "error", err)
	}
}

// ExchangeFor returns the exchange an outbound routing key is published to.
func ExchangeFor(routingKey string) string {
	switch routingKey {
	case events.RoutingPaymentInitiate, events.RoutingPaymentCompleted, events.RoutingPaymentFailed:
		return broker.PaymentsExchange
	case events.RoutingInventoryRelease, events.RoutingInventoryReserved, events.RoutingInventoryFailed:
		return broker.InventoryExchange
	default:
		return broker.OrdersExchange
	}
}
