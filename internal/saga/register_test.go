package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/order-saga/internal/domain/order"
	"github.com/example/order-saga/internal/domain/product"
	"github.com/example/order-saga/internal/events"
	"github.com/example/order-saga/internal/infrastructure/broker"
	"github.com/example/order-saga/internal/infrastructure/store"
)

func TestTyped(t *testing.T) {
	var got events.PaymentFailed
	h := Typed(func(_ context.Context, e events.PaymentFailed) error {
		got = e
		return nil
	})

	err := h(context.Background(), broker.Delivery{Body: []byte(`{"orderId":"o-1","reason":"declined","timestamp":"2026-03-14T09:26:53Z"}`)})

	require.NoError(t, err)
	assert.Equal(t, "o-1", got.OrderID)
	assert.Equal(t, "declined", got.Reason)
}

func TestTyped_MalformedIsPermanent(t *testing.T) {
	called := false
	h := Typed(func(context.Context, events.PaymentFailed) error {
		called = true
		return nil
	})

	for _, body := range []string{`{`, `{"reason":"missing order id"}`, `[]`} {
		err := h(context.Background(), broker.Delivery{Body: []byte(body)})
		assert.True(t, broker.IsPermanent(err), body)
		assert.ErrorIs(t, err, events.ErrMalformedEvent, body)
	}
	assert.False(t, called)
}

func TestTyped_DecodesByRoutingKey(t *testing.T) {
	var got events.InventoryReserved
	h := Typed(func(_ context.Context, e events.InventoryReserved) error {
		got = e
		return nil
	})

	err := h(context.Background(), broker.Delivery{
		RoutingKey: events.RoutingInventoryReserved,
		Body:       []byte(`{"orderId":"o-1","success":true,"timestamp":"2026-03-14T09:26:53Z"}`),
	})

	require.NoError(t, err)
	assert.Equal(t, "o-1", got.OrderID)
	assert.True(t, got.Success)
}

func TestTyped_WrongVariantIsPermanent(t *testing.T) {
	called := false
	h := Typed(func(context.Context, events.PaymentFailed) error {
		called = true
		return nil
	})

	err := h(context.Background(), broker.Delivery{
		RoutingKey: events.RoutingPaymentCompleted,
		Body:       []byte(`{"orderId":"o-1","transactionId":"tx-1","amount":20.00,"paymentMethod":"card","timestamp":"2026-03-14T09:26:53Z"}`),
	})

	assert.True(t, broker.IsPermanent(err))
	assert.ErrorIs(t, err, events.ErrUnknownEvent)
	assert.False(t, called)
}

func TestTyped_HandlerErrorIsNotPermanent(t *testing.T) {
	h := Typed(func(context.Context, events.InventoryFailed) error {
		return errors.New("db down")
	})

	err := h(context.Background(), broker.Delivery{Body: []byte(`{"orderId":"o-1"}`)})

	assert.Error(t, err)
	assert.False(t, broker.IsPermanent(err))
}

type recordingSubscriber struct {
	mu             sync.Mutex
	SubscribeCalls []string
	SubscribeErr   error
}

func (s *recordingSubscriber) Subscribe(_ context.Context, queue string, _ broker.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SubscribeCalls = append(s.SubscribeCalls, queue)
	return s.SubscribeErr
}

func TestRegister(t *testing.T) {
	c, _ := newTestCoordinator()
	sub := &recordingSubscriber{}

	require.NoError(t, c.Register(context.Background(), sub))

	assert.Equal(t, []string{
		broker.QueueInventoryReserved,
		broker.QueueInventoryFailed,
		broker.QueuePaymentCompleted,
		broker.QueuePaymentFailed,
	}, sub.SubscribeCalls)
	assert.Len(t, c.Handlers(), 4)
}

func TestRegister_Error(t *testing.T) {
	c, _ := newTestCoordinator()
	sub := &recordingSubscriber{SubscribeErr: broker.ErrNotConnected}

	err := c.Register(context.Background(), sub)

	assert.ErrorIs(t, err, broker.ErrBrokerUnavailable)
	assert.Len(t, sub.SubscribeCalls, 1)
}

func TestExchangeFor(t *testing.T) {
	assert.Equal(t, broker.OrdersExchange, ExchangeFor(events.RoutingOrderCreated))
	assert.Equal(t, broker.OrdersExchange, ExchangeFor(events.RoutingOrderCancelled))
	assert.Equal(t, broker.OrdersExchange, ExchangeFor(events.RoutingOrderConfirmed))
	assert.Equal(t, broker.PaymentsExchange, ExchangeFor(events.RoutingPaymentInitiate))
	assert.Equal(t, broker.InventoryExchange, ExchangeFor(events.RoutingInventoryRelease))
}

// ============================================
// End-to-end over the in-memory broker
// ============================================

const queuePaymentInitiate = "test.payment.initiate"

func TestSaga_EndToEndOverMemoryBroker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topo := broker.DefaultTopology()
	topo.Queues = append(topo.Queues, broker.Queue{Name: queuePaymentInitiate})
	topo.Bindings = append(topo.Bindings, broker.Binding{
		Queue: queuePaymentInitiate, Exchange: broker.PaymentsExchange, RoutingKey: events.RoutingPaymentInitiate,
	})

	mb := broker.NewMemory(topo, broker.DefaultRetryPolicy())
	require.NoError(t, mb.Connect(ctx))
	require.NoError(t, broker.ApplyBindings(ctx, mb, topo.Bindings))
	defer mb.Close()

	repo := store.NewMemory()
	repo.SeedProduct(product.Product{
		ID: "P1", Name: "Widget", Price: decimal.RequireFromString("10.00"), Stock: product.Stock{Quantity: 5},
	})
	c := NewCoordinator(repo, mb)
	require.NoError(t, c.Register(ctx, mb))

	initiated := make(chan events.PaymentInitiate, 1)
	require.NoError(t, mb.Subscribe(ctx, queuePaymentInitiate, Typed(func(_ context.Context, e events.PaymentInitiate) error {
		initiated <- e
		return nil
	})))

	o, err := c.CreateOrder(ctx, CreateOrderRequest{
		UserID:            "user-1",
		Items:             []ItemRequest{{ProductID: "P1", Quantity: 2}},
		ShippingAddressID: "addr-1",
	})
	require.NoError(t, err)

	_, err = mb.Publish(ctx, broker.InventoryExchange, events.RoutingInventoryReserved,
		events.InventoryReserved{OrderID: o.ID, Success: true, Timestamp: testNow})
	require.NoError(t, err)

	select {
	case e := <-initiated:
		assert.Equal(t, o.ID, e.OrderID)
		assert.Equal(t, "20.00", e.Amount.StringFixed(2))
	case <-time.After(2 * time.Second):
		t.Fatal("payment.initiate was not published")
	}

	require.Eventually(t, func() bool {
		got, err := repo.FindOrderByID(ctx, o.ID)
		return err == nil && got.Status == order.StatusConfirmed
	}, 2*time.Second, 10*time.Millisecond)

	// a payload that cannot decode is dead-lettered without retries
	_, err = mb.Publish(ctx, broker.PaymentsExchange, events.RoutingPaymentFailed, []byte(`{"reason":"no id"}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(mb.DeadLetters(broker.QueuePaymentFailed)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// payment failure releases the reservation
	_, err = mb.Publish(ctx, broker.PaymentsExchange, events.RoutingPaymentFailed,
		events.PaymentFailed{OrderID: o.ID, Reason: "declined", Timestamp: testNow})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := repo.FindOrderByID(ctx, o.ID)
		return err == nil && got.Status == order.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
}
