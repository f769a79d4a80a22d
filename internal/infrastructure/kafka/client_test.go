package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/order-saga/internal/infrastructure/broker"
)

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Config{Brokers: []string{"localhost:9092"}})

	assert.Equal(t, 1, c.cfg.Partitions)
	assert.Equal(t, 1, c.cfg.ReplicationFactor)
}

func TestClient_NotConnected(t *testing.T) {
	c := NewClient(Config{Brokers: []string{"localhost:9092"}, Topology: broker.DefaultTopology()})
	ctx := context.Background()

	_, err := c.Publish(ctx, broker.OrdersExchange, "order.created", map[string]string{"orderId": "o-1"})
	assert.ErrorIs(t, err, broker.ErrNotConnected)

	err = c.Subscribe(ctx, broker.QueuePaymentFailed, func(context.Context, broker.Delivery) error { return nil })
	assert.ErrorIs(t, err, broker.ErrNotConnected)

	err = c.BindQueue(ctx, broker.QueuePaymentFailed, broker.PaymentsExchange, broker.QueuePaymentFailed)
	assert.ErrorIs(t, err, broker.ErrNotConnected)
}

func TestClient_ConnectWithoutBrokers(t *testing.T) {
	c := NewClient(Config{Topology: broker.DefaultTopology()})

	assert.ErrorIs(t, c.Connect(context.Background()), broker.ErrBrokerUnavailable)
}

func TestClient_Close(t *testing.T) {
	c := NewClient(Config{Brokers: []string{"localhost:9092"}})

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Publish(context.Background(), broker.OrdersExchange, "order.created", "x")
	assert.ErrorIs(t, err, broker.ErrClosed)
	assert.ErrorIs(t, c.Connect(context.Background()), broker.ErrClosed)
}

func TestTopics(t *testing.T) {
	topics := Topics(broker.DefaultTopology())

	assert.Contains(t, topics, broker.OrdersExchange)
	assert.Contains(t, topics, broker.InventoryExchange)
	assert.Contains(t, topics, broker.PaymentsExchange)
	assert.Contains(t, topics, "inventory.reserved.retry")
	assert.Contains(t, topics, "inventory.reserved.dead")
	assert.Len(t, topics, 3+2*4)
}

func TestGroupTopics(t *testing.T) {
	bindings := []broker.Binding{
		{Queue: "audit", Exchange: broker.OrdersExchange, RoutingKey: "order.*"},
		{Queue: "audit", Exchange: broker.OrdersExchange, RoutingKey: "order.cancelled"},
		{Queue: "audit", Exchange: broker.PaymentsExchange, RoutingKey: "#"},
	}

	assert.Equal(t,
		[]string{broker.OrdersExchange, broker.PaymentsExchange, "audit.retry"},
		groupTopics(bindings, "audit"))
	assert.Equal(t, []string{"lonely.retry"}, groupTopics(nil, "lonely"))
}

func TestBindingsFor(t *testing.T) {
	all := broker.DefaultTopology().Bindings

	got := bindingsFor(all, broker.QueuePaymentFailed)

	require.Len(t, got, 1)
	assert.Equal(t, broker.PaymentsExchange, got[0].Exchange)
}

func TestAccepts(t *testing.T) {
	topo := broker.DefaultTopology()
	topo.Exchanges = append(topo.Exchanges, broker.Exchange{Name: "audit.exchange", Kind: broker.ExchangeDirect})
	bindings := []broker.Binding{
		{Queue: "q", Exchange: broker.InventoryExchange, RoutingKey: "inventory.*"},
		{Queue: "q", Exchange: "audit.exchange", RoutingKey: "audit.*"},
	}

	tests := []struct {
		name string
		msg  kafka.Message
		want bool
	}{
		{"topic pattern match", kafka.Message{Topic: broker.InventoryExchange, Key: []byte("inventory.failed")}, true},
		{"topic pattern miss", kafka.Message{Topic: broker.InventoryExchange, Key: []byte("payment.failed")}, false},
		{"direct is literal", kafka.Message{Topic: "audit.exchange", Key: []byte("audit.log")}, false},
		{"unbound topic", kafka.Message{Topic: broker.OrdersExchange, Key: []byte("inventory.failed")}, false},
		{"own retry topic", kafka.Message{Topic: "q.retry", Key: []byte("anything")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, accepts(topo, bindings, "q", tt.msg))
		})
	}
}

func TestToMessageAndBack(t *testing.T) {
	o := broker.NewPublishOptions(
		broker.WithMessageID("m-1"),
		broker.WithHeaders(map[string]string{"trace": "abc"}),
	)

	msg := toMessage(broker.PaymentsExchange, "payment.completed", []byte(`{"orderId":"o-1"}`), o)

	assert.Equal(t, broker.PaymentsExchange, msg.Topic)
	assert.Equal(t, []byte("payment.completed"), msg.Key)

	d := toDelivery(broker.QueuePaymentCompleted, msg)
	assert.Equal(t, "m-1", d.MessageID)
	assert.Equal(t, broker.PaymentsExchange, d.Exchange)
	assert.Equal(t, "payment.completed", d.RoutingKey)
	assert.Equal(t, "abc", d.Headers["trace"])
	assert.Equal(t, "application/json", d.Headers[headerContentType])
	assert.Equal(t, `{"orderId":"o-1"}`, string(d.Body))
	assert.Equal(t, 0, d.Attempt)
}

func TestToDelivery_RetryTopic(t *testing.T) {
	d := broker.Delivery{
		Queue:      broker.QueueInventoryReserved,
		Exchange:   broker.InventoryExchange,
		RoutingKey: "inventory.reserved",
		Attempt:    1,
	}
	o := broker.NewPublishOptions(broker.WithHeaders(broker.RetryHeaders(d)))
	msg := toMessage(RetryTopic(d.Queue), d.Queue, nil, o)
	msg.Time = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	got := toDelivery(d.Queue, msg)

	assert.Equal(t, broker.InventoryExchange, got.Exchange)
	assert.Equal(t, "inventory.reserved", got.RoutingKey)
	assert.Equal(t, 2, got.Attempt)
	assert.True(t, got.Redelivered)
	assert.Equal(t, msg.Time, got.Timestamp)
}

func TestOriginHeaders(t *testing.T) {
	d := broker.Delivery{Exchange: broker.OrdersExchange, RoutingKey: "order.created", Attempt: 3}

	headers := originHeaders(d)

	assert.Equal(t, "3", headers[broker.HeaderRedeliveryCount])
	assert.Equal(t, broker.OrdersExchange, headers[broker.HeaderExchange])
	assert.Equal(t, "order.created", headers[broker.HeaderRoutingKey])
}

// flakyWriter fails the first failures writes and records the rest.
type flakyWriter struct {
	mu       sync.Mutex
	failures int
	attempts int
	written  []kafka.Message
}

func (w *flakyWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts++
	if w.failures < 0 || w.attempts <= w.failures {
		return errors.New("leader not available")
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *flakyWriter) Close() error { return nil }

func newWriterClient(t *testing.T, w *flakyWriter) *Client {
	t.Helper()
	prev := settleBackoff
	settleBackoff = time.Millisecond
	t.Cleanup(func() { settleBackoff = prev })

	c := NewClient(Config{Brokers: []string{"localhost:9092"}, Topology: broker.DefaultTopology()})
	c.writer = w
	c.connected = true
	return c
}

func failedDelivery() broker.Delivery {
	return broker.Delivery{
		MessageID:  "m-1",
		Queue:      broker.QueuePaymentFailed,
		Exchange:   broker.PaymentsExchange,
		RoutingKey: broker.QueuePaymentFailed,
		Body:       []byte(`{"orderId":"o-1"}`),
	}
}

func TestSettleUntilDone_RetriesFailedWrites(t *testing.T) {
	tests := []struct {
		name      string
		outcome   broker.Outcome
		wantTopic string
	}{
		{"retry", broker.OutcomeRetry, RetryTopic(broker.QueuePaymentFailed)},
		{"requeue", broker.OutcomeRequeue, RetryTopic(broker.QueuePaymentFailed)},
		{"dead letter", broker.OutcomeDeadLetter, broker.DeadLetterQueue(broker.QueuePaymentFailed)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &flakyWriter{failures: 2}
			c := newWriterClient(t, w)

			ok := c.settleUntilDone(context.Background(), failedDelivery(), tt.outcome, errors.New("handler failed"))

			require.True(t, ok)
			assert.Equal(t, 3, w.attempts)
			require.Len(t, w.written, 1)
			assert.Equal(t, tt.wantTopic, w.written[0].Topic)
		})
	}
}

func TestSettleUntilDone_AckWritesNothing(t *testing.T) {
	w := &flakyWriter{failures: -1}
	c := newWriterClient(t, w)

	assert.True(t, c.settleUntilDone(context.Background(), failedDelivery(), broker.OutcomeAck, nil))
	assert.Zero(t, w.attempts)
}

func TestSettleUntilDone_StopsWhenContextDone(t *testing.T) {
	w := &flakyWriter{failures: -1}
	c := newWriterClient(t, w)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ok := c.settleUntilDone(ctx, failedDelivery(), broker.OutcomeRetry, errors.New("handler failed"))

	assert.False(t, ok, "an unsettled message must not be committed")
	assert.Empty(t, w.written)
	assert.Greater(t, w.attempts, 1)
}

func TestSettleUntilDone_StopsWhenClosed(t *testing.T) {
	w := &flakyWriter{failures: -1}
	c := newWriterClient(t, w)
	c.closed.Store(true)

	ok := c.settleUntilDone(context.Background(), failedDelivery(), broker.OutcomeDeadLetter, errors.New("handler failed"))

	assert.False(t, ok)
}
