package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/order-saga/internal/infrastructure/broker"
)

// Config holds connection settings for the AMQP transport.
type Config struct {
	URL       string
	Heartbeat time.Duration
	Topology  broker.Topology
	Retry     broker.RetryPolicy
}

// Client is a broker.Client over one AMQP connection and one channel.
type Client struct {
	cfg Config

	mu      sync.Mutex // serializes publishes on the shared channel
	conn    *amqp.Connection
	ch      *amqp.Channel
	blocked atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup
}

var _ broker.Client = (*Client)(nil)

func NewClient(cfg Config) *Client {
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	return &Client{cfg: cfg}
}

// Connect dials the broker, opens the channel and declares the topology
// together with the dead-letter exchange and one dead-letter queue per
// declared queue.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return broker.ErrClosed
	}
	if err := c.cfg.Topology.Validate(); err != nil {
		return err
	}

	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
		Heartbeat: c.cfg.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("%w: dial: %w", broker.ErrBrokerUnavailable, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: open channel: %w", broker.ErrBrokerUnavailable, err)
	}

	if err := declare(ch, c.cfg.Topology); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	// one unacknowledged message per consumer keeps queues strictly ordered
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("%w: qos: %w", broker.ErrBrokerUnavailable, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.mu.Unlock()

	c.observe(ctx, conn)

	slog.InfoContext(ctx, "rabbitmq connected",
		"exchanges", len(c.cfg.Topology.Exchanges),
		"queues", len(c.cfg.Topology.Queues))
	return nil
}

func declare(ch *amqp.Channel, topo broker.Topology) error {
	for _, e := range topo.Exchanges {
		if err := ch.ExchangeDeclare(e.Name, string(e.Kind), e.Durable, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", e.Name, err)
		}
	}
	if err := ch.ExchangeDeclare(broker.DeadLetterExchange, string(broker.ExchangeDirect), true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", broker.DeadLetterExchange, err)
	}

	for _, q := range topo.Queues {
		dead := broker.DeadLetterQueue(q.Name)
		if _, err := ch.QueueDeclare(dead, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", dead, err)
		}
		if err := ch.QueueBind(dead, dead, broker.DeadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", dead, err)
		}
		if _, err := ch.QueueDeclare(q.Name, q.Durable, false, false, false, queueArgs(q.Name)); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.Name, err)
		}
	}
	return nil
}

// queueArgs routes rejected messages of queue to its dead-letter queue.
func queueArgs(queue string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    broker.DeadLetterExchange,
		"x-dead-letter-routing-key": broker.DeadLetterQueue(queue),
	}
}

// observe logs connection close and flow-control notifications. There is
// no reconnect.
func (c *Client) observe(ctx context.Context, conn *amqp.Connection) {
	closes := conn.NotifyClose(make(chan *amqp.Error, 1))
	blocks := conn.NotifyBlocked(make(chan amqp.Blocking, 1))

	go func() {
		for {
			select {
			case err, ok := <-closes:
				if !ok {
					return
				}
				if err != nil && !c.closed.Load() {
					slog.ErrorContext(ctx, "rabbitmq connection closed",
						"code", err.Code, "reason", err.Reason, "server", err.Server)
				}
				return
			case b, ok := <-blocks:
				if !ok {
					blocks = nil
					continue
				}
				c.blocked.Store(b.Active)
				if b.Active {
					slog.WarnContext(ctx, "rabbitmq connection blocked", "reason", b.Reason)
				} else {
					slog.InfoContext(ctx, "rabbitmq connection unblocked")
				}
			}
		}
	}()
}

func (c *Client) channel() (*amqp.Channel, error) {
	if c.closed.Load() {
		return nil, broker.ErrClosed
	}
	if c.ch == nil {
		return nil, broker.ErrNotConnected
	}
	return c.ch, nil
}

// Publish sends msg to exchange. The flag is false while the broker has the
// connection blocked by flow control.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, msg any, opts ...broker.PublishOption) (bool, error) {
	body, err := broker.Encode(msg)
	if err != nil {
		return false, err
	}
	o := broker.NewPublishOptions(opts...)

	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channel()
	if err != nil {
		return false, err
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, toPublishing(body, o)); err != nil {
		return false, fmt.Errorf("%w: publish to %s: %w", broker.ErrBrokerUnavailable, exchange, err)
	}
	return !c.blocked.Load(), nil
}

func toPublishing(body []byte, o broker.PublishOptions) amqp.Publishing {
	mode := amqp.Transient
	if o.Persistent {
		mode = amqp.Persistent
	}
	return amqp.Publishing{
		Headers:      toTable(o.Headers),
		ContentType:  o.ContentType,
		DeliveryMode: mode,
		MessageId:    o.MessageID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
}

// BindQueue binds queue to exchange with routingKey.
func (c *Client) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channel()
	if err != nil {
		return err
	}
	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind %s to %s: %w", queue, exchange, err)
	}
	slog.InfoContext(ctx, "queue bound", "queue", queue, "exchange", exchange, "routing_key", routingKey)
	return nil
}

// Subscribe starts a consumer goroutine for queue. Messages are processed
// one at a time and settled according to the retry policy.
func (c *Client) Subscribe(ctx context.Context, queue string, handler broker.Handler) error {
	c.mu.Lock()
	ch, err := c.channel()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				d := toDelivery(queue, m)
				err := broker.Invoke(ctx, handler, d)
				c.settle(ctx, m, d, err)
			}
		}
	}()

	slog.InfoContext(ctx, "subscribed", "queue", queue)
	return nil
}

func toDelivery(queue string, m amqp.Delivery) broker.Delivery {
	d := broker.Delivery{
		MessageID:   m.MessageId,
		Queue:       queue,
		Exchange:    m.Exchange,
		RoutingKey:  m.RoutingKey,
		Body:        m.Body,
		Headers:     fromTable(m.Headers),
		Redelivered: m.Redelivered,
		Timestamp:   m.Timestamp,
	}
	broker.RestoreOrigin(&d)
	return d
}

func (c *Client) settle(ctx context.Context, m amqp.Delivery, d broker.Delivery, err error) {
	outcome := c.cfg.Retry.Decide(d.Attempt, err)
	log := slog.With("queue", d.Queue, "routing_key", d.RoutingKey, "attempt", d.Attempt)
	if err != nil {
		log.ErrorContext(ctx, "message handler failed", "outcome", outcome.String(), "error", err)
	}

	var settleErr error
	switch outcome {
	case broker.OutcomeAck:
		settleErr = m.Ack(false)
	case broker.OutcomeRequeue:
		settleErr = m.Nack(false, true)
	case broker.OutcomeRetry:
		// the copy goes to the tail of the queue through the default exchange,
		// behind messages that arrived after the original
		_, pubErr := c.Publish(ctx, "", d.Queue, d.Body,
			broker.WithMessageID(d.MessageID), broker.WithHeaders(broker.RetryHeaders(d)))
		if pubErr != nil {
			log.ErrorContext(ctx, "failed to schedule retry", "error", pubErr)
			settleErr = m.Nack(false, true)
			break
		}
		settleErr = m.Ack(false)
	case broker.OutcomeDeadLetter:
		headers := broker.RetryHeaders(d)
		headers[broker.HeaderRedeliveryCount] = fmt.Sprint(d.Attempt)
		headers[broker.HeaderDeathReason] = err.Error()
		_, pubErr := c.Publish(ctx, broker.DeadLetterExchange, broker.DeadLetterQueue(d.Queue), d.Body,
			broker.WithMessageID(d.MessageID), broker.WithHeaders(headers))
		if pubErr != nil {
			// fall back to the queue's native dead-letter arguments
			settleErr = m.Nack(false, false)
			break
		}
		settleErr = m.Ack(false)
	}
	if settleErr != nil {
		log.ErrorContext(ctx, "failed to settle message", "outcome", outcome.String(), "error", settleErr)
	}
}

// Close closes the channel, then the connection, and waits for consumers
// to drain. Both closes are attempted even if the first fails.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	ch, conn := c.ch, c.conn
	c.mu.Unlock()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	c.wg.Wait()
	return errors.Join(errs...)
}

func toTable(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	t := make(amqp.Table, len(headers))
	for k, v := range headers {
		t[k] = v
	}
	return t
}

// fromTable flattens AMQP header values to strings. Headers set by the
// broker itself, such as x-death, are kept in their printed form.
func fromTable(t amqp.Table) map[string]string {
	headers := make(map[string]string, len(t))
	for k, v := range t {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		default:
			headers[k] = fmt.Sprint(val)
		}
	}
	return headers
}
