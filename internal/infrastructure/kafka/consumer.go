package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/order-saga/internal/infrastructure/broker"
)

// Subscribe joins the consumer group named after queue, reading every
// topic the queue is bound to plus its retry topic.
func (c *Client) Subscribe(ctx context.Context, queue string, handler broker.Handler) error {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return broker.ErrClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return broker.ErrNotConnected
	}
	if !hasQueue(c.cfg.Topology, queue) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", broker.ErrUnknownQueue, queue)
	}
	bindings := bindingsFor(c.bindings, queue)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.cfg.Brokers,
		GroupID:     queue,
		GroupTopics: groupTopics(bindings, queue),
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	})
	c.readers = append(c.readers, reader)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume(ctx, queue, reader, bindings, handler)
	}()

	slog.InfoContext(ctx, "subscribed", "queue", queue, "topics", groupTopics(bindings, queue))
	return nil
}

func (c *Client) consume(ctx context.Context, queue string, reader *kafka.Reader, bindings []broker.Binding, handler broker.Handler) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || c.closed.Load() {
				return
			}
			slog.ErrorContext(ctx, "failed to fetch message", "queue", queue, "error", err)
			continue
		}

		if !accepts(c.cfg.Topology, bindings, queue, msg) {
			c.commit(ctx, reader, msg)
			continue
		}

		d := toDelivery(queue, msg)
		herr := broker.Invoke(ctx, handler, d)
		outcome := c.cfg.Retry.Decide(d.Attempt, herr)
		if herr != nil {
			slog.ErrorContext(ctx, "message handler failed",
				"queue", d.Queue,
				"routing_key", d.RoutingKey,
				"attempt", d.Attempt,
				"outcome", outcome.String(),
				"error", herr)
		}
		// Commits are per-partition high-water marks: moving on before this
		// message is settled would let the next commit skip it.
		if !c.settleUntilDone(ctx, d, outcome, herr) {
			return
		}
		c.commit(ctx, reader, msg)
	}
}

func (c *Client) commit(ctx context.Context, reader *kafka.Reader, msg kafka.Message) {
	if err := reader.CommitMessages(ctx, msg); err != nil {
		slog.ErrorContext(ctx, "failed to commit offset",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
	}
}

var (
	settleBackoff    = 100 * time.Millisecond
	maxSettleBackoff = 5 * time.Second
)

// settleUntilDone retries settle with exponential backoff. It returns false
// only when ctx is done or the client is closed; the uncommitted message is
// then redelivered to the consumer group.
func (c *Client) settleUntilDone(ctx context.Context, d broker.Delivery, outcome broker.Outcome, herr error) bool {
	backoff := settleBackoff
	for {
		err := c.settle(ctx, d, outcome, herr)
		if err == nil {
			return true
		}
		slog.ErrorContext(ctx, "failed to settle message",
			"queue", d.Queue,
			"routing_key", d.RoutingKey,
			"outcome", outcome.String(),
			"retry_in", backoff,
			"error", err)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		if c.closed.Load() {
			return false
		}
		backoff = min(backoff*2, maxSettleBackoff)
	}
}

// settle carries out outcome. Kafka cannot nack, so requeue and retry write
// a copy to the queue's retry topic before the offset is committed.
func (c *Client) settle(ctx context.Context, d broker.Delivery, outcome broker.Outcome, herr error) error {
	switch outcome {
	case broker.OutcomeRequeue:
		return c.redeliver(ctx, d, originHeaders(d))
	case broker.OutcomeRetry:
		return c.redeliver(ctx, d, broker.RetryHeaders(d))
	case broker.OutcomeDeadLetter:
		headers := originHeaders(d)
		headers[broker.HeaderDeathReason] = herr.Error()
		return c.publishDead(ctx, d, headers)
	}
	return nil
}

func (c *Client) redeliver(ctx context.Context, d broker.Delivery, headers map[string]string) error {
	_, err := c.Publish(ctx, "", d.Queue, d.Body,
		broker.WithMessageID(d.MessageID), broker.WithHeaders(headers))
	return err
}

func (c *Client) publishDead(ctx context.Context, d broker.Delivery, headers map[string]string) error {
	c.mu.RLock()
	writer := c.writer
	c.mu.RUnlock()
	if writer == nil {
		return broker.ErrNotConnected
	}
	o := broker.NewPublishOptions(broker.WithMessageID(d.MessageID), broker.WithHeaders(headers))
	return writer.WriteMessages(ctx, toMessage(broker.DeadLetterQueue(d.Queue), d.RoutingKey, d.Body, o))
}

// originHeaders keeps the attempt count while recording where the message
// was first published.
func originHeaders(d broker.Delivery) map[string]string {
	headers := broker.RetryHeaders(d)
	headers[broker.HeaderRedeliveryCount] = strconv.Itoa(d.Attempt)
	return headers
}

func bindingsFor(all []broker.Binding, queue string) []broker.Binding {
	var out []broker.Binding
	for _, b := range all {
		if b.Queue == queue {
			out = append(out, b)
		}
	}
	return out
}

func groupTopics(bindings []broker.Binding, queue string) []string {
	seen := make(map[string]bool)
	var topics []string
	for _, b := range bindings {
		if !seen[b.Exchange] {
			seen[b.Exchange] = true
			topics = append(topics, b.Exchange)
		}
	}
	return append(topics, RetryTopic(queue))
}

// accepts applies the queue's bindings to a fetched message. Messages on the
// queue's own retry topic are always accepted.
func accepts(topo broker.Topology, bindings []broker.Binding, queue string, msg kafka.Message) bool {
	if msg.Topic == RetryTopic(queue) {
		return true
	}
	for _, b := range bindings {
		if b.Exchange != msg.Topic {
			continue
		}
		kind := broker.ExchangeTopic
		if e, ok := topo.FindExchange(b.Exchange); ok {
			kind = e.Kind
		}
		if broker.Matches(kind, b.RoutingKey, string(msg.Key)) {
			return true
		}
	}
	return false
}

func toDelivery(queue string, msg kafka.Message) broker.Delivery {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	d := broker.Delivery{
		MessageID:  headers[headerMessageID],
		Queue:      queue,
		Exchange:   msg.Topic,
		RoutingKey: string(msg.Key),
		Body:       msg.Value,
		Headers:    headers,
		Timestamp:  msg.Time,
	}
	broker.RestoreOrigin(&d)
	return d
}
