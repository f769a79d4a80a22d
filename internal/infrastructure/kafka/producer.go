package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/order-saga/internal/infrastructure/broker"
)

const (
	headerMessageID   = "x-message-id"
	headerContentType = "content-type"
)

func newWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr: kafka.TCP(brokers...),
		// same key, same partition: per-order ordering within a topic
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// Publish writes msg to the exchange's topic keyed by routingKey. The
// default exchange addresses a queue directly through its retry topic.
// Kafka has no flow-control signal, so an accepted write always reports
// true.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, msg any, opts ...broker.PublishOption) (bool, error) {
	body, err := broker.Encode(msg)
	if err != nil {
		return false, err
	}
	o := broker.NewPublishOptions(opts...)

	c.mu.RLock()
	writer, connected := c.writer, c.connected
	c.mu.RUnlock()

	if c.closed.Load() {
		return false, broker.ErrClosed
	}
	if !connected {
		return false, broker.ErrNotConnected
	}

	topic := exchange
	if exchange == "" {
		topic = RetryTopic(routingKey)
	} else if _, ok := c.cfg.Topology.FindExchange(exchange); !ok {
		return false, fmt.Errorf("%w: %s", broker.ErrUnknownExchange, exchange)
	}

	if err := writer.WriteMessages(ctx, toMessage(topic, routingKey, body, o)); err != nil {
		return false, fmt.Errorf("%w: write to %s: %w", broker.ErrBrokerUnavailable, topic, err)
	}
	return true, nil
}

func toMessage(topic, key string, body []byte, o broker.PublishOptions) kafka.Message {
	headers := make([]kafka.Header, 0, len(o.Headers)+2)
	headers = append(headers,
		kafka.Header{Key: headerMessageID, Value: []byte(o.MessageID)},
		kafka.Header{Key: headerContentType, Value: []byte(o.ContentType)},
	)
	for k, v := range o.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   body,
		Headers: headers,
		Time:    time.Now().UTC(),
	}
}
