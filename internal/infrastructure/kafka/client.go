package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/segmentio/kafka-go"

	"github.com/example/order-saga/internal/infrastructure/broker"
)

// Kafka has no exchanges or queues. The client maps them:
//   - an exchange is a topic,
//   - a queue is a consumer group reading the topics it is bound to,
//   - the routing key is the message key, and bindings filter on it,
//   - each queue owns <queue>.retry and <queue>.dead topics.

type Config struct {
	Brokers           []string
	Topology          broker.Topology
	Retry             broker.RetryPolicy
	Partitions        int
	ReplicationFactor int
}

// messageWriter is the part of *kafka.Writer the client uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Client is a broker.Client over Kafka.
type Client struct {
	cfg Config

	mu        sync.RWMutex
	writer    messageWriter
	bindings  []broker.Binding
	readers   []*kafka.Reader
	connected bool
	closed    atomic.Bool
	wg        sync.WaitGroup
}

var _ broker.Client = (*Client)(nil)

func NewClient(cfg Config) *Client {
	if cfg.Partitions == 0 {
		cfg.Partitions = 1
	}
	if cfg.ReplicationFactor == 0 {
		cfg.ReplicationFactor = 1
	}
	return &Client{cfg: cfg}
}

func RetryTopic(queue string) string {
	return queue + ".retry"
}

// Topics lists every topic the topology needs.
func Topics(topo broker.Topology) []string {
	topics := make([]string, 0, len(topo.Exchanges)+2*len(topo.Queues))
	for _, e := range topo.Exchanges {
		topics = append(topics, e.Name)
	}
	for _, q := range topo.Queues {
		topics = append(topics, RetryTopic(q.Name), broker.DeadLetterQueue(q.Name))
	}
	return topics
}

// Connect creates the topics through the cluster controller and prepares
// the shared writer.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return broker.ErrClosed
	}
	if len(c.cfg.Brokers) == 0 {
		return fmt.Errorf("%w: no kafka brokers configured", broker.ErrBrokerUnavailable)
	}
	if err := c.cfg.Topology.Validate(); err != nil {
		return err
	}

	if err := c.createTopics(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.writer = newWriter(c.cfg.Brokers)
	c.connected = true
	c.mu.Unlock()

	slog.InfoContext(ctx, "kafka connected", "brokers", c.cfg.Brokers, "topics", len(Topics(c.cfg.Topology)))
	return nil
}

func (c *Client) createTopics(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", c.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("%w: dial: %w", broker.ErrBrokerUnavailable, err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("%w: controller: %w", broker.ErrBrokerUnavailable, err)
	}
	ctrl, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("%w: dial controller: %w", broker.ErrBrokerUnavailable, err)
	}
	defer ctrl.Close()

	topics := Topics(c.cfg.Topology)
	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, t := range topics {
		configs = append(configs, kafka.TopicConfig{
			Topic:             t,
			NumPartitions:     c.cfg.Partitions,
			ReplicationFactor: c.cfg.ReplicationFactor,
		})
	}
	if err := ctrl.CreateTopics(configs...); err != nil {
		return fmt.Errorf("failed to create topics: %w", err)
	}
	return nil
}

// BindQueue records a binding. Bindings must be in place before Subscribe
// because the consumer group's topic list is fixed when the reader starts.
func (c *Client) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return broker.ErrNotConnected
	}
	if _, ok := c.cfg.Topology.FindExchange(exchange); !ok {
		return fmt.Errorf("%w: %s", broker.ErrUnknownExchange, exchange)
	}
	if !hasQueue(c.cfg.Topology, queue) {
		return fmt.Errorf("%w: %s", broker.ErrUnknownQueue, queue)
	}

	b := broker.Binding{Queue: queue, Exchange: exchange, RoutingKey: routingKey}
	for _, existing := range c.bindings {
		if existing == b {
			return nil
		}
	}
	c.bindings = append(c.bindings, b)
	slog.InfoContext(ctx, "queue bound", "queue", queue, "exchange", exchange, "routing_key", routingKey)
	return nil
}

func hasQueue(topo broker.Topology, name string) bool {
	for _, q := range topo.Queues {
		if q.Name == name {
			return true
		}
	}
	return false
}

// Close stops the readers, waits for consumers, then flushes and closes the
// writer.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	readers, writer := c.readers, c.writer
	c.connected = false
	c.mu.Unlock()

	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader: %w", err))
		}
	}
	c.wg.Wait()
	if writer != nil {
		if err := writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer: %w", err))
		}
	}
	return errors.Join(errs...)
}
