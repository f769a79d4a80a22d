package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultHighWater is the queue depth above which Memory.Publish reports
// back-pressure.
const DefaultHighWater = 1000

// Memory is an in-process Client. Messages are routed through declared
// exchanges and bindings exactly like a real broker, which makes it useful
// for tests and for running the service without infrastructure.
type Memory struct {
	mu        sync.RWMutex
	topology  Topology
	policy    RetryPolicy
	highWater int

	connected bool
	exchanges map[string]Exchange
	queues    map[string]*memoryQueue
	bindings  []Binding
	dead      map[string][]Delivery

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type memoryQueue struct {
	mu    sync.Mutex
	items []Delivery
	ready chan struct{}
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{ready: make(chan struct{}, 1)}
}

func (q *memoryQueue) push(d Delivery) int {
	q.mu.Lock()
	q.items = append(q.items, d)
	depth := len(q.items)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return depth
}

func (q *memoryQueue) pop() (Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Delivery{}, false
	}
	d := q.items[0]
	q.items = q.items[1:]
	return d, true
}

func (q *memoryQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

var _ Client = (*Memory)(nil)

// NewMemory creates an unconnected in-process client.
func NewMemory(topology Topology, policy RetryPolicy) *Memory {
	return &Memory{
		topology:  topology,
		policy:    policy,
		highWater: DefaultHighWater,
		exchanges: make(map[string]Exchange),
		queues:    make(map[string]*memoryQueue),
		dead:      make(map[string][]Delivery),
		done:      make(chan struct{}),
	}
}

// SetHighWater changes the back-pressure threshold.
func (m *Memory) SetHighWater(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.highWater = n
}

// Connect declares the configured exchanges and queues.
func (m *Memory) Connect(ctx context.Context) error {
	if err := m.topology.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	for _, e := range m.topology.Exchanges {
		m.exchanges[e.Name] = e
	}
	for _, q := range m.topology.Queues {
		m.declareQueueLocked(q.Name)
	}
	m.connected = true

	slog.InfoContext(ctx, "memory broker connected",
		"exchanges", len(m.exchanges), "queues", len(m.topology.Queues))
	return nil
}

func (m *Memory) declareQueueLocked(name string) {
	if _, ok := m.queues[name]; !ok {
		m.queues[name] = newMemoryQueue()
	}
}

// BindQueue routes exchange messages matching routingKey to queue.
func (m *Memory) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if _, ok := m.exchanges[exchange]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExchange, exchange)
	}
	if _, ok := m.queues[queue]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}

	b := Binding{Queue: queue, Exchange: exchange, RoutingKey: routingKey}
	for _, existing := range m.bindings {
		if existing == b {
			return nil
		}
	}
	m.bindings = append(m.bindings, b)
	return nil
}

// Publish routes msg to every bound queue. The flag is false when any
// target queue is deeper than the high-water mark.
func (m *Memory) Publish(ctx context.Context, exchange, routingKey string, msg any, opts ...PublishOption) (bool, error) {
	body, err := Encode(msg)
	if err != nil {
		return false, err
	}
	o := NewPublishOptions(opts...)

	m.mu.RLock()
	defer m.mu.RUnlock()

	select {
	case <-m.done:
		return false, ErrClosed
	default:
	}
	if !m.connected {
		return false, ErrNotConnected
	}

	var targets []string
	if exchange == "" {
		// default exchange: routing key names the queue
		if _, ok := m.queues[routingKey]; ok {
			targets = append(targets, routingKey)
		}
	} else {
		ex, ok := m.exchanges[exchange]
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrUnknownExchange, exchange)
		}
		for _, b := range m.bindings {
			if b.Exchange == exchange && Matches(ex.Kind, b.RoutingKey, routingKey) {
				targets = append(targets, b.Queue)
			}
		}
	}

	accepted := true
	for _, name := range targets {
		d := Delivery{
			MessageID:  o.MessageID,
			Queue:      name,
			Exchange:   exchange,
			RoutingKey: routingKey,
			Body:       append([]byte(nil), body...),
			Headers:    copyHeaders(o.Headers),
			Timestamp:  time.Now().UTC(),
		}
		RestoreOrigin(&d)
		if depth := m.queues[name].push(d); depth > m.highWater {
			accepted = false
		}
	}
	return accepted, nil
}

// Subscribe consumes queue on its own goroutine, one delivery at a time.
func (m *Memory) Subscribe(ctx context.Context, queue string, handler Handler) error {
	m.mu.RLock()
	q, ok := m.queues[queue]
	connected := m.connected
	m.mu.RUnlock()

	if !connected {
		return ErrNotConnected
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.consume(ctx, queue, q, handler)
	}()
	return nil
}

func (m *Memory) consume(ctx context.Context, queue string, q *memoryQueue, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		default:
		}

		d, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-q.ready:
				continue
			}
		}

		err := Invoke(ctx, handler, d)
		m.settle(ctx, queue, q, d, err)
	}
}

func (m *Memory) settle(ctx context.Context, queue string, q *memoryQueue, d Delivery, err error) {
	outcome := m.policy.Decide(d.Attempt, err)
	if err != nil {
		slog.ErrorContext(ctx, "message handler failed",
			"queue", queue,
			"routing_key", d.RoutingKey,
			"attempt", d.Attempt,
			"outcome", outcome.String(),
			"error", err)
	}

	switch outcome {
	case OutcomeRequeue:
		d.Redelivered = true
		q.push(d)
	case OutcomeRetry:
		d.Headers = RetryHeaders(d)
		d.Attempt++
		d.Redelivered = true
		q.push(d)
	case OutcomeDeadLetter:
		d.Headers = copyHeaders(d.Headers)
		d.Headers[HeaderDeathReason] = err.Error()
		m.mu.Lock()
		m.dead[queue] = append(m.dead[queue], d)
		m.mu.Unlock()
	}
}

// DeadLetters returns the messages dead-lettered from queue.
func (m *Memory) DeadLetters(queue string) []Delivery {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Delivery(nil), m.dead[queue]...)
}

// Depth returns the number of messages waiting on queue.
func (m *Memory) Depth(queue string) int {
	m.mu.RLock()
	q, ok := m.queues[queue]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return q.depth()
}

// Close stops every consumer and waits for in-flight handlers.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.connected = false
		close(m.done)
		m.mu.Unlock()
	})
	m.wg.Wait()
	return nil
}

func copyHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}
