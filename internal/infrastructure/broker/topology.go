package broker

import (
	"fmt"
)

type ExchangeKind string

const (
	ExchangeDirect  ExchangeKind = "direct"
	ExchangeTopic   ExchangeKind = "topic"
	ExchangeFanout  ExchangeKind = "fanout"
	ExchangeHeaders ExchangeKind = "headers"
)

// Exchange names used by the order saga.
const (
	OrdersExchange    = "orders.exchange"
	InventoryExchange = "inventory.exchange"
	PaymentsExchange  = "payments.exchange"

	// DeadLetterExchange receives messages whose retries are exhausted.
	// Each queue's dead letters are routed to DeadLetterQueue(queue).
	DeadLetterExchange = "dead-letter.exchange"
)

// Inbound queues consumed by the saga coordinator.
const (
	QueueInventoryReserved = "inventory.reserved"
	QueueInventoryFailed   = "inventory.failed"
	QueuePaymentCompleted  = "payment.completed"
	QueuePaymentFailed     = "payment.failed"
)

type Exchange struct {
	Name    string       `yaml:"name"`
	Kind    ExchangeKind `yaml:"kind"`
	Durable bool         `yaml:"durable"`
}

type Queue struct {
	Name    string `yaml:"name"`
	Durable bool   `yaml:"durable"`
}

type Binding struct {
	Queue      string `yaml:"queue"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// Topology is the set of exchanges, queues and bindings declared at startup.
type Topology struct {
	Exchanges []Exchange `yaml:"exchanges"`
	Queues    []Queue    `yaml:"queues"`
	Bindings  []Binding  `yaml:"bindings"`
}

// DefaultTopology returns the saga's exchanges and inbound queues, each
// queue bound to its service exchange with its own name as routing key.
func DefaultTopology() Topology {
	return Topology{
		Exchanges: []Exchange{
			{Name: OrdersExchange, Kind: ExchangeTopic, Durable: true},
			{Name: InventoryExchange, Kind: ExchangeTopic, Durable: true},
			{Name: PaymentsExchange, Kind: ExchangeTopic, Durable: true},
		},
		Queues: []Queue{
			{Name: QueueInventoryReserved, Durable: true},
			{Name: QueueInventoryFailed, Durable: true},
			{Name: QueuePaymentCompleted, Durable: true},
			{Name: QueuePaymentFailed, Durable: true},
		},
		Bindings: []Binding{
			{Queue: QueueInventoryReserved, Exchange: InventoryExchange, RoutingKey: QueueInventoryReserved},
			{Queue: QueueInventoryFailed, Exchange: InventoryExchange, RoutingKey: QueueInventoryFailed},
			{Queue: QueuePaymentCompleted, Exchange: PaymentsExchange, RoutingKey: QueuePaymentCompleted},
			{Queue: QueuePaymentFailed, Exchange: PaymentsExchange, RoutingKey: QueuePaymentFailed},
		},
	}
}

// DeadLetterQueue names the queue holding exhausted messages from queue.
func DeadLetterQueue(queue string) string {
	return queue + ".dead"
}

func (k ExchangeKind) valid() bool {
	switch k {
	case ExchangeDirect, ExchangeTopic, ExchangeFanout, ExchangeHeaders:
		return true
	}
	return false
}

// Validate checks names, exchange kinds and that bindings reference
// declared exchanges and queues.
func (t Topology) Validate() error {
	exchanges := make(map[string]bool, len(t.Exchanges))
	for _, e := range t.Exchanges {
		if e.Name == "" {
			return fmt.Errorf("%w: exchange without name", ErrInvalidTopology)
		}
		if !e.Kind.valid() {
			return fmt.Errorf("%w: exchange %s has kind %q", ErrInvalidTopology, e.Name, e.Kind)
		}
		exchanges[e.Name] = true
	}

	queues := make(map[string]bool, len(t.Queues))
	for _, q := range t.Queues {
		if q.Name == "" {
			return fmt.Errorf("%w: queue without name", ErrInvalidTopology)
		}
		queues[q.Name] = true
	}

	for _, b := range t.Bindings {
		if !exchanges[b.Exchange] {
			return fmt.Errorf("%w: binding for %s references %s", ErrUnknownExchange, b.Queue, b.Exchange)
		}
		if !queues[b.Queue] {
			return fmt.Errorf("%w: binding references %s", ErrUnknownQueue, b.Queue)
		}
	}
	return nil
}

// FindExchange looks up a declared exchange by name.
func (t Topology) FindExchange(name string) (Exchange, bool) {
	for _, e := range t.Exchanges {
		if e.Name == name {
			return e, true
		}
	}
	return Exchange{}, false
}
