package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrNotConnected      = fmt.Errorf("%w: client is not connected", ErrBrokerUnavailable)
	ErrClosed            = fmt.Errorf("%w: client is closed", ErrBrokerUnavailable)
	ErrHandlerFailure    = errors.New("handler failure")
	ErrInvalidTopology   = errors.New("invalid topology")
	ErrUnknownExchange   = fmt.Errorf("%w: unknown exchange", ErrInvalidTopology)
	ErrUnknownQueue      = fmt.Errorf("%w: unknown queue", ErrInvalidTopology)
)

// Client is the publish/subscribe contract shared by every transport.
type Client interface {
	// Connect opens the connection and declares exchanges and queues.
	Connect(ctx context.Context) error
	// Publish encodes msg and sends it to exchange with routingKey. The
	// returned flag is a back-pressure signal, not a delivery confirmation.
	Publish(ctx context.Context, exchange, routingKey string, msg any, opts ...PublishOption) (bool, error)
	// Subscribe starts delivering messages from queue to handler. It returns
	// once the consumer is registered; deliveries run until ctx is done or
	// the client is closed.
	Subscribe(ctx context.Context, queue string, handler Handler) error
	// BindQueue routes messages published to exchange with a matching
	// routingKey to queue.
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error
	// Close releases the channel and the connection.
	Close() error
}

// Publisher is the subset of Client the coordinator needs to emit events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg any, opts ...PublishOption) (bool, error)
}

// Subscriber is the subset of Client used to register queue handlers.
type Subscriber interface {
	Subscribe(ctx context.Context, queue string, handler Handler) error
}

// Handler processes one delivery. Returning nil acknowledges it.
type Handler func(ctx context.Context, d Delivery) error

// Delivery is a message received from a queue.
type Delivery struct {
	MessageID   string
	Queue       string
	Exchange    string
	RoutingKey  string
	Body        []byte
	Headers     map[string]string
	Attempt     int
	Redelivered bool
	Timestamp   time.Time
}

// Header names used to carry retry state across redeliveries.
const (
	HeaderRedeliveryCount = "x-redelivery-count"
	HeaderExchange        = "x-original-exchange"
	HeaderRoutingKey      = "x-original-routing-key"
	HeaderDeathReason     = "x-death-reason"
)

type PublishOptions struct {
	Persistent  bool
	MessageID   string
	ContentType string
	Headers     map[string]string
}

type PublishOption func(*PublishOptions)

// WithPersistent overrides the default persistent delivery mode.
func WithPersistent(persistent bool) PublishOption {
	return func(o *PublishOptions) { o.Persistent = persistent }
}

func WithMessageID(id string) PublishOption {
	return func(o *PublishOptions) { o.MessageID = id }
}

func WithHeaders(headers map[string]string) PublishOption {
	return func(o *PublishOptions) {
		if o.Headers == nil {
			o.Headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			o.Headers[k] = v
		}
	}
}

// NewPublishOptions applies opts over the defaults: persistent, JSON, random id.
func NewPublishOptions(opts ...PublishOption) PublishOptions {
	o := PublishOptions{
		Persistent:  true,
		MessageID:   uuid.New().String(),
		ContentType: "application/json",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Encode serializes msg to JSON. Byte slices are sent as-is.
func Encode(msg any) ([]byte, error) {
	switch v := msg.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return body, nil
}

// Invoke runs handler and converts a panic into ErrHandlerFailure so one
// bad message cannot take down the consumer goroutine.
func Invoke(ctx context.Context, handler Handler, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrHandlerFailure, r)
		}
	}()
	if err := handler(ctx, d); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrHandlerFailure, d.Queue, err)
	}
	return nil
}

// ApplyBindings binds every binding in order.
func ApplyBindings(ctx context.Context, c Client, bindings []Binding) error {
	for _, b := range bindings {
		if err := c.BindQueue(ctx, b.Queue, b.Exchange, b.RoutingKey); err != nil {
			return fmt.Errorf("failed to bind %s to %s (%s): %w", b.Queue, b.Exchange, b.RoutingKey, err)
		}
	}
	return nil
}
