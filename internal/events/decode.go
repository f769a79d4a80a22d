package events

import (
	"encoding/json"
	"fmt"
)

var decoders = map[string]func([]byte) (Event, error){
	RoutingOrderCreated:      decodeEvent[OrderCreated],
	RoutingOrderCancelled:    decodeEvent[OrderCancelled],
	RoutingOrderConfirmed:    decodeEvent[OrderConfirmed],
	RoutingInventoryReserved: decodeEvent[InventoryReserved],
	RoutingInventoryFailed:   decodeEvent[InventoryFailed],
	RoutingInventoryRelease:  decodeEvent[InventoryRelease],
	RoutingPaymentInitiate:   decodeEvent[PaymentInitiate],
	RoutingPaymentCompleted:  decodeEvent[PaymentCompleted],
	RoutingPaymentFailed:     decodeEvent[PaymentFailed],
}

// Decode parses body as the variant registered for routingKey.
func Decode(routingKey string, body []byte) (Event, error) {
	decode, ok := decoders[routingKey]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, routingKey)
	}
	return decode(body)
}

// DecodeAs parses body as E regardless of routing key. Typed queue handlers
// use it because a queue is bound to exactly one variant.
func DecodeAs[E Event](body []byte) (E, error) {
	var evt E
	if err := json.Unmarshal(body, &evt); err != nil {
		var zero E
		return zero, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, evt.RoutingKey(), err)
	}
	if err := evt.Validate(); err != nil {
		var zero E
		return zero, err
	}
	return evt, nil
}

func decodeEvent[E Event](body []byte) (Event, error) {
	evt, err := DecodeAs[E](body)
	if err != nil {
		return nil, err
	}
	return evt, nil
}
