package events

import (
	"errors"
	"fmt"
	"time"
)

const (
	RoutingOrderCreated      = "order.created"
	RoutingOrderCancelled    = "order.cancelled"
	RoutingOrderConfirmed    = "order.confirmed"
	RoutingInventoryReserved = "inventory.reserved"
	RoutingInventoryFailed   = "inventory.failed"
	RoutingInventoryRelease  = "inventory.release"
	RoutingPaymentInitiate   = "payment.initiate"
	RoutingPaymentCompleted  = "payment.completed"
	RoutingPaymentFailed     = "payment.failed"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrMalformedEvent = errors.New("malformed event")
)

// Event is implemented by every wire variant.
type Event interface {
	RoutingKey() string
	Validate() error
}

func malformed(routingKey, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedEvent, routingKey, reason)
}

func requireOrderID(routingKey, orderID string) error {
	if orderID == "" {
		return malformed(routingKey, "orderId is required")
	}
	return nil
}

type OrderItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type OrderCreated struct {
	OrderID     string      `json:"orderId"`
	UserID      string      `json:"userId"`
	Items       []OrderItem `json:"items"`
	TotalAmount Amount      `json:"totalAmount"`
	Timestamp   time.Time   `json:"timestamp"`
}

func (OrderCreated) RoutingKey() string { return RoutingOrderCreated }

func (e OrderCreated) Validate() error {
	if err := requireOrderID(RoutingOrderCreated, e.OrderID); err != nil {
		return err
	}
	if e.UserID == "" {
		return malformed(RoutingOrderCreated, "userId is required")
	}
	if len(e.Items) == 0 {
		return malformed(RoutingOrderCreated, "items must not be empty")
	}
	for _, item := range e.Items {
		if item.ProductID == "" || item.Quantity <= 0 {
			return malformed(RoutingOrderCreated, "items need a productId and a positive quantity")
		}
	}
	if e.TotalAmount.IsNegative() {
		return malformed(RoutingOrderCreated, "totalAmount must not be negative")
	}
	return nil
}

type OrderCancelled struct {
	OrderID   string    `json:"orderId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (OrderCancelled) RoutingKey() string { return RoutingOrderCancelled }

func (e OrderCancelled) Validate() error {
	return requireOrderID(RoutingOrderCancelled, e.OrderID)
}

type OrderConfirmed struct {
	OrderID       string    `json:"orderId"`
	TransactionID string    `json:"transactionId"`
	Timestamp     time.Time `json:"timestamp"`
}

func (OrderConfirmed) RoutingKey() string { return RoutingOrderConfirmed }

func (e OrderConfirmed) Validate() error {
	if err := requireOrderID(RoutingOrderConfirmed, e.OrderID); err != nil {
		return err
	}
	if e.TransactionID == "" {
		return malformed(RoutingOrderConfirmed, "transactionId is required")
	}
	return nil
}

type InventoryReserved struct {
	OrderID   string    `json:"orderId"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (InventoryReserved) RoutingKey() string { return RoutingInventoryReserved }

func (e InventoryReserved) Validate() error {
	return requireOrderID(RoutingInventoryReserved, e.OrderID)
}

type InventoryFailed struct {
	OrderID   string    `json:"orderId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (InventoryFailed) RoutingKey() string { return RoutingInventoryFailed }

func (e InventoryFailed) Validate() error {
	return requireOrderID(RoutingInventoryFailed, e.OrderID)
}

type InventoryRelease struct {
	OrderID   string    `json:"orderId"`
	Timestamp time.Time `json:"timestamp"`
}

func (InventoryRelease) RoutingKey() string { return RoutingInventoryRelease }

func (e InventoryRelease) Validate() error {
	return requireOrderID(RoutingInventoryRelease, e.OrderID)
}

type PaymentInitiate struct {
	OrderID   string    `json:"orderId"`
	Amount    Amount    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

func (PaymentInitiate) RoutingKey() string { return RoutingPaymentInitiate }

func (e PaymentInitiate) Validate() error {
	if err := requireOrderID(RoutingPaymentInitiate, e.OrderID); err != nil {
		return err
	}
	if e.Amount.IsNegative() {
		return malformed(RoutingPaymentInitiate, "amount must not be negative")
	}
	return nil
}

type PaymentCompleted struct {
	OrderID       string    `json:"orderId"`
	TransactionID string    `json:"transactionId"`
	Amount        Amount    `json:"amount"`
	PaymentMethod string    `json:"paymentMethod"`
	Timestamp     time.Time `json:"timestamp"`
}

func (PaymentCompleted) RoutingKey() string { return RoutingPaymentCompleted }

func (e PaymentCompleted) Validate() error {
	if err := requireOrderID(RoutingPaymentCompleted, e.OrderID); err != nil {
		return err
	}
	if e.TransactionID == "" {
		return malformed(RoutingPaymentCompleted, "transactionId is required")
	}
	if e.Amount.IsNegative() {
		return malformed(RoutingPaymentCompleted, "amount must not be negative")
	}
	return nil
}

type PaymentFailed struct {
	OrderID   string    `json:"orderId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (PaymentFailed) RoutingKey() string { return RoutingPaymentFailed }

func (e PaymentFailed) Validate() error {
	return requireOrderID(RoutingPaymentFailed, e.OrderID)
}
