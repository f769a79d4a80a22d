package order

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrEmptyOrder      = errors.New("order must have at least one item")
	ErrInvalidQuantity = errors.New("item quantity must be positive")
	ErrMissingUser     = errors.New("user id is required")
	ErrMissingAddress  = errors.New("shipping address id is required")
)

// Order is the saga's aggregate. Items and TotalAmount are fixed at creation;
// only Status (and UpdatedAt) change afterwards.
type Order struct {
	ID                string          `json:"id"`
	UserID            string          `json:"userId"`
	Status            Status          `json:"status"`
	TotalAmount       decimal.Decimal `json:"totalAmount"`
	ShippingAddressID string          `json:"shippingAddressId"`
	Items             []Item          `json:"items"`
	Transaction       *Transaction    `json:"transaction,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Item captures the catalog price at the moment the order was placed.
type Item struct {
	ID        string          `json:"id"`
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// Subtotal returns price * quantity.
func (i Item) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Transaction records a payment outcome reported by the payment service.
type Transaction struct {
	ID            string          `json:"id"`
	OrderID       string          `json:"orderId"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// New builds a PENDING order and computes its total once.
func New(userID, shippingAddressID string, items []Item, now time.Time) (*Order, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	if shippingAddressID == "" {
		return nil, ErrMissingAddress
	}
	if len(items) == 0 {
		return nil, ErrEmptyOrder
	}

	snapshot := make([]Item, len(items))
	total := decimal.Zero
	for i, item := range items {
		if item.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		snapshot[i] = item
		total = total.Add(item.Subtotal())
	}

	now = now.UTC()
	return &Order{
		ID:                uuid.New().String(),
		UserID:            userID,
		Status:            StatusPending,
		TotalAmount:       total,
		ShippingAddressID: shippingAddressID,
		Items:             snapshot,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// CanTransitionTo checks if the order can transition to the target status.
func (o *Order) CanTransitionTo(target Status) bool {
	return o.Status.CanTransitionTo(target)
}

// BelongsTo reports whether the order is owned by userID.
func (o *Order) BelongsTo(userID string) bool {
	return o.UserID == userID
}
