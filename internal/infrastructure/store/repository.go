package store

import (
	"context"
	"errors"

	"github.com/example/order-saga/internal/domain/order"
	"github.com/example/order-saga/internal/domain/product"
)

// ErrStatusConflict is returned by UpdateOrderStatus when the order is not in
// any of the expected statuses.
var ErrStatusConflict = errors.New("order status changed concurrently")

// Repository is the persistence boundary of the order saga.
type Repository interface {
	// FindProductsByIDs returns the products that exist among ids. Missing
	// ids are simply absent from the result.
	FindProductsByIDs(ctx context.Context, ids []string) ([]product.Product, error)

	// CreateOrder stores the order and its items atomically.
	CreateOrder(ctx context.Context, o *order.Order) (*order.Order, error)

	// FindOrderByID returns order.ErrOrderNotFound when id is unknown.
	FindOrderByID(ctx context.Context, id string) (*order.Order, error)

	// UpdateOrderStatus sets the status when the current one is in expected
	// (any status when expected is empty) and returns the updated order.
	UpdateOrderStatus(ctx context.Context, id string, to order.Status, expected ...order.Status) (*order.Order, error)

	// ListOrdersByUser returns one page of the user's orders, newest first,
	// and the total number of orders the user has.
	ListOrdersByUser(ctx context.Context, userID string, page, limit int) ([]order.Order, int, error)

	// SaveTransaction stores a payment transaction. Saving the same
	// transaction id twice is a no-op.
	SaveTransaction(ctx context.Context, tx order.Transaction) error
}

// Offset converts a 1-based page into a row offset.
func Offset(page, limit int) int {
	if page < 1 {
		return 0
	}
	return (page - 1) * limit
}
