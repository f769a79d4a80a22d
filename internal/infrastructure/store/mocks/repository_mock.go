package mocks

import (
	"context"
	"sync"

	"github.com/example/order-saga/internal/domain/order"
	"github.com/example/order-saga/internal/domain/product"
	"github.com/example/order-saga/internal/infrastructure/store"
)

// MockRepository is a store.Repository backed by store.Memory that records
// calls and can be told to fail.
type MockRepository struct {
	*store.Memory

	mu sync.Mutex

	// For tracking calls in tests
	CreateOrderCalls     []*order.Order
	UpdateStatusCalls    []UpdateStatusCall
	SaveTransactionCalls []order.Transaction

	// Errors to return from the corresponding method
	FindProductsErr    error
	CreateOrderErr     error
	FindOrderErr       error
	UpdateStatusErr    error
	ListOrdersErr      error
	SaveTransactionErr error
}

// UpdateStatusCall records parameters passed to UpdateOrderStatus
type UpdateStatusCall struct {
	ID       string
	To       order.Status
	Expected []order.Status
}

var _ store.Repository = (*MockRepository)(nil)

// NewMockRepository creates a new MockRepository
func NewMockRepository() *MockRepository {
	return &MockRepository{Memory: store.NewMemory()}
}

func (m *MockRepository) FindProductsByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	if m.FindProductsErr != nil {
		return nil, m.FindProductsErr
	}
	return m.Memory.FindProductsByIDs(ctx, ids)
}

func (m *MockRepository) CreateOrder(ctx context.Context, o *order.Order) (*order.Order, error) {
	m.mu.Lock()
	m.CreateOrderCalls = append(m.CreateOrderCalls, o)
	m.mu.Unlock()

	if m.CreateOrderErr != nil {
		return nil, m.CreateOrderErr
	}
	return m.Memory.CreateOrder(ctx, o)
}

func (m *MockRepository) FindOrderByID(ctx context.Context, id string) (*order.Order, error) {
	if m.FindOrderErr != nil {
		return nil, m.FindOrderErr
	}
	return m.Memory.FindOrderByID(ctx, id)
}

func (m *MockRepository) UpdateOrderStatus(ctx context.Context, id string, to order.Status, expected ...order.Status) (*order.Order, error) {
	m.mu.Lock()
	m.UpdateStatusCalls = append(m.UpdateStatusCalls, UpdateStatusCall{ID: id, To: to, Expected: expected})
	m.mu.Unlock()

	if m.UpdateStatusErr != nil {
		return nil, m.UpdateStatusErr
	}
	return m.Memory.UpdateOrderStatus(ctx, id, to, expected...)
}

func (m *MockRepository) ListOrdersByUser(ctx context.Context, userID string, page, limit int) ([]order.Order, int, error) {
	if m.ListOrdersErr != nil {
		return nil, 0, m.ListOrdersErr
	}
	return m.Memory.ListOrdersByUser(ctx, userID, page, limit)
}

func (m *MockRepository) SaveTransaction(ctx context.Context, tx order.Transaction) error {
	m.mu.Lock()
	m.SaveTransactionCalls = append(m.SaveTransactionCalls, tx)
	m.mu.Unlock()

	if m.SaveTransactionErr != nil {
		return m.SaveTransactionErr
	}
	return m.Memory.SaveTransaction(ctx, tx)
}

// Reset clears recorded calls
func (m *MockRepository) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateOrderCalls = nil
	m.UpdateStatusCalls = nil
	m.SaveTransactionCalls = nil
}
