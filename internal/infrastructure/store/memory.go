package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/example/order-saga/internal/domain/order"
	"github.com/example/order-saga/internal/domain/product"
)

// Memory is an in-memory Repository.
type Memory struct {
	mu           sync.RWMutex
	products     map[string]product.Product
	orders       map[string]*order.Order
	transactions map[string]order.Transaction
	now          func() time.Time
}

var _ Repository = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		products:     make(map[string]product.Product),
		orders:       make(map[string]*order.Order),
		transactions: make(map[string]order.Transaction),
		now:          time.Now,
	}
}

// SeedProduct adds or replaces a catalog entry.
func (m *Memory) SeedProduct(p product.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
}

func (m *Memory) FindProductsByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]product.Product, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if p, ok := m.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) CreateOrder(_ context.Context, o *order.Order) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[o.ID]; exists {
		return nil, fmt.Errorf("order %s already exists", o.ID)
	}
	stored := cloneOrder(o)
	m.orders[o.ID] = stored
	return cloneOrder(stored), nil
}

func (m *Memory) FindOrderByID(_ context.Context, id string) (*order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (m *Memory) UpdateOrderStatus(_ context.Context, id string, to order.Status, expected ...order.Status) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	if len(expected) > 0 && !slices.Contains(expected, o.Status) {
		return nil, fmt.Errorf("%w: order %s is %s", ErrStatusConflict, id, o.Status)
	}
	o.Status = to
	o.UpdatedAt = m.now().UTC()
	return cloneOrder(o), nil
}

func (m *Memory) ListOrdersByUser(_ context.Context, userID string, page, limit int) ([]order.Order, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var owned []order.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			owned = append(owned, *cloneOrder(o))
		}
	}
	slices.SortFunc(owned, func(a, b order.Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	total := len(owned)
	start := Offset(page, limit)
	if start >= total {
		return []order.Order{}, total, nil
	}
	end := min(start+limit, total)
	return owned[start:end], total, nil
}

func (m *Memory) SaveTransaction(_ context.Context, tx order.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[tx.OrderID]
	if !ok {
		return order.ErrOrderNotFound
	}
	if _, exists := m.transactions[tx.ID]; exists {
		return nil
	}
	m.transactions[tx.ID] = tx
	saved := tx
	o.Transaction = &saved
	return nil
}

func cloneOrder(o *order.Order) *order.Order {
	c := *o
	c.Items = slices.Clone(o.Items)
	if o.Transaction != nil {
		tx := *o.Transaction
		c.Transaction = &tx
	}
	return &c
}
