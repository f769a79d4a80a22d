package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/order-saga/internal/domain/order"
	"github.com/example/order-saga/internal/domain/product"
)

func newOrder(t *testing.T, userID string, createdAt time.Time) *order.Order {
	t.Helper()
	o, err := order.New(userID, "addr-1", []order.Item{
		{ProductID: "P1", Quantity: 2, Price: decimal.RequireFromString("10.00")},
	}, createdAt)
	require.NoError(t, err)
	return o
}

func TestMemory_FindProductsByIDs(t *testing.T) {
	m := NewMemory()
	m.SeedProduct(product.Product{ID: "P1", Name: "Widget", Price: decimal.RequireFromString("10.00"), Stock: product.Stock{Quantity: 5}})
	m.SeedProduct(product.Product{ID: "P2", Name: "Gadget", Price: decimal.RequireFromString("4.50"), Stock: product.Stock{Quantity: 1}})

	products, err := m.FindProductsByIDs(context.Background(), []string{"P1", "missing", "P1"})

	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "Widget", products[0].Name)
}

func TestMemory_CreateAndFindOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	o := newOrder(t, "user-1", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

	created, err := m.CreateOrder(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, o, created)

	found, err := m.FindOrderByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o, found)

	// returned copies do not alias the stored order
	found.Items[0].Quantity = 99
	again, err := m.FindOrderByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Items[0].Quantity)

	_, err = m.CreateOrder(ctx, o)
	assert.Error(t, err)
}

func TestMemory_FindOrderByID_NotFound(t *testing.T) {
	_, err := NewMemory().FindOrderByID(context.Background(), "nope")

	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestMemory_UpdateOrderStatus(t *testing.T) {
	m := NewMemory()
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }
	ctx := context.Background()
	o := newOrder(t, "user-1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	_, err := m.CreateOrder(ctx, o)
	require.NoError(t, err)

	updated, err := m.UpdateOrderStatus(ctx, o.ID, order.StatusConfirmed, order.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, updated.Status)
	assert.Equal(t, fixed, updated.UpdatedAt)

	// guard rejects a stale expectation and leaves the status alone
	_, err = m.UpdateOrderStatus(ctx, o.ID, order.StatusFailed, order.StatusPending)
	assert.ErrorIs(t, err, ErrStatusConflict)
	found, err := m.FindOrderByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, found.Status)

	// no expectation means unconditional
	updated, err = m.UpdateOrderStatus(ctx, o.ID, order.StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, order.StatusProcessing, updated.Status)

	_, err = m.UpdateOrderStatus(ctx, "nope", order.StatusFailed)
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestMemory_ListOrdersByUser(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 5; i++ {
		o := newOrder(t, "user-1", base.Add(time.Duration(i)*time.Hour))
		_, err := m.CreateOrder(ctx, o)
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}
	_, err := m.CreateOrder(ctx, newOrder(t, "user-2", base))
	require.NoError(t, err)

	page1, total, err := m.ListOrdersByUser(ctx, "user-1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page1, 2)
	assert.Equal(t, ids[4], page1[0].ID)
	assert.Equal(t, ids[3], page1[1].ID)

	page3, total, err := m.ListOrdersByUser(ctx, "user-1", 3, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page3, 1)
	assert.Equal(t, ids[0], page3[0].ID)

	beyond, total, err := m.ListOrdersByUser(ctx, "user-1", 9, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Empty(t, beyond)

	none, total, err := m.ListOrdersByUser(ctx, "nobody", 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, none)
}

func TestMemory_SaveTransaction(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	o := newOrder(t, "user-1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	_, err := m.CreateOrder(ctx, o)
	require.NoError(t, err)

	tx := order.Transaction{
		ID:            "tx-1",
		OrderID:       o.ID,
		Amount:        decimal.RequireFromString("20.00"),
		PaymentMethod: "card",
		CreatedAt:     time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC),
	}
	require.NoError(t, m.SaveTransaction(ctx, tx))
	// second save with different data is ignored
	dup := tx
	dup.PaymentMethod = "cash"
	require.NoError(t, m.SaveTransaction(ctx, dup))

	found, err := m.FindOrderByID(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, found.Transaction)
	assert.Equal(t, tx, *found.Transaction)

	assert.ErrorIs(t, m.SaveTransaction(ctx, order.Transaction{ID: "tx-2", OrderID: "nope"}), order.ErrOrderNotFound)
}

func TestOffset(t *testing.T) {
	assert.Equal(t, 0, Offset(0, 10))
	assert.Equal(t, 0, Offset(1, 10))
	assert.Equal(t, 20, Offset(3, 10))
}
