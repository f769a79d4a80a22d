package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/order-saga/internal/domain/order"
	"github.com/example/order-saga/internal/domain/product"
)

// Postgres implements Repository on the following tables:
//
//	products(id, name, price, stock_quantity, reserved_quantity)
//	orders(id, user_id, status, total_amount, shipping_address_id, created_at, updated_at)
//	order_items(id, order_id, position, product_id, quantity, price)
//	transactions(id PRIMARY KEY, order_id, amount, payment_method, created_at)
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

var _ Repository = (*Postgres)(nil)

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

// ConnectPostgres establishes a connection to PostgreSQL
func ConnectPostgres(ctx context.Context, connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

const orderColumns = `id, user_id, status, total_amount, shipping_address_id, created_at, updated_at`

func (s *Postgres) FindProductsByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, price, stock_quantity, reserved_quantity FROM products WHERE id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []product.Product
	for rows.Next() {
		var p product.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Stock.Quantity, &p.Stock.Reserved); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Postgres) CreateOrder(ctx context.Context, o *order.Order) (*order.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.ID, o.UserID, string(o.Status), o.TotalAmount, o.ShippingAddressID, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert order: %w", err)
	}

	for i, item := range o.Items {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO order_items (id, order_id, position, product_id, quantity, price) VALUES ($1, $2, $3, $4, $5, $6)`,
			item.ID, o.ID, i, item.ProductID, item.Quantity, item.Price,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit order: %w", err)
	}
	return cloneOrder(o), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*order.Order, error) {
	var (
		o      order.Order
		status string
	)
	if err := row.Scan(&o.ID, &o.UserID, &status, &o.TotalAmount, &o.ShippingAddressID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := order.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	o.Status = parsed
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

func (s *Postgres) FindOrderByID(ctx context.Context, id string) (*order.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}

	items, err := s.loadItems(ctx, []string{o.ID})
	if err != nil {
		return nil, err
	}
	o.Items = items[o.ID]

	txn, err := s.loadTransaction(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	o.Transaction = txn
	return o, nil
}

func (s *Postgres) loadItems(ctx context.Context, orderIDs []string) (map[string][]order.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT order_id, id, product_id, quantity, price FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`,
		pq.Array(orderIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	items := make(map[string][]order.Item, len(orderIDs))
	for rows.Next() {
		var (
			orderID string
			item    order.Item
		)
		if err := rows.Scan(&orderID, &item.ID, &item.ProductID, &item.Quantity, &item.Price); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		items[orderID] = append(items[orderID], item)
	}
	return items, rows.Err()
}

func (s *Postgres) loadTransaction(ctx context.Context, orderID string) (*order.Transaction, error) {
	txn := order.Transaction{OrderID: orderID}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, amount, payment_method, created_at FROM transactions WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1`,
		orderID,
	).Scan(&txn.ID, &txn.Amount, &txn.PaymentMethod, &txn.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction: %w", err)
	}
	txn.CreatedAt = txn.CreatedAt.UTC()
	return &txn, nil
}

// UpdateOrderStatus applies the change with a single guarded UPDATE so two
// handlers racing on the same order cannot both win.
func (s *Postgres) UpdateOrderStatus(ctx context.Context, id string, to order.Status, expected ...order.Status) (*order.Order, error) {
	now := s.now().UTC()

	var (
		res sql.Result
		err error
	)
	if len(expected) == 0 {
		res, err = s.db.ExecContext(ctx,
			`UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`,
			id, string(to), now)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1 AND status = ANY($4)`,
			id, string(to), now, pq.Array(statusStrings(expected)))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}
	if n == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, order.ErrOrderNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query order status: %w", err)
		}
		return nil, fmt.Errorf("%w: order %s is %s", ErrStatusConflict, id, current)
	}

	return s.FindOrderByID(ctx, id)
}

func statusStrings(statuses []order.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func (s *Postgres) ListOrdersByUser(ctx context.Context, userID string, page, limit int) ([]order.Order, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE user_id = $1`, userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`,
		userID, limit, Offset(page, limit),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	orders := []order.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(orders) == 0 {
		return orders, total, nil
	}

	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	items, err := s.loadItems(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}
	return orders, total, nil
}

func (s *Postgres) SaveTransaction(ctx context.Context, txn order.Transaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (id, order_id, amount, payment_method, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		txn.ID, txn.OrderID, txn.Amount, txn.PaymentMethod, txn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	return nil
}
