// Package sqlite stores the saga log in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/example/order-saga/internal/sagalog"

	// pure-Go driver, registers "sqlite"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS saga_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id    TEXT NOT NULL,
    trigger_name TEXT NOT NULL,
    from_status TEXT NOT NULL DEFAULT '',
    to_status   TEXT NOT NULL DEFAULT '',
    outcome     TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT '',
    recorded_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saga_log_order_id ON saga_log(order_id, id);
`

const timeLayout = "2006-01-02T15:04:05.999999999Z"

// Repository is the SQLite sagalog.Recorder.
type Repository struct {
	db *sql.DB
}

var _ sagalog.Recorder = (*Repository)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) Record(ctx context.Context, e sagalog.Entry) error {
	const q = `
		INSERT INTO saga_log (order_id, trigger_name, from_status, to_status, outcome, detail, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.db.ExecContext(ctx, q,
		e.OrderID, e.Trigger, e.From, e.To, string(e.Outcome), e.Detail,
		at.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("sqlite: record saga log for %q: %w", e.OrderID, err)
	}
	return nil
}

// History returns every entry for orderID, oldest first.
func (r *Repository) History(ctx context.Context, orderID string) ([]sagalog.Entry, error) {
	const q = `
		SELECT order_id, trigger_name, from_status, to_status, outcome, detail, recorded_at
		FROM   saga_log
		WHERE  order_id = ?
		ORDER  BY id`

	rows, err := r.db.QueryContext(ctx, q, orderID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: history for %q: %w", orderID, err)
	}
	defer rows.Close()

	var entries []sagalog.Entry
	for rows.Next() {
		var (
			e       sagalog.Entry
			outcome string
			at      string
		)
		if err := rows.Scan(&e.OrderID, &e.Trigger, &e.From, &e.To, &outcome, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("sqlite: scan saga log: %w", err)
		}
		e.Outcome = sagalog.Outcome(outcome)
		e.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("sqlite: parse time %q: %w", at, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
