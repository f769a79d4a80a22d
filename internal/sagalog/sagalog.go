// Package sagalog is an append-only audit trail of what the saga did to each
// order: transitions applied, events discarded, handler failures and
// compensating publishes. It answers "why is this order FAILED?" without
// digging through broker logs.
package sagalog

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Outcome classifies an entry.
type Outcome string

const (
	OutcomeApplied   Outcome = "APPLIED"
	OutcomeDiscarded Outcome = "DISCARDED"
	OutcomePublished Outcome = "PUBLISHED"
	OutcomeFailed    Outcome = "FAILED"
)

// Entry is one row of the log.
type Entry struct {
	OrderID string
	// Trigger is the inbound routing key or API operation that caused the entry.
	Trigger string
	From    string
	To      string
	Outcome Outcome
	Detail  string
	At      time.Time
}

// Recorder appends entries. Implementations must be safe for concurrent use.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Record(context.Context, Entry) error { return nil }

// Memory keeps entries in process, mostly for tests.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// History returns the entries for orderID in insertion order.
func (m *Memory) History(orderID string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.DeleteFunc(slices.Clone(m.entries), func(e Entry) bool {
		return e.OrderID != orderID
	})
}
