// Package ledger remembers which outbound events the saga already published,
// so a redelivered inbound event can tell "transition applied but publish
// lost" apart from "fully handled".
package ledger

import (
	"context"
	"sync"
)

// Ledger records published side effects by key.
type Ledger interface {
	// Recorded reports whether key was recorded.
	Recorded(ctx context.Context, key string) (bool, error)
	// Record marks key as done. Recording twice is not an error.
	Record(ctx context.Context, key string) error
}

// Key identifies the publish of routingKey on behalf of orderID.
func Key(orderID, routingKey string) string {
	return orderID + ":" + routingKey
}

// Memory is a process-local Ledger.
type Memory struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

var _ Ledger = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{keys: make(map[string]struct{})}
}

func (m *Memory) Recorded(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[key]
	return ok, nil
}

func (m *Memory) Record(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = struct{}{}
	return nil
}
