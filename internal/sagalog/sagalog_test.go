package sagalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_History(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.Record(ctx, Entry{OrderID: "o-1", Trigger: "create", To: "PENDING", Outcome: OutcomeApplied, At: at}))
	require.NoError(t, m.Record(ctx, Entry{OrderID: "o-2", Trigger: "create", To: "PENDING", Outcome: OutcomeApplied, At: at}))
	require.NoError(t, m.Record(ctx, Entry{OrderID: "o-1", Trigger: "inventory.reserved", From: "PENDING", To: "CONFIRMED", Outcome: OutcomeApplied, At: at}))

	history := m.History("o-1")

	require.Len(t, history, 2)
	assert.Equal(t, "create", history[0].Trigger)
	assert.Equal(t, "CONFIRMED", history[1].To)
	assert.Empty(t, m.History("o-3"))
}

func TestDiscard(t *testing.T) {
	var r Recorder = Discard{}
	assert.NoError(t, r.Record(context.Background(), Entry{OrderID: "o-1"}))
}
