package broker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Decide(t *testing.T) {
	failure := errors.New("boom")

	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		err     error
		want    Outcome
	}{
		{"success acks", DefaultRetryPolicy(), 0, nil, OutcomeAck},
		{"success acks on last attempt", DefaultRetryPolicy(), 5, nil, OutcomeAck},
		{"first failure retries", RetryPolicy{MaxRedeliveries: 3}, 0, failure, OutcomeRetry},
		{"below limit retries", RetryPolicy{MaxRedeliveries: 3}, 2, failure, OutcomeRetry},
		{"limit reached dead-letters", RetryPolicy{MaxRedeliveries: 3}, 3, failure, OutcomeDeadLetter},
		{"zero limit requeues forever", RetryPolicy{}, 100, failure, OutcomeRequeue},
		{"permanent dead-letters immediately", RetryPolicy{MaxRedeliveries: 3}, 0, Permanent(failure), OutcomeDeadLetter},
		{"wrapped permanent dead-letters", RetryPolicy{}, 0, fmt.Errorf("handler: %w", Permanent(failure)), OutcomeDeadLetter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Decide(tt.attempt, tt.err))
		})
	}
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "ack", OutcomeAck.String())
	assert.Equal(t, "requeue", OutcomeRequeue.String())
	assert.Equal(t, "retry", OutcomeRetry.String())
	assert.Equal(t, "dead-letter", OutcomeDeadLetter.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}

func TestPermanent(t *testing.T) {
	cause := errors.New("malformed")

	err := Permanent(cause)

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "malformed", err.Error())
	assert.False(t, IsPermanent(cause))
	assert.NoError(t, Permanent(nil))
}

func TestAttemptFromHeaders(t *testing.T) {
	assert.Equal(t, 0, AttemptFromHeaders(nil))
	assert.Equal(t, 0, AttemptFromHeaders(map[string]string{HeaderRedeliveryCount: "garbage"}))
	assert.Equal(t, 0, AttemptFromHeaders(map[string]string{HeaderRedeliveryCount: "-3"}))
	assert.Equal(t, 4, AttemptFromHeaders(map[string]string{HeaderRedeliveryCount: "4"}))
}

func TestRetryHeaders(t *testing.T) {
	d := Delivery{
		Exchange:   InventoryExchange,
		RoutingKey: "inventory.reserved",
		Attempt:    1,
		Headers:    map[string]string{"trace": "abc"},
	}

	headers := RetryHeaders(d)

	assert.Equal(t, "2", headers[HeaderRedeliveryCount])
	assert.Equal(t, InventoryExchange, headers[HeaderExchange])
	assert.Equal(t, "inventory.reserved", headers[HeaderRoutingKey])
	assert.Equal(t, "abc", headers["trace"])
	// original headers untouched
	assert.NotContains(t, d.Headers, HeaderRedeliveryCount)
}

func TestRestoreOrigin(t *testing.T) {
	d := Delivery{
		Exchange:   "",
		RoutingKey: "inventory.reserved.retry",
		Headers: map[string]string{
			HeaderRedeliveryCount: "2",
			HeaderExchange:        InventoryExchange,
			HeaderRoutingKey:      "inventory.reserved",
		},
	}

	RestoreOrigin(&d)

	assert.Equal(t, InventoryExchange, d.Exchange)
	assert.Equal(t, "inventory.reserved", d.RoutingKey)
	assert.Equal(t, 2, d.Attempt)
	assert.True(t, d.Redelivered)
}

func TestRestoreOrigin_FirstDelivery(t *testing.T) {
	d := Delivery{Exchange: PaymentsExchange, RoutingKey: "payment.failed"}

	RestoreOrigin(&d)

	assert.Equal(t, PaymentsExchange, d.Exchange)
	assert.Equal(t, "payment.failed", d.RoutingKey)
	assert.Equal(t, 0, d.Attempt)
	assert.False(t, d.Redelivered)
}
