package order

import (
	"errors"
	"fmt"
	"slices"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusProcessing Status = "PROCESSING"
	StatusShipped    Status = "SHIPPED"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
	StatusFailed     Status = "FAILED"
)

var (
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrUnknownStatus     = errors.New("unknown order status")
)

// validTransitions defines allowed state transitions.
// Shipping and delivery are driven by services outside the saga but are
// still guarded here so the repository never stores a backwards move.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusProcessing, StatusCancelled, StatusFailed},
	StatusConfirmed:  {StatusProcessing, StatusCancelled, StatusFailed},
	StatusProcessing: {StatusShipped, StatusFailed},
	StatusShipped:    {StatusDelivered, StatusFailed},
	StatusDelivered:  {}, // terminal state
	StatusCancelled:  {}, // terminal state
	StatusFailed:     {}, // terminal state
}

// ParseStatus converts a stored status string back into a Status.
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if _, ok := validTransitions[status]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	return status, nil
}

// IsTerminal reports whether no further transition is accepted.
func (s Status) IsTerminal() bool {
	allowed, ok := validTransitions[s]
	return ok && len(allowed) == 0
}

// Cancellable reports whether a customer may still cancel the order.
func (s Status) Cancellable() bool {
	return s == StatusPending || s == StatusConfirmed
}

// CanTransitionTo checks if the status can move to target.
func (s Status) CanTransitionTo(target Status) bool {
	return slices.Contains(validTransitions[s], target)
}

// Sources returns every status from which target is reachable in one step.
// The result is used as the expected-status guard for conditional updates.
func Sources(target Status) []Status {
	var sources []Status
	for _, from := range []Status{
		StatusPending, StatusConfirmed, StatusProcessing, StatusShipped,
		StatusDelivered, StatusCancelled, StatusFailed,
	} {
		if from.CanTransitionTo(target) {
			sources = append(sources, from)
		}
	}
	return sources
}

// TransitionError returns the error reported for a rejected transition.
func TransitionError(from, to Status) error {
	return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, from, to)
}
