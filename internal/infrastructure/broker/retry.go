package broker

import (
	"errors"
	"strconv"
)

// Outcome is how a transport settles a delivery after the handler ran.
type Outcome int

const (
	OutcomeAck Outcome = iota
	// OutcomeRequeue negatively acknowledges with requeue; the broker
	// redelivers without any attempt bookkeeping.
	OutcomeRequeue
	// OutcomeRetry redelivers with the attempt counter incremented.
	OutcomeRetry
	OutcomeDeadLetter
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRequeue:
		return "requeue"
	case OutcomeRetry:
		return "retry"
	case OutcomeDeadLetter:
		return "dead-letter"
	}
	return "unknown"
}

// RetryPolicy bounds redelivery of failing messages. A zero MaxRedeliveries
// keeps unbounded nack-with-requeue.
type RetryPolicy struct {
	MaxRedeliveries int `yaml:"max_redeliveries"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRedeliveries: 5}
}

// Decide maps a handler result to an Outcome. attempt is the number of
// redeliveries the message already went through.
func (p RetryPolicy) Decide(attempt int, err error) Outcome {
	switch {
	case err == nil:
		return OutcomeAck
	case IsPermanent(err):
		return OutcomeDeadLetter
	case p.MaxRedeliveries <= 0:
		return OutcomeRequeue
	case attempt < p.MaxRedeliveries:
		return OutcomeRetry
	default:
		return OutcomeDeadLetter
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The delivery is dead-lettered
// on the first failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// AttemptFromHeaders reads the redelivery counter; missing or garbled
// values count as zero.
func AttemptFromHeaders(headers map[string]string) int {
	n, err := strconv.Atoi(headers[HeaderRedeliveryCount])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// RetryHeaders returns a copy of d's headers prepared for the next attempt.
func RetryHeaders(d Delivery) map[string]string {
	headers := make(map[string]string, len(d.Headers)+3)
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[HeaderRedeliveryCount] = strconv.Itoa(d.Attempt + 1)
	if d.Exchange != "" {
		headers[HeaderExchange] = d.Exchange
	}
	headers[HeaderRoutingKey] = d.RoutingKey
	return headers
}

// RestoreOrigin rewrites Exchange and RoutingKey from the retry headers so a
// redelivered message looks like the original publish.
func RestoreOrigin(d *Delivery) {
	if v, ok := d.Headers[HeaderExchange]; ok {
		d.Exchange = v
	}
	if v, ok := d.Headers[HeaderRoutingKey]; ok {
		d.RoutingKey = v
	}
	d.Attempt = AttemptFromHeaders(d.Headers)
	if d.Attempt > 0 {
		d.Redelivered = true
	}
}
