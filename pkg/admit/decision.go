package admit

import (
	"fmt"
	"time"
)

// Decision is the outcome of one admission.
type Decision struct {
	Limiter   string
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time

	// RetryAfter is the whole number of seconds until the window resets. Only
	// set on rejection.
	RetryAfter int

	complete func(success bool)
}

// Complete reports the outcome of an accepted request to a limiter with a skip
// policy. It is a no-op for immediate limiters, rejections and repeat calls.
func (d Decision) Complete(success bool) {
	if d.complete != nil {
		d.complete(success)
	}
}

// Deferred reports whether the admission is charged on Complete.
func (d Decision) Deferred() bool { return d.complete != nil }

// Err returns a *RejectedError for a rejection and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &RejectedError{Limiter: d.Limiter, RetryAfter: d.RetryAfter, ResetAt: d.ResetAt}
}

// RejectedError describes a request refused by a limiter.
type RejectedError struct {
	Limiter    string
	RetryAfter int
	ResetAt    time.Time
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("admit: limiter %q: rate exceeded, retry after %ds", e.Limiter, e.RetryAfter)
}

func (e *RejectedError) Unwrap() error { return ErrRateExceeded }
