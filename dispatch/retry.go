package dispatch

import (
	"time"

	"github.com/outboxkit/outboxkit/message"
)

// RetryDecision is the outcome of a RetryStrategy consulted after a
// handler returns an error.
type RetryDecision string

const (
	// RetryTransient leaves the row selectable again after lockedUntil;
	// finishedAttempts is incremented but abandonedAt is left unset.
	RetryTransient RetryDecision = "transient"
	// RetryPermanent abandons the row: abandonedAt is set alongside the
	// finishedAttempts increment.
	RetryPermanent RetryDecision = "permanent"
)

// RetryStrategy decides, after a handler failure, whether msg should be
// retried later or abandoned for good. handlerErr is the error the
// handler returned or the context deadline that fired.
type RetryStrategy interface {
	Decide(msg message.Message, handlerErr error) RetryDecision
}

// DefaultRetryStrategy implements spec.md §4.6 step 5's default policy:
// permanent once one more attempt would reach MaxAttempts, transient
// otherwise.
type DefaultRetryStrategy struct {
	MaxAttempts int
}

func (d DefaultRetryStrategy) Decide(msg message.Message, _ error) RetryDecision {
	if msg.FinishedAttempts+1 >= d.MaxAttempts {
		return RetryPermanent
	}
	return RetryTransient
}

// TimeoutStrategy computes the processing timeout for msg. Returning 0
// means "no timeout" (the caller's context still bounds the call).
type TimeoutStrategy func(msg message.Message) time.Duration

// DefaultProcessingTimeout is spec.md §4.6 step 4's default per-message
// processing timeout.
const DefaultProcessingTimeout = 15 * time.Second

// FixedTimeout returns a TimeoutStrategy that always answers d.
func FixedTimeout(d time.Duration) TimeoutStrategy {
	return func(message.Message) time.Duration { return d }
}
