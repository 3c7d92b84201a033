// Package concurrency implements the pluggable ordering policies a
// dispatch pipeline uses to decide how many, and which, messages may be
// inside a handler invocation at once (spec.md §4.3).
//
// FullParallel keeps no state. Mutex is a one-slot buffered channel.
// SegmentMutex and Discriminating share keyedMutex: a mutex-guarded map
// of refcounted per-key slots, built the way the teacher toolbox's
// pubsub.Postgres keeps its topicListener map (compare removeHandler).
// Semaphore wraps semaphore.Weighted. No controller starts a goroutine;
// a waiter that gives up removes its own state before returning.
package concurrency

import (
	"context"

	"github.com/outboxkit/outboxkit/message"
	"github.com/outboxkit/outboxkit/outboxerr"
)

// Release gives back the slot an Acquire call reserved. It is always
// safe to call more than once; only the first call has effect.
type Release func()

// Controller mediates how many/which messages may be inside handler
// execution simultaneously.
type Controller interface {
	// Acquire blocks until msg may proceed, ctx is done, or the
	// controller is cancelled. On success it returns a Release that MUST
	// be called exactly once, regardless of how the caller's handler
	// invocation concludes.
	Acquire(ctx context.Context, msg message.Message) (Release, error)

	// Cancel fails every currently waiting Acquire call with
	// outboxerr.ErrConcurrencyCancelled. Slots already granted are not
	// revoked; their Release still must be called normally. Cancel is
	// idempotent.
	Cancel()
}

func noop() {}
