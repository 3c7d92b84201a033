package concurrency

import (
	"context"
	"sync"

	"github.com/outboxkit/outboxkit/message"
	"github.com/outboxkit/outboxkit/outboxerr"
)

// Mutex allows exactly one in-flight message at a time, admitting
// waiters in roughly the order they called Acquire (Go delivers buffered
// channel sends to the longest-waiting receiver, which this relies on
// for FIFO behavior, same as the rest of the package relies on channel
// ordering instead of an explicit queue structure).
type Mutex struct {
	slot      chan struct{}
	cancelled chan struct{}
	once      sync.Once
}

// NewMutex returns an unlocked global Mutex controller.
func NewMutex() *Mutex {
	m := &Mutex{
		slot:      make(chan struct{}, 1),
		cancelled: make(chan struct{}),
	}
	m.slot <- struct{}{}
	return m
}

// Acquire blocks until the single slot is free.
func (m *Mutex) Acquire(ctx context.Context, _ message.Message) (Release, error) {
	select {
	case <-m.cancelled:
		return nil, outboxerr.ErrConcurrencyCancelled
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.slot:
	}

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() { m.slot <- struct{}{} })
	}
	return release, nil
}

// Cancel fails every pending Acquire. Idempotent.
func (m *Mutex) Cancel() {
	m.once.Do(func() { close(m.cancelled) })
}
