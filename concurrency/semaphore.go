package concurrency

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/outboxkit/outboxkit/message"
	"github.com/outboxkit/outboxkit/outboxerr"
)

// Semaphore admits up to N messages concurrently, FIFO among waiters,
// built on golang.org/x/sync/semaphore.Weighted rather than a hand-rolled
// counter — the teacher toolbox already carries golang.org/x/sync as a
// dependency (of pgx), and semaphore.Weighted already provides the exact
// bounded-admission primitive this controller needs.
type Semaphore struct {
	sem *semaphore.Weighted

	cancelled chan struct{}
	once      sync.Once
}

// NewSemaphore returns a Controller that admits at most n messages at
// once. Panics if n < 1.
func NewSemaphore(n int64) *Semaphore {
	if n < 1 {
		panic("concurrency: NewSemaphore requires n >= 1")
	}
	return &Semaphore{
		sem:       semaphore.NewWeighted(n),
		cancelled: make(chan struct{}),
	}
}

// Acquire blocks until a slot is free, ctx is done, or the controller is
// cancelled.
func (s *Semaphore) Acquire(ctx context.Context, _ message.Message) (Release, error) {
	mergedCtx, stopWatch := context.WithCancel(ctx)

	done := make(chan struct{})
	go func() {
		select {
		case <-s.cancelled:
			stopWatch()
		case <-done:
		}
	}()

	err := s.sem.Acquire(mergedCtx, 1)
	close(done)

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, outboxerr.ErrConcurrencyCancelled
	}

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() { s.sem.Release(1) })
	}
	return release, nil
}

// Cancel fails every pending Acquire. Idempotent.
func (s *Semaphore) Cancel() {
	s.once.Do(func() { close(s.cancelled) })
}
