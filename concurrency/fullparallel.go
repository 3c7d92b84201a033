package concurrency

import (
	"context"

	"github.com/outboxkit/outboxkit/message"
)

// FullParallel grants every Acquire immediately; any number of messages
// may be in flight concurrently. Use for message.Parallel traffic.
type FullParallel struct{}

// NewFullParallel returns a Controller with no admission limit.
func NewFullParallel() *FullParallel { return &FullParallel{} }

// Acquire returns immediately unless ctx is already done.
func (c *FullParallel) Acquire(ctx context.Context, _ message.Message) (Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return noop, nil
}

// Cancel is a no-op: FullParallel never has waiters.
func (c *FullParallel) Cancel() {}
