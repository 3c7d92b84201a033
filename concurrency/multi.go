package concurrency

import (
	"context"
	"fmt"

	"github.com/outboxkit/outboxkit/message"
)

// Selector chooses which named controller a message is routed to. The
// typical selector, per spec.md §4.3, routes by concurrency mode:
// "parallel" messages get full parallelism, "sequential" messages get a
// mutex.
type Selector func(message.Message) string

// Multi composes several controllers, routing each Acquire to the one
// named by Selector(msg). This is the capability-set / dependency
// injection pattern spec.md §9 calls for in place of class polymorphism.
type Multi struct {
	selector    Selector
	controllers map[string]Controller
}

// NewMulti builds a composite controller. selector(msg) must return a key
// present in controllers; ConcurrencyBySpecMode is provided as the
// typical selector.
func NewMulti(selector Selector, controllers map[string]Controller) *Multi {
	return &Multi{selector: selector, controllers: controllers}
}

// ConcurrencyBySpecMode is the default selector described in spec.md
// §4.3: message.Parallel routes to "parallel", everything else
// (message.Sequential and unset) routes to "sequential".
func ConcurrencyBySpecMode(m message.Message) string {
	if m.Concurrency == message.Parallel {
		return "parallel"
	}
	return "sequential"
}

// Acquire routes msg to the controller selector(msg) names.
func (c *Multi) Acquire(ctx context.Context, msg message.Message) (Release, error) {
	key := c.selector(msg)
	target, ok := c.controllers[key]
	if !ok {
		return nil, fmt.Errorf("concurrency: multi selector returned unknown key %q", key)
	}
	return target.Acquire(ctx, msg)
}

// Cancel cancels every composed controller.
func (c *Multi) Cancel() {
	for _, ctrl := range c.controllers {
		ctrl.Cancel()
	}
}
