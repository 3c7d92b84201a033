package dispatch

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/outboxkit/outboxkit/message"
)

// Handler processes one message inside tx, which already participates in
// a transaction the pipeline opened for this attempt. Returning an error
// (including a context deadline from the processing timeout) rolls back
// tx and runs the retry strategy; returning nil finalizes the row as
// processed.
type Handler func(ctx context.Context, tx pgx.Tx, msg message.Message) error

// Registry resolves a Handler for a message by (aggregateType,
// messageType) exact match, per spec.md §4.6 step 4.
type Registry struct {
	handlers map[message.Handle]Handler
	general  Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[message.Handle]Handler)}
}

// Register binds h to the exact (aggregateType, messageType) pair.
func (r *Registry) Register(handle message.Handle, h Handler) {
	r.handlers[handle] = h
}

// RegisterGeneral binds a fallback handler invoked for any message that
// has no exact-match handler, instead of the default marker-success
// behavior.
func (r *Registry) RegisterGeneral(h Handler) {
	r.general = h
}

// resolve returns the handler for msg and whether dispatch should invoke
// one at all. A false return means "no handler matched, treat as
// successfully processed" (spec.md §4.6 step 4 marker semantics).
func (r *Registry) resolve(msg message.Message) (Handler, bool) {
	if h, ok := r.handlers[message.HandleOf(msg)]; ok {
		return h, true
	}
	if r.general != nil {
		return r.general, true
	}
	return nil, false
}
