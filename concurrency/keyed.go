package concurrency

import (
	"context"
	"sync"

	"github.com/outboxkit/outboxkit/message"
	"github.com/outboxkit/outboxkit/outboxerr"
)

// KeyFunc extracts the ordering key from a message. Messages that share a
// key are serialized against each other; distinct keys proceed fully in
// parallel.
type KeyFunc func(message.Message) string

// keyedMutex is one mutex per distinct key, created lazily and garbage
// collected once no goroutine holds or awaits it. This mirrors the
// teacher toolbox's pubsub.Postgres topicListener bookkeeping: a
// mutex-guarded map, a refcount per entry, and deletion once the entry is
// unused (compare (*Postgres).removeHandler).
type keyedMutex struct {
	keyOf KeyFunc

	mu        sync.Mutex
	entries   map[string]*keyEntry
	cancelled chan struct{}
	once      sync.Once
}

type keyEntry struct {
	slot chan struct{}
	refs int
}

func newKeyedMutex(keyOf KeyFunc) *keyedMutex {
	return &keyedMutex{
		keyOf:     keyOf,
		entries:   make(map[string]*keyEntry),
		cancelled: make(chan struct{}),
	}
}

func (km *keyedMutex) acquire(ctx context.Context, msg message.Message) (Release, error) {
	key := km.keyOf(msg)

	km.mu.Lock()
	e, ok := km.entries[key]
	if !ok {
		e = &keyEntry{slot: make(chan struct{}, 1)}
		e.slot <- struct{}{}
		km.entries[key] = e
	}
	e.refs++
	km.mu.Unlock()

	select {
	case <-km.cancelled:
		km.releaseRef(key, e)
		return nil, outboxerr.ErrConcurrencyCancelled
	case <-ctx.Done():
		km.releaseRef(key, e)
		return nil, ctx.Err()
	case <-e.slot:
	}

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			e.slot <- struct{}{}
			km.releaseRef(key, e)
		})
	}
	return release, nil
}

func (km *keyedMutex) releaseRef(key string, e *keyEntry) {
	km.mu.Lock()
	defer km.mu.Unlock()
	e.refs--
	if e.refs <= 0 {
		delete(km.entries, key)
	}
}

func (km *keyedMutex) cancel() {
	km.once.Do(func() { close(km.cancelled) })
}

// SegmentMutex allows one in-flight message per distinct message.Segment;
// messages with no segment (empty string) share a single "no segment"
// key and so still serialize against each other. Distinct segments run
// fully in parallel.
type SegmentMutex struct {
	km *keyedMutex
}

// NewSegmentMutex returns a Controller keyed by message.Message.Segment.
func NewSegmentMutex() *SegmentMutex {
	return &SegmentMutex{km: newKeyedMutex(func(m message.Message) string { return m.Segment })}
}

func (s *SegmentMutex) Acquire(ctx context.Context, msg message.Message) (Release, error) {
	return s.km.acquire(ctx, msg)
}

func (s *SegmentMutex) Cancel() { s.km.cancel() }

// Discriminating allows one in-flight message per key as computed by a
// caller-supplied function, generalizing SegmentMutex to any grouping.
type Discriminating struct {
	km *keyedMutex
}

// NewDiscriminating returns a Controller keyed by keyOf(msg).
func NewDiscriminating(keyOf KeyFunc) *Discriminating {
	return &Discriminating{km: newKeyedMutex(keyOf)}
}

func (d *Discriminating) Acquire(ctx context.Context, msg message.Message) (Release, error) {
	return d.km.acquire(ctx, msg)
}

func (d *Discriminating) Cancel() { d.km.cancel() }
