// Package message defines the canonical outbox/inbox row shape and the
// codec that maps it to and from the database.
package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Concurrency selects how a message's handler invocation is ordered
// relative to other in-flight messages.
type Concurrency string

const (
	// Sequential messages with the same Segment must be processed in
	// insertion order. This is the default.
	Sequential Concurrency = "sequential"
	// Parallel messages carry no ordering requirement and may run
	// concongruently with any other message.
	Parallel Concurrency = "parallel"
)

// Valid reports whether c is a known concurrency value.
func (c Concurrency) Valid() bool {
	switch c {
	case Sequential, Parallel:
		return true
	default:
		return false
	}
}

// Message is the canonical outbox/inbox record. The shape is identical for
// both tables; only the table they are stored in differs.
type Message struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	MessageType   string
	Segment       string // empty string means "no segment"
	Concurrency   Concurrency
	Payload       json.RawMessage
	Metadata      json.RawMessage // nil when absent

	CreatedAt   time.Time
	LockedUntil time.Time
	ProcessedAt *time.Time
	AbandonedAt *time.Time

	StartedAttempts  int
	FinishedAttempts int
}

// HasSegment reports whether the message participates in segment ordering.
func (m Message) HasSegment() bool {
	return m.Segment != ""
}

// Processed reports whether the message has already been finalized
// successfully.
func (m Message) Processed() bool {
	return m.ProcessedAt != nil
}

// Abandoned reports whether the message has been permanently given up on.
func (m Message) Abandoned() bool {
	return m.AbandonedAt != nil
}

// New builds a Message with sane defaults (random ID, Sequential
// concurrency, no segment) ready to be passed to store.StoreMessage.
// Callers override fields as needed before storing.
func New(aggregateType, aggregateID, messageType string, payload json.RawMessage) Message {
	return Message{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		MessageType:   messageType,
		Concurrency:   Sequential,
		Payload:       payload,
	}
}

// Handle is the (aggregateType, messageType) pair used to route a message
// to a handler in the dispatch pipeline.
type Handle struct {
	AggregateType string
	MessageType   string
}

// HandleOf returns the routing handle for m.
func HandleOf(m Message) Handle {
	return Handle{AggregateType: m.AggregateType, MessageType: m.MessageType}
}
