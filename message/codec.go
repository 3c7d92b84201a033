package message

import (
	"time"

	"github.com/google/uuid"
)

// Columns lists the table columns in the canonical order used by INSERT,
// the polling batch function's return type, and pgoutput's relation
// message column ordering (§6.1 of the spec this package implements).
var Columns = []string{
	"id",
	"aggregate_type",
	"aggregate_id",
	"message_type",
	"segment",
	"concurrency",
	"payload",
	"metadata",
	"locked_until",
	"created_at",
	"processed_at",
	"abandoned_at",
	"started_attempts",
	"finished_attempts",
}

// Row is the flat, nullable-aware shape used when scanning a database row
// with pgx (via (*pgx.Rows).Scan or pgx.RowToStructByName) before it is
// converted into the stricter Message type. Using a dedicated scan target
// keeps Message itself free of sql.Null* noise.
type Row struct {
	ID               uuid.UUID `db:"id"`
	AggregateType    string    `db:"aggregate_type"`
	AggregateID      string    `db:"aggregate_id"`
	MessageType      string    `db:"message_type"`
	Segment          *string   `db:"segment"`
	Concurrency      string    `db:"concurrency"`
	Payload          []byte    `db:"payload"`
	Metadata         []byte    `db:"metadata"`
	LockedUntil      time.Time `db:"locked_until"`
	CreatedAt        time.Time `db:"created_at"`
	ProcessedAt      *time.Time `db:"processed_at"`
	AbandonedAt      *time.Time `db:"abandoned_at"`
	StartedAttempts  int16     `db:"started_attempts"`
	FinishedAttempts int16     `db:"finished_attempts"`
}

// ToMessage converts a scanned Row into a Message.
func (r Row) ToMessage() Message {
	m := Message{
		ID:               r.ID,
		AggregateType:    r.AggregateType,
		AggregateID:      r.AggregateID,
		MessageType:      r.MessageType,
		Concurrency:      Concurrency(r.Concurrency),
		Payload:          r.Payload,
		LockedUntil:      r.LockedUntil,
		CreatedAt:        r.CreatedAt,
		ProcessedAt:      r.ProcessedAt,
		AbandonedAt:      r.AbandonedAt,
		StartedAttempts:  int(r.StartedAttempts),
		FinishedAttempts: int(r.FinishedAttempts),
	}
	if r.Segment != nil {
		m.Segment = *r.Segment
	}
	if len(r.Metadata) > 0 {
		m.Metadata = r.Metadata
	}
	return m
}

// FromMessage builds an insert-ready Row from a Message. LockedUntil,
// CreatedAt and the attempt counters are left at their zero values since
// storeMessage relies on the table's column defaults for those.
func FromMessage(m Message) Row {
	row := Row{
		ID:            m.ID,
		AggregateType: m.AggregateType,
		AggregateID:   m.AggregateID,
		MessageType:   m.MessageType,
		Concurrency:   string(m.Concurrency),
		Payload:       m.Payload,
		Metadata:      m.Metadata,
	}
	if m.Segment != "" {
		s := m.Segment
		row.Segment = &s
	}
	return row
}
