// Package store implements storeMessage (spec.md §4.2): inserting a
// message row inside the caller's own business transaction, idempotent on
// primary-key conflict.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/outboxkit/outboxkit/dbx"
	"github.com/outboxkit/outboxkit/message"
	"github.com/outboxkit/outboxkit/outboxerr"
)

// Config names the table storeMessage writes to.
type Config struct {
	Schema string
	Table  string
}

func (c Config) qualifiedTable() string {
	return pgx.Identifier{c.Schema, c.Table}.Sanitize()
}

// Storer exposes storeMessage against a single outbox or inbox table.
type Storer struct {
	cfg Config
	log *zerolog.Logger
}

// New returns a Storer writing to cfg.Schema.cfg.Table.
func New(cfg Config, log *zerolog.Logger) *Storer {
	return &Storer{cfg: cfg, log: log}
}

// Store inserts msg via db, which must already be participating in the
// caller's business transaction: a dbx.Tx (for example the one dbx.WithTx
// hands its callback), or anything else satisfying dbx.Querier. A bare
// *pgxpool.Pool or pgx.Tx does not satisfy dbx.Querier, since its Query
// returns pgx.Rows. If a row with msg.ID already exists, the
// insert is a no-op: Store logs at warn level and returns nil
// (spec.md §4.2 invariant 1 - idempotence on primary-key conflict).
func (s *Storer) Store(ctx context.Context, db dbx.Querier, msg message.Message) error {
	row := message.FromMessage(msg)

	query := fmt.Sprintf(`
		INSERT INTO %s (id, aggregate_type, aggregate_id, message_type, segment, concurrency, payload, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, s.cfg.qualifiedTable())

	tag, err := db.Exec(ctx, query,
		row.ID, row.AggregateType, row.AggregateID, row.MessageType,
		row.Segment, row.Concurrency, row.Payload, row.Metadata,
	)
	if err != nil {
		return outboxerr.WithMessage(outboxerr.StorageFailed, outboxerr.Ident{
			ID: msg.ID, AggregateType: msg.AggregateType, MessageType: msg.MessageType,
		}, err)
	}

	if tag.RowsAffected() == 0 {
		s.log.Warn().
			Str("message_id", msg.ID.String()).
			Str("aggregate_type", msg.AggregateType).
			Str("message_type", msg.MessageType).
			Msg("storeMessage: row already exists, skipping insert")
	}

	return nil
}
