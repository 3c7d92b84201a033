// Package setup builds the DDL and configuration scripts an operator
// runs once to provision an outbox or inbox table, following spec.md
// §6.1-§6.3: the canonical table shape, its indexes, the replication
// publication, and the polling batch function.
package setup

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// TableConfig names the schema, table, and roles a script provisions.
type TableConfig struct {
	Schema string
	Table  string

	// HandlerRole is granted SELECT/INSERT/DELETE plus a column-scoped
	// UPDATE on the mutable columns (spec.md §6.1).
	HandlerRole string
	// ListenerRole is granted full DML and, for replication, REPLICATION.
	ListenerRole string
}

// ReplicationConfig adds the publication/slot names a replication setup
// script needs, per spec.md §6.2.
type ReplicationConfig struct {
	TableConfig
	Publication string
	Slot        string
}

// PollingConfig adds the batch function name a polling setup script
// needs, per spec.md §6.3.
type PollingConfig struct {
	TableConfig
	Function string
	// RowLockSeconds is the duration a batch function's SELECT ... FOR
	// UPDATE SKIP LOCKED row lock extends locked_until by.
	RowLockSeconds int
	// NotifyChannel, if set, adds an AFTER INSERT trigger that calls
	// pg_notify on this channel, letting polling.Listener wake up
	// early via LISTEN instead of waiting out a full PollInterval.
	NotifyChannel string
}

func (c TableConfig) qualifiedTable() string {
	return pgx.Identifier{c.Schema, c.Table}.Sanitize()
}

func identIndex(table, suffix string) string {
	return pgx.Identifier{fmt.Sprintf("%s_%s_idx", table, suffix)}.Sanitize()
}

// Exporter builds the two setup scripts named in spec.md §6.4's
// DatabaseSetupExporter.
type Exporter struct{}

// NewExporter returns an Exporter. It holds no state; every method is
// a pure string-building function of its argument.
func NewExporter() Exporter { return Exporter{} }

// CreateReplicationScript emits the full DDL for a replication-backed
// listener: the table, its indexes, role grants, and the publication
// (spec.md §6.1-§6.2). The replication slot itself is created at
// runtime by replication.Listener (CreateSlotIfMissing), not by this
// script, since pg_create_logical_replication_slot must run outside a
// transaction block and is naturally idempotency-checked by the
// listener instead.
func (Exporter) CreateReplicationScript(cfg ReplicationConfig) string {
	var b strings.Builder
	writeTableDDL(&b, cfg.TableConfig)
	writeRoleGrants(&b, cfg.TableConfig, true)

	fmt.Fprintf(&b, "\n-- Publication for logical replication (spec.md %s)\n", "§6.2")
	fmt.Fprintf(&b, "CREATE PUBLICATION %s FOR TABLE %s WITH (publish = 'insert');\n",
		pgx.Identifier{cfg.Publication}.Sanitize(), cfg.qualifiedTable())

	fmt.Fprintf(&b, "\n-- The replication slot %q is created on first connect by the\n", cfg.Slot)
	b.WriteString("-- listener process itself (pgoutput plugin), not by this script.\n")

	return b.String()
}

// CreatePollingScript emits the full DDL for a polling-backed listener:
// the table, its indexes, role grants, and the batch-selecting function
// (spec.md §6.1, §6.3).
func (Exporter) CreatePollingScript(cfg PollingConfig) string {
	var b strings.Builder
	writeTableDDL(&b, cfg.TableConfig)
	writeRoleGrants(&b, cfg.TableConfig, false)

	lockSeconds := cfg.RowLockSeconds
	if lockSeconds <= 0 {
		lockSeconds = 30
	}

	fn := pgx.Identifier{cfg.Schema, cfg.Function}.Sanitize()
	table := cfg.qualifiedTable()

	// The inner WITH picks at most one row per distinct segment (the
	// oldest unfinished one), then fills the rest of the batch with the
	// oldest rows whose segment is NULL, whatever their concurrency value.
	// A row with a segment is only ever selected as its segment's head,
	// even when its concurrency is 'parallel'. So a single call never
	// returns two rows that must be processed in order relative to each
	// other (spec.md §4.5 step 2). FOR UPDATE SKIP LOCKED on the
	// candidates CTE keeps a concurrent call from blocking on rows
	// already claimed by this one.
	fmt.Fprintf(&b, "\n-- Batch-selecting function (spec.md %s)\n", "§6.3")
	fmt.Fprintf(&b, `CREATE OR REPLACE FUNCTION %s(max_size INTEGER)
RETURNS SETOF %s
LANGUAGE plpgsql
AS $$
BEGIN
  IF max_size < 1 THEN
    RAISE EXCEPTION 'max_size must be at least 1' USING ERRCODE = 'MAXNR';
  END IF;

  RETURN QUERY
  UPDATE %s
  SET locked_until = now() + interval '%d seconds',
      started_attempts = started_attempts + 1
  WHERE id IN (
    WITH candidates AS (
      SELECT id, segment, created_at
      FROM %s
      WHERE processed_at IS NULL
        AND abandoned_at IS NULL
        AND locked_until <= now()
      FOR UPDATE SKIP LOCKED
    ),
    segment_heads AS (
      SELECT DISTINCT ON (segment) id, created_at
      FROM candidates
      WHERE segment IS NOT NULL
      ORDER BY segment, created_at
    ),
    selectable AS (
      SELECT id, created_at FROM segment_heads
      UNION ALL
      SELECT id, created_at FROM candidates WHERE segment IS NULL
    )
    SELECT id FROM selectable
    ORDER BY created_at
    LIMIT max_size
  )
  RETURNING *;
END;
$$;
`, fn, table, table, lockSeconds, table)

	if cfg.NotifyChannel != "" {
		writeNotifyTrigger(&b, cfg.TableConfig, cfg.NotifyChannel)
	}

	return b.String()
}

// writeNotifyTrigger emits a trigger function and trigger that calls
// pg_notify on every insert, so a listener using pubsub.Postgres can
// LISTEN on channel and poll early instead of only on PollInterval.
func writeNotifyTrigger(b *strings.Builder, cfg TableConfig, channel string) {
	table := cfg.qualifiedTable()
	fnName := pgx.Identifier{cfg.Schema, cfg.Table + "_notify"}.Sanitize()
	trigName := pgx.Identifier{cfg.Table + "_notify_trg"}.Sanitize()

	fmt.Fprintf(b, "\n-- Wake-up notification for low-latency polling\n")
	fmt.Fprintf(b, `CREATE OR REPLACE FUNCTION %s() RETURNS trigger
LANGUAGE plpgsql
AS $$
BEGIN
  PERFORM pg_notify(%s, '');
  RETURN NEW;
END;
$$;
`, fnName, pgQuoteLiteral(channel))
	fmt.Fprintf(b, "DROP TRIGGER IF EXISTS %s ON %s;\n", trigName, table)
	fmt.Fprintf(b, "CREATE TRIGGER %s AFTER INSERT ON %s FOR EACH ROW EXECUTE FUNCTION %s();\n", trigName, table, fnName)
}

func pgQuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func writeTableDDL(b *strings.Builder, cfg TableConfig) {
	table := cfg.qualifiedTable()

	fmt.Fprintf(b, "-- Table (spec.md §6.1)\n")
	fmt.Fprintf(b, `CREATE TABLE IF NOT EXISTS %s (
  id                UUID PRIMARY KEY,
  aggregate_type    TEXT NOT NULL,
  aggregate_id      TEXT NOT NULL,
  message_type      TEXT NOT NULL,
  segment           TEXT,
  concurrency       TEXT NOT NULL DEFAULT 'sequential'
                    CHECK (concurrency IN ('sequential', 'parallel')),
  payload           JSONB NOT NULL,
  metadata          JSONB,
  locked_until      TIMESTAMPTZ NOT NULL DEFAULT to_timestamp(0),
  created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  processed_at      TIMESTAMPTZ,
  abandoned_at      TIMESTAMPTZ,
  started_attempts  SMALLINT NOT NULL DEFAULT 0,
  finished_attempts SMALLINT NOT NULL DEFAULT 0
);
`, table)

	fmt.Fprintf(b, "CREATE INDEX IF NOT EXISTS %s ON %s (segment);\n", identIndex(cfg.Table, "segment"), table)
	fmt.Fprintf(b, "CREATE INDEX IF NOT EXISTS %s ON %s (created_at);\n", identIndex(cfg.Table, "created_at"), table)
	fmt.Fprintf(b, "CREATE INDEX IF NOT EXISTS %s ON %s (processed_at);\n", identIndex(cfg.Table, "processed_at"), table)
	fmt.Fprintf(b, "CREATE INDEX IF NOT EXISTS %s ON %s (abandoned_at);\n", identIndex(cfg.Table, "abandoned_at"), table)
}

func writeRoleGrants(b *strings.Builder, cfg TableConfig, replication bool) {
	table := cfg.qualifiedTable()

	if cfg.HandlerRole != "" {
		role := pgx.Identifier{cfg.HandlerRole}.Sanitize()
		fmt.Fprintf(b, "\n-- Handler role: read/insert/delete, column-scoped update\n")
		fmt.Fprintf(b, "GRANT SELECT, INSERT, DELETE ON %s TO %s;\n", table, role)
		fmt.Fprintf(b, "GRANT UPDATE (locked_until, processed_at, abandoned_at, started_attempts, finished_attempts) ON %s TO %s;\n", table, role)
	}

	if cfg.ListenerRole != "" {
		role := pgx.Identifier{cfg.ListenerRole}.Sanitize()
		fmt.Fprintf(b, "\n-- Listener role: full DML")
		if replication {
			b.WriteString(" plus REPLICATION\n")
			fmt.Fprintf(b, "ALTER ROLE %s WITH REPLICATION;\n", role)
		} else {
			b.WriteString("\n")
		}
		fmt.Fprintf(b, "GRANT SELECT, INSERT, UPDATE, DELETE ON %s TO %s;\n", table, role)
	}
}
