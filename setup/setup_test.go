package setup

import (
	"strings"
	"testing"
)

func TestCreateReplicationScriptContainsCoreDDL(t *testing.T) {
	e := NewExporter()
	sql := e.CreateReplicationScript(ReplicationConfig{
		TableConfig: TableConfig{
			Schema:       "app",
			Table:        "outbox",
			HandlerRole:  "outbox_handler",
			ListenerRole: "outbox_listener",
		},
		Publication: "outbox_pub",
		Slot:        "outbox_slot",
	})

	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "app"."outbox"`,
		"id                UUID PRIMARY KEY",
		`CREATE INDEX IF NOT EXISTS "outbox_segment_idx" ON "app"."outbox" (segment);`,
		`GRANT SELECT, INSERT, DELETE ON "app"."outbox" TO "outbox_handler";`,
		`ALTER ROLE "outbox_listener" WITH REPLICATION;`,
		`CREATE PUBLICATION "outbox_pub" FOR TABLE "app"."outbox" WITH (publish = 'insert');`,
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("script missing expected fragment: %q\n--- full script ---\n%s", want, sql)
		}
	}

	// The slot itself must NOT be created by the script (runtime-created
	// by replication.Listener instead).
	if strings.Contains(sql, "CREATE_REPLICATION_SLOT") || strings.Contains(sql, "pg_create_logical_replication_slot(") {
		t.Error("script should not emit slot-creation SQL")
	}
}

func TestCreatePollingScriptContainsFunctionAndDefaults(t *testing.T) {
	e := NewExporter()
	sql := e.CreatePollingScript(PollingConfig{
		TableConfig: TableConfig{Schema: "app", Table: "inbox"},
		Function:    "next_inbox_messages",
	})

	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "app"."inbox"`,
		`CREATE OR REPLACE FUNCTION "app"."next_inbox_messages"(max_size INTEGER)`,
		"RETURNS SETOF \"app\".\"inbox\"",
		"RAISE EXCEPTION 'max_size must be at least 1' USING ERRCODE = 'MAXNR';",
		"SET locked_until = now() + interval '30 seconds',",
		"started_attempts = started_attempts + 1",
		"FOR UPDATE SKIP LOCKED",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("script missing expected fragment: %q\n--- full script ---\n%s", want, sql)
		}
	}
}

// TestCreatePollingScriptSelectsAtMostOneRowPerSegment guards the batch
// function's per-segment CTE: a single call must never be able to
// return two rows of the same segment for the polling listener to fan
// out concurrently.
func TestCreatePollingScriptSelectsAtMostOneRowPerSegment(t *testing.T) {
	e := NewExporter()
	sql := e.CreatePollingScript(PollingConfig{
		TableConfig: TableConfig{Schema: "app", Table: "inbox"},
		Function:    "next_inbox_messages",
	})

	for _, want := range []string{
		"SELECT DISTINCT ON (segment) id, created_at",
		"FROM candidates",
		"WHERE segment IS NOT NULL",
		"ORDER BY segment, created_at",
		"SELECT id, created_at FROM candidates WHERE segment IS NULL",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("script missing per-segment selection fragment: %q\n--- full script ---\n%s", want, sql)
		}
	}
}

func TestCreatePollingScriptHonorsRowLockSeconds(t *testing.T) {
	e := NewExporter()
	sql := e.CreatePollingScript(PollingConfig{
		TableConfig:    TableConfig{Schema: "app", Table: "inbox"},
		Function:       "next_inbox_messages",
		RowLockSeconds: 90,
	})
	if !strings.Contains(sql, "interval '90 seconds'") {
		t.Errorf("expected a 90 second lock interval, got:\n%s", sql)
	}
}

