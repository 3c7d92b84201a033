package replication

import (
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"

	"github.com/outboxkit/outboxkit/outboxerr"
)

func testRelation(cols ...string) relation {
	return relation{namespace: "public", name: "outbox", columns: cols}
}

func textCol(s string) *pglogrepl.TupleDataColumn {
	return &pglogrepl.TupleDataColumn{DataType: 't', Data: []byte(s)}
}

func nullCol() *pglogrepl.TupleDataColumn {
	return &pglogrepl.TupleDataColumn{DataType: 'n'}
}

func validColumns(id uuid.UUID) []*pglogrepl.TupleDataColumn {
	return []*pglogrepl.TupleDataColumn{
		textCol(id.String()),
		textCol("order"),
		textCol("order-1"),
		textCol("created"),
		nullCol(),
		textCol("sequential"),
		textCol(`{"a":1}`),
		nullCol(),
		textCol("2026-07-31 10:00:00+00"),
		textCol("2026-07-31 09:59:00+00"),
		nullCol(),
		nullCol(),
		textCol("1"),
		textCol("0"),
	}
}

func TestDecodeInsertSuccess(t *testing.T) {
	rel := testRelation(
		"id", "aggregate_type", "aggregate_id", "message_type", "segment",
		"concurrency", "payload", "metadata", "locked_until", "created_at",
		"processed_at", "abandoned_at", "started_attempts", "finished_attempts",
	)
	id := uuid.New()
	ins := &pglogrepl.InsertMessage{Tuple: &pglogrepl.TupleData{Columns: validColumns(id)}}

	msg, err := decodeInsert(rel, ins)
	if err != nil {
		t.Fatalf("decodeInsert: %v", err)
	}
	if msg.ID != id {
		t.Errorf("ID = %s, want %s", msg.ID, id)
	}
	if msg.AggregateType != "order" || msg.AggregateID != "order-1" || msg.MessageType != "created" {
		t.Errorf("unexpected identity fields: %+v", msg)
	}
	if msg.Segment != "" {
		t.Errorf("Segment = %q, want empty (null column)", msg.Segment)
	}
	if string(msg.Concurrency) != "sequential" {
		t.Errorf("Concurrency = %q", msg.Concurrency)
	}
	if string(msg.Payload) != `{"a":1}` {
		t.Errorf("Payload = %s", msg.Payload)
	}
	if msg.Metadata != nil {
		t.Errorf("Metadata = %s, want nil", msg.Metadata)
	}
	if msg.StartedAttempts != 1 || msg.FinishedAttempts != 0 {
		t.Errorf("attempts = %d/%d", msg.StartedAttempts, msg.FinishedAttempts)
	}
}

func TestDecodeInsertMissingColumn(t *testing.T) {
	rel := testRelation("id", "aggregate_type")
	ins := &pglogrepl.InsertMessage{Tuple: &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		textCol(uuid.New().String()),
		textCol("order"),
	}}}

	_, err := decodeInsert(rel, ins)
	var oerr *outboxerr.Error
	if err == nil {
		t.Fatal("expected an error for a relation missing required columns")
	}
	if !asOutboxErr(err, &oerr) || oerr.Code != outboxerr.DecodeFailed {
		t.Errorf("err = %v, want outboxerr.DecodeFailed", err)
	}
}

func TestDecodeInsertBadUUID(t *testing.T) {
	rel := testRelation(
		"id", "aggregate_type", "aggregate_id", "message_type", "segment",
		"concurrency", "payload", "metadata", "locked_until", "created_at",
		"processed_at", "abandoned_at", "started_attempts", "finished_attempts",
	)
	cols := validColumns(uuid.New())
	cols[0] = textCol("not-a-uuid")
	ins := &pglogrepl.InsertMessage{Tuple: &pglogrepl.TupleData{Columns: cols}}

	_, err := decodeInsert(rel, ins)
	var oerr *outboxerr.Error
	if !asOutboxErr(err, &oerr) || oerr.Code != outboxerr.DecodeFailed {
		t.Errorf("err = %v, want outboxerr.DecodeFailed for a malformed uuid", err)
	}
}

func TestDecodeInsertInvalidConcurrency(t *testing.T) {
	rel := testRelation(
		"id", "aggregate_type", "aggregate_id", "message_type", "segment",
		"concurrency", "payload", "metadata", "locked_until", "created_at",
		"processed_at", "abandoned_at", "started_attempts", "finished_attempts",
	)
	cols := validColumns(uuid.New())
	cols[5] = textCol("whenever")
	ins := &pglogrepl.InsertMessage{Tuple: &pglogrepl.TupleData{Columns: cols}}

	_, err := decodeInsert(rel, ins)
	var oerr *outboxerr.Error
	if !asOutboxErr(err, &oerr) || oerr.Code != outboxerr.DecodeFailed {
		t.Errorf("err = %v, want outboxerr.DecodeFailed for an invalid concurrency value", err)
	}
}

func TestRelationMatches(t *testing.T) {
	rel := relation{namespace: "app", name: "outbox_messages"}
	if !rel.matches("app", "outbox_messages") {
		t.Error("expected matches to be true for identical schema/table")
	}
	if rel.matches("app", "other_table") {
		t.Error("expected matches to be false for a different table")
	}
}

// asOutboxErr is a tiny errors.As wrapper kept local to the test file to
// avoid importing "errors" just for this one assertion pattern.
func asOutboxErr(err error, target **outboxerr.Error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if oe, ok := err.(*outboxerr.Error); ok {
			*target = oe
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
