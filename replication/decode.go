package replication

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"

	"github.com/outboxkit/outboxkit/message"
	"github.com/outboxkit/outboxkit/outboxerr"
)

// pgTimestampLayout is the text-format layout Postgres emits for
// timestamptz columns in pgoutput tuples (e.g. "+00" with a UTC session).
// The zone offset is required: a value with no offset, as a plain
// timestamp column would carry, fails to parse against this layout.
const pgTimestampLayout = "2006-01-02 15:04:05.999999999Z07"

// relation is the subset of a pgoutput RelationMessage this package
// needs: the column order and names, used to map tuple columns back to
// message.Columns by name rather than by position, since a publication
// may list columns in any order.
type relation struct {
	namespace string
	name      string
	columns   []string
}

func newRelation(m *pglogrepl.RelationMessage) relation {
	cols := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		cols[i] = c.Name
	}
	return relation{namespace: m.Namespace, name: m.RelationName, columns: cols}
}

// matches reports whether rel is the configured schema+table this
// listener is filtering for.
func (r relation) matches(schema, table string) bool {
	return r.namespace == schema && r.name == table
}

// decodeInsert maps an InsertMessage's tuple columns, by name, onto
// message.Columns and parses each into a message.Message. It fails with
// outboxerr.DecodeFailed on any missing or unparseable required column
// rather than silently zero-valuing a field.
func decodeInsert(rel relation, ins *pglogrepl.InsertMessage) (message.Message, error) {
	raw := make(map[string][]byte, len(rel.columns))
	null := make(map[string]bool, len(rel.columns))

	if len(ins.Tuple.Columns) != len(rel.columns) {
		return message.Message{}, outboxerr.Newf(outboxerr.DecodeFailed,
			"replication: tuple has %d columns, relation %s.%s has %d", len(ins.Tuple.Columns), rel.namespace, rel.name, len(rel.columns))
	}

	for i, col := range ins.Tuple.Columns {
		name := rel.columns[i]
		switch col.DataType {
		case 'n': // null
			null[name] = true
		case 'u': // unchanged TOAST value; never sent on INSERT
			return message.Message{}, outboxerr.Newf(outboxerr.DecodeFailed,
				"replication: column %q is an unchanged TOAST value on an INSERT, which should never happen", name)
		case 't': // text
			raw[name] = col.Data
		default:
			return message.Message{}, outboxerr.Newf(outboxerr.DecodeFailed,
				"replication: column %q has unknown tuple data type %q", name, string(col.DataType))
		}
	}

	get := func(name string) ([]byte, bool, error) {
		if null[name] {
			return nil, true, nil
		}
		b, ok := raw[name]
		if !ok {
			return nil, false, outboxerr.Newf(outboxerr.DecodeFailed, "replication: missing required column %q", name)
		}
		return b, false, nil
	}

	var m message.Message
	var err error

	if m.ID, err = parseUUID(get, "id"); err != nil {
		return message.Message{}, err
	}
	if m.AggregateType, err = parseText(get, "aggregate_type"); err != nil {
		return message.Message{}, err
	}
	if m.AggregateID, err = parseText(get, "aggregate_id"); err != nil {
		return message.Message{}, err
	}
	if m.MessageType, err = parseText(get, "message_type"); err != nil {
		return message.Message{}, err
	}
	if m.Segment, err = parseOptionalText(get, "segment"); err != nil {
		return message.Message{}, err
	}
	concurrency, err := parseText(get, "concurrency")
	if err != nil {
		return message.Message{}, err
	}
	m.Concurrency = message.Concurrency(concurrency)
	if !m.Concurrency.Valid() {
		return message.Message{}, outboxerr.Newf(outboxerr.DecodeFailed, "replication: invalid concurrency value %q", concurrency)
	}
	if m.Payload, err = parseJSON(get, "payload"); err != nil {
		return message.Message{}, err
	}
	if metadata, err := parseOptionalJSON(get, "metadata"); err != nil {
		return message.Message{}, err
	} else {
		m.Metadata = metadata
	}
	if m.LockedUntil, err = parseTimestamp(get, "locked_until"); err != nil {
		return message.Message{}, err
	}
	if m.CreatedAt, err = parseTimestamp(get, "created_at"); err != nil {
		return message.Message{}, err
	}
	if m.ProcessedAt, err = parseOptionalTimestamp(get, "processed_at"); err != nil {
		return message.Message{}, err
	}
	if m.AbandonedAt, err = parseOptionalTimestamp(get, "abandoned_at"); err != nil {
		return message.Message{}, err
	}
	if m.StartedAttempts, err = parseInt(get, "started_attempts"); err != nil {
		return message.Message{}, err
	}
	if m.FinishedAttempts, err = parseInt(get, "finished_attempts"); err != nil {
		return message.Message{}, err
	}

	return m, nil
}

type getter func(name string) ([]byte, bool, error)

func parseText(get getter, name string) (string, error) {
	b, isNull, err := get(name)
	if err != nil {
		return "", err
	}
	if isNull {
		return "", outboxerr.Newf(outboxerr.DecodeFailed, "replication: required column %q is null", name)
	}
	return string(b), nil
}

func parseOptionalText(get getter, name string) (string, error) {
	b, isNull, err := get(name)
	if err != nil {
		return "", err
	}
	if isNull {
		return "", nil
	}
	return string(b), nil
}

func parseUUID(get getter, name string) (uuid.UUID, error) {
	b, isNull, err := get(name)
	if err != nil {
		return uuid.UUID{}, err
	}
	if isNull {
		return uuid.UUID{}, outboxerr.Newf(outboxerr.DecodeFailed, "replication: required column %q is null", name)
	}
	id, err := uuid.Parse(string(b))
	if err != nil {
		return uuid.UUID{}, outboxerr.Newf(outboxerr.DecodeFailed, "replication: column %q is not a valid uuid: %v", name, err)
	}
	return id, nil
}

func parseInt(get getter, name string) (int, error) {
	b, isNull, err := get(name)
	if err != nil {
		return 0, err
	}
	if isNull {
		return 0, outboxerr.Newf(outboxerr.DecodeFailed, "replication: required column %q is null", name)
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, outboxerr.Newf(outboxerr.DecodeFailed, "replication: column %q is not an integer: %v", name, err)
	}
	return n, nil
}

func parseTimestamp(get getter, name string) (time.Time, error) {
	b, isNull, err := get(name)
	if err != nil {
		return time.Time{}, err
	}
	if isNull {
		return time.Time{}, outboxerr.Newf(outboxerr.DecodeFailed, "replication: required column %q is null", name)
	}
	t, err := time.Parse(pgTimestampLayout, string(b))
	if err != nil {
		return time.Time{}, outboxerr.Newf(outboxerr.DecodeFailed, "replication: column %q is not a parseable timestamp: %v", name, err)
	}
	return t, nil
}

func parseOptionalTimestamp(get getter, name string) (*time.Time, error) {
	b, isNull, err := get(name)
	if err != nil {
		return nil, err
	}
	if isNull {
		return nil, nil
	}
	t, err := time.Parse(pgTimestampLayout, string(b))
	if err != nil {
		return nil, outboxerr.Newf(outboxerr.DecodeFailed, "replication: column %q is not a parseable timestamp: %v", name, err)
	}
	return &t, nil
}

func parseJSON(get getter, name string) (json.RawMessage, error) {
	b, isNull, err := get(name)
	if err != nil {
		return nil, err
	}
	if isNull {
		return nil, outboxerr.Newf(outboxerr.DecodeFailed, "replication: required column %q is null", name)
	}
	if !json.Valid(b) {
		return nil, outboxerr.Newf(outboxerr.DecodeFailed, "replication: column %q is not valid json", name)
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func parseOptionalJSON(get getter, name string) (json.RawMessage, error) {
	b, isNull, err := get(name)
	if err != nil {
		return nil, err
	}
	if isNull || len(b) == 0 {
		return nil, nil
	}
	if !json.Valid(b) {
		return nil, outboxerr.Newf(outboxerr.DecodeFailed, "replication: column %q is not valid json", name)
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}
