package message_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/outboxkit/outboxkit/message"
)

func TestRowToMessageRoundTripsThroughFromMessage(t *testing.T) {
	now := time.Now().UTC()
	m := message.Message{
		ID:            uuid.New(),
		AggregateType: "order",
		AggregateID:   "O-1",
		MessageType:   "order_placed",
		Segment:       "O-1",
		Concurrency:   message.Sequential,
		Payload:       []byte(`{"total":42}`),
		Metadata:      []byte(`{"trace_id":"abc"}`),
		CreatedAt:     now,
	}

	row := message.FromMessage(m)
	if row.Segment == nil || *row.Segment != "O-1" {
		t.Fatalf("FromMessage: expected Segment pointer to \"O-1\", got %v", row.Segment)
	}

	got := row.ToMessage()
	if got.ID != m.ID || got.AggregateType != m.AggregateType || got.AggregateID != m.AggregateID {
		t.Fatalf("round trip changed identity fields: got %+v, want %+v", got, m)
	}
	if got.Segment != m.Segment {
		t.Errorf("Segment: got %q, want %q", got.Segment, m.Segment)
	}
	if got.Concurrency != m.Concurrency {
		t.Errorf("Concurrency: got %q, want %q", got.Concurrency, m.Concurrency)
	}
	if string(got.Metadata) != string(m.Metadata) {
		t.Errorf("Metadata: got %s, want %s", got.Metadata, m.Metadata)
	}
}

func TestFromMessageLeavesSegmentNilWhenEmpty(t *testing.T) {
	m := message.New("order", "O-1", "order_placed", []byte(`{}`))
	row := message.FromMessage(m)
	if row.Segment != nil {
		t.Errorf("expected nil Segment for an unsegmented message, got %q", *row.Segment)
	}
}

func TestRowToMessageOmitsEmptyMetadata(t *testing.T) {
	row := message.Row{
		ID:            uuid.New(),
		AggregateType: "order",
		AggregateID:   "O-1",
		MessageType:   "order_placed",
		Concurrency:   string(message.Sequential),
		Payload:       []byte(`{}`),
	}
	got := row.ToMessage()
	if got.Metadata != nil {
		t.Errorf("expected nil Metadata for an empty column, got %q", got.Metadata)
	}
	if got.HasSegment() {
		t.Error("expected HasSegment false for an unsegmented row")
	}
}

func TestConcurrencyValid(t *testing.T) {
	cases := map[message.Concurrency]bool{
		message.Sequential:   true,
		message.Parallel:     true,
		message.Concurrency("bogus"): false,
	}
	for c, want := range cases {
		if got := c.Valid(); got != want {
			t.Errorf("Concurrency(%q).Valid() = %t, want %t", c, got, want)
		}
	}
}
