package replication

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/outboxkit/outboxkit/outboxerr"
)

func TestDefaultRestartStrategySlotInUse(t *testing.T) {
	s := DefaultRestartStrategy{}
	err := &pgconn.PgError{Code: pgCodeSlotInUse, Routine: pgRoutineSlotAcq}

	delay, level := s.Decide(err)
	if delay != DefaultRestartDelaySlotInUse {
		t.Errorf("delay = %v, want %v", delay, DefaultRestartDelaySlotInUse)
	}
	if level != zerolog.TraceLevel {
		t.Errorf("level = %v, want trace", level)
	}
}

func TestDefaultRestartStrategyUndefinedSlot(t *testing.T) {
	s := DefaultRestartStrategy{RestartDelay: 5 * time.Millisecond}
	err := &pgconn.PgError{Code: pgCodeUndefined, Routine: pgRoutineSlotAcq}

	delay, _ := s.Decide(err)
	if delay != 5*time.Millisecond {
		t.Errorf("delay = %v, want 5ms", delay)
	}
}

func TestDefaultRestartStrategyHandlingFailedIsSilent(t *testing.T) {
	s := DefaultRestartStrategy{}
	err := outboxerr.New(outboxerr.HandlingFailed, errors.New("boom"))

	delay, level := s.Decide(err)
	if delay != DefaultRestartDelay {
		t.Errorf("delay = %v, want %v", delay, DefaultRestartDelay)
	}
	if level != zerolog.NoLevel {
		t.Errorf("level = %v, want NoLevel (do not log)", level)
	}
}

func TestDefaultRestartStrategyOtherErrorLogsAtError(t *testing.T) {
	s := DefaultRestartStrategy{}
	delay, level := s.Decide(errors.New("connection reset"))

	if delay != DefaultRestartDelay {
		t.Errorf("delay = %v, want %v", delay, DefaultRestartDelay)
	}
	if level != zerolog.ErrorLevel {
		t.Errorf("level = %v, want error", level)
	}
}

func TestIsUndefinedSlot(t *testing.T) {
	if !isUndefinedSlot(&pgconn.PgError{Code: pgCodeUndefined, Routine: pgRoutineSlotAcq}) {
		t.Error("expected true for matching code+routine")
	}
	if isUndefinedSlot(&pgconn.PgError{Code: pgCodeSlotInUse, Routine: pgRoutineSlotAcq}) {
		t.Error("expected false for a different code")
	}
	if isUndefinedSlot(errors.New("not a pg error")) {
		t.Error("expected false for a non-PgError")
	}
}
