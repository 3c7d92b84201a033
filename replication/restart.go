package replication

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/outboxkit/outboxkit/outboxerr"
)

// Postgres error details the restart strategy branches on (spec.md §4.4).
const (
	pgCodeSlotInUse  = "55006"
	pgCodeUndefined  = "42704"
	pgRoutineSlotAcq = "ReplicationSlotAcquire"
)

// RestartStrategy decides how long to wait, and whether to log, before
// reconnecting after a stream attempt ends in err. Implementations must
// be safe to call from the listener's single receive goroutine only; no
// concurrent calls occur.
type RestartStrategy interface {
	Decide(err error) (delay time.Duration, logLevel zerolog.Level)
}

// DefaultRestartStrategy implements the restart table of spec.md §4.4.
type DefaultRestartStrategy struct {
	// RestartDelay is the wait before retrying a transient or
	// handling-failure restart. Defaults to 250ms if zero.
	RestartDelay time.Duration
	// RestartDelaySlotInUse is the wait before retrying when the slot is
	// held by another process. Defaults to 10s if zero.
	RestartDelaySlotInUse time.Duration
}

const (
	DefaultRestartDelay          = 250 * time.Millisecond
	DefaultRestartDelaySlotInUse = 10 * time.Second
)

func (s DefaultRestartStrategy) delay() time.Duration {
	if s.RestartDelay <= 0 {
		return DefaultRestartDelay
	}
	return s.RestartDelay
}

func (s DefaultRestartStrategy) delaySlotInUse() time.Duration {
	if s.RestartDelaySlotInUse <= 0 {
		return DefaultRestartDelaySlotInUse
	}
	return s.RestartDelaySlotInUse
}

// Decide implements RestartStrategy.
func (s DefaultRestartStrategy) Decide(err error) (time.Duration, zerolog.Level) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Routine == pgRoutineSlotAcq {
		switch pgErr.Code {
		case pgCodeSlotInUse:
			return s.delaySlotInUse(), zerolog.TraceLevel
		case pgCodeUndefined:
			return s.delay(), zerolog.WarnLevel
		}
	}

	var outboxErr *outboxerr.Error
	if errors.As(err, &outboxErr) && outboxErr.Code == outboxerr.HandlingFailed {
		return s.delay(), zerolog.NoLevel
	}

	return s.delay(), zerolog.ErrorLevel
}
