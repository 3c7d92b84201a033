// Package dispatch implements the dispatch pipeline (spec.md §4.6): the
// sequence every message, whether handed to it by the replication or the
// polling listener, passes through — verify, acquire, invoke, finalize,
// retry/poison — ending in exactly one terminal Outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/outboxkit/outboxkit/concurrency"
	"github.com/outboxkit/outboxkit/dbx"
	"github.com/outboxkit/outboxkit/message"
	"github.com/outboxkit/outboxkit/outboxerr"
)

// Source distinguishes the caller that handed the message to the
// pipeline, since step 2 (increment startedAttempts) only applies to
// the replication listener: polling's batch function already bumped it.
type Source string

const (
	SourceReplication Source = "replication"
	SourcePolling     Source = "polling"
)

// Outcome is the terminal disposition of one Handle call.
type Outcome string

const (
	OutcomeProcessed          Outcome = "processed"
	OutcomeAlreadyProcessed   Outcome = "already_processed"
	OutcomeNotFound           Outcome = "not_found"
	OutcomeAbandonedAlready   Outcome = "abandoned_already"
	OutcomeMaxAttemptsReached Outcome = "max_attempts_exceeded"
	OutcomePoisonous          Outcome = "poisonous"
	OutcomeAbandonedByRetry   Outcome = "abandoned_by_retry"
	OutcomeTransientRetry     Outcome = "transient_retry"
)

// DefaultMaxAttempts and DefaultMaxPoisonousAttempts are the pipeline's
// fallback thresholds when Config leaves them zero.
const (
	DefaultMaxAttempts          = 5
	DefaultMaxPoisonousAttempts = 3
)

// Config names the table a Pipeline verifies and finalizes rows against.
type Config struct {
	Schema string
	Table  string
}

func (c Config) qualifiedTable() string {
	return pgx.Identifier{c.Schema, c.Table}.Sanitize()
}

// Option configures optional Pipeline behavior, following the struct
// options pattern the teacher toolbox uses for kv.PostgresStore.
type Option func(*Pipeline)

func WithRetryStrategy(r RetryStrategy) Option {
	return func(p *Pipeline) { p.retry = r }
}

func WithTimeoutStrategy(t TimeoutStrategy) Option {
	return func(p *Pipeline) { p.timeout = t }
}

func WithMaxAttempts(n int) Option {
	return func(p *Pipeline) { p.maxAttempts = n }
}

func WithMaxPoisonousAttempts(n int) Option {
	return func(p *Pipeline) { p.maxPoisonousAttempts = n }
}

// WithFaultInjector installs a hook that runs immediately before every
// finalize commit (success or failure bookkeeping; verify's commit does
// not run it), letting tests simulate a crash mid-dispatch
// (spec.md §8 scenario on crash-then-redeliver poison detection).
func WithFaultInjector(f dbx.FaultInjector) Option {
	return func(p *Pipeline) { p.fault = f }
}

// WithOnOutcome installs a callback invoked once per Handle call with
// its terminal Outcome and wall-clock duration, for callers that want a
// metrics counter without outboxkit importing a metrics client directly
// (spec.md leaves metrics out of scope; this is the plain-callback
// escape hatch).
func WithOnOutcome(f func(outcome Outcome, elapsed time.Duration)) Option {
	return func(p *Pipeline) { p.onOutcome = f }
}

// Pipeline drives spec.md §4.6 for a single outbox/inbox table.
type Pipeline struct {
	cfg        Config
	db         dbx.Beginner
	controller concurrency.Controller
	registry   *Registry
	log        *zerolog.Logger

	retry                RetryStrategy
	timeout              TimeoutStrategy
	maxAttempts          int
	maxPoisonousAttempts int
	fault                dbx.FaultInjector
	onOutcome            func(outcome Outcome, elapsed time.Duration)
}

// New builds a Pipeline. db is typically a *pgxpool.Pool; registry may
// be empty, in which case every message hits marker-success semantics.
func New(cfg Config, db dbx.Beginner, controller concurrency.Controller, registry *Registry, log *zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:                  cfg,
		db:                   db,
		controller:           controller,
		registry:             registry,
		log:                  log,
		retry:                DefaultRetryStrategy{MaxAttempts: DefaultMaxAttempts},
		timeout:              FixedTimeout(DefaultProcessingTimeout),
		maxAttempts:          DefaultMaxAttempts,
		maxPoisonousAttempts: DefaultMaxPoisonousAttempts,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle runs msg through verify, acquire, invoke and finalize, per
// spec.md §4.6. A non-nil error means the row is neither processed nor
// abandoned: a database step failed (coded DBError), Acquire failed
// (coded ConcurrencyCancelled), or the handler failed and the retry
// strategy chose a transient retry (coded HandlingFailed). In every such
// case the caller (the replication listener) must withhold its LSN
// acknowledgement so the stream restart redelivers the row.
func (p *Pipeline) Handle(ctx context.Context, source Source, msg message.Message) (Outcome, error) {
	start := time.Now()

	current, outcome, err := p.verify(ctx, source, msg)
	if err != nil {
		return "", err
	}
	if outcome != "" {
		p.logFinished(current, outcome)
		p.reportOutcome(outcome, start)
		return outcome, nil
	}

	release, err := p.controller.Acquire(ctx, current)
	if err != nil {
		return "", outboxerr.WithMessage(outboxerr.ConcurrencyCancelled, ident(current), err)
	}
	defer release()

	outcome, err = p.invokeAndFinalize(ctx, current)
	p.logFinished(current, outcome)
	p.reportOutcome(outcome, start)
	return outcome, err
}

func (p *Pipeline) reportOutcome(outcome Outcome, start time.Time) {
	if p.onOutcome != nil {
		p.onOutcome(outcome, time.Since(start))
	}
}

// verify re-reads the row FOR UPDATE NOWAIT inside a fresh transaction
// and classifies it per spec.md §4.6 step 1. A non-empty returned
// Outcome means the row is already terminal (or was just made so) and
// Handle must not proceed to acquire/invoke.
func (p *Pipeline) verify(ctx context.Context, source Source, msg message.Message) (message.Message, Outcome, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return msg, "", outboxerr.WithMessage(outboxerr.DBError, ident(msg), err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE NOWAIT`,
		strings.Join(message.Columns, ", "), p.cfg.qualifiedTable())

	var row message.Row
	err = tx.QueryRow(ctx, query, msg.ID).Scan(
		&row.ID, &row.AggregateType, &row.AggregateID, &row.MessageType, &row.Segment,
		&row.Concurrency, &row.Payload, &row.Metadata, &row.LockedUntil, &row.CreatedAt,
		&row.ProcessedAt, &row.AbandonedAt, &row.StartedAttempts, &row.FinishedAttempts,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		if cerr := tx.Commit(ctx); cerr != nil {
			return msg, "", outboxerr.WithMessage(outboxerr.DBError, ident(msg), cerr)
		}
		return msg, OutcomeNotFound, nil
	}
	if err != nil {
		return msg, "", outboxerr.WithMessage(outboxerr.DBError, ident(msg), err)
	}

	current := row.ToMessage()

	switch {
	case current.Processed():
		return current, p.commitVerify(ctx, tx, current, OutcomeAlreadyProcessed)
	case current.Abandoned():
		return current, p.commitVerify(ctx, tx, current, OutcomeAbandonedAlready)
	case current.FinishedAttempts >= p.maxAttempts:
		return current, p.commitVerify(ctx, tx, current, OutcomeMaxAttemptsReached)
	case current.StartedAttempts-current.FinishedAttempts >= p.maxPoisonousAttempts:
		abandonQuery := fmt.Sprintf(`UPDATE %s SET abandoned_at = now(), finished_attempts = finished_attempts + 1 WHERE id = $1`, p.cfg.qualifiedTable())
		if _, err := tx.Exec(ctx, abandonQuery, current.ID); err != nil {
			return current, "", outboxerr.WithMessage(outboxerr.DBError, ident(current), err)
		}
		return current, p.commitVerify(ctx, tx, current, OutcomePoisonous)
	}

	if source == SourceReplication {
		incQuery := fmt.Sprintf(`UPDATE %s SET started_attempts = started_attempts + 1 WHERE id = $1`, p.cfg.qualifiedTable())
		if _, err := tx.Exec(ctx, incQuery, current.ID); err != nil {
			return current, "", outboxerr.WithMessage(outboxerr.DBError, ident(current), err)
		}
		current.StartedAttempts++
	}

	if err := tx.Commit(ctx); err != nil {
		return current, "", outboxerr.WithMessage(outboxerr.DBError, ident(current), err)
	}
	return current, "", nil
}

func (p *Pipeline) commitVerify(ctx context.Context, tx dbx.Tx, msg message.Message, outcome Outcome) Outcome {
	if err := tx.Commit(ctx); err != nil {
		p.log.Error().Err(err).Str("message_id", msg.ID.String()).Msg("dispatch: verify commit failed")
	}
	return outcome
}

// invokeAndFinalize runs the handler inside its own transaction and, on
// success, finalizes the row in that same transaction before one
// commit (spec.md §4.6 step 5, success branch). On handler failure it
// rolls back and opens a fresh transaction for the retry/poison
// decision, per the same step's failure branch.
func (p *Pipeline) invokeAndFinalize(ctx context.Context, msg message.Message) (Outcome, error) {
	handler, ok := p.registry.resolve(msg)

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return "", outboxerr.WithMessage(outboxerr.DBError, ident(msg), err)
	}

	var handlerErr error
	if ok {
		hctx, cancel := dbx.WithTimeout(ctx, p.timeout(msg))
		handlerErr = handler(hctx, tx.Unwrap(), msg)
		cancel()
		if handlerErr == nil && hctx.Err() != nil {
			handlerErr = hctx.Err()
		}
	}

	if handlerErr == nil {
		finalizeQuery := fmt.Sprintf(`UPDATE %s SET processed_at = now(), finished_attempts = finished_attempts + 1 WHERE id = $1`, p.cfg.qualifiedTable())
		if _, err := tx.Exec(ctx, finalizeQuery, msg.ID); err != nil {
			_ = tx.Rollback(ctx)
			return "", outboxerr.WithMessage(outboxerr.DBError, ident(msg), err)
		}
		if p.fault != nil {
			if err := p.fault(ctx); err != nil {
				_ = tx.Rollback(ctx)
				return "", outboxerr.WithMessage(outboxerr.DBError, ident(msg), err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return "", outboxerr.WithMessage(outboxerr.DBError, ident(msg), err)
		}
		return OutcomeProcessed, nil
	}

	_ = tx.Rollback(ctx)

	decision := p.retry.Decide(msg, handlerErr)
	if err := p.finalizeFailure(ctx, msg, decision); err != nil {
		return "", err
	}

	if decision == RetryPermanent {
		return OutcomeAbandonedByRetry, nil
	}

	// Wrapped as HandlingFailed so a replication listener withholds the
	// LSN acknowledgement and restarts the stream, naturally
	// redelivering this row (spec.md §4.4 restart strategy).
	return OutcomeTransientRetry, outboxerr.WithMessage(outboxerr.HandlingFailed, ident(msg), handlerErr)
}

func (p *Pipeline) finalizeFailure(ctx context.Context, msg message.Message, decision RetryDecision) error {
	var query string
	if decision == RetryPermanent {
		query = fmt.Sprintf(`UPDATE %s SET abandoned_at = now(), finished_attempts = finished_attempts + 1 WHERE id = $1`, p.cfg.qualifiedTable())
	} else {
		query = fmt.Sprintf(`UPDATE %s SET finished_attempts = finished_attempts + 1 WHERE id = $1`, p.cfg.qualifiedTable())
	}
	return dbx.WithTx(ctx, p.db, p.fault, func(ctx context.Context, tx dbx.Tx) error {
		_, err := tx.Exec(ctx, query, msg.ID)
		if err != nil {
			return outboxerr.WithMessage(outboxerr.DBError, ident(msg), err)
		}
		return nil
	})
}

func (p *Pipeline) logFinished(msg message.Message, outcome Outcome) {
	p.log.Info().
		Str("message_id", msg.ID.String()).
		Str("aggregate_type", msg.AggregateType).
		Str("message_type", msg.MessageType).
		Str("outcome", string(outcome)).
		Msg("dispatch: finished processing")
}

func ident(msg message.Message) outboxerr.Ident {
	return outboxerr.Ident{ID: msg.ID, AggregateType: msg.AggregateType, MessageType: msg.MessageType}
}
