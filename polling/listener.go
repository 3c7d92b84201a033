// Package polling implements the polling listener of spec.md §4.5: a
// loop that drives a user-defined database function which atomically
// selects and locks the next batch of rows, handing each to a dispatch
// pipeline.
package polling

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/outboxkit/outboxkit/dbx"
	"github.com/outboxkit/outboxkit/dispatch"
	"github.com/outboxkit/outboxkit/message"
	"github.com/outboxkit/outboxkit/outboxerr"
	"github.com/outboxkit/outboxkit/pubsub"
)

// Config parameterizes a Listener.
type Config struct {
	// Schema and Function name the batch-selecting database function
	// (spec.md §6.3): <Schema>.<Function>(max_size INTEGER) RETURNS
	// SETOF <schema>.<table>.
	Schema, Function string
	// BatchSize is the steady-state batch size passed to Function, once
	// DefaultBatchSizeStrategy's ramp-up window has elapsed.
	BatchSize int
	// PollInterval is the sleep after an empty batch.
	PollInterval time.Duration
}

func (c Config) qualifiedFunc() string {
	return pgx.Identifier{c.Schema, c.Function}.Sanitize()
}

// Option configures optional Listener behavior.
type Option func(*Listener)

// WithBatchSizeStrategy overrides the default ramp-up batch size strategy.
func WithBatchSizeStrategy(s BatchSizeStrategy) Option {
	return func(l *Listener) { l.batchSize = s }
}

// WithSchedulingStrategy overrides the default fixed polling interval.
func WithSchedulingStrategy(s SchedulingStrategy) Option {
	return func(l *Listener) { l.schedule = s }
}

// WithWakeUp subscribes to channel on sub and wakes the poll loop the
// moment a notification arrives, instead of waiting out the rest of
// the current PollInterval sleep. Pair with a setup script generated
// with a NotifyChannel set, whose AFTER INSERT trigger calls
// pg_notify on the same channel.
func WithWakeUp(sub pubsub.Subscriber, channel string) Option {
	return func(l *Listener) {
		l.wakeSub = sub
		l.wakeChannel = channel
	}
}

// Listener drives the polling loop described in spec.md §4.5.
type Listener struct {
	cfg      Config
	db       dbx.Beginner
	pipeline *dispatch.Pipeline
	log      *zerolog.Logger

	batchSize BatchSizeStrategy
	schedule  SchedulingStrategy

	wakeSub     pubsub.Subscriber
	wakeChannel string
	wakeCh      chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Listener. pipeline is invoked once per fetched row via
// dispatch.SourcePolling.
func New(cfg Config, db dbx.Beginner, pipeline *dispatch.Pipeline, log *zerolog.Logger, opts ...Option) *Listener {
	l := &Listener{
		cfg:       cfg,
		db:        db,
		pipeline:  pipeline,
		log:       log,
		batchSize: &DefaultBatchSizeStrategy{Size: cfg.BatchSize},
		schedule:  FixedInterval(cfg.PollInterval),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.wakeSub != nil {
		l.wakeCh = make(chan struct{}, 1)
	}
	return l
}

// Stop requests shutdown and waits for the loop to observe it.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
}

// Run polls until Stop is called or ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	defer close(l.doneCh)

	if l.wakeSub != nil {
		err := l.wakeSub.Subscribe(ctx, l.wakeChannel, func([]byte) {
			select {
			case l.wakeCh <- struct{}{}:
			default:
			}
		})
		if err != nil && l.log != nil {
			l.log.Warn().Err(err).Str("channel", l.wakeChannel).Msg("polling: wake-up subscribe failed, falling back to fixed interval")
		}
	}

	for {
		select {
		case <-l.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		batch, err := l.fetchBatch(ctx, l.batchSize.Next())
		if err != nil {
			if l.log != nil {
				l.log.Error().Err(err).Str("function", l.cfg.qualifiedFunc()).Msg("polling: batch fetch failed")
			}
			if !l.sleepOrStop(ctx, l.schedule.NextDelay()) {
				return nil
			}
			continue
		}

		if len(batch) == 0 {
			if !l.sleepOrStop(ctx, l.schedule.NextDelay()) {
				return nil
			}
			continue
		}

		if err := l.dispatchBatch(ctx, batch); err != nil && l.log != nil {
			l.log.Error().Err(err).Msg("polling: batch dispatch encountered an error")
		}
	}
}

func (l *Listener) sleepOrStop(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-l.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-l.wakeCh:
		return true
	case <-timer.C:
		return true
	}
}

// dispatchBatch hands every row in batch to the pipeline concurrently,
// bounded by whatever concurrency.Controller the pipeline was built
// with, using errgroup the way the teacher's go.mod already depends on
// golang.org/x/sync for fan-out work.
func (l *Listener) dispatchBatch(ctx context.Context, batch []message.Message) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, msg := range batch {
		msg := msg
		g.Go(func() error {
			_, err := l.pipeline.Handle(gctx, dispatch.SourcePolling, msg)
			return err
		})
	}
	return g.Wait()
}

// fetchBatch opens a short transaction and calls the batch function,
// scanning every returned row into a message.Message.
func (l *Listener) fetchBatch(ctx context.Context, maxSize int) ([]message.Message, error) {
	var batch []message.Message
	err := dbx.WithTx(ctx, l.db, nil, func(ctx context.Context, tx dbx.Tx) error {
		query := fmt.Sprintf(`SELECT %s FROM %s($1)`, strings.Join(message.Columns, ", "), l.cfg.qualifiedFunc())
		rows, err := tx.Query(ctx, query, maxSize)
		if err != nil {
			return outboxerr.New(outboxerr.DBError, err)
		}
		defer rows.Close()

		for rows.Next() {
			var row message.Row
			if err := rows.Scan(
				&row.ID, &row.AggregateType, &row.AggregateID, &row.MessageType, &row.Segment,
				&row.Concurrency, &row.Payload, &row.Metadata, &row.LockedUntil, &row.CreatedAt,
				&row.ProcessedAt, &row.AbandonedAt, &row.StartedAttempts, &row.FinishedAttempts,
			); err != nil {
				return outboxerr.New(outboxerr.DBError, err)
			}
			batch = append(batch, row.ToMessage())
		}
		if err := rows.Err(); err != nil {
			return outboxerr.New(outboxerr.DBError, err)
		}
		return nil
	})
	return batch, err
}
