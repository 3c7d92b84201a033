// Package cleanup implements the scheduled deletion of finalized rows
// described in spec.md §4.7: a fixed-interval ticker that, each tick,
// opens one transaction and deletes rows against up to three
// independently-optional age thresholds.
package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/outboxkit/outboxkit/dbx"
)

// DefaultInterval is how often a tick runs when Config.Interval is left
// zero but cleanup is otherwise enabled by at least one threshold.
const DefaultInterval = 5 * time.Minute

// Config names the table to clean and the three optional age thresholds.
// A zero threshold disables its DELETE for that tick.
type Config struct {
	Schema, Table string

	// Interval is the tick period. Zero falls back to DefaultInterval.
	Interval time.Duration

	// ProcessedAfter deletes rows with processed_at older than this age.
	ProcessedAfter time.Duration
	// AbandonedAfter deletes rows with abandoned_at older than this age.
	AbandonedAfter time.Duration
	// AllAfter deletes any row with created_at older than this age,
	// regardless of lock or processing state (spec.md §9 assumption).
	AllAfter time.Duration
}

func (c Config) qualifiedTable() string {
	return pgx.Identifier{c.Schema, c.Table}.Sanitize()
}

// enabled reports whether any threshold is set; a Scheduler with none
// enabled never ticks, matching spec.md §4.7's "default disabled".
func (c Config) enabled() bool {
	return c.ProcessedAfter > 0 || c.AbandonedAfter > 0 || c.AllAfter > 0
}

func (c Config) interval() time.Duration {
	if c.Interval > 0 {
		return c.Interval
	}
	return DefaultInterval
}

// Result reports the rows removed by one tick, broken out by which
// threshold deleted them, for callers that want to log or count it.
type Result struct {
	Processed int64
	Abandoned int64
	All       int64
}

func (r Result) Total() int64 { return r.Processed + r.Abandoned + r.All }

// Scheduler runs Config's cleanup on a fixed interval until stopped.
type Scheduler struct {
	cfg Config
	db  dbx.Beginner
	log *zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Scheduler. Run does nothing but wait for cancellation if
// cfg has no threshold set.
func New(cfg Config, db dbx.Beginner, log *zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		db:     db,
		log:    log,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Run ticks at cfg.Interval until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.doneCh)

	if !s.cfg.enabled() {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		}
	}

	ticker := time.NewTicker(s.cfg.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && s.log != nil {
				s.log.Error().Err(err).Str("table", s.cfg.qualifiedTable()).Msg("cleanup: tick failed")
			}
		}
	}
}

// Stop requests shutdown and waits for Run to observe it.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Tick runs one cleanup pass immediately, outside the ticker loop, and
// returns the rows removed by each enabled threshold. Callers
// orchestrating their own schedule (tests, a one-shot maintenance job)
// can call this directly instead of Run.
func (s *Scheduler) Tick(ctx context.Context) (Result, error) {
	var result Result
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.Tx) error {
		if s.cfg.ProcessedAfter > 0 {
			n, err := s.deleteOlderThan(ctx, tx, "processed_at", s.cfg.ProcessedAfter)
			if err != nil {
				return err
			}
			result.Processed = n
		}
		if s.cfg.AbandonedAfter > 0 {
			n, err := s.deleteOlderThan(ctx, tx, "abandoned_at", s.cfg.AbandonedAfter)
			if err != nil {
				return err
			}
			result.Abandoned = n
		}
		if s.cfg.AllAfter > 0 {
			n, err := s.deleteOlderThan(ctx, tx, "created_at", s.cfg.AllAfter)
			if err != nil {
				return err
			}
			result.All = n
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if result.Total() > 0 && s.log != nil {
		s.log.Info().
			Str("table", s.cfg.qualifiedTable()).
			Int64("processed", result.Processed).
			Int64("abandoned", result.Abandoned).
			Int64("all", result.All).
			Msg("cleanup: tick removed rows")
	}
	return result, nil
}

// deleteOlderThan deletes every row whose column is non-null and older
// than age, using the server's own clock (now() - interval) rather than
// a client-computed timestamp, so clock skew between the caller and the
// database never matters.
func (s *Scheduler) deleteOlderThan(ctx context.Context, tx dbx.Tx, column string, age time.Duration) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s IS NOT NULL AND %s < now() - $1::interval`,
		s.cfg.qualifiedTable(), column, column)
	tag, err := tx.Exec(ctx, query, fmt.Sprintf("%d seconds", int64(age.Seconds())))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
