// Package outboxkit is the programmatic surface of spec.md §6.4: five
// entry points that wire the lower packages (store, replication, polling,
// dispatch, cleanup, setup) into a running listener or a one-shot script,
// from a single Config loaded via outboxconfig's dual-prefix scheme.
package outboxkit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/outboxkit/outboxkit/cleanup"
	"github.com/outboxkit/outboxkit/concurrency"
	"github.com/outboxkit/outboxkit/dbx"
	"github.com/outboxkit/outboxkit/dispatch"
	"github.com/outboxkit/outboxkit/message"
	"github.com/outboxkit/outboxkit/outboxconfig"
	"github.com/outboxkit/outboxkit/polling"
	"github.com/outboxkit/outboxkit/pubsub"
	"github.com/outboxkit/outboxkit/replication"
	"github.com/outboxkit/outboxkit/setup"
	"github.com/outboxkit/outboxkit/store"
)

// GeneralPrefix is the shared fallback env prefix applied before either
// component-specific prefix (spec.md §4.1).
const GeneralPrefix = "OUTBOXKIT"

// Config is every field spec.md §4.1 lists as listener configuration,
// flattened into one struct so a single outboxconfig.Parse call can
// populate it from an environment map. Fields that don't apply to a
// given Kind (e.g. Function for a replication listener) are simply
// left zero.
type Config struct {
	HandlerDSN string `env:"HANDLER_DSN" required:"true" desc:"DSN for the handler role (normal read/write SQL)"`
	ListenerDSN string `env:"LISTENER_DSN" desc:"DSN for the listener role; defaults to HandlerDSN if unset. Must carry REPLICATION for replication listeners"`
	MaxConns int32 `env:"MAX_CONNS" default:"10" desc:"handler connection pool bound"`

	Schema string `default:"public" desc:"schema the table lives in"`
	Table  string `required:"true" desc:"outbox or inbox table name"`

	Publication string `desc:"replication: publication name"`
	Slot        string `desc:"replication: replication slot name"`
	CreateSlotIfMissing bool `default:"true" desc:"replication: create the slot on first connect if it does not exist"`
	RestartDelay time.Duration `default:"250ms" desc:"replication: delay before reconnecting after a stream error"`
	RestartDelaySlotInUse time.Duration `default:"10s" desc:"replication: delay before retrying when the slot is held by another connection"`

	Function string `desc:"polling: batch function name, unqualified (it lives in Schema)"`
	BatchSize int `env:"BATCH_SIZE" default:"100" desc:"polling: steady-state batch size"`
	PollInterval time.Duration `default:"500ms" desc:"polling: sleep after an empty batch"`
	RowLockSeconds int `default:"30" desc:"polling: seconds a fetched row's locked_until is extended by"`
	NotifyChannel string `desc:"polling: pg_notify channel to LISTEN on for early wake-up; empty disables it"`

	MaxAttempts int `default:"5" desc:"dispatch: finishedAttempts threshold before permanent abandonment"`
	MaxPoisonousAttempts int `default:"3" desc:"dispatch: startedAttempts-finishedAttempts threshold for poison detection at verify time"`
	ProcessingTimeout time.Duration `default:"15s" desc:"dispatch: per-message handler timeout"`

	CleanupInterval time.Duration `default:"5m" desc:"cleanup: tick interval"`
	CleanupProcessedAfter time.Duration `desc:"cleanup: delete processed rows older than this; 0 disables"`
	CleanupAbandonedAfter time.Duration `desc:"cleanup: delete abandoned rows older than this; 0 disables"`
	CleanupAllAfter time.Duration `desc:"cleanup: delete any row older than this regardless of state; 0 disables"`
}

func (c Config) listenerDSN() string {
	if c.ListenerDSN != "" {
		return c.ListenerDSN
	}
	return c.HandlerDSN
}

// LoadConfig populates a Config from env using GeneralPrefix, overridden
// by specificPrefix ("OUTBOX" or "INBOX"), per spec.md §4.1's dual-prefix
// rule.
func LoadConfig(env map[string]string, specificPrefix string) (Config, error) {
	var cfg Config
	err := outboxconfig.Parse(&cfg, env, outboxconfig.Options{
		GeneralPrefix:  GeneralPrefix,
		SpecificPrefix: specificPrefix,
	})
	return cfg, err
}

// StoreMessageFunc inserts msg inside the caller's own transaction
// (spec.md §4.2's storeMessage operation).
type StoreMessageFunc func(ctx context.Context, db dbx.Querier, msg message.Message) error

// InitializeMessageStorage returns a storeMessage bound to cfg's table.
func InitializeMessageStorage(cfg Config, log *zerolog.Logger) StoreMessageFunc {
	s := store.New(store.Config{Schema: cfg.Schema, Table: cfg.Table}, log)
	return s.Store
}

// ShutdownFunc stops a running listener and blocks until its goroutine
// has exited and its resources are released. The replication listener's
// Stop waits at most 1s (spec.md §5's forced-close timeout) for the
// stream to close before the run context is cancelled; the polling
// listener's Stop waits for the batch in flight to finish. The wait for
// the listener goroutine itself has no time bound.
type ShutdownFunc func()

// Strategies bundles the optional pluggable policies spec.md's component
// designs call for; a zero-value Strategies uses every package default.
type Strategies struct {
	Controller      concurrency.Controller
	Retry           dispatch.RetryStrategy
	Timeout         dispatch.TimeoutStrategy
	Restart         replication.RestartStrategy
	BatchSize       polling.BatchSizeStrategy
	Scheduling      polling.SchedulingStrategy
	OnOutcome       func(outcome dispatch.Outcome, elapsed time.Duration)
}

// InitializeReplicationMessageListener opens both DSNs, builds the
// dispatch pipeline around registry, and starts the replication listener
// in a background goroutine. The returned ShutdownFunc stops it.
func InitializeReplicationMessageListener(ctx context.Context, cfg Config, registry *dispatch.Registry, log *zerolog.Logger, strategies Strategies) (ShutdownFunc, error) {
	pool, err := dbx.NewPool(ctx, cfg.HandlerDSN, cfg.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("outboxkit: opening handler pool: %w", err)
	}

	controller := strategies.Controller
	if controller == nil {
		controller = concurrency.NewFullParallel()
	}

	pipeline := dispatch.New(
		dispatch.Config{Schema: cfg.Schema, Table: cfg.Table},
		dbx.NewBeginner(pool), controller, registry, log,
		dispatchOptions(cfg, strategies)...,
	)

	listenerCfg := replication.Config{
		DSN:                   cfg.listenerDSN(),
		Schema:                cfg.Schema,
		Table:                 cfg.Table,
		Publication:           cfg.Publication,
		Slot:                  cfg.Slot,
		CreateSlotIfMissing:   cfg.CreateSlotIfMissing,
		RestartDelay:          cfg.RestartDelay,
		RestartDelaySlotInUse: cfg.RestartDelaySlotInUse,
	}

	var repOpts []replication.Option
	if strategies.Restart != nil {
		repOpts = append(repOpts, replication.WithRestartStrategy(strategies.Restart))
	}
	listener := replication.New(listenerCfg, pipeline, log, repOpts...)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := listener.Run(runCtx); err != nil && log != nil {
			log.Error().Err(err).Msg("outboxkit: replication listener exited")
		}
	}()

	return func() {
		listener.Stop()
		cancel()
		<-done
		pool.Close()
	}, nil
}

// InitializePollingMessageListener opens the handler DSN, builds the
// dispatch pipeline around registry, and starts the polling listener in
// a background goroutine. The returned ShutdownFunc stops it.
func InitializePollingMessageListener(ctx context.Context, cfg Config, registry *dispatch.Registry, log *zerolog.Logger, strategies Strategies) (ShutdownFunc, error) {
	pool, err := dbx.NewPool(ctx, cfg.HandlerDSN, cfg.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("outboxkit: opening handler pool: %w", err)
	}

	controller := strategies.Controller
	if controller == nil {
		controller = concurrency.NewFullParallel()
	}

	beginner := dbx.NewBeginner(pool)
	pipeline := dispatch.New(
		dispatch.Config{Schema: cfg.Schema, Table: cfg.Table},
		beginner, controller, registry, log,
		dispatchOptions(cfg, strategies)...,
	)

	pollCfg := polling.Config{
		Schema:       cfg.Schema,
		Function:     cfg.Function,
		BatchSize:    cfg.BatchSize,
		PollInterval: cfg.PollInterval,
	}

	var pollOpts []polling.Option
	if strategies.BatchSize != nil {
		pollOpts = append(pollOpts, polling.WithBatchSizeStrategy(strategies.BatchSize))
	}
	if strategies.Scheduling != nil {
		pollOpts = append(pollOpts, polling.WithSchedulingStrategy(strategies.Scheduling))
	}

	var broker *pubsub.Postgres
	if cfg.NotifyChannel != "" {
		broker = pubsub.NewPostgres(pool)
		pollOpts = append(pollOpts, polling.WithWakeUp(broker, cfg.NotifyChannel))
	}

	listener := polling.New(pollCfg, beginner, pipeline, log, pollOpts...)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := listener.Run(runCtx); err != nil && log != nil {
			log.Error().Err(err).Msg("outboxkit: polling listener exited")
		}
	}()

	return func() {
		listener.Stop()
		cancel()
		<-done
		if broker != nil {
			broker.Close()
		}
		pool.Close()
	}, nil
}

func dispatchOptions(cfg Config, strategies Strategies) []dispatch.Option {
	opts := []dispatch.Option{
		dispatch.WithMaxAttempts(cfg.MaxAttempts),
		dispatch.WithMaxPoisonousAttempts(cfg.MaxPoisonousAttempts),
		dispatch.WithTimeoutStrategy(dispatch.FixedTimeout(cfg.ProcessingTimeout)),
	}
	if strategies.Retry != nil {
		opts = append(opts, dispatch.WithRetryStrategy(strategies.Retry))
	}
	if strategies.Timeout != nil {
		opts = append(opts, dispatch.WithTimeoutStrategy(strategies.Timeout))
	}
	if strategies.OnOutcome != nil {
		opts = append(opts, dispatch.WithOnOutcome(strategies.OnOutcome))
	}
	return opts
}

// CancelFunc stops a running cleanup scheduler and waits for it to exit.
type CancelFunc func()

// RunScheduledMessageCleanup starts cleanup's fixed-interval scheduler
// against pool and returns a handle to cancel it, per spec.md §4.7/§6.4.
// If cfg sets no cleanup threshold, the scheduler idles until cancelled
// without ever issuing a DELETE.
func RunScheduledMessageCleanup(ctx context.Context, pool dbx.Beginner, cfg Config, log *zerolog.Logger) CancelFunc {
	scheduler := cleanup.New(cleanup.Config{
		Schema:         cfg.Schema,
		Table:          cfg.Table,
		Interval:       cfg.CleanupInterval,
		ProcessedAfter: cfg.CleanupProcessedAfter,
		AbandonedAfter: cfg.CleanupAbandonedAfter,
		AllAfter:       cfg.CleanupAllAfter,
	}, pool, log)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = scheduler.Run(runCtx)
	}()

	return func() {
		scheduler.Stop()
		cancel()
		<-done
	}
}

// DatabaseSetupExporter emits the DDL scripts of spec.md §6.1-§6.3 from
// a running Config, per §6.4.
type DatabaseSetupExporter struct {
	HandlerRole  string
	ListenerRole string
}

// CreateReplicationScript emits a .sql script provisioning a
// replication-backed table (spec.md §6.1-§6.2).
func (e DatabaseSetupExporter) CreateReplicationScript(cfg Config) string {
	exporter := setup.NewExporter()
	return exporter.CreateReplicationScript(setup.ReplicationConfig{
		TableConfig: setup.TableConfig{
			Schema:       cfg.Schema,
			Table:        cfg.Table,
			HandlerRole:  e.HandlerRole,
			ListenerRole: e.ListenerRole,
		},
		Publication: cfg.Publication,
		Slot:        cfg.Slot,
	})
}

// CreatePollingScript emits a .sql script provisioning a polling-backed
// table (spec.md §6.1, §6.3).
func (e DatabaseSetupExporter) CreatePollingScript(cfg Config) string {
	exporter := setup.NewExporter()
	return exporter.CreatePollingScript(setup.PollingConfig{
		TableConfig: setup.TableConfig{
			Schema:       cfg.Schema,
			Table:        cfg.Table,
			HandlerRole:  e.HandlerRole,
			ListenerRole: e.ListenerRole,
		},
		Function:       cfg.Function,
		RowLockSeconds: cfg.RowLockSeconds,
		NotifyChannel:  cfg.NotifyChannel,
	})
}
