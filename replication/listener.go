// Package replication implements the logical-replication listener of
// spec.md §4.4: a long-lived pgoutput stream off a publication/slot
// filtered to one outbox/inbox table, handing decoded inserts to a
// dispatch pipeline and acknowledging only finalized rows.
package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"

	"github.com/outboxkit/outboxkit/dispatch"
	"github.com/outboxkit/outboxkit/outboxerr"
)

// State is a stream attempt's position in the state machine of
// spec.md §4.4.
type State int32

const (
	Connecting State = iota
	Streaming
	Stopping
	Terminated
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Stopping:
		return "stopping"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const (
	standbyMessageTimeout  = 10 * time.Second
	keepaliveReplyTimeout  = 5 * time.Second
	shutdownGracePeriod    = 1 * time.Second
	defaultFrameBufferSize = 1
)

// Config parameterizes a Listener.
type Config struct {
	// DSN is the listener-role connection string, without the
	// replication query parameter (Listener appends it).
	DSN string
	// Schema and Table identify the outbox/inbox table being replicated.
	Schema, Table string
	// Publication and Slot name the logical replication objects created
	// by setup (spec.md §6.2).
	Publication, Slot string
	// CreateSlotIfMissing creates Slot (for Publication, using the
	// pgoutput plugin) the first time a stream attempt fails with
	// "undefined object" on ReplicationSlotAcquire, rather than only
	// logging and retrying.
	CreateSlotIfMissing bool
	// RestartDelay and RestartDelaySlotInUse configure the default
	// restart strategy (spec.md §4.1/§4.4). Zero uses that strategy's
	// own defaults. Ignored if WithRestartStrategy is passed to New.
	RestartDelay          time.Duration
	RestartDelaySlotInUse time.Duration
}

// Listener drives the state machine described in spec.md §4.4.
type Listener struct {
	cfg      Config
	pipeline *dispatch.Pipeline
	restart  RestartStrategy
	log      *zerolog.Logger

	state atomic.Int32

	lastConfirmedLSN atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures optional Listener behavior.
type Option func(*Listener)

// WithRestartStrategy overrides the default restart strategy.
func WithRestartStrategy(r RestartStrategy) Option {
	return func(l *Listener) { l.restart = r }
}

// New builds a Listener. pipeline is invoked once per decoded insert via
// dispatch.SourceReplication.
func New(cfg Config, pipeline *dispatch.Pipeline, log *zerolog.Logger, opts ...Option) *Listener {
	l := &Listener{
		cfg:      cfg,
		pipeline: pipeline,
		log:      log,
		restart: DefaultRestartStrategy{
			RestartDelay:          cfg.RestartDelay,
			RestartDelaySlotInUse: cfg.RestartDelaySlotInUse,
		},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State reports the listener's current position in the state machine.
func (l *Listener) State() State { return State(l.state.Load()) }

func (l *Listener) setState(s State) { l.state.Store(int32(s)) }

// Stop requests shutdown and blocks until the stream has closed or
// shutdownGracePeriod elapses, whichever comes first.
func (l *Listener) Stop() {
	l.setState(Stopping)
	l.stopOnce.Do(func() { close(l.stopCh) })
	select {
	case <-l.doneCh:
	case <-time.After(shutdownGracePeriod):
	}
}

// Run connects, streams, and restarts per RestartStrategy until Stop is
// called or ctx is cancelled. It returns nil on a clean shutdown.
func (l *Listener) Run(ctx context.Context) error {
	defer close(l.doneCh)
	defer l.setState(Terminated)

	for {
		select {
		case <-l.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		l.setState(Connecting)
		err := l.runOnce(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			select {
			case <-l.stopCh:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}
		}

		if l.cfg.CreateSlotIfMissing && isUndefinedSlot(err) {
			if cerr := l.createSlot(ctx); cerr != nil && l.log != nil {
				l.log.Error().Err(cerr).Str("slot", l.cfg.Slot).Msg("replication: failed to create missing slot")
			}
		}

		delay, level := l.restart.Decide(err)
		if l.log != nil && level != zerolog.NoLevel {
			l.log.WithLevel(level).Err(err).
				Str("slot", l.cfg.Slot).
				Dur("restart_delay", delay).
				Msg("replication: stream ended, restarting")
		}

		select {
		case <-l.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func isUndefinedSlot(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgCodeUndefined && pgErr.Routine == pgRoutineSlotAcq
}

// replicationDSN appends the replication=database query parameter the
// protocol-level connection requires, grounded on the myduckserver
// logrepl package's ReplicationDns helper.
func (l *Listener) replicationDSN() string {
	if strings.Contains(l.cfg.DSN, "?") {
		return l.cfg.DSN + "&replication=database"
	}
	return l.cfg.DSN + "?replication=database"
}

func (l *Listener) createSlot(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, l.replicationDSN())
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())
	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, l.cfg.Slot, "pgoutput", pglogrepl.CreateReplicationSlotOptions{})
	return err
}

func (l *Listener) runOnce(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, l.replicationDSN())
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	startLSN := pglogrepl.LSN(l.lastConfirmedLSN.Load())
	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", l.cfg.Publication),
	}
	if err := pglogrepl.StartReplication(ctx, conn, l.cfg.Slot, startLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: pluginArgs,
	}); err != nil {
		return err
	}

	l.setState(Streaming)
	return l.stream(ctx, conn)
}

type frame struct {
	xld pglogrepl.XLogData
}

// stream runs the receive loop for one connected stream attempt. Per
// SPEC_FULL.md §4.3, frames are not decoded inline: a capacity-1 channel
// feeds a single worker goroutine so at most one frame is ever being
// processed, without needing a lock around the relations map or the
// dispatch pipeline call.
func (l *Listener) stream(ctx context.Context, conn *pgconn.PgConn) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan frame, defaultFrameBufferSize)
	acks := make(chan pglogrepl.LSN, 1)
	workerErr := make(chan error, 1)

	go l.runWorker(streamCtx, frames, acks, workerErr)
	defer close(frames)

	var lastReceivedLSN pglogrepl.LSN
	nextStandbyDeadline := time.Now().Add(standbyMessageTimeout)

	keepaliveTimer := time.NewTimer(time.Hour)
	keepaliveTimer.Stop()
	defer keepaliveTimer.Stop()
	keepaliveArmed := false

	sendStandby := func(confirmed pglogrepl.LSN) error {
		err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
			WALWritePosition: confirmed + 1,
			WALFlushPosition: confirmed + 1,
			WALApplyPosition: lastReceivedLSN + 1,
		})
		if err != nil {
			return err
		}
		nextStandbyDeadline = time.Now().Add(standbyMessageTimeout)
		return nil
	}

	for {
		select {
		case <-l.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Now().After(nextStandbyDeadline) {
			if err := sendStandby(pglogrepl.LSN(l.lastConfirmedLSN.Load())); err != nil {
				return err
			}
		}

		recvDeadline := nextStandbyDeadline
		if keepaliveArmed {
			// The keepalive timer fires independently; bound the receive
			// wait by whichever deadline is sooner so its channel gets a
			// chance to be selected promptly.
			recvDeadline = earlier(recvDeadline, time.Now().Add(keepaliveReplyTimeout))
		}

		recvCtx, recvCancel := context.WithDeadline(ctx, recvDeadline)
		rawMsg, err := receiveWithSignals(recvCtx, conn, l.stopCh, acks, workerErr, keepaliveTimer.C)
		recvCancel()

		switch v := rawMsg.(type) {
		case receivedAck:
			l.lastConfirmedLSN.Store(uint64(v))
			keepaliveArmed = false
			if serr := sendStandby(pglogrepl.LSN(v)); serr != nil {
				return serr
			}
			continue
		case receivedWorkerErr:
			return v.err
		case receivedStop:
			return nil
		case receivedKeepaliveFire:
			keepaliveArmed = false
			if serr := sendStandby(pglogrepl.LSN(l.lastConfirmedLSN.Load())); serr != nil {
				return serr
			}
			continue
		}

		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			return err
		}

		cd, ok := rawMsg.(*pgproto3.CopyData)
		if !ok || len(cd.Data) == 0 {
			continue
		}

		switch cd.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, perr := pglogrepl.ParsePrimaryKeepaliveMessage(cd.Data[1:])
			if perr != nil {
				return perr
			}
			lastReceivedLSN = pkm.ServerWALEnd
			if pkm.ReplyRequested {
				keepaliveArmed = true
				keepaliveTimer.Reset(keepaliveReplyTimeout)
			}
		case pglogrepl.XLogDataByteID:
			xld, perr := pglogrepl.ParseXLogData(cd.Data[1:])
			if perr != nil {
				return perr
			}
			lastReceivedLSN = xld.ServerWALEnd
			select {
			case frames <- frame{xld: xld}:
			case <-ctx.Done():
				return ctx.Err()
			case <-l.stopCh:
				return nil
			case werr := <-workerErr:
				return werr
			}
		}
	}
}

func earlier(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// The receiveWithSignals helper folds the handful of channels stream's
// loop needs to race against pgconn's blocking ReceiveMessage into one
// select, so the main body above reads as a single straight-line loop.

type receivedAck pglogrepl.LSN
type receivedWorkerErr struct{ err error }
type receivedStop struct{}
type receivedKeepaliveFire struct{}

func receiveWithSignals(ctx context.Context, conn *pgconn.PgConn, stopCh <-chan struct{}, acks <-chan pglogrepl.LSN, workerErr <-chan error, keepaliveFired <-chan time.Time) (any, error) {
	type result struct {
		msg pgproto3.BackendMessage
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		msg, err := conn.ReceiveMessage(ctx)
		resultCh <- result{msg: msg, err: err}
	}()

	select {
	case <-stopCh:
		return receivedStop{}, nil
	case ack := <-acks:
		return receivedAck(ack), nil
	case werr := <-workerErr:
		return receivedWorkerErr{err: werr}, nil
	case <-keepaliveFired:
		return receivedKeepaliveFire{}, nil
	case r := <-resultCh:
		return r.msg, r.err
	}
}

// runWorker is the single dedicated decode-and-dispatch goroutine: it
// owns the relations map (no locking needed, since it is the only
// reader/writer) and is the only writer of acknowledged LSNs, sent back
// to the receive loop over acks.
func (l *Listener) runWorker(ctx context.Context, frames <-chan frame, acks chan<- pglogrepl.LSN, errCh chan<- error) {
	relations := map[uint32]relation{}

	for f := range frames {
		logicalMsg, err := pglogrepl.Parse(f.xld.WALData)
		if err != nil {
			select {
			case errCh <- outboxerr.Newf(outboxerr.DecodeFailed, "replication: parsing wal data: %v", err):
			case <-ctx.Done():
			}
			return
		}

		switch m := logicalMsg.(type) {
		case *pglogrepl.RelationMessage:
			relations[m.RelationID] = newRelation(m)
		case *pglogrepl.InsertMessage:
			rel, ok := relations[m.RelationID]
			if !ok || !rel.matches(l.cfg.Schema, l.cfg.Table) {
				continue
			}
			msg, derr := decodeInsert(rel, m)
			if derr != nil {
				select {
				case errCh <- derr:
				case <-ctx.Done():
				}
				return
			}
			if _, herr := l.pipeline.Handle(ctx, dispatch.SourceReplication, msg); herr != nil {
				select {
				case errCh <- herr:
				case <-ctx.Done():
				}
				return
			}
			select {
			case acks <- f.xld.WALStart:
			case <-ctx.Done():
				return
			}
		default:
			// BeginMessage, CommitMessage, TruncateMessage, and any
			// update/delete on the replicated table carry no row to
			// dispatch; acknowledgement only advances on a finalized
			// insert.
		}
	}
}
