// Package engine implements the reconciliation session: it pulls remote
// changes since the cursor, resolves them against pending journal entries,
// pushes the surviving local changes as an idempotent batch, and applies the
// server's acknowledgment.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/Swappnil85/finsync/errors"
	"github.com/Swappnil85/finsync/logging"
	"github.com/Swappnil85/finsync/record"
	"github.com/Swappnil85/finsync/resolver"
	"github.com/Swappnil85/finsync/transport/httptransport"
)

// SessionState is a phase of the reconciliation state machine.
type SessionState string

const (
	StateIdle          SessionState = "idle"
	StatePulling       SessionState = "pulling"
	StateResolving     SessionState = "resolving"
	StatePushing       SessionState = "pushing"
	StateAcknowledging SessionState = "acknowledging"
	StateFailed        SessionState = "failed"
)

// LocalStore is the durable local storage contract the engine drives. The
// engine is the single writer to the cursor and the journal's synced flags;
// UI mutations journaled mid-session are picked up by the next session.
type LocalStore interface {
	GetRecord(ctx context.Context, id string) (record.Record, bool, error)
	UnsyncedEntries(ctx context.Context) ([]record.JournalEntry, error)
	CountUnsynced(ctx context.Context) (int64, error)
	LoadCursor(ctx context.Context, peerID string) (record.Cursor, error)
	SaveCursor(ctx context.Context, c record.Cursor) error
	ApplyBatch(ctx context.Context, ba record.BatchApply) error
}

// Transport turns reconciliation decisions into protocol calls.
type Transport interface {
	Push(ctx context.Context, req httptransport.PushRequest) (*httptransport.PushResponse, error)
	Pull(ctx context.Context, since int64, limit int) (*httptransport.PullResponse, error)
}

// SessionResult summarizes one reconciliation session.
type SessionResult struct {
	State             SessionState
	Pulled            int
	Pushed            int
	Rejected          int
	ConflictsRecorded int
	StartTime         time.Time
	Duration          time.Duration
	Err               error
}

// Config holds engine tunables.
type Config struct {
	// PeerID identifies the server peer in the cursor store.
	PeerID string

	// BatchSize bounds pull pages and push batches.
	BatchSize int
}

func (c *Config) setDefaults() {
	if c.PeerID == "" {
		c.PeerID = "server"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// Engine orchestrates reconciliation sessions.
type Engine struct {
	store     LocalStore
	transport Transport
	cfg       Config
	logger    *logging.Logger
	metrics   Collector

	// mu serializes sessions; resMu guards lastResult so Status never
	// blocks behind a running session.
	mu         sync.Mutex
	resMu      sync.Mutex
	lastResult *SessionResult
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m Collector) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New creates a reconciliation engine.
func New(store LocalStore, transport Transport, cfg Config, opts ...Option) *Engine {
	cfg.setDefaults()
	e := &Engine{
		store:     store,
		transport: transport,
		cfg:       cfg,
		logger:    &logging.Logger{Logger: slog.New(slog.DiscardHandler)},
		metrics:   NoopCollector{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("engine")
	return e
}

// RunSession executes one full reconciliation session. Sessions are
// serialized: a second caller blocks until the first finishes. Cancellation
// is honored at batch boundaries only, so a cancelled session leaves the
// cursor at the last fully committed batch.
func (e *Engine) RunSession(ctx context.Context) (*SessionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := &SessionResult{State: StateIdle, StartTime: time.Now()}
	defer func() {
		result.Duration = time.Since(result.StartTime)
		e.resMu.Lock()
		e.lastResult = result
		e.resMu.Unlock()
		e.metrics.RecordSessionDuration(result.Duration)
		e.metrics.RecordSessionCounts(result.Pulled, result.Pushed, result.Rejected, result.ConflictsRecorded)
		if result.Err != nil {
			e.metrics.RecordSessionError(string(syncErrors.CodeOf(result.Err)))
			e.logger.LogError(ctx, result.Err, "sync session failed",
				slog.String("state", string(result.State)),
				slog.Duration("duration", result.Duration))
		} else {
			e.logger.Info("sync session completed",
				"duration", result.Duration,
				"pulled", result.Pulled,
				"pushed", result.Pushed,
				"rejected", result.Rejected,
				"conflicts", result.ConflictsRecorded)
		}
	}()

	cursor, err := e.store.LoadCursor(ctx, e.cfg.PeerID)
	if err != nil {
		return e.fail(result, err)
	}

	cursor, err = e.pullPhase(ctx, result, cursor)
	if err != nil {
		return e.fail(result, err)
	}

	if err := e.pushPhase(ctx, result, cursor); err != nil {
		return e.fail(result, err)
	}

	result.State = StateIdle
	return result, nil
}

func (e *Engine) fail(result *SessionResult, err error) (*SessionResult, error) {
	result.State = StateFailed
	result.Err = err
	return result, err
}

// pullPhase loops bounded pull batches until the server reports no more,
// committing each batch (records, conflicts, cursor advance) as one local
// transaction.
func (e *Engine) pullPhase(ctx context.Context, result *SessionResult, cursor record.Cursor) (record.Cursor, error) {
	result.State = StatePulling
	log := e.logger.WithOperation("pull")

	for {
		// Batch boundary: the only place cancellation is honored.
		if err := ctx.Err(); err != nil {
			return cursor, syncErrors.New(syncErrors.OpPull, fmt.Errorf("session cancelled: %w", err))
		}

		resp, err := e.transport.Pull(ctx, cursor.LastServerSequence, e.cfg.BatchSize)
		if err != nil {
			return cursor, err
		}

		result.State = StateResolving
		ba, conflicts, err := e.resolveBatch(ctx, resp.Records)
		if err != nil {
			return cursor, err
		}

		cursor.LastServerSequence = resp.UpToSequence
		ba.Cursor = &cursor

		if err := e.store.ApplyBatch(ctx, ba); err != nil {
			return cursor, err
		}

		result.Pulled += len(resp.Records)
		result.ConflictsRecorded += conflicts

		log.Debug("pull batch applied",
			"records", len(resp.Records),
			"up_to_sequence", resp.UpToSequence,
			"has_more", resp.HasMore)

		if !resp.HasMore {
			return cursor, nil
		}
		result.State = StatePulling
	}
}

// pendingChange is the latest unsynced journal state for one record.
type pendingChange struct {
	op      record.Operation
	lastSeq int64
	order   int64 // first sequence, used for stable push ordering
}

func (e *Engine) pendingByRecord(ctx context.Context) (map[string]pendingChange, error) {
	entries, err := e.store.UnsyncedEntries(ctx)
	if err != nil {
		return nil, err
	}
	pending := make(map[string]pendingChange, len(entries))
	for _, entry := range entries {
		p, ok := pending[entry.RecordID]
		if !ok {
			p.order = entry.Sequence
		}
		// Entries arrive in sequence order; the last one is the session's
		// effective operation for the record.
		p.op = entry.Operation
		p.lastSeq = entry.Sequence
		pending[entry.RecordID] = p
	}
	return pending, nil
}

func (e *Engine) resolveBatch(ctx context.Context, records []httptransport.WireRecord) (record.BatchApply, int, error) {
	var ba record.BatchApply
	conflicts := 0

	pending, err := e.pendingByRecord(ctx)
	if err != nil {
		return ba, 0, err
	}

	for _, wr := range records {
		remote, err := wr.ToRecord()
		if err != nil {
			return ba, 0, syncErrors.NewProtocolError(syncErrors.OpPull, err)
		}

		local, exists, err := e.store.GetRecord(ctx, remote.ID)
		if err != nil {
			return ba, 0, err
		}

		p, hadPending := pending[remote.ID]

		in := resolver.Input{Remote: remote}
		if exists {
			in.Local = local
			in.Base = local.BasePayload
			if hadPending {
				in.LocalOp = p.op
			}
		}

		res := resolver.Resolve(in)
		ba.Records = append(ba.Records, res.Record)
		if res.Conflict != nil {
			ba.Conflicts = append(ba.Conflicts, *res.Conflict)
			conflicts++
		}
		if hadPending && !res.PendingPush {
			// Drop only the entries this resolution saw; anything journaled
			// since stays pending.
			ba.DropPending = append(ba.DropPending, record.SyncedMark{RecordID: remote.ID, Through: p.lastSeq})
		}
	}

	return ba, conflicts, nil
}

// pushPhase collects the surviving unsynced journal entries, sends them in
// size-bounded idempotent batches, and applies each acknowledgment as it
// arrives.
func (e *Engine) pushPhase(ctx context.Context, result *SessionResult, cursor record.Cursor) error {
	result.State = StatePushing

	if err := ctx.Err(); err != nil {
		return syncErrors.New(syncErrors.OpPush, fmt.Errorf("session cancelled: %w", err))
	}

	pending, err := e.pendingByRecord(ctx)
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		// Nothing to push. A leftover in-flight id from a lost
		// acknowledgment whose changes were already incorporated via pull
		// can be cleared now.
		if cursor.InFlightBatchID != "" {
			cursor.InFlightBatchID = ""
			if err := e.store.SaveCursor(ctx, cursor); err != nil {
				return err
			}
		}
		return nil
	}

	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sortByOrder(ids, pending)

	wireRecords := make([]httptransport.WireRecord, 0, len(pending))
	states := make(map[string]record.Record, len(pending))
	for _, id := range ids {
		rec, ok, err := e.store.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			// Journal entry without a record row should not happen; skip
			// rather than abort the whole session.
			e.logger.WithOperation("push").Warn("journal entry for missing record", "record_id", id)
			continue
		}
		wr, err := httptransport.ToWire(pending[id].op, rec)
		if err != nil {
			return syncErrors.NewValidationError(syncErrors.OpPush, err)
		}
		wireRecords = append(wireRecords, wr)
		states[id] = rec
	}
	if len(wireRecords) == 0 {
		return nil
	}

	for start := 0; start < len(wireRecords); start += e.cfg.BatchSize {
		// Batch boundary: the only place cancellation is honored.
		if err := ctx.Err(); err != nil {
			return syncErrors.New(syncErrors.OpPush, fmt.Errorf("session cancelled: %w", err))
		}
		end := min(start+e.cfg.BatchSize, len(wireRecords))

		// Reuse an in-flight batch id so a retry after a lost
		// acknowledgment replays the previously computed result
		// server-side.
		batchID := cursor.InFlightBatchID
		if batchID == "" {
			batchID = uuid.NewString()
			cursor.InFlightBatchID = batchID
			if err := e.store.SaveCursor(ctx, cursor); err != nil {
				return err
			}
		}

		resp, err := e.transport.Push(ctx, httptransport.PushRequest{BatchID: batchID, Records: wireRecords[start:end]})
		if err != nil {
			// A batch the server refuses outright can never be acknowledged.
			// Drop its id so the next session mints a fresh batch instead of
			// replaying the refusal forever.
			if syncErrors.CodeOf(err) == syncErrors.ErrCodeValidationFailure {
				cursor.InFlightBatchID = ""
				if saveErr := e.store.SaveCursor(ctx, cursor); saveErr != nil {
					return saveErr
				}
			}
			return err
		}

		result.State = StateAcknowledging
		if err := e.acknowledge(ctx, result, cursor, pending, states, resp); err != nil {
			return err
		}
		cursor.InFlightBatchID = ""
		result.State = StatePushing
	}
	return nil
}

func (e *Engine) acknowledge(ctx context.Context, result *SessionResult, cursor record.Cursor,
	pending map[string]pendingChange, states map[string]record.Record, resp *httptransport.PushResponse) error {

	ba := record.BatchApply{PruneJournal: true}

	for _, pr := range resp.Results {
		p, ok := pending[pr.ID]
		if !ok {
			// Replayed acknowledgment for a record already incorporated.
			continue
		}

		switch pr.Status {
		case httptransport.StatusAccepted:
			rec, ok := states[pr.ID]
			if !ok {
				continue
			}
			rec.Version = pr.NewVersion
			rec.BaseVersion = pr.NewVersion
			rec.BasePayload = rec.Payload.Clone()
			ba.Records = append(ba.Records, rec)
			ba.MarkSynced = append(ba.MarkSynced, record.SyncedMark{RecordID: pr.ID, Through: p.lastSeq})
			result.Pushed++

		case httptransport.StatusRejected:
			if pr.CurrentRecord == nil {
				return syncErrors.NewProtocolError(syncErrors.OpAck,
					fmt.Errorf("rejected record %s without current server state", pr.ID))
			}
			remote, err := pr.CurrentRecord.ToRecord()
			if err != nil {
				return syncErrors.NewProtocolError(syncErrors.OpAck, err)
			}

			local := states[pr.ID]
			res := resolver.Resolve(resolver.Input{
				Local:   local,
				Remote:  remote,
				Base:    local.BasePayload,
				LocalOp: p.op,
			})
			ba.Records = append(ba.Records, res.Record)
			if res.Conflict != nil {
				ba.Conflicts = append(ba.Conflicts, *res.Conflict)
				result.ConflictsRecorded++
			}
			if !res.PendingPush {
				ba.DropPending = append(ba.DropPending, record.SyncedMark{RecordID: pr.ID, Through: p.lastSeq})
			}
			// Entries left pending are retried in the next session against
			// the rebased record state.
			result.Rejected++

		default:
			return syncErrors.NewProtocolError(syncErrors.OpAck,
				fmt.Errorf("unknown push result status %q for record %s", pr.Status, pr.ID))
		}
	}

	cursor.InFlightBatchID = ""
	ba.Cursor = &cursor

	return e.store.ApplyBatch(ctx, ba)
}

func sortByOrder(ids []string, pending map[string]pendingChange) {
	// Insertion sort on first-journaled sequence: push batches preserve the
	// order mutations were made.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && pending[ids[j]].order < pending[ids[j-1]].order; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// Status reports the engine's current sync posture.
type Status struct {
	PendingJournalEntries int64
	Cursor                record.Cursor
	LastResult            *SessionResult
}

// Status returns the unsynced journal depth, the cursor position, and the
// outcome of the most recent session.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	n, err := e.store.CountUnsynced(ctx)
	if err != nil {
		return Status{}, err
	}
	cursor, err := e.store.LoadCursor(ctx, e.cfg.PeerID)
	if err != nil {
		return Status{}, err
	}

	e.resMu.Lock()
	last := e.lastResult
	e.resMu.Unlock()

	return Status{
		PendingJournalEntries: n,
		Cursor:                cursor,
		LastResult:            last,
	}, nil
}
