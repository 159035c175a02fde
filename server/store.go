// Package server implements the authoritative ingest endpoint: it validates
// incoming push batches, assigns server versions, maintains the append-only
// change log that makes pulls resumable, and replays acknowledgments for
// retried batch ids.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	syncErrors "github.com/Swappnil85/finsync/errors"
	"github.com/Swappnil85/finsync/record"
	"github.com/Swappnil85/finsync/transport/httptransport"

	_ "github.com/mattn/go-sqlite3"
)

// Batch statuses persisted for idempotent replay.
const (
	batchStatusApplied = "applied"
	batchStatusFailed  = "failed"
)

var (
	// ErrBatchFailedValidation is returned when a batch id is retried after
	// the whole batch previously failed validation.
	ErrBatchFailedValidation = errors.New("batch previously failed validation")
)

// StoreConfig configures the authoritative store.
type StoreConfig struct {
	DataSourceName string
	EnableWAL      bool
	Logger         *slog.Logger
}

// Store is the server-side persistence: current record state plus the
// append-only change log keyed by a single monotonic sequence.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

const serverSchema = `
CREATE TABLE IF NOT EXISTS records (
	id          TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	payload     TEXT NOT NULL,
	version     INTEGER NOT NULL,
	updated_at  TIMESTAMP NOT NULL,
	deleted     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS change_log (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	record_id   TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	payload     TEXT NOT NULL,
	version     INTEGER NOT NULL,
	deleted     INTEGER NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS push_batches (
	batch_id   TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	results    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// OpenStore opens (and if needed creates) the authoritative store.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	dsn := cfg.DataSourceName
	if cfg.EnableWAL && !strings.Contains(dsn, "_journal_mode=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, fmt.Errorf("open server database: %w", err))
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(serverSchema); err != nil {
		db.Close()
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, fmt.Errorf("create server schema: %w", err))
	}

	return &Store{db: db, logger: cfg.Logger}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func validatePush(req httptransport.PushRequest) error {
	if req.BatchID == "" {
		return errors.New("missing batchId")
	}
	if len(req.Records) == 0 {
		return errors.New("empty batch")
	}
	for i, r := range req.Records {
		if r.ID == "" {
			return fmt.Errorf("record %d: missing id", i)
		}
		if r.EntityType == "" {
			return fmt.Errorf("record %s: missing entityType", r.ID)
		}
		if !record.Operation(r.Operation).Valid() {
			return fmt.Errorf("record %s: invalid operation %q", r.ID, r.Operation)
		}
		var probe map[string]json.RawMessage
		if len(r.Payload) > 0 {
			if err := json.Unmarshal(r.Payload, &probe); err != nil {
				return fmt.Errorf("record %s: payload is not a JSON object", r.ID)
			}
		}
	}
	return nil
}

// ApplyPush validates and applies one push batch in a single transaction.
//
// Retrying an already-applied batch id replays the stored results without
// touching the change log again. Retrying a batch id that previously failed
// validation returns ErrBatchFailedValidation.
func (s *Store) ApplyPush(ctx context.Context, req httptransport.PushRequest) (*httptransport.PushResponse, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpIngest, err)
	}
	defer tx.Rollback()

	// Idempotency replay check first.
	var status, stored string
	err = tx.QueryRowContext(ctx,
		`SELECT status, results FROM push_batches WHERE batch_id = ?`, req.BatchID).Scan(&status, &stored)
	switch {
	case err == nil && status == batchStatusApplied:
		var resp httptransport.PushResponse
		if err := json.Unmarshal([]byte(stored), &resp); err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpIngest, fmt.Errorf("decode stored batch results: %w", err))
		}
		s.logger.InfoContext(ctx, "replayed acknowledged batch", slog.String("batch_id", req.BatchID))
		return &resp, nil
	case err == nil && status == batchStatusFailed:
		return nil, ErrBatchFailedValidation
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return nil, syncErrors.NewStorageError(syncErrors.OpIngest, err)
	}

	if verr := validatePush(req); verr != nil {
		// Remember the failure so an identical retry gets a definitive 409
		// instead of re-running validation forever.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO push_batches (batch_id, status, results, created_at) VALUES (?, ?, '{}', ?)`,
			req.BatchID, batchStatusFailed, time.Now().UTC()); err == nil {
			_ = tx.Commit()
		}
		return nil, syncErrors.NewValidationError(syncErrors.OpIngest, verr)
	}

	resp := &httptransport.PushResponse{Results: make([]httptransport.PushResult, 0, len(req.Records))}

	for _, wr := range req.Records {
		result, err := s.applyRecordTx(ctx, tx, wr)
		if err != nil {
			return nil, err
		}
		resp.Results = append(resp.Results, result)
	}

	encoded, err := json.Marshal(resp)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpIngest, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO push_batches (batch_id, status, results, created_at) VALUES (?, ?, ?, ?)`,
		req.BatchID, batchStatusApplied, string(encoded), time.Now().UTC()); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpIngest, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpIngest, err)
	}

	s.logger.InfoContext(ctx, "batch applied",
		slog.String("batch_id", req.BatchID),
		slog.Int("records", len(req.Records)))

	return resp, nil
}

func (s *Store) applyRecordTx(ctx context.Context, tx *sql.Tx, wr httptransport.WireRecord) (httptransport.PushResult, error) {
	var currentVersion int64
	var currentPayload, currentType string
	var currentDeleted int
	var currentUpdated time.Time

	err := tx.QueryRowContext(ctx,
		`SELECT version, payload, entity_type, deleted, updated_at FROM records WHERE id = ?`, wr.ID).
		Scan(&currentVersion, &currentPayload, &currentType, &currentDeleted, &currentUpdated)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
		currentVersion = 0
		err = nil
	}
	if err != nil {
		return httptransport.PushResult{}, syncErrors.NewStorageError(syncErrors.OpIngest, err)
	}

	// Stale base: the record moved since this client last saw it. Reject
	// with the current server copy so the client can re-resolve.
	if wr.BaseVersion != currentVersion {
		current := httptransport.WireRecord{
			ID:         wr.ID,
			EntityType: currentType,
			Payload:    json.RawMessage(currentPayload),
			Version:    currentVersion,
			UpdatedAt:  currentUpdated,
			Deleted:    currentDeleted != 0,
		}
		if !exists {
			current = httptransport.WireRecord{ID: wr.ID, EntityType: wr.EntityType, Payload: json.RawMessage(`{}`)}
		}
		return httptransport.PushResult{
			ID:            wr.ID,
			Status:        httptransport.StatusRejected,
			CurrentRecord: &current,
		}, nil
	}

	newVersion := currentVersion + 1
	deleted := 0
	if wr.Deleted || wr.Operation == string(record.OpDelete) {
		deleted = 1
	}
	payload := string(wr.Payload)
	if payload == "" {
		payload = "{}"
	}
	updatedAt := wr.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records (id, entity_type, payload, version, updated_at, deleted)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			entity_type = excluded.entity_type,
			payload     = excluded.payload,
			version     = excluded.version,
			updated_at  = excluded.updated_at,
			deleted     = excluded.deleted`,
		wr.ID, wr.EntityType, payload, newVersion, updatedAt.UTC(), deleted); err != nil {
		return httptransport.PushResult{}, syncErrors.NewStorageError(syncErrors.OpIngest, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO change_log (record_id, entity_type, payload, version, deleted, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		wr.ID, wr.EntityType, payload, newVersion, deleted, updatedAt.UTC()); err != nil {
		return httptransport.PushResult{}, syncErrors.NewStorageError(syncErrors.OpIngest, err)
	}

	return httptransport.PushResult{
		ID:         wr.ID,
		Status:     httptransport.StatusAccepted,
		NewVersion: newVersion,
	}, nil
}

// Pull reads the change log after the given sequence, bounded by limit.
// Identical pulls return identical pages, regardless of client cursor drift.
func (s *Store) Pull(ctx context.Context, since int64, limit int) (*httptransport.PullResponse, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, record_id, entity_type, payload, version, deleted, updated_at
		 FROM change_log WHERE seq > ? ORDER BY seq LIMIT ?`, since, limit+1)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpIngest, err)
	}
	defer rows.Close()

	resp := &httptransport.PullResponse{UpToSequence: since}
	count := 0
	for rows.Next() {
		var seq, version int64
		var recordID, entityType, payload string
		var deleted int
		var updatedAt time.Time
		if err := rows.Scan(&seq, &recordID, &entityType, &payload, &version, &deleted, &updatedAt); err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpIngest, err)
		}
		count++
		if count > limit {
			resp.HasMore = true
			break
		}
		resp.Records = append(resp.Records, httptransport.WireRecord{
			ID:         recordID,
			EntityType: entityType,
			Payload:    json.RawMessage(payload),
			Version:    version,
			UpdatedAt:  updatedAt,
			Deleted:    deleted != 0,
		})
		resp.UpToSequence = seq
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpIngest, err)
	}

	return resp, nil
}

// HeadSequence returns the newest change-log sequence.
func (s *Store) HeadSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM change_log`).Scan(&seq); err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	return seq.Int64, nil
}
