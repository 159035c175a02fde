// Package sqlite provides the durable local store for the sync engine:
// record state, the append-only change journal, the per-peer sync cursor,
// and the conflict audit log.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	syncErrors "github.com/Swappnil85/finsync/errors"
	"github.com/Swappnil85/finsync/record"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// Operation constants for consistent error reporting
const (
	opApplyMutation  = "sqlite.ApplyMutation"
	opGetRecord      = "sqlite.GetRecord"
	opListRecords    = "sqlite.ListRecords"
	opUnsynced       = "sqlite.UnsyncedEntries"
	opMarkSynced     = "sqlite.MarkSynced"
	opPruneJournal   = "sqlite.PruneSyncedJournal"
	opLoadCursor     = "sqlite.LoadCursor"
	opSaveCursor     = "sqlite.SaveCursor"
	opAppendConflict = "sqlite.AppendConflict"
	opListConflicts  = "sqlite.ListConflicts"
	opPruneConflicts = "sqlite.PruneConflicts"
	opApplyBatch     = "sqlite.ApplyBatch"
)

// Custom errors for better error handling
var (
	ErrStoreClosed      = errors.New("store is closed")
	ErrInvalidOperation = errors.New("invalid journal operation")
	ErrIncompleteRecord = errors.New("record is missing id or entity type")
)

// Config holds configuration options for the Store.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// Recommended for production use. When true, automatically appends
	// "?_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// Logger is an optional logger for internal operations.
	// If nil, logging is disabled.
	Logger *slog.Logger

	// Connection pool settings.
	// Defaults: MaxOpen=1 (single-writer design), Lifetime=1h
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.MaxOpenConns == 0 {
		// The engine is the single writer; one connection avoids
		// SQLITE_BUSY churn on concurrent UI mutations.
		c.MaxOpenConns = 1
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		sep := "?"
		if strings.Contains(c.DataSourceName, "?") {
			sep = "&"
		}
		c.DataSourceName += sep + "_journal_mode=WAL"
	}
}

// Store is the SQLite-backed local store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu     stdSync.Mutex
	closed bool
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id           TEXT PRIMARY KEY,
	entity_type  TEXT NOT NULL,
	payload      TEXT NOT NULL,
	version      INTEGER NOT NULL DEFAULT 0,
	base_version INTEGER NOT NULL DEFAULT 0,
	base_payload TEXT NOT NULL DEFAULT '',
	updated_at   TIMESTAMP NOT NULL,
	deleted      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS change_journal (
	sequence    INTEGER PRIMARY KEY AUTOINCREMENT,
	record_id   TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	operation   TEXT NOT NULL,
	snapshot    TEXT NOT NULL,
	synced      INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_unsynced ON change_journal(synced, sequence);
CREATE INDEX IF NOT EXISTS idx_journal_record ON change_journal(record_id, sequence);

CREATE TABLE IF NOT EXISTS sync_cursor (
	peer_id              TEXT PRIMARY KEY,
	last_server_sequence INTEGER NOT NULL DEFAULT 0,
	in_flight_batch_id   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS conflict_log (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	record_id           TEXT NOT NULL,
	local_version       INTEGER NOT NULL,
	remote_version      INTEGER NOT NULL,
	resolution_strategy TEXT NOT NULL,
	created_at          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conflict_created ON conflict_log(created_at);
`

// Open opens (and if needed creates) the local store.
func Open(cfg Config) (*Store, error) {
	cfg.setDefaults()

	db, err := sql.Open("sqlite3", cfg.DataSourceName)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, fmt.Errorf("open database: %w", err))
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, fmt.Errorf("create schema: %w", err))
	}

	return &Store{db: db, logger: cfg.Logger}, nil
}

// Close closes the store and releases resources.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func marshalPayload(p record.Payload) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalPayload(s string) (record.Payload, error) {
	if s == "" {
		return nil, nil
	}
	var p record.Payload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, err
	}
	return p, nil
}

// ApplyMutation journals a local mutation and applies it to record state in
// a single transaction. The journal row is durable before this returns; a
// storage failure rejects the mutation entirely, since an un-journaled
// mutation would silently fail to sync.
func (s *Store) ApplyMutation(ctx context.Context, op record.Operation, rec record.Record) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpAppend, err)
	}
	if !op.Valid() {
		return 0, syncErrors.NewValidationError(syncErrors.OpAppend, fmt.Errorf("%w: %q", ErrInvalidOperation, op))
	}
	// A journal entry the server would refuse can never sync; reject the
	// mutation at the boundary instead.
	if rec.ID == "" || rec.EntityType == "" {
		return 0, syncErrors.NewValidationError(syncErrors.OpAppend,
			fmt.Errorf("%w: id=%q entityType=%q", ErrIncompleteRecord, rec.ID, rec.EntityType))
	}

	if op == record.OpDelete {
		rec.Deleted = true
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpAppend, err)
	}
	defer tx.Rollback()

	if err := upsertRecordTx(ctx, tx, rec); err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpAppend, fmt.Errorf("%s: %w", opApplyMutation, err))
	}

	snapshot, err := marshalPayload(rec.Payload)
	if err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpAppend, err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO change_journal (record_id, entity_type, operation, snapshot, synced, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		rec.ID, rec.EntityType, string(op), snapshot, time.Now().UTC())
	if err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpAppend, fmt.Errorf("%s: %w", opApplyMutation, err))
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpAppend, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpAppend, err)
	}

	s.logger.DebugContext(ctx, "mutation journaled",
		slog.String("record_id", rec.ID),
		slog.String("operation", string(op)),
		slog.Int64("sequence", seq))

	return seq, nil
}

func upsertRecordTx(ctx context.Context, tx *sql.Tx, rec record.Record) error {
	payload, err := marshalPayload(rec.Payload)
	if err != nil {
		return err
	}
	basePayload := ""
	if rec.BasePayload != nil {
		basePayload, err = marshalPayload(rec.BasePayload)
		if err != nil {
			return err
		}
	}

	deleted := 0
	if rec.Deleted {
		deleted = 1
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (id, entity_type, payload, version, base_version, base_payload, updated_at, deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			entity_type  = excluded.entity_type,
			payload      = excluded.payload,
			version      = excluded.version,
			base_version = excluded.base_version,
			base_payload = excluded.base_payload,
			updated_at   = excluded.updated_at,
			deleted      = excluded.deleted`,
		rec.ID, rec.EntityType, payload, rec.Version, rec.BaseVersion, basePayload, rec.UpdatedAt.UTC(), deleted)
	return err
}

func scanRecord(row interface {
	Scan(dest ...interface{}) error
}) (record.Record, error) {
	var rec record.Record
	var payload, basePayload string
	var deleted int
	if err := row.Scan(&rec.ID, &rec.EntityType, &payload, &rec.Version, &rec.BaseVersion, &basePayload, &rec.UpdatedAt, &deleted); err != nil {
		return record.Record{}, err
	}
	var err error
	if rec.Payload, err = unmarshalPayload(payload); err != nil {
		return record.Record{}, err
	}
	if basePayload != "" {
		if rec.BasePayload, err = unmarshalPayload(basePayload); err != nil {
			return record.Record{}, err
		}
	}
	rec.Deleted = deleted != 0
	return rec, nil
}

const recordColumns = `id, entity_type, payload, version, base_version, base_payload, updated_at, deleted`

// GetRecord returns the record with the given id. The second return value is
// false when the record does not exist locally.
func (s *Store) GetRecord(ctx context.Context, id string) (record.Record, bool, error) {
	if err := s.checkOpen(); err != nil {
		return record.Record{}, false, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, false, nil
	}
	if err != nil {
		return record.Record{}, false, syncErrors.NewStorageError(syncErrors.OpLoad, fmt.Errorf("%s: %w", opGetRecord, err))
	}
	return rec, true, nil
}

// ListRecords returns all non-tombstoned records, optionally filtered by
// entity type. Tombstones are excluded: callers reading for display never
// see soft-deleted rows.
func (s *Store) ListRecords(ctx context.Context, entityType string) ([]record.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}

	query := `SELECT ` + recordColumns + ` FROM records WHERE deleted = 0`
	args := []interface{}{}
	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, fmt.Errorf("%s: %w", opListRecords, err))
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	return out, nil
}
