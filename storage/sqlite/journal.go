package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	syncErrors "github.com/Swappnil85/finsync/errors"
	"github.com/Swappnil85/finsync/record"
)

// UnsyncedEntries returns all journal entries not yet covered by an
// acknowledged push batch, in sequence order.
func (s *Store) UnsyncedEntries(ctx context.Context) ([]record.JournalEntry, error) {
	return s.UnsyncedSince(ctx, 0)
}

// UnsyncedSince returns unsynced journal entries with sequence greater than
// seq, in sequence order. The journal never reorders entries.
func (s *Store) UnsyncedSince(ctx context.Context, seq int64) ([]record.JournalEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, record_id, entity_type, operation, snapshot, synced, created_at
		 FROM change_journal
		 WHERE synced = 0 AND sequence > ?
		 ORDER BY sequence`, seq)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, fmt.Errorf("%s: %w", opUnsynced, err))
	}
	defer rows.Close()

	var out []record.JournalEntry
	for rows.Next() {
		var e record.JournalEntry
		var snapshot string
		var synced int
		if err := rows.Scan(&e.Sequence, &e.RecordID, &e.EntityType, (*string)(&e.Operation), &snapshot, &synced, &e.CreatedAt); err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
		}
		if e.Snapshot, err = unmarshalPayload(snapshot); err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
		}
		e.Synced = synced != 0
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	return out, nil
}

// CountUnsynced returns the number of journal entries awaiting push.
func (s *Store) CountUnsynced(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM change_journal WHERE synced = 0`).Scan(&n)
	if err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	return n, nil
}

// MarkSynced marks all journal entries within [lo, hi] as covered by an
// acknowledged batch.
func (s *Store) MarkSynced(ctx context.Context, lo, hi int64) error {
	if err := s.checkOpen(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpSave, err)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE change_journal SET synced = 1 WHERE sequence >= ? AND sequence <= ?`, lo, hi)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpSave, fmt.Errorf("%s: %w", opMarkSynced, err))
	}
	return nil
}

// MarkRecordSynced marks all journal entries for recordID up to and
// including sequence upTo as synced. Used per acknowledged record so entries
// journaled mid-session stay pending for the next session.
func (s *Store) MarkRecordSynced(ctx context.Context, recordID string, upTo int64) error {
	if err := s.checkOpen(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpSave, err)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE change_journal SET synced = 1 WHERE record_id = ? AND sequence <= ?`, recordID, upTo)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpSave, fmt.Errorf("%s: %w", opMarkSynced, err))
	}
	return nil
}

// PruneSyncedJournal deletes journal entries already covered by an
// acknowledged batch. Returns the number of rows removed.
func (s *Store) PruneSyncedJournal(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpPrune, err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM change_journal WHERE synced = 1`)
	if err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpPrune, fmt.Errorf("%s: %w", opPruneJournal, err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// LoadCursor returns the sync cursor for peerID, or a zero cursor if none
// has been saved yet.
func (s *Store) LoadCursor(ctx context.Context, peerID string) (record.Cursor, error) {
	if err := s.checkOpen(); err != nil {
		return record.Cursor{}, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}

	c := record.Cursor{PeerID: peerID}
	err := s.db.QueryRowContext(ctx,
		`SELECT last_server_sequence, in_flight_batch_id FROM sync_cursor WHERE peer_id = ?`,
		peerID).Scan(&c.LastServerSequence, &c.InFlightBatchID)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return record.Cursor{}, syncErrors.NewStorageError(syncErrors.OpLoad, fmt.Errorf("%s: %w", opLoadCursor, err))
	}
	return c, nil
}

// SaveCursor durably persists the cursor for its peer.
func (s *Store) SaveCursor(ctx context.Context, c record.Cursor) error {
	if err := s.checkOpen(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpSave, err)
	}
	return s.saveCursor(ctx, s.db, c)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) saveCursor(ctx context.Context, ex execer, c record.Cursor) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO sync_cursor (peer_id, last_server_sequence, in_flight_batch_id)
		 VALUES (?, ?, ?)
		 ON CONFLICT(peer_id) DO UPDATE SET
			last_server_sequence = excluded.last_server_sequence,
			in_flight_batch_id   = excluded.in_flight_batch_id`,
		c.PeerID, c.LastServerSequence, c.InFlightBatchID)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpSave, fmt.Errorf("%s: %w", opSaveCursor, err))
	}
	return nil
}

// AppendConflict records a resolver outcome in the conflict audit log.
// A zero CreatedAt is stamped with the current time.
func (s *Store) AppendConflict(ctx context.Context, cr record.ConflictRecord) error {
	if err := s.checkOpen(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpAppend, err)
	}
	return appendConflictTx(ctx, s.db, cr)
}

func appendConflictTx(ctx context.Context, ex execer, cr record.ConflictRecord) error {
	if cr.CreatedAt.IsZero() {
		cr.CreatedAt = time.Now().UTC()
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO conflict_log (record_id, local_version, remote_version, resolution_strategy, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		cr.RecordID, cr.LocalVersion, cr.RemoteVersion, cr.ResolutionStrategy, cr.CreatedAt.UTC())
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpAppend, fmt.Errorf("%s: %w", opAppendConflict, err))
	}
	return nil
}

// ListConflicts returns the most recent conflict records, newest first.
func (s *Store) ListConflicts(ctx context.Context, limit int) ([]record.ConflictRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id, local_version, remote_version, resolution_strategy, created_at
		 FROM conflict_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, fmt.Errorf("%s: %w", opListConflicts, err))
	}
	defer rows.Close()

	var out []record.ConflictRecord
	for rows.Next() {
		var cr record.ConflictRecord
		if err := rows.Scan(&cr.RecordID, &cr.LocalVersion, &cr.RemoteVersion, &cr.ResolutionStrategy, &cr.CreatedAt); err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

// PruneConflictsBefore removes conflict records older than cutoff, enforcing
// the bounded retention policy. Returns the number of rows removed.
func (s *Store) PruneConflictsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpPrune, err)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conflict_log WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpPrune, fmt.Errorf("%s: %w", opPruneConflicts, err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ApplyBatch commits one pull batch (or acknowledgment application) as a
// single local transaction. Applying the same batch twice leaves the store
// in the same state as applying it once.
func (s *Store) ApplyBatch(ctx context.Context, ba record.BatchApply) error {
	if err := s.checkOpen(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpSave, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpSave, err)
	}
	defer tx.Rollback()

	for _, rec := range ba.Records {
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = time.Now().UTC()
		}
		if err := upsertRecordTx(ctx, tx, rec); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpSave, fmt.Errorf("%s: %w", opApplyBatch, err))
		}
	}

	for _, cr := range ba.Conflicts {
		if err := appendConflictTx(ctx, tx, cr); err != nil {
			return err
		}
	}

	for _, d := range ba.DropPending {
		// Bounded by sequence: a mutation journaled after the resolution's
		// snapshot stays pending for the next session.
		if _, err := tx.ExecContext(ctx,
			`UPDATE change_journal SET synced = 1 WHERE record_id = ? AND synced = 0 AND sequence <= ?`, d.RecordID, d.Through); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpSave, fmt.Errorf("%s: %w", opApplyBatch, err))
		}
	}

	for _, m := range ba.MarkSynced {
		if _, err := tx.ExecContext(ctx,
			`UPDATE change_journal SET synced = 1 WHERE record_id = ? AND sequence <= ?`, m.RecordID, m.Through); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpSave, fmt.Errorf("%s: %w", opApplyBatch, err))
		}
	}

	if ba.PruneJournal {
		if _, err := tx.ExecContext(ctx, `DELETE FROM change_journal WHERE synced = 1`); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpSave, fmt.Errorf("%s: %w", opApplyBatch, err))
		}
	}

	if ba.Cursor != nil {
		if err := s.saveCursor(ctx, tx, *ba.Cursor); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpSave, err)
	}

	s.logger.DebugContext(ctx, "batch applied",
		slog.Int("records", len(ba.Records)),
		slog.Int("conflicts", len(ba.Conflicts)))

	return nil
}
