package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/Swappnil85/finsync/errors"
	"github.com/Swappnil85/finsync/record"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "local.db")
	st, err := Open(Config{DataSourceName: dsn, EnableWAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, dsn
}

func pl(kv map[string]string) record.Payload {
	p := make(record.Payload, len(kv))
	for k, v := range kv {
		p[k] = json.RawMessage(v)
	}
	return p
}

func testGoal(id string) record.Record {
	return record.Record{
		ID:         id,
		EntityType: "goal",
		Payload:    pl(map[string]string{"targetAmount": `1000`}),
		UpdatedAt:  time.Now().UTC(),
	}
}

func TestApplyMutation_JournalsAndApplies(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	rec := testGoal("g1")
	seq, err := st.ApplyMutation(ctx, record.OpCreate, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	got, ok, err := st.GetRecord(ctx, "g1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Payload.Equal(rec.Payload))
	assert.Equal(t, int64(0), got.Version, "never-synced record has version 0")

	entries, err := st.UnsyncedEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "g1", entries[0].RecordID)
	assert.Equal(t, record.OpCreate, entries[0].Operation)
	assert.False(t, entries[0].Synced)
}

func TestApplyMutation_RejectsInvalidOperation(t *testing.T) {
	st, _ := openTestStore(t)

	_, err := st.ApplyMutation(context.Background(), record.Operation("upsert"), testGoal("g1"))
	require.Error(t, err)
	assert.Equal(t, syncErrors.ErrCodeValidationFailure, syncErrors.CodeOf(err))
}

// A record the server would refuse (no id or entity type) must be rejected
// at the journal boundary, not accepted and left to poison every later push.
func TestApplyMutation_RejectsIncompleteRecord(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	noType := testGoal("g1")
	noType.EntityType = ""
	_, err := st.ApplyMutation(ctx, record.OpCreate, noType)
	require.Error(t, err)
	assert.Equal(t, syncErrors.ErrCodeValidationFailure, syncErrors.CodeOf(err))

	_, err = st.ApplyMutation(ctx, record.OpCreate, testGoal(""))
	require.Error(t, err)
	assert.Equal(t, syncErrors.ErrCodeValidationFailure, syncErrors.CodeOf(err))

	n, err := st.CountUnsynced(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "rejected mutations must not be journaled")
}

func TestJournal_SequenceOrderPreserved(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	rec := testGoal("g1")
	_, err := st.ApplyMutation(ctx, record.OpCreate, rec)
	require.NoError(t, err)
	rec.Payload = pl(map[string]string{"targetAmount": `2000`})
	_, err = st.ApplyMutation(ctx, record.OpUpdate, rec)
	require.NoError(t, err)
	_, err = st.ApplyMutation(ctx, record.OpDelete, rec)
	require.NoError(t, err)

	entries, err := st.UnsyncedEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i].Sequence, entries[i-1].Sequence)
	}
	assert.Equal(t, record.OpDelete, entries[2].Operation)
}

// Journal durability: a mutation survives closing and reopening the store
// (the crash-before-sync case) and still surfaces as unsynced.
func TestJournal_DurableAcrossReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "local.db")
	st, err := Open(Config{DataSourceName: dsn})
	require.NoError(t, err)

	_, err = st.ApplyMutation(context.Background(), record.OpCreate, testGoal("g1"))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st2, err := Open(Config{DataSourceName: dsn})
	require.NoError(t, err)
	defer st2.Close()

	entries, err := st2.UnsyncedEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "g1", entries[0].RecordID)
}

func TestMarkSyncedAndPrune(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"g1", "g2", "g3"} {
		_, err := st.ApplyMutation(ctx, record.OpCreate, testGoal(id))
		require.NoError(t, err)
	}

	require.NoError(t, st.MarkSynced(ctx, 1, 2))

	entries, err := st.UnsyncedEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "g3", entries[0].RecordID)

	n, err := st.PruneSyncedJournal(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMarkRecordSynced_LeavesLaterEntries(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	rec := testGoal("g1")
	seq1, err := st.ApplyMutation(ctx, record.OpCreate, rec)
	require.NoError(t, err)
	// a second mutation lands after the push batch was cut
	_, err = st.ApplyMutation(ctx, record.OpUpdate, rec)
	require.NoError(t, err)

	require.NoError(t, st.MarkRecordSynced(ctx, "g1", seq1))

	entries, err := st.UnsyncedEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, record.OpUpdate, entries[0].Operation)
}

func TestUnsyncedSince(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"g1", "g2"} {
		_, err := st.ApplyMutation(ctx, record.OpCreate, testGoal(id))
		require.NoError(t, err)
	}

	entries, err := st.UnsyncedSince(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "g2", entries[0].RecordID)
}

func TestCursor_RoundTripAndDefault(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	c, err := st.LoadCursor(ctx, "server")
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.LastServerSequence)
	assert.Empty(t, c.InFlightBatchID)

	c.LastServerSequence = 42
	c.InFlightBatchID = "batch-1"
	require.NoError(t, st.SaveCursor(ctx, c))

	got, err := st.LoadCursor(ctx, "server")
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.LastServerSequence)
	assert.Equal(t, "batch-1", got.InFlightBatchID)
}

func TestConflictLog_AppendListPrune(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	old := record.ConflictRecord{
		RecordID:           "g1",
		LocalVersion:       1,
		RemoteVersion:      2,
		ResolutionStrategy: "remote_wins_fields",
		CreatedAt:          time.Now().Add(-40 * 24 * time.Hour),
	}
	recent := record.ConflictRecord{
		RecordID:           "g2",
		LocalVersion:       2,
		RemoteVersion:      3,
		ResolutionStrategy: "delete_wins",
	}
	require.NoError(t, st.AppendConflict(ctx, old))
	require.NoError(t, st.AppendConflict(ctx, recent))

	conflicts, err := st.ListConflicts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, conflicts, 2)
	assert.Equal(t, "g2", conflicts[0].RecordID, "newest first")
	assert.False(t, conflicts[0].CreatedAt.IsZero(), "zero CreatedAt stamped on append")

	n, err := st.PruneConflictsBefore(ctx, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestApplyBatch_AtomicAndIdempotent(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	remote := record.Record{
		ID:          "g1",
		EntityType:  "goal",
		Payload:     pl(map[string]string{"targetAmount": `5000`}),
		Version:     3,
		BaseVersion: 3,
		BasePayload: pl(map[string]string{"targetAmount": `5000`}),
		UpdatedAt:   time.Now().UTC(),
	}
	ba := record.BatchApply{
		Records: []record.Record{remote},
		Cursor:  &record.Cursor{PeerID: "server", LastServerSequence: 7},
	}

	// Applying twice (crash-recovery replay) must leave identical state.
	require.NoError(t, st.ApplyBatch(ctx, ba))
	require.NoError(t, st.ApplyBatch(ctx, ba))

	got, ok, err := st.GetRecord(ctx, "g1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), got.Version)
	assert.True(t, got.Payload.Equal(remote.Payload))

	c, err := st.LoadCursor(ctx, "server")
	require.NoError(t, err)
	assert.Equal(t, int64(7), c.LastServerSequence)

	conflicts, err := st.ListConflicts(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestApplyBatch_DropPending(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	seq, err := st.ApplyMutation(ctx, record.OpUpdate, testGoal("g1"))
	require.NoError(t, err)

	tomb := testGoal("g1")
	tomb.Deleted = true
	tomb.Version = 4
	tomb.BaseVersion = 4
	require.NoError(t, st.ApplyBatch(ctx, record.BatchApply{
		Records:     []record.Record{tomb},
		DropPending: []record.SyncedMark{{RecordID: "g1", Through: seq}},
	}))

	entries, err := st.UnsyncedEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries, "superseded pending entries must not be pushed")
}

// A drop covers only the entries the resolution actually saw: a mutation
// journaled after the Through bound stays pending.
func TestApplyBatch_DropPendingBoundedBySequence(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	seq1, err := st.ApplyMutation(ctx, record.OpUpdate, testGoal("g1"))
	require.NoError(t, err)

	later := testGoal("g1")
	later.Payload = pl(map[string]string{"targetAmount": `2000`, "note": `"keep me"`})
	seq2, err := st.ApplyMutation(ctx, record.OpUpdate, later)
	require.NoError(t, err)

	require.NoError(t, st.ApplyBatch(ctx, record.BatchApply{
		DropPending: []record.SyncedMark{{RecordID: "g1", Through: seq1}},
	}))

	entries, err := st.UnsyncedEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1, "entry journaled after the bound survives the drop")
	assert.Equal(t, seq2, entries[0].Sequence)
}

func TestTombstone_NotListedButRetained(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	_, err := st.ApplyMutation(ctx, record.OpCreate, testGoal("g1"))
	require.NoError(t, err)
	_, err = st.ApplyMutation(ctx, record.OpDelete, testGoal("g1"))
	require.NoError(t, err)

	recs, err := st.ListRecords(ctx, "goal")
	require.NoError(t, err)
	assert.Empty(t, recs, "tombstones are hidden from reads")

	got, ok, err := st.GetRecord(ctx, "g1")
	require.NoError(t, err)
	require.True(t, ok, "tombstone row is retained, not purged")
	assert.True(t, got.Deleted)
}

func TestStore_ClosedRejectsOperations(t *testing.T) {
	st, _ := openTestStore(t)
	require.NoError(t, st.Close())

	_, err := st.ApplyMutation(context.Background(), record.OpCreate, testGoal("g1"))
	require.Error(t, err)
	assert.Equal(t, syncErrors.ErrCodeStorageFailure, syncErrors.CodeOf(err))
}
