package record

// SyncedMark marks a record's journal entries, up to and including Through,
// as covered by an acknowledged push batch.
type SyncedMark struct {
	RecordID string
	Through  int64
}

// BatchApply is one batch's worth of resolved state, committed to local
// storage as a single transaction. The cursor, when set, advances in the
// same transaction so a crash loses at most the in-flight batch, which is
// safely re-requested next session.
type BatchApply struct {
	// Records are resolved record states to upsert.
	Records []Record

	// Conflicts are audit entries produced while resolving the batch.
	Conflicts []ConflictRecord

	// DropPending lists per-record journal ranges whose pending entries
	// were superseded by the resolution (e.g. a remote tombstone won) and
	// must not be pushed. The Through bound protects entries journaled
	// after the resolution's snapshot of the journal.
	DropPending []SyncedMark

	// MarkSynced marks acknowledged journal ranges per record.
	MarkSynced []SyncedMark

	// PruneJournal removes journal entries already marked synced.
	PruneJournal bool

	// Cursor, when non-nil, is persisted with the batch.
	Cursor *Cursor
}
