// Package record defines the versioned domain records exchanged by the sync
// engine, the change-journal entry shape, the per-peer sync cursor, and the
// conflict audit record.
//
// The engine treats payloads as opaque structured values. The only place
// payload contents matter is the field-level merge boundary, where a payload
// is a flat JSON object keyed by field name.
package record

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Operation is the kind of local mutation captured in the change journal.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the journal operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Payload is an opaque structured value keyed by field name. Values are kept
// as raw JSON so the engine never interprets them.
type Payload map[string]json.RawMessage

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Equal reports whether two payloads carry the same fields with the same
// raw values.
func (p Payload) Equal(other Payload) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		ov, ok := other[k]
		if !ok || !bytes.Equal(v, ov) {
			return false
		}
	}
	return true
}

// ChangedFields returns the sorted set of field names whose values differ
// from base, including fields added or removed relative to base.
func (p Payload) ChangedFields(base Payload) []string {
	seen := map[string]struct{}{}
	for k, v := range p {
		bv, ok := base[k]
		if !ok || !bytes.Equal(v, bv) {
			seen[k] = struct{}{}
		}
	}
	for k := range base {
		if _, ok := p[k]; !ok {
			seen[k] = struct{}{}
		}
	}
	fields := make([]string, 0, len(seen))
	for k := range seen {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// Record is a versioned domain entity (account, goal, scenario, balance
// snapshot). The engine does not interpret Payload fields.
type Record struct {
	// ID is a stable client-generated identifier, assigned at creation so it
	// is valid offline.
	ID string

	EntityType string

	Payload Payload

	// Version is the monotonically increasing integer assigned by the
	// server. Zero means never synced.
	Version int64

	// BaseVersion is the server version this local copy was derived from,
	// used to detect whether the record moved remotely since last sync.
	BaseVersion int64

	// BasePayload is the payload snapshot at BaseVersion. It is the common
	// ancestor handed to the conflict resolver for field-level merges.
	BasePayload Payload

	// UpdatedAt is the originating device's wall clock. Advisory only; never
	// used to decide conflicts.
	UpdatedAt time.Time

	// Deleted marks a tombstone. Deletions are soft and propagate like any
	// other mutation; tombstones are never physically purged so a stale pull
	// cannot resurrect a delete.
	Deleted bool
}

// NewID returns a fresh globally unique record identifier.
func NewID() string {
	return uuid.NewString()
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	r.Payload = r.Payload.Clone()
	r.BasePayload = r.BasePayload.Clone()
	return r
}

// JournalEntry is a single change-journal row: the durable capture of one
// local mutation.
type JournalEntry struct {
	// Sequence is a strictly increasing per-device counter. Entries for the
	// same record are applied in sequence order; the journal never reorders.
	Sequence int64

	RecordID   string
	EntityType string
	Operation  Operation

	// Snapshot is the record payload as it stood when the mutation was
	// journaled.
	Snapshot Payload

	Synced bool

	CreatedAt time.Time
}

// Cursor is the per-peer sync watermark.
type Cursor struct {
	PeerID string

	// LastServerSequence is the highest server change-log sequence number
	// incorporated locally.
	LastServerSequence int64

	// InFlightBatchID is non-empty only while a push awaits acknowledgment;
	// reused on retry so the server can replay the prior result.
	InFlightBatchID string
}

// ConflictRecord is the audit trail entry written whenever the resolver
// could not keep both sides intact. It never blocks forward progress.
type ConflictRecord struct {
	RecordID           string
	LocalVersion       int64
	RemoteVersion      int64
	ResolutionStrategy string
	CreatedAt          time.Time
}
