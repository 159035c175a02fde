// Package resolver implements the pure conflict-resolution function of the
// sync engine. Given a local record, the current remote record, and their
// common ancestor payload, it produces a deterministic resolution.
//
// Replaying the same inputs always yields the same outcome, which is what
// makes push retries and pull replays safe.
package resolver

import (
	"github.com/Swappnil85/finsync/record"
)

// Decision labels the branch of the decision table that produced a resolution.
type Decision string

const (
	// DecisionApplyRemote: no pending local change, remote state applies.
	DecisionApplyRemote Decision = "apply_remote"

	// DecisionLocalWins: remote has not moved past the local base, the local
	// change is accepted as-is.
	DecisionLocalWins Decision = "local_wins"

	// DecisionFieldMerge: non-overlapping field edits from both sides kept.
	DecisionFieldMerge Decision = "field_merge"

	// DecisionRemoteWinsOverlap: both sides edited the same field; the
	// remote value is kept and the discarded local edit is logged.
	DecisionRemoteWinsOverlap Decision = "remote_wins_overlap"

	// DecisionDeleteWins: either side deleted, the tombstone is terminal.
	DecisionDeleteWins Decision = "delete_wins"

	// DecisionRejectDuplicateCreate: both sides created the same id
	// independently. Should not occur with client-generated unique ids, but
	// guarded: the local copy is kept.
	DecisionRejectDuplicateCreate Decision = "reject_duplicate_create"
)

// Conflict-record strategy labels.
const (
	StrategyRemoteWinsFields = "remote_wins_fields"
	StrategyDeleteWins       = "delete_wins"
	StrategyDuplicateCreate  = "duplicate_create_keep_local"
)

// Input carries one record's worth of state into the resolver.
type Input struct {
	// Local is the device's current copy, including BaseVersion.
	Local record.Record

	// Remote is the current server state for the same id.
	Remote record.Record

	// Base is the common-ancestor payload (the local copy's BasePayload).
	Base record.Payload

	// LocalOp is the pending local operation, or empty when the device has
	// no unsynced change for this record.
	LocalOp record.Operation
}

// Resolution is the outcome of resolving one record.
type Resolution struct {
	// Record is the state to store locally.
	Record record.Record

	Decision Decision

	Reasons []string

	// Conflict is non-nil when a local edit was discarded or a guard
	// tripped. CreatedAt is left zero; the store stamps it on append.
	Conflict *record.ConflictRecord

	// PendingPush reports whether the resolved local state still differs
	// from the server and must be pushed.
	PendingPush bool
}

// Resolve maps a (local, remote, ancestor, pending op) tuple to a resolution.
// It is a pure function: no clock reads, no I/O, deterministic for fixed
// inputs regardless of call order.
func Resolve(in Input) Resolution {
	local, remote := in.Local, in.Remote

	// No pending local change: the remote state applies directly and
	// becomes the new base.
	if in.LocalOp == "" {
		rec := remote.Clone()
		rec.BaseVersion = remote.Version
		rec.BasePayload = remote.Payload.Clone()
		return Resolution{
			Record:   rec,
			Decision: DecisionApplyRemote,
			Reasons:  []string{"no pending local change"},
		}
	}

	// Remote has not moved past our base (equal, or a stale replay of an
	// older change). The local change stands.
	if remote.Version <= local.BaseVersion {
		rec := local.Clone()
		return Resolution{
			Record:      rec,
			Decision:    DecisionLocalWins,
			Reasons:     []string{"remote unchanged since base"},
			PendingPush: true,
		}
	}

	// Remote moved past our base: true divergence from here on.

	// Unacknowledged local create meeting a remote copy of the same id.
	if in.LocalOp == record.OpCreate && local.BaseVersion == 0 && !remote.Deleted {
		// Identical payload means the remote copy is the echo of our own
		// create whose acknowledgment was lost; adopt it as synced state.
		if local.Payload.Equal(remote.Payload) {
			rec := remote.Clone()
			rec.BaseVersion = remote.Version
			rec.BasePayload = remote.Payload.Clone()
			return Resolution{
				Record:   rec,
				Decision: DecisionApplyRemote,
				Reasons:  []string{"remote copy identical to pending local create"},
			}
		}

		// Truly independent create of the same id. Keep local, reject remote.
		rec := local.Clone()
		return Resolution{
			Record:   rec,
			Decision: DecisionRejectDuplicateCreate,
			Reasons:  []string{"both sides created the same id"},
			Conflict: &record.ConflictRecord{
				RecordID:           local.ID,
				LocalVersion:       local.Version,
				RemoteVersion:      remote.Version,
				ResolutionStrategy: StrategyDuplicateCreate,
			},
			PendingPush: true,
		}
	}

	// Delete is terminal: if either side deleted, the result is a tombstone
	// and the other side's edit is discarded.
	if remote.Deleted || in.LocalOp == record.OpDelete {
		conflict := &record.ConflictRecord{
			RecordID:           local.ID,
			LocalVersion:       local.Version,
			RemoteVersion:      remote.Version,
			ResolutionStrategy: StrategyDeleteWins,
		}

		if remote.Deleted {
			// Server already holds the tombstone; drop the local edit.
			rec := remote.Clone()
			rec.Deleted = true
			rec.BaseVersion = remote.Version
			rec.BasePayload = remote.Payload.Clone()
			return Resolution{
				Record:   rec,
				Decision: DecisionDeleteWins,
				Reasons:  []string{"remote tombstone wins over local edit"},
				Conflict: conflict,
			}
		}

		// Local delete against a remote edit: the tombstone still wins and
		// must be pushed on top of the remote version.
		rec := local.Clone()
		rec.Deleted = true
		rec.Version = remote.Version
		rec.BaseVersion = remote.Version
		rec.BasePayload = remote.Payload.Clone()
		return Resolution{
			Record:      rec,
			Decision:    DecisionDeleteWins,
			Reasons:     []string{"local tombstone wins over remote edit"},
			Conflict:    conflict,
			PendingPush: true,
		}
	}

	// Field-level three-way merge.
	return mergeFields(in)
}

func mergeFields(in Input) Resolution {
	local, remote := in.Local, in.Remote

	localChanged := local.Payload.ChangedFields(in.Base)
	remoteChangedSet := toSet(remote.Payload.ChangedFields(in.Base))

	merged := remote.Payload.Clone()
	if merged == nil {
		merged = record.Payload{}
	}

	var overlap []string
	for _, f := range localChanged {
		lv, lok := local.Payload[f]
		rv, rok := remote.Payload[f]

		if _, bothChanged := remoteChangedSet[f]; bothChanged {
			// Both sides touched this field. Same resulting value is not a
			// conflict; differing values mean remote wins.
			if lok == rok && (!lok || string(lv) == string(rv)) {
				continue
			}
			overlap = append(overlap, f)
			continue
		}

		// Local-only change: carry it over, including field removal.
		if lok {
			merged[f] = append([]byte(nil), lv...)
		} else {
			delete(merged, f)
		}
	}

	rec := record.Record{
		ID:          local.ID,
		EntityType:  local.EntityType,
		Payload:     merged,
		Version:     remote.Version,
		BaseVersion: remote.Version,
		BasePayload: remote.Payload.Clone(),
		UpdatedAt:   local.UpdatedAt,
	}

	res := Resolution{
		Record:      rec,
		Decision:    DecisionFieldMerge,
		Reasons:     []string{"non-overlapping field edits merged"},
		PendingPush: !merged.Equal(remote.Payload),
	}

	if len(overlap) > 0 {
		res.Decision = DecisionRemoteWinsOverlap
		res.Reasons = []string{"overlapping field edits, remote wins"}
		res.Conflict = &record.ConflictRecord{
			RecordID:           local.ID,
			LocalVersion:       local.Version,
			RemoteVersion:      remote.Version,
			ResolutionStrategy: StrategyRemoteWinsFields,
		}
	}

	return res
}

func toSet(fields []string) map[string]struct{} {
	s := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		s[f] = struct{}{}
	}
	return s
}
