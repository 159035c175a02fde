package resolver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swappnil85/finsync/record"
)

func pl(kv map[string]string) record.Payload {
	p := make(record.Payload, len(kv))
	for k, v := range kv {
		p[k] = json.RawMessage(v)
	}
	return p
}

func goalAt(version int64, kv map[string]string) record.Record {
	return record.Record{
		ID:         "g1",
		EntityType: "goal",
		Payload:    pl(kv),
		Version:    version,
	}
}

func TestResolve_NoPendingLocalChange(t *testing.T) {
	remote := goalAt(3, map[string]string{"targetAmount": `5000`})

	res := Resolve(Input{
		Local:  goalAt(2, map[string]string{"targetAmount": `4000`}),
		Remote: remote,
	})

	assert.Equal(t, DecisionApplyRemote, res.Decision)
	assert.False(t, res.PendingPush)
	assert.Nil(t, res.Conflict)
	assert.Equal(t, int64(3), res.Record.Version)
	assert.Equal(t, int64(3), res.Record.BaseVersion)
	assert.True(t, res.Record.BasePayload.Equal(remote.Payload))
}

func TestResolve_RemoteUnchangedSinceBase(t *testing.T) {
	local := goalAt(1, map[string]string{"targetAmount": `9000`})
	local.BaseVersion = 1

	res := Resolve(Input{
		Local:   local,
		Remote:  goalAt(1, map[string]string{"targetAmount": `5000`}),
		Base:    pl(map[string]string{"targetAmount": `5000`}),
		LocalOp: record.OpUpdate,
	})

	assert.Equal(t, DecisionLocalWins, res.Decision)
	assert.True(t, res.PendingPush)
	assert.Nil(t, res.Conflict)
	assert.Equal(t, json.RawMessage(`9000`), res.Record.Payload["targetAmount"])
}

// Mirrors the two-device goal scenario: device B edits targetAmount from
// base version 1 while device A's targetDate edit already landed as version
// 2. Non-overlapping fields merge with zero conflicts.
func TestResolve_NonOverlappingFieldMerge(t *testing.T) {
	base := pl(map[string]string{"targetAmount": `1000`, "targetDate": `"2030-01-01"`})

	local := goalAt(1, map[string]string{"targetAmount": `2500`, "targetDate": `"2030-01-01"`})
	local.BaseVersion = 1

	remote := goalAt(2, map[string]string{"targetAmount": `1000`, "targetDate": `"2031-06-15"`})

	res := Resolve(Input{Local: local, Remote: remote, Base: base, LocalOp: record.OpUpdate})

	require.Equal(t, DecisionFieldMerge, res.Decision)
	assert.Nil(t, res.Conflict, "non-overlapping edits must not produce a conflict record")
	assert.True(t, res.PendingPush, "merged payload differs from remote, must push")
	assert.Equal(t, json.RawMessage(`2500`), res.Record.Payload["targetAmount"])
	assert.Equal(t, json.RawMessage(`"2031-06-15"`), res.Record.Payload["targetDate"])
	assert.Equal(t, int64(2), res.Record.Version)
	assert.Equal(t, int64(2), res.Record.BaseVersion)
}

// Mirrors the overlap scenario: both devices edited targetAmount from base
// version 1. Remote wins the field, one conflict record, local converges to
// the server copy.
func TestResolve_OverlapRemoteWins(t *testing.T) {
	base := pl(map[string]string{"targetAmount": `1000`})

	local := goalAt(1, map[string]string{"targetAmount": `2500`})
	local.BaseVersion = 1

	remote := goalAt(2, map[string]string{"targetAmount": `3000`})

	res := Resolve(Input{Local: local, Remote: remote, Base: base, LocalOp: record.OpUpdate})

	assert.Equal(t, DecisionRemoteWinsOverlap, res.Decision)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, StrategyRemoteWinsFields, res.Conflict.ResolutionStrategy)
	assert.Equal(t, int64(2), res.Conflict.RemoteVersion)
	assert.Equal(t, json.RawMessage(`3000`), res.Record.Payload["targetAmount"])
	assert.False(t, res.PendingPush, "nothing left to push once remote wins the only divergent field")
}

func TestResolve_BothChangedToSameValue(t *testing.T) {
	base := pl(map[string]string{"targetAmount": `1000`})

	local := goalAt(1, map[string]string{"targetAmount": `2000`})
	local.BaseVersion = 1
	remote := goalAt(2, map[string]string{"targetAmount": `2000`})

	res := Resolve(Input{Local: local, Remote: remote, Base: base, LocalOp: record.OpUpdate})

	assert.Equal(t, DecisionFieldMerge, res.Decision)
	assert.Nil(t, res.Conflict, "identical resulting values are not a conflict")
	assert.False(t, res.PendingPush)
}

func TestResolve_LocalFieldRemovalCarriesOver(t *testing.T) {
	base := pl(map[string]string{"targetAmount": `1000`, "note": `"old"`})

	local := goalAt(1, map[string]string{"targetAmount": `1000`})
	local.BaseVersion = 1
	remote := goalAt(2, map[string]string{"targetAmount": `4000`, "note": `"old"`})

	res := Resolve(Input{Local: local, Remote: remote, Base: base, LocalOp: record.OpUpdate})

	assert.Equal(t, DecisionFieldMerge, res.Decision)
	_, hasNote := res.Record.Payload["note"]
	assert.False(t, hasNote, "locally removed field must stay removed")
	assert.Equal(t, json.RawMessage(`4000`), res.Record.Payload["targetAmount"])
	assert.True(t, res.PendingPush)
}

func TestResolve_RemoteDeleteWins(t *testing.T) {
	local := goalAt(1, map[string]string{"targetAmount": `2500`})
	local.BaseVersion = 1

	remote := goalAt(2, map[string]string{"targetAmount": `1000`})
	remote.Deleted = true

	res := Resolve(Input{
		Local:   local,
		Remote:  remote,
		Base:    pl(map[string]string{"targetAmount": `1000`}),
		LocalOp: record.OpUpdate,
	})

	assert.Equal(t, DecisionDeleteWins, res.Decision)
	assert.True(t, res.Record.Deleted)
	assert.False(t, res.PendingPush, "server tombstone needs no push")
	require.NotNil(t, res.Conflict)
	assert.Equal(t, StrategyDeleteWins, res.Conflict.ResolutionStrategy)
}

func TestResolve_LocalDeleteWinsOverRemoteEdit(t *testing.T) {
	local := goalAt(1, map[string]string{"targetAmount": `1000`})
	local.BaseVersion = 1
	local.Deleted = true

	remote := goalAt(2, map[string]string{"targetAmount": `7000`})

	res := Resolve(Input{
		Local:   local,
		Remote:  remote,
		Base:    pl(map[string]string{"targetAmount": `1000`}),
		LocalOp: record.OpDelete,
	})

	assert.Equal(t, DecisionDeleteWins, res.Decision)
	assert.True(t, res.Record.Deleted)
	assert.True(t, res.PendingPush, "local delete must still be pushed")
	assert.Equal(t, int64(2), res.Record.BaseVersion, "delete retried against the current remote version")
	require.NotNil(t, res.Conflict)
}

func TestResolve_DuplicateCreateKeepsLocal(t *testing.T) {
	local := goalAt(0, map[string]string{"targetAmount": `100`})

	remote := goalAt(1, map[string]string{"targetAmount": `999`})

	res := Resolve(Input{Local: local, Remote: remote, LocalOp: record.OpCreate})

	assert.Equal(t, DecisionRejectDuplicateCreate, res.Decision)
	assert.True(t, res.PendingPush)
	assert.Equal(t, json.RawMessage(`100`), res.Record.Payload["targetAmount"])
	require.NotNil(t, res.Conflict)
	assert.Equal(t, StrategyDuplicateCreate, res.Conflict.ResolutionStrategy)
}

// A pulled remote copy identical to an unacknowledged local create is the
// echo of our own push whose acknowledgment was lost, not a conflict.
func TestResolve_OwnCreateEchoAdopted(t *testing.T) {
	local := goalAt(0, map[string]string{"targetAmount": `100`})

	remote := goalAt(1, map[string]string{"targetAmount": `100`})

	res := Resolve(Input{Local: local, Remote: remote, LocalOp: record.OpCreate})

	assert.Equal(t, DecisionApplyRemote, res.Decision)
	assert.False(t, res.PendingPush)
	assert.Nil(t, res.Conflict)
	assert.Equal(t, int64(1), res.Record.Version)
	assert.Equal(t, int64(1), res.Record.BaseVersion)
}

func TestResolve_StaleRemoteIgnored(t *testing.T) {
	local := goalAt(3, map[string]string{"targetAmount": `500`})
	local.BaseVersion = 3

	remote := goalAt(2, map[string]string{"targetAmount": `400`})

	res := Resolve(Input{Local: local, Remote: remote, Base: local.Payload, LocalOp: record.OpUpdate})

	assert.Equal(t, DecisionLocalWins, res.Decision)
	assert.Equal(t, json.RawMessage(`500`), res.Record.Payload["targetAmount"])
}

// Resolving the same inputs repeatedly must always yield the same outcome.
func TestResolve_Deterministic(t *testing.T) {
	base := pl(map[string]string{"a": `1`, "b": `2`, "c": `3`})
	local := goalAt(1, map[string]string{"a": `10`, "b": `2`, "c": `30`})
	local.BaseVersion = 1
	remote := goalAt(2, map[string]string{"a": `1`, "b": `20`, "c": `300`})

	in := Input{Local: local, Remote: remote, Base: base, LocalOp: record.OpUpdate}

	first := Resolve(in)
	for i := 0; i < 50; i++ {
		res := Resolve(in)
		assert.Equal(t, first.Decision, res.Decision)
		assert.True(t, first.Record.Payload.Equal(res.Record.Payload))
		assert.Equal(t, first.PendingPush, res.PendingPush)
		if first.Conflict == nil {
			assert.Nil(t, res.Conflict)
		} else {
			require.NotNil(t, res.Conflict)
			assert.Equal(t, *first.Conflict, *res.Conflict)
		}
	}
}

func TestResolve_DoesNotMutateInputs(t *testing.T) {
	base := pl(map[string]string{"a": `1`})
	local := goalAt(1, map[string]string{"a": `2`})
	local.BaseVersion = 1
	remote := goalAt(2, map[string]string{"a": `1`, "b": `9`})

	localBefore := local.Clone()
	remoteBefore := remote.Clone()

	res := Resolve(Input{Local: local, Remote: remote, Base: base, LocalOp: record.OpUpdate})
	res.Record.Payload["a"] = json.RawMessage(`99`)

	assert.True(t, local.Payload.Equal(localBefore.Payload))
	assert.True(t, remote.Payload.Equal(remoteBefore.Payload))
}
