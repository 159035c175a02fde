package record

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pl(kv map[string]string) Payload {
	p := make(Payload, len(kv))
	for k, v := range kv {
		p[k] = json.RawMessage(v)
	}
	return p
}

func TestPayloadClone_Independent(t *testing.T) {
	orig := pl(map[string]string{"amount": `100`})
	clone := orig.Clone()

	clone["amount"][0] = '9'
	assert.Equal(t, json.RawMessage(`100`), orig["amount"], "clone must not alias original bytes")
}

func TestPayloadEqual(t *testing.T) {
	a := pl(map[string]string{"a": `1`, "b": `"x"`})
	b := pl(map[string]string{"a": `1`, "b": `"x"`})
	c := pl(map[string]string{"a": `1`, "b": `"y"`})
	d := pl(map[string]string{"a": `1`})

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(d))
	assert.True(t, Payload(nil).Equal(Payload{}))
}

func TestChangedFields(t *testing.T) {
	base := pl(map[string]string{"targetAmount": `1000`, "targetDate": `"2030-01-01"`})

	tests := []struct {
		name string
		p    Payload
		want []string
	}{
		{"unchanged", base.Clone(), []string{}},
		{"one field", pl(map[string]string{"targetAmount": `2000`, "targetDate": `"2030-01-01"`}), []string{"targetAmount"}},
		{"added field", pl(map[string]string{"targetAmount": `1000`, "targetDate": `"2030-01-01"`, "note": `"x"`}), []string{"note"}},
		{"removed field", pl(map[string]string{"targetAmount": `1000`}), []string{"targetDate"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.p.ChangedFields(base)
			require.Len(t, got, len(tt.want))
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestOperationValid(t *testing.T) {
	assert.True(t, OpCreate.Valid())
	assert.True(t, OpUpdate.Valid())
	assert.True(t, OpDelete.Valid())
	assert.False(t, Operation("merge").Valid())
}

func TestNewID_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewID()
		require.NotEmpty(t, id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestRecordClone_Independent(t *testing.T) {
	r := Record{
		ID:          NewID(),
		Payload:     pl(map[string]string{"a": `1`}),
		BasePayload: pl(map[string]string{"a": `1`}),
	}
	c := r.Clone()
	c.Payload["a"] = json.RawMessage(`2`)
	assert.Equal(t, json.RawMessage(`1`), r.Payload["a"])
}
