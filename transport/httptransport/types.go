// Package httptransport implements the engine's wire protocol: JSON bodies
// over authenticated HTTPS, a push endpoint for outbound batches and a pull
// endpoint for resumable change-log reads.
package httptransport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Swappnil85/finsync/record"
)

// Push result statuses.
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// WireRecord is a record as it travels over the wire.
type WireRecord struct {
	ID          string          `json:"id"`
	EntityType  string          `json:"entityType"`
	Operation   string          `json:"operation,omitempty"` // push requests only
	Payload     json.RawMessage `json:"payload"`
	Version     int64           `json:"version,omitempty"`
	BaseVersion int64           `json:"baseVersion,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Deleted     bool            `json:"deleted,omitempty"`
}

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	BatchID string       `json:"batchId"`
	Records []WireRecord `json:"records"`
}

// PushResult is the per-record acknowledgment inside a push response.
type PushResult struct {
	ID     string `json:"id"`
	Status string `json:"status"` // accepted | rejected

	// NewVersion is set for accepted records: the authoritative version the
	// server assigned.
	NewVersion int64 `json:"newVersion,omitempty"`

	// CurrentRecord is set for rejected records: the server's current state
	// so the client can re-resolve.
	CurrentRecord *WireRecord `json:"currentRecord,omitempty"`
}

// PushResponse is the body of a successful POST /sync/push.
type PushResponse struct {
	Results []PushResult `json:"results"`
}

// PullResponse is the body of GET /sync/pull.
type PullResponse struct {
	Records      []WireRecord `json:"records"`
	UpToSequence int64        `json:"upToSequence"`
	HasMore      bool         `json:"hasMore"`
}

// ErrorResponse is the JSON error envelope used by the ingest endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ToWire converts a domain record into its wire form. op may be empty for
// pull responses.
func ToWire(op record.Operation, rec record.Record) (WireRecord, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return WireRecord{}, fmt.Errorf("marshal payload for %s: %w", rec.ID, err)
	}
	if rec.Payload == nil {
		payload = json.RawMessage(`{}`)
	}
	return WireRecord{
		ID:          rec.ID,
		EntityType:  rec.EntityType,
		Operation:   string(op),
		Payload:     payload,
		Version:     rec.Version,
		BaseVersion: rec.BaseVersion,
		UpdatedAt:   rec.UpdatedAt,
		Deleted:     rec.Deleted,
	}, nil
}

// ToRecord converts a wire record back into the domain form.
func (w WireRecord) ToRecord() (record.Record, error) {
	var payload record.Payload
	if len(w.Payload) > 0 {
		if err := json.Unmarshal(w.Payload, &payload); err != nil {
			return record.Record{}, fmt.Errorf("unmarshal payload for %s: %w", w.ID, err)
		}
	}
	return record.Record{
		ID:          w.ID,
		EntityType:  w.EntityType,
		Payload:     payload,
		Version:     w.Version,
		BaseVersion: w.BaseVersion,
		UpdatedAt:   w.UpdatedAt,
		Deleted:     w.Deleted,
	}, nil
}
