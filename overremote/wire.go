// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overremote

import (
	"time"

	"github.com/mobiletoly/go-overcache/overcache"
)

// JSON models shared by the HTTP endpoints and the WebSocket protocol.
// Document fields travel in the self-describing Value encoding.

// MutationRequest is one client mutation. The user comes from the JWT sub
// claim, never from the body.
type MutationRequest struct {
	RequestID   string           `json:"request_id,omitempty"`   // Echoed back for correlation on the socket
	MutationID  string           `json:"mutation_id"`            // Client-generated, stable across resends
	Collection  string           `json:"collection"`             // Collection name (e.g., "habits")
	ID          string           `json:"id"`                     // Document id
	Kind        string           `json:"kind"`                   // CREATE, UPDATE, DELETE
	Patch       overcache.Fields `json:"patch,omitempty"`        // Fields to set (nil for DELETE)
	BaseVersion *int64           `json:"base_version,omitempty"` // Version the client computed the mutation against
	UpdatedAt   time.Time        `json:"updated_at"`             // Client edit time
}

// MutationResponse is the outcome of a mutation
type MutationResponse struct {
	RequestID string           `json:"request_id,omitempty"`
	Status    string           `json:"status"`              // "acked", "conflict", "rejected"
	Version   int64            `json:"version,omitempty"`   // New version if acked
	Fields    overcache.Fields `json:"fields,omitempty"`    // Full document after the mutation if acked
	UpdatedAt time.Time        `json:"updated_at,omitzero"` // Commit time if acked
	Reason    string           `json:"reason,omitempty"`    // Rejection reason
	Message   string           `json:"message,omitempty"`   // Optional details for rejections

	// Current remote state on conflict
	CurrentVersion   int64            `json:"current_version,omitempty"`
	CurrentFields    overcache.Fields `json:"current_fields,omitempty"`
	CurrentUpdatedAt time.Time        `json:"current_updated_at,omitzero"`
	CurrentDeleted   bool             `json:"current_deleted,omitempty"`
}

// SubscribeRequest opens a live query on the socket
type SubscribeRequest struct {
	SubID      string                  `json:"sub_id"`
	Collection string                  `json:"collection"`
	QueryKey   string                  `json:"query_key"`
	Filters    []overcache.FieldFilter `json:"filters,omitempty"`
}

// SnapshotMessage carries documents for a subscription: the full result set
// first, then every committed change that concerns it
type SnapshotMessage struct {
	SubID         string               `json:"sub_id"`
	Collection    string               `json:"collection"`
	QueryKey      string               `json:"query_key"`
	Documents     []overcache.Document `json:"documents"`
	ReadTimestamp time.Time            `json:"read_timestamp"`
}

// DocumentsResponse is the body of the one-shot query endpoint
type DocumentsResponse struct {
	Collection    string               `json:"collection"`
	Documents     []overcache.Document `json:"documents"`
	ReadTimestamp time.Time            `json:"read_timestamp"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Socket frame types
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameMutation    = "mutation"
	FrameSnapshot    = "snapshot"
	FrameResult      = "result"
	FrameError       = "error"
)

// Frame is the envelope of every socket message. Exactly one payload field
// is set, matching Type.
type Frame struct {
	Type        string            `json:"type"`
	Subscribe   *SubscribeRequest `json:"subscribe,omitempty"`
	Unsubscribe string            `json:"unsubscribe,omitempty"` // sub id
	Mutation    *MutationRequest  `json:"mutation,omitempty"`
	Snapshot    *SnapshotMessage  `json:"snapshot,omitempty"`
	Result      *MutationResponse `json:"result,omitempty"`
	Error       *ErrorResponse    `json:"error,omitempty"`
}

// RequestFromMutation converts a pending client mutation to its wire form
func RequestFromMutation(m overcache.PendingMutation) MutationRequest {
	var base *int64
	if m.BaseVersion != nil {
		v := *m.BaseVersion
		base = &v
	}
	return MutationRequest{
		MutationID:  m.MutationID,
		Collection:  m.Collection,
		ID:          m.ID,
		Kind:        string(m.Kind),
		Patch:       m.Patch,
		BaseVersion: base,
		UpdatedAt:   m.CreatedAt,
	}
}

// SendResult converts the response to the client-side outcome
func (r MutationResponse) SendResult() overcache.SendResult {
	return overcache.SendResult{
		Status:           r.Status,
		Version:          r.Version,
		Fields:           r.Fields,
		UpdatedAt:        r.UpdatedAt,
		CurrentVersion:   r.CurrentVersion,
		CurrentFields:    r.CurrentFields,
		CurrentUpdatedAt: r.CurrentUpdatedAt,
		CurrentDeleted:   r.CurrentDeleted,
		Reason:           r.Reason,
	}
}

// RemoteSnapshot converts the message to the client-side snapshot
func (s SnapshotMessage) RemoteSnapshot() overcache.RemoteSnapshot {
	return overcache.RemoteSnapshot{
		Collection:    s.Collection,
		QueryKey:      s.QueryKey,
		Documents:     s.Documents,
		ReadTimestamp: s.ReadTimestamp,
	}
}
