// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"fmt"
	"time"
)

// RemoteChannel is the client side of the remote document store.
//
// Send returns an error only for transient failures (network, timeout,
// decoding); every answer the remote actually gave is a SendResult, and only
// StRejected is terminal.
type RemoteChannel interface {
	// Connect establishes a session. The returned channel is closed when the
	// session drops.
	Connect(ctx context.Context) (lost <-chan struct{}, err error)
	// Subscribe starts a push subscription. The snapshot channel is closed
	// when ctx is cancelled or the session drops.
	Subscribe(ctx context.Context, q RemoteQuery) (<-chan RemoteSnapshot, error)
	// Send submits one mutation.
	Send(ctx context.Context, m PendingMutation) (SendResult, error)
}

// SendResult is the remote outcome of a Send
type SendResult struct {
	Status string // StAcked, StConflict or StRejected

	// Acked: authoritative version; Fields and UpdatedAt are optional and
	// carry server-normalized state when present.
	Version   int64
	Fields    Fields
	UpdatedAt time.Time

	// Conflict: the current remote document
	CurrentVersion   int64
	CurrentFields    Fields
	CurrentUpdatedAt time.Time
	CurrentDeleted   bool

	// Rejected
	Reason string
}

// Acked builds an acknowledgement result
func Acked(version int64) SendResult {
	return SendResult{Status: StAcked, Version: version}
}

// Conflicted builds a conflict result carrying the current remote state
func Conflicted(version int64, fields Fields, updatedAt time.Time, deleted bool) SendResult {
	return SendResult{
		Status:           StConflict,
		CurrentVersion:   version,
		CurrentFields:    fields,
		CurrentUpdatedAt: updatedAt,
		CurrentDeleted:   deleted,
	}
}

// Rejected builds a terminal rejection
func Rejected(reason string) SendResult {
	return SendResult{Status: StRejected, Reason: reason}
}

func (r SendResult) validate() error {
	switch r.Status {
	case StAcked, StConflict, StRejected:
		return nil
	}
	return fmt.Errorf("unknown send status %q", r.Status)
}

// RemoteQuery identifies a remote subscription. Only field filters travel
// to the remote.
type RemoteQuery struct {
	Collection string
	Key        string
	Filters    []FieldFilter
}

// RemoteSnapshot is one push from a remote subscription. Documents may
// include tombstones (Deleted=true).
type RemoteSnapshot struct {
	Collection    string
	QueryKey      string
	Documents     []Document
	ReadTimestamp time.Time
}

// ConnectionState of the remote session
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Reconnecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Reconnecting:
		return "reconnecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
