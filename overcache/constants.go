// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import "errors"

// MutationKind is the operation a pending mutation performs
type MutationKind string

const (
	OpCreate MutationKind = "CREATE"
	OpUpdate MutationKind = "UPDATE"
	OpDelete MutationKind = "DELETE"
)

func (k MutationKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Send outcome statuses reported by a RemoteChannel
const (
	StAcked    = "acked"
	StConflict = "conflict"
	StRejected = "rejected"
)

// Rejection reasons. Remote stores may report their own reasons as well.
const (
	ReasonPermissionDenied         = "permission_denied"
	ReasonValidation               = "validation_failed"
	ReasonBadPayload               = "bad_payload"
	ReasonNotFound                 = "not_found"
	ReasonDeletedRemotely          = "deleted_remotely"
	ReasonConflictRetriesExhausted = "conflict_retries_exhausted"
	ReasonSignedOut                = "signed_out"
	ReasonResolverFailed           = "resolver_failed"
)

var (
	// ErrNotFound is returned for documents that do not exist or are tombstoned
	ErrNotFound = errors.New("overcache: document not found")
	// ErrAlreadyExists is returned when creating over a live document
	ErrAlreadyExists = errors.New("overcache: document already exists")
	// ErrStaleVersion is returned when a write would move a document version backwards
	ErrStaleVersion = errors.New("overcache: stale document version")
	// ErrInvalidMutation is returned for malformed mutations (empty collection, unknown kind)
	ErrInvalidMutation = errors.New("overcache: invalid mutation")
	// ErrEngineClosed is returned by engine calls after Close
	ErrEngineClosed = errors.New("overcache: engine closed")
	// ErrSignedOut is returned by mutation calls while no user is signed in
	ErrSignedOut = errors.New("overcache: signed out")
)

// retryableReasons lists rejection reasons for which resubmitting the same
// intent can succeed (the remote state may change)
var retryableReasons = map[string]bool{
	ReasonConflictRetriesExhausted: true,
	ReasonDeletedRemotely:          true,
	ReasonNotFound:                 true,
	ReasonSignedOut:                true,
}

// IsRetryableReason reports whether a rejected mutation is worth resubmitting
func IsRetryableReason(reason string) bool {
	return retryableReasons[reason]
}
