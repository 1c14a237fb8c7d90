// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overremote

import (
	"time"

	"github.com/mobiletoly/go-overcache/overcache"
)

// statusAcked creates a status for an applied mutation with the new document state
func statusAcked(doc *overcache.Document) MutationResponse {
	return MutationResponse{
		Status:    overcache.StAcked,
		Version:   doc.Version,
		Fields:    doc.Fields.Clone(),
		UpdatedAt: doc.UpdatedAt,
	}
}

// statusAckedNoop acknowledges a delete of a document that is already gone
func statusAckedNoop(cur *overcache.Document) MutationResponse {
	res := MutationResponse{Status: overcache.StAcked}
	if cur != nil {
		res.Version, res.UpdatedAt = cur.Version, cur.UpdatedAt
	}
	return res
}

// statusConflict creates a status for version conflicts with the current remote state.
// A missing document is reported as a tombstone at version 0.
func statusConflict(cur *overcache.Document) MutationResponse {
	res := MutationResponse{Status: overcache.StConflict, CurrentDeleted: true}
	if cur != nil {
		res.CurrentVersion = cur.Version
		res.CurrentUpdatedAt = cur.UpdatedAt
		res.CurrentDeleted = cur.Deleted
		if !cur.Deleted {
			res.CurrentFields = cur.Fields.Clone()
		}
	}
	return res
}

// statusRejected creates a status for terminal failures
func statusRejected(reason string, err error) MutationResponse {
	res := MutationResponse{Status: overcache.StRejected, Reason: reason}
	if err != nil {
		res.Message = err.Error()
	}
	return res
}

// applyMutation decides the outcome of req against the current document
// (nil when it never existed). It returns the document to store, or nil
// when nothing changes.
func applyMutation(req MutationRequest, cur *overcache.Document, now time.Time) (*overcache.Document, MutationResponse) {
	live := cur != nil && !cur.Deleted
	var version int64
	if cur != nil {
		version = cur.Version
	}
	baseMatches := func() bool {
		if req.BaseVersion == nil {
			return !live
		}
		return *req.BaseVersion == version
	}

	next := &overcache.Document{
		Collection: req.Collection,
		ID:         req.ID,
		Version:    version + 1,
		UpdatedAt:  now.UTC(),
	}
	switch overcache.MutationKind(req.Kind) {
	case overcache.OpCreate:
		if live || req.BaseVersion != nil && !baseMatches() {
			return nil, statusConflict(cur)
		}
		next.Fields = req.Patch.Clone()
		if next.Fields == nil {
			next.Fields = overcache.Fields{}
		}
	case overcache.OpUpdate:
		if cur == nil {
			return nil, statusRejected(overcache.ReasonNotFound, nil)
		}
		if !live || !baseMatches() {
			return nil, statusConflict(cur)
		}
		next.Fields = cur.Fields.Merge(req.Patch)
	case overcache.OpDelete:
		if !live {
			return nil, statusAckedNoop(cur)
		}
		if !baseMatches() {
			return nil, statusConflict(cur)
		}
		next.Deleted = true
	default:
		return nil, statusRejected(overcache.ReasonBadPayload, nil)
	}
	return next, statusAcked(next)
}
