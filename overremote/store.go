// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overremote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/go-overcache/overcache"
)

// Store is an authoritative, per-user document backend. Documents of
// different users never see each other.
type Store interface {
	// Apply runs one mutation with a version check. Transient failures are
	// returned as errors; every decided outcome is a MutationResponse.
	// Replaying an acked MutationID returns the original result.
	Apply(ctx context.Context, userID string, req MutationRequest) (MutationResponse, error)

	// Query returns the documents of a collection matching filters, plus
	// tombstones, and the time the read was taken.
	Query(ctx context.Context, userID, collection string, filters []overcache.FieldFilter) ([]overcache.Document, time.Time, error)

	// Changes is the fan-out of committed documents
	Changes() *Hub
}

// Validator rejects mutations a user may not apply. Returning an error
// that wraps ErrPermissionDenied rejects with ReasonPermissionDenied;
// any other error rejects with ReasonValidation.
type Validator func(userID string, req MutationRequest) error

// ErrPermissionDenied marks a Validator error as an authorization failure
var ErrPermissionDenied = errors.New("permission denied")

// checkRequest validates the request shape and runs the user validator.
// A non-nil response is the terminal outcome.
func checkRequest(userID string, req MutationRequest, validate Validator) *MutationResponse {
	var err error
	switch {
	case req.MutationID == "":
		err = errors.New("mutation_id is required")
	case req.Collection == "" || req.ID == "":
		err = errors.New("collection and id are required")
	case !overcache.MutationKind(req.Kind).Valid():
		err = fmt.Errorf("unknown kind %q", req.Kind)
	}
	if err != nil {
		res := statusRejected(overcache.ReasonBadPayload, err)
		return &res
	}
	if validate == nil {
		return nil
	}
	if err := validate(userID, req); err != nil {
		reason := overcache.ReasonValidation
		if errors.Is(err, ErrPermissionDenied) {
			reason = overcache.ReasonPermissionDenied
		}
		res := statusRejected(reason, err)
		return &res
	}
	return nil
}
