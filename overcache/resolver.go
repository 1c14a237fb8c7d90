// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

// Conflict is what a resolver sees: the local mutation and the document
// the remote currently holds.
type Conflict struct {
	Mutation PendingMutation
	Remote   Document
}

// ConflictResolver computes the patch to resend against the remote's
// current version. Keys absent from the returned patch keep the remote value.
type ConflictResolver interface {
	Resolve(c Conflict) (Fields, error)
}

type ResolverFunc func(c Conflict) (Fields, error)

func (f ResolverFunc) Resolve(c Conflict) (Fields, error) { return f(c) }

// FieldMergeResolver merges at field level. Keys the local patch did not
// touch take the remote value. For touched keys the later write wins,
// comparing the mutation's CreatedAt with the remote UpdatedAt; ties go to
// the local patch.
type FieldMergeResolver struct{}

func (FieldMergeResolver) Resolve(c Conflict) (Fields, error) {
	out := make(Fields, len(c.Mutation.Patch))
	localWins := !c.Mutation.CreatedAt.Before(c.Remote.UpdatedAt)
	for k, v := range c.Mutation.Patch {
		if _, remoteHas := c.Remote.Fields[k]; !remoteHas || localWins {
			out[k] = v.Clone()
		}
	}
	return out, nil
}

// RemoteWinsResolver discards local field values on conflict
type RemoteWinsResolver struct{}

func (RemoteWinsResolver) Resolve(Conflict) (Fields, error) {
	return Fields{}, nil
}
