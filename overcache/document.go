// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Key identifies a document: identity is (collection, id)
type Key struct {
	Collection string
	ID         string
}

func (k Key) String() string { return k.Collection + "/" + k.ID }

// Document is the cached copy of a remote document
type Document struct {
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	Fields     Fields    `json:"fields"`
	Version    int64     `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
	Deleted    bool      `json:"deleted,omitempty"`

	// SyncFailed marks a locally-only document whose creating mutation was
	// rejected and for which no remote copy is known
	SyncFailed bool `json:"sync_failed,omitempty"`
}

func (d *Document) Key() Key { return Key{Collection: d.Collection, ID: d.ID} }

// Clone returns a deep copy; nil stays nil
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Fields = d.Fields.Clone()
	return &cp
}

// NewDocumentID returns a time-sortable id for documents created on the client
func NewDocumentID() string {
	return ksuid.New().String()
}
