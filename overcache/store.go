// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Change describes one committed DocumentStore mutation.
// Doc is nil when the document was deleted (tombstoned) or removed.
type Change struct {
	Key        Key
	HadOld     bool  // false when the document was not visible before
	OldVersion int64 // version before the change, valid when HadOld
	Doc        *Document
}

// ChangeListener observes committed store changes
type ChangeListener func(Change)

// DocumentStore is the in-memory cache of documents keyed by (collection, id).
// Deleted documents are kept as tombstones until purged so that late remote
// snapshots cannot resurrect them.
type DocumentStore struct {
	mu        sync.RWMutex
	docs      map[Key]*Document
	listeners []storeListener
	nextID    int
	now       func() time.Time
	logger    *slog.Logger
}

type storeListener struct {
	id int
	fn ChangeListener
}

// NewDocumentStore creates an empty store. A nil logger uses slog.Default().
func NewDocumentStore(logger *slog.Logger) *DocumentStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentStore{
		docs:   make(map[Key]*Document),
		now:    time.Now,
		logger: logger,
	}
}

// SetClock overrides the time source used for UpdatedAt
func (s *DocumentStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Get returns a copy of a live document, or ErrNotFound
func (s *DocumentStore) Get(collection, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[Key{collection, id}]
	if !ok || d.Deleted {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return d.Clone(), nil
}

// Lookup returns a copy of the stored entry including tombstones
func (s *DocumentStore) Lookup(collection, id string) (*Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[Key{collection, id}]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// Put inserts or overwrites a document. It returns false and leaves the
// store untouched when doc.Version is not newer than the stored version.
func (s *DocumentStore) Put(doc *Document) bool {
	if doc == nil {
		return false
	}
	s.mu.Lock()
	key := doc.Key()
	old, exists := s.docs[key]
	if exists && doc.Version <= old.Version {
		s.mu.Unlock()
		s.logger.Debug("Rejected stale put", "collection", key.Collection, "id", key.ID,
			"version", doc.Version, "stored_version", old.Version)
		return false
	}
	next := doc.Clone()
	if next.Fields == nil && !next.Deleted {
		next.Fields = Fields{}
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = s.now().UTC()
	}
	s.docs[key] = next
	ch := s.changeLocked(key, old, next)
	s.mu.Unlock()

	s.emit(ch)
	return true
}

// ApplyPatch merges patch into the document (creating it unless strict),
// sets its version to newVersion and UpdatedAt to now. All fields of the
// patch become visible together.
func (s *DocumentStore) ApplyPatch(collection, id string, patch Fields, newVersion int64, strict bool) (*Document, error) {
	s.mu.Lock()
	key := Key{collection, id}
	old, exists := s.docs[key]
	live := exists && !old.Deleted
	if strict && !live {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	if exists && newVersion < old.Version {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s/%s version %d < %d", ErrStaleVersion, collection, id, newVersion, old.Version)
	}

	var base Fields
	if live {
		base = old.Fields
	}
	next := &Document{
		Collection: collection,
		ID:         id,
		Fields:     base.Merge(patch),
		Version:    newVersion,
		UpdatedAt:  s.now().UTC(),
	}
	s.docs[key] = next
	ch := s.changeLocked(key, old, next)
	s.mu.Unlock()

	s.emit(ch)
	return next.Clone(), nil
}

// Delete tombstones a document at newVersion. A tombstone is recorded even
// for unknown ids so that an in-flight snapshot cannot bring them back.
func (s *DocumentStore) Delete(collection, id string, newVersion int64) error {
	s.mu.Lock()
	key := Key{collection, id}
	old, exists := s.docs[key]
	if exists && newVersion < old.Version {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s/%s version %d < %d", ErrStaleVersion, collection, id, newVersion, old.Version)
	}
	next := &Document{
		Collection: collection,
		ID:         id,
		Version:    newVersion,
		UpdatedAt:  s.now().UTC(),
		Deleted:    true,
	}
	s.docs[key] = next
	ch := s.changeLocked(key, old, next)
	s.mu.Unlock()

	s.emit(ch)
	return nil
}

// Restore overwrites a document regardless of version. It exists for
// rolling back a rejected optimistic write: speculative versions were never
// confirmed by the remote, so going back to the last confirmed one is allowed.
func (s *DocumentStore) Restore(doc *Document) {
	s.mu.Lock()
	key := doc.Key()
	old := s.docs[key]
	next := doc.Clone()
	if next.Fields == nil && !next.Deleted {
		next.Fields = Fields{}
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = s.now().UTC()
	}
	s.docs[key] = next
	ch := s.changeLocked(key, old, next)
	s.mu.Unlock()

	s.emit(ch)
}

// MarkSyncFailed flags a document as a locally-only orphan
func (s *DocumentStore) MarkSyncFailed(collection, id string) bool {
	s.mu.Lock()
	key := Key{collection, id}
	old, ok := s.docs[key]
	if !ok || old.SyncFailed {
		s.mu.Unlock()
		return false
	}
	next := old.Clone()
	next.SyncFailed = true
	s.docs[key] = next
	ch := s.changeLocked(key, old, next)
	s.mu.Unlock()

	s.emit(ch)
	return true
}

// Purge physically removes a tombstone if it is still at the given version
func (s *DocumentStore) Purge(collection, id string, version int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key{collection, id}
	d, ok := s.docs[key]
	if !ok || !d.Deleted || d.Version != version {
		return false
	}
	delete(s.docs, key)
	return true
}

// Scan calls fn with a copy of every live document in the collection
func (s *DocumentStore) Scan(collection string, fn func(*Document)) {
	s.mu.RLock()
	var docs []*Document
	for k, d := range s.docs {
		if k.Collection == collection && !d.Deleted {
			docs = append(docs, d.Clone())
		}
	}
	s.mu.RUnlock()
	for _, d := range docs {
		fn(d)
	}
}

// Len returns the number of entries including tombstones
func (s *DocumentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Clear drops every document, notifying listeners about each live one
func (s *DocumentStore) Clear() {
	s.mu.Lock()
	var changes []Change
	for k, d := range s.docs {
		if !d.Deleted {
			changes = append(changes, Change{Key: k, HadOld: true, OldVersion: d.Version})
		}
	}
	s.docs = make(map[Key]*Document)
	s.mu.Unlock()

	for _, ch := range changes {
		s.emit(&ch)
	}
}

// Subscribe registers a listener and returns a function that removes it
func (s *DocumentStore) Subscribe(fn ChangeListener) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, storeListener{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// changeLocked builds the notification for old -> next; caller holds s.mu.
// Tombstone-to-tombstone transitions are invisible to readers and yield nil.
func (s *DocumentStore) changeLocked(key Key, old, next *Document) *Change {
	ch := &Change{Key: key}
	if old != nil && !old.Deleted {
		ch.HadOld = true
		ch.OldVersion = old.Version
	}
	if next != nil && !next.Deleted {
		ch.Doc = next.Clone()
	}
	if !ch.HadOld && ch.Doc == nil {
		return nil
	}
	return ch
}

func (s *DocumentStore) emit(ch *Change) {
	if ch == nil {
		return
	}
	s.mu.RLock()
	listeners := make([]storeListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()
	for _, l := range listeners {
		l.fn(*ch)
	}
}
