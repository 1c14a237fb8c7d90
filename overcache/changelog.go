// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PendingMutation is a local write that the remote has not yet acknowledged
// or permanently rejected.
type PendingMutation struct {
	MutationID string       `json:"mutation_id"`
	Collection string       `json:"collection"`
	ID         string       `json:"id"`
	Kind       MutationKind `json:"kind"`
	Patch      Fields       `json:"patch,omitempty"` // nil for deletes
	// BaseVersion is the document version the mutation was computed against;
	// nil means the document was not known to exist.
	BaseVersion *int64    `json:"base_version,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Attempts    int       `json:"attempts"`

	ConflictRetries int   `json:"conflict_retries"`
	Seq             int64 `json:"seq"` // enqueue order, assigned by the ChangeLog
}

// NewMutation builds a PendingMutation with a fresh mutation id
func NewMutation(kind MutationKind, collection, id string, patch Fields, baseVersion *int64, createdAt time.Time) PendingMutation {
	return PendingMutation{
		MutationID:  uuid.NewString(),
		Collection:  collection,
		ID:          id,
		Kind:        kind,
		Patch:       patch.Clone(),
		BaseVersion: cloneVersion(baseVersion),
		CreatedAt:   createdAt.UTC(),
	}
}

func (m PendingMutation) Key() Key { return Key{Collection: m.Collection, ID: m.ID} }

// Clone returns a deep copy
func (m PendingMutation) Clone() PendingMutation {
	cp := m
	cp.Patch = m.Patch.Clone()
	cp.BaseVersion = cloneVersion(m.BaseVersion)
	return cp
}

// BaseVersionOr returns the base version or def when it is nil
func (m PendingMutation) BaseVersionOr(def int64) int64 {
	if m.BaseVersion == nil {
		return def
	}
	return *m.BaseVersion
}

func (m PendingMutation) validate() error {
	switch {
	case m.MutationID == "":
		return fmt.Errorf("%w: empty mutation id", ErrInvalidMutation)
	case m.Collection == "" || m.ID == "":
		return fmt.Errorf("%w: collection and id are required", ErrInvalidMutation)
	case !m.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, m.Kind)
	}
	return nil
}

func cloneVersion(v *int64) *int64 {
	if v == nil {
		return nil
	}
	x := *v
	return &x
}

func versionPtr(v int64) *int64 { return &v }

// RejectedMutation is the terminal failure event emitted by ChangeLog.Reject
type RejectedMutation struct {
	Mutation  PendingMutation
	Reason    string
	Retryable bool
}

// Persister stores ChangeLog entries durably. Save is an upsert by MutationID.
type Persister interface {
	Load(ctx context.Context) ([]PendingMutation, error)
	Save(ctx context.Context, m PendingMutation) error
	Delete(ctx context.Context, mutationID string) error
	DeleteAll(ctx context.Context) error
}

// ChangeLog is the queue of pending mutations. Entries leave the log only
// through Ack, Reject or Clear; a failed persistence call leaves the entry
// in place and returns the error.
type ChangeLog struct {
	mu        sync.Mutex
	entries   map[string]*PendingMutation
	seq       int64
	persister Persister
	logger    *slog.Logger

	rejectListeners map[int]func(RejectedMutation)
	nextListener    int
	dispatch        func(func()) // nil runs reject listeners inline
}

// NewChangeLog creates a log backed by persister and loads every entry it
// already holds. A nil persister keeps the log in memory only.
func NewChangeLog(ctx context.Context, persister Persister, logger *slog.Logger) (*ChangeLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &ChangeLog{
		entries:         make(map[string]*PendingMutation),
		persister:       persister,
		logger:          logger,
		rejectListeners: make(map[int]func(RejectedMutation)),
	}
	if persister == nil {
		return l, nil
	}

	loaded, err := persister.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending mutations: %w", err)
	}
	for i := range loaded {
		m := loaded[i].Clone()
		if err := m.validate(); err != nil {
			logger.Warn("Skipping corrupt pending mutation", "mutation_id", m.MutationID, "error", err)
			continue
		}
		l.entries[m.MutationID] = &m
		if m.Seq > l.seq {
			l.seq = m.Seq
		}
	}
	if len(l.entries) > 0 {
		logger.Info("Resumed pending mutations", "count", len(l.entries))
	}
	return l, nil
}

// Enqueue appends a mutation. Its Seq is assigned here and fixes its position
// among mutations of the same document.
func (l *ChangeLog) Enqueue(ctx context.Context, m PendingMutation) (PendingMutation, error) {
	if err := m.validate(); err != nil {
		return PendingMutation{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.entries[m.MutationID]; dup {
		return PendingMutation{}, fmt.Errorf("%w: duplicate mutation id %s", ErrInvalidMutation, m.MutationID)
	}
	entry := m.Clone()
	entry.Seq = l.seq + 1
	if l.persister != nil {
		if err := l.persister.Save(ctx, entry); err != nil {
			return PendingMutation{}, fmt.Errorf("failed to persist mutation %s: %w", m.MutationID, err)
		}
	}
	l.seq = entry.Seq
	l.entries[entry.MutationID] = &entry

	l.logger.Debug("Enqueued mutation", "mutation_id", entry.MutationID, "collection", entry.Collection,
		"id", entry.ID, "kind", entry.Kind, "seq", entry.Seq)
	return entry.Clone(), nil
}

// Update overwrites an existing entry, keeping its Seq
func (l *ChangeLog) Update(ctx context.Context, m PendingMutation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.entries[m.MutationID]
	if !ok {
		return fmt.Errorf("%w: mutation %s is not pending", ErrNotFound, m.MutationID)
	}
	if err := m.validate(); err != nil {
		return err
	}
	next := m.Clone()
	next.Seq = cur.Seq
	if l.persister != nil {
		if err := l.persister.Save(ctx, next); err != nil {
			return fmt.Errorf("failed to persist mutation %s: %w", m.MutationID, err)
		}
	}
	l.entries[next.MutationID] = &next
	return nil
}

// Ack removes an acknowledged entry. It reports false when the entry was
// already gone, which makes a repeated ack a no-op.
func (l *ChangeLog) Ack(ctx context.Context, mutationID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[mutationID]; !ok {
		return false, nil
	}
	if err := l.removeLocked(ctx, mutationID); err != nil {
		return false, err
	}
	l.logger.Debug("Acked mutation", "mutation_id", mutationID)
	return true, nil
}

// Reject removes an entry and notifies OnReject listeners. Listeners run on
// the caller's goroutine after the log lock is released, or through the
// owning Engine once one is attached, after the engine lock is released.
func (l *ChangeLog) Reject(ctx context.Context, mutationID, reason string) (bool, error) {
	l.mu.Lock()
	entry, ok := l.entries[mutationID]
	if !ok {
		l.mu.Unlock()
		return false, nil
	}
	m := entry.Clone()
	if err := l.removeLocked(ctx, mutationID); err != nil {
		l.mu.Unlock()
		return false, err
	}
	listeners := make([]func(RejectedMutation), 0, len(l.rejectListeners))
	for _, fn := range l.rejectListeners {
		listeners = append(listeners, fn)
	}
	dispatch := l.dispatch
	l.mu.Unlock()

	l.logger.Warn("Rejected mutation", "mutation_id", mutationID, "collection", m.Collection,
		"id", m.ID, "reason", reason)
	ev := RejectedMutation{Mutation: m, Reason: reason, Retryable: IsRetryableReason(reason)}
	for _, fn := range listeners {
		if dispatch != nil {
			dispatch(func() { fn(ev) })
		} else {
			fn(ev)
		}
	}
	return true, nil
}

func (l *ChangeLog) removeLocked(ctx context.Context, mutationID string) error {
	if l.persister != nil {
		if err := l.persister.Delete(ctx, mutationID); err != nil {
			return fmt.Errorf("failed to delete mutation %s: %w", mutationID, err)
		}
	}
	delete(l.entries, mutationID)
	return nil
}

func (l *ChangeLog) setDispatch(fn func(func())) {
	l.mu.Lock()
	l.dispatch = fn
	l.mu.Unlock()
}

// OnReject registers a terminal failure listener
func (l *ChangeLog) OnReject(fn func(RejectedMutation)) (unsubscribe func()) {
	l.mu.Lock()
	l.nextListener++
	id := l.nextListener
	l.rejectListeners[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.rejectListeners, id)
		l.mu.Unlock()
	}
}

// Get returns a pending entry by mutation id
func (l *ChangeLog) Get(mutationID string) (PendingMutation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.entries[mutationID]
	if !ok {
		return PendingMutation{}, false
	}
	return m.Clone(), true
}

// PendingFor returns the entries of one document in enqueue order
func (l *ChangeLog) PendingFor(collection, id string) []PendingMutation {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []PendingMutation
	for _, m := range l.entries {
		if m.Collection == collection && m.ID == id {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// AllPending returns every entry ordered by CreatedAt, ties by enqueue order
func (l *ChangeLog) AllPending() []PendingMutation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PendingMutation, 0, len(l.entries))
	for _, m := range l.entries {
		out = append(out, m.Clone())
	}
	sortByCreated(out)
	return out
}

func sortByCreated(ms []PendingMutation) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.Before(ms[j].CreatedAt)
		}
		return ms[i].Seq < ms[j].Seq
	})
}

// Len returns the number of pending entries
func (l *ChangeLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear removes every entry and returns them in AllPending order
func (l *ChangeLog) Clear(ctx context.Context) ([]PendingMutation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.persister != nil {
		if err := l.persister.DeleteAll(ctx); err != nil {
			return nil, fmt.Errorf("failed to clear pending mutations: %w", err)
		}
	}
	out := make([]PendingMutation, 0, len(l.entries))
	for _, m := range l.entries {
		out = append(out, m.Clone())
	}
	sortByCreated(out)
	l.entries = make(map[string]*PendingMutation)
	return out, nil
}
