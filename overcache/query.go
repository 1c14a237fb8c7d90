// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

// Query describes a live view over one collection.
type Query struct {
	// Key identifies the remote subscription; queries with the same key
	// share it. Empty derives a key from the collection and filters.
	Key        string
	Collection string
	Filters    []FieldFilter
	// Predicate is evaluated locally only, after Filters
	Predicate func(*Document) bool
	Order     OrderFunc
}

func (q Query) key() string {
	if q.Key != "" {
		return q.Key
	}
	if len(q.Filters) == 0 {
		return q.Collection
	}
	return q.Collection + "?" + filtersKey(q.Filters)
}

// Matches reports whether a live document belongs to the result set
func (q Query) Matches(d *Document) bool {
	if d == nil || d.Deleted || d.Collection != q.Collection {
		return false
	}
	if !MatchAll(q.Filters, d.Fields) {
		return false
	}
	return q.Predicate == nil || q.Predicate(d)
}

func (q Query) remote() RemoteQuery {
	return RemoteQuery{Collection: q.Collection, Key: q.key(), Filters: q.Filters}
}

func (q Query) validate() error {
	if q.Collection == "" {
		return fmt.Errorf("invalid query: collection is required")
	}
	for _, f := range q.Filters {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("invalid query: %w", err)
		}
	}
	return nil
}

// QuerySubscription maintains the ordered ids of the documents matching a
// Query. Each store change re-evaluates only the changed document; onChange
// fires only when the ordered id list differs from the previous one.
type QuerySubscription struct {
	query    Query
	onChange func(ids []string)
	dispatch func(func())

	mu         sync.Mutex
	docs       map[string]*Document
	last       []string
	closed     bool
	unsubStore func()
	release    func()
}

// NewQuerySubscription subscribes to store changes directly. onChange runs on
// the goroutine that wrote to the store; it is called once immediately when
// the initial result is not empty.
func NewQuerySubscription(store *DocumentStore, q Query, onChange func(ids []string)) (*QuerySubscription, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	s := newQuerySubscription(q, onChange, func(fn func()) { fn() })
	s.attach(store)
	return s, nil
}

func newQuerySubscription(q Query, onChange func([]string), dispatch func(func())) *QuerySubscription {
	if onChange == nil {
		onChange = func([]string) {}
	}
	return &QuerySubscription{
		query:    q,
		onChange: onChange,
		dispatch: dispatch,
		docs:     make(map[string]*Document),
	}
}

// attach loads the initial result and starts listening
func (s *QuerySubscription) attach(store *DocumentStore) {
	s.mu.Lock()
	s.unsubStore = store.Subscribe(s.handleChange)
	store.Scan(s.query.Collection, func(d *Document) {
		if s.query.Matches(d) {
			s.docs[d.ID] = d
		}
	})
	ids := s.orderedLocked()
	changed := !slices.Equal(ids, s.last)
	s.last = ids
	s.mu.Unlock()

	if changed {
		s.notify(ids)
	}
}

func (s *QuerySubscription) handleChange(ch Change) {
	if ch.Key.Collection != s.query.Collection {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.query.Matches(ch.Doc) {
		s.docs[ch.Key.ID] = ch.Doc
	} else if _, had := s.docs[ch.Key.ID]; had {
		delete(s.docs, ch.Key.ID)
	} else {
		// neither before nor after in the result set
		s.mu.Unlock()
		return
	}
	ids := s.orderedLocked()
	if slices.Equal(ids, s.last) {
		s.mu.Unlock()
		return
	}
	s.last = ids
	s.mu.Unlock()

	s.notify(ids)
}

func (s *QuerySubscription) notify(ids []string) {
	out := slices.Clone(ids)
	s.dispatch(func() {
		if s.Closed() {
			return
		}
		s.onChange(out)
	})
}

func (s *QuerySubscription) orderedLocked() []string {
	docs := make([]*Document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	order := s.query.Order
	sort.SliceStable(docs, func(i, j int) bool {
		if order != nil {
			if c := order(docs[i], docs[j]); c != 0 {
				return c < 0
			}
		}
		return strings.Compare(docs[i].ID, docs[j].ID) < 0
	})
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids
}

// Result returns the current ordered ids
func (s *QuerySubscription) Result() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.last)
}

// Documents returns copies of the current result documents in order
func (s *QuerySubscription) Documents() []*Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Document, 0, len(s.last))
	for _, id := range s.last {
		out = append(out, s.docs[id].Clone())
	}
	return out
}

func (s *QuerySubscription) Query() Query { return s.query }

func (s *QuerySubscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Unsubscribe stops notifications and releases the remote subscription when
// this was its last user. Repeated calls are no-ops.
func (s *QuerySubscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsub, release := s.unsubStore, s.release
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if release != nil {
		release()
	}
}
