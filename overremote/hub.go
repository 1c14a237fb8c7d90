// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overremote

import (
	"sync"

	"github.com/mobiletoly/go-overcache/overcache"
)

// Hub fans committed documents out to live subscriptions of the same user
// and collection. A subscriber that falls behind is dropped: its channel is
// closed and it is expected to subscribe again and re-read.
type Hub struct {
	mu     sync.Mutex
	subs   map[hubKey]map[int]*hubSub
	nextID int
}

type hubKey struct {
	userID     string
	collection string
}

type hubSub struct {
	filters []overcache.FieldFilter
	ch      chan overcache.Document
}

func NewHub() *Hub {
	return &Hub{subs: make(map[hubKey]map[int]*hubSub)}
}

// Subscribe returns a channel of changed documents and a cancel function.
// Cancel is idempotent and closes the channel.
func (h *Hub) Subscribe(userID, collection string, filters []overcache.FieldFilter, buffer int) (<-chan overcache.Document, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	key := hubKey{userID, collection}
	sub := &hubSub{filters: filters, ch: make(chan overcache.Document, buffer)}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[key] == nil {
		h.subs[key] = make(map[int]*hubSub)
	}
	h.subs[key][id] = sub
	h.mu.Unlock()

	return sub.ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.removeLocked(key, id)
	}
}

// Publish delivers next to every subscription it matches, or whose filters
// prev matched so that documents leaving a result set are seen too
func (h *Hub) Publish(userID string, prev, next *overcache.Document) {
	if next == nil {
		return
	}
	key := hubKey{userID, next.Collection}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs[key] {
		if !concerns(sub.filters, prev) && !concerns(sub.filters, next) {
			continue
		}
		select {
		case sub.ch <- *next.Clone():
		default:
			h.removeLocked(key, id)
		}
	}
}

// Len returns the number of live subscriptions
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.subs {
		n += len(m)
	}
	return n
}

func (h *Hub) removeLocked(key hubKey, id int) {
	m := h.subs[key]
	sub, ok := m[id]
	if !ok {
		return
	}
	delete(m, id)
	if len(m) == 0 {
		delete(h.subs, key)
	}
	close(sub.ch)
}

func concerns(filters []overcache.FieldFilter, d *overcache.Document) bool {
	if d == nil {
		return false
	}
	return d.Deleted || overcache.MatchAll(filters, d.Fields)
}
