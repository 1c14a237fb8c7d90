// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overremote

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mobiletoly/go-overcache/overcache"
)

// MemoryStore is a Store kept in process memory
type MemoryStore struct {
	validate Validator
	hub      *Hub
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	docs    map[memKey]*overcache.Document
	applied map[appliedKey]MutationResponse
}

type memKey struct {
	userID     string
	collection string
	id         string
}

type appliedKey struct {
	userID     string
	mutationID string
}

// NewMemoryStore creates an empty store. validate may be nil.
func NewMemoryStore(validate Validator, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		validate: validate,
		hub:      NewHub(),
		logger:   logger,
		now:      time.Now,
		docs:     make(map[memKey]*overcache.Document),
		applied:  make(map[appliedKey]MutationResponse),
	}
}

func (s *MemoryStore) Changes() *Hub { return s.hub }

func (s *MemoryStore) Apply(ctx context.Context, userID string, req MutationRequest) (MutationResponse, error) {
	if err := ctx.Err(); err != nil {
		return MutationResponse{}, err
	}
	if res := checkRequest(userID, req, s.validate); res != nil {
		return *res, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ak := appliedKey{userID, req.MutationID}
	if res, ok := s.applied[ak]; ok {
		s.logger.Debug("Replayed mutation", "user_id", userID, "mutation_id", req.MutationID)
		return res, nil
	}

	key := memKey{userID, req.Collection, req.ID}
	cur := s.docs[key]
	next, res := applyMutation(req, cur, s.now())
	if next == nil {
		return res, nil
	}
	s.docs[key] = next
	s.applied[ak] = res
	s.hub.Publish(userID, cur, next)
	s.logger.Debug("Applied mutation", "user_id", userID, "collection", req.Collection, "id", req.ID,
		"kind", req.Kind, "version", next.Version)
	return res, nil
}

func (s *MemoryStore) Query(ctx context.Context, userID, collection string, filters []overcache.FieldFilter) ([]overcache.Document, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, time.Time{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]overcache.Document, 0)
	for k, d := range s.docs {
		if k.userID != userID || k.collection != collection {
			continue
		}
		if d.Deleted || overcache.MatchAll(filters, d.Fields) {
			out = append(out, *d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, s.now().UTC(), nil
}
