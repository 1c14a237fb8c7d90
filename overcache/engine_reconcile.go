// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"time"
)

func (e *Engine) startRemoteSubLocked(rs *remoteSub) {
	if rs.cancel != nil {
		rs.cancel()
	}
	ctx, cancel := context.WithCancel(e.session)
	rs.cancel = cancel
	e.wg.Add(1)
	go e.runRemoteSub(ctx, rs.query)
}

// runRemoteSub feeds snapshots of one remote subscription into the engine
// and resubscribes with backoff while the session lasts
func (e *Engine) runRemoteSub(ctx context.Context, q RemoteQuery) {
	defer e.wg.Done()

	attempt := 0
	for ctx.Err() == nil {
		snaps, err := e.remote.Subscribe(ctx, q)
		if err != nil {
			delay := e.backoff.Next(attempt)
			attempt++
			e.logger.Warn("Remote subscribe failed", "collection", q.Collection, "query_key", q.Key,
				"retry_in", delay, "error", err)
			if sleepWithContext(ctx, delay) != nil {
				return
			}
			continue
		}
		attempt = 0
		for snap := range snaps {
			e.applySnapshot(ctx, snap)
		}
		if ctx.Err() == nil {
			e.logger.Debug("Remote subscription ended, resubscribing", "query_key", q.Key)
			if sleepWithContext(ctx, e.backoff.Next(0)) != nil {
				return
			}
		}
	}
}

// ApplySnapshot reconciles remote documents into the local cache. A document
// is applied only when it is newer than the local copy and no pending mutation
// was computed against that version or a later one; pending edits are
// replayed on top of it.
func (e *Engine) ApplySnapshot(snap RemoteSnapshot) {
	e.applySnapshot(context.Background(), snap)
}

// applySnapshot drops snapshots of a subscription that was cancelled, so a
// snapshot still buffered at sign-out cannot refill the cleared cache
func (e *Engine) applySnapshot(ctx context.Context, snap RemoteSnapshot) {
	e.mu.Lock()
	defer e.unlock()
	if e.closed || ctx.Err() != nil {
		return
	}
	start := e.stages.start()
	applied := 0
	for i := range snap.Documents {
		if e.reconcileLocked(&snap.Documents[i]) {
			applied++
		}
	}
	e.stages.observe(ctx, MetricsOpReconcile, MetricsStageSnapshot, start, applied, 0, false)
	e.logger.Debug("Applied snapshot", "collection", snap.Collection, "query_key", snap.QueryKey,
		"documents", len(snap.Documents), "applied", applied)
}

func (e *Engine) reconcileLocked(d *Document) bool {
	if d.Collection == "" || d.ID == "" {
		return false
	}
	key := d.Key()
	remote := d.Clone()
	if remote.Deleted {
		remote.Fields = nil
	}

	known := e.known[key]
	if known != nil && remote.Version <= known.Version {
		return false
	}
	e.known[key] = remote

	local, has := e.store.Lookup(key.Collection, key.ID)
	if has && remote.Version <= local.Version {
		return false
	}
	pend := e.log.PendingFor(key.Collection, key.ID)
	for _, p := range pend {
		if p.BaseVersion != nil && *p.BaseVersion >= remote.Version {
			return false
		}
	}

	if len(pend) > 0 {
		e.rebuildLocked(key, false)
		return true
	}
	if !has && remote.Deleted {
		// nothing to hide locally
		e.schedulePurgeLocked(key)
		return false
	}
	e.store.Put(remote)
	if remote.Deleted {
		e.schedulePurgeLocked(key)
	}
	return true
}

// rebuildLocked recomputes the local document from the last confirmed remote
// state and the pending mutations of key. With rebase the pending mutations
// get base versions chained from the confirmed version. Callers must not
// have a mutation of key in flight when rebasing.
func (e *Engine) rebuildLocked(key Key, rebase bool) {
	pend := e.log.PendingFor(key.Collection, key.ID)
	known := e.known[key]
	if known == nil && len(pend) == 0 {
		return
	}

	var (
		fields    Fields
		version   int64
		deleted   = true
		updatedAt time.Time
	)
	if known != nil {
		version, updatedAt = known.Version, known.UpdatedAt
		if !known.Deleted {
			fields, deleted = known.Fields.Clone(), false
		}
	}
	for _, p := range pend {
		if rebase {
			var base *int64
			if known != nil || version > 0 {
				base = versionPtr(version)
			}
			if !sameVersion(base, p.BaseVersion) {
				p.BaseVersion = base
				if err := e.log.Update(context.Background(), p); err != nil {
					e.logger.Error("Failed to rebase mutation", "mutation_id", p.MutationID, "error", err)
				}
			}
		}
		if p.Kind == OpDelete {
			fields, deleted = nil, true
		} else {
			fields, deleted = fields.Merge(p.Patch), false
		}
		version++
		updatedAt = p.CreatedAt
	}

	next := &Document{
		Collection: key.Collection,
		ID:         key.ID,
		Fields:     fields,
		Version:    version,
		UpdatedAt:  updatedAt,
		Deleted:    deleted,
	}
	cur, found := e.store.Lookup(key.Collection, key.ID)
	if found && sameState(cur, next) || !found && deleted {
		return
	}
	e.store.Restore(next)
}

func sameVersion(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameState(cur, next *Document) bool {
	if cur.Version != next.Version || cur.Deleted != next.Deleted || cur.SyncFailed {
		return false
	}
	return cur.Deleted || cur.Fields.Equal(next.Fields)
}

// schedulePurgeLocked removes a confirmed tombstone after the grace window
// unless the document changed meanwhile
func (e *Engine) schedulePurgeLocked(key Key) {
	known := e.known[key]
	if known == nil || !known.Deleted {
		return
	}
	version := known.Version
	e.cancelPurgeLocked(key)
	var t *time.Timer
	t = time.AfterFunc(e.cfg.TombstoneGrace, func() {
		e.mu.Lock()
		defer e.unlock()
		if e.purgeTimer[key] != t {
			return
		}
		delete(e.purgeTimer, key)
		if len(e.log.PendingFor(key.Collection, key.ID)) > 0 {
			return
		}
		if k := e.known[key]; k != nil && k.Deleted && k.Version == version {
			delete(e.known, key)
		}
		if e.store.Purge(key.Collection, key.ID, version) {
			e.logger.Debug("Purged tombstone", "collection", key.Collection, "id", key.ID, "version", version)
		}
	})
	e.purgeTimer[key] = t
}

func (e *Engine) cancelPurgeLocked(key Key) {
	if t := e.purgeTimer[key]; t != nil {
		t.Stop()
		delete(e.purgeTimer, key)
	}
}
