// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"time"
)

// onConnected runs for every new remote session: it re-issues active
// subscriptions and flushes the log in createdAt order.
func (e *Engine) onConnected(session context.Context) {
	e.mu.Lock()
	defer e.unlock()
	if e.closed {
		return
	}
	e.session = session
	if !e.signedInLocked() {
		return
	}
	for _, rs := range e.remoteSubs {
		e.startRemoteSubLocked(rs)
	}
	e.resumeLocked()
}

// resumeLocked drops pending retry delays and sends the head of every
// document that has pending mutations
func (e *Engine) resumeLocked() {
	for k, t := range e.retryTimer {
		t.Stop()
		delete(e.retryTimer, k)
	}
	seen := make(map[Key]bool)
	for _, m := range e.log.AllPending() {
		if k := m.Key(); !seen[k] {
			seen[k] = true
			e.kickLocked(k)
		}
	}
}

// kickLocked sends the head mutation of a document unless one is already in
// flight or waiting for its retry delay
func (e *Engine) kickLocked(key Key) {
	if e.closed || e.session == nil || e.session.Err() != nil {
		return
	}
	if e.inflight[key] != "" || e.retryTimer[key] != nil {
		return
	}
	if !e.signedInLocked() {
		return
	}
	pend := e.log.PendingFor(key.Collection, key.ID)
	if len(pend) == 0 {
		return
	}
	head := pend[0]
	e.inflight[key] = head.MutationID
	session := e.session
	e.wg.Add(1)
	go e.send(session, head)
}

func (e *Engine) send(session context.Context, m PendingMutation) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(session, e.cfg.SendTimeout)
	start := e.stages.start()
	res, err := e.remote.Send(ctx, m)
	cancel()
	if err == nil {
		err = res.validate()
	}
	e.stages.observe(session, MetricsOpSend, MetricsStageRemote, start, 1, m.Attempts+1, err != nil)

	e.mu.Lock()
	defer e.unlock()
	key := m.Key()
	if e.inflight[key] != m.MutationID {
		// signed out while sending
		return
	}
	delete(e.inflight, key)
	if e.closed {
		return
	}
	cur, ok := e.log.Get(m.MutationID)
	if !ok {
		return
	}

	if err != nil {
		e.onTransientLocked(cur, err)
		return
	}
	switch res.Status {
	case StAcked:
		e.onAckLocked(cur, res)
	case StConflict:
		e.onConflictLocked(cur, res)
	case StRejected:
		e.rejectLocked(cur, res.Reason)
	}
}

func (e *Engine) onTransientLocked(m PendingMutation, cause error) {
	key := m.Key()
	m.Attempts++
	if err := e.log.Update(context.Background(), m); err != nil {
		e.logger.Error("Failed to persist attempt count", "mutation_id", m.MutationID, "error", err)
	}

	now := e.now()
	since, ok := e.failing[m.MutationID]
	if !ok {
		since = now
		e.failing[m.MutationID] = since
	}
	if th := e.cfg.StalledThreshold; th > 0 && now.Sub(since) >= th && !e.stalled[m.MutationID] {
		e.stalled[m.MutationID] = true
		e.logger.Warn("Mutation stalled", "mutation_id", m.MutationID, "collection", m.Collection,
			"id", m.ID, "failing_for", now.Sub(since), "error", cause)
		e.emitLocked(Event{Kind: EventStalled, Mutation: m, FailingFor: now.Sub(since), LastError: cause.Error()})
	}

	delay := e.backoff.Next(m.Attempts - 1)
	e.logger.Debug("Send failed, will retry", "mutation_id", m.MutationID, "attempt", m.Attempts,
		"retry_in", delay, "error", cause)
	e.scheduleRetryLocked(key, delay)
}

func (e *Engine) scheduleRetryLocked(key Key, delay time.Duration) {
	if old := e.retryTimer[key]; old != nil {
		old.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		e.mu.Lock()
		defer e.unlock()
		if e.retryTimer[key] != t {
			return
		}
		delete(e.retryTimer, key)
		e.kickLocked(key)
	})
	e.retryTimer[key] = t
}

func (e *Engine) settledLocked(m PendingMutation) {
	delete(e.failing, m.MutationID)
	delete(e.stalled, m.MutationID)
}

func (e *Engine) onAckLocked(m PendingMutation, res SendResult) {
	key := m.Key()
	acked, err := e.log.Ack(context.Background(), m.MutationID)
	if err != nil {
		// the remote dedupes by mutation id, so resending is safe
		e.logger.Error("Failed to remove acked mutation", "mutation_id", m.MutationID, "error", err)
		e.scheduleRetryLocked(key, e.backoff.Next(0))
		return
	}
	if !acked {
		return
	}
	e.settledLocked(m)

	updatedAt := res.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = e.now().UTC()
	}
	confirmed := &Document{Collection: m.Collection, ID: m.ID, Version: res.Version, UpdatedAt: updatedAt}
	if m.Kind == OpDelete {
		confirmed.Deleted = true
	} else {
		confirmed.Fields = e.ackedFieldsLocked(m, res)
	}
	if k := e.known[key]; k == nil || k.Version <= confirmed.Version {
		e.known[key] = confirmed
	}
	e.logger.Debug("Mutation acked", "mutation_id", m.MutationID, "collection", m.Collection,
		"id", m.ID, "version", res.Version)

	e.rebuildLocked(key, true)
	if m.Kind == OpDelete {
		e.schedulePurgeLocked(key)
	}
	e.kickLocked(key)
}

// ackedFieldsLocked returns the remote fields after m was applied
func (e *Engine) ackedFieldsLocked(m PendingMutation, res SendResult) Fields {
	if res.Fields != nil {
		return res.Fields.Clone()
	}
	if m.Kind == OpCreate {
		return m.Patch.Clone()
	}
	if k := e.known[m.Key()]; k != nil && !k.Deleted && m.BaseVersion != nil && k.Version == *m.BaseVersion {
		return k.Fields.Merge(m.Patch)
	}
	if cur, ok := e.store.Lookup(m.Collection, m.ID); ok && !cur.Deleted {
		return cur.Fields
	}
	return m.Patch.Clone()
}

func (e *Engine) onConflictLocked(m PendingMutation, res SendResult) {
	key := m.Key()
	remote := &Document{
		Collection: m.Collection,
		ID:         m.ID,
		Fields:     res.CurrentFields.Clone(),
		Version:    res.CurrentVersion,
		UpdatedAt:  res.CurrentUpdatedAt,
		Deleted:    res.CurrentDeleted,
	}
	prev := e.known[key]
	e.known[key] = remote

	m.ConflictRetries++
	if m.ConflictRetries >= e.cfg.ConflictRetryLimit {
		e.rejectLocked(m, ReasonConflictRetriesExhausted)
		return
	}
	e.logger.Debug("Mutation conflicted", "mutation_id", m.MutationID, "collection", m.Collection,
		"id", m.ID, "remote_version", remote.Version, "retry", m.ConflictRetries)

	remoteLive := !remote.Deleted && remote.Version > 0
	switch m.Kind {
	case OpDelete:
		if !remoteLive {
			// already gone remotely
			e.onAckLocked(m, SendResult{Status: StAcked, Version: remote.Version, UpdatedAt: remote.UpdatedAt})
			return
		}
	case OpCreate, OpUpdate:
		if !remoteLive {
			if m.Kind == OpUpdate && m.CreatedAt.Before(remote.UpdatedAt) {
				e.rejectLocked(m, ReasonDeletedRemotely)
				return
			}
			// the local edit is newer: recreate the document with its full local state
			if m.Kind == OpUpdate && prev != nil && !prev.Deleted {
				m.Patch = prev.Fields.Merge(m.Patch)
			}
			m.Kind = OpCreate
			break
		}
		m.Kind = OpUpdate
		start := e.stages.start()
		patch, err := e.resolver.Resolve(Conflict{Mutation: m.Clone(), Remote: *remote.Clone()})
		e.stages.observe(context.Background(), MetricsOpSend, MetricsStageResolve, start, len(m.Patch), m.ConflictRetries, err != nil)
		if err != nil {
			e.logger.Warn("Conflict resolver failed", "mutation_id", m.MutationID, "error", err)
			e.rejectLocked(m, ReasonResolverFailed)
			return
		}
		m.Patch = patch
	}

	if err := e.log.Update(context.Background(), m); err != nil {
		e.logger.Error("Failed to persist resolved mutation", "mutation_id", m.MutationID, "error", err)
		e.scheduleRetryLocked(key, e.backoff.Next(0))
		return
	}
	e.rebuildLocked(key, true)
	e.kickLocked(key)
}

// rejectLocked ends a mutation terminally and rolls the local document back
// to the last confirmed remote state overlaid with the remaining mutations
func (e *Engine) rejectLocked(m PendingMutation, reason string) {
	key := m.Key()
	rejected, err := e.log.Reject(context.Background(), m.MutationID, reason)
	if err != nil {
		e.logger.Error("Failed to remove rejected mutation", "mutation_id", m.MutationID, "error", err)
		e.scheduleRetryLocked(key, e.backoff.Next(0))
		return
	}
	if !rejected {
		return
	}
	e.settledLocked(m)

	if e.known[key] == nil && len(e.log.PendingFor(m.Collection, m.ID)) == 0 {
		e.store.MarkSyncFailed(m.Collection, m.ID)
	} else {
		e.rebuildLocked(key, true)
	}
	e.emitLocked(Event{Kind: EventRejected, Mutation: m, Reason: reason, Retryable: IsRetryableReason(reason)})
	e.kickLocked(key)
}
