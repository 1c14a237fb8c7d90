// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// EngineOptions wires an Engine. Store, Log and Remote are required.
type EngineOptions struct {
	Store       *DocumentStore
	Log         *ChangeLog
	Remote      RemoteChannel
	Config      *Config            // nil uses DefaultConfig()
	Resolver    ConflictResolver   // nil uses FieldMergeResolver
	Credentials CredentialProvider // optional; sign-out clears local state
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Engine is the only writer of its DocumentStore and ChangeLog. It applies
// local writes optimistically, sends them to the remote one document head at
// a time, reconciles remote snapshots and resolves conflicts.
//
// Query callbacks and events are delivered in order after the engine lock is
// released, so they may call back into the engine.
type Engine struct {
	store    *DocumentStore
	log      *ChangeLog
	remote   RemoteChannel
	cfg      *Config
	resolver ConflictResolver
	creds    CredentialProvider
	logger   *slog.Logger
	now      func() time.Time
	backoff  Backoff
	monitor  *ConnectionMonitor
	stages   *stageObserver

	mu         sync.Mutex
	userID     string // owner of the cached data
	started    bool
	closed     bool
	cancel     context.CancelFunc
	session    context.Context // non-nil while connected
	inflight   map[Key]string  // document -> mutation id being sent
	retryTimer map[Key]*time.Timer
	purgeTimer map[Key]*time.Timer
	known      map[Key]*Document // last document state confirmed by the remote
	failing    map[string]time.Time
	stalled    map[string]bool
	remoteSubs map[string]*remoteSub
	listeners  map[int]func(Event)
	nextID     int
	outbox     []func()
	delivering bool
	unsubAuth  func()
	wg         sync.WaitGroup
}

type remoteSub struct {
	query  RemoteQuery
	refs   int
	cancel context.CancelFunc
}

// NewEngine creates an engine. Mutations already in the log are shown
// optimistically in the store right away and sent once connected.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil || opts.Log == nil || opts.Remote == nil {
		return nil, errors.New("store, log and remote are required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	} else {
		opts.Store.SetClock(now)
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = FieldMergeResolver{}
	}

	e := &Engine{
		store:      opts.Store,
		log:        opts.Log,
		remote:     opts.Remote,
		cfg:        cfg,
		resolver:   resolver,
		creds:      opts.Credentials,
		logger:     logger,
		now:        now,
		backoff:    NewBackoff(cfg),
		stages:     &stageObserver{recorder: cfg.StageMetrics, log: cfg.LogStageTimings, logger: logger, now: now},
		inflight:   make(map[Key]string),
		retryTimer: make(map[Key]*time.Timer),
		purgeTimer: make(map[Key]*time.Timer),
		known:      make(map[Key]*Document),
		failing:    make(map[string]time.Time),
		stalled:    make(map[string]bool),
		remoteSubs: make(map[string]*remoteSub),
		listeners:  make(map[int]func(Event)),
	}
	if e.creds != nil {
		e.userID = e.creds.UserID()
	}
	// the engine rejects under its lock; listeners run from its outbox
	e.log.setDispatch(e.post)
	e.monitor = NewConnectionMonitor(opts.Remote, e.backoff, e.onConnected, logger)
	e.monitor.OnStateChange(e.onConnectionState)

	e.mu.Lock()
	seen := make(map[Key]bool)
	for _, m := range e.log.AllPending() {
		if !seen[m.Key()] {
			seen[m.Key()] = true
			e.rebuildLocked(m.Key(), false)
		}
	}
	e.unlock()
	return e, nil
}

// Start runs the connection loop until ctx is done or Close is called
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	if e.creds != nil {
		e.unsubAuth = e.creds.OnAuthStateChange(e.onAuthState)
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.monitor.Run(runCtx)
	}()
	return nil
}

// Close stops all background work and waits for it. Pending mutations stay
// in the log.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.cancel != nil {
		e.cancel()
	}
	e.stopTimersLocked()
	unsubAuth := e.unsubAuth
	e.mu.Unlock()

	if unsubAuth != nil {
		unsubAuth()
	}
	e.wg.Wait()
	return nil
}

// Get returns a live document from the local cache
func (e *Engine) Get(collection, id string) (*Document, error) {
	return e.store.Get(collection, id)
}

// PendingCount returns the number of unacknowledged mutations
func (e *Engine) PendingCount() int { return e.log.Len() }

// State returns the remote connection state
func (e *Engine) State() ConnectionState { return e.monitor.State() }

// Create writes a new document. An empty id gets a generated one. A document
// whose create was rejected (SyncFailed) may be created again.
func (e *Engine) Create(ctx context.Context, collection, id string, fields Fields) (PendingMutation, error) {
	if id == "" {
		id = NewDocumentID()
	}
	e.mu.Lock()
	defer e.unlock()
	if err := e.writableLocked(collection, id); err != nil {
		return PendingMutation{}, err
	}

	key := Key{collection, id}
	cur, exists := e.store.Lookup(collection, id)
	if exists && !cur.Deleted && !cur.SyncFailed {
		return PendingMutation{}, fmt.Errorf("%w: %s", ErrAlreadyExists, key)
	}
	var (
		base    *int64
		version int64 = 1
	)
	switch {
	case exists && cur.SyncFailed:
		// never confirmed remotely
		version = cur.Version
	case exists:
		base, version = versionPtr(cur.Version), cur.Version+1
	}
	m, err := e.log.Enqueue(ctx, NewMutation(OpCreate, collection, id, fields, base, e.now()))
	if err != nil {
		return PendingMutation{}, err
	}
	e.cancelPurgeLocked(key)
	if _, err := e.store.ApplyPatch(collection, id, fields, version, false); err != nil {
		return PendingMutation{}, e.undoEnqueueLocked(ctx, m, err)
	}
	e.kickLocked(key)
	return m, nil
}

// Update merges patch into an existing document. A patch for a document whose
// last queued mutation has not been sent yet is coalesced into it.
func (e *Engine) Update(ctx context.Context, collection, id string, patch Fields) (PendingMutation, error) {
	e.mu.Lock()
	defer e.unlock()
	if err := e.writableLocked(collection, id); err != nil {
		return PendingMutation{}, err
	}

	key := Key{collection, id}
	cur, err := e.store.Get(collection, id)
	if err != nil {
		return PendingMutation{}, err
	}

	if pend := e.log.PendingFor(collection, id); len(pend) > 0 {
		tail := pend[len(pend)-1]
		if tail.Kind != OpDelete && tail.Attempts == 0 && e.inflight[key] != tail.MutationID {
			tail.Patch = tail.Patch.Merge(patch)
			if err := e.log.Update(ctx, tail); err != nil {
				return PendingMutation{}, err
			}
			if _, err := e.store.ApplyPatch(collection, id, patch, cur.Version, true); err != nil {
				return PendingMutation{}, err
			}
			e.logger.Debug("Coalesced update", "collection", collection, "id", id, "mutation_id", tail.MutationID)
			return tail, nil
		}
	}

	m, err := e.log.Enqueue(ctx, NewMutation(OpUpdate, collection, id, patch, versionPtr(cur.Version), e.now()))
	if err != nil {
		return PendingMutation{}, err
	}
	if _, err := e.store.ApplyPatch(collection, id, patch, cur.Version+1, true); err != nil {
		return PendingMutation{}, e.undoEnqueueLocked(ctx, m, err)
	}
	e.kickLocked(key)
	return m, nil
}

// Delete tombstones an existing document
func (e *Engine) Delete(ctx context.Context, collection, id string) (PendingMutation, error) {
	e.mu.Lock()
	defer e.unlock()
	if err := e.writableLocked(collection, id); err != nil {
		return PendingMutation{}, err
	}

	cur, err := e.store.Get(collection, id)
	if err != nil {
		return PendingMutation{}, err
	}
	m, err := e.log.Enqueue(ctx, NewMutation(OpDelete, collection, id, nil, versionPtr(cur.Version), e.now()))
	if err != nil {
		return PendingMutation{}, err
	}
	if err := e.store.Delete(collection, id, cur.Version+1); err != nil {
		return PendingMutation{}, e.undoEnqueueLocked(ctx, m, err)
	}
	e.kickLocked(Key{collection, id})
	return m, nil
}

// Resubmit issues the intent of a rejected mutation again as a new mutation
// against the current local state.
func (e *Engine) Resubmit(ctx context.Context, rejected PendingMutation) (PendingMutation, error) {
	cur, err := e.store.Get(rejected.Collection, rejected.ID)
	live := err == nil
	switch rejected.Kind {
	case OpDelete:
		if !live {
			return PendingMutation{}, err
		}
		return e.Delete(ctx, rejected.Collection, rejected.ID)
	case OpCreate, OpUpdate:
		if live && !cur.SyncFailed {
			return e.Update(ctx, rejected.Collection, rejected.ID, rejected.Patch)
		}
		return e.Create(ctx, rejected.Collection, rejected.ID, rejected.Patch)
	}
	return PendingMutation{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, rejected.Kind)
}

func (e *Engine) writableLocked(collection, id string) error {
	if e.closed {
		return ErrEngineClosed
	}
	if collection == "" || id == "" {
		return fmt.Errorf("%w: collection and id are required", ErrInvalidMutation)
	}
	if !e.signedInLocked() {
		return ErrSignedOut
	}
	return nil
}

func (e *Engine) signedInLocked() bool {
	return e.creds == nil || e.creds.UserID() != ""
}

// undoEnqueueLocked drops a mutation whose local apply failed
func (e *Engine) undoEnqueueLocked(ctx context.Context, m PendingMutation, cause error) error {
	if _, err := e.log.Ack(ctx, m.MutationID); err != nil {
		e.logger.Error("Failed to drop unapplied mutation", "mutation_id", m.MutationID, "error", err)
	}
	return cause
}

// Subscribe starts a live query. Remote subscriptions are shared by queries
// with the same key and released when the last of them unsubscribes.
func (e *Engine) Subscribe(ctx context.Context, q Query, onChange func(ids []string)) (*QuerySubscription, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}

	rk := q.key()
	s := newQuerySubscription(q, onChange, e.post)
	s.release = func() { e.releaseRemote(rk) }
	s.attach(e.store)

	rs := e.remoteSubs[rk]
	if rs == nil {
		rs = &remoteSub{query: q.remote()}
		e.remoteSubs[rk] = rs
		if e.session != nil && e.signedInLocked() {
			e.startRemoteSubLocked(rs)
		}
	}
	rs.refs++
	return s, nil
}

func (e *Engine) releaseRemote(key string) {
	e.mu.Lock()
	defer e.unlock()
	rs := e.remoteSubs[key]
	if rs == nil {
		return
	}
	rs.refs--
	if rs.refs > 0 {
		return
	}
	if rs.cancel != nil {
		rs.cancel()
	}
	delete(e.remoteSubs, key)
	e.logger.Debug("Released remote subscription", "query_key", key)
}

// OnEvent registers an event listener
func (e *Engine) OnEvent(fn func(Event)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// SignOut drops remote subscriptions, settles the log per SignOutPolicy and
// clears the local cache.
func (e *Engine) SignOut(ctx context.Context) error {
	return e.signOut(ctx, e.cfg.SignOutPolicy == SignOutFlushBestEffort)
}

func (e *Engine) signOut(ctx context.Context, flush bool) error {
	if flush && e.cfg.FlushOnSignOutTimeout > 0 {
		e.flushBestEffort(ctx)
	}

	e.mu.Lock()
	defer e.unlock()

	for _, rs := range e.remoteSubs {
		if rs.cancel != nil {
			rs.cancel()
			rs.cancel = nil
		}
	}
	e.stopTimersLocked()
	e.inflight = make(map[Key]string)
	e.failing = make(map[string]time.Time)
	e.stalled = make(map[string]bool)

	discarded, err := e.log.Clear(ctx)
	if err != nil {
		return err
	}
	if len(discarded) > 0 {
		e.logger.Warn("Discarded unsent mutations on sign-out", "count", len(discarded))
		e.emitLocked(Event{Kind: EventMutationsDiscarded, Discarded: discarded})
	}
	e.known = make(map[Key]*Document)
	e.store.Clear()
	return nil
}

func (e *Engine) flushBestEffort(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FlushOnSignOutTimeout)
	defer cancel()
	for e.log.Len() > 0 {
		if sleepWithContext(ctx, 20*time.Millisecond) != nil {
			return
		}
	}
}

// onAuthState clears local state on sign-out and on a switch to another
// user, then restarts remote subscriptions and sending for the signed-in one.
func (e *Engine) onAuthState(s AuthState) {
	e.mu.Lock()
	prev := e.userID
	e.userID = s.UserID
	e.mu.Unlock()

	switch {
	case !s.SignedIn():
		if err := e.SignOut(context.Background()); err != nil {
			e.logger.Error("Sign-out cleanup failed", "error", err)
		}
		return
	case prev != "" && prev != s.UserID:
		// the previous user's mutations must not go out with the new credentials
		e.logger.Info("User switched, clearing local state", "previous_user", prev, "user", s.UserID)
		if err := e.signOut(context.Background(), false); err != nil {
			e.logger.Error("Sign-out cleanup failed", "error", err)
		}
	}

	e.mu.Lock()
	defer e.unlock()
	if e.closed || e.session == nil || e.session.Err() != nil || !e.signedInLocked() {
		return
	}
	for _, rs := range e.remoteSubs {
		if rs.cancel == nil {
			e.startRemoteSubLocked(rs)
		}
	}
	e.resumeLocked()
}

func (e *Engine) onConnectionState(s ConnectionState) {
	e.mu.Lock()
	defer e.unlock()
	if s != Connected {
		e.session = nil
	}
	e.emitLocked(Event{Kind: EventConnectionState, State: s})
}

// emitLocked queues an event for every listener
func (e *Engine) emitLocked(ev Event) {
	for _, fn := range e.listeners {
		e.outbox = append(e.outbox, func() { fn(ev) })
	}
}

// post queues a callback; the caller holds e.mu
func (e *Engine) post(fn func()) {
	e.outbox = append(e.outbox, fn)
}

// unlock releases e.mu and delivers queued callbacks in order. Only one
// goroutine drains at a time; callbacks queued meanwhile join its loop.
func (e *Engine) unlock() {
	if e.delivering || len(e.outbox) == 0 {
		e.mu.Unlock()
		return
	}
	e.delivering = true
	for len(e.outbox) > 0 {
		batch := e.outbox
		e.outbox = nil
		e.mu.Unlock()
		for _, fn := range batch {
			fn()
		}
		e.mu.Lock()
	}
	e.delivering = false
	e.mu.Unlock()
}

func (e *Engine) stopTimersLocked() {
	for k, t := range e.retryTimer {
		t.Stop()
		delete(e.retryTimer, k)
	}
	for k, t := range e.purgeTimer {
		t.Stop()
		delete(e.purgeTimer, k)
	}
}
