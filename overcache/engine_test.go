package overcache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func habit(id string, version int64, fields Fields) *Document {
	return &Document{Collection: "habits", ID: id, Version: version, Fields: fields, UpdatedAt: time.Now().Add(-time.Hour)}
}

func waitDrained(t *testing.T, e *Engine) {
	t.Helper()
	require.Eventually(t, func() bool { return e.PendingCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_OfflineEditIsSentOnReconnect(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(false)
	f := newEngineFixture(t, r, nil)
	f.seed(t, habit("h1", 1, Fields{"name": String("run"), "completed": Bool(false)}))

	m, err := f.engine.Update(ctx, "habits", "h1", Fields{"completed": Bool(true)})
	require.NoError(t, err)
	require.Equal(t, int64(1), *m.BaseVersion)

	d := f.doc(t, "h1")
	require.Equal(t, int64(2), d.Version)
	require.True(t, d.Fields["completed"].Equal(Bool(true)))
	require.Equal(t, 1, f.engine.PendingCount())
	r.requireNoSend(t, 30*time.Millisecond)

	r.setOnline(true)
	call := r.nextSend(t)
	require.Equal(t, m.MutationID, call.m.MutationID)
	call.answer(Acked(2))
	waitDrained(t, f.engine)

	d = f.doc(t, "h1")
	require.Equal(t, int64(2), d.Version)
	require.True(t, d.Fields["completed"].Equal(Bool(true)))
	require.True(t, d.Fields["name"].Equal(String("run")))
}

func TestEngine_OneMutationInFlightPerDocument(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(true)
	f := newEngineFixture(t, r, nil)
	f.waitConnected(t)
	f.seed(t, habit("h1", 1, Fields{}), habit("h2", 1, Fields{}))

	m1, err := f.engine.Update(ctx, "habits", "h1", Fields{"a": Int(1)})
	require.NoError(t, err)
	c1 := r.nextSend(t)
	require.Equal(t, m1.MutationID, c1.m.MutationID)

	// m1 is in flight, so the next edit becomes its own mutation
	m2, err := f.engine.Update(ctx, "habits", "h1", Fields{"b": Int(2)})
	require.NoError(t, err)
	require.NotEqual(t, m1.MutationID, m2.MutationID)
	require.Equal(t, int64(2), *m2.BaseVersion)

	// other documents are not held back
	m3, err := f.engine.Update(ctx, "habits", "h2", Fields{"c": Int(3)})
	require.NoError(t, err)
	c3 := r.nextSend(t)
	require.Equal(t, m3.MutationID, c3.m.MutationID)
	r.requireNoSend(t, 50*time.Millisecond)

	c1.answer(Acked(2))
	c2 := r.nextSend(t)
	require.Equal(t, m2.MutationID, c2.m.MutationID)
	require.Equal(t, int64(2), *c2.m.BaseVersion)
	c2.answer(Acked(3))
	c3.answer(Acked(2))
	waitDrained(t, f.engine)

	d := f.doc(t, "h1")
	require.Equal(t, int64(3), d.Version)
	require.True(t, d.Fields.Equal(Fields{"a": Int(1), "b": Int(2)}))
}

func TestEngine_CoalescesUnsentUpdates(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(false)
	f := newEngineFixture(t, r, nil)
	f.seed(t, habit("h1", 1, Fields{"name": String("run")}))

	m1, err := f.engine.Update(ctx, "habits", "h1", Fields{"a": Int(1)})
	require.NoError(t, err)
	m2, err := f.engine.Update(ctx, "habits", "h1", Fields{"b": Int(2), "a": Int(5)})
	require.NoError(t, err)
	require.Equal(t, m1.MutationID, m2.MutationID)
	require.Equal(t, 1, f.engine.PendingCount())
	require.Equal(t, int64(2), f.doc(t, "h1").Version)

	r.setOnline(true)
	c := r.nextSend(t)
	require.True(t, c.m.Patch.Equal(Fields{"a": Int(5), "b": Int(2)}))
	c.answer(Acked(2))
	waitDrained(t, f.engine)
}

func TestEngine_StaleSnapshotDoesNotClobberPendingEdit(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(false)
	f := newEngineFixture(t, r, nil)
	f.seed(t, habit("h1", 5, Fields{"name": String("v5")}))

	_, err := f.engine.Update(ctx, "habits", "h1", Fields{"name": String("local")})
	require.NoError(t, err)
	require.Equal(t, int64(6), f.doc(t, "h1").Version)

	f.seed(t, habit("h1", 4, Fields{"name": String("stale")}))
	f.seed(t, habit("h1", 5, Fields{"name": String("v5 again")}))
	d := f.doc(t, "h1")
	require.Equal(t, int64(6), d.Version)
	require.True(t, d.Fields["name"].Equal(String("local")))

	// a newer remote state is taken with the pending edit replayed on top
	f.seed(t, habit("h1", 7, Fields{"name": String("remote"), "color": String("red")}))
	d = f.doc(t, "h1")
	require.Equal(t, int64(8), d.Version)
	require.True(t, d.Fields["name"].Equal(String("local")))
	require.True(t, d.Fields["color"].Equal(String("red")))
	require.Equal(t, 1, f.engine.PendingCount())
}

func TestEngine_ConflictRebasesUntilRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(true)
	f := newEngineFixture(t, r, nil)
	f.waitConnected(t)
	f.seed(t, habit("h1", 1, Fields{"name": String("a"), "count": Int(1)}))

	m, err := f.engine.Update(ctx, "habits", "h1", Fields{"count": Int(2)})
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)

	c := r.nextSend(t)
	require.Equal(t, int64(1), *c.m.BaseVersion)
	c.answer(Conflicted(5, Fields{"name": String("b"), "count": Int(1)}, past, false))

	c = r.nextSend(t)
	require.Equal(t, m.MutationID, c.m.MutationID)
	require.Equal(t, int64(5), *c.m.BaseVersion)
	require.True(t, c.m.Patch.Equal(Fields{"count": Int(2)}))
	d := f.doc(t, "h1")
	require.Equal(t, int64(6), d.Version)
	require.True(t, d.Fields.Equal(Fields{"name": String("b"), "count": Int(2)}))
	c.answer(Conflicted(6, Fields{"name": String("c"), "count": Int(1)}, past, false))

	c = r.nextSend(t)
	require.Equal(t, int64(6), *c.m.BaseVersion)
	c.answer(Conflicted(7, Fields{"name": String("d"), "count": Int(9)}, past, false))

	ev := f.nextEvent(t)
	require.Equal(t, EventRejected, ev.Kind)
	require.Equal(t, ReasonConflictRetriesExhausted, ev.Reason)
	require.True(t, ev.Retryable)
	require.Equal(t, m.MutationID, ev.Mutation.MutationID)
	r.requireNoSend(t, 30*time.Millisecond)

	d = f.doc(t, "h1")
	require.Equal(t, int64(7), d.Version)
	require.True(t, d.Fields.Equal(Fields{"name": String("d"), "count": Int(9)}))
	require.Zero(t, f.engine.PendingCount())
}

func TestEngine_ConflictWithRemoteWins(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(true)
	f := newEngineFixture(t, r, func(o *EngineOptions) { o.Resolver = RemoteWinsResolver{} })
	f.waitConnected(t)
	f.seed(t, habit("h1", 1, Fields{"name": String("a")}))

	_, err := f.engine.Update(ctx, "habits", "h1", Fields{"name": String("mine")})
	require.NoError(t, err)
	r.nextSend(t).answer(Conflicted(3, Fields{"name": String("theirs")}, time.Now(), false))

	c := r.nextSend(t)
	require.Empty(t, c.m.Patch)
	c.answer(Acked(4))
	waitDrained(t, f.engine)
	require.True(t, f.doc(t, "h1").Fields["name"].Equal(String("theirs")))
}

func TestEngine_ResolverErrorRejects(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(true)
	f := newEngineFixture(t, r, func(o *EngineOptions) {
		o.Resolver = ResolverFunc(func(Conflict) (Fields, error) { return nil, errors.New("no merge") })
	})
	f.waitConnected(t)
	f.seed(t, habit("h1", 1, Fields{"name": String("a")}))

	_, err := f.engine.Update(ctx, "habits", "h1", Fields{"name": String("mine")})
	require.NoError(t, err)
	r.nextSend(t).answer(Conflicted(2, Fields{"name": String("theirs")}, time.Now(), false))

	ev := f.nextEvent(t)
	require.Equal(t, ReasonResolverFailed, ev.Reason)
	require.False(t, ev.Retryable)
	require.True(t, f.doc(t, "h1").Fields["name"].Equal(String("theirs")))
}

func TestEngine_UpdateAgainstNewerRemoteDelete(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(true)
	f := newEngineFixture(t, r, nil)
	f.waitConnected(t)
	f.seed(t, habit("h1", 1, Fields{"name": String("a")}))

	_, err := f.engine.Update(ctx, "habits", "h1", Fields{"name": String("b")})
	require.NoError(t, err)
	r.nextSend(t).answer(Conflicted(2, nil, time.Now().Add(time.Minute), true))

	ev := f.nextEvent(t)
	require.Equal(t, ReasonDeletedRemotely, ev.Reason)
	require.True(t, ev.Retryable)
	_, err = f.engine.Get("habits", "h1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_CreateOverExistingRemoteBecomesUpdate(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(true)
	f := newEngineFixture(t, r, nil)
	f.waitConnected(t)

	m, err := f.engine.Create(ctx, "habits", "h1", Fields{"name": String("mine")})
	require.NoError(t, err)
	require.Nil(t, m.BaseVersion)
	r.nextSend(t).answer(Conflicted(3, Fields{"name": String("theirs"), "color": String("blue")}, time.Now().Add(-time.Hour), false))

	c := r.nextSend(t)
	require.Equal(t, OpUpdate, c.m.Kind)
	require.Equal(t, int64(3), *c.m.BaseVersion)
	c.answer(Acked(4))
	waitDrained(t, f.engine)

	d := f.doc(t, "h1")
	require.Equal(t, int64(4), d.Version)
	require.True(t, d.Fields.Equal(Fields{"name": String("mine"), "color": String("blue")}))
}

func TestEngine_RejectRollsBackToConfirmedState(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(true)
	f := newEngineFixture(t, r, nil)
	f.waitConnected(t)
	f.seed(t, habit("h1", 1, Fields{"name": String("a")}))

	_, err := f.engine.Update(ctx, "habits", "h1", Fields{"name": String("b")})
	require.NoError(t, err)
	require.True(t, f.doc(t, "h1").Fields["name"].Equal(String("b")))
	r.nextSend(t).answer(Rejected(ReasonPermissionDenied))

	ev := f.nextEvent(t)
	require.Equal(t, EventRejected, ev.Kind)
	require.Equal(t, ReasonPermissionDenied, ev.Reason)
	require.False(t, ev.Retryable)

	d := f.doc(t, "h1")
	require.Equal(t, int64(1), d.Version)
	require.True(t, d.Fields["name"].Equal(String("a")))
	require.Zero(t, f.engine.PendingCount())
}

func TestEngine_RejectedCreateIsMarkedSyncFailed(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(true)
	f := newEngineFixture(t, r, nil)
	f.waitConnected(t)

	m, err := f.engine.Create(ctx, "habits", "", Fields{"name": String("x")})
	require.NoError(t, err)
	require.NotEmpty(t, m.ID)
	r.nextSend(t).answer(Rejected(ReasonValidation))
	require.Equal(t, ReasonValidation, f.nextEvent(t).Reason)

	d := f.doc(t, m.ID)
	require.True(t, d.SyncFailed)

	// resubmitting the rejected create recreates the document
	m2, err := f.engine.Resubmit(ctx, m)
	require.NoError(t, err)
	require.NotEqual(t, m.MutationID, m2.MutationID)
	r.nextSend(t).answer(Acked(1))
	waitDrained(t, f.engine)
	require.False(t, f.doc(t, m.ID).SyncFailed)
}

func TestEngine_TransientFailuresRetryAndReportStalled(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(true)
	f := newEngineFixture(t, r, func(o *EngineOptions) { o.Config.StalledThreshold = time.Millisecond })
	f.waitConnected(t)
	f.seed(t, habit("h1", 1, Fields{}))

	m, err := f.engine.Update(ctx, "habits", "h1", Fields{"a": Int(1)})
	require.NoError(t, err)

	r.nextSend(t).fail(errors.New("boom"))
	c := r.nextSend(t)
	require.Equal(t, 1, c.m.Attempts)
	c.fail(errors.New("boom again"))

	ev := f.nextEvent(t)
	require.Equal(t, EventStalled, ev.Kind)
	require.Equal(t, m.MutationID, ev.Mutation.MutationID)
	require.Equal(t, "boom again", ev.LastError)
	require.Positive(t, ev.FailingFor)

	c = r.nextSend(t)
	require.Equal(t, 2, c.m.Attempts)
	c.answer(Acked(2))
	waitDrained(t, f.engine)
}

func TestEngine_SendTimeoutIsTransient(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(true)
	f := newEngineFixture(t, r, func(o *EngineOptions) { o.Config.SendTimeout = 20 * time.Millisecond })
	f.waitConnected(t)
	f.seed(t, habit("h1", 1, Fields{}))

	_, err := f.engine.Update(ctx, "habits", "h1", Fields{"a": Int(1)})
	require.NoError(t, err)
	r.nextSend(t) // never answered

	c := r.nextSend(t)
	require.Equal(t, 1, c.m.Attempts)
	c.answer(Acked(2))
	waitDrained(t, f.engine)
}

func TestEngine_ReconnectResubscribesAndFlushes(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(true)
	f := newEngineFixture(t, r, nil)
	f.waitConnected(t)

	sub, err := f.engine.Subscribe(ctx, Query{Collection: "habits"}, func([]string) {})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.Eventually(t, func() bool { return r.subscribeCount("habits") == 1 }, time.Second, 5*time.Millisecond)

	r.push("habits", RemoteSnapshot{Collection: "habits", QueryKey: "habits", Documents: []Document{*habit("h1", 1, Fields{"n": Int(1)})}})
	require.Eventually(t, func() bool { return len(sub.Result()) == 1 }, time.Second, 5*time.Millisecond)

	r.setOnline(false)
	require.Eventually(t, func() bool { return f.engine.State() != Connected }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return r.activeSubs("habits") == 0 }, time.Second, 5*time.Millisecond)

	m, err := f.engine.Update(ctx, "habits", "h1", Fields{"n": Int(2)})
	require.NoError(t, err)
	r.requireNoSend(t, 30*time.Millisecond)

	r.setOnline(true)
	c := r.nextSend(t)
	require.Equal(t, m.MutationID, c.m.MutationID)
	c.answer(Acked(2))
	waitDrained(t, f.engine)
	require.Eventually(t, func() bool { return r.subscribeCount("habits") == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 2, r.connectCount())
}

func TestEngine_RemoteSubscriptionsAreRefCounted(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(true)
	f := newEngineFixture(t, r, nil)
	f.waitConnected(t)

	q := Query{Key: "daily", Collection: "habits", Filters: []FieldFilter{Where("frequency", FilterEq, String("daily"))}}
	s1, err := f.engine.Subscribe(ctx, q, func([]string) {})
	require.NoError(t, err)
	s2, err := f.engine.Subscribe(ctx, q, func([]string) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.activeSubs("daily") == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, r.subscribeCount("daily"))

	s1.Unsubscribe()
	s1.Unsubscribe()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, r.activeSubs("daily"))

	s2.Unsubscribe()
	require.Eventually(t, func() bool { return r.activeSubs("daily") == 0 }, time.Second, 5*time.Millisecond)
}

func TestEngine_QueryCallbacksMayCallEngine(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(false)
	f := newEngineFixture(t, r, nil)

	var (
		mu    sync.Mutex
		calls [][]string
		errs  []error
	)
	sub, err := f.engine.Subscribe(ctx, Query{Collection: "habits"}, func(ids []string) {
		var err error
		for _, id := range ids {
			_, err = f.engine.Update(ctx, "habits", id, Fields{"seen": Bool(true)})
		}
		mu.Lock()
		calls = append(calls, ids)
		errs = append(errs, err)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = f.engine.Create(ctx, "habits", "h1", Fields{"name": String("run")})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, [][]string{{"h1"}}, calls)
	require.NoError(t, errs[0])
	require.True(t, f.doc(t, "h1").Fields["seen"].Equal(Bool(true)))
	require.Equal(t, 1, f.engine.PendingCount())
}

func TestEngine_SignOutDiscardsLocalState(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(false)
	creds := NewStaticCredentials("u1", "token")
	f := newEngineFixture(t, r, func(o *EngineOptions) { o.Credentials = creds })
	f.seed(t, habit("h1", 1, Fields{}))

	m, err := f.engine.Update(ctx, "habits", "h1", Fields{"a": Int(1)})
	require.NoError(t, err)

	creds.SignOut()
	ev := f.nextEvent(t)
	require.Equal(t, EventMutationsDiscarded, ev.Kind)
	require.Len(t, ev.Discarded, 1)
	require.Equal(t, m.MutationID, ev.Discarded[0].MutationID)
	require.Zero(t, f.engine.PendingCount())
	require.Zero(t, f.store.Len())

	_, err = f.engine.Create(ctx, "habits", "h2", Fields{})
	require.ErrorIs(t, err, ErrSignedOut)

	creds.SignIn("u2", "token2")
	_, err = f.engine.Create(ctx, "habits", "h2", Fields{})
	require.NoError(t, err)
}

func TestEngine_SignOutFlushesBestEffort(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(true)
	f := newEngineFixture(t, r, func(o *EngineOptions) {
		o.Config.SignOutPolicy = SignOutFlushBestEffort
		o.Config.FlushOnSignOutTimeout = time.Second
	})
	f.waitConnected(t)
	f.seed(t, habit("h1", 1, Fields{}))

	_, err := f.engine.Update(ctx, "habits", "h1", Fields{"a": Int(1)})
	require.NoError(t, err)
	go func() {
		c := <-r.sends
		c.answer(Acked(2))
	}()

	require.NoError(t, f.engine.SignOut(ctx))
	require.Zero(t, f.engine.PendingCount())
	select {
	case ev := <-f.events:
		t.Fatalf("unexpected event %s", ev.Kind)
	default:
	}
}

func TestEngine_DeleteAckPurgesTombstone(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(true)
	f := newEngineFixture(t, r, nil)
	f.waitConnected(t)
	f.seed(t, habit("h1", 1, Fields{"name": String("a")}))

	_, err := f.engine.Delete(ctx, "habits", "h1")
	require.NoError(t, err)
	_, err = f.engine.Get("habits", "h1")
	require.ErrorIs(t, err, ErrNotFound)

	r.nextSend(t).answer(Acked(2))
	waitDrained(t, f.engine)

	// an older snapshot cannot resurrect it
	f.seed(t, habit("h1", 1, Fields{"name": String("a")}))
	_, err = f.engine.Get("habits", "h1")
	require.ErrorIs(t, err, ErrNotFound)

	require.Eventually(t, func() bool {
		_, ok := f.store.Lookup("habits", "h1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_LocalWriteErrors(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, newFakeRemote(false), nil)
	f.seed(t, habit("h1", 1, Fields{}))

	_, err := f.engine.Update(ctx, "habits", "missing", Fields{"a": Int(1)})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.engine.Delete(ctx, "habits", "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.engine.Create(ctx, "habits", "h1", Fields{})
	require.ErrorIs(t, err, ErrAlreadyExists)
	_, err = f.engine.Update(ctx, "", "h1", Fields{})
	require.ErrorIs(t, err, ErrInvalidMutation)
	require.Zero(t, f.engine.PendingCount())

	require.NoError(t, f.engine.Close())
	_, err = f.engine.Create(ctx, "habits", "h2", Fields{})
	require.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngine_ResumesPersistedMutations(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pending.db")

	p, err := OpenSQLitePersister(path)
	require.NoError(t, err)
	log, err := NewChangeLog(ctx, p, nil)
	require.NoError(t, err)
	m, err := log.Enqueue(ctx, NewMutation(OpCreate, "habits", "h1", Fields{"name": String("run")}, nil, time.Now()))
	require.NoError(t, err)
	require.NoError(t, p.Close())

	p, err = OpenSQLitePersister(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	log, err = NewChangeLog(ctx, p, nil)
	require.NoError(t, err)

	r := newFakeRemote(true)
	f := newEngineFixture(t, r, func(o *EngineOptions) { o.Log = log })

	// shown optimistically before the remote is reached
	d := f.doc(t, "h1")
	require.Equal(t, int64(1), d.Version)
	require.True(t, d.Fields["name"].Equal(String("run")))

	c := r.nextSend(t)
	require.Equal(t, m.MutationID, c.m.MutationID)
	c.answer(Acked(1))
	waitDrained(t, f.engine)
}

func TestEngine_SignInRestartsRemoteSubscriptions(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(true)
	creds := NewStaticCredentials("u1", "t1")
	f := newEngineFixture(t, r, func(o *EngineOptions) { o.Credentials = creds })
	f.waitConnected(t)

	sub, err := f.engine.Subscribe(ctx, Query{Collection: "habits"}, func([]string) {})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.Eventually(t, func() bool { return r.activeSubs("habits") == 1 }, time.Second, 5*time.Millisecond)

	creds.SignOut()
	require.Eventually(t, func() bool { return r.activeSubs("habits") == 0 }, time.Second, 5*time.Millisecond)

	// queries opened while signed out wait for the next sign-in
	daily := Query{Key: "daily", Collection: "habits", Filters: []FieldFilter{Where("frequency", FilterEq, String("daily"))}}
	sub2, err := f.engine.Subscribe(ctx, daily, func([]string) {})
	require.NoError(t, err)
	defer sub2.Unsubscribe()
	time.Sleep(30 * time.Millisecond)
	require.Zero(t, r.subscribeCount("daily"))

	creds.SignIn("u2", "t2")
	require.Eventually(t, func() bool {
		return r.activeSubs("habits") == 1 && r.activeSubs("daily") == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 2, r.subscribeCount("habits"))
	require.Equal(t, 1, r.connectCount())

	r.push("habits", RemoteSnapshot{Collection: "habits", QueryKey: "habits", Documents: []Document{*habit("h1", 1, Fields{})}})
	require.Eventually(t, func() bool { return len(sub.Result()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngine_RejectListenersMayCallEngine(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(true)
	f := newEngineFixture(t, r, nil)
	f.waitConnected(t)
	f.seed(t, habit("h1", 1, Fields{"name": String("a")}))

	type resubmitted struct {
		m   PendingMutation
		err error
	}
	retried := make(chan resubmitted, 1)
	unsub := f.log.OnReject(func(rm RejectedMutation) {
		m, err := f.engine.Resubmit(ctx, rm.Mutation)
		retried <- resubmitted{m, err}
	})
	defer unsub()

	_, err := f.engine.Update(ctx, "habits", "h1", Fields{"name": String("b")})
	require.NoError(t, err)
	r.nextSend(t).answer(Rejected(ReasonPermissionDenied))

	var got resubmitted
	select {
	case got = <-retried:
	case <-time.After(2 * time.Second):
		t.Fatal("reject listener did not return")
	}
	require.NoError(t, got.err)
	require.Equal(t, int64(1), *got.m.BaseVersion)

	c := r.nextSend(t)
	require.Equal(t, got.m.MutationID, c.m.MutationID)
	c.answer(Acked(2))
	waitDrained(t, f.engine)
	require.True(t, f.doc(t, "h1").Fields["name"].Equal(String("b")))
}

func TestEngine_SnapshotAfterSignOutIsDropped(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(true)
	creds := NewStaticCredentials("u1", "t1")
	f := newEngineFixture(t, r, func(o *EngineOptions) { o.Credentials = creds })
	f.waitConnected(t)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	f.engine.applySnapshot(cancelled, RemoteSnapshot{Collection: "habits", Documents: []Document{*habit("h9", 1, Fields{})}})
	_, ok := f.store.Lookup("habits", "h9")
	require.False(t, ok)

	sub, err := f.engine.Subscribe(ctx, Query{Collection: "habits"}, func([]string) {})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.Eventually(t, func() bool { return r.activeSubs("habits") == 1 }, time.Second, 5*time.Millisecond)

	// the snapshot is buffered while sign-out waits for the engine
	f.engine.mu.Lock()
	r.push("habits", RemoteSnapshot{Collection: "habits", QueryKey: "habits", Documents: []Document{*habit("h1", 1, Fields{})}})
	done := make(chan struct{})
	go func() {
		creds.SignOut()
		close(done)
	}()
	f.engine.mu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sign-out did not finish")
	}
	require.Never(t, func() bool { return f.store.Len() > 0 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestEngine_UserSwitchClearsPreviousUser(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(false)
	creds := NewStaticCredentials("u1", "t1")
	f := newEngineFixture(t, r, func(o *EngineOptions) { o.Credentials = creds })
	f.seed(t, habit("h1", 1, Fields{}))

	m, err := f.engine.Update(ctx, "habits", "h1", Fields{"a": Int(1)})
	require.NoError(t, err)

	creds.SignIn("u2", "t2")
	ev := f.nextEvent(t)
	require.Equal(t, EventMutationsDiscarded, ev.Kind)
	require.Len(t, ev.Discarded, 1)
	require.Equal(t, m.MutationID, ev.Discarded[0].MutationID)
	require.Zero(t, f.engine.PendingCount())
	require.Zero(t, f.store.Len())

	// a token refresh for the same user keeps local state
	m2, err := f.engine.Create(ctx, "habits", "h2", Fields{"name": String("swim")})
	require.NoError(t, err)
	creds.SignIn("u2", "t3")
	require.Equal(t, 1, f.engine.PendingCount())
	f.doc(t, "h2")

	r.setOnline(true)
	c := r.nextSend(t)
	require.Equal(t, m2.MutationID, c.m.MutationID)
	c.answer(Acked(1))
	waitDrained(t, f.engine)
	r.requireNoSend(t, 30*time.Millisecond)
}
