package overcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRemote is a scripted RemoteChannel: every Send blocks until the test
// answers it, and snapshots are pushed by hand.
type fakeRemote struct {
	mu         sync.Mutex
	online     bool
	lost       chan struct{}
	connects   int
	sends      chan *sendCall
	subs       map[string][]chan RemoteSnapshot
	subscribed map[string]int
}

type sendCall struct {
	m     PendingMutation
	reply chan sendReply
}

type sendReply struct {
	res SendResult
	err error
}

var errOffline = errors.New("offline")

func newFakeRemote(online bool) *fakeRemote {
	return &fakeRemote{
		online:     online,
		sends:      make(chan *sendCall, 64),
		subs:       make(map[string][]chan RemoteSnapshot),
		subscribed: make(map[string]int),
	}
}

func (r *fakeRemote) Connect(ctx context.Context) (<-chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.online {
		return nil, errOffline
	}
	r.connects++
	r.lost = make(chan struct{})
	return r.lost, nil
}

// setOnline toggles reachability; going offline drops the session
func (r *fakeRemote) setOnline(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = online
	if !online && r.lost != nil {
		close(r.lost)
		r.lost = nil
	}
}

func (r *fakeRemote) Subscribe(ctx context.Context, q RemoteQuery) (<-chan RemoteSnapshot, error) {
	ch := make(chan RemoteSnapshot, 16)
	r.mu.Lock()
	r.subs[q.Key] = append(r.subs[q.Key], ch)
	r.subscribed[q.Key]++
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.subs[q.Key]
		for i, c := range list {
			if c == ch {
				r.subs[q.Key] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (r *fakeRemote) activeSubs(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[key])
}

func (r *fakeRemote) subscribeCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribed[key]
}

func (r *fakeRemote) connectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

func (r *fakeRemote) push(key string, snap RemoteSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs[key] {
		ch <- snap
	}
}

func (r *fakeRemote) Send(ctx context.Context, m PendingMutation) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}
	call := &sendCall{m: m, reply: make(chan sendReply, 1)}
	r.sends <- call
	select {
	case rep := <-call.reply:
		return rep.res, rep.err
	case <-ctx.Done():
		return SendResult{}, ctx.Err()
	}
}

func (r *fakeRemote) nextSend(t *testing.T) *sendCall {
	t.Helper()
	select {
	case c := <-r.sends:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a send")
		return nil
	}
}

func (r *fakeRemote) requireNoSend(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case c := <-r.sends:
		t.Fatalf("unexpected send of %s %s/%s", c.m.Kind, c.m.Collection, c.m.ID)
	case <-time.After(wait):
	}
}

func (c *sendCall) answer(res SendResult) { c.reply <- sendReply{res: res} }
func (c *sendCall) fail(err error)       { c.reply <- sendReply{err: err} }

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.BackoffBase = 5 * time.Millisecond
	cfg.BackoffCap = 20 * time.Millisecond
	cfg.TombstoneGrace = 20 * time.Millisecond
	cfg.SendTimeout = 2 * time.Second
	return cfg
}

type engineFixture struct {
	engine *Engine
	store  *DocumentStore
	log    *ChangeLog
	remote *fakeRemote
	events chan Event
}

func newEngineFixture(t *testing.T, remote *fakeRemote, configure func(*EngineOptions)) *engineFixture {
	t.Helper()
	store := NewDocumentStore(nil)
	log, err := NewChangeLog(context.Background(), nil, nil)
	require.NoError(t, err)

	opts := EngineOptions{Store: store, Log: log, Remote: remote, Config: testConfig()}
	if configure != nil {
		configure(&opts)
	}
	e, err := NewEngine(opts)
	require.NoError(t, err)

	f := &engineFixture{engine: e, store: opts.Store, log: opts.Log, remote: remote, events: make(chan Event, 64)}
	e.OnEvent(func(ev Event) {
		if ev.Kind != EventConnectionState {
			f.events <- ev
		}
	})
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		remote.setOnline(false)
		_ = e.Close()
	})
	return f
}

func (f *engineFixture) seed(t *testing.T, docs ...*Document) {
	t.Helper()
	snap := RemoteSnapshot{Collection: "habits"}
	for _, d := range docs {
		snap.Documents = append(snap.Documents, *d)
	}
	f.engine.ApplySnapshot(snap)
}

func (f *engineFixture) waitConnected(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return f.engine.State() == Connected }, 2*time.Second, 5*time.Millisecond)
}

func (f *engineFixture) nextEvent(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
		return Event{}
	}
}

func (f *engineFixture) doc(t *testing.T, id string) *Document {
	t.Helper()
	d, err := f.engine.Get("habits", id)
	require.NoError(t, err)
	return d
}
