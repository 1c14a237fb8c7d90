package overcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConnectionMonitor_ReconnectsAfterLoss(t *testing.T) {
	r := newFakeRemote(false)
	b := NewBackoff(testConfig())

	var (
		mu       sync.Mutex
		states   []ConnectionState
		sessions []context.Context
	)
	m := NewConnectionMonitor(r, b, func(s context.Context) {
		mu.Lock()
		sessions = append(sessions, s)
		mu.Unlock()
	}, nil)
	m.OnStateChange(func(s ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return m.State() == Reconnecting }, time.Second, 2*time.Millisecond)
	r.setOnline(true)
	require.Eventually(t, func() bool { return m.State() == Connected }, time.Second, 2*time.Millisecond)

	r.setOnline(false)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sessions) == 1 && sessions[0].Err() != nil
	}, time.Second, 2*time.Millisecond)

	r.setOnline(true)
	require.Eventually(t, func() bool { return r.connectCount() == 2 }, time.Second, 2*time.Millisecond)

	cancel()
	<-done
	require.Equal(t, Disconnected, m.State())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, Reconnecting, states[0])
	require.Contains(t, states, Connected)
	require.Equal(t, Disconnected, states[len(states)-1])
	for _, s := range sessions {
		require.Error(t, s.Err())
	}
}

func TestConnectionState_String(t *testing.T) {
	require.Equal(t, "connected", Connected.String())
	require.Equal(t, "reconnecting", Reconnecting.String())
	require.Equal(t, "disconnected", Disconnected.String())
}
