// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"log/slog"
	"sync"
)

// ConnectionMonitor keeps a RemoteChannel session alive. It reconnects with
// backoff after every failure or loss and calls onConnected with a context
// that is cancelled when that session ends.
type ConnectionMonitor struct {
	remote      RemoteChannel
	backoff     Backoff
	onConnected func(session context.Context)
	logger      *slog.Logger

	mu        sync.Mutex
	state     ConnectionState
	listeners map[int]func(ConnectionState)
	nextID    int
}

func NewConnectionMonitor(remote RemoteChannel, backoff Backoff, onConnected func(context.Context), logger *slog.Logger) *ConnectionMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if onConnected == nil {
		onConnected = func(context.Context) {}
	}
	return &ConnectionMonitor{
		remote:      remote,
		backoff:     backoff,
		onConnected: onConnected,
		logger:      logger,
		state:       Disconnected,
		listeners:   make(map[int]func(ConnectionState)),
	}
}

// State returns the current connection state
func (m *ConnectionMonitor) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers a listener called on every transition
func (m *ConnectionMonitor) OnStateChange(fn func(ConnectionState)) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Run connects and reconnects until ctx is done
func (m *ConnectionMonitor) Run(ctx context.Context) {
	defer m.setState(Disconnected)

	attempt := 0
	for ctx.Err() == nil {
		m.setState(Reconnecting)
		lost, err := m.remote.Connect(ctx)
		if err != nil {
			delay := m.backoff.Next(attempt)
			attempt++
			m.logger.Info("Remote connect failed", "attempt", attempt, "retry_in", delay, "error", err)
			if sleepWithContext(ctx, delay) != nil {
				return
			}
			continue
		}

		attempt = 0
		session, cancel := context.WithCancel(ctx)
		m.setState(Connected)
		m.onConnected(session)

		select {
		case <-lost:
			m.logger.Info("Remote connection lost")
		case <-ctx.Done():
		}
		cancel()
		if ctx.Err() != nil {
			return
		}
		m.setState(Disconnected)

		if sleepWithContext(ctx, m.backoff.Next(0)) != nil {
			return
		}
	}
}

func (m *ConnectionMonitor) setState(s ConnectionState) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = s
	listeners := make([]func(ConnectionState), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	m.logger.Info("Connection state changed", "from", prev.String(), "to", s.String())
	for _, fn := range listeners {
		fn(s)
	}
}
