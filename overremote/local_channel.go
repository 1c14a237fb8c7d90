// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overremote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mobiletoly/go-overcache/overcache"
)

// ErrOffline is returned by a LocalChannel switched offline
var ErrOffline = errors.New("overremote: offline")

// LocalChannel connects an engine straight to a Store in the same process.
// It can be switched offline to simulate network loss.
type LocalChannel struct {
	store  Store
	userID func() string

	mu     sync.Mutex
	online bool
	lost   chan struct{}
}

// NewLocalChannel creates an online channel acting as userID
func NewLocalChannel(store Store, userID string) *LocalChannel {
	return NewLocalChannelFunc(store, func() string { return userID })
}

// NewLocalChannelFunc resolves the user on every call, e.g. from an
// overcache.CredentialProvider
func NewLocalChannelFunc(store Store, userID func() string) *LocalChannel {
	return &LocalChannel{store: store, userID: userID, online: true}
}

// SetOnline toggles reachability. Going offline ends the current session.
func (c *LocalChannel) SetOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = online
	if !online && c.lost != nil {
		close(c.lost)
		c.lost = nil
	}
}

func (c *LocalChannel) session() (chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.online || c.lost == nil {
		return nil, ErrOffline
	}
	return c.lost, nil
}

func (c *LocalChannel) Connect(ctx context.Context) (<-chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.online {
		return nil, ErrOffline
	}
	if c.lost == nil {
		c.lost = make(chan struct{})
	}
	return c.lost, nil
}

func (c *LocalChannel) Subscribe(ctx context.Context, q overcache.RemoteQuery) (<-chan overcache.RemoteSnapshot, error) {
	lost, err := c.session()
	if err != nil {
		return nil, err
	}
	userID := c.userID()
	changes, stop := c.store.Changes().Subscribe(userID, q.Collection, q.Filters, 0)
	docs, readAt, err := c.store.Query(ctx, userID, q.Collection, q.Filters)
	if err != nil {
		stop()
		return nil, err
	}

	out := make(chan overcache.RemoteSnapshot, 16)
	go func() {
		defer close(out)
		defer stop()
		send := func(docs []overcache.Document, at time.Time) bool {
			select {
			case out <- overcache.RemoteSnapshot{Collection: q.Collection, QueryKey: q.Key, Documents: docs, ReadTimestamp: at}:
				return true
			case <-ctx.Done():
			case <-lost:
			}
			return false
		}
		if !send(docs, readAt) {
			return
		}
		for {
			select {
			case d, ok := <-changes:
				if !ok || !send([]overcache.Document{d}, d.UpdatedAt) {
					return
				}
			case <-ctx.Done():
				return
			case <-lost:
				return
			}
		}
	}()
	return out, nil
}

func (c *LocalChannel) Send(ctx context.Context, m overcache.PendingMutation) (overcache.SendResult, error) {
	if _, err := c.session(); err != nil {
		return overcache.SendResult{}, err
	}
	res, err := c.store.Apply(ctx, c.userID(), RequestFromMutation(m))
	if err != nil {
		return overcache.SendResult{}, err
	}
	return res.SendResult(), nil
}
