// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"errors"
	"sync"
)

// AuthState is delivered to credential listeners. An empty UserID means
// signed out.
type AuthState struct {
	UserID string
}

func (s AuthState) SignedIn() bool { return s.UserID != "" }

// CredentialProvider is the boundary to the authentication service. The
// engine uses only the user id, a bearer token and sign-out notifications.
type CredentialProvider interface {
	UserID() string
	Token(ctx context.Context) (string, error)
	OnAuthStateChange(fn func(AuthState)) (unsubscribe func())
}

// StaticCredentials is an in-process CredentialProvider holding a fixed
// user id and token until SignOut is called.
type StaticCredentials struct {
	mu        sync.Mutex
	userID    string
	token     string
	listeners map[int]func(AuthState)
	nextID    int
}

func NewStaticCredentials(userID, token string) *StaticCredentials {
	return &StaticCredentials{
		userID:    userID,
		token:     token,
		listeners: make(map[int]func(AuthState)),
	}
}

func (c *StaticCredentials) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *StaticCredentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID == "" {
		return "", errors.New("not signed in")
	}
	return c.token, nil
}

func (c *StaticCredentials) OnAuthStateChange(fn func(AuthState)) (unsubscribe func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// SignIn switches to another user and notifies listeners
func (c *StaticCredentials) SignIn(userID, token string) {
	c.set(userID, token)
}

// SignOut clears the credentials and notifies listeners
func (c *StaticCredentials) SignOut() {
	c.set("", "")
}

func (c *StaticCredentials) set(userID, token string) {
	c.mu.Lock()
	c.userID, c.token = userID, token
	listeners := make([]func(AuthState), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(AuthState{UserID: userID})
	}
}
