// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overremote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mobiletoly/go-overcache/overcache"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotConnected is returned by WebSocketChannel calls made without a session
var ErrNotConnected = errors.New("overremote: not connected")

// TokenSource returns the bearer token for the next handshake
type TokenSource func(ctx context.Context) (string, error)

// WebSocketChannel is an overcache.RemoteChannel speaking the socket
// protocol of Server. Each Connect opens a new session; mutation results
// are correlated by request id.
type WebSocketChannel struct {
	url    string
	token  TokenSource
	dialer *websocket.Dialer
	logger *slog.Logger

	mu   sync.Mutex
	sess *wsSession
}

// NewWebSocketChannel creates a channel for url (ws:// or wss://, path
// /sync/ws). token may be nil for unauthenticated test servers.
func NewWebSocketChannel(url string, token TokenSource, logger *slog.Logger) *WebSocketChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketChannel{
		url:    url,
		token:  token,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
	}
}

type wsSession struct {
	conn   *websocket.Conn
	logger *slog.Logger
	out    chan Frame
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	pending map[string]chan MutationResponse
	subs    map[string]*wsSub
}

type wsSub struct {
	ch     chan overcache.RemoteSnapshot
	ended  chan struct{}
	end    sync.Once
	mu     sync.Mutex
	closed bool
}

func (s *wsSub) stop() { s.end.Do(func() { close(s.ended) }) }

func (c *WebSocketChannel) Connect(ctx context.Context) (<-chan struct{}, error) {
	header := http.Header{}
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get token: %w", err)
		}
		header.Set("Authorization", "Bearer "+tok)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (status %d): %w", c.url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", c.url, err)
	}

	sess := &wsSession{
		conn:    conn,
		logger:  c.logger,
		out:     make(chan Frame, sendBuffer),
		done:    make(chan struct{}),
		pending: make(map[string]chan MutationResponse),
		subs:    make(map[string]*wsSub),
	}
	c.mu.Lock()
	old := c.sess
	c.sess = sess
	c.mu.Unlock()
	if old != nil {
		old.shutdown()
	}

	go sess.writePump()
	go sess.readPump()
	c.logger.Debug("WebSocket session established", "url", c.url)
	return sess.done, nil
}

// Close ends the current session
func (c *WebSocketChannel) Close() error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	if sess != nil {
		sess.shutdown()
	}
	return nil
}

func (c *WebSocketChannel) current() (*wsSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.sess.isDone() {
		return nil, ErrNotConnected
	}
	return c.sess, nil
}

func (c *WebSocketChannel) Subscribe(ctx context.Context, q overcache.RemoteQuery) (<-chan overcache.RemoteSnapshot, error) {
	sess, err := c.current()
	if err != nil {
		return nil, err
	}

	subID := ksuid.New().String()
	sub := &wsSub{ch: make(chan overcache.RemoteSnapshot, 16), ended: make(chan struct{})}
	sess.mu.Lock()
	sess.subs[subID] = sub
	sess.mu.Unlock()

	if !sess.enqueue(ctx, Frame{Type: FrameSubscribe, Subscribe: &SubscribeRequest{
		SubID:      subID,
		Collection: q.Collection,
		QueryKey:   q.Key,
		Filters:    q.Filters,
	}}) {
		sess.removeSub(subID)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotConnected
	}

	go func() {
		select {
		case <-ctx.Done():
			sess.enqueue(context.Background(), Frame{Type: FrameUnsubscribe, Unsubscribe: subID})
		case <-sess.done:
		case <-sub.ended:
		}
		sub.stop()
		sess.removeSub(subID)
		sub.mu.Lock()
		sub.closed = true
		close(sub.ch)
		sub.mu.Unlock()
	}()
	return sub.ch, nil
}

func (c *WebSocketChannel) Send(ctx context.Context, m overcache.PendingMutation) (overcache.SendResult, error) {
	sess, err := c.current()
	if err != nil {
		return overcache.SendResult{}, err
	}

	req := RequestFromMutation(m)
	req.RequestID = ksuid.New().String()
	ctx, span := startSpan(ctx, "overremote.Send", trace.SpanKindClient, mutationAttrs(req)...)
	defer span.End()

	reply := make(chan MutationResponse, 1)
	sess.mu.Lock()
	sess.pending[req.RequestID] = reply
	sess.mu.Unlock()
	defer func() {
		sess.mu.Lock()
		delete(sess.pending, req.RequestID)
		sess.mu.Unlock()
	}()

	if !sess.enqueue(ctx, Frame{Type: FrameMutation, Mutation: &req}) {
		err := ctx.Err()
		if err == nil {
			err = ErrNotConnected
		}
		spanError(span, err)
		return overcache.SendResult{}, err
	}

	select {
	case res := <-reply:
		span.SetAttributes(attribute.String("overcache.status", res.Status))
		return res.SendResult(), nil
	case <-ctx.Done():
		spanError(span, ctx.Err())
		return overcache.SendResult{}, ctx.Err()
	case <-sess.done:
		spanError(span, ErrNotConnected)
		return overcache.SendResult{}, ErrNotConnected
	}
}

func (s *wsSession) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *wsSession) shutdown() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *wsSession) enqueue(ctx context.Context, f Frame) bool {
	select {
	case s.out <- f:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}

func (s *wsSession) removeSub(subID string) {
	s.mu.Lock()
	delete(s.subs, subID)
	s.mu.Unlock()
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.shutdown()
	}()

	for {
		select {
		case f := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				s.logger.Warn("WebSocket write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *wsSession) readPump() {
	defer s.shutdown()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	// the server pings too; any traffic keeps the session alive
	s.conn.SetPingHandler(func(data string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var f Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if !s.isDone() && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.dispatch(f)
	}
}

func (s *wsSession) dispatch(f Frame) {
	switch f.Type {
	case FrameResult:
		if f.Result == nil {
			return
		}
		s.mu.Lock()
		reply := s.pending[f.Result.RequestID]
		s.mu.Unlock()
		if reply != nil {
			select {
			case reply <- *f.Result:
			default:
			}
		}
	case FrameSnapshot:
		if f.Snapshot == nil {
			return
		}
		s.mu.Lock()
		sub := s.subs[f.Snapshot.SubID]
		s.mu.Unlock()
		if sub != nil {
			sub.deliver(f.Snapshot.RemoteSnapshot(), s.done)
		}
	case FrameUnsubscribe:
		s.mu.Lock()
		sub := s.subs[f.Unsubscribe]
		s.mu.Unlock()
		if sub != nil {
			sub.stop()
		}
	case FrameError:
		if f.Error != nil {
			s.logger.Warn("Remote reported error", "error", f.Error.Error, "message", f.Error.Message)
		}
	default:
		s.logger.Debug("Ignoring unknown frame", "frame", f.String())
	}
}

// deliver blocks until the snapshot is consumed or the subscription ends
func (s *wsSub) deliver(snap overcache.RemoteSnapshot, done <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- snap:
	case <-s.ended:
	case <-done:
	}
}
