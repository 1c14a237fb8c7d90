// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overremote

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mobiletoly/go-overcache/overcache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer
	maxMessageSize = 1 << 20
	// Outgoing frames buffered per connection
	sendBuffer = 256
)

// socketConn is one authenticated WebSocket session. The read pump
// dispatches frames; the write pump is the only writer of the connection.
type socketConn struct {
	srv      *Server
	conn     *websocket.Conn
	userID   string
	deviceID string
	logger   *slog.Logger
	send     chan Frame

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

func newSocketConn(srv *Server, conn *websocket.Conn, userID, deviceID string) *socketConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &socketConn{
		srv:      srv,
		conn:     conn,
		userID:   userID,
		deviceID: deviceID,
		logger:   srv.logger.With("user_id", userID, "device_id", deviceID),
		send:     make(chan Frame, sendBuffer),
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[string]context.CancelFunc),
	}
}

// run blocks until the connection ends
func (c *socketConn) run() {
	go c.writePump()
	c.readPump()

	c.cancel()
	c.wg.Wait()
	c.logger.Info("WebSocket disconnected")
}

func (c *socketConn) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}
		if c.ctx.Err() != nil {
			return
		}
		c.dispatch(f)
	}
}

func (c *socketConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				c.logger.Warn("WebSocket write error", "error", err)
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// enqueue hands a frame to the write pump. A peer that stops reading
// fills the buffer and gets disconnected.
func (c *socketConn) enqueue(f Frame) bool {
	select {
	case c.send <- f:
		return true
	case <-c.ctx.Done():
		return false
	default:
		c.logger.Warn("WebSocket send buffer full, closing connection")
		c.cancel()
		return false
	}
}

func (c *socketConn) dispatch(f Frame) {
	switch f.Type {
	case FrameMutation:
		if f.Mutation == nil {
			c.sendError("invalid_request", "mutation frame without payload")
			return
		}
		req := *f.Mutation
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.applyMutation(req)
		}()
	case FrameSubscribe:
		if f.Subscribe == nil || f.Subscribe.SubID == "" || f.Subscribe.Collection == "" {
			c.sendError("invalid_request", "subscribe frame requires sub_id and collection")
			return
		}
		for _, ff := range f.Subscribe.Filters {
			if err := ff.Validate(); err != nil {
				c.sendError("invalid_request", err.Error())
				return
			}
		}
		c.subscribe(*f.Subscribe)
	case FrameUnsubscribe:
		c.mu.Lock()
		cancel := c.subs[f.Unsubscribe]
		delete(c.subs, f.Unsubscribe)
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	default:
		c.sendError("invalid_request", "unknown frame type "+f.Type)
	}
}

func (c *socketConn) sendError(code, message string) {
	c.enqueue(Frame{Type: FrameError, Error: &ErrorResponse{Error: code, Message: message}})
}

func (c *socketConn) applyMutation(req MutationRequest) {
	ctx, span := startSpan(c.ctx, "overremote.socket.Apply", trace.SpanKindServer, mutationAttrs(req)...)
	defer span.End()

	res, err := c.srv.store.Apply(ctx, c.userID, req)
	if err != nil {
		spanError(span, err)
		c.logger.Error("Failed to apply mutation", "error", err, "mutation_id", req.MutationID)
		// No result frame: the client times out and retries the same mutation id.
		return
	}
	span.SetAttributes(attribute.String("overcache.status", res.Status))
	res.RequestID = req.RequestID
	c.enqueue(Frame{Type: FrameResult, Result: &res})
}

// subscribe registers with the hub before reading so that no commit between
// the read and the registration is missed. Changes already in the snapshot
// may arrive again; clients ignore versions they have seen.
func (c *socketConn) subscribe(req SubscribeRequest) {
	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	if prev := c.subs[req.SubID]; prev != nil {
		prev()
	}
	c.subs[req.SubID] = cancel
	c.mu.Unlock()

	changes, stop := c.srv.store.Changes().Subscribe(c.userID, req.Collection, req.Filters, 0)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer stop()
		defer c.forget(ctx, req.SubID)

		docs, readAt, err := c.srv.store.Query(ctx, c.userID, req.Collection, req.Filters)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("Failed to query subscription", "error", err, "collection", req.Collection)
				c.enqueue(Frame{Type: FrameUnsubscribe, Unsubscribe: req.SubID})
			}
			return
		}
		if !c.enqueue(c.snapshotFrame(req, docs, readAt)) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-changes:
				if !ok {
					// dropped by the hub; tell the client to subscribe again
					c.logger.Debug("Subscription dropped by hub", "sub_id", req.SubID)
					c.enqueue(Frame{Type: FrameUnsubscribe, Unsubscribe: req.SubID})
					return
				}
				if !c.enqueue(c.snapshotFrame(req, []overcache.Document{d}, d.UpdatedAt)) {
					return
				}
			}
		}
	}()
}

// forget removes the subscription if it is still the registered one
func (c *socketConn) forget(ctx context.Context, subID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.subs[subID]; ok && ctx.Err() == nil {
		delete(c.subs, subID)
		cancel()
	}
}

func (c *socketConn) snapshotFrame(req SubscribeRequest, docs []overcache.Document, readAt time.Time) Frame {
	return Frame{Type: FrameSnapshot, Snapshot: &SnapshotMessage{
		SubID:         req.SubID,
		Collection:    req.Collection,
		QueryKey:      req.QueryKey,
		Documents:     docs,
		ReadTimestamp: readAt,
	}}
}

// String renders a frame for debug logs
func (f Frame) String() string {
	b, _ := json.Marshal(f)
	return string(b)
}
