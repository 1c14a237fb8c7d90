// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overremote

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/mobiletoly/go-overcache/internal/auth"
	"github.com/mobiletoly/go-overcache/overcache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Server exposes a Store over HTTP and WebSocket. Every handler expects the
// user id in the request context, as set by JWTAuth.Middleware.
type Server struct {
	store    Store
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a new instance of the sync handlers
func NewServer(store Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  store,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Register mounts the sync endpoints on mux behind authn
func (s *Server) Register(mux *http.ServeMux, authn func(http.Handler) http.Handler) {
	mux.HandleFunc("GET /health", HandleHealth)
	mux.Handle("POST /sync/mutations", authn(http.HandlerFunc(s.HandleMutation)))
	mux.Handle("GET /sync/documents", authn(http.HandlerFunc(s.HandleDocuments)))
	mux.Handle("GET /sync/ws", authn(http.HandlerFunc(s.HandleSocket)))
}

// HandleMutation applies one mutation and returns its outcome
func (s *Server) HandleMutation(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, s.logger, http.StatusUnauthorized, "authentication_failed", "user id missing")
		return
	}

	var req MutationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(&req); err != nil {
		writeError(w, s.logger, http.StatusBadRequest, "invalid_request", "Failed to parse mutation request")
		return
	}

	ctx, span := startSpan(r.Context(), "overremote.HandleMutation", trace.SpanKindServer, mutationAttrs(req)...)
	defer span.End()

	res, err := s.store.Apply(ctx, userID, req)
	if err != nil {
		spanError(span, err)
		s.logger.Error("Failed to apply mutation", "error", err, "user_id", userID, "mutation_id", req.MutationID)
		writeError(w, s.logger, http.StatusServiceUnavailable, "apply_failed", "Failed to apply mutation, retry later")
		return
	}
	res.RequestID = req.RequestID
	writeJSON(w, s.logger, res)
}

// HandleDocuments returns the current documents of a collection. Filters
// are passed as a JSON array in the filters query parameter.
func (s *Server) HandleDocuments(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, s.logger, http.StatusUnauthorized, "authentication_failed", "user id missing")
		return
	}

	collection := r.URL.Query().Get("collection")
	if collection == "" {
		writeError(w, s.logger, http.StatusBadRequest, "invalid_request", "collection is required")
		return
	}
	var filters []overcache.FieldFilter
	if raw := r.URL.Query().Get("filters"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filters); err != nil {
			writeError(w, s.logger, http.StatusBadRequest, "invalid_request", "filters must be a JSON array")
			return
		}
		for _, f := range filters {
			if err := f.Validate(); err != nil {
				writeError(w, s.logger, http.StatusBadRequest, "invalid_request", err.Error())
				return
			}
		}
	}

	ctx, span := startSpan(r.Context(), "overremote.HandleDocuments", trace.SpanKindServer,
		attribute.String("overcache.collection", collection))
	defer span.End()

	docs, readAt, err := s.store.Query(ctx, userID, collection, filters)
	if err != nil {
		spanError(span, err)
		s.logger.Error("Failed to query documents", "error", err, "user_id", userID, "collection", collection)
		writeError(w, s.logger, http.StatusInternalServerError, "query_failed", "Failed to query documents")
		return
	}
	writeJSON(w, s.logger, DocumentsResponse{Collection: collection, Documents: docs, ReadTimestamp: readAt})
}

// HandleSocket upgrades to the WebSocket sync protocol
func (s *Server) HandleSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, s.logger, http.StatusUnauthorized, "authentication_failed", "user id missing")
		return
	}
	deviceID, _ := auth.GetDeviceID(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		s.logger.Warn("Failed to upgrade WebSocket", "error", err, "user_id", userID)
		return
	}
	s.logger.Info("WebSocket connected", "user_id", userID, "device_id", deviceID)
	newSocketConn(s, conn, userID, deviceID).run()
}

// HandleHealth reports liveness
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func writeError(w http.ResponseWriter, logger *slog.Logger, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errorCode, Message: message})

	logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
