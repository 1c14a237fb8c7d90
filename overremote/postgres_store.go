// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-overcache/overcache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PostgresStore is a Store backed by the overcache.documents table. Each
// mutation runs in its own transaction that locks the document row, checks
// the base version and records the acked result for idempotent replays.
type PostgresStore struct {
	pool     *pgxpool.Pool
	validate Validator
	hub      *Hub
	logger   *slog.Logger
}

// NewPostgresStore creates the schema if needed. The pool stays owned by the caller.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, validate Validator, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return initializeSchemaInTx(ctx, tx)
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize document store schema: %w", err)
	}
	logger.Debug("Document store schema initialized successfully")
	return &PostgresStore{pool: pool, validate: validate, hub: NewHub(), logger: logger}, nil
}

func (s *PostgresStore) Changes() *Hub { return s.hub }

func (s *PostgresStore) Apply(ctx context.Context, userID string, req MutationRequest) (MutationResponse, error) {
	if res := checkRequest(userID, req, s.validate); res != nil {
		return *res, nil
	}
	ctx, span := startSpan(ctx, "overremote.Apply", trace.SpanKindInternal, mutationAttrs(req)...)
	defer span.End()

	var (
		res        MutationResponse
		prev, next *overcache.Document
		replayed   bool
	)
	err := withRetryableTx(ctx, s.pool, s.logger, func(tx pgx.Tx) error {
		prev, next, replayed = nil, nil, false

		stored, found, err := s.appliedResponse(ctx, tx, userID, req.MutationID)
		if err != nil {
			return err
		}
		if found {
			res, replayed = stored, true
			return nil
		}

		cur, err := s.loadForUpdate(ctx, tx, userID, req.Collection, req.ID)
		if err != nil {
			return err
		}
		next, res = applyMutation(req, cur, time.Now())
		if next == nil {
			return nil
		}
		if err := s.write(ctx, tx, userID, cur, next); err != nil {
			return err
		}
		prev = cur
		return s.recordApplied(ctx, tx, userID, req, res)
	})
	if err != nil {
		spanError(span, err)
		return MutationResponse{}, fmt.Errorf("failed to apply mutation %s: %w", req.MutationID, err)
	}
	span.SetAttributes(attribute.String("overcache.status", res.Status), attribute.Bool("overcache.replayed", replayed))

	if next != nil {
		s.hub.Publish(userID, prev, next)
		s.logger.Debug("Applied mutation", "user_id", userID, "collection", req.Collection, "id", req.ID,
			"kind", req.Kind, "version", next.Version)
	}
	return res, nil
}

func (s *PostgresStore) appliedResponse(ctx context.Context, tx pgx.Tx, userID, mutationID string) (MutationResponse, bool, error) {
	var raw []byte
	err := tx.QueryRow(ctx, `
		SELECT response
		FROM overcache.applied_mutations
		WHERE user_id = $1 AND mutation_id = $2`, userID, mutationID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return MutationResponse{}, false, nil
	}
	if err != nil {
		return MutationResponse{}, false, fmt.Errorf("failed to check applied mutation: %w", err)
	}
	var res MutationResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return MutationResponse{}, false, fmt.Errorf("failed to decode applied mutation: %w", err)
	}
	return res, true, nil
}

func (s *PostgresStore) loadForUpdate(ctx context.Context, tx pgx.Tx, userID, collection, id string) (*overcache.Document, error) {
	row := tx.QueryRow(ctx, `
		SELECT doc_id, fields, version, deleted, updated_at
		FROM overcache.documents
		WHERE user_id = $1 AND collection = $2 AND doc_id = $3
		FOR UPDATE`, userID, collection, id)
	d, err := scanDocument(row, collection)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (s *PostgresStore) write(ctx context.Context, tx pgx.Tx, userID string, cur, next *overcache.Document) error {
	var fields []byte
	if !next.Deleted {
		b, err := json.Marshal(next.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode fields: %w", err)
		}
		fields = b
	}

	if cur == nil {
		tag, err := tx.Exec(ctx, `
			INSERT INTO overcache.documents (user_id, collection, doc_id, fields, version, deleted, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id, collection, doc_id) DO NOTHING`,
			userID, next.Collection, next.ID, fields, next.Version, next.Deleted, next.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert document: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errLostRace
		}
		return nil
	}

	_, err := tx.Exec(ctx, `
		UPDATE overcache.documents
		SET fields = $4, version = $5, deleted = $6, updated_at = $7
		WHERE user_id = $1 AND collection = $2 AND doc_id = $3`,
		userID, next.Collection, next.ID, fields, next.Version, next.Deleted, next.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	return nil
}

func (s *PostgresStore) recordApplied(ctx context.Context, tx pgx.Tx, userID string, req MutationRequest, res MutationResponse) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO overcache.applied_mutations (user_id, mutation_id, collection, doc_id, response)
		VALUES ($1, $2, $3, $4, $5)`,
		userID, req.MutationID, req.Collection, req.ID, raw); err != nil {
		return fmt.Errorf("failed to record applied mutation: %w", err)
	}
	return nil
}

// Query filters in Go: field values are stored in their tagged JSON form,
// which SQL cannot compare directly.
func (s *PostgresStore) Query(ctx context.Context, userID, collection string, filters []overcache.FieldFilter) ([]overcache.Document, time.Time, error) {
	ctx, span := startSpan(ctx, "overremote.Query", trace.SpanKindInternal,
		attribute.String("overcache.collection", collection), attribute.Int("overcache.filters", len(filters)))
	defer span.End()

	var (
		out    = make([]overcache.Document, 0)
		readAt time.Time
	)
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `SELECT now()`).Scan(&readAt); err != nil {
			return fmt.Errorf("failed to read timestamp: %w", err)
		}
		rows, err := tx.Query(ctx, `
			SELECT doc_id, fields, version, deleted, updated_at
			FROM overcache.documents
			WHERE user_id = $1 AND collection = $2
			ORDER BY doc_id`, userID, collection)
		if err != nil {
			return fmt.Errorf("failed to query documents: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			d, err := scanDocument(rows, collection)
			if err != nil {
				return err
			}
			if d.Deleted || overcache.MatchAll(filters, d.Fields) {
				out = append(out, *d)
			}
		}
		return rows.Err()
	})
	if err != nil {
		spanError(span, err)
		return nil, time.Time{}, err
	}
	span.SetAttributes(attribute.Int("overcache.documents", len(out)))
	return out, readAt.UTC(), nil
}

func scanDocument(row pgx.Row, collection string) (*overcache.Document, error) {
	d := &overcache.Document{Collection: collection}
	var fields []byte
	if err := row.Scan(&d.ID, &fields, &d.Version, &d.Deleted, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}
	if fields != nil {
		if err := json.Unmarshal(fields, &d.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode fields of %s/%s: %w", collection, d.ID, err)
		}
	}
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}
