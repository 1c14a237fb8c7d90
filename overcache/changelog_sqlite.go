// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLitePersister keeps ChangeLog entries in the _cache_pending table,
// one row per mutation.
type SQLitePersister struct {
	DB *sql.DB
}

// OpenSQLitePersister opens (or creates) a SQLite file and prepares it
func OpenSQLitePersister(path string) (*SQLitePersister, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	p, err := NewSQLitePersister(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// NewSQLitePersister prepares the pending table on an already opened database
func NewSQLitePersister(db *sql.DB) (*SQLitePersister, error) {
	if err := initializePendingTable(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &SQLitePersister{DB: db}, nil
}

func initializePendingTable(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS _cache_pending (
			mutation_id      TEXT PRIMARY KEY,
			collection       TEXT NOT NULL,
			doc_id           TEXT NOT NULL,
			kind             TEXT NOT NULL CHECK (kind IN ('CREATE','UPDATE','DELETE')),
			patch            TEXT,             -- JSON fields (NULL for DELETE)
			base_version     INTEGER,          -- NULL when the document was unknown
			created_at       INTEGER NOT NULL, -- unix nanoseconds
			attempts         INTEGER NOT NULL DEFAULT 0,
			conflict_retries INTEGER NOT NULL DEFAULT 0,
			seq              INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS _cache_pending_doc ON _cache_pending (collection, doc_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create pending table: %w", err)
		}
	}
	return nil
}

func (p *SQLitePersister) Load(ctx context.Context) ([]PendingMutation, error) {
	rows, err := p.DB.QueryContext(ctx, `
		SELECT mutation_id, collection, doc_id, kind, patch, base_version,
		       created_at, attempts, conflict_retries, seq
		FROM _cache_pending
		ORDER BY created_at, seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending mutations: %w", err)
	}
	defer rows.Close()

	var out []PendingMutation
	for rows.Next() {
		var (
			m       PendingMutation
			kind    string
			patch   sql.NullString
			base    sql.NullInt64
			created int64
		)
		if err := rows.Scan(&m.MutationID, &m.Collection, &m.ID, &kind, &patch, &base,
			&created, &m.Attempts, &m.ConflictRetries, &m.Seq); err != nil {
			return nil, fmt.Errorf("failed to scan pending mutation: %w", err)
		}
		m.Kind = MutationKind(kind)
		m.CreatedAt = time.Unix(0, created).UTC()
		if base.Valid {
			m.BaseVersion = versionPtr(base.Int64)
		}
		if patch.Valid {
			if err := json.Unmarshal([]byte(patch.String), &m.Patch); err != nil {
				return nil, fmt.Errorf("failed to decode patch of %s: %w", m.MutationID, err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending mutations: %w", err)
	}
	return out, nil
}

func (p *SQLitePersister) Save(ctx context.Context, m PendingMutation) error {
	var patch sql.NullString
	if m.Patch != nil {
		b, err := json.Marshal(m.Patch)
		if err != nil {
			return fmt.Errorf("failed to encode patch: %w", err)
		}
		patch = sql.NullString{String: string(b), Valid: true}
	}
	var base sql.NullInt64
	if m.BaseVersion != nil {
		base = sql.NullInt64{Int64: *m.BaseVersion, Valid: true}
	}

	_, err := p.DB.ExecContext(ctx, `
		INSERT INTO _cache_pending (mutation_id, collection, doc_id, kind, patch, base_version,
		                            created_at, attempts, conflict_retries, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mutation_id) DO UPDATE SET
			kind = excluded.kind,
			patch = excluded.patch,
			base_version = excluded.base_version,
			attempts = excluded.attempts,
			conflict_retries = excluded.conflict_retries`,
		m.MutationID, m.Collection, m.ID, string(m.Kind), patch, base,
		m.CreatedAt.UnixNano(), m.Attempts, m.ConflictRetries, m.Seq)
	if err != nil {
		return fmt.Errorf("failed to upsert pending mutation: %w", err)
	}
	return nil
}

func (p *SQLitePersister) Delete(ctx context.Context, mutationID string) error {
	if _, err := p.DB.ExecContext(ctx, `DELETE FROM _cache_pending WHERE mutation_id = ?`, mutationID); err != nil {
		return fmt.Errorf("failed to delete pending mutation: %w", err)
	}
	return nil
}

func (p *SQLitePersister) DeleteAll(ctx context.Context) error {
	if _, err := p.DB.ExecContext(ctx, `DELETE FROM _cache_pending`); err != nil {
		return fmt.Errorf("failed to clear pending mutations: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (p *SQLitePersister) Close() error {
	return p.DB.Close()
}
