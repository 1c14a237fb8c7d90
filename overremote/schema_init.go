// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overremote

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the document tables within an existing transaction
func initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS overcache`,

		// 1) Current document state, tombstones included (user-scoped)
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS overcache.documents (
			user_id     TEXT        NOT NULL,
			collection  TEXT        NOT NULL,
			doc_id      TEXT        NOT NULL,
			fields      JSON,
			version     BIGINT      NOT NULL,
			deleted     BOOLEAN     NOT NULL DEFAULT FALSE,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, collection, doc_id),
			CONSTRAINT documents_fields_by_deleted_chk
			CHECK ((deleted AND fields IS NULL) OR (NOT deleted AND fields IS NOT NULL))
		)`,

		// 2) Idempotency gate: acked result per client mutation id
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS overcache.applied_mutations (
			user_id     TEXT        NOT NULL,
			mutation_id TEXT        NOT NULL,
			collection  TEXT        NOT NULL,
			doc_id      TEXT        NOT NULL,
			response    JSON        NOT NULL,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, mutation_id)
		)`,

		`CREATE INDEX IF NOT EXISTS documents_user_updated_idx ON overcache.documents(user_id, collection, updated_at)`,
		`CREATE INDEX IF NOT EXISTS applied_mutations_applied_at_idx ON overcache.applied_mutations(applied_at)`,
	}

	for i, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("document store migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
