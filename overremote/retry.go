// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overremote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// errLostRace is returned inside a transaction when a concurrent writer
// created the same document first
var errLostRace = errors.New("concurrent create")

const maxTxAttempts = 5

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

// withRetryableTx runs fn in a transaction, retrying it from scratch on
// serialization failures, deadlocks, lock timeouts and lost create races
func withRetryableTx(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger, fn func(pgx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = pgx.BeginFunc(ctx, pool, fn)
		if err == nil {
			return nil
		}
		if !isRetryablePGTxError(err) && !errors.Is(err, errLostRace) {
			return err
		}
		logger.Debug("Retrying transaction", "attempt", attempt, "error", err)
		if serr := sleepWithContext(ctx, time.Duration(attempt)*10*time.Millisecond); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", maxTxAttempts, err)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
