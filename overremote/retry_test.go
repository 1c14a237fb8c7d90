package overremote

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestIsRetryablePGTxError(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "55P03"} {
		err := fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: code})
		require.True(t, isRetryablePGTxError(err), code)
	}
	require.False(t, isRetryablePGTxError(&pgconn.PgError{Code: "23505"}))
	require.False(t, isRetryablePGTxError(errors.New("boom")))
}

func TestSleepWithContext(t *testing.T) {
	require.NoError(t, sleepWithContext(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepWithContext(ctx, time.Hour), context.Canceled)
}
