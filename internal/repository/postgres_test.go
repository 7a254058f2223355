package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCentsConversion(t *testing.T) {
	tests := []struct {
		in    string
		cents int64
	}{
		{in: "236", cents: 23600},
		{in: "12.50", cents: 1250},
		{in: "0.005", cents: 1},
		{in: "-0.9", cents: -90},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := toCents(decimal.RequireFromString(tt.in))
			assert.Equal(t, tt.cents, got)
		})
	}

	assert.True(t, fromCents(1250).Equal(decimal.RequireFromString("12.5")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(&pgconn.PgError{Code: pgerrcode.SerializationFailure}))
	assert.True(t, isRetryable(fmt.Errorf("update: %w", &pgconn.PgError{Code: pgerrcode.DeadlockDetected})))
	assert.False(t, isRetryable(&pgconn.PgError{Code: pgerrcode.UniqueViolation}))
	assert.True(t, isRetryable(errors.New("dial tcp: connection refused")))
	assert.False(t, isRetryable(ErrOrderNotFound))
}

func TestWithRetry_StopsOnPermanentError(t *testing.T) {
	r := &PostgresRepository{}
	calls := 0

	err := r.withRetry(context.Background(), func() error {
		calls++
		return ErrAlreadyCompleted
	})

	require.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_HonoursContext(t *testing.T) {
	r := &PostgresRepository{}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := r.withRetry(ctx, func() error {
		calls++
		cancel()
		return &pgconn.PgError{Code: pgerrcode.SerializationFailure}
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
