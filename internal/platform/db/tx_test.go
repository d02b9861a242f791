package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestIsConflictClassifiesSerializationFailures(t *testing.T) {
	serialization := &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
	deadlock := &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
	unique := &pgconn.PgError{Code: "23505", Message: "duplicate key"}

	require.True(t, isConflict(serialization))
	require.True(t, isConflict(deadlock))
	require.False(t, isConflict(unique))
	require.False(t, isConflict(errors.New("connection refused")))
	require.False(t, isConflict(nil))
}

func TestIsConflictSeesThroughWrapping(t *testing.T) {
	cause := &pgconn.PgError{Code: "40001"}
	wrapped := fmt.Errorf("inserting lines: %w", cause)
	require.True(t, isConflict(wrapped))
}

func TestErrTxConflictIsMatchable(t *testing.T) {
	err := fmt.Errorf("%w: %v", ErrTxConflict, &pgconn.PgError{Code: "40001"})
	require.ErrorIs(t, err, ErrTxConflict)
}
