package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InvalidDSN(t *testing.T) {
	_, err := New(context.Background(), "postgres://%zz", "reconciler")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestWithTx_NilPool(t *testing.T) {
	called := false
	err := WithTx(context.Background(), nil, func(pgx.Tx) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrNoPool)
	assert.False(t, called)
}

func TestIsSerializationFailure(t *testing.T) {
	assert.True(t, IsSerializationFailure(fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001"})))
	assert.False(t, IsSerializationFailure(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsSerializationFailure(assert.AnError))
	assert.False(t, IsSerializationFailure(nil))
}

func TestMigrationURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/reconciler?sslmode=disable", MigrationURL(" postgres://u:p@db:5432/reconciler?sslmode=disable "))
	assert.Equal(t, "pgx5://db/reconciler", MigrationURL("postgresql://db/reconciler"))
	assert.Equal(t, "pgx5://db/reconciler", MigrationURL("pgx5://db/reconciler"))
}
