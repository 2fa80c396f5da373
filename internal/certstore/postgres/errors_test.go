package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/certbind/internal/certstore"
)

func TestMapPostgresError(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		require.NoError(t, mapPostgresError(nil))
	})

	t.Run("non postgres error is returned as is", func(t *testing.T) {
		err := errors.New("boom")
		require.Same(t, err, mapPostgresError(err))
	})

	t.Run("duplicate thumbprint", func(t *testing.T) {
		err := &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "store_certificates_thumbprint_key"}
		require.ErrorIs(t, mapPostgresError(err), certstore.ErrCertAlreadyExists)
	})

	t.Run("other unique violation keeps the cause", func(t *testing.T) {
		err := &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "other"}
		mapped := mapPostgresError(err)
		require.NotErrorIs(t, mapped, certstore.ErrCertAlreadyExists)

		var pgErr *pgconn.PgError
		require.ErrorAs(t, mapped, &pgErr)
	})

	t.Run("missing schema", func(t *testing.T) {
		err := &pgconn.PgError{Code: pgerrcode.UndefinedTable}
		require.Contains(t, mapPostgresError(err).Error(), "migrations")
	})
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	require.Equal(t, 1, migrations[0].version)
	require.Contains(t, migrations[0].content, "store_certificates")

	for i := 1; i < len(migrations); i++ {
		require.Less(t, migrations[i-1].version, migrations[i].version)
	}
}

func TestPoolConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := &PoolConfig{ConnString: "postgres://localhost/db"}
		cfg.ApplyDefaults()
		require.Equal(t, int32(10), cfg.MaxConns)
		require.NoError(t, cfg.Validate())
	})

	t.Run("missing connection string", func(t *testing.T) {
		_, err := NewPool(context.Background(), &PoolConfig{})
		require.Error(t, err)
		require.Contains(t, err.Error(), "connection string is required")
	})

	t.Run("min above max", func(t *testing.T) {
		cfg := &PoolConfig{ConnString: "postgres://localhost/db", MinConns: 5, MaxConns: 2}
		require.Error(t, cfg.Validate())
	})
}
