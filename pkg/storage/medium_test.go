package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mediumFactory opens an empty medium with the given byte quota.
type mediumFactory func(t *testing.T, maxBytes int64) Medium

func memoryFactory(_ *testing.T, maxBytes int64) Medium { return NewMemoryMedium(maxBytes) }

func sqliteFactory(t *testing.T, maxBytes int64) Medium {
	t.Helper()
	medium, err := OpenSQLiteMedium(context.Background(), filepath.Join(t.TempDir(), "local.db"), maxBytes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = medium.Close() })
	return medium
}

// postgresFactory needs TIERCACHE_TEST_POSTGRES_DSN, e.g. postgres://postgres@localhost:5432/postgres.
func postgresFactory(t *testing.T, maxBytes int64) Medium {
	t.Helper()
	dsn := os.Getenv("TIERCACHE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TIERCACHE_TEST_POSTGRES_DSN is not set")
	}
	table := "kv_" + strings.ToLower(strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	medium, err := OpenPostgresMedium(context.Background(), dsn, table, maxBytes)
	require.NoError(t, err)
	require.NoError(t, medium.Clear(context.Background()))
	t.Cleanup(func() {
		_ = medium.Clear(context.Background())
		_ = medium.Close()
	})
	return medium
}

var mediumFactories = map[string]mediumFactory{
	"memory":   memoryFactory,
	"sqlite":   sqliteFactory,
	"postgres": postgresFactory,
}

func TestMedium_Basics(t *testing.T) {
	for name, factory := range mediumFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			medium := factory(t, 0)

			_, err := medium.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrKeyNotFound)

			require.NoError(t, medium.Set(ctx, "b", "1"))
			require.NoError(t, medium.Set(ctx, "a", "2"))
			require.NoError(t, medium.Set(ctx, "c", "3"))
			require.NoError(t, medium.Set(ctx, "b", "4")) // Overwrites keep their position.

			value, err := medium.Get(ctx, "b")
			require.NoError(t, err)
			assert.Equal(t, "4", value)
			keys, err := medium.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "a", "c"}, keys)

			require.NoError(t, medium.Delete(ctx, "a"))
			require.NoError(t, medium.Delete(ctx, "a"), "Deleting a missing key is not an error")
			keys, err = medium.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "c"}, keys)

			require.NoError(t, medium.Clear(ctx))
			keys, err = medium.Keys(ctx)
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestMedium_Quota(t *testing.T) {
	for name, factory := range mediumFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			medium := factory(t, 10)

			require.NoError(t, medium.Set(ctx, "aa", "123")) // 5 bytes.
			require.NoError(t, medium.Set(ctx, "bb", "123")) // 10 bytes.
			assert.ErrorIs(t, medium.Set(ctx, "c", "1"), ErrQuotaExceeded)
			require.NoError(t, medium.Set(ctx, "bb", "12"), "Shrinking an entry must fit")
			require.NoError(t, medium.Set(ctx, "c", ""), "1 byte left for key c")

			_, err := medium.Get(ctx, "c")
			require.NoError(t, err)
			require.NoError(t, medium.Delete(ctx, "aa"))
			require.NoError(t, medium.Set(ctx, "dd", "123"))
		})
	}
}

func TestMemoryMedium_UsedBytes(t *testing.T) {
	ctx := context.Background()
	medium := NewMemoryMedium(0)
	require.NoError(t, medium.Set(ctx, "a", "12"))
	require.NoError(t, medium.Set(ctx, "bb", "123"))
	assert.Equal(t, int64(8), medium.UsedBytes())
	require.NoError(t, medium.Set(ctx, "bb", "1"))
	assert.Equal(t, int64(6), medium.UsedBytes())
	require.NoError(t, medium.Delete(ctx, "a"))
	assert.Equal(t, int64(3), medium.UsedBytes())
	require.NoError(t, medium.Clear(ctx))
	assert.Zero(t, medium.UsedBytes())
}

func TestSQLiteMedium_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "local.db")
	medium, err := OpenSQLiteMedium(ctx, path, 0)
	require.NoError(t, err)
	require.NoError(t, medium.Set(ctx, "user", `{"data":"x","timestamp":1}`))
	require.NoError(t, medium.Close())

	medium, err = OpenSQLiteMedium(ctx, path, 0)
	require.NoError(t, err)
	defer func() { _ = medium.Close() }()
	value, err := medium.Get(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, `{"data":"x","timestamp":1}`, value)
}
