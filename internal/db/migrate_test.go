package db

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/caseworks/fieldsync/migrations"
	"github.com/stretchr/testify/require"
)

func TestMigrateAppliesBaseSchema(t *testing.T) {
	dbx, err := NewSQLiteConnection(filepath.Join(t.TempDir(), "store.db"), SQLiteOpts{})
	require.NoError(t, err)
	defer dbx.Close()

	ctx := context.Background()
	require.NoError(t, Migrate(ctx, dbx, migrations.FS))

	for _, table := range []string{"records", "outbox", "replay_queue", "meta"} {
		var n int
		err := dbx.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
		require.NoError(t, err)
		require.Equal(t, 1, n, "missing table %s", table)
	}

	var version string
	require.NoError(t, dbx.GetContext(ctx, &version, `SELECT value FROM meta WHERE key = 'schemaVersion'`))
	require.Equal(t, "1", version)
}

func TestMigrateIsIdempotent(t *testing.T) {
	dbx, err := NewSQLiteConnection(filepath.Join(t.TempDir(), "store.db"), SQLiteOpts{})
	require.NoError(t, err)
	defer dbx.Close()

	ctx := context.Background()
	require.NoError(t, Migrate(ctx, dbx, migrations.FS))
	require.NoError(t, Migrate(ctx, dbx, migrations.FS))
}

func TestMigrateSkipsAppliedVersions(t *testing.T) {
	dbx, err := NewSQLiteConnection(filepath.Join(t.TempDir(), "store.db"), SQLiteOpts{})
	require.NoError(t, err)
	defer dbx.Close()

	ctx := context.Background()
	first := fstest.MapFS{
		"001_init.sql": &fstest.MapFile{Data: []byte(`CREATE TABLE a (id INTEGER PRIMARY KEY)`)},
	}
	require.NoError(t, Migrate(ctx, dbx, first))

	// re-running 001 would fail (table exists); only 002 may apply
	second := fstest.MapFS{
		"001_init.sql": &fstest.MapFile{Data: []byte(`CREATE TABLE a (id INTEGER PRIMARY KEY)`)},
		"002_more.sql": &fstest.MapFile{Data: []byte(`CREATE TABLE b (id INTEGER PRIMARY KEY)`)},
	}
	require.NoError(t, Migrate(ctx, dbx, second))

	var n int
	require.NoError(t, dbx.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'b'`))
	require.Equal(t, 1, n)

	var version string
	require.NoError(t, dbx.GetContext(ctx, &version, `SELECT value FROM meta WHERE key = 'schemaVersion'`))
	require.Equal(t, "2", version)
}

func TestMigrateRejectsUnversionedFile(t *testing.T) {
	dbx, err := NewSQLiteConnection(filepath.Join(t.TempDir(), "store.db"), SQLiteOpts{})
	require.NoError(t, err)
	defer dbx.Close()

	bad := fstest.MapFS{
		"init.sql": &fstest.MapFile{Data: []byte(`CREATE TABLE a (id INTEGER PRIMARY KEY)`)},
	}
	require.Error(t, Migrate(context.Background(), dbx, bad))
}
