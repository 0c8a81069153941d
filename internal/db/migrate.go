package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Migrate applies every migration file above the store's recorded schema
// version, in filename order, each in its own transaction. Migrations are
// forward-only: they may add tables and columns but must never drop unsynced
// data.
func Migrate(ctx context.Context, dbx *sqlx.DB, files fs.FS) error {
	// meta bootstraps itself; every later migration is tracked through it.
	const bootstrap = `CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`
	if _, err := dbx.ExecContext(ctx, bootstrap); err != nil {
		return fmt.Errorf("bootstrap meta: %w", err)
	}

	current, err := schemaVersion(ctx, dbx)
	if err != nil {
		return err
	}

	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		version, err := migrationVersion(name)
		if err != nil {
			return err
		}
		if version <= current {
			continue
		}

		raw, err := fs.ReadFile(files, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := dbx.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(raw)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES ('schemaVersion', ?)
			 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
			strconv.Itoa(version),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		current = version
	}

	return nil
}

func schemaVersion(ctx context.Context, dbx *sqlx.DB) (int, error) {
	var value string
	err := dbx.GetContext(ctx, &value, `SELECT value FROM meta WHERE key = 'schemaVersion'`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("bad schemaVersion %q: %w", value, err)
	}
	return v, nil
}

// migrationVersion parses the numeric prefix of "NNN_name.sql".
func migrationVersion(name string) (int, error) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, fmt.Errorf("migration %s: missing numeric prefix", name)
	}
	v, err := strconv.Atoi(name[:idx])
	if err != nil {
		return 0, fmt.Errorf("migration %s: %w", name, err)
	}
	return v, nil
}
