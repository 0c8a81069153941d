package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// Well-known meta keys.
const (
	MetaSchemaVersion = "schemaVersion"
	MetaDeviceID      = "deviceId"
	MetaLastSyncAt    = "lastSyncAt"
	MetaDrainLease    = "drainLease"
)

// MetaRepository is the key/value bookkeeping table shared by both processes.
type MetaRepository interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, tx *sqlx.Tx, key, value string) error
	Delete(ctx context.Context, tx *sqlx.Tx, key string) error
}

type MetaRepositoryImpl struct {
	db *sqlx.DB
}

func NewMetaRepository(db *sqlx.DB) *MetaRepositoryImpl {
	return &MetaRepositoryImpl{db: db}
}

func (r *MetaRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

func (r *MetaRepositoryImpl) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.GetContext(ctx, &value, `SELECT value FROM meta WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (r *MetaRepositoryImpl) Set(ctx context.Context, tx *sqlx.Tx, key, value string) error {
	const q = `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, key, value)
		return err
	})
}

func (r *MetaRepositoryImpl) Delete(ctx context.Context, tx *sqlx.Tx, key string) error {
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, key)
		return err
	})
}
