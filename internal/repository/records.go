package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/caseworks/fieldsync/internal/model"
	"github.com/jmoiron/sqlx"
)

// RecordsRepository defines persistence for the records table.
//
// Read methods take the caller's notion of now so expired sensitive rows are
// invisible even before the retention governor physically removes them.
type RecordsRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, r model.Record) error
	Get(ctx context.Context, clientID string, now time.Time) (*model.Record, error)
	List(ctx context.Context, entity model.EntityType, now time.Time) ([]model.Record, error)
	UpdatePayload(ctx context.Context, tx *sqlx.Tx, clientID string, payload []byte, now time.Time) error
	MarkSynced(ctx context.Context, tx *sqlx.Tx, clientID, remoteID string, now time.Time) error
	MarkError(ctx context.Context, tx *sqlx.Tx, clientID, message string, now time.Time) error
	Delete(ctx context.Context, tx *sqlx.Tx, clientID string) error
	ListExpiredIDs(ctx context.Context, now time.Time) ([]string, error)
	DeleteByIDs(ctx context.Context, tx *sqlx.Tx, ids []string) error
}

type RecordsRepositoryImpl struct {
	db *sqlx.DB
}

func NewRecordsRepository(db *sqlx.DB) *RecordsRepositoryImpl {
	return &RecordsRepositoryImpl{db: db}
}

func (r *RecordsRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
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

func (r *RecordsRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, rec model.Record) error {
	const q = `
		INSERT INTO records
		    (client_id, entity_type, remote_id, status, last_error, payload, sensitive, expires_at, created_at, updated_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			rec.ClientID, rec.EntityType.String(), rec.RemoteID, rec.Status.String(),
			rec.LastError, rec.Payload, rec.Sensitive, rec.ExpiresAt, rec.CreatedAt, rec.UpdatedAt,
		)
		return err
	})
}

// Get returns nil when the record does not exist or has passed its expiry.
func (r *RecordsRepositoryImpl) Get(ctx context.Context, clientID string, now time.Time) (*model.Record, error) {
	const q = `
		SELECT * FROM records
		WHERE client_id = ? AND (expires_at IS NULL OR expires_at > ?)
	`
	var rec model.Record
	if err := r.db.GetContext(ctx, &rec, q, clientID, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// List returns live records, oldest first. An empty entity lists all types.
func (r *RecordsRepositoryImpl) List(ctx context.Context, entity model.EntityType, now time.Time) ([]model.Record, error) {
	q := `
		SELECT * FROM records
		WHERE (expires_at IS NULL OR expires_at > ?)
	`
	args := []any{now}
	if entity != "" {
		q += ` AND entity_type = ?`
		args = append(args, entity.String())
	}
	q += ` ORDER BY created_at ASC`

	var recs []model.Record
	if err := r.db.SelectContext(ctx, &recs, q, args...); err != nil {
		return nil, err
	}
	return recs, nil
}

// UpdatePayload replaces the payload of a record that has not reached the
// remote yet. The status/remote_id guards keep post-sync rows immutable.
func (r *RecordsRepositoryImpl) UpdatePayload(ctx context.Context, tx *sqlx.Tx, clientID string, payload []byte, now time.Time) error {
	const q = `
		UPDATE records
		SET payload = ?, status = 'pending', last_error = NULL, updated_at = ?
		WHERE client_id = ? AND remote_id IS NULL AND status IN ('pending', 'error')
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, payload, now, clientID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotEditable
		}
		return nil
	})
}

// MarkSynced applies a remote acknowledgment. remote_id is write-once: a
// second ack for the same client id (the dispatcher/agent race) is a no-op
// unless it carries the same remote id.
func (r *RecordsRepositoryImpl) MarkSynced(ctx context.Context, tx *sqlx.Tx, clientID, remoteID string, now time.Time) error {
	const q = `
		UPDATE records
		SET remote_id = ?, status = 'synced', last_error = NULL, updated_at = ?
		WHERE client_id = ? AND (remote_id IS NULL OR remote_id = ?)
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, remoteID, now, clientID, remoteID)
		return err
	})
}

func (r *RecordsRepositoryImpl) MarkError(ctx context.Context, tx *sqlx.Tx, clientID, message string, now time.Time) error {
	const q = `
		UPDATE records
		SET status = 'error', last_error = ?, updated_at = ?
		WHERE client_id = ?
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, message, now, clientID)
		return err
	})
}

func (r *RecordsRepositoryImpl) Delete(ctx context.Context, tx *sqlx.Tx, clientID string) error {
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM records WHERE client_id = ?`, clientID)
		return err
	})
}

// ListExpiredIDs returns client ids of sensitive records past their cutoff,
// regardless of sync status.
func (r *RecordsRepositoryImpl) ListExpiredIDs(ctx context.Context, now time.Time) ([]string, error) {
	const q = `
		SELECT client_id FROM records
		WHERE sensitive = 1 AND expires_at IS NOT NULL AND expires_at <= ?
	`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, q, now); err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteByIDs removes many records with a single statement.
func (r *RecordsRepositoryImpl) DeleteByIDs(ctx context.Context, tx *sqlx.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM records WHERE client_id IN (?)`, ids)
	if err != nil {
		return err
	}
	query = r.db.Rebind(query)

	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}
