package repository

import (
	"context"
	"time"

	"github.com/caseworks/fieldsync/internal/model"
	"github.com/jmoiron/sqlx"
)

// OutboxRepository defines persistence for the outbox table. Entries are
// only ever deleted after the remote confirmed the operation (2xx or
// duplicate); bookkeeping updates keep everything else intact.
//
// Read methods take the caller's notion of now: an entry whose owning record
// has passed its expiry is unreachable, the same rule the records reads
// apply, so expired payloads are never handed to a sender.
type OutboxRepository interface {
	// Insert writes a single outbox entry. If tx is nil, it will open/commit
	// an internal transaction; otherwise it uses the given tx.
	Insert(ctx context.Context, tx *sqlx.Tx, e model.OutboxEntry) error
	List(ctx context.Context, now time.Time) ([]model.OutboxEntry, error)
	GetByClientID(ctx context.Context, clientID string, now time.Time) (*model.OutboxEntry, error)
	MarkAttempt(ctx context.Context, tx *sqlx.Tx, seq int64, lastError string, at time.Time) error
	DeleteBySeq(ctx context.Context, tx *sqlx.Tx, seq int64) error
	DeleteByClientID(ctx context.Context, tx *sqlx.Tx, clientID string) error
	DeleteByClientIDs(ctx context.Context, tx *sqlx.Tx, ids []string) error
}

// OutboxRepositoryImpl is a sqlx-backed implementation.
type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

func (r *OutboxRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
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

func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, e model.OutboxEntry) error {
	const q = `
		INSERT INTO outbox
		    (entity_type, client_id, method, url, headers, body, attempts, created_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, 0, ?)
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			e.EntityType.String(), e.ClientID, e.Method, e.URL, e.Headers, e.Body, e.CreatedAt,
		)
		return err
	})
}

// List returns all pending entries, oldest first, excluding entries whose
// record has expired. seq order is the replay order; intra-entity ordering
// depends on it.
func (r *OutboxRepositoryImpl) List(ctx context.Context, now time.Time) ([]model.OutboxEntry, error) {
	const q = `
		SELECT * FROM outbox
		WHERE NOT EXISTS (
		    SELECT 1 FROM records r
		    WHERE r.client_id = outbox.client_id
		      AND r.expires_at IS NOT NULL AND r.expires_at <= ?
		)
		ORDER BY seq ASC
	`
	var entries []model.OutboxEntry
	if err := r.db.SelectContext(ctx, &entries, q, now); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetByClientID returns the live entry for a record, or nil when the record
// has nothing queued (already delivered, discarded, expired, or never
// submitted).
func (r *OutboxRepositoryImpl) GetByClientID(ctx context.Context, clientID string, now time.Time) (*model.OutboxEntry, error) {
	const q = `
		SELECT * FROM outbox
		WHERE client_id = ?
		  AND NOT EXISTS (
		    SELECT 1 FROM records r
		    WHERE r.client_id = outbox.client_id
		      AND r.expires_at IS NOT NULL AND r.expires_at <= ?
		)
		ORDER BY seq ASC LIMIT 1
	`
	var entries []model.OutboxEntry
	err := r.db.SelectContext(ctx, &entries, q, clientID, now)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// MarkAttempt bumps the attempt counter and records the failure. The entry
// stays queued.
func (r *OutboxRepositoryImpl) MarkAttempt(ctx context.Context, tx *sqlx.Tx, seq int64, lastError string, at time.Time) error {
	const q = `
		UPDATE outbox
		SET attempts = attempts + 1, last_attempt_at = ?, last_error = ?
		WHERE seq = ?
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, at, lastError, seq)
		return err
	})
}

func (r *OutboxRepositoryImpl) DeleteBySeq(ctx context.Context, tx *sqlx.Tx, seq int64) error {
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE seq = ?`, seq)
		return err
	})
}

func (r *OutboxRepositoryImpl) DeleteByClientID(ctx context.Context, tx *sqlx.Tx, clientID string) error {
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE client_id = ?`, clientID)
		return err
	})
}

func (r *OutboxRepositoryImpl) DeleteByClientIDs(ctx context.Context, tx *sqlx.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM outbox WHERE client_id IN (?)`, ids)
	if err != nil {
		return err
	}
	query = r.db.Rebind(query)

	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}
