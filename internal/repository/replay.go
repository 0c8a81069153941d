package repository

import (
	"context"
	"time"

	"github.com/caseworks/fieldsync/internal/model"
	"github.com/jmoiron/sqlx"
)

// ReplayRepository defines persistence for the replay queue populated by the
// interception path. Strict FIFO: consumers only ever look at the head. Head
// takes the caller's notion of now so captured requests for expired records
// are unreachable, like the records and outbox reads.
type ReplayRepository interface {
	Append(ctx context.Context, tx *sqlx.Tx, req model.CapturedRequest) error
	Head(ctx context.Context, now time.Time) (*model.CapturedRequest, error)
	MarkAttempt(ctx context.Context, tx *sqlx.Tx, seq int64) error
	DeleteBySeq(ctx context.Context, tx *sqlx.Tx, seq int64) error
	DeleteByClientIDs(ctx context.Context, tx *sqlx.Tx, ids []string) error
	Count(ctx context.Context) (int, error)
}

type ReplayRepositoryImpl struct {
	db *sqlx.DB
}

func NewReplayRepository(db *sqlx.DB) *ReplayRepositoryImpl {
	return &ReplayRepositoryImpl{db: db}
}

func (r *ReplayRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
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

func (r *ReplayRepositoryImpl) Append(ctx context.Context, tx *sqlx.Tx, req model.CapturedRequest) error {
	const q = `
		INSERT INTO replay_queue
		    (entity_type, client_id, method, url, headers, body, attempts, created_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, 0, ?)
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			req.EntityType.String(), req.ClientID, req.Method, req.URL, req.Headers, req.Body, req.CreatedAt,
		)
		return err
	})
}

// Head returns the oldest captured request whose record has not expired, or
// nil when nothing replayable is queued.
func (r *ReplayRepositoryImpl) Head(ctx context.Context, now time.Time) (*model.CapturedRequest, error) {
	const q = `
		SELECT * FROM replay_queue
		WHERE NOT EXISTS (
		    SELECT 1 FROM records r
		    WHERE r.client_id = replay_queue.client_id
		      AND r.expires_at IS NOT NULL AND r.expires_at <= ?
		)
		ORDER BY seq ASC LIMIT 1
	`
	var reqs []model.CapturedRequest
	err := r.db.SelectContext(ctx, &reqs, q, now)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, nil
	}
	return &reqs[0], nil
}

func (r *ReplayRepositoryImpl) MarkAttempt(ctx context.Context, tx *sqlx.Tx, seq int64) error {
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE replay_queue SET attempts = attempts + 1 WHERE seq = ?`, seq)
		return err
	})
}

func (r *ReplayRepositoryImpl) DeleteBySeq(ctx context.Context, tx *sqlx.Tx, seq int64) error {
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM replay_queue WHERE seq = ?`, seq)
		return err
	})
}

func (r *ReplayRepositoryImpl) DeleteByClientIDs(ctx context.Context, tx *sqlx.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM replay_queue WHERE client_id IN (?)`, ids)
	if err != nil {
		return err
	}
	query = r.db.Rebind(query)

	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}

func (r *ReplayRepositoryImpl) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM replay_queue`); err != nil {
		return 0, err
	}
	return n, nil
}
