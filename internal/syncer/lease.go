package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/caseworks/fieldsync/internal/repository"
	"github.com/jmoiron/sqlx"
)

type leasePayload struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Lease is the persisted drain lock. An in-memory "is syncing" flag would be
// lost with its process and could never be reset by the other one; a leased
// row in meta auto-expires instead, so a crashed holder can only block
// delivery for one TTL.
type Lease struct {
	db     *sqlx.DB
	holder string
	ttl    time.Duration

	Now func() time.Time
}

func NewLease(db *sqlx.DB, holder string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Lease{db: db, holder: holder, ttl: ttl, Now: time.Now}
}

// Acquire takes the lease if it is free, expired, or already ours. Returns
// false when another live holder owns it. The read and write happen in one
// immediate transaction, so two processes cannot both win.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	now := l.Now().UTC()

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := readLease(ctx, tx)
	if err != nil {
		return false, err
	}
	if current != nil && current.Holder != l.holder && now.Before(current.ExpiresAt) {
		return false, nil
	}

	if err := writeLease(ctx, tx, leasePayload{Holder: l.holder, ExpiresAt: now.Add(l.ttl)}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// Refresh extends our lease mid-drain. A lease we no longer hold is not
// re-stolen here; the drain notices and stops.
func (l *Lease) Refresh(ctx context.Context) (bool, error) {
	now := l.Now().UTC()

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := readLease(ctx, tx)
	if err != nil {
		return false, err
	}
	if current == nil || current.Holder != l.holder {
		return false, nil
	}

	if err := writeLease(ctx, tx, leasePayload{Holder: l.holder, ExpiresAt: now.Add(l.ttl)}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// Release drops the lease if we still hold it.
func (l *Lease) Release(ctx context.Context) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := readLease(ctx, tx)
	if err != nil {
		return err
	}
	if current == nil || current.Holder != l.holder {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, repository.MetaDrainLease); err != nil {
		return err
	}
	return tx.Commit()
}

func readLease(ctx context.Context, tx *sqlx.Tx) (*leasePayload, error) {
	var raw string
	err := tx.GetContext(ctx, &raw, `SELECT value FROM meta WHERE key = ?`, repository.MetaDrainLease)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var p leasePayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		// corrupt lease rows are treated as free; the next writer replaces them
		return nil, nil
	}
	return &p, nil
}

func writeLease(ctx context.Context, tx *sqlx.Tx, p leasePayload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		repository.MetaDrainLease, string(raw),
	)
	return err
}
