package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/caseworks/fieldsync/internal/logger"
	"github.com/caseworks/fieldsync/internal/metrics"
	"github.com/caseworks/fieldsync/internal/repository"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Governor enforces the hard residency bound on sensitive cached data. The
// purge is destructive and unconditional: it removes expired records and
// their queued operations whether or not they ever synced. Bounded residency
// on an unattended device outranks the delivery guarantee for this data
// class.
type Governor struct {
	db      *sqlx.DB
	records repository.RecordsRepository
	outbox  repository.OutboxRepository
	replay  repository.ReplayRepository

	Now func() time.Time
}

func NewGovernor(
	db *sqlx.DB,
	records repository.RecordsRepository,
	outbox repository.OutboxRepository,
	replay repository.ReplayRepository,
) *Governor {
	return &Governor{
		db:      db,
		records: records,
		outbox:  outbox,
		replay:  replay,
		Now:     time.Now,
	}
}

// PurgeExpired deletes every sensitive record past its expiry, plus all
// queued operations referencing it, in one transaction. maxAgeOverride, when
// positive, additionally purges sensitive records older than that age even
// if their stamped expiry has not passed (the logout path uses 0 for the
// configured cutoffs, a small override to wipe sooner).
func (g *Governor) PurgeExpired(ctx context.Context, maxAgeOverride time.Duration) (int, error) {
	now := g.Now().UTC()

	ids, err := g.records.ListExpiredIDs(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired: %w", err)
	}

	if maxAgeOverride > 0 {
		aged, err := g.listSensitiveOlderThan(ctx, now.Add(-maxAgeOverride))
		if err != nil {
			return 0, fmt.Errorf("list aged: %w", err)
		}
		ids = mergeIDs(ids, aged)
	}

	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := g.outbox.DeleteByClientIDs(ctx, tx, ids); err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	if err := g.replay.DeleteByClientIDs(ctx, tx, ids); err != nil {
		return 0, fmt.Errorf("purge replay queue: %w", err)
	}
	if err := g.records.DeleteByIDs(ctx, tx, ids); err != nil {
		return 0, fmt.Errorf("purge records: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	metrics.PurgedRecordsTotal.Add(float64(len(ids)))
	logger.Log.Info("retention purge", zap.Int("records", len(ids)))

	return len(ids), nil
}

// Run purges on a fixed interval and on every lifecycle trigger (app hidden,
// logout) until ctx is cancelled.
func (g *Governor) Run(ctx context.Context, interval time.Duration, trigger <-chan struct{}) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		case <-trigger:
		}
		if _, err := g.PurgeExpired(ctx, 0); err != nil && ctx.Err() == nil {
			logger.Log.Error("retention purge failed", zap.Error(err))
		}
	}
}

func (g *Governor) listSensitiveOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	const q = `SELECT client_id FROM records WHERE sensitive = 1 AND created_at <= ?`
	var ids []string
	if err := g.db.SelectContext(ctx, &ids, q, cutoff); err != nil {
		return nil, err
	}
	return ids, nil
}

func mergeIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range a {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range b {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
