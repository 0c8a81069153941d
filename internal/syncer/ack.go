package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/caseworks/fieldsync/internal/model"
	"github.com/caseworks/fieldsync/internal/repository"
	"github.com/jmoiron/sqlx"
)

// Applier reconciles a delivery outcome back onto the local store. The
// dispatcher and the replay agent share it, so whichever consumer delivers
// first leaves the store in the same state and the loser finds nothing left
// to do.
type Applier struct {
	db      *sqlx.DB
	records repository.RecordsRepository
	outbox  repository.OutboxRepository
	replay  repository.ReplayRepository
	meta    repository.MetaRepository

	Now func() time.Time
}

func NewApplier(
	db *sqlx.DB,
	records repository.RecordsRepository,
	outbox repository.OutboxRepository,
	replay repository.ReplayRepository,
	meta repository.MetaRepository,
) *Applier {
	return &Applier{
		db:      db,
		records: records,
		outbox:  outbox,
		replay:  replay,
		meta:    meta,
		Now:     time.Now,
	}
}

// ApplyAck applies a confirmed remote acknowledgment: write-once remote id,
// status synced, queued copies of the operation removed from both queues,
// sync watermark advanced. All in one transaction.
func (a *Applier) ApplyAck(ctx context.Context, ack model.Ack) error {
	now := a.Now().UTC()

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := a.records.MarkSynced(ctx, tx, ack.ClientID, ack.RemoteID, now); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	if err := a.outbox.DeleteByClientID(ctx, tx, ack.ClientID); err != nil {
		return fmt.Errorf("delete outbox entry: %w", err)
	}
	if err := a.replay.DeleteByClientIDs(ctx, tx, []string{ack.ClientID}); err != nil {
		return fmt.Errorf("delete replay copy: %w", err)
	}
	if err := a.meta.Set(ctx, tx, repository.MetaLastSyncAt, now.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}

	return tx.Commit()
}

// ApplyRejection applies a definitive remote refusal: the queued operation
// is removed (retrying identical bytes cannot succeed) but the record stays,
// flipped to error with the server's message, for the user to act on.
func (a *Applier) ApplyRejection(ctx context.Context, clientID, message string) error {
	now := a.Now().UTC()

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := a.records.MarkError(ctx, tx, clientID, message, now); err != nil {
		return fmt.Errorf("mark error: %w", err)
	}
	if err := a.outbox.DeleteByClientID(ctx, tx, clientID); err != nil {
		return fmt.Errorf("delete outbox entry: %w", err)
	}
	if err := a.replay.DeleteByClientIDs(ctx, tx, []string{clientID}); err != nil {
		return fmt.Errorf("delete replay copy: %w", err)
	}

	return tx.Commit()
}
