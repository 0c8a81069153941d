package syncer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/caseworks/fieldsync/internal/logger"
	"github.com/caseworks/fieldsync/internal/metrics"
	"github.com/caseworks/fieldsync/internal/model"
	"github.com/caseworks/fieldsync/internal/remote"
	"github.com/caseworks/fieldsync/internal/repository"
	"go.uber.org/zap"
)

// Dispatcher drains the outbox against the remote endpoint. DrainOutbox is
// safe to invoke redundantly and concurrently: an in-process flag makes
// overlapping calls no-ops, and the persisted lease does the same across
// processes.
type Dispatcher struct {
	outbox  repository.OutboxRepository
	sender  remote.Sender
	applier *Applier
	lease   *Lease

	maxAttempts int
	draining    atomic.Bool

	Now func() time.Time
}

func NewDispatcher(
	outbox repository.OutboxRepository,
	sender remote.Sender,
	applier *Applier,
	lease *Lease,
	maxAttempts int,
) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	return &Dispatcher{
		outbox:      outbox,
		sender:      sender,
		applier:     applier,
		lease:       lease,
		maxAttempts: maxAttempts,
		Now:         time.Now,
	}
}

// DrainOutbox processes queued entries oldest first. A transient failure
// blocks later entries for the same record but unrelated records still go.
// Entries past maxAttempts are held for the user (needs attention), never
// deleted.
func (d *Dispatcher) DrainOutbox(ctx context.Context) error {
	if !d.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer d.draining.Store(false)

	ok, err := d.lease.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire drain lease: %w", err)
	}
	if !ok {
		logger.Log.Debug("drain lease held elsewhere, skipping")
		return nil
	}
	defer func() { _ = d.lease.Release(context.WithoutCancel(ctx)) }()

	entries, err := d.outbox.List(ctx, d.Now().UTC())
	if err != nil {
		return fmt.Errorf("list outbox: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	logger.Log.Info("draining outbox", zap.Int("entries", len(entries)))

	blocked := make(map[string]bool)

	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if blocked[e.ClientID] {
			continue
		}
		if e.Attempts >= d.maxAttempts {
			// exhausted the schedule; surfaced to the user, not retried here
			blocked[e.ClientID] = true
			continue
		}

		held, err := d.lease.Refresh(ctx)
		if err != nil {
			return fmt.Errorf("refresh drain lease: %w", err)
		}
		if !held {
			logger.Log.Warn("drain lease lost mid-drain, stopping")
			return nil
		}

		if cont := d.deliverOne(ctx, e, blocked); !cont {
			return nil
		}
	}

	return nil
}

// deliverOne attempts one entry and reconciles the outcome. Returns false
// only when the drain should stop entirely.
func (d *Dispatcher) deliverOne(ctx context.Context, e model.OutboxEntry, blocked map[string]bool) bool {
	out := d.sender.Send(ctx, e.Method, e.URL, e.Headers, e.Body)
	metrics.SyncAttemptsTotal.WithLabelValues(out.Kind.String()).Inc()

	switch {
	case out.Confirmed():
		if out.Ack == nil {
			// confirmed without parseable identifiers; keep queued, retry later
			d.recordFailure(ctx, e, "confirmed response without ack body", blocked)
			return true
		}
		if err := d.applier.ApplyAck(ctx, *out.Ack); err != nil {
			logger.Log.Error("apply ack failed",
				zap.String("client_id", e.ClientID), zap.Error(err))
			return false
		}
		logger.Log.Info("outbox entry delivered",
			zap.Int64("seq", e.Seq),
			zap.String("client_id", e.ClientID),
			zap.Bool("duplicate", out.Kind == remote.Duplicate))

	case out.Kind == remote.Rejected:
		if err := d.applier.ApplyRejection(ctx, e.ClientID, out.Message); err != nil {
			logger.Log.Error("apply rejection failed",
				zap.String("client_id", e.ClientID), zap.Error(err))
			return false
		}
		logger.Log.Warn("outbox entry rejected by remote",
			zap.Int64("seq", e.Seq),
			zap.String("client_id", e.ClientID),
			zap.Int("status", out.Status),
			zap.String("message", out.Message))

	default:
		msg := "network failure"
		if out.Err != nil {
			msg = out.Err.Error()
		}
		d.recordFailure(ctx, e, msg, blocked)
	}

	return true
}

func (d *Dispatcher) recordFailure(ctx context.Context, e model.OutboxEntry, msg string, blocked map[string]bool) {
	blocked[e.ClientID] = true
	if err := d.outbox.MarkAttempt(ctx, nil, e.Seq, msg, d.Now().UTC()); err != nil {
		logger.Log.Error("mark attempt failed",
			zap.Int64("seq", e.Seq), zap.Error(err))
		return
	}
	logger.Log.Debug("outbox entry kept queued",
		zap.Int64("seq", e.Seq),
		zap.String("client_id", e.ClientID),
		zap.Int("attempts", e.Attempts+1),
		zap.String("error", msg))
}

// Run drains on an interval and whenever the trigger channel fires (manual
// request or connectivity restored), until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration, trigger <-chan struct{}) {
	if interval <= 0 {
		interval = 30 * time.Second
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
		if err := d.DrainOutbox(ctx); err != nil && ctx.Err() == nil {
			logger.Log.Error("drain failed", zap.Error(err))
		}
	}
}
