package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/caseworks/fieldsync/internal/logger"
	"github.com/caseworks/fieldsync/internal/metrics"
	"github.com/caseworks/fieldsync/internal/remote"
	"github.com/caseworks/fieldsync/internal/repository"
	"github.com/caseworks/fieldsync/internal/syncer"
	"go.uber.org/zap"
)

// Replayer is the background agent's replay role: it drains the captured
// request queue in strict FIFO order, one request at a time. A request that
// still fails stays at the head so ordering survives across replay attempts.
// Successes are reconciled into the store through the same applier the
// dispatcher uses; if the dispatcher already delivered the operation, the
// remote answers duplicate and the result is identical.
type Replayer struct {
	replay  repository.ReplayRepository
	sender  remote.Sender
	applier *syncer.Applier

	Now func() time.Time
}

func NewReplayer(replay repository.ReplayRepository, sender remote.Sender, applier *syncer.Applier) *Replayer {
	return &Replayer{replay: replay, sender: sender, applier: applier, Now: time.Now}
}

// ReplayPending reissues captured requests until the queue is empty or the
// head fails. Safe to invoke redundantly.
func (r *Replayer) ReplayPending(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		head, err := r.replay.Head(ctx, r.Now().UTC())
		if err != nil {
			return fmt.Errorf("replay head: %w", err)
		}
		if head == nil {
			return nil
		}

		out := r.sender.Send(ctx, head.Method, head.URL, head.Headers, head.Body)
		metrics.ReplaysTotal.WithLabelValues(out.Kind.String()).Inc()

		switch {
		case out.Confirmed():
			if out.Ack == nil {
				// server confirmed but the body was unusable; keep at head
				if err := r.replay.MarkAttempt(ctx, nil, head.Seq); err != nil {
					return err
				}
				return nil
			}
			// ApplyAck removes the captured copy along with the outbox entry
			if err := r.applier.ApplyAck(ctx, *out.Ack); err != nil {
				return fmt.Errorf("apply ack: %w", err)
			}
			logger.Log.Info("replayed request delivered",
				zap.Int64("seq", head.Seq),
				zap.String("client_id", head.ClientID),
				zap.Bool("duplicate", out.Kind == remote.Duplicate))

		case out.Kind == remote.Rejected:
			if err := r.applier.ApplyRejection(ctx, head.ClientID, out.Message); err != nil {
				return fmt.Errorf("apply rejection: %w", err)
			}
			logger.Log.Warn("replayed request rejected by remote",
				zap.Int64("seq", head.Seq),
				zap.String("client_id", head.ClientID),
				zap.Int("status", out.Status))

		default:
			// still offline; head stays at the head, stop this pass
			if err := r.replay.MarkAttempt(ctx, nil, head.Seq); err != nil {
				return err
			}
			logger.Log.Debug("replay head still failing",
				zap.Int64("seq", head.Seq),
				zap.String("client_id", head.ClientID))
			return nil
		}
	}
}

// Run replays on every wake: interval ticks, platform wake signals, and
// connectivity-restored events all land on the trigger channel.
func (r *Replayer) Run(ctx context.Context, interval time.Duration, trigger <-chan struct{}) {
	if interval <= 0 {
		interval = time.Minute
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
		if err := r.ReplayPending(ctx); err != nil && ctx.Err() == nil {
			logger.Log.Error("replay failed", zap.Error(err))
		}
	}
}
