package netwatch

import (
	"context"
	"sync"
	"time"

	"github.com/caseworks/fieldsync/internal/logger"
	"go.uber.org/zap"
)

// Prober reports whether the remote is reachable right now.
type Prober interface {
	Health(ctx context.Context) error
}

// Watcher is the connectivity signal: it probes the remote on an interval
// and notifies subscribers on each offline-to-online transition. Subscribers
// get a non-blocking nudge on a buffered channel; a missed nudge is harmless
// because every consumer entry point is idempotent.
type Watcher struct {
	probe    Prober
	interval time.Duration

	mu     sync.Mutex
	subs   []chan struct{}
	online bool
}

func NewWatcher(probe Prober, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Watcher{probe: probe, interval: interval}
}

// Subscribe returns a channel that receives one nudge per offline-to-online
// transition. Must be called before Run.
func (w *Watcher) Subscribe() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan struct{}, 1)
	w.subs = append(w.subs, ch)
	return ch
}

// Run probes until ctx is cancelled. The first successful probe counts as a
// transition, so a process started while online immediately drains.
func (w *Watcher) Run(ctx context.Context) {
	tick := time.NewTicker(w.interval)
	defer tick.Stop()

	w.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			w.check(ctx)
		}
	}
}

func (w *Watcher) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, w.interval)
	err := w.probe.Health(probeCtx)
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	wasOnline := w.online
	w.online = err == nil

	if w.online && !wasOnline {
		logger.Log.Info("connectivity restored")
		for _, ch := range w.subs {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	if !w.online && wasOnline {
		logger.Log.Warn("connectivity lost", zap.Error(err))
	}
}

// Online reports the last observed state.
func (w *Watcher) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}
