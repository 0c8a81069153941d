package netwatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type flakyProber struct {
	up atomic.Bool
}

func (p *flakyProber) Health(context.Context) error {
	if p.up.Load() {
		return nil
	}
	return errors.New("unreachable")
}

func nudged(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestNudgeOnOfflineToOnline(t *testing.T) {
	probe := &flakyProber{}
	w := NewWatcher(probe, time.Second)
	ch := w.Subscribe()
	ctx := context.Background()

	w.check(ctx)
	require.False(t, w.Online())
	require.False(t, nudged(ch))

	probe.up.Store(true)
	w.check(ctx)
	require.True(t, w.Online())
	require.True(t, nudged(ch))

	// staying online does not nudge again
	w.check(ctx)
	require.False(t, nudged(ch))

	// a full offline-online cycle does
	probe.up.Store(false)
	w.check(ctx)
	probe.up.Store(true)
	w.check(ctx)
	require.True(t, nudged(ch))
}

func TestFirstSuccessfulProbeCountsAsTransition(t *testing.T) {
	probe := &flakyProber{}
	probe.up.Store(true)
	w := NewWatcher(probe, time.Second)
	ch := w.Subscribe()

	// process started while already online; queued work should drain now
	w.check(context.Background())
	require.True(t, nudged(ch))
}

func TestMissedNudgeDoesNotBlock(t *testing.T) {
	probe := &flakyProber{}
	w := NewWatcher(probe, time.Second)
	ch := w.Subscribe()
	ctx := context.Background()

	probe.up.Store(true)
	w.check(ctx)
	probe.up.Store(false)
	w.check(ctx)
	probe.up.Store(true)
	w.check(ctx) // subscriber never read; buffer already full, must not hang

	require.True(t, nudged(ch))
	require.False(t, nudged(ch))
}
