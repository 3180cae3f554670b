package workers

import (
	"context"
	"time"
)

// SessionSweeper is the surface the sweeper needs from the session manager.
type SessionSweeper interface {
	SweepIdle(threshold time.Duration) int
}

// IdleSweeperWorker enforces the inactivity bound across every live stream.
// Any stream whose last activity is older than the threshold is force-closed
// regardless of connection state; the session manager's cleanup guard keeps a
// sweep from racing an in-flight teardown for the same connection.
type IdleSweeperWorker struct {
	*BaseWorker
	sweeper   SessionSweeper
	threshold time.Duration
}

// NewIdleSweeperWorker creates the idle sweeper.
func NewIdleSweeperWorker(sweeper SessionSweeper, interval, threshold time.Duration) *IdleSweeperWorker {
	return &IdleSweeperWorker{
		BaseWorker: NewBaseWorker("idle_sweeper", interval, true),
		sweeper:    sweeper,
		threshold:  threshold,
	}
}

// Run performs one sweep iteration.
func (w *IdleSweeperWorker) Run(ctx context.Context) error {
	start := time.Now()

	evicted := w.sweeper.SweepIdle(w.threshold)
	if evicted > 0 {
		w.Log().Warnf("Idle sweep evicted %d sessions", evicted)
	}

	w.RecordRun(time.Since(start))
	return nil
}
