package worker

import (
	"context"
	"time"

	"github.com/matsen/atlas/internal/batch"
	"github.com/matsen/atlas/internal/claim"
	"github.com/matsen/atlas/internal/projection"
	"github.com/matsen/atlas/internal/storage"
)

// Bulk drains the backlog as fast as it can and stops when nothing is
// left to claim or a stop is requested.
type Bulk struct {
	*worker
}

// NewBulk creates a bulk worker.
func NewBulk(store Store, coord *claim.Coordinator, manager *projection.Manager, cfg Config) *Bulk {
	return &Bulk{worker: newWorker(RoleBulk, store, coord, manager, cfg)}
}

// ID returns the worker id.
func (b *Bulk) ID() string {
	return b.cfg.ID
}

// Run drains the backlog. Cancelling ctx ends the run after the current
// batch's claims are released; that is not an error.
func (b *Bulk) Run(ctx context.Context) (Summary, error) {
	sum := b.summary()
	phase := batch.First
	failures := 0

	b.logger.Info("bulk worker started")
	defer b.heartbeat(context.WithoutCancel(ctx), storage.WorkerStopped)

	for {
		if ctx.Err() != nil {
			return sum, nil
		}
		b.heartbeat(ctx, storage.WorkerRunning)

		stop, err := b.stopRequested(ctx)
		if err == nil && stop {
			b.logger.Info("stop requested, exiting", "completed", sum.Completed)
			sum.Stopped = true
			return sum, nil
		}

		var res cycleResult
		if err == nil {
			res, err = b.cycle(ctx, phase, 0)
			sum.add(res)
		}
		if err != nil {
			if ctx.Err() != nil {
				return sum, nil
			}
			failures++
			if fatal(err) || failures >= b.cfg.MaxFailures {
				b.logger.Error("bulk worker giving up", "error", err, "consecutive_failures", failures)
				return sum, wrapCycle(b.role, err)
			}
			b.logger.Warn("cycle failed, retrying", "error", err, "consecutive_failures", failures)
			if !sleep(ctx, b.cfg.PollInterval) {
				return sum, nil
			}
			continue
		}
		failures = 0

		if res.Claimed == 0 {
			b.logger.Info("backlog drained",
				"batches", sum.Batches,
				"completed", sum.Completed,
				"failed", sum.Failed,
				"model_version", sum.ModelVersion)
			return sum, nil
		}
		phase = batch.Subsequent
	}
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
