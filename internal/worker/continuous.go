package worker

import (
	"context"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/matsen/atlas/internal/batch"
	"github.com/matsen/atlas/internal/claim"
	"github.com/matsen/atlas/internal/projection"
	"github.com/matsen/atlas/internal/storage"
)

// Continuous polls for new records on a fixed interval and processes one
// capped batch per poll. It pauses while a stop is requested and runs
// until its context is cancelled.
type Continuous struct {
	*worker
	limiter *rate.Limiter
}

// NewContinuous creates a continuous worker.
func NewContinuous(store Store, coord *claim.Coordinator, manager *projection.Manager, cfg Config) *Continuous {
	c := &Continuous{worker: newWorker(RoleContinuous, store, coord, manager, cfg)}
	if rps := c.cfg.RecordsPerSecond; rps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(rps), int(math.Max(1, math.Ceil(rps))))
	}
	return c
}

// ID returns the worker id.
func (c *Continuous) ID() string {
	return c.cfg.ID
}

// RunOnce performs a single poll: one batch if anything is claimable.
// A set stop flag skips the poll.
func (c *Continuous) RunOnce(ctx context.Context) (Summary, error) {
	sum := c.summary()
	stop, err := c.stopRequested(ctx)
	if err != nil {
		return sum, wrapCycle(c.role, err)
	}
	if stop {
		c.heartbeat(ctx, storage.WorkerPaused)
		sum.Stopped = true
		return sum, nil
	}
	c.heartbeat(ctx, storage.WorkerRunning)
	phase, err := c.phase(ctx)
	if err != nil {
		return sum, wrapCycle(c.role, err)
	}
	res, err := c.cycle(ctx, phase, c.limit())
	sum.add(res)
	c.heartbeat(context.WithoutCancel(ctx), storage.WorkerStopped)
	if err != nil && ctx.Err() == nil {
		return sum, wrapCycle(c.role, err)
	}
	return sum, nil
}

// Run polls until ctx is cancelled. It returns an error only after
// MaxFailures consecutive failed polls or a training failure.
func (c *Continuous) Run(ctx context.Context) (Summary, error) {
	sum := c.summary()
	failures := 0
	paused := false

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.logger.Info("continuous worker started", "poll_interval", c.cfg.PollInterval)
	defer c.heartbeat(context.WithoutCancel(ctx), storage.WorkerStopped)

	for {
		err := c.poll(ctx, &sum, &paused)
		if err != nil {
			if ctx.Err() != nil {
				return sum, nil
			}
			failures++
			if fatal(err) || failures >= c.cfg.MaxFailures {
				c.logger.Error("continuous worker giving up", "error", err, "consecutive_failures", failures)
				return sum, wrapCycle(c.role, err)
			}
			c.logger.Warn("poll failed", "error", err, "consecutive_failures", failures)
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			c.logger.Info("continuous worker stopped", "completed", sum.Completed)
			return sum, nil
		case <-ticker.C:
		}
	}
}

func (c *Continuous) poll(ctx context.Context, sum *Summary, paused *bool) error {
	stop, err := c.stopRequested(ctx)
	if err != nil {
		return err
	}
	if stop {
		if !*paused {
			c.logger.Info("stop requested, pausing")
			*paused = true
		}
		c.heartbeat(ctx, storage.WorkerPaused)
		return nil
	}
	if *paused {
		c.logger.Info("stop cleared, resuming")
		*paused = false
	}
	c.heartbeat(ctx, storage.WorkerRunning)

	phase, err := c.phase(ctx)
	if err != nil {
		return err
	}
	res, err := c.cycle(ctx, phase, c.limit())
	sum.add(res)
	if err != nil {
		return err
	}
	if c.limiter != nil && res.Claimed > 0 {
		return c.limiter.WaitN(ctx, res.Claimed)
	}
	return nil
}

// phase sizes the next batch as a first batch while no model is registered,
// since that batch trains the bootstrap model.
func (c *Continuous) phase(ctx context.Context) (batch.Phase, error) {
	if c.model != nil {
		return batch.Subsequent, nil
	}
	version, err := c.store.CurrentVersion(ctx)
	if err != nil {
		return batch.Subsequent, &claim.PersistenceError{Op: "reading model version", Err: err}
	}
	if version == 0 {
		return batch.First, nil
	}
	return batch.Subsequent, nil
}

// limit caps the batch so the pacing limiter can admit it.
func (c *Continuous) limit() int {
	if c.limiter == nil {
		return 0
	}
	return c.limiter.Burst()
}
