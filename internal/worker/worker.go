// Package worker runs the claim, transform, and complete cycle that turns
// backlog embeddings into coordinates.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/matsen/atlas/internal/batch"
	"github.com/matsen/atlas/internal/claim"
	"github.com/matsen/atlas/internal/metrics"
	"github.com/matsen/atlas/internal/projection"
	"github.com/matsen/atlas/internal/storage"
)

// Worker roles, recorded in heartbeats and metrics.
const (
	RoleBulk       = "bulk"
	RoleContinuous = "continuous"
)

// Defaults for Config.
const (
	DefaultPollInterval   = 5 * time.Second
	DefaultRetryAttempts  = 5
	DefaultRetryBaseDelay = 200 * time.Millisecond
	DefaultMaxFailures    = 10

	DefaultHeartbeatInterval = 15 * time.Second
)

// releaseTimeout bounds the release of a batch after its context is gone.
const releaseTimeout = 10 * time.Second

// Store is the store surface a worker uses besides the coordinator.
type Store interface {
	CountBacklog(ctx context.Context, now time.Time) (int, error)
	CurrentVersion(ctx context.Context) (int64, error)
	CurrentModel(ctx context.Context) (*storage.ModelInfo, error)
	RegisterModel(ctx context.Context, info storage.ModelInfo, expectedPrev int64) (bool, error)
	ClearThroughVersion(ctx context.Context, version int64) (int, error)
	StopRequested(ctx context.Context) (bool, error)
	Heartbeat(ctx context.Context, workerID, role string, state storage.WorkerState, now time.Time) error
}

// Config holds the settings shared by both worker kinds.
type Config struct {
	// ID identifies the worker. Default is <role>-<uuid>.
	ID string
	// Policy sizes batches. Default is batch.DefaultTable.
	Policy batch.Table
	// BatchSize, when positive, overrides the policy.
	BatchSize int
	// RetryAttempts bounds retries of a failed completion. Zero means
	// DefaultRetryAttempts; a negative value disables retries.
	RetryAttempts int
	// RetryBaseDelay is the first backoff delay; later delays double.
	RetryBaseDelay time.Duration
	// PollInterval is the continuous worker's cycle period and the delay
	// before the bulk worker retries after a store error.
	PollInterval time.Duration
	// RecordsPerSecond paces the continuous worker. Zero disables pacing.
	RecordsPerSecond float64
	// MaxFailures is the number of consecutive failed cycles a worker
	// tolerates before giving up.
	MaxFailures int
	// HeartbeatInterval is how often a worker refreshes its running
	// heartbeat while a batch is in flight. Keep it well under the
	// heartbeat TTL readers use.
	HeartbeatInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults(role string) Config {
	if c.ID == "" {
		c.ID = NewID(role)
	}
	if len(c.Policy) == 0 {
		c.Policy = batch.DefaultTable
	}
	switch {
	case c.RetryAttempts == 0:
		c.RetryAttempts = DefaultRetryAttempts
	case c.RetryAttempts < 0:
		c.RetryAttempts = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// NewID returns a fresh worker id for role.
func NewID(role string) string {
	return role + "-" + uuid.New().String()
}

// Summary totals the work done by one worker run.
type Summary struct {
	WorkerID     string `json:"worker_id"`
	Role         string `json:"role"`
	Batches      int    `json:"batches"`
	Claimed      int    `json:"claimed"`
	Completed    int    `json:"completed"`
	Failed       int    `json:"failed"`
	Released     int    `json:"released"`
	Conflicts    int    `json:"conflicts"`
	ModelVersion int64  `json:"model_version"`
	Trained      bool   `json:"trained"`
	Stopped      bool   `json:"stopped"`
}

func (s *Summary) add(r cycleResult) {
	if r.Claimed > 0 {
		s.Batches++
	}
	s.Claimed += r.Claimed
	s.Completed += r.Completed
	s.Failed += r.Failed
	s.Released += r.Released
	s.Conflicts += r.Conflicts
	if r.Version > 0 {
		s.ModelVersion = r.Version
	}
	s.Trained = s.Trained || r.Trained
}

// cycleResult is the outcome of one claim, transform, and complete cycle.
type cycleResult struct {
	Backlog   int
	Claimed   int
	Completed int
	Failed    int
	Released  int
	Conflicts int
	Version   int64
	Trained   bool
}

// worker holds the state shared by Bulk and Continuous.
type worker struct {
	role    string
	cfg     Config
	store   Store
	coord   *claim.Coordinator
	manager *projection.Manager
	logger  *slog.Logger

	// model is the cached current model. Only the worker's own goroutine
	// touches it.
	model *projection.Model
}

func newWorker(role string, store Store, coord *claim.Coordinator, manager *projection.Manager, cfg Config) *worker {
	cfg = cfg.withDefaults(role)
	return &worker{
		role:    role,
		cfg:     cfg,
		store:   store,
		coord:   coord,
		manager: manager,
		logger:  cfg.Logger.With("component", "worker", "role", role, "worker", cfg.ID),
	}
}

func (w *worker) summary() Summary {
	return Summary{WorkerID: w.cfg.ID, Role: w.role}
}

// batchSize returns the number of records to claim for a backlog of remaining.
func (w *worker) batchSize(remaining int, phase batch.Phase) int {
	if w.cfg.BatchSize > 0 {
		return w.cfg.BatchSize
	}
	return w.cfg.Policy.Size(remaining, phase)
}

func (w *worker) heartbeat(ctx context.Context, state storage.WorkerState) {
	if err := w.store.Heartbeat(ctx, w.cfg.ID, w.role, state, w.coord.Now()); err != nil && ctx.Err() == nil {
		w.logger.Warn("heartbeat failed", "error", err)
	}
}

// keepAlive heartbeats running on an interval until the returned func is
// called, so a long fit or transform is not mistaken for a dead worker.
// The func waits for the last heartbeat to finish.
func (w *worker) keepAlive(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(w.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				w.heartbeat(ctx, storage.WorkerRunning)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// stopRequested reads the cooperative stop flag.
func (w *worker) stopRequested(ctx context.Context) (bool, error) {
	stop, err := w.store.StopRequested(ctx)
	if err != nil {
		return false, &claim.PersistenceError{Op: "reading stop flag", Err: err}
	}
	return stop, nil
}

// cycle runs one unit of work: sweep expired leases, claim up to limit
// records (0 means policy-sized), project them, and record the results.
func (w *worker) cycle(ctx context.Context, phase batch.Phase, limit int) (cycleResult, error) {
	var res cycleResult

	if _, err := w.coord.ReleaseExpiredClaims(ctx); err != nil {
		return res, err
	}

	backlog, err := w.store.CountBacklog(ctx, w.coord.Now())
	if err != nil {
		return res, &claim.PersistenceError{Op: "counting backlog", Err: err}
	}
	res.Backlog = backlog
	w.cfg.Metrics.Backlog(backlog)
	if backlog == 0 {
		return res, nil
	}

	size := w.batchSize(backlog, phase)
	if limit > 0 && limit < size {
		size = limit
	}
	start := time.Now()
	b, err := w.coord.ClaimBatch(ctx, w.cfg.ID, size)
	if err != nil {
		return res, err
	}
	res.Claimed = b.Len()
	if b.Len() == 0 {
		return res, nil
	}
	w.cfg.Metrics.Claimed(w.role, b.Len())
	defer w.keepAlive(ctx)()
	w.logger.Debug("claimed batch", "records", b.Len(), "phase", phase, "backlog", backlog)

	model, trained, err := w.ensureModel(ctx, b)
	if err != nil {
		res.Released = w.release(ctx, b.IDs(), "model unavailable")
		return res, err
	}
	res.Version = model.Version
	res.Trained = trained

	vectors := make([][]float32, b.Len())
	for i, r := range b.Records {
		vectors[i] = r.Vector
	}
	outcomes, err := w.manager.Transform(ctx, model, vectors)
	if err != nil {
		res.Released = w.release(ctx, b.IDs(), "transform interrupted")
		return res, err
	}

	coords := make([]storage.Coordinate, 0, len(outcomes))
	var failures []storage.Failure
	for i, o := range outcomes {
		id := b.Records[i].ID
		if o.Err != nil {
			permanent := errors.Is(o.Err, projection.ErrDimensionMismatch) || errors.Is(o.Err, projection.ErrInvalidVector)
			w.logger.Warn("record failed projection", "id", id, "permanent", permanent, "error", o.Err)
			failures = append(failures, storage.Failure{ID: id, Reason: o.Err.Error(), Permanent: permanent})
			continue
		}
		coords = append(coords, storage.Coordinate{ID: id, X: o.X, Y: o.Y})
	}

	if len(failures) > 0 {
		n, err := w.withRetry(ctx, func(ctx context.Context) (int, error) {
			return w.coord.FailBatch(ctx, w.cfg.ID, failures)
		})
		if err != nil {
			res.Released = w.release(ctx, b.IDs(), "recording failures failed")
			return res, err
		}
		res.Failed = n
		permanent := 0
		for _, f := range failures {
			if f.Permanent {
				permanent++
			}
		}
		w.cfg.Metrics.Failed(w.role, permanent, true)
		w.cfg.Metrics.Failed(w.role, len(failures)-permanent, false)
	}

	n, err := w.withRetry(ctx, func(ctx context.Context) (int, error) {
		return w.coord.CompleteBatch(ctx, w.cfg.ID, model.Version, coords)
	})
	res.Completed = n
	w.cfg.Metrics.Completed(w.role, n)

	var conflict *claim.ConflictError
	switch {
	case errors.As(err, &conflict) && errors.Is(err, storage.ErrStaleModelVersion):
		// A newer model was registered mid-batch. Coordinates from the old
		// model are discarded and the records go back to the queue.
		w.cfg.Metrics.Conflict(w.role)
		res.Conflicts = len(conflict.IDs)
		w.model = nil
		w.logger.Info("model superseded during batch, requeueing", "version", model.Version, "records", len(coords))
		res.Released = w.release(ctx, conflict.IDs, "model superseded")
	case errors.As(err, &conflict):
		w.cfg.Metrics.Conflict(w.role)
		res.Conflicts = len(conflict.IDs)
	case err != nil:
		w.logger.Warn("completion failed after retries, releasing batch", "records", len(coords), "error", err)
		ids := make([]string, len(coords))
		for i, c := range coords {
			ids[i] = c.ID
		}
		res.Released = w.release(ctx, ids, "completion failed")
		return res, err
	}

	w.cfg.Metrics.ObserveBatch(w.role, time.Since(start))
	w.logger.Debug("batch complete",
		"completed", res.Completed,
		"failed", res.Failed,
		"conflicts", res.Conflicts,
		"version", model.Version,
		"duration", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// withRetry runs op with exponential backoff while it fails with a
// persistence error, up to the configured attempts.
func (w *worker) withRetry(ctx context.Context, op func(ctx context.Context) (int, error)) (int, error) {
	b := retry.WithMaxRetries(uint64(w.cfg.RetryAttempts), retry.NewExponential(w.cfg.RetryBaseDelay))

	var n int
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		n, err = op(ctx)
		if claim.IsPersistence(err) {
			w.logger.Warn(err.Error() + ", will retry")
			return retry.RetryableError(err)
		}
		return err
	})
	return n, err
}

// release returns ids to the backlog. It runs even if ctx is cancelled so a
// shutting-down worker does not sit on its claims until the lease expires.
func (w *worker) release(ctx context.Context, ids []string, reason string) int {
	if len(ids) == 0 {
		return 0
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	n, err := w.coord.Release(rctx, w.cfg.ID, ids)
	if err != nil {
		w.logger.Warn("releasing claims failed, leaving them to lease expiry", "records", len(ids), "error", err)
		return 0
	}
	w.cfg.Metrics.Released(reason, n)
	return n
}

// fatal reports whether err should end a worker run immediately instead of
// counting toward the consecutive failure budget.
func fatal(err error) bool {
	return projection.IsTrainError(err)
}

func wrapCycle(role string, err error) error {
	return fmt.Errorf("%s worker: %w", role, err)
}
