// Package reset retrains the projection from a fresh sample and re-projects
// the corpus under the new model version.
package reset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/matsen/atlas/internal/batch"
	"github.com/matsen/atlas/internal/claim"
	"github.com/matsen/atlas/internal/metrics"
	"github.com/matsen/atlas/internal/projection"
	"github.com/matsen/atlas/internal/storage"
	"github.com/matsen/atlas/internal/worker"
)

// Phase is a reset state. Phases run in declaration order.
type Phase string

const (
	PhaseRunning            Phase = "RUNNING"
	PhaseStopping           Phase = "STOPPING"
	PhaseClearing           Phase = "CLEARING"
	PhaseSampling           Phase = "SAMPLING"
	PhaseRetraining         Phase = "RETRAINING"
	PhaseBaselineProjecting Phase = "BASELINE_PROJECTING"
	PhaseResuming           Phase = "RESUMING"
)

// Role is the heartbeat and claim-owner role of the orchestrator.
const Role = "reset"

// Defaults for Config.
const (
	DefaultSampleSize   = 100_000
	DefaultStopTimeout  = 2 * time.Minute
	DefaultHeartbeatTTL = time.Minute
	DefaultStopPoll     = 500 * time.Millisecond
)

var (
	// ErrVersionRace indicates another model was registered while the
	// reset was retraining.
	ErrVersionRace = errors.New("model version changed during reset")

	// ErrEmptyCorpus indicates there is nothing to sample.
	ErrEmptyCorpus = errors.New("no embeddings to sample")
)

// Store is the store surface the orchestrator uses.
type Store interface {
	worker.Store
	SetStopRequested(ctx context.Context, stop bool, now time.Time) error
	SetResetPhase(ctx context.Context, phase string, now time.Time) error
	ResetPhase(ctx context.Context) (string, error)
	CountWorkers(ctx context.Context, state storage.WorkerState, since time.Time) (int, error)
	CountThroughVersion(ctx context.Context, version int64) (int, error)
	CountByStatus(ctx context.Context) (storage.StatusCounts, error)
	SampleEmbeddings(ctx context.Context, n int, seed uint64) ([]storage.ClaimedRecord, error)
}

// Config controls a reset run.
type Config struct {
	// SampleSize is the training sample target. The whole corpus is used
	// when it is smaller.
	SampleSize int
	// Seed drives the reservoir sample.
	Seed uint64
	// StopTimeout bounds the wait for running workers to stop.
	StopTimeout time.Duration
	// HeartbeatTTL is how recent a heartbeat must be for a worker to count
	// as alive.
	HeartbeatTTL time.Duration
	// StopPoll is the interval between worker registry checks.
	StopPoll time.Duration
	// Policy sizes baseline projection chunks.
	Policy batch.Table
	// Backfill runs a bulk worker in-process after resuming.
	Backfill bool
	// Worker configures the backfill worker.
	Worker worker.Config

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.SampleSize <= 0 {
		c.SampleSize = DefaultSampleSize
	}
	if c.StopTimeout < 0 {
		c.StopTimeout = 0
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = DefaultHeartbeatTTL
	}
	if c.StopPoll <= 0 {
		c.StopPoll = DefaultStopPoll
	}
	if len(c.Policy) == 0 {
		c.Policy = batch.DefaultTable
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Plan describes what a reset would do.
type Plan struct {
	CurrentVersion    int64  `json:"current_version"`
	NextVersion       int64  `json:"next_version"`
	RecordsToClear    int    `json:"records_to_clear"`
	OutstandingClaims int    `json:"outstanding_claims"`
	CorpusSize        int    `json:"corpus_size"`
	SampleSize        int    `json:"sample_size"`
	LiveWorkers       int    `json:"live_workers"`
	LastPhase         string `json:"last_phase,omitempty"`
}

// Result reports a completed reset.
type Result struct {
	Plan
	Version         int64           `json:"version"`
	Cleared         int             `json:"cleared"`
	Released        int             `json:"released"`
	Sampled         int             `json:"sampled"`
	Trained         int             `json:"trained"`
	Baseline        int             `json:"baseline_completed"`
	BaselineFailed  int             `json:"baseline_failed"`
	StopTimedOut    bool            `json:"stop_timed_out"`
	ArtifactPath    string          `json:"artifact_path"`
	Backfill        *worker.Summary `json:"backfill,omitempty"`
	DurationSeconds float64         `json:"duration_seconds"`
}

// Orchestrator runs resets. Only one reset should run at a time.
type Orchestrator struct {
	store   Store
	coord   *claim.Coordinator
	manager *projection.Manager
	cfg     Config
	id      string
	logger  *slog.Logger
}

// New creates an orchestrator.
func New(store Store, coord *claim.Coordinator, manager *projection.Manager, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	id := Role + "-" + uuid.New().String()
	return &Orchestrator{
		store:   store,
		coord:   coord,
		manager: manager,
		cfg:     cfg,
		id:      id,
		logger:  cfg.Logger.With("component", "reset", "reset", id),
	}
}

// Plan reports what Run would do without changing the store or the
// artifact directory.
func (o *Orchestrator) Plan(ctx context.Context) (*Plan, error) {
	current, err := o.store.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := o.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	toClear := 0
	if current > 0 {
		if toClear, err = o.store.CountThroughVersion(ctx, current); err != nil {
			return nil, fmt.Errorf("counting records to clear: %w", err)
		}
	}
	live, err := o.store.CountWorkers(ctx, storage.WorkerRunning, o.coord.Now().Add(-o.cfg.HeartbeatTTL))
	if err != nil {
		return nil, err
	}
	last, err := o.store.ResetPhase(ctx)
	if err != nil {
		return nil, err
	}

	corpus := counts.Total - counts.Failed
	sample := o.cfg.SampleSize
	if corpus < sample {
		sample = corpus
	}
	return &Plan{
		CurrentVersion:    current,
		NextVersion:       current + 1,
		RecordsToClear:    toClear,
		OutstandingClaims: counts.Claimed,
		CorpusSize:        corpus,
		SampleSize:        sample,
		LiveWorkers:       live,
		LastPhase:         last,
	}, nil
}

func (o *Orchestrator) enter(ctx context.Context, phase Phase) error {
	o.logger.Info("reset phase", "phase", string(phase))
	if err := o.store.SetResetPhase(ctx, string(phase), o.coord.Now()); err != nil {
		return &claim.PersistenceError{Op: "recording reset phase", Err: err}
	}
	return nil
}

// Run performs a full reset. If it fails after workers were asked to stop,
// the stop flag is cleared again so workers resume with the model that is
// current at that point.
func (o *Orchestrator) Run(ctx context.Context) (res *Result, err error) {
	start := time.Now()
	plan, err := o.Plan(ctx)
	if err != nil {
		return nil, err
	}
	if plan.LastPhase != "" && plan.LastPhase != string(PhaseRunning) {
		o.logger.Warn("previous reset did not finish, starting over", "last_phase", plan.LastPhase)
	}
	res = &Result{Plan: *plan}

	defer func() {
		res.DurationSeconds = time.Since(start).Seconds()
		if err == nil {
			o.cfg.Metrics.Reset("completed")
			return
		}
		o.cfg.Metrics.Reset("failed")
		o.logger.Error("reset failed, resuming workers", "error", err)
		o.resume(context.WithoutCancel(ctx))
	}()

	if err := o.stop(ctx, res); err != nil {
		return res, err
	}
	if err := o.clear(ctx, res); err != nil {
		return res, err
	}
	sample, err := o.sample(ctx, res)
	if err != nil {
		return res, err
	}
	model, trainIdx, err := o.retrain(ctx, res, sample)
	if err != nil {
		return res, err
	}
	if err := o.baseline(ctx, res, model, sample, trainIdx); err != nil {
		return res, err
	}

	if err := o.enter(ctx, PhaseResuming); err != nil {
		return res, err
	}
	if err := o.store.SetStopRequested(ctx, false, o.coord.Now()); err != nil {
		return res, &claim.PersistenceError{Op: "clearing stop flag", Err: err}
	}
	if o.cfg.Backfill {
		bulk := worker.NewBulk(o.store, o.coord, o.manager, o.cfg.Worker)
		sum, err := bulk.Run(ctx)
		res.Backfill = &sum
		if err != nil {
			return res, fmt.Errorf("backfill: %w", err)
		}
	}
	if err := o.enter(ctx, PhaseRunning); err != nil {
		return res, err
	}

	o.logger.Info("reset complete",
		"version", res.Version,
		"cleared", res.Cleared,
		"sampled", res.Sampled,
		"baseline", res.Baseline,
		"duration", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// resume clears the stop flag and marks the reset as finished.
func (o *Orchestrator) resume(ctx context.Context) {
	if err := o.store.SetStopRequested(ctx, false, o.coord.Now()); err != nil {
		o.logger.Error("clearing stop flag failed; run with a fresh reset or clear it manually", "error", err)
	}
	if err := o.store.SetResetPhase(ctx, string(PhaseRunning), o.coord.Now()); err != nil {
		o.logger.Warn("recording reset phase failed", "error", err)
	}
}

// stop asks workers to stop and waits, up to the stop timeout, until none
// reports running. Proceeding after the timeout is safe: completions from
// a stale worker are rejected once its claims are cleared.
func (o *Orchestrator) stop(ctx context.Context, res *Result) error {
	if err := o.enter(ctx, PhaseStopping); err != nil {
		return err
	}
	if err := o.store.SetStopRequested(ctx, true, o.coord.Now()); err != nil {
		return &claim.PersistenceError{Op: "setting stop flag", Err: err}
	}

	deadline := time.Now().Add(o.cfg.StopTimeout)
	ticker := time.NewTicker(o.cfg.StopPoll)
	defer ticker.Stop()
	for {
		running, err := o.store.CountWorkers(ctx, storage.WorkerRunning, o.coord.Now().Add(-o.cfg.HeartbeatTTL))
		if err != nil {
			return &claim.PersistenceError{Op: "checking workers", Err: err}
		}
		if running == 0 {
			return nil
		}
		if !time.Now().Before(deadline) {
			o.logger.Warn("workers still running after stop timeout, proceeding", "running", running, "timeout", o.cfg.StopTimeout)
			res.StopTimedOut = true
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) clear(ctx context.Context, res *Result) error {
	if err := o.enter(ctx, PhaseClearing); err != nil {
		return err
	}
	if res.CurrentVersion > 0 {
		n, err := o.store.ClearThroughVersion(ctx, res.CurrentVersion)
		if err != nil {
			return &claim.PersistenceError{Op: "clearing coordinates", Err: err}
		}
		res.Cleared = n
	}
	n, err := o.coord.ReleaseAll(ctx)
	if err != nil {
		return err
	}
	res.Released = n
	o.logger.Info("cleared coordinates", "records", res.Cleared, "released_claims", res.Released)
	return nil
}

func (o *Orchestrator) sample(ctx context.Context, res *Result) ([]storage.ClaimedRecord, error) {
	if err := o.enter(ctx, PhaseSampling); err != nil {
		return nil, err
	}
	sample, err := o.store.SampleEmbeddings(ctx, o.cfg.SampleSize, o.cfg.Seed)
	if err != nil {
		return nil, &claim.PersistenceError{Op: "sampling embeddings", Err: err}
	}
	if len(sample) == 0 {
		return nil, ErrEmptyCorpus
	}
	res.Sampled = len(sample)
	o.logger.Info("sampled embeddings", "records", len(sample), "target", o.cfg.SampleSize)
	return sample, nil
}

// retrain fits and registers the next model version. It returns the model
// and, for each sample record, its training index or -1.
func (o *Orchestrator) retrain(ctx context.Context, res *Result, sample []storage.ClaimedRecord) (*projection.Model, []int, error) {
	if err := o.enter(ctx, PhaseRetraining); err != nil {
		return nil, nil, err
	}

	vectors := make([][]float32, len(sample))
	for i, r := range sample {
		vectors[i] = r.Vector
	}
	idx := projection.Trainable(vectors)
	train := make([][]float32, len(idx))
	trainIdx := make([]int, len(sample))
	for i := range trainIdx {
		trainIdx[i] = -1
	}
	for i, j := range idx {
		train[i] = vectors[j]
		trainIdx[j] = i
	}
	res.Trained = len(train)

	model, err := o.manager.TrainInitial(ctx, train)
	if err != nil {
		return nil, nil, err
	}
	model.Version = res.CurrentVersion + 1

	path, err := o.manager.Persist(model)
	if err != nil {
		return nil, nil, &claim.PersistenceError{Op: "persisting model", Err: err}
	}
	won, err := o.store.RegisterModel(ctx, storage.ModelInfo{
		Version:      model.Version,
		ArtifactPath: path,
		SampleSize:   model.SampleSize,
		Dims:         model.Dims,
		TrainedAt:    model.TrainedAt,
		TrainedBy:    o.id,
	}, res.CurrentVersion)
	if err == nil && !won {
		err = fmt.Errorf("%w: expected v%d to be current", ErrVersionRace, res.CurrentVersion)
	}
	if err != nil {
		if derr := o.manager.Discard(path); derr != nil {
			o.logger.Warn("removing unregistered artifact failed", "path", path, "error", derr)
		}
		return nil, nil, err
	}

	res.Version = model.Version
	res.ArtifactPath = path

	// A worker that outlived the stop wait may have completed records under
	// the old version while it was still current.
	if res.CurrentVersion > 0 {
		n, err := o.store.ClearThroughVersion(ctx, res.CurrentVersion)
		if err != nil {
			return nil, nil, &claim.PersistenceError{Op: "clearing late completions", Err: err}
		}
		if n > 0 {
			o.logger.Warn("requeued records completed during reset", "records", n, "version", res.CurrentVersion)
		}
		res.Cleared += n
	}

	o.cfg.Metrics.Trained("reset", model.Version)
	o.logger.Info("registered model", "version", model.Version, "path", path)
	return model, trainIdx, nil
}

// baseline claims the sample records and writes their coordinates under
// the new version. Training records take their place in the fitted layout;
// anything else is transformed.
func (o *Orchestrator) baseline(ctx context.Context, res *Result, model *projection.Model, sample []storage.ClaimedRecord, trainIdx []int) error {
	if err := o.enter(ctx, PhaseBaselineProjecting); err != nil {
		return err
	}

	pos := make(map[string]int, len(sample))
	for i, r := range sample {
		pos[r.ID] = i
	}

	size := o.cfg.Policy.Size(len(sample), batch.Subsequent)
	for lo := 0; lo < len(sample); lo += size {
		hi := min(lo+size, len(sample))
		ids := make([]string, 0, hi-lo)
		for _, r := range sample[lo:hi] {
			ids = append(ids, r.ID)
		}

		b, err := o.coord.ClaimIDs(ctx, o.id, ids)
		if err != nil {
			return err
		}

		var coords []storage.Coordinate
		var failures []storage.Failure
		var pending []storage.ClaimedRecord
		for _, r := range b.Records {
			if t := trainIdx[pos[r.ID]]; t >= 0 {
				x, y := model.TrainingCoordinates(t)
				coords = append(coords, storage.Coordinate{ID: r.ID, X: x, Y: y})
				continue
			}
			pending = append(pending, r)
		}
		if len(pending) > 0 {
			vectors := make([][]float32, len(pending))
			for i, r := range pending {
				vectors[i] = r.Vector
			}
			outcomes, err := o.manager.Transform(ctx, model, vectors)
			if err != nil {
				o.coord.Release(context.WithoutCancel(ctx), o.id, b.IDs())
				return err
			}
			for i, out := range outcomes {
				if out.Err != nil {
					failures = append(failures, storage.Failure{ID: pending[i].ID, Reason: out.Err.Error(), Permanent: true})
					continue
				}
				coords = append(coords, storage.Coordinate{ID: pending[i].ID, X: out.X, Y: out.Y})
			}
		}

		if len(failures) > 0 {
			n, err := o.coord.FailBatch(ctx, o.id, failures)
			if err != nil {
				return err
			}
			res.BaselineFailed += n
		}
		n, err := o.coord.CompleteBatch(ctx, o.id, model.Version, coords)
		res.Baseline += n
		if err != nil && !claim.IsConflict(err) {
			o.coord.Release(context.WithoutCancel(ctx), o.id, b.IDs())
			return err
		}
		o.logger.Debug("baseline chunk", "claimed", b.Len(), "completed", n, "failed", len(failures))
	}
	o.logger.Info("baseline projection complete", "completed", res.Baseline, "failed", res.BaselineFailed)
	return nil
}
