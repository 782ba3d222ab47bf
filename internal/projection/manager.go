package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/matsen/atlas/internal/storage"
)

// Registry is the model registry the manager resolves the current model from.
type Registry interface {
	CurrentModel(ctx context.Context) (*storage.ModelInfo, error)
}

// Outcome is the result of transforming one vector.
type Outcome struct {
	X, Y float64
	Err  error
}

// Manager owns the model lifecycle: load, train, transform, and persist.
// It is safe for concurrent use.
type Manager struct {
	dir    string
	params Params
	pool   *ants.Pool
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager) error

// WithParams sets the fitting parameters.
func WithParams(p Params) Option {
	return func(m *Manager) error {
		if err := p.Validate(); err != nil {
			return err
		}
		m.params = p
		return nil
	}
}

// WithPoolSize sets the number of goroutines used for neighbor search.
// Default is runtime.NumCPU().
func WithPoolSize(size int) Option {
	return func(m *Manager) error {
		if size < 1 {
			size = 1
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		if m.pool != nil {
			m.pool.Release()
		}
		m.pool = pool
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) error {
		if logger == nil {
			logger = slog.Default()
		}
		m.logger = logger.With("component", "projection")
		return nil
	}
}

// WithClock overrides the clock used to stamp trained models.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) error {
		m.now = now
		return nil
	}
}

// NewManager creates a manager that stores artifacts under dir.
func NewManager(dir string, opts ...Option) (*Manager, error) {
	if dir == "" {
		return nil, errors.New("model directory is required")
	}
	pool, err := ants.NewPool(runtime.NumCPU())
	if err != nil {
		return nil, err
	}

	m := &Manager{
		dir:    dir,
		params: DefaultParams(),
		pool:   pool,
		logger: slog.Default().With("component", "projection"),
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			m.Release()
			return nil, err
		}
	}
	return m, nil
}

// Release frees the manager's worker pool.
func (m *Manager) Release() {
	if m.pool != nil {
		m.pool.Release()
	}
}

// Dir returns the artifact directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Params returns the fitting parameters.
func (m *Manager) Params() Params {
	return m.params
}

// Load reads the artifact at path. A corrupt or unreadable artifact yields
// a *LoadError, which also matches ErrModelNotFound, and is logged.
func (m *Manager) Load(path string) (*Model, error) {
	model, err := readArtifact(path)
	if err != nil {
		m.logger.Warn("model artifact unusable, retrain required", "path", path, "error", err)
		return nil, err
	}
	return model, nil
}

// LoadCurrent loads the model the registry names as current.
// Returns ErrModelNotFound if none is registered.
func (m *Manager) LoadCurrent(ctx context.Context, reg Registry) (*Model, error) {
	info, err := reg.CurrentModel(ctx)
	if errors.Is(err, storage.ErrNoModel) {
		return nil, ErrModelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading model registry: %w", err)
	}

	model, err := m.Load(info.ArtifactPath)
	if err != nil {
		return nil, err
	}
	if model.Version != info.Version || model.Dims != info.Dims {
		err := &LoadError{Path: info.ArtifactPath, Err: fmt.Errorf(
			"artifact is v%d (%d dims), registry expects v%d (%d dims)",
			model.Version, model.Dims, info.Version, info.Dims)}
		m.logger.Warn("model artifact does not match registry", "path", info.ArtifactPath, "error", err)
		return nil, err
	}
	return model, nil
}

// TrainInitial fits a new model on sample. The model is stamped with a new
// ID and training time; the caller assigns its version before Persist.
func (m *Manager) TrainInitial(ctx context.Context, sample [][]float32) (*Model, error) {
	start := m.now()
	model, err := fit(ctx, sample, m.params, m.parallel)
	if err != nil {
		return nil, err
	}
	model.ID = uuid.New().String()
	model.TrainedAt = m.now().UTC()

	m.logger.Info("trained projection model",
		"samples", model.SampleSize,
		"dims", model.Dims,
		"epochs", model.Epochs,
		"a", model.A,
		"b", model.B,
		"duration", time.Since(start).Round(time.Millisecond))
	return model, nil
}

// Persist atomically writes model to the artifact directory and returns its path.
func (m *Manager) Persist(model *Model) (string, error) {
	if model.ID == "" {
		model.ID = uuid.New().String()
	}
	path, err := writeArtifact(m.dir, model)
	if err != nil {
		return "", err
	}
	m.logger.Debug("persisted model artifact", "version", model.Version, "path", path)
	return path, nil
}

// Discard removes an artifact that was never registered.
func (m *Manager) Discard(path string) error {
	return removeArtifact(path)
}

// Transform projects vectors with model. Each outcome carries either a
// coordinate or a *TransformError; one bad vector never fails the batch.
func (m *Manager) Transform(ctx context.Context, model *Model, vectors [][]float32) ([]Outcome, error) {
	out := make([]Outcome, len(vectors))
	err := m.parallel(ctx, len(vectors), func(i int) {
		x, y, err := model.TransformOne(vectors[i])
		if err != nil {
			out[i] = Outcome{Err: &TransformError{Index: i, Err: err}}
			return
		}
		out[i] = Outcome{X: x, Y: y}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// parallel fans fn out over the pool and waits for every index.
func (m *Manager) parallel(ctx context.Context, n int, fn func(i int)) error {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return err
		}
		wg.Add(1)
		idx := i
		if err := m.pool.Submit(func() {
			defer wg.Done()
			fn(idx)
		}); err != nil {
			wg.Done()
			wg.Wait()
			return fmt.Errorf("submitting work: %w", err)
		}
	}
	wg.Wait()
	return ctx.Err()
}
