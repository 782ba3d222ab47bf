package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/matsen/atlas/internal/claim"
	"github.com/matsen/atlas/internal/projection"
	"github.com/matsen/atlas/internal/storage"
)

// ensureModel returns the current model, loading it when the registry has
// moved past the cached one. With no usable model registered it trains one
// on the batch in hand. The bool reports whether this call trained.
func (w *worker) ensureModel(ctx context.Context, b *claim.Batch) (*projection.Model, bool, error) {
	version, err := w.store.CurrentVersion(ctx)
	if err != nil {
		return nil, false, &claim.PersistenceError{Op: "reading model version", Err: err}
	}
	if w.model != nil && w.model.Version == version {
		return w.model, false, nil
	}
	if version == 0 {
		model, err := w.bootstrap(ctx, 0, b)
		return model, err == nil, err
	}

	model, err := w.manager.LoadCurrent(ctx, w.store)
	var loadErr *projection.LoadError
	switch {
	case errors.As(err, &loadErr):
		// The registered artifact is unusable. Train a replacement that
		// supersedes it.
		w.logger.Warn("current model unusable, retraining", "version", version, "error", err)
		model, err := w.bootstrap(ctx, version, b)
		return model, err == nil, err
	case errors.Is(err, projection.ErrModelNotFound):
		// Registered between our version read and the load; retry next cycle.
		return nil, false, &claim.PersistenceError{Op: "loading current model", Err: err}
	case err != nil:
		return nil, false, &claim.PersistenceError{Op: "loading current model", Err: err}
	}

	w.cacheModel(model)
	return model, false, nil
}

func (w *worker) cacheModel(m *projection.Model) {
	if w.model == nil || w.model.Version != m.Version {
		w.logger.Info("using projection model", "version", m.Version, "dims", m.Dims, "samples", m.SampleSize)
	}
	w.model = m
	w.cfg.Metrics.ModelVersion(m.Version)
}

// bootstrap fits a model on the batch and registers it as version prev+1.
// If another worker registers first, this worker's artifact is discarded
// and the winner's model is used instead.
func (w *worker) bootstrap(ctx context.Context, prev int64, b *claim.Batch) (*projection.Model, error) {
	vectors := make([][]float32, b.Len())
	for i, r := range b.Records {
		vectors[i] = r.Vector
	}
	idx := projection.Trainable(vectors)
	sample := make([][]float32, len(idx))
	for i, j := range idx {
		sample[i] = vectors[j]
	}
	w.logger.Info("training bootstrap model", "records", b.Len(), "usable", len(sample), "supersedes", prev)

	model, err := w.manager.TrainInitial(ctx, sample)
	if err != nil {
		return nil, err
	}
	model.Version = prev + 1

	path, err := w.manager.Persist(model)
	if err != nil {
		return nil, &claim.PersistenceError{Op: "persisting model", Err: err}
	}

	won, err := w.store.RegisterModel(ctx, storage.ModelInfo{
		Version:      model.Version,
		ArtifactPath: path,
		SampleSize:   model.SampleSize,
		Dims:         model.Dims,
		TrainedAt:    model.TrainedAt,
		TrainedBy:    w.cfg.ID,
	}, prev)
	if err != nil {
		w.discard(path)
		return nil, &claim.PersistenceError{Op: "registering model", Err: err}
	}
	if !won {
		w.discard(path)
		w.logger.Info("another worker registered a model first, loading it", "version", model.Version)
		winner, err := w.manager.LoadCurrent(ctx, w.store)
		if err != nil {
			return nil, fmt.Errorf("loading winning model: %w", err)
		}
		w.cacheModel(winner)
		return winner, nil
	}

	if prev > 0 {
		n, err := w.store.ClearThroughVersion(ctx, prev)
		if err != nil {
			w.logger.Warn("requeueing records of superseded model failed", "version", prev, "error", err)
		} else if n > 0 {
			w.logger.Info("requeued records of superseded model", "version", prev, "records", n)
		}
	}

	w.cfg.Metrics.Trained("bootstrap", model.Version)
	w.cacheModel(model)
	return model, nil
}

func (w *worker) discard(path string) {
	if err := w.manager.Discard(path); err != nil {
		w.logger.Warn("removing unregistered artifact failed", "path", path, "error", err)
	}
}
