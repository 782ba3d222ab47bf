package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoModel is returned when no projection model has been registered.
var ErrNoModel = errors.New("no projection model registered")

// ModelInfo is a registry entry for a trained projection model.
type ModelInfo struct {
	Version      int64     `json:"version"`
	ArtifactPath string    `json:"artifact_path"`
	SampleSize   int       `json:"sample_size"`
	Dims         int       `json:"dims"`
	TrainedAt    time.Time `json:"trained_at"`
	TrainedBy    string    `json:"trained_by"`
}

// RegisterModel registers info as the new current model, but only if the
// current version is still expectedPrev and info.Version is expectedPrev+1.
// It reports whether this call won the registration.
func (d *DB) RegisterModel(ctx context.Context, info ModelInfo, expectedPrev int64) (bool, error) {
	if info.Version != expectedPrev+1 {
		return false, fmt.Errorf("model version %d does not follow %d", info.Version, expectedPrev)
	}

	res, err := d.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO projection_models (version, artifact_path, sample_size, dims, trained_at, trained_by)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE (SELECT COALESCE(MAX(version), 0) FROM projection_models) = ?
	`, info.Version, info.ArtifactPath, info.SampleSize, info.Dims, unixMilli(info.TrainedAt), info.TrainedBy, expectedPrev)
	if err != nil {
		return false, fmt.Errorf("registering model v%d: %w", info.Version, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CurrentVersion returns the current model version, or 0 if none exists.
func (d *DB) CurrentVersion(ctx context.Context) (int64, error) {
	var version int64
	err := d.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM projection_models`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("reading current model version: %w", err)
	}
	return version, nil
}

// CurrentModel returns the registry entry of the current model.
// Returns ErrNoModel if no model has been registered.
func (d *DB) CurrentModel(ctx context.Context) (*ModelInfo, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT version, artifact_path, sample_size, dims, trained_at, trained_by
		FROM projection_models ORDER BY version DESC LIMIT 1
	`)
	info, err := scanModel(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoModel
	}
	if err != nil {
		return nil, fmt.Errorf("reading current model: %w", err)
	}
	return info, nil
}

// ListModels returns all registered models, newest first.
func (d *DB) ListModels(ctx context.Context) ([]ModelInfo, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT version, artifact_path, sample_size, dims, trained_at, trained_by
		FROM projection_models ORDER BY version DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	defer rows.Close()

	var models []ModelInfo
	for rows.Next() {
		info, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, *info)
	}
	return models, rows.Err()
}

func scanModel(s scanner) (*ModelInfo, error) {
	var info ModelInfo
	var trainedAt int64
	if err := s.Scan(&info.Version, &info.ArtifactPath, &info.SampleSize, &info.Dims, &trainedAt, &info.TrainedBy); err != nil {
		return nil, err
	}
	info.TrainedAt = time.UnixMilli(trainedAt)
	return &info, nil
}
