package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Control keys.
const (
	keyStopRequested = "stop_requested"
	keyResetPhase    = "reset_phase"
)

// WorkerState is the state a worker reports in its heartbeat.
type WorkerState string

// Worker states.
const (
	WorkerRunning WorkerState = "running"
	WorkerPaused  WorkerState = "paused"
	WorkerStopped WorkerState = "stopped"
)

// WorkerInfo is a heartbeat registry entry.
type WorkerInfo struct {
	ID        string      `json:"id"`
	Role      string      `json:"role"`
	State     WorkerState `json:"state"`
	LastSeen  time.Time   `json:"last_seen"`
	StartedAt time.Time   `json:"started_at"`
}

func (d *DB) setControl(ctx context.Context, key, value string, now time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO control (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, unixMilli(now))
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

func (d *DB) getControl(ctx context.Context, key string) (string, error) {
	var value string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM control WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", key, err)
	}
	return value, nil
}

// SetStopRequested sets or clears the cooperative stop flag polled by workers.
func (d *DB) SetStopRequested(ctx context.Context, stop bool, now time.Time) error {
	value := "0"
	if stop {
		value = "1"
	}
	return d.setControl(ctx, keyStopRequested, value, now)
}

// StopRequested reports whether the stop flag is set.
func (d *DB) StopRequested(ctx context.Context) (bool, error) {
	value, err := d.getControl(ctx, keyStopRequested)
	return value == "1", err
}

// SetResetPhase records the phase of a reset in progress.
func (d *DB) SetResetPhase(ctx context.Context, phase string, now time.Time) error {
	return d.setControl(ctx, keyResetPhase, phase, now)
}

// ResetPhase returns the last recorded reset phase, or "" if none.
func (d *DB) ResetPhase(ctx context.Context) (string, error) {
	return d.getControl(ctx, keyResetPhase)
}

// Heartbeat records that a worker is alive in the given state.
func (d *DB) Heartbeat(ctx context.Context, workerID, role string, state WorkerState, now time.Time) error {
	ts := unixMilli(now)
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO workers (worker_id, role, state, last_seen, started_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET state = excluded.state, last_seen = excluded.last_seen
	`, workerID, role, string(state), ts, ts)
	if err != nil {
		return fmt.Errorf("recording heartbeat for %s: %w", workerID, err)
	}
	return nil
}

// CountWorkers returns the number of workers in state whose heartbeat is
// no older than since.
func (d *DB) CountWorkers(ctx context.Context, state WorkerState, since time.Time) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM workers WHERE state = ? AND last_seen >= ?
	`, string(state), unixMilli(since)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting workers: %w", err)
	}
	return count, nil
}

// ListWorkers returns workers whose heartbeat is no older than since.
func (d *DB) ListWorkers(ctx context.Context, since time.Time) ([]WorkerInfo, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT worker_id, role, state, last_seen, started_at FROM workers
		WHERE last_seen >= ? ORDER BY role, worker_id
	`, unixMilli(since))
	if err != nil {
		return nil, fmt.Errorf("listing workers: %w", err)
	}
	defer rows.Close()

	var workers []WorkerInfo
	for rows.Next() {
		var w WorkerInfo
		var state string
		var lastSeen, startedAt int64
		if err := rows.Scan(&w.ID, &w.Role, &state, &lastSeen, &startedAt); err != nil {
			return nil, err
		}
		w.State = WorkerState(state)
		w.LastSeen = time.UnixMilli(lastSeen)
		w.StartedAt = time.UnixMilli(startedAt)
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// PruneWorkers removes heartbeat entries older than before.
func (d *DB) PruneWorkers(ctx context.Context, before time.Time) (int, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM workers WHERE last_seen < ?`, unixMilli(before))
	if err != nil {
		return 0, fmt.Errorf("pruning workers: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
