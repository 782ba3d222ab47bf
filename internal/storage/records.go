package storage

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"time"
)

// Status is the processing status of an embedding record.
type Status string

// Record processing states.
const (
	StatusUnprocessed Status = "unprocessed"
	StatusClaimed     Status = "claimed"
	StatusDone        Status = "done"
	StatusFailed      Status = "failed"
)

// Embedding is a raw embedding as produced by upstream embedding generation.
type Embedding struct {
	ID     string    `json:"id"`
	Vector []float32 `json:"embedding"`
}

// Record is a full embedding record including coordinate and claim state.
type Record struct {
	ID            string
	Dims          int
	Vector        []float32
	HasCoordinate bool
	X             float64
	Y             float64
	ModelVersion  int64 // 0 when no coordinate has been computed
	ComputedAt    time.Time
	Status        Status
	ClaimOwner    string
	ClaimedAt     time.Time
	LeaseExpires  time.Time
	Attempts      int
	FailureReason string
	IngestedAt    time.Time
}

// Coordinate is a computed 2D position for one record.
type Coordinate struct {
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// IngestStats summarizes an InsertEmbeddings call.
type IngestStats struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// StatusCounts holds the number of records in each state.
type StatusCounts struct {
	Unprocessed int `json:"unprocessed"`
	Claimed     int `json:"claimed"`
	Done        int `json:"done"`
	Failed      int `json:"failed"`
	Total       int `json:"total"`
}

// Box is an axis-aligned bounding box in projection space.
type Box struct {
	MinX, MinY, MaxX, MaxY float64
}

const selectRecordFields = `id, dims, vector, x, y, model_version, computed_at,
	status, claim_owner, claimed_at, lease_expires_at, attempts, failure_reason, ingested_at`

// resetCoordinateColumns is the SET clause that returns a record to the backlog.
const resetCoordinateColumns = `x = NULL, y = NULL, model_version = NULL, computed_at = NULL,
	status = 'unprocessed', claim_owner = NULL, claim_id = NULL, claimed_at = NULL,
	lease_expires_at = NULL`

// InsertEmbeddings adds new records or replaces the vector of existing ones.
// A record whose vector changes loses its coordinate and returns to the backlog.
func (d *DB) InsertEmbeddings(ctx context.Context, items []Embedding, now time.Time) (IngestStats, error) {
	var stats IngestStats

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	selectStmt, err := tx.PrepareContext(ctx, `SELECT vector FROM embeddings WHERE id = ?`)
	if err != nil {
		return stats, fmt.Errorf("preparing lookup: %w", err)
	}
	defer selectStmt.Close()

	insertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO embeddings (id, dims, vector, status, attempts, ingested_at)
		VALUES (?, ?, ?, 'unprocessed', 0, ?)
	`)
	if err != nil {
		return stats, fmt.Errorf("preparing insert: %w", err)
	}
	defer insertStmt.Close()

	updateStmt, err := tx.PrepareContext(ctx, `
		UPDATE embeddings
		SET dims = ?, vector = ?, `+resetCoordinateColumns+`, attempts = 0, failure_reason = NULL, ingested_at = ?
		WHERE id = ?
	`)
	if err != nil {
		return stats, fmt.Errorf("preparing update: %w", err)
	}
	defer updateStmt.Close()

	for _, item := range items {
		if item.ID == "" {
			return stats, fmt.Errorf("embedding with empty id")
		}
		blob := EncodeVector(item.Vector)

		var existing []byte
		err := selectStmt.QueryRowContext(ctx, item.ID).Scan(&existing)
		switch {
		case err == sql.ErrNoRows:
			if _, err := insertStmt.ExecContext(ctx, item.ID, len(item.Vector), blob, unixMilli(now)); err != nil {
				return stats, fmt.Errorf("inserting %s: %w", item.ID, err)
			}
			stats.Inserted++
		case err != nil:
			return stats, fmt.Errorf("looking up %s: %w", item.ID, err)
		case bytes.Equal(existing, blob):
			stats.Unchanged++
		default:
			if _, err := updateStmt.ExecContext(ctx, len(item.Vector), blob, unixMilli(now), item.ID); err != nil {
				return stats, fmt.Errorf("updating %s: %w", item.ID, err)
			}
			stats.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("committing ingest: %w", err)
	}
	return stats, nil
}

// GetRecord retrieves a record by its ID.
func (d *DB) GetRecord(ctx context.Context, id string) (*Record, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+selectRecordFields+` FROM embeddings WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

// ListRecords returns records in id order, optionally filtered by status.
// An empty status matches every record; limit <= 0 means no limit.
func (d *DB) ListRecords(ctx context.Context, status Status, limit int) ([]Record, error) {
	query := `SELECT ` + selectRecordFields + ` FROM embeddings`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// CountByStatus returns the number of records in each processing state.
func (d *DB) CountByStatus(ctx context.Context) (StatusCounts, error) {
	var counts StatusCounts
	rows, err := d.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM embeddings GROUP BY status`)
	if err != nil {
		return counts, fmt.Errorf("counting records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		switch Status(status) {
		case StatusUnprocessed:
			counts.Unprocessed = n
		case StatusClaimed:
			counts.Claimed = n
		case StatusDone:
			counts.Done = n
		case StatusFailed:
			counts.Failed = n
		}
		counts.Total += n
	}
	return counts, rows.Err()
}

// CountBacklog returns the number of records that a worker could claim at now.
func (d *DB) CountBacklog(ctx context.Context, now time.Time) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM embeddings
		WHERE vector IS NOT NULL
		  AND (status = 'unprocessed' OR (status = 'claimed' AND lease_expires_at < ?))
	`, unixMilli(now)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting backlog: %w", err)
	}
	return count, nil
}

// CountDoneByVersion returns the number of done records per model version.
func (d *DB) CountDoneByVersion(ctx context.Context) (map[int64]int, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT model_version, COUNT(*) FROM embeddings
		WHERE status = 'done' AND model_version IS NOT NULL
		GROUP BY model_version
	`)
	if err != nil {
		return nil, fmt.Errorf("counting by version: %w", err)
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var version int64
		var n int
		if err := rows.Scan(&version, &n); err != nil {
			return nil, err
		}
		counts[version] = n
	}
	return counts, rows.Err()
}

// ClearThroughVersion returns every done record whose coordinate was computed
// with a model version <= version to the backlog. It returns the number of
// records cleared.
func (d *DB) ClearThroughVersion(ctx context.Context, version int64) (int, error) {
	result, err := d.db.ExecContext(ctx, `
		UPDATE embeddings SET `+resetCoordinateColumns+`
		WHERE status = 'done' AND model_version IS NOT NULL AND model_version <= ?
	`, version)
	if err != nil {
		return 0, fmt.Errorf("clearing coordinates: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// CountThroughVersion returns how many done records ClearThroughVersion would clear.
func (d *DB) CountThroughVersion(ctx context.Context, version int64) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM embeddings
		WHERE status = 'done' AND model_version IS NOT NULL AND model_version <= ?
	`, version).Scan(&count)
	return count, err
}

// RequeueFailed returns every failed record to the backlog.
func (d *DB) RequeueFailed(ctx context.Context) (int, error) {
	result, err := d.db.ExecContext(ctx, `
		UPDATE embeddings SET `+resetCoordinateColumns+`, failure_reason = NULL, attempts = 0
		WHERE status = 'failed'
	`)
	if err != nil {
		return 0, fmt.Errorf("requeueing failed records: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// SampleEmbeddings draws a uniform random sample of up to n records that have
// an embedding and are not failed, using reservoir sampling seeded by seed.
// The same seed over the same rows yields the same sample.
func (d *DB) SampleEmbeddings(ctx context.Context, n int, seed uint64) ([]ClaimedRecord, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, vector FROM embeddings
		WHERE vector IS NOT NULL AND status != 'failed'
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("scanning embeddings: %w", err)
	}
	defer rows.Close()

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	reservoir := make([]ClaimedRecord, 0, n)
	seen := 0
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		seen++

		slot := -1
		if len(reservoir) < n {
			slot = len(reservoir)
			reservoir = append(reservoir, ClaimedRecord{})
		} else if j := rng.IntN(seen); j < n {
			slot = j
		}
		if slot < 0 {
			continue
		}

		vector, err := DecodeVector(blob)
		if err != nil {
			vector = nil
		}
		reservoir[slot] = ClaimedRecord{ID: id, Vector: vector}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return reservoir, nil
}

// QueryBox returns the coordinates of done records of one model version that
// fall inside box. limit <= 0 means no limit.
func (d *DB) QueryBox(ctx context.Context, version int64, box Box, limit int) ([]Coordinate, error) {
	query := `
		SELECT id, x, y FROM embeddings
		WHERE model_version = ? AND status = 'done'
		  AND x BETWEEN ? AND ? AND y BETWEEN ? AND ?
		ORDER BY id`
	args := []interface{}{version, box.MinX, box.MaxX, box.MinY, box.MaxY}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying box: %w", err)
	}
	defer rows.Close()

	var coords []Coordinate
	for rows.Next() {
		var c Coordinate
		if err := rows.Scan(&c.ID, &c.X, &c.Y); err != nil {
			return nil, err
		}
		coords = append(coords, c)
	}
	return coords, rows.Err()
}

func scanRecord(s scanner) (*Record, error) {
	var rec Record
	var status string
	var blob []byte
	var x, y sql.NullFloat64
	var version, computedAt, claimedAt, leaseExpires sql.NullInt64
	var owner, reason sql.NullString
	var ingestedAt int64

	err := s.Scan(
		&rec.ID, &rec.Dims, &blob, &x, &y, &version, &computedAt,
		&status, &owner, &claimedAt, &leaseExpires, &rec.Attempts, &reason, &ingestedAt,
	)
	if err != nil {
		return nil, err
	}

	if blob != nil {
		rec.Vector, err = DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding vector for %s: %w", rec.ID, err)
		}
	}

	rec.Status = Status(status)
	rec.HasCoordinate = x.Valid && y.Valid
	rec.X = x.Float64
	rec.Y = y.Float64
	rec.ModelVersion = version.Int64
	rec.ComputedAt = fromUnixMilli(computedAt)
	rec.ClaimOwner = owner.String
	rec.ClaimedAt = fromUnixMilli(claimedAt)
	rec.LeaseExpires = fromUnixMilli(leaseExpires)
	rec.FailureReason = reason.String
	rec.IngestedAt = time.UnixMilli(ingestedAt)

	return &rec, nil
}
