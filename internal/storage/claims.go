package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ClaimedRecord is a record handed to a worker by a claim.
// Vector is nil when the stored blob could not be decoded.
type ClaimedRecord struct {
	ID     string
	Vector []float32
}

// Lease describes the claim a worker takes on a batch of records.
type Lease struct {
	Owner   string
	ClaimID string
	Now     time.Time
	Expires time.Time
}

// Failure is a per-record processing failure.
type Failure struct {
	ID        string
	Reason    string
	Permanent bool
}

// CompletionResult reports which records a CompleteBatch call applied.
// Lost lists records that were no longer claimed by the caller.
type CompletionResult struct {
	Applied []string
	Lost    []string
}

// claimableClause selects records that are unprocessed or whose lease has elapsed.
const claimableClause = `vector IS NOT NULL
	AND (status = 'unprocessed' OR (status = 'claimed' AND lease_expires_at < ?))`

const clearClaimColumns = `claim_owner = NULL, claim_id = NULL, claimed_at = NULL, lease_expires_at = NULL`

// ClaimBatch atomically claims up to limit claimable records for lease.Owner.
// The selection and the status change happen in one statement, so concurrent
// callers never receive overlapping ids.
func (d *DB) ClaimBatch(ctx context.Context, lease Lease, limit int) ([]ClaimedRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := unixMilli(lease.Now)

	rows, err := d.db.QueryContext(ctx, `
		UPDATE embeddings
		SET status = 'claimed', claim_owner = ?, claim_id = ?, claimed_at = ?, lease_expires_at = ?
		WHERE id IN (
			SELECT id FROM embeddings
			WHERE `+claimableClause+`
			ORDER BY ingested_at, id
			LIMIT ?
		) AND `+claimableClause+`
		RETURNING id, vector
	`, lease.Owner, lease.ClaimID, now, unixMilli(lease.Expires), now, limit, now)
	if err != nil {
		return nil, fmt.Errorf("claiming batch: %w", err)
	}
	return scanClaimed(rows)
}

// ClaimIDs claims the given records for lease.Owner if they are claimable.
// Records that are already done, failed, or under another live lease are skipped.
func (d *DB) ClaimIDs(ctx context.Context, lease Lease, ids []string) ([]ClaimedRecord, error) {
	now := unixMilli(lease.Now)
	var claimed []ClaimedRecord

	for _, chunk := range chunkIDs(ids, maxParamsPerStatement) {
		args := []interface{}{lease.Owner, lease.ClaimID, now, unixMilli(lease.Expires)}
		for _, id := range chunk {
			args = append(args, id)
		}
		args = append(args, now)

		rows, err := d.db.QueryContext(ctx, `
			UPDATE embeddings
			SET status = 'claimed', claim_owner = ?, claim_id = ?, claimed_at = ?, lease_expires_at = ?
			WHERE id IN (`+placeholders(len(chunk))+`) AND `+claimableClause+`
			RETURNING id, vector
		`, args...)
		if err != nil {
			return claimed, fmt.Errorf("claiming ids: %w", err)
		}
		recs, err := scanClaimed(rows)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, recs...)
	}
	return claimed, nil
}

func scanClaimed(rows *sql.Rows) ([]ClaimedRecord, error) {
	defer rows.Close()

	var recs []ClaimedRecord
	for rows.Next() {
		var rec ClaimedRecord
		var blob []byte
		if err := rows.Scan(&rec.ID, &blob); err != nil {
			return nil, fmt.Errorf("scanning claimed record: %w", err)
		}
		if v, err := DecodeVector(blob); err == nil {
			rec.Vector = v
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading claimed records: %w", err)
	}
	return recs, nil
}

// CompleteBatch writes coordinates computed with model version and marks the
// records done, in one transaction. Only records still claimed by owner are
// written; the rest are reported as lost. If version is not the current model
// version nothing is written and ErrStaleModelVersion is returned.
func (d *DB) CompleteBatch(ctx context.Context, owner string, version int64, coords []Coordinate, now time.Time) (CompletionResult, error) {
	var result CompletionResult

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var current int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM projection_models`).Scan(&current); err != nil {
		return result, fmt.Errorf("reading current model version: %w", err)
	}
	if current != version {
		return result, fmt.Errorf("completing with version %d (current %d): %w", version, current, ErrStaleModelVersion)
	}

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE embeddings
		SET x = ?, y = ?, model_version = ?, computed_at = ?, status = 'done', `+clearClaimColumns+`
		WHERE id = ? AND status = 'claimed' AND claim_owner = ?
	`)
	if err != nil {
		return result, fmt.Errorf("preparing completion: %w", err)
	}
	defer stmt.Close()

	ts := unixMilli(now)
	for _, c := range coords {
		res, err := stmt.ExecContext(ctx, c.X, c.Y, version, ts, c.ID, owner)
		if err != nil {
			return CompletionResult{}, fmt.Errorf("completing %s: %w", c.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return CompletionResult{}, err
		}
		if n == 1 {
			result.Applied = append(result.Applied, c.ID)
		} else {
			result.Lost = append(result.Lost, c.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return CompletionResult{}, fmt.Errorf("committing completion: %w", err)
	}
	return result, nil
}

// FailRecords records per-record failures for records claimed by owner.
// Permanent failures become terminal; transient ones return to the backlog
// with their attempt count incremented. It returns the number of rows changed.
func (d *DB) FailRecords(ctx context.Context, owner string, failures []Failure) (int, error) {
	if len(failures) == 0 {
		return 0, nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	permanent, err := tx.PrepareContext(ctx, `
		UPDATE embeddings
		SET status = 'failed', failure_reason = ?, attempts = attempts + 1, `+clearClaimColumns+`
		WHERE id = ? AND status = 'claimed' AND claim_owner = ?
	`)
	if err != nil {
		return 0, fmt.Errorf("preparing permanent failure: %w", err)
	}
	defer permanent.Close()

	transient, err := tx.PrepareContext(ctx, `
		UPDATE embeddings
		SET status = 'unprocessed', failure_reason = ?, attempts = attempts + 1, `+clearClaimColumns+`
		WHERE id = ? AND status = 'claimed' AND claim_owner = ?
	`)
	if err != nil {
		return 0, fmt.Errorf("preparing transient failure: %w", err)
	}
	defer transient.Close()

	changed := 0
	for _, f := range failures {
		stmt := transient
		if f.Permanent {
			stmt = permanent
		}
		res, err := stmt.ExecContext(ctx, nullableStringValue(f.Reason), f.ID, owner)
		if err != nil {
			return 0, fmt.Errorf("failing %s: %w", f.ID, err)
		}
		n, _ := res.RowsAffected()
		changed += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing failures: %w", err)
	}
	return changed, nil
}

// ReleaseClaims returns records claimed by owner to the backlog without
// counting an attempt.
func (d *DB) ReleaseClaims(ctx context.Context, owner string, ids []string) (int, error) {
	released := 0
	for _, chunk := range chunkIDs(ids, maxParamsPerStatement) {
		args := make([]interface{}, 0, len(chunk)+1)
		for _, id := range chunk {
			args = append(args, id)
		}
		args = append(args, owner)

		res, err := d.db.ExecContext(ctx, `
			UPDATE embeddings SET status = 'unprocessed', `+clearClaimColumns+`
			WHERE id IN (`+placeholders(len(chunk))+`) AND status = 'claimed' AND claim_owner = ?
		`, args...)
		if err != nil {
			return released, fmt.Errorf("releasing claims: %w", err)
		}
		n, _ := res.RowsAffected()
		released += int(n)
	}
	return released, nil
}

// ReleaseExpired returns every claim whose lease elapsed before now to the backlog.
func (d *DB) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE embeddings SET status = 'unprocessed', `+clearClaimColumns+`
		WHERE status = 'claimed' AND lease_expires_at < ?
	`, unixMilli(now))
	if err != nil {
		return 0, fmt.Errorf("releasing expired claims: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ReleaseAllClaims returns every outstanding claim to the backlog, live or not.
func (d *DB) ReleaseAllClaims(ctx context.Context) (int, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE embeddings SET status = 'unprocessed', `+clearClaimColumns+`
		WHERE status = 'claimed'
	`)
	if err != nil {
		return 0, fmt.Errorf("releasing all claims: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
