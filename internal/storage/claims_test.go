package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func leaseFor(owner string, now time.Time, d time.Duration) Lease {
	return Lease{Owner: owner, ClaimID: owner + "-claim", Now: now, Expires: now.Add(d)}
}

func TestClaimBatch_NoDoubleClaim(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atlas.db")

	// Two handles on one file behave like two worker processes.
	primary, err := OpenDB(path)
	if err != nil {
		t.Fatalf("OpenDB() error = %v", err)
	}
	defer primary.Close()
	secondary, err := OpenDB(path)
	if err != nil {
		t.Fatalf("OpenDB() error = %v", err)
	}
	defer secondary.Close()

	const n, k = 400, 8
	seedEmbeddings(t, primary, n, 8)

	var mu sync.Mutex
	seen := make(map[string]string)
	var duplicates []string

	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < k; w++ {
		db := primary
		if w%2 == 1 {
			db = secondary
		}
		owner := fmt.Sprintf("worker-%d", w)
		g.Go(func() error {
			for {
				recs, err := db.ClaimBatch(ctx, leaseFor(owner, testEpoch, time.Hour), n/k/4)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					return nil
				}
				mu.Lock()
				for _, r := range recs {
					if prev, ok := seen[r.ID]; ok {
						duplicates = append(duplicates, fmt.Sprintf("%s (%s and %s)", r.ID, prev, owner))
					}
					seen[r.ID] = owner
				}
				mu.Unlock()
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("claimer error = %v", err)
	}

	if len(duplicates) > 0 {
		t.Errorf("records claimed twice: %v", duplicates)
	}
	if len(seen) != n {
		t.Errorf("claimed %d distinct records, want %d", len(seen), n)
	}
}

func TestClaimBatch_SingleRequestPerWorker(t *testing.T) {
	db := setupTestDB(t)
	const n, k = 100, 4
	seedEmbeddings(t, db, n, 4)

	results := make([][]ClaimedRecord, k)
	var g errgroup.Group
	for w := 0; w < k; w++ {
		g.Go(func() error {
			recs, err := db.ClaimBatch(context.Background(), leaseFor(fmt.Sprintf("w%d", w), testEpoch, time.Minute), n/k)
			results[w] = recs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}

	union := make(map[string]bool)
	for _, recs := range results {
		for _, r := range recs {
			if union[r.ID] {
				t.Errorf("duplicate id %s", r.ID)
			}
			union[r.ID] = true
		}
	}
	if len(union) > n {
		t.Errorf("union covers %d records, more than %d", len(union), n)
	}
}

func TestClaimBatch_LeaseExpiry(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedEmbeddings(t, db, 5, 4)

	first, err := db.ClaimBatch(ctx, leaseFor("w1", testEpoch, time.Minute), 5)
	if err != nil || len(first) != 5 {
		t.Fatalf("ClaimBatch() = %d records, %v", len(first), err)
	}

	within, err := db.ClaimBatch(ctx, leaseFor("w2", testEpoch.Add(30*time.Second), time.Minute), 5)
	if err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}
	if len(within) != 0 {
		t.Errorf("claimed %d records within a live lease", len(within))
	}

	after, err := db.ClaimBatch(ctx, leaseFor("w2", testEpoch.Add(2*time.Minute), time.Minute), 5)
	if err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}
	if len(after) != 5 {
		t.Errorf("claimed %d records after expiry, want 5", len(after))
	}

	rec, _ := db.GetRecord(ctx, after[0].ID)
	if rec.ClaimOwner != "w2" {
		t.Errorf("owner = %q, want w2", rec.ClaimOwner)
	}
}

func TestClaimBatch_SkipsDoneAndFailed(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedEmbeddings(t, db, 4, 4)
	registerVersion(t, db, 1)

	recs, _ := db.ClaimBatch(ctx, leaseFor("w1", testEpoch, time.Minute), 2)
	db.CompleteBatch(ctx, "w1", 1, []Coordinate{{ID: recs[0].ID}}, testEpoch)
	db.FailRecords(ctx, "w1", []Failure{{ID: recs[1].ID, Reason: "bad", Permanent: true}})

	rest, err := db.ClaimBatch(ctx, leaseFor("w2", testEpoch.Add(time.Hour), time.Minute), 10)
	if err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}
	if len(rest) != 2 {
		t.Errorf("claimed %d, want 2", len(rest))
	}
	for _, r := range rest {
		if r.ID == recs[0].ID || r.ID == recs[1].ID {
			t.Errorf("claimed terminal record %s", r.ID)
		}
	}
}

func TestClaimIDs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	ids := seedEmbeddings(t, db, 6, 4)

	db.ClaimBatch(ctx, leaseFor("other", testEpoch, time.Hour), 2)

	got, err := db.ClaimIDs(ctx, leaseFor("reset", testEpoch, time.Minute), ids)
	if err != nil {
		t.Fatalf("ClaimIDs() error = %v", err)
	}
	if len(got) != 4 {
		t.Errorf("ClaimIDs() claimed %d, want 4 (two held by a live lease)", len(got))
	}
}

func TestCompleteBatch_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedEmbeddings(t, db, 3, 4)
	registerVersion(t, db, 1)

	recs, _ := db.ClaimBatch(ctx, leaseFor("w1", testEpoch, time.Minute), 3)
	coords := make([]Coordinate, len(recs))
	for i, r := range recs {
		coords[i] = Coordinate{ID: r.ID, X: float64(i), Y: -float64(i)}
	}

	res, err := db.CompleteBatch(ctx, "w1", 1, coords, testEpoch)
	if err != nil {
		t.Fatalf("CompleteBatch() error = %v", err)
	}
	if len(res.Applied) != 3 || len(res.Lost) != 0 {
		t.Fatalf("first completion = %+v", res)
	}

	again := make([]Coordinate, len(coords))
	for i, c := range coords {
		again[i] = Coordinate{ID: c.ID, X: 100, Y: 100}
	}
	res, err = db.CompleteBatch(ctx, "w1", 1, again, testEpoch.Add(time.Second))
	if err != nil {
		t.Fatalf("CompleteBatch() error = %v", err)
	}
	if len(res.Applied) != 0 || len(res.Lost) != 3 {
		t.Errorf("second completion = %+v, want all lost", res)
	}

	rec, _ := db.GetRecord(ctx, coords[2].ID)
	if rec.X != 2 || rec.Y != -2 || !rec.ComputedAt.Equal(testEpoch) {
		t.Errorf("record overwritten by repeated completion: %+v", rec)
	}
}

func TestCompleteBatch_StaleVersion(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedEmbeddings(t, db, 2, 4)
	registerVersion(t, db, 1)
	registerVersion(t, db, 2)

	recs, _ := db.ClaimBatch(ctx, leaseFor("w1", testEpoch, time.Minute), 2)
	_, err := db.CompleteBatch(ctx, "w1", 1, []Coordinate{{ID: recs[0].ID}}, testEpoch)
	if !errors.Is(err, ErrStaleModelVersion) {
		t.Fatalf("CompleteBatch() error = %v, want ErrStaleModelVersion", err)
	}

	rec, _ := db.GetRecord(ctx, recs[0].ID)
	if rec.Status != StatusClaimed {
		t.Errorf("Status = %q, want claimed", rec.Status)
	}
}

func TestCompleteBatch_WrongOwner(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedEmbeddings(t, db, 2, 4)
	registerVersion(t, db, 1)

	recs, _ := db.ClaimBatch(ctx, leaseFor("w1", testEpoch, time.Minute), 2)
	res, err := db.CompleteBatch(ctx, "w2", 1, []Coordinate{{ID: recs[0].ID}, {ID: recs[1].ID}}, testEpoch)
	if err != nil {
		t.Fatalf("CompleteBatch() error = %v", err)
	}
	if len(res.Lost) != 2 {
		t.Errorf("Lost = %v, want both records", res.Lost)
	}
}

func TestFailRecords(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedEmbeddings(t, db, 2, 4)

	recs, _ := db.ClaimBatch(ctx, leaseFor("w1", testEpoch, time.Minute), 2)
	n, err := db.FailRecords(ctx, "w1", []Failure{
		{ID: recs[0].ID, Reason: "dimension mismatch", Permanent: true},
		{ID: recs[1].ID, Reason: "store unavailable"},
	})
	if err != nil || n != 2 {
		t.Fatalf("FailRecords() = %d, %v", n, err)
	}

	failed, _ := db.GetRecord(ctx, recs[0].ID)
	if failed.Status != StatusFailed || failed.FailureReason != "dimension mismatch" {
		t.Errorf("permanent failure = %+v", failed)
	}
	transient, _ := db.GetRecord(ctx, recs[1].ID)
	if transient.Status != StatusUnprocessed || transient.Attempts != 1 || transient.ClaimOwner != "" {
		t.Errorf("transient failure = %+v", transient)
	}
}

func TestReleaseClaims(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedEmbeddings(t, db, 6, 4)

	mine, _ := db.ClaimBatch(ctx, leaseFor("w1", testEpoch, time.Hour), 3)
	theirs, _ := db.ClaimBatch(ctx, leaseFor("w2", testEpoch, time.Hour), 3)

	ids := []string{mine[0].ID, mine[1].ID, theirs[0].ID}
	n, err := db.ReleaseClaims(ctx, "w1", ids)
	if err != nil {
		t.Fatalf("ReleaseClaims() error = %v", err)
	}
	if n != 2 {
		t.Errorf("released %d, want 2 (other owner's claim untouched)", n)
	}
}

func TestReleaseExpired(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedEmbeddings(t, db, 6, 4)

	db.ClaimBatch(ctx, leaseFor("w1", testEpoch, time.Minute), 3)
	db.ClaimBatch(ctx, leaseFor("w2", testEpoch, time.Hour), 3)

	n, err := db.ReleaseExpired(ctx, testEpoch.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("ReleaseExpired() error = %v", err)
	}
	if n != 3 {
		t.Errorf("released %d expired claims, want 3", n)
	}

	n, err = db.ReleaseAllClaims(ctx)
	if err != nil {
		t.Fatalf("ReleaseAllClaims() error = %v", err)
	}
	if n != 3 {
		t.Errorf("ReleaseAllClaims() = %d, want 3", n)
	}
	counts, _ := db.CountByStatus(ctx)
	if counts.Claimed != 0 || counts.Unprocessed != 6 {
		t.Errorf("counts = %+v", counts)
	}
}
