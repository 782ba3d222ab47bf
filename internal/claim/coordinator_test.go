package claim

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matsen/atlas/internal/storage"
)

// testClock is a settable clock shared by coordinators in a test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupStore(t *testing.T, n int) *storage.DB {
	t.Helper()

	db, err := storage.OpenDB(filepath.Join(t.TempDir(), "atlas.db"))
	if err != nil {
		t.Fatalf("OpenDB() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	items := make([]storage.Embedding, n)
	for i := range items {
		items[i] = storage.Embedding{ID: fmt.Sprintf("r%04d", i), Vector: []float32{float32(i), 1}}
	}
	if _, err := db.InsertEmbeddings(context.Background(), items, time.Now()); err != nil {
		t.Fatalf("InsertEmbeddings() error = %v", err)
	}

	ok, err := db.RegisterModel(context.Background(), storage.ModelInfo{
		Version: 1, ArtifactPath: "m.gob", SampleSize: 2, Dims: 2, TrainedAt: time.Now(), TrainedBy: "test",
	}, 0)
	if err != nil || !ok {
		t.Fatalf("RegisterModel() = %v, %v", ok, err)
	}
	return db
}

func coordsFor(b *Batch) []storage.Coordinate {
	coords := make([]storage.Coordinate, b.Len())
	for i, r := range b.Records {
		coords[i] = storage.Coordinate{ID: r.ID, X: float64(i), Y: 1}
	}
	return coords
}

func TestClaimBatch_ConcurrentWorkers(t *testing.T) {
	const n, k = 300, 6
	db := setupStore(t, n)
	clock := newTestClock()
	c := New(db, WithClock(clock.Now))

	batches := make([][]*Batch, k)
	var g errgroup.Group
	for w := 0; w < k; w++ {
		g.Go(func() error {
			worker := fmt.Sprintf("bulk-%d", w)
			for {
				b, err := c.ClaimBatch(context.Background(), worker, n/k)
				if err != nil {
					return err
				}
				if b.Len() == 0 {
					return nil
				}
				batches[w] = append(batches[w], b)
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}

	seen := make(map[string]bool)
	for _, bs := range batches {
		for _, b := range bs {
			for _, id := range b.IDs() {
				if seen[id] {
					t.Errorf("record %s claimed twice", id)
				}
				seen[id] = true
			}
		}
	}
	if len(seen) != n {
		t.Errorf("claimed %d records, want %d", len(seen), n)
	}
}

func TestClaimBatch_LeaseExpiry(t *testing.T) {
	db := setupStore(t, 10)
	clock := newTestClock()
	c := New(db, WithClock(clock.Now), WithLease(time.Minute))
	ctx := context.Background()

	first, err := c.ClaimBatch(ctx, "w1", 10)
	if err != nil || first.Len() != 10 {
		t.Fatalf("ClaimBatch() = %v records, %v", first.Len(), err)
	}
	if !first.ExpiresAt.Equal(first.ClaimedAt.Add(time.Minute)) {
		t.Errorf("lease = %v..%v, want one minute", first.ClaimedAt, first.ExpiresAt)
	}

	clock.Advance(30 * time.Second)
	within, _ := c.ClaimBatch(ctx, "w2", 10)
	if within.Len() != 0 {
		t.Errorf("w2 claimed %d records within w1's lease", within.Len())
	}

	clock.Advance(time.Minute)
	after, _ := c.ClaimBatch(ctx, "w2", 10)
	if after.Len() != 10 {
		t.Errorf("w2 claimed %d records after expiry, want 10", after.Len())
	}

	// The original holder can no longer complete.
	_, err = c.CompleteBatch(ctx, "w1", 1, coordsFor(first))
	if !IsConflict(err) || !errors.Is(err, ErrLeaseLost) {
		t.Errorf("stale holder CompleteBatch() error = %v, want lease lost conflict", err)
	}
	applied, err := c.CompleteBatch(ctx, "w2", 1, coordsFor(after))
	if err != nil || applied != 10 {
		t.Errorf("new holder CompleteBatch() = %d, %v", applied, err)
	}
}

func TestReleaseExpiredClaims(t *testing.T) {
	db := setupStore(t, 5)
	clock := newTestClock()
	c := New(db, WithClock(clock.Now), WithLease(time.Minute))
	ctx := context.Background()

	c.ClaimBatch(ctx, "w1", 5)
	if n, _ := c.ReleaseExpiredClaims(ctx); n != 0 {
		t.Errorf("released %d live claims", n)
	}
	clock.Advance(2 * time.Minute)
	if n, _ := c.ReleaseExpiredClaims(ctx); n != 5 {
		t.Errorf("released %d expired claims, want 5", n)
	}
}

func TestCompleteBatch_IdempotentConflict(t *testing.T) {
	db := setupStore(t, 4)
	c := New(db, WithClock(newTestClock().Now))
	ctx := context.Background()

	b, _ := c.ClaimBatch(ctx, "w1", 4)
	coords := coordsFor(b)
	if applied, err := c.CompleteBatch(ctx, "w1", 1, coords); err != nil || applied != 4 {
		t.Fatalf("CompleteBatch() = %d, %v", applied, err)
	}

	applied, err := c.CompleteBatch(ctx, "w1", 1, coords)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("second CompleteBatch() error = %v, want *ConflictError", err)
	}
	if applied != 0 || len(ce.IDs) != 4 {
		t.Errorf("second completion applied %d, conflict ids %d", applied, len(ce.IDs))
	}
}

func TestCompleteBatch_StaleVersion(t *testing.T) {
	db := setupStore(t, 2)
	c := New(db)
	ctx := context.Background()

	b, _ := c.ClaimBatch(ctx, "w1", 2)
	_, err := c.CompleteBatch(ctx, "w1", 7, coordsFor(b))
	if !IsConflict(err) || !errors.Is(err, storage.ErrStaleModelVersion) {
		t.Errorf("CompleteBatch() error = %v, want stale version conflict", err)
	}
}

func TestFailBatchAndRelease(t *testing.T) {
	db := setupStore(t, 4)
	c := New(db)
	ctx := context.Background()

	b, _ := c.ClaimBatch(ctx, "w1", 4)
	ids := b.IDs()
	n, err := c.FailBatch(ctx, "w1", []storage.Failure{{ID: ids[0], Reason: "bad", Permanent: true}})
	if err != nil || n != 1 {
		t.Fatalf("FailBatch() = %d, %v", n, err)
	}
	n, err = c.Release(ctx, "w1", ids[1:])
	if err != nil || n != 3 {
		t.Fatalf("Release() = %d, %v", n, err)
	}

	counts, _ := db.CountByStatus(ctx)
	if counts.Failed != 1 || counts.Unprocessed != 3 {
		t.Errorf("counts = %+v", counts)
	}
}

// failingStore fails every write.
type failingStore struct{}

var errUnavailable = errors.New("store unavailable")

func (failingStore) ClaimBatch(context.Context, storage.Lease, int) ([]storage.ClaimedRecord, error) {
	return nil, errUnavailable
}

func (failingStore) ClaimIDs(context.Context, storage.Lease, []string) ([]storage.ClaimedRecord, error) {
	return nil, errUnavailable
}

func (failingStore) CompleteBatch(context.Context, string, int64, []storage.Coordinate, time.Time) (storage.CompletionResult, error) {
	return storage.CompletionResult{}, errUnavailable
}

func (failingStore) FailRecords(context.Context, string, []storage.Failure) (int, error) {
	return 0, errUnavailable
}

func (failingStore) ReleaseClaims(context.Context, string, []string) (int, error) {
	return 0, errUnavailable
}

func (failingStore) ReleaseExpired(context.Context, time.Time) (int, error) {
	return 0, errUnavailable
}

func (failingStore) ReleaseAllClaims(context.Context) (int, error) {
	return 0, errUnavailable
}

func TestPersistenceErrors(t *testing.T) {
	c := New(failingStore{})
	ctx := context.Background()

	_, err := c.ClaimBatch(ctx, "w1", 1)
	checkPersistence(t, "ClaimBatch", err)
	_, err = c.CompleteBatch(ctx, "w1", 1, []storage.Coordinate{{ID: "a"}})
	checkPersistence(t, "CompleteBatch", err)
	_, err = c.FailBatch(ctx, "w1", []storage.Failure{{ID: "a"}})
	checkPersistence(t, "FailBatch", err)
	_, err = c.Release(ctx, "w1", []string{"a"})
	checkPersistence(t, "Release", err)
	_, err = c.ReleaseExpiredClaims(ctx)
	checkPersistence(t, "ReleaseExpiredClaims", err)
}

func checkPersistence(t *testing.T, op string, err error) {
	t.Helper()

	var pe *PersistenceError
	if !errors.As(err, &pe) || !errors.Is(err, errUnavailable) || !IsPersistence(err) {
		t.Errorf("%s error = %v, want *PersistenceError wrapping the store error", op, err)
	}
}
