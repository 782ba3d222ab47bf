// Package claim hands out exclusive, lease-bounded batches of backlog
// records to workers.
package claim

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/matsen/atlas/internal/storage"
)

// DefaultLease is how long a claim is held before other workers may take it.
const DefaultLease = 10 * time.Minute

// Store is the subset of the embedding store the coordinator needs.
type Store interface {
	ClaimBatch(ctx context.Context, lease storage.Lease, limit int) ([]storage.ClaimedRecord, error)
	ClaimIDs(ctx context.Context, lease storage.Lease, ids []string) ([]storage.ClaimedRecord, error)
	CompleteBatch(ctx context.Context, owner string, version int64, coords []storage.Coordinate, now time.Time) (storage.CompletionResult, error)
	FailRecords(ctx context.Context, owner string, failures []storage.Failure) (int, error)
	ReleaseClaims(ctx context.Context, owner string, ids []string) (int, error)
	ReleaseExpired(ctx context.Context, now time.Time) (int, error)
	ReleaseAllClaims(ctx context.Context) (int, error)
}

// Batch is a set of records claimed together by one worker.
type Batch struct {
	ID        string
	WorkerID  string
	Records   []storage.ClaimedRecord
	ClaimedAt time.Time
	ExpiresAt time.Time
}

// IDs returns the record ids of the batch.
func (b *Batch) IDs() []string {
	ids := make([]string, len(b.Records))
	for i, r := range b.Records {
		ids[i] = r.ID
	}
	return ids
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int {
	return len(b.Records)
}

// Coordinator is the single source of truth for work assignment.
type Coordinator struct {
	store  Store
	lease  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLease sets the claim lease duration.
func WithLease(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.lease = d
		}
	}
}

// WithClock overrides the coordinator clock.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger.With("component", "claim")
		}
	}
}

// New creates a coordinator over store.
func New(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		lease:  DefaultLease,
		now:    time.Now,
		logger: slog.Default().With("component", "claim"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lease returns the configured lease duration.
func (c *Coordinator) Lease() time.Duration {
	return c.lease
}

// Now returns the coordinator's current time.
func (c *Coordinator) Now() time.Time {
	return c.now()
}

func (c *Coordinator) newLease(workerID string) storage.Lease {
	now := c.now()
	return storage.Lease{
		Owner:   workerID,
		ClaimID: uuid.New().String(),
		Now:     now,
		Expires: now.Add(c.lease),
	}
}

func batchFrom(lease storage.Lease, recs []storage.ClaimedRecord) *Batch {
	return &Batch{
		ID:        lease.ClaimID,
		WorkerID:  lease.Owner,
		Records:   recs,
		ClaimedAt: lease.Now,
		ExpiresAt: lease.Expires,
	}
}

// ClaimBatch claims up to maxSize unprocessed or lease-expired records.
// An empty batch means nothing is claimable right now.
func (c *Coordinator) ClaimBatch(ctx context.Context, workerID string, maxSize int) (*Batch, error) {
	lease := c.newLease(workerID)
	recs, err := c.store.ClaimBatch(ctx, lease, maxSize)
	if err != nil {
		return nil, &PersistenceError{Op: "claiming batch", Err: err}
	}
	if len(recs) > 0 {
		c.logger.Debug("claimed batch", "worker", workerID, "claim", lease.ClaimID, "records", len(recs))
	}
	return batchFrom(lease, recs), nil
}

// ClaimIDs claims the given records where claimable.
func (c *Coordinator) ClaimIDs(ctx context.Context, workerID string, ids []string) (*Batch, error) {
	lease := c.newLease(workerID)
	recs, err := c.store.ClaimIDs(ctx, lease, ids)
	if err != nil {
		return nil, &PersistenceError{Op: "claiming records", Err: err}
	}
	return batchFrom(lease, recs), nil
}

// CompleteBatch writes coordinates computed with model version for records
// claimed by workerID. It returns the number of records written.
//
// Records the worker no longer holds are reported as a *ConflictError, which
// is also returned when every record is already done. If version is no
// longer current nothing is written and the *ConflictError wraps
// storage.ErrStaleModelVersion. Store failures are *PersistenceError.
func (c *Coordinator) CompleteBatch(ctx context.Context, workerID string, version int64, coords []storage.Coordinate) (int, error) {
	if len(coords) == 0 {
		return 0, nil
	}
	res, err := c.store.CompleteBatch(ctx, workerID, version, coords, c.now())
	if errors.Is(err, storage.ErrStaleModelVersion) {
		ids := make([]string, len(coords))
		for i, co := range coords {
			ids[i] = co.ID
		}
		return 0, &ConflictError{WorkerID: workerID, IDs: ids, Err: err}
	}
	if err != nil {
		return 0, &PersistenceError{Op: "completing batch", Err: err}
	}
	if len(res.Lost) > 0 {
		c.logger.Warn("completion rejected for records no longer held",
			"worker", workerID, "lost", len(res.Lost), "applied", len(res.Applied))
		return len(res.Applied), &ConflictError{WorkerID: workerID, IDs: res.Lost, Err: ErrLeaseLost}
	}
	return len(res.Applied), nil
}

// FailBatch records per-record failures. Permanent failures are terminal;
// transient ones return the record to the backlog.
func (c *Coordinator) FailBatch(ctx context.Context, workerID string, failures []storage.Failure) (int, error) {
	n, err := c.store.FailRecords(ctx, workerID, failures)
	if err != nil {
		return 0, &PersistenceError{Op: "failing records", Err: err}
	}
	return n, nil
}

// Release returns records to the backlog without marking a failure.
func (c *Coordinator) Release(ctx context.Context, workerID string, ids []string) (int, error) {
	n, err := c.store.ReleaseClaims(ctx, workerID, ids)
	if err != nil {
		return 0, &PersistenceError{Op: "releasing claims", Err: err}
	}
	return n, nil
}

// ReleaseExpiredClaims returns every elapsed lease to the backlog.
func (c *Coordinator) ReleaseExpiredClaims(ctx context.Context) (int, error) {
	n, err := c.store.ReleaseExpired(ctx, c.now())
	if err != nil {
		return 0, &PersistenceError{Op: "releasing expired claims", Err: err}
	}
	if n > 0 {
		c.logger.Info("released expired claims", "records", n)
	}
	return n, nil
}

// ReleaseAll returns every outstanding claim to the backlog.
func (c *Coordinator) ReleaseAll(ctx context.Context) (int, error) {
	n, err := c.store.ReleaseAllClaims(ctx)
	if err != nil {
		return 0, &PersistenceError{Op: "releasing all claims", Err: err}
	}
	return n, nil
}
