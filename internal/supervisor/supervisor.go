// Package supervisor runs named worker roles under one process and
// restarts roles that fail.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Defaults for the restart budget.
const (
	DefaultMaxRestarts  = 5
	DefaultRestartDelay = 5 * time.Second
)

// ErrRestartBudget is wrapped when a role keeps failing.
var ErrRestartBudget = errors.New("restart budget exhausted")

// RunFunc runs one incarnation of a role under the given worker id.
// Returning nil ends the role; an error restarts it.
type RunFunc func(ctx context.Context, id string) error

// Role is a named unit of supervised work.
type Role struct {
	// Name is unique within the supervisor, e.g. "bulk-1".
	Name string
	// Kind prefixes worker ids, e.g. "bulk".
	Kind string
	Run  RunFunc
}

// RoleStatus reports how a role ended.
type RoleStatus struct {
	Name     string `json:"name"`
	Runs     int    `json:"runs"`
	Restarts int    `json:"restarts"`
	LastID   string `json:"last_id"`
	Error    string `json:"error,omitempty"`
}

// Supervisor runs roles concurrently with a shared context. A role that
// exhausts its restart budget cancels every other role.
type Supervisor struct {
	roles        []Role
	maxRestarts  int
	restartDelay time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	status map[string]*RoleStatus
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithRestartBudget sets how many times a role may be restarted and the
// delay before each restart.
func WithRestartBudget(maxRestarts int, delay time.Duration) Option {
	return func(s *Supervisor) {
		if maxRestarts >= 0 {
			s.maxRestarts = maxRestarts
		}
		if delay >= 0 {
			s.restartDelay = delay
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger.With("component", "supervisor")
		}
	}
}

// New creates an empty supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		maxRestarts:  DefaultMaxRestarts,
		restartDelay: DefaultRestartDelay,
		logger:       slog.Default().With("component", "supervisor"),
		status:       make(map[string]*RoleStatus),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a role. Names must be unique.
func (s *Supervisor) Add(r Role) error {
	if r.Name == "" || r.Run == nil {
		return errors.New("role needs a name and a run function")
	}
	if _, ok := s.status[r.Name]; ok {
		return fmt.Errorf("duplicate role %q", r.Name)
	}
	if r.Kind == "" {
		r.Kind = r.Name
	}
	s.roles = append(s.roles, r)
	s.status[r.Name] = &RoleStatus{Name: r.Name}
	return nil
}

// Run starts every role and waits until all have ended. Cancelling ctx
// stops all roles and is not an error.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range s.roles {
		g.Go(func() error {
			return s.supervise(gctx, r)
		})
	}
	return g.Wait()
}

// Status returns the per-role run counts, in registration order.
func (s *Supervisor) Status() []RoleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RoleStatus, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, *s.status[r.Name])
	}
	return out
}

func (s *Supervisor) supervise(ctx context.Context, r Role) error {
	logger := s.logger.With("role", r.Name)
	for restarts := 0; ; restarts++ {
		id := r.Kind + "-" + uuid.New().String()
		s.update(r.Name, func(st *RoleStatus) {
			st.Runs++
			st.Restarts = restarts
			st.LastID = id
		})

		logger.Info("starting role", "worker", id, "restarts", restarts)
		err := r.Run(ctx, id)
		if err == nil || ctx.Err() != nil {
			logger.Info("role finished", "worker", id)
			return nil
		}

		s.update(r.Name, func(st *RoleStatus) { st.Error = err.Error() })
		if restarts >= s.maxRestarts {
			logger.Error("role failed, giving up", "worker", id, "error", err, "restarts", restarts)
			return fmt.Errorf("role %s: %w after %d restarts: %w", r.Name, ErrRestartBudget, restarts, err)
		}
		logger.Warn("role failed, restarting", "worker", id, "error", err, "delay", s.restartDelay)

		t := time.NewTimer(s.restartDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (s *Supervisor) update(name string, fn func(*RoleStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.status[name])
}
