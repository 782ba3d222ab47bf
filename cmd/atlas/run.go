package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"github.com/matsen/atlas/internal/supervisor"
	"github.com/matsen/atlas/internal/worker"
)

// workerConfig builds a worker configuration from the loaded config.
func (p *pipeline) workerConfig(batchSize int) worker.Config {
	w := p.cfg.Worker
	attempts := w.RetryAttempts
	if attempts == 0 {
		// retry_attempts: 0 in config turns retries off.
		attempts = -1
	}
	return worker.Config{
		Policy:            p.cfg.Policy(),
		BatchSize:         batchSize,
		RetryAttempts:     attempts,
		RetryBaseDelay:    w.RetryBaseDelay.Std(),
		PollInterval:      w.PollInterval.Std(),
		RecordsPerSecond:  w.RecordsPerSecond,
		HeartbeatInterval: w.HeartbeatTTL.Std() / 4,
		Logger:            slog.Default(),
		Metrics:           p.metrics,
	}
}

func validBatchSize(n int) error {
	if n < 0 {
		return flagError("batch-size", "must not be negative, got %d", n)
	}
	return nil
}

func newRunIncrementalCmd(a *app) *cobra.Command {
	var (
		batchSize   int
		once        bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run-incremental",
		Short: "Project new records as they arrive",
		Long: `Run the continuous worker.

The worker polls for unprocessed records, projects them with the current
model, and pauses while a reset holds the stop flag. It runs until
interrupted, or for a single cycle with --once.

--batch-size overrides the batch sizing policy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validBatchSize(batchSize); err != nil {
				return err
			}
			p, err := a.openPipeline()
			if err != nil {
				return err
			}
			defer p.Close()

			ctx := cmd.Context()
			p.serveMetrics(ctx, metricsAddr)

			w := worker.NewContinuous(p.db, p.coord, p.manager, p.workerConfig(batchSize))
			var sum worker.Summary
			if once {
				sum, err = w.RunOnce(ctx)
			} else {
				sum, err = w.Run(ctx)
			}
			if err != nil {
				return err
			}
			return a.outputSummary(sum)
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Records per batch (default from the sizing policy)")
	cmd.Flags().BoolVar(&once, "once", false, "Run a single cycle and exit")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

func newRunBulkCmd(a *app) *cobra.Command {
	var (
		batchSize   int
		workers     int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run-bulk",
		Short: "Drain the backlog and exit",
		Long: `Run bulk workers until no unprocessed records remain.

With --workers greater than one, workers run concurrently under a
supervisor and each claims its own batches.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validBatchSize(batchSize); err != nil {
				return err
			}
			if workers < 1 {
				return flagError("workers", "must be at least 1, got %d", workers)
			}
			p, err := a.openPipeline()
			if err != nil {
				return err
			}
			defer p.Close()

			ctx := cmd.Context()
			p.serveMetrics(ctx, metricsAddr)

			if workers == 1 {
				sum, err := worker.NewBulk(p.db, p.coord, p.manager, p.workerConfig(batchSize)).Run(ctx)
				if err != nil {
					return err
				}
				return a.outputSummary(sum)
			}

			sup := a.supervisor(p)
			c := newCollector()
			for i := 1; i <= workers; i++ {
				if err := sup.Add(p.bulkRole(fmt.Sprintf("bulk-%d", i), batchSize, c)); err != nil {
					return err
				}
			}
			err = sup.Run(ctx)
			return a.outputRun(c, sup, err)
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Records per batch (default from the sizing policy)")
	cmd.Flags().IntVar(&workers, "workers", 1, "Number of concurrent bulk workers")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

func newRunCmd(a *app) *cobra.Command {
	var (
		bulkWorkers int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run bulk and continuous workers under supervision",
		Long: `Run the full worker set: bulk workers that drain the existing backlog,
and a continuous worker that keeps projecting new records.

A role that fails is restarted after worker.restart_delay, up to
worker.max_restarts times. Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.openPipeline()
			if err != nil {
				return err
			}
			defer p.Close()

			if !cmd.Flags().Changed("bulk-workers") {
				bulkWorkers = p.cfg.Worker.BulkWorkers
			}
			if bulkWorkers < 0 {
				return flagError("bulk-workers", "must not be negative, got %d", bulkWorkers)
			}

			ctx := cmd.Context()
			p.serveMetrics(ctx, metricsAddr)

			sup := a.supervisor(p)
			c := newCollector()
			for i := 1; i <= bulkWorkers; i++ {
				if err := sup.Add(p.bulkRole(fmt.Sprintf("bulk-%d", i), 0, c)); err != nil {
					return err
				}
			}
			err = sup.Add(supervisor.Role{
				Name: "continuous",
				Kind: worker.RoleContinuous,
				Run: func(ctx context.Context, id string) error {
					cfg := p.workerConfig(0)
					cfg.ID = id
					sum, err := worker.NewContinuous(p.db, p.coord, p.manager, cfg).Run(ctx)
					c.add(sum)
					return err
				},
			})
			if err != nil {
				return err
			}

			err = sup.Run(ctx)
			return a.outputRun(c, sup, err)
		},
	}

	cmd.Flags().IntVar(&bulkWorkers, "bulk-workers", 1, "Number of bulk workers (default worker.bulk_workers)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

func (a *app) supervisor(p *pipeline) *supervisor.Supervisor {
	return supervisor.New(
		supervisor.WithRestartBudget(p.cfg.Worker.MaxRestarts, p.cfg.Worker.RestartDelay.Std()),
		supervisor.WithLogger(slog.Default()),
	)
}

func (p *pipeline) bulkRole(name string, batchSize int, c *collector) supervisor.Role {
	return supervisor.Role{
		Name: name,
		Kind: worker.RoleBulk,
		Run: func(ctx context.Context, id string) error {
			cfg := p.workerConfig(batchSize)
			cfg.ID = id
			sum, err := worker.NewBulk(p.db, p.coord, p.manager, cfg).Run(ctx)
			c.add(sum)
			return err
		},
	}
}

// collector gathers summaries from supervised worker runs.
type collector struct {
	mu        sync.Mutex
	summaries []worker.Summary
}

func newCollector() *collector {
	return &collector{summaries: []worker.Summary{}}
}

func (c *collector) add(s worker.Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summaries = append(c.summaries, s)
}

// RunOutput is the response of a supervised run.
type RunOutput struct {
	Completed int                     `json:"completed"`
	Failed    int                     `json:"failed"`
	Workers   []worker.Summary        `json:"workers"`
	Roles     []supervisor.RoleStatus `json:"roles"`
}

func (a *app) outputRun(c *collector, sup *supervisor.Supervisor, runErr error) error {
	if runErr != nil {
		return runErr
	}
	c.mu.Lock()
	out := RunOutput{Workers: c.summaries, Roles: sup.Status()}
	c.mu.Unlock()
	for _, s := range out.Workers {
		out.Completed += s.Completed
		out.Failed += s.Failed
	}
	return a.output(out, func() {
		a.outputHuman("Completed %d records, %d failed, across %d worker runs\n",
			out.Completed, out.Failed, len(out.Workers))
		for _, r := range out.Roles {
			a.outputHuman("  %-12s runs=%d restarts=%d\n", r.Name, r.Runs, r.Restarts)
		}
	})
}

func (a *app) outputSummary(sum worker.Summary) error {
	return a.output(sum, func() {
		a.outputHuman("%s: %d batches, %d completed, %d failed, %d released (model v%d)\n",
			sum.WorkerID, sum.Batches, sum.Completed, sum.Failed, sum.Released, sum.ModelVersion)
		if sum.Stopped {
			a.outputHuman("Stopped: reset in progress\n")
		}
	})
}
