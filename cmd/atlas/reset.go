package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/matsen/atlas/internal/reset"
)

func newRunResetCmd(a *app) *cobra.Command {
	var (
		sampleSize  int
		seed        uint64
		dryRun      bool
		backfill    bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run-reset",
		Short: "Retrain the projection model from a fresh sample",
		Long: `Retrain the projection model and re-project the corpus.

The reset stops all workers, clears projections of the current model,
samples up to --sample-size records, trains the next model version, and
projects the sample as a baseline before letting workers resume.

--dry-run reports what would happen without changing anything.
--backfill projects the remaining records in-process before exiting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("sample-size") && sampleSize < 2 {
				return flagError("sample-size", "must be at least 2, got %d", sampleSize)
			}
			p, err := a.openPipeline()
			if err != nil {
				return err
			}
			defer p.Close()

			if !cmd.Flags().Changed("sample-size") {
				sampleSize = p.cfg.Reset.SampleSize
			}
			if !cmd.Flags().Changed("seed") {
				seed = p.cfg.Reset.Seed
			}

			ctx := cmd.Context()
			p.serveMetrics(ctx, metricsAddr)

			o := reset.New(p.db, p.coord, p.manager, reset.Config{
				SampleSize:   sampleSize,
				Seed:         seed,
				StopTimeout:  p.cfg.Worker.StopTimeout.Std(),
				HeartbeatTTL: p.cfg.Worker.HeartbeatTTL.Std(),
				Policy:       p.cfg.Policy(),
				Backfill:     backfill,
				Worker:       p.workerConfig(0),
				Logger:       slog.Default(),
				Metrics:      p.metrics,
			})

			if dryRun {
				plan, err := o.Plan(ctx)
				if err != nil {
					return err
				}
				return a.output(plan, func() {
					a.outputHuman("Would retrain v%d -> v%d from %d of %d records\n",
						plan.CurrentVersion, plan.NextVersion, plan.SampleSize, plan.CorpusSize)
					a.outputHuman("Would clear %d projections and release %d claims; %d live workers\n",
						plan.RecordsToClear, plan.OutstandingClaims, plan.LiveWorkers)
				})
			}

			res, err := o.Run(ctx)
			if err != nil {
				return err
			}
			return a.output(res, func() {
				a.outputHuman("Reset to model v%d in %.1fs\n", res.Version, res.DurationSeconds)
				a.outputHuman("Cleared %d, trained on %d, baseline %d done, %d failed\n",
					res.Cleared, res.Trained, res.Baseline, res.BaselineFailed)
				if res.StopTimedOut {
					a.outputHuman("Warning: workers did not stop within the timeout\n")
				}
				if res.Backfill != nil {
					a.outputHuman("Backfill: %d completed, %d failed\n", res.Backfill.Completed, res.Backfill.Failed)
				}
			})
		},
	}

	cmd.Flags().IntVar(&sampleSize, "sample-size", 0, "Training sample size (default reset.sample_size)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Sampling seed (default reset.seed)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show the reset plan without executing it")
	cmd.Flags().BoolVar(&backfill, "backfill", false, "Project remaining records before exiting")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}
