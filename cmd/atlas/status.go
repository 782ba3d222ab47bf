package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/matsen/atlas/internal/storage"
)

// StatusOutput is the status command response.
type StatusOutput struct {
	Counts        storage.StatusCounts `json:"counts"`
	Backlog       int                  `json:"backlog"`
	ModelVersion  int64                `json:"model_version"`
	Model         *storage.ModelInfo   `json:"model,omitempty"`
	DoneByVersion map[int64]int        `json:"done_by_version"`
	StopRequested bool                 `json:"stop_requested"`
	ResetPhase    string               `json:"reset_phase,omitempty"`
	Workers       []storage.WorkerInfo `json:"workers"`
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show corpus, model, and worker state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			now := time.Now()

			var out StatusOutput
			wrap := func(op string, err error) error {
				return &storeError{op: op, err: err}
			}
			if out.Counts, err = db.CountByStatus(ctx); err != nil {
				return wrap("counting records", err)
			}
			if out.Backlog, err = db.CountBacklog(ctx, now); err != nil {
				return wrap("counting backlog", err)
			}
			model, err := db.CurrentModel(ctx)
			switch {
			case errors.Is(err, storage.ErrNoModel):
			case err != nil:
				return wrap("reading model", err)
			default:
				out.Model = model
				out.ModelVersion = model.Version
			}
			if out.DoneByVersion, err = db.CountDoneByVersion(ctx); err != nil {
				return wrap("counting versions", err)
			}
			if out.StopRequested, err = db.StopRequested(ctx); err != nil {
				return wrap("reading stop flag", err)
			}
			if out.ResetPhase, err = db.ResetPhase(ctx); err != nil {
				return wrap("reading reset phase", err)
			}
			if out.Workers, err = db.ListWorkers(ctx, now.Add(-cfg.Worker.HeartbeatTTL.Std())); err != nil {
				return wrap("listing workers", err)
			}
			if out.Workers == nil {
				out.Workers = []storage.WorkerInfo{}
			}

			return a.output(out, func() {
				c := out.Counts
				a.outputHuman("Records:  %d total, %d unprocessed, %d claimed, %d done, %d failed\n",
					c.Total, c.Unprocessed, c.Claimed, c.Done, c.Failed)
				a.outputHuman("Backlog:  %d\n", out.Backlog)
				if out.Model == nil {
					a.outputHuman("Model:    none\n")
				} else {
					a.outputHuman("Model:    v%d (%d samples, %d dims, trained %s)\n",
						out.Model.Version, out.Model.SampleSize, out.Model.Dims, out.Model.TrainedAt.Format(time.RFC3339))
				}
				if out.ResetPhase != "" {
					a.outputHuman("Reset:    %s\n", out.ResetPhase)
				}
				if out.StopRequested {
					a.outputHuman("Stop:     requested\n")
				}
				a.outputHuman("Workers:  %d live\n", len(out.Workers))
				for _, w := range out.Workers {
					a.outputHuman("  %s  %s  %s\n", w.ID, w.State, w.LastSeen.Format(time.RFC3339))
				}
			})
		},
	}
}
