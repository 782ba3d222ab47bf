package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/matsen/atlas/internal/config"
	"github.com/matsen/atlas/internal/storage"
	"github.com/matsen/atlas/internal/synthetic"
)

// IngestOutput is the ingest and seed response.
type IngestOutput struct {
	storage.IngestStats
	Read int    `json:"read"`
	Path string `json:"path,omitempty"`
}

func newIngestCmd(a *app) *cobra.Command {
	var chunk int

	cmd := &cobra.Command{
		Use:   "ingest <file.jsonl>",
		Short: "Add embeddings from a JSONL file",
		Long: `Add embeddings from a JSONL file.

Each line holds one record: {"id": "...", "embedding": [...]}. New ids join
the backlog. A known id with a changed vector loses its projection and is
projected again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if chunk < 1 {
				return flagError("chunk", "must be at least 1, got %d", chunk)
			}
			_, db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			out := IngestOutput{Path: args[0]}
			err = storage.ReadEmbeddingsFile(args[0], chunk, func(items []storage.Embedding) error {
				stats, err := db.InsertEmbeddings(ctx, items, time.Now())
				if err != nil {
					return &storeError{op: "inserting embeddings", err: err}
				}
				out.Read += len(items)
				out.Inserted += stats.Inserted
				out.Updated += stats.Updated
				out.Unchanged += stats.Unchanged
				return nil
			})
			if err != nil {
				return err
			}

			return a.output(out, func() {
				a.outputHuman("Read %d records: %d new, %d updated, %d unchanged\n",
					out.Read, out.Inserted, out.Updated, out.Unchanged)
			})
		},
	}

	cmd.Flags().IntVar(&chunk, "chunk", 1000, "Records per insert transaction")
	return cmd
}

func newSeedCmd(a *app) *cobra.Command {
	var (
		spec synthetic.Spec
		out  string
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Generate a synthetic clustered corpus",
		Long: `Generate synthetic embeddings drawn around random cluster centers.

Records are inserted into the store, or written as JSONL with --out.
Different seeds give unrelated clusters, which makes a good reset test.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := spec.Validate(); err != nil {
				return &config.ConfigurationError{Field: "seed", Err: err}
			}
			items := synthetic.Embeddings(spec)

			if out != "" {
				if err := storage.WriteEmbeddings(out, items); err != nil {
					return err
				}
				res := IngestOutput{Read: len(items), Path: out}
				return a.output(res, func() {
					a.outputHuman("Wrote %d records to %s\n", len(items), out)
				})
			}

			_, db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			stats, err := db.InsertEmbeddings(cmd.Context(), items, time.Now())
			if err != nil {
				return &storeError{op: "inserting embeddings", err: err}
			}
			res := IngestOutput{IngestStats: stats, Read: len(items)}
			return a.output(res, func() {
				a.outputHuman("Seeded %d records: %d new, %d updated\n", len(items), stats.Inserted, stats.Updated)
			})
		},
	}

	cmd.Flags().IntVar(&spec.Count, "count", 1000, "Number of records")
	cmd.Flags().IntVar(&spec.Dims, "dims", 128, "Vector dimensionality")
	cmd.Flags().IntVar(&spec.Clusters, "clusters", 8, "Number of clusters")
	cmd.Flags().Uint64Var(&spec.Seed, "seed", 1, "Generator seed")
	cmd.Flags().Float64Var(&spec.Noise, "noise", 0, "Cluster spread (default built in)")
	cmd.Flags().StringVar(&spec.Prefix, "prefix", "rec", "Record id prefix")
	cmd.Flags().IntVar(&spec.Offset, "offset", 0, "First record number")
	cmd.Flags().StringVar(&out, "out", "", "Write JSONL to this file instead of the store")
	return cmd
}

func newRetryFailedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Return permanently failed records to the backlog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := db.RequeueFailed(cmd.Context())
			if err != nil {
				return &storeError{op: "requeueing failed records", err: err}
			}
			return a.output(map[string]int{"requeued": n}, func() {
				a.outputHuman("Requeued %d records\n", n)
			})
		},
	}
}

func newModelsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List registered projection models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			models, err := db.ListModels(cmd.Context())
			if err != nil {
				return &storeError{op: "listing models", err: err}
			}
			if models == nil {
				models = []storage.ModelInfo{}
			}
			return a.output(models, func() {
				if len(models) == 0 {
					a.outputHuman("No models registered\n")
					return
				}
				for _, m := range models {
					a.outputHuman("v%-4d %6d samples  %4d dims  %s  %s\n",
						m.Version, m.SampleSize, m.Dims, m.TrainedAt.Format(time.RFC3339), m.TrainedBy)
				}
			})
		},
	}
}

func newBoxCmd(a *app) *cobra.Command {
	var (
		box     storage.Box
		version int64
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "box",
		Short: "List projected records inside a bounding box",
		Long: `List the coordinates of projected records inside a bounding box.

Only records projected by one model version are returned, the current
version unless --version is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if box.MinX > box.MaxX || box.MinY > box.MaxY {
				return flagError("box", "min must not exceed max")
			}
			_, db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			if version == 0 {
				if version, err = db.CurrentVersion(ctx); err != nil {
					return &storeError{op: "reading model version", err: err}
				}
			}
			coords, err := db.QueryBox(ctx, version, box, limit)
			if err != nil {
				return &storeError{op: "querying box", err: err}
			}
			if coords == nil {
				coords = []storage.Coordinate{}
			}
			return a.output(coords, func() {
				for _, c := range coords {
					a.outputHuman("%s\t%.4f\t%.4f\n", c.ID, c.X, c.Y)
				}
			})
		},
	}

	cmd.Flags().Float64Var(&box.MinX, "min-x", -1e9, "Minimum x")
	cmd.Flags().Float64Var(&box.MinY, "min-y", -1e9, "Minimum y")
	cmd.Flags().Float64Var(&box.MaxX, "max-x", 1e9, "Maximum x")
	cmd.Flags().Float64Var(&box.MaxY, "max-y", 1e9, "Maximum y")
	cmd.Flags().Int64Var(&version, "version", 0, "Model version (default current)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum records (0 for no limit)")
	return cmd
}
