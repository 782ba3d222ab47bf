// Package main provides the atlas CLI entry point.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/matsen/atlas/internal/claim"
	"github.com/matsen/atlas/internal/config"
	"github.com/matsen/atlas/internal/logging"
	"github.com/matsen/atlas/internal/metrics"
	"github.com/matsen/atlas/internal/projection"
	"github.com/matsen/atlas/internal/storage"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// app carries global flags and output streams to every command.
type app struct {
	human      bool
	configPath string
	logLevel   string

	stdout io.Writer
	stderr io.Writer
}

// execute runs the CLI with args and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	code := exitCode(err)
	a.writeError(err)
	return code
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "atlas",
		Short: "Incremental 2D projection of embedding corpora",
		Long: `atlas maps high-dimensional embeddings into one shared 2D coordinate
space and keeps that space current as new records arrive.

Workers claim batches of unprojected records, transform them with the
current projection model, and write coordinates back. A reset retrains the
model from a fresh sample and re-projects the corpus.

State lives under .atlas/ in the repository root (or $ATLAS_HOME).
All commands output JSON by default; use --human for text.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			level := a.logLevel
			if level == "" {
				level = os.Getenv(config.EnvLogLevel)
			}
			if err := logging.Configure(a.stderr, level); err != nil {
				return &config.ConfigurationError{Field: "log-level", Err: err}
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.BoolVar(&a.human, "human", false, "Use human-readable output instead of JSON")
	flags.StringVar(&a.configPath, "config", "", "Path to config file (default .atlas/config.yml)")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(
		newInitCmd(a),
		newStatusCmd(a),
		newRunIncrementalCmd(a),
		newRunBulkCmd(a),
		newRunCmd(a),
		newRunResetCmd(a),
		newIngestCmd(a),
		newSeedCmd(a),
		newRetryFailedCmd(a),
		newModelsCmd(a),
		newBoxCmd(a),
		newConfigCmd(a),
	)
	return root
}

// loadConfig finds the repository and loads its configuration.
func (a *app) loadConfig() (*config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting current directory: %w", err)
	}
	root, err := config.Resolve(cwd)
	if err != nil {
		return nil, err
	}

	var cfg *config.Config
	if a.configPath != "" {
		cfg, err = config.LoadFile(root, a.configPath)
	} else {
		cfg, err = config.Load(root)
	}
	if err != nil {
		return nil, err
	}
	if a.logLevel == "" {
		level, _ := logging.ParseLevel(cfg.LogLevel)
		logging.SetLevel(level)
	}
	return cfg, nil
}

// openStore loads configuration and opens the embedding store.
// The caller must Close the returned DB.
func (a *app) openStore() (*config.Config, *storage.DB, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := storage.OpenDB(cfg.DBPath())
	if err != nil {
		return nil, nil, &storeError{op: "opening database", err: err}
	}
	return cfg, db, nil
}

// pipeline holds everything a worker or reset needs.
type pipeline struct {
	cfg     *config.Config
	db      *storage.DB
	coord   *claim.Coordinator
	manager *projection.Manager
	metrics *metrics.Metrics
}

func (a *app) openPipeline() (*pipeline, error) {
	cfg, db, err := a.openStore()
	if err != nil {
		return nil, err
	}

	opts := []projection.Option{
		projection.WithParams(cfg.Projection),
		projection.WithLogger(slog.Default()),
	}
	if cfg.Worker.Parallelism > 0 {
		opts = append(opts, projection.WithPoolSize(cfg.Worker.Parallelism))
	}
	manager, err := projection.NewManager(cfg.ModelDir(), opts...)
	if err != nil {
		db.Close()
		return nil, &config.ConfigurationError{Field: "projection", Err: err}
	}

	return &pipeline{
		cfg:     cfg,
		db:      db,
		coord:   claim.New(db, claim.WithLease(cfg.Worker.Lease.Std()), claim.WithLogger(slog.Default())),
		manager: manager,
		metrics: metrics.New(),
	}, nil
}

func (p *pipeline) Close() {
	p.manager.Release()
	p.db.Close()
}

// serveMetrics exposes metrics on addr for the lifetime of ctx.
func (p *pipeline) serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		addr = p.cfg.MetricsAddr
	}
	if addr == "" {
		return
	}
	go func() {
		if err := p.metrics.Serve(ctx, addr, slog.Default()); err != nil {
			slog.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
}
