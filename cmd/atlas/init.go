package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/matsen/atlas/internal/config"
	"github.com/matsen/atlas/internal/storage"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Initialize a new atlas repository",
		Long: `Initialize a new atlas repository.

Creates .atlas/ with a default config.yml, an empty models directory, and
the SQLite store.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			abs, err := filepath.Abs(root)
			if err != nil {
				return fmt.Errorf("resolving path: %w", err)
			}
			if err := os.MkdirAll(abs, 0755); err != nil {
				return fmt.Errorf("creating %s: %w", abs, err)
			}

			cfg, err := config.Init(abs)
			if err != nil {
				return err
			}
			db, err := storage.OpenDB(cfg.DBPath())
			if err != nil {
				return &storeError{op: "creating database", err: err}
			}
			db.Close()

			return a.output(StatusResponse{Status: "initialized", Path: abs}, func() {
				a.outputHuman("Initialized atlas repository in %s\n", abs)
			})
		},
	}
}
