package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matsen/atlas/internal/batch"
)

// isolate points the global config at an empty directory and clears
// environment overrides for the duration of the test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	for _, key := range []string{EnvHome, EnvDBPath, EnvModelDir, EnvLogLevel, EnvMetricsAddr} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func setupRepo(t *testing.T) string {
	t.Helper()
	isolate(t)
	root := t.TempDir()
	if _, err := Init(root); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return root
}

func writeConfig(t *testing.T, root, body string) {
	t.Helper()
	if err := os.WriteFile(ConfigPath(root), []byte(body), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
}

func TestPathFunctions(t *testing.T) {
	root := "/test/repo"

	tests := []struct {
		name string
		fn   func(string) string
		want string
	}{
		{"AtlasPath", AtlasPath, "/test/repo/.atlas"},
		{"ConfigPath", ConfigPath, "/test/repo/.atlas/config.yml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.fn(root)
			if got != tt.want {
				t.Errorf("%s(%q) = %q, want %q", tt.name, root, got, tt.want)
			}
		})
	}
}

func TestIsRepository(t *testing.T) {
	tmpDir := t.TempDir()

	if IsRepository(tmpDir) {
		t.Error("IsRepository() = true for non-repo directory")
	}

	if err := os.Mkdir(filepath.Join(tmpDir, AtlasDir), 0755); err != nil {
		t.Fatalf("Failed to create .atlas: %v", err)
	}

	if !IsRepository(tmpDir) {
		t.Error("IsRepository() = false for repo directory")
	}
}

func TestIsRepository_FileNotDir(t *testing.T) {
	tmpDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(tmpDir, AtlasDir), []byte("not a dir"), 0644); err != nil {
		t.Fatalf("Failed to create .atlas file: %v", err)
	}

	if IsRepository(tmpDir) {
		t.Error("IsRepository() = true when .atlas is a file")
	}
}

func TestFindRepository(t *testing.T) {
	root := setupRepo(t)
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	got, err := FindRepository(nested)
	if err != nil {
		t.Fatalf("FindRepository() error = %v", err)
	}
	want, _ := filepath.Abs(root)
	if got != want {
		t.Errorf("FindRepository() = %q, want %q", got, want)
	}
}

func TestFindRepository_NotFound(t *testing.T) {
	_, err := FindRepository(t.TempDir())
	if !errors.Is(err, ErrNoRepository) {
		t.Errorf("FindRepository() error = %v, want ErrNoRepository", err)
	}
	if !IsConfigurationError(err) {
		t.Error("missing repository should be a configuration error")
	}
}

func TestResolve_Home(t *testing.T) {
	root := setupRepo(t)
	t.Setenv(EnvHome, root)

	got, err := Resolve(t.TempDir())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if want, _ := filepath.Abs(root); got != want {
		t.Errorf("Resolve() = %q, want %q", got, want)
	}

	t.Setenv(EnvHome, t.TempDir())
	if _, err := Resolve("."); !errors.Is(err, ErrNoRepository) {
		t.Errorf("Resolve() with non-repository home error = %v", err)
	}
}

func TestInit_AlreadyRepository(t *testing.T) {
	root := setupRepo(t)
	if _, err := Init(root); err == nil {
		t.Error("Init() on existing repository should fail")
	}
	if _, err := os.Stat(filepath.Join(AtlasPath(root), ModelsDir)); err != nil {
		t.Errorf("models dir not created: %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	root := setupRepo(t)

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Worker.Lease.Std() != 10*time.Minute {
		t.Errorf("Lease = %v, want 10m", cfg.Worker.Lease)
	}
	if cfg.Reset.SampleSize != 100_000 {
		t.Errorf("SampleSize = %d", cfg.Reset.SampleSize)
	}
	if cfg.DBPath() != filepath.Join(root, AtlasDir, DBFile) {
		t.Errorf("DBPath() = %q", cfg.DBPath())
	}
	if cfg.ModelDir() != filepath.Join(root, AtlasDir, ModelsDir) {
		t.Errorf("ModelDir() = %q", cfg.ModelDir())
	}
	if len(cfg.Policy()) != len(batch.DefaultTable) {
		t.Errorf("Policy() has %d tiers, want default table", len(cfg.Policy()))
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	root := setupRepo(t)
	os.Remove(ConfigPath(root))

	if _, err := Load(root); err != nil {
		t.Errorf("Load() without config.yml should use defaults, got %v", err)
	}
	if _, err := LoadFile(root, filepath.Join(root, "missing.yml")); err == nil {
		t.Error("LoadFile() with an explicit missing file should fail")
	}
}

func TestLoad_File(t *testing.T) {
	root := setupRepo(t)
	writeConfig(t, root, `
storage:
  db_path: /var/lib/atlas/points.db
worker:
  lease: 90s
  poll_interval: 1s
  retry_attempts: 2
  retry_base_delay: 50ms
  stop_timeout: 30s
  heartbeat_ttl: 20s
  bulk_workers: 3
  restart_delay: 1s
  max_restarts: 1
projection:
  neighbors: 10
  min_dist: 0.25
  spread: 1
  seed: 7
reset:
  sample_size: 5000
  seed: 9
batch_policy:
  - max_corpus_size: 1000
    first: 100
    subsequent: 50
  - max_corpus_size: 0
    first: 400
    subsequent: 200
log_level: debug
`)

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Worker.Lease.Std() != 90*time.Second || cfg.Worker.RetryBaseDelay.Std() != 50*time.Millisecond {
		t.Errorf("worker durations = %+v", cfg.Worker)
	}
	if cfg.Worker.BulkWorkers != 3 {
		t.Errorf("BulkWorkers = %d", cfg.Worker.BulkWorkers)
	}
	if cfg.Projection.Neighbors != 10 || cfg.Projection.MinDist != 0.25 || cfg.Projection.Seed != 7 {
		t.Errorf("Projection = %+v", cfg.Projection)
	}
	if cfg.Reset.SampleSize != 5000 {
		t.Errorf("SampleSize = %d", cfg.Reset.SampleSize)
	}
	if cfg.DBPath() != "/var/lib/atlas/points.db" {
		t.Errorf("DBPath() = %q", cfg.DBPath())
	}
	if got := cfg.Policy().Size(500, batch.First); got != 100 {
		t.Errorf("Policy().Size() = %d, want 100", got)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"bad yaml", "worker: [", ConfigFile},
		{"bad duration", "worker:\n  lease: soon\n", ConfigFile},
		{"zero lease", "worker:\n  lease: 0s\n", "worker.lease"},
		{"negative retries", "worker:\n  retry_attempts: -1\n", "worker.retry_attempts"},
		{"one neighbor", "projection:\n  neighbors: 1\n", "projection"},
		{"tiny sample", "reset:\n  sample_size: 1\n", "reset.sample_size"},
		{"no catch-all tier", "batch_policy:\n  - max_corpus_size: 10\n    first: 5\n    subsequent: 5\n", "batch_policy"},
		{"log level", "log_level: loud\n", "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := setupRepo(t)
			writeConfig(t, root, tt.body)

			_, err := Load(root)
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Load() error = %v, want *ConfigurationError", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.field)
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Error("error should match ErrInvalidConfig")
			}
		})
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	root := setupRepo(t)
	writeConfig(t, root, "log_level: warn\n")

	t.Setenv(EnvDBPath, "/tmp/override.db")
	t.Setenv(EnvModelDir, "artifacts")
	t.Setenv(EnvLogLevel, "error")

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DBPath() != "/tmp/override.db" {
		t.Errorf("DBPath() = %q", cfg.DBPath())
	}
	if cfg.ModelDir() != filepath.Join(root, AtlasDir, "artifacts") {
		t.Errorf("ModelDir() = %q", cfg.ModelDir())
	}
	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want env override", cfg.LogLevel)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	root := setupRepo(t)
	envPath := filepath.Join(AtlasPath(root), EnvFile)
	if err := os.WriteFile(envPath, []byte("ATLAS_METRICS_ADDR=127.0.0.1:9464\n"), 0644); err != nil {
		t.Fatalf("writing .env: %v", err)
	}

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MetricsAddr != "127.0.0.1:9464" {
		t.Errorf("MetricsAddr = %q, want value from .env", cfg.MetricsAddr)
	}
}

func TestConfig_SaveAndLoad(t *testing.T) {
	root := setupRepo(t)

	cfg := Default()
	cfg.Worker.Lease = Duration(3 * time.Minute)
	cfg.Reset.SampleSize = 2500
	cfg.BatchPolicy = batch.Table{{MaxCorpusSize: 0, FirstSize: 10, SubsequentSize: 5}}
	if err := cfg.Save(root); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Worker.Lease != cfg.Worker.Lease || loaded.Reset.SampleSize != 2500 {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Policy().Size(1, batch.First) != 10 {
		t.Errorf("batch policy not round-tripped: %+v", loaded.BatchPolicy)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandPath("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("ExpandPath(~/x) = %q", got)
	}
	if got := ExpandPath("/abs"); got != "/abs" {
		t.Errorf("ExpandPath(/abs) = %q", got)
	}
}
