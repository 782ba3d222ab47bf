// Package config handles repository configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/matsen/atlas/internal/batch"
	"github.com/matsen/atlas/internal/projection"
)

const (
	AtlasDir   = ".atlas"
	ConfigFile = "config.yml"
	EnvFile    = ".env"
	DBFile     = "atlas.db"
	ModelsDir  = "models"
)

// Environment variables that override file configuration.
const (
	EnvHome        = "ATLAS_HOME"
	EnvDBPath      = "ATLAS_DB_PATH"
	EnvModelDir    = "ATLAS_MODEL_DIR"
	EnvLogLevel    = "ATLAS_LOG_LEVEL"
	EnvMetricsAddr = "ATLAS_METRICS_ADDR"
)

// Config is the effective configuration of an atlas repository.
type Config struct {
	Storage     StorageConfig     `yaml:"storage" json:"storage"`
	Worker      WorkerConfig      `yaml:"worker" json:"worker"`
	Projection  projection.Params `yaml:"projection" json:"projection"`
	Reset       ResetConfig       `yaml:"reset" json:"reset"`
	BatchPolicy batch.Table       `yaml:"batch_policy,omitempty" json:"batch_policy,omitempty"`
	LogLevel    string            `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	MetricsAddr string            `yaml:"metrics_addr,omitempty" json:"metrics_addr,omitempty"`

	root string
}

// StorageConfig locates the store and model artifacts. Relative paths are
// resolved against the .atlas directory.
type StorageConfig struct {
	DBPath   string `yaml:"db_path,omitempty" json:"db_path"`
	ModelDir string `yaml:"model_dir,omitempty" json:"model_dir"`
}

// WorkerConfig controls worker pacing, leases, and retries.
type WorkerConfig struct {
	Lease            Duration `yaml:"lease" json:"lease"`
	PollInterval     Duration `yaml:"poll_interval" json:"poll_interval"`
	RetryAttempts    int      `yaml:"retry_attempts" json:"retry_attempts"`
	RetryBaseDelay   Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
	StopTimeout      Duration `yaml:"stop_timeout" json:"stop_timeout"`
	HeartbeatTTL     Duration `yaml:"heartbeat_ttl" json:"heartbeat_ttl"`
	Parallelism      int      `yaml:"parallelism,omitempty" json:"parallelism,omitempty"`
	RecordsPerSecond float64  `yaml:"records_per_second,omitempty" json:"records_per_second,omitempty"`
	BulkWorkers      int      `yaml:"bulk_workers" json:"bulk_workers"`
	RestartDelay     Duration `yaml:"restart_delay" json:"restart_delay"`
	MaxRestarts      int      `yaml:"max_restarts" json:"max_restarts"`
}

// ResetConfig controls full retraining.
type ResetConfig struct {
	SampleSize int    `yaml:"sample_size" json:"sample_size"`
	Seed       uint64 `yaml:"seed" json:"seed"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			Lease:          Duration(10 * time.Minute),
			PollInterval:   Duration(5 * time.Second),
			RetryAttempts:  5,
			RetryBaseDelay: Duration(200 * time.Millisecond),
			StopTimeout:    Duration(2 * time.Minute),
			HeartbeatTTL:   Duration(time.Minute),
			BulkWorkers:    1,
			RestartDelay:   Duration(5 * time.Second),
			MaxRestarts:    5,
		},
		Projection: projection.DefaultParams(),
		Reset: ResetConfig{
			SampleSize: 100_000,
			Seed:       42,
		},
		LogLevel: "info",
	}
}

// AtlasPath returns the path to the .atlas directory from a root path.
func AtlasPath(root string) string {
	return filepath.Join(root, AtlasDir)
}

// ConfigPath returns the path to config.yml from a root path.
func ConfigPath(root string) string {
	return filepath.Join(root, AtlasDir, ConfigFile)
}

// IsRepository checks if the given path contains an atlas repository.
func IsRepository(root string) bool {
	info, err := os.Stat(AtlasPath(root))
	return err == nil && info.IsDir()
}

// FindRepository walks up from the given path to find an atlas repository.
// Returns the repository root path or an error if not found.
func FindRepository(start string) (string, error) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	for {
		if IsRepository(abs) {
			return abs, nil
		}

		parent := filepath.Dir(abs)
		if parent == abs {
			return "", &ConfigurationError{Field: "repository", Err: ErrNoRepository}
		}
		abs = parent
	}
}

// Resolve returns the repository root: ATLAS_HOME if set, otherwise the
// nearest repository above start.
func Resolve(start string) (string, error) {
	if home := os.Getenv(EnvHome); home != "" {
		home = ExpandPath(home)
		if !IsRepository(home) {
			return "", &ConfigurationError{Field: EnvHome, Err: fmt.Errorf("%w: %s", ErrNoRepository, home)}
		}
		return filepath.Abs(home)
	}
	return FindRepository(start)
}

// Init creates the .atlas directory under root with a default config.yml.
func Init(root string) (*Config, error) {
	if IsRepository(root) {
		return nil, fmt.Errorf("already an atlas repository: %s", root)
	}
	if err := os.MkdirAll(filepath.Join(AtlasPath(root), ModelsDir), 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", AtlasDir, err)
	}
	cfg := Default()
	if err := cfg.Save(root); err != nil {
		return nil, err
	}
	cfg.root = root
	return cfg, nil
}

// Load reads configuration for the repository at root. Layers apply in
// order: built-in defaults, the global config file, .atlas/config.yml,
// .atlas/.env, then environment variables. The result is validated.
func Load(root string) (*Config, error) {
	return LoadFile(root, ConfigPath(root))
}

// LoadFile is Load with an explicit repository config file.
func LoadFile(root, path string) (*Config, error) {
	cfg := Default()

	if global := GlobalConfigPath(); global != "" {
		if err := cfg.merge(global); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if err := cfg.merge(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) || path != ConfigPath(root) {
			return nil, err
		}
	}

	if err := godotenv.Load(filepath.Join(AtlasPath(root), EnvFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &ConfigurationError{Field: EnvFile, Err: err}
	}
	cfg.applyEnv()

	cfg.root = root
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// merge decodes the YAML file at path over c.
func (c *Config) merge(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return &ConfigurationError{Field: filepath.Base(path), Err: fmt.Errorf("parsing %s: %w", path, err)}
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Storage.DBPath = v
	}
	if v := os.Getenv(EnvModelDir); v != "" {
		c.Storage.ModelDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvMetricsAddr); v != "" {
		c.MetricsAddr = v
	}
}

// Save writes configuration to the repository at the given root.
func (c *Config) Save(root string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(ConfigPath(root), data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Root returns the repository root the configuration was loaded for.
func (c *Config) Root() string {
	return c.root
}

// DBPath returns the absolute database path.
func (c *Config) DBPath() string {
	return c.resolve(c.Storage.DBPath, DBFile)
}

// ModelDir returns the absolute model artifact directory.
func (c *Config) ModelDir() string {
	return c.resolve(c.Storage.ModelDir, ModelsDir)
}

func (c *Config) resolve(path, fallback string) string {
	if path == "" {
		path = fallback
	}
	path = ExpandPath(path)
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(AtlasPath(c.root), path)
}

// Policy returns the configured batch policy table, or the default table.
func (c *Config) Policy() batch.Table {
	if len(c.BatchPolicy) == 0 {
		return batch.DefaultTable
	}
	return c.BatchPolicy
}

// ExpandPath expands ~ to the user's home directory.
// Returns the original path unchanged if it doesn't start with ~.
func ExpandPath(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path // Return original if we can't get home directory
	}

	return filepath.Join(home, path[1:])
}
