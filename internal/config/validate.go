package config

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/matsen/atlas/internal/logging"
)

// Errors wrapped by ConfigurationError.
var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrNoRepository  = errors.New("not in an atlas repository (no .atlas directory found)")
)

// ConfigurationError reports an invalid setting. It is fatal at startup.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() []error {
	return []error{ErrInvalidConfig, e.Err}
}

// IsConfigurationError returns true if err is a configuration error.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

func invalid(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Validate checks every section of the configuration.
func (c *Config) Validate() error {
	w := c.Worker
	switch {
	case w.Lease <= 0:
		return invalid("worker.lease", "must be positive")
	case w.PollInterval <= 0:
		return invalid("worker.poll_interval", "must be positive")
	case w.RetryAttempts < 0:
		return invalid("worker.retry_attempts", "must not be negative")
	case w.RetryBaseDelay <= 0:
		return invalid("worker.retry_base_delay", "must be positive")
	case w.StopTimeout < 0:
		return invalid("worker.stop_timeout", "must not be negative")
	case w.HeartbeatTTL <= 0:
		return invalid("worker.heartbeat_ttl", "must be positive")
	case w.Parallelism < 0:
		return invalid("worker.parallelism", "must not be negative")
	case w.RecordsPerSecond < 0:
		return invalid("worker.records_per_second", "must not be negative")
	case w.BulkWorkers < 0:
		return invalid("worker.bulk_workers", "must not be negative")
	case w.MaxRestarts < 0:
		return invalid("worker.max_restarts", "must not be negative")
	}

	if err := c.Projection.Validate(); err != nil {
		return &ConfigurationError{Field: "projection", Err: err}
	}
	if c.Reset.SampleSize < 2 {
		return invalid("reset.sample_size", "must be at least 2, got %d", c.Reset.SampleSize)
	}
	if err := c.Policy().Validate(); err != nil {
		return &ConfigurationError{Field: "batch_policy", Err: err}
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return &ConfigurationError{Field: "log_level", Err: err}
	}
	return nil
}

// Duration is a time.Duration written as a string such as "30s" in YAML and JSON.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler for JSON output.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
