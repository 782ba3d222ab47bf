package main

import (
	"errors"
	"fmt"

	"github.com/matsen/atlas/internal/claim"
	"github.com/matsen/atlas/internal/config"
	"github.com/matsen/atlas/internal/projection"
)

// Exit codes.
const (
	ExitSuccess     = 0 // Success
	ExitError       = 1 // General error (invalid arguments, runtime failure)
	ExitConfigError = 2 // Configuration error, reported before the store is touched
	ExitStoreError  = 3 // Unrecoverable store error
	ExitTrainError  = 4 // Model training failed
)

// storeError marks a failure to reach or use the store.
type storeError struct {
	op  string
	err error
}

func (e *storeError) Error() string {
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *storeError) Unwrap() error {
	return e.err
}

// flagError reports an invalid command-line parameter. It exits like any
// other configuration error.
func flagError(flag, format string, args ...interface{}) error {
	return &config.ConfigurationError{Field: "--" + flag, Err: fmt.Errorf(format, args...)}
}

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	var se *storeError
	switch {
	case err == nil:
		return ExitSuccess
	case config.IsConfigurationError(err):
		return ExitConfigError
	case projection.IsTrainError(err):
		return ExitTrainError
	case errors.As(err, &se), claim.IsPersistence(err):
		return ExitStoreError
	default:
		return ExitError
	}
}
