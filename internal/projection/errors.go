package projection

import (
	"errors"
	"fmt"
)

// Errors returned by projection operations.
var (
	ErrModelNotFound     = errors.New("projection model not found")
	ErrSampleTooSmall    = errors.New("training sample too small")
	ErrDegenerateSample  = errors.New("degenerate training sample")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrInvalidVector     = errors.New("invalid vector")
	ErrUnsupportedFormat = errors.New("unsupported model artifact format")
	ErrChecksumMismatch  = errors.New("model artifact checksum mismatch")
)

// LoadError reports an artifact that exists but cannot be used.
// It matches ErrModelNotFound so callers that retrain on a missing model
// also retrain on a corrupt one.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading model artifact %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() []error {
	return []error{ErrModelNotFound, e.Err}
}

// TrainError reports a failed training attempt.
type TrainError struct {
	SampleSize int
	Err        error
}

func (e *TrainError) Error() string {
	return fmt.Sprintf("training on %d vectors: %v", e.SampleSize, e.Err)
}

func (e *TrainError) Unwrap() error {
	return e.Err
}

// TransformError reports a vector that could not be projected.
// Index is the position of the vector in the transformed batch.
type TransformError struct {
	Index int
	Err   error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transforming vector %d: %v", e.Index, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if err means no usable model exists.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrModelNotFound)
}

// IsTrainError returns true if err is a training failure.
func IsTrainError(err error) bool {
	var te *TrainError
	return errors.As(err, &te)
}
