package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrGraphSealed is returned when a sealed graph is modified
	ErrGraphSealed = errors.New("graph is sealed")

	// ErrRunCancelled is returned when a run is aborted before completion
	ErrRunCancelled = errors.New("run cancelled")

	// ErrRunActive is returned when a trigger is rejected because a run is in progress
	ErrRunActive = errors.New("run already active")

	// ErrClockSkew is returned when the clock reports a time before the last trigger
	ErrClockSkew = errors.New("clock moved behind last trigger")
)

// DuplicateTaskError is returned when a task name is already in the graph
type DuplicateTaskError struct {
	Name string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("duplicate task: %s", e.Name)
}

// UnknownTaskError is returned when an edge references a missing task
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task: %s", e.Name)
}

// CycleError is returned when an edge would close a cycle
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "cycle detected"
	}
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
}

// ConfigurationError marks an invalid graph or policy. It is fatal at startup
// and never retried.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// TransientExecutionError marks a failure that is expected to go away on retry,
// such as a network error or an attempt timeout.
type TransientExecutionError struct {
	Err error
}

func (e *TransientExecutionError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientExecutionError) Unwrap() error { return e.Err }

// DataQualityError marks a malformed or unexpected payload
type DataQualityError struct {
	Err error
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("data quality: %v", e.Err)
}

func (e *DataQualityError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientExecutionError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientExecutionError{Err: err}
}

// DataQuality wraps err as a DataQualityError.
func DataQuality(err error) error {
	if err == nil {
		return nil
	}
	return &DataQualityError{Err: err}
}

// IsDataQuality reports whether err is a DataQualityError.
func IsDataQuality(err error) bool {
	var dq *DataQualityError
	return errors.As(err, &dq)
}

// DefaultRetryable is the default error classifier: everything is retryable
// except data quality, configuration, permanent and cancellation errors.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		dq   *DataQualityError
		cfg  *ConfigurationError
		perm *backoff.PermanentError
	)
	switch {
	case errors.As(err, &dq), errors.As(err, &cfg), errors.As(err, &perm):
		return false
	case errors.Is(err, ErrRunCancelled), errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// RetryDataQuality is a classifier that also retries data quality errors.
func RetryDataQuality(err error) bool {
	if IsDataQuality(err) {
		return true
	}
	return DefaultRetryable(err)
}
