package storage

import (
	"context"
	"errors"
	"time"

	"github.com/t77yq/weatherflow/internal/model"
)

var (
	// ErrRunNotFound is returned when a run id is unknown
	ErrRunNotFound = errors.New("run not found")

	// ErrRunExists is returned when a run is created twice
	ErrRunExists = errors.New("run already exists")

	// ErrRunFinalized is returned when a finalized run is written again
	ErrRunFinalized = errors.New("run already finalized")
)

// RunReader is the read-only view of persisted runs offered to external
// consumers
type RunReader interface {
	// ListRuns returns every run, newest logical time first
	ListRuns(ctx context.Context) ([]*model.RunRecord, error)

	// GetRun returns one run with its task and attempt records
	GetRun(ctx context.Context, runID string) (*model.RunRecord, error)
}

// RunStore persists run, task and attempt state. Only the executor writes to
// it. Writes for different tasks of one run may arrive concurrently.
type RunStore interface {
	RunReader

	// CreateRun stores a new run with its pending task records
	CreateRun(ctx context.Context, run *model.RunRecord) error

	// SaveTaskRun inserts or updates the record of one task, without its attempts
	SaveTaskRun(ctx context.Context, runID string, task *model.TaskRunRecord) error

	// SaveAttempt inserts an attempt, or updates it when it ends
	SaveAttempt(ctx context.Context, runID string, attempt *model.AttemptRecord) error

	// FinalizeRun writes the final run status and task records. A finalized run
	// is immutable.
	FinalizeRun(ctx context.Context, run *model.RunRecord) error

	// DeleteBefore deletes runs whose logical time is before the given time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)

	// Close releases the store
	Close() error
}
