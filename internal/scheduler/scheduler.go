package scheduler

import (
	"context"
	"time"

	"github.com/t77yq/weatherflow/internal/model"
)

// Runner executes one run of a graph for a logical trigger time
type Runner interface {
	// Run executes the run stamped with the logical time and returns its
	// final record
	Run(ctx context.Context, logical time.Time) (*model.RunRecord, error)
}

// RunLister lists persisted runs
type RunLister interface {
	// ListRuns returns every persisted run, newest logical time first
	ListRuns(ctx context.Context) ([]*model.RunRecord, error)
}
