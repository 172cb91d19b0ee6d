package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/t77yq/weatherflow/internal/model"
)

// MemoryRunStore implements RunStore in process memory
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*model.RunRecord
}

// NewMemoryRunStore creates an empty in-memory run store
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs: make(map[string]*model.RunRecord),
	}
}

// CreateRun implements RunStore.CreateRun
func (s *MemoryRunStore) CreateRun(ctx context.Context, run *model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

// SaveTaskRun implements RunStore.SaveTaskRun
func (s *MemoryRunStore) SaveTaskRun(ctx context.Context, runID string, task *model.TaskRunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.mutable(runID)
	if err != nil {
		return err
	}

	cp := task.Clone()
	if existing := run.Task(task.TaskName); existing != nil {
		cp.Attempts = existing.Attempts
		*existing = *cp
		return nil
	}
	cp.Attempts = nil
	run.Tasks = append(run.Tasks, cp)
	return nil
}

// SaveAttempt implements RunStore.SaveAttempt
func (s *MemoryRunStore) SaveAttempt(ctx context.Context, runID string, attempt *model.AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.mutable(runID)
	if err != nil {
		return err
	}

	task := run.Task(attempt.TaskName)
	if task == nil {
		task = &model.TaskRunRecord{TaskName: attempt.TaskName, Status: model.TaskStatusPending}
		run.Tasks = append(run.Tasks, task)
	}

	cp := *attempt
	for i, a := range task.Attempts {
		if a.ID == attempt.ID {
			task.Attempts[i] = &cp
			return nil
		}
	}
	task.Attempts = append(task.Attempts, &cp)
	return nil
}

// FinalizeRun implements RunStore.FinalizeRun
func (s *MemoryRunStore) FinalizeRun(ctx context.Context, run *model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.mutable(run.ID); err != nil {
		return err
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

// mutable returns the stored run if it may still be written.
func (s *MemoryRunStore) mutable(runID string) (*model.RunRecord, error) {
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if run.Status.IsFinal() {
		return nil, fmt.Errorf("%w: %s", ErrRunFinalized, runID)
	}
	return run, nil
}

// GetRun implements RunReader.GetRun
func (s *MemoryRunStore) GetRun(ctx context.Context, runID string) (*model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run.Clone(), nil
}

// ListRuns implements RunReader.ListRuns
func (s *MemoryRunStore) ListRuns(ctx context.Context) ([]*model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run.Clone())
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].LogicalTime.After(runs[j].LogicalTime)
	})
	return runs, nil
}

// DeleteBefore implements RunStore.DeleteBefore
func (s *MemoryRunStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, run := range s.runs {
		if run.LogicalTime.Before(before) {
			delete(s.runs, id)
			deleted++
		}
	}
	return deleted, nil
}

// Close implements RunStore.Close
func (s *MemoryRunStore) Close() error {
	return nil
}
