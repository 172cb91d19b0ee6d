package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/weatherflow/internal/model"
	"github.com/t77yq/weatherflow/internal/scheduler"
	"github.com/t77yq/weatherflow/internal/storage"
)

const notifyTimeout = 30 * time.Second

// DefaultStopGrace is how long an action may keep running after its attempt
// timed out or was cancelled before it is reported as abandoned.
const DefaultStopGrace = 5 * time.Second

// ExecutorConfig defines configuration for the executor
type ExecutorConfig struct {
	MaxTasks int // Maximum tasks running at once within a run

	// After returns a channel that fires after d; nil means time.After.
	// Retry delays wait on it.
	After func(d time.Duration) <-chan time.Time

	// Observer, when set, sees every finalized run
	Observer RunObserver

	// StopGrace bounds the wait for an action that outlived its attempt;
	// zero means DefaultStopGrace
	StopGrace time.Duration
}

// RunObserver is told about every run the executor finalizes
type RunObserver interface {
	ObserveRun(run *model.RunRecord)
}

// NotificationSink is told once per run about tasks that failed terminally.
// Delivery is best effort.
type NotificationSink interface {
	Notify(ctx context.Context, summary model.FailureSummary) error
}

// Executor runs a dependency graph, one independent run per logical time
type Executor struct {
	logger    *zap.Logger
	graph     *scheduler.DependencyGraph
	order     []string
	position  map[string]int
	store     storage.RunStore
	sink      NotificationSink
	resources *ResourceManager
	after     func(time.Duration) <-chan time.Time
	observer  RunObserver
	grace     time.Duration
}

// NewExecutor creates an executor for graph. The graph is sealed; it can not
// be modified afterwards.
func NewExecutor(graph *scheduler.DependencyGraph, store storage.RunStore, sink NotificationSink, config ExecutorConfig, logger *zap.Logger) (*Executor, error) {
	if !graph.Sealed() {
		if err := graph.Seal(); err != nil {
			return nil, err
		}
	}

	order, err := graph.TopologicalOrder()
	if err != nil {
		return nil, &scheduler.ConfigurationError{Reason: "graph " + graph.Name(), Err: err}
	}
	position := make(map[string]int, len(order))
	for i, name := range order {
		position[name] = i
	}

	if config.MaxTasks <= 0 {
		config.MaxTasks = len(order)
	}
	if config.After == nil {
		config.After = time.After
	}
	if config.StopGrace <= 0 {
		config.StopGrace = DefaultStopGrace
	}

	return &Executor{
		logger:    logger.Named("executor"),
		graph:     graph,
		order:     order,
		position:  position,
		store:     store,
		sink:      sink,
		resources: NewResourceManager(ResourceLimits{MaxTasks: config.MaxTasks}, logger),
		after:     config.After,
		observer:  config.Observer,
		grace:     config.StopGrace,
	}, nil
}

// Graph returns the graph the executor runs
func (e *Executor) Graph() *scheduler.DependencyGraph {
	return e.graph
}

// RunningTasks returns the tasks in flight as "run_id/task" keys
func (e *Executor) RunningTasks() []string {
	return e.resources.Running()
}

// completion reports a finished task back to the dispatch loop
type completion struct {
	name   string
	status model.TaskStatus
	output []byte
}

// run holds the state of one run. It is only touched by the dispatch loop,
// except for the per-task records, each of which is owned by the goroutine
// running that task while it is in flight.
type run struct {
	rc       *scheduler.RunContext
	record   *model.RunRecord
	tasks    map[string]*model.TaskRunRecord
	status   map[string]model.TaskStatus
	outputs  map[string][]byte
	waiting  map[string]int
	offsets  map[string]int
	ready    []string
	resolved int
}

// Run executes the graph for the logical time. A run that was already
// finalized is returned as is; a run left unfinished by a crash or cancelled
// is re-entered and only its unfinished tasks execute.
func (e *Executor) Run(ctx context.Context, logical time.Time) (*model.RunRecord, error) {
	rc := scheduler.NewRunContext(e.graph.Name(), logical)
	logger := e.logger.With(zap.String("run_id", rc.RunID), zap.String("graph", rc.Graph))

	// Persistence outlives cancellation of the run itself
	pctx := context.WithoutCancel(ctx)

	existing, err := e.store.GetRun(pctx, rc.RunID)
	if err != nil && !errors.Is(err, storage.ErrRunNotFound) {
		return nil, fmt.Errorf("failed to load run %s: %w", rc.RunID, err)
	}
	if existing != nil && existing.Status.IsFinal() {
		logger.Info("Run already finalized, not executing again",
			zap.String("status", string(existing.Status)))
		return existing, nil
	}

	r, err := e.prepare(pctx, rc, existing)
	if err != nil {
		return nil, err
	}

	if worst, err := e.graph.WorstCaseDuration(); err == nil {
		rc.Deadline = r.record.StartedAt.Add(worst)
	}

	logger.Info("Run started",
		zap.Time("logical_time", rc.LogicalTime),
		zap.Int("tasks", len(e.order)),
		zap.Int("restored", r.resolved))

	e.dispatch(ctx, pctx, r, logger)

	r.record.Status = e.runStatus(ctx, r)
	finished := time.Now()
	r.record.FinishedAt = &finished
	r.record.Resources = e.resources.Snapshot(pctx)

	if err := e.store.FinalizeRun(pctx, r.record); err != nil {
		logger.Error("Failed to finalize run", zap.Error(err))
		e.notify(pctx, r, logger)
		return r.record.Clone(), fmt.Errorf("failed to finalize run %s: %w", rc.RunID, err)
	}

	logger.Info("Run completed",
		zap.String("status", string(r.record.Status)),
		zap.Duration("duration", finished.Sub(r.record.StartedAt)))

	if e.observer != nil {
		e.observer.ObserveRun(r.record.Clone())
	}
	e.notify(pctx, r, logger)

	return r.record.Clone(), nil
}

// prepare creates the run record, or restores it when the run is re-entered.
func (e *Executor) prepare(ctx context.Context, rc *scheduler.RunContext, existing *model.RunRecord) (*run, error) {
	r := &run{
		rc:      rc,
		tasks:   make(map[string]*model.TaskRunRecord, len(e.order)),
		status:  make(map[string]model.TaskStatus, len(e.order)),
		outputs: make(map[string][]byte),
		waiting: make(map[string]int, len(e.order)),
		offsets: make(map[string]int),
	}

	if existing == nil {
		r.record = &model.RunRecord{
			ID:          rc.RunID,
			Graph:       rc.Graph,
			LogicalTime: rc.LogicalTime,
			Status:      model.RunStatusRunning,
			StartedAt:   time.Now(),
		}
		for _, name := range e.order {
			t := &model.TaskRunRecord{TaskName: name, Status: model.TaskStatusPending}
			r.record.Tasks = append(r.record.Tasks, t)
			r.tasks[name] = t
		}
		if err := e.store.CreateRun(ctx, r.record); err != nil {
			return nil, fmt.Errorf("failed to create run %s: %w", rc.RunID, err)
		}
	} else {
		r.record = existing
		r.record.Status = model.RunStatusRunning
		for _, t := range existing.Tasks {
			r.tasks[t.TaskName] = t
		}
		tasks := make([]*model.TaskRunRecord, 0, len(e.order))
		for _, name := range e.order {
			t, ok := r.tasks[name]
			if !ok {
				t = &model.TaskRunRecord{TaskName: name, Status: model.TaskStatusPending}
				r.tasks[name] = t
			}
			tasks = append(tasks, t)
		}
		r.record.Tasks = tasks
	}

	for _, name := range e.order {
		t := r.tasks[name]
		if existing != nil && e.restorable(r, name, t) {
			r.status[name] = model.TaskStatusSucceeded
			r.outputs[name] = t.Output
			r.resolved++
			continue
		}
		if existing != nil {
			for _, a := range t.Attempts {
				r.offsets[name] = max(r.offsets[name], a.Attempt)
			}
			t.Status = model.TaskStatusPending
			t.Error = ""
			t.Output = nil
		}
		r.status[name] = model.TaskStatusPending
	}

	for _, name := range e.order {
		if r.status[name] != model.TaskStatusPending {
			continue
		}
		for _, up := range e.graph.Upstream(name) {
			if r.status[up] != model.TaskStatusSucceeded {
				r.waiting[name]++
			}
		}
		if r.waiting[name] == 0 {
			r.ready = append(r.ready, name)
		}
	}
	return r, nil
}

// restorable reports whether a task of a re-entered run already succeeded
// along with all of its upstream tasks.
func (e *Executor) restorable(r *run, name string, t *model.TaskRunRecord) bool {
	if t.Status != model.TaskStatusSucceeded {
		return false
	}
	for _, up := range e.graph.Upstream(name) {
		if r.status[up] != model.TaskStatusSucceeded {
			return false
		}
	}
	return true
}

// dispatch is the ready-queue loop: every task whose upstreams succeeded is
// started, and each completion may unblock more tasks.
func (e *Executor) dispatch(ctx, pctx context.Context, r *run, logger *zap.Logger) {
	done := make(chan completion, len(e.order))

	var g errgroup.Group
	g.SetLimit(e.resources.Limits().MaxTasks)

	inflight := 0
	for r.resolved < len(e.order) {
		sort.Slice(r.ready, func(i, j int) bool {
			return e.position[r.ready[i]] < e.position[r.ready[j]]
		})
		ready := r.ready
		r.ready = nil

		for _, name := range ready {
			if ctx.Err() != nil {
				e.skip(pctx, r, name, scheduler.ErrRunCancelled.Error(), logger)
				continue
			}

			unit, _ := e.graph.Task(name)
			record := r.tasks[name]
			taskRC := r.rc.WithUpstream(e.upstreamResults(r, name))
			offset := r.offsets[name]

			inflight++
			g.Go(func() error {
				done <- e.execute(ctx, pctx, unit, taskRC, record, offset, logger)
				return nil
			})
		}

		if inflight == 0 {
			if len(r.ready) > 0 {
				continue
			}
			break
		}

		c := <-done
		inflight--
		e.settle(pctx, r, c, logger)
	}

	_ = g.Wait()
}

// upstreamResults collects the outputs of every ancestor of the task.
func (e *Executor) upstreamResults(r *run, name string) map[string][]byte {
	results := make(map[string][]byte)
	for _, a := range e.graph.Ancestors(name) {
		if out, ok := r.outputs[a]; ok {
			results[a] = out
		}
	}
	return results
}

// execute runs one task under its retry policy and records every attempt.
func (e *Executor) execute(ctx, pctx context.Context, unit scheduler.TaskUnit, rc *scheduler.RunContext, record *model.TaskRunRecord, offset int, logger *zap.Logger) completion {
	logger = logger.With(zap.String("task", unit.Name))
	defer e.resources.Track(rc.RunID + "/" + unit.Name)()

	started := time.Now()
	record.StartedAt = &started
	record.Status = model.TaskStatusRunning
	e.saveTask(pctx, rc.RunID, record, logger)

	m := newAttemptMachine(unit, rc, offset)
	m.after = e.after
	m.grace = e.grace
	m.onAbandon = func(a *model.AttemptRecord) {
		logger.Warn("Task action still running after its attempt ended, abandoning it",
			zap.Int("attempt", a.Attempt),
			zap.Duration("grace", e.grace))
	}
	m.onAttempt = func(a *model.AttemptRecord) {
		if a.EndedAt == nil {
			record.Attempts = append(record.Attempts, a)
			record.Attempt = a.Attempt
			logger.Debug("Attempt started", zap.Int("attempt", a.Attempt))
		} else if a.Status == model.TaskStatusFailedRetryable {
			logger.Warn("Attempt failed, retrying",
				zap.Int("attempt", a.Attempt),
				zap.Duration("delay", m.delay),
				zap.String("error", a.Error))
		}
		if err := e.store.SaveAttempt(pctx, rc.RunID, a); err != nil {
			logger.Error("Failed to store attempt", zap.Int("attempt", a.Attempt), zap.Error(err))
		}
	}

	final := m.run(ctx)

	ended := time.Now()
	record.EndedAt = &ended
	switch final {
	case stateSucceeded:
		record.Status = model.TaskStatusSucceeded
		record.Output = m.output
		logger.Info("Task succeeded", zap.Int("attempts", m.attempts), zap.Duration("duration", ended.Sub(started)))
	case stateCancelled:
		record.Status = model.TaskStatusSkipped
		record.Error = scheduler.ErrRunCancelled.Error()
		logger.Warn("Task cancelled")
	default:
		record.Status = model.TaskStatusFailedTerminal
		record.Error = m.err.Error()
		logger.Error("Task failed terminally", zap.Int("attempts", m.attempts), zap.Error(m.err))
	}
	e.saveTask(pctx, rc.RunID, record, logger)

	return completion{name: unit.Name, status: record.Status, output: record.Output}
}

// settle records a resolved task and releases or skips its dependents.
func (e *Executor) settle(ctx context.Context, r *run, c completion, logger *zap.Logger) {
	r.status[c.name] = c.status
	r.resolved++
	if c.status == model.TaskStatusSucceeded {
		r.outputs[c.name] = c.output
	}

	for _, d := range e.graph.Downstream(c.name) {
		if r.status[d] != model.TaskStatusPending {
			continue
		}
		if c.status != model.TaskStatusSucceeded {
			e.skip(ctx, r, d, fmt.Sprintf("upstream %s %s", c.name, c.status), logger)
			continue
		}
		r.waiting[d]--
		if r.waiting[d] == 0 {
			r.ready = append(r.ready, d)
		}
	}
}

// skip marks a task Skipped without running it and cascades to its dependents.
func (e *Executor) skip(ctx context.Context, r *run, name, reason string, logger *zap.Logger) {
	record := r.tasks[name]
	now := time.Now()
	record.Status = model.TaskStatusSkipped
	record.Error = reason
	record.EndedAt = &now
	e.saveTask(ctx, r.rc.RunID, record, logger)

	logger.Info("Task skipped", zap.String("task", name), zap.String("reason", reason))
	e.settle(ctx, r, completion{name: name, status: model.TaskStatusSkipped}, logger)
}

func (e *Executor) saveTask(ctx context.Context, runID string, record *model.TaskRunRecord, logger *zap.Logger) {
	if err := e.store.SaveTaskRun(ctx, runID, record); err != nil {
		logger.Error("Failed to store task run",
			zap.String("task", record.TaskName),
			zap.Error(err))
	}
}

// runStatus derives the overall status from the task statuses.
func (e *Executor) runStatus(ctx context.Context, r *run) model.RunStatus {
	allSucceeded := true
	criticalFailed := false
	for _, name := range e.order {
		if r.status[name] == model.TaskStatusSucceeded {
			continue
		}
		allSucceeded = false
		if unit, _ := e.graph.Task(name); unit.Critical() {
			criticalFailed = true
		}
	}

	switch {
	case allSucceeded:
		return model.RunStatusSucceeded
	case ctx.Err() != nil:
		return model.RunStatusCancelled
	case criticalFailed:
		return model.RunStatusFailedTerminal
	default:
		return model.RunStatusPartiallyFailed
	}
}

// notify calls the sink once when any task failed terminally, whatever the
// run status.
func (e *Executor) notify(ctx context.Context, r *run, logger *zap.Logger) {
	summary := model.FailureSummary{
		RunID:       r.record.ID,
		Graph:       r.record.Graph,
		LogicalTime: r.record.LogicalTime,
		Status:      r.record.Status,
	}

	seen := make(map[string]bool)
	for _, t := range r.record.Tasks {
		if t.Status != model.TaskStatusFailedTerminal || seen[t.TaskName] {
			continue
		}
		seen[t.TaskName] = true
		summary.Failures = append(summary.Failures, model.TaskFailure{
			Task:     t.TaskName,
			Attempts: len(t.Attempts),
			Error:    t.Error,
		})
	}

	if len(summary.Failures) == 0 || e.sink == nil {
		return
	}

	nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := e.sink.Notify(nctx, summary); err != nil {
		logger.Error("Failed to send failure notification", zap.Error(err))
	}
}
