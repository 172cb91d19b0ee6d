package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/weatherflow/internal/model"
)

const (
	// DefaultExpression fires once a day at 02:00
	DefaultExpression = "0 0 2 * * *"

	// DefaultTick is how often the scheduler checks for due triggers
	DefaultTick = "@every 30s"
)

var scheduleParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config configures a Scheduler
type Config struct {
	// Expression is a cron expression with a seconds field, or a descriptor
	// such as @daily or @every 6h
	Expression string
	// Tick is the cron spec driving the internal clock
	Tick string
	// CatchUp fires every missed logical time in order instead of jumping to
	// the latest one
	CatchUp bool
	// StartDate is the first logical time considered; zero means now. Ticks
	// before it are not due.
	StartDate time.Time
	// Clock returns the current time; nil means time.Now
	Clock func() time.Time
}

// runState is the scheduler's only mutable state: the active run and the last
// logical trigger time. Both are updated under one lock.
type runState struct {
	mu          sync.Mutex
	active      string
	lastTrigger time.Time
}

// trigger records due as the last trigger and claims the active slot for
// runID. It returns false and the id of the blocking run when a run is active.
func (s *runState) trigger(due time.Time, runID string) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if due.After(s.lastTrigger) {
		s.lastTrigger = due
	}
	if s.active != "" {
		return false, s.active
	}
	s.active = runID
	return true, ""
}

// acquire claims the active slot without moving the last trigger.
func (s *runState) acquire(runID string) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != "" {
		return false, s.active
	}
	s.active = runID
	return true, ""
}

func (s *runState) release(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == runID {
		s.active = ""
	}
}

func (s *runState) advance(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.After(s.lastTrigger) {
		s.lastTrigger = t
	}
}

func (s *runState) snapshot() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.lastTrigger
}

// Scheduler fires runs of one graph on a recurring schedule, never more than
// one at a time
type Scheduler struct {
	logger     *zap.Logger
	graph      string
	expression string
	tick       string
	schedule   cron.Schedule
	catchUp    bool
	start      time.Time
	now        func() time.Time
	runner     Runner
	state      *runState

	cron *cron.Cron
	wg   sync.WaitGroup
	errs chan error
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// NewScheduler creates a scheduler for graph. The graph's worst case run time
// is compared against the schedule interval and a warning is logged when runs
// could overlap.
func NewScheduler(cfg Config, graph *DependencyGraph, runner Runner, logger *zap.Logger) (*Scheduler, error) {
	if cfg.Expression == "" {
		cfg.Expression = DefaultExpression
	}
	if cfg.Tick == "" {
		cfg.Tick = DefaultTick
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	schedule, err := scheduleParser.Parse(cfg.Expression)
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("invalid schedule %q", cfg.Expression), Err: err}
	}
	if _, err := scheduleParser.Parse(cfg.Tick); err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("invalid tick %q", cfg.Tick), Err: err}
	}

	start := cfg.StartDate
	if start.IsZero() {
		start = cfg.Clock()
	}

	s := &Scheduler{
		logger:     logger.Named("scheduler"),
		graph:      graph.Name(),
		expression: cfg.Expression,
		tick:       cfg.Tick,
		schedule:   schedule,
		catchUp:    cfg.CatchUp,
		start:      start,
		now:        cfg.Clock,
		runner:     runner,
		state:      &runState{lastTrigger: start},
		errs:       make(chan error, 1),
	}

	worst, err := graph.WorstCaseDuration()
	if err != nil {
		return nil, &ConfigurationError{Reason: "graph " + graph.Name(), Err: err}
	}
	if interval := s.Interval(); worst > interval {
		s.logger.Warn("Worst case run duration exceeds schedule interval, triggers may be skipped",
			zap.String("graph", s.graph),
			zap.Duration("worst_case", worst),
			zap.Duration("interval", interval))
	}

	return s, nil
}

// Interval returns the time between two consecutive scheduled triggers.
func (s *Scheduler) Interval() time.Duration {
	first := s.schedule.Next(s.now())
	return s.schedule.Next(first).Sub(first)
}

// Restore moves the last trigger forward to the newest persisted run of the
// graph and returns the runs that were never finalized, oldest first. Runs
// dated after now, such as manual runs for a future date, do not move it.
func (s *Scheduler) Restore(ctx context.Context, lister RunLister) ([]*model.RunRecord, error) {
	runs, err := lister.ListRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	now := s.now()
	var unfinished []*model.RunRecord
	for _, r := range runs {
		if r.Graph != s.graph {
			continue
		}
		if !r.LogicalTime.After(now) {
			s.state.advance(r.LogicalTime)
		}
		if !r.Status.IsFinal() {
			unfinished = append(unfinished, r)
		}
	}
	sort.Slice(unfinished, func(i, j int) bool {
		return unfinished[i].LogicalTime.Before(unfinished[j].LogicalTime)
	})

	_, last := s.state.snapshot()
	s.logger.Info("Restored scheduler state",
		zap.String("graph", s.graph),
		zap.Time("last_trigger", last),
		zap.Int("unfinished_runs", len(unfinished)))

	return unfinished, nil
}

// Tick checks whether a trigger is due at now and starts a run for it. A due
// trigger that finds a run still active is skipped, not queued.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (bool, error) {
	if now.Before(s.start) {
		return false, nil
	}
	_, last := s.state.snapshot()
	if now.Before(last) {
		return false, fmt.Errorf("%w: now %s, last trigger %s", ErrClockSkew, now.Format(time.RFC3339), last.Format(time.RFC3339))
	}

	due := s.schedule.Next(last)
	if due.After(now) {
		return false, nil
	}
	if !s.catchUp {
		for next := s.schedule.Next(due); !next.After(now); next = s.schedule.Next(due) {
			due = next
		}
	}

	runID := RunIDFor(due)
	started, active := s.state.trigger(due, runID)
	if !started {
		s.logger.Warn("run overlap: skipping trigger while a run is active",
			zap.String("graph", s.graph),
			zap.String("skipped_run_id", runID),
			zap.String("active_run_id", active),
			zap.Time("logical_time", due))
		return false, nil
	}

	s.launch(ctx, due, runID)
	return true, nil
}

// TriggerAt starts a run for an explicit logical time, for manual runs and
// backfills. It fails with ErrRunActive while another run is active.
func (s *Scheduler) TriggerAt(ctx context.Context, logical time.Time) error {
	runID := RunIDFor(logical)
	if ok, active := s.state.acquire(runID); !ok {
		return fmt.Errorf("%w: %s", ErrRunActive, active)
	}
	s.launch(ctx, logical, runID)
	return nil
}

func (s *Scheduler) launch(ctx context.Context, logical time.Time, runID string) {
	s.logger.Info("Starting run",
		zap.String("graph", s.graph),
		zap.String("run_id", runID),
		zap.Time("logical_time", logical))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.state.release(runID)

		record, err := s.runner.Run(ctx, logical)
		if err != nil {
			s.logger.Error("Run failed to execute",
				zap.String("run_id", runID),
				zap.Error(err))
			return
		}
		s.logger.Info("Run finished",
			zap.String("run_id", record.ID),
			zap.String("status", string(record.Status)))
	}()
}

// Start restores state from lister (optional), re-enters unfinished runs and
// starts the internal clock. Runs inherit ctx; cancelling it aborts them.
func (s *Scheduler) Start(ctx context.Context, lister RunLister) error {
	if lister != nil {
		unfinished, err := s.Restore(ctx, lister)
		if err != nil {
			return err
		}
		s.resume(ctx, unfinished)
	}

	s.cron = cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(&cronLogger{logger: s.logger.Named("cron")})),
	)
	if _, err := s.cron.AddFunc(s.tick, func() {
		if _, err := s.Tick(ctx, s.now()); err != nil {
			s.report(err)
		}
	}); err != nil {
		return fmt.Errorf("failed to add tick job: %w", err)
	}
	s.cron.Start()

	s.logger.Info("Scheduler started",
		zap.String("graph", s.graph),
		zap.String("expression", s.expression),
		zap.String("tick", s.tick))
	return nil
}

// resume re-enters unfinished runs one after another.
func (s *Scheduler) resume(ctx context.Context, runs []*model.RunRecord) {
	if len(runs) == 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, r := range runs {
			if ok, active := s.state.acquire(r.ID); !ok {
				s.logger.Warn("run overlap: cannot resume while a run is active",
					zap.String("run_id", r.ID),
					zap.String("active_run_id", active))
				continue
			}

			s.logger.Info("Resuming unfinished run", zap.String("run_id", r.ID))
			if _, err := s.runner.Run(ctx, r.LogicalTime); err != nil {
				s.logger.Error("Failed to resume run", zap.String("run_id", r.ID), zap.Error(err))
			}
			s.state.release(r.ID)
		}
	}()
}

func (s *Scheduler) report(err error) {
	s.logger.Error("Scheduler error", zap.Error(err))
	select {
	case s.errs <- err:
	default:
	}
}

// Errors delivers scheduler level errors. They are fatal to the process.
func (s *Scheduler) Errors() <-chan error {
	return s.errs
}

// Wait blocks until no run started by the scheduler is in flight.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Stop stops the internal clock and waits for the active run to return.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
	s.logger.Info("Scheduler stopped", zap.String("graph", s.graph))
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() model.ScheduleStatus {
	active, last := s.state.snapshot()
	next := s.schedule.Next(last)
	return model.ScheduleStatus{
		Graph:       s.graph,
		Expression:  s.expression,
		ActiveRunID: active,
		LastTrigger: &last,
		NextTrigger: &next,
	}
}
