package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/t77yq/weatherflow/internal/model"
	"github.com/t77yq/weatherflow/internal/scheduler"
	"github.com/t77yq/weatherflow/internal/storage"
)

var logical = time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu        sync.Mutex
	summaries []model.FailureSummary
	err       error
}

func (s *recordingSink) Notify(ctx context.Context, summary model.FailureSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, summary)
	return s.err
}

func (s *recordingSink) calls() []model.FailureSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.FailureSummary(nil), s.summaries...)
}

// delayRecorder fires immediately and remembers every requested delay
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (d *delayRecorder) after(delay time.Duration) <-chan time.Time {
	d.mu.Lock()
	d.delays = append(d.delays, delay)
	d.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (d *delayRecorder) requested() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.delays...)
}

func testPolicy() scheduler.RetryPolicy {
	return scheduler.RetryPolicy{
		MaxAttempts: 3,
		Delay:       5 * time.Minute,
		Backoff:     scheduler.BackoffFixed,
		Timeout:     5 * time.Second,
	}
}

func succeed(out string) scheduler.Action {
	return func(ctx context.Context, rc *scheduler.RunContext) ([]byte, error) {
		return []byte(out), nil
	}
}

// failTimes fails with err the first n calls and then succeeds
func failTimes(n int32, err error, calls *atomic.Int32) scheduler.Action {
	return func(ctx context.Context, rc *scheduler.RunContext) ([]byte, error) {
		if calls.Add(1) <= n {
			return nil, err
		}
		return []byte("ok"), nil
	}
}

type testEnv struct {
	executor *Executor
	store    *storage.MemoryRunStore
	sink     *recordingSink
	delays   *delayRecorder
}

// newTestEnv builds a graph from units and edges and an executor around it.
func newTestEnv(t *testing.T, units []scheduler.TaskUnit, edges [][2]string) *testEnv {
	t.Helper()

	graph := scheduler.NewGraph("test")
	for _, u := range units {
		require.NoError(t, graph.AddTask(u))
	}
	for _, e := range edges {
		require.NoError(t, graph.AddDependency(e[0], e[1]))
	}

	env := &testEnv{
		store:  storage.NewMemoryRunStore(),
		sink:   &recordingSink{},
		delays: &delayRecorder{},
	}
	exec, err := NewExecutor(graph, env.store, env.sink, ExecutorConfig{
		After:     env.delays.after,
		StopGrace: 10 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	env.executor = exec
	return env
}

func attemptStatuses(t *model.TaskRunRecord) []model.TaskStatus {
	statuses := make([]model.TaskStatus, 0, len(t.Attempts))
	for _, a := range t.Attempts {
		statuses = append(statuses, a.Status)
	}
	return statuses
}

func TestExecutor_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	env := newTestEnv(t, []scheduler.TaskUnit{
		scheduler.NewTask("extract", failTimes(2, errors.New("connection reset"), &calls), scheduler.WithRetryPolicy(testPolicy())),
	}, nil)

	run, err := env.executor.Run(context.Background(), logical)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	task := run.Task("extract")
	require.NotNil(t, task)
	assert.Equal(t, model.TaskStatusSucceeded, task.Status)
	assert.Equal(t, 3, task.Attempt)
	assert.Equal(t, []model.TaskStatus{
		model.TaskStatusFailedRetryable,
		model.TaskStatusFailedRetryable,
		model.TaskStatusSucceeded,
	}, attemptStatuses(task))
	for i, a := range task.Attempts {
		assert.Equal(t, i+1, a.Attempt)
		assert.NotEmpty(t, a.ID)
		assert.NotNil(t, a.EndedAt)
	}
	assert.Equal(t, []time.Duration{5 * time.Minute, 5 * time.Minute}, env.delays.requested())
	assert.Equal(t, int32(3), calls.Load())
	assert.Empty(t, env.sink.calls())

	stored, err := env.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Task("extract").Attempts, 3)
}

func TestExecutor_ExponentialDelays(t *testing.T) {
	policy := testPolicy()
	policy.MaxAttempts = 4
	policy.Delay = time.Minute
	policy.Backoff = scheduler.BackoffExponential
	policy.Multiplier = 2
	policy.MaxDelay = 3 * time.Minute

	var calls atomic.Int32
	env := newTestEnv(t, []scheduler.TaskUnit{
		scheduler.NewTask("extract", failTimes(10, errors.New("boom"), &calls), scheduler.WithRetryPolicy(policy)),
	}, nil)

	run, err := env.executor.Run(context.Background(), logical)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusFailedTerminal, run.Status)
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute, 3 * time.Minute}, env.delays.requested())
	assert.Equal(t, int32(4), calls.Load())
}

func TestExecutor_TimeoutExhaustsAttempts(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	policy := testPolicy()
	policy.Timeout = 20 * time.Millisecond

	// the action ignores its context entirely
	hang := func(ctx context.Context, rc *scheduler.RunContext) ([]byte, error) {
		<-release
		return nil, nil
	}

	env := newTestEnv(t, []scheduler.TaskUnit{
		scheduler.NewTask("extract", hang, scheduler.WithRetryPolicy(policy)),
	}, nil)

	run, err := env.executor.Run(context.Background(), logical)
	require.NoError(t, err)

	task := run.Task("extract")
	assert.Equal(t, model.TaskStatusFailedTerminal, task.Status)
	assert.Equal(t, []model.TaskStatus{
		model.TaskStatusFailedRetryable,
		model.TaskStatusFailedRetryable,
		model.TaskStatusFailedTerminal,
	}, attemptStatuses(task))
	assert.Contains(t, task.Error, "timed out")
	assert.Equal(t, model.RunStatusFailedTerminal, run.Status)
	require.Len(t, env.sink.calls(), 1)
}

func TestExecutor_SkipsDependentsOfFailedTask(t *testing.T) {
	var downstreamCalls atomic.Int32
	counted := func(ctx context.Context, rc *scheduler.RunContext) ([]byte, error) {
		downstreamCalls.Add(1)
		return nil, nil
	}
	var calls atomic.Int32

	env := newTestEnv(t, []scheduler.TaskUnit{
		scheduler.NewTask("a", failTimes(10, scheduler.DataQuality(errors.New("bad payload")), &calls), scheduler.WithRetryPolicy(testPolicy())),
		scheduler.NewTask("b", counted, scheduler.WithRetryPolicy(testPolicy())),
		scheduler.NewTask("c", counted, scheduler.WithRetryPolicy(testPolicy())),
		scheduler.NewTask("d", succeed("d"), scheduler.WithRetryPolicy(testPolicy())),
	}, [][2]string{{"a", "b"}, {"b", "c"}})

	run, err := env.executor.Run(context.Background(), logical)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusFailedTerminal, run.Status)
	assert.Equal(t, model.TaskStatusFailedTerminal, run.Task("a").Status)
	assert.Len(t, run.Task("a").Attempts, 1, "data quality errors are not retried")
	assert.Equal(t, model.TaskStatusSkipped, run.Task("b").Status)
	assert.Equal(t, model.TaskStatusSkipped, run.Task("c").Status)
	assert.Empty(t, run.Task("b").Attempts)
	assert.Equal(t, model.TaskStatusSucceeded, run.Task("d").Status)
	assert.Equal(t, int32(0), downstreamCalls.Load())

	notified := env.sink.calls()
	require.Len(t, notified, 1)
	require.Len(t, notified[0].Failures, 1)
	assert.Equal(t, "a", notified[0].Failures[0].Task)
	assert.Equal(t, 1, notified[0].Failures[0].Attempts)
}

func TestExecutor_OptionalTaskFailure(t *testing.T) {
	var calls atomic.Int32
	env := newTestEnv(t, []scheduler.TaskUnit{
		scheduler.NewTask("report", failTimes(10, scheduler.DataQuality(errors.New("bad")), &calls),
			scheduler.WithRetryPolicy(testPolicy()), scheduler.AsOptional()),
		scheduler.NewTask("extract", succeed("x"), scheduler.WithRetryPolicy(testPolicy())),
	}, nil)

	run, err := env.executor.Run(context.Background(), logical)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusPartiallyFailed, run.Status)
	require.Len(t, env.sink.calls(), 1)
}

// etlUnits is the four task ETL chain with fake actions
func etlUnits(extract, transform scheduler.Action, seen *sync.Map) ([]scheduler.TaskUnit, [][2]string) {
	record := func(name string, action scheduler.Action) scheduler.Action {
		return func(ctx context.Context, rc *scheduler.RunContext) ([]byte, error) {
			seen.Store(name, rc.Results())
			return action(ctx, rc)
		}
	}
	policy := scheduler.WithRetryPolicy(testPolicy())
	return []scheduler.TaskUnit{
			scheduler.NewTask("extract", record("extract", extract), policy),
			scheduler.NewTask("loadRaw", record("loadRaw", succeed("raw/key")), policy),
			scheduler.NewTask("transform", record("transform", transform), policy),
			scheduler.NewTask("loadProcessed", record("loadProcessed", succeed("processed/key")), policy),
		}, [][2]string{
			{"extract", "loadRaw"},
			{"loadRaw", "transform"},
			{"transform", "loadProcessed"},
		}
}

func TestExecutor_EndToEndTransientExtract(t *testing.T) {
	var calls atomic.Int32
	var seen sync.Map
	units, edges := etlUnits(
		failTimes(1, scheduler.Transient(errors.New("502 from source")), &calls),
		func(ctx context.Context, rc *scheduler.RunContext) ([]byte, error) {
			raw, _ := rc.Result("extract")
			return append([]byte("processed:"), raw...), nil
		},
		&seen,
	)
	env := newTestEnv(t, units, edges)

	run, err := env.executor.Run(context.Background(), logical)
	require.NoError(t, err)

	assert.Equal(t, "20240301T020000Z", run.ID)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	require.Len(t, run.Tasks, 4)
	assert.Equal(t, []string{"extract", "loadRaw", "transform", "loadProcessed"},
		[]string{run.Tasks[0].TaskName, run.Tasks[1].TaskName, run.Tasks[2].TaskName, run.Tasks[3].TaskName})
	for _, task := range run.Tasks {
		assert.Equal(t, model.TaskStatusSucceeded, task.Status, task.TaskName)
	}
	assert.Len(t, run.Task("extract").Attempts, 2)
	assert.Empty(t, env.sink.calls())

	// the last task sees every ancestor's result
	v, ok := seen.Load("loadProcessed")
	require.True(t, ok)
	results := v.(map[string][]byte)
	assert.Equal(t, "ok", string(results["extract"]))
	assert.Equal(t, "raw/key", string(results["loadRaw"]))
	assert.Equal(t, "processed:ok", string(results["transform"]))

	stored, err := env.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, stored.Status)
	require.NotNil(t, stored.FinishedAt)
	require.NotNil(t, stored.Resources)
}

func TestExecutor_EndToEndDataQualityInTransform(t *testing.T) {
	var seen sync.Map
	units, edges := etlUnits(
		succeed(`[{"city":"Natal"}]`),
		func(ctx context.Context, rc *scheduler.RunContext) ([]byte, error) {
			return nil, scheduler.DataQuality(errors.New("temperature column missing"))
		},
		&seen,
	)
	env := newTestEnv(t, units, edges)

	run, err := env.executor.Run(context.Background(), logical)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusFailedTerminal, run.Status)
	require.Len(t, run.Tasks, 4)
	assert.Equal(t, model.TaskStatusSucceeded, run.Task("extract").Status)
	assert.Equal(t, model.TaskStatusSucceeded, run.Task("loadRaw").Status)
	assert.Equal(t, model.TaskStatusFailedTerminal, run.Task("transform").Status)
	assert.Equal(t, model.TaskStatusSkipped, run.Task("loadProcessed").Status)
	_, ran := seen.Load("loadProcessed")
	assert.False(t, ran)

	calls := env.sink.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, run.ID, calls[0].RunID)
	assert.Equal(t, []string{"transform"}, calls[0].TaskNames())
	assert.Contains(t, calls[0].Failures[0].Error, "temperature column missing")
}

func TestExecutor_SinkErrorDoesNotFailRun(t *testing.T) {
	var calls atomic.Int32
	env := newTestEnv(t, []scheduler.TaskUnit{
		scheduler.NewTask("a", failTimes(10, scheduler.DataQuality(errors.New("bad")), &calls), scheduler.WithRetryPolicy(testPolicy())),
	}, nil)
	env.sink.err = errors.New("smtp unavailable")

	run, err := env.executor.Run(context.Background(), logical)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailedTerminal, run.Status)
	assert.Len(t, env.sink.calls(), 1)
}

func TestExecutor_Cancellation(t *testing.T) {
	started := make(chan struct{})
	block := func(ctx context.Context, rc *scheduler.RunContext) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	var downstream atomic.Int32
	env := newTestEnv(t, []scheduler.TaskUnit{
		scheduler.NewTask("a", block, scheduler.WithRetryPolicy(testPolicy())),
		scheduler.NewTask("b", func(ctx context.Context, rc *scheduler.RunContext) ([]byte, error) {
			downstream.Add(1)
			return nil, nil
		}, scheduler.WithRetryPolicy(testPolicy())),
	}, [][2]string{{"a", "b"}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	run, err := env.executor.Run(ctx, logical)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCancelled, run.Status)
	assert.Equal(t, model.TaskStatusSkipped, run.Task("a").Status)
	assert.Equal(t, scheduler.ErrRunCancelled.Error(), run.Task("a").Error)
	assert.Equal(t, []model.TaskStatus{model.TaskStatusSkipped}, attemptStatuses(run.Task("a")))
	assert.Equal(t, model.TaskStatusSkipped, run.Task("b").Status)
	assert.Equal(t, int32(0), downstream.Load())
	assert.Empty(t, env.sink.calls(), "cancellation is not a failure")

	// the cancelled run was still persisted
	stored, err := env.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, stored.Status)
}

func TestExecutor_CancelledRunIsReentered(t *testing.T) {
	started := make(chan struct{})
	var calls atomic.Int32
	extract := func(ctx context.Context, rc *scheduler.RunContext) ([]byte, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return []byte("raw"), nil
	}
	env := newTestEnv(t, []scheduler.TaskUnit{
		scheduler.NewTask("a", extract, scheduler.WithRetryPolicy(testPolicy())),
		scheduler.NewTask("b", succeed("b"), scheduler.WithRetryPolicy(testPolicy())),
	}, [][2]string{{"a", "b"}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	first, err := env.executor.Run(ctx, logical)
	require.NoError(t, err)
	require.Equal(t, model.RunStatusCancelled, first.Status)

	second, err := env.executor.Run(context.Background(), logical)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, model.RunStatusSucceeded, second.Status)
	assert.Equal(t, int32(2), calls.Load())

	a := second.Task("a")
	assert.Equal(t, []model.TaskStatus{model.TaskStatusSkipped, model.TaskStatusSucceeded}, attemptStatuses(a))
	assert.Equal(t, 2, a.Attempt)
	assert.Equal(t, model.TaskStatusSucceeded, second.Task("b").Status)

	stored, err := env.store.GetRun(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, stored.Status)
}

func TestExecutor_NotifiesTerminalFailureOfCancelledRun(t *testing.T) {
	var calls atomic.Int32
	var store *storage.MemoryRunStore
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// cancels the run once the sibling has failed terminally
	watcher := func(actx context.Context, rc *scheduler.RunContext) ([]byte, error) {
		for {
			run, err := store.GetRun(context.Background(), rc.RunID)
			if err == nil && run.Task("bad").Status == model.TaskStatusFailedTerminal {
				break
			}
			time.Sleep(time.Millisecond)
		}
		cancel()
		<-actx.Done()
		return nil, actx.Err()
	}
	env := newTestEnv(t, []scheduler.TaskUnit{
		scheduler.NewTask("bad", failTimes(10, scheduler.DataQuality(errors.New("no rows")), &calls), scheduler.WithRetryPolicy(testPolicy())),
		scheduler.NewTask("watcher", watcher, scheduler.WithRetryPolicy(testPolicy())),
	}, nil)
	store = env.store

	run, err := env.executor.Run(ctx, logical)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCancelled, run.Status)
	assert.Equal(t, model.TaskStatusFailedTerminal, run.Task("bad").Status)
	assert.Equal(t, model.TaskStatusSkipped, run.Task("watcher").Status)

	notified := env.sink.calls()
	require.Len(t, notified, 1)
	assert.Equal(t, model.RunStatusCancelled, notified[0].Status)
	assert.Equal(t, []string{"bad"}, notified[0].TaskNames())
}

// failingFinalizeStore loses the final write of every run
type failingFinalizeStore struct {
	*storage.MemoryRunStore
}

func (s failingFinalizeStore) FinalizeRun(ctx context.Context, run *model.RunRecord) error {
	return errors.New("disk full")
}

func TestExecutor_NotifiesWhenFinalizeFails(t *testing.T) {
	var calls atomic.Int32
	graph := scheduler.NewGraph("test")
	require.NoError(t, graph.AddTask(scheduler.NewTask("a",
		failTimes(10, scheduler.DataQuality(errors.New("bad")), &calls),
		scheduler.WithRetryPolicy(testPolicy()))))

	sink := &recordingSink{}
	store := failingFinalizeStore{storage.NewMemoryRunStore()}
	exec, err := NewExecutor(graph, store, sink, ExecutorConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	run, err := exec.Run(context.Background(), logical)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NotNil(t, run)
	assert.Equal(t, model.RunStatusFailedTerminal, run.Status)
	assert.Len(t, sink.calls(), 1)
}

func TestExecutor_LogsAbandonedAction(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	policy := testPolicy()
	policy.MaxAttempts = 1
	policy.Timeout = 20 * time.Millisecond

	graph := scheduler.NewGraph("test")
	require.NoError(t, graph.AddTask(scheduler.NewTask("extract", func(ctx context.Context, rc *scheduler.RunContext) ([]byte, error) {
		<-release
		return nil, nil
	}, scheduler.WithRetryPolicy(policy))))

	core, logs := observer.New(zap.WarnLevel)
	exec, err := NewExecutor(graph, storage.NewMemoryRunStore(), nil, ExecutorConfig{StopGrace: 10 * time.Millisecond}, zap.New(core))
	require.NoError(t, err)

	run, err := exec.Run(context.Background(), logical)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailedTerminal, run.Task("extract").Status)

	abandoned := logs.FilterMessage("Task action still running after its attempt ended, abandoning it").All()
	require.Len(t, abandoned, 1)
	assert.Equal(t, int64(1), abandoned[0].ContextMap()["attempt"])
	assert.Equal(t, "extract", abandoned[0].ContextMap()["task"])
}

func TestExecutor_RetryWaitsForTimedOutAction(t *testing.T) {
	policy := testPolicy()
	policy.MaxAttempts = 2
	policy.Timeout = 20 * time.Millisecond

	var running, peak atomic.Int32
	slow := func(ctx context.Context, rc *scheduler.RunContext) ([]byte, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-ctx.Done()
		time.Sleep(30 * time.Millisecond)
		return nil, ctx.Err()
	}

	graph := scheduler.NewGraph("test")
	require.NoError(t, graph.AddTask(scheduler.NewTask("extract", slow, scheduler.WithRetryPolicy(policy))))

	core, logs := observer.New(zap.WarnLevel)
	delays := &delayRecorder{}
	exec, err := NewExecutor(graph, storage.NewMemoryRunStore(), nil, ExecutorConfig{
		After:     delays.after,
		StopGrace: time.Second,
	}, zap.New(core))
	require.NoError(t, err)

	run, err := exec.Run(context.Background(), logical)
	require.NoError(t, err)

	assert.Len(t, run.Task("extract").Attempts, 2)
	assert.Equal(t, int32(1), peak.Load(), "attempts must not overlap")
	assert.Zero(t, logs.FilterMessage("Task action still running after its attempt ended, abandoning it").Len())
}

func TestExecutor_RunContextCarriesDeadline(t *testing.T) {
	var deadline atomic.Value
	env := newTestEnv(t, []scheduler.TaskUnit{
		scheduler.NewTask("a", func(ctx context.Context, rc *scheduler.RunContext) ([]byte, error) {
			deadline.Store(rc.Deadline)
			return nil, nil
		}, scheduler.WithRetryPolicy(testPolicy())),
	}, nil)

	run, err := env.executor.Run(context.Background(), logical)
	require.NoError(t, err)

	got, ok := deadline.Load().(time.Time)
	require.True(t, ok)
	assert.True(t, got.After(run.StartedAt))
}

func TestExecutor_FinalizedRunIsNotExecutedAgain(t *testing.T) {
	var calls atomic.Int32
	env := newTestEnv(t, []scheduler.TaskUnit{
		scheduler.NewTask("a", failTimes(0, nil, &calls), scheduler.WithRetryPolicy(testPolicy())),
	}, nil)

	first, err := env.executor.Run(context.Background(), logical)
	require.NoError(t, err)
	second, err := env.executor.Run(context.Background(), logical)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, model.RunStatusSucceeded, second.Status)
	assert.Equal(t, int32(1), calls.Load())

	// a different logical time is an independent run of the same graph
	third, err := env.executor.Run(context.Background(), logical.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, "20240302T020000Z", third.ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecutor_ResumesUnfinishedRun(t *testing.T) {
	var extractCalls atomic.Int32
	var seen sync.Map
	extract := func(ctx context.Context, rc *scheduler.RunContext) ([]byte, error) {
		extractCalls.Add(1)
		return []byte("fresh"), nil
	}
	units, edges := etlUnits(extract, succeed("processed"), &seen)
	env := newTestEnv(t, units, edges)

	// state left behind by a crash during loadRaw's first attempt
	started := logical.Add(time.Minute)
	ended := started.Add(time.Second)
	crashed := &model.RunRecord{
		ID:          scheduler.RunIDFor(logical),
		Graph:       "test",
		LogicalTime: logical,
		Status:      model.RunStatusRunning,
		StartedAt:   started,
		Tasks: []*model.TaskRunRecord{
			{TaskName: "extract", Attempt: 1, Status: model.TaskStatusSucceeded, Output: []byte("persisted"),
				StartedAt: &started, EndedAt: &ended,
				Attempts: []*model.AttemptRecord{{ID: "x1", TaskName: "extract", Attempt: 1, Status: model.TaskStatusSucceeded, StartedAt: started, EndedAt: &ended}}},
			{TaskName: "loadRaw", Attempt: 1, Status: model.TaskStatusRunning, StartedAt: &ended,
				Attempts: []*model.AttemptRecord{{ID: "r1", TaskName: "loadRaw", Attempt: 1, Status: model.TaskStatusRunning, StartedAt: ended}}},
			{TaskName: "transform", Status: model.TaskStatusPending},
			{TaskName: "loadProcessed", Status: model.TaskStatusPending},
		},
	}
	require.NoError(t, env.store.CreateRun(context.Background(), crashed))

	run, err := env.executor.Run(context.Background(), logical)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.Equal(t, int32(0), extractCalls.Load(), "succeeded tasks are not executed again")

	loadRaw := run.Task("loadRaw")
	require.Len(t, loadRaw.Attempts, 2)
	assert.Equal(t, 2, loadRaw.Attempts[1].Attempt)
	assert.Equal(t, 2, loadRaw.Attempt)

	v, ok := seen.Load("loadRaw")
	require.True(t, ok)
	assert.Equal(t, "persisted", string(v.(map[string][]byte)["extract"]))
}

func TestExecutor_RunsIndependentTasksConcurrently(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	barrier := func(ctx context.Context, rc *scheduler.RunContext) ([]byte, error) {
		arrived.Done()
		done := make(chan struct{})
		go func() {
			arrived.Wait()
			close(done)
		}()
		select {
		case <-done:
			return []byte("ok"), nil
		case <-time.After(5 * time.Second):
			return nil, scheduler.DataQuality(errors.New("peer never started"))
		}
	}

	env := newTestEnv(t, []scheduler.TaskUnit{
		scheduler.NewTask("north", barrier, scheduler.WithRetryPolicy(testPolicy())),
		scheduler.NewTask("south", barrier, scheduler.WithRetryPolicy(testPolicy())),
		scheduler.NewTask("merge", succeed("merged"), scheduler.WithRetryPolicy(testPolicy())),
	}, [][2]string{{"north", "merge"}, {"south", "merge"}})

	run, err := env.executor.Run(context.Background(), logical)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.Empty(t, env.executor.RunningTasks())
}

func TestExecutor_RecoversPanics(t *testing.T) {
	policy := testPolicy()
	policy.MaxAttempts = 1
	env := newTestEnv(t, []scheduler.TaskUnit{
		scheduler.NewTask("a", func(ctx context.Context, rc *scheduler.RunContext) ([]byte, error) {
			panic("nil map")
		}, scheduler.WithRetryPolicy(policy)),
	}, nil)

	run, err := env.executor.Run(context.Background(), logical)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailedTerminal, run.Task("a").Status)
	assert.Contains(t, run.Task("a").Error, "panicked")
}

func TestNewExecutor_SealsGraph(t *testing.T) {
	graph := scheduler.NewGraph("test")
	require.NoError(t, graph.AddTask(scheduler.NewTask("a", succeed("a"))))

	_, err := NewExecutor(graph, storage.NewMemoryRunStore(), nil, ExecutorConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.True(t, graph.Sealed())
	assert.ErrorIs(t, graph.AddTask(scheduler.NewTask("b", succeed("b"))), scheduler.ErrGraphSealed)

	_, err = NewExecutor(scheduler.NewGraph("empty"), storage.NewMemoryRunStore(), nil, ExecutorConfig{}, zaptest.NewLogger(t))
	var cfgErr *scheduler.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

type countingObserver struct {
	mu   sync.Mutex
	runs []*model.RunRecord
}

func (o *countingObserver) ObserveRun(run *model.RunRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, run)
}

func TestExecutor_Observer(t *testing.T) {
	graph := scheduler.NewGraph("test")
	require.NoError(t, graph.AddTask(scheduler.NewTask("a", succeed("a"))))

	observer := &countingObserver{}
	exec, err := NewExecutor(graph, storage.NewMemoryRunStore(), nil, ExecutorConfig{Observer: observer}, zaptest.NewLogger(t))
	require.NoError(t, err)

	run, err := exec.Run(context.Background(), logical)
	require.NoError(t, err)
	require.Len(t, observer.runs, 1)
	assert.Equal(t, run.ID, observer.runs[0].ID)
	assert.Equal(t, model.RunStatusSucceeded, observer.runs[0].Status)
}
