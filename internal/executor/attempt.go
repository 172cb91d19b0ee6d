package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/t77yq/weatherflow/internal/model"
	"github.com/t77yq/weatherflow/internal/scheduler"
)

// attemptState is the state of one task invocation
type attemptState int

const (
	stateAttempt attemptState = iota
	stateWait
	stateSucceeded
	stateFailed
	stateCancelled
)

func (s attemptState) String() string {
	switch s {
	case stateAttempt:
		return "attempt"
	case stateWait:
		return "wait"
	case stateSucceeded:
		return "succeeded"
	case stateFailed:
		return "failed"
	case stateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("attemptState(%d)", int(s))
}

// attemptMachine drives a task through attempts and retry delays until it
// succeeds, fails terminally or the run is cancelled
type attemptMachine struct {
	unit    scheduler.TaskUnit
	rc      *scheduler.RunContext
	backoff backoff.BackOff
	after   func(time.Duration) <-chan time.Time
	now     func() time.Time

	// onAttempt is called when an attempt starts and again when it ends
	onAttempt func(*model.AttemptRecord)
	// onAbandon is called when an action is still running grace after its
	// attempt was given up
	onAbandon func(*model.AttemptRecord)
	grace     time.Duration

	state    attemptState
	attempts int
	offset   int
	delay    time.Duration
	output   []byte
	err      error
}

func newAttemptMachine(unit scheduler.TaskUnit, rc *scheduler.RunContext, offset int) *attemptMachine {
	return &attemptMachine{
		unit:      unit,
		rc:        rc,
		backoff:   unit.Policy.NewBackOff(),
		after:     time.After,
		now:       time.Now,
		onAttempt: func(*model.AttemptRecord) {},
		onAbandon: func(*model.AttemptRecord) {},
		grace:     DefaultStopGrace,
		state:     stateAttempt,
		offset:    offset,
	}
}

// run steps the machine until it reaches a final state.
func (m *attemptMachine) run(ctx context.Context) attemptState {
	for {
		switch m.state {
		case stateAttempt:
			m.attempt(ctx)
		case stateWait:
			m.wait(ctx)
		default:
			return m.state
		}
	}
}

func (m *attemptMachine) attempt(ctx context.Context) {
	if ctx.Err() != nil {
		m.cancel()
		return
	}

	m.attempts++
	rec := &model.AttemptRecord{
		ID:        uuid.New().String(),
		TaskName:  m.unit.Name,
		Attempt:   m.offset + m.attempts,
		Status:    model.TaskStatusRunning,
		StartedAt: m.now(),
	}
	m.onAttempt(rec)

	out, err := m.invoke(ctx, rec)
	ended := m.now()
	rec.EndedAt = &ended

	switch {
	case err == nil:
		rec.Status = model.TaskStatusSucceeded
		m.output = out
		m.state = stateSucceeded
	case ctx.Err() != nil:
		rec.Status = model.TaskStatusSkipped
		rec.Error = scheduler.ErrRunCancelled.Error()
		m.cancel()
	case !m.unit.Policy.IsRetryable(err) || m.attempts >= m.unit.Policy.MaxAttempts:
		rec.Status = model.TaskStatusFailedTerminal
		rec.Error = err.Error()
		m.err = err
		m.state = stateFailed
	default:
		rec.Error = err.Error()
		m.err = err
		delay := m.backoff.NextBackOff()
		if delay == backoff.Stop {
			rec.Status = model.TaskStatusFailedTerminal
			m.state = stateFailed
			break
		}
		rec.Status = model.TaskStatusFailedRetryable
		m.delay = delay
		m.state = stateWait
	}

	m.onAttempt(rec)
}

// wait sleeps the retry delay without holding up other tasks.
func (m *attemptMachine) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
		m.cancel()
	case <-m.after(m.delay):
		m.state = stateAttempt
	}
}

func (m *attemptMachine) cancel() {
	m.err = scheduler.ErrRunCancelled
	m.state = stateCancelled
}

type invokeResult struct {
	out []byte
	err error
}

// invoke runs one attempt of the action under the task timeout. The action
// runs on its own goroutine so a timeout is enforced even when the action is
// slow to observe cancellation. Once the attempt is given up the action has
// m.grace to return before the next attempt may start.
func (m *attemptMachine) invoke(ctx context.Context, rec *model.AttemptRecord) ([]byte, error) {
	unit := m.unit
	actx, cancel := context.WithTimeout(ctx, unit.Timeout())
	defer cancel()

	ch := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- invokeResult{err: fmt.Errorf("task %s panicked: %v\n%s", unit.Name, r, debug.Stack())}
			}
		}()
		out, err := unit.Action(actx, m.rc)
		ch <- invokeResult{out: out, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, timeoutError(unit)
		}
		return res.out, res.err
	case <-actx.Done():
	}

	err := ctx.Err()
	if err == nil {
		err = timeoutError(unit)
	}

	grace := time.NewTimer(m.grace)
	defer grace.Stop()
	select {
	case <-ch:
	case <-grace.C:
		m.onAbandon(rec)
	}
	return nil, err
}

func timeoutError(unit scheduler.TaskUnit) error {
	return scheduler.Transient(fmt.Errorf("task %s timed out after %s: %w", unit.Name, unit.Timeout(), context.DeadlineExceeded))
}
