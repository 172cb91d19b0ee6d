package scheduler

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffKind selects how the delay between attempts grows
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 5 * time.Minute
	DefaultTimeout     = 30 * time.Minute
	DefaultMultiplier  = 2.0
	DefaultMaxDelay    = time.Hour
)

// RetryPolicy controls how a single task invocation is attempted
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Backoff     BackoffKind
	Multiplier  float64
	MaxDelay    time.Duration
	Timeout     time.Duration

	// Retryable classifies attempt errors. Nil means DefaultRetryable.
	Retryable func(error) bool
}

// DefaultRetryPolicy returns the policy used when a task does not set one:
// 3 attempts, a fixed 5 minute delay and a 30 minute timeout per attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		Delay:       DefaultRetryDelay,
		Backoff:     BackoffFixed,
		Multiplier:  DefaultMultiplier,
		MaxDelay:    DefaultMaxDelay,
		Timeout:     DefaultTimeout,
	}
}

// Validate checks the policy for values that can not be executed.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return &ConfigurationError{Reason: fmt.Sprintf("max attempts must be >= 1, got %d", p.MaxAttempts)}
	}
	if p.Timeout <= 0 {
		return &ConfigurationError{Reason: fmt.Sprintf("timeout must be positive, got %s", p.Timeout)}
	}
	if p.Delay < 0 {
		return &ConfigurationError{Reason: fmt.Sprintf("delay must not be negative, got %s", p.Delay)}
	}
	switch p.Backoff {
	case "", BackoffFixed:
	case BackoffExponential:
		if p.Multiplier < 1 {
			return &ConfigurationError{Reason: fmt.Sprintf("backoff multiplier must be >= 1, got %v", p.Multiplier)}
		}
		if p.MaxDelay < p.Delay {
			return &ConfigurationError{Reason: fmt.Sprintf("max delay %s is below base delay %s", p.MaxDelay, p.Delay)}
		}
	default:
		return &ConfigurationError{Reason: fmt.Sprintf("unknown backoff %q", p.Backoff)}
	}
	return nil
}

// IsRetryable reports whether an attempt error should be retried.
func (p RetryPolicy) IsRetryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return DefaultRetryable(err)
}

// NewBackOff returns a fresh delay sequence for one task invocation.
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	if p.Backoff != BackoffExponential {
		return backoff.NewConstantBackOff(p.Delay)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Delay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// maxDelay is the longest single wait the policy can produce.
func (p RetryPolicy) maxDelay() time.Duration {
	if p.Backoff == BackoffExponential {
		return p.MaxDelay
	}
	return p.Delay
}

// WorstCase returns the longest time one invocation can take.
func (p RetryPolicy) WorstCase() time.Duration {
	if p.MaxAttempts < 1 {
		return 0
	}
	return time.Duration(p.MaxAttempts)*p.Timeout + time.Duration(p.MaxAttempts-1)*p.maxDelay()
}
