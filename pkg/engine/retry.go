package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Operation names the kind of call a RetryPolicy is guarding.
type Operation string

const (
	// OpQuery is a read-only provider lookup.
	OpQuery Operation = "query"

	// OpRead is a state store lookup.
	OpRead Operation = "read"

	// OpWrite is a lock-scoped state store mutation.
	OpWrite Operation = "write"
)

// Default retry settings.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 8 * time.Second
	DefaultCallTimeout = 60 * time.Second
)

// RetryPolicy is a bounded exponential-backoff policy shared by discovery
// queries and state writes.
type RetryPolicy struct {
	// MaxAttempts bounds the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the wait after the first failed attempt; it doubles per attempt.
	BaseDelay time.Duration

	// MaxDelay caps a single wait.
	MaxDelay time.Duration

	// CallTimeout bounds each attempt. Exceeding it counts as a transient failure.
	CallTimeout time.Duration

	// sleep waits for d or until ctx is done. Tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns 3 attempts and a 60s call timeout. The waits
// between attempts are 2s and 4s; later attempts, when MaxAttempts is raised,
// wait 8s each.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		CallTimeout: DefaultCallTimeout,
	}
}

// normalized fills unset fields with defaults.
func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = DefaultCallTimeout
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	return p
}

// Backoff returns the wait after the given failed attempt (1-based): BaseDelay * 2^(attempt-1).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// AttemptFunc is one guarded call. attempt is 1-based.
type AttemptFunc func(ctx context.Context, attempt int) error

// AttemptHook observes every finished attempt.
type AttemptHook func(attempt int, outcome AttemptOutcome, err error)

// Do runs fn until it succeeds, fails permanently, or MaxAttempts is reached.
//
// Query attempts run on ctx. Write attempts run on a context detached from
// ctx's cancellation (still bounded by CallTimeout) so an in-flight write
// completes atomically; cancellation is observed before each attempt.
func (p RetryPolicy) Do(ctx context.Context, op Operation, fn AttemptFunc, hook AttemptHook) error {
	p = p.normalized()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return cancelledError(op, err)
		}

		base := ctx
		if op == OpWrite {
			base = context.WithoutCancel(ctx)
		}
		callCtx, cancel := context.WithTimeout(base, p.CallTimeout)
		err := fn(callCtx, attempt)
		timedOut := callCtx.Err() != nil && errors.Is(err, context.DeadlineExceeded)
		cancel()

		if err != nil && timedOut && ctx.Err() == nil {
			err = timeoutError(op, p.CallTimeout, err)
		}

		outcome := attemptOutcome(err)
		if hook != nil {
			hook(attempt, outcome, err)
		}
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err

		if attempt == p.MaxAttempts {
			break
		}
		if err := p.sleep(ctx, p.Backoff(attempt)); err != nil {
			return cancelledError(op, err)
		}
	}

	return NewPermanentError(fmt.Sprintf("%s failed after %d attempts", op, p.MaxAttempts), lastErr).
		WithCode(ErrCodeRetriesExceeded).
		WithOperation(string(op)).
		WithRemediation(RemediationFor(lastErr))
}

func attemptOutcome(err error) AttemptOutcome {
	switch {
	case err == nil:
		return AttemptSuccess
	case IsAlreadyTracked(err):
		return AttemptSkipped
	case IsRetryable(err):
		return AttemptTransientFailure
	default:
		return AttemptPermanentFailure
	}
}

func timeoutError(op Operation, timeout time.Duration, err error) *EngineError {
	msg := fmt.Sprintf("%s timed out after %s", op, timeout)
	switch op {
	case OpWrite:
		return NewTransientWriteError(msg, err)
	case OpRead:
		return NewTransientError(msg, err).WithCode(ErrCodeTimeout).WithOperation(string(op))
	default:
		return NewTransientQueryError(msg, err)
	}
}

func cancelledError(op Operation, err error) *EngineError {
	return NewPermanentError("run cancelled", err).
		WithCode(ErrCodeCancelled).
		WithOperation(string(op))
}

// IsCancelled reports whether err stems from run cancellation.
func IsCancelled(err error) bool {
	return HasCode(err, ErrCodeCancelled)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
