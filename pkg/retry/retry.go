// Package retry runs an operation under an attempt budget with backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/Ramsey-B/thistle/pkg/checkerrors"
)

type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFibonacci   BackoffType = "fibonacci"
	BackoffLinear      BackoffType = "linear"
)

// Policy bounds how an operation is retried.
type Policy struct {
	// MaxAttempts counts the first try. Defaults to 3.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Deadline caps the total time spent including waits. Zero means no cap beyond ctx.
	Deadline    time.Duration
	BackoffType BackoffType
	// Jitter is the fraction of each delay that is randomized, 0 to 1.
	Jitter float64
	// ShouldRetry classifies errors; defaults to checkerrors.Retryable.
	ShouldRetry func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Deadline:     time.Minute,
		BackoffType:  BackoffExponential,
		Jitter:       0.2,
	}
}

// ErrDeadline reports that the hard retry deadline ended the attempts.
var ErrDeadline = errors.New("retry deadline exceeded")

// Error carries the final failure and how many attempts were made.
type Error struct {
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Attempts extracts the attempt count from an error returned by Do, or 1.
func Attempts(err error) int {
	var re *Error
	if errors.As(err, &re) {
		return re.Attempts
	}
	return 1
}

// Do calls fn until it succeeds, returns a non-retryable error, or the budget is spent.
// When ctx is cancelled with a cause the cause is returned.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) error) error {
	policy = policy.withDefaults()

	var hardStop time.Time
	if policy.Deadline > 0 {
		hardStop = time.Now().Add(policy.Deadline)
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &Error{Attempts: attempt - 1, Err: causeOf(ctx, lastErr)}
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return &Error{Attempts: attempt, Err: causeOf(ctx, lastErr)}
		}
		if !policy.ShouldRetry(lastErr) || attempt == policy.MaxAttempts {
			return &Error{Attempts: attempt, Err: lastErr}
		}

		delay := policy.Delay(attempt)
		if !hardStop.IsZero() && time.Now().Add(delay).After(hardStop) {
			return &Error{Attempts: attempt, Err: fmt.Errorf("%w: %w", ErrDeadline, lastErr)}
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, delay, lastErr)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &Error{Attempts: attempt, Err: causeOf(ctx, lastErr)}
		case <-timer.C:
		}
	}
	return &Error{Attempts: policy.MaxAttempts, Err: lastErr}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()

	var delay time.Duration
	switch p.BackoffType {
	case BackoffLinear:
		delay = p.InitialDelay * time.Duration(attempt)
	case BackoffFibonacci:
		a, b := 1, 1
		for i := 1; i < attempt; i++ {
			a, b = b, a+b
		}
		delay = p.InitialDelay * time.Duration(a)
	default:
		shift := attempt - 1
		if shift > 20 {
			shift = 20
		}
		delay = p.InitialDelay << shift
	}
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		spread := int64(float64(delay) * p.Jitter)
		if spread > 0 {
			delay = delay - time.Duration(spread/2) + time.Duration(rand.Int64N(spread))
		}
	}
	return delay
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = checkerrors.Retryable
	}
	return p
}

func causeOf(ctx context.Context, fallback error) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	if fallback != nil {
		return fallback
	}
	return ctx.Err()
}
