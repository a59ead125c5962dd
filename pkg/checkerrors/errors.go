// Package checkerrors defines the failure taxonomy of an integrity run.
package checkerrors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrRunTimeout is the cancellation cause when the run's wall-clock budget elapses.
	ErrRunTimeout = errors.New("run exceeded its time budget")
	// ErrRunCancelled is the cancellation cause for an explicit cancel request.
	ErrRunCancelled = errors.New("run was cancelled")
	// ErrRunInProgress rejects a run while another holds the run lock.
	ErrRunInProgress = errors.New("another run is in progress")
)

// FetchError means the data source was unreachable or returned garbage after the retry budget.
type FetchError struct {
	Entity   string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s): %v", e.Entity, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ConfigResolutionError means the rule layers could not be merged into a usable set.
type ConfigResolutionError struct {
	RuleID string
	Err    error
}

func (e *ConfigResolutionError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("resolve rules: %v", e.Err)
	}
	return fmt.Sprintf("resolve rule %s: %v", e.RuleID, e.Err)
}

func (e *ConfigResolutionError) Unwrap() error { return e.Err }

// EvaluatorError is a failure isolated to one evaluator module.
type EvaluatorError struct {
	Module string
	Entity string
	Err    error
}

func (e *EvaluatorError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("evaluator %s: %v", e.Module, e.Err)
	}
	return fmt.Sprintf("evaluator %s (%s): %v", e.Module, e.Entity, e.Err)
}

func (e *EvaluatorError) Unwrap() error { return e.Err }

// ReconciliationError means writeback failed after its retry budget.
type ReconciliationError struct {
	Batch int
	Err   error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("write issue batch %d: %v", e.Batch, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// StatusError is a non-2xx answer from an HTTP collaborator.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// permanent marks an error that must not be retried.
type permanent struct {
	err error
}

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent wraps err so Retryable reports false.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// Retryable decides whether an operation that failed with err may be tried again.
// Socket timeouts, connection failures, 5xx and 429 are retryable; 4xx, run
// cancellation and permanent errors are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var p *permanent
	if errors.As(err, &p) {
		return false
	}
	if errors.Is(err, ErrRunTimeout) || errors.Is(err, ErrRunCancelled) || errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == 429 || statusErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// per-request timeout; the run deadline arrives as ErrRunTimeout
		return true
	}

	var cfgErr *ConfigResolutionError
	if errors.As(err, &cfgErr) {
		return false
	}
	return true
}

// IsRunStop reports whether err stems from the run being timed out or cancelled.
func IsRunStop(err error) bool {
	return errors.Is(err, ErrRunTimeout) || errors.Is(err, ErrRunCancelled)
}
