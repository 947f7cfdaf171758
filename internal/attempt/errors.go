package attempt

import (
	"fmt"

	"github.com/swarmguard/flowctl/internal/model"
)

// ValidationError signals a malformed config (e.g. a trial-mode probability
// outside [0,1]).
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// TransportError wraps a transport/network or HTTP failure and records
// whether the underlying policy considers it retryable.
type TransportError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: http %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// InvalidContentError signals a syntactically valid response the
// responseAnalyzer hook rejected. Always retryable.
type InvalidContentError struct{ Msg string }

func (e *InvalidContentError) Error() string { return "invalid content: " + e.Msg }

// CircuitOpenError short-circuits the remaining retry loop. Its message is
// prefixed distinctly so callers (e.g. the gateway) can separate it from
// ordinary transport failures.
type CircuitOpenError struct{ Breaker string }

func (e *CircuitOpenError) Error() string {
	return "CircuitBreakerOpen: breaker " + e.Breaker + " is open"
}

// RateLimitRejected surfaces only when a bounded waiter is configured; the
// default rate limiter policy waits unbounded and never returns this.
// internal/resilience constructs this type directly (see model.RateLimitRejected);
// it lives in model to avoid an import cycle with this package.
type RateLimitRejected = model.RateLimitRejected

// TimeoutError covers per-transaction, per-job, and workflow-wide deadlines.
// internal/buffer constructs this type directly (see model.TimeoutError);
// it lives in model to avoid an import cycle with this package.
type TimeoutError = model.TimeoutError

// PhaseNotFoundError signals a JUMP/SKIP target that does not exist.
type PhaseNotFoundError struct{ PhaseID string }

func (e *PhaseNotFoundError) Error() string { return "phase not found: " + e.PhaseID }

// GraphValidationError signals a cycle found at build time.
type GraphValidationError struct{ Msg string }

func (e *GraphValidationError) Error() string { return "graph validation: " + e.Msg }

// HookError wraps a panic/error bubbled from a user-supplied hook.
type HookError struct {
	Hook string
	Err  error
}

func (e *HookError) Error() string { return fmt.Sprintf("hook %s failed: %v", e.Hook, e.Err) }

func (e *HookError) Unwrap() error { return e.Err }
