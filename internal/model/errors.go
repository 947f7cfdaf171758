package model

// TimeoutError covers per-transaction, per-job, and workflow-wide
// deadlines. Defined here (rather than in internal/attempt, the
// taxonomy's home) because internal/buffer constructs one and cannot
// import internal/attempt without a cycle; internal/attempt re-exports
// it as attempt.TimeoutError.
type TimeoutError struct{ Msg string }

func (e *TimeoutError) Error() string { return "timeout: " + e.Msg }

// RateLimitRejected surfaces only when a bounded waiter is configured;
// the default rate limiter policy waits unbounded and never returns
// this. Lives here for the same import-cycle reason as TimeoutError:
// internal/resilience constructs it and cannot import internal/attempt.
type RateLimitRejected struct{ Msg string }

func (e *RateLimitRejected) Error() string { return "rate limit rejected: " + e.Msg }
