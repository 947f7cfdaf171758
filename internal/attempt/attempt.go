// Package attempt implements the attempt engine (M1): a configurable
// retry loop wrapping a single opaque callable with back-off, a
// response analyzer, trial-mode fault injection, and optional
// resilience gates (circuit breaker, rate limiter, concurrency
// limiter, cache). Grounded on the teacher's generic Retry[T] helper
// (libs/go/core/resilience/retry.go), expanded from a bare
// exponential-jitter loop into the full attempt contract.
package attempt

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/flowctl/internal/buffer"
	"github.com/swarmguard/flowctl/internal/model"
	"github.com/swarmguard/flowctl/internal/resilience"
)

// RetryStrategy names a back-off growth function.
type RetryStrategy string

const (
	StrategyFixed       RetryStrategy = "FIXED"
	StrategyLinear      RetryStrategy = "LINEAR"
	StrategyExponential RetryStrategy = "EXPONENTIAL"
)

// TrialModeConfig drives Bernoulli fault injection in place of the real
// transport, for deterministic chaos testing of retry logic.
type TrialModeConfig struct {
	Enabled                  bool
	ReqFailureProbability    float64
	RetryFailureProbability  float64
}

// PreExecutionInput is passed to the preExecution hook.
type PreExecutionInput struct {
	InputParams     any
	CommonBuffer    *buffer.Buffer
	TransactionLogs []buffer.TransactionLog
}

// PreExecutionConfig configures the pre-loop hook.
type PreExecutionConfig struct {
	Hook              func(PreExecutionInput) (map[string]any, error)
	ApplyOverride     bool
	ContinueOnFailure bool
}

// DoOnce is the opaque callable the attempt engine drives. It must be
// safe to call more than once.
type DoOnce func(ctx context.Context, attemptNum int) (model.AttemptOutcome, error)

// Config is the full attempt-engine configuration (spec §4.1).
type Config struct {
	Attempts            int
	Wait                time.Duration
	RetryStrategy       RetryStrategy
	Jitter              float64 // [0,1]
	MaxAllowedWait      time.Duration
	PerformAllAttempts  bool
	ReturnResult        bool // resReq: populate Data with payload vs literal true

	ResponseAnalyzer            func(model.AttemptOutcome) bool
	HandleErrors                func(model.AttemptOutcome)
	HandleSuccessfulAttemptData func(model.AttemptOutcome)
	FinalErrorAnalyzer          func(err error) bool

	TrialMode    TrialModeConfig
	PreExecution PreExecutionConfig

	Req                 *model.RequestDescriptor // cache key source, optional
	Cache               *resilience.Cache
	CircuitBreaker      *resilience.CircuitBreaker
	RateLimiter         *resilience.RateLimiter
	ConcurrencyLimiter  *resilience.ConcurrencyLimiter
	CommonBuffer        *buffer.Buffer
	LoadTransactionLogs func(ctx context.Context) []buffer.TransactionLog

	TrackIndividualAttempts bool
}

// Metrics summarizes one Run() call.
type Metrics struct {
	TotalAttempts      int
	TotalWaitTime      time.Duration
	ValidationAnomalies []string
}

// Result is the attempt engine's structured outcome (spec §4.1 contract).
type Result struct {
	Success            bool
	Data               any
	Error              string
	ErrorLogs          []model.AttemptOutcome
	SuccessfulAttempts []model.AttemptOutcome
	Metrics            Metrics
}

// Engine runs one configured attempt loop.
type Engine struct {
	cfg Config

	attemptCounter metric.Int64Counter
	successCounter metric.Int64Counter
	failCounter    metric.Int64Counter
}

// New constructs an Engine. meter may be nil to use the global provider.
func New(cfg Config, meter metric.Meter) *Engine {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.RetryStrategy == "" {
		cfg.RetryStrategy = StrategyFixed
	}
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("flowctl-attempt")
	}
	attemptCounter, _ := meter.Int64Counter("flowctl_attempt_invocations_total")
	successCounter, _ := meter.Int64Counter("flowctl_attempt_success_total")
	failCounter, _ := meter.Int64Counter("flowctl_attempt_fail_total")
	return &Engine{cfg: cfg, attemptCounter: attemptCounter, successCounter: successCounter, failCounter: failCounter}
}

// Delay computes the back-off for currentAttempt under strategy, applying
// jitter and the maxAllowedWait cap (spec §4.1 "Delay formula").
func Delay(strategy RetryStrategy, base time.Duration, currentAttempt int, jitter float64, maxAllowedWait time.Duration) time.Duration {
	var d time.Duration
	switch strategy {
	case StrategyLinear:
		d = base * time.Duration(currentAttempt)
	case StrategyExponential:
		d = base * time.Duration(1<<uint(currentAttempt-1))
	default:
		d = base
	}
	if jitter > 0 {
		factor := 1 + (rand.Float64()*2-1)*jitter
		if factor < 0 {
			factor = 0
		}
		d = time.Duration(float64(d) * factor)
	}
	if maxAllowedWait > 0 && d > maxAllowedWait {
		d = maxAllowedWait
	}
	if d < 0 {
		d = 0
	}
	return d
}

// IsRetryableStatus applies the default HTTP retryability policy: 408,
// 429, and 5xx are retryable; other 4xx are not.
func IsRetryableStatus(status int) bool {
	if status == 408 || status == 429 {
		return true
	}
	if status >= 500 {
		return true
	}
	return false
}

// Run executes the configured attempt loop against doOnce.
func (e *Engine) Run(ctx context.Context, doOnce DoOnce) (Result, error) {
	cfg := e.cfg

	if cfg.PreExecution.Hook != nil {
		var logs []buffer.TransactionLog
		if cfg.LoadTransactionLogs != nil {
			logs = cfg.LoadTransactionLogs(ctx)
		}
		overrides, err := safeHook("preExecution.hook", func() (map[string]any, error) {
			return cfg.PreExecution.Hook(PreExecutionInput{CommonBuffer: cfg.CommonBuffer, TransactionLogs: logs})
		})
		if err != nil {
			if !cfg.PreExecution.ContinueOnFailure {
				return e.finalize(nil, err, Metrics{})
			}
		} else if cfg.PreExecution.ApplyOverride {
			cfg = applyOverrides(cfg, overrides)
		}
	}

	if cfg.TrialMode.Enabled {
		for _, p := range []float64{cfg.TrialMode.ReqFailureProbability, cfg.TrialMode.RetryFailureProbability} {
			if p < 0 || p > 1 {
				return Result{}, &ValidationError{Msg: "trial mode probability must be in [0,1]"}
			}
		}
	}

	var errorLogs []model.AttemptOutcome
	var successfulAttempts []model.AttemptOutcome
	var lastErr error
	var lastOutcome model.AttemptOutcome
	var lastOK bool
	totalWait := time.Duration(0)

	for attemptNum := 1; attemptNum <= cfg.Attempts; attemptNum++ {
		if cfg.CircuitBreaker != nil && (cfg.TrackIndividualAttempts || attemptNum == 1) {
			if !cfg.CircuitBreaker.CanExecute() {
				return e.finalize(errorLogs, &CircuitOpenError{Breaker: "attempt"}, Metrics{TotalAttempts: attemptNum - 1, TotalWaitTime: totalWait})
			}
		}

		outcome, err := e.executeOnce(ctx, cfg, doOnce, attemptNum)
		if err == nil && !outcome.OK && outcome.Err != nil {
			err = outcome.Err
		}
		e.attemptCounter.Add(ctx, 1)

		if outcome.FromCache {
			e.successCounter.Add(ctx, 1)
			return Result{Success: true, Data: dataOrTrue(cfg.ReturnResult, outcome.Data), Metrics: Metrics{TotalAttempts: attemptNum}}, nil
		}

		ok := err == nil && outcome.OK
		if ok && cfg.ResponseAnalyzer != nil {
			verdict, analyzerErr := safeHook("responseAnalyzer", func() (bool, error) { return cfg.ResponseAnalyzer(outcome), nil })
			if analyzerErr != nil {
				// responseAnalyzer exception forces a retry (spec §7).
				ok = false
				outcome.Retryable = true
				err = &InvalidContentError{Msg: analyzerErr.Error()}
			} else if !verdict {
				ok = false
				outcome.Retryable = true
				err = &InvalidContentError{Msg: "response analyzer rejected payload"}
			}
		}
		outcome.OK = ok

		if ok {
			successfulAttempts = append(successfulAttempts, outcome)
			if cfg.HandleSuccessfulAttemptData != nil {
				_, _ = safeHook("handleSuccessfulAttemptData", func() (struct{}, error) {
					cfg.HandleSuccessfulAttemptData(outcome)
					return struct{}{}, nil
				})
			}
		} else {
			errorLogs = append(errorLogs, outcome)
			if cfg.HandleErrors != nil {
				_, _ = safeHook("handleErrors", func() (struct{}, error) {
					cfg.HandleErrors(outcome)
					return struct{}{}, nil
				})
			}
			lastErr = err
		}
		lastOutcome = outcome
		lastOK = ok

		if cfg.CircuitBreaker != nil && (cfg.TrackIndividualAttempts || attemptNum == 1) {
			if ok {
				cfg.CircuitBreaker.RecordSuccess()
			} else {
				cfg.CircuitBreaker.RecordFailure()
			}
			if cfg.CircuitBreaker.Snapshot().State == model.BreakerOpen {
				break
			}
		}

		retryableFailure := !ok && outcome.Retryable
		hasMore := attemptNum < cfg.Attempts
		if hasMore && (retryableFailure || cfg.PerformAllAttempts) {
			d := Delay(cfg.RetryStrategy, cfg.Wait, attemptNum, cfg.Jitter, cfg.MaxAllowedWait)
			totalWait += d
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return e.finalize(errorLogs, ctx.Err(), Metrics{TotalAttempts: attemptNum, TotalWaitTime: totalWait})
			}
			continue
		}
		// Not retrying: either attempts are exhausted, the failure was not
		// retryable, or the current attempt already succeeded and
		// performAllAttempts is off.
		if !cfg.PerformAllAttempts {
			break
		}
	}

	metrics := Metrics{TotalAttempts: len(successfulAttempts) + len(errorLogs), TotalWaitTime: totalWait}

	if cfg.PerformAllAttempts && len(successfulAttempts) > 0 {
		e.successCounter.Add(ctx, 1)
		last := successfulAttempts[len(successfulAttempts)-1]
		return Result{Success: true, Data: dataOrTrue(cfg.ReturnResult, last.Data), SuccessfulAttempts: successfulAttempts, ErrorLogs: errorLogs, Metrics: metrics}, nil
	}
	if lastOK {
		e.successCounter.Add(ctx, 1)
		return Result{Success: true, Data: dataOrTrue(cfg.ReturnResult, lastOutcome.Data), SuccessfulAttempts: successfulAttempts, ErrorLogs: errorLogs, Metrics: metrics}, nil
	}

	e.failCounter.Add(ctx, 1)
	res, err := e.finalize(errorLogs, lastErr, metrics)
	res.SuccessfulAttempts = successfulAttempts
	return res, err
}

func (e *Engine) executeOnce(ctx context.Context, cfg Config, doOnce DoOnce, attemptNum int) (model.AttemptOutcome, error) {
	if cfg.TrialMode.Enabled {
		return e.trialOutcome(cfg, attemptNum), nil
	}

	if cfg.Cache != nil && cfg.Req != nil {
		if entry, ok := cfg.Cache.Get(cfg.Req); ok {
			return model.AttemptOutcome{OK: true, Data: entry.Data, StatusCode: entry.Status, FromCache: true, Timestamp: time.Now()}, nil
		}
	}

	call := func() (any, error) {
		outcome, err := doOnce(ctx, attemptNum)
		return outcome, err
	}
	if cfg.ConcurrencyLimiter != nil {
		call = wrapConcurrency(cfg.ConcurrencyLimiter, ctx, call)
	}
	if cfg.RateLimiter != nil {
		call = wrapRateLimit(cfg.RateLimiter, ctx, call)
	}

	res, err := call()
	var outcome model.AttemptOutcome
	if res != nil {
		outcome = res.(model.AttemptOutcome)
	}
	if err == nil && outcome.OK && cfg.Cache != nil && cfg.Req != nil {
		cfg.Cache.Set(cfg.Req, outcome.StatusCode, nil, outcome.Data)
	}
	return outcome, err
}

func wrapConcurrency(cl *resilience.ConcurrencyLimiter, ctx context.Context, call func() (any, error)) func() (any, error) {
	return func() (any, error) { return cl.Execute(ctx, call) }
}

func wrapRateLimit(rl *resilience.RateLimiter, ctx context.Context, call func() (any, error)) func() (any, error) {
	return func() (any, error) { return rl.Execute(ctx, call) }
}

func (e *Engine) trialOutcome(cfg Config, attemptNum int) model.AttemptOutcome {
	p := cfg.TrialMode.ReqFailureProbability
	if attemptNum > 1 {
		p = cfg.TrialMode.RetryFailureProbability
	}
	failed := rand.Float64() < p
	if failed {
		return model.AttemptOutcome{OK: false, Retryable: true, Err: &TransportError{Retryable: true, Err: errTrialFailure}, Timestamp: time.Now()}
	}
	return model.AttemptOutcome{OK: true, Data: map[string]any{"trialMode": cfg.TrialMode}, Timestamp: time.Now()}
}

var errTrialFailure = &ValidationError{Msg: "trial mode simulated failure"}

func (e *Engine) finalize(errorLogs []model.AttemptOutcome, err error, metrics Metrics) (Result, error) {
	if err == nil {
		return Result{Success: true, ErrorLogs: errorLogs, Metrics: metrics}, nil
	}
	if e.cfg.FinalErrorAnalyzer != nil {
		absorbed, _ := safeHook("finalErrorAnalyzer", func() (bool, error) { return e.cfg.FinalErrorAnalyzer(err), nil })
		if absorbed {
			return Result{Success: false, Error: err.Error(), ErrorLogs: errorLogs, Metrics: metrics}, nil
		}
	}
	return Result{Success: false, Error: err.Error(), ErrorLogs: errorLogs, Metrics: metrics}, err
}

func dataOrTrue(returnResult bool, data any) any {
	if returnResult {
		return data
	}
	return true
}

func applyOverrides(cfg Config, overrides map[string]any) Config {
	if overrides == nil {
		return cfg
	}
	if v, ok := overrides["attempts"].(int); ok {
		cfg.Attempts = v
	}
	if v, ok := overrides["wait"].(time.Duration); ok {
		cfg.Wait = v
	}
	if v, ok := overrides["performAllAttempts"].(bool); ok {
		cfg.PerformAllAttempts = v
	}
	return cfg
}

// safeHook recovers from a panicking hook and turns it into a HookError,
// matching spec §7's treatment of hook exceptions as ordinary errors.
func safeHook[T any](name string, fn func() (T, error)) (T, error) {
	var zero T
	var result T
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &HookError{Hook: name, Err: toError(r)}
			}
		}()
		result, err = fn()
	}()
	if err != nil {
		if _, isHookErr := err.(*HookError); !isHookErr {
			err = &HookError{Hook: name, Err: err}
		}
		return zero, err
	}
	return result, nil
}

func toError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &ValidationError{Msg: "panic in hook"}
}
