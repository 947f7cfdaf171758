// Package resilience implements the four leaf primitives every attempt
// and gateway batch may be wrapped with: a circuit breaker, a rate
// limiter, a concurrency limiter, and a TTL+LRU response cache.
package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/flowctl/internal/model"
)

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	Name                       string
	FailureThresholdPercentage float64       // 0-100
	MinimumRequests            int64
	RecoveryTimeout            time.Duration
	HalfOpenMax                int // default 1
	RollingWindow              time.Duration // 0 disables windowing (lifetime counters)
	TrackIndividualAttempts    bool
}

type sample struct {
	at      time.Time
	success bool
}

// CircuitBreaker gates calls on a rolling failure-ratio threshold, with a
// HALF_OPEN probe phase between OPEN and CLOSED. Grounded on the
// teacher's api-gateway CircuitBreaker (mutex + explicit transitions,
// Stats snapshot) and the libs/go/core rolling-window failure counter.
type CircuitBreaker struct {
	mu     sync.Mutex
	cfg    CircuitBreakerConfig
	state  model.BreakerState
	openedAt time.Time

	samples []sample // only used when RollingWindow > 0
	total, successes, failures int64

	halfOpenInflight int
	halfOpenFailed   bool

	openCounter   metric.Int64Counter
	closeCounter  metric.Int64Counter
	rejectCounter metric.Int64Counter
}

// NewCircuitBreaker constructs a breaker with the given config and meter.
func NewCircuitBreaker(cfg CircuitBreakerConfig, meter metric.Meter) *CircuitBreaker {
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("flowctl-resilience")
	}
	openCounter, _ := meter.Int64Counter("flowctl_circuit_open_total")
	closeCounter, _ := meter.Int64Counter("flowctl_circuit_closed_total")
	rejectCounter, _ := meter.Int64Counter("flowctl_circuit_rejected_total")
	return &CircuitBreaker{
		cfg:           cfg,
		state:         model.BreakerClosed,
		openCounter:   openCounter,
		closeCounter:  closeCounter,
		rejectCounter: rejectCounter,
	}
}

// CanExecute reports whether a call may proceed, advancing OPEN->HALF_OPEN
// when the recovery timeout has elapsed.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case model.BreakerOpen:
		if time.Since(cb.openedAt) >= cb.cfg.RecoveryTimeout {
			cb.state = model.BreakerHalfOpen
			cb.halfOpenInflight = 0
			cb.halfOpenFailed = false
		} else {
			cb.rejectCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("breaker", cb.cfg.Name)))
			return false
		}
	}

	if cb.state == model.BreakerHalfOpen {
		if cb.halfOpenInflight >= cb.cfg.HalfOpenMax {
			cb.rejectCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("breaker", cb.cfg.Name)))
			return false
		}
		cb.halfOpenInflight++
	}
	return true
}

// RecordSuccess reports a successful call outcome.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.record(true)

	if cb.state == model.BreakerHalfOpen {
		// first probe success closes the circuit
		cb.reset()
	}
}

// RecordFailure reports a failed call outcome.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.record(false)

	if cb.state == model.BreakerHalfOpen {
		cb.transitionToOpen()
		return
	}
	if cb.state == model.BreakerClosed {
		total, failures := cb.windowStats()
		if total >= cb.cfg.MinimumRequests {
			pct := 0.0
			if total > 0 {
				pct = float64(failures) / float64(total) * 100
			}
			if pct >= cb.cfg.FailureThresholdPercentage {
				cb.transitionToOpen()
			}
		}
	}
}

func (cb *CircuitBreaker) record(success bool) {
	cb.total++
	if success {
		cb.successes++
	} else {
		cb.failures++
	}
	if cb.cfg.RollingWindow > 0 {
		now := time.Now()
		cb.samples = append(cb.samples, sample{at: now, success: success})
		cutoff := now.Add(-cb.cfg.RollingWindow)
		i := 0
		for i < len(cb.samples) && cb.samples[i].at.Before(cutoff) {
			i++
		}
		if i > 0 {
			cb.samples = cb.samples[i:]
		}
	}
}

func (cb *CircuitBreaker) windowStats() (total, failures int64) {
	if cb.cfg.RollingWindow <= 0 {
		return cb.total, cb.failures
	}
	for _, s := range cb.samples {
		total++
		if !s.success {
			failures++
		}
	}
	return
}

func (cb *CircuitBreaker) transitionToOpen() {
	cb.state = model.BreakerOpen
	cb.openedAt = time.Now()
	cb.openCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("breaker", cb.cfg.Name)))
}

func (cb *CircuitBreaker) reset() {
	cb.state = model.BreakerClosed
	cb.openedAt = time.Time{}
	cb.samples = nil
	cb.total, cb.successes, cb.failures = 0, 0, 0
	cb.closeCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("breaker", cb.cfg.Name)))
}

// Snapshot returns a read-only view of the breaker's current state.
func (cb *CircuitBreaker) Snapshot() model.BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	total, failures := cb.windowStats()
	pct := 0.0
	if total > 0 {
		pct = float64(failures) / float64(total) * 100
	}
	return model.BreakerSnapshot{
		State:            cb.state,
		TotalRequests:    total,
		Successes:        cb.successes,
		Failures:         failures,
		FailurePct:       pct,
		OpenedAt:         cb.openedAt,
		HalfOpenInflight: cb.halfOpenInflight,
	}
}
