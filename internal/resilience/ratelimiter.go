package resilience

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/flowctl/internal/model"
)

// RateLimiterConfig configures a fixed-window token bucket.
type RateLimiterConfig struct {
	MaxRequests int
	WindowMS    int
	// MaxWaitMS bounds how long a caller sits in the FIFO queue before
	// Execute returns RateLimitRejected instead of continuing to wait.
	// Zero (the default) waits unbounded and never rejects.
	MaxWaitMS int
}

type waiter struct {
	ready chan struct{}
}

// RateLimiter is a fixed-window token bucket with a FIFO waiter queue,
// grounded on libs/go/core's refill-on-check token bucket generalized
// with an explicit waiter queue per spec §4.2.
type RateLimiter struct {
	mu          sync.Mutex
	maxTokens   int
	window      time.Duration
	maxWait     time.Duration
	tokens      int
	lastRefill  time.Time
	waiters     *list.List // of *waiter
	refillTimer *time.Timer

	admitted metric.Int64Counter
	queued   metric.Int64Counter
	rejected metric.Int64Counter
}

// NewRateLimiter constructs a RateLimiter admitting at most maxRequests per window.
func NewRateLimiter(cfg RateLimiterConfig, meter metric.Meter) *RateLimiter {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("flowctl-resilience")
	}
	admitted, _ := meter.Int64Counter("flowctl_ratelimit_admitted_total")
	queued, _ := meter.Int64Counter("flowctl_ratelimit_queued_total")
	rejected, _ := meter.Int64Counter("flowctl_ratelimit_rejected_total")
	return &RateLimiter{
		maxTokens:  cfg.MaxRequests,
		window:     time.Duration(cfg.WindowMS) * time.Millisecond,
		maxWait:    time.Duration(cfg.MaxWaitMS) * time.Millisecond,
		tokens:     cfg.MaxRequests,
		lastRefill: time.Now(),
		waiters:    list.New(),
		admitted:   admitted,
		queued:     queued,
		rejected:   rejected,
	}
}

func (rl *RateLimiter) refillLocked() {
	if time.Since(rl.lastRefill) >= rl.window {
		rl.tokens = rl.maxTokens
		rl.lastRefill = time.Now()
		rl.drainLocked()
	}
}

// drainLocked wakes as many FIFO waiters as there are tokens for. Caller holds mu.
func (rl *RateLimiter) drainLocked() {
	for rl.tokens > 0 && rl.waiters.Len() > 0 {
		front := rl.waiters.Front()
		rl.waiters.Remove(front)
		rl.tokens--
		close(front.Value.(*waiter).ready)
	}
}

func (rl *RateLimiter) scheduleRefill() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.refillTimer != nil {
		return
	}
	delay := rl.window - time.Since(rl.lastRefill)
	if delay < 0 {
		delay = 0
	}
	rl.refillTimer = time.AfterFunc(delay, func() {
		rl.mu.Lock()
		rl.refillTimer = nil
		rl.refillLocked()
		needsMore := rl.waiters.Len() > 0
		rl.mu.Unlock()
		if needsMore {
			rl.scheduleRefill()
		}
	})
}

// Execute runs fn once admitted, blocking (FIFO) if no tokens remain.
// With MaxWaitMS unset (the default) the wait is unbounded and this
// never rejects, matching spec §7's default policy; with it set,
// waiting past the bound returns RateLimitRejected instead of fn's result.
func (rl *RateLimiter) Execute(ctx context.Context, fn func() (any, error)) (any, error) {
	rl.mu.Lock()
	rl.refillLocked()
	if rl.tokens > 0 {
		rl.tokens--
		rl.mu.Unlock()
		rl.admitted.Add(ctx, 1)
		return fn()
	}

	w := &waiter{ready: make(chan struct{})}
	rl.waiters.PushBack(w)
	rl.mu.Unlock()
	rl.queued.Add(ctx, 1)
	rl.scheduleRefill()

	var boundedWait <-chan time.Time
	if rl.maxWait > 0 {
		timer := time.NewTimer(rl.maxWait)
		defer timer.Stop()
		boundedWait = timer.C
	}

	select {
	case <-w.ready:
		rl.admitted.Add(ctx, 1)
		return fn()
	case <-ctx.Done():
		rl.rejected.Add(ctx, 1)
		return nil, ctx.Err()
	case <-boundedWait:
		rl.mu.Lock()
		removed := rl.removeWaiterLocked(w)
		rl.mu.Unlock()
		if !removed {
			// drainLocked admitted w concurrently with the timer firing.
			rl.admitted.Add(ctx, 1)
			return fn()
		}
		rl.rejected.Add(ctx, 1)
		return nil, &model.RateLimitRejected{Msg: fmt.Sprintf("wait exceeded %s", rl.maxWait)}
	}
}

// removeWaiterLocked drops w from the queue, reporting whether it was
// still waiting (false means it was already admitted). Caller holds mu.
func (rl *RateLimiter) removeWaiterLocked(w *waiter) bool {
	for e := rl.waiters.Front(); e != nil; e = e.Next() {
		if e.Value.(*waiter) == w {
			rl.waiters.Remove(e)
			return true
		}
	}
	return false
}

// Stop cancels any pending refill timer. Safe to call multiple times.
func (rl *RateLimiter) Stop() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.refillTimer != nil {
		rl.refillTimer.Stop()
		rl.refillTimer = nil
	}
}
