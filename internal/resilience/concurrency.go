package resilience

import (
	"container/list"
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ConcurrencyLimiter is a semaphore with a FIFO waiter queue, generalized
// from the worker-pool/ready-queue pattern in the teacher's DAG executor.
type ConcurrencyLimiter struct {
	mu      sync.Mutex
	limit   int
	running int
	waiters *list.List // of chan struct{}

	runningGauge metric.Int64UpDownCounter
}

// NewConcurrencyLimiter constructs a limiter admitting at most `limit` concurrent executions.
func NewConcurrencyLimiter(limit int, meter metric.Meter) *ConcurrencyLimiter {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("flowctl-resilience")
	}
	running, _ := meter.Int64UpDownCounter("flowctl_concurrency_running")
	return &ConcurrencyLimiter{limit: limit, waiters: list.New(), runningGauge: running}
}

// Execute runs fn once a slot is free, queueing FIFO otherwise. The slot is
// always released, even if fn panics or errors, so a failing fn never wedges
// capacity.
func (cl *ConcurrencyLimiter) Execute(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := cl.acquire(ctx); err != nil {
		return nil, err
	}
	defer cl.release()
	return fn()
}

func (cl *ConcurrencyLimiter) acquire(ctx context.Context) error {
	cl.mu.Lock()
	if cl.running < cl.limit {
		cl.running++
		cl.mu.Unlock()
		cl.runningGauge.Add(ctx, 1)
		return nil
	}
	ready := make(chan struct{})
	elem := cl.waiters.PushBack(ready)
	cl.mu.Unlock()

	select {
	case <-ready:
		cl.runningGauge.Add(ctx, 1)
		return nil
	case <-ctx.Done():
		cl.mu.Lock()
		cl.waiters.Remove(elem)
		cl.mu.Unlock()
		return ctx.Err()
	}
}

func (cl *ConcurrencyLimiter) release() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.running--
	cl.runningGauge.Add(context.Background(), -1)
	if front := cl.waiters.Front(); front != nil {
		cl.waiters.Remove(front)
		cl.running++
		close(front.Value.(chan struct{}))
	}
}

// Running reports the current in-flight count, for tests/metrics.
func (cl *ConcurrencyLimiter) Running() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.running
}
