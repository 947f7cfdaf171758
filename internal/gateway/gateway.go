// Package gateway implements the gateway executor (M2): it runs a list
// of items (requests or function calls) under one of four execution
// modes and returns one order-preserving ItemResponse per item.
// Grounded on the teacher's DAG worker pool (ready channel + results
// channel + coordinator goroutine), generalized from task-graph
// scheduling to a flat item list.
package gateway

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/flowctl/internal/attempt"
	"github.com/swarmguard/flowctl/internal/model"
	"github.com/swarmguard/flowctl/internal/resilience"
)

// Config configures one gateway run.
type Config struct {
	ConcurrentExecution bool
	StopOnFirstError    bool
	EnableRacing        bool
	MaxConcurrentRequests int

	RateLimiter        *resilience.RateLimiter
	ConcurrencyLimiter *resilience.ConcurrencyLimiter
	CircuitBreaker     *resilience.CircuitBreaker
}

// Invoke runs one item to completion, returning its outcome. Callers
// wire this to the attempt engine (or any other executor) per item.
type Invoke func(ctx context.Context, item model.Item) (model.AttemptOutcome, error)

// Gateway runs a batch of items under a Config.
type Gateway struct {
	cfg Config

	executed metric.Int64Counter
	rejected metric.Int64Counter
}

// New constructs a Gateway.
func New(cfg Config, meter metric.Meter) *Gateway {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("flowctl-gateway")
	}
	executed, _ := meter.Int64Counter("flowctl_gateway_items_executed_total")
	rejected, _ := meter.Int64Counter("flowctl_gateway_items_rejected_total")
	return &Gateway{cfg: cfg, executed: executed, rejected: rejected}
}

// Run executes items according to the configured mode.
func (g *Gateway) Run(ctx context.Context, items []model.Item, invoke Invoke) []model.ItemResponse {
	switch {
	case g.cfg.EnableRacing:
		return g.runRacing(ctx, items, invoke)
	case g.cfg.ConcurrentExecution && g.cfg.StopOnFirstError:
		return g.runConcurrentStopOnFirstError(ctx, items, invoke)
	case g.cfg.ConcurrentExecution:
		return g.runConcurrentAllSettled(ctx, items, invoke)
	default:
		return g.runSequential(ctx, items, invoke)
	}
}

func (g *Gateway) gated(ctx context.Context, invoke Invoke, item model.Item) (model.AttemptOutcome, error) {
	if g.cfg.CircuitBreaker != nil && !g.cfg.CircuitBreaker.CanExecute() {
		return model.AttemptOutcome{}, &attempt.CircuitOpenError{Breaker: "gateway"}
	}

	call := func() (any, error) { return invoke(ctx, item) }
	if g.cfg.ConcurrencyLimiter != nil {
		call = func() (any, error) {
			return g.cfg.ConcurrencyLimiter.Execute(ctx, func() (any, error) { return invoke(ctx, item) })
		}
	}
	if g.cfg.RateLimiter != nil {
		inner := call
		call = func() (any, error) { return g.cfg.RateLimiter.Execute(ctx, inner) }
	}

	res, err := call()
	g.executed.Add(ctx, 1)
	if g.cfg.CircuitBreaker != nil {
		if err == nil {
			g.cfg.CircuitBreaker.RecordSuccess()
		} else {
			g.cfg.CircuitBreaker.RecordFailure()
		}
	}
	if res == nil {
		return model.AttemptOutcome{}, err
	}
	return res.(model.AttemptOutcome), err
}

func toResponse(item model.Item, outcome model.AttemptOutcome, err error) model.ItemResponse {
	resp := model.ItemResponse{ItemID: item.ID, Success: err == nil && outcome.OK, Data: outcome.Data, ExecutionTime: outcome.ExecutionTime}
	if err != nil {
		resp.Error = err.Error()
	} else if !outcome.OK && outcome.Err != nil {
		resp.Error = outcome.Err.Error()
	}
	return resp
}

func (g *Gateway) runSequential(ctx context.Context, items []model.Item, invoke Invoke) []model.ItemResponse {
	out := make([]model.ItemResponse, len(items))
	stopped := false
	for i, item := range items {
		if stopped {
			out[i] = model.ItemResponse{ItemID: item.ID, NotExecuted: true}
			continue
		}
		outcome, err := g.gated(ctx, invoke, item)
		out[i] = toResponse(item, outcome, err)
		if g.cfg.StopOnFirstError && !out[i].Success {
			stopped = true
		}
	}
	return out
}

func (g *Gateway) runConcurrentAllSettled(ctx context.Context, items []model.Item, invoke Invoke) []model.ItemResponse {
	out := make([]model.ItemResponse, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item model.Item) {
			defer wg.Done()
			outcome, err := g.gated(ctx, invoke, item)
			out[i] = toResponse(item, outcome, err)
		}(i, item)
	}
	wg.Wait()
	return out
}

// runConcurrentStopOnFirstError launches items one at a time (matching
// spec §4.3's "launch one at a time, cooperatively yielding") and stops
// dispatching as soon as a completed result is unsuccessful.
func (g *Gateway) runConcurrentStopOnFirstError(ctx context.Context, items []model.Item, invoke Invoke) []model.ItemResponse {
	out := make([]model.ItemResponse, len(items))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	stopped := false
	var wg sync.WaitGroup

	for i, item := range items {
		mu.Lock()
		if stopped {
			mu.Unlock()
			out[i] = model.ItemResponse{ItemID: item.ID, NotExecuted: true}
			continue
		}
		mu.Unlock()

		wg.Add(1)
		go func(i int, item model.Item) {
			defer wg.Done()
			outcome, err := g.gated(runCtx, invoke, item)
			resp := toResponse(item, outcome, err)
			mu.Lock()
			out[i] = resp
			if !resp.Success {
				stopped = true
			}
			mu.Unlock()
		}(i, item)
	}
	wg.Wait()
	return out
}

// runRacing launches every item; the first success wins and the rest are
// marked cancelled. If none succeed, every failure is surfaced.
func (g *Gateway) runRacing(ctx context.Context, items []model.Item, invoke Invoke) []model.ItemResponse {
	out := make([]model.ItemResponse, len(items))
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		i    int
		resp model.ItemResponse
	}
	results := make(chan result, len(items))
	for i, item := range items {
		go func(i int, item model.Item) {
			outcome, err := g.gated(raceCtx, invoke, item)
			results <- result{i: i, resp: toResponse(item, outcome, err)}
		}(i, item)
	}

	winner := -1
	received := 0
	collected := make([]result, len(items))
	for received < len(items) {
		r := <-results
		collected[r.i] = r
		received++
		if winner == -1 && r.resp.Success {
			winner = r.i
			cancel()
		}
	}

	for i, r := range collected {
		if i == winner {
			out[i] = r.resp
			continue
		}
		if winner != -1 {
			out[i] = model.ItemResponse{ItemID: items[i].ID, Cancelled: true, Error: "Cancelled — another request/function won the race"}
			continue
		}
		out[i] = r.resp
	}
	return out
}

// ErrCircuitOpenPrefix is the distinct message prefix (spec §4.3) that
// separates circuit-open rejections from ordinary transport failures.
const ErrCircuitOpenPrefix = "CircuitBreakerOpen"

// IsCircuitOpen reports whether err (or its string form) is a circuit-open rejection.
func IsCircuitOpen(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*attempt.CircuitOpenError)
	if ok {
		return true
	}
	return len(err.Error()) >= len(ErrCircuitOpenPrefix) && err.Error()[:len(ErrCircuitOpenPrefix)] == ErrCircuitOpenPrefix
}
