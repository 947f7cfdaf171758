package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/flowctl/internal/model"
)

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThresholdPercentage: 50,
		MinimumRequests:            4,
		RecoveryTimeout:            100 * time.Millisecond,
		HalfOpenMax:                1,
	}, nil)

	for i := 0; i < 4; i++ {
		if !cb.CanExecute() {
			t.Fatalf("expected closed breaker to allow attempt %d", i)
		}
		cb.RecordFailure()
	}
	if cb.CanExecute() {
		t.Fatalf("expected breaker to be open after threshold breached")
	}

	time.Sleep(150 * time.Millisecond)
	if !cb.CanExecute() {
		t.Fatalf("expected half-open probe to be admitted after recovery timeout")
	}
	cb.RecordSuccess()
	if !cb.CanExecute() {
		t.Fatalf("expected breaker closed after successful probe")
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThresholdPercentage: 50,
		MinimumRequests:            2,
		RecoveryTimeout:            50 * time.Millisecond,
		HalfOpenMax:                1,
	}, nil)
	cb.RecordFailure()
	cb.RecordFailure()
	time.Sleep(80 * time.Millisecond)
	if !cb.CanExecute() {
		t.Fatalf("expected probe admitted")
	}
	cb.RecordFailure()
	if cb.CanExecute() {
		t.Fatalf("expected breaker reopened after failed probe")
	}
}

func TestRateLimiterAdmitsAtMostMaxPerWindow(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{MaxRequests: 3, WindowMS: 200}, nil)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := rl.Execute(ctx, func() (any, error) { return nil, nil }); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("first 3 should admit immediately, took %v", elapsed)
	}

	done := make(chan struct{})
	go func() {
		_, _ = rl.Execute(ctx, func() (any, error) { return nil, nil })
		close(done)
	}()

	select {
	case <-done:
		if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
			t.Fatalf("4th request admitted too early: %v", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("4th request never admitted")
	}
}

func TestRateLimiterRejectsAfterMaxWait(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{MaxRequests: 1, WindowMS: 500, MaxWaitMS: 50}, nil)
	ctx := context.Background()
	if _, err := rl.Execute(ctx, func() (any, error) { return nil, nil }); err != nil {
		t.Fatalf("unexpected error admitting first request: %v", err)
	}

	_, err := rl.Execute(ctx, func() (any, error) { return nil, nil })
	if err == nil {
		t.Fatalf("expected second request to be rejected after MaxWaitMS elapses")
	}
	if _, ok := err.(*model.RateLimitRejected); !ok {
		t.Fatalf("expected *model.RateLimitRejected, got %T (%v)", err, err)
	}
}

func TestRateLimiterUnboundedWaitNeverRejects(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{MaxRequests: 1, WindowMS: 80}, nil)
	ctx := context.Background()
	if _, err := rl.Execute(ctx, func() (any, error) { return nil, nil }); err != nil {
		t.Fatalf("unexpected error admitting first request: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := rl.Execute(ctx, func() (any, error) { return nil, nil })
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected unbounded wait to eventually admit, got error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("second request never admitted")
	}
}

func TestConcurrencyLimiterBoundsInFlight(t *testing.T) {
	cl := NewConcurrencyLimiter(3, nil)
	var maxSeen int32
	var mu testingAtomicInt
	done := make(chan struct{}, 10)

	for i := 0; i < 10; i++ {
		go func() {
			_, _ = cl.Execute(context.Background(), func() (any, error) {
				cur := cl.Running()
				mu.observe(&maxSeen, cur)
				time.Sleep(20 * time.Millisecond)
				return nil, nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	if maxSeen > 3 {
		t.Fatalf("observed concurrency %d exceeds limit 3", maxSeen)
	}
}

type testingAtomicInt struct{}

func (testingAtomicInt) observe(max *int32, cur int) {
	if int32(cur) > *max {
		*max = int32(cur)
	}
}

func TestCacheRespectsNoStoreAndTTL(t *testing.T) {
	c := NewCache(CacheConfig{MaxSize: 2, DefaultTTL: 50 * time.Millisecond}, nil)
	req := &model.RequestDescriptor{Method: model.MethodGet, Host: "example.com", Path: "/a"}

	c.Set(req, 200, map[string]string{"Cache-Control": "no-store"}, "body")
	if _, ok := c.Get(req); ok {
		t.Fatalf("no-store response must not be cached")
	}

	c.Set(req, 200, nil, "body")
	if _, ok := c.Get(req); !ok {
		t.Fatalf("expected cache hit")
	}
	time.Sleep(80 * time.Millisecond)
	if _, ok := c.Get(req); ok {
		t.Fatalf("expired entry must not be returned")
	}
}

func TestCacheEvictsLRU(t *testing.T) {
	c := NewCache(CacheConfig{MaxSize: 2, DefaultTTL: time.Second}, nil)
	ra := &model.RequestDescriptor{Method: model.MethodGet, Host: "h", Path: "/a"}
	rb := &model.RequestDescriptor{Method: model.MethodGet, Host: "h", Path: "/b"}
	rc := &model.RequestDescriptor{Method: model.MethodGet, Host: "h", Path: "/c"}

	c.Set(ra, 200, nil, "a")
	c.Set(rb, 200, nil, "b")
	c.Get(ra) // ra now most-recently-used
	c.Set(rc, 200, nil, "c")

	if _, ok := c.Get(rb); ok {
		t.Fatalf("expected rb evicted as least-recently-used")
	}
	if _, ok := c.Get(ra); !ok {
		t.Fatalf("expected ra to survive eviction")
	}
}
