package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config configures a DistributedCoordinator.
type Config struct {
	Namespace          string
	RetryMaxElapsed    time.Duration // 0 uses backoff's own default (15m)
	BatchFlushInterval time.Duration // 0 disables write batching
}

// DistributedCoordinator layers key namespacing, jittered exponential
// retry, and optional write batching over a DistributedAdapter.
type DistributedCoordinator struct {
	adapter         DistributedAdapter
	namespace       string
	retryMaxElapsed time.Duration

	mu                 sync.Mutex
	batchFlushInterval time.Duration
	pendingSets        map[string][]byte
	pendingDeletes     map[string]struct{}
	flushTimer         *time.Timer
}

// New builds a coordinator over adapter. adapter must already be
// configured; Connect still needs to be called before use.
func New(adapter DistributedAdapter, cfg Config) *DistributedCoordinator {
	return &DistributedCoordinator{
		adapter:            adapter,
		namespace:          cfg.Namespace,
		retryMaxElapsed:    cfg.RetryMaxElapsed,
		batchFlushInterval: cfg.BatchFlushInterval,
		pendingSets:        make(map[string][]byte),
		pendingDeletes:     make(map[string]struct{}),
	}
}

func (c *DistributedCoordinator) key(k string) string {
	if c.namespace == "" {
		return k
	}
	return c.namespace + ":" + k
}

// withRetry retries op with exponential backoff and ±25% jitter,
// bounded by RetryMaxElapsed (spec §4.11).
func (c *DistributedCoordinator) withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.25
	if c.retryMaxElapsed > 0 {
		b.MaxElapsedTime = c.retryMaxElapsed
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func (c *DistributedCoordinator) Connect(ctx context.Context) error {
	return c.withRetry(ctx, func() error { return c.adapter.Connect(ctx) })
}

func (c *DistributedCoordinator) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	c.mu.Unlock()
	return c.adapter.Disconnect(ctx)
}

// Lock is a held distributed lock; release it with Unlock.
type Lock struct {
	coordinator *DistributedCoordinator
	key         string
	token       string
}

// AcquireLock blocks (subject to ctx and retry backoff) until it holds
// key or the retry budget is exhausted.
func (c *DistributedCoordinator) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	var token string
	err := c.withRetry(ctx, func() error {
		t, err := c.adapter.AcquireLock(ctx, c.key(key), ttl)
		if err != nil {
			return err
		}
		token = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	return &Lock{coordinator: c, key: key, token: token}, nil
}

func (l *Lock) Unlock(ctx context.Context) error {
	return l.coordinator.withRetry(ctx, func() error {
		return l.coordinator.adapter.ReleaseLock(ctx, l.coordinator.key(l.key), l.token)
	})
}

func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	return l.coordinator.withRetry(ctx, func() error {
		return l.coordinator.adapter.ExtendLock(ctx, l.coordinator.key(l.key), l.token, ttl)
	})
}

// WithLock acquires key, runs fn, and releases the lock whether or not
// fn errors.
func (c *DistributedCoordinator) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lock, err := c.AcquireLock(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer lock.Unlock(ctx)
	return fn(ctx)
}

func (c *DistributedCoordinator) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := c.withRetry(ctx, func() error {
		v, ok, err := c.adapter.Get(ctx, c.key(key))
		value, found = v, ok
		return err
	})
	return value, found, err
}

// Set writes key immediately, or enqueues it for the next batch flush
// when BatchFlushInterval is configured.
func (c *DistributedCoordinator) Set(ctx context.Context, key string, value []byte) error {
	if c.batchFlushInterval <= 0 {
		return c.withRetry(ctx, func() error { return c.adapter.Set(ctx, c.key(key), value) })
	}
	c.mu.Lock()
	c.pendingSets[key] = value
	delete(c.pendingDeletes, key)
	c.scheduleFlushLocked(ctx)
	c.mu.Unlock()
	return nil
}

// Delete removes key immediately, or enqueues the deletion for the
// next batch flush when BatchFlushInterval is configured.
func (c *DistributedCoordinator) Delete(ctx context.Context, key string) error {
	if c.batchFlushInterval <= 0 {
		return c.withRetry(ctx, func() error { return c.adapter.Delete(ctx, c.key(key)) })
	}
	c.mu.Lock()
	delete(c.pendingSets, key)
	c.pendingDeletes[key] = struct{}{}
	c.scheduleFlushLocked(ctx)
	c.mu.Unlock()
	return nil
}

func (c *DistributedCoordinator) scheduleFlushLocked(ctx context.Context) {
	if c.flushTimer != nil {
		return
	}
	c.flushTimer = time.AfterFunc(c.batchFlushInterval, func() {
		c.Flush(ctx)
	})
}

// Flush writes every batched set/delete now, bypassing the sync timer.
func (c *DistributedCoordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	sets := c.pendingSets
	deletes := c.pendingDeletes
	c.pendingSets = make(map[string][]byte)
	c.pendingDeletes = make(map[string]struct{})
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	c.mu.Unlock()

	for k, v := range sets {
		if err := c.withRetry(ctx, func() error { return c.adapter.Set(ctx, c.key(k), v) }); err != nil {
			return fmt.Errorf("flush set %q: %w", k, err)
		}
	}
	for k := range deletes {
		if err := c.withRetry(ctx, func() error { return c.adapter.Delete(ctx, c.key(k)) }); err != nil {
			return fmt.Errorf("flush delete %q: %w", k, err)
		}
	}
	return nil
}

func (c *DistributedCoordinator) CompareAndSwap(ctx context.Context, key string, expect, value []byte) (bool, error) {
	var swapped bool
	err := c.withRetry(ctx, func() error {
		ok, err := c.adapter.CompareAndSwap(ctx, c.key(key), expect, value)
		swapped = ok
		return err
	})
	return swapped, err
}

// Update runs a read-modify-write loop over CompareAndSwap, retrying
// with a small random backoff whenever a concurrent writer wins the
// race.
func (c *DistributedCoordinator) Update(ctx context.Context, key string, fn func(current []byte, found bool) ([]byte, error)) error {
	for {
		current, found, err := c.Get(ctx, key)
		if err != nil {
			return err
		}
		next, err := fn(current, found)
		if err != nil {
			return err
		}
		ok, err := c.CompareAndSwap(ctx, key, current, next)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(5+rand.Intn(20)) * time.Millisecond):
		}
	}
}

func (c *DistributedCoordinator) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	var value int64
	err := c.withRetry(ctx, func() error {
		v, err := c.adapter.Increment(ctx, c.key(key), delta)
		value = v
		return err
	})
	return value, err
}

func (c *DistributedCoordinator) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	return c.Increment(ctx, key, -delta)
}

func (c *DistributedCoordinator) Campaign(ctx context.Context, electionKey, candidateID string, ttl time.Duration) (bool, error) {
	var won bool
	err := c.withRetry(ctx, func() error {
		w, err := c.adapter.Campaign(ctx, c.key(electionKey), candidateID, ttl)
		won = w
		return err
	})
	return won, err
}

func (c *DistributedCoordinator) Resign(ctx context.Context, electionKey, candidateID string) error {
	return c.withRetry(ctx, func() error { return c.adapter.Resign(ctx, c.key(electionKey), candidateID) })
}

func (c *DistributedCoordinator) LeaderStatus(ctx context.Context, electionKey, candidateID string) (LeaderStatus, error) {
	var status LeaderStatus
	err := c.withRetry(ctx, func() error {
		s, err := c.adapter.LeaderStatus(ctx, c.key(electionKey), candidateID)
		status = s
		return err
	})
	return status, err
}

func (c *DistributedCoordinator) Heartbeat(ctx context.Context, electionKey, candidateID string, ttl time.Duration) error {
	return c.withRetry(ctx, func() error { return c.adapter.Heartbeat(ctx, c.key(electionKey), candidateID, ttl) })
}

func (c *DistributedCoordinator) Publish(ctx context.Context, subject string, payload []byte) error {
	return c.withRetry(ctx, func() error { return c.adapter.Publish(ctx, c.key(subject), payload) })
}

func (c *DistributedCoordinator) Subscribe(ctx context.Context, subject string, semantics DeliverySemantics, handler func(ctx context.Context, payload []byte) error) (Subscription, error) {
	return c.adapter.Subscribe(ctx, c.key(subject), semantics, handler)
}

// Commit applies ops as a single 2PC-style transaction, namespacing
// every key first.
func (c *DistributedCoordinator) Commit(ctx context.Context, ops []TxOp) error {
	namespaced := make([]TxOp, len(ops))
	for i, op := range ops {
		namespaced[i] = op
		namespaced[i].Key = c.key(op.Key)
	}
	return c.withRetry(ctx, func() error { return c.adapter.Commit(ctx, namespaced) })
}
