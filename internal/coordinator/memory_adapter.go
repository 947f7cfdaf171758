package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MemoryAdapter is a single-process DistributedAdapter backed by an
// in-memory map. It has no cluster semantics of its own (locks and
// leader election are just mutex-guarded map entries, pub/sub calls
// handlers synchronously in-process) but honors the same contract as
// NATSAdapter, making it usable both for tests and for a
// single-instance deployment that wants the coordinator's API without
// a broker.
type MemoryAdapter struct {
	mu      sync.Mutex
	store   map[string][]byte
	locks   map[string]string // key -> token
	leaders map[string]string // electionKey -> candidateID
	subs    map[string][]*memorySubscription
}

type memorySubscription struct {
	adapter *MemoryAdapter
	subject string
	handler func(ctx context.Context, payload []byte) error
}

func (s *memorySubscription) Unsubscribe() error {
	s.adapter.mu.Lock()
	defer s.adapter.mu.Unlock()
	subs := s.adapter.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.adapter.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// NewMemoryAdapter builds a ready-to-use in-memory adapter. Connect is
// a no-op.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		store:   make(map[string][]byte),
		locks:   make(map[string]string),
		leaders: make(map[string]string),
		subs:    make(map[string][]*memorySubscription),
	}
}

func (a *MemoryAdapter) Connect(ctx context.Context) error    { return nil }
func (a *MemoryAdapter) Disconnect(ctx context.Context) error { return nil }

func (a *MemoryAdapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.store[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (a *MemoryAdapter) Set(ctx context.Context, key string, value []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.store[key] = append([]byte(nil), value...)
	return nil
}

func (a *MemoryAdapter) Delete(ctx context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.store, key)
	return nil
}

func (a *MemoryAdapter) CompareAndSwap(ctx context.Context, key string, expect, value []byte) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	current, exists := a.store[key]
	if expect == nil {
		if exists {
			return false, nil
		}
	} else if !exists || string(current) != string(expect) {
		return false, nil
	}
	a.store[key] = append([]byte(nil), value...)
	return true, nil
}

func (a *MemoryAdapter) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var current int64
	if v, ok := a.store[key]; ok {
		parsed, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse counter %q: %w", key, err)
		}
		current = parsed
	}
	next := current + delta
	a.store[key] = []byte(strconv.FormatInt(next, 10))
	return next, nil
}

func (a *MemoryAdapter) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, held := a.locks[key]; held {
		return "", fmt.Errorf("lock %q held by another holder", key)
	}
	token := fmt.Sprintf("%d", time.Now().UnixNano())
	a.locks[key] = token
	return token, nil
}

func (a *MemoryAdapter) ReleaseLock(ctx context.Context, key, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.locks[key] != token {
		return fmt.Errorf("release lock %q: token mismatch", key)
	}
	delete(a.locks, key)
	return nil
}

func (a *MemoryAdapter) ExtendLock(ctx context.Context, key, token string, ttl time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.locks[key] != token {
		return fmt.Errorf("extend lock %q: token mismatch", key)
	}
	return nil
}

func (a *MemoryAdapter) Campaign(ctx context.Context, electionKey, candidateID string, ttl time.Duration) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, held := a.leaders[electionKey]; held {
		return false, nil
	}
	a.leaders[electionKey] = candidateID
	return true, nil
}

func (a *MemoryAdapter) Resign(ctx context.Context, electionKey, candidateID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.leaders[electionKey] != candidateID {
		return nil
	}
	delete(a.leaders, electionKey)
	return nil
}

func (a *MemoryAdapter) LeaderStatus(ctx context.Context, electionKey, candidateID string) (LeaderStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	leaderID, held := a.leaders[electionKey]
	if !held {
		return LeaderStatus{}, nil
	}
	return LeaderStatus{IsLeader: leaderID == candidateID, LeaderID: leaderID}, nil
}

func (a *MemoryAdapter) Heartbeat(ctx context.Context, electionKey, candidateID string, ttl time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.leaders[electionKey] != candidateID {
		return fmt.Errorf("heartbeat %q: %q is not the current leader", electionKey, candidateID)
	}
	return nil
}

// Publish dispatches to every live subscriber synchronously, outside
// the adapter lock so a handler may itself publish or subscribe
// without deadlocking.
func (a *MemoryAdapter) Publish(ctx context.Context, subject string, payload []byte) error {
	a.mu.Lock()
	handlers := make([]func(context.Context, []byte) error, len(a.subs[subject]))
	for i, sub := range a.subs[subject] {
		handlers[i] = sub.handler
	}
	a.mu.Unlock()

	for _, h := range handlers {
		_ = h(ctx, payload)
	}
	return nil
}

func (a *MemoryAdapter) Subscribe(ctx context.Context, subject string, semantics DeliverySemantics, handler func(ctx context.Context, payload []byte) error) (Subscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sub := &memorySubscription{adapter: a, subject: subject, handler: handler}
	a.subs[subject] = append(a.subs[subject], sub)
	return sub, nil
}

func (a *MemoryAdapter) Commit(ctx context.Context, ops []TxOp) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	snapshot := make(map[string][]byte, len(a.store))
	for k, v := range a.store {
		snapshot[k] = v
	}

	apply := func(op TxOp) error {
		switch op.Kind {
		case TxSet:
			a.store[op.Key] = append([]byte(nil), op.Value...)
			return nil
		case TxDelete:
			delete(a.store, op.Key)
			return nil
		case TxCAS:
			current, exists := a.store[op.Key]
			if op.Expect == nil {
				if exists {
					return fmt.Errorf("compare-and-swap mismatch on %q", op.Key)
				}
			} else if !exists || string(current) != string(op.Expect) {
				return fmt.Errorf("compare-and-swap mismatch on %q", op.Key)
			}
			a.store[op.Key] = append([]byte(nil), op.Value...)
			return nil
		default:
			return fmt.Errorf("unknown tx op kind %q", op.Kind)
		}
	}

	for i, op := range ops {
		if err := apply(op); err != nil {
			a.store = snapshot // rollback every op applied so far
			return fmt.Errorf("commit op %d (%s %s): %w", i, op.Kind, op.Key, err)
		}
	}
	return nil
}
