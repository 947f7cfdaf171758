// Package coordinator implements the optional distributed coordination
// facade (spec §4.11): locks, a namespaced key/value store with
// compare-and-swap, counters, leader election, publish/subscribe with
// selectable delivery semantics, and 2PC-style transactional commits.
// The facade is opt-in — nothing elsewhere in this module depends on
// it — and is backend-agnostic behind the DistributedAdapter
// interface, grounded on the teacher's libs/go/core/natsctx.go
// (trace-propagating NATS publish/subscribe) for its one concrete
// production adapter.
package coordinator

import (
	"context"
	"time"
)

// DeliverySemantics selects how Subscribe acknowledges delivered
// messages.
type DeliverySemantics string

const (
	AtMostOnce  DeliverySemantics = "AT_MOST_ONCE"
	AtLeastOnce DeliverySemantics = "AT_LEAST_ONCE"
	ExactlyOnce DeliverySemantics = "EXACTLY_ONCE"
)

// LeaderStatus reports the current holder of an election key and
// whether the asking candidate is that holder.
type LeaderStatus struct {
	IsLeader bool
	LeaderID string
	Term     int64
}

// TxOpKind names one operation within a Commit transaction.
type TxOpKind string

const (
	TxSet    TxOpKind = "SET"
	TxDelete TxOpKind = "DELETE"
	TxCAS    TxOpKind = "CAS"
)

// TxOp is one operation in a transactional Commit. Expect is only
// consulted for TxCAS.
type TxOp struct {
	Kind   TxOpKind
	Key    string
	Value  []byte
	Expect []byte
}

// Subscription is a live subscription handle.
type Subscription interface {
	Unsubscribe() error
}

// DistributedAdapter is the minimal surface a distributed backend must
// implement. DistributedCoordinator layers namespacing, retry, and
// write batching on top; adapters implement raw operations only and
// need not be safe against partial failure of the higher-level
// contract (e.g. Commit's prepare/commit/rollback is the adapter's
// responsibility, not the facade's).
type DistributedAdapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	ReleaseLock(ctx context.Context, key, token string) error
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) error

	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	CompareAndSwap(ctx context.Context, key string, expect, value []byte) (swapped bool, err error)

	Increment(ctx context.Context, key string, delta int64) (value int64, err error)

	Campaign(ctx context.Context, electionKey, candidateID string, ttl time.Duration) (won bool, err error)
	Resign(ctx context.Context, electionKey, candidateID string) error
	LeaderStatus(ctx context.Context, electionKey, candidateID string) (LeaderStatus, error)
	Heartbeat(ctx context.Context, electionKey, candidateID string, ttl time.Duration) error

	Publish(ctx context.Context, subject string, payload []byte) error
	Subscribe(ctx context.Context, subject string, semantics DeliverySemantics, handler func(ctx context.Context, payload []byte) error) (Subscription, error)

	Commit(ctx context.Context, ops []TxOp) error
}
