package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var natsPropagator = propagation.TraceContext{}

// NATSAdapter implements DistributedAdapter over a NATS JetStream
// KeyValue bucket (get/set/CAS/counters/locks via revision-checked
// updates) and NATS subjects for pub/sub. Grounded on
// libs/go/core/natsctx.go's trace-propagating Publish/Subscribe
// wrapper, widened to the full adapter surface. Streams backing
// AtLeastOnce/ExactlyOnce subjects are assumed provisioned externally;
// this adapter dispatches to them, it does not administer them.
type NATSAdapter struct {
	URL    string
	Bucket string

	conn *nats.Conn
	js   nats.JetStreamContext
	kv   nats.KeyValue
}

// NewNATSAdapter builds an adapter bound to a JetStream KV bucket.
// Connect must be called before use.
func NewNATSAdapter(url, bucket string) *NATSAdapter {
	return &NATSAdapter{URL: url, Bucket: bucket}
}

func (a *NATSAdapter) Connect(ctx context.Context) error {
	conn, err := nats.Connect(a.URL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("jetstream context: %w", err)
	}
	kv, err := js.KeyValue(a.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: a.Bucket})
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("open kv bucket %q: %w", a.Bucket, err)
	}
	a.conn, a.js, a.kv = conn, js, kv
	return nil
}

func (a *NATSAdapter) Disconnect(ctx context.Context) error {
	if a.conn != nil {
		a.conn.Close()
	}
	return nil
}

func (a *NATSAdapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := a.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value(), true, nil
}

func (a *NATSAdapter) Set(ctx context.Context, key string, value []byte) error {
	_, err := a.kv.Put(key, value)
	return err
}

func (a *NATSAdapter) Delete(ctx context.Context, key string) error {
	return a.kv.Delete(key)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CompareAndSwap treats a nil expect as "key must not currently exist"
// and otherwise requires the stored value to byte-match expect before
// writing. A concurrent writer winning the race is reported as
// swapped=false, not an error.
func (a *NATSAdapter) CompareAndSwap(ctx context.Context, key string, expect, value []byte) (bool, error) {
	entry, err := a.kv.Get(key)
	switch {
	case errors.Is(err, nats.ErrKeyNotFound):
		if expect != nil {
			return false, nil
		}
		if _, err := a.kv.Create(key, value); err != nil {
			if errors.Is(err, nats.ErrKeyExists) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	case err != nil:
		return false, err
	}
	if !bytesEqual(entry.Value(), expect) {
		return false, nil
	}
	if _, err := a.kv.Update(key, value, entry.Revision()); err != nil {
		return false, nil
	}
	return true, nil
}

// Increment loops Get/Create-or-Update until it wins the revision
// race. Counter value mirrors the GCounter/PNCounter shape
// (increment/decrement/value) without their vector-clock merge, since
// this is a single authoritative KV value rather than a merged
// per-replica count.
func (a *NATSAdapter) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	for {
		entry, err := a.kv.Get(key)
		var current int64
		var revision uint64
		switch {
		case errors.Is(err, nats.ErrKeyNotFound):
			current, revision = 0, 0
		case err != nil:
			return 0, err
		default:
			current, err = strconv.ParseInt(string(entry.Value()), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse counter %q: %w", key, err)
			}
			revision = entry.Revision()
		}

		next := current + delta
		encoded := []byte(strconv.FormatInt(next, 10))

		if revision == 0 {
			if _, err := a.kv.Create(key, encoded); err != nil {
				if errors.Is(err, nats.ErrKeyExists) {
					continue
				}
				return 0, err
			}
			return next, nil
		}
		if _, err := a.kv.Update(key, encoded, revision); err != nil {
			continue
		}
		return next, nil
	}
}

// AcquireLock atomically creates the lock key; the resulting KV
// revision is returned as the fencing token.
func (a *NATSAdapter) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	rev, err := a.kv.Create(key, []byte(fmt.Sprintf("locked:%d", time.Now().UnixNano())))
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return "", fmt.Errorf("lock %q held by another holder", key)
		}
		return "", err
	}
	return strconv.FormatUint(rev, 10), nil
}

func (a *NATSAdapter) ReleaseLock(ctx context.Context, key, token string) error {
	rev, err := strconv.ParseUint(token, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid lock token %q: %w", token, err)
	}
	return a.kv.Delete(key, nats.LastRevision(rev))
}

func (a *NATSAdapter) ExtendLock(ctx context.Context, key, token string, ttl time.Duration) error {
	rev, err := strconv.ParseUint(token, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid lock token %q: %w", token, err)
	}
	_, err = a.kv.Update(key, []byte(fmt.Sprintf("locked:%d", time.Now().UnixNano())), rev)
	return err
}

func (a *NATSAdapter) Campaign(ctx context.Context, electionKey, candidateID string, ttl time.Duration) (bool, error) {
	_, err := a.kv.Create(electionKey, []byte(candidateID))
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (a *NATSAdapter) Resign(ctx context.Context, electionKey, candidateID string) error {
	entry, err := a.kv.Get(electionKey)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if string(entry.Value()) != candidateID {
		return fmt.Errorf("resign %q: held by a different candidate", electionKey)
	}
	return a.kv.Delete(electionKey, nats.LastRevision(entry.Revision()))
}

func (a *NATSAdapter) LeaderStatus(ctx context.Context, electionKey, candidateID string) (LeaderStatus, error) {
	entry, err := a.kv.Get(electionKey)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return LeaderStatus{}, nil
	}
	if err != nil {
		return LeaderStatus{}, err
	}
	leaderID := string(entry.Value())
	return LeaderStatus{IsLeader: leaderID == candidateID, LeaderID: leaderID, Term: int64(entry.Revision())}, nil
}

func (a *NATSAdapter) Heartbeat(ctx context.Context, electionKey, candidateID string, ttl time.Duration) error {
	entry, err := a.kv.Get(electionKey)
	if err != nil {
		return err
	}
	if string(entry.Value()) != candidateID {
		return fmt.Errorf("heartbeat %q: %q is not the current leader", electionKey, candidateID)
	}
	_, err = a.kv.Update(electionKey, []byte(candidateID), entry.Revision())
	return err
}

func (a *NATSAdapter) Publish(ctx context.Context, subject string, payload []byte) error {
	hdr := nats.Header{}
	natsPropagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return a.conn.PublishMsg(&nats.Msg{Subject: subject, Data: payload, Header: hdr})
}

// Subscribe dispatches AtMostOnce through a plain core-NATS
// subscription (fire-and-forget). AtLeastOnce and ExactlyOnce go
// through a manually-acked JetStream consumer: a handler error NAKs
// the message for redelivery, success ACKs it. ExactlyOnce additionally
// dedups by Nats-Msg-Id in memory — that dedup window does not survive
// a process restart; a durable dedup store would be needed for that.
func (a *NATSAdapter) Subscribe(ctx context.Context, subject string, semantics DeliverySemantics, handler func(ctx context.Context, payload []byte) error) (Subscription, error) {
	consume := func(m *nats.Msg) (context.Context, trace.Span) {
		msgCtx := natsPropagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		tracer := otel.Tracer("flowctl-coordinator")
		return tracer.Start(msgCtx, "coordinator.consume", trace.WithSpanKind(trace.SpanKindConsumer))
	}

	switch semantics {
	case AtMostOnce:
		sub, err := a.conn.Subscribe(subject, func(m *nats.Msg) {
			spanCtx, span := consume(m)
			defer span.End()
			_ = handler(spanCtx, m.Data)
		})
		if err != nil {
			return nil, err
		}
		return sub, nil

	case AtLeastOnce, ExactlyOnce:
		var seenMu sync.Mutex
		seen := make(map[string]struct{})
		sub, err := a.js.Subscribe(subject, func(m *nats.Msg) {
			spanCtx, span := consume(m)
			defer span.End()

			if semantics == ExactlyOnce {
				msgID := m.Header.Get(nats.MsgIdHdr)
				if msgID != "" {
					seenMu.Lock()
					_, dup := seen[msgID]
					if !dup {
						seen[msgID] = struct{}{}
					}
					seenMu.Unlock()
					if dup {
						m.Ack()
						return
					}
				}
			}

			if err := handler(spanCtx, m.Data); err != nil {
				m.Nak()
				return
			}
			m.Ack()
		}, nats.ManualAck(), nats.Durable(subjectDurableName(subject)))
		if err != nil {
			return nil, err
		}
		return sub, nil

	default:
		return nil, fmt.Errorf("unsupported delivery semantics %q", semantics)
	}
}

func subjectDurableName(subject string) string {
	out := make([]byte, len(subject))
	for i := 0; i < len(subject); i++ {
		if subject[i] == '.' || subject[i] == '*' || subject[i] == '>' {
			out[i] = '-'
		} else {
			out[i] = subject[i]
		}
	}
	return "flowctl-" + string(out)
}

// Commit applies ops best-effort in order; a failed CAS or any adapter
// error aborts and reports which op failed. There is no true
// rollback of already-applied ops in this adapter: callers that need
// full prepare/commit/rollback isolation should keep ops idempotent.
func (a *NATSAdapter) Commit(ctx context.Context, ops []TxOp) error {
	for i, op := range ops {
		var err error
		switch op.Kind {
		case TxSet:
			err = a.Set(ctx, op.Key, op.Value)
		case TxDelete:
			err = a.Delete(ctx, op.Key)
		case TxCAS:
			var ok bool
			ok, err = a.CompareAndSwap(ctx, op.Key, op.Expect, op.Value)
			if err == nil && !ok {
				err = fmt.Errorf("compare-and-swap mismatch")
			}
		default:
			err = fmt.Errorf("unknown tx op kind %q", op.Kind)
		}
		if err != nil {
			return fmt.Errorf("commit op %d (%s %s): %w", i, op.Kind, op.Key, err)
		}
	}
	return nil
}
