// Package buffer implements the stable buffer: a single-writer state
// container that serializes all mutations through one goroutine, in the
// spirit of the teacher's DAG coordinator channel (a lone goroutine owns
// the ready/results channels and no other goroutine touches dag state
// directly). Here the same shape backs arbitrary JSON-able state instead
// of task-graph bookkeeping.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/flowctl/internal/model"
)

// Mutator transforms the current state into a new state, or returns an
// error to abort the transaction (state is left unchanged).
type Mutator func(state any) (any, error)

// TransactionLog records one run() call's lifecycle for audit/replay.
type TransactionLog struct {
	TransactionID string
	QueuedAt      time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
	DurationMS    int64
	QueueWaitMS   int64
	Success       bool
	StateBefore   any
	StateAfter    any
	Error         string
}

type job struct {
	id       string
	queuedAt time.Time
	mutator  Mutator
	timeout  time.Duration
	result   chan error
}

// Buffer serializes writes to a shared state value through a single
// background goroutine, so concurrent callers never race on state
// mutation regardless of how many call run() concurrently. Reads take a
// deep-cloned snapshot under a read lock without going through that
// goroutine.
type Buffer struct {
	mu    sync.RWMutex
	state any

	jobs   chan job
	logsMu sync.Mutex
	logs   []TransactionLog
	maxLog int

	closeOnce sync.Once
	done      chan struct{}
}

// Config configures a Buffer.
type Config struct {
	InitialState any
	QueueSize    int // default 64
	MaxLogSize   int // 0 means unbounded
}

// New starts the single-writer goroutine and returns a ready Buffer.
func New(cfg Config) *Buffer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	b := &Buffer{
		state:  cfg.InitialState,
		jobs:   make(chan job, cfg.QueueSize),
		maxLog: cfg.MaxLogSize,
		done:   make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Buffer) loop() {
	for j := range b.jobs {
		b.process(j)
	}
	close(b.done)
}

func (b *Buffer) process(j job) {
	startedAt := time.Now()
	before := deepClone(b.readLocked())

	type outcome struct {
		state any
		err   error
	}
	outcomeCh := make(chan outcome, 1)
	go func() {
		next, err := j.mutator(before)
		outcomeCh <- outcome{next, err}
	}()

	var out outcome
	if j.timeout > 0 {
		select {
		case out = <-outcomeCh:
		case <-time.After(j.timeout):
			out = outcome{nil, &model.TimeoutError{Msg: fmt.Sprintf("buffer: transaction %s timed out after %s", j.id, j.timeout)}}
		}
	} else {
		out = <-outcomeCh
	}

	finishedAt := time.Now()
	success := out.err == nil
	var after any
	if success {
		b.mu.Lock()
		b.state = out.state
		after = deepClone(out.state)
		b.mu.Unlock()
	} else {
		after = before
	}

	entry := TransactionLog{
		TransactionID: j.id,
		QueuedAt:      j.queuedAt,
		StartedAt:     startedAt,
		FinishedAt:    finishedAt,
		DurationMS:    finishedAt.Sub(startedAt).Milliseconds(),
		QueueWaitMS:   startedAt.Sub(j.queuedAt).Milliseconds(),
		Success:       success,
		StateBefore:   before,
		StateAfter:    after,
	}
	if out.err != nil {
		entry.Error = out.err.Error()
	}
	b.appendLog(entry)

	j.result <- out.err
}

func (b *Buffer) appendLog(entry TransactionLog) {
	b.logsMu.Lock()
	defer b.logsMu.Unlock()
	b.logs = append(b.logs, entry)
	if b.maxLog > 0 && len(b.logs) > b.maxLog {
		b.logs = b.logs[len(b.logs)-b.maxLog:]
	}
}

func (b *Buffer) readLocked() any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Run enqueues mutator and blocks until it has executed or ctx is
// cancelled. A mutator that was already enqueued still runs after Run
// has returned ctx.Err(). Zero timeout means no per-transaction
// deadline.
func (b *Buffer) Run(ctx context.Context, mutator Mutator, timeout time.Duration) error {
	j := job{
		id:       uuid.NewString(),
		queuedAt: time.Now(),
		mutator:  mutator,
		timeout:  timeout,
		result:   make(chan error, 1),
	}
	select {
	case b.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read returns a deep clone of the current state, safe to mutate by the caller.
func (b *Buffer) Read() any {
	return deepClone(b.readLocked())
}

// LoadTransactionLogs returns a snapshot of the recorded transaction history.
func (b *Buffer) LoadTransactionLogs(_ context.Context) []TransactionLog {
	b.logsMu.Lock()
	defer b.logsMu.Unlock()
	out := make([]TransactionLog, len(b.logs))
	copy(out, b.logs)
	return out
}

// Close stops accepting new transactions and waits for the writer
// goroutine to drain. Safe to call multiple times.
func (b *Buffer) Close() {
	b.closeOnce.Do(func() {
		close(b.jobs)
	})
	<-b.done
}

// deepClone round-trips through JSON so stored/returned state does not
// alias a caller's mutable value. A value that does not survive the
// round-trip is returned as-is, uncloned.
func deepClone(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
