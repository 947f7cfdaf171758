// Package scheduler dispatches jobs against INTERVAL/CRON/TIMESTAMP/
// TIMESTAMPS schedules through a bounded-parallelism FIFO queue (spec
// §4.10). Grounded on the orchestrator's scheduler.go: a tick timer
// walks the job table, fires due jobs through slog-logged,
// never-fatal dispatch, and persists schedule state on a debounce
// timer — widened here from cron-only workflow triggers to the full
// job model and wired through the shared resilience gates instead of
// the teacher's ad hoc per-schedule error counters.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/flowctl/internal/attempt"
	"github.com/swarmguard/flowctl/internal/buffer"
	"github.com/swarmguard/flowctl/internal/resilience"
)

// RetryConfig configures a job's on-failure retry backoff, reusing the
// attempt engine's delay formulas.
type RetryConfig struct {
	MaxAttempts int // 0 means unbounded retries
	Strategy    attempt.RetryStrategy
	BaseWait    time.Duration
	Jitter      float64
	MaxWait     time.Duration
}

// JobConfig describes one schedulable unit of work.
type JobConfig struct {
	ID       string // generated via uuid.NewString if empty
	Name     string
	Schedule Schedule
	Run      func(ctx context.Context) error
	Timeout  time.Duration
	Retry    *RetryConfig

	CircuitBreaker     *resilience.CircuitBreaker
	RateLimiter        *resilience.RateLimiter
	ConcurrencyLimiter *resilience.ConcurrencyLimiter

	CommonBuffer        *buffer.Buffer
	LoadTransactionLogs bool
}

// JobStats tracks one job's running counters.
type JobStats struct {
	TotalRuns      int64
	SuccessfulRuns int64
	FailedRuns     int64
	Dropped        int64
	LastDurationMS int64
	LastError      string
}

type jobRecord struct {
	Config     JobConfig
	NextRunAt  time.Time
	HasNext    bool
	LastRunAt  time.Time
	Running    bool
	Queued     bool
	RetryCount int
	Stats      JobStats
}

// JobState is one job's persisted state. Running/Queued flags are
// never persisted: RestoreState always comes back with every job idle.
type JobState struct {
	Config    JobConfig
	NextRunAt time.Time
	HasNext   bool
	LastRunAt time.Time
	Stats     JobStats
}

// State is the scheduler's full serializable snapshot.
type State struct {
	Jobs []JobState
}

// Metrics is a point-in-time view of scheduler load.
type Metrics struct {
	TotalJobs int
	Running   int
	Queued    int
}

// Config configures a Scheduler.
type Config struct {
	QueueLimit            int // 0 = unbounded
	MaxParallel           int // default 1
	TickIntervalMS        int64
	SaveState             func(State) error
	LoadState             func() (State, bool, error)
	PersistenceDebounceMS int64
}

// Scheduler dispatches jobs per their schedule, bounded by MaxParallel
// and a FIFO queue, with per-job retry and optional debounced
// persistence.
type Scheduler struct {
	mu          sync.Mutex
	jobs        map[string]*jobRecord
	queue       []string
	queueLimit  int
	maxParallel int
	running     int

	tickIntervalMS int64
	stopCh         chan struct{}
	wg             sync.WaitGroup

	saveState             func(State) error
	loadState             func() (State, bool, error)
	persistenceDebounceMs int64
	debounceTimer         *time.Timer

	dispatches metric.Int64Counter
	failures   metric.Int64Counter
	dropped    metric.Int64Counter
	retries    metric.Int64Counter
}

// New builds a Scheduler. A nil meter falls back to the global
// provider, matching the otel wiring in internal/persistence.
func New(cfg Config, meter metric.Meter) *Scheduler {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.TickIntervalMS == 0 {
		cfg.TickIntervalMS = 1000
	}
	if cfg.TickIntervalMS < 50 {
		cfg.TickIntervalMS = 50
	}
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("flowctl-scheduler")
	}
	dispatches, _ := meter.Int64Counter("flowctl_scheduler_dispatches_total")
	failures, _ := meter.Int64Counter("flowctl_scheduler_failures_total")
	dropped, _ := meter.Int64Counter("flowctl_scheduler_dropped_total")
	retries, _ := meter.Int64Counter("flowctl_scheduler_retries_total")

	return &Scheduler{
		jobs:                  make(map[string]*jobRecord),
		queueLimit:            cfg.QueueLimit,
		maxParallel:           cfg.MaxParallel,
		tickIntervalMS:        cfg.TickIntervalMS,
		saveState:             cfg.SaveState,
		loadState:             cfg.LoadState,
		persistenceDebounceMs: cfg.PersistenceDebounceMS,
		dispatches:            dispatches,
		failures:              failures,
		dropped:               dropped,
		retries:               retries,
	}
}

// AddJob registers a single job and computes its first fire time.
func (s *Scheduler) AddJob(cfg JobConfig) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addJobLocked(cfg, time.Now())
}

// AddJobs registers several jobs, stopping at the first error.
func (s *Scheduler) AddJobs(cfgs []JobConfig) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	ids := make([]string, 0, len(cfgs))
	for _, cfg := range cfgs {
		id, err := s.addJobLocked(cfg, now)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// SetJobs replaces the entire job table, dropping anything queued or
// running from the prior set.
func (s *Scheduler) SetJobs(cfgs []JobConfig) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]*jobRecord)
	s.queue = nil
	now := time.Now()
	ids := make([]string, 0, len(cfgs))
	for _, cfg := range cfgs {
		id, err := s.addJobLocked(cfg, now)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Scheduler) addJobLocked(cfg JobConfig, now time.Time) (string, error) {
	if cfg.Run == nil {
		return "", fmt.Errorf("job %q: Run is required", cfg.Name)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if _, dup := s.jobs[cfg.ID]; dup {
		return "", fmt.Errorf("job id %q already registered", cfg.ID)
	}
	next, ok, err := nextRun(cfg.Schedule, now, time.Time{})
	if err != nil {
		if cfg.Schedule.Kind != ScheduleCron {
			return "", fmt.Errorf("job %q: %w", cfg.Name, err)
		}
		// An unparsable cron expression disables the job rather than
		// rejecting registration: null next-fire, never dispatched.
		next, ok = time.Time{}, false
	}
	s.jobs[cfg.ID] = &jobRecord{Config: cfg, NextRunAt: next, HasNext: ok}
	return cfg.ID, nil
}

// RemoveJob drops a job from the table. It takes effect immediately
// for future ticks; a currently running invocation finishes normally.
func (s *Scheduler) RemoveJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	for i, qid := range s.queue {
		if qid == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
}

// Start begins the tick loop. Calling Start while already running is
// a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	if err := s.LoadPersistedState(); err != nil {
		slog.Error("scheduler failed to restore persisted state", "error", err)
	}

	interval := time.Duration(s.tickIntervalMS) * time.Millisecond
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Tick(ctx)
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	slog.Info("scheduler started", "tickIntervalMs", s.tickIntervalMS, "maxParallel", s.maxParallel)
}

// Stop halts the tick loop and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	s.wg.Wait()
	slog.Info("scheduler stopped")
}

// Tick enqueues every due job and drains the queue up to maxParallel.
// Exported so callers (and tests) can drive the scheduler without the
// internal ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		job := s.jobs[id]
		if job.Running || job.Queued || !job.HasNext || job.NextRunAt.After(now) {
			continue
		}
		if s.queueLimit > 0 && len(s.queue) >= s.queueLimit {
			job.Stats.Dropped++
			s.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("job", job.Config.Name)))
			continue
		}
		job.Queued = true
		s.queue = append(s.queue, id)
	}

	var toDispatch []string
	for s.running < s.maxParallel && len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		s.running++
		toDispatch = append(toDispatch, id)
	}
	s.mu.Unlock()

	for _, id := range toDispatch {
		s.dispatch(ctx, id)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, id string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.running--
		s.mu.Unlock()
		return
	}
	job.Running = true
	job.Queued = false
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runJob(ctx, job)
	}()
}

func (s *Scheduler) runJob(ctx context.Context, job *jobRecord) {
	start := time.Now()

	runCtx := ctx
	if job.Config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Config.Timeout)
		defer cancel()
	}

	if job.Config.LoadTransactionLogs && job.Config.CommonBuffer != nil {
		job.Config.CommonBuffer.LoadTransactionLogs(runCtx)
	}

	err := s.runGated(runCtx, job.Config)
	dur := time.Since(start)

	s.mu.Lock()
	job.Running = false
	s.running--
	job.LastRunAt = start
	job.Stats.TotalRuns++
	job.Stats.LastDurationMS = dur.Milliseconds()

	if job.Config.CircuitBreaker != nil {
		if err != nil {
			job.Config.CircuitBreaker.RecordFailure()
		} else {
			job.Config.CircuitBreaker.RecordSuccess()
		}
	}

	if err != nil {
		job.Stats.FailedRuns++
		job.Stats.LastError = err.Error()
		s.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("job", job.Config.Name)))
		slog.Error("scheduled job failed", "job", job.Config.Name, "error", err)

		job.RetryCount++
		retryCfg := job.Config.Retry
		if retryCfg != nil && (retryCfg.MaxAttempts <= 0 || job.RetryCount <= retryCfg.MaxAttempts) {
			s.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("job", job.Config.Name)))
			delay := attempt.Delay(retryCfg.Strategy, retryCfg.BaseWait, job.RetryCount, retryCfg.Jitter, retryCfg.MaxWait)
			job.NextRunAt = time.Now().Add(delay)
			job.HasNext = true
		} else {
			job.RetryCount = 0
			s.advanceSchedule(job, start)
		}
	} else {
		job.Stats.SuccessfulRuns++
		job.RetryCount = 0
		s.dispatches.Add(ctx, 1, metric.WithAttributes(attribute.String("job", job.Config.Name)))
		s.advanceSchedule(job, start)
	}
	s.mu.Unlock()

	s.maybePersist()
}

func (s *Scheduler) advanceSchedule(job *jobRecord, firedAt time.Time) {
	next, ok, err := nextRun(job.Config.Schedule, time.Now(), firedAt)
	if err != nil {
		slog.Error("scheduler failed to compute next run", "job", job.Config.Name, "error", err)
		job.HasNext = false
		return
	}
	job.NextRunAt = next
	job.HasNext = ok
}

// runGated runs cfg.Run under whichever of circuit breaker, rate
// limiter, and concurrency limiter are configured, innermost to
// outermost: concurrency, then rate, then circuit breaker gating entry.
func (s *Scheduler) runGated(ctx context.Context, cfg JobConfig) error {
	if cfg.CircuitBreaker != nil && !cfg.CircuitBreaker.CanExecute() {
		return &attempt.CircuitOpenError{Breaker: cfg.Name}
	}

	call := func() (any, error) { return nil, cfg.Run(ctx) }
	if cfg.ConcurrencyLimiter != nil {
		inner := call
		call = func() (any, error) { return cfg.ConcurrencyLimiter.Execute(ctx, inner) }
	}
	if cfg.RateLimiter != nil {
		inner := call
		call = func() (any, error) { return cfg.RateLimiter.Execute(ctx, inner) }
	}
	_, err := call()
	return err
}

// GetState returns a full, serializable snapshot of the job table.
func (s *Scheduler) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Scheduler) snapshotLocked() State {
	var out State
	for _, job := range s.jobs {
		out.Jobs = append(out.Jobs, JobState{
			Config:    job.Config,
			NextRunAt: job.NextRunAt,
			HasNext:   job.HasNext,
			LastRunAt: job.LastRunAt,
			Stats:     job.Stats,
		})
	}
	return out
}

// RestoreState replaces the job table from a prior snapshot. Every job
// comes back idle, regardless of whether it was mid-run when the
// snapshot was taken.
func (s *Scheduler) RestoreState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]*jobRecord)
	s.queue = nil
	for _, js := range state.Jobs {
		s.jobs[js.Config.ID] = &jobRecord{
			Config:    js.Config,
			NextRunAt: js.NextRunAt,
			HasNext:   js.HasNext,
			LastRunAt: js.LastRunAt,
			Stats:     js.Stats,
		}
	}
}

// LoadPersistedState calls the configured LoadState hook, if any, and
// restores the result. A missing snapshot is not an error.
func (s *Scheduler) LoadPersistedState() error {
	if s.loadState == nil {
		return nil
	}
	state, found, err := s.loadState()
	if err != nil {
		return fmt.Errorf("load scheduler state: %w", err)
	}
	if !found {
		return nil
	}
	s.RestoreState(state)
	slog.Info("scheduler state restored", "jobs", len(state.Jobs))
	return nil
}

func (s *Scheduler) maybePersist() {
	if s.saveState == nil {
		return
	}
	s.mu.Lock()
	if s.persistenceDebounceMs <= 0 {
		state := s.snapshotLocked()
		s.mu.Unlock()
		if err := s.saveState(state); err != nil {
			slog.Error("persist scheduler state failed", "error", err)
		}
		return
	}
	if s.debounceTimer != nil {
		s.mu.Unlock()
		return
	}
	s.debounceTimer = time.AfterFunc(time.Duration(s.persistenceDebounceMs)*time.Millisecond, func() {
		s.mu.Lock()
		s.debounceTimer = nil
		state := s.snapshotLocked()
		s.mu.Unlock()
		if err := s.saveState(state); err != nil {
			slog.Error("persist scheduler state failed", "error", err)
		}
	})
	s.mu.Unlock()
}

// GetStats returns a copy of every job's running counters, keyed by id.
func (s *Scheduler) GetStats() map[string]JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]JobStats, len(s.jobs))
	for id, job := range s.jobs {
		out[id] = job.Stats
	}
	return out
}

// GetMetrics returns a point-in-time load snapshot.
func (s *Scheduler) GetMetrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Metrics{TotalJobs: len(s.jobs), Running: s.running, Queued: len(s.queue)}
}
