package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/swarmguard/flowctl/internal/attempt"
	"github.com/swarmguard/flowctl/internal/model"
	"github.com/swarmguard/flowctl/internal/resilience"
	"github.com/swarmguard/flowctl/internal/scheduler"
)

// Config is the top-level shape of the file at CONFIG_PATH (spec §6):
// a single job, a list of jobs, and optional scheduler tuning.
type Config struct {
	JobID      string    `json:"jobId" yaml:"jobId"`
	OutputPath string    `json:"outputPath" yaml:"outputPath"`
	Job        *JobSpec  `json:"job" yaml:"job"`
	Jobs       []JobSpec `json:"jobs" yaml:"jobs"`
	Scheduler  *SchedulerSpec `json:"scheduler" yaml:"scheduler"`
}

// JobSpec describes one schedulable unit: a phase of request items run
// through the gateway, with optional resilience gates and a schedule.
type JobSpec struct {
	ID                  string              `json:"id" yaml:"id"`
	Name                string              `json:"name" yaml:"name"`
	Items               []ItemSpec          `json:"items" yaml:"items"`
	ConcurrentExecution bool                `json:"concurrentExecution" yaml:"concurrentExecution"`
	StopOnFirstError    bool                `json:"stopOnFirstError" yaml:"stopOnFirstError"`
	MaxConcurrent       int                 `json:"maxConcurrent" yaml:"maxConcurrent"`
	TimeoutMS           int64               `json:"timeoutMs" yaml:"timeoutMs"`
	Retry               *RetrySpec          `json:"retry" yaml:"retry"`
	CircuitBreaker      *CircuitBreakerSpec `json:"circuitBreaker" yaml:"circuitBreaker"`
	RateLimiter         *RateLimiterSpec    `json:"rateLimiter" yaml:"rateLimiter"`
	Schedule            *ScheduleSpec       `json:"schedule" yaml:"schedule"`
}

// ItemSpec is the JSON-safe form of a model.RequestDescriptor.
type ItemSpec struct {
	ID        string         `json:"id" yaml:"id"`
	Method    string         `json:"method" yaml:"method"`
	Protocol  string         `json:"protocol" yaml:"protocol"`
	Host      string         `json:"host" yaml:"host"`
	Port      int            `json:"port" yaml:"port"`
	Path      string         `json:"path" yaml:"path"`
	Headers   map[string]any `json:"headers" yaml:"headers"`
	Query     map[string]any `json:"query" yaml:"query"`
	Body      any            `json:"body" yaml:"body"`
	TimeoutMS int            `json:"timeoutMs" yaml:"timeoutMs"`
}

func (it ItemSpec) descriptor() *model.RequestDescriptor {
	return &model.RequestDescriptor{
		Host:      it.Host,
		Protocol:  it.Protocol,
		Method:    model.Method(it.Method),
		Path:      it.Path,
		Port:      it.Port,
		Headers:   it.Headers,
		Query:     it.Query,
		Body:      it.Body,
		TimeoutMS: it.TimeoutMS,
	}
}

// RetrySpec configures the attempt engine wrapping each item.
type RetrySpec struct {
	Attempts  int     `json:"attempts" yaml:"attempts"`
	WaitMS    int64   `json:"waitMs" yaml:"waitMs"`
	Strategy  string  `json:"strategy" yaml:"strategy"`
	Jitter    float64 `json:"jitter" yaml:"jitter"`
	MaxWaitMS int64   `json:"maxWaitMs" yaml:"maxWaitMs"`
}

func (r *RetrySpec) attemptConfig() attempt.Config {
	cfg := attempt.Config{Attempts: 1, RetryStrategy: attempt.StrategyFixed, ReturnResult: true}
	if r == nil {
		return cfg
	}
	if r.Attempts > 0 {
		cfg.Attempts = r.Attempts
	}
	if r.Strategy != "" {
		cfg.RetryStrategy = attempt.RetryStrategy(r.Strategy)
	}
	cfg.Wait = time.Duration(r.WaitMS) * time.Millisecond
	cfg.Jitter = r.Jitter
	cfg.MaxAllowedWait = time.Duration(r.MaxWaitMS) * time.Millisecond
	return cfg
}

// CircuitBreakerSpec configures a per-job circuit breaker.
type CircuitBreakerSpec struct {
	FailureThresholdPercentage float64 `json:"failureThresholdPercentage" yaml:"failureThresholdPercentage"`
	MinimumRequests            int64   `json:"minimumRequests" yaml:"minimumRequests"`
	RecoveryTimeoutMS          int64   `json:"recoveryTimeoutMs" yaml:"recoveryTimeoutMs"`
	HalfOpenMax                int     `json:"halfOpenMax" yaml:"halfOpenMax"`
}

func (c *CircuitBreakerSpec) config(name string) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Name:                       name,
		FailureThresholdPercentage: c.FailureThresholdPercentage,
		MinimumRequests:            c.MinimumRequests,
		RecoveryTimeout:            time.Duration(c.RecoveryTimeoutMS) * time.Millisecond,
		HalfOpenMax:                c.HalfOpenMax,
	}
}

// RateLimiterSpec configures a per-job rate limiter.
type RateLimiterSpec struct {
	MaxRequests int   `json:"maxRequests" yaml:"maxRequests"`
	WindowMS    int64 `json:"windowMs" yaml:"windowMs"`
	// MaxWaitMS bounds the queue wait; omitted or zero waits unbounded.
	MaxWaitMS int64 `json:"maxWaitMs" yaml:"maxWaitMs"`
}

func (r *RateLimiterSpec) config() resilience.RateLimiterConfig {
	return resilience.RateLimiterConfig{MaxRequests: r.MaxRequests, WindowMS: int(r.WindowMS), MaxWaitMS: int(r.MaxWaitMS)}
}

// ScheduleSpec is the JSON-safe form of scheduler.Schedule.
type ScheduleSpec struct {
	Kind       string   `json:"kind" yaml:"kind"`
	EveryMS    int64    `json:"everyMs" yaml:"everyMs"`
	StartAt    string   `json:"startAt" yaml:"startAt"`
	Cron       string   `json:"cron" yaml:"cron"`
	Timezone   string   `json:"timezone" yaml:"timezone"`
	At         string   `json:"at" yaml:"at"`
	Timestamps []string `json:"timestamps" yaml:"timestamps"`
}

func (s *ScheduleSpec) schedule() (scheduler.Schedule, error) {
	sched := scheduler.Schedule{Kind: scheduler.ScheduleKind(s.Kind), EveryMS: s.EveryMS, CronExpr: s.Cron, Timezone: s.Timezone}
	if s.StartAt != "" {
		t, err := time.Parse(time.RFC3339, s.StartAt)
		if err != nil {
			return sched, fmt.Errorf("parse startAt: %w", err)
		}
		sched.StartAt = t
	}
	if s.At != "" {
		t, err := time.Parse(time.RFC3339, s.At)
		if err != nil {
			return sched, fmt.Errorf("parse at: %w", err)
		}
		sched.At = t
	}
	for _, ts := range s.Timestamps {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return sched, fmt.Errorf("parse timestamps entry %q: %w", ts, err)
		}
		sched.Timestamps = append(sched.Timestamps, t)
	}
	return sched, nil
}

// SchedulerSpec tunes the scheduler itself (spec §4.10).
type SchedulerSpec struct {
	QueueLimit            int   `json:"queueLimit" yaml:"queueLimit"`
	MaxParallel           int   `json:"maxParallel" yaml:"maxParallel"`
	TickIntervalMS        int64 `json:"tickIntervalMs" yaml:"tickIntervalMs"`
	PersistenceDebounceMS int64 `json:"persistenceDebounceMs" yaml:"persistenceDebounceMs"`
}

// loadConfig reads and parses the file at path. YAML is a superset of
// JSON for this purpose, so one parser serves both the "JSON" and
// "module object" forms spec §6 describes.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	jobs := cfg.Jobs
	if cfg.Job != nil {
		jobs = append([]JobSpec{*cfg.Job}, jobs...)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("config must set job or jobs")
	}
	if len(jobs) == 1 && jobs[0].ID == "" {
		jobs[0].ID = cfg.JobID
	}
	cfg.Job = nil
	cfg.Jobs = jobs
	return &cfg, nil
}
