package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfigSingleJobDefaultsIDFromJobID(t *testing.T) {
	path := writeTempConfig(t, `
jobId: nightly-sync
job:
  items:
    - host: example.com
      path: /health
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(cfg.Jobs))
	}
	if cfg.Jobs[0].ID != "nightly-sync" {
		t.Fatalf("expected id nightly-sync, got %q", cfg.Jobs[0].ID)
	}
}

func TestLoadConfigJobsArrayKeepsExplicitIDs(t *testing.T) {
	path := writeTempConfig(t, `
jobId: fallback
jobs:
  - id: a
    items: [{host: a.example.com}]
  - id: b
    items: [{host: b.example.com}]
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Jobs) != 2 || cfg.Jobs[0].ID != "a" || cfg.Jobs[1].ID != "b" {
		t.Fatalf("unexpected jobs: %+v", cfg.Jobs)
	}
}

func TestLoadConfigJobsArrayDoesNotBorrowJobIDWhenMultiple(t *testing.T) {
	path := writeTempConfig(t, `
jobId: fallback
jobs:
  - items: [{host: a.example.com}]
  - items: [{host: b.example.com}]
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Jobs[0].ID != "" || cfg.Jobs[1].ID != "" {
		t.Fatalf("expected both ids left blank rather than colliding on jobId, got %+v", cfg.Jobs)
	}
}

func TestLoadConfigRejectsEmptyJobSet(t *testing.T) {
	path := writeTempConfig(t, `outputPath: out.json`)
	if _, err := loadConfig(path); err == nil {
		t.Fatalf("expected error for config with no job or jobs")
	}
}

func TestLoadConfigAcceptsJSONForm(t *testing.T) {
	path := writeTempConfig(t, `{"job": {"id": "json-job", "items": [{"host": "example.com"}]}}`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Jobs) != 1 || cfg.Jobs[0].ID != "json-job" {
		t.Fatalf("unexpected jobs: %+v", cfg.Jobs)
	}
}

func TestRetrySpecAttemptConfigDefaults(t *testing.T) {
	var r *RetrySpec
	cfg := r.attemptConfig()
	if cfg.Attempts != 1 || !cfg.ReturnResult {
		t.Fatalf("expected single-attempt default, got %+v", cfg)
	}
}

func TestRetrySpecAttemptConfigOverrides(t *testing.T) {
	r := &RetrySpec{Attempts: 5, Strategy: "exponential", WaitMS: 200, Jitter: 0.5, MaxWaitMS: 5000}
	cfg := r.attemptConfig()
	if cfg.Attempts != 5 || string(cfg.RetryStrategy) != "exponential" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestScheduleSpecParsesTimestamps(t *testing.T) {
	s := &ScheduleSpec{Kind: "timestamp", At: "2026-01-01T00:00:00Z"}
	sched, err := s.schedule()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sched.At.IsZero() {
		t.Fatalf("expected At to be parsed")
	}
}

func TestScheduleSpecRejectsBadTimestamp(t *testing.T) {
	s := &ScheduleSpec{Kind: "timestamp", At: "not-a-time"}
	if _, err := s.schedule(); err == nil {
		t.Fatalf("expected parse error")
	}
}
