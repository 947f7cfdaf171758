package main

import (
	"testing"
	"time"

	"github.com/swarmguard/flowctl/internal/persistence"
	"github.com/swarmguard/flowctl/internal/scheduler"
)

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSchedulerPersistenceLoadWithoutPriorSaveReportsNotFound(t *testing.T) {
	p := &schedulerPersistence{store: newTestStore(t), jobConfigs: map[string]scheduler.JobConfig{}}
	_, found, err := p.load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected no prior state")
	}
}

func TestSchedulerPersistenceRoundTripsClockAndStats(t *testing.T) {
	jobCfg := scheduler.JobConfig{ID: "j1", Name: "job one"}
	p := &schedulerPersistence{
		store:      newTestStore(t),
		jobConfigs: map[string]scheduler.JobConfig{"j1": jobCfg},
	}
	next := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	state := scheduler.State{Jobs: []scheduler.JobState{
		{
			Config:    jobCfg,
			NextRunAt: next,
			HasNext:   true,
			Stats:     scheduler.JobStats{TotalRuns: 3, SuccessfulRuns: 2, FailedRuns: 1},
		},
	}}
	if err := p.save(state); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, found, err := p.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !found {
		t.Fatalf("expected state to be found")
	}
	if len(loaded.Jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(loaded.Jobs))
	}
	got := loaded.Jobs[0]
	if got.Config.ID != "j1" || got.Config.Name != "job one" {
		t.Fatalf("expected the live JobConfig to be rebound, got %+v", got.Config)
	}
	if !got.NextRunAt.Equal(next) || !got.HasNext {
		t.Fatalf("unexpected clock fields: %+v", got)
	}
	if got.Stats.TotalRuns != 3 || got.Stats.SuccessfulRuns != 2 || got.Stats.FailedRuns != 1 {
		t.Fatalf("unexpected stats: %+v", got.Stats)
	}
}

func TestSchedulerPersistenceLoadDropsJobsRemovedFromConfig(t *testing.T) {
	p := &schedulerPersistence{
		store:      newTestStore(t),
		jobConfigs: map[string]scheduler.JobConfig{"kept": {ID: "kept"}},
	}
	state := scheduler.State{Jobs: []scheduler.JobState{
		{Config: scheduler.JobConfig{ID: "kept"}},
		{Config: scheduler.JobConfig{ID: "removed"}},
	}}
	if err := p.save(state); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, found, err := p.load()
	if err != nil || !found {
		t.Fatalf("unexpected load result: found=%v err=%v", found, err)
	}
	if len(loaded.Jobs) != 1 || loaded.Jobs[0].Config.ID != "kept" {
		t.Fatalf("expected only the still-configured job to survive, got %+v", loaded.Jobs)
	}
}
