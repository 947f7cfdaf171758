package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/swarmguard/flowctl/internal/persistence"
	"github.com/swarmguard/flowctl/internal/scheduler"
)

// jobPersisted is the JSON-safe slice of scheduler.JobState that survives
// a restart. Config carries a Run closure and resilience pointers that
// cannot round-trip through JSON, so only the schedule-clock fields are
// persisted; the live JobConfig is rebuilt fresh from the config file on
// every start and merged back in by schedulerPersistence.load.
type jobPersisted struct {
	ID        string             `json:"id"`
	NextRunAt time.Time          `json:"nextRunAt"`
	HasNext   bool               `json:"hasNext"`
	LastRunAt time.Time          `json:"lastRunAt"`
	Stats     scheduler.JobStats `json:"stats"`
}

const schedulerRunID = "scheduler"

// schedulerPersistence adapts a persistence.Store into the scheduler's
// {saveState, loadState} hook contract (spec §6).
type schedulerPersistence struct {
	store      *persistence.Store
	jobConfigs map[string]scheduler.JobConfig
}

func (p *schedulerPersistence) save(state scheduler.State) error {
	persisted := make([]jobPersisted, 0, len(state.Jobs))
	for _, js := range state.Jobs {
		persisted = append(persisted, jobPersisted{
			ID:        js.Config.ID,
			NextRunAt: js.NextRunAt,
			HasNext:   js.HasNext,
			LastRunAt: js.LastRunAt,
			Stats:     js.Stats,
		})
	}
	payload, err := json.Marshal(persisted)
	if err != nil {
		return err
	}
	return p.store.PutRun(context.Background(), persistence.Record{
		RunID:      schedulerRunID,
		Kind:       persistence.KindScheduler,
		Name:       schedulerRunID,
		FinishedAt: time.Now(),
		Success:    true,
		Payload:    payload,
	})
}

func (p *schedulerPersistence) load() (scheduler.State, bool, error) {
	rec, found, err := p.store.GetRun(context.Background(), schedulerRunID)
	if err != nil || !found {
		return scheduler.State{}, found, err
	}
	var persisted []jobPersisted
	if err := json.Unmarshal(rec.Payload, &persisted); err != nil {
		return scheduler.State{}, false, err
	}
	var state scheduler.State
	for _, js := range persisted {
		cfg, ok := p.jobConfigs[js.ID]
		if !ok {
			continue // job dropped from the config file since the snapshot was taken
		}
		state.Jobs = append(state.Jobs, scheduler.JobState{
			Config:    cfg,
			NextRunAt: js.NextRunAt,
			HasNext:   js.HasNext,
			LastRunAt: js.LastRunAt,
			Stats:     js.Stats,
		})
	}
	return state, true, nil
}
