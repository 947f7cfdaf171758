// Command flowctl is the standalone CLI runner (spec §6): it reads a
// config file describing one or more jobs, runs the unscheduled ones
// immediately (on the initial load only when RUN_ON_START is true),
// hands the scheduled ones to internal/scheduler, and
// reloads the whole set whenever the config file's mtime changes.
//
// Grounded on the orchestrator's main.go: logging.Init, a
// signal.NotifyContext shutdown, and otelinit's tracer/metrics
// lifecycle, with the HTTP API surface replaced by the file-driven job
// loop this command actually describes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"os/signal"

	"github.com/swarmguard/flowctl/internal/logging"
	"github.com/swarmguard/flowctl/internal/otelinit"
	"github.com/swarmguard/flowctl/internal/persistence"
	"github.com/swarmguard/flowctl/internal/scheduler"
)

const serviceName = "flowctl"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "flowctl: CONFIG_PATH is required")
		return 1
	}

	logger := logging.Init(serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTrace := otelinit.InitTracer(ctx, serviceName)
	shutdownMetrics, _, _ := otelinit.InitMetrics(ctx, serviceName)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		otelinit.Flush(shutdownCtx, shutdownTrace)
		_ = shutdownMetrics(shutdownCtx)
	}()

	outputPathEnv := os.Getenv("OUTPUT_PATH")
	pollInterval := pollIntervalFromEnv()
	runOnStart := boolEnv("RUN_ON_START", true)
	maxRuns := int64EnvDefault0("MAX_RUNS")

	cfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to load config", "path", configPath, "error", err)
		return 1
	}
	mtime := statMtime(configPath)

	outputPath := outputPathEnv
	if outputPath == "" {
		outputPath = cfg.OutputPath
	}
	out := newOutputWriter(outputPath)
	budget := newRunBudget(maxRuns)

	var store *persistence.Store
	if outputPath != "" {
		dir := filepath.Dir(outputPath)
		s, err := persistence.Open(dir, nil)
		if err != nil {
			logger.Warn("scheduler persistence unavailable, continuing without it", "dir", dir, "error", err)
		} else {
			store = s
			defer store.Close()
		}
	}

	persist := &schedulerPersistence{store: store, jobConfigs: map[string]scheduler.JobConfig{}}

	var schedCfg scheduler.Config
	if cfg.Scheduler != nil {
		schedCfg.QueueLimit = cfg.Scheduler.QueueLimit
		schedCfg.MaxParallel = cfg.Scheduler.MaxParallel
		schedCfg.TickIntervalMS = cfg.Scheduler.TickIntervalMS
		schedCfg.PersistenceDebounceMS = cfg.Scheduler.PersistenceDebounceMS
	}
	if store != nil {
		schedCfg.SaveState = persist.save
		schedCfg.LoadState = persist.load
	}
	sched := scheduler.New(schedCfg, nil)

	applyConfig := func(cfg *Config, isInitialLoad bool) {
		persist.jobConfigs = map[string]scheduler.JobConfig{}
		var scheduled []scheduler.JobConfig
		for _, spec := range cfg.Jobs {
			jobCfg, err := buildJobConfig(spec, out, budget, nil)
			if err != nil {
				logger.Error("skipping invalid job", "job", spec.ID, "error", err)
				continue
			}
			persist.jobConfigs[jobCfg.ID] = jobCfg
			if spec.Schedule != nil && spec.Schedule.Kind != "" {
				scheduled = append(scheduled, jobCfg)
				continue
			}
			if runOnStart || !isInitialLoad {
				go runOnce(ctx, logger, jobCfg)
			}
		}
		if _, err := sched.SetJobs(scheduled); err != nil {
			logger.Error("failed to apply scheduled jobs", "error", err)
		}
	}

	applyConfig(cfg, true)

	sched.Start(ctx)
	defer sched.Stop()

	logger.Info("flowctl started", "configPath", configPath, "outputPath", outputPath, "pollIntervalMs", pollInterval.Milliseconds())

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down on signal")
			return 0
		case <-budget.Exhausted():
			logger.Info("max runs reached, shutting down")
			return 0
		case <-ticker.C:
			current := statMtime(configPath)
			if current.Equal(mtime) {
				continue
			}
			mtime = current
			newCfg, err := loadConfig(configPath)
			if err != nil {
				logger.Error("failed to reload config, keeping previous", "error", err)
				continue
			}
			logger.Info("config changed, reloading")
			newOutputPath := outputPathEnv
			if newOutputPath == "" {
				newOutputPath = newCfg.OutputPath
			}
			if newOutputPath != out.path {
				out = newOutputWriter(newOutputPath)
			}
			cfg = newCfg
			applyConfig(cfg, false)
		}
	}
}

// runOnce runs a single unscheduled job immediately, logging (but not
// otherwise acting on) any failure; the OutputRecord already captured
// the error.
func runOnce(ctx context.Context, logger *slog.Logger, jobCfg scheduler.JobConfig) {
	if err := jobCfg.Run(ctx); err != nil {
		logger.Error("job failed", "job", jobCfg.Name, "error", err)
	}
}

func statMtime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func pollIntervalFromEnv() time.Duration {
	ms := int64Env("POLL_INTERVAL_MS", 2000)
	if ms < 250 {
		ms = 250
	}
	return time.Duration(ms) * time.Millisecond
}

func boolEnv(name string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes"
}

func int64Env(name string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func int64EnvDefault0(name string) int64 {
	return int64Env(name, 0)
}
