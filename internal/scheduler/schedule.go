package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind names one of the four schedule variants spec §4.10 defines.
type ScheduleKind string

const (
	ScheduleInterval   ScheduleKind = "INTERVAL"
	ScheduleCron       ScheduleKind = "CRON"
	ScheduleTimestamp  ScheduleKind = "TIMESTAMP"
	ScheduleTimestamps ScheduleKind = "TIMESTAMPS"
)

// Schedule describes when a job should next fire. Only the fields
// relevant to Kind are read.
type Schedule struct {
	Kind ScheduleKind

	EveryMS int64     // INTERVAL: fire every EveryMS after the first run
	StartAt time.Time // INTERVAL: optional first-run floor

	CronExpr string // CRON: five-field, or six with a leading seconds field
	Timezone string // CRON: optional IANA zone; defaults to UTC

	At time.Time // TIMESTAMP: the single fire time

	Timestamps []time.Time // TIMESTAMPS: fires each entry once, earliest first
}

// cronParser accepts both five-field and six-field (seconds-first)
// expressions, matching spec §4.10's "five-field or six-field (with
// seconds)" — this is exactly what the teacher's scheduler.go builds
// with cron.WithSeconds(); SecondOptional additionally tolerates the
// plain five-field form in the same parser.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// nextRun computes the next fire time for s given the current time and
// the job's last fire time (zero if it has never fired). ok is false
// once a one-shot schedule (TIMESTAMP, or an exhausted TIMESTAMPS
// list) has nothing left to fire.
func nextRun(s Schedule, now, lastRunAt time.Time) (time.Time, bool, error) {
	switch s.Kind {
	case ScheduleInterval:
		if s.EveryMS <= 0 {
			return time.Time{}, false, fmt.Errorf("interval schedule requires a positive everyMs")
		}
		if lastRunAt.IsZero() {
			if s.StartAt.After(now) {
				return s.StartAt, true, nil
			}
			return now, true, nil
		}
		return lastRunAt.Add(time.Duration(s.EveryMS) * time.Millisecond), true, nil

	case ScheduleCron:
		sched, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron expression %q: %w", s.CronExpr, err)
		}
		loc := time.UTC
		if s.Timezone != "" {
			if l, err := time.LoadLocation(s.Timezone); err == nil {
				loc = l
			}
		}
		return sched.Next(now.In(loc)).UTC(), true, nil

	case ScheduleTimestamp:
		if lastRunAt.IsZero() {
			return s.At, true, nil
		}
		return time.Time{}, false, nil

	case ScheduleTimestamps:
		sorted := append([]time.Time(nil), s.Timestamps...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
		for _, ts := range sorted {
			if lastRunAt.IsZero() || ts.After(lastRunAt) {
				return ts, true, nil
			}
		}
		return time.Time{}, false, nil

	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}
