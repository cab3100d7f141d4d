package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron"

	"github.com/treufabrik/dirigent/pkg/models"
)

// Schedule frequencies a task may fire at.
const (
	FreqDaily   = "daily"
	FreqWeekly  = "weekly"
	FreqMonthly = "monthly"
)

// scheduleSpec is the timing input buildSchedule works from: a fresh task
// request, or an existing schedule merged with the updated fields.
type scheduleSpec struct {
	Frequency  string
	DayOfWeek  *int
	DayOfMonth *int
	Time       string // HH:MM, 24h, in Timezone
	Timezone   string // IANA name; empty means UTC
}

// buildSchedule validates a timing spec and computes its first firing
// strictly after the given instant. An empty frequency means daily, which
// also covers ONE_TIME tasks that only name a time.
func buildSchedule(spec scheduleSpec, after time.Time) (*models.Schedule, error) {
	if spec.Frequency == "" {
		spec.Frequency = FreqDaily
	}
	if spec.Timezone == "" {
		spec.Timezone = "UTC"
	}
	expr, err := cronExpr(spec)
	if err != nil {
		return nil, err
	}
	nextUTC, nextLocal, err := nextFire(expr, spec.Timezone, after)
	if err != nil {
		return nil, err
	}
	s := &models.Schedule{
		CronExpr:           expr,
		Frequency:          spec.Frequency,
		Time:               spec.Time,
		Timezone:           spec.Timezone,
		NextExecutionUTC:   nextUTC,
		NextExecutionLocal: nextLocal,
	}
	switch spec.Frequency {
	case FreqWeekly:
		s.DayOfWeek = *spec.DayOfWeek
	case FreqMonthly:
		s.DayOfMonth = *spec.DayOfMonth
	}
	return s, nil
}

// cronExpr renders the 5-field expression for a spec.
func cronExpr(spec scheduleSpec) (string, error) {
	hh, mm, err := parseHHMM(spec.Time)
	if err != nil {
		return "", err
	}
	switch spec.Frequency {
	case FreqDaily:
		return fmt.Sprintf("%d %d * * *", mm, hh), nil
	case FreqWeekly:
		if spec.DayOfWeek == nil {
			return "", validationf("day_of_week is required for weekly tasks")
		}
		if d := *spec.DayOfWeek; d < 0 || d > 6 {
			return "", validationf("day_of_week must be 0 (Sunday) through 6, got %d", d)
		}
		return fmt.Sprintf("%d %d * * %d", mm, hh, *spec.DayOfWeek), nil
	case FreqMonthly:
		if spec.DayOfMonth == nil {
			return "", validationf("day_of_month is required for monthly tasks")
		}
		if d := *spec.DayOfMonth; d < 1 || d > 31 {
			return "", validationf("day_of_month must be 1 through 31, got %d", d)
		}
		return fmt.Sprintf("%d %d %d * *", mm, hh, *spec.DayOfMonth), nil
	default:
		return "", validationf("unknown frequency %q (want daily, weekly or monthly)", spec.Frequency)
	}
}

func parseHHMM(s string) (hh, mm int, err error) {
	if s == "" {
		return 0, 0, validationf("time is required for scheduled tasks")
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, validationf("time must be HH:MM (24h), got %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

// nextFire computes the next trigger strictly after the given instant in
// the task's zone, so the same UTC instant is never scheduled twice.
// Returns the canonical UTC time and the local display mirror.
func nextFire(expr, timezone string, after time.Time) (time.Time, string, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, "", validationf("unknown timezone %q", timezone)
	}
	local := sched.Next(after.In(loc))
	return local.UTC(), local.Format(time.RFC3339), nil
}
