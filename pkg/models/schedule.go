package models

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned when a trigger schedule cannot be parsed.
var ErrInvalidSchedule = errors.New("invalid schedule expression")

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a standard 5-field cron expression (minute hour day
// month weekday) or a descriptor such as "@hourly" or "@every 5m".
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, errors.Join(ErrInvalidSchedule, err)
	}

	return sched, nil
}

// IsDue reports whether the minute containing at is a firing time of the
// schedule. An empty expression is due on every tick; an invalid one never is.
func IsDue(expr string, at time.Time) bool {
	if expr == "" {
		return true
	}

	sched, err := ParseSchedule(expr)
	if err != nil {
		return false
	}

	minute := at.UTC().Truncate(time.Minute)

	if interval, ok := sched.(cron.ConstantDelaySchedule); ok {
		return intervalDue(interval.Delay, minute)
	}

	return sched.Next(minute.Add(-time.Nanosecond)).Equal(minute)
}

// intervalDue handles "@every" schedules, which have no wall-clock anchor.
// They fire on minutes whose Unix time is a multiple of the interval, rounded
// down to whole minutes.
func intervalDue(delay time.Duration, minute time.Time) bool {
	step := max(delay.Truncate(time.Minute), time.Minute)

	return minute.Unix()%int64(step/time.Second) == 0
}
