package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/stationmaster/internal/models"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateSpec checks a schedule type/value pair without persisting
// anything. Invalid cron syntax, a non-positive interval, or an
// unparseable timestamp are all creation-time rejections.
func ValidateSpec(scheduleType, value string, loc *time.Location) error {
	switch scheduleType {
	case models.ScheduleCron:
		if _, err := cronParser.Parse(value); err != nil {
			return fmt.Errorf("scheduler: invalid cron expression %q: %w", value, err)
		}
	case models.ScheduleInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("scheduler: invalid interval %q: %w", value, err)
		}
		if ms <= 0 {
			return fmt.Errorf("scheduler: interval must be positive, got %d", ms)
		}
	case models.ScheduleOnce:
		if _, err := parseOnce(value, loc); err != nil {
			return err
		}
	default:
		return fmt.Errorf("scheduler: unknown schedule type %q", scheduleType)
	}
	return nil
}

// InitialNextRun computes a new task's first execution time.
func InitialNextRun(scheduleType, value string, now time.Time, loc *time.Location) (time.Time, error) {
	switch scheduleType {
	case models.ScheduleCron:
		sched, err := cronParser.Parse(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("scheduler: invalid cron expression %q: %w", value, err)
		}
		return sched.Next(now.In(loc)), nil
	case models.ScheduleInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return time.Time{}, fmt.Errorf("scheduler: invalid interval %q", value)
		}
		return now.Add(time.Duration(ms) * time.Millisecond), nil
	case models.ScheduleOnce:
		return parseOnce(value, loc)
	default:
		return time.Time{}, fmt.Errorf("scheduler: unknown schedule type %q", scheduleType)
	}
}

// NextAfterRun computes the run after a firing at now. Returns nil for
// one-shot schedules, which terminate after firing.
func NextAfterRun(scheduleType, value string, now time.Time, loc *time.Location) (*time.Time, error) {
	switch scheduleType {
	case models.ScheduleCron, models.ScheduleInterval:
		next, err := InitialNextRun(scheduleType, value, now, loc)
		if err != nil {
			return nil, err
		}
		return &next, nil
	case models.ScheduleOnce:
		return nil, nil
	default:
		return nil, fmt.Errorf("scheduler: unknown schedule type %q", scheduleType)
	}
}

// parseOnce parses a one-shot execution time: RFC3339, or a local
// "2006-01-02 15:04" / "2006-01-02T15:04" in the configured timezone.
func parseOnce(value string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("scheduler: unparseable timestamp %q", value)
}
