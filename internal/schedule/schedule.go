// Package schedule holds the scheduled-snapshot configuration and decides
// when a scheduled run is due.
package schedule

import (
	"time"
)

type Frequency string

const (
	Daily  Frequency = "daily"
	Weekly Frequency = "weekly"
)

// TypeAuditSnapshot is the only schedule type persisted today.
const TypeAuditSnapshot = "audit_snapshot"

// Config is a schedule. WeekdayUTC counts from Monday = 0 and is only used
// for weekly schedules.
type Config struct {
	Enabled        bool       `json:"enabled"`
	RecipientEmail string     `json:"recipientEmail"`
	Frequency      Frequency  `json:"frequency"`
	HourUTC        int        `json:"hourUtc"`
	MinuteUTC      int        `json:"minuteUtc"`
	WeekdayUTC     int        `json:"weekdayUtc"`
	LastRunAt      *time.Time `json:"lastRunAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Defaults is the schedule created on first read: disabled, daily at 01:00.
func Defaults() Config {
	return Config{Frequency: Daily, HourUTC: 1}
}

// Decision explains a due check.
type Decision struct {
	Due         bool
	WindowStart time.Time
	Reason      string
}

// MondayBasedWeekday converts time.Weekday (Sunday = 0) to Monday = 0.
func MondayBasedWeekday(d time.Weekday) int {
	return (int(d) + 6) % 7
}

// Evaluate reports whether a run is due at now. A window fires at most once:
// it is due only when now has reached the window start and the last run
// predates it. Windows missed while nothing was polling are not caught up.
func Evaluate(cfg Config, now time.Time) Decision {
	now = now.UTC()
	var start time.Time
	switch cfg.Frequency {
	case Daily:
		start = time.Date(now.Year(), now.Month(), now.Day(), cfg.HourUTC, cfg.MinuteUTC, 0, 0, time.UTC)
	case Weekly:
		daysBehind := ((MondayBasedWeekday(now.Weekday())-cfg.WeekdayUTC)%7 + 7) % 7
		day := now.AddDate(0, 0, -daysBehind)
		start = time.Date(day.Year(), day.Month(), day.Day(), cfg.HourUTC, cfg.MinuteUTC, 0, 0, time.UTC)
	default:
		return Decision{Reason: "Invalid schedule frequency."}
	}
	if now.Before(start) {
		return Decision{WindowStart: start, Reason: "Scheduled time not reached yet."}
	}
	if cfg.LastRunAt != nil && !cfg.LastRunAt.Before(start) {
		return Decision{WindowStart: start, Reason: "Snapshot already generated for current schedule window."}
	}
	return Decision{Due: true, WindowStart: start, Reason: "Due."}
}

// DueCheck is Evaluate without the reason.
func DueCheck(cfg Config, now time.Time) (bool, time.Time) {
	d := Evaluate(cfg, now)
	return d.Due, d.WindowStart
}
