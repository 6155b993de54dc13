package utils

import (
	"fmt"
	"time"
)

// ParsePeriod validates a calendar-month period of the form "2026-08" and
// returns its UTC window as [start, end).
func ParsePeriod(period string) (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01", period)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse period %q: %w", period, err)
	}
	start = start.UTC()
	return start, start.AddDate(0, 1, 0), nil
}

// PeriodOf returns the calendar-month period containing ts.
func PeriodOf(ts time.Time) string {
	return ts.UTC().Format("2006-01")
}

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}
