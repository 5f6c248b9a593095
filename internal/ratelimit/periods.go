package ratelimit

import (
	"fmt"
	"time"
)

// weekStart returns Monday 00:00 of the week containing t, in t's location.
func weekStart(t time.Time) time.Time {
	y, m, d := t.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// monthStart returns the first day of t's month at 00:00.
func monthStart(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

func weekLabel(t time.Time) string {
	y, w := weekStart(t).ISOWeek()
	return fmt.Sprintf("%04d-W%02d", y, w)
}

func monthLabel(t time.Time) string {
	return monthStart(t).Format("2006-01")
}

func untilNextWeek(t time.Time) time.Duration {
	return weekStart(t).AddDate(0, 0, 7).Sub(t)
}

func untilNextMonth(t time.Time) time.Duration {
	return monthStart(t).AddDate(0, 1, 0).Sub(t)
}
