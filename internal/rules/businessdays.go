package rules

import "time"

// AddBusinessDays moves t forward by n weekdays. Saturdays and Sundays are
// skipped, not counted.
func AddBusinessDays(t time.Time, n int) time.Time {
	for n > 0 {
		t = t.AddDate(0, 0, 1)
		if wd := t.Weekday(); wd != time.Saturday && wd != time.Sunday {
			n--
		}
	}
	return t
}

// padEstimate converts a calendar-day estimate counted from start into a new
// estimate with n business days added on top.
func padEstimate(start time.Time, days, n int) int {
	if n <= 0 {
		return days
	}
	base := dateOnly(start)
	padded := AddBusinessDays(base.AddDate(0, 0, days), n)
	return int(padded.Sub(base).Hours() / 24)
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
