package utils

import (
	"fmt"
	"time"
)

// DateLayout is the canonical wire/storage format for calendar dates.
const DateLayout = "2006-01-02"

// DateToUnix converts a YYYY-MM-DD date string to a unix timestamp at
// midnight UTC. All date-typed columns persist through this conversion so
// that range scans compare integers, never strings.
func DateToUnix(date string) (int64, error) {
	t, err := time.Parse(DateLayout, date)
	if err != nil {
		return 0, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return t.Unix(), nil
}

// UnixToDate converts a unix timestamp back to its YYYY-MM-DD date in UTC.
func UnixToDate(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(DateLayout)
}

// DayBucket returns the UTC calendar-day bucket for a timestamp, used as the
// tick idempotency key.
func DayBucket(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// HourBucket returns the UTC hour bucket (YYYY-MM-DDTHH) for a timestamp.
func HourBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02T15")
}

// StartOfDayUTC truncates a timestamp to midnight UTC.
func StartOfDayUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// ToUTC normalizes a timestamp to UTC at the persistence boundary. Naive
// callers that constructed times in a local zone are converted, never
// reinterpreted.
func ToUTC(t time.Time) time.Time {
	return t.UTC()
}

// DaysBetween returns the number of whole UTC calendar days from a to b.
// Negative when b precedes a.
func DaysBetween(a, b time.Time) int {
	ad := StartOfDayUTC(a)
	bd := StartOfDayUTC(b)
	return int(bd.Sub(ad).Hours() / 24)
}
