package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateToUnix(t *testing.T) {
	ts, err := DateToUnix("2026-03-15")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC).Unix(), ts)

	_, err = DateToUnix("15-03-2026")
	assert.Error(t, err)

	_, err = DateToUnix("")
	assert.Error(t, err)
}

func TestUnixToDate_RoundTrip(t *testing.T) {
	for _, date := range []string{"2025-01-01", "2026-02-28", "2024-02-29", "2026-12-31"} {
		ts, err := DateToUnix(date)
		require.NoError(t, err)
		assert.Equal(t, date, UnixToDate(ts))
	}
}

func TestDayBucket_UTC(t *testing.T) {
	// 23:30 in UTC-5 is already the next day in UTC.
	loc := time.FixedZone("EST", -5*3600)
	local := time.Date(2026, 6, 1, 23, 30, 0, 0, loc)
	assert.Equal(t, "2026-06-02", DayBucket(local))
	assert.Equal(t, "2026-06-02T04", HourBucket(local))
}

func TestDaysBetween(t *testing.T) {
	a := time.Date(2026, 1, 1, 23, 59, 0, 0, time.UTC)
	b := time.Date(2026, 1, 4, 0, 1, 0, 0, time.UTC)
	assert.Equal(t, 3, DaysBetween(a, b))
	assert.Equal(t, -3, DaysBetween(b, a))
	assert.Equal(t, 0, DaysBetween(a, a))
}

func TestRoundCents(t *testing.T) {
	assert.Equal(t, 10.56, RoundCents(10.555))
	assert.Equal(t, -10.56, RoundCents(-10.555))
	assert.Equal(t, 0.0, RoundCents(0.0049))
	assert.True(t, SameCents(1.001, 0.999))
	assert.False(t, SameCents(1.01, 1.02))
}

func TestSignedAmount(t *testing.T) {
	assert.Equal(t, -25.0, SignedAmount(25, "outflow"))
	assert.Equal(t, -25.0, SignedAmount(-25, "outflow"))
	assert.Equal(t, 25.0, SignedAmount(25, "inflow"))
	assert.Equal(t, 25.0, SignedAmount(-25, "inflow"))
}
