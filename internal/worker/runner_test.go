package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seoul(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	return loc
}

func TestHourlyCadence(t *testing.T) {
	c := hourlyCadence{}
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	ok, _ := c.ShouldRun(now, now.Add(-time.Hour))
	assert.True(t, ok)

	ok, reason := c.ShouldRun(now, now.Add(-30*time.Minute))
	assert.False(t, ok)
	assert.Contains(t, reason, "hourly cadence")

	// Never-run (zero lastRun) fires immediately.
	ok, _ = c.ShouldRun(now, time.Time{})
	assert.True(t, ok)
}

func TestMarketCloseCadence(t *testing.T) {
	loc := seoul(t)
	c := marketCloseCadence{loc: loc, closeHour: 16}

	// Monday 17:00 KST, never ran: fires.
	monday := time.Date(2026, 8, 24, 17, 0, 0, 0, loc)
	ok, _ := c.ShouldRun(monday, time.Time{})
	assert.True(t, ok)

	// Before the close.
	ok, reason := c.ShouldRun(time.Date(2026, 8, 24, 15, 59, 0, 0, loc), time.Time{})
	assert.False(t, ok)
	assert.Contains(t, reason, "before market close")

	// Weekend.
	ok, reason = c.ShouldRun(time.Date(2026, 8, 22, 17, 0, 0, 0, loc), time.Time{})
	assert.False(t, ok)
	assert.Contains(t, reason, "weekend")

	// Already ran after today's close.
	ok, reason = c.ShouldRun(monday.Add(time.Hour), monday)
	assert.False(t, ok)
	assert.Contains(t, reason, "already ran today")

	// Ran yesterday: fires again after today's close.
	ok, _ = c.ShouldRun(monday, monday.AddDate(0, 0, -1))
	assert.True(t, ok)
}

func TestMarketCloseCadence_DateComparisonUsesMarketTimezone(t *testing.T) {
	loc := seoul(t)
	c := marketCloseCadence{loc: loc, closeHour: 16}

	// 2026-08-24 17:00 KST expressed in UTC is still the same KST date as a
	// run recorded in UTC that morning.
	now := time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)      // 17:00 KST
	lastRun := time.Date(2026, 8, 24, 7, 30, 0, 0, time.UTC) // 16:30 KST

	ok, reason := c.ShouldRun(now, lastRun)
	assert.False(t, ok)
	assert.Contains(t, reason, "already ran today")
}

func TestWeeklyCadence(t *testing.T) {
	loc := seoul(t)
	c := weeklyCadence{loc: loc}

	sunday := time.Date(2026, 8, 23, 10, 0, 0, 0, loc)

	ok, _ := c.ShouldRun(sunday, sunday.AddDate(0, 0, -7))
	assert.True(t, ok)

	ok, reason := c.ShouldRun(sunday.AddDate(0, 0, 1), sunday)
	assert.False(t, ok)
	assert.Contains(t, reason, "Sunday")

	ok, reason = c.ShouldRun(sunday.Add(2*time.Hour), sunday)
	assert.False(t, ok)
	assert.Contains(t, reason, "already ran this week")
}
