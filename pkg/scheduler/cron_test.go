package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-zero/sentinel/pkg/errdefs"
)

func mustLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestParseCronErrors(t *testing.T) {
	invalid := []string{
		"",
		"* * * *",        // four fields
		"* * * * * *",    // six fields
		"60 * * * *",     // minute out of range
		"* 24 * * *",     // hour out of range
		"* * 0 * *",      // day-of-month starts at 1
		"* * * 13 *",     // month out of range
		"* * * * 7",      // day-of-week tops out at 6
		"5-2 * * * *",    // inverted range
		"*/0 * * * *",    // zero step
		"*/x * * * *",    // non-numeric step
		"a * * * *",      // non-numeric value
		"1-b * * * *",    // non-numeric range end
		"@fortnightly 1", // unknown shorthand is just a bad field count
	}
	for _, expr := range invalid {
		t.Run(expr, func(t *testing.T) {
			_, err := ParseCron(expr)
			require.Error(t, err)
			assert.True(t, errdefs.Is(err, errdefs.KindInvalidExpression))
		})
	}
}

func TestCronNext(t *testing.T) {
	// Wednesday 2026-06-10 10:25 UTC
	from := time.Date(2026, 6, 10, 10, 25, 0, 0, time.UTC)

	tests := []struct {
		expr     string
		expected time.Time
	}{
		{"30 10 * * *", time.Date(2026, 6, 10, 10, 30, 0, 0, time.UTC)},
		{"0 9 * * *", time.Date(2026, 6, 11, 9, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 6, 10, 10, 30, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)},
		{"5,35 10 * * *", time.Date(2026, 6, 10, 10, 35, 0, 0, time.UTC)},
		{"0 12 * * 0", time.Date(2026, 6, 14, 12, 0, 0, 0, time.UTC)}, // next Sunday
		{"0 8-17 * * *", time.Date(2026, 6, 10, 11, 0, 0, 0, time.UTC)},
		{"@hourly", time.Date(2026, 6, 10, 11, 0, 0, 0, time.UTC)},
		{"@daily", time.Date(2026, 6, 11, 0, 0, 0, 0, time.UTC)},
		{"@weekly", time.Date(2026, 6, 14, 0, 0, 0, 0, time.UTC)},
		{"@monthly", time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)},
		{"@yearly", time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"0 0 29 2 *", time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC)}, // next leap year
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			c, err := ParseCron(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, c.Next(from))
		})
	}
}

func TestCronNextIsStrictlyAfter(t *testing.T) {
	c, err := ParseCron("30 10 * * *")
	require.NoError(t, err)

	exact := time.Date(2026, 6, 10, 10, 30, 0, 0, time.UTC)
	next := c.Next(exact)
	assert.Equal(t, exact.AddDate(0, 0, 1), next, "an exact match does not fire again")
}

func TestCronDayOfMonthDayOfWeekUnion(t *testing.T) {
	// "0 0 15 * 1": midnight on the 15th OR on any Monday
	c, err := ParseCron("0 0 15 * 1")
	require.NoError(t, err)

	// Tuesday 2026-06-09
	from := time.Date(2026, 6, 9, 12, 0, 0, 0, time.UTC)

	first := c.Next(from)
	assert.Equal(t, time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC), first, "the 15th is also a Monday")

	second := c.Next(first)
	assert.Equal(t, time.Date(2026, 6, 22, 0, 0, 0, 0, time.UTC), second, "following Monday matches via day-of-week")
}

func TestCronDayOfWeekOnlyIntersects(t *testing.T) {
	// Only day-of-week restricted: day-of-month stays a wildcard
	c, err := ParseCron("0 0 * * 1")
	require.NoError(t, err)

	from := time.Date(2026, 6, 9, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC), c.Next(from))
}

func TestCronSpringForwardFiresOnceAdjusted(t *testing.T) {
	loc := mustLocation(t, "America/New_York")
	c, err := ParseCron("30 2 * * *")
	require.NoError(t, err)

	// 2026-03-08 02:00 local does not exist; clocks jump to 03:00
	from := time.Date(2026, 3, 7, 12, 0, 0, 0, loc)

	first := c.Next(from)
	assert.Equal(t, time.Date(2026, 3, 8, 3, 30, 0, 0, loc), first, "skipped wall time lands on the adjusted instant")

	second := c.Next(first)
	assert.Equal(t, 2, second.Hour())
	assert.Equal(t, time.Date(2026, 3, 9, 2, 30, 0, 0, loc), second)
}

func TestCronFallBackFiresOnce(t *testing.T) {
	loc := mustLocation(t, "America/New_York")
	c, err := ParseCron("30 1 * * *")
	require.NoError(t, err)

	// 2026-11-01 01:30 local occurs twice; the schedule resolves to one instant
	from := time.Date(2026, 10, 31, 12, 0, 0, 0, loc)

	first := c.Next(from)
	assert.Equal(t, time.November, first.Month())
	assert.Equal(t, 1, first.Day())
	assert.Equal(t, 1, first.Hour())
	assert.Equal(t, 30, first.Minute())

	second := c.Next(first)
	assert.Equal(t, 2, second.Day(), "no second fire on the repeated hour")
}

func TestCronNeverMatching(t *testing.T) {
	// February 30th never exists
	c, err := ParseCron("0 0 30 2 *")
	require.NoError(t, err)
	assert.True(t, c.Next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)).IsZero())
}
