package tat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCalc(t *testing.T, cfg Config) *Calculator {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestHourDurationCarriesOverWeekend(t *testing.T) {
	c := newCalc(t, DefaultConfig())
	// 2024-03-15 is a Friday.
	got, err := c.HourDuration(utc(2024, 3, 15, 17, 0), 3)
	require.NoError(t, err)
	assert.True(t, got.Equal(utc(2024, 3, 18, 11, 0)), "got %s", got)
}

func TestHourDurationSpansSeveralDays(t *testing.T) {
	c := newCalc(t, DefaultConfig())
	got, err := c.HourDuration(utc(2024, 3, 18, 9, 0), 20)
	require.NoError(t, err)
	assert.True(t, got.Equal(utc(2024, 3, 20, 11, 0)), "got %s", got)
}

func TestHourDurationStartsOutsideOfficeHours(t *testing.T) {
	c := newCalc(t, DefaultConfig())
	cases := []struct {
		name  string
		start time.Time
		want  time.Time
	}{
		{"before opening", utc(2024, 3, 19, 6, 30), utc(2024, 3, 19, 11, 0)},
		{"after closing", utc(2024, 3, 19, 20, 0), utc(2024, 3, 20, 11, 0)},
		{"saturday", utc(2024, 3, 16, 12, 0), utc(2024, 3, 18, 11, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := c.HourDuration(tc.start, 2)
			require.NoError(t, err)
			assert.True(t, got.Equal(tc.want), "got %s want %s", got, tc.want)
		})
	}
}

func TestHourDurationEndsExactlyAtClosing(t *testing.T) {
	c := newCalc(t, DefaultConfig())
	got, err := c.HourDuration(utc(2024, 3, 15, 17, 0), 1)
	require.NoError(t, err)
	assert.True(t, got.Equal(utc(2024, 3, 15, 18, 0)), "got %s", got)
}

func TestZeroAmountReturnsStartUnchanged(t *testing.T) {
	c := newCalc(t, DefaultConfig())
	start := utc(2024, 3, 16, 23, 15) // Saturday night
	for _, k := range Kinds {
		got, err := c.Calculate(start, 0, k)
		require.NoError(t, err)
		assert.Equal(t, start, got, string(k))
	}
}

func TestNegativeAmountIsRejected(t *testing.T) {
	c := newCalc(t, DefaultConfig())
	for _, k := range Kinds {
		_, err := c.Calculate(utc(2024, 3, 18, 10, 0), -1, k)
		assert.ErrorIs(t, err, ErrNegativeAmount, string(k))
	}
}

func TestDayDurationSkipsWeekend(t *testing.T) {
	c := newCalc(t, DefaultConfig())
	got, err := c.DayDuration(utc(2024, 3, 15, 14, 45), 1)
	require.NoError(t, err)
	assert.True(t, got.Equal(utc(2024, 3, 18, 14, 45)), "got %s", got)
}

func TestDayDurationWithoutWeekendSkipping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SkipWeekends = false
	c := newCalc(t, cfg)
	got, err := c.DayDuration(utc(2024, 3, 15, 14, 45), 1)
	require.NoError(t, err)
	assert.True(t, got.Equal(utc(2024, 3, 16, 14, 45)), "got %s", got)
}

func TestDayDurationCrossesMonthAndYear(t *testing.T) {
	c := newCalc(t, DefaultConfig())
	got, err := c.DayDuration(utc(2024, 1, 31, 10, 0), 1)
	require.NoError(t, err)
	assert.True(t, got.Equal(utc(2024, 2, 1, 10, 0)), "got %s", got)

	// 2021-12-31 is a Friday.
	got, err = c.DayDuration(utc(2021, 12, 31, 10, 0), 1)
	require.NoError(t, err)
	assert.True(t, got.Equal(utc(2022, 1, 3, 10, 0)), "got %s", got)

	got, err = c.DayDuration(utc(2024, 2, 28, 10, 0), 1)
	require.NoError(t, err)
	assert.True(t, got.Equal(utc(2024, 2, 29, 10, 0)), "leap day, got %s", got)
}

func TestBeforeDurationWalksBackOverWeekend(t *testing.T) {
	c := newCalc(t, DefaultConfig())
	got, err := c.BeforeDuration(utc(2024, 3, 18, 10, 0), 1)
	require.NoError(t, err)
	assert.True(t, got.Equal(utc(2024, 3, 15, 10, 0)), "got %s", got)

	got, err = c.BeforeDuration(utc(2024, 3, 1, 10, 0), 3)
	require.NoError(t, err)
	assert.True(t, got.Equal(utc(2024, 2, 27, 10, 0)), "got %s", got)
}

func TestSpecifyMatchesHour(t *testing.T) {
	c := newCalc(t, DefaultConfig())
	start := utc(2024, 3, 15, 16, 20)
	hour, err := c.HourDuration(start, 5)
	require.NoError(t, err)
	spec, err := c.SpecifyDuration(start, 5)
	require.NoError(t, err)
	assert.Equal(t, hour, spec)
}

func TestIsWorkingTime(t *testing.T) {
	c := newCalc(t, DefaultConfig())
	assert.True(t, c.IsWorkingTime(utc(2024, 3, 18, 9, 0)))
	assert.True(t, c.IsWorkingTime(utc(2024, 3, 18, 17, 59)))
	assert.False(t, c.IsWorkingTime(utc(2024, 3, 18, 18, 0)))
	assert.False(t, c.IsWorkingTime(utc(2024, 3, 18, 8, 59)))
	assert.False(t, c.IsWorkingTime(utc(2024, 3, 16, 10, 0)))

	cfg := DefaultConfig()
	cfg.SkipWeekends = false
	assert.True(t, newCalc(t, cfg).IsWorkingTime(utc(2024, 3, 16, 10, 0)))
}

func TestNextWorkingTime(t *testing.T) {
	c := newCalc(t, DefaultConfig())
	working := utc(2024, 3, 18, 10, 30)
	assert.Equal(t, working, c.NextWorkingTime(working))

	assert.True(t, c.NextWorkingTime(utc(2024, 3, 18, 7, 0)).Equal(utc(2024, 3, 18, 9, 0)))
	assert.True(t, c.NextWorkingTime(utc(2024, 3, 18, 18, 0)).Equal(utc(2024, 3, 19, 9, 0)))
	assert.True(t, c.NextWorkingTime(utc(2024, 3, 15, 19, 0)).Equal(utc(2024, 3, 18, 9, 0)))
	assert.True(t, c.NextWorkingTime(utc(2024, 3, 17, 8, 0)).Equal(utc(2024, 3, 18, 9, 0)))
}

func TestTimezoneIsHonoured(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timezone = "Asia/Kolkata"
	c := newCalc(t, cfg)
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	// 11:30 UTC is 17:00 in Kolkata on a Friday.
	got, err := c.HourDuration(utc(2024, 3, 15, 11, 30), 3)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 3, 18, 11, 0, 0, 0, loc)), "got %s", got)
	assert.Equal(t, loc.String(), got.Location().String())
}

func TestParseKind(t *testing.T) {
	assert.Equal(t, KindDay, ParseKind("DayTAT"))
	assert.Equal(t, KindBefore, ParseKind(" beforetat "))
	assert.Equal(t, KindSpecify, ParseKind("SPECIFYTAT"))
	assert.Equal(t, KindHour, ParseKind("hourtat"))
	assert.Equal(t, KindHour, ParseKind("fortnight"))
	assert.Equal(t, KindHour, ParseKind(""))
}

func TestCalculateFallsBackToHour(t *testing.T) {
	start := utc(2024, 3, 15, 17, 0)
	unknown, err := Calculate(start, 3, "weeks", nil)
	require.NoError(t, err)
	hour, err := Calculate(start, 3, "HOURTAT", nil)
	require.NoError(t, err)
	assert.Equal(t, hour, unknown)
	assert.True(t, hour.Equal(utc(2024, 3, 18, 11, 0)))
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"start after end", Config{OfficeStartHour: 18, OfficeEndHour: 9}},
		{"empty window", Config{OfficeStartHour: 9, OfficeEndHour: 9}},
		{"start out of range", Config{OfficeStartHour: -1, OfficeEndHour: 9}},
		{"end out of range", Config{OfficeStartHour: 9, OfficeEndHour: 24}},
		{"unknown zone", Config{OfficeStartHour: 9, OfficeEndHour: 18, Timezone: "Mars/Olympus"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, tc.cfg.Validate())
			_, err := Calculate(utc(2024, 3, 18, 10, 0), 1, "hourtat", &tc.cfg)
			require.Error(t, err)
		})
	}
	require.NoError(t, DefaultConfig().Validate())
	require.NoError(t, Config{OfficeStartHour: 0, OfficeEndHour: 23}.Validate())
}
