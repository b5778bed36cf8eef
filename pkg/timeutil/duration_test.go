package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
	}{
		{"45s", 45 * time.Second},
		{"90", 90 * time.Second}, // Bare integers are seconds
		{"0", 0},
		{"5m", 5 * time.Minute},
		{"2h", 2 * time.Hour},
		{"1h30m", 90 * time.Minute},
		{"2d", 48 * time.Hour},
		{"1d12h", 36 * time.Hour},
		{"1d2h3m4s", 24*time.Hour + 2*time.Hour + 3*time.Minute + 4*time.Second},
		{"  10s  ", 10 * time.Second},
		{"10S", 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			d, err := ParseDuration(tt.input)
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, d)
		})
	}
}

func TestParseDurationErrors(t *testing.T) {
	invalid := []string{
		"",
		"abc",
		"-5s",
		"-5",
		"5x",
		"s",
		"1h30",   // trailing bare number after a unit
		"1.5h",   // fractional values are not part of the format
		"1m1h",   // units must appear largest first
		"10s10s", // repeated unit leaves an unconsumed remainder
	}
	for _, input := range invalid {
		t.Run(input, func(t *testing.T) {
			_, err := ParseDuration(input)
			assert.Error(t, err)
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{45 * time.Second, "45s"},
		{90 * time.Minute, "1h30m"},
		{48 * time.Hour, "2d"},
		{36 * time.Hour, "1d12h"},
		{0, "0s"},
		{500 * time.Millisecond, "0s"},
		{61 * time.Second, "1m1s"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDuration(tt.input))
		})
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"45s", "1h30m", "2d", "1d2h3m4s"} {
		d, err := ParseDuration(s)
		assert.NoError(t, err)
		assert.Equal(t, s, FormatDuration(d))
	}
}
