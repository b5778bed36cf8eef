package timeutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// unit suffixes accepted on the wire, largest first so formatting is greedy
var units = []struct {
	suffix string
	dur    time.Duration
}{
	{"d", 24 * time.Hour},
	{"h", time.Hour},
	{"m", time.Minute},
	{"s", time.Second},
}

// ParseDuration parses the wire duration format: concatenated integer-and-unit
// segments such as "1h30m", "45s", or "2d". A bare integer means seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	// Bare integers are seconds
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration: %s", s)
		}
		return time.Duration(n) * time.Second, nil
	}

	var total time.Duration
	rest := s
	matched := false
	for _, u := range units {
		idx := strings.Index(rest, u.suffix)
		if idx <= 0 {
			continue
		}
		n, err := strconv.ParseInt(rest[:idx], 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration: %s", s)
		}
		total += time.Duration(n) * u.dur
		rest = rest[idx+len(u.suffix):]
		matched = true
	}
	if !matched || rest != "" {
		return 0, fmt.Errorf("invalid duration: %s", s)
	}
	return total, nil
}

// FormatDuration renders a duration in the wire format, e.g. "2h30m" or "45s".
// Sub-second remainders are dropped; zero renders as "0s".
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	var b strings.Builder
	for _, u := range units {
		if d >= u.dur {
			n := d / u.dur
			fmt.Fprintf(&b, "%d%s", n, u.suffix)
			d -= n * u.dur
		}
	}
	return b.String()
}
