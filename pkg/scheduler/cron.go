package scheduler

import (
	"strconv"
	"strings"
	"time"

	"github.com/sentinel-zero/sentinel/pkg/errdefs"
)

// CronExpr is a parsed five-field cron expression:
// minute hour day-of-month month day-of-week.
type CronExpr struct {
	minute []int // 0-59
	hour   []int // 0-23
	dom    []int // 1-31
	month  []int // 1-12
	dow    []int // 0-6, 0 = Sunday

	// When both day fields are restricted, a day matches if either field
	// matches (classic cron union semantics).
	domRestricted bool
	dowRestricted bool
}

// ParseCron parses a cron expression. Supported syntax per field:
// single values, comma lists, hyphen ranges, "*", and "/step" on any of
// those. The @hourly/@daily/@weekly/@monthly/@yearly shorthands expand to
// their usual five-field forms.
func ParseCron(expr string) (*CronExpr, error) {
	switch strings.ToLower(strings.TrimSpace(expr)) {
	case "@hourly":
		expr = "0 * * * *"
	case "@daily", "@midnight":
		expr = "0 0 * * *"
	case "@weekly":
		expr = "0 0 * * 0"
	case "@monthly":
		expr = "0 0 1 * *"
	case "@yearly", "@annually":
		expr = "0 0 1 1 *"
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, errdefs.New(errdefs.KindInvalidExpression, "cron needs 5 fields, got %d", len(fields))
	}

	c := &CronExpr{
		domRestricted: fields[2] != "*",
		dowRestricted: fields[4] != "*",
	}

	var err error
	if c.minute, err = parseField(fields[0], 0, 59); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidExpression, err, "minute field")
	}
	if c.hour, err = parseField(fields[1], 0, 23); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidExpression, err, "hour field")
	}
	if c.dom, err = parseField(fields[2], 1, 31); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidExpression, err, "day-of-month field")
	}
	if c.month, err = parseField(fields[3], 1, 12); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidExpression, err, "month field")
	}
	if c.dow, err = parseField(fields[4], 0, 6); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidExpression, err, "day-of-week field")
	}
	return c, nil
}

func parseField(field string, min, max int) ([]int, error) {
	set := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		if err := parseFieldPart(part, min, max, set); err != nil {
			return nil, err
		}
	}
	result := make([]int, 0, len(set))
	for v := min; v <= max; v++ {
		if set[v] {
			result = append(result, v)
		}
	}
	return result, nil
}

func parseFieldPart(part string, min, max int, set map[int]bool) error {
	step := 1
	if idx := strings.Index(part, "/"); idx != -1 {
		s, err := strconv.Atoi(part[idx+1:])
		if err != nil || s <= 0 {
			return errdefs.New(errdefs.KindInvalidExpression, "bad step %q", part[idx+1:])
		}
		step = s
		part = part[:idx]
	}

	var start, end int
	switch {
	case part == "*":
		start, end = min, max
	case strings.Contains(part, "-"):
		idx := strings.Index(part, "-")
		var err error
		if start, err = strconv.Atoi(part[:idx]); err != nil {
			return errdefs.New(errdefs.KindInvalidExpression, "bad range start %q", part[:idx])
		}
		if end, err = strconv.Atoi(part[idx+1:]); err != nil {
			return errdefs.New(errdefs.KindInvalidExpression, "bad range end %q", part[idx+1:])
		}
	default:
		v, err := strconv.Atoi(part)
		if err != nil {
			return errdefs.New(errdefs.KindInvalidExpression, "bad value %q", part)
		}
		start, end = v, v
	}

	if start < min || end > max || start > end {
		return errdefs.New(errdefs.KindInvalidExpression, "range %d-%d outside [%d,%d]", start, end, min, max)
	}
	for v := start; v <= end; v += step {
		set[v] = true
	}
	return nil
}

// Next returns the first matching instant strictly after from, evaluated
// in from's location. Wall-clock tuples are enumerated and materialized
// with time.Date, so a local time skipped by a DST spring-forward lands on
// the adjusted instant once, and a local time repeated by a fall-back
// resolves to a single instant (no double fire).
func (c *CronExpr) Next(from time.Time) time.Time {
	loc := from.Location()
	year, month, day := from.Date()
	date := time.Date(year, month, day, 0, 0, 0, 0, loc)

	// Four years bounds pathological expressions like Feb 30
	limit := from.AddDate(4, 0, 0)

	for ; date.Before(limit); date = date.AddDate(0, 0, 1) {
		if !contains(c.month, int(date.Month())) || !c.dayMatches(date) {
			continue
		}
		for _, h := range c.hour {
			for _, m := range c.minute {
				candidate := time.Date(date.Year(), date.Month(), date.Day(), h, m, 0, 0, loc)
				if candidate.After(from) {
					return candidate
				}
			}
		}
	}
	return time.Time{}
}

func (c *CronExpr) dayMatches(t time.Time) bool {
	domMatch := contains(c.dom, t.Day())
	dowMatch := contains(c.dow, int(t.Weekday()))
	if c.domRestricted && c.dowRestricted {
		return domMatch || dowMatch
	}
	return domMatch && dowMatch
}

func contains(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
