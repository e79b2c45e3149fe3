// Package schedule triggers workflow executions on cron expressions, with
// file-lock overlap prevention and a concurrency cap.
package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Expr is a parsed 5-field cron expression.
// Fields: minute, hour, day-of-month, month, day-of-week.
type Expr struct {
	minute []int
	hour   []int
	dom    []int
	month  []int
	dow    []int
}

var macros = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
}

// Parse parses a standard 5-field cron expression or one of the @hourly,
// @daily, @midnight, @weekly, @monthly macros.
// Fields support: *, */N, N, N-M, N-M/S, comma-separated lists.
func Parse(expr string) (*Expr, error) {
	if replacement, ok := macros[strings.TrimSpace(expr)]; ok {
		expr = replacement
	}
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}

	out := &Expr{}
	specs := []struct {
		dst      *[]int
		raw      string
		name     string
		min, max int
	}{
		{&out.minute, fields[0], "minute", 0, 59},
		{&out.hour, fields[1], "hour", 0, 23},
		{&out.dom, fields[2], "day-of-month", 1, 31},
		{&out.month, fields[3], "month", 1, 12},
		{&out.dow, fields[4], "day-of-week", 0, 6},
	}
	for _, spec := range specs {
		vals, err := parseField(spec.raw, spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("cron: %s: %w", spec.name, err)
		}
		*spec.dst = vals
	}
	return out, nil
}

// Matches reports whether t falls within the expression.
func (e *Expr) Matches(t time.Time) bool {
	return intIn(e.minute, t.Minute()) &&
		intIn(e.hour, t.Hour()) &&
		intIn(e.dom, t.Day()) &&
		intIn(e.month, int(t.Month())) &&
		intIn(e.dow, int(t.Weekday()))
}

// Next returns the first time after t that matches, searching up to two
// years ahead. Zero time when nothing matches.
func (e *Expr) Next(t time.Time) time.Time {
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.Add(2 * 365 * 24 * time.Hour)

	for candidate.Before(limit) {
		switch {
		case !intIn(e.month, int(candidate.Month())):
			candidate = time.Date(candidate.Year(), candidate.Month()+1, 1, 0, 0, 0, 0, candidate.Location())
		case !intIn(e.dom, candidate.Day()) || !intIn(e.dow, int(candidate.Weekday())):
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day()+1, 0, 0, 0, 0, candidate.Location())
		case !intIn(e.hour, candidate.Hour()):
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day(), candidate.Hour()+1, 0, 0, 0, candidate.Location())
		case !intIn(e.minute, candidate.Minute()):
			candidate = candidate.Add(time.Minute)
		default:
			return candidate
		}
	}
	return time.Time{}
}

func parseField(field string, min, max int) ([]int, error) {
	if field == "*" {
		return rangeSlice(min, max, 1), nil
	}

	seen := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		vals, err := parsePart(part, min, max)
		if err != nil {
			return nil, err
		}
		for _, v := range vals {
			seen[v] = true
		}
	}

	result := make([]int, 0, len(seen))
	for v := range seen {
		result = append(result, v)
	}
	sort.Ints(result)
	return result, nil
}

func parsePart(part string, min, max int) ([]int, error) {
	if strings.HasPrefix(part, "*/") {
		step, err := strconv.Atoi(part[2:])
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step %q", part)
		}
		return rangeSlice(min, max, step), nil
	}

	if strings.Contains(part, "-") {
		rangeParts := strings.SplitN(part, "/", 2)
		bounds := strings.SplitN(rangeParts[0], "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("invalid range %q", part)
		}
		lo, err := strconv.Atoi(bounds[0])
		if err != nil {
			return nil, fmt.Errorf("invalid range start %q", bounds[0])
		}
		hi, err := strconv.Atoi(bounds[1])
		if err != nil {
			return nil, fmt.Errorf("invalid range end %q", bounds[1])
		}
		if lo < min || hi > max || lo > hi {
			return nil, fmt.Errorf("range %d-%d out of bounds [%d,%d]", lo, hi, min, max)
		}
		step := 1
		if len(rangeParts) == 2 {
			step, err = strconv.Atoi(rangeParts[1])
			if err != nil || step <= 0 {
				return nil, fmt.Errorf("invalid step in %q", part)
			}
		}
		return rangeSlice(lo, hi, step), nil
	}

	val, err := strconv.Atoi(part)
	if err != nil {
		return nil, fmt.Errorf("invalid value %q", part)
	}
	if val < min || val > max {
		return nil, fmt.Errorf("value %d out of bounds [%d,%d]", val, min, max)
	}
	return []int{val}, nil
}

func rangeSlice(min, max, step int) []int {
	out := make([]int, 0, (max-min)/step+1)
	for i := min; i <= max; i += step {
		out = append(out, i)
	}
	return out
}

func intIn(set []int, val int) bool {
	for _, v := range set {
		if v == val {
			return true
		}
	}
	return false
}
