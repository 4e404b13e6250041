// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package cron parses 5-field cron expressions and computes their next
// fire time, for relayq's scheduler (spec.md §4.10).
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// fieldRange bounds the acceptable values for one cron field.
type fieldRange struct {
	min, max int
}

var (
	minuteRange = fieldRange{0, 59}
	hourRange   = fieldRange{0, 23}
	domRange    = fieldRange{1, 31}
	monthRange  = fieldRange{1, 12}
	dowRange    = fieldRange{0, 6} // Sunday = 0
)

// Schedule is a parsed cron expression, ready to compute fire times.
type Schedule struct {
	minute, hour, dom, month, dow [64]bool
	domWildcard, dowWildcard      bool
}

// maxSearchIterations bounds Next's forward search, so a pathological
// expression (e.g. February 30th) fails fast instead of looping forever.
const maxSearchIterations = 1000

// Parse parses a 5-field cron expression: minute hour day-of-month month
// day-of-week. Each field accepts "*", "a,b,c", "a-b", "*/n", or "a/n".
func Parse(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d in %q", len(fields), expr)
	}

	s := &Schedule{}
	var err error
	if s.minute, err = parseField(fields[0], minuteRange); err != nil {
		return nil, fmt.Errorf("cron: minute field: %w", err)
	}
	if s.hour, err = parseField(fields[1], hourRange); err != nil {
		return nil, fmt.Errorf("cron: hour field: %w", err)
	}
	if s.dom, err = parseField(fields[2], domRange); err != nil {
		return nil, fmt.Errorf("cron: day-of-month field: %w", err)
	}
	if s.month, err = parseField(fields[3], monthRange); err != nil {
		return nil, fmt.Errorf("cron: month field: %w", err)
	}
	if s.dow, err = parseField(fields[4], dowRange); err != nil {
		return nil, fmt.Errorf("cron: day-of-week field: %w", err)
	}
	s.domWildcard = fields[2] == "*"
	s.dowWildcard = fields[4] == "*"
	return s, nil
}

func parseField(expr string, r fieldRange) ([64]bool, error) {
	var bits [64]bool
	if expr == "*" {
		for v := r.min; v <= r.max; v++ {
			bits[v] = true
		}
		return bits, nil
	}
	for _, part := range strings.Split(expr, ",") {
		if err := parsePart(part, r, &bits); err != nil {
			return bits, err
		}
	}
	return bits, nil
}

func parsePart(part string, r fieldRange, bits *[64]bool) error {
	base, step := part, 1
	hasStep := false
	if idx := strings.IndexByte(part, '/'); idx >= 0 {
		n, err := strconv.Atoi(part[idx+1:])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid step in %q", part)
		}
		step = n
		hasStep = true
		base = part[:idx]
	}

	var lo, hi int
	switch {
	case base == "*":
		lo, hi = r.min, r.max
	case strings.Contains(base, "-"):
		bounds := strings.SplitN(base, "-", 2)
		a, err1 := strconv.Atoi(bounds[0])
		b, err2 := strconv.Atoi(bounds[1])
		if err1 != nil || err2 != nil {
			return fmt.Errorf("invalid range %q", base)
		}
		lo, hi = a, b
	default:
		v, err := strconv.Atoi(base)
		if err != nil {
			return fmt.Errorf("invalid value %q", base)
		}
		lo = v
		if hasStep {
			// a/n: start at a, step by n, up through the field's max.
			hi = r.max
		} else {
			hi = v
		}
	}

	if lo < r.min || hi > r.max || lo > hi {
		return fmt.Errorf("value %q out of range [%d,%d]", part, r.min, r.max)
	}
	for v := lo; v <= hi; v += step {
		bits[v] = true
	}
	return nil
}

func (s *Schedule) dayMatches(t time.Time) bool {
	switch {
	case s.domWildcard && s.dowWildcard:
		return true
	case s.domWildcard:
		return s.dow[int(t.Weekday())]
	case s.dowWildcard:
		return s.dom[t.Day()]
	default:
		return s.dom[t.Day()] || s.dow[int(t.Weekday())]
	}
}

// Next returns the first fire time strictly after from, in from's location.
// It searches minute-by-minute but skips whole months/days/hours at once
// when an entire unit fails to match, bounded by maxSearchIterations.
func (s *Schedule) Next(from time.Time) (time.Time, error) {
	t := from.Truncate(time.Minute).Add(time.Minute)

	for i := 0; i < maxSearchIterations; i++ {
		if !s.month[int(t.Month())] {
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
			continue
		}
		if !s.hour[t.Hour()] {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location()).Add(time.Hour)
			continue
		}
		if !s.minute[t.Minute()] {
			t = t.Add(time.Minute)
			continue
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("cron: no fire time found within %d iterations", maxSearchIterations)
}
