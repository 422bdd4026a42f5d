// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed cron expression. The zero value matches
// nothing; build one with Parse.
type Schedule struct {
	minute  fieldMask
	hour    fieldMask
	day     fieldMask
	month   fieldMask
	weekday fieldMask

	// Classic cron day rule: when both day fields are restricted, a
	// date matches if either one does. A field counts as restricted
	// unless it starts with '*'.
	dayRestricted     bool
	weekdayRestricted bool
}

// fieldMask is a set of small integers, one bit per value.
type fieldMask uint64

func (m fieldMask) contains(value int) bool { return m&(1<<uint(value)) != 0 }

type fieldSpec struct {
	name     string
	min, max int
}

var fieldSpecs = [5]fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// Parse parses a five-field cron expression.
func Parse(expression string) (Schedule, error) {
	fields := strings.Fields(expression)
	if len(fields) != len(fieldSpecs) {
		return Schedule{}, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}
	var masks [len(fieldSpecs)]fieldMask
	for i, spec := range fieldSpecs {
		mask, err := parseField(fields[i], spec)
		if err != nil {
			return Schedule{}, fmt.Errorf("cron: %s field: %w", spec.name, err)
		}
		masks[i] = mask
	}
	return Schedule{
		minute:            masks[0],
		hour:              masks[1],
		day:               masks[2],
		month:             masks[3],
		weekday:           masks[4],
		dayRestricted:     fields[2][0] != '*',
		weekdayRestricted: fields[4][0] != '*',
	}, nil
}

// parseField parses one field: comma-separated terms, each a
// wildcard, value, or range, optionally stepped.
func parseField(text string, spec fieldSpec) (fieldMask, error) {
	var mask fieldMask
	for _, term := range strings.Split(text, ",") {
		base, stepText, hasStep := strings.Cut(term, "/")
		step := 1
		if hasStep {
			parsed, err := strconv.Atoi(stepText)
			if err != nil {
				return 0, fmt.Errorf("invalid step %q: %w", stepText, err)
			}
			if parsed <= 0 {
				return 0, fmt.Errorf("step must be positive, got %d", parsed)
			}
			step = parsed
		}

		first, last := spec.min, spec.max
		switch {
		case base == "*":
		case strings.ContainsRune(base, '-'):
			fromText, toText, _ := strings.Cut(base, "-")
			var err error
			if first, err = strconv.Atoi(fromText); err != nil {
				return 0, fmt.Errorf("invalid range start %q: %w", fromText, err)
			}
			if last, err = strconv.Atoi(toText); err != nil {
				return 0, fmt.Errorf("invalid range end %q: %w", toText, err)
			}
			if first > last {
				return 0, fmt.Errorf("range start %d > end %d", first, last)
			}
		default:
			value, err := strconv.Atoi(base)
			if err != nil {
				return 0, fmt.Errorf("invalid value %q: %w", base, err)
			}
			first, last = value, value
		}

		if first < spec.min || last > spec.max {
			return 0, fmt.Errorf("value out of range [%d-%d]: got %d-%d", spec.min, spec.max, first, last)
		}
		for value := first; value <= last; value += step {
			mask |= 1 << uint(value)
		}
	}
	if mask == 0 {
		return 0, fmt.Errorf("field %q matches nothing", text)
	}
	return mask, nil
}

// searchYears bounds the Next scan. Four years covers every
// leap-year alignment, so anything unmatched by then (February 31)
// never fires at all.
const searchYears = 4

// Next returns the earliest schedule time strictly after t. All
// computation is in UTC. Schedules that can never fire report an
// error instead of looping.
func (s Schedule) Next(t time.Time) (time.Time, error) {
	start := t.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := start.AddDate(searchYears, 0, 0)

	date := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	for ; date.Before(limit); date = date.AddDate(0, 0, 1) {
		if !s.matchesDate(date) {
			continue
		}
		hourFrom, minuteFrom := 0, 0
		if date.Year() == start.Year() && date.YearDay() == start.YearDay() {
			hourFrom, minuteFrom = start.Hour(), start.Minute()
		}
		if at, ok := s.firstTimeOn(date, hourFrom, minuteFrom); ok {
			return at, nil
		}
	}
	return time.Time{}, fmt.Errorf("cron: no matching time within %d years of %s", searchYears, t.UTC().Format(time.RFC3339))
}

// matchesDate checks month and the day rule.
func (s Schedule) matchesDate(date time.Time) bool {
	if !s.month.contains(int(date.Month())) {
		return false
	}
	dayOK := s.day.contains(date.Day())
	weekdayOK := s.weekday.contains(int(date.Weekday()))
	if s.dayRestricted && s.weekdayRestricted {
		return dayOK || weekdayOK
	}
	return dayOK && weekdayOK
}

// firstTimeOn scans one matching date for the first schedule hit at
// or after hourFrom:minuteFrom.
func (s Schedule) firstTimeOn(date time.Time, hourFrom, minuteFrom int) (time.Time, bool) {
	for hour := hourFrom; hour < 24; hour++ {
		if !s.hour.contains(hour) {
			continue
		}
		first := 0
		if hour == hourFrom {
			first = minuteFrom
		}
		for minute := first; minute < 60; minute++ {
			if s.minute.contains(minute) {
				return time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, time.UTC), true
			}
		}
	}
	return time.Time{}, false
}
