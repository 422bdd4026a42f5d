// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cron

import (
	"strings"
	"testing"
	"time"
)

func mustParse(t *testing.T, expression string) Schedule {
	t.Helper()
	schedule, err := Parse(expression)
	if err != nil {
		t.Fatalf("Parse(%q): %v", expression, err)
	}
	return schedule
}

func utc(year int, month time.Month, day, hour, minute int) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
}

func TestParseValid(t *testing.T) {
	expressions := []string{
		"* * * * *",
		"0 7 * * *",
		"*/15 0-6 1,15 * 1-5",
		"30 3 * * 0",
		"0 0 1 1 *",
		"5,10,15 * * * *",
		"0-30/5 * * * *",
	}
	for _, expression := range expressions {
		t.Run(expression, func(t *testing.T) {
			if _, err := Parse(expression); err != nil {
				t.Errorf("Parse(%q) = %v, want nil", expression, err)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		wantErr    string
	}{
		{"too_few_fields", "* * * *", "expected 5 fields"},
		{"too_many_fields", "* * * * * *", "expected 5 fields"},
		{"empty", "", "expected 5 fields"},
		{"minute_out_of_range", "60 * * * *", "out of range"},
		{"hour_out_of_range", "* 24 * * *", "out of range"},
		{"day_zero", "* * 0 * *", "out of range"},
		{"day_out_of_range", "* * 32 * *", "out of range"},
		{"month_zero", "* * * 0 *", "out of range"},
		{"month_out_of_range", "* * * 13 *", "out of range"},
		{"dow_out_of_range", "* * * * 7", "out of range"},
		{"zero_step", "*/0 * * * *", "step must be positive"},
		{"bad_range", "5-3 * * * *", "range start 5 > end 3"},
		{"non_numeric", "abc * * * *", "invalid value"},
		{"bad_step_value", "*/x * * * *", "invalid step"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse(test.expression)
			if err == nil {
				t.Fatalf("Parse(%q) = nil, want error containing %q", test.expression, test.wantErr)
			}
			if !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("Parse(%q) = %q, want error containing %q", test.expression, err, test.wantErr)
			}
		})
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		from       time.Time
		want       time.Time
	}{
		{"every_minute", "* * * * *",
			utc(2026, 2, 18, 10, 30), utc(2026, 2, 18, 10, 31)},
		{"daily_before", "0 7 * * *",
			utc(2026, 2, 18, 5, 0), utc(2026, 2, 18, 7, 0)},
		{"daily_after", "0 7 * * *",
			utc(2026, 2, 18, 8, 0), utc(2026, 2, 19, 7, 0)},
		// Strictly after: an exact hit rolls to the next occurrence.
		{"daily_exact", "0 7 * * *",
			utc(2026, 2, 18, 7, 0), utc(2026, 2, 19, 7, 0)},
		{"quarter_hour", "*/15 * * * *",
			utc(2026, 2, 18, 10, 14), utc(2026, 2, 18, 10, 15)},
		{"quarter_hour_exact", "*/15 * * * *",
			utc(2026, 2, 18, 10, 15), utc(2026, 2, 18, 10, 30)},
		{"quarter_hour_rollover", "*/15 * * * *",
			utc(2026, 2, 18, 23, 50), utc(2026, 2, 19, 0, 0)},
		// Feb 17 2026 is a Tuesday, Feb 20 a Friday.
		{"weekday_same_day", "0 9 * * 1-5",
			utc(2026, 2, 17, 8, 0), utc(2026, 2, 17, 9, 0)},
		{"weekday_skips_weekend", "0 9 * * 1-5",
			utc(2026, 2, 20, 10, 0), utc(2026, 2, 23, 9, 0)},
		{"day_of_month", "0 0 1,15 * *",
			utc(2026, 2, 2, 0, 0), utc(2026, 2, 15, 0, 0)},
		{"day_of_month_rollover", "0 0 1,15 * *",
			utc(2026, 2, 16, 0, 0), utc(2026, 3, 1, 0, 0)},
		{"yearly", "0 0 1 1 *",
			utc(2026, 3, 15, 12, 0), utc(2027, 1, 1, 0, 0)},
		// February has no 31st; the scan lands on March.
		{"short_month_skipped", "0 0 31 * *",
			utc(2026, 2, 1, 0, 0), utc(2026, 3, 31, 0, 0)},
		{"leap_day", "0 12 29 2 *",
			utc(2026, 1, 1, 0, 0), utc(2028, 2, 29, 12, 0)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			next, err := mustParse(t, test.expression).Next(test.from)
			if err != nil {
				t.Fatalf("Next(%v): %v", test.from, err)
			}
			if !next.Equal(test.want) {
				t.Errorf("Next(%v) = %v, want %v", test.from, next, test.want)
			}
		})
	}
}

// Restricting both day fields matches on either: the 13th of any
// month, and every Friday.
func TestNextDayFieldsMatchEither(t *testing.T) {
	schedule := mustParse(t, "0 0 13 * 5")

	// From Feb 1 2026 (a Sunday): Friday Feb 6 comes before the 13th.
	next, err := schedule.Next(utc(2026, 2, 1, 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if want := utc(2026, 2, 6, 0, 0); !next.Equal(want) {
		t.Errorf("Next = %v (%v), want %v", next, next.Weekday(), want)
	}

	// From Feb 7: the 13th (a Friday that year, but the point is the
	// day-of-month hit) precedes the following Friday only when it is
	// one; here Feb 13 2026 is itself a Friday.
	next, err = schedule.Next(utc(2026, 2, 7, 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if want := utc(2026, 2, 13, 0, 0); !next.Equal(want) {
		t.Errorf("Next = %v (%v), want %v", next, next.Weekday(), want)
	}

	// March 2026: the 13th is a Friday too, but March 6 (Friday)
	// fires first even though it is not the 13th.
	next, err = schedule.Next(utc(2026, 3, 1, 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if want := utc(2026, 3, 6, 0, 0); !next.Equal(want) {
		t.Errorf("Next = %v (%v), want %v", next, next.Weekday(), want)
	}
}

// A wildcard day-of-month with a restricted weekday must not widen to
// every day.
func TestNextWildcardDayRestrictedWeekday(t *testing.T) {
	schedule := mustParse(t, "0 0 * * 0")
	next, err := schedule.Next(utc(2026, 2, 2, 0, 0)) // Monday
	if err != nil {
		t.Fatal(err)
	}
	if want := utc(2026, 2, 8, 0, 0); !next.Equal(want) { // next Sunday
		t.Errorf("Next = %v (%v), want %v", next, next.Weekday(), want)
	}
}

func TestNextImpossibleSchedule(t *testing.T) {
	schedule := mustParse(t, "0 0 31 2 *")
	if _, err := schedule.Next(utc(2026, 1, 1, 0, 0)); err == nil {
		t.Fatal("expected error for February 31")
	}
}

func TestNextIgnoresSeconds(t *testing.T) {
	schedule := mustParse(t, "* * * * *")
	from := time.Date(2026, 2, 18, 10, 30, 45, 123, time.UTC)
	next, err := schedule.Next(from)
	if err != nil {
		t.Fatal(err)
	}
	if want := utc(2026, 2, 18, 10, 31); !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}
