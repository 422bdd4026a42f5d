// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle_test

import (
	"testing"
	"time"

	"github.com/bureau-foundation/steward/lib/lifecycle"
)

func TestRetryDelayGrowthAndCap(t *testing.T) {
	policy := lifecycle.RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
	}
	want := []time.Duration{
		time.Second,      // attempt 1
		2 * time.Second,  // attempt 2
		4 * time.Second,  // attempt 3
		8 * time.Second,  // attempt 4
		10 * time.Second, // attempt 5, capped
		10 * time.Second, // attempt 6, still capped
	}
	for i, expected := range want {
		attempt := i + 1
		if got := policy.Delay(attempt); got != expected {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, expected)
		}
	}
	if got := policy.Delay(0); got != time.Second {
		t.Errorf("Delay(0) = %v, want clamp to first attempt", got)
	}
}

func TestRetryDelayJitterBounds(t *testing.T) {
	policy := lifecycle.RetryPolicy{
		MaxAttempts:    5,
		BaseDelay:      time.Second,
		MaxDelay:       time.Minute,
		JitterFraction: 0.2,
	}
	low := time.Duration(float64(4*time.Second) * 0.8)
	high := time.Duration(float64(4*time.Second) * 1.2)
	for range 200 {
		got := policy.Delay(3)
		if got < low || got > high {
			t.Fatalf("Delay(3) = %v outside [%v, %v]", got, low, high)
		}
	}
}

func TestRetryDefaults(t *testing.T) {
	policy := lifecycle.DefaultRetryPolicy()
	if policy.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", policy.MaxAttempts)
	}
	if policy.BaseDelay != 500*time.Millisecond {
		t.Errorf("BaseDelay = %v, want 500ms", policy.BaseDelay)
	}
	if policy.MaxDelay != 30*time.Second {
		t.Errorf("MaxDelay = %v, want 30s", policy.MaxDelay)
	}
	if policy.JitterFraction != 0.2 {
		t.Errorf("JitterFraction = %v, want 0.2", policy.JitterFraction)
	}
}
