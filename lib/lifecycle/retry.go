// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds how transient failures are retried: exponential
// backoff from BaseDelay doubling per attempt, capped at MaxDelay,
// with a symmetric jitter fraction so synchronized retries spread
// out.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts,omitempty"`
	BaseDelay      time.Duration `json:"base_delay,omitempty"`
	MaxDelay       time.Duration `json:"max_delay,omitempty"`
	JitterFraction float64       `json:"jitter_fraction,omitempty"`
}

// DefaultRetryPolicy is five attempts from half a second up to thirty,
// jittered ±20%.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.2,
	}
}

// withDefaults fills zero fields from DefaultRetryPolicy.
func (p RetryPolicy) withDefaults() RetryPolicy {
	defaults := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaults.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaults.MaxDelay
	}
	return p
}

// Delay returns the backoff before the given retry attempt (1-based:
// attempt 1 is the first retry). The exponential term is computed in
// full before capping, so late attempts sit at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.JitterFraction > 0 {
		// Uniform in [-fraction, +fraction].
		jitter := (rand.Float64()*2 - 1) * p.JitterFraction
		delay = time.Duration(float64(delay) * (1 + jitter))
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
