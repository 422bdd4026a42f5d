// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cron parses five-field cron expressions and computes the
// next occurrence after a given time. The steward service uses it to
// run audit archival sweeps at operator-chosen quiet hours.
//
// Field order and ranges:
//
//	┌───────────── minute (0-59)
//	│ ┌───────────── hour (0-23)
//	│ │ ┌───────────── day of month (1-31)
//	│ │ │ ┌───────────── month (1-12)
//	│ │ │ │ ┌───────────── day of week (0-6, 0=Sunday)
//	│ │ │ │ │
//	* * * * *
//
// Each field accepts single values, ranges (1-5), lists (1,3,5),
// steps (*/15, 1-30/5), and the wildcard. When both day fields carry
// explicit values, a date matches if either one does, following
// classic cron. All computation is UTC; there is no seconds field and
// no @daily-style shortcuts.
package cron
