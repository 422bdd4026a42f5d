// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/steward/lib/budget"
)

// formatConfidence renders a confidence value the same way everywhere
// it appears (signal payloads, audit metadata).
func formatConfidence(c float64) string {
	return strconv.FormatFloat(c, 'f', -1, 64)
}

// deriveSignals builds the learning signals of one accepted
// execution: the judgment outcome, the cumulative cost variance
// against the estimate, and the review feedback tally. All three
// share the execution identifier, so replaying them is a no-op at
// the store.
func deriveSignals(task Task, executionID string, actual budget.Amount, judgment Judgment, findings []ReviewFinding, now time.Time) []Signal {
	outcome := map[string]string{
		"verdict":    string(judgment.Verdict),
		"confidence": formatConfidence(judgment.Confidence),
		"attempts":   strconv.Itoa(task.Attempt),
		"reworks":    strconv.Itoa(task.Reworks),
	}

	variance := actual.Sub(task.Estimate)
	cost := map[string]string{
		"estimate_tokens": strconv.FormatInt(task.Estimate.Tokens, 10),
		"actual_tokens":   strconv.FormatInt(actual.Tokens, 10),
		"variance_tokens": strconv.FormatInt(variance.Tokens, 10),
	}
	if task.Estimate.CurrencyMicros != 0 || actual.CurrencyMicros != 0 {
		cost["estimate_currency_micros"] = strconv.FormatInt(task.Estimate.CurrencyMicros, 10)
		cost["actual_currency_micros"] = strconv.FormatInt(actual.CurrencyMicros, 10)
		cost["variance_currency_micros"] = strconv.FormatInt(variance.CurrencyMicros, 10)
	}

	var accepts, rejects, escalates int
	sources := make([]string, 0, len(findings))
	for _, finding := range findings {
		sources = append(sources, finding.Source)
		switch finding.Verdict {
		case VerdictAccept:
			accepts++
		case VerdictReject:
			rejects++
		case VerdictEscalate:
			escalates++
		}
	}
	slices.Sort(sources)
	review := map[string]string{
		"findings":  strconv.Itoa(len(findings)),
		"accepts":   strconv.Itoa(accepts),
		"rejects":   strconv.Itoa(rejects),
		"escalates": strconv.Itoa(escalates),
		"sources":   strings.Join(slices.Compact(sources), ","),
	}

	return []Signal{
		{ExecutionID: executionID, Type: SignalOutcome, TaskID: task.ID, Payload: outcome, CreatedAt: now},
		{ExecutionID: executionID, Type: SignalCostVariance, TaskID: task.ID, Payload: cost, CreatedAt: now},
		{ExecutionID: executionID, Type: SignalReviewFeedback, TaskID: task.ID, Payload: review, CreatedAt: now},
	}
}
