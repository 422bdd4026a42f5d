// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"fmt"
	"math"
)

// Verdict is a review or judgment outcome.
type Verdict string

const (
	VerdictAccept   Verdict = "accept"
	VerdictReject   Verdict = "reject"
	VerdictEscalate Verdict = "escalate"
)

// Validate checks v against the closed verdict set.
func (v Verdict) Validate() error {
	switch v {
	case VerdictAccept, VerdictReject, VerdictEscalate:
		return nil
	}
	return fmt.Errorf("lifecycle: unknown verdict %q: %w", string(v), ErrValidationFailed)
}

// JudgmentConfig tunes the consensus. Weights maps review sources to
// credibility factors; unlisted sources weigh 1.0.
type JudgmentConfig struct {
	// Weights are per-source credibility multipliers.
	Weights map[string]float64 `json:"weights,omitempty"`

	// ConfidenceFloor is the minimum consensus confidence to act on a
	// verdict; anything below escalates. Default 0.
	ConfidenceFloor float64 `json:"confidence_floor,omitempty"`

	// EscalateQuorum is the minimum source weight at which a single
	// escalate finding forces escalation regardless of the tally.
	// Zero means any escalate finding does.
	EscalateQuorum float64 `json:"escalate_quorum,omitempty"`

	// MaxReworks bounds how many times a reject verdict sends the
	// task back to execution before it is rejected outright.
	// Default 1.
	MaxReworks int `json:"max_reworks,omitempty"`
}

// weight returns the source's credibility factor.
func (c JudgmentConfig) weight(source string) float64 {
	if w, ok := c.Weights[source]; ok {
		return w
	}
	return 1.0
}

// Judgment is the consensus over a set of findings. Confidence is the
// weighted margin between the winning and losing sides divided by the
// total weighted vote, in [0, 1].
type Judgment struct {
	Verdict    Verdict `json:"verdict"`
	Confidence float64 `json:"confidence"`
}

// Judge renders the weighted consensus. Each finding contributes its
// source weight times its confidence to its verdict's side. Ties,
// sub-floor margins, an empty finding set, and escalate findings at
// or above the quorum all escalate rather than guess.
func Judge(findings []ReviewFinding, config JudgmentConfig) (Judgment, error) {
	for _, finding := range findings {
		if err := finding.Validate(); err != nil {
			return Judgment{}, err
		}
	}
	if len(findings) == 0 {
		return Judgment{Verdict: VerdictEscalate}, nil
	}

	var accept, reject float64
	for _, finding := range findings {
		weight := config.weight(finding.Source)
		switch finding.Verdict {
		case VerdictEscalate:
			if weight >= config.EscalateQuorum {
				return Judgment{Verdict: VerdictEscalate}, nil
			}
		case VerdictAccept:
			accept += weight * finding.Confidence
		case VerdictReject:
			reject += weight * finding.Confidence
		}
	}

	total := accept + reject
	if total == 0 {
		return Judgment{Verdict: VerdictEscalate}, nil
	}
	confidence := math.Abs(accept-reject) / total
	if confidence == 0 || confidence < config.ConfidenceFloor {
		return Judgment{Verdict: VerdictEscalate, Confidence: confidence}, nil
	}
	verdict := VerdictAccept
	if reject > accept {
		verdict = VerdictReject
	}
	return Judgment{Verdict: verdict, Confidence: confidence}, nil
}
