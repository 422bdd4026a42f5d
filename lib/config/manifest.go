// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/steward/lib/budget"
	"github.com/bureau-foundation/steward/lib/lifecycle"
	"github.com/bureau-foundation/steward/lib/reference"
	"github.com/bureau-foundation/steward/lib/scope"
)

// Manifest is a parsed budget manifest: the static scope tree the
// ledger is configured with, the reference catalog, and the
// review-consensus tuning. The service installs one at startup and on
// each reload.
type Manifest struct {
	// Scopes are validated ledger declarations in authoring order.
	Scopes []budget.ScopeConfig

	// References seed the catalog resolver.
	References []reference.CatalogEntry

	// Templates are namespaces resolved by URI expansion rather than
	// per-entry catalog rows.
	Templates []TemplateNamespace

	// Judgment tunes review consensus. Zero fields keep the
	// machine's defaults.
	Judgment lifecycle.JudgmentConfig
}

// TemplateNamespace binds a namespace to a ready template resolver.
type TemplateNamespace struct {
	Namespace string
	Resolver  *reference.TemplateResolver
}

// The manifest document is authored JSONC. Durations and currency are
// strings ("30s", "2.50") and converted here; everything else decodes
// directly into the domain types.

type manifestDocument struct {
	Scopes     []manifestScope          `json:"scopes"`
	References []manifestReference      `json:"references"`
	Templates  []manifestTemplate       `json:"templates"`
	Judgment   lifecycle.JudgmentConfig `json:"judgment"`
}

type manifestScope struct {
	Path         scope.Path      `json:"path"`
	Total        manifestAmount  `json:"total"`
	Unlimited    bool            `json:"unlimited"`
	StopOnExceed bool            `json:"stop_on_exceed"`
	Policy       *manifestPolicy `json:"policy"`
}

type manifestAmount struct {
	Tokens   int64  `json:"tokens"`
	Currency string `json:"currency"`
}

func (a manifestAmount) amount() (budget.Amount, error) {
	result := budget.Amount{Tokens: a.Tokens}
	if a.Currency != "" {
		micros, err := budget.ParseCurrency(a.Currency)
		if err != nil {
			return budget.Amount{}, err
		}
		result.CurrencyMicros = micros
	}
	return result, nil
}

type manifestPolicy struct {
	Kind     budget.PolicyKind `json:"kind"`
	Queue    *manifestQueue    `json:"queue"`
	Delegate *manifestDelegate `json:"delegate"`
	Escalate *manifestEscalate `json:"escalate"`
}

type manifestQueue struct {
	Depth   int      `json:"depth"`
	MaxWait Duration `json:"max_wait"`
}

type manifestDelegate struct {
	Target scope.Path `json:"target"`
}

type manifestEscalate struct {
	Approver string   `json:"approver"`
	Timeout  Duration `json:"timeout"`
}

// policy converts to the ledger's form. Validation happens on the
// converted value, so malformed policies are reported through
// ScopeConfig.Validate with full context.
func (p *manifestPolicy) policy() budget.PolicyConfig {
	converted := budget.PolicyConfig{Kind: p.Kind}
	if p.Queue != nil {
		converted.Queue = &budget.QueueConfig{
			Depth:   p.Queue.Depth,
			MaxWait: p.Queue.MaxWait.Duration(),
		}
	}
	if p.Delegate != nil {
		converted.Delegate = &budget.DelegateConfig{Target: p.Delegate.Target}
	}
	if p.Escalate != nil {
		converted.Escalate = &budget.EscalateConfig{
			Approver: p.Escalate.Approver,
			Timeout:  p.Escalate.Timeout.Duration(),
		}
	}
	return converted
}

type manifestReference struct {
	Token    reference.Token   `json:"token"`
	URI      string            `json:"uri"`
	Pinned   bool              `json:"pinned"`
	TTL      Duration          `json:"ttl"`
	Metadata map[string]string `json:"metadata"`
}

type manifestTemplate struct {
	Namespace string   `json:"namespace"`
	Template  string   `json:"template"`
	Pinned    bool     `json:"pinned"`
	TTL       Duration `json:"ttl"`
}

// ParseManifest parses a JSONC budget manifest: comments and trailing
// commas are stripped, the remainder is decoded strictly (unknown
// fields are errors), and every scope, catalog entry, and template
// namespace is validated. All problems are reported at once.
func ParseManifest(data []byte) (*Manifest, error) {
	stripped := jsonc.ToJSON(data)

	decoder := json.NewDecoder(bytes.NewReader(stripped))
	decoder.DisallowUnknownFields()
	var document manifestDocument
	if err := decoder.Decode(&document); err != nil {
		return nil, fmt.Errorf("config: parsing manifest: %w", err)
	}

	manifest := &Manifest{Judgment: document.Judgment}
	var errs []error

	seenScopes := make(map[scope.Path]bool, len(document.Scopes))
	for i, raw := range document.Scopes {
		total, err := raw.Total.amount()
		if err != nil {
			errs = append(errs, fmt.Errorf("scope %d (%s): %w", i, raw.Path, err))
			continue
		}
		converted := budget.ScopeConfig{
			Path:         raw.Path,
			Total:        total,
			Unlimited:    raw.Unlimited,
			StopOnExceed: raw.StopOnExceed,
		}
		if raw.Policy != nil {
			converted.Policy = raw.Policy.policy()
		}
		if err := converted.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("scope %d: %w", i, err))
			continue
		}
		if seenScopes[raw.Path] {
			errs = append(errs, fmt.Errorf("scope %d: duplicate path %s", i, raw.Path))
			continue
		}
		seenScopes[raw.Path] = true
		manifest.Scopes = append(manifest.Scopes, converted)
	}

	seenTokens := make(map[reference.Token]bool, len(document.References))
	for i, raw := range document.References {
		entry := reference.CatalogEntry{
			Token:    raw.Token,
			URI:      raw.URI,
			Pinned:   raw.Pinned,
			TTL:      raw.TTL.Duration(),
			Metadata: raw.Metadata,
		}
		if err := entry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("reference %d: %w", i, err))
			continue
		}
		if seenTokens[raw.Token] {
			errs = append(errs, fmt.Errorf("reference %d: duplicate token %s", i, raw.Token))
			continue
		}
		seenTokens[raw.Token] = true
		manifest.References = append(manifest.References, entry)
	}

	catalogNamespaces := make(map[string]bool, len(manifest.References))
	for _, entry := range manifest.References {
		catalogNamespaces[entry.Token.Namespace] = true
	}
	seenNamespaces := make(map[string]bool, len(document.Templates))
	for i, raw := range document.Templates {
		if err := reference.ValidateNamespace(raw.Namespace); err != nil {
			errs = append(errs, fmt.Errorf("template %d: %w", i, err))
			continue
		}
		resolver, err := reference.NewTemplateResolver(raw.Template, reference.TemplateOptions{
			Pinned: raw.Pinned,
			TTL:    raw.TTL.Duration(),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("template %d (%s): %w", i, raw.Namespace, err))
			continue
		}
		if seenNamespaces[raw.Namespace] {
			errs = append(errs, fmt.Errorf("template %d: duplicate namespace %s", i, raw.Namespace))
			continue
		}
		if catalogNamespaces[raw.Namespace] {
			errs = append(errs, fmt.Errorf("template %d: namespace %s already has catalog references", i, raw.Namespace))
			continue
		}
		seenNamespaces[raw.Namespace] = true
		manifest.Templates = append(manifest.Templates, TemplateNamespace{
			Namespace: raw.Namespace,
			Resolver:  resolver,
		})
	}

	errs = append(errs, validateJudgment(document.Judgment)...)

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: invalid manifest: %w", err)
	}
	return manifest, nil
}

// validateJudgment checks the authored consensus tuning. The machine
// tolerates zero values, so only genuinely meaningless settings are
// errors.
func validateJudgment(judgment lifecycle.JudgmentConfig) []error {
	var errs []error
	for source, weight := range judgment.Weights {
		if weight < 0 {
			errs = append(errs, fmt.Errorf("judgment: weight %v for source %q is negative", weight, source))
		}
	}
	if judgment.ConfidenceFloor < 0 || judgment.ConfidenceFloor > 1 {
		errs = append(errs, fmt.Errorf("judgment: confidence_floor %v must be in [0, 1]", judgment.ConfidenceFloor))
	}
	if judgment.EscalateQuorum < 0 {
		errs = append(errs, fmt.Errorf("judgment: escalate_quorum %v is negative", judgment.EscalateQuorum))
	}
	if judgment.MaxReworks < 0 {
		errs = append(errs, fmt.Errorf("judgment: max_reworks %d is negative", judgment.MaxReworks))
	}
	return errs
}

// LoadManifest reads and parses a JSONC budget manifest from disk.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	manifest, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return manifest, nil
}
