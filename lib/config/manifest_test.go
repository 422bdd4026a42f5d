// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/steward/lib/budget"
	"github.com/bureau-foundation/steward/lib/reference"
)

// sampleManifest exercises every policy kind, both reference shapes,
// and the judgment block, with JSONC comments and trailing commas
// throughout.
const sampleManifest = `{
	// Spring cycle budgets.
	"scopes": [
		{"path": "global", "unlimited": true},
		{
			"path": "global/iree",
			"total": {"tokens": 100000, "currency": "2.50"},
			"stop_on_exceed": true,
			"policy": {"kind": "queue", "queue": {"depth": 8, "max_wait": "30s"}},
		},
		{
			"path": "global/iree/triage",
			"total": {"tokens": 20000},
			"policy": {"kind": "escalate", "escalate": {"approver": "lead", "timeout": "4h"}},
		},
		{
			"path": "global/scratch",
			"total": {"tokens": 500},
			"policy": {"kind": "delegate", "delegate": {"target": "global/iree"}},
		},
	],
	"references": [
		{
			"token": "@RM:OSSA:0.1.8:E-018-STD",
			"uri": "oci://registry.internal/ossa/rulesets:0.1.8",
			"pinned": true,
			"metadata": {"checksum": "b3:a1b2c3"},
		},
		{"token": "@DOC:STEWARD:1.0.0:RUNBOOK", "uri": "https://docs.internal/steward/runbook", "ttl": "15m"},
	],
	"templates": [
		{"namespace": "PKG", "template": "oci://registry.internal/{project}/{id}:{version}", "pinned": true},
	],
	"judgment": {
		"weights": {"reviewer/static": 1.5},
		"confidence_floor": 0.25,
		"max_reworks": 2,
	},
}`

func TestParseManifest(t *testing.T) {
	manifest, err := ParseManifest([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}

	if len(manifest.Scopes) != 4 {
		t.Fatalf("got %d scopes, want 4", len(manifest.Scopes))
	}

	root := manifest.Scopes[0]
	if !root.Unlimited || root.Path.String() != "global" {
		t.Errorf("root scope = %+v", root)
	}

	iree := manifest.Scopes[1]
	if iree.Total.Tokens != 100000 {
		t.Errorf("iree tokens = %d, want 100000", iree.Total.Tokens)
	}
	if iree.Total.CurrencyMicros != 2_500_000 {
		t.Errorf("iree currency micros = %d, want 2500000", iree.Total.CurrencyMicros)
	}
	if !iree.StopOnExceed {
		t.Error("iree should set stop_on_exceed")
	}
	if iree.Policy.Kind != budget.PolicyQueue {
		t.Fatalf("iree policy kind = %q, want queue", iree.Policy.Kind)
	}
	if iree.Policy.Queue.Depth != 8 || iree.Policy.Queue.MaxWait != 30*time.Second {
		t.Errorf("iree queue = %+v", iree.Policy.Queue)
	}

	triage := manifest.Scopes[2]
	if triage.Policy.Kind != budget.PolicyEscalate {
		t.Fatalf("triage policy kind = %q, want escalate", triage.Policy.Kind)
	}
	if triage.Policy.Escalate.Approver != "lead" || triage.Policy.Escalate.Timeout != 4*time.Hour {
		t.Errorf("triage escalate = %+v", triage.Policy.Escalate)
	}

	scratch := manifest.Scopes[3]
	if scratch.Policy.Kind != budget.PolicyDelegate {
		t.Fatalf("scratch policy kind = %q, want delegate", scratch.Policy.Kind)
	}
	if scratch.Policy.Delegate.Target.String() != "global/iree" {
		t.Errorf("scratch delegate target = %s", scratch.Policy.Delegate.Target)
	}

	if len(manifest.References) != 2 {
		t.Fatalf("got %d references, want 2", len(manifest.References))
	}
	ruleset := manifest.References[0]
	if ruleset.Token.String() != "@RM:OSSA:0.1.8:E-018-STD" {
		t.Errorf("ruleset token = %s", ruleset.Token)
	}
	if !ruleset.Pinned || ruleset.TTL != 0 {
		t.Errorf("ruleset pinning = pinned %v ttl %s", ruleset.Pinned, ruleset.TTL)
	}
	if ruleset.Metadata["checksum"] != "b3:a1b2c3" {
		t.Errorf("ruleset metadata = %v", ruleset.Metadata)
	}
	runbook := manifest.References[1]
	if runbook.TTL != 15*time.Minute {
		t.Errorf("runbook ttl = %s, want 15m", runbook.TTL)
	}

	if len(manifest.Templates) != 1 {
		t.Fatalf("got %d templates, want 1", len(manifest.Templates))
	}
	pkg := manifest.Templates[0]
	if pkg.Namespace != "PKG" {
		t.Errorf("template namespace = %q, want PKG", pkg.Namespace)
	}
	resolution, err := pkg.Resolver.Resolve(context.Background(), reference.MustParseToken("@PKG:ortools:9.11:solver-cp"))
	if err != nil {
		t.Fatalf("template Resolve: %v", err)
	}
	if resolution.URI != "oci://registry.internal/ortools/solver-cp:9.11" {
		t.Errorf("template URI = %q", resolution.URI)
	}
	if !resolution.Pinned {
		t.Error("template resolution should be pinned")
	}

	if manifest.Judgment.Weights["reviewer/static"] != 1.5 {
		t.Errorf("judgment weights = %v", manifest.Judgment.Weights)
	}
	if manifest.Judgment.ConfidenceFloor != 0.25 {
		t.Errorf("judgment confidence_floor = %v", manifest.Judgment.ConfidenceFloor)
	}
	if manifest.Judgment.MaxReworks != 2 {
		t.Errorf("judgment max_reworks = %d", manifest.Judgment.MaxReworks)
	}
}

func TestParseManifestFeedsLedgerAndCatalog(t *testing.T) {
	// The parsed manifest must be directly consumable by the ledger
	// and the catalog resolver, with no further conversion.
	manifest, err := ParseManifest([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}

	ctx := context.Background()
	ledger := budget.New(budget.Options{})
	if err := ledger.Configure(ctx, manifest.Scopes); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	resolver, err := reference.NewCatalogResolver(manifest.References)
	if err != nil {
		t.Fatalf("NewCatalogResolver: %v", err)
	}
	resolution, err := resolver.Resolve(ctx, reference.MustParseToken("@RM:OSSA:0.1.8:E-018-STD"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolution.URI != "oci://registry.internal/ossa/rulesets:0.1.8" {
		t.Errorf("resolved URI = %q", resolution.URI)
	}
}

func TestParseManifestEmpty(t *testing.T) {
	manifest, err := ParseManifest([]byte(`{}`))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(manifest.Scopes) != 0 || len(manifest.References) != 0 {
		t.Errorf("empty document produced %+v", manifest)
	}
}

func TestParseManifestUnknownField(t *testing.T) {
	_, err := ParseManifest([]byte(`{"scopes": [], "budgets": []}`))
	if err == nil {
		t.Fatal("expected unknown-field error, got nil")
	}
	if !strings.Contains(err.Error(), "unknown field") {
		t.Errorf("error %q does not mention the unknown field", err)
	}
}

func TestParseManifestReportsAllProblems(t *testing.T) {
	document := `{
		"scopes": [
			{"path": "global/a", "total": {"currency": "1,50"}},
			{"path": "global/b", "total": {"tokens": 10}, "policy": {"kind": "queue"}},
			{"path": "global/c", "total": {"tokens": 10}},
			{"path": "global/c", "total": {"tokens": 20}},
		],
	}`

	_, err := ParseManifest([]byte(document))
	if err == nil {
		t.Fatal("expected joined errors, got nil")
	}
	for _, fragment := range []string{
		"malformed currency value",
		"queue policy needs a queue block",
		"duplicate path global/c",
	} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("joined error %q is missing %q", err, fragment)
		}
	}
}

func TestParseManifestBadDuration(t *testing.T) {
	document := `{
		"scopes": [
			{"path": "global/a", "total": {"tokens": 10},
			 "policy": {"kind": "queue", "queue": {"depth": 4, "max_wait": "fast"}}},
		],
	}`

	_, err := ParseManifest([]byte(document))
	if err == nil {
		t.Fatal("expected duration error, got nil")
	}
	if !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("error %q does not mention the bad duration", err)
	}
}

func TestParseManifestDuplicateReference(t *testing.T) {
	document := `{
		"references": [
			{"token": "@RM:OSSA:0.1.8:E-018-STD", "uri": "oci://a", "pinned": true},
			{"token": "@RM:OSSA:0.1.8:E-018-STD", "uri": "oci://b", "pinned": true},
		],
	}`

	_, err := ParseManifest([]byte(document))
	if err == nil {
		t.Fatal("expected duplicate-token error, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate token") {
		t.Errorf("error %q does not mention the duplicate", err)
	}
}

func TestParseManifestTemplateErrors(t *testing.T) {
	document := `{
		"references": [
			{"token": "@RM:OSSA:0.1.8:E-018-STD", "uri": "oci://a", "pinned": true},
		],
		"templates": [
			{"namespace": "pkg", "template": "oci://x/{id}"},
			{"namespace": "DOC", "template": "https://docs.internal/static"},
			{"namespace": "PKG", "template": "oci://x/{id}"},
			{"namespace": "PKG", "template": "oci://y/{id}"},
			{"namespace": "RM", "template": "oci://z/{id}"},
		],
	}`

	_, err := ParseManifest([]byte(document))
	if err == nil {
		t.Fatal("expected template errors, got nil")
	}
	for _, fragment := range []string{
		"not uppercase alphanumeric",
		"has no placeholders",
		"duplicate namespace PKG",
		"namespace RM already has catalog references",
	} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("joined error %q is missing %q", err, fragment)
		}
	}
}

func TestParseManifestBadJudgment(t *testing.T) {
	document := `{
		"judgment": {"weights": {"flaky": -1}, "confidence_floor": 1.5},
	}`

	_, err := ParseManifest([]byte(document))
	if err == nil {
		t.Fatal("expected judgment errors, got nil")
	}
	for _, fragment := range []string{"is negative", "confidence_floor"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("error %q is missing %q", err, fragment)
		}
	}
}

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budgets.jsonc")
	if err := os.WriteFile(path, []byte(sampleManifest), 0644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}

	manifest, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if len(manifest.Scopes) != 4 {
		t.Errorf("got %d scopes, want 4", len(manifest.Scopes))
	}

	if _, err := LoadManifest(filepath.Join(t.TempDir(), "missing.jsonc")); err == nil {
		t.Error("expected error for missing file, got nil")
	}
}
