// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"sync"

	"github.com/bureau-foundation/steward/lib/budget"
	"github.com/bureau-foundation/steward/lib/config"
	"github.com/bureau-foundation/steward/lib/lifecycle"
	"github.com/bureau-foundation/steward/lib/reference"
	"github.com/bureau-foundation/steward/lib/scope"
	"github.com/bureau-foundation/steward/lib/service"
)

// manifestState owns everything the budget manifest installs: the
// ledger's static scope tree, the catalog resolver and its namespace
// registrations, and template namespaces. budget.load re-reads the
// manifest through here; one reload runs at a time.
type manifestState struct {
	mu       sync.Mutex
	path     string
	actor    string
	ledger   *budget.Ledger
	registry *reference.Registry
	catalog  *reference.CatalogResolver
	cache    *reference.Cache
	logger   *slog.Logger

	// entries and templates mirror what is currently installed so a
	// reload can diff instead of rebuilding, keeping concurrent
	// resolutions against unchanged namespaces undisturbed.
	entries   map[reference.Token]reference.CatalogEntry
	templates map[string]*reference.TemplateResolver

	// judgment is what the running machine was built with. The machine
	// does not retune live; a drifted manifest is reported instead.
	judgment lifecycle.JudgmentConfig
}

func newManifestState(path, actor string, ledger *budget.Ledger, registry *reference.Registry, cache *reference.Cache, logger *slog.Logger) (*manifestState, error) {
	catalog, err := reference.NewCatalogResolver(nil)
	if err != nil {
		return nil, err
	}
	return &manifestState{
		path:      path,
		actor:     actor,
		ledger:    ledger,
		registry:  registry,
		catalog:   catalog,
		cache:     cache,
		logger:    logger,
		entries:   map[reference.Token]reference.CatalogEntry{},
		templates: map[string]*reference.TemplateResolver{},
	}, nil
}

// install performs the startup installation. The ledger is configured
// separately; this wires the reference side and records the judgment
// the machine will run with.
func (m *manifestState) install(manifest *config.Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.swap(manifest); err != nil {
		return err
	}
	m.judgment = manifest.Judgment
	return nil
}

// reloadResult reports what a budget.load changed.
type reloadResult struct {
	Manifest    string       `cbor:"manifest"`
	Added       []scope.Path `cbor:"added,omitempty"`
	Updated     []scope.Path `cbor:"updated,omitempty"`
	References  int          `cbor:"references"`
	Templates   int          `cbor:"templates"`
	Invalidated int          `cbor:"invalidated"`

	// JudgmentPending is set when the manifest's judgment section no
	// longer matches the running machine; a restart applies it.
	JudgmentPending bool `cbor:"judgment_pending,omitempty"`
}

// Reload re-reads the manifest and installs the revision: ledger
// scopes through Apply, catalog and template changes by diff, then
// cache invalidation for every namespace whose resolutions changed.
// An override path applies to this load only.
//
// Apply is all-or-nothing and idempotent, so a failure after it (a
// cache store fault, say) is recovered by re-running the action.
func (m *manifestState) Reload(ctx context.Context, overridePath string) (reloadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.path
	if overridePath != "" {
		path = overridePath
	}
	if path == "" {
		return reloadResult{}, service.Errorf(service.CodeBadRequest, "no manifest configured; pass a path in the request")
	}

	manifest, err := config.LoadManifest(path)
	if err != nil {
		return reloadResult{}, service.Errorf(service.CodeBadRequest, "%v", err)
	}

	applied, err := m.ledger.Apply(ctx, budget.ApplyRequest{Actor: m.actor, Scopes: manifest.Scopes})
	if err != nil {
		return reloadResult{}, err
	}

	changed, err := m.swap(manifest)
	if err != nil {
		return reloadResult{}, err
	}
	invalidated := 0
	for _, namespace := range changed {
		n, err := m.cache.InvalidateNamespace(ctx, namespace)
		if err != nil {
			return reloadResult{}, fmt.Errorf("invalidating cached %s resolutions: %w", namespace, err)
		}
		invalidated += n
	}

	result := reloadResult{
		Manifest:    path,
		Added:       applied.Added,
		Updated:     applied.Updated,
		References:  len(m.entries),
		Templates:   len(m.templates),
		Invalidated: invalidated,
	}
	if !reflect.DeepEqual(m.judgment, manifest.Judgment) {
		result.JudgmentPending = true
		m.logger.Warn("manifest judgment settings changed; restart to apply them")
	}
	m.logger.Info("manifest reloaded",
		"manifest", path,
		"scopes_added", len(applied.Added),
		"scopes_updated", len(applied.Updated),
		"references", len(m.entries),
		"templates", len(m.templates),
		"invalidated", invalidated,
	)
	return result, nil
}

// swap installs the manifest's reference side over the current one and
// returns the namespaces whose resolutions may have changed, sorted.
// Entries and templates arrive pre-validated from the manifest parser,
// so the Put and Register calls cannot fail in practice. Callers hold
// mu.
func (m *manifestState) swap(manifest *config.Manifest) ([]string, error) {
	nextEntries := make(map[reference.Token]reference.CatalogEntry, len(manifest.References))
	for _, entry := range manifest.References {
		nextEntries[entry.Token] = entry
	}
	nextTemplates := make(map[string]*reference.TemplateResolver, len(manifest.Templates))
	for _, tmpl := range manifest.Templates {
		nextTemplates[tmpl.Namespace] = tmpl.Resolver
	}

	changed := map[string]bool{}

	// Catalog rows: drop what vanished, install what is new or
	// different.
	for token := range m.entries {
		if _, ok := nextEntries[token]; !ok {
			m.catalog.Remove(token)
			changed[token.Namespace] = true
		}
	}
	for token, next := range nextEntries {
		if previous, ok := m.entries[token]; ok && entryEqual(previous, next) {
			continue
		}
		if err := m.catalog.Put(next); err != nil {
			return nil, err
		}
		changed[token.Namespace] = true
	}

	previousCatalog := namespaceSet(m.entries)
	nextCatalog := namespaceSet(nextEntries)

	// Namespace routing. Register replaces, so a namespace switching
	// between catalog and template just takes the new resolver; only
	// namespaces gone from both sides are unregistered.
	for namespace := range previousCatalog {
		if !nextCatalog[namespace] && nextTemplates[namespace] == nil {
			m.registry.Unregister(namespace)
		}
	}
	for namespace := range m.templates {
		if nextTemplates[namespace] == nil && !nextCatalog[namespace] {
			m.registry.Unregister(namespace)
			changed[namespace] = true
		}
	}
	for namespace := range nextCatalog {
		if !previousCatalog[namespace] {
			if err := m.registry.Register(namespace, m.catalog); err != nil {
				return nil, err
			}
		}
	}
	for namespace, next := range nextTemplates {
		if previous, ok := m.templates[namespace]; ok && *previous == *next {
			continue
		}
		if err := m.registry.Register(namespace, next); err != nil {
			return nil, err
		}
		changed[namespace] = true
	}

	m.entries = nextEntries
	m.templates = nextTemplates
	return slices.Sorted(maps.Keys(changed)), nil
}

func entryEqual(a, b reference.CatalogEntry) bool {
	return a.Token == b.Token &&
		a.URI == b.URI &&
		a.Pinned == b.Pinned &&
		a.TTL == b.TTL &&
		maps.Equal(a.Metadata, b.Metadata)
}

func namespaceSet(entries map[reference.Token]reference.CatalogEntry) map[string]bool {
	set := make(map[string]bool, len(entries))
	for token := range entries {
		set[token.Namespace] = true
	}
	return set
}
