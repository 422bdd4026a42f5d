// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reference

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"
)

// CatalogEntry is one authored catalog row, typically loaded from the
// manifest's references section.
type CatalogEntry struct {
	Token    Token             `json:"token"`
	URI      string            `json:"uri"`
	Pinned   bool              `json:"pinned,omitempty"`
	TTL      time.Duration     `json:"ttl,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks the entry is resolvable.
func (e CatalogEntry) Validate() error {
	var errs []error
	if err := e.Token.Validate(); err != nil {
		errs = append(errs, err)
	}
	if e.URI == "" {
		errs = append(errs, errors.New("uri is empty"))
	}
	if e.Pinned && e.TTL != 0 {
		errs = append(errs, errors.New("pinned entry must not set a ttl"))
	}
	if e.TTL < 0 {
		errs = append(errs, fmt.Errorf("ttl %s is negative", e.TTL))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("reference: invalid catalog entry for %s: %w", e.Token, err)
	}
	return nil
}

// CatalogResolver resolves tokens against an explicit in-memory
// catalog. This is the resolver the service builds from its manifest.
type CatalogResolver struct {
	mu      sync.RWMutex
	entries map[Token]CatalogEntry
}

// NewCatalogResolver builds a resolver over the given entries.
// Duplicate tokens are rejected rather than silently last-one-wins:
// the manifest author meant something by each row.
func NewCatalogResolver(entries []CatalogEntry) (*CatalogResolver, error) {
	resolver := &CatalogResolver{entries: make(map[Token]CatalogEntry, len(entries))}
	for _, entry := range entries {
		if err := entry.Validate(); err != nil {
			return nil, err
		}
		if _, ok := resolver.entries[entry.Token]; ok {
			return nil, fmt.Errorf("reference: duplicate catalog entry for %s", entry.Token)
		}
		resolver.entries[entry.Token] = entry
	}
	return resolver, nil
}

// Put adds or replaces one entry.
func (r *CatalogResolver) Put(entry CatalogEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.Token] = entry
	return nil
}

// Remove deletes an entry; a no-op when absent.
func (r *CatalogResolver) Remove(token Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, token)
}

// Len returns the number of catalog entries.
func (r *CatalogResolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Resolve looks the token up in the catalog.
func (r *CatalogResolver) Resolve(ctx context.Context, token Token) (Resolution, error) {
	r.mu.RLock()
	entry, ok := r.entries[token]
	r.mu.RUnlock()
	if !ok {
		return Resolution{}, fmt.Errorf("reference: no catalog entry for %s: %w", token, ErrNotFound)
	}
	return Resolution{
		URI:      entry.URI,
		Pinned:   entry.Pinned,
		TTL:      entry.TTL,
		Metadata: maps.Clone(entry.Metadata),
	}, nil
}
