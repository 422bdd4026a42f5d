// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reference

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/steward/lib/clock"
)

// CachedResolution is a resolution plus when it was resolved, the form
// a cache store persists.
type CachedResolution struct {
	Token      Token      `json:"token"`
	Resolution Resolution `json:"resolution"`
	ResolvedAt time.Time  `json:"resolved_at"`
}

// Fresh reports whether the cached resolution is still servable at
// now: pinned entries always are, unpinned ones until their TTL
// lapses.
func (c CachedResolution) Fresh(now time.Time) bool {
	if c.Resolution.Pinned {
		return true
	}
	if c.Resolution.TTL <= 0 {
		return false
	}
	return now.Before(c.ResolvedAt.Add(c.Resolution.TTL))
}

// CacheStore persists cached resolutions. Implementations live in
// lib/store; all must be safe for concurrent use.
type CacheStore interface {
	Lookup(ctx context.Context, token Token) (CachedResolution, bool, error)
	Store(ctx context.Context, cached CachedResolution) error
	Delete(ctx context.Context, token Token) error
	DeleteNamespace(ctx context.Context, namespace string) (int, error)
}

// CacheOptions configure a Cache.
type CacheOptions struct {
	// Store persists resolutions. Nil makes the cache a pass-through.
	Store CacheStore

	// Clock drives TTL evaluation. Defaults to clock.System().
	Clock clock.Clock

	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Cache serves resolutions from a store before consulting the
// registry. Store failures degrade to resolver calls rather than
// failing the lookup: the cache is an optimization, the registry is
// the source of truth.
type Cache struct {
	registry *Registry
	store    CacheStore
	clock    clock.Clock
	logger   *slog.Logger
}

// NewCache wraps a registry.
func NewCache(registry *Registry, options CacheOptions) *Cache {
	if options.Clock == nil {
		options.Clock = clock.System()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Cache{
		registry: registry,
		store:    options.Store,
		clock:    options.Clock,
		logger:   options.Logger,
	}
}

// Resolve returns the token's resolution and whether it came from the
// cache. Misses resolve through the registry and write back; entries
// found expired are evicted and resolved anew.
func (c *Cache) Resolve(ctx context.Context, token Token) (Resolution, bool, error) {
	if err := token.Validate(); err != nil {
		return Resolution{}, false, err
	}
	if c.store != nil {
		cached, ok, err := c.store.Lookup(ctx, token)
		switch {
		case err != nil:
			c.logger.Warn("reference cache lookup failed", "token", token.String(), "error", err)
		case ok && cached.Fresh(c.clock.Now()):
			return cached.Resolution, true, nil
		case ok:
			if err := c.store.Delete(ctx, token); err != nil {
				c.logger.Warn("reference cache eviction failed", "token", token.String(), "error", err)
			}
		}
	}

	resolution, err := c.registry.Resolve(ctx, token)
	if err != nil {
		return Resolution{}, false, err
	}
	if c.store != nil && (resolution.Pinned || resolution.TTL > 0) {
		cached := CachedResolution{
			Token:      token,
			Resolution: resolution,
			ResolvedAt: c.clock.Now().UTC(),
		}
		if err := c.store.Store(ctx, cached); err != nil {
			c.logger.Warn("reference cache write failed", "token", token.String(), "error", err)
		}
	}
	return resolution, false, nil
}

// Invalidate evicts one token.
func (c *Cache) Invalidate(ctx context.Context, token Token) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.Delete(ctx, token); err != nil {
		return fmt.Errorf("reference: invalidate %s: %w", token, err)
	}
	return nil
}

// InvalidateNamespace evicts every cached token of a namespace,
// returning how many entries went. Use after swapping a namespace's
// resolver or reloading its catalog.
func (c *Cache) InvalidateNamespace(ctx context.Context, namespace string) (int, error) {
	if err := validateNamespace(namespace); err != nil {
		return 0, fmt.Errorf("reference: invalidate namespace %q: %w", namespace, err)
	}
	if c.store == nil {
		return 0, nil
	}
	count, err := c.store.DeleteNamespace(ctx, namespace)
	if err != nil {
		return 0, fmt.Errorf("reference: invalidate namespace %q: %w", namespace, err)
	}
	return count, nil
}
