// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reference

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// Resolution is a resolved token: the URI it names plus how long the
// answer stays valid.
type Resolution struct {
	// URI locates the referenced entry.
	URI string `json:"uri"`

	// Pinned marks the resolution immutable: it may be cached
	// indefinitely. Version-pinned catalogs set this.
	Pinned bool `json:"pinned,omitempty"`

	// TTL bounds how long an unpinned resolution may be cached. Zero
	// means uncacheable.
	TTL time.Duration `json:"ttl,omitempty"`

	// Metadata carries small string details from the resolver (titles,
	// checksums, catalog revisions).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Resolver maps tokens of one namespace to resolutions. Resolvers must
// be pure: the same token against the same backing catalog always
// yields the same URI. Implementations must be safe for concurrent
// use.
type Resolver interface {
	Resolve(ctx context.Context, token Token) (Resolution, error)
}

// Registry routes tokens to the resolver registered for their
// namespace.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{resolvers: map[string]Resolver{}}
}

// Register installs the resolver for a namespace, replacing any
// previous registration. The namespace must satisfy token rules.
func (r *Registry) Register(namespace string, resolver Resolver) error {
	if err := validateNamespace(namespace); err != nil {
		return fmt.Errorf("reference: register namespace %q: %w", namespace, err)
	}
	if resolver == nil {
		return fmt.Errorf("reference: register namespace %q: resolver is nil", namespace)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[namespace] = resolver
	return nil
}

// Unregister removes the resolver for a namespace. Removing an
// absent namespace is a no-op.
func (r *Registry) Unregister(namespace string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.resolvers, namespace)
}

// Namespaces lists the registered namespaces, sorted.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.resolvers))
}

// Resolve routes the token to its namespace's resolver. Resolver
// errors pass through unwrapped; the shipped resolvers already name
// the token.
func (r *Registry) Resolve(ctx context.Context, token Token) (Resolution, error) {
	if err := token.Validate(); err != nil {
		return Resolution{}, err
	}
	r.mu.RLock()
	resolver, ok := r.resolvers[token.Namespace]
	r.mu.RUnlock()
	if !ok {
		return Resolution{}, fmt.Errorf("reference: resolve %s: %w", token, ErrUnknownNamespace)
	}
	return resolver.Resolve(ctx, token)
}
