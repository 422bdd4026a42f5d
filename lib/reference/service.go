// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reference

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/steward/lib/audit"
	"github.com/bureau-foundation/steward/lib/ident"
)

// defaultConcurrency bounds the resolve fan-out when the caller does
// not set one.
const defaultConcurrency = 8

// Auditor is the slice of the audit log the service needs. A nil
// Auditor disables batch auditing.
type Auditor interface {
	Append(ctx context.Context, record audit.Record) (audit.Event, error)
}

// ResolveResult is the outcome of one batch: resolutions for the
// tokens that resolved, errors for the ones that did not, both keyed
// by the raw token string as submitted.
type ResolveResult struct {
	Resolved map[string]Resolution
	Failed   map[string]error
}

// ServiceOptions configure a Service.
type ServiceOptions struct {
	// Auditor records one event per batch. Nil disables.
	Auditor Auditor

	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Actor is the audit actor for batch events. Defaults to
	// "resolver".
	Actor string

	// Concurrency bounds the per-batch fan-out. Defaults to 8.
	Concurrency int
}

// Service resolves token batches through a cache with bounded
// concurrency and partial success: a malformed or unresolvable token
// lands in Failed without disturbing its batch mates.
type Service struct {
	cache       *Cache
	auditor     Auditor
	logger      *slog.Logger
	actor       string
	concurrency int
}

// NewService wraps a cache.
func NewService(cache *Cache, options ServiceOptions) *Service {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Actor == "" {
		options.Actor = "resolver"
	}
	if options.Concurrency <= 0 {
		options.Concurrency = defaultConcurrency
	}
	return &Service{
		cache:       cache,
		auditor:     options.Auditor,
		logger:      options.Logger,
		actor:       options.Actor,
		concurrency: options.Concurrency,
	}
}

// Resolve resolves the batch. Per-token failures (parse errors,
// unknown namespaces, missing entries) come back in the result; the
// returned error is reserved for batch-level failures such as context
// cancellation or audit append failure. Duplicate raw tokens resolve
// once.
func (s *Service) Resolve(ctx context.Context, tokens []string) (ResolveResult, error) {
	result := ResolveResult{
		Resolved: map[string]Resolution{},
		Failed:   map[string]error{},
	}
	var (
		mu        sync.Mutex
		cacheHits int
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency)

	seen := make(map[string]struct{}, len(tokens))
	for _, raw := range tokens {
		if _, ok := seen[raw]; ok {
			continue
		}
		seen[raw] = struct{}{}
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			token, err := ParseToken(raw)
			if err != nil {
				mu.Lock()
				result.Failed[raw] = err
				mu.Unlock()
				return nil
			}
			resolution, fromCache, err := s.cache.Resolve(groupCtx, token)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[raw] = err
				return nil
			}
			result.Resolved[raw] = resolution
			if fromCache {
				cacheHits++
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return ResolveResult{}, fmt.Errorf("reference: resolve batch: %w", err)
	}

	if err := s.auditBatch(ctx, len(seen), len(result.Resolved), len(result.Failed), cacheHits); err != nil {
		return ResolveResult{}, err
	}
	return result, nil
}

// auditBatch appends the per-batch event: one record with counts, not
// one per token.
func (s *Service) auditBatch(ctx context.Context, tokens, resolved, failed, cacheHits int) error {
	if s.auditor == nil {
		return nil
	}
	outcome := audit.OutcomeSuccess
	if resolved == 0 && failed > 0 {
		outcome = audit.OutcomeFailure
	}
	record := audit.Record{
		Actor:    s.actor,
		Action:   audit.ActionResolverResolve,
		Resource: "batch/" + ident.Unique("res", s.actor),
		Outcome:  outcome,
		Metadata: map[string]string{
			"tokens":     strconv.Itoa(tokens),
			"resolved":   strconv.Itoa(resolved),
			"failed":     strconv.Itoa(failed),
			"cache_hits": strconv.Itoa(cacheHits),
		},
	}
	if _, err := s.auditor.Append(ctx, record); err != nil {
		return fmt.Errorf("reference: audit append for %s: %w", record.Action, err)
	}
	return nil
}
