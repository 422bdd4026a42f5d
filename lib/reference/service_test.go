// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reference_test

import (
	"context"
	"errors"
	"maps"
	"strings"
	"sync"
	"testing"

	"github.com/bureau-foundation/steward/lib/audit"
	"github.com/bureau-foundation/steward/lib/reference"
)

// recordingAuditor captures appended records, validating each the way
// a real log would.
type recordingAuditor struct {
	mu        sync.Mutex
	records   []audit.Record
	sequence  uint64
	appendErr error
}

func (a *recordingAuditor) Append(ctx context.Context, record audit.Record) (audit.Event, error) {
	if err := record.Validate(); err != nil {
		return audit.Event{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.appendErr != nil {
		return audit.Event{}, a.appendErr
	}
	a.sequence++
	a.records = append(a.records, record)
	return audit.Event{
		Sequence: a.sequence,
		Actor:    record.Actor,
		Action:   record.Action,
		Resource: record.Resource,
		Outcome:  record.Outcome,
		Metadata: record.Metadata,
	}, nil
}

func (a *recordingAuditor) snapshot() []audit.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Record(nil), a.records...)
}

func TestServiceResolveBatchPartialSuccess(t *testing.T) {
	ctx := context.Background()
	cache, _ := standardsCache(t, nil, nil)
	service := reference.NewService(cache, reference.ServiceOptions{})

	result, err := service.Resolve(ctx, []string{
		"@RM:OSSA:0.1.8:E-018-STD",
		"@RM:OSSA:0.1.8:E-021-SEC",
		"@RM:OSSA:0.1.8:E-404",     // no catalog entry
		"@ZZ:OSSA:0.1.8:E-018-STD", // namespace never registered
		"not-a-token",              // malformed
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(result.Resolved) != 2 || len(result.Failed) != 3 {
		t.Fatalf("resolved %d, failed %d, want 2 and 3", len(result.Resolved), len(result.Failed))
	}
	if got := result.Resolved["@RM:OSSA:0.1.8:E-018-STD"].URI; got != "https://catalog.example.org/ossa/0.1.8/E-018-STD.json" {
		t.Fatalf("URI: got %q", got)
	}
	if err := result.Failed["@RM:OSSA:0.1.8:E-404"]; !errors.Is(err, reference.ErrNotFound) {
		t.Fatalf("missing entry: got %v, want ErrNotFound", err)
	}
	if err := result.Failed["@ZZ:OSSA:0.1.8:E-018-STD"]; !errors.Is(err, reference.ErrUnknownNamespace) {
		t.Fatalf("unknown namespace: got %v, want ErrUnknownNamespace", err)
	}
	if err := result.Failed["not-a-token"]; !errors.Is(err, reference.ErrInvalidToken) {
		t.Fatalf("malformed token: got %v, want ErrInvalidToken", err)
	}
}

func TestServiceResolveDeterministic(t *testing.T) {
	// The same batch against freshly built services resolves to the
	// same URIs: nothing about fan-out or dedup order leaks into the
	// result.
	ctx := context.Background()
	const raw = "@RM:OSSA:0.1.8:E-018-STD"
	const want = "https://catalog.example.org/ossa/0.1.8/E-018-STD.json"

	for range 2 {
		cache, _ := standardsCache(t, nil, nil)
		service := reference.NewService(cache, reference.ServiceOptions{})
		for range 3 {
			result, err := service.Resolve(ctx, []string{raw})
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got := result.Resolved[raw].URI; got != want {
				t.Fatalf("URI: got %q, want %q", got, want)
			}
		}
	}
}

func TestServiceBatchAudit(t *testing.T) {
	ctx := context.Background()
	store := newMemCacheStore()
	cache, _ := standardsCache(t, store, nil)
	auditor := &recordingAuditor{}
	service := reference.NewService(cache, reference.ServiceOptions{
		Auditor: auditor,
		Actor:   "steward",
	})

	batch := []string{
		"@RM:OSSA:0.1.8:E-018-STD",
		"@RM:OSSA:0.1.8:E-021-SEC",
		"@RM:OSSA:0.1.8:E-404",
	}
	if _, err := service.Resolve(ctx, batch); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	records := auditor.snapshot()
	if len(records) != 1 {
		t.Fatalf("records after one batch: got %d, want 1", len(records))
	}
	record := records[0]
	if record.Action != audit.ActionResolverResolve {
		t.Fatalf("action: got %q", record.Action)
	}
	if record.Actor != "steward" {
		t.Fatalf("actor: got %q", record.Actor)
	}
	if record.Outcome != audit.OutcomeSuccess {
		t.Fatalf("outcome: got %q", record.Outcome)
	}
	if !strings.HasPrefix(record.Resource, "batch/res-") {
		t.Fatalf("resource: got %q", record.Resource)
	}
	want := map[string]string{"tokens": "3", "resolved": "2", "failed": "1", "cache_hits": "0"}
	if !maps.Equal(record.Metadata, want) {
		t.Fatalf("metadata: got %v, want %v", record.Metadata, want)
	}

	// Second pass: both cacheable entries now come from the store.
	if _, err := service.Resolve(ctx, batch); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	records = auditor.snapshot()
	if len(records) != 2 {
		t.Fatalf("records after two batches: got %d, want 2", len(records))
	}
	if got := records[1].Metadata["cache_hits"]; got != "2" {
		t.Fatalf("cache_hits on warm batch: got %q, want \"2\"", got)
	}
}

func TestServiceAllFailedBatchOutcome(t *testing.T) {
	ctx := context.Background()
	cache, _ := standardsCache(t, nil, nil)
	auditor := &recordingAuditor{}
	service := reference.NewService(cache, reference.ServiceOptions{Auditor: auditor})

	result, err := service.Resolve(ctx, []string{"@RM:OSSA:0.1.8:E-404", "garbage"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(result.Resolved) != 0 || len(result.Failed) != 2 {
		t.Fatalf("resolved %d, failed %d, want 0 and 2", len(result.Resolved), len(result.Failed))
	}
	records := auditor.snapshot()
	if len(records) != 1 {
		t.Fatalf("records: got %d, want 1", len(records))
	}
	if records[0].Outcome != audit.OutcomeFailure {
		t.Fatalf("outcome: got %q, want %q", records[0].Outcome, audit.OutcomeFailure)
	}
}

func TestServiceEmptyBatch(t *testing.T) {
	cache, counting := standardsCache(t, nil, nil)
	service := reference.NewService(cache, reference.ServiceOptions{})

	result, err := service.Resolve(context.Background(), nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(result.Resolved) != 0 || len(result.Failed) != 0 {
		t.Fatalf("empty batch produced results: %+v", result)
	}
	if got := counting.calls.Load(); got != 0 {
		t.Fatalf("resolver calls: got %d, want 0", got)
	}
}

func TestServiceDuplicateTokensResolveOnce(t *testing.T) {
	ctx := context.Background()
	cache, counting := standardsCache(t, nil, nil)
	auditor := &recordingAuditor{}
	service := reference.NewService(cache, reference.ServiceOptions{Auditor: auditor})

	const raw = "@RM:OSSA:0.1.8:E-018-STD"
	result, err := service.Resolve(ctx, []string{raw, raw, raw})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(result.Resolved) != 1 {
		t.Fatalf("resolved: got %d, want 1", len(result.Resolved))
	}
	if got := counting.calls.Load(); got != 1 {
		t.Fatalf("resolver calls: got %d, want 1", got)
	}
	if got := auditor.snapshot()[0].Metadata["tokens"]; got != "1" {
		t.Fatalf("audited token count: got %q, want \"1\"", got)
	}
}

func TestServiceCancelledContext(t *testing.T) {
	cache, _ := standardsCache(t, nil, nil)
	service := reference.NewService(cache, reference.ServiceOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := service.Resolve(ctx, []string{"@RM:OSSA:0.1.8:E-018-STD"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled batch: got %v, want context.Canceled", err)
	}
}

func TestServiceAuditFailureFailsBatch(t *testing.T) {
	cache, _ := standardsCache(t, nil, nil)
	auditor := &recordingAuditor{appendErr: errors.New("log sealed")}
	service := reference.NewService(cache, reference.ServiceOptions{Auditor: auditor})

	_, err := service.Resolve(context.Background(), []string{"@RM:OSSA:0.1.8:E-018-STD"})
	if err == nil || !strings.Contains(err.Error(), "log sealed") {
		t.Fatalf("audit failure must fail the batch: got %v", err)
	}
}
