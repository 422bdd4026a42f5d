// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/steward/lib/audit"
	"github.com/bureau-foundation/steward/lib/budget"
	"github.com/bureau-foundation/steward/lib/lifecycle"
	"github.com/bureau-foundation/steward/lib/reference"
	"github.com/bureau-foundation/steward/lib/scope"
)

// The memory backends hold everything in maps under a mutex and hand
// out independent copies, matching the isolation a decode from SQLite
// gives. Semantics are identical to the durable stores; tests run the
// same suites against both.

// MemoryTasks is the in-memory lifecycle.TaskStore.
type MemoryTasks struct {
	mu    sync.Mutex
	tasks map[string]lifecycle.Task
}

// NewMemoryTasks returns an empty task store.
func NewMemoryTasks() *MemoryTasks {
	return &MemoryTasks{tasks: make(map[string]lifecycle.Task)}
}

// PutTask inserts (version 0) or updates the task, returning the
// stored copy with its incremented version.
func (s *MemoryTasks) PutTask(ctx context.Context, task lifecycle.Task) (lifecycle.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.tasks[task.ID]
	switch {
	case task.Version == 0 && exists:
		return lifecycle.Task{}, fmt.Errorf("store: task %q already exists: %w", task.ID, lifecycle.ErrConcurrentModification)
	case task.Version != 0 && !exists:
		return lifecycle.Task{}, fmt.Errorf("store: task %q: %w", task.ID, lifecycle.ErrUnknownTask)
	case task.Version != 0 && current.Version != task.Version:
		return lifecycle.Task{}, fmt.Errorf("store: task %q is at version %d, caller held %d: %w",
			task.ID, current.Version, task.Version, lifecycle.ErrConcurrentModification)
	}

	stored := copyTask(task)
	stored.Version = task.Version + 1
	s.tasks[task.ID] = stored
	return copyTask(stored), nil
}

// GetTask loads one task by identifier.
func (s *MemoryTasks) GetTask(ctx context.Context, id string) (lifecycle.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return lifecycle.Task{}, fmt.Errorf("store: task %q: %w", id, lifecycle.ErrUnknownTask)
	}
	return copyTask(task), nil
}

// ListTasks returns tasks matching the filter, oldest first.
func (s *MemoryTasks) ListTasks(ctx context.Context, filter lifecycle.ListFilter) ([]lifecycle.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []lifecycle.Task
	for _, task := range s.tasks {
		if filter.State != "" && task.State != filter.State {
			continue
		}
		if !filter.Scope.IsZero() && task.Scope != filter.Scope && !filter.Scope.IsAncestorOf(task.Scope) {
			continue
		}
		tasks = append(tasks, copyTask(task))
	}
	slices.SortFunc(tasks, func(a, b lifecycle.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

func copyTask(task lifecycle.Task) lifecycle.Task {
	task.References = slices.Clone(task.References)
	task.Subtasks = slices.Clone(task.Subtasks)
	if task.Result != nil {
		result := *task.Result
		task.Result = &result
	}
	return task
}

// signalKey is the idempotence key of a learning signal.
type signalKey struct {
	executionID string
	signalType  lifecycle.SignalType
}

// MemoryLearning is the in-memory lifecycle.LearningStore.
type MemoryLearning struct {
	mu      sync.Mutex
	signals map[signalKey]lifecycle.Signal
}

// NewMemoryLearning returns an empty signal store.
func NewMemoryLearning() *MemoryLearning {
	return &MemoryLearning{signals: make(map[signalKey]lifecycle.Signal)}
}

// PutSignal inserts the signal if its key is new, reporting whether it
// was stored.
func (s *MemoryLearning) PutSignal(ctx context.Context, signal lifecycle.Signal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := signalKey{executionID: signal.ExecutionID, signalType: signal.Type}
	if _, exists := s.signals[key]; exists {
		return false, nil
	}
	s.signals[key] = copySignal(signal)
	return true, nil
}

// SignalsForExecution returns the signals recorded for one execution,
// ordered by type.
func (s *MemoryLearning) SignalsForExecution(ctx context.Context, executionID string) ([]lifecycle.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var signals []lifecycle.Signal
	for key, signal := range s.signals {
		if key.executionID == executionID {
			signals = append(signals, copySignal(signal))
		}
	}
	slices.SortFunc(signals, func(a, b lifecycle.Signal) int {
		return strings.Compare(string(a.Type), string(b.Type))
	})
	return signals, nil
}

func copySignal(signal lifecycle.Signal) lifecycle.Signal {
	signal.Payload = maps.Clone(signal.Payload)
	return signal
}

// MemoryAudit is the in-memory audit.Store. Like the durable store it
// refuses sequence gaps, so audit.Log behaves identically over either.
type MemoryAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

// NewMemoryAudit returns an empty event store.
func NewMemoryAudit() *MemoryAudit {
	return &MemoryAudit{}
}

// AppendEvent writes one event at the chain tail.
func (s *MemoryAudit) AppendEvent(ctx context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if want := uint64(len(s.events)) + 1; event.Sequence != want {
		return fmt.Errorf("store: audit append out of order: event %d after tail %d", event.Sequence, want-1)
	}
	s.events = append(s.events, copyEvent(event))
	return nil
}

// LastEvent returns the chain tail, if any.
func (s *MemoryAudit) LastEvent(ctx context.Context) (audit.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) == 0 {
		return audit.Event{}, false, nil
	}
	return copyEvent(s.events[len(s.events)-1]), true, nil
}

// Events returns matching events in sequence order.
func (s *MemoryAudit) Events(ctx context.Context, query audit.Query) ([]audit.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []audit.Event
	for _, event := range s.events {
		if query.FromSequence > 0 && event.Sequence < query.FromSequence {
			continue
		}
		if !query.After.IsZero() && event.Timestamp.Before(query.After) {
			continue
		}
		if !query.Before.IsZero() && !event.Timestamp.Before(query.Before) {
			continue
		}
		if query.Actor != "" && event.Actor != query.Actor {
			continue
		}
		events = append(events, copyEvent(event))
		if query.Limit > 0 && len(events) == query.Limit {
			break
		}
	}
	return events, nil
}

func copyEvent(event audit.Event) audit.Event {
	event.Metadata = maps.Clone(event.Metadata)
	return event
}

// MemoryBudget is the in-memory budget.StateStore.
type MemoryBudget struct {
	mu    sync.Mutex
	usage map[scope.Path]budget.Amount
}

// NewMemoryBudget returns an empty usage store.
func NewMemoryBudget() *MemoryBudget {
	return &MemoryBudget{usage: make(map[scope.Path]budget.Amount)}
}

// SaveScopeUsage upserts the committed usage for one scope.
func (s *MemoryBudget) SaveScopeUsage(ctx context.Context, path scope.Path, used budget.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[path] = used
	return nil
}

// ScopeUsage returns every stored scope's committed usage.
func (s *MemoryBudget) ScopeUsage(ctx context.Context) (map[scope.Path]budget.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.usage), nil
}

// MemoryReferenceCache is the in-memory reference.CacheStore.
type MemoryReferenceCache struct {
	mu      sync.Mutex
	entries map[reference.Token]reference.CachedResolution
}

// NewMemoryReferenceCache returns an empty cache store.
func NewMemoryReferenceCache() *MemoryReferenceCache {
	return &MemoryReferenceCache{entries: make(map[reference.Token]reference.CachedResolution)}
}

// Lookup returns the cached resolution for the token, if present.
func (s *MemoryReferenceCache) Lookup(ctx context.Context, token reference.Token) (reference.CachedResolution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cached, ok := s.entries[token]
	if !ok {
		return reference.CachedResolution{}, false, nil
	}
	return copyResolution(cached), true, nil
}

// Store upserts one resolution.
func (s *MemoryReferenceCache) Store(ctx context.Context, cached reference.CachedResolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[cached.Token] = copyResolution(cached)
	return nil
}

// Delete removes one token. A miss is not an error.
func (s *MemoryReferenceCache) Delete(ctx context.Context, token reference.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, token)
	return nil
}

// DeleteNamespace removes every cached token of the namespace,
// returning how many entries went.
func (s *MemoryReferenceCache) DeleteNamespace(ctx context.Context, namespace string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for token := range s.entries {
		if token.Namespace == namespace {
			delete(s.entries, token)
			count++
		}
	}
	return count, nil
}

// PurgeExpired removes every entry no longer fresh at now, returning
// how many entries went.
func (s *MemoryReferenceCache) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for token, cached := range s.entries {
		if !cached.Fresh(now) {
			delete(s.entries, token)
			count++
		}
	}
	return count, nil
}

func copyResolution(cached reference.CachedResolution) reference.CachedResolution {
	cached.Resolution.Metadata = maps.Clone(cached.Resolution.Metadata)
	return cached
}
