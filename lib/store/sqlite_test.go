// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/steward/lib/audit"
	"github.com/bureau-foundation/steward/lib/budget"
	"github.com/bureau-foundation/steward/lib/lifecycle"
	"github.com/bureau-foundation/steward/lib/reference"
	"github.com/bureau-foundation/steward/lib/scope"
	"github.com/bureau-foundation/steward/lib/sqlitepool"
	"github.com/bureau-foundation/steward/lib/store"
)

func TestOpenRequiresPool(t *testing.T) {
	if _, err := store.Open(context.Background(), store.Options{}); err == nil {
		t.Fatal("Open with no pool succeeded")
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steward.db")
	ctx := context.Background()

	open := func() (*sqlitepool.Pool, *store.DB) {
		t.Helper()
		pool, err := sqlitepool.Open(sqlitepool.Config{Path: path, PoolSize: 2})
		if err != nil {
			t.Fatalf("Open pool: %v", err)
		}
		db, err := store.Open(ctx, store.Options{Pool: pool})
		if err != nil {
			t.Fatalf("Open store: %v", err)
		}
		return pool, db
	}

	pool, db := open()
	mustPutTask(t, db.Tasks(), sampleTask("tsk-persist", "global/iree", lifecycle.StatePlanned, storeEpoch))
	mustAppend(t, db.Audit(), sampleEvent(1, storeEpoch, "orchestrator"))
	if err := db.Budget().SaveScopeUsage(ctx, scope.MustParse("global/iree"), budget.Tokens(80)); err != nil {
		t.Fatalf("SaveScopeUsage: %v", err)
	}
	cached := reference.CachedResolution{
		Token:      reference.MustParseToken("@RM:OSSA:0.1.8:E-018-STD"),
		Resolution: reference.Resolution{URI: "catalog://ossa/0.1.8/E-018-STD", Pinned: true},
		ResolvedAt: storeEpoch,
	}
	if err := db.ReferenceCache().Store(ctx, cached); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	pool, db = open()
	defer pool.Close()

	task, err := db.Tasks().GetTask(ctx, "tsk-persist")
	if err != nil {
		t.Fatalf("GetTask after reopen: %v", err)
	}
	if task.State != lifecycle.StatePlanned || task.Version != 1 {
		t.Errorf("task after reopen = %s v%d", task.State, task.Version)
	}
	last, ok, err := db.Audit().LastEvent(ctx)
	if err != nil || !ok || last.Sequence != 1 {
		t.Errorf("audit tail after reopen = %d (ok %v, err %v)", last.Sequence, ok, err)
	}
	usage, err := db.Budget().ScopeUsage(ctx)
	if err != nil {
		t.Fatalf("ScopeUsage after reopen: %v", err)
	}
	if got := usage[scope.MustParse("global/iree")]; got != budget.Tokens(80) {
		t.Errorf("usage after reopen = %s, want 80tok", got)
	}
	if _, ok, _ := db.ReferenceCache().Lookup(ctx, cached.Token); !ok {
		t.Error("cached resolution lost across reopen")
	}
}

func TestSQLiteLearningRequiresKnownTask(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "fk.db"))

	_, err := db.Learning().PutSignal(context.Background(), lifecycle.Signal{
		ExecutionID: "exe-9",
		Type:        lifecycle.SignalOutcome,
		TaskID:      "tsk-never-stored",
		CreatedAt:   storeEpoch,
	})
	if err == nil {
		t.Fatal("signal for unknown task inserted")
	}
}

func TestAuditChainVerifiesAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.db")
	ctx := context.Background()
	silent := slog.New(slog.DiscardHandler)

	pool, err := sqlitepool.Open(sqlitepool.Config{Path: path, PoolSize: 2})
	if err != nil {
		t.Fatalf("Open pool: %v", err)
	}
	db, err := store.Open(ctx, store.Options{Pool: pool})
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}

	log := audit.New(db.Audit(), audit.Options{Logger: silent})
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- log.Run(runCtx) }()

	for _, action := range []audit.Action{audit.ActionTaskPlan, audit.ActionTaskExecute, audit.ActionTaskGovern} {
		_, err := log.Append(ctx, audit.Record{
			Actor:    "orchestrator",
			Action:   action,
			Resource: "task/tsk-chain",
			Outcome:  audit.OutcomeSuccess,
		})
		if err != nil {
			t.Fatalf("Append(%s): %v", action, err)
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	pool, err = sqlitepool.Open(sqlitepool.Config{Path: path, PoolSize: 2})
	if err != nil {
		t.Fatalf("reopen pool: %v", err)
	}
	defer pool.Close()
	db, err = store.Open(ctx, store.Options{Pool: pool})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}

	reopened := audit.New(db.Audit(), audit.Options{Logger: silent})
	result, err := reopened.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify after reopen: %v", err)
	}
	if !result.OK || result.Checked != 3 {
		t.Errorf("verify = %+v, want OK with 3 checked", result)
	}

	// Removing a middle event must surface as an integrity violation.
	conn, err := pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	err = sqlitex.ExecuteTransient(conn, `DELETE FROM audit_events WHERE sequence = 2`, nil)
	pool.Put(conn)
	if err != nil {
		t.Fatalf("tampering delete: %v", err)
	}
	if _, err := reopened.Verify(ctx); !errors.Is(err, audit.ErrChainIntegrityViolation) {
		t.Errorf("Verify after tamper = %v, want ErrChainIntegrityViolation", err)
	}
}

// Timestamps survive the store at full precision even when they carry
// sub-second components, so time-window queries agree between the
// indexed column and the decoded body.
func TestSQLiteTimestampPrecision(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "precision.db"))
	ctx := context.Background()

	at := storeEpoch.Add(123456789 * time.Nanosecond)
	mustAppend(t, db.Audit(), sampleEvent(1, at, "orchestrator"))

	last, ok, err := db.Audit().LastEvent(ctx)
	if err != nil || !ok {
		t.Fatalf("LastEvent = ok %v, err %v", ok, err)
	}
	if !last.Timestamp.Equal(at) {
		t.Errorf("timestamp = %v, want %v", last.Timestamp, at)
	}

	// A Before bound between the stored nanosecond and the next whole
	// second must exclude the event.
	events, err := db.Audit().Events(ctx, audit.Query{Before: at})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Before at the event instant returned %d events", len(events))
	}
	events, err = db.Audit().Events(ctx, audit.Query{After: at})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("After at the event instant returned %d events", len(events))
	}
}
