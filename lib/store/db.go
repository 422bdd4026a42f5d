// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/steward/lib/sqlitepool"
)

// migrations is the ordered schema history. Shipped entries are
// immutable; schema changes append new scripts.
var migrations = []string{`
	CREATE TABLE tasks (
		id            TEXT PRIMARY KEY,
		state         TEXT NOT NULL,
		scope         TEXT NOT NULL,
		version       INTEGER NOT NULL,
		created_at_ns INTEGER NOT NULL,
		updated_at_ns INTEGER NOT NULL,
		body          BLOB NOT NULL
	);
	CREATE INDEX tasks_state ON tasks (state);
	CREATE INDEX tasks_scope ON tasks (scope);

	CREATE TABLE learning_signals (
		execution_id  TEXT NOT NULL,
		signal_type   TEXT NOT NULL,
		task_id       TEXT NOT NULL REFERENCES tasks (id),
		created_at_ns INTEGER NOT NULL,
		body          BLOB NOT NULL,
		PRIMARY KEY (execution_id, signal_type)
	);
	CREATE INDEX learning_signals_task ON learning_signals (task_id);

	CREATE TABLE audit_events (
		sequence     INTEGER PRIMARY KEY,
		timestamp_ns INTEGER NOT NULL,
		actor        TEXT NOT NULL,
		action       TEXT NOT NULL,
		body         BLOB NOT NULL
	);
	CREATE INDEX audit_events_actor ON audit_events (actor, sequence);
	CREATE INDEX audit_events_time ON audit_events (timestamp_ns);

	CREATE TABLE scope_usage (
		path            TEXT PRIMARY KEY,
		tokens          INTEGER NOT NULL,
		currency_micros INTEGER NOT NULL
	);

	CREATE TABLE reference_cache (
		token          TEXT PRIMARY KEY,
		namespace      TEXT NOT NULL,
		resolved_at_ns INTEGER NOT NULL,
		expires_at_ns  INTEGER,
		body           BLOB NOT NULL
	);
	CREATE INDEX reference_cache_namespace ON reference_cache (namespace);
	CREATE INDEX reference_cache_expiry ON reference_cache (expires_at_ns)
		WHERE expires_at_ns IS NOT NULL;
`}

// Options configure Open. Pool is required.
type Options struct {
	// Pool is the connection pool backing every store. The caller
	// owns it: Open never closes the pool.
	Pool *sqlitepool.Pool

	// Logger receives open diagnostics. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

func (o Options) validate() error {
	if o.Pool == nil {
		return errors.New("store: Pool is required")
	}
	return nil
}

// DB bundles the SQLite-backed stores sharing one pool and one schema.
// Construct with Open; the accessors return ready stores, all safe for
// concurrent use.
type DB struct {
	tasks          *TaskStore
	learning       *LearningStore
	audit          *AuditStore
	budget         *BudgetStore
	referenceCache *ReferenceCacheStore
}

// Open migrates the schema to the current version and returns the
// store bundle. It takes one connection from the pool for the
// migration and returns it before handing the DB back.
func Open(ctx context.Context, options Options) (*DB, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	conn, err := options.Pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: acquiring migration connection: %w", err)
	}
	err = sqlitepool.Migrate(conn, migrations)
	options.Pool.Put(conn)
	if err != nil {
		return nil, err
	}
	logger.Info("store opened", "schema_version", len(migrations))

	pool := options.Pool
	return &DB{
		tasks:          &TaskStore{pool: pool},
		learning:       &LearningStore{pool: pool},
		audit:          &AuditStore{pool: pool},
		budget:         &BudgetStore{pool: pool},
		referenceCache: &ReferenceCacheStore{pool: pool},
	}, nil
}

// Tasks returns the task store.
func (db *DB) Tasks() *TaskStore { return db.tasks }

// Learning returns the learning-signal store.
func (db *DB) Learning() *LearningStore { return db.learning }

// Audit returns the audit event store.
func (db *DB) Audit() *AuditStore { return db.audit }

// Budget returns the scope-usage store.
func (db *DB) Budget() *BudgetStore { return db.budget }

// ReferenceCache returns the reference resolution cache store.
func (db *DB) ReferenceCache() *ReferenceCacheStore { return db.referenceCache }

// columnBlob copies the blob in the given result column.
func columnBlob(stmt *sqlite.Stmt, column int) []byte {
	blob := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, blob)
	return blob
}
