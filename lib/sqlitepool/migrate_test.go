// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/steward/lib/sqlitepool"
)

var migrationScripts = []string{
	`CREATE TABLE widgets (
		id    INTEGER PRIMARY KEY,
		label TEXT NOT NULL
	);`,
	`ALTER TABLE widgets ADD COLUMN weight INTEGER NOT NULL DEFAULT 0;
	CREATE INDEX widgets_weight ON widgets (weight);`,
}

func TestMigrateFreshDatabase(t *testing.T) {
	pool := openTestPool(t)
	conn := takeConn(t, pool)
	defer pool.Put(conn)

	if err := sqlitepool.Migrate(conn, migrationScripts); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	version, err := sqlitepool.SchemaVersion(conn)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if version != len(migrationScripts) {
		t.Errorf("user_version = %d, want %d", version, len(migrationScripts))
	}

	// Both scripts applied: the column from the second migration exists.
	err = sqlitex.Execute(conn, "INSERT INTO widgets (label, weight) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{"gear", 12},
	})
	if err != nil {
		t.Fatalf("INSERT after migrate: %v", err)
	}
}

func TestMigrateIsIncremental(t *testing.T) {
	pool := openTestPool(t)
	conn := takeConn(t, pool)
	defer pool.Put(conn)

	// Apply only the first script, then run Migrate with both. The
	// first must be skipped: re-running it would fail on the existing
	// table.
	if err := sqlitepool.Migrate(conn, migrationScripts[:1]); err != nil {
		t.Fatalf("Migrate (first script): %v", err)
	}
	if err := sqlitepool.Migrate(conn, migrationScripts); err != nil {
		t.Fatalf("Migrate (full set): %v", err)
	}

	version, err := sqlitepool.SchemaVersion(conn)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if version != len(migrationScripts) {
		t.Errorf("user_version = %d, want %d", version, len(migrationScripts))
	}

	// Idempotent once up to date.
	if err := sqlitepool.Migrate(conn, migrationScripts); err != nil {
		t.Fatalf("Migrate (repeat): %v", err)
	}
}

func TestMigrateFailedScriptRollsBack(t *testing.T) {
	pool := openTestPool(t)
	conn := takeConn(t, pool)
	defer pool.Put(conn)

	broken := []string{
		migrationScripts[0],
		`CREATE TABLE gadgets (id INTEGER PRIMARY KEY);
		THIS IS NOT SQL;`,
	}
	err := sqlitepool.Migrate(conn, broken)
	if err == nil {
		t.Fatal("expected error from broken migration")
	}

	// The failed script's partial work is rolled back and the version
	// stays at the last successful migration.
	version, err := sqlitepool.SchemaVersion(conn)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if version != 1 {
		t.Errorf("user_version = %d, want 1", version)
	}
	var gadgetsExists bool
	err = sqlitex.Execute(conn, "SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'gadgets'", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			gadgetsExists = true
			return nil
		},
	})
	if err != nil {
		t.Fatalf("sqlite_master query: %v", err)
	}
	if gadgetsExists {
		t.Error("partial migration left table behind")
	}
}

func TestMigrateRejectsNewerDatabase(t *testing.T) {
	pool := openTestPool(t)
	conn := takeConn(t, pool)
	defer pool.Put(conn)

	if err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version = 7", nil); err != nil {
		t.Fatalf("setting user_version: %v", err)
	}
	err := sqlitepool.Migrate(conn, migrationScripts)
	if err == nil {
		t.Fatal("expected error for database from a newer binary")
	}
	if !strings.Contains(err.Error(), "newer") {
		t.Errorf("error = %q, want mention of newer binary", err)
	}
}

func TestMigratePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migrate.db")

	open := func() *sqlitepool.Pool {
		pool, err := sqlitepool.Open(sqlitepool.Config{Path: path, PoolSize: 1})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		return pool
	}

	pool := open()
	conn := takeConn(t, pool)
	if err := sqlitepool.Migrate(conn, migrationScripts); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	pool.Put(conn)
	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	pool = open()
	defer pool.Close()
	conn = takeConn(t, pool)
	defer pool.Put(conn)

	version, err := sqlitepool.SchemaVersion(conn)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if version != len(migrationScripts) {
		t.Errorf("user_version after reopen = %d, want %d", version, len(migrationScripts))
	}
}

func takeConn(t *testing.T, pool *sqlitepool.Pool) *sqlite.Conn {
	t.Helper()
	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	return conn
}
