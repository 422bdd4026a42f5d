// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Migrate brings the database schema up to date by applying the given
// scripts in order. Progress is recorded in PRAGMA user_version: a
// database at version N has already run scripts[0:N] and only the
// remainder is applied. Each script runs together with its version
// bump inside a single immediate transaction, so a crash mid-migration
// leaves the database at the previous version with no partial schema.
//
// Scripts are identified by position. Shipped scripts must never be
// edited; schema changes append new scripts to the end of the slice.
// Migrate returns an error if the database reports a version higher
// than len(scripts), which means the file was written by a newer
// binary.
//
// Migrate takes a single connection and is meant to run once at
// startup, before the pool is handed to stores.
func Migrate(conn *sqlite.Conn, scripts []string) error {
	version, err := SchemaVersion(conn)
	if err != nil {
		return err
	}
	if version > len(scripts) {
		return fmt.Errorf("sqlitepool: database schema version %d exceeds known version %d (written by a newer binary?)", version, len(scripts))
	}
	for i := version; i < len(scripts); i++ {
		if err := applyMigration(conn, i, scripts[i]); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion reads PRAGMA user_version, the number of migration
// scripts already applied to the database. A fresh database reports 0.
func SchemaVersion(conn *sqlite.Conn) (int, error) {
	var version int
	err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("sqlitepool: reading user_version: %w", err)
	}
	return version, nil
}

// applyMigration runs one script and advances user_version to
// index+1, both inside the same immediate transaction.
func applyMigration(conn *sqlite.Conn, index int, script string) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitepool: migration %d: begin: %w", index+1, err)
	}
	defer endTransaction(&err)

	if err := sqlitex.ExecuteScript(conn, script, nil); err != nil {
		return fmt.Errorf("sqlitepool: migration %d: %w", index+1, err)
	}
	bump := fmt.Sprintf("PRAGMA user_version = %d", index+1)
	if err := sqlitex.ExecuteTransient(conn, bump, nil); err != nil {
		return fmt.Errorf("sqlitepool: migration %d: recording version: %w", index+1, err)
	}
	return nil
}
