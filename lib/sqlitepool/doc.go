// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the steward-standard SQLite connection
// pool.
//
// Everything steward persists locally (tasks, learning signals, the
// audit chain, budget counters, the reference cache) goes through
// this package. It wraps zombiezen.com/go/sqlite and applies one
// fixed set of pragmas on every connection, so all stores share the
// same durability and concurrency posture.
//
// The pool is zombiezen's sqlitex.Pool underneath: a fixed set of
// connections handed out one at a time. Callers [Pool.Take] a
// connection, perform work, and [Pool.Put] it back. A connection must
// not be shared between goroutines while held.
//
// # Pragmas
//
//   - journal_mode=WAL: readers and the single writer proceed without
//     blocking each other.
//   - synchronous=NORMAL: a process crash cannot lose a committed
//     transaction. An OS crash or power cut can lose the WAL tail;
//     the audit chain re-verifies its hash links at startup, so a
//     torn tail is detected rather than silently served.
//   - busy_timeout=5000: contended write locks wait up to five
//     seconds before surfacing SQLITE_BUSY.
//   - foreign_keys=ON: the schema declares its cross-table references
//     and SQLite enforces them.
//   - cache_size=-8192: 8 MB of page cache per connection.
//   - mmap_size=268435456: reads served through a 256 MB mapping
//     instead of read(2) calls.
//   - temp_store=MEMORY: scratch tables and indexes never touch disk.
//
// # Migrations
//
// [Migrate] applies an ordered list of schema scripts, recording
// progress in PRAGMA user_version: a database at version N runs only
// the scripts after index N, each inside its own transaction. Shipped
// scripts are immutable; schema changes append new ones.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:     "/var/lib/steward/steward.db",
//	    PoolSize: 8,
//	    Logger:   logger,
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	conn, err := pool.Take(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.Put(conn)
//
// # Design
//
// The package stays thin on purpose: pragmas, migrations, and the
// pool, with the zombiezen types exposed directly. Stores write their
// own SQL against the connection, using sqlitex.Execute for cached
// statements and sqlitex.ImmediateTransaction for write transactions.
// There is no query builder and no ORM layer; the value is one
// dependency, one pragma set, and one pool pattern across every
// store.
package sqlitepool
