// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/steward/lib/budget"
	"github.com/bureau-foundation/steward/lib/scope"
	"github.com/bureau-foundation/steward/lib/sqlitepool"
)

// BudgetStore is the durable budget.StateStore: one row of committed
// usage per scope, written through on every ledger commit and read
// back in full when the ledger restarts.
type BudgetStore struct {
	pool *sqlitepool.Pool
}

// SaveScopeUsage upserts the committed usage for one scope.
func (s *BudgetStore) SaveScopeUsage(ctx context.Context, path scope.Path, used budget.Amount) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO scope_usage (path, tokens, currency_micros)
		VALUES (?, ?, ?)
		ON CONFLICT (path) DO UPDATE SET
			tokens = excluded.tokens,
			currency_micros = excluded.currency_micros`, &sqlitex.ExecOptions{
		Args: []any{path.String(), used.Tokens, used.CurrencyMicros},
	})
	if err != nil {
		return fmt.Errorf("store: saving usage for %s: %w", path, err)
	}
	return nil
}

// ScopeUsage returns every stored scope's committed usage.
func (s *BudgetStore) ScopeUsage(ctx context.Context) (map[scope.Path]budget.Amount, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	usage := make(map[scope.Path]budget.Amount)
	err = sqlitex.Execute(conn, `SELECT path, tokens, currency_micros FROM scope_usage`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			path, err := scope.Parse(stmt.ColumnText(0))
			if err != nil {
				return fmt.Errorf("stored path %q: %w", stmt.ColumnText(0), err)
			}
			usage[path] = budget.Amount{
				Tokens:         stmt.ColumnInt64(1),
				CurrencyMicros: stmt.ColumnInt64(2),
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: loading scope usage: %w", err)
	}
	return usage, nil
}
