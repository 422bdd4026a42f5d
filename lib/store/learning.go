// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/steward/lib/codec"
	"github.com/bureau-foundation/steward/lib/lifecycle"
	"github.com/bureau-foundation/steward/lib/sqlitepool"
)

// LearningStore is the durable lifecycle.LearningStore. The
// (execution_id, signal_type) primary key makes PutSignal naturally
// idempotent: a replayed write hits the conflict clause and changes
// nothing.
//
// task_id references the tasks table, so signals can only be recorded
// for tasks the store knows.
type LearningStore struct {
	pool *sqlitepool.Pool
}

// PutSignal inserts the signal if its key is new, reporting whether a
// row was written.
func (s *LearningStore) PutSignal(ctx context.Context, signal lifecycle.Signal) (bool, error) {
	body, err := codec.Marshal(signal)
	if err != nil {
		return false, fmt.Errorf("store: encoding signal %s/%s: %w", signal.ExecutionID, signal.Type, err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO learning_signals (execution_id, signal_type, task_id, created_at_ns, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (execution_id, signal_type) DO NOTHING`, &sqlitex.ExecOptions{
		Args: []any{
			signal.ExecutionID, string(signal.Type), signal.TaskID,
			signal.CreatedAt.UnixNano(), body,
		},
	})
	if err != nil {
		return false, fmt.Errorf("store: inserting signal %s/%s: %w", signal.ExecutionID, signal.Type, err)
	}
	return conn.Changes() > 0, nil
}

// SignalsForExecution returns the signals recorded for one execution,
// ordered by type.
func (s *LearningStore) SignalsForExecution(ctx context.Context, executionID string) ([]lifecycle.Signal, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var signals []lifecycle.Signal
	err = sqlitex.Execute(conn, `
		SELECT body FROM learning_signals
		WHERE execution_id = ?
		ORDER BY signal_type`, &sqlitex.ExecOptions{
		Args: []any{executionID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var signal lifecycle.Signal
			if err := codec.Unmarshal(columnBlob(stmt, 0), &signal); err != nil {
				return fmt.Errorf("decoding signal row: %w", err)
			}
			signals = append(signals, signal)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing signals for %q: %w", executionID, err)
	}
	return signals, nil
}
