// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/steward/lib/codec"
	"github.com/bureau-foundation/steward/lib/lifecycle"
	"github.com/bureau-foundation/steward/lib/sqlitepool"
)

// TaskStore is the durable lifecycle.TaskStore. Writes are
// compare-and-set on the version column inside an immediate
// transaction, so two machines racing on the same task cannot both
// win.
type TaskStore struct {
	pool *sqlitepool.Pool
}

// PutTask inserts (version 0) or updates the task, returning the
// stored copy with its incremented version.
func (s *TaskStore) PutTask(ctx context.Context, task lifecycle.Task) (lifecycle.Task, error) {
	stored := task
	stored.Version = task.Version + 1
	body, err := codec.Marshal(stored)
	if err != nil {
		return lifecycle.Task{}, fmt.Errorf("store: encoding task %q: %w", task.ID, err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return lifecycle.Task{}, err
	}
	defer s.pool.Put(conn)

	if err := writeTask(conn, task.Version, stored, body); err != nil {
		return lifecycle.Task{}, err
	}
	return stored, nil
}

// writeTask performs the compare-and-set against the version the
// caller held. expected zero means insert.
func writeTask(conn *sqlite.Conn, expected int64, stored lifecycle.Task, body []byte) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: task transaction: %w", err)
	}
	defer endTransaction(&err)

	var current int64
	exists := false
	err = sqlitex.Execute(conn, `SELECT version FROM tasks WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{stored.ID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			exists = true
			current = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("store: reading task %q version: %w", stored.ID, err)
	}

	switch {
	case expected == 0 && exists:
		return fmt.Errorf("store: task %q already exists: %w", stored.ID, lifecycle.ErrConcurrentModification)
	case expected != 0 && !exists:
		return fmt.Errorf("store: task %q: %w", stored.ID, lifecycle.ErrUnknownTask)
	case expected != 0 && current != expected:
		return fmt.Errorf("store: task %q is at version %d, caller held %d: %w",
			stored.ID, current, expected, lifecycle.ErrConcurrentModification)
	}

	if exists {
		err = sqlitex.Execute(conn, `
			UPDATE tasks
			SET state = ?, scope = ?, version = ?, updated_at_ns = ?, body = ?
			WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{
				string(stored.State), stored.Scope.String(), stored.Version,
				stored.UpdatedAt.UnixNano(), body, stored.ID,
			},
		})
	} else {
		err = sqlitex.Execute(conn, `
			INSERT INTO tasks (id, state, scope, version, created_at_ns, updated_at_ns, body)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{
				stored.ID, string(stored.State), stored.Scope.String(), stored.Version,
				stored.CreatedAt.UnixNano(), stored.UpdatedAt.UnixNano(), body,
			},
		})
	}
	if err != nil {
		return fmt.Errorf("store: writing task %q: %w", stored.ID, err)
	}
	return nil
}

// GetTask loads one task by identifier.
func (s *TaskStore) GetTask(ctx context.Context, id string) (lifecycle.Task, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return lifecycle.Task{}, err
	}
	defer s.pool.Put(conn)

	var body []byte
	err = sqlitex.Execute(conn, `SELECT body FROM tasks WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			body = columnBlob(stmt, 0)
			return nil
		},
	})
	if err != nil {
		return lifecycle.Task{}, fmt.Errorf("store: loading task %q: %w", id, err)
	}
	if body == nil {
		return lifecycle.Task{}, fmt.Errorf("store: task %q: %w", id, lifecycle.ErrUnknownTask)
	}
	var task lifecycle.Task
	if err := codec.Unmarshal(body, &task); err != nil {
		return lifecycle.Task{}, fmt.Errorf("store: decoding task %q: %w", id, err)
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, oldest first. The
// scope filter matches the billing scope itself and everything below
// it; GLOB rather than LIKE because scope segments may contain "_",
// which LIKE treats as a wildcard.
func (s *TaskStore) ListTasks(ctx context.Context, filter lifecycle.ListFilter) ([]lifecycle.Task, error) {
	query := `SELECT body FROM tasks`
	var clauses []string
	var args []any
	if filter.State != "" {
		clauses = append(clauses, `state = ?`)
		args = append(args, string(filter.State))
	}
	if !filter.Scope.IsZero() {
		clauses = append(clauses, `(scope = ? OR scope GLOB ? || '/*')`)
		args = append(args, filter.Scope.String(), filter.Scope.String())
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at_ns, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var tasks []lifecycle.Task
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var task lifecycle.Task
			if err := codec.Unmarshal(columnBlob(stmt, 0), &task); err != nil {
				return fmt.Errorf("decoding task row: %w", err)
			}
			tasks = append(tasks, task)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing tasks: %w", err)
	}
	return tasks, nil
}
