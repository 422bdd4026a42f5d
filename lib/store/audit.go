// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/steward/lib/audit"
	"github.com/bureau-foundation/steward/lib/codec"
	"github.com/bureau-foundation/steward/lib/sqlitepool"
)

// AuditStore is the durable audit.Store. AppendEvent enforces the
// append-only contract: an event is accepted only when its sequence
// follows the stored tail exactly, checked inside an immediate
// transaction.
type AuditStore struct {
	pool *sqlitepool.Pool
}

// AppendEvent writes one event at the chain tail.
func (s *AuditStore) AppendEvent(ctx context.Context, event audit.Event) error {
	body, err := codec.Marshal(event)
	if err != nil {
		return fmt.Errorf("store: encoding audit event %d: %w", event.Sequence, err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return appendEvent(conn, event, body)
}

func appendEvent(conn *sqlite.Conn, event audit.Event, body []byte) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: audit transaction: %w", err)
	}
	defer endTransaction(&err)

	var last uint64
	err = sqlitex.Execute(conn, `SELECT COALESCE(MAX(sequence), 0) FROM audit_events`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			last = uint64(stmt.ColumnInt64(0))
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("store: reading audit tail: %w", err)
	}
	if event.Sequence != last+1 {
		return fmt.Errorf("store: audit append out of order: event %d after tail %d", event.Sequence, last)
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO audit_events (sequence, timestamp_ns, actor, action, body)
		VALUES (?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			int64(event.Sequence), event.Timestamp.UnixNano(),
			event.Actor, string(event.Action), body,
		},
	})
	if err != nil {
		return fmt.Errorf("store: writing audit event %d: %w", event.Sequence, err)
	}
	return nil
}

// LastEvent returns the chain tail, if any.
func (s *AuditStore) LastEvent(ctx context.Context) (audit.Event, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return audit.Event{}, false, err
	}
	defer s.pool.Put(conn)

	var body []byte
	err = sqlitex.Execute(conn, `SELECT body FROM audit_events ORDER BY sequence DESC LIMIT 1`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			body = columnBlob(stmt, 0)
			return nil
		},
	})
	if err != nil {
		return audit.Event{}, false, fmt.Errorf("store: loading audit tail: %w", err)
	}
	if body == nil {
		return audit.Event{}, false, nil
	}
	var event audit.Event
	if err := codec.Unmarshal(body, &event); err != nil {
		return audit.Event{}, false, fmt.Errorf("store: decoding audit tail: %w", err)
	}
	return event, true, nil
}

// Events returns matching events in sequence order.
func (s *AuditStore) Events(ctx context.Context, query audit.Query) ([]audit.Event, error) {
	sql := `SELECT body FROM audit_events`
	var clauses []string
	var args []any
	if query.FromSequence > 0 {
		clauses = append(clauses, `sequence >= ?`)
		args = append(args, int64(query.FromSequence))
	}
	if !query.After.IsZero() {
		clauses = append(clauses, `timestamp_ns >= ?`)
		args = append(args, query.After.UnixNano())
	}
	if !query.Before.IsZero() {
		clauses = append(clauses, `timestamp_ns < ?`)
		args = append(args, query.Before.UnixNano())
	}
	if query.Actor != "" {
		clauses = append(clauses, `actor = ?`)
		args = append(args, query.Actor)
	}
	if len(clauses) > 0 {
		sql += " WHERE " + strings.Join(clauses, " AND ")
	}
	sql += " ORDER BY sequence"
	if query.Limit > 0 {
		sql += " LIMIT ?"
		args = append(args, query.Limit)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var events []audit.Event
	err = sqlitex.Execute(conn, sql, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var event audit.Event
			if err := codec.Unmarshal(columnBlob(stmt, 0), &event); err != nil {
				return fmt.Errorf("decoding audit row: %w", err)
			}
			events = append(events, event)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: querying audit events: %w", err)
	}
	return events, nil
}
