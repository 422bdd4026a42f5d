// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/steward/lib/codec"
	"github.com/bureau-foundation/steward/lib/reference"
	"github.com/bureau-foundation/steward/lib/sqlitepool"
)

// ReferenceCacheStore is the durable reference.CacheStore. Pinned
// resolutions carry a NULL expiry; everything else records its expiry
// instant so PurgeExpired can reclaim rows without decoding bodies.
type ReferenceCacheStore struct {
	pool *sqlitepool.Pool
}

// Lookup returns the cached resolution for the token, if present.
// Freshness is the caller's concern: expired entries are returned
// until evicted or purged.
func (s *ReferenceCacheStore) Lookup(ctx context.Context, token reference.Token) (reference.CachedResolution, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return reference.CachedResolution{}, false, err
	}
	defer s.pool.Put(conn)

	var body []byte
	err = sqlitex.Execute(conn, `SELECT body FROM reference_cache WHERE token = ?`, &sqlitex.ExecOptions{
		Args: []any{token.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			body = columnBlob(stmt, 0)
			return nil
		},
	})
	if err != nil {
		return reference.CachedResolution{}, false, fmt.Errorf("store: looking up %s: %w", token, err)
	}
	if body == nil {
		return reference.CachedResolution{}, false, nil
	}
	var cached reference.CachedResolution
	if err := codec.Unmarshal(body, &cached); err != nil {
		return reference.CachedResolution{}, false, fmt.Errorf("store: decoding cached %s: %w", token, err)
	}
	return cached, true, nil
}

// Store upserts one resolution.
func (s *ReferenceCacheStore) Store(ctx context.Context, cached reference.CachedResolution) error {
	body, err := codec.Marshal(cached)
	if err != nil {
		return fmt.Errorf("store: encoding cached %s: %w", cached.Token, err)
	}
	var expires any
	if !cached.Resolution.Pinned {
		expiry := cached.ResolvedAt
		if cached.Resolution.TTL > 0 {
			expiry = cached.ResolvedAt.Add(cached.Resolution.TTL)
		}
		expires = expiry.UnixNano()
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO reference_cache (token, namespace, resolved_at_ns, expires_at_ns, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (token) DO UPDATE SET
			namespace = excluded.namespace,
			resolved_at_ns = excluded.resolved_at_ns,
			expires_at_ns = excluded.expires_at_ns,
			body = excluded.body`, &sqlitex.ExecOptions{
		Args: []any{
			cached.Token.String(), cached.Token.Namespace,
			cached.ResolvedAt.UnixNano(), expires, body,
		},
	})
	if err != nil {
		return fmt.Errorf("store: caching %s: %w", cached.Token, err)
	}
	return nil
}

// Delete removes one token. A miss is not an error.
func (s *ReferenceCacheStore) Delete(ctx context.Context, token reference.Token) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM reference_cache WHERE token = ?`, &sqlitex.ExecOptions{
		Args: []any{token.String()},
	})
	if err != nil {
		return fmt.Errorf("store: deleting %s: %w", token, err)
	}
	return nil
}

// DeleteNamespace removes every cached token of the namespace,
// returning how many rows went.
func (s *ReferenceCacheStore) DeleteNamespace(ctx context.Context, namespace string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM reference_cache WHERE namespace = ?`, &sqlitex.ExecOptions{
		Args: []any{namespace},
	})
	if err != nil {
		return 0, fmt.Errorf("store: deleting namespace %q: %w", namespace, err)
	}
	return conn.Changes(), nil
}

// PurgeExpired removes every unpinned entry whose expiry is at or
// before now, returning how many rows went. Run it periodically; the
// cache itself only evicts entries it happens to look up.
func (s *ReferenceCacheStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		DELETE FROM reference_cache
		WHERE expires_at_ns IS NOT NULL AND expires_at_ns <= ?`, &sqlitex.ExecOptions{
		Args: []any{now.UnixNano()},
	})
	if err != nil {
		return 0, fmt.Errorf("store: purging expired resolutions: %w", err)
	}
	return conn.Changes(), nil
}
