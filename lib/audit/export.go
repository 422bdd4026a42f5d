// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Events returns stored events matching the query, ascending by
// sequence. Reads go straight to the store; the writer is never
// involved.
func (l *Log) Events(ctx context.Context, query Query) ([]Event, error) {
	return l.store.Events(ctx, query)
}

// Export streams matching events to w as NDJSON, one JSON object
// per line, hashes hex-encoded, timestamps RFC 3339 with nanoseconds.
// Returns the number of lines written. Large ranges are read in
// batches so export memory stays flat.
func (l *Log) Export(ctx context.Context, w io.Writer, query Query) (int, error) {
	cursor := query
	if cursor.FromSequence == 0 {
		cursor.FromSequence = 1
	}

	written := 0
	for {
		batchLimit := verifyBatchSize
		if query.Limit > 0 {
			remaining := query.Limit - written
			if remaining <= 0 {
				break
			}
			if remaining < batchLimit {
				batchLimit = remaining
			}
		}

		batch := cursor
		batch.Limit = batchLimit
		events, err := l.store.Events(ctx, batch)
		if err != nil {
			return written, fmt.Errorf("audit: export read at %d: %w", cursor.FromSequence, err)
		}
		if len(events) == 0 {
			break
		}

		for _, event := range events {
			line, err := json.Marshal(event)
			if err != nil {
				return written, fmt.Errorf("audit: encoding event %d: %w", event.Sequence, err)
			}
			line = append(line, '\n')
			if _, err := w.Write(line); err != nil {
				return written, fmt.Errorf("audit: writing export: %w", err)
			}
			written++
		}

		cursor.FromSequence = events[len(events)-1].Sequence + 1
		if len(events) < batchLimit {
			break
		}
	}
	return written, nil
}
