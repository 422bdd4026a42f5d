// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit provides steward's append-only audit log: a
// hash-chained sequence of events recording every task transition,
// budget mutation, and resolver operation.
//
// A single writer goroutine (Run) assigns sequence numbers and chain
// hashes; producers submit through a bounded queue and block for the
// writer's verdict, so an operation is never considered recorded
// until its event is durably stored. Reads bypass the writer
// entirely. Verification recomputes the whole chain; any mismatch
// flips the log into a compromised state in which further appends are
// refused.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/steward/lib/clock"
)

// Store is the persistence the log writes through. Implementations
// must reject sequence gaps: AppendEvent(e) succeeds only when e is
// the first event or follows the current last sequence exactly.
type Store interface {
	AppendEvent(ctx context.Context, event Event) error
	LastEvent(ctx context.Context) (Event, bool, error)
	Events(ctx context.Context, query Query) ([]Event, error)
}

// Query selects events for reads, verification, and export. Zero
// fields do not filter. Time bounds are half-open: After is
// inclusive, Before exclusive.
type Query struct {
	FromSequence uint64
	After        time.Time
	Before       time.Time
	Actor        string
	Limit        int
}

var (
	// ErrChainIntegrityViolation reports a verification mismatch:
	// a stored event whose hash or link does not recompute.
	ErrChainIntegrityViolation = errors.New("audit: chain integrity violation")

	// ErrChainCompromised is returned by Append once verification has
	// failed. The log stays compromised until the process restarts
	// against a repaired store.
	ErrChainCompromised = errors.New("audit: log compromised, appends refused")

	// ErrWriterStopped is returned by Append after Run has exited.
	ErrWriterStopped = errors.New("audit: writer stopped")
)

const defaultQueueSize = 256

// verifyBatchSize bounds one store read during Verify and Export.
const verifyBatchSize = 512

// Options configure a Log. Zero values select the defaults noted on
// each field.
type Options struct {
	// Clock stamps event timestamps. Defaults to clock.System().
	Clock clock.Clock

	// Logger receives writer diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// QueueSize bounds the append queue (default 256). Producers
	// block in Append once the queue fills.
	QueueSize int

	// VerifyOnStart makes Run verify the whole stored chain before
	// accepting appends.
	VerifyOnStart bool
}

// Log is the audit log. Construct with New, start the writer with
// Run, append with Append.
type Log struct {
	store         Store
	clock         clock.Clock
	logger        *slog.Logger
	verifyOnStart bool

	requests    chan appendRequest
	head        atomic.Pointer[headState]
	compromised atomic.Bool
	running     atomic.Bool
	done        chan struct{}
}

type headState struct {
	sequence uint64
	hash     Hash
}

type appendRequest struct {
	record Record
	result chan appendResult
}

type appendResult struct {
	event Event
	err   error
}

// New returns a Log over the store. Call Run to start the writer.
func New(store Store, options Options) *Log {
	if options.Clock == nil {
		options.Clock = clock.System()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.QueueSize <= 0 {
		options.QueueSize = defaultQueueSize
	}
	return &Log{
		store:         store,
		clock:         options.Clock,
		logger:        options.Logger,
		verifyOnStart: options.VerifyOnStart,
		requests:      make(chan appendRequest, options.QueueSize),
		done:          make(chan struct{}),
	}
}

// Run loads the chain tail and consumes the append queue until ctx
// is cancelled. Only one Run per Log.
func (l *Log) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("audit: Run called twice")
	}
	defer close(l.done)

	if err := l.loadTail(ctx); err != nil {
		return err
	}
	if l.verifyOnStart {
		if _, err := l.Verify(ctx); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-l.requests:
			req.result <- l.writeEvent(ctx, req.record)
		}
	}
}

// loadTail initializes the in-memory head from the last stored event,
// checking that event's own hash so a torn tail is caught at startup
// rather than at the first verification.
func (l *Log) loadTail(ctx context.Context) error {
	last, ok, err := l.store.LastEvent(ctx)
	if err != nil {
		return fmt.Errorf("audit: loading chain tail: %w", err)
	}
	if !ok {
		l.head.Store(&headState{})
		return nil
	}
	if _, valid := Recompute(last); !valid {
		l.compromised.Store(true)
		return fmt.Errorf("audit: stored tail (sequence %d) does not recompute: %w", last.Sequence, ErrChainIntegrityViolation)
	}
	l.head.Store(&headState{sequence: last.Sequence, hash: last.Hash})
	return nil
}

// writeEvent runs on the writer goroutine: it owns sequence
// assignment and the head.
func (l *Log) writeEvent(ctx context.Context, record Record) appendResult {
	if l.compromised.Load() {
		return appendResult{err: ErrChainCompromised}
	}

	head := l.headState()
	event := Event{
		Sequence:  head.sequence + 1,
		Timestamp: l.clock.Now().UTC(),
		Actor:     record.Actor,
		Action:    record.Action,
		Resource:  record.Resource,
		Outcome:   record.Outcome,
		Metadata:  maps.Clone(record.Metadata),
		PrevHash:  head.hash,
	}
	event.Hash = ComputeHash(event)

	if err := l.store.AppendEvent(ctx, event); err != nil {
		l.logger.Error("audit append failed",
			"sequence", event.Sequence, "action", event.Action, "error", err)
		return appendResult{err: fmt.Errorf("audit: appending event %d: %w", event.Sequence, err)}
	}

	l.head.Store(&headState{sequence: event.Sequence, hash: event.Hash})
	return appendResult{event: event}
}

// Append records one event and returns it with its assigned sequence
// and hashes. Append blocks while the queue is full (ctx aborts the
// wait); once the request is accepted it waits for the writer's
// verdict regardless of ctx, so the caller's view of success always
// matches the chain.
func (l *Log) Append(ctx context.Context, record Record) (Event, error) {
	if err := record.Validate(); err != nil {
		return Event{}, err
	}
	if l.compromised.Load() {
		return Event{}, ErrChainCompromised
	}

	req := appendRequest{record: record, result: make(chan appendResult, 1)}
	select {
	case l.requests <- req:
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-l.done:
		return Event{}, ErrWriterStopped
	}

	select {
	case res := <-req.result:
		return res.event, res.err
	case <-l.done:
		return Event{}, ErrWriterStopped
	}
}

// Head returns the current chain position without locking.
func (l *Log) Head() (uint64, Hash) {
	head := l.headState()
	return head.sequence, head.hash
}

func (l *Log) headState() headState {
	if h := l.head.Load(); h != nil {
		return *h
	}
	return headState{}
}

// Compromised reports whether verification has failed on this log.
func (l *Log) Compromised() bool { return l.compromised.Load() }

// VerifyResult describes a chain verification pass.
type VerifyResult struct {
	OK          bool   `json:"ok"`
	Checked     uint64 `json:"checked"`
	BadSequence uint64 `json:"bad_sequence,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Verify recomputes every stored event hash and link. On any
// mismatch the log is marked compromised (Append starts refusing)
// and the error wraps ErrChainIntegrityViolation. Safe to run while
// the writer is appending: verification covers the chain prefix
// present at scan time.
func (l *Log) Verify(ctx context.Context) (VerifyResult, error) {
	headAtStart := l.headState().sequence

	var (
		prevHash Hash
		nextSeq  uint64 = 1
		checked  uint64
	)
	for {
		batch, err := l.store.Events(ctx, Query{FromSequence: nextSeq, Limit: verifyBatchSize})
		if err != nil {
			return VerifyResult{}, fmt.Errorf("audit: verify read at %d: %w", nextSeq, err)
		}
		if len(batch) == 0 {
			break
		}
		for _, event := range batch {
			if event.Sequence != nextSeq {
				return l.fail(nextSeq, fmt.Sprintf("sequence gap: want %d, found %d", nextSeq, event.Sequence))
			}
			if event.PrevHash != prevHash {
				return l.fail(event.Sequence, "previous-hash link broken")
			}
			if _, valid := Recompute(event); !valid {
				return l.fail(event.Sequence, "event hash does not recompute")
			}
			prevHash = event.Hash
			nextSeq++
			checked++
		}
		if len(batch) < verifyBatchSize {
			break
		}
	}

	if checked < headAtStart {
		return l.fail(checked+1, fmt.Sprintf("chain truncated: head at %d, store ends at %d", headAtStart, checked))
	}
	return VerifyResult{OK: true, Checked: checked}, nil
}

// fail marks the log compromised and builds the violation result.
func (l *Log) fail(sequence uint64, reason string) (VerifyResult, error) {
	l.compromised.Store(true)
	l.logger.Error("audit chain verification failed", "sequence", sequence, "reason", reason)
	result := VerifyResult{OK: false, BadSequence: sequence, Reason: reason}
	return result, fmt.Errorf("audit: event %d: %s: %w", sequence, reason, ErrChainIntegrityViolation)
}
