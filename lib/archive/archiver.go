// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bureau-foundation/steward/lib/audit"
	"github.com/bureau-foundation/steward/lib/clock"
	"github.com/bureau-foundation/steward/lib/cron"
)

const (
	defaultSegmentEvents = 4096
	defaultPeriod        = time.Hour
	defaultActor         = "archiver"
)

// ArchiverOptions configure an Archiver. Zero values select the
// defaults noted on each field.
type ArchiverOptions struct {
	// SegmentEvents is the number of events per segment (default
	// 4096). A segment is written only once this many unarchived
	// events exist, so the newest partial segment always stays
	// store-only.
	SegmentEvents int

	// Period is the interval between archival sweeps (default 1h).
	Period time.Duration

	// Schedule runs sweeps at cron times instead of on a period.
	// When set, Period is ignored.
	Schedule *cron.Schedule

	// Actor names the archiver in the audit records it appends
	// (default "archiver").
	Actor string

	// Clock drives the sweep ticker. Defaults to clock.System().
	Clock clock.Clock

	// Logger receives sweep diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Archiver copies full segments of the audit chain out of the primary
// store into the archive directory on a period. The store keeps every
// event: archival adds tamper-evident copies, it does not prune.
//
// An Archiver is driven by a single Run; its methods are not safe for
// concurrent use.
type Archiver struct {
	log      *audit.Log
	writer   *Writer
	segment  int
	period   time.Duration
	schedule *cron.Schedule
	actor    string
	clock    clock.Clock
	logger   *slog.Logger
	archived uint64
}

// NewArchiver returns an Archiver resuming after the highest sequence
// already present in the writer's directory.
func NewArchiver(log *audit.Log, writer *Writer, options ArchiverOptions) (*Archiver, error) {
	if options.SegmentEvents <= 0 {
		options.SegmentEvents = defaultSegmentEvents
	}
	if options.Period <= 0 {
		options.Period = defaultPeriod
	}
	if options.Actor == "" {
		options.Actor = defaultActor
	}
	if options.Clock == nil {
		options.Clock = clock.System()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	infos, err := Scan(writer.Dir())
	if err != nil {
		return nil, err
	}
	var archived uint64
	for _, info := range infos {
		if info.LastSequence > archived {
			archived = info.LastSequence
		}
	}

	return &Archiver{
		log:      log,
		writer:   writer,
		segment:  options.SegmentEvents,
		period:   options.Period,
		schedule: options.Schedule,
		actor:    options.Actor,
		clock:    options.Clock,
		logger:   options.Logger,
		archived: archived,
	}, nil
}

// Run sweeps on the configured period, or at the cron schedule when
// one is set, until ctx is cancelled. Sweep failures are logged and
// retried on the next tick.
func (a *Archiver) Run(ctx context.Context) error {
	if a.schedule != nil {
		return a.runScheduled(ctx)
	}
	ticker := a.clock.NewTicker(a.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.ArchiveOnce(ctx); err != nil {
				a.logger.Error("audit archival sweep failed", "error", err)
			}
		}
	}
}

func (a *Archiver) runScheduled(ctx context.Context) error {
	for {
		now := a.clock.Now()
		next, err := a.schedule.Next(now)
		if err != nil {
			return fmt.Errorf("archive: computing next sweep: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.clock.After(next.Sub(now)):
			if _, err := a.ArchiveOnce(ctx); err != nil {
				a.logger.Error("audit archival sweep failed", "error", err)
			}
		}
	}
}

// ArchiveOnce writes every full segment available right now and
// returns what it wrote. Each written segment is recorded in the
// audit log itself; those records land in a later segment. The chain
// head is snapshotted at entry, bounding one sweep's work.
func (a *Archiver) ArchiveOnce(ctx context.Context) ([]SegmentInfo, error) {
	head, _ := a.log.Head()

	var written []SegmentInfo
	for a.archived+uint64(a.segment) <= head {
		events, err := a.log.Events(ctx, audit.Query{
			FromSequence: a.archived + 1,
			Limit:        a.segment,
		})
		if err != nil {
			return written, fmt.Errorf("archive: reading events from %d: %w", a.archived+1, err)
		}
		if len(events) < a.segment {
			return written, fmt.Errorf("archive: store returned %d events from %d, chain head is %d",
				len(events), a.archived+1, head)
		}

		info, err := a.writer.WriteSegment(ctx, events)
		if err != nil {
			return written, err
		}
		a.archived = info.LastSequence
		written = append(written, info)
		a.logger.Info("audit segment archived",
			"path", info.Path,
			"first_sequence", info.FirstSequence,
			"last_sequence", info.LastSequence,
			"size", info.Size)

		if _, err := a.log.Append(ctx, audit.Record{
			Actor:    a.actor,
			Action:   audit.ActionAuditArchive,
			Resource: "segment/" + filepath.Base(info.Path),
			Outcome:  audit.OutcomeSuccess,
			Metadata: map[string]string{
				"path":           info.Path,
				"first_sequence": strconv.FormatUint(info.FirstSequence, 10),
				"last_sequence":  strconv.FormatUint(info.LastSequence, 10),
				"count":          strconv.Itoa(info.Count),
				"compression":    info.Compression.String(),
			},
		}); err != nil {
			return written, fmt.Errorf("archive: recording segment: %w", err)
		}
	}
	return written, nil
}

// Archived returns the highest archived sequence.
func (a *Archiver) Archived() uint64 { return a.archived }
