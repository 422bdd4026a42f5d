// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"

	"github.com/bureau-foundation/steward/lib/archive"
	"github.com/bureau-foundation/steward/lib/audit"
	"github.com/bureau-foundation/steward/lib/budget"
	"github.com/bureau-foundation/steward/lib/clock"
	"github.com/bureau-foundation/steward/lib/config"
	"github.com/bureau-foundation/steward/lib/cron"
	"github.com/bureau-foundation/steward/lib/lifecycle"
	"github.com/bureau-foundation/steward/lib/reference"
	"github.com/bureau-foundation/steward/lib/service"
	"github.com/bureau-foundation/steward/lib/sqlitepool"
	"github.com/bureau-foundation/steward/lib/steward"
	"github.com/bureau-foundation/steward/lib/store"
	"github.com/bureau-foundation/steward/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		socketPath  string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "service configuration file (overrides STEWARD_CONFIG)")
	pflag.StringVar(&socketPath, "socket", "", "listen on this socket path instead of the configured one")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("steward-service %s\n", version.Info())
		return nil
	}

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if socketPath != "" {
		cfg.Socket = socketPath
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

// cachePurger is the slice of the reference cache stores the janitor
// needs.
type cachePurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	clk := clock.System()

	var (
		taskStore     lifecycle.TaskStore
		learningStore lifecycle.LearningStore
		auditStore    audit.Store
		budgetStore   budget.StateStore
		cacheStore    reference.CacheStore
		cachePurge    cachePurger
	)
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		refCache := store.NewMemoryReferenceCache()
		taskStore = store.NewMemoryTasks()
		learningStore = store.NewMemoryLearning()
		auditStore = store.NewMemoryAudit()
		budgetStore = store.NewMemoryBudget()
		cacheStore, cachePurge = refCache, refCache
		logger.Warn("using in-memory storage; nothing survives a restart")
	case config.BackendSQLite:
		pool, err := sqlitepool.Open(sqlitepool.Config{
			Path:     cfg.DatabasePath(),
			PoolSize: cfg.Storage.PoolSize,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		defer pool.Close()
		db, err := store.Open(ctx, store.Options{Pool: pool, Logger: logger})
		if err != nil {
			return err
		}
		refCache := db.ReferenceCache()
		taskStore = db.Tasks()
		learningStore = db.Learning()
		auditStore = db.Audit()
		budgetStore = db.Budget()
		cacheStore, cachePurge = refCache, refCache
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	// The audit writer starts before anything that appends; every
	// component below records through it. It stops last in shutdown so
	// final events still land.
	log := audit.New(auditStore, audit.Options{
		Clock:         clk,
		Logger:        logger,
		VerifyOnStart: cfg.Audit.VerifyOnStart,
	})
	auditCtx, stopAudit := context.WithCancel(context.Background())
	defer stopAudit()
	auditDone := make(chan error, 1)
	go func() { auditDone <- log.Run(auditCtx) }()

	ledger := budget.New(budget.Options{
		Clock:   clk,
		Logger:  logger,
		Auditor: log,
		Store:   budgetStore,
	})

	var manifest *config.Manifest
	if cfg.Manifest != "" {
		var err error
		manifest, err = config.LoadManifest(cfg.Manifest)
		if err != nil {
			return err
		}
	} else {
		manifest = &config.Manifest{}
		logger.Warn("no budget manifest configured; running with an unlimited global scope")
	}
	if err := ledger.Configure(ctx, manifest.Scopes); err != nil {
		return err
	}

	registry := reference.NewRegistry()
	cache := reference.NewCache(registry, reference.CacheOptions{
		Store:  cacheStore,
		Clock:  clk,
		Logger: logger,
	})
	resolver := reference.NewService(cache, reference.ServiceOptions{
		Auditor: log,
		Logger:  logger,
		Actor:   cfg.Actor,
	})

	manifests, err := newManifestState(cfg.Manifest, cfg.Actor, ledger, registry, cache, logger)
	if err != nil {
		return err
	}
	if err := manifests.install(manifest); err != nil {
		return err
	}

	var executor lifecycle.Executor
	submitDisabled := false
	if len(cfg.Executor.Command) > 0 {
		executor = &commandExecutor{
			argv:        cfg.Executor.Command,
			timeout:     cfg.Executor.Timeout.Duration(),
			gracePeriod: cfg.Executor.GracePeriod.Duration(),
			logger:      logger,
		}
	} else {
		executor = noExecutor{}
		submitDisabled = true
		logger.Warn("no executor command configured; task submission is disabled")
	}
	var reviewer lifecycle.Reviewer
	if len(cfg.Reviewer.Command) > 0 {
		reviewer = &commandReviewer{
			argv:        cfg.Reviewer.Command,
			timeout:     cfg.Reviewer.Timeout.Duration(),
			gracePeriod: cfg.Executor.GracePeriod.Duration(),
			logger:      logger,
		}
	} else {
		reviewer = acceptAllReviewer{source: cfg.Reviewer.Source}
	}

	machine, err := lifecycle.New(lifecycle.Options{
		Ledger:   ledger,
		Resolver: resolver,
		Auditor:  log,
		Tasks:    taskStore,
		Learning: learningStore,
		Executor: executor,
		Reviewer: reviewer,
		Judgment: manifest.Judgment,
		Retry: lifecycle.RetryPolicy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			BaseDelay:      cfg.Retry.BaseDelay.Duration(),
			MaxDelay:       cfg.Retry.MaxDelay.Duration(),
			JitterFraction: cfg.Retry.JitterFraction,
		},
		Clock:  clk,
		Logger: logger,
		Actor:  cfg.Actor,
	})
	if err != nil {
		return err
	}

	orchestrator, err := steward.New(steward.Options{
		Machine:    machine,
		Tasks:      taskStore,
		Workers:    cfg.Orchestrator.Workers,
		QueueDepth: cfg.Orchestrator.QueueDepth,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	compression, err := archive.ParseCompression(cfg.Audit.Compression)
	if err != nil {
		return err
	}

	var archiver *archive.Archiver
	if cfg.Audit.ArchivePeriod > 0 || cfg.Audit.ArchiveSchedule != "" {
		writerOptions := archive.WriterOptions{Compression: compression}
		if cfg.Audit.KeyFile != "" {
			keys, err := archive.LoadKeySet(cfg.Audit.KeyFile)
			if err != nil {
				return err
			}
			defer keys.Close()
			writerOptions.Keys = keys
		}
		writer, err := archive.NewWriter(cfg.ArchivePath(), writerOptions)
		if err != nil {
			return err
		}
		options := archive.ArchiverOptions{
			SegmentEvents: cfg.Audit.SegmentEvents,
			Period:        cfg.Audit.ArchivePeriod.Duration(),
			Actor:         cfg.Actor,
			Clock:         clk,
			Logger:        logger,
		}
		if cfg.Audit.ArchiveSchedule != "" {
			schedule, err := cron.Parse(cfg.Audit.ArchiveSchedule)
			if err != nil {
				return err
			}
			options.Schedule = &schedule
		}
		archiver, err = archive.NewArchiver(log, writer, options)
		if err != nil {
			return err
		}
	}

	stewardService := &StewardService{
		orchestrator:   orchestrator,
		ledger:         ledger,
		resolver:       resolver,
		log:            log,
		manifest:       manifests,
		exportDir:      filepath.Join(cfg.ArchivePath(), "exports"),
		compression:    compression,
		submitDisabled: submitDisabled,
		clock:          clk,
		startedAt:      clk.Now(),
		logger:         logger,
	}
	server := service.NewSocketServer(cfg.Socket, logger)
	stewardService.registerActions(server)

	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()
	group, groupCtx := errgroup.WithContext(workCtx)
	group.Go(func() error { return orchestrator.Run(groupCtx) })
	group.Go(func() error { return server.Serve(groupCtx) })
	if archiver != nil {
		group.Go(func() error { return archiver.Run(groupCtx) })
	}
	if interval := cfg.Reference.PurgeInterval.Duration(); interval > 0 {
		group.Go(func() error { return runCachePurge(groupCtx, cachePurge, clk, interval, logger) })
	}

	logger.Info("steward service running",
		"socket", cfg.Socket,
		"backend", string(cfg.Storage.Backend),
		"workers", cfg.Orchestrator.Workers,
		"scopes", len(manifest.Scopes),
		"references", len(manifest.References),
		"version", version.Info(),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		// Let running tasks finish inside the drain window before the
		// workers are cancelled.
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Orchestrator.DrainTimeout.Duration())
		if err := orchestrator.Drain(drainCtx); err != nil {
			logger.Warn("drain incomplete, cancelling remaining work", "error", err)
		}
		cancel()
	case <-groupCtx.Done():
		// A worker failed; skip the drain and collect the error below.
	case runErr = <-auditDone:
		// The audit writer exited on its own: startup verification
		// failed or the store died. Fatal either way.
		auditDone = nil
		if runErr == nil {
			runErr = errors.New("audit writer stopped unexpectedly")
		}
	}

	stopWork()
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && runErr == nil {
		runErr = err
	}

	// Stop the audit writer only after the workers are down so their
	// final transitions are recorded.
	stopAudit()
	if auditDone != nil {
		if err := <-auditDone; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("audit writer error at shutdown", "error", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("steward service stopped")
	return nil
}

// runCachePurge deletes expired reference-cache rows on the given
// interval until ctx is cancelled.
func runCachePurge(ctx context.Context, purge cachePurger, clk clock.Clock, interval time.Duration, logger *slog.Logger) error {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := purge.PurgeExpired(ctx, clk.Now())
			if err != nil {
				logger.Error("reference cache purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("reference cache purged", "removed", n)
			}
		}
	}
}

// buildLogger assembles the slog handler stack: text or json on
// stderr, plus the systemd journal when configured and the host runs
// systemd. A journal handler failure degrades to stderr-only rather
// than refusing to start.
func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	if cfg.Format == "json" {
		base = slog.NewJSONHandler(os.Stderr, options)
	} else {
		base = slog.NewTextHandler(os.Stderr, options)
	}

	if !cfg.Journal || !config.HasSystemd() {
		return slog.New(base), nil
	}
	journal, err := slogjournal.NewHandler(&slogjournal.Options{
		ReplaceGroup: journalKey,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			a.Key = journalKey(a.Key)
			return a
		},
	})
	if err != nil {
		logger := slog.New(base)
		logger.Warn("systemd journal handler unavailable", "error", err)
		return logger, nil
	}
	return slog.New(slogmulti.Fanout(base, journal)), nil
}

// journalKey maps an attribute key into the journal's field alphabet:
// uppercase A-Z, 0-9, and underscore.
func journalKey(key string) string {
	key = strings.ToUpper(key)
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, key)
}
