// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/bureau-foundation/steward/lib/lifecycle"
)

// stderrTailLimit bounds how much subprocess stderr is carried into
// an error message and the audit trail behind it.
const stderrTailLimit = 2048

// commandExecutor runs the configured executor command once per
// execution attempt: ExecutionInput as JSON on stdin, ExecutionReport
// as JSON on stdout. A deadline overrun is transient (the machine
// retries with backoff); a non-zero exit is permanent and aborts the
// task with the stderr tail as the reason.
type commandExecutor struct {
	argv        []string
	timeout     time.Duration
	gracePeriod time.Duration
	logger      *slog.Logger
}

func (e *commandExecutor) Execute(ctx context.Context, input lifecycle.ExecutionInput) (lifecycle.ExecutionReport, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return lifecycle.ExecutionReport{}, fmt.Errorf("encoding execution input for %s: %w", input.Task.ID, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	started := time.Now()
	stdout, stderr, err := runCollaborator(runCtx, e.argv, payload, e.gracePeriod)
	if err != nil {
		if ctx.Err() != nil {
			// The task itself was cancelled or aborted; not our
			// deadline.
			return lifecycle.ExecutionReport{}, ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return lifecycle.ExecutionReport{}, fmt.Errorf("executor %s exceeded %s: %w", e.argv[0], e.timeout, lifecycle.ErrTimeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return lifecycle.ExecutionReport{}, fmt.Errorf("executor %s exited %d: %s", e.argv[0], exitErr.ExitCode(), tail(stderr))
		}
		return lifecycle.ExecutionReport{}, fmt.Errorf("starting executor %s: %v: %w", e.argv[0], err, lifecycle.ErrDependencyUnavailable)
	}

	var report lifecycle.ExecutionReport
	if err := json.Unmarshal(stdout, &report); err != nil {
		return lifecycle.ExecutionReport{}, fmt.Errorf("executor %s wrote a malformed report: %w", e.argv[0], err)
	}
	e.logger.Debug("executor finished",
		"task", input.Task.ID,
		"execution", report.ExecutionID,
		"duration", time.Since(started),
	)
	return report, nil
}

// commandReviewer is the same subprocess contract over review:
// ReviewInput as JSON on stdin, a JSON array of findings on stdout.
type commandReviewer struct {
	argv        []string
	timeout     time.Duration
	gracePeriod time.Duration
	logger      *slog.Logger
}

func (r *commandReviewer) Review(ctx context.Context, input lifecycle.ReviewInput) ([]lifecycle.ReviewFinding, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encoding review input for %s: %w", input.Task.ID, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stdout, stderr, err := runCollaborator(runCtx, r.argv, payload, r.gracePeriod)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("reviewer %s exceeded %s: %w", r.argv[0], r.timeout, lifecycle.ErrTimeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("reviewer %s exited %d: %s", r.argv[0], exitErr.ExitCode(), tail(stderr))
		}
		return nil, fmt.Errorf("starting reviewer %s: %v: %w", r.argv[0], err, lifecycle.ErrDependencyUnavailable)
	}

	var findings []lifecycle.ReviewFinding
	if err := json.Unmarshal(stdout, &findings); err != nil {
		return nil, fmt.Errorf("reviewer %s wrote malformed findings: %w", r.argv[0], err)
	}
	return findings, nil
}

// acceptAllReviewer is the built-in reviewer used when no reviewer
// command is configured: every execution gets a single full-confidence
// accept. Useful for deployments where review happens out of band.
type acceptAllReviewer struct {
	source string
}

func (r acceptAllReviewer) Review(ctx context.Context, input lifecycle.ReviewInput) ([]lifecycle.ReviewFinding, error) {
	return []lifecycle.ReviewFinding{{
		Source:     r.source,
		Verdict:    lifecycle.VerdictAccept,
		Confidence: 1,
		Note:       "no reviewer command configured",
	}}, nil
}

// noExecutor backs the machine when no executor command is
// configured. Submission is refused at the socket before any task is
// created, so this only fires for tasks that somehow reach execution
// anyway, and it fails them transiently rather than inventing work.
type noExecutor struct{}

func (noExecutor) Execute(ctx context.Context, input lifecycle.ExecutionInput) (lifecycle.ExecutionReport, error) {
	return lifecycle.ExecutionReport{}, fmt.Errorf("no executor command configured: %w", lifecycle.ErrDependencyUnavailable)
}

// runCollaborator runs argv with stdin on its stdin, in its own
// process group so cancellation reaches the command's children.
// Cancellation SIGTERMs the group first and escalates to SIGKILL
// after the grace period; a zero grace period SIGKILLs immediately.
func runCollaborator(ctx context.Context, argv []string, stdin []byte, gracePeriod time.Duration) (stdout, stderr []byte, err error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(stdin)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if gracePeriod > 0 {
		cmd.Cancel = func() error {
			group := -cmd.Process.Pid
			if err := syscall.Kill(group, syscall.SIGTERM); err != nil {
				// The group is already gone or never signalable;
				// escalate immediately.
				return syscall.Kill(group, syscall.SIGKILL)
			}
			go func() {
				time.Sleep(gracePeriod)
				// ESRCH from an exited group is harmless.
				_ = syscall.Kill(group, syscall.SIGKILL)
			}()
			return nil
		}
	} else {
		cmd.Cancel = func() error {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}

	err = cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// tail returns the trimmed last stderrTailLimit bytes of subprocess
// stderr, or a placeholder when the command said nothing.
func tail(stderr []byte) string {
	trimmed := bytes.TrimSpace(stderr)
	if len(trimmed) == 0 {
		return "(no stderr)"
	}
	if len(trimmed) > stderrTailLimit {
		trimmed = trimmed[len(trimmed)-stderrTailLimit:]
	}
	return string(trimmed)
}
