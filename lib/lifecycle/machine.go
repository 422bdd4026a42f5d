// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/bureau-foundation/steward/lib/audit"
	"github.com/bureau-foundation/steward/lib/budget"
	"github.com/bureau-foundation/steward/lib/clock"
	"github.com/bureau-foundation/steward/lib/ident"
	"github.com/bureau-foundation/steward/lib/reference"
	"github.com/bureau-foundation/steward/lib/scope"
)

// persistAttempts bounds compare-and-set retries on the task store.
const persistAttempts = 3

// Auditor is the slice of the audit log the machine needs.
type Auditor interface {
	Append(ctx context.Context, record audit.Record) (audit.Event, error)
}

// Options configure a Machine. Ledger, Auditor, Tasks, Learning,
// Executor, and Reviewer are required; the rest default as noted.
type Options struct {
	// Ledger grants, settles, and releases the budget every task
	// runs under.
	Ledger *budget.Ledger

	// Resolver expands the task's declared reference tokens before
	// execution. Nil is allowed when no task declares references; a
	// task that does declare them is rejected without one.
	Resolver *reference.Service

	// Auditor records every transition before it becomes visible.
	Auditor Auditor

	// Tasks persists task state under compare-and-set.
	Tasks TaskStore

	// Learning persists the signals of accepted executions.
	Learning LearningStore

	// Executor performs the work.
	Executor Executor

	// Reviewer produces findings on completed work.
	Reviewer Reviewer

	// Judgment tunes the review consensus.
	Judgment JudgmentConfig

	// Retry bounds transient-failure backoff. Zero fields take
	// DefaultRetryPolicy values.
	Retry RetryPolicy

	// Clock drives retry backoff and timestamps. Defaults to
	// clock.System().
	Clock clock.Clock

	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Actor is the audit actor for task events. Defaults to
	// "lifecycle".
	Actor string
}

// Machine drives tasks through their lifecycle. Safe for concurrent
// use across distinct tasks; a single task must only ever be driven
// by one Run call at a time (the orchestrator's per-task sequential
// guarantee).
type Machine struct {
	ledger   *budget.Ledger
	resolver *reference.Service
	auditor  Auditor
	tasks    TaskStore
	learning LearningStore
	executor Executor
	reviewer Reviewer
	judgment JudgmentConfig
	retry    RetryPolicy
	clock    clock.Clock
	logger   *slog.Logger
	actor    string
}

// New validates the collaborator set and returns a Machine.
func New(options Options) (*Machine, error) {
	var missing []string
	if options.Ledger == nil {
		missing = append(missing, "Ledger")
	}
	if options.Auditor == nil {
		missing = append(missing, "Auditor")
	}
	if options.Tasks == nil {
		missing = append(missing, "Tasks")
	}
	if options.Learning == nil {
		missing = append(missing, "Learning")
	}
	if options.Executor == nil {
		missing = append(missing, "Executor")
	}
	if options.Reviewer == nil {
		missing = append(missing, "Reviewer")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("lifecycle: missing required options: %v", missing)
	}
	if options.Clock == nil {
		options.Clock = clock.System()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Actor == "" {
		options.Actor = "lifecycle"
	}
	if options.Judgment.MaxReworks <= 0 {
		options.Judgment.MaxReworks = 1
	}
	return &Machine{
		ledger:   options.Ledger,
		resolver: options.Resolver,
		auditor:  options.Auditor,
		tasks:    options.Tasks,
		learning: options.Learning,
		executor: options.Executor,
		reviewer: options.Reviewer,
		judgment: options.Judgment,
		retry:    options.Retry.withDefaults(),
		clock:    options.Clock,
		logger:   options.Logger,
		actor:    options.Actor,
	}, nil
}

// Create validates the request, mints the task, audits its creation,
// and persists it in the planned state. The task is not scheduled;
// callers hand the identifier to Run (directly or via the
// orchestrator).
func (m *Machine) Create(ctx context.Context, req TaskRequest) (Task, error) {
	if err := req.Validate(); err != nil {
		return Task{}, err
	}
	now := m.clock.Now().UTC()
	task := Task{
		ID:         ident.Unique("tsk", req.Scope.String(), req.Goal),
		Goal:       req.Goal,
		Scope:      req.Scope,
		Estimate:   req.Estimate,
		State:      StatePlanned,
		References: slices.Clone(req.References),
		Subtasks:   slices.Clone(req.Subtasks),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	metadata := map[string]string{
		"state": string(StatePlanned),
		"scope": req.Scope.String(),
	}
	amountMetadata(metadata, "estimate", req.Estimate)
	record := audit.Record{
		Actor:    m.actor,
		Action:   audit.ActionTaskPlan,
		Resource: taskResource(task.ID),
		Outcome:  audit.OutcomeSuccess,
		Metadata: metadata,
	}
	if _, err := m.auditor.Append(ctx, record); err != nil {
		return Task{}, fmt.Errorf("lifecycle: audit create for %s: %w", task.ID, err)
	}
	stored, err := m.tasks.PutTask(ctx, task)
	if err != nil {
		return Task{}, fmt.Errorf("lifecycle: store task %s: %w", task.ID, err)
	}
	return stored, nil
}

// frame carries the in-session products of earlier phases: resolved
// references, subtask grants, the execution report, and the judgment.
// None of it is persisted; a crashed task resumes only from planned.
// spent accumulates the cost of every completed execution round, so
// settlement after a rework covers the earlier rounds too.
type frame struct {
	task     Task
	taskPath scope.Path
	resolved map[string]reference.Resolution
	grants   map[string]string
	report   *ExecutionReport
	findings []ReviewFinding
	judgment Judgment
	spent    budget.Amount
}

// Run drives the task from planned to a terminal state and returns
// the terminal task. A task found terminal returns as-is; any other
// non-planned state is not resumable (in-session phase products are
// gone) and errors. Context cancellation releases held budget and
// finalizes the task as aborted with a cancelled audit outcome.
func (m *Machine) Run(ctx context.Context, taskID string) (Task, error) {
	task, err := m.tasks.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if task.State.Terminal() {
		return task, nil
	}
	if task.State != StatePlanned {
		return task, fmt.Errorf("lifecycle: task %s is %s, not resumable: %w", task.ID, task.State, ErrValidationFailed)
	}
	taskPath, err := task.TaskPath()
	if err != nil {
		return task, fmt.Errorf("lifecycle: task scope for %s: %w", task.ID, err)
	}
	f := &frame{task: task, taskPath: taskPath}
	for !f.task.State.Terminal() {
		if ctx.Err() != nil {
			return m.finalizeCancelled(ctx, f, "run cancelled")
		}
		state := f.task.State
		var err error
		switch state {
		case StatePlanned:
			err = m.plan(ctx, f)
		case StateExecuting:
			err = m.execute(ctx, f)
		case StateUnderReview:
			err = m.review(ctx, f)
		case StateJudged:
			err = m.decide(ctx, f)
		case StateLearning:
			err = m.learn(ctx, f)
		default:
			err = fmt.Errorf("lifecycle: task %s in unexpected state %s", f.task.ID, state)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return m.finalizeCancelled(ctx, f, "cancelled during "+string(state))
			}
			return f.task, err
		}
	}
	return f.task, nil
}

// Cancel finalizes a non-running task: held budget is released, the
// cancellation is audited, and the task lands in aborted. Cancelling
// a terminal task is a no-op returning the task unchanged. Tasks
// currently on a worker are cancelled through their run context
// instead; Run's own finalization takes this same path.
func (m *Machine) Cancel(ctx context.Context, taskID, reason string) (Task, error) {
	task, err := m.tasks.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if task.State.Terminal() {
		return task, nil
	}
	taskPath, err := task.TaskPath()
	if err != nil {
		return task, fmt.Errorf("lifecycle: task scope for %s: %w", task.ID, err)
	}
	f := &frame{task: task, taskPath: taskPath}
	if reason == "" {
		reason = "cancelled"
	}
	return m.finalizeCancelled(ctx, f, reason)
}

// finalizeCancelled returns the frame's budget to the ledger and
// moves the task to aborted with a cancelled audit outcome. Spend
// from completed execution rounds settles; everything else releases.
// Cleanup runs on a detached context: cancellation is what brought
// us here.
func (m *Machine) finalizeCancelled(ctx context.Context, f *frame, reason string) (Task, error) {
	cleanup := context.WithoutCancel(ctx)
	m.unwind(cleanup, f)
	f.task.Result = &Outcome{ActualCost: f.spent, Summary: reason}
	err := m.transition(cleanup, f, StateAborted, audit.ActionTaskCancel, audit.OutcomeCancelled, map[string]string{
		"reason": reason,
	})
	return f.task, err
}

// plan resolves the task's references and asks the ledger for its
// estimate. Approval opens the funded task scope and moves to
// executing; denials map to the terminal state the rejecting scope's
// policy calls for.
func (m *Machine) plan(ctx context.Context, f *frame) error {
	task := &f.task
	if len(task.References) > 0 {
		if m.resolver == nil {
			task.Result = &Outcome{Summary: "task declares references but no resolver is configured"}
			return m.transition(ctx, f, StateRejected, audit.ActionTaskReject, audit.OutcomeFailure, map[string]string{
				"reason": "no resolver",
			})
		}
		result, err := m.resolver.Resolve(ctx, task.References)
		if err != nil {
			return fmt.Errorf("lifecycle: resolve references for %s: %w", task.ID, err)
		}
		if len(result.Failed) > 0 {
			failed := slices.Sorted(maps.Keys(result.Failed))
			task.Result = &Outcome{Summary: "unresolvable references: " + strings.Join(failed, ", ")}
			return m.transition(ctx, f, StateRejected, audit.ActionTaskReject, audit.OutcomeFailure, map[string]string{
				"reason":     "unresolvable references",
				"references": strings.Join(failed, ","),
			})
		}
		f.resolved = result.Resolved
	}

	decision, err := m.ledger.Enforce(ctx, budget.ReserveRequest{
		Path:   f.taskPath,
		Owner:  task.ID,
		Amount: task.Estimate,
	})
	if err != nil {
		if budgetRejection(err) {
			task.Result = &Outcome{Summary: "budget rejected plan: " + err.Error()}
			return m.transition(ctx, f, StateRejected, audit.ActionTaskReject, audit.OutcomeDenied, map[string]string{
				"reason": err.Error(),
			})
		}
		return fmt.Errorf("lifecycle: enforce plan for %s: %w", task.ID, err)
	}
	if !decision.Approved {
		return m.denyPlan(ctx, f, decision)
	}

	task.Reservation = decision.ReservationID
	task.Attempt++
	// The task scope is a fixed pot carved from the estimate; grants
	// that do not fit should deny immediately, not queue against it.
	if err := m.ledger.OpenScope(ctx, budget.OpenScopeRequest{
		Path:         f.taskPath,
		Owner:        task.ID,
		Total:        task.Estimate,
		StopOnExceed: true,
		FundedBy:     decision.ReservationID,
	}); err != nil {
		m.releaseReservation(context.WithoutCancel(ctx), task)
		return fmt.Errorf("lifecycle: open task scope %s: %w", f.taskPath, err)
	}
	metadata := map[string]string{"reservation": decision.ReservationID}
	amountMetadata(metadata, "remaining", decision.Remaining)
	if err := m.transition(ctx, f, StateExecuting, audit.ActionTaskExecute, audit.OutcomeSuccess, metadata); err != nil {
		m.releaseAll(context.WithoutCancel(ctx), f)
		return err
	}
	return nil
}

// denyPlan maps an enforcement denial to the terminal state its
// policy implies: block and queue failures reject, delegate rejects
// with the routing hint surfaced, escalation outcomes escalate.
func (m *Machine) denyPlan(ctx context.Context, f *frame, decision budget.Decision) error {
	metadata := map[string]string{"reason": string(decision.Reason)}
	amountMetadata(metadata, "remaining", decision.Remaining)
	switch decision.Reason {
	case budget.ReasonInsufficientBudget, budget.ReasonQueueTimeout, budget.ReasonQueueFull:
		f.task.Result = &Outcome{Summary: "budget denied: " + string(decision.Reason)}
		return m.transition(ctx, f, StateRejected, audit.ActionTaskReject, audit.OutcomeDenied, metadata)
	case budget.ReasonDelegated:
		metadata["routing_hint"] = decision.RoutingHint
		f.task.Result = &Outcome{
			Summary:     "delegated to " + decision.RoutingHint,
			RoutingHint: decision.RoutingHint,
		}
		return m.transition(ctx, f, StateRejected, audit.ActionTaskReject, audit.OutcomeDenied, metadata)
	case budget.ReasonEscalationDenied, budget.ReasonEscalationTimeout:
		f.task.Result = &Outcome{Summary: "escalation unresolved: " + string(decision.Reason)}
		return m.transition(ctx, f, StateEscalated, audit.ActionTaskEscalate, audit.OutcomeDenied, metadata)
	}
	return fmt.Errorf("lifecycle: unhandled denial reason %q for task %s", decision.Reason, f.task.ID)
}

// execute grants the pre-declared subtasks against the funded task
// scope, runs the executor, and settles subtask actuals. Transient
// executor failures release everything and re-enter planned through
// the retry policy; permanent ones abort.
func (m *Machine) execute(ctx context.Context, f *frame) error {
	task := &f.task
	f.grants = map[string]string{}
	for _, spec := range task.Subtasks {
		path, err := spec.path(f.taskPath)
		if err != nil {
			return fmt.Errorf("lifecycle: subtask scope for %s/%s: %w", task.ID, spec.Name, err)
		}
		decision, err := m.ledger.Enforce(ctx, budget.ReserveRequest{
			Path:   path,
			Owner:  task.ID + "/" + spec.Name,
			Amount: spec.Estimate,
		})
		if err != nil {
			m.unwind(context.WithoutCancel(ctx), f)
			return fmt.Errorf("lifecycle: enforce subtask %s/%s: %w", task.ID, spec.Name, err)
		}
		if !decision.Approved {
			m.unwind(context.WithoutCancel(ctx), f)
			task.Result = &Outcome{ActualCost: f.spent, Summary: fmt.Sprintf("subtask %q denied: %s", spec.Name, decision.Reason)}
			metadata := map[string]string{
				"subtask": spec.Name,
				"reason":  string(decision.Reason),
			}
			amountMetadata(metadata, "remaining", decision.Remaining)
			return m.transition(ctx, f, StateAborted, audit.ActionTaskAbort, audit.OutcomeFailure, metadata)
		}
		f.grants[spec.Name] = decision.ReservationID
	}

	report, err := m.executor.Execute(ctx, ExecutionInput{
		Task:          *task,
		Resolved:      f.resolved,
		SubtaskGrants: maps.Clone(f.grants),
	})
	if err == nil {
		err = report.Validate()
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if IsTransient(err) {
			return m.retryExecution(ctx, f, err)
		}
		m.unwind(context.WithoutCancel(ctx), f)
		task.Result = &Outcome{ActualCost: f.spent, Summary: err.Error()}
		return m.transition(ctx, f, StateAborted, audit.ActionTaskAbort, audit.OutcomeFailure, map[string]string{
			"error": err.Error(),
		})
	}
	f.report = &report

	for _, name := range slices.Sorted(maps.Keys(f.grants)) {
		actual, ok := report.SubtaskCosts[name]
		if !ok {
			actual = subtaskEstimate(task.Subtasks, name)
		}
		if err := m.ledger.Commit(ctx, f.grants[name], actual); err != nil {
			return fmt.Errorf("lifecycle: commit subtask %s/%s: %w", task.ID, name, err)
		}
		delete(f.grants, name)
	}
	f.spent = f.spent.Add(report.Cost)

	metadata := map[string]string{"execution_id": report.ExecutionID}
	amountMetadata(metadata, "cost", report.Cost)
	return m.transition(ctx, f, StateUnderReview, audit.ActionTaskReview, audit.OutcomeSuccess, metadata)
}

// retryExecution handles a transient execution failure: release the
// budget, audit the retry, re-enter planned, and wait out the
// backoff. Exhausted attempts abort instead, settling any spend left
// from completed rounds.
func (m *Machine) retryExecution(ctx context.Context, f *frame, cause error) error {
	task := &f.task
	if task.Attempt >= m.retry.MaxAttempts {
		m.unwind(context.WithoutCancel(ctx), f)
		task.Result = &Outcome{ActualCost: f.spent, Summary: fmt.Sprintf("retries exhausted after %d attempts: %v", task.Attempt, cause)}
		return m.transition(ctx, f, StateAborted, audit.ActionTaskAbort, audit.OutcomeFailure, map[string]string{
			"error":    cause.Error(),
			"attempts": strconv.Itoa(task.Attempt),
		})
	}
	m.releaseAll(context.WithoutCancel(ctx), f)
	f.resolved = nil
	delay := m.retry.Delay(task.Attempt)
	if err := m.transition(ctx, f, StatePlanned, audit.ActionTaskRetry, audit.OutcomeFailure, map[string]string{
		"error":    cause.Error(),
		"delay_ms": strconv.FormatInt(delay.Milliseconds(), 10),
	}); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.clock.After(delay):
	}
	return nil
}

// review collects findings and renders the judgment. Reviewer calls
// retry in place on transient failures; re-entering planned would
// discard a finished execution whose cost is already committed.
func (m *Machine) review(ctx context.Context, f *frame) error {
	task := &f.task
	if f.report == nil {
		return fmt.Errorf("lifecycle: task %s under review without an execution report", task.ID)
	}
	var findings []ReviewFinding
	err := m.retryCall(ctx, task.ID, "review", func() error {
		var reviewErr error
		findings, reviewErr = m.reviewer.Review(ctx, ReviewInput{Task: *task, Report: *f.report})
		return reviewErr
	})
	if err == nil {
		f.findings = findings
		f.judgment, err = Judge(findings, m.judgment)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		m.settleCommitted(context.WithoutCancel(ctx), f)
		task.Result = &Outcome{ActualCost: f.spent, Summary: "review failed: " + err.Error()}
		return m.transition(ctx, f, StateAborted, audit.ActionTaskAbort, audit.OutcomeFailure, map[string]string{
			"error": err.Error(),
		})
	}
	return m.transition(ctx, f, StateJudged, audit.ActionTaskJudge, audit.OutcomeSuccess, map[string]string{
		"verdict":    string(f.judgment.Verdict),
		"confidence": formatConfidence(f.judgment.Confidence),
		"findings":   strconv.Itoa(len(f.findings)),
	})
}

// decide routes the judged task: accept proceeds to learning, reject
// reworks while budget for reworks remains and otherwise rejects,
// escalate hands off to a human.
func (m *Machine) decide(ctx context.Context, f *frame) error {
	task := &f.task
	metadata := map[string]string{
		"verdict":    string(f.judgment.Verdict),
		"confidence": formatConfidence(f.judgment.Confidence),
	}
	switch f.judgment.Verdict {
	case VerdictAccept:
		return m.transition(ctx, f, StateLearning, audit.ActionTaskLearn, audit.OutcomeSuccess, metadata)
	case VerdictReject:
		if task.Reworks < m.judgment.MaxReworks {
			task.Reworks++
			f.report = nil
			f.findings = nil
			f.judgment = Judgment{}
			metadata["rework"] = strconv.Itoa(task.Reworks)
			return m.transition(ctx, f, StateExecuting, audit.ActionTaskExecute, audit.OutcomeSuccess, metadata)
		}
		m.settleCommitted(context.WithoutCancel(ctx), f)
		task.Result = &Outcome{
			Verdict:    VerdictReject,
			Confidence: f.judgment.Confidence,
			ActualCost: f.spent,
			Summary:    "rejected by review consensus",
		}
		return m.transition(ctx, f, StateRejected, audit.ActionTaskReject, audit.OutcomeDenied, metadata)
	case VerdictEscalate:
		m.settleCommitted(context.WithoutCancel(ctx), f)
		task.Result = &Outcome{
			Verdict:    VerdictEscalate,
			Confidence: f.judgment.Confidence,
			ActualCost: f.spent,
			Summary:    "escalated by review consensus",
		}
		return m.transition(ctx, f, StateEscalated, audit.ActionTaskEscalate, audit.OutcomeDenied, metadata)
	}
	return fmt.Errorf("lifecycle: unhandled verdict %q for task %s", f.judgment.Verdict, task.ID)
}

// learn derives the execution's signals and upserts them (replays
// change nothing at the store), then governs.
func (m *Machine) learn(ctx context.Context, f *frame) error {
	task := &f.task
	signals := deriveSignals(*task, f.report.ExecutionID, f.spent, f.judgment, f.findings, m.clock.Now().UTC())
	inserted := 0
	for _, signal := range signals {
		err := m.retryCall(ctx, task.ID, "learning", func() error {
			ok, putErr := m.learning.PutSignal(ctx, signal)
			if putErr == nil && ok {
				inserted++
			}
			return putErr
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			m.settleCommitted(context.WithoutCancel(ctx), f)
			task.Result = &Outcome{ActualCost: f.spent, Summary: "learning store failed: " + err.Error()}
			return m.transition(ctx, f, StateAborted, audit.ActionTaskAbort, audit.OutcomeFailure, map[string]string{
				"error": err.Error(),
			})
		}
	}
	return m.govern(ctx, f, inserted)
}

// govern settles the task reservation at the cumulative actual cost,
// closes the funded scope, and freezes the task with its outcome.
func (m *Machine) govern(ctx context.Context, f *frame, inserted int) error {
	task := &f.task
	actual := f.spent
	if err := m.ledger.CloseScope(ctx, f.taskPath); err != nil && !errors.Is(err, budget.ErrUnknownScope) {
		return fmt.Errorf("lifecycle: close task scope %s: %w", f.taskPath, err)
	}
	if err := m.ledger.Commit(ctx, task.Reservation, actual); err != nil {
		switch {
		case errors.Is(err, budget.ErrUnknownReservation):
			// Already settled by an earlier partial govern.
			m.logger.Warn("task reservation already settled", "task", task.ID, "reservation", task.Reservation)
		case errors.Is(err, budget.ErrInsufficientBudget):
			m.releaseReservation(ctx, task)
			task.Result = &Outcome{Summary: "actual cost exceeds scope capacity: " + err.Error()}
			return m.transition(ctx, f, StateAborted, audit.ActionTaskAbort, audit.OutcomeFailure, map[string]string{
				"error": err.Error(),
			})
		default:
			return fmt.Errorf("lifecycle: commit task %s reservation: %w", task.ID, err)
		}
	}
	task.Reservation = ""
	task.Result = &Outcome{
		Verdict:    f.judgment.Verdict,
		Confidence: f.judgment.Confidence,
		ActualCost: actual,
	}
	metadata := map[string]string{
		"verdict":          string(f.judgment.Verdict),
		"confidence":       formatConfidence(f.judgment.Confidence),
		"signals_inserted": strconv.Itoa(inserted),
	}
	amountMetadata(metadata, "actual", actual)
	return m.transition(ctx, f, StateGoverned, audit.ActionTaskGovern, audit.OutcomeSuccess, metadata)
}

// transition audits the step and then persists the new state: the
// write-ahead discipline in one place. Field changes (reservation,
// attempt, outcome) are staged on the frame's task before the call;
// the state itself changes here.
func (m *Machine) transition(ctx context.Context, f *frame, to State, action audit.Action, outcome audit.Outcome, metadata map[string]string) error {
	from := f.task.State
	if !CanTransition(from, to) {
		return fmt.Errorf("lifecycle: illegal transition %s → %s for task %s", from, to, f.task.ID)
	}
	md := map[string]string{
		"from":    string(from),
		"to":      string(to),
		"attempt": strconv.Itoa(f.task.Attempt),
	}
	maps.Copy(md, metadata)
	record := audit.Record{
		Actor:    m.actor,
		Action:   action,
		Resource: taskResource(f.task.ID),
		Outcome:  outcome,
		Metadata: md,
	}
	if _, err := m.auditor.Append(ctx, record); err != nil {
		return fmt.Errorf("lifecycle: audit %s for task %s: %w", action, f.task.ID, err)
	}
	task := f.task
	task.State = to
	task.UpdatedAt = m.clock.Now().UTC()
	stored, err := m.persist(ctx, task)
	if err != nil {
		return err
	}
	f.task = stored
	return nil
}

// persist writes through the compare-and-set store, reloading and
// retrying a bounded number of times when another writer got there
// first. A task finalized concurrently stops the retry: the machine
// must not overwrite a terminal state.
func (m *Machine) persist(ctx context.Context, task Task) (Task, error) {
	for attempt := 1; ; attempt++ {
		stored, err := m.tasks.PutTask(ctx, task)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, ErrConcurrentModification) || attempt >= persistAttempts {
			return Task{}, fmt.Errorf("lifecycle: store task %s: %w", task.ID, err)
		}
		current, getErr := m.tasks.GetTask(ctx, task.ID)
		if getErr != nil {
			return Task{}, fmt.Errorf("lifecycle: reload task %s: %w", task.ID, getErr)
		}
		if current.State.Terminal() {
			return Task{}, fmt.Errorf("lifecycle: task %s was finalized concurrently as %s: %w", task.ID, current.State, ErrConcurrentModification)
		}
		task.Version = current.Version
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-m.clock.After(m.retry.Delay(attempt)):
		}
	}
}

// retryCall runs fn with in-place backoff on transient failures,
// auditing each retry. The task's state does not change; this is for
// phase work that must not be re-planned, like review and learning.
func (m *Machine) retryCall(ctx context.Context, taskID, phase string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if !IsTransient(err) || attempt >= m.retry.MaxAttempts {
			return err
		}
		delay := m.retry.Delay(attempt)
		record := audit.Record{
			Actor:    m.actor,
			Action:   audit.ActionTaskRetry,
			Resource: taskResource(taskID),
			Outcome:  audit.OutcomeFailure,
			Metadata: map[string]string{
				"phase":    phase,
				"attempt":  strconv.Itoa(attempt),
				"delay_ms": strconv.FormatInt(delay.Milliseconds(), 10),
				"error":    err.Error(),
			},
		}
		if _, auditErr := m.auditor.Append(ctx, record); auditErr != nil {
			return fmt.Errorf("lifecycle: audit retry for task %s: %w", taskID, auditErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(delay):
		}
	}
}

// releaseAll returns everything the frame holds to the ledger:
// subtask grants first, then the funded scope, then the task
// reservation. That order matters: the scope cannot close while
// grants are active, and the reservation cannot settle while the
// scope is open. Best-effort; cleanup paths log rather than fail.
func (m *Machine) releaseAll(ctx context.Context, f *frame) {
	m.releaseGrants(ctx, f)
	m.closeTaskScope(ctx, f)
	m.releaseReservation(ctx, &f.task)
}

// releaseGrants cancels every active subtask grant.
func (m *Machine) releaseGrants(ctx context.Context, f *frame) {
	for _, name := range slices.Sorted(maps.Keys(f.grants)) {
		if _, err := m.ledger.Release(ctx, f.grants[name]); err != nil {
			m.logger.Warn("subtask release failed", "task", f.task.ID, "subtask", name, "error", err)
		}
	}
	clear(f.grants)
}

// closeTaskScope closes the funded task scope, tolerating a scope
// that was never opened or is already gone.
func (m *Machine) closeTaskScope(ctx context.Context, f *frame) {
	if err := m.ledger.CloseScope(ctx, f.taskPath); err != nil && !errors.Is(err, budget.ErrUnknownScope) {
		m.logger.Warn("task scope close failed", "task", f.task.ID, "scope", f.taskPath.String(), "error", err)
	}
}

// releaseReservation returns the task's own hold, if any.
func (m *Machine) releaseReservation(ctx context.Context, task *Task) {
	if task.Reservation == "" {
		return
	}
	if _, err := m.ledger.Release(ctx, task.Reservation); err != nil {
		m.logger.Warn("task release failed", "task", task.ID, "reservation", task.Reservation, "error", err)
	}
	task.Reservation = ""
}

// unwind returns the frame's budget: grants always release, and the
// task reservation settles at the cumulative spend when there is any,
// releasing otherwise.
func (m *Machine) unwind(ctx context.Context, f *frame) {
	m.releaseGrants(ctx, f)
	m.settleCommitted(ctx, f)
}

// settleCommitted settles a task whose execution rounds incurred real
// spend: the funded scope closes and the reservation commits at the
// cumulative cost, so the spend stays on the books even when the task
// does not reach governed. With nothing spent the reservation simply
// releases. Best-effort on abort paths.
func (m *Machine) settleCommitted(ctx context.Context, f *frame) {
	m.closeTaskScope(ctx, f)
	if f.task.Reservation == "" {
		return
	}
	if f.spent.IsZero() {
		m.releaseReservation(ctx, &f.task)
		return
	}
	if err := m.ledger.Commit(ctx, f.task.Reservation, f.spent); err != nil {
		m.logger.Warn("task settlement commit failed", "task", f.task.ID, "reservation", f.task.Reservation, "error", err)
		m.releaseReservation(ctx, &f.task)
		return
	}
	f.task.Reservation = ""
}

// budgetRejection reports whether err is a ledger answer about this
// request (reject the task) rather than an infrastructure failure
// (surface the error).
func budgetRejection(err error) bool {
	return errors.Is(err, budget.ErrUnknownScope) ||
		errors.Is(err, budget.ErrReservationActive) ||
		errors.Is(err, budget.ErrInsufficientBudget) ||
		errors.Is(err, budget.ErrQueueTimeout)
}

// subtaskEstimate returns the declared estimate for name; a granted
// subtask missing from the report settles at its full grant.
func subtaskEstimate(specs []SubtaskSpec, name string) budget.Amount {
	for _, spec := range specs {
		if spec.Name == name {
			return spec.Estimate
		}
	}
	return budget.Amount{}
}

func taskResource(id string) string { return "task/" + id }

// amountMetadata writes amount components under prefixed keys,
// omitting the currency component when zero.
func amountMetadata(metadata map[string]string, prefix string, amount budget.Amount) {
	metadata[prefix+"_tokens"] = strconv.FormatInt(amount.Tokens, 10)
	if amount.CurrencyMicros != 0 {
		metadata[prefix+"_currency_micros"] = strconv.FormatInt(amount.CurrencyMicros, 10)
	}
}
