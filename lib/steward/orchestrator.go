// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package steward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/steward/lib/lifecycle"
)

var (
	// ErrBusy reports that the admission queue is full. The caller can
	// retry after running tasks settle.
	ErrBusy = errors.New("steward: admission queue full")

	// ErrDraining reports that the orchestrator has stopped intake.
	ErrDraining = errors.New("steward: orchestrator draining")
)

const (
	defaultWorkers    = 4
	defaultQueueDepth = 64
)

// Options configures an Orchestrator.
type Options struct {
	// Machine drives each task's lifecycle. Required.
	Machine *lifecycle.Machine

	// Tasks serves Status and List reads. Required; normally the same
	// store the machine writes through.
	Tasks lifecycle.TaskStore

	// Workers is the number of concurrent task runners. Defaults to 4.
	Workers int

	// QueueDepth bounds how many admitted tasks may wait for a worker.
	// Submissions beyond it fail with ErrBusy. Defaults to 64.
	QueueDepth int

	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Orchestrator owns the worker pool and the per-task cancel registry.
type Orchestrator struct {
	machine *lifecycle.Machine
	tasks   lifecycle.TaskStore
	logger  *slog.Logger
	workers int

	// queue carries admitted task IDs to the workers; slots is the
	// matching admission semaphore. A slot is held from Submit until a
	// worker dequeues the task, so the queue send in Submit can never
	// block.
	queue chan string
	slots chan struct{}

	started atomic.Bool

	mu       sync.Mutex
	active   map[string]context.CancelFunc
	draining bool
	inflight sync.WaitGroup
}

// New returns an Orchestrator. Call Run to start the workers; Submit
// works before Run, parking tasks until a worker exists.
func New(options Options) (*Orchestrator, error) {
	var missing []string
	if options.Machine == nil {
		missing = append(missing, "Machine")
	}
	if options.Tasks == nil {
		missing = append(missing, "Tasks")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("steward: missing required options: %v", missing)
	}
	if options.Workers <= 0 {
		options.Workers = defaultWorkers
	}
	if options.QueueDepth <= 0 {
		options.QueueDepth = defaultQueueDepth
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Orchestrator{
		machine: options.Machine,
		tasks:   options.Tasks,
		logger:  options.Logger,
		workers: options.Workers,
		queue:   make(chan string, options.QueueDepth),
		slots:   make(chan struct{}, options.QueueDepth),
		active:  make(map[string]context.CancelFunc),
	}, nil
}

// Run consumes the queue until ctx is cancelled. Only one Run per
// Orchestrator. Cancelling ctx stops the workers and cancels the run
// context of every task still executing; the machine finalizes those
// as aborted with their budget released, so a hard shutdown leaves no
// held reservations. For a soft stop, Drain first.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return errors.New("steward: Run called twice")
	}
	group, ctx := errgroup.WithContext(ctx)
	for i := range o.workers {
		group.Go(func() error {
			return o.worker(ctx, i)
		})
	}
	return group.Wait()
}

func (o *Orchestrator) worker(ctx context.Context, id int) error {
	logger := o.logger.With("worker", id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case taskID := <-o.queue:
			<-o.slots
			o.runTask(ctx, logger, taskID)
			o.inflight.Done()
		}
	}
}

func (o *Orchestrator) runTask(ctx context.Context, logger *slog.Logger, taskID string) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.active[taskID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, taskID)
		o.mu.Unlock()
	}()

	task, err := o.machine.Run(taskCtx, taskID)
	if err != nil {
		if errors.Is(err, lifecycle.ErrConcurrentModification) {
			// Someone finalized the task under us (an in-place cancel
			// that raced the dequeue). The machine already released
			// its holds.
			logger.Debug("task finalized concurrently", "task", taskID, "error", err)
			return
		}
		logger.Error("task run failed", "task", taskID, "error", err)
		return
	}
	logger.Debug("task finished", "task", taskID, "state", task.State)
}

// Submit admits a task: audited creation through the machine, then the
// queue. The returned task is already persisted as planned, and its
// creation event is already in the audit log. A full queue fails with
// ErrBusy before anything is created.
func (o *Orchestrator) Submit(ctx context.Context, request lifecycle.TaskRequest) (lifecycle.Task, error) {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return lifecycle.Task{}, ErrDraining
	}
	o.inflight.Add(1)
	o.mu.Unlock()

	select {
	case o.slots <- struct{}{}:
	default:
		o.inflight.Done()
		return lifecycle.Task{}, ErrBusy
	}
	task, err := o.machine.Create(ctx, request)
	if err != nil {
		<-o.slots
		o.inflight.Done()
		return lifecycle.Task{}, err
	}
	o.queue <- task.ID
	return task, nil
}

// Status returns the task as stored. A running task reads as whatever
// phase its last audited transition reached.
func (o *Orchestrator) Status(ctx context.Context, taskID string) (lifecycle.Task, error) {
	return o.tasks.GetTask(ctx, taskID)
}

// List returns stored tasks matching the filter.
func (o *Orchestrator) List(ctx context.Context, filter lifecycle.ListFilter) ([]lifecycle.Task, error) {
	return o.tasks.ListTasks(ctx, filter)
}

// Cancel stops a task. A queued or otherwise idle task finalizes in
// place through the machine, synchronously. A task currently on a
// worker has its run context cancelled instead and finalizes
// asynchronously; the returned snapshot is pre-finalization, and the
// caller observes the abort through Status. Terminal tasks are a
// no-op returning the task unchanged.
func (o *Orchestrator) Cancel(ctx context.Context, taskID, reason string) (lifecycle.Task, error) {
	o.mu.Lock()
	cancel, running := o.active[taskID]
	o.mu.Unlock()
	if running {
		cancel()
		return o.tasks.GetTask(ctx, taskID)
	}
	return o.machine.Cancel(ctx, taskID, reason)
}

// Drain stops intake and waits until every admitted task has been
// processed, or ctx expires. Workers keep running; pair Drain with
// cancelling Run's context to shut down completely.
func (o *Orchestrator) Drain(ctx context.Context) error {
	o.mu.Lock()
	o.draining = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
