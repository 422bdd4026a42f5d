// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package budget_test

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/bureau-foundation/steward/lib/audit"
	"github.com/bureau-foundation/steward/lib/budget"
	"github.com/bureau-foundation/steward/lib/scope"
)

// auditRecorder is an in-test Auditor: it retains appended records
// and can be switched into a failing mode to exercise revert paths.
type auditRecorder struct {
	mu       sync.Mutex
	fail     bool
	sequence uint64
	records  []audit.Record
}

func (a *auditRecorder) Append(ctx context.Context, record audit.Record) (audit.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return audit.Event{}, errors.New("audit unavailable")
	}
	a.sequence++
	a.records = append(a.records, record)
	return audit.Event{
		Sequence: a.sequence,
		Actor:    record.Actor,
		Action:   record.Action,
		Resource: record.Resource,
		Outcome:  record.Outcome,
		Metadata: record.Metadata,
	}, nil
}

func (a *auditRecorder) setFail(fail bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail = fail
}

func (a *auditRecorder) actions() []audit.Action {
	actions := make([]audit.Action, 0, len(a.records))
	for _, record := range a.snapshot() {
		actions = append(actions, record.Action)
	}
	return actions
}

func (a *auditRecorder) snapshot() []audit.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Record(nil), a.records...)
}

// usageStore is an in-test StateStore.
type usageStore struct {
	mu    sync.Mutex
	usage map[scope.Path]budget.Amount
}

func (s *usageStore) SaveScopeUsage(ctx context.Context, path scope.Path, used budget.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usage == nil {
		s.usage = map[scope.Path]budget.Amount{}
	}
	s.usage[path] = used
	return nil
}

func (s *usageStore) ScopeUsage(ctx context.Context) (map[scope.Path]budget.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.usage), nil
}

func configure(t *testing.T, ledger *budget.Ledger, configs ...budget.ScopeConfig) {
	t.Helper()
	if err := ledger.Configure(context.Background(), configs); err != nil {
		t.Fatalf("Configure: %v", err)
	}
}

func scopeStatus(t *testing.T, ledger *budget.Ledger, path scope.Path) budget.ScopeStatus {
	t.Helper()
	for _, status := range ledger.Snapshot() {
		if status.Path == path {
			return status
		}
	}
	t.Fatalf("scope %s not in snapshot", path)
	panic("unreachable")
}

func assertNoOvercommit(t testing.TB, statuses []budget.ScopeStatus) {
	t.Helper()
	for _, status := range statuses {
		if status.Unlimited {
			continue
		}
		spent := status.Used.Add(status.Reserved)
		if !status.Total.Covers(spent) {
			t.Errorf("scope %s overcommitted: used %v + reserved %v exceeds total %v",
				status.Path, status.Used, status.Reserved, status.Total)
		}
	}
}

var (
	projectPath = scope.MustParse("global/iree")
	taskPath    = scope.MustParse("global/iree/tsk-1")
	subtaskPath = scope.MustParse("global/iree/tsk-1/sub-a")
)

func TestReserveCommitAccounting(t *testing.T) {
	ctx := context.Background()
	ledger := budget.New(budget.Options{})
	configure(t, ledger, budget.ScopeConfig{Path: projectPath, Total: budget.Tokens(1000)})

	reservation, err := ledger.Reserve(ctx, budget.ReserveRequest{
		Path: taskPath, Owner: "tsk-1", Amount: budget.Tokens(300),
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if reservation.ID == "" || reservation.Owner != "tsk-1" {
		t.Fatalf("reservation not populated: %+v", reservation)
	}

	status := scopeStatus(t, ledger, projectPath)
	if status.Reserved.Tokens != 300 || status.Used.Tokens != 0 {
		t.Fatalf("after reserve: reserved %d used %d", status.Reserved.Tokens, status.Used.Tokens)
	}

	if err := ledger.Commit(ctx, reservation.ID, budget.Tokens(250)); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	status = scopeStatus(t, ledger, projectPath)
	if status.Reserved.Tokens != 0 || status.Used.Tokens != 250 {
		t.Fatalf("after commit: reserved %d used %d", status.Reserved.Tokens, status.Used.Tokens)
	}

	remaining, err := ledger.Remaining(taskPath)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if remaining.Tokens != 750 {
		t.Fatalf("remaining: got %d, want 750", remaining.Tokens)
	}
}

func TestReserveChecksEveryAncestor(t *testing.T) {
	ctx := context.Background()
	ledger := budget.New(budget.Options{})
	configure(t, ledger,
		budget.ScopeConfig{Path: projectPath, Total: budget.Tokens(1000)},
		budget.ScopeConfig{Path: taskPath, Total: budget.Tokens(100)},
	)

	// Fits the project but not the tighter task scope.
	_, err := ledger.Reserve(ctx, budget.ReserveRequest{
		Path: subtaskPath, Owner: "sub-a", Amount: budget.Tokens(150),
	})
	if !errors.Is(err, budget.ErrInsufficientBudget) {
		t.Fatalf("Reserve: got %v, want ErrInsufficientBudget", err)
	}

	// Nothing may be held anywhere after an all-or-nothing failure.
	for _, path := range []scope.Path{projectPath, taskPath} {
		if status := scopeStatus(t, ledger, path); !status.Reserved.IsZero() {
			t.Fatalf("scope %s holds %v after failed reserve", path, status.Reserved)
		}
	}
}

func TestReserveUnknownScope(t *testing.T) {
	ledger := budget.New(budget.Options{})
	_, err := ledger.Reserve(context.Background(), budget.ReserveRequest{
		Path: taskPath, Owner: "tsk-1", Amount: budget.Tokens(1),
	})
	if !errors.Is(err, budget.ErrUnknownScope) {
		t.Fatalf("Reserve on unconfigured ledger: got %v, want ErrUnknownScope", err)
	}
}

func TestStopOnExceedLimitsOwnerToOneReservation(t *testing.T) {
	ctx := context.Background()
	ledger := budget.New(budget.Options{})
	configure(t, ledger, budget.ScopeConfig{
		Path: projectPath, Total: budget.Tokens(1000), StopOnExceed: true,
	})

	first, err := ledger.Reserve(ctx, budget.ReserveRequest{
		Path: projectPath, Owner: "tsk-1", Amount: budget.Tokens(100),
	})
	if err != nil {
		t.Fatalf("first Reserve: %v", err)
	}
	_, err = ledger.Reserve(ctx, budget.ReserveRequest{
		Path: projectPath, Owner: "tsk-1", Amount: budget.Tokens(100),
	})
	if !errors.Is(err, budget.ErrReservationActive) {
		t.Fatalf("second Reserve same owner: got %v, want ErrReservationActive", err)
	}
	if _, err := ledger.Reserve(ctx, budget.ReserveRequest{
		Path: projectPath, Owner: "tsk-2", Amount: budget.Tokens(100),
	}); err != nil {
		t.Fatalf("Reserve different owner: %v", err)
	}

	if released, err := ledger.Release(ctx, first.ID); err != nil || !released {
		t.Fatalf("Release: released=%v err=%v", released, err)
	}
	if _, err := ledger.Reserve(ctx, budget.ReserveRequest{
		Path: projectPath, Owner: "tsk-1", Amount: budget.Tokens(100),
	}); err != nil {
		t.Fatalf("Reserve after release: %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ledger := budget.New(budget.Options{})
	configure(t, ledger, budget.ScopeConfig{Path: projectPath, Total: budget.Tokens(100)})

	reservation, err := ledger.Reserve(ctx, budget.ReserveRequest{
		Path: projectPath, Owner: "tsk-1", Amount: budget.Tokens(40),
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if released, err := ledger.Release(ctx, reservation.ID); err != nil || !released {
		t.Fatalf("first Release: released=%v err=%v", released, err)
	}
	if released, err := ledger.Release(ctx, reservation.ID); err != nil || released {
		t.Fatalf("second Release: released=%v err=%v, want no-op", released, err)
	}
	if released, err := ledger.Release(ctx, "rsv-missing"); err != nil || released {
		t.Fatalf("Release unknown: released=%v err=%v, want no-op", released, err)
	}
	if status := scopeStatus(t, ledger, projectPath); !status.Reserved.IsZero() {
		t.Fatalf("reserved after release: %v", status.Reserved)
	}
}

func TestCommitOverageWithinCapacity(t *testing.T) {
	ctx := context.Background()
	ledger := budget.New(budget.Options{})
	configure(t, ledger, budget.ScopeConfig{Path: projectPath, Total: budget.Tokens(1000)})

	reservation, err := ledger.Reserve(ctx, budget.ReserveRequest{
		Path: projectPath, Owner: "tsk-1", Amount: budget.Tokens(100),
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := ledger.Commit(ctx, reservation.ID, budget.Tokens(120)); err != nil {
		t.Fatalf("Commit with affordable overage: %v", err)
	}
	if status := scopeStatus(t, ledger, projectPath); status.Used.Tokens != 120 {
		t.Fatalf("used: got %d, want 120", status.Used.Tokens)
	}

	// Settled commits are no-ops, not double spends.
	if err := ledger.Commit(ctx, reservation.ID, budget.Tokens(120)); err != nil {
		t.Fatalf("repeat Commit: %v", err)
	}
	if status := scopeStatus(t, ledger, projectPath); status.Used.Tokens != 120 {
		t.Fatalf("used after repeat commit: got %d, want 120", status.Used.Tokens)
	}

	if err := ledger.Commit(ctx, "rsv-missing", budget.Tokens(1)); !errors.Is(err, budget.ErrUnknownReservation) {
		t.Fatalf("Commit unknown: got %v, want ErrUnknownReservation", err)
	}
}

func TestCommitOverageBeyondCapacityRejected(t *testing.T) {
	ctx := context.Background()
	ledger := budget.New(budget.Options{})
	configure(t, ledger, budget.ScopeConfig{Path: projectPath, Total: budget.Tokens(1000)})

	big, err := ledger.Reserve(ctx, budget.ReserveRequest{
		Path: projectPath, Owner: "tsk-1", Amount: budget.Tokens(900),
	})
	if err != nil {
		t.Fatalf("Reserve 900: %v", err)
	}
	if _, err := ledger.Reserve(ctx, budget.ReserveRequest{
		Path: projectPath, Owner: "tsk-2", Amount: budget.Tokens(100),
	}); err != nil {
		t.Fatalf("Reserve 100: %v", err)
	}

	// 950 actual against a 900 grant needs 50 more than the scope has
	// free; the reservation must survive the rejection.
	err = ledger.Commit(ctx, big.ID, budget.Tokens(950))
	if !errors.Is(err, budget.ErrInsufficientBudget) {
		t.Fatalf("Commit overage: got %v, want ErrInsufficientBudget", err)
	}
	if _, active := ledger.Reservation(big.ID); !active {
		t.Fatalf("reservation settled by failed commit")
	}
	if released, err := ledger.Release(ctx, big.ID); err != nil || !released {
		t.Fatalf("Release after failed commit: released=%v err=%v", released, err)
	}
}

func TestFundedScopeBoundsSubtasks(t *testing.T) {
	ctx := context.Background()
	ledger := budget.New(budget.Options{})
	configure(t, ledger, budget.ScopeConfig{Path: projectPath, Total: budget.Tokens(1000)})

	taskReservation, err := ledger.Reserve(ctx, budget.ReserveRequest{
		Path: taskPath, Owner: "tsk-1", Amount: budget.Tokens(200),
	})
	if err != nil {
		t.Fatalf("task Reserve: %v", err)
	}
	if err := ledger.OpenScope(ctx, budget.OpenScopeRequest{
		Path: taskPath, Owner: "tsk-1", Total: budget.Tokens(200), FundedBy: taskReservation.ID,
	}); err != nil {
		t.Fatalf("OpenScope: %v", err)
	}

	subReservation, err := ledger.Reserve(ctx, budget.ReserveRequest{
		Path: subtaskPath, Owner: "sub-a", Amount: budget.Tokens(150),
	})
	if err != nil {
		t.Fatalf("subtask Reserve: %v", err)
	}
	if _, err := ledger.Reserve(ctx, budget.ReserveRequest{
		Path: scope.MustParse("global/iree/tsk-1/sub-b"), Owner: "sub-b", Amount: budget.Tokens(100),
	}); !errors.Is(err, budget.ErrInsufficientBudget) {
		t.Fatalf("over-budget subtask: got %v, want ErrInsufficientBudget", err)
	}

	// Subtask holds live at the funded task scope only; the project
	// sees just the task's own reservation.
	if status := scopeStatus(t, ledger, projectPath); status.Reserved.Tokens != 200 {
		t.Fatalf("project reserved: got %d, want 200", status.Reserved.Tokens)
	}
	if status := scopeStatus(t, ledger, taskPath); status.Reserved.Tokens != 150 {
		t.Fatalf("task reserved: got %d, want 150", status.Reserved.Tokens)
	}

	if err := ledger.Commit(ctx, subReservation.ID, budget.Tokens(140)); err != nil {
		t.Fatalf("subtask Commit: %v", err)
	}
	if err := ledger.CloseScope(ctx, taskPath); err != nil {
		t.Fatalf("CloseScope: %v", err)
	}
	if err := ledger.Commit(ctx, taskReservation.ID, budget.Tokens(180)); err != nil {
		t.Fatalf("task Commit: %v", err)
	}
	if status := scopeStatus(t, ledger, projectPath); status.Used.Tokens != 180 || status.Reserved.Tokens != 0 {
		t.Fatalf("project after commit: used %d reserved %d", status.Used.Tokens, status.Reserved.Tokens)
	}
}

func TestOpenScopeFundingRules(t *testing.T) {
	ctx := context.Background()
	ledger := budget.New(budget.Options{})
	configure(t, ledger, budget.ScopeConfig{Path: projectPath, Total: budget.Tokens(1000)})

	reservation, err := ledger.Reserve(ctx, budget.ReserveRequest{
		Path: taskPath, Owner: "tsk-1", Amount: budget.Tokens(200),
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if err := ledger.OpenScope(ctx, budget.OpenScopeRequest{
		Path: taskPath, Total: budget.Tokens(300), FundedBy: reservation.ID,
	}); !errors.Is(err, budget.ErrInsufficientBudget) {
		t.Fatalf("over-funded open: got %v, want ErrInsufficientBudget", err)
	}
	if err := ledger.OpenScope(ctx, budget.OpenScopeRequest{
		Path: taskPath, Total: budget.Tokens(100), FundedBy: "rsv-missing",
	}); !errors.Is(err, budget.ErrUnknownReservation) {
		t.Fatalf("unknown funding: got %v, want ErrUnknownReservation", err)
	}

	if err := ledger.OpenScope(ctx, budget.OpenScopeRequest{
		Path: taskPath, Total: budget.Tokens(200), FundedBy: reservation.ID,
	}); err != nil {
		t.Fatalf("OpenScope: %v", err)
	}
	if err := ledger.OpenScope(ctx, budget.OpenScopeRequest{
		Path: taskPath, Total: budget.Tokens(10),
	}); !errors.Is(err, budget.ErrScopeExists) {
		t.Fatalf("duplicate open: got %v, want ErrScopeExists", err)
	}

	// The funding reservation is pinned while the scope is open.
	if err := ledger.Commit(ctx, reservation.ID, budget.Tokens(150)); !errors.Is(err, budget.ErrScopeInUse) {
		t.Fatalf("commit while funding: got %v, want ErrScopeInUse", err)
	}
	if err := ledger.CloseScope(ctx, taskPath); err != nil {
		t.Fatalf("CloseScope: %v", err)
	}
	if err := ledger.Commit(ctx, reservation.ID, budget.Tokens(150)); err != nil {
		t.Fatalf("Commit after close: %v", err)
	}
}

func TestCloseScopeRefusesActiveReservations(t *testing.T) {
	ctx := context.Background()
	ledger := budget.New(budget.Options{})
	configure(t, ledger, budget.ScopeConfig{Path: projectPath, Total: budget.Tokens(1000)})

	taskReservation, err := ledger.Reserve(ctx, budget.ReserveRequest{
		Path: taskPath, Owner: "tsk-1", Amount: budget.Tokens(200),
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := ledger.OpenScope(ctx, budget.OpenScopeRequest{
		Path: taskPath, Total: budget.Tokens(200), FundedBy: taskReservation.ID,
	}); err != nil {
		t.Fatalf("OpenScope: %v", err)
	}
	subReservation, err := ledger.Reserve(ctx, budget.ReserveRequest{
		Path: subtaskPath, Owner: "sub-a", Amount: budget.Tokens(50),
	})
	if err != nil {
		t.Fatalf("subtask Reserve: %v", err)
	}

	if err := ledger.CloseScope(ctx, taskPath); !errors.Is(err, budget.ErrScopeInUse) {
		t.Fatalf("CloseScope with active hold: got %v, want ErrScopeInUse", err)
	}
	if err := ledger.CloseScope(ctx, projectPath); err == nil {
		t.Fatalf("CloseScope on static scope must fail")
	}
	if _, err := ledger.Release(ctx, subReservation.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := ledger.CloseScope(ctx, taskPath); err != nil {
		t.Fatalf("CloseScope after release: %v", err)
	}
	if err := ledger.CloseScope(ctx, taskPath); !errors.Is(err, budget.ErrUnknownScope) {
		t.Fatalf("repeat CloseScope: got %v, want ErrUnknownScope", err)
	}
}

func TestAuditFailureRevertsMutations(t *testing.T) {
	ctx := context.Background()
	recorder := &auditRecorder{}
	ledger := budget.New(budget.Options{Auditor: recorder})
	configure(t, ledger, budget.ScopeConfig{Path: projectPath, Total: budget.Tokens(1000)})

	reservation, err := ledger.Reserve(ctx, budget.ReserveRequest{
		Path: projectPath, Owner: "tsk-1", Amount: budget.Tokens(100),
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	recorder.setFail(true)
	if _, err := ledger.Reserve(ctx, budget.ReserveRequest{
		Path: projectPath, Owner: "tsk-2", Amount: budget.Tokens(100),
	}); err == nil {
		t.Fatalf("Reserve with failing audit must fail")
	}
	if err := ledger.Commit(ctx, reservation.ID, budget.Tokens(80)); err == nil {
		t.Fatalf("Commit with failing audit must fail")
	}

	// The failed operations left no trace: one hold, nothing used.
	status := scopeStatus(t, ledger, projectPath)
	if status.Reserved.Tokens != 100 || status.Used.Tokens != 0 || status.Active != 1 {
		t.Fatalf("state after audit failures: %+v", status)
	}
	if _, active := ledger.Reservation(reservation.ID); !active {
		t.Fatalf("original reservation lost")
	}

	recorder.setFail(false)
	if err := ledger.Commit(ctx, reservation.ID, budget.Tokens(80)); err != nil {
		t.Fatalf("Commit after audit recovery: %v", err)
	}
	actions := recorder.actions()
	if len(actions) != 2 || actions[0] != audit.ActionBudgetReserve || actions[1] != audit.ActionBudgetCommit {
		t.Fatalf("audit actions: %v", actions)
	}
}

func TestConfigureRestoresUsageFromStore(t *testing.T) {
	ctx := context.Background()
	store := &usageStore{}

	first := budget.New(budget.Options{Store: store})
	configure(t, first, budget.ScopeConfig{Path: projectPath, Total: budget.Tokens(1000)})
	reservation, err := first.Reserve(ctx, budget.ReserveRequest{
		Path: projectPath, Owner: "tsk-1", Amount: budget.Tokens(300),
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := first.Commit(ctx, reservation.ID, budget.Tokens(300)); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// A restarted ledger sees committed spend but no holds.
	second := budget.New(budget.Options{Store: store})
	configure(t, second, budget.ScopeConfig{Path: projectPath, Total: budget.Tokens(1000)})
	status := scopeStatus(t, second, projectPath)
	if status.Used.Tokens != 300 || !status.Reserved.IsZero() {
		t.Fatalf("restored state: used %d reserved %v", status.Used.Tokens, status.Reserved)
	}
}

func TestConcurrentReserveBound(t *testing.T) {
	ctx := context.Background()
	ledger := budget.New(budget.Options{})
	configure(t, ledger, budget.ScopeConfig{
		Path: projectPath, Total: budget.Tokens(1000), StopOnExceed: true,
	})

	const callers = 100
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = ledger.Reserve(ctx, budget.ReserveRequest{
				Path:   projectPath,
				Owner:  fmt.Sprintf("task-%03d", i),
				Amount: budget.Tokens(15),
			})
		}()
	}
	wg.Wait()

	granted := 0
	for i, err := range errs {
		switch {
		case err == nil:
			granted++
		case errors.Is(err, budget.ErrInsufficientBudget):
		default:
			t.Fatalf("caller %d: unexpected error %v", i, err)
		}
	}
	// 66 grants of 15 fill 990 of 1000; a 67th cannot fit.
	if granted != 66 {
		t.Fatalf("granted: got %d, want 66", granted)
	}
	status := scopeStatus(t, ledger, projectPath)
	if status.Reserved.Tokens != 990 {
		t.Fatalf("reserved: got %d, want 990", status.Reserved.Tokens)
	}
	assertNoOvercommit(t, ledger.Snapshot())
}

func TestRandomizedConcurrencyHoldsInvariant(t *testing.T) {
	ctx := context.Background()
	ledger := budget.New(budget.Options{})
	alphaPath := scope.MustParse("global/iree/alpha")
	betaPath := scope.MustParse("global/iree/beta")
	configure(t, ledger,
		budget.ScopeConfig{Path: projectPath, Total: budget.Amount{Tokens: 400, CurrencyMicros: 2_000_000}},
		budget.ScopeConfig{Path: alphaPath, Total: budget.Amount{Tokens: 250, CurrencyMicros: 1_500_000}},
		budget.ScopeConfig{Path: betaPath, Total: budget.Amount{Tokens: 250, CurrencyMicros: 1_500_000}},
	)

	const (
		workers    = 8
		iterations = 200
	)
	var wg sync.WaitGroup
	for worker := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(42, uint64(worker)))
			paths := []scope.Path{alphaPath, betaPath}
			var active []budget.Reservation
			for i := range iterations {
				if len(active) > 0 && rng.IntN(3) == 0 {
					reservation := active[len(active)-1]
					active = active[:len(active)-1]
					if rng.IntN(2) == 0 {
						actual := budget.Amount{
							Tokens:         rng.Int64N(reservation.Amount.Tokens + 1),
							CurrencyMicros: rng.Int64N(reservation.Amount.CurrencyMicros + 1),
						}
						if err := ledger.Commit(ctx, reservation.ID, actual); err != nil {
							t.Errorf("worker %d iteration %d: Commit: %v", worker, i, err)
							return
						}
					} else {
						if _, err := ledger.Release(ctx, reservation.ID); err != nil {
							t.Errorf("worker %d iteration %d: Release: %v", worker, i, err)
							return
						}
					}
					continue
				}
				reservation, err := ledger.Reserve(ctx, budget.ReserveRequest{
					Path:   paths[rng.IntN(len(paths))],
					Owner:  fmt.Sprintf("w%d-i%d", worker, i),
					Amount: budget.Amount{Tokens: 1 + rng.Int64N(40), CurrencyMicros: 1 + rng.Int64N(10_000)},
				})
				if err != nil {
					if !errors.Is(err, budget.ErrInsufficientBudget) {
						t.Errorf("worker %d iteration %d: Reserve: %v", worker, i, err)
						return
					}
					continue
				}
				active = append(active, reservation)
			}
			for _, reservation := range active {
				if _, err := ledger.Release(ctx, reservation.ID); err != nil {
					t.Errorf("worker %d: final Release: %v", worker, err)
				}
			}
		}()
	}

	observerDone := make(chan struct{})
	go func() {
		defer close(observerDone)
		for range 500 {
			assertNoOvercommit(t, ledger.Snapshot())
		}
	}()
	wg.Wait()
	<-observerDone

	statuses := ledger.Snapshot()
	assertNoOvercommit(t, statuses)
	for _, status := range statuses {
		if !status.Reserved.IsZero() {
			t.Fatalf("scope %s still holds %v after all settles", status.Path, status.Reserved)
		}
	}
}
