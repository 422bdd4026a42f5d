// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/steward/lib/audit"
	"github.com/bureau-foundation/steward/lib/budget"
	"github.com/bureau-foundation/steward/lib/codec"
	"github.com/bureau-foundation/steward/lib/lifecycle"
	"github.com/bureau-foundation/steward/lib/reference"
	"github.com/bureau-foundation/steward/lib/scope"
	"github.com/bureau-foundation/steward/lib/service"
	"github.com/bureau-foundation/steward/lib/testutil"
)

// stubAction cans one response and captures the raw request so tests
// can assert what the CLI put on the wire.
type stubAction struct {
	result any
	err    error
	raw    chan []byte
}

func newStubAction(result any, err error) *stubAction {
	return &stubAction{result: result, err: err, raw: make(chan []byte, 1)}
}

func (a *stubAction) handle(ctx context.Context, raw []byte) (any, error) {
	buffered := make([]byte, len(raw))
	copy(buffered, raw)
	select {
	case a.raw <- buffered:
	default:
	}
	return a.result, a.err
}

// request decodes the captured request into target.
func (a *stubAction) request(t *testing.T, target any) {
	t.Helper()
	select {
	case raw := <-a.raw:
		if err := codec.Unmarshal(raw, target); err != nil {
			t.Fatalf("decoding captured request: %v", err)
		}
	default:
		t.Fatal("no request captured")
	}
}

// stubService serves the given actions on a fresh socket and returns
// the socket path.
func stubService(t *testing.T, actions map[string]*stubAction) string {
	t.Helper()

	socketPath := filepath.Join(testutil.SocketDir(t), "steward.sock")
	server := service.NewSocketServer(socketPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for name, action := range actions {
		server.Handle(name, action.handle)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("stub server did not stop")
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("unix", socketPath, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return socketPath
		}
		runtime.Gosched()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("stub server socket never came up")
	return ""
}

// captureStdout captures stdout output during fn execution.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()

	original := os.Stdout
	reader, writer, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = writer

	fn()

	writer.Close()
	os.Stdout = original

	var buffer bytes.Buffer
	io.Copy(&buffer, reader)
	reader.Close()

	return buffer.String()
}

func stubTask(id string, state lifecycle.State) lifecycle.Task {
	now := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	return lifecycle.Task{
		ID:        id,
		Goal:      "survey the compiler backlog",
		Scope:     scope.MustParse("global/iree"),
		Estimate:  budget.Tokens(5000),
		State:     state,
		Attempt:   1,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestParseSubtaskSpec(t *testing.T) {
	t.Parallel()

	spec, err := parseSubtaskSpec("ingest:4000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spec["name"] != "ingest" {
		t.Errorf("name = %v, want ingest", spec["name"])
	}
	if _, hasRole := spec["role"]; hasRole {
		t.Error("role set without the third field")
	}
	estimate := spec["estimate"].(map[string]any)
	if estimate["tokens"] != int64(4000) {
		t.Errorf("tokens = %v, want 4000", estimate["tokens"])
	}

	spec, err = parseSubtaskSpec("ingest:4000:researcher")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spec["role"] != "researcher" {
		t.Errorf("role = %v, want researcher", spec["role"])
	}

	for _, bad := range []string{"bare", "x:notanumber", "x:0", "x:-5", ":100"} {
		if _, err := parseSubtaskSpec(bad); err == nil {
			t.Errorf("parseSubtaskSpec(%q) succeeded, want error", bad)
		}
	}
}

func TestSubmitSendsRequest(t *testing.T) {
	submit := newStubAction(stubTask("tsk-cli00001", lifecycle.StatePlanned), nil)
	socketPath := stubService(t, map[string]*stubAction{"task.submit": submit})

	var err error
	output := captureStdout(t, func() {
		err = runSubmit([]string{
			"--socket", socketPath,
			"--goal", "survey the compiler backlog",
			"--scope", "global/iree",
			"--tokens", "5000",
			"--currency", "1.25",
			"--ref", "@RM:iree:5.1:REQ-101",
			"--ref", "@CODE:iree:5.1:api",
			"--subtask", "ingest:2000:researcher",
		})
	})
	if err != nil {
		t.Fatalf("runSubmit: %v", err)
	}

	var req struct {
		Action   string `cbor:"action"`
		Goal     string `cbor:"goal"`
		Scope    string `cbor:"scope"`
		Estimate struct {
			Tokens   int64  `cbor:"tokens"`
			Currency string `cbor:"currency"`
		} `cbor:"estimate"`
		References []string `cbor:"references"`
		Subtasks   []struct {
			Name     string `cbor:"name"`
			Role     string `cbor:"role"`
			Estimate struct {
				Tokens int64 `cbor:"tokens"`
			} `cbor:"estimate"`
		} `cbor:"subtasks"`
	}
	submit.request(t, &req)
	if req.Action != "task.submit" {
		t.Errorf("action = %q, want task.submit", req.Action)
	}
	if req.Goal != "survey the compiler backlog" {
		t.Errorf("goal = %q", req.Goal)
	}
	if req.Scope != "global/iree" {
		t.Errorf("scope = %q, want global/iree", req.Scope)
	}
	if req.Estimate.Tokens != 5000 || req.Estimate.Currency != "1.25" {
		t.Errorf("estimate = %+v, want 5000 tokens and 1.25 currency", req.Estimate)
	}
	if len(req.References) != 2 || req.References[0] != "@RM:iree:5.1:REQ-101" {
		t.Errorf("references = %v", req.References)
	}
	if len(req.Subtasks) != 1 {
		t.Fatalf("subtasks = %v, want one", req.Subtasks)
	}
	if sub := req.Subtasks[0]; sub.Name != "ingest" || sub.Role != "researcher" || sub.Estimate.Tokens != 2000 {
		t.Errorf("subtask = %+v", sub)
	}

	if !strings.Contains(output, "tsk-cli00001") {
		t.Errorf("output missing task ID:\n%s", output)
	}
	if !strings.Contains(output, "planned") {
		t.Errorf("output missing state:\n%s", output)
	}
}

func TestSubmitRequiresGoalAndScope(t *testing.T) {
	if err := runSubmit([]string{"--scope", "global/iree"}); err == nil {
		t.Error("expected error without --goal")
	}
	if err := runSubmit([]string{"--goal", "do things"}); err == nil {
		t.Error("expected error without --scope")
	}
}

func TestStatusSurfacesServiceError(t *testing.T) {
	status := newStubAction(nil, service.Errorf("unknown_task", "no task tsk-missing"))
	socketPath := stubService(t, map[string]*stubAction{"task.status": status})

	err := runStatus([]string{"--socket", socketPath, "tsk-missing"})
	if err == nil {
		t.Fatal("expected error")
	}
	var serviceErr *service.ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("error %v is not a ServiceError", err)
	}
	if serviceErr.Code != "unknown_task" {
		t.Errorf("code = %q, want unknown_task", serviceErr.Code)
	}
}

func TestListRendersTable(t *testing.T) {
	list := newStubAction(taskList{Tasks: []lifecycle.Task{
		stubTask("tsk-cli00001", lifecycle.StateGoverned),
		stubTask("tsk-cli00002", lifecycle.StateExecuting),
	}}, nil)
	socketPath := stubService(t, map[string]*stubAction{"task.list": list})

	var err error
	output := captureStdout(t, func() {
		err = runList([]string{
			"--socket", socketPath,
			"--state", "governed",
			"--scope", "global/iree",
			"--limit", "10",
		})
	})
	if err != nil {
		t.Fatalf("runList: %v", err)
	}

	var req struct {
		State string `cbor:"state"`
		Scope string `cbor:"scope"`
		Limit int    `cbor:"limit"`
	}
	list.request(t, &req)
	if req.State != "governed" || req.Scope != "global/iree" || req.Limit != 10 {
		t.Errorf("filter = %+v", req)
	}

	if !strings.Contains(output, "TASK") || !strings.Contains(output, "STATE") {
		t.Errorf("output missing header:\n%s", output)
	}
	for _, id := range []string{"tsk-cli00001", "tsk-cli00002"} {
		if !strings.Contains(output, id) {
			t.Errorf("output missing %s:\n%s", id, output)
		}
	}
}

func TestCancelSendsReason(t *testing.T) {
	cancel := newStubAction(stubTask("tsk-cli00001", lifecycle.StateAborted), nil)
	socketPath := stubService(t, map[string]*stubAction{"task.cancel": cancel})

	var err error
	captureStdout(t, func() {
		err = runCancel([]string{"--socket", socketPath, "--reason", "obsolete", "tsk-cli00001"})
	})
	if err != nil {
		t.Fatalf("runCancel: %v", err)
	}

	var req struct {
		Task   string `cbor:"task"`
		Reason string `cbor:"reason"`
	}
	cancel.request(t, &req)
	if req.Task != "tsk-cli00001" || req.Reason != "obsolete" {
		t.Errorf("request = %+v", req)
	}
}

func TestBudgetStatusTable(t *testing.T) {
	status := newStubAction(budgetStatus{Scopes: []budget.ScopeStatus{
		{
			Path:      scope.Global(),
			Level:     scope.LevelGlobal,
			Unlimited: true,
			Policy:    budget.PolicyBlock,
			Funded:    true,
		},
		{
			Path:         scope.MustParse("global/iree"),
			Level:        scope.LevelProject,
			Total:        budget.Tokens(10000),
			Used:         budget.Tokens(30),
			Available:    budget.Tokens(9970),
			StopOnExceed: true,
			Policy:       budget.PolicyEscalate,
			Funded:       true,
		},
	}}, nil)
	socketPath := stubService(t, map[string]*stubAction{"budget.status": status})

	var err error
	output := captureStdout(t, func() {
		err = runBudgetStatus([]string{"--socket", socketPath, "--scope", "global"})
	})
	if err != nil {
		t.Fatalf("runBudgetStatus: %v", err)
	}

	var req struct {
		Scope string `cbor:"scope"`
	}
	status.request(t, &req)
	if req.Scope != "global" {
		t.Errorf("scope filter = %q, want global", req.Scope)
	}

	if !strings.Contains(output, "unlimited") {
		t.Errorf("output missing unlimited rendering:\n%s", output)
	}
	if !strings.Contains(output, "stop-on-exceed") || !strings.Contains(output, "escalate") {
		t.Errorf("output missing flags:\n%s", output)
	}
	if !strings.Contains(output, "10000tok") {
		t.Errorf("output missing total:\n%s", output)
	}
}

func TestBudgetApproveDeny(t *testing.T) {
	approve := newStubAction(approveResult{Escalation: "esc-000000000001", Approved: false}, nil)
	socketPath := stubService(t, map[string]*stubAction{"budget.approve": approve})

	var err error
	output := captureStdout(t, func() {
		err = runBudgetApprove([]string{
			"--socket", socketPath,
			"--deny",
			"--note", "quarter is closed",
			"esc-000000000001",
		})
	})
	if err != nil {
		t.Fatalf("runBudgetApprove: %v", err)
	}

	var req struct {
		Escalation string `cbor:"escalation"`
		Deny       bool   `cbor:"deny"`
		Note       string `cbor:"note"`
	}
	approve.request(t, &req)
	if req.Escalation != "esc-000000000001" || !req.Deny || req.Note != "quarter is closed" {
		t.Errorf("request = %+v", req)
	}
	if !strings.Contains(output, "Denied esc-000000000001") {
		t.Errorf("output = %q", output)
	}
}

func TestBudgetLoadOutput(t *testing.T) {
	load := newStubAction(loadResult{
		Manifest:        "/etc/steward/manifest.jsonc",
		Added:           []string{"global/onnx"},
		Updated:         []string{"global/iree"},
		References:      4,
		Templates:       1,
		Invalidated:     2,
		JudgmentPending: true,
	}, nil)
	socketPath := stubService(t, map[string]*stubAction{"budget.load": load})

	var err error
	output := captureStdout(t, func() {
		err = runBudgetLoad([]string{"--socket", socketPath, "/etc/steward/manifest.jsonc"})
	})
	if err != nil {
		t.Fatalf("runBudgetLoad: %v", err)
	}

	var req struct {
		Manifest string `cbor:"manifest"`
	}
	load.request(t, &req)
	if req.Manifest != "/etc/steward/manifest.jsonc" {
		t.Errorf("manifest override = %q", req.Manifest)
	}

	for _, want := range []string{"global/onnx", "global/iree", "Invalidated", "restart"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestResolveTableAndFailures(t *testing.T) {
	resolve := newStubAction(resolveResult{
		Resolved: map[string]reference.Resolution{
			"@RM:iree:5.1:REQ-101": {
				URI:    "https://rm.internal/iree/5.1/REQ-101",
				Pinned: true,
			},
		},
		Failed: map[string]string{
			"@ZZ:iree:1.0:thing": "reference: unknown namespace ZZ",
		},
	}, nil)
	socketPath := stubService(t, map[string]*stubAction{"reference.resolve": resolve})

	var err error
	output := captureStdout(t, func() {
		err = runResolve([]string{"--socket", socketPath, "@RM:iree:5.1:REQ-101", "@ZZ:iree:1.0:thing"})
	})
	if err == nil {
		t.Fatal("expected error when resolutions fail")
	}
	if !strings.Contains(err.Error(), "1 of 2") {
		t.Errorf("error = %v, want failure count", err)
	}

	var req struct {
		Tokens []string `cbor:"tokens"`
	}
	resolve.request(t, &req)
	if len(req.Tokens) != 2 {
		t.Errorf("tokens = %v", req.Tokens)
	}

	if !strings.Contains(output, "https://rm.internal/iree/5.1/REQ-101") {
		t.Errorf("output missing resolved URI:\n%s", output)
	}
	if !strings.Contains(output, "yes") {
		t.Errorf("output missing pinned column:\n%s", output)
	}
}

func TestResolveRequiresTokens(t *testing.T) {
	if err := runResolve([]string{}); err == nil {
		t.Error("expected usage error without tokens")
	}
}

func TestAuditTailTable(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	tail := newStubAction(auditTail{
		Head: 42,
		Events: []audit.Event{{
			Sequence:  42,
			Timestamp: now,
			Actor:     "steward",
			Action:    audit.ActionTaskPlan,
			Resource:  "tsk-cli00001",
			Outcome:   audit.OutcomeSuccess,
		}},
	}, nil)
	socketPath := stubService(t, map[string]*stubAction{"audit.tail": tail})

	var err error
	output := captureStdout(t, func() {
		err = runAuditTail([]string{"--socket", socketPath, "--limit", "50", "--actor", "steward"})
	})
	if err != nil {
		t.Fatalf("runAuditTail: %v", err)
	}

	var req struct {
		Limit int    `cbor:"limit"`
		Actor string `cbor:"actor"`
	}
	tail.request(t, &req)
	if req.Limit != 50 || req.Actor != "steward" {
		t.Errorf("request = %+v", req)
	}

	for _, want := range []string{"SEQ", "42", "steward", "tsk-cli00001", "success"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestAuditVerify(t *testing.T) {
	t.Run("intact", func(t *testing.T) {
		verify := newStubAction(audit.VerifyResult{OK: true, Checked: 42}, nil)
		socketPath := stubService(t, map[string]*stubAction{"audit.verify": verify})

		var err error
		output := captureStdout(t, func() {
			err = runAuditVerify([]string{"--socket", socketPath})
		})
		if err != nil {
			t.Fatalf("runAuditVerify: %v", err)
		}
		if !strings.Contains(output, "42 events verified") {
			t.Errorf("output = %q", output)
		}
	})

	t.Run("compromised", func(t *testing.T) {
		verify := newStubAction(audit.VerifyResult{
			OK:          false,
			Checked:     6,
			BadSequence: 7,
			Reason:      "hash mismatch",
		}, nil)
		socketPath := stubService(t, map[string]*stubAction{"audit.verify": verify})

		var err error
		output := captureStdout(t, func() {
			err = runAuditVerify([]string{"--socket", socketPath})
		})
		if err == nil {
			t.Fatal("expected error for a compromised chain")
		}
		if !strings.Contains(output, "COMPROMISED") || !strings.Contains(output, "hash mismatch") {
			t.Errorf("output = %q", output)
		}
	})
}

func TestAuditExport(t *testing.T) {
	export := newStubAction(exportResult{
		Path:          "/var/lib/steward/exports/export-1-42-1780000000.seg",
		FirstSequence: 1,
		LastSequence:  42,
		Count:         42,
		Size:          8192,
	}, nil)
	socketPath := stubService(t, map[string]*stubAction{"audit.export": export})

	var err error
	output := captureStdout(t, func() {
		err = runAuditExport([]string{
			"--socket", socketPath,
			"--recipient", "age1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq",
			"--after", "2026-03-01T00:00:00Z",
			"--actor", "steward",
		})
	})
	if err != nil {
		t.Fatalf("runAuditExport: %v", err)
	}

	var req struct {
		Recipients []string `cbor:"recipients"`
		After      string   `cbor:"after"`
		Actor      string   `cbor:"actor"`
	}
	export.request(t, &req)
	if len(req.Recipients) != 1 || req.After != "2026-03-01T00:00:00Z" || req.Actor != "steward" {
		t.Errorf("request = %+v", req)
	}

	if !strings.Contains(output, "Exported 42 events") || !strings.Contains(output, "export-1-42") {
		t.Errorf("output = %q", output)
	}
}

func TestAuditExportRequiresRecipient(t *testing.T) {
	if err := runAuditExport([]string{}); err == nil {
		t.Error("expected error without --recipient")
	}
}

func TestPingOutput(t *testing.T) {
	ping := newStubAction(pingResult{
		Version:       "1.0.0",
		UptimeSeconds: 3600,
		HeadSequence:  42,
		HeadHash:      "blake3:abc123",
	}, nil)
	socketPath := stubService(t, map[string]*stubAction{"service.ping": ping})

	var err error
	output := captureStdout(t, func() {
		err = runPing([]string{"--socket", socketPath})
	})
	if err != nil {
		t.Fatalf("runPing: %v", err)
	}
	for _, want := range []string{"1.0.0", "1h0m0s", "42", "Chain:      ok"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestPingCompromisedChain(t *testing.T) {
	ping := newStubAction(pingResult{
		Version:      "1.0.0",
		HeadSequence: 42,
		HeadHash:     "blake3:abc123",
		Compromised:  true,
	}, nil)
	socketPath := stubService(t, map[string]*stubAction{"service.ping": ping})

	var err error
	output := captureStdout(t, func() {
		err = runPing([]string{"--socket", socketPath})
	})
	if err == nil {
		t.Fatal("expected error when the chain is compromised")
	}
	if !strings.Contains(output, "COMPROMISED") {
		t.Errorf("output = %q", output)
	}
}

func TestDefaultSocket(t *testing.T) {
	t.Setenv("STEWARD_SOCKET", "/tmp/custom.sock")
	if got := defaultSocket(); got != "/tmp/custom.sock" {
		t.Errorf("defaultSocket() = %q, want the environment override", got)
	}

	t.Setenv("STEWARD_SOCKET", "")
	if got := defaultSocket(); got == "" || got == "/tmp/custom.sock" {
		t.Errorf("defaultSocket() = %q, want the configured default", got)
	}
}
