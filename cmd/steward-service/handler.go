// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/steward/lib/archive"
	"github.com/bureau-foundation/steward/lib/audit"
	"github.com/bureau-foundation/steward/lib/budget"
	"github.com/bureau-foundation/steward/lib/clock"
	"github.com/bureau-foundation/steward/lib/codec"
	"github.com/bureau-foundation/steward/lib/lifecycle"
	"github.com/bureau-foundation/steward/lib/reference"
	"github.com/bureau-foundation/steward/lib/scope"
	"github.com/bureau-foundation/steward/lib/service"
	"github.com/bureau-foundation/steward/lib/steward"
	"github.com/bureau-foundation/steward/lib/version"
)

// tailLimitMax caps one audit.tail response. The protocol carries
// whole responses in memory; larger reads go through audit.export.
const tailLimitMax = 1000

// defaultTailLimit is used when the request does not say.
const defaultTailLimit = 20

// StewardService bundles the long-lived components behind the socket
// actions.
type StewardService struct {
	orchestrator *steward.Orchestrator
	ledger       *budget.Ledger
	resolver     *reference.Service
	log          *audit.Log
	manifest     *manifestState

	// exportDir receives age-encrypted audit exports. Exports run
	// server-side so bulk event payloads never transit the socket.
	exportDir   string
	compression archive.Compression

	// submitDisabled refuses task.submit when no executor command is
	// configured; every other action still works.
	submitDisabled bool

	clock     clock.Clock
	startedAt time.Time
	logger    *slog.Logger
}

// registerActions installs every socket action on the server.
func (s *StewardService) registerActions(server *service.SocketServer) {
	server.Handle("task.submit", s.handleTaskSubmit)
	server.Handle("task.status", s.handleTaskStatus)
	server.Handle("task.list", s.handleTaskList)
	server.Handle("task.cancel", s.handleTaskCancel)

	server.Handle("budget.status", s.handleBudgetStatus)
	server.Handle("budget.approve", s.handleBudgetApprove)
	server.Handle("budget.escalations", s.handleBudgetEscalations)
	server.Handle("budget.load", s.handleBudgetLoad)

	server.Handle("reference.resolve", s.handleReferenceResolve)

	server.Handle("audit.tail", s.handleAuditTail)
	server.Handle("audit.verify", s.handleAuditVerify)
	server.Handle("audit.export", s.handleAuditExport)

	server.Handle("service.ping", s.handlePing)
}

// codes carried in failure responses, mapped from the domain
// sentinels by coded below.
var errorCodes = []struct {
	sentinel error
	code     string
}{
	{budget.ErrInsufficientBudget, "insufficient_budget"},
	{budget.ErrQueueTimeout, "queue_timeout"},
	{budget.ErrReservationActive, "reservation_active"},
	{budget.ErrUnknownScope, "unknown_scope"},
	{budget.ErrUnknownEscalation, "unknown_escalation"},
	{lifecycle.ErrUnknownTask, "unknown_task"},
	{lifecycle.ErrValidationFailed, "validation_failed"},
	{reference.ErrInvalidToken, "invalid_token"},
	{reference.ErrUnknownNamespace, "unknown_namespace"},
	{reference.ErrNotFound, "not_found"},
	{audit.ErrChainCompromised, "chain_compromised"},
	{audit.ErrChainIntegrityViolation, "chain_compromised"},
	{steward.ErrBusy, "busy"},
	{steward.ErrDraining, "draining"},
}

// coded attaches the machine-readable code for a known domain failure
// so clients can branch without parsing messages. Unrecognized errors
// pass through uncoded.
func coded(err error) error {
	if err == nil {
		return nil
	}
	var already *service.Error
	if errors.As(err, &already) {
		return err
	}
	for _, mapping := range errorCodes {
		if errors.Is(err, mapping.sentinel) {
			return &service.Error{Code: mapping.code, Message: err.Error()}
		}
	}
	return err
}

// --- task actions ---

// wireAmount is the request form of a budget amount: tokens as an
// integer, currency as a decimal string ("2.50"), either optional.
type wireAmount struct {
	Tokens   int64  `cbor:"tokens,omitempty"`
	Currency string `cbor:"currency,omitempty"`
}

func (a wireAmount) amount() (budget.Amount, error) {
	result := budget.Amount{Tokens: a.Tokens}
	if a.Currency != "" {
		micros, err := budget.ParseCurrency(a.Currency)
		if err != nil {
			return budget.Amount{}, err
		}
		result.CurrencyMicros = micros
	}
	return result, nil
}

type submitSubtask struct {
	Name     string     `cbor:"name"`
	Estimate wireAmount `cbor:"estimate"`
	Role     string     `cbor:"role,omitempty"`
}

type submitRequest struct {
	Goal       string          `cbor:"goal"`
	Scope      string          `cbor:"scope"`
	Estimate   wireAmount      `cbor:"estimate"`
	References []string        `cbor:"references,omitempty"`
	Subtasks   []submitSubtask `cbor:"subtasks,omitempty"`
}

func (s *StewardService) handleTaskSubmit(ctx context.Context, raw []byte) (any, error) {
	if s.submitDisabled {
		return nil, service.Errorf("executor_unconfigured", "no executor command configured; submission is disabled")
	}
	var req submitRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, service.Errorf(service.CodeBadRequest, "decoding request: %v", err)
	}

	path, err := scope.Parse(req.Scope)
	if err != nil {
		return nil, service.Errorf(service.CodeBadRequest, "scope: %v", err)
	}
	estimate, err := req.Estimate.amount()
	if err != nil {
		return nil, service.Errorf(service.CodeBadRequest, "estimate: %v", err)
	}
	request := lifecycle.TaskRequest{
		Goal:       req.Goal,
		Scope:      path,
		Estimate:   estimate,
		References: req.References,
	}
	for _, sub := range req.Subtasks {
		subEstimate, err := sub.Estimate.amount()
		if err != nil {
			return nil, service.Errorf(service.CodeBadRequest, "subtask %q estimate: %v", sub.Name, err)
		}
		request.Subtasks = append(request.Subtasks, lifecycle.SubtaskSpec{
			Name:     sub.Name,
			Estimate: subEstimate,
			Role:     sub.Role,
		})
	}

	task, err := s.orchestrator.Submit(ctx, request)
	if err != nil {
		return nil, coded(err)
	}
	return task, nil
}

type taskRequest struct {
	Task string `cbor:"task"`
}

func (s *StewardService) handleTaskStatus(ctx context.Context, raw []byte) (any, error) {
	var req taskRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, service.Errorf(service.CodeBadRequest, "decoding request: %v", err)
	}
	if req.Task == "" {
		return nil, service.Errorf(service.CodeBadRequest, "missing required field: task")
	}
	task, err := s.orchestrator.Status(ctx, req.Task)
	if err != nil {
		return nil, coded(err)
	}
	return task, nil
}

type listRequest struct {
	State string `cbor:"state,omitempty"`
	Scope string `cbor:"scope,omitempty"`
	Limit int    `cbor:"limit,omitempty"`
}

type listResponse struct {
	Tasks []lifecycle.Task `cbor:"tasks"`
}

func (s *StewardService) handleTaskList(ctx context.Context, raw []byte) (any, error) {
	var req listRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, service.Errorf(service.CodeBadRequest, "decoding request: %v", err)
	}
	filter := lifecycle.ListFilter{Limit: req.Limit}
	if req.State != "" {
		state := lifecycle.State(req.State)
		if err := state.Validate(); err != nil {
			return nil, service.Errorf(service.CodeBadRequest, "state: %v", err)
		}
		filter.State = state
	}
	if req.Scope != "" {
		path, err := scope.Parse(req.Scope)
		if err != nil {
			return nil, service.Errorf(service.CodeBadRequest, "scope: %v", err)
		}
		filter.Scope = path
	}
	tasks, err := s.orchestrator.List(ctx, filter)
	if err != nil {
		return nil, coded(err)
	}
	return listResponse{Tasks: tasks}, nil
}

type cancelRequest struct {
	Task   string `cbor:"task"`
	Reason string `cbor:"reason,omitempty"`
}

func (s *StewardService) handleTaskCancel(ctx context.Context, raw []byte) (any, error) {
	var req cancelRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, service.Errorf(service.CodeBadRequest, "decoding request: %v", err)
	}
	if req.Task == "" {
		return nil, service.Errorf(service.CodeBadRequest, "missing required field: task")
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by operator"
	}
	task, err := s.orchestrator.Cancel(ctx, req.Task, reason)
	if err != nil {
		return nil, coded(err)
	}
	return task, nil
}

// --- budget actions ---

type budgetStatusRequest struct {
	Scope string `cbor:"scope,omitempty"`
}

type budgetStatusResponse struct {
	Scopes []budget.ScopeStatus `cbor:"scopes"`
}

// handleBudgetStatus snapshots the ledger, optionally narrowed to one
// scope and its subtree.
func (s *StewardService) handleBudgetStatus(ctx context.Context, raw []byte) (any, error) {
	var req budgetStatusRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, service.Errorf(service.CodeBadRequest, "decoding request: %v", err)
	}
	snapshot := s.ledger.Snapshot()
	if req.Scope == "" {
		return budgetStatusResponse{Scopes: snapshot}, nil
	}
	root, err := scope.Parse(req.Scope)
	if err != nil {
		return nil, service.Errorf(service.CodeBadRequest, "scope: %v", err)
	}
	filtered := snapshot[:0]
	for _, status := range snapshot {
		if status.Path.HasPrefix(root) {
			filtered = append(filtered, status)
		}
	}
	if len(filtered) == 0 {
		return nil, coded(fmt.Errorf("no scope at or under %s: %w", root, budget.ErrUnknownScope))
	}
	return budgetStatusResponse{Scopes: filtered}, nil
}

type approveRequest struct {
	Escalation string `cbor:"escalation"`
	Deny       bool   `cbor:"deny,omitempty"`
	Note       string `cbor:"note,omitempty"`
}

type approveResponse struct {
	Escalation string `cbor:"escalation"`
	Approved   bool   `cbor:"approved"`
}

func (s *StewardService) handleBudgetApprove(ctx context.Context, raw []byte) (any, error) {
	var req approveRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, service.Errorf(service.CodeBadRequest, "decoding request: %v", err)
	}
	if req.Escalation == "" {
		return nil, service.Errorf(service.CodeBadRequest, "missing required field: escalation")
	}
	if err := s.ledger.ResolveEscalation(ctx, req.Escalation, !req.Deny, req.Note); err != nil {
		return nil, coded(err)
	}
	return approveResponse{Escalation: req.Escalation, Approved: !req.Deny}, nil
}

type escalationsResponse struct {
	Escalations []budget.Escalation `cbor:"escalations"`
}

func (s *StewardService) handleBudgetEscalations(ctx context.Context, raw []byte) (any, error) {
	return escalationsResponse{Escalations: s.ledger.PendingEscalations()}, nil
}

type loadRequest struct {
	// Manifest overrides the configured manifest path for this load
	// only.
	Manifest string `cbor:"manifest,omitempty"`
}

func (s *StewardService) handleBudgetLoad(ctx context.Context, raw []byte) (any, error) {
	var req loadRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, service.Errorf(service.CodeBadRequest, "decoding request: %v", err)
	}
	result, err := s.manifest.Reload(ctx, req.Manifest)
	if err != nil {
		return nil, coded(err)
	}
	return result, nil
}

// --- reference actions ---

type resolveRequest struct {
	Tokens []string `cbor:"tokens"`
}

type resolveResponse struct {
	Resolved map[string]reference.Resolution `cbor:"resolved,omitempty"`
	Failed   map[string]string               `cbor:"failed,omitempty"`
}

func (s *StewardService) handleReferenceResolve(ctx context.Context, raw []byte) (any, error) {
	var req resolveRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, service.Errorf(service.CodeBadRequest, "decoding request: %v", err)
	}
	if len(req.Tokens) == 0 {
		return nil, service.Errorf(service.CodeBadRequest, "missing required field: tokens")
	}
	result, err := s.resolver.Resolve(ctx, req.Tokens)
	if err != nil {
		return nil, coded(err)
	}
	response := resolveResponse{Resolved: result.Resolved}
	if len(result.Failed) > 0 {
		response.Failed = make(map[string]string, len(result.Failed))
		for token, failure := range result.Failed {
			response.Failed[token] = failure.Error()
		}
	}
	return response, nil
}

// --- audit actions ---

type tailRequest struct {
	Limit int    `cbor:"limit,omitempty"`
	Actor string `cbor:"actor,omitempty"`
}

type tailResponse struct {
	Head   uint64        `cbor:"head"`
	Events []audit.Event `cbor:"events"`
}

// handleAuditTail returns the newest events. The limit bounds the
// sequence window scanned, so an actor filter returns that actor's
// events within the last limit sequences, not its last limit events.
func (s *StewardService) handleAuditTail(ctx context.Context, raw []byte) (any, error) {
	var req tailRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, service.Errorf(service.CodeBadRequest, "decoding request: %v", err)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultTailLimit
	}
	if limit > tailLimitMax {
		limit = tailLimitMax
	}

	head, _ := s.log.Head()
	query := audit.Query{FromSequence: 1, Actor: req.Actor, Limit: limit}
	if head > uint64(limit) {
		query.FromSequence = head - uint64(limit) + 1
	}
	events, err := s.log.Events(ctx, query)
	if err != nil {
		return nil, coded(err)
	}
	return tailResponse{Head: head, Events: events}, nil
}

func (s *StewardService) handleAuditVerify(ctx context.Context, raw []byte) (any, error) {
	result, err := s.log.Verify(ctx)
	if err != nil && !errors.Is(err, audit.ErrChainIntegrityViolation) {
		// Store faults are errors; an integrity violation is a result
		// the caller needs to see in full.
		return nil, coded(err)
	}
	return result, nil
}

type exportRequest struct {
	Recipients []string `cbor:"recipients"`
	After      string   `cbor:"after,omitempty"`
	Before     string   `cbor:"before,omitempty"`
	Actor      string   `cbor:"actor,omitempty"`
	Limit      int      `cbor:"limit,omitempty"`
}

type exportResponse struct {
	Path          string `cbor:"path"`
	FirstSequence uint64 `cbor:"first_sequence"`
	LastSequence  uint64 `cbor:"last_sequence"`
	Count         int    `cbor:"count"`
	Size          int64  `cbor:"size"`
}

// handleAuditExport writes an age-encrypted segment of matching
// events under the export directory and returns where it landed. The
// events never transit the socket.
func (s *StewardService) handleAuditExport(ctx context.Context, raw []byte) (any, error) {
	var req exportRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, service.Errorf(service.CodeBadRequest, "decoding request: %v", err)
	}
	if len(req.Recipients) == 0 {
		return nil, service.Errorf(service.CodeBadRequest, "missing required field: recipients")
	}
	query := audit.Query{Actor: req.Actor, Limit: req.Limit}
	var err error
	if query.After, err = parseTimeField("after", req.After); err != nil {
		return nil, err
	}
	if query.Before, err = parseTimeField("before", req.Before); err != nil {
		return nil, err
	}

	events, err := s.log.Events(ctx, query)
	if err != nil {
		return nil, coded(err)
	}
	if len(events) == 0 {
		return nil, service.Errorf("not_found", "no audit events match the export query")
	}

	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating export directory: %w", err)
	}
	name := fmt.Sprintf("export-%d-%d-%d.seg",
		events[0].Sequence, events[len(events)-1].Sequence, s.clock.Now().UTC().Unix())
	path := filepath.Join(s.exportDir, name)

	file, err := os.CreateTemp(s.exportDir, ".export-*")
	if err != nil {
		return nil, fmt.Errorf("creating export file: %w", err)
	}
	info, err := archive.Export(file, events, req.Recipients, s.compression)
	if err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, coded(err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return nil, fmt.Errorf("closing export file: %w", err)
	}
	if err := os.Rename(file.Name(), path); err != nil {
		os.Remove(file.Name())
		return nil, fmt.Errorf("placing export file: %w", err)
	}

	s.logger.Info("audit export written",
		"path", path,
		"first", info.FirstSequence,
		"last", info.LastSequence,
		"count", info.Count,
	)
	return exportResponse{
		Path:          path,
		FirstSequence: info.FirstSequence,
		LastSequence:  info.LastSequence,
		Count:         info.Count,
		Size:          info.Size,
	}, nil
}

// parseTimeField parses an RFC 3339 request field, tolerating empty.
func parseTimeField(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, service.Errorf(service.CodeBadRequest, "%s: %v", name, err)
	}
	return parsed, nil
}

// --- service actions ---

type pingResponse struct {
	Version       string  `cbor:"version"`
	UptimeSeconds float64 `cbor:"uptime_seconds"`
	HeadSequence  uint64  `cbor:"head_sequence"`
	HeadHash      string  `cbor:"head_hash"`
	Compromised   bool    `cbor:"compromised,omitempty"`
}

func (s *StewardService) handlePing(ctx context.Context, raw []byte) (any, error) {
	head, hash := s.log.Head()
	return pingResponse{
		Version:       version.Info(),
		UptimeSeconds: s.clock.Now().Sub(s.startedAt).Seconds(),
		HeadSequence:  head,
		HeadHash:      hash.String(),
		Compromised:   s.log.Compromised(),
	}, nil
}
