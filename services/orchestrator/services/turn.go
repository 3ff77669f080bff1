// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services provides the business logic behind the HTTP handlers.
//
// TurnService composes persona resolution, conversation history, retrieval,
// completion and intent parsing into one chat turn. Handlers stay thin: they
// bind JSON, call a service method and map the typed error to a status code.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/tavern/services/llm"
	"github.com/AleutianAI/tavern/services/orchestrator/conversation"
	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
	"github.com/AleutianAI/tavern/services/orchestrator/intent"
	"github.com/AleutianAI/tavern/services/orchestrator/observability"
	"github.com/AleutianAI/tavern/services/orchestrator/persona"
	"github.com/AleutianAI/tavern/services/orchestrator/retrieval"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var turnTracer = otel.Tracer("aleutian.tavern.services")

// =============================================================================
// Interfaces
// =============================================================================

// Retriever decides and fetches reference material for one message.
// *retrieval.Engine implements it.
type Retriever interface {
	Decide(ctx context.Context, message string) (string, datatypes.RetrievalDecision)
}

// PersonaManager resolves and manages personas. *persona.Resolver implements it.
type PersonaManager interface {
	Resolve(ctx context.Context, conversationID string) string
	SetPersona(ctx context.Context, conversationID, personaID string, history persona.HistoryClearer) error
	AddPersona(ctx context.Context, p datatypes.Persona) error
	List(conversationID string) datatypes.PersonaListResponse
}

// =============================================================================
// Configuration
// =============================================================================

// TurnConfig tunes validation, decoding and time limits.
type TurnConfig struct {
	MaxMessageRunes   int
	Temperature       float32
	MaxTokens         int
	LockWaitTimeout   time.Duration
	RetrievalTimeout  time.Duration
	CompletionTimeout time.Duration
}

// DefaultTurnConfig returns production defaults.
func DefaultTurnConfig() TurnConfig {
	return TurnConfig{
		MaxMessageRunes:   datatypes.DefaultMaxMessageRunes,
		Temperature:       0.7,
		MaxTokens:         1000,
		LockWaitTimeout:   30 * time.Second,
		RetrievalTimeout:  10 * time.Second,
		CompletionTimeout: 60 * time.Second,
	}
}

func (c TurnConfig) withDefaults() TurnConfig {
	d := DefaultTurnConfig()
	if c.MaxMessageRunes < 1 {
		c.MaxMessageRunes = d.MaxMessageRunes
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		slog.Warn("Invalid temperature, using default", "provided", c.Temperature, "default", d.Temperature)
		c.Temperature = d.Temperature
	}
	if c.MaxTokens < 1 {
		c.MaxTokens = d.MaxTokens
	}
	if c.LockWaitTimeout <= 0 {
		c.LockWaitTimeout = d.LockWaitTimeout
	}
	if c.RetrievalTimeout <= 0 {
		c.RetrievalTimeout = d.RetrievalTimeout
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = d.CompletionTimeout
	}
	return c
}

// TurnDeps are the collaborators of a TurnService.
//
// Retriever and Metrics may be nil. Gate defaults to a ThresholdGate at
// intent.DefaultPermissionThreshold.
type TurnDeps struct {
	Store     conversation.Store
	Locks     *conversation.KeyedLocker
	Personas  PersonaManager
	Retriever Retriever
	Chat      llm.ChatClient
	Gate      intent.Gate
	Metrics   *observability.TavernMetrics
}

// =============================================================================
// TurnService
// =============================================================================

// TurnService runs chat turns.
//
// # Description
//
// A turn moves through Validate, Lock, Resolve-Context, Retrieve (optional),
// Record-User-Turn, Complete, Parse-Intent, Gate-Permission and
// Record-Assistant-Turn. Validation happens before any state changes. Once
// the user turn is recorded it is never rolled back; a failed completion
// simply leaves no assistant turn.
//
// # Thread Safety
//
// Safe for concurrent use. Turns on one conversation are serialized by the
// per-conversation lock; different conversations proceed in parallel.
type TurnService struct {
	cfg       TurnConfig
	store     conversation.Store
	locks     *conversation.KeyedLocker
	personas  PersonaManager
	retriever Retriever
	chat      llm.ChatClient
	gate      intent.Gate
	metrics   *observability.TavernMetrics
}

// NewTurnService creates a TurnService.
func NewTurnService(cfg TurnConfig, deps TurnDeps) *TurnService {
	gate := deps.Gate
	if gate == nil {
		gate = intent.ThresholdGate{Min: intent.DefaultPermissionThreshold}
	}
	locks := deps.Locks
	if locks == nil {
		locks = conversation.NewKeyedLocker()
	}
	return &TurnService{
		cfg:       cfg.withDefaults(),
		store:     deps.Store,
		locks:     locks,
		personas:  deps.Personas,
		retriever: deps.Retriever,
		chat:      deps.Chat,
		gate:      gate,
		metrics:   deps.Metrics,
	}
}

// SubmitTurn runs one chat turn.
//
// # Inputs
//
//   - ctx: Request context. Cancelling it aborts the lock wait and upstream calls.
//   - req: The inbound turn. Defaults are filled in place.
//
// # Outputs
//
//   - *datatypes.TurnResult: Always non-nil. On error Reply is empty,
//     Success is false and Error holds a caller-safe message.
//   - error: *datatypes.Error of KindInvalidArgument, KindTimeout,
//     KindUpstreamFailure or KindInternal.
//
// # Examples
//
//	res, err := svc.SubmitTurn(ctx, &datatypes.TurnRequest{
//	    ConversationID: "group_42", UserID: "1001", Message: "remind us daily at 19:30", PermissionLevel: 80,
//	})
//	if err == nil && res.Directive != nil {
//	    fmt.Println(res.Directive.TaskValue) // "19:30"
//	}
func (s *TurnService) SubmitTurn(ctx context.Context, req *datatypes.TurnRequest) (*datatypes.TurnResult, error) {
	start := time.Now()
	s.metrics.TurnStarted()
	defer s.metrics.TurnEnded()

	req.EnsureDefaults()
	result := &datatypes.TurnResult{
		TurnID:         uuid.NewString(),
		ConversationID: req.ConversationID,
	}

	ctx, span := turnTracer.Start(ctx, "TurnService.SubmitTurn",
		trace.WithAttributes(
			attribute.String("turn.id", result.TurnID),
			attribute.String("conversation.id", req.ConversationID),
			attribute.Int("turn.permission_level", req.PermissionLevel),
		))
	defer span.End()

	err := s.runTurn(ctx, req, result)
	outcome := "success"
	if err != nil {
		outcome = string(datatypes.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		result.Success = false
		result.Error = datatypes.PublicMessage(err)
		slog.Warn("Turn failed",
			"turnID", result.TurnID,
			"conversationID", req.ConversationID,
			"kind", outcome,
			"error", err)
	}
	s.metrics.RecordTurn(outcome, time.Since(start))
	return result, err
}

func (s *TurnService) runTurn(ctx context.Context, req *datatypes.TurnRequest, result *datatypes.TurnResult) error {
	// Validate
	if err := req.Validate(s.cfg.MaxMessageRunes); err != nil {
		return err
	}

	// Lock
	unlock, err := s.lock(ctx, "submit_turn", req.ConversationID)
	if err != nil {
		return err
	}
	defer unlock()

	slog.Info("Processing turn",
		"turnID", result.TurnID,
		"conversationID", req.ConversationID,
		"userID", req.UserID,
		"messageLen", len(req.Message),
		"permissionLevel", req.PermissionLevel)

	// Resolve-Context
	prompt := systemPrompt(s.personas.Resolve(ctx, req.ConversationID))
	if _, err := s.store.EnsureSystemMessage(ctx, req.ConversationID, prompt); err != nil {
		return datatypes.WrapError(datatypes.KindInternal, "submit_turn", "failed to prepare conversation", err)
	}

	// Retrieve
	outbound := req.Message
	decision := s.retrieve(ctx, req.Message)
	result.Retrieval = &decision.RetrievalDecision
	if decision.Used {
		outbound = req.Message + "\n\n" + referenceHeader + decision.block
	}

	// Record-User-Turn
	content := outbound + fmt.Sprintf(permissionSuffixFormat, req.PermissionLevel)
	if _, err := s.store.Append(ctx, req.ConversationID, datatypes.RoleUser, content, req.Identity()); err != nil {
		return datatypes.WrapError(datatypes.KindInternal, "submit_turn", "failed to record message", err)
	}

	// Complete
	history, err := s.store.History(ctx, req.ConversationID)
	if err != nil {
		return datatypes.WrapError(datatypes.KindInternal, "submit_turn", "failed to read history", err)
	}
	raw, err := s.complete(ctx, history)
	if err != nil {
		return err
	}

	// Parse-Intent and Gate-Permission
	parsed := intent.Parse(raw)
	gated := intent.Apply(ctx, s.gate, req.PermissionLevel, parsed)
	s.recordIntent(parsed, gated)

	// Record-Assistant-Turn
	if _, err := s.store.Append(ctx, req.ConversationID, datatypes.RoleAssistant, gated.Text, datatypes.Identity{}); err != nil {
		return datatypes.WrapError(datatypes.KindInternal, "submit_turn", "failed to record reply", err)
	}

	result.Reply = gated.Text
	result.Directive = gated.Directive
	result.Success = true
	slog.Info("Turn complete",
		"turnID", result.TurnID,
		"conversationID", req.ConversationID,
		"replyLen", len(gated.Text),
		"retrieval", decision.Reason,
		"directive", gated.Directive != nil,
		"denied", gated.Denied)
	return nil
}

// retrievalDecision carries the block alongside the public decision.
type retrievalDecision struct {
	datatypes.RetrievalDecision
	block string
}

func (s *TurnService) retrieve(ctx context.Context, message string) retrievalDecision {
	if s.retriever == nil {
		d := retrievalDecision{RetrievalDecision: datatypes.RetrievalDecision{Reason: datatypes.RetrievalReasonIndexUnavailable}}
		s.metrics.RecordRetrieval(d.Reason, false, 0)
		return d
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.RetrievalTimeout)
	defer cancel()
	ctx, span := turnTracer.Start(rctx, "TurnService.retrieve")
	defer span.End()

	block, decision := s.retriever.Decide(ctx, message)
	span.SetAttributes(
		attribute.String("retrieval.reason", decision.Reason),
		attribute.Float64("retrieval.confidence", decision.Confidence),
	)
	executed := decision.Attempted &&
		decision.Reason != datatypes.RetrievalReasonIndexUnavailable &&
		decision.Reason != datatypes.RetrievalReasonIndexError
	s.metrics.RecordRetrieval(decision.Reason, executed, decision.Confidence)
	return retrievalDecision{RetrievalDecision: decision, block: block}
}

func (s *TurnService) complete(ctx context.Context, history []datatypes.Message) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CompletionTimeout)
	defer cancel()
	cctx, span := turnTracer.Start(cctx, "TurnService.complete",
		trace.WithAttributes(attribute.Int("llm.messages", len(history))))
	defer span.End()

	reply, err := s.chat.Chat(cctx, history, llm.GenerationParams{
		Temperature: llm.Float32(s.cfg.Temperature),
		MaxTokens:   llm.Int(s.cfg.MaxTokens),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return "", datatypes.WrapError(datatypes.KindTimeout, "submit_turn", "completion timed out", err)
		}
		return "", datatypes.WrapError(datatypes.KindUpstreamFailure, "submit_turn", "completion service failed", err)
	}
	return reply, nil
}

func (s *TurnService) recordIntent(parsed intent.Parsed, gated intent.Decision) {
	switch {
	case parsed.Err != nil:
		s.metrics.RecordIntent(observability.IntentParseError)
	case gated.Denied:
		s.metrics.RecordIntent(observability.IntentDenied)
	case gated.Directive != nil:
		s.metrics.RecordIntent(observability.IntentDirective)
	default:
		s.metrics.RecordIntent(observability.IntentNone)
	}
}

// lock acquires the conversation within LockWaitTimeout.
func (s *TurnService) lock(ctx context.Context, op, conversationID string) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.LockWaitTimeout)
	defer cancel()

	waitStart := time.Now()
	unlock, err := s.locks.Lock(lctx, conversationID)
	s.metrics.RecordLockWait(time.Since(waitStart))
	if err != nil {
		return nil, datatypes.WrapError(datatypes.KindTimeout, op,
			"conversation is busy, try again later", err)
	}
	return unlock, nil
}

// =============================================================================
// Conversation and Persona Operations
// =============================================================================

// Reset clears a conversation's history under its lock.
func (s *TurnService) Reset(ctx context.Context, conversationID string) error {
	conversationID = defaultConversation(conversationID)
	unlock, err := s.lock(ctx, "reset_conversation", conversationID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.store.Clear(ctx, conversationID); err != nil {
		return datatypes.WrapError(datatypes.KindInternal, "reset_conversation", "failed to clear history", err)
	}
	slog.Info("Conversation reset", "conversationID", conversationID)
	return nil
}

// SetPersona binds a persona and clears history under the conversation lock.
func (s *TurnService) SetPersona(ctx context.Context, conversationID, personaID string) error {
	conversationID = defaultConversation(conversationID)
	unlock, err := s.lock(ctx, "set_persona", conversationID)
	if err != nil {
		return err
	}
	defer unlock()
	return s.personas.SetPersona(ctx, conversationID, personaID, s.store)
}

// AddPersona registers a persona.
func (s *TurnService) AddPersona(ctx context.Context, p datatypes.Persona) error {
	return s.personas.AddPersona(ctx, p)
}

// ListPersonas lists personas with the conversation's active id.
func (s *TurnService) ListPersonas(conversationID string) datatypes.PersonaListResponse {
	return s.personas.List(defaultConversation(conversationID))
}

// Conversations returns the message count of every known conversation.
func (s *TurnService) Conversations(ctx context.Context) (map[string]int, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return nil, datatypes.WrapError(datatypes.KindInternal, "conversations", "failed to list conversations", err)
	}
	return counts, nil
}

func defaultConversation(id string) string {
	req := datatypes.TurnRequest{ConversationID: id}
	req.EnsureDefaults()
	return req.ConversationID
}

// Compile-time checks that the production collaborators fit.
var (
	_ PersonaManager = (*persona.Resolver)(nil)
	_ Retriever      = (*retrieval.Engine)(nil)
)
