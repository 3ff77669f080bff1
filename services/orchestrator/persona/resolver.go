// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package persona maps conversations to system personas.
//
// # Description
//
// A persona is a named system prompt. Each conversation is bound to at most
// one persona id; unbound conversations use the "default" persona. The
// Resolver holds the working set in memory and writes every mutation through
// a Store (YAML file, BadgerDB or memory).
package persona

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.tavern.persona")

// FallbackPrompt is used when neither the bound nor the default persona exists.
const FallbackPrompt = "You are a friendly AI assistant taking part in a TRPG (tabletop role-playing game) session. " +
	"Reply to the players' questions and conversation in concise, friendly language."

// HistoryClearer clears a conversation's history after a persona switch.
type HistoryClearer interface {
	Clear(ctx context.Context, conversationID string) error
}

// Resolver implements persona resolution and management.
//
// # Thread Safety
//
// Safe for concurrent use. Reads take a shared lock; mutations hold the
// exclusive lock across the Store write so the in-memory state and the
// persisted state never diverge.
type Resolver struct {
	mu       sync.RWMutex
	store    Store
	personas map[string]datatypes.Persona
	bindings map[string]string
	fallback string
}

// NewResolver loads the store and seeds a default persona when it is empty.
//
// # Inputs
//
//   - ctx: Bounds the initial load and seed write.
//   - store: Persona persistence.
//   - fallback: Prompt for the seeded default persona and the last-resort
//     fallback. Empty uses FallbackPrompt.
//
// # Outputs
//
//   - *Resolver: Ready to use.
//   - error: The store could not be read, or the seed could not be written.
func NewResolver(ctx context.Context, store Store, fallback string) (*Resolver, error) {
	if fallback == "" {
		fallback = FallbackPrompt
	}
	r := &Resolver{store: store, fallback: fallback}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.personas) == 0 {
		r.personas[datatypes.DefaultPersonaID] = datatypes.Persona{
			ID:          datatypes.DefaultPersonaID,
			Name:        "Default",
			Description: fallback,
		}
		if err := r.store.Save(ctx, r.snapshotLocked()); err != nil {
			return nil, fmt.Errorf("seed default persona: %w", err)
		}
		slog.Info("Seeded default persona")
	}
	return r, nil
}

// Reload replaces the working set with the store's contents.
func (r *Resolver) Reload(ctx context.Context) error {
	snap, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load personas: %w", err)
	}

	personas := make(map[string]datatypes.Persona, len(snap.Personas))
	for _, p := range snap.Personas {
		p.Normalize()
		if err := p.Validate(); err != nil {
			slog.Warn("Skipping invalid stored persona", "personaID", p.ID, "error", err)
			continue
		}
		personas[p.ID] = p
	}
	bindings := make(map[string]string, len(snap.Bindings))
	for conv, id := range snap.Bindings {
		bindings[conv] = id
	}

	r.mu.Lock()
	r.personas = personas
	r.bindings = bindings
	r.mu.Unlock()

	slog.Debug("Personas loaded", "personas", len(personas), "bindings", len(bindings))
	return nil
}

// ActiveID returns the persona id bound to conversationID, or the default id.
func (r *Resolver) ActiveID(conversationID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeIDLocked(conversationID)
}

// Resolve returns the system prompt for conversationID.
//
// # Description
//
// Never fails. The chain is: bound persona, then the default persona, then
// the fallback prompt. Each degradation is logged.
func (r *Resolver) Resolve(ctx context.Context, conversationID string) string {
	_, span := tracer.Start(ctx, "Resolver.Resolve")
	defer span.End()

	r.mu.RLock()
	defer r.mu.RUnlock()

	id := r.activeIDLocked(conversationID)
	span.SetAttributes(attribute.String("persona.id", id))
	if p, ok := r.personas[id]; ok {
		return p.Description
	}
	if id != datatypes.DefaultPersonaID {
		slog.Warn("Bound persona missing, using default",
			"conversationID", conversationID,
			"personaID", id)
		if p, ok := r.personas[datatypes.DefaultPersonaID]; ok {
			return p.Description
		}
	}
	slog.Warn("Default persona missing, using fallback prompt", "conversationID", conversationID)
	return r.fallback
}

// SetPersona binds conversationID to personaID and clears its history.
//
// # Description
//
// The caller must hold the conversation's turn lock so no turn observes the
// new persona with the old history. The binding is persisted before history
// is cleared; if persistence fails the binding is rolled back.
//
// # Outputs
//
//   - error: KindNotFound for an unknown persona, KindInternal when the
//     binding could not be persisted or the history could not be cleared.
func (r *Resolver) SetPersona(ctx context.Context, conversationID, personaID string, history HistoryClearer) error {
	ctx, span := tracer.Start(ctx, "Resolver.SetPersona")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("persona.id", personaID),
	)

	r.mu.Lock()
	if _, ok := r.personas[personaID]; !ok {
		r.mu.Unlock()
		return datatypes.NewError(datatypes.KindNotFound, "set_persona", fmt.Sprintf("unknown persona: %s", personaID))
	}

	previous, hadPrevious := r.bindings[conversationID]
	r.bindings[conversationID] = personaID
	if err := r.store.Save(ctx, r.snapshotLocked()); err != nil {
		if hadPrevious {
			r.bindings[conversationID] = previous
		} else {
			delete(r.bindings, conversationID)
		}
		r.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist binding failed")
		return datatypes.WrapError(datatypes.KindInternal, "set_persona", "failed to persist persona binding", err)
	}
	r.mu.Unlock()

	if history != nil {
		if err := history.Clear(ctx, conversationID); err != nil {
			span.RecordError(err)
			return datatypes.WrapError(datatypes.KindInternal, "set_persona", "failed to clear history", err)
		}
	}

	slog.Info("Persona switched",
		"conversationID", conversationID,
		"personaID", personaID)
	return nil
}

// AddPersona registers a new persona.
//
// # Outputs
//
//   - error: KindInvalidArgument for a bad definition, KindAlreadyExists for
//     a duplicate id, KindInternal when the store write fails.
func (r *Resolver) AddPersona(ctx context.Context, p datatypes.Persona) error {
	ctx, span := tracer.Start(ctx, "Resolver.AddPersona")
	defer span.End()

	p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	span.SetAttributes(attribute.String("persona.id", p.ID))

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.personas[p.ID]; exists {
		return datatypes.NewError(datatypes.KindAlreadyExists, "add_persona", fmt.Sprintf("persona already exists: %s", p.ID))
	}

	r.personas[p.ID] = p
	if err := r.store.Save(ctx, r.snapshotLocked()); err != nil {
		delete(r.personas, p.ID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist persona failed")
		return datatypes.WrapError(datatypes.KindInternal, "add_persona", "failed to persist persona", err)
	}

	slog.Info("Persona added", "personaID", p.ID, "descriptionLen", len(p.Description))
	return nil
}

// List returns every persona sorted by id plus the active id for conversationID.
func (r *Resolver) List(conversationID string) datatypes.PersonaListResponse {
	r.mu.RLock()
	defer r.mu.RUnlock()

	personas := make([]datatypes.Persona, 0, len(r.personas))
	for _, p := range r.personas {
		personas = append(personas, p)
	}
	sort.Slice(personas, func(i, j int) bool { return personas[i].ID < personas[j].ID })

	return datatypes.PersonaListResponse{
		Personas:        personas,
		ActivePersonaID: r.activeIDLocked(conversationID),
		ConversationID:  conversationID,
	}
}

func (r *Resolver) activeIDLocked(conversationID string) string {
	if id, ok := r.bindings[conversationID]; ok && id != "" {
		return id
	}
	return datatypes.DefaultPersonaID
}

func (r *Resolver) snapshotLocked() Snapshot {
	snap := Snapshot{
		Personas: make([]datatypes.Persona, 0, len(r.personas)),
		Bindings: make(map[string]string, len(r.bindings)),
	}
	for _, p := range r.personas {
		snap.Personas = append(snap.Personas, p)
	}
	for k, v := range r.bindings {
		snap.Bindings[k] = v
	}
	return snap.normalize()
}
