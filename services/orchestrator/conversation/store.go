// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation owns per-conversation message history.
//
// # Description
//
// A conversation is an ordered, append-only list of messages keyed by an
// opaque conversation id. Conversations are created lazily, bounded by a
// retained-message limit and cleared explicitly. The Store interface keeps
// the orchestrator independent of where history lives; MemoryStore is the
// process-lifetime implementation.
//
// Turn-level serialization is not the store's job. Callers that need a
// read-modify-write sequence across several store calls hold the
// conversation's KeyedLocker entry for the duration.
package conversation

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
)

// DefaultMaxHistory is the default retained-message limit H.
const DefaultMaxHistory = 20

// =============================================================================
// Interface Definition
// =============================================================================

// Store owns conversation histories.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Individual calls are
// atomic; sequences of calls are not.
type Store interface {
	// Append adds a message and applies truncation.
	//
	// For role "user" with a non-zero identity the content is prefixed with
	// the identity tag. The stored message is returned.
	Append(ctx context.Context, conversationID, role, content string, identity datatypes.Identity) (datatypes.Message, error)

	// History returns a copy of the conversation, creating it if absent.
	History(ctx context.Context, conversationID string) ([]datatypes.Message, error)

	// Clear removes every message. Clearing an unknown conversation is a no-op.
	Clear(ctx context.Context, conversationID string) error

	// EnsureSystemMessage appends a system message iff the history is empty.
	// It reports whether a message was appended.
	EnsureSystemMessage(ctx context.Context, conversationID, prompt string) (bool, error)

	// Counts returns the message count of every known conversation.
	Counts(ctx context.Context) (map[string]int, error)
}

// =============================================================================
// Memory Store
// =============================================================================

// MemoryStore is the in-memory Store.
//
// # Description
//
// Histories live in a map guarded by a RWMutex. Reads return copies so
// callers can never mutate stored messages. Nothing survives a restart.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string][]datatypes.Message
	maxHistory    int
}

// NewMemoryStore creates a store that retains at most maxHistory messages
// (plus system messages outside the window) per conversation.
//
// # Inputs
//
//   - maxHistory: Retained-message limit H. Values < 1 use DefaultMaxHistory.
func NewMemoryStore(maxHistory int) *MemoryStore {
	if maxHistory < 1 {
		slog.Warn("Invalid max history, using default",
			"provided", maxHistory, "default", DefaultMaxHistory)
		maxHistory = DefaultMaxHistory
	}
	return &MemoryStore{
		conversations: make(map[string][]datatypes.Message),
		maxHistory:    maxHistory,
	}
}

// MaxHistory returns the retained-message limit.
func (s *MemoryStore) MaxHistory() int {
	return s.maxHistory
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, conversationID, role, content string, identity datatypes.Identity) (datatypes.Message, error) {
	msg := datatypes.Message{Role: role, Content: content}
	if role == datatypes.RoleUser && !identity.IsZero() {
		msg.Content = identity.Tag() + content
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.conversations[conversationID], msg)
	if len(history) > s.maxHistory {
		before := len(history)
		history = Truncate(history, s.maxHistory)
		slog.Debug("Truncated conversation history",
			"conversationID", conversationID,
			"before", before,
			"after", len(history))
	}
	s.conversations[conversationID] = history
	return msg, nil
}

// History implements Store.
func (s *MemoryStore) History(_ context.Context, conversationID string) ([]datatypes.Message, error) {
	s.mu.RLock()
	history, ok := s.conversations[conversationID]
	s.mu.RUnlock()
	if ok {
		return cloneMessages(history), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		s.conversations[conversationID] = []datatypes.Message{}
	}
	return cloneMessages(s.conversations[conversationID]), nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; ok {
		s.conversations[conversationID] = []datatypes.Message{}
	}
	return nil
}

// EnsureSystemMessage implements Store.
func (s *MemoryStore) EnsureSystemMessage(_ context.Context, conversationID, prompt string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conversations[conversationID]) > 0 {
		return false, nil
	}
	s.conversations[conversationID] = []datatypes.Message{{Role: datatypes.RoleSystem, Content: prompt}}
	return true, nil
}

// Counts implements Store.
func (s *MemoryStore) Counts(_ context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int, len(s.conversations))
	for id, history := range s.conversations {
		counts[id] = len(history)
	}
	return counts, nil
}

// IDs returns the known conversation ids in sorted order.
func (s *MemoryStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// =============================================================================
// Truncation
// =============================================================================

// Truncate bounds a history to the last maxHistory messages plus any system
// messages that fall before that window.
//
// # Description
//
// The result is [system messages before the window, in original order]
// followed by [the last maxHistory messages, in original order]. A system
// message inside the window appears once, at its window position, so no
// message is ever duplicated.
//
// # Inputs
//
//   - history: Chronological messages. Not modified.
//   - maxHistory: Window size H. Values < 1 return history unchanged.
//
// # Outputs
//
//   - []datatypes.Message: A new slice; len <= maxHistory + system messages before the window.
func Truncate(history []datatypes.Message, maxHistory int) []datatypes.Message {
	if maxHistory < 1 || len(history) <= maxHistory {
		return history
	}

	windowStart := len(history) - maxHistory
	retained := make([]datatypes.Message, 0, maxHistory+1)
	for _, msg := range history[:windowStart] {
		if msg.Role == datatypes.RoleSystem {
			retained = append(retained, msg)
		}
	}
	return append(retained, history[windowStart:]...)
}

func cloneMessages(history []datatypes.Message) []datatypes.Message {
	out := make([]datatypes.Message, len(history))
	copy(out, history)
	return out
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Store = (*MemoryStore)(nil)
