// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/tavern/services/llm"
	"github.com/AleutianAI/tavern/services/orchestrator/conversation"
	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
	"github.com/AleutianAI/tavern/services/orchestrator/persona"
	"github.com/AleutianAI/tavern/services/orchestrator/services"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

// MockLLMClient implements llm.ChatClient for handler testing.
type MockLLMClient struct {
	ChatResponse string
	ChatError    error
}

func (m *MockLLMClient) Chat(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams) (string, error) {
	return m.ChatResponse, m.ChatError
}

// newTestService wires a TurnService over in-memory collaborators.
func newTestService(t *testing.T, mock *MockLLMClient) (*services.TurnService, *conversation.MemoryStore) {
	t.Helper()
	resolver, err := persona.NewResolver(context.Background(), persona.NewMemoryStore(persona.Snapshot{}), "")
	require.NoError(t, err)

	store := conversation.NewMemoryStore(conversation.DefaultMaxHistory)
	cfg := services.DefaultTurnConfig()
	cfg.LockWaitTimeout = 50 * time.Millisecond
	svc := services.NewTurnService(cfg, services.TurnDeps{
		Store:    store,
		Personas: resolver,
		Chat:     mock,
	})
	return svc, store
}

// createTestRouter creates a Gin router with the specified handler for testing.
func createTestRouter(method, path string, handler gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Handle(method, path, handler)
	return router
}

// performRequest executes an HTTP request against the test router.
func performRequest(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	switch b := body.(type) {
	case nil:
		reqBody = bytes.NewBuffer(nil)
	case string:
		reqBody = bytes.NewBufferString(b)
	default:
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBytes)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return response
}

// =============================================================================
// HandleChat Tests
// =============================================================================

func TestHandleChat_Success(t *testing.T) {
	svc, _ := newTestService(t, &MockLLMClient{ChatResponse: "Hello, adventurer!"})
	router := createTestRouter(http.MethodPost, "/chat", HandleChat(svc))

	w := performRequest(router, http.MethodPost, "/chat", datatypes.TurnRequest{
		ConversationID: "group_1", UserID: "1001", UserName: "Mira", Message: "Hello",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	assert.Equal(t, true, response["success"])
	assert.Equal(t, "Hello, adventurer!", response["reply"])
	assert.Equal(t, "group_1", response["conversation_id"])
	assert.NotEmpty(t, response["turn_id"])
	assert.NotContains(t, response, "directive")
}

func TestHandleChat_ReturnsDirective(t *testing.T) {
	svc, _ := newTestService(t, &MockLLMClient{
		ChatResponse: `Done.[TASK_INFO]{"has_task":true,"task_type":"cron","task_value":"0 9 * * 1","task_description":"Weekly","task_action":"remind"}[/TASK_INFO]`,
	})
	router := createTestRouter(http.MethodPost, "/chat", HandleChat(svc))

	w := performRequest(router, http.MethodPost, "/chat", datatypes.TurnRequest{
		Message: "remind us every monday", PermissionLevel: 90,
	})

	require.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	assert.Equal(t, "Done.", response["reply"])
	directive, ok := response["directive"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "cron", directive["task_type"])
	assert.Equal(t, "0 9 * * 1", directive["task_value"])
}

func TestHandleChat_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name   string
		mock   *MockLLMClient
		body   interface{}
		status int
	}{
		{
			name:   "invalid json",
			mock:   &MockLLMClient{},
			body:   "{not json",
			status: http.StatusBadRequest,
		},
		{
			name:   "blank message",
			mock:   &MockLLMClient{},
			body:   datatypes.TurnRequest{Message: "  "},
			status: http.StatusBadRequest,
		},
		{
			name:   "message too long",
			mock:   &MockLLMClient{},
			body:   datatypes.TurnRequest{Message: strings.Repeat("a", 2001)},
			status: http.StatusBadRequest,
		},
		{
			name:   "completion failure",
			mock:   &MockLLMClient{ChatError: errors.New("connection refused")},
			body:   datatypes.TurnRequest{Message: "hello"},
			status: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t, tt.mock)
			router := createTestRouter(http.MethodPost, "/chat", HandleChat(svc))

			w := performRequest(router, http.MethodPost, "/chat", tt.body)

			assert.Equal(t, tt.status, w.Code)
			response := decode(t, w)
			assert.Equal(t, false, response["success"])
			assert.NotEmpty(t, response["error"])
			assert.NotContains(t, response["error"], "connection refused", "upstream detail is not leaked")
		})
	}
}

// =============================================================================
// History and Conversation Tests
// =============================================================================

func TestHandleClearHistory(t *testing.T) {
	svc, store := newTestService(t, &MockLLMClient{ChatResponse: "hi"})
	ctx := context.Background()
	_, err := svc.SubmitTurn(ctx, &datatypes.TurnRequest{ConversationID: "private_9", Message: "hello"})
	require.NoError(t, err)

	router := createTestRouter(http.MethodPost, "/clear_history", HandleClearHistory(svc))

	w := performRequest(router, http.MethodPost, "/clear_history", datatypes.ClearHistoryRequest{ConversationID: "private_9"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["success"])

	history, _ := store.History(ctx, "private_9")
	assert.Empty(t, history)

	// Empty body targets the default conversation.
	w = performRequest(router, http.MethodPost, "/clear_history", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleListConversations(t *testing.T) {
	svc, _ := newTestService(t, &MockLLMClient{ChatResponse: "hi"})
	ctx := context.Background()
	for _, id := range []string{"group_1", "group_2"} {
		_, err := svc.SubmitTurn(ctx, &datatypes.TurnRequest{ConversationID: id, Message: "hello"})
		require.NoError(t, err)
	}

	router := createTestRouter(http.MethodGet, "/conversations", HandleListConversations(svc))
	w := performRequest(router, http.MethodGet, "/conversations", nil)

	require.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	assert.Equal(t, float64(2), response["total"])
	assert.Equal(t, map[string]interface{}{"group_1": float64(3), "group_2": float64(3)}, response["conversations"])
}
