// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

// stubService is a minimal handlers.ChatService.
type stubService struct{}

func (stubService) SubmitTurn(_ context.Context, req *datatypes.TurnRequest) (*datatypes.TurnResult, error) {
	return &datatypes.TurnResult{TurnID: "t", ConversationID: req.ConversationID, Reply: "ok", Success: true}, nil
}
func (stubService) Reset(context.Context, string) error { return nil }
func (stubService) Conversations(context.Context) (map[string]int, error) { return map[string]int{}, nil }
func (stubService) ListPersonas(id string) datatypes.PersonaListResponse {
	return datatypes.PersonaListResponse{ConversationID: id}
}
func (stubService) AddPersona(context.Context, datatypes.Persona) error { return nil }
func (stubService) SetPersona(context.Context, string, string) error { return nil }

func serve(router *gin.Engine, method, path, body, token string) int {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w.Code
}

// ============================================================================
// SetupRoutes Tests
// ============================================================================

func TestSetupRoutes_RegistersAll(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, stubService{}, Options{MetricsHandler: promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})})

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/chat"},
		{"POST", "/clear_history"},
		{"GET", "/conversations"},
		{"PUT", "/conversations/:conversationId/persona"},
		{"GET", "/personas"},
		{"POST", "/personas"},
	}

	registered := make(map[string]bool)
	for _, r := range router.Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	for _, e := range expected {
		assert.True(t, registered[e.method+" "+e.path], "route %s %s should be registered", e.method, e.path)
	}
}

func TestSetupRoutes_NoMetricsHandler(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, stubService{}, Options{})

	assert.Equal(t, http.StatusNotFound, serve(router, "GET", "/metrics", "", ""))
}

func TestSetupRoutes_TokenGuardsAPIOnly(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, stubService{}, Options{APIToken: "s3cret"})

	assert.Equal(t, http.StatusOK, serve(router, "GET", "/health", "", ""), "health stays open")
	assert.Equal(t, http.StatusUnauthorized, serve(router, "GET", "/conversations", "", ""))
	assert.Equal(t, http.StatusOK, serve(router, "GET", "/conversations", "", "s3cret"))
	assert.Equal(t, http.StatusOK, serve(router, "POST", "/chat", `{"message":"hi"}`, "s3cret"))
}

func TestSetupRoutes_RateLimitOnChatOnly(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, stubService{}, Options{RateLimit: RateLimit{PerMinute: 1, Burst: 1}})

	body := `{"user_id":"7","message":"hi"}`
	assert.Equal(t, http.StatusOK, serve(router, "POST", "/chat", body, ""))
	assert.Equal(t, http.StatusTooManyRequests, serve(router, "POST", "/chat", body, ""))

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, serve(router, "GET", "/conversations", "", ""))
	}
}
