// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/AleutianAI/tavern/pkg/client"
	"github.com/AleutianAI/tavern/pkg/ux"
	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test doubles
// ============================================================================

type fakeAPI struct {
	requests []datatypes.TurnRequest
	cleared  []string

	result    *datatypes.TurnResult
	chatErr   error
	health    *client.HealthStatus
	healthErr error
}

func (f *fakeAPI) Chat(_ context.Context, req datatypes.TurnRequest) (*datatypes.TurnResult, error) {
	f.requests = append(f.requests, req)
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return f.result, nil
}

func (f *fakeAPI) ClearHistory(_ context.Context, id string) error {
	f.cleared = append(f.cleared, id)
	return nil
}

func (f *fakeAPI) Health(context.Context) (*client.HealthStatus, error) {
	return f.health, f.healthErr
}

func newSession(api *fakeAPI) (*chatSession, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return &chatSession{
		api:            api,
		printer:        ux.NewPrinter(&out, &errOut).WithLevel(ux.PersonalityMachine),
		conversationID: "group_5",
		userID:         "7",
		userName:       "Ayla",
		permission:     60,
		maxRunes:       10,
	}, &out, &errOut
}

// ============================================================================
// Loop Tests
// ============================================================================

func TestChatLoop_SendsMessagesUntilExit(t *testing.T) {
	api := &fakeAPI{result: &datatypes.TurnResult{Reply: "8d6 fire", Success: true}}
	s, out, _ := newSession(api)

	err := s.loop(context.Background(), strings.NewReader("fireball?\n\n  exit  \nnever sent\n"), false)
	require.NoError(t, err)

	require.Len(t, api.requests, 1)
	req := api.requests[0]
	assert.Equal(t, "group_5", req.ConversationID)
	assert.Equal(t, "7", req.UserID)
	assert.Equal(t, "Ayla", req.UserName)
	assert.Equal(t, "fireball?", req.Message)
	assert.Equal(t, 60, req.PermissionLevel)

	assert.Equal(t, "REPLY: 8d6 fire\n", out.String())
}

func TestChatLoop_EOFEnds(t *testing.T) {
	s, _, _ := newSession(&fakeAPI{})
	assert.NoError(t, s.loop(context.Background(), strings.NewReader(""), false))
}

// ============================================================================
// Command Tests
// ============================================================================

func TestHandle_TooLongNotSent(t *testing.T) {
	api := &fakeAPI{}
	s, _, errOut := newSession(api)

	s.handle(context.Background(), "火球术火球术火球术火球术")

	assert.Empty(t, api.requests)
	assert.Contains(t, errOut.String(), "message too long (12 characters, limit 10)")
}

func TestHandle_RetrievalAndDirectiveShown(t *testing.T) {
	api := &fakeAPI{result: &datatypes.TurnResult{
		Reply:     "Done.",
		Success:   true,
		Retrieval: &datatypes.RetrievalDecision{Used: true, Category: "spell", Confidence: 0.9},
		Directive: &datatypes.Directive{HasTask: true, TaskType: "daily", TaskValue: "09:00", TaskDescription: "session reminder"},
	}}
	s, out, _ := newSession(api)

	s.handle(context.Background(), "remind us")

	assert.Contains(t, out.String(), "RETRIEVAL: category=spell confidence=0.90")
	assert.Contains(t, out.String(), "DIRECTIVE: scheduled daily 09:00: session reminder")
}

func TestHandle_ClearChecksHealthFirst(t *testing.T) {
	api := &fakeAPI{health: &client.HealthStatus{Status: "degraded"}}
	s, out, errOut := newSession(api)

	s.handle(context.Background(), "clear")
	assert.Empty(t, api.cleared)
	assert.Contains(t, errOut.String(), "unavailable")

	api.health = &client.HealthStatus{Status: "healthy"}
	s.handle(context.Background(), "CLEAR")
	assert.Equal(t, []string{"group_5"}, api.cleared)
	assert.Contains(t, out.String(), "OK: history cleared")
}

func TestHandle_Status(t *testing.T) {
	api := &fakeAPI{health: &client.HealthStatus{
		Status: "healthy", APIConfigured: true, Dependencies: map[string]string{"weaviate": "ok"},
	}}
	s, out, _ := newSession(api)

	s.handle(context.Background(), "status")

	assert.Equal(t, "OK: server is healthy\napi_configured=true\nweaviate=ok\n", out.String())
}

func TestHandle_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"bad request", &client.APIError{StatusCode: 400, Message: "message is required"}, "rejected: message is required"},
		{"unauthorized", &client.APIError{StatusCode: 401}, "--token"},
		{"rate limited", &client.APIError{StatusCode: 429}, "slow down"},
		{"upstream", &client.APIError{StatusCode: 502, Message: "completion service failed"}, "assistant failed: completion service failed"},
		{"transport", errors.New("dial tcp: refused"), "cannot reach the server"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, errOut := newSession(&fakeAPI{chatErr: tt.err})
			s.handle(context.Background(), "hi")
			assert.Contains(t, errOut.String(), tt.want)
		})
	}
}

func TestHandle_UnsuccessfulResult(t *testing.T) {
	s, _, errOut := newSession(&fakeAPI{result: &datatypes.TurnResult{Success: false, Error: "oops"}})
	s.handle(context.Background(), "hi")
	assert.Contains(t, errOut.String(), "reply failed: oops")
}

func TestSummarizeDirective(t *testing.T) {
	assert.Empty(t, summarizeDirective(nil))
	assert.Empty(t, summarizeDirective(&datatypes.Directive{}))
	assert.Equal(t, "scheduled cron 0 9 * * *", summarizeDirective(&datatypes.Directive{HasTask: true, TaskType: "cron", TaskValue: "0 9 * * *"}))
}
