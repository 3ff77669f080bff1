// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the chat service over HTTP.
//
// Every handler is a factory returning a gin.HandlerFunc. Failures respond
// with {"success": false, "error": "..."} and the status mapped from the
// error kind.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var chatTracer = otel.Tracer("aleutian.tavern.handlers")

// ChatService is the business surface the handlers call.
// *services.TurnService implements it.
type ChatService interface {
	SubmitTurn(ctx context.Context, req *datatypes.TurnRequest) (*datatypes.TurnResult, error)
	Reset(ctx context.Context, conversationID string) error
	Conversations(ctx context.Context) (map[string]int, error)
	ListPersonas(conversationID string) datatypes.PersonaListResponse
	AddPersona(ctx context.Context, p datatypes.Persona) error
	SetPersona(ctx context.Context, conversationID, personaID string) error
}

// respondError writes the failure envelope for err.
func respondError(c *gin.Context, err error) {
	c.JSON(datatypes.KindOf(err).HTTPStatus(), gin.H{
		"success": false,
		"error":   datatypes.PublicMessage(err),
	})
}

// HandleChat runs one chat turn.
//
// # Description
//
// Binds a datatypes.TurnRequest and passes it to SubmitTurn. The response
// body is the datatypes.TurnResult in both the success and failure case, so
// callers always receive turn_id and success.
func HandleChat(svc ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleChat")
		defer span.End()

		var req datatypes.TurnRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid request body")
			slog.Warn("Failed to parse the chat request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
			return
		}

		result, err := svc.SubmitTurn(ctx, &req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(datatypes.KindOf(err)))
			c.JSON(datatypes.KindOf(err).HTTPStatus(), result)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// HandleClearHistory resets a conversation. An empty body clears the
// default conversation.
func HandleClearHistory(svc ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ClearHistoryRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			slog.Warn("Failed to parse the clear history request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
			return
		}

		if err := svc.Reset(c.Request.Context(), req.ConversationID); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "conversation history cleared",
		})
	}
}

// HandleListConversations returns message counts per conversation.
func HandleListConversations(svc ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		counts, err := svc.Conversations(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"conversations": counts,
			"total":         len(counts),
		})
	}
}
