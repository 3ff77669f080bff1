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
	"log/slog"
	"net/http"

	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
)

// HandleListPersonas lists personas and the active one for the
// conversation named by the conversation_id query parameter.
func HandleListPersonas(svc ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.ListPersonas(c.Query("conversation_id")))
	}
}

// HandleAddPersona registers a new persona.
func HandleAddPersona(svc ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var p datatypes.Persona
		if err := c.ShouldBindJSON(&p); err != nil {
			slog.Warn("Failed to parse the persona request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
			return
		}

		if err := svc.AddPersona(c.Request.Context(), p); err != nil {
			respondError(c, err)
			return
		}
		p.Normalize()
		slog.Info("Persona added", "personaID", p.ID)
		c.JSON(http.StatusCreated, gin.H{"success": true, "persona": p})
	}
}

// HandleSetPersona binds a persona to the conversation in the path and
// clears its history.
func HandleSetPersona(svc ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		conversationID := c.Param("conversationId")

		var req datatypes.SetPersonaRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "persona_id is required"})
			return
		}

		if err := svc.SetPersona(c.Request.Context(), conversationID, req.PersonaID); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":         true,
			"conversation_id": conversationID,
			"persona_id":      req.PersonaID,
			"message":         "persona switched and history cleared",
		})
	}
}
