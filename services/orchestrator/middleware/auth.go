// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the tavern service.
//
// TokenAuth guards the API with a shared bearer token. RateLimit applies a
// per-user token bucket to chat turns.
//
//	Request
//	   │
//	   ▼
//	TokenAuth ──► RateLimit (/chat only) ──► Handler
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// TokenAuth creates a middleware requiring "Authorization: Bearer <token>".
//
// # Description
//
// Bots calling the service share one token. An empty token disables the
// check so local deployments need no configuration.
//
// # Inputs
//
//   - token: Expected bearer token. Empty disables authentication.
//
// # Outputs
//
//   - gin.HandlerFunc: Aborts with 401 on a missing or wrong token.
//
// # Examples
//
//	router.Use(middleware.TokenAuth(cfg.Server.APIToken))
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func TokenAuth(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) { c.Next() }
	}
	expected := []byte(token)

	return func(c *gin.Context) {
		got := extractBearerToken(c)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "unauthorized",
			})
			return
		}
		c.Next()
	}
}

// extractBearerToken extracts the token from the Authorization header.
//
// Returns empty string if the header is missing or malformed. The "Bearer"
// prefix is case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	// Expected format: "Bearer <token>"
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
