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
	"net/http"

	"github.com/AleutianAI/tavern/services/orchestrator/handlers"
	"github.com/AleutianAI/tavern/services/orchestrator/middleware"
	"github.com/gin-gonic/gin"
)

// RateLimit configures the per-user limit on /chat. PerMinute 0 disables it.
type RateLimit struct {
	PerMinute int
	Burst     int
}

// Options configures SetupRoutes.
type Options struct {
	// APIToken guards the API routes. Empty disables auth.
	APIToken string

	RateLimit RateLimit

	Health handlers.HealthConfig

	// MetricsHandler serves /metrics. Nil omits the route.
	MetricsHandler http.Handler
}

// SetupRoutes registers every tavern route on router.
//
// /health and /metrics stay outside authentication so probes and scrapers
// need no token.
func SetupRoutes(router *gin.Engine, svc handlers.ChatService, opts Options) {
	router.GET("/health", handlers.HandleHealth(opts.Health))
	if opts.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(opts.MetricsHandler))
	}

	api := router.Group("/")
	api.Use(middleware.TokenAuth(opts.APIToken))
	{
		api.POST("/chat",
			middleware.RateLimit(middleware.RateLimitConfig{
				PerMinute: opts.RateLimit.PerMinute,
				Burst:     opts.RateLimit.Burst,
			}),
			handlers.HandleChat(svc))
		api.POST("/clear_history", handlers.HandleClearHistory(svc))
		api.GET("/conversations", handlers.HandleListConversations(svc))
		api.PUT("/conversations/:conversationId/persona", handlers.HandleSetPersona(svc))

		personas := api.Group("/personas")
		{
			personas.GET("", handlers.HandleListPersonas(svc))
			personas.POST("", handlers.HandleAddPersona(svc))
		}
	}
}
