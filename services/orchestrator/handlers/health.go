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
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// DefaultProbeTimeout bounds every dependency probe.
const DefaultProbeTimeout = 3 * time.Second

// Probe checks one dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthConfig configures HandleHealth.
type HealthConfig struct {
	// APIConfigured reports whether a completion API key is set.
	APIConfigured bool

	// Probes run in parallel on every request.
	Probes []Probe

	// Timeout bounds the probes. Zero uses DefaultProbeTimeout.
	Timeout time.Duration
}

// HandleHealth reports liveness plus the state of each dependency.
//
// # Description
//
// Probes run concurrently under one deadline. The status is "healthy" with
// 200 when every probe passes and "degraded" with 503 otherwise. A failed
// probe never aborts its siblings.
//
// # Examples
//
//	GET /health
//	{"status":"healthy","api_configured":true,"dependencies":{"weaviate":"ok"}}
func HandleHealth(cfg HealthConfig) gin.HandlerFunc {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		var mu sync.Mutex
		deps := make(map[string]string, len(cfg.Probes))
		healthy := true

		var g errgroup.Group
		for _, p := range cfg.Probes {
			g.Go(func() error {
				err := p.Check(ctx)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					slog.Warn("Health probe failed", "dependency", p.Name, "error", err)
					deps[p.Name] = err.Error()
					healthy = false
					return nil
				}
				deps[p.Name] = "ok"
				return nil
			})
		}
		_ = g.Wait()

		status, code := "healthy", http.StatusOK
		if !healthy {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":         status,
			"api_configured": cfg.APIConfigured,
			"dependencies":   deps,
		})
	}
}
