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
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHandleHealth_NoProbes(t *testing.T) {
	router := createTestRouter(http.MethodGet, "/health", HandleHealth(HealthConfig{APIConfigured: true}))

	w := performRequest(router, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	response := decode(t, w)
	assert.Equal(t, "healthy", response["status"])
	assert.Equal(t, true, response["api_configured"])
}

func TestHandleHealth_Degraded(t *testing.T) {
	cfg := HealthConfig{
		Probes: []Probe{
			{Name: "weaviate", Check: func(context.Context) error { return errors.New("connection refused") }},
			{Name: "llm", Check: func(context.Context) error { return nil }},
		},
	}
	router := createTestRouter(http.MethodGet, "/health", HandleHealth(cfg))

	w := performRequest(router, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	response := decode(t, w)
	assert.Equal(t, "degraded", response["status"])
	assert.Equal(t, map[string]interface{}{"weaviate": "connection refused", "llm": "ok"}, response["dependencies"])
}

func TestHandleHealth_ProbeTimeout(t *testing.T) {
	cfg := HealthConfig{
		Timeout: 20 * time.Millisecond,
		Probes: []Probe{{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}}},
	}
	router := createTestRouter(http.MethodGet, "/health", HandleHealth(cfg))

	start := time.Now()
	w := performRequest(router, http.MethodGet, "/health", nil)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
