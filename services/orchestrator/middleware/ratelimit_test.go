// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// echoUserRouter binds user_id in the handler to prove the body survives.
func echoUserRouter(mw gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.POST("/chat", mw, func(c *gin.Context) {
		var body struct {
			UserID string `json:"user_id"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": body.UserID})
	})
	return router
}

func postChat(router *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimit_DisabledAtZero(t *testing.T) {
	router := echoUserRouter(RateLimit(RateLimitConfig{}))

	for i := 0; i < 50; i++ {
		assert.Equal(t, http.StatusOK, postChat(router, `{"user_id":"1"}`).Code)
	}
}

func TestRateLimit_PerUserBuckets(t *testing.T) {
	router := echoUserRouter(RateLimit(RateLimitConfig{PerMinute: 1, Burst: 2}))

	w := postChat(router, `{"user_id":"alice"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alice", "handler still sees the body")

	assert.Equal(t, http.StatusOK, postChat(router, `{"user_id":"alice"}`).Code)
	w = postChat(router, `{"user_id":"alice"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), `"success":false`)

	assert.Equal(t, http.StatusOK, postChat(router, `{"user_id":"bob"}`).Code, "other users keep their own bucket")
}

func TestRateLimit_FallsBackToClientIP(t *testing.T) {
	router := echoUserRouter(RateLimit(RateLimitConfig{PerMinute: 1, Burst: 1}))

	assert.Equal(t, http.StatusOK, postChat(router, `{}`).Code)
	assert.Equal(t, http.StatusTooManyRequests, postChat(router, `{}`).Code)
}

func TestUserLimiters_EvictsIdleEntries(t *testing.T) {
	now := time.Unix(1000, 0)
	limiters := &userLimiters{
		limit:   rate.Limit(1),
		burst:   1,
		entries: make(map[string]*limiterEntry),
		now:     func() time.Time { return now },
	}

	limiters.allow("user:old")
	now = now.Add(limiterIdleTTL + 2*time.Minute)
	limiters.allow("user:new")

	_, ok := limiters.entries["user:old"]
	assert.False(t, ok)
	assert.Len(t, limiters.entries, 1)
}
