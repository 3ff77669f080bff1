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
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// maxPeekBytes bounds how much of a request body is read to find user_id.
const maxPeekBytes = 64 << 10

// limiterIdleTTL is how long an unused limiter is kept.
const limiterIdleTTL = 10 * time.Minute

// RateLimitConfig configures RateLimit.
type RateLimitConfig struct {
	// PerMinute is the sustained request rate per user. 0 disables limiting.
	PerMinute int

	// Burst is the bucket size. Values < 1 use PerMinute.
	Burst int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userLimiters holds one token bucket per user key.
type userLimiters struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	entries   map[string]*limiterEntry
	lastSweep time.Time
	now       func() time.Time
}

func (u *userLimiters) allow(key string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := u.now()
	if now.Sub(u.lastSweep) > time.Minute {
		for k, e := range u.entries {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(u.entries, k)
			}
		}
		u.lastSweep = now
	}

	e, ok := u.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(u.limit, u.burst)}
		u.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// RateLimit creates a per-user token bucket middleware.
//
// # Description
//
// The user key is the user_id field of a JSON body, falling back to the
// client IP. The body is restored so the handler can bind it. Rejected
// requests get 429 with the standard failure envelope.
//
// # Inputs
//
//   - cfg: Limits. PerMinute 0 returns a pass-through middleware.
//
// # Examples
//
//	router.POST("/chat", middleware.RateLimit(middleware.RateLimitConfig{PerMinute: 30}), handlers.HandleChat(svc))
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.PerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = cfg.PerMinute
	}
	limiters := &userLimiters{
		limit:   rate.Limit(float64(cfg.PerMinute) / 60),
		burst:   burst,
		entries: make(map[string]*limiterEntry),
		now:     time.Now,
	}
	return rateLimitWith(limiters)
}

func rateLimitWith(limiters *userLimiters) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := userKey(c)
		if !limiters.allow(key) {
			slog.Warn("Rate limit exceeded", "userKey", key, "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "too many requests, slow down",
			})
			return
		}
		c.Next()
	}
}

// userKey extracts the rate limit key for a request.
func userKey(c *gin.Context) string {
	if c.Request.Body != nil && strings.HasPrefix(c.ContentType(), "application/json") {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPeekBytes))
		rest := c.Request.Body
		c.Request.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), rest), rest}

		if err == nil {
			var peek struct {
				UserID string `json:"user_id"`
			}
			if json.Unmarshal(body, &peek) == nil && strings.TrimSpace(peek.UserID) != "" {
				return "user:" + strings.TrimSpace(peek.UserID)
			}
		}
	}
	return "ip:" + c.ClientIP()
}
