// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package client is an HTTP client for the tavern chat API.
//
// Requests are retried with linear backoff when they never reached the
// server or the server refused them without processing (429, 503). Other
// failures are returned at once, since a timed-out turn may already be in
// the conversation history.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultBaseURL is the server address when none is configured.
	DefaultBaseURL = "http://localhost:1478"

	// DefaultTimeout bounds a single HTTP attempt.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxAttempts is the total number of attempts per call.
	DefaultMaxAttempts = 3

	// DefaultBackoffStep is multiplied by the attempt number between tries.
	DefaultBackoffStep = time.Second

	// PrivateConversationID is used outside any group.
	PrivateConversationID = "private"
)

// ConversationID returns "group_<id>" for a group, or "private".
func ConversationID(groupID string) string {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return PrivateConversationID
	}
	return "group_" + groupID
}

// =============================================================================
// Types
// =============================================================================

// Config configures a Client. Zero values take the defaults.
type Config struct {
	BaseURL     string
	Token       string
	Timeout     time.Duration
	MaxAttempts int
	BackoffStep time.Duration
}

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status        string            `json:"status"`
	APIConfigured bool              `json:"api_configured"`
	Dependencies  map[string]string `json:"dependencies"`
}

// Healthy reports whether the server said "healthy".
func (h HealthStatus) Healthy() bool {
	return h.Status == "healthy"
}

// ConversationList is the body of GET /conversations.
type ConversationList struct {
	Conversations map[string]int `json:"conversations"`
	Total         int            `json:"total"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Client calls the tavern API.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	baseURL     string
	token       string
	http        *http.Client
	maxAttempts int
	backoffStep time.Duration

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a Client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", cfg.BaseURL)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = DefaultBackoffStep
	}

	return &Client{
		baseURL:     base,
		token:       cfg.Token,
		http:        &http.Client{Timeout: cfg.Timeout},
		maxAttempts: cfg.MaxAttempts,
		backoffStep: cfg.BackoffStep,
		sleep:       sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// =============================================================================
// API calls
// =============================================================================

// Chat submits one turn. A turn the server rejected comes back as an
// *APIError carrying the server's message.
func (c *Client) Chat(ctx context.Context, req datatypes.TurnRequest) (*datatypes.TurnResult, error) {
	var result datatypes.TurnResult
	if err := c.do(ctx, http.MethodPost, "/chat", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ClearHistory resets a conversation.
func (c *Client) ClearHistory(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/clear_history",
		datatypes.ClearHistoryRequest{ConversationID: conversationID}, nil)
}

// Conversations lists conversations with their message counts.
func (c *Client) Conversations(ctx context.Context) (*ConversationList, error) {
	var list ConversationList
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Health fetches /health once. A degraded server returns its status with a
// nil error.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	resp, err := c.send(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode health response (HTTP %d): %w", resp.StatusCode, err)
	}
	return &status, nil
}

// =============================================================================
// Transport
// =============================================================================

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.send(ctx, method, path, payload)
		if err == nil {
			err = decodeResponse(resp, out)
			if err == nil {
				return nil
			}
		}
		lastErr = err

		if !retryable(err) || attempt == c.maxAttempts || ctx.Err() != nil {
			break
		}
		wait := c.backoffStep * time.Duration(attempt)
		slog.Debug("Retrying request",
			"path", path,
			"attempt", attempt,
			"maxAttempts", c.maxAttempts,
			"wait", wait,
			"error", err)
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return lastErr
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &envelope)
		return &APIError{StatusCode: resp.StatusCode, Message: envelope.Error}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests ||
			apiErr.StatusCode == http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// A timed-out request may have reached the server; anything else from
	// the transport means it did not.
	var urlErr *url.Error
	return errors.As(err, &urlErr) && !urlErr.Timeout()
}
