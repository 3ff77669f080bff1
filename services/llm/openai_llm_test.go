// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
	"github.com/AleutianAI/tavern/services/orchestrator/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOpenAI serves the two endpoints the client uses and records the last chat body.
type fakeOpenAI struct {
	lastChat map[string]interface{}
	status   int
	delay    time.Duration
}

func (f *fakeOpenAI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-r.Context().Done():
				return
			}
		}
		if f.status != 0 {
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream exploded","type":"server_error"}}`))
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&f.lastChat)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Fireball is a 3rd-level spell."}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 40, "completion_tokens": 9, "total_tokens": 49}
		}`))
	})
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// Return out of order to exercise index mapping.
		_, _ = w.Write([]byte(`{
			"object": "list",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0.3, 0.4]},
				{"object": "embedding", "index": 0, "embedding": [0.1, 0.2]}
			],
			"model": "text-embedding-3-small",
			"usage": {"prompt_tokens": 6, "total_tokens": 6}
		}`))
	})
	return mux
}

func newTestClient(t *testing.T, fake *fakeOpenAI) (*OpenAIClient, *observability.TavernMetrics) {
	t.Helper()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	client, err := NewOpenAIClient(OpenAIConfig{
		APIKey:  "sk-test",
		BaseURL: server.URL + "/",
		Model:   "gpt-test",
		Metrics: metrics,
	})
	require.NoError(t, err)
	return client, metrics
}

func TestNewOpenAIClient_RequiresKey(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{APIKey: "  "})
	assert.Error(t, err)
}

func TestNewOpenAIClient_Defaults(t *testing.T) {
	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, DefaultOpenAIModel, client.Model())
	assert.Equal(t, DefaultEmbeddingModel, client.embeddingModel)
}

func TestOpenAIClient_Chat(t *testing.T) {
	fake := &fakeOpenAI{}
	client, metrics := newTestClient(t, fake)

	reply, err := client.Chat(context.Background(), []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: "You are a rules lawyer."},
		{Role: datatypes.RoleUser, Content: "What level spell is fireball?"},
	}, GenerationParams{Temperature: Float32(0.7), MaxTokens: Int(1000)})

	require.NoError(t, err)
	assert.Equal(t, "Fireball is a 3rd-level spell.", reply)

	assert.Equal(t, "gpt-test", fake.lastChat["model"])
	assert.EqualValues(t, 1000, fake.lastChat["max_tokens"])
	assert.InDelta(t, 0.7, fake.lastChat["temperature"], 1e-6)
	msgs, ok := fake.lastChat["messages"].([]interface{})
	require.True(t, ok)
	assert.Len(t, msgs, 2)

	assert.Equal(t, float64(40), testutil.ToFloat64(metrics.TokensTotal.WithLabelValues("prompt", "gpt-test")))
	assert.Equal(t, float64(9), testutil.ToFloat64(metrics.TokensTotal.WithLabelValues("completion", "gpt-test")))
}

func TestOpenAIClient_ChatUpstreamError(t *testing.T) {
	client, _ := newTestClient(t, &fakeOpenAI{status: http.StatusInternalServerError})

	_, err := client.Chat(context.Background(), []datatypes.Message{{Role: "user", Content: "hi"}}, GenerationParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai chat completion failed")
}

func TestOpenAIClient_ChatHonoursDeadline(t *testing.T) {
	client, _ := newTestClient(t, &fakeOpenAI{delay: 2 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Chat(ctx, []datatypes.Message{{Role: "user", Content: "hi"}}, GenerationParams{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpenAIClient_EmbedBatchKeepsInputOrder(t *testing.T) {
	client, metrics := newTestClient(t, &fakeOpenAI{})

	vectors, err := client.EmbedBatch(context.Background(), []string{"fireball", "magic missile"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vectors[0])
	assert.Equal(t, []float32{0.3, 0.4}, vectors[1])
	assert.Equal(t, float64(6), testutil.ToFloat64(metrics.TokensTotal.WithLabelValues("embedding", DefaultEmbeddingModel)))

	empty, err := client.EmbedBatch(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, empty)
}
