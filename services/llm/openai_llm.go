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
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
	"github.com/AleutianAI/tavern/services/orchestrator/observability"
	"github.com/sashabaranov/go-openai"
)

const (
	// DefaultOpenAIModel is used when no chat model is configured.
	DefaultOpenAIModel = "gpt-4o-mini"

	// DefaultEmbeddingModel is used when no embedding model is configured.
	DefaultEmbeddingModel = "text-embedding-3-small"
)

// OpenAIConfig configures an OpenAI-compatible client.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API root, e.g. for a local OpenAI-compatible server.
	// Empty uses the public endpoint.
	BaseURL string

	// Model is the chat model. Default: gpt-4o-mini
	Model string

	// EmbeddingModel is the embedding model. Default: text-embedding-3-small
	EmbeddingModel string

	// Metrics receives provider-reported token usage. May be nil.
	Metrics *observability.TavernMetrics
}

// OpenAIClient implements ChatClient and BatchEmbedder over the OpenAI API.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying go-openai client is stateless.
type OpenAIClient struct {
	client         *openai.Client
	model          string
	embeddingModel string
	metrics        *observability.TavernMetrics
}

// NewOpenAIClient creates a client from cfg.
//
// # Outputs
//
//   - *OpenAIClient: Ready client.
//   - error: Non-nil if the API key is missing.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api key is not configured")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
		slog.Warn("OPENAI_MODEL not set, using default", "model", cfg.Model)
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	slog.Info("Initializing OpenAI client",
		"model", cfg.Model,
		"embeddingModel", cfg.EmbeddingModel,
		"customBaseURL", cfg.BaseURL != "")

	return &OpenAIClient{
		client:         openai.NewClientWithConfig(clientConfig),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		metrics:        cfg.Metrics,
	}, nil
}

// Model returns the configured chat model.
func (o *OpenAIClient) Model() string {
	return o.model
}

// Chat implements ChatClient.
func (o *OpenAIClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	slog.Debug("Requesting chat completion", "model", o.model, "messages", len(req.Messages))
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}

	o.metrics.RecordTokens(observability.TokenKindPrompt, o.model, resp.Usage.PromptTokens)
	o.metrics.RecordTokens(observability.TokenKindCompletion, o.model, resp.Usage.CompletionTokens)
	slog.Debug("Received chat completion", "finishReason", resp.Choices[0].FinishReason)

	return resp.Choices[0].Message.Content, nil
}

// Embed implements Embedder.
func (o *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch implements BatchEmbedder. Vectors are returned in input order.
func (o *OpenAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(o.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embedding failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	o.metrics.RecordTokens(observability.TokenKindEmbedding, o.embeddingModel, resp.Usage.TotalTokens)

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("openai returned embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var (
	_ ChatClient    = (*OpenAIClient)(nil)
	_ BatchEmbedder = (*OpenAIClient)(nil)
)
