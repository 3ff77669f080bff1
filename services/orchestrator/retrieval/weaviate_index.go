// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/tavern/services/llm"
	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// WeaviateIndex searches the RulesChunk class by vector similarity.
//
// # Description
//
// The query is embedded with the configured Embedder and matched with a
// nearVector search. Certainty is requested rather than distance because it
// is always in [0,1] regardless of the distance metric.
//
// # Thread Safety
//
// Safe for concurrent use. The Weaviate client pools connections.
type WeaviateIndex struct {
	client    *weaviate.Client
	embedder  llm.Embedder
	className string
}

// NewWeaviateIndex creates an index over datatypes.RulesChunkClass.
func NewWeaviateIndex(client *weaviate.Client, embedder llm.Embedder) *WeaviateIndex {
	return &WeaviateIndex{
		client:    client,
		embedder:  embedder,
		className: datatypes.RulesChunkClass,
	}
}

// Search implements Index.
func (w *WeaviateIndex) Search(ctx context.Context, query, category string, limit int) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "WeaviateIndex.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("weaviate.class", w.className),
		attribute.Int("weaviate.limit", limit),
	)

	vector, err := w.embedder.Embed(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "title"},
		{Name: "category"},
		{Name: "document_id"},
		{Name: "chunk_index"},
		{Name: "source"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
		}},
	}

	builder := w.client.GraphQL().Get().
		WithClassName(w.className).
		WithFields(fields...).
		WithNearVector(w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)).
		WithLimit(limit)
	if category != "" {
		builder = builder.WithWhere(filters.Where().
			WithPath([]string{"category"}).
			WithOperator(filters.Equal).
			WithValueString(category))
	}

	resp, err := builder.Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "weaviate search failed")
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.RulesChunkQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		return nil, fmt.Errorf("failed to parse search results: %w", err)
	}

	results := make([]Result, 0, len(parsed.Get.RulesChunk))
	for _, chunk := range parsed.Get.RulesChunk {
		results = append(results, toResult(chunk))
	}
	span.SetAttributes(attribute.Int("weaviate.results", len(results)))
	slog.Debug("Weaviate rules search complete",
		"category", category,
		"results", len(results))
	return results, nil
}

// Ready reports whether the Weaviate node accepts requests.
func (w *WeaviateIndex) Ready(ctx context.Context) error {
	ready, err := w.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate readiness check failed: %w", err)
	}
	if !ready {
		return fmt.Errorf("weaviate is not ready")
	}
	return nil
}

func toResult(chunk datatypes.RulesChunkResult) Result {
	r := Result{
		Content: chunk.Content,
		Metadata: Metadata{
			Title:      chunk.Title,
			Category:   chunk.Category,
			DocumentID: chunk.DocumentID,
			Source:     chunk.Source,
		},
	}
	if chunk.ChunkIndex != nil {
		r.Metadata.ChunkIndex = *chunk.ChunkIndex
	}
	if chunk.Additional.Certainty != nil {
		r.Score = float64(*chunk.Additional.Certainty)
	}
	return r
}

var _ Index = (*WeaviateIndex)(nil)
