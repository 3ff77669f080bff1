// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic GraphQL Parsing
// =============================================================================

// ParseGraphQLResponse converts a Weaviate GraphQL response into a typed struct.
//
// # Description
//
// The Weaviate client returns GraphQL data as nested map[string]interface{}.
// This helper round-trips the data through JSON into T so callers can work
// with typed fields instead of chains of type assertions.
//
// # Inputs
//
//   - resp: Response from a GraphQL Get query. Must not be nil.
//
// # Outputs
//
//   - *T: The parsed response.
//   - error: Non-nil if resp is nil or the data does not fit T.
//
// # Examples
//
//	result, err := client.GraphQL().Get().WithClassName(RulesChunkClass).Do(ctx)
//	parsed, err := ParseGraphQLResponse[RulesChunkQueryResponse](result)
//	for _, chunk := range parsed.Get.RulesChunk {
//	    fmt.Println(chunk.Title)
//	}
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 && resp.Errors[0] != nil {
		return nil, fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// =============================================================================
// Rules Chunk Query Types
// =============================================================================

// RulesChunkQueryResponse is the typed shape of a Get query on RulesChunk.
type RulesChunkQueryResponse struct {
	Get struct {
		RulesChunk []RulesChunkResult `json:"RulesChunk"`
	} `json:"Get"`
}

// RulesChunkResult is one chunk returned by a nearVector search.
type RulesChunkResult struct {
	Content    string `json:"content"`
	Title      string `json:"title"`
	Category   string `json:"category"`
	DocumentID string `json:"document_id"`
	ChunkIndex *int   `json:"chunk_index"`
	Source     string `json:"source"`
	Additional struct {
		ID        string   `json:"id"`
		Distance  *float32 `json:"distance"`
		Certainty *float32 `json:"certainty"`
	} `json:"_additional"`
}

// RulesChunkProperties is the property set written at ingestion.
type RulesChunkProperties struct {
	Content    string `json:"content"`
	Title      string `json:"title"`
	Category   string `json:"category"`
	DocumentID string `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
	Source     string `json:"source"`
	IngestedAt int64  `json:"ingested_at"`
}

// ToMap converts the properties to the map form Weaviate objects require.
func (p *RulesChunkProperties) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"content":     p.Content,
		"title":       p.Title,
		"category":    p.Category,
		"document_id": p.DocumentID,
		"chunk_index": p.ChunkIndex,
		"source":      p.Source,
		"ingested_at": p.IngestedAt,
	}
}
