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
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// RulesChunkClass is the Weaviate class holding knowledge-base chunks.
const RulesChunkClass = "RulesChunk"

// GetRulesChunkSchema returns the class definition for rules chunks.
//
// Vectors are supplied by the caller, so the class has no vectorizer. The
// distance metric is cosine, which makes certainty a [0,1] similarity.
func GetRulesChunkSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       RulesChunkClass,
		Description: "A chunk of a rules document with its source metadata.",
		Vectorizer:  "none",
		VectorIndexConfig: map[string]interface{}{
			"distance": "cosine",
		},
		Properties: []*models.Property{
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The chunk text.",
				Tokenization: "word",
			},
			{
				Name:         "title",
				DataType:     []string{"text"},
				Description:  "Title of the source entry (spell, monster, class...).",
				Tokenization: "word",
			},
			{
				Name:            "category",
				DataType:        []string{"text"},
				Description:     "Coarse topic label used for filtered retrieval.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "document_id",
				DataType:        []string{"text"},
				Description:     "Identifier of the source document.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "chunk_index",
				DataType:        []string{"int"},
				Description:     "Position of the chunk within its document.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "Original file path of the document.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "ingested_at",
				DataType:        []string{"number"},
				Description:     "Timestamp (Unix ms) of ingestion.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// EnsureWeaviateSchema creates every class this service needs if missing.
//
// # Outputs
//
//   - error: Non-nil if a missing class could not be created.
func EnsureWeaviateSchema(ctx context.Context, client *weaviate.Client) error {
	schemaGetters := []func() *models.Class{
		GetRulesChunkSchema,
	}

	for _, getSchema := range schemaGetters {
		class := getSchema()

		// The client reports a missing class as an error.
		if _, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx); err == nil {
			slog.Info("Schema already exists", "class", class.Class)
			continue
		}

		slog.Info("Schema not found, creating it", "class", class.Class)
		if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return fmt.Errorf("create schema for class %s: %w", class.Class, err)
		}
		slog.Info("Successfully created schema", "class", class.Class)
	}
	return nil
}
