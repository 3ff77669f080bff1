// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// WeaviateSink writes chunks to the RulesChunk class with one batch
// request per Store call.
type WeaviateSink struct {
	client *weaviate.Client
	now    func() time.Time
}

// NewWeaviateSink creates a sink over client.
func NewWeaviateSink(client *weaviate.Client) *WeaviateSink {
	return &WeaviateSink{client: client, now: time.Now}
}

// Store implements Sink. Items rejected by Weaviate are logged and not
// counted; only a failed request returns an error.
func (s *WeaviateSink) Store(ctx context.Context, chunks []Chunk, vectors [][]float32) (int, error) {
	objects := chunkObjects(chunks, vectors, s.now())

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("weaviate batch import: %w", err)
	}

	stored := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
			for _, e := range item.Result.Errors.Error {
				slog.Warn("Weaviate rejected chunk", "chunkId", item.ID, "error", e.Message)
			}
			continue
		}
		stored++
	}
	return stored, nil
}

func chunkObjects(chunks []Chunk, vectors [][]float32, at time.Time) []*models.Object {
	objects := make([]*models.Object, len(chunks))
	for i, c := range chunks {
		props := datatypes.RulesChunkProperties{
			Content:    c.Content,
			Title:      c.Title,
			Category:   c.Category,
			DocumentID: c.DocumentID,
			ChunkIndex: c.Index,
			Source:     c.Source,
			IngestedAt: at.UnixMilli(),
		}
		objects[i] = &models.Object{
			Class:      datatypes.RulesChunkClass,
			ID:         strfmt.UUID(c.ID),
			Vector:     vectors[i],
			Properties: props.ToMap(),
		}
	}
	return objects
}
