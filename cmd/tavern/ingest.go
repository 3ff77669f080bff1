// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/tavern/pkg/ux"
	"github.com/AleutianAI/tavern/services/llm"
	"github.com/AleutianAI/tavern/services/orchestrator"
	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
	"github.com/AleutianAI/tavern/services/orchestrator/ingest"
	"github.com/spf13/cobra"
)

func runIngest(cmd *cobra.Command, args []string) error {
	printer := ux.NewPrinter(os.Stdout, os.Stderr)

	cfg, err := orchestrator.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Weaviate.URL == "" {
		return errors.New("no Weaviate URL configured (weaviate.url or WEAVIATE_SERVICE_URL)")
	}

	var docs []ingest.Document
	for _, path := range args {
		loaded, err := ingest.LoadDocuments(path, ingestCategory)
		if err != nil {
			return err
		}
		printer.Info(fmt.Sprintf("%s: %d documents", path, len(loaded)))
		docs = append(docs, loaded...)
	}
	if len(docs) == 0 {
		printer.Warning("nothing to ingest")
		return nil
	}

	embedder, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
	})
	if err != nil {
		return err
	}

	wv, err := orchestrator.NewWeaviateClient(cfg.Weaviate.URL)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = datatypes.EnsureWeaviateSchema(schemaCtx, wv)
	cancel()
	if err != nil {
		return fmt.Errorf("prepare Weaviate schema: %w", err)
	}

	in := ingest.New(embedder, ingest.NewWeaviateSink(wv), ingest.Config{
		ChunkSize:    ingestChunkSize,
		ChunkOverlap: ingestOverlap,
		BatchSize:    ingestBatchSize,
		Concurrency:  ingestConcurrency,
	})

	report, err := in.Run(ctx, docs)
	printer.KeyValues(map[string]string{
		"documents": fmt.Sprint(report.Documents),
		"chunks":    fmt.Sprint(report.Chunks),
		"stored":    fmt.Sprint(report.Stored),
		"skipped":   fmt.Sprint(report.Skipped),
		"elapsed":   report.Elapsed.Round(time.Millisecond).String(),
	})
	if err != nil {
		return err
	}
	printer.Success(fmt.Sprintf("indexed %d chunks", report.Stored))
	return nil
}
