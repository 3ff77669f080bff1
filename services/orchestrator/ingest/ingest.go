// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingest populates the rules index from source documents.
//
// Documents are split into overlapping chunks, embedded in batches and
// written to a Sink. Chunk ids are derived from the document id and chunk
// position, so re-ingesting a document overwrites its previous chunks.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/tavern/services/llm"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("aleutian.tavern.ingest")

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultChunkSize is the maximum chunk length in runes.
	DefaultChunkSize = 2000

	// DefaultChunkOverlap is the number of runes shared by adjacent chunks.
	DefaultChunkOverlap = 200

	// DefaultBatchSize is the number of chunks embedded per provider call.
	DefaultBatchSize = 64

	// DefaultConcurrency bounds in-flight embed+store batches.
	DefaultConcurrency = 4
)

// chunkNamespace seeds deterministic chunk ids.
var chunkNamespace = uuid.MustParse("6f1b0d5e-3c1a-4f0e-9a57-2b7c4e1d8a90")

var markdownSeparators = []string{"\n## ", "\n### ", "\n#### ", "\n\n", "\n", " ", ""}

// =============================================================================
// Types
// =============================================================================

// Document is one knowledge-base entry before chunking.
type Document struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Category string `json:"category"`
	Content  string `json:"content"`
	Source   string `json:"source,omitempty"`
}

// Chunk is a piece of a Document ready for embedding.
type Chunk struct {
	ID         string
	DocumentID string
	Title      string
	Category   string
	Source     string
	Index      int
	Content    string
}

// Sink persists embedded chunks.
type Sink interface {
	// Store writes chunks with their vectors and returns how many were
	// accepted.
	Store(ctx context.Context, chunks []Chunk, vectors [][]float32) (int, error)
}

// Config controls chunking and fan-out. Zero values take the defaults.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
	BatchSize    int
	Concurrency  int
}

// Report summarises one Run.
type Report struct {
	Documents int           `json:"documents"`
	Chunks    int           `json:"chunks"`
	Stored    int           `json:"stored"`
	Skipped   int           `json:"skipped"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Ingester chunks, embeds and stores documents.
//
// # Thread Safety
//
// Run may be called concurrently. The Ingester holds no mutable state.
type Ingester struct {
	embedder llm.BatchEmbedder
	sink     Sink
	cfg      Config
}

// =============================================================================
// Constructor
// =============================================================================

// New creates an Ingester. Invalid config values are replaced by defaults.
func New(embedder llm.BatchEmbedder, sink Sink, cfg Config) *Ingester {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		slog.Warn("Chunk overlap out of range, using default",
			"chunkOverlap", cfg.ChunkOverlap, "chunkSize", cfg.ChunkSize)
		cfg.ChunkOverlap = min(DefaultChunkOverlap, cfg.ChunkSize/2)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Ingester{embedder: embedder, sink: sink, cfg: cfg}
}

// =============================================================================
// Chunking
// =============================================================================

// Split breaks doc into chunks. Markdown sources split on headings first.
func (in *Ingester) Split(doc Document) ([]Chunk, error) {
	parts, err := in.splitterFor(doc.Source).SplitText(doc.Content)
	if err != nil {
		return nil, fmt.Errorf("split %s: %w", doc.ID, err)
	}

	chunks := make([]Chunk, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		idx := len(chunks)
		chunks = append(chunks, Chunk{
			ID:         ChunkID(doc.ID, idx),
			DocumentID: doc.ID,
			Title:      doc.Title,
			Category:   doc.Category,
			Source:     doc.Source,
			Index:      idx,
			Content:    p,
		})
	}
	return chunks, nil
}

func (in *Ingester) splitterFor(source string) textsplitter.TextSplitter {
	opts := []textsplitter.Option{
		textsplitter.WithChunkSize(in.cfg.ChunkSize),
		textsplitter.WithChunkOverlap(in.cfg.ChunkOverlap),
	}
	if ext := filepath.Ext(source); ext == ".md" || ext == ".markdown" {
		opts = append(opts, textsplitter.WithSeparators(markdownSeparators))
	}
	return textsplitter.NewRecursiveCharacter(opts...)
}

// ChunkID returns the stable id for chunk idx of document docID.
func ChunkID(docID string, idx int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s#%d", docID, idx))).String()
}

// =============================================================================
// Run
// =============================================================================

// Run ingests docs and reports what was stored.
//
// # Description
//
// Documents without an id or content are skipped with a warning. Chunks
// are grouped into batches of Config.BatchSize; at most Config.Concurrency
// batches are embedded and stored at once. The first failing batch cancels
// the rest.
//
// # Outputs
//
//   - Report: Counts so far, also on error.
//   - error: Non-nil if splitting, embedding or storing failed.
func (in *Ingester) Run(ctx context.Context, docs []Document) (Report, error) {
	ctx, span := tracer.Start(ctx, "Ingester.Run")
	defer span.End()

	start := time.Now()
	report := Report{}

	var chunks []Chunk
	for _, doc := range docs {
		if doc.ID == "" || doc.Content == "" {
			slog.Warn("Skipping document without id or content", "title", doc.Title, "source", doc.Source)
			report.Skipped++
			continue
		}
		cs, err := in.Split(doc)
		if err != nil {
			return report, err
		}
		report.Documents++
		chunks = append(chunks, cs...)
	}
	report.Chunks = len(chunks)
	span.SetAttributes(
		attribute.Int("ingest.documents", report.Documents),
		attribute.Int("ingest.chunks", report.Chunks),
	)
	slog.Info("Split documents into chunks", "documents", report.Documents, "chunks", report.Chunks)

	var stored atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.cfg.Concurrency)

	for i := 0; i < len(chunks); i += in.cfg.BatchSize {
		batch := chunks[i:min(i+in.cfg.BatchSize, len(chunks))]
		g.Go(func() error {
			n, err := in.storeBatch(gctx, batch)
			stored.Add(int64(n))
			return err
		})
	}

	err := g.Wait()
	report.Stored = int(stored.Load())
	report.Elapsed = time.Since(start)
	if err != nil {
		span.RecordError(err)
		return report, err
	}

	slog.Info("Ingestion finished",
		"documents", report.Documents,
		"chunks", report.Chunks,
		"stored", report.Stored,
		"elapsed", report.Elapsed)
	return report, nil
}

func (in *Ingester) storeBatch(ctx context.Context, batch []Chunk) (int, error) {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Content
	}

	vectors, err := in.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed batch starting at %s: %w", batch[0].ID, err)
	}
	if len(vectors) != len(batch) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(batch))
	}

	n, err := in.sink.Store(ctx, batch, vectors)
	if err != nil {
		return n, fmt.Errorf("store batch: %w", err)
	}
	if n < len(batch) {
		slog.Warn("Some chunks were not stored", "stored", n, "batch", len(batch))
	}
	return n, nil
}
