// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval augments turns with rules text from the knowledge base.
//
// # Description
//
// The Engine decides whether a message warrants a lookup, queries an Index,
// filters and orders hits by similarity, packs them into a length-bounded
// reference block and scores its confidence. Only blocks that pass the
// confidence gate are meant to reach the model.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.tavern.retrieval")

const (
	// PieceSeparator joins reference pieces in the context block.
	PieceSeparator = "\n\n---\n\n"

	// maxSources is the number of top results reported as sources.
	maxSources = 3
)

// ErrIndexUnavailable is returned by Query when no index is configured.
var ErrIndexUnavailable = errors.New("retrieval index unavailable")

// =============================================================================
// Types
// =============================================================================

// Metadata describes where a chunk came from.
type Metadata struct {
	Title      string `json:"title"`
	Category   string `json:"category"`
	DocumentID string `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
	Source     string `json:"source"`
}

// Result is one scored chunk from the index.
type Result struct {
	Content  string
	Metadata Metadata
	// Score is a similarity in [0,1], higher is closer.
	Score float64
}

// Outcome is the product of one Query.
type Outcome struct {
	Context      string
	Sources      []Metadata
	Confidence   float64
	FoundResults int
}

// Index is a nearest-neighbour search over rules chunks.
type Index interface {
	// Search returns up to limit results for query. An empty category
	// disables the metadata filter.
	Search(ctx context.Context, query, category string, limit int) ([]Result, error)
}

// =============================================================================
// Configuration
// =============================================================================

// Config tunes filtering, packing and scoring.
type Config struct {
	// SimilarityThreshold drops results scoring below it.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// MaxResults is the search limit.
	MaxResults int `yaml:"max_results"`

	// HighScore marks a result as strong evidence for the confidence bonus.
	HighScore float64 `yaml:"high_score"`

	// MaxContextLength bounds the reference block in runes, separators included.
	MaxContextLength int `yaml:"max_context_length"`

	// MinConfidence is the strict lower bound a usable outcome must exceed.
	MinConfidence float64 `yaml:"min_confidence"`
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.6,
		MaxResults:          10,
		HighScore:           0.8,
		MaxContextLength:    3000,
		MinConfidence:       0.5,
	}
}

// validateConfig corrects out-of-range values to defaults with a warning.
func validateConfig(cfg Config) Config {
	defaults := DefaultConfig()

	if cfg.SimilarityThreshold < 0 || cfg.SimilarityThreshold > 1 {
		slog.Warn("Invalid SimilarityThreshold config, using default",
			"provided", cfg.SimilarityThreshold, "default", defaults.SimilarityThreshold)
		cfg.SimilarityThreshold = defaults.SimilarityThreshold
	}
	if cfg.MaxResults < 1 {
		slog.Warn("Invalid MaxResults config, using default",
			"provided", cfg.MaxResults, "default", defaults.MaxResults)
		cfg.MaxResults = defaults.MaxResults
	}
	if cfg.HighScore <= 0 || cfg.HighScore > 1 {
		slog.Warn("Invalid HighScore config, using default",
			"provided", cfg.HighScore, "default", defaults.HighScore)
		cfg.HighScore = defaults.HighScore
	}
	if cfg.MaxContextLength < 1 {
		slog.Warn("Invalid MaxContextLength config, using default",
			"provided", cfg.MaxContextLength, "default", defaults.MaxContextLength)
		cfg.MaxContextLength = defaults.MaxContextLength
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence >= 1 {
		slog.Warn("Invalid MinConfidence config, using default",
			"provided", cfg.MinConfidence, "default", defaults.MinConfidence)
		cfg.MinConfidence = defaults.MinConfidence
	}
	return cfg
}

// =============================================================================
// Engine
// =============================================================================

// Engine implements the retrieval pipeline.
//
// # Thread Safety
//
// Safe for concurrent use if the Index is.
type Engine struct {
	index Index
	vocab *Vocabulary
	cfg   Config
}

// NewEngine creates an Engine.
//
// # Inputs
//
//   - index: May be nil, in which case every lookup reports index_unavailable.
//   - vocab: Required.
//   - cfg: Invalid fields are corrected to defaults.
func NewEngine(index Index, vocab *Vocabulary, cfg Config) *Engine {
	return &Engine{index: index, vocab: vocab, cfg: validateConfig(cfg)}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// ShouldRetrieve reports whether message mentions a rules-domain term.
func (e *Engine) ShouldRetrieve(message string) bool {
	return e.vocab.ShouldRetrieve(message)
}

// CategoryHint returns the first matching category or "".
func (e *Engine) CategoryHint(message string) string {
	return e.vocab.CategoryHint(message)
}

// Usable reports whether an outcome passes the confidence gate.
func (e *Engine) Usable(o Outcome) bool {
	return o.FoundResults > 0 && o.Confidence > e.cfg.MinConfidence
}

// Query searches the index and packs the surviving hits.
//
// # Description
//
// Hits below SimilarityThreshold are dropped, the rest are ordered by
// descending score (ties keep index order) and packed whole into the
// context block while it fits MaxContextLength.
//
// # Inputs
//
//   - ctx: Bounds the index call.
//   - question: Raw user text.
//   - category: Metadata filter, "" for none.
//
// # Outputs
//
//   - Outcome: Zero-valued with FoundResults 0 when nothing survives.
//   - error: The index failed or is not configured.
func (e *Engine) Query(ctx context.Context, question, category string) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "Engine.Query")
	defer span.End()
	span.SetAttributes(attribute.String("category", category))

	if e.index == nil {
		return Outcome{}, ErrIndexUnavailable
	}

	raw, err := e.index.Search(ctx, question, category, e.cfg.MaxResults)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "index search failed")
		return Outcome{}, fmt.Errorf("index search failed: %w", err)
	}

	kept := make([]Result, 0, len(raw))
	for _, r := range raw {
		if r.Score >= e.cfg.SimilarityThreshold {
			kept = append(kept, r)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })

	outcome := Outcome{
		Context:      buildContext(kept, e.cfg.MaxContextLength),
		Confidence:   confidence(kept, e.cfg.HighScore),
		FoundResults: len(kept),
	}
	for i := 0; i < len(kept) && i < maxSources; i++ {
		outcome.Sources = append(outcome.Sources, kept[i].Metadata)
	}

	span.SetAttributes(
		attribute.Int("retrieval.raw", len(raw)),
		attribute.Int("retrieval.kept", len(kept)),
		attribute.Float64("retrieval.confidence", outcome.Confidence),
	)
	slog.Debug("Retrieval query complete",
		"category", category,
		"raw", len(raw),
		"kept", len(kept),
		"confidence", outcome.Confidence,
		"contextLen", utf8.RuneCountInString(outcome.Context))
	return outcome, nil
}

// Decide runs the full gate for one message.
//
// # Description
//
// Every path produces a RetrievalDecision. Index failures degrade to an
// index_error decision and are never returned to the caller. The returned
// block is non-empty only when the decision is "used".
//
// # Outputs
//
//   - string: Reference block to append to the outbound message, or "".
//   - datatypes.RetrievalDecision: Why the block was or was not used.
func (e *Engine) Decide(ctx context.Context, message string) (string, datatypes.RetrievalDecision) {
	if !e.ShouldRetrieve(message) {
		return "", datatypes.RetrievalDecision{Reason: datatypes.RetrievalReasonNoDomainTerms}
	}

	category := e.CategoryHint(message)
	decision := datatypes.RetrievalDecision{Attempted: true, Category: category}
	if e.index == nil {
		decision.Reason = datatypes.RetrievalReasonIndexUnavailable
		return "", decision
	}

	outcome, err := e.Query(ctx, message, category)
	if err != nil {
		slog.Warn("Retrieval failed, continuing without reference material",
			"error", err,
			"category", category)
		decision.Reason = datatypes.RetrievalReasonIndexError
		return "", decision
	}

	decision.Confidence = outcome.Confidence
	decision.FoundResults = outcome.FoundResults
	for _, s := range outcome.Sources {
		decision.Sources = append(decision.Sources, s.label())
	}

	switch {
	case outcome.FoundResults == 0:
		decision.Reason = datatypes.RetrievalReasonNoResults
		return "", decision
	case !e.Usable(outcome):
		decision.Reason = datatypes.RetrievalReasonLowConfidence
		return "", decision
	}
	decision.Used = true
	decision.Reason = datatypes.RetrievalReasonUsed
	return outcome.Context, decision
}

// =============================================================================
// Helpers
// =============================================================================

// buildContext joins whole pieces while the block fits maxLen runes.
func buildContext(results []Result, maxLen int) string {
	sepLen := utf8.RuneCountInString(PieceSeparator)
	pieces := make([]string, 0, len(results))
	total := 0
	for _, r := range results {
		piece := r.piece()
		n := utf8.RuneCountInString(piece)
		if len(pieces) > 0 {
			n += sepLen
		}
		if total+n > maxLen {
			break
		}
		pieces = append(pieces, piece)
		total += n
	}
	return strings.Join(pieces, PieceSeparator)
}

// confidence boosts the top score by the share of high-scoring hits.
//
//	base  = top score (0 with no results)
//	bonus = min(high/5, 0.3)
//	conf  = min(base*(1+bonus), 1)
func confidence(sorted []Result, highScore float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	high := 0
	for _, r := range sorted {
		if r.Score >= highScore {
			high++
		}
	}
	bonus := min(float64(high)/5, 0.3)
	return min(sorted[0].Score*(1+bonus), 1.0)
}

func (r Result) piece() string {
	return "[" + r.Metadata.Title + " - " + r.Metadata.Category + "]\n" + r.Content
}

func (m Metadata) label() string {
	title := m.Title
	if title == "" {
		title = m.DocumentID
	}
	if m.Category == "" {
		return title
	}
	return title + " (" + m.Category + ")"
}
