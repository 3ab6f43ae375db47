// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/quartermaster-ai/quartermaster/services/llm"
	"github.com/quartermaster-ai/quartermaster/services/store"
)

// Re-ranker caps.
const (
	rerankMaxCandidates = 50
	rerankBatchSize     = 32
	rerankPassageChars  = 400
	rerankSkipAbove     = 100
	// Blend of cross-encoder score against the upstream retrieval score.
	rerankWeight   = 0.7
	originalWeight = 0.3
)

// Reranker reorders candidates with a cross-encoder. When the scorer is
// unavailable the fallback preserves the upstream order.
type Reranker struct {
	scorer llm.CrossScorer
}

// NewReranker builds a re-ranker; scorer may be a client whose Score
// always fails, in which case every call takes the fallback path.
func NewReranker(scorer llm.CrossScorer) *Reranker {
	return &Reranker{scorer: scorer}
}

// Rerank scores at most rerankMaxCandidates of the highest-ranked
// candidates and re-sorts by 0.7*cross + 0.3*original. Skipped entirely
// when the list is already near topK or implausibly large; skipping and
// fallback both return the first topK in upstream order.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []store.SearchResult, topK int) []store.SearchResult {
	ctx, span := pipelineTracer.Start(ctx, "pipeline.rerank")
	defer span.End()

	if topK <= 0 {
		topK = 10
	}
	if len(candidates) <= (3*topK)/2 || len(candidates) > rerankSkipAbove {
		span.SetAttributes(attribute.Bool("skipped", true))
		return head(candidates, topK)
	}

	pool := candidates
	if len(pool) > rerankMaxCandidates {
		pool = pool[:rerankMaxCandidates]
	}

	passages := make([]string, len(pool))
	for i, c := range pool {
		passages[i] = truncate(c.Text, rerankPassageChars)
	}

	scores := make([]float64, 0, len(passages))
	for start := 0; start < len(passages); start += rerankBatchSize {
		end := start + rerankBatchSize
		if end > len(passages) {
			end = len(passages)
		}
		batch, err := r.scorer.Score(ctx, query, passages[start:end])
		if err != nil {
			slog.Warn("cross-encoder unavailable, preserving upstream order", "error", err)
			span.SetAttributes(attribute.Bool("fallback", true))
			return head(candidates, topK)
		}
		scores = append(scores, batch...)
	}

	reranked := make([]store.SearchResult, len(pool))
	copy(reranked, pool)
	normalized := normalizeFloats(scoresOf(reranked))
	for i := range reranked {
		reranked[i].Score = rerankWeight*scores[i] + originalWeight*normalized[i]
	}
	sort.SliceStable(reranked, func(i, j int) bool { return reranked[i].Score > reranked[j].Score })
	return head(reranked, topK)
}

func head(candidates []store.SearchResult, k int) []store.SearchResult {
	if len(candidates) > k {
		return candidates[:k]
	}
	return candidates
}

func scoresOf(results []store.SearchResult) []float64 {
	out := make([]float64, len(results))
	for i, r := range results {
		out[i] = r.Score
	}
	return out
}

func normalizeFloats(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	out := make([]float64, len(values))
	for i, v := range values {
		if hi == lo {
			out[i] = 1
		} else {
			out[i] = (v - lo) / (hi - lo)
		}
	}
	return out
}
