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
	"math"

	"github.com/quartermaster-ai/quartermaster/services/llm"
	"github.com/quartermaster-ai/quartermaster/services/store"
)

// MMR selects up to k results by maximal marginal relevance with the
// given lambda (1 = pure relevance, 0 = pure diversity).
//
// Diversity has two layers. Document spread is enforced first: no single
// document contributes more than k/2 picks until every other represented
// document has contributed at least one. Within that constraint the pick
// maximizes lambda*score - (1-lambda)*maxSimilarityToSelected using
// cosine over candidate embeddings. When embeddings cannot be computed
// the similarity term degrades to a same-document penalty.
func MMR(ctx context.Context, candidates []store.SearchResult, queryVec []float32, embedder llm.Embedder, k int, lambda float64) []store.SearchResult {
	if len(candidates) <= k {
		return candidates
	}

	vecs := candidateEmbeddings(ctx, candidates, embedder)

	docCap := k / 2
	if docCap < 1 {
		docCap = 1
	}
	docCount := make(map[string]int)
	docsRepresented := make(map[string]bool)
	totalDocs := make(map[string]bool)
	for _, c := range candidates {
		totalDocs[c.DocID] = true
	}

	selected := make([]store.SearchResult, 0, k)
	selectedIdx := make([]int, 0, k)
	used := make([]bool, len(candidates))

	for len(selected) < k {
		best := -1
		bestVal := 0.0
		for i, c := range candidates {
			if used[i] {
				continue
			}
			// Hold a saturated document back until all documents have a seat.
			if docCount[c.DocID] >= docCap && len(docsRepresented) < len(totalDocs) {
				continue
			}
			maxSim := 0.0
			for _, j := range selectedIdx {
				var sim float64
				if vecs != nil && vecs[i] != nil && vecs[j] != nil {
					sim = cosine(vecs[i], vecs[j])
				} else if candidates[j].DocID == c.DocID {
					sim = 0.8
				}
				if sim > maxSim {
					maxSim = sim
				}
			}
			val := lambda*c.Score - (1-lambda)*maxSim
			if best == -1 || val > bestVal {
				best, bestVal = i, val
			}
		}
		if best == -1 {
			break
		}
		used[best] = true
		selected = append(selected, candidates[best])
		selectedIdx = append(selectedIdx, best)
		docCount[candidates[best].DocID]++
		docsRepresented[candidates[best].DocID] = true
	}
	return selected
}

// candidateEmbeddings batch-embeds candidate texts, nil on failure so MMR
// degrades to document-level diversity.
func candidateEmbeddings(ctx context.Context, candidates []store.SearchResult, embedder llm.Embedder) [][]float32 {
	if embedder == nil {
		return nil
	}
	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}
	vecs, err := embedder.EmbedBatch(ctx, texts)
	if err != nil || len(vecs) != len(candidates) {
		slog.Debug("candidate embedding failed, mmr degrades to doc diversity", "error", err)
		return nil
	}
	return vecs
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
