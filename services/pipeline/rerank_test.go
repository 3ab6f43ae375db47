// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartermaster-ai/quartermaster/services/store"
)

func manyCandidates(n int) []store.SearchResult {
	out := make([]store.SearchResult, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, chunkResult("d", i, fmt.Sprintf("passage %d", i), 1.0-float64(i)*0.01))
	}
	return out
}

func TestRerankSkipsSmallLists(t *testing.T) {
	scorer := &fakeScorer{}
	r := NewReranker(scorer)

	candidates := manyCandidates(10)
	out := r.Rerank(context.Background(), "q", candidates, 10)
	assert.Len(t, out, 10)
	assert.Zero(t, scorer.calls, "near-topK lists skip the cross-encoder")
}

func TestRerankSkipsHugeLists(t *testing.T) {
	scorer := &fakeScorer{}
	r := NewReranker(scorer)

	out := r.Rerank(context.Background(), "q", manyCandidates(150), 10)
	assert.Len(t, out, 10)
	assert.Zero(t, scorer.calls)
}

func TestRerankReorders(t *testing.T) {
	scorer := &fakeScorer{} // scores by passage length
	r := NewReranker(scorer)

	candidates := manyCandidates(30)
	// Give a low-ranked candidate much longer text so the cross-encoder
	// pulls it up.
	candidates[25].Text = "this passage is very much longer than all of the other passages in the pool by a wide margin"
	winner := candidates[25].ChunkID()

	out := r.Rerank(context.Background(), "q", candidates, 5)
	require.Len(t, out, 5)
	assert.Equal(t, winner, out[0].ChunkID())
	assert.Positive(t, scorer.calls)
}

func TestRerankFallbackPreservesOrder(t *testing.T) {
	scorer := &fakeScorer{err: assert.AnError}
	r := NewReranker(scorer)

	candidates := manyCandidates(30)
	out := r.Rerank(context.Background(), "q", candidates, 5)
	require.Len(t, out, 5)
	for i, c := range out {
		assert.Equal(t, fmt.Sprintf("d:%d", i), c.ChunkID(), "upstream order preserved on scorer failure")
	}
}

func TestRerankTopKDefault(t *testing.T) {
	r := NewReranker(&fakeScorer{})
	out := r.Rerank(context.Background(), "q", manyCandidates(12), 0)
	assert.Len(t, out, 10)
}
