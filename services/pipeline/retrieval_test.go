// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartermaster-ai/quartermaster/services/store"
)

func TestExpandQuery(t *testing.T) {
	out := ExpandQuery("what document is this", 4)
	assert.True(t, strings.HasPrefix(out, "what document is this"), "original query is the prefix")
	for _, syn := range []string{"which", "file"} {
		assert.Contains(t, out, syn)
	}
}

func TestExpandQueryCap(t *testing.T) {
	out := ExpandQuery("what document error fix fast big start stop", 4)
	added := strings.Fields(strings.TrimPrefix(out, "what document error fix fast big start stop"))
	assert.LessOrEqual(t, len(added), 4)
}

func TestExpandQueryNoSynonyms(t *testing.T) {
	assert.Equal(t, "zanzibar quux", ExpandQuery("zanzibar quux", 4))
}

func TestApplyTemporalBoost(t *testing.T) {
	now := time.Now()
	results := []store.SearchResult{
		{Chunk: store.Chunk{DocID: "fresh", UploadedAt: now.Add(-1 * time.Hour)}, Score: 1.0},
		{Chunk: store.Chunk{DocID: "old", UploadedAt: now.Add(-90 * 24 * time.Hour)}, Score: 1.0},
		{Chunk: store.Chunk{DocID: "unknown"}, Score: 1.0},
	}
	ApplyTemporalBoost(results, 30, now)

	assert.Greater(t, results[0].Score, 1.0, "recent upload gets boosted")
	assert.LessOrEqual(t, results[0].Score, 1.2, "boost caps at 20%")
	assert.Equal(t, 1.0, results[1].Score, "outside the window stays put")
	assert.Equal(t, 1.0, results[2].Score, "unknown timestamp stays put")
}

func TestDedupeByChunkID(t *testing.T) {
	results := []store.SearchResult{
		chunkResult("d1", 0, "a", 0.9),
		chunkResult("d1", 0, "a again", 0.7),
		chunkResult("d1", 1, "b", 0.5),
	}
	out := dedupeByChunkID(results)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Text, "first occurrence wins")
}

func newTestRetriever(searcher store.ChunkSearcher, embedder *fakeEmbedder, completion *fakeCompletion) *Retriever {
	return NewRetriever(searcher, embedder, completion, 100, time.Minute, false, 0.5, 30)
}

func TestRetrieveHybridPath(t *testing.T) {
	searcher := &fakeSearcher{results: []store.SearchResult{
		chunkResult("d1", 0, "alpha", 0.9),
		chunkResult("d2", 0, "beta", 0.5),
	}}
	r := newTestRetriever(searcher, &fakeEmbedder{}, &fakeCompletion{})

	out, err := r.Retrieve(context.Background(), "what is alpha?", RetrievalOptions{
		TopK:      5,
		UseHybrid: true,
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 1, searcher.hybrid)
	assert.Zero(t, searcher.vector)
	assert.GreaterOrEqual(t, out[0].Score, out[1].Score)
}

func TestRetrieveVectorOnlyPath(t *testing.T) {
	searcher := &fakeSearcher{results: []store.SearchResult{chunkResult("d1", 0, "alpha", 0.9)}}
	r := newTestRetriever(searcher, &fakeEmbedder{}, &fakeCompletion{})

	_, err := r.Retrieve(context.Background(), "what is alpha?", RetrievalOptions{UseHybrid: false})
	require.NoError(t, err)
	assert.Equal(t, 1, searcher.vector)
	assert.Zero(t, searcher.hybrid)
}

func TestRetrieveSearchFailureDegrades(t *testing.T) {
	searcher := &fakeSearcher{err: assert.AnError}
	r := newTestRetriever(searcher, &fakeEmbedder{}, &fakeCompletion{})

	out, err := r.Retrieve(context.Background(), "what is alpha?", RetrievalOptions{UseHybrid: true})
	require.NoError(t, err, "search failure degrades to empty, not error")
	assert.Empty(t, out)
}

func TestRetrieveEmbeddingFailureSurfaces(t *testing.T) {
	r := newTestRetriever(&fakeSearcher{}, &fakeEmbedder{err: assert.AnError}, &fakeCompletion{})
	_, err := r.Retrieve(context.Background(), "what is alpha?", RetrievalOptions{})
	assert.Error(t, err)
}

func TestQueryEmbeddingCached(t *testing.T) {
	embedder := &fakeEmbedder{}
	r := newTestRetriever(&fakeSearcher{}, embedder, &fakeCompletion{})

	_, err := r.QueryEmbedding(context.Background(), "same question")
	require.NoError(t, err)
	_, err = r.QueryEmbedding(context.Background(), "  same   question ") // sanitization collapses whitespace
	require.NoError(t, err)
	assert.Equal(t, 1, embedder.calls)
}
