// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func result(docID string, index int, score float64) SearchResult {
	return SearchResult{
		Chunk: Chunk{DocID: docID, ChunkIndex: index, Text: "text"},
		Score: score,
	}
}

func TestFuseRRFMergesByChunkID(t *testing.T) {
	dense := []SearchResult{
		result("doc1", 0, 0.9),
		result("doc1", 1, 0.5),
	}
	lexical := []SearchResult{
		result("doc1", 0, 3.1),
		result("doc2", 0, 2.0),
	}

	fused := FuseRRF(dense, lexical, 0.7, 0.3)
	require.Len(t, fused, 3)

	// doc1:0 appears in both lists; its fused score accumulates both
	// contributions and must outrank every single-list entry.
	assert.Equal(t, "doc1:0", fused[0].ChunkID())
	for _, r := range fused {
		assert.Equal(t, "hybrid", r.Route)
	}
}

func TestFuseRRFDescendingOrder(t *testing.T) {
	dense := []SearchResult{
		result("a", 0, 0.9),
		result("a", 1, 0.8),
		result("a", 2, 0.2),
	}
	fused := FuseRRF(dense, nil, 0.7, 0.3)
	require.Len(t, fused, 3)
	for i := 1; i < len(fused); i++ {
		assert.GreaterOrEqual(t, fused[i-1].Score, fused[i].Score)
	}
}

func TestFuseRRFEmptyLegs(t *testing.T) {
	assert.Empty(t, FuseRRF(nil, nil, 0.7, 0.3))

	lexical := []SearchResult{result("a", 0, 1.0)}
	fused := FuseRRF(nil, lexical, 0.7, 0.3)
	require.Len(t, fused, 1)
	assert.Equal(t, "a:0", fused[0].ChunkID())
}

func TestNormalizeScores(t *testing.T) {
	list := []SearchResult{
		result("a", 0, 10),
		result("a", 1, 5),
		result("a", 2, 0),
	}
	norm := normalizeScores(list)
	require.Len(t, norm, 3)
	assert.Equal(t, 1.0, norm[0])
	assert.Equal(t, 0.5, norm[1])
	assert.Equal(t, 0.0, norm[2])
}

func TestNormalizeScoresDegenerate(t *testing.T) {
	list := []SearchResult{result("a", 0, 3), result("a", 1, 3)}
	norm := normalizeScores(list)
	assert.Equal(t, []float64{1, 1}, norm)

	assert.Nil(t, normalizeScores(nil))
}

func TestChunkObjectIDDeterministic(t *testing.T) {
	a := chunkObjectID("doc-7", 3)
	b := chunkObjectID("doc-7", 3)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, chunkObjectID("doc-7", 4))
	assert.NotEqual(t, a, chunkObjectID("doc-8", 3))
}

func TestSearchFiltersSpecific(t *testing.T) {
	assert.False(t, SearchFilters{}.Specific())
	assert.True(t, SearchFilters{DocID: "d"}.Specific())
	assert.True(t, SearchFilters{DocFilename: "f.pdf"}.Specific())
	assert.False(t, SearchFilters{UploadedBy: "u"}.Specific())
}
