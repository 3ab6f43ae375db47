// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/quartermaster-ai/quartermaster/services/llm"
	"github.com/quartermaster-ai/quartermaster/services/store"
)

// fakeCompletion replies with canned text and counts calls.
type fakeCompletion struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
	last  []llm.ChatMessage
}

func (f *fakeCompletion) Complete(_ context.Context, messages []llm.ChatMessage, _ llm.GenerationParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = messages
	return f.reply, f.err
}

// fakeEmbedder produces deterministic unit vectors from text bytes.
type fakeEmbedder struct {
	mu    sync.Mutex
	dim   int
	err   error
	calls int
}

func (f *fakeEmbedder) vector(text string) []float32 {
	dim := f.dim
	if dim == 0 {
		dim = 8
	}
	v := make([]float32, dim)
	for i, b := range []byte(text) {
		v[i%dim] += float32(b)
	}
	var norm float32
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	inv := 1 / float32(math.Sqrt(float64(norm)))
	for i := range v {
		v[i] *= inv
	}
	return v
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vector(text), nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int {
	if f.dim == 0 {
		return 8
	}
	return f.dim
}

// fakeSearcher returns canned results for every search leg.
type fakeSearcher struct {
	mu      sync.Mutex
	results []store.SearchResult
	err     error
	hybrid  int
	vector  int
}

func (f *fakeSearcher) VectorSearch(context.Context, []float32, int, store.SearchFilters) ([]store.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vector++
	return f.results, f.err
}

func (f *fakeSearcher) LexicalSearch(context.Context, string, int, store.SearchFilters) ([]store.SearchResult, error) {
	return f.results, f.err
}

func (f *fakeSearcher) HybridSearch(context.Context, string, []float32, int, store.SearchFilters, float64, float64) ([]store.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hybrid++
	return f.results, f.err
}

// fakeDocStore serves a fixed document list.
type fakeDocStore struct {
	docs   []store.Document
	chunks map[string][]store.Chunk
}

func (f *fakeDocStore) AllDocuments(context.Context) ([]store.Document, error) { return f.docs, nil }
func (f *fakeDocStore) Chunks(_ context.Context, docID string) ([]store.Chunk, error) {
	return f.chunks[docID], nil
}
func (f *fakeDocStore) StoreChunk(context.Context, store.Chunk) error    { return nil }
func (f *fakeDocStore) DeleteDocument(context.Context, string) error     { return nil }

// fakeScorer scores passages by their length so tests control ordering.
type fakeScorer struct {
	err   error
	calls int
}

func (f *fakeScorer) Score(_ context.Context, _ string, passages []string) ([]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float64, len(passages))
	for i, p := range passages {
		out[i] = float64(len(p))
	}
	return out, nil
}

func chunkResult(docID string, index int, text string, score float64) store.SearchResult {
	return store.SearchResult{
		Chunk: store.Chunk{
			DocID:      docID,
			ChunkIndex: index,
			Text:       text,
			FileName:   docID + ".pdf",
			UploadedAt: time.Now().Add(-48 * time.Hour),
		},
		Score: score,
	}
}
