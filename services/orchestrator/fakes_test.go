// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/quartermaster-ai/quartermaster/pkg/config"
	"github.com/quartermaster-ai/quartermaster/services/llm"
	"github.com/quartermaster-ai/quartermaster/services/store"
)

// fakeCompletion replays scripted replies in order, repeating the last
// one when the script runs out.
type fakeCompletion struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int
}

func (f *fakeCompletion) Complete(_ context.Context, _ []llm.ChatMessage, _ llm.GenerationParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	reply := ""
	if f.calls < len(f.replies) {
		reply = f.replies[f.calls]
	} else if len(f.replies) > 0 {
		reply = f.replies[len(f.replies)-1]
	}
	f.calls++
	return reply, nil
}

func (f *fakeCompletion) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEmbedder struct{}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 8)
	for i, b := range []byte(text) {
		vec[i%8] += float32(b)
	}
	return vec, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return 8 }

// fakeDocStore backs the document selector in wiring tests.
type fakeDocStore struct {
	docs   []store.Document
	chunks map[string][]store.Chunk
}

func (f *fakeDocStore) AllDocuments(context.Context) ([]store.Document, error) { return f.docs, nil }

func (f *fakeDocStore) Chunks(_ context.Context, docID string) ([]store.Chunk, error) {
	return f.chunks[docID], nil
}

func (f *fakeDocStore) StoreChunk(context.Context, store.Chunk) error { return nil }

func (f *fakeDocStore) DeleteDocument(context.Context, string) error { return nil }

type fakeScorer struct{}

func (f *fakeScorer) Score(_ context.Context, _ string, passages []string) ([]float64, error) {
	out := make([]float64, len(passages))
	for i, p := range passages {
		out[i] = float64(len(p))
	}
	return out, nil
}

func testConfig() *config.Config {
	return &config.Config{
		CacheEnabled: true,
		CacheMaxSize: 100,
		CacheTTL:     time.Minute,
		MMREnabled:   true,
		MMRLambda:    0.7,
	}
}

func newTestEngine(completion *fakeCompletion) *Engine {
	return NewEngine(Deps{
		Config:     testConfig(),
		Stores:     store.NewFacade(nil, nil),
		Completion: completion,
		Embedder:   &fakeEmbedder{},
		Scorer:     &fakeScorer{},
	})
}
