// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var facadeTracer = otel.Tracer("quartermaster/store")

// Facade is the single store handle the rest of the server sees.
//
// The vector+full-text backend is preferred for every chunk operation; the
// graph backend is the fallback and the relationship authority. Search
// failures never escape: a transient error retries once with jitter, a
// persistent one returns empty. On a specific-document search an empty
// primary result retries on the fallback, which repairs the case where a
// chunk was indexed in one backend but not the other.
type Facade struct {
	primary  *WeaviateStore
	fallback *GraphStore
}

var (
	_ ChunkSearcher     = (*Facade)(nil)
	_ DocumentStore     = (*Facade)(nil)
	_ MemoryStore       = (*Facade)(nil)
	_ ConversationStore = (*Facade)(nil)
)

// NewFacade builds the facade. fallback may be nil (single-backed mode).
func NewFacade(primary *WeaviateStore, fallback *GraphStore) *Facade {
	return &Facade{primary: primary, fallback: fallback}
}

// Graph exposes the relationship authority, nil when not configured.
func (f *Facade) Graph() *GraphStore { return f.fallback }

// searchWithRetry runs an evidence-path search with the availability
// contract: one jittered retry on error, fallback on empty-for-specific,
// and a final degrade to the empty list.
func (f *Facade) searchWithRetry(ctx context.Context, name string, filters SearchFilters,
	primary func(context.Context) ([]SearchResult, error),
	fallback func(context.Context) ([]SearchResult, error)) []SearchResult {

	ctx, span := facadeTracer.Start(ctx, "store.facade."+name)
	defer span.End()

	results, err := primary(ctx)
	if err != nil {
		// Jittered single retry covers transient connection drops.
		jitter := time.Duration(50+rand.Intn(150)) * time.Millisecond
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return nil
		}
		results, err = primary(ctx)
	}
	if err != nil {
		slog.Warn("primary search failed, degrading", "op", name, "error", err)
		results = nil
	}

	// A specific-document query that came back empty gets one shot at the
	// fallback backend before reporting empty.
	if len(results) == 0 && filters.Specific() && f.fallback != nil && fallback != nil {
		span.AddEvent("fallback_retry")
		fbResults, fbErr := fallback(ctx)
		if fbErr != nil {
			slog.Warn("fallback search failed", "op", name, "error", fbErr)
		} else if len(fbResults) > 0 {
			slog.Info("fallback backend repaired empty result", "op", name, "results", len(fbResults))
			results = fbResults
		}
	}
	span.SetAttributes(attribute.Int("results", len(results)))
	return results
}

// VectorSearch implements ChunkSearcher with the degrade contract.
func (f *Facade) VectorSearch(ctx context.Context, queryVec []float32, k int, filters SearchFilters) ([]SearchResult, error) {
	results := f.searchWithRetry(ctx, "vector_search", filters,
		func(ctx context.Context) ([]SearchResult, error) {
			return f.primary.VectorSearch(ctx, queryVec, k, filters)
		},
		func(ctx context.Context) ([]SearchResult, error) {
			return f.fallback.VectorSearch(ctx, queryVec, k, filters)
		})
	return results, nil
}

// LexicalSearch implements ChunkSearcher with the degrade contract.
func (f *Facade) LexicalSearch(ctx context.Context, queryText string, k int, filters SearchFilters) ([]SearchResult, error) {
	results := f.searchWithRetry(ctx, "lexical_search", filters,
		func(ctx context.Context) ([]SearchResult, error) {
			return f.primary.LexicalSearch(ctx, queryText, k, filters)
		},
		func(ctx context.Context) ([]SearchResult, error) {
			return f.fallback.LexicalSearch(ctx, queryText, k, filters)
		})
	return results, nil
}

// HybridSearch implements ChunkSearcher with the degrade contract.
func (f *Facade) HybridSearch(ctx context.Context, queryText string, queryVec []float32, k int, filters SearchFilters, semanticWeight, lexicalWeight float64) ([]SearchResult, error) {
	results := f.searchWithRetry(ctx, "hybrid_search", filters,
		func(ctx context.Context) ([]SearchResult, error) {
			return f.primary.HybridSearch(ctx, queryText, queryVec, k, filters, semanticWeight, lexicalWeight)
		},
		func(ctx context.Context) ([]SearchResult, error) {
			return f.fallback.HybridSearch(ctx, queryText, queryVec, k, filters, semanticWeight, lexicalWeight)
		})
	return results, nil
}

// AllDocuments implements DocumentStore.
func (f *Facade) AllDocuments(ctx context.Context) ([]Document, error) {
	docs, err := f.primary.AllDocuments(ctx)
	if err != nil {
		slog.Warn("list documents failed, degrading to empty", "error", err)
		return nil, nil
	}
	return docs, nil
}

// Chunks implements DocumentStore with the fallback repair.
func (f *Facade) Chunks(ctx context.Context, docID string) ([]Chunk, error) {
	chunks, err := f.primary.Chunks(ctx, docID)
	if err != nil {
		slog.Warn("get chunks failed on primary", "doc_id", docID, "error", err)
		chunks = nil
	}
	if len(chunks) == 0 && f.fallback != nil {
		fbChunks, fbErr := f.fallback.Chunks(ctx, docID)
		if fbErr == nil && len(fbChunks) > 0 {
			return fbChunks, nil
		}
	}
	return chunks, nil
}

// StoreChunk implements DocumentStore. Writes go to both backends; the
// primary write must succeed, the mirror write is best-effort.
func (f *Facade) StoreChunk(ctx context.Context, chunk Chunk) error {
	if err := f.primary.StoreChunk(ctx, chunk); err != nil {
		return err
	}
	if f.fallback != nil {
		if err := f.fallback.StoreChunk(ctx, chunk); err != nil {
			slog.Warn("chunk mirror write failed", "chunk_id", chunk.ChunkID(), "error", err)
		}
	}
	return nil
}

// DeleteDocument implements DocumentStore across both backends.
// Idempotent end to end.
func (f *Facade) DeleteDocument(ctx context.Context, docID string) error {
	if err := f.primary.DeleteDocument(ctx, docID); err != nil {
		return err
	}
	if f.fallback != nil {
		if err := f.fallback.DeleteDocument(ctx, docID); err != nil {
			slog.Warn("document mirror delete failed", "doc_id", docID, "error", err)
		}
	}
	return nil
}

// StoreMemory implements MemoryStore.
func (f *Facade) StoreMemory(ctx context.Context, m Memory) error {
	return f.primary.StoreMemory(ctx, m)
}

// RetrieveMemories implements MemoryStore with the degrade contract.
func (f *Facade) RetrieveMemories(ctx context.Context, channelID string, queryVec []float32, k int) ([]Memory, error) {
	memories, err := f.primary.RetrieveMemories(ctx, channelID, queryVec, k)
	if err != nil {
		slog.Warn("memory retrieval failed, degrading to empty", "channel_id", channelID, "error", err)
		return nil, nil
	}
	return memories, nil
}

// ClearChannel implements MemoryStore.
func (f *Facade) ClearChannel(ctx context.Context, channelID string) error {
	return f.primary.ClearChannel(ctx, channelID)
}

// AddConversation implements ConversationStore.
func (f *Facade) AddConversation(ctx context.Context, turn ConversationTurn) error {
	return f.primary.AddConversation(ctx, turn)
}

// GetConversation implements ConversationStore.
func (f *Facade) GetConversation(ctx context.Context, userID, channelID string, limit int) ([]ConversationTurn, error) {
	return f.primary.GetConversation(ctx, userID, channelID, limit)
}

// GetRecentConversation implements ConversationStore.
func (f *Facade) GetRecentConversation(ctx context.Context, userID string, limit int) ([]ConversationTurn, error) {
	return f.primary.GetRecentConversation(ctx, userID, limit)
}

// GetConversationStats implements ConversationStore.
func (f *Facade) GetConversationStats(ctx context.Context, userID string) (ConversationStats, error) {
	return f.primary.GetConversationStats(ctx, userID)
}

// GetRelevantConversations implements ConversationStore with the degrade
// contract (it is an evidence path).
func (f *Facade) GetRelevantConversations(ctx context.Context, userID string, queryVec []float32, k int) ([]ConversationTurn, error) {
	turns, err := f.primary.GetRelevantConversations(ctx, userID, queryVec, k)
	if err != nil {
		slog.Warn("relevant conversation lookup failed, degrading to empty", "user_id", userID, "error", err)
		return nil, nil
	}
	return turns, nil
}

// ClearConversation implements ConversationStore.
func (f *Facade) ClearConversation(ctx context.Context, userID string) error {
	return f.primary.ClearConversation(ctx, userID)
}
