// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store provides a uniform facade over the two persistent indexes
// the server depends on: a vector + full-text index (Weaviate, primary)
// and a relationship graph (Neo4j, fallback and relationship authority).
//
// The facade's availability contract: evidence-path operations never
// surface backend errors to the orchestrator. Transient failures retry
// once with jitter; persistent failures return empty results. Missing
// evidence degrades answer quality, not availability.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Memory type tags. A Memory is a conversational utterance preserved for
// later retrieval, keyed by channel.
const (
	MemoryUserMessage = "user_message"
	MemoryBotResponse = "bot_response"
	MemoryAction      = "action"
)

// ErrDimensionMismatch is returned when a chunk write carries an embedding
// whose dimension differs from the configured one.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Document is an uploaded unit of text. Created by the ingestion
// collaborator, destroyed only by explicit delete.
type Document struct {
	DocID      string    `json:"doc_id"`
	FileName   string    `json:"file_name"`
	FileType   string    `json:"file_type"`
	UploadedBy string    `json:"uploaded_by"`
	UploadedAt time.Time `json:"uploaded_at"`
	ChunkCount int       `json:"chunk_count"`
}

// Chunk is a contiguous text span of a document, the atomic unit of
// retrieval. Immutable after creation.
type Chunk struct {
	DocID      string    `json:"doc_id"`
	ChunkIndex int       `json:"chunk_index"`
	Text       string    `json:"text"`
	FileName   string    `json:"file_name"`
	UploadedBy string    `json:"uploaded_by"`
	UploadedAt time.Time `json:"uploaded_at"`
	Embedding  []float32 `json:"-"`
}

// ChunkID is the stable identity (doc_id, chunk_index).
func (c *Chunk) ChunkID() string {
	return fmt.Sprintf("%s:%d", c.DocID, c.ChunkIndex)
}

// SearchResult is a chunk with its backend-native relevance score and the
// retrieval route that produced it.
type SearchResult struct {
	Chunk
	Score float64 `json:"score"`
	// Route records which search produced the result: vector, lexical,
	// hybrid, or graph.
	Route string `json:"route,omitempty"`
}

// Memory is a preserved conversational utterance.
type Memory struct {
	ID              string    `json:"id,omitempty"`
	ChannelID       string    `json:"channel_id"`
	Content         string    `json:"content"`
	MemoryType      string    `json:"memory_type"`
	UserID          string    `json:"user_id,omitempty"`
	Username        string    `json:"username,omitempty"`
	MentionedUserID string    `json:"mentioned_user_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	Importance      float64   `json:"importance"`
	Embedding       []float32 `json:"-"`
	Score           float64   `json:"score,omitempty"`
}

// ConversationTurn is a (question, answer) pair keyed by user and
// optionally channel, used for semantic continuity across turns.
type ConversationTurn struct {
	UserID    string    `json:"user_id"`
	ChannelID string    `json:"channel_id,omitempty"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Timestamp time.Time `json:"timestamp"`
	Embedding []float32 `json:"-"`
	Score     float64   `json:"score,omitempty"`
}

// ConversationStats summarizes a user's conversation history.
type ConversationStats struct {
	UserID     string    `json:"user_id"`
	TurnCount  int       `json:"turn_count"`
	FirstTurn  time.Time `json:"first_turn,omitempty"`
	LatestTurn time.Time `json:"latest_turn,omitempty"`
}

// SearchFilters narrows a chunk search.
type SearchFilters struct {
	DocID       string
	DocFilename string
	UploadedBy  string
	MinScore    float64
}

// Specific reports whether the filters target a specific document, which
// activates the cross-backend retry on empty results.
func (f SearchFilters) Specific() bool {
	return f.DocID != "" || f.DocFilename != ""
}

// Persona is one of multiple addressable identities under a user id.
type Persona struct {
	PersonaID string   `json:"persona_id"`
	UserID    string   `json:"user_id"`
	Name      string   `json:"name"`
	Channels  []string `json:"channels,omitempty"`
	Keywords  []string `json:"keywords,omitempty"`
}

// ChunkSearcher is the read-side contract the retrieval pipeline needs.
type ChunkSearcher interface {
	VectorSearch(ctx context.Context, queryVec []float32, k int, filters SearchFilters) ([]SearchResult, error)
	LexicalSearch(ctx context.Context, queryText string, k int, filters SearchFilters) ([]SearchResult, error)
	HybridSearch(ctx context.Context, queryText string, queryVec []float32, k int, filters SearchFilters, semanticWeight, lexicalWeight float64) ([]SearchResult, error)
}

// DocumentStore is the document-level contract.
type DocumentStore interface {
	AllDocuments(ctx context.Context) ([]Document, error)
	Chunks(ctx context.Context, docID string) ([]Chunk, error)
	StoreChunk(ctx context.Context, chunk Chunk) error
	DeleteDocument(ctx context.Context, docID string) error
}

// MemoryStore is the per-channel memory contract.
type MemoryStore interface {
	StoreMemory(ctx context.Context, m Memory) error
	RetrieveMemories(ctx context.Context, channelID string, queryVec []float32, k int) ([]Memory, error)
	ClearChannel(ctx context.Context, channelID string) error
}

// ConversationStore is the (question, answer) continuity contract.
type ConversationStore interface {
	AddConversation(ctx context.Context, turn ConversationTurn) error
	GetConversation(ctx context.Context, userID, channelID string, limit int) ([]ConversationTurn, error)
	GetRecentConversation(ctx context.Context, userID string, limit int) ([]ConversationTurn, error)
	GetConversationStats(ctx context.Context, userID string) (ConversationStats, error)
	GetRelevantConversations(ctx context.Context, userID string, queryVec []float32, k int) ([]ConversationTurn, error)
	ClearConversation(ctx context.Context, userID string) error
}
