// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the wire shapes of the query surface: the
// request parameters, the result envelope, and the tagged answer kinds
// the orchestrator produces.
package datatypes

import (
	"github.com/go-playground/validator/v10"

	"github.com/quartermaster-ai/quartermaster/services/tools"
)

// Answer kinds. The wire envelope is one shape; Kind records which path
// produced it.
const (
	KindCasual             = "casual"
	KindStateAnswer        = "state_answer"
	KindActionConfirmation = "action_confirmation"
	KindRagAnswer          = "rag_answer"
)

// QueryParams is the "query" method's parameter object.
type QueryParams struct {
	Question         string  `json:"question" validate:"required,min=1"`
	TopK             int     `json:"top_k" validate:"gte=0,lte=100"`
	Temperature      float32 `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens        int     `json:"max_tokens" validate:"gte=0,lte=8192"`
	MaxContextTokens int     `json:"max_context_tokens" validate:"gte=0,lte=32768"`

	UserID          string `json:"user_id,omitempty"`
	ChannelID       string `json:"channel_id,omitempty"`
	MentionedUserID string `json:"mentioned_user_id,omitempty"`
	IsAdmin         bool   `json:"is_admin,omitempty"`

	UseMemory            *bool `json:"use_memory,omitempty"`
	UseSharedDocs        *bool `json:"use_shared_docs,omitempty"`
	UseHybridSearch      *bool `json:"use_hybrid_search,omitempty"`
	UseQueryExpansion    *bool `json:"use_query_expansion,omitempty"`
	UseTemporalWeighting *bool `json:"use_temporal_weighting,omitempty"`

	DocID       string `json:"doc_id,omitempty"`
	DocFilename string `json:"doc_filename,omitempty"`

	PreviousQuestion string `json:"previous_question,omitempty"`
	PreviousAnswer   string `json:"previous_answer,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Normalize fills defaults and validates. Boolean options default true.
func (p *QueryParams) Normalize() error {
	if p.TopK == 0 {
		p.TopK = 10
	}
	if p.Temperature == 0 {
		p.Temperature = 0.7
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = 600
	}
	if p.MaxContextTokens == 0 {
		p.MaxContextTokens = 1500
	}
	return validate.Struct(p)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Memory reports whether memory retrieval is enabled.
func (p *QueryParams) Memory() bool { return boolOr(p.UseMemory, true) }

// SharedDocs reports whether document retrieval is enabled.
func (p *QueryParams) SharedDocs() bool { return boolOr(p.UseSharedDocs, true) }

// HybridSearch reports whether hybrid (vs pure vector) search is used.
func (p *QueryParams) HybridSearch() bool { return boolOr(p.UseHybridSearch, true) }

// QueryExpansion reports whether synonym expansion runs.
func (p *QueryParams) QueryExpansion() bool { return boolOr(p.UseQueryExpansion, true) }

// TemporalWeighting reports whether recency boosting runs.
func (p *QueryParams) TemporalWeighting() bool { return boolOr(p.UseTemporalWeighting, true) }

// ExplicitDocFilter reports whether the caller pinned a document.
func (p *QueryParams) ExplicitDocFilter() bool {
	return p.DocID != "" || p.DocFilename != ""
}

// MemoryPreview is one cited memory in the envelope.
type MemoryPreview struct {
	Type    string `json:"type"`
	Preview string `json:"preview"`
}

// Timing carries the per-phase wall-clock breakdown.
type Timing struct {
	RetrievalMs  int64 `json:"retrieval_ms"`
	GenerationMs int64 `json:"generation_ms"`
	TotalMs      int64 `json:"total_ms"`
}

// QueryResult is the "query" method's result envelope.
type QueryResult struct {
	Answer               string                 `json:"answer"`
	ContextChunks        int                    `json:"context_chunks"`
	MemoriesUsed         int                    `json:"memories_used"`
	Question             string                 `json:"question"`
	SourceDocuments      []string               `json:"source_documents"`
	SourceMemories       []MemoryPreview        `json:"source_memories"`
	Timing               Timing                 `json:"timing"`
	IsCasualConversation bool                   `json:"is_casual_conversation"`
	ServiceRouting       string                 `json:"service_routing"`
	ToolCalls            []tools.ToolCallRecord `json:"tool_calls"`

	Kind            string `json:"kind,omitempty"`
	IsStateQuery    bool   `json:"is_state_query,omitempty"`
	ActionProcessed bool   `json:"action_processed,omitempty"`
}

// NewQueryResult builds an envelope with non-nil slices so the wire JSON
// always carries arrays.
func NewQueryResult(question, kind string) *QueryResult {
	return &QueryResult{
		Question:        question,
		Kind:            kind,
		SourceDocuments: []string{},
		SourceMemories:  []MemoryPreview{},
		ToolCalls:       []tools.ToolCallRecord{},
	}
}
