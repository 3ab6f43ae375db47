// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides clients for the opaque model services the server
// depends on: chat completion, text embedding, and cross-encoder scoring.
//
// All clients are stateless; callers own retry policy. Errors are mapped
// onto a small set of sentinels so the orchestrator can distinguish
// "degrade silently" failures from ones that must surface to the user.
package llm

import (
	"context"
	"errors"
)

// Chat roles, mirroring the wire protocol's message shape.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of a completion conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams tunes a single completion call.
type GenerationParams struct {
	Temperature float32  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
	Stop        []string `json:"stop,omitempty"`
}

// Error sentinels for the completion/embedding taxonomy. Wrapped errors
// should be tested with errors.Is.
var (
	// ErrInvalidInput means the input was empty or degenerate after
	// sanitization. Surfaced to the caller immediately.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout means the model call exceeded its deadline.
	ErrTimeout = errors.New("model call timed out")

	// ErrRateLimited means the provider rejected the call for quota.
	ErrRateLimited = errors.New("model provider rate limited")

	// ErrUnavailable means the provider is unreachable or erroring.
	ErrUnavailable = errors.New("model provider unavailable")
)

// CompletionClient is the contract for chat-completion backends.
//
// Implementations must be safe for concurrent use. The returned text is
// the raw assistant message; callers parse tool calls or JSON out of it.
type CompletionClient interface {
	Complete(ctx context.Context, messages []ChatMessage, params GenerationParams) (string, error)
}

// Embedder is the contract for text-to-vector backends.
type Embedder interface {
	// Embed returns the embedding of a single sanitized text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one embedding per input, L2-normalized so cosine
	// similarity downstream is equivalent to dot product.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension reports the configured embedding dimension.
	Dimension() int
}

// CrossScorer is the contract for cross-encoder (query, passage) scoring.
type CrossScorer interface {
	// Score returns one relevance score per passage for the given query.
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}
