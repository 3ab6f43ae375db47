// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Input length caps. Queries are short by nature; document chunks may be
// long but the embedding model has a fixed sequence budget.
const (
	maxQueryChars = 2000
	maxChunkChars = 10000
)

var (
	mentionPattern    = regexp.MustCompile(`<[@#][!&]?\d+>`)
	roleMentionText   = regexp.MustCompile(`@(everyone|here)\b`)
	urlPattern        = regexp.MustCompile(`https?://\S+`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// SanitizeForEmbedding strips chat artifacts that pollute embeddings:
// user/channel/role mentions, URLs, and control bytes. Whitespace is
// collapsed. The result may be empty, which callers must treat as
// ErrInvalidInput.
func SanitizeForEmbedding(text string) string {
	text = strings.ReplaceAll(text, "\x00", "")
	text = mentionPattern.ReplaceAllString(text, " ")
	text = roleMentionText.ReplaceAllString(text, " ")
	text = urlPattern.ReplaceAllString(text, " ")
	text = whitespacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// OpenAIEmbedder implements Embedder on an OpenAI-compatible embedding API.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	dimension int
	batchSize int
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder builds an embedding client with a fixed dimension.
// Every stored chunk embedding must match this dimension; the store
// rejects mismatches at write time.
func NewOpenAIEmbedder(apiKey, baseURL, model string, dimension, batchSize int) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedding client: API key not set")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("embedding client: dimension must be positive, got %d", dimension)
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	return &OpenAIEmbedder{
		client:    openai.NewClientWithConfig(cfg),
		model:     model,
		dimension: dimension,
		batchSize: batchSize,
	}, nil
}

// Dimension implements Embedder.
func (e *OpenAIEmbedder) Dimension() int { return e.dimension }

// Embed implements Embedder for a single query-sized text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	clean := SanitizeForEmbedding(text)
	if clean == "" {
		return nil, fmt.Errorf("%w: text empty after sanitization", ErrInvalidInput)
	}
	if len(clean) > maxQueryChars {
		slog.Warn("truncating query for embedding", "chars", len(clean), "cap", maxQueryChars)
		clean = clean[:maxQueryChars]
	}
	vecs, err := e.call(ctx, []string{clean})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements Embedder. Inputs longer than the chunk cap are
// truncated with a warning; the output vectors are L2-normalized.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	cleaned := make([]string, len(texts))
	for i, t := range texts {
		c := SanitizeForEmbedding(t)
		if c == "" {
			return nil, fmt.Errorf("%w: batch item %d empty after sanitization", ErrInvalidInput, i)
		}
		if len(c) > maxChunkChars {
			slog.Warn("truncating chunk for embedding", "index", i, "chars", len(c), "cap", maxChunkChars)
			c = c[:maxChunkChars]
		}
		cleaned[i] = c
	}

	out := make([][]float32, 0, len(cleaned))
	for start := 0; start < len(cleaned); start += e.batchSize {
		end := start + e.batchSize
		if end > len(cleaned) {
			end = len(cleaned)
		}
		vecs, err := e.call(ctx, cleaned[start:end])
		if err != nil {
			return nil, err
		}
		for _, v := range vecs {
			out = append(out, l2Normalize(v))
		}
	}
	return out, nil
}

func (e *OpenAIEmbedder) call(ctx context.Context, inputs []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      inputs,
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimension,
	})
	if err != nil {
		return nil, classifyProviderError(err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", ErrUnavailable, len(resp.Data), len(inputs))
	}
	vecs := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(inputs) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", ErrUnavailable, d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// l2Normalize scales v to unit length. Zero vectors are returned as-is.
func l2Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
