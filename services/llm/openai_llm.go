// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient implements CompletionClient on an OpenAI-compatible API.
//
// The base URL is configurable so local OpenAI-compatible runtimes
// (llama.cpp server, vLLM, Ollama's compat endpoint) work unchanged.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// Compile-time interface implementation check.
var _ CompletionClient = (*OpenAIClient)(nil)

// NewOpenAIClient builds a completion client.
//
// apiKey must be non-empty. baseURL may be empty for the default provider
// endpoint. model defaults to gpt-4o-mini when empty.
func NewOpenAIClient(apiKey, baseURL, model string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("completion client: API key not set")
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	slog.Info("Initializing completion client", "model", model, "custom_base", baseURL != "")
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

// Complete implements CompletionClient.
//
// Provider quirks are normalized here: an empty choice list is an error,
// and transport failures are mapped onto the package sentinels so callers
// can match with errors.Is.
func (o *OpenAIClient) Complete(ctx context.Context, messages []ChatMessage, params GenerationParams) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("%w: no messages", ErrInvalidInput)
	}

	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	req.Temperature = params.Temperature
	if params.MaxTokens > 0 {
		req.MaxCompletionTokens = params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classifyProviderError(err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("completion returned no choices", "model", o.model)
		return "", fmt.Errorf("%w: empty choice list", ErrUnavailable)
	}
	return resp.Choices[0].Message.Content, nil
}

// classifyProviderError maps transport and API errors onto sentinels.
func classifyProviderError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return fmt.Errorf("completion call failed: %w", err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
