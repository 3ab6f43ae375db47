// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CrossEncoderClient calls an external cross-encoder scoring service over
// HTTP. The service accepts {"query": ..., "passages": [...]} and returns
// {"scores": [...]}, one float per passage.
type CrossEncoderClient struct {
	baseURL string
	http    *http.Client
}

var _ CrossScorer = (*CrossEncoderClient)(nil)

// NewCrossEncoderClient builds a scorer. baseURL must include the scheme;
// an empty URL is allowed and yields a client whose Score always reports
// ErrUnavailable, letting the re-ranker fall back to upstream order.
func NewCrossEncoderClient(baseURL string) *CrossEncoderClient {
	return &CrossEncoderClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type crossEncoderRequest struct {
	Query    string   `json:"query"`
	Passages []string `json:"passages"`
}

type crossEncoderResponse struct {
	Scores []float64 `json:"scores"`
}

// Score implements CrossScorer.
func (c *CrossEncoderClient) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: cross-encoder not configured", ErrUnavailable)
	}
	if len(passages) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(crossEncoderRequest{Query: query, Passages: passages})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cross-encoder request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/score", bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create cross-encoder request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read cross-encoder response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: cross-encoder returned status %d: %s", ErrUnavailable, resp.StatusCode, string(body))
	}

	var parsed crossEncoderResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse cross-encoder response: %w", err)
	}
	if len(parsed.Scores) != len(passages) {
		return nil, fmt.Errorf("%w: got %d scores for %d passages", ErrUnavailable, len(parsed.Scores), len(passages))
	}
	return parsed.Scores, nil
}
