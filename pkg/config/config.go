// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads server configuration from the environment.
//
// Every tunable the server understands is an environment variable. An
// optional .env file in the working directory is loaded first (godotenv),
// so local development does not need a wrapper script. Load validates the
// result; a malformed configuration is a fatal startup error.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime tunable for the server.
//
// Zero values are never used directly; Load fills defaults for anything
// unset so callers can rely on sane bounds without re-checking.
type Config struct {
	// Embedding service
	EmbeddingDimension int
	EmbeddingBatchSize int
	EmbeddingModel     string
	UseGPU             bool

	// Completion service
	OpenAIAPIKey string
	OpenAIModel  string
	OpenAIBase   string

	// Cross-encoder re-ranker (opaque HTTP service)
	CrossEncoderURL string

	// Caching
	CacheEnabled bool
	CacheMaxSize int
	CacheTTL     time.Duration
	AnalysisTTL  time.Duration

	// Retrieval defaults
	TopK              int
	Temperature       float32
	MaxTokens         int
	MaxContextTokens  int
	MMRLambda         float64
	MMREnabled        bool
	QueryExpansion    bool
	TemporalWeighting bool
	TemporalDecayDays int

	// Stores
	WeaviateURL   string
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string

	// Server surfaces
	ListenAddr string // TCP address for the NDJSON stream; empty means stdio only
	HTTPPort   string // gin companion port; empty disables it
}

// Load reads the environment (after an optional .env) into a Config.
//
// Unparseable values fall back to their defaults; an inconsistent
// credential pairing (for example a Neo4j URI without a password) is an
// error. Missing optional backends are not errors: the facade degrades
// per the availability policy.
func Load() (*Config, error) {
	// Best effort; absence of a .env file is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{
		EmbeddingDimension: envInt("EMBEDDING_DIMENSION", 768),
		EmbeddingBatchSize: envInt("EMBEDDING_BATCH_SIZE", 32),
		EmbeddingModel:     envStr("EMBEDDING_MODEL", "text-embedding-3-small"),
		UseGPU:             envBool("USE_GPU", false),

		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:  envStr("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBase:   os.Getenv("OPENAI_BASE_URL"),

		CrossEncoderURL: os.Getenv("CROSS_ENCODER_URL"),

		CacheEnabled: envBool("CACHE_ENABLED", true),
		CacheMaxSize: envInt("CACHE_MAX_SIZE", 1000),
		CacheTTL:     time.Duration(envInt("CACHE_TTL_SECONDS", 3600)) * time.Second,
		AnalysisTTL:  30 * time.Minute,

		TopK:              envInt("RAG_TOP_K", 10),
		Temperature:       float32(envFloat("RAG_TEMPERATURE", 0.7)),
		MaxTokens:         envInt("RAG_MAX_TOKENS", 600),
		MaxContextTokens:  envInt("RAG_MAX_CONTEXT_TOKENS", 1500),
		MMRLambda:         envFloat("MMR_LAMBDA", 0.5),
		MMREnabled:        envBool("MMR_ENABLED", true),
		QueryExpansion:    envBool("QUERY_EXPANSION_ENABLED", true),
		TemporalWeighting: envBool("TEMPORAL_WEIGHTING_ENABLED", true),
		TemporalDecayDays: envInt("TEMPORAL_DECAY_DAYS", 30),

		WeaviateURL:   strings.Trim(os.Getenv("WEAVIATE_URL"), "\"' "),
		Neo4jURI:      strings.TrimSpace(os.Getenv("NEO4J_URI")),
		Neo4jUser:     envStr("NEO4J_USER", "neo4j"),
		Neo4jPassword: os.Getenv("NEO4J_PASSWORD"),
		Neo4jDatabase: os.Getenv("NEO4J_DATABASE"),

		ListenAddr: os.Getenv("QM_LISTEN_ADDR"),
		HTTPPort:   os.Getenv("QM_HTTP_PORT"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSION must be positive, got %d", c.EmbeddingDimension)
	}
	if c.EmbeddingBatchSize <= 0 {
		return fmt.Errorf("EMBEDDING_BATCH_SIZE must be positive, got %d", c.EmbeddingBatchSize)
	}
	if c.MMRLambda < 0 || c.MMRLambda > 1 {
		return fmt.Errorf("MMR_LAMBDA must be in [0,1], got %f", c.MMRLambda)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("RAG_TOP_K must be positive, got %d", c.TopK)
	}
	if c.Neo4jURI != "" && c.Neo4jPassword == "" {
		return fmt.Errorf("NEO4J_URI set but NEO4J_PASSWORD empty")
	}
	return nil
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
