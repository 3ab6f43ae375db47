// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability exposes the Prometheus metrics of the query
// surface.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueriesTotal counts queries by routing and outcome.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quartermaster",
		Name:      "queries_total",
		Help:      "Queries processed, by service routing and outcome.",
	}, []string{"routing", "outcome"})

	// QueryDuration observes end-to-end query latency.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quartermaster",
		Name:      "query_duration_seconds",
		Help:      "End-to-end query latency.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"routing"})

	// RetrievalCandidates observes candidate counts leaving retrieval.
	RetrievalCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quartermaster",
		Name:      "retrieval_candidates",
		Help:      "Candidates produced by a retrieval run.",
		Buckets:   prometheus.LinearBuckets(0, 5, 13),
	})

	// CacheEvents counts hits and misses per cache.
	CacheEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quartermaster",
		Name:      "cache_events_total",
		Help:      "Cache hits and misses, by cache name.",
	}, []string{"cache", "event"})

	// ToolCallsTotal counts executed tool calls by tool and success.
	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quartermaster",
		Name:      "tool_calls_total",
		Help:      "Tool calls executed, by tool name and success.",
	}, []string{"tool", "success"})

	// ParseFallbacks counts model-output parse failures that fell back to
	// the rule-based path.
	ParseFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quartermaster",
		Name:      "parse_fallbacks_total",
		Help:      "Model output parse failures that used the rule fallback.",
	}, []string{"component"})

	// StateWrites counts ledger writes by operation.
	StateWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quartermaster",
		Name:      "state_writes_total",
		Help:      "State ledger writes, by operation.",
	}, []string{"operation"})
)
