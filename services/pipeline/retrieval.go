// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/quartermaster-ai/quartermaster/services/cache"
	"github.com/quartermaster-ai/quartermaster/services/llm"
	"github.com/quartermaster-ai/quartermaster/services/store"
)

// Caps on the retrieval stages.
const (
	maxExpansionTerms = 4
	maxQueryVariants  = 3
	minMultiQueryLen  = 5 // tokens
	rewriteMinChars   = 40
)

// synonymTable drives cheap query expansion. Keys and values are
// lowercase single tokens; expansion appends, never replaces.
var synonymTable = map[string][]string{
	"what":     {"which", "how"},
	"document": {"file", "paper", "text"},
	"doc":      {"document", "file"},
	"show":     {"list", "display"},
	"make":     {"create", "build"},
	"delete":   {"remove", "erase"},
	"error":    {"failure", "issue", "bug"},
	"fix":      {"repair", "resolve"},
	"fast":     {"quick", "rapid"},
	"big":      {"large", "huge"},
	"start":    {"begin", "launch"},
	"stop":     {"halt", "end"},
}

// RetrievalOptions tunes one retrieval run.
type RetrievalOptions struct {
	TopK              int
	Filters           store.SearchFilters
	UseHybrid         bool
	UseQueryExpansion bool
	UseTemporal       bool
	Complexity        string
	SemanticWeight    float64
	LexicalWeight     float64
}

func (o *RetrievalOptions) defaults() {
	if o.TopK <= 0 {
		o.TopK = 10
	}
	if o.SemanticWeight == 0 && o.LexicalWeight == 0 {
		o.SemanticWeight, o.LexicalWeight = 0.7, 0.3
	}
}

// Retriever runs the multi-stage retrieval sequence against the store
// facade: expansion, optional rewrite, search, optional multi-query
// widening, temporal reweighting, MMR.
type Retriever struct {
	searcher   store.ChunkSearcher
	embedder   llm.Embedder
	completion llm.CompletionClient

	embeddingCache *cache.TTLCache[string, []float32]
	variationCache *cache.TTLCache[string, []string]

	mmrEnabled bool
	mmrLambda  float64
	decayDays  int
}

// NewRetriever wires the retrieval engine. cacheSize and cacheTTL bound
// the query-embedding cache; variations memoize for 30 minutes.
func NewRetriever(searcher store.ChunkSearcher, embedder llm.Embedder, completion llm.CompletionClient,
	cacheSize int, cacheTTL time.Duration, mmrEnabled bool, mmrLambda float64, decayDays int) *Retriever {
	if mmrLambda <= 0 || mmrLambda > 1 {
		mmrLambda = 0.5
	}
	if decayDays <= 0 {
		decayDays = 30
	}
	return &Retriever{
		searcher:       searcher,
		embedder:       embedder,
		completion:     completion,
		embeddingCache: cache.New[string, []float32](cacheSize, cacheTTL, nil),
		variationCache: cache.New[string, []string](cacheSize, 30*time.Minute, nil),
		mmrEnabled:     mmrEnabled,
		mmrLambda:      mmrLambda,
		decayDays:      decayDays,
	}
}

// QueryEmbedding returns the (cached) embedding of a query.
func (r *Retriever) QueryEmbedding(ctx context.Context, query string) ([]float32, error) {
	key := llm.SanitizeForEmbedding(query)
	return r.embeddingCache.GetOrCompute(ctx, key, func(ctx context.Context) ([]float32, error) {
		return r.embedder.Embed(ctx, query)
	})
}

// Retrieve runs the full sequence and returns a deduplicated ranked
// candidate list. Evidence-path failures degrade to fewer results, never
// to an error; the only error returned is embedding failure, which the
// orchestrator also treats as degradable.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts RetrievalOptions) ([]store.SearchResult, error) {
	opts.defaults()
	ctx, span := pipelineTracer.Start(ctx, "pipeline.retrieve")
	defer span.End()

	searchQuery := query
	if opts.UseQueryExpansion {
		searchQuery = ExpandQuery(query, maxExpansionTerms)
	}
	if opts.Complexity != ComplexitySimple && len(query) >= rewriteMinChars {
		if rewritten := r.rewriteQuery(ctx, query); rewritten != "" {
			searchQuery = searchQuery + " " + rewritten
		}
	}

	queryVec, err := r.QueryEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}

	candidates := r.search(ctx, searchQuery, queryVec, opts.TopK*2, opts)

	if opts.Complexity == ComplexityComplex &&
		len(candidates) < 2*opts.TopK &&
		len(strings.Fields(query)) >= minMultiQueryLen {
		candidates = r.multiQuery(ctx, query, candidates, opts)
	}

	if opts.UseTemporal {
		ApplyTemporalBoost(candidates, r.decayDays, time.Now())
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	candidates = dedupeByChunkID(candidates)

	if r.mmrEnabled && len(candidates) > opts.TopK {
		candidates = MMR(ctx, candidates, queryVec, r.embedder, opts.TopK, r.mmrLambda)
	} else if len(candidates) > opts.TopK*2 {
		candidates = candidates[:opts.TopK*2]
	}

	span.SetAttributes(attribute.Int("candidates", len(candidates)))
	return candidates, nil
}

func (r *Retriever) search(ctx context.Context, queryText string, queryVec []float32, k int, opts RetrievalOptions) []store.SearchResult {
	var (
		results []store.SearchResult
		err     error
	)
	if opts.UseHybrid {
		results, err = r.searcher.HybridSearch(ctx, queryText, queryVec, k, opts.Filters, opts.SemanticWeight, opts.LexicalWeight)
	} else {
		results, err = r.searcher.VectorSearch(ctx, queryVec, k, opts.Filters)
	}
	if err != nil {
		slog.Warn("search leg failed", "error", err)
		return nil
	}
	return results
}

// multiQuery widens recall with up to three LLM paraphrases, merging by
// chunk id and keeping the best score per id.
func (r *Retriever) multiQuery(ctx context.Context, query string, seed []store.SearchResult, opts RetrievalOptions) []store.SearchResult {
	variants := r.queryVariations(ctx, query)
	merged := make(map[string]store.SearchResult, len(seed))
	for _, c := range seed {
		merged[c.ChunkID()] = c
	}
	for _, variant := range variants {
		vec, err := r.QueryEmbedding(ctx, variant)
		if err != nil {
			continue
		}
		for _, c := range r.search(ctx, variant, vec, opts.TopK*2, opts) {
			id := c.ChunkID()
			if prev, ok := merged[id]; !ok || c.Score > prev.Score {
				merged[id] = c
			}
		}
	}
	out := make([]store.SearchResult, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	return out
}

// queryVariations returns up to three paraphrases, memoized per query.
func (r *Retriever) queryVariations(ctx context.Context, query string) []string {
	key := llm.SanitizeForEmbedding(query)
	variants, err := r.variationCache.GetOrCompute(ctx, key, func(ctx context.Context) ([]string, error) {
		text, err := r.completion.Complete(ctx, []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: "Rephrase the user's search query three different ways, one per line. Output only the three rephrasings."},
			{Role: llm.RoleUser, Content: query},
		}, llm.GenerationParams{Temperature: 0.7, MaxTokens: 150})
		if err != nil {
			return nil, err
		}
		var out []string
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(strings.TrimLeft(line, "0123456789.-) "))
			if line != "" && !strings.EqualFold(line, query) {
				out = append(out, line)
			}
			if len(out) == maxQueryVariants {
				break
			}
		}
		return out, nil
	})
	if err != nil {
		slog.Debug("query variation generation failed", "error", err)
		return nil
	}
	return variants
}

// rewriteQuery asks for a single retrieval-friendly rewrite. Empty on any
// failure; retrieval proceeds with the original.
func (r *Retriever) rewriteQuery(ctx context.Context, query string) string {
	text, err := r.completion.Complete(ctx, []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: "Rewrite the query as a concise keyword-rich search query. Output only the rewrite."},
		{Role: llm.RoleUser, Content: query},
	}, llm.GenerationParams{Temperature: 0.2, MaxTokens: 60})
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.Trim(text, "\"`"))
}

// ExpandQuery appends up to maxTerms synonyms of the query's tokens. The
// original query text is always preserved as the prefix.
func ExpandQuery(query string, maxTerms int) string {
	seen := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		seen[strings.Trim(tok, "?,.!")] = true
	}
	var added []string
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		tok = strings.Trim(tok, "?,.!")
		for _, syn := range synonymTable[tok] {
			if !seen[syn] {
				seen[syn] = true
				added = append(added, syn)
			}
			if len(added) >= maxTerms {
				break
			}
		}
		if len(added) >= maxTerms {
			break
		}
	}
	if len(added) == 0 {
		return query
	}
	return query + " " + strings.Join(added, " ")
}

// ApplyTemporalBoost reweights results by upload recency: a linear boost
// up to 20% for items younger than decayDays. Unknown timestamps keep
// their score untouched.
func ApplyTemporalBoost(results []store.SearchResult, decayDays int, now time.Time) {
	window := time.Duration(decayDays) * 24 * time.Hour
	for i := range results {
		if results[i].UploadedAt.IsZero() || results[i].UploadedAt.UnixMilli() == 0 {
			continue
		}
		age := now.Sub(results[i].UploadedAt)
		if age < 0 || age >= window {
			continue
		}
		boost := 1.0 + 0.2*(1.0-float64(age)/float64(window))
		results[i].Score *= boost
	}
}

func dedupeByChunkID(results []store.SearchResult) []store.SearchResult {
	seen := make(map[string]bool, len(results))
	out := results[:0]
	for _, r := range results {
		id := r.ChunkID()
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, r)
	}
	return out
}
