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
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/quartermaster-ai/quartermaster/services/llm"
	"github.com/quartermaster-ai/quartermaster/services/store"
)

// Selector scoring weights.
const (
	filenameOverlapBoost = 3.0
	recencyDayBoost      = 2.0
	recencyWeekBoost     = 0.8
	historyBoost         = 1.5
	topicBoost           = 1.0
	embeddingWeight      = 4.0
)

var (
	casualPatternRe = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|yo|sup|thanks|thank you|lol|lmao|nice|cool|ok|okay|bye|how are you|what'?s up)\b`)
	stateQueryRe    = regexp.MustCompile(`(?i)\bhow\s+(many|much)\b.*\b(has|have|own|owns|did|got)\b|\binventory\b`)
	actionVerbRe    = regexp.MustCompile(`(?i)^\s*(give|take|transfer|send|set|add|remove)\b.*\b\d+`)
	stopwords       = map[string]bool{
		"the": true, "a": true, "an": true, "of": true, "in": true, "on": true,
		"is": true, "are": true, "was": true, "to": true, "for": true, "and": true,
		"what": true, "how": true, "why": true, "does": true, "do": true, "about": true,
		"me": true, "my": true, "you": true, "tell": true, "show": true, "can": true,
	}
)

// DocumentSelector decides whether a query should search documents and,
// when it should, which documents to scope the search to.
type DocumentSelector struct {
	docs     store.DocumentStore
	graph    *store.GraphStore
	embedder llm.Embedder
	maxDocs  int
}

// NewDocumentSelector wires the selector. graph may be nil; history and
// topic signals then contribute nothing.
func NewDocumentSelector(docs store.DocumentStore, graph *store.GraphStore, embedder llm.Embedder, maxDocs int) *DocumentSelector {
	if maxDocs <= 0 {
		maxDocs = 3
	}
	return &DocumentSelector{docs: docs, graph: graph, embedder: embedder, maxDocs: maxDocs}
}

// ShouldSearch is a short-circuit ladder. An explicit upstream document
// filter always wins.
func (s *DocumentSelector) ShouldSearch(query string, explicitFilter bool) bool {
	if explicitFilter {
		return true
	}
	switch {
	case casualPatternRe.MatchString(query) && !docWordRe.MatchString(query):
		return false
	case docWordRe.MatchString(query):
		return true
	case stateQueryRe.MatchString(query):
		return false
	case actionVerbRe.MatchString(query):
		return false
	default:
		return true
	}
}

type scoredDoc struct {
	doc   store.Document
	score float64
}

// SelectDocuments scores every known document against the query and
// returns up to maxDocs winners. Signals: filename token overlap with the
// query's topic words, upload recency, the user's query-history edges,
// topic overlap, then an embedding re-score of the surviving shortlist.
func (s *DocumentSelector) SelectDocuments(ctx context.Context, query, userID string) ([]store.Document, error) {
	ctx, span := pipelineTracer.Start(ctx, "pipeline.select_documents")
	defer span.End()

	docs, err := s.docs.AllDocuments(ctx)
	if err != nil || len(docs) == 0 {
		return nil, err
	}

	topics := topicWords(query)
	history := s.userHistory(ctx, userID)
	now := time.Now()

	scored := make([]scoredDoc, 0, len(docs))
	for _, doc := range docs {
		sc := scoredDoc{doc: doc}
		nameTokens := topicWords(strings.TrimSuffix(doc.FileName, filepathExt(doc.FileName)))
		sc.score += filenameOverlapBoost * overlap(topics, nameTokens)
		age := now.Sub(doc.UploadedAt)
		switch {
		case age <= 24*time.Hour:
			sc.score += recencyDayBoost
		case age <= 7*24*time.Hour:
			sc.score += recencyWeekBoost
		}
		if history[doc.DocID] {
			sc.score += historyBoost
		}
		sc.score += topicBoost * s.topicOverlap(ctx, doc.DocID, topics)
		scored = append(scored, sc)
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	shortlist := scored
	if len(shortlist) > 2*s.maxDocs {
		shortlist = shortlist[:2*s.maxDocs]
	}
	s.embeddingRescore(ctx, query, shortlist)
	sort.SliceStable(shortlist, func(i, j int) bool { return shortlist[i].score > shortlist[j].score })

	out := make([]store.Document, 0, s.maxDocs)
	for _, sc := range shortlist {
		if sc.score <= 0 {
			continue
		}
		out = append(out, sc.doc)
		if len(out) == s.maxDocs {
			break
		}
	}
	return out, nil
}

// ResolveReference maps an analyzer document reference (usually a
// filename fragment) to a known document, or nil.
func (s *DocumentSelector) ResolveReference(ctx context.Context, ref string) *store.Document {
	docs, err := s.docs.AllDocuments(ctx)
	if err != nil {
		return nil
	}
	ref = strings.ToLower(strings.TrimSpace(ref))
	for i := range docs {
		name := strings.ToLower(docs[i].FileName)
		if name == ref || strings.Contains(name, ref) || strings.Contains(ref, name) {
			return &docs[i]
		}
	}
	return nil
}

func (s *DocumentSelector) userHistory(ctx context.Context, userID string) map[string]bool {
	out := map[string]bool{}
	if s.graph == nil || userID == "" {
		return out
	}
	ids, err := s.graph.UserDocumentHistory(ctx, userID)
	if err != nil {
		slog.Debug("document history unavailable", "error", err)
		return out
	}
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func (s *DocumentSelector) topicOverlap(ctx context.Context, docID string, queryTopics map[string]bool) float64 {
	if s.graph == nil || len(queryTopics) == 0 {
		return 0
	}
	topics, err := s.graph.DocumentTopics(ctx, docID)
	if err != nil {
		return 0
	}
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	return overlap(queryTopics, set)
}

// embeddingRescore blends in cosine similarity between the query and each
// shortlisted document's first chunk. Best-effort; failures leave the
// lexical scores in place.
func (s *DocumentSelector) embeddingRescore(ctx context.Context, query string, shortlist []scoredDoc) {
	if s.embedder == nil || len(shortlist) == 0 {
		return
	}
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return
	}
	for i := range shortlist {
		chunks, err := s.docs.Chunks(ctx, shortlist[i].doc.DocID)
		if err != nil || len(chunks) == 0 {
			continue
		}
		repVec, err := s.embedder.Embed(ctx, chunks[0].Text)
		if err != nil {
			continue
		}
		shortlist[i].score += embeddingWeight * cosine(queryVec, repVec)
	}
}

// topicWords tokenizes on every non-alphanumeric rune so snake_case and
// kebab-case filenames break into comparable words.
func topicWords(text string) map[string]bool {
	out := map[string]bool{}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range words {
		if len(tok) < 3 || stopwords[tok] {
			continue
		}
		out[tok] = true
	}
	return out
}

func overlap(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := 0
	for word := range a {
		if b[word] {
			n++
		}
	}
	smaller := len(a)
	if len(b) < smaller {
		smaller = len(b)
	}
	return float64(n) / float64(smaller)
}

func filepathExt(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i:]
	}
	return ""
}
