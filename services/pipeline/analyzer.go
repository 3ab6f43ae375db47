// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline implements the query path between an utterance and a
// ranked evidence list: intent analysis, document selection, multi-stage
// hybrid retrieval, MMR diversification, cross-encoder re-ranking, and
// context assembly.
package pipeline

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/quartermaster-ai/quartermaster/pkg/modeljson"
	"github.com/quartermaster-ai/quartermaster/services/cache"
	"github.com/quartermaster-ai/quartermaster/services/llm"
	"github.com/quartermaster-ai/quartermaster/services/orchestrator/observability"
)

var pipelineTracer = otel.Tracer("quartermaster/pipeline")

// Intent values the analyzer can assign.
const (
	IntentQuestion = "question"
	IntentCommand  = "command"
	IntentCasual   = "casual"
	IntentAction   = "action"
	IntentUpload   = "upload"
	IntentIgnore   = "ignore"
)

// Routing targets.
const (
	RouteRAG    = "rag"
	RouteChat   = "chat"
	RouteTools  = "tools"
	RouteMemory = "memory"
	RouteAction = "action"
	RouteUpload = "upload"
)

// Complexity levels.
const (
	ComplexitySimple   = "simple"
	ComplexityModerate = "moderate"
	ComplexityComplex  = "complex"
)

// Analysis is the analyzer's verdict for one utterance.
type Analysis struct {
	Intent             string   `json:"intent"`
	ShouldRespond      bool     `json:"should_respond"`
	Confidence         float64  `json:"confidence"`
	Routing            string   `json:"routing"`
	NeedsRAG           bool     `json:"needs_rag"`
	NeedsTools         bool     `json:"needs_tools"`
	NeedsMemory        bool     `json:"needs_memory"`
	NeedsRelations     bool     `json:"needs_relations"`
	IsCasual           bool     `json:"is_casual"`
	Complexity         string   `json:"complexity"`
	QuestionType       string   `json:"question_type"`
	DocumentReferences []string `json:"document_references"`
	KeyConcepts        []string `json:"key_concepts"`
}

// AnalyzerContext carries the prior-turn signals the classifier needs.
// A non-empty PreviousQuestion or PreviousAnswer bypasses the memo cache
// because routing depends on it.
type AnalyzerContext struct {
	HasAttachments   bool
	IsMentioned      bool
	RecentMessages   []string
	PreviousQuestion string
	PreviousAnswer   string
}

func (c AnalyzerContext) hasPriorTurn() bool {
	return c.PreviousQuestion != "" || c.PreviousAnswer != ""
}

// Analyzer classifies utterances with a fast rule layer, an LLM JSON
// call, and a rule-based fallback when the model output is unparseable.
type Analyzer struct {
	completion llm.CompletionClient
	memo       *cache.TTLCache[string, Analysis]
}

// NewAnalyzer builds an analyzer memoized for 30 minutes.
func NewAnalyzer(completion llm.CompletionClient, cacheSize int) *Analyzer {
	return &Analyzer{
		completion: completion,
		memo:       cache.New[string, Analysis](cacheSize, 30*time.Minute, nil),
	}
}

var (
	urlRe      = regexp.MustCompile(`https?://\S+`)
	imageGenRe = regexp.MustCompile(`(?i)\b(draw|paint|sketch|render|generate)\b.*\b(image|picture|photo|art|drawing)\b`)
	greetingRe = regexp.MustCompile(`(?i)^\s*(hi|hiya|hello|hey|yo|sup|howdy|thanks|thank you|thx|ty|lol|lmao|nice|cool|ok|okay|good (morning|night|evening)|bye|goodbye|see ya)\b[\s!.,?]*(there|dude|man|everyone|all)?[\s!.,?]*$`)
	docWordRe  = regexp.MustCompile(`(?i)\b(doc|docs|document|documents|file|files|pdf|upload|uploaded|paper|attachment)\b`)
	fileRefRe  = regexp.MustCompile(`(?i)\b([\w\-]+\.(?:pdf|txt|md|docx?|csv|json))\b`)
)

// Analyze classifies one utterance. Results memoize on the sanitized
// utterance; the memo is bypassed when prior-turn context is present.
func (a *Analyzer) Analyze(ctx context.Context, utterance string, actx AnalyzerContext) (Analysis, error) {
	ctx, span := pipelineTracer.Start(ctx, "pipeline.analyze")
	defer span.End()

	clean := llm.SanitizeForEmbedding(utterance)

	if quick, ok := a.ruleLayer(utterance, actx); ok {
		return quick, nil
	}

	if actx.hasPriorTurn() || clean == "" {
		return a.classify(ctx, utterance, actx), nil
	}
	return a.memo.GetOrCompute(ctx, clean, func(ctx context.Context) (Analysis, error) {
		return a.classify(ctx, utterance, actx), nil
	})
}

// ruleLayer catches the cases where a model call would be waste: URLs,
// image-generation asks, obvious uploads, greetings.
func (a *Analyzer) ruleLayer(utterance string, actx AnalyzerContext) (Analysis, bool) {
	switch {
	case actx.HasAttachments:
		return Analysis{
			Intent: IntentUpload, ShouldRespond: true, Confidence: 0.95,
			Routing: RouteUpload, Complexity: ComplexitySimple, QuestionType: "general",
		}, true
	case urlRe.MatchString(utterance) || imageGenRe.MatchString(utterance):
		return Analysis{
			Intent: IntentCommand, ShouldRespond: true, Confidence: 0.9,
			Routing: RouteTools, NeedsTools: true,
			Complexity: ComplexityModerate, QuestionType: "general",
		}, true
	case greetingRe.MatchString(utterance):
		return Analysis{
			Intent: IntentCasual, ShouldRespond: true, Confidence: 0.95,
			Routing: RouteChat, IsCasual: true,
			Complexity: ComplexitySimple, QuestionType: "general",
		}, true
	}
	return Analysis{}, false
}

const analyzerSystemPrompt = `You classify chat messages for a retrieval assistant. Reply with ONLY a JSON object, no prose, shaped as:
{"intent":"question|command|casual|action|upload|ignore","should_respond":bool,"confidence":0.0-1.0,"routing":"rag|chat|tools|memory|action|upload","needs_rag":bool,"needs_tools":bool,"needs_memory":bool,"needs_relations":bool,"is_casual":bool,"complexity":"simple|moderate|complex","question_type":"factual|analytical|comparative|procedural|quantitative|general","document_references":[],"key_concepts":[]}`

func (a *Analyzer) classify(ctx context.Context, utterance string, actx AnalyzerContext) Analysis {
	var sb strings.Builder
	sb.WriteString("Message: ")
	sb.WriteString(utterance)
	if actx.PreviousQuestion != "" {
		sb.WriteString("\nPrevious question: ")
		sb.WriteString(actx.PreviousQuestion)
	}
	if actx.PreviousAnswer != "" {
		sb.WriteString("\nPrevious answer: ")
		sb.WriteString(truncate(actx.PreviousAnswer, 400))
	}
	if len(actx.RecentMessages) > 0 {
		sb.WriteString("\nRecent channel messages:\n")
		for _, m := range actx.RecentMessages {
			sb.WriteString("- ")
			sb.WriteString(truncate(m, 200))
			sb.WriteString("\n")
		}
	}

	text, err := a.completion.Complete(ctx, []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: analyzerSystemPrompt},
		{Role: llm.RoleUser, Content: sb.String()},
	}, llm.GenerationParams{Temperature: 0.1, MaxTokens: 300})
	if err != nil {
		slog.Warn("analyzer model call failed, using rule fallback", "error", err)
		observability.ParseFallbacks.WithLabelValues("analyzer").Inc()
		return a.fallback(utterance)
	}

	var analysis Analysis
	if err := modeljson.Unmarshal(text, &analysis); err != nil {
		slog.Warn("analyzer output unparseable, using rule fallback", "error", err)
		observability.ParseFallbacks.WithLabelValues("analyzer").Inc()
		return a.fallback(utterance)
	}
	normalizeAnalysis(&analysis, utterance)
	return analysis
}

// fallback fills the analysis shape from surface features alone.
func (a *Analyzer) fallback(utterance string) Analysis {
	analysis := Analysis{
		Intent:        IntentQuestion,
		ShouldRespond: true,
		Confidence:    0.5,
		Routing:       RouteRAG,
		NeedsRAG:      true,
		Complexity:    ComplexitySimple,
		QuestionType:  "general",
	}
	words := len(strings.Fields(utterance))
	switch {
	case words > 25:
		analysis.Complexity = ComplexityComplex
	case words > 10:
		analysis.Complexity = ComplexityModerate
	}
	lower := strings.ToLower(utterance)
	if !strings.Contains(utterance, "?") && !strings.Contains(lower, "what") &&
		!strings.Contains(lower, "how") && !strings.Contains(lower, "why") && words < 5 {
		analysis.Intent = IntentCasual
		analysis.IsCasual = true
		analysis.Routing = RouteChat
		analysis.NeedsRAG = false
	}
	normalizeAnalysis(&analysis, utterance)
	return analysis
}

// normalizeAnalysis enforces the invariant that an explicit document
// reference routes to RAG even when the model said casual, and extracts
// filename-shaped references the model missed.
func normalizeAnalysis(analysis *Analysis, utterance string) {
	for _, match := range fileRefRe.FindAllString(utterance, -1) {
		if !containsFold(analysis.DocumentReferences, match) {
			analysis.DocumentReferences = append(analysis.DocumentReferences, match)
		}
	}
	if len(analysis.DocumentReferences) > 0 || docWordRe.MatchString(utterance) && strings.Contains(utterance, "?") {
		if analysis.IsCasual || analysis.Routing == RouteChat {
			analysis.IsCasual = false
			analysis.Routing = RouteRAG
			analysis.NeedsRAG = true
		}
	}
	if analysis.Complexity == "" {
		analysis.Complexity = ComplexitySimple
	}
	if analysis.QuestionType == "" {
		analysis.QuestionType = "general"
	}
	if analysis.Routing == "" {
		if analysis.IsCasual {
			analysis.Routing = RouteChat
		} else {
			analysis.Routing = RouteRAG
			analysis.NeedsRAG = true
		}
	}
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
