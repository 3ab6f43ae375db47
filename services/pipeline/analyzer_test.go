// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleLayerGreeting(t *testing.T) {
	completion := &fakeCompletion{}
	a := NewAnalyzer(completion, 10)

	for _, msg := range []string{"hi", "Hello!", "hey there", "thanks", "good morning"} {
		analysis, err := a.Analyze(context.Background(), msg, AnalyzerContext{})
		require.NoError(t, err, msg)
		assert.True(t, analysis.IsCasual, msg)
		assert.Equal(t, RouteChat, analysis.Routing, msg)
	}
	assert.Zero(t, completion.calls, "greetings must not reach the model")
}

func TestRuleLayerURLAndImageGen(t *testing.T) {
	a := NewAnalyzer(&fakeCompletion{}, 10)

	analysis, err := a.Analyze(context.Background(), "summarize https://example.com/page", AnalyzerContext{})
	require.NoError(t, err)
	assert.Equal(t, RouteTools, analysis.Routing)
	assert.True(t, analysis.NeedsTools)

	analysis, err = a.Analyze(context.Background(), "draw me a picture of a ship", AnalyzerContext{})
	require.NoError(t, err)
	assert.Equal(t, RouteTools, analysis.Routing)
}

func TestRuleLayerAttachments(t *testing.T) {
	a := NewAnalyzer(&fakeCompletion{}, 10)
	analysis, err := a.Analyze(context.Background(), "here you go", AnalyzerContext{HasAttachments: true})
	require.NoError(t, err)
	assert.Equal(t, IntentUpload, analysis.Intent)
	assert.Equal(t, RouteUpload, analysis.Routing)
}

func TestClassifyParsesModelJSON(t *testing.T) {
	completion := &fakeCompletion{reply: `{"intent":"question","should_respond":true,"confidence":0.9,"routing":"rag","needs_rag":true,"is_casual":false,"complexity":"moderate","question_type":"factual","document_references":[],"key_concepts":["budget"]}`}
	a := NewAnalyzer(completion, 10)

	analysis, err := a.Analyze(context.Background(), "what does the budget report say about Q3?", AnalyzerContext{})
	require.NoError(t, err)
	assert.Equal(t, RouteRAG, analysis.Routing)
	assert.Equal(t, ComplexityModerate, analysis.Complexity)
	assert.True(t, analysis.NeedsRAG)
}

func TestClassifyFallbackOnGarbage(t *testing.T) {
	completion := &fakeCompletion{reply: "I am not JSON at all"}
	a := NewAnalyzer(completion, 10)

	analysis, err := a.Analyze(context.Background(), "what is the retention policy for customer records?", AnalyzerContext{})
	require.NoError(t, err)
	assert.Equal(t, RouteRAG, analysis.Routing)
	assert.True(t, analysis.NeedsRAG)
	assert.NotEmpty(t, analysis.Complexity)
}

func TestDocumentReferenceForcesRAG(t *testing.T) {
	// Model says casual; the filename reference must override it.
	completion := &fakeCompletion{reply: `{"intent":"casual","should_respond":true,"confidence":0.8,"routing":"chat","is_casual":true,"complexity":"simple","question_type":"general"}`}
	a := NewAnalyzer(completion, 10)

	analysis, err := a.Analyze(context.Background(), "anything fun in report.pdf?", AnalyzerContext{})
	require.NoError(t, err)
	assert.False(t, analysis.IsCasual)
	assert.Equal(t, RouteRAG, analysis.Routing)
	assert.Contains(t, analysis.DocumentReferences, "report.pdf")
}

func TestAnalyzeMemoized(t *testing.T) {
	completion := &fakeCompletion{reply: `{"intent":"question","should_respond":true,"confidence":0.9,"routing":"rag","needs_rag":true,"complexity":"simple","question_type":"general"}`}
	a := NewAnalyzer(completion, 10)

	_, err := a.Analyze(context.Background(), "what is the refund policy?", AnalyzerContext{})
	require.NoError(t, err)
	_, err = a.Analyze(context.Background(), "what is the refund policy?", AnalyzerContext{})
	require.NoError(t, err)
	assert.Equal(t, 1, completion.calls, "identical utterances memoize")

	// Prior-turn context bypasses the memo because routing depends on it.
	_, err = a.Analyze(context.Background(), "what is the refund policy?", AnalyzerContext{PreviousQuestion: "and before?"})
	require.NoError(t, err)
	assert.Equal(t, 2, completion.calls)
}
