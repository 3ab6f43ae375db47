// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartermaster-ai/quartermaster/services/orchestrator/datatypes"
	"github.com/quartermaster-ai/quartermaster/services/pipeline"
	"github.com/quartermaster-ai/quartermaster/services/state"
	"github.com/quartermaster-ai/quartermaster/services/store"
)

var engineMeta = state.WriteMeta{Actor: "test", Reason: "seed"}

func TestQueryRejectsEmptyQuestion(t *testing.T) {
	e := newTestEngine(&fakeCompletion{})
	_, err := e.Query(context.Background(), &datatypes.QueryParams{})
	assert.ErrorIs(t, err, ErrEmptyQuestion)
}

func TestQueryCasualGreeting(t *testing.T) {
	completion := &fakeCompletion{replies: []string{"Hey! What can I do for you?"}}
	e := newTestEngine(completion)

	result, err := e.Query(context.Background(), &datatypes.QueryParams{Question: "hey there!"})
	require.NoError(t, err)
	assert.True(t, result.IsCasualConversation)
	assert.Equal(t, datatypes.KindCasual, result.Kind)
	assert.Equal(t, "Hey! What can I do for you?", result.Answer)
	assert.Zero(t, result.ContextChunks, "casual path retrieves nothing")
	assert.Equal(t, 1, completion.callCount(), "one generation, no analysis model call")
}

func TestQueryStateShortCircuit(t *testing.T) {
	completion := &fakeCompletion{}
	e := newTestEngine(completion)
	require.NoError(t, e.Ledger().Set(context.Background(), "222", "gold", 40, engineMeta))

	result, err := e.Query(context.Background(), &datatypes.QueryParams{
		Question: "how much gold does <@222> have?",
		UserID:   "111",
	})
	require.NoError(t, err)
	assert.Equal(t, "<@222> has 40 gold.", result.Answer)
	assert.True(t, result.IsStateQuery)
	assert.Equal(t, datatypes.KindStateAnswer, result.Kind)
	assert.Equal(t, pipeline.RouteAction, result.ServiceRouting)
	assert.Zero(t, completion.callCount(), "state queries never reach the model")
}

func TestQueryItemCountAnswer(t *testing.T) {
	completion := &fakeCompletion{replies: []string{`{"name":"unicorn dildo","item_type":"misc"}`}}
	e := newTestEngine(completion)
	ctx := context.Background()
	_, err := e.tracker.AddItem(ctx, "222", "unicorn dildos", 2, engineMeta)
	require.NoError(t, err)

	result, err := e.Query(ctx, &datatypes.QueryParams{
		Question: "how many unicorn dildos does <@222> have?",
		UserID:   "111",
	})
	require.NoError(t, err)
	assert.Equal(t, "<@222> has 2 unicorn dildos.", result.Answer)
	assert.True(t, result.IsStateQuery)
}

func TestQueryTransferAction(t *testing.T) {
	analysis := `{"routing":"rag","needs_rag":false,"is_casual":false,"complexity":"simple","confidence":0.9}`
	completion := &fakeCompletion{replies: []string{analysis}}
	e := newTestEngine(completion)
	ctx := context.Background()
	require.NoError(t, e.Ledger().Set(ctx, "111", "gold", 20, engineMeta))

	result, err := e.Query(ctx, &datatypes.QueryParams{
		Question: "give 5 gold to <@222>",
		UserID:   "111",
	})
	require.NoError(t, err)
	assert.Equal(t, "Transferred 5 gold to <@222>.", result.Answer)
	assert.True(t, result.ActionProcessed)
	assert.Equal(t, datatypes.KindActionConfirmation, result.Kind)
	assert.Equal(t, 15.0, e.Ledger().GetNumber("111", "gold"))
	assert.Equal(t, 5.0, e.Ledger().GetNumber("222", "gold"))
}

func TestQueryTransferInsufficientBalance(t *testing.T) {
	analysis := `{"routing":"rag","needs_rag":false,"is_casual":false,"complexity":"simple","confidence":0.9}`
	e := newTestEngine(&fakeCompletion{replies: []string{analysis}})
	ctx := context.Background()

	result, err := e.Query(ctx, &datatypes.QueryParams{
		Question: "give 5 gold to <@222>",
		UserID:   "111",
	})
	require.NoError(t, err, "a failed action is an answer, not an error")
	assert.Contains(t, result.Answer, "doesn't have enough")
	assert.False(t, result.ActionProcessed)
	assert.Equal(t, 0.0, e.Ledger().GetNumber("222", "gold"))
}

func TestQueryInfoQuestionNeverTransfers(t *testing.T) {
	// A question that mentions a transfer verb must not move anything.
	completion := &fakeCompletion{replies: []string{`{"name":"sword","item_type":"weapon"}`}}
	e := newTestEngine(completion)
	ctx := context.Background()
	require.NoError(t, e.Ledger().Set(ctx, "222", "gold", 10, engineMeta))

	result, err := e.Query(ctx, &datatypes.QueryParams{
		Question: "how many swords does <@222> have?",
		UserID:   "111",
	})
	require.NoError(t, err)
	assert.Equal(t, 10.0, e.Ledger().GetNumber("222", "gold"), "state untouched")
	assert.False(t, result.ActionProcessed)
	assert.True(t, result.IsStateQuery)
}

func TestQueryResultCacheHit(t *testing.T) {
	completion := &fakeCompletion{}
	e := newTestEngine(completion)

	params := &datatypes.QueryParams{Question: "what is in the report?", UserID: "111", ChannelID: "c1"}
	require.NoError(t, params.Normalize())

	canned := datatypes.NewQueryResult(params.Question, datatypes.KindRagAnswer)
	canned.Answer = "cached answer"
	e.resultCache.Set(resultCacheKey(params), *canned)

	result, err := e.Query(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, "cached answer", result.Answer)
	assert.Zero(t, completion.callCount())
}

func TestResultCacheKeyDiscriminates(t *testing.T) {
	base := &datatypes.QueryParams{Question: "q", ChannelID: "c1", UserID: "u1", TopK: 10}
	key := resultCacheKey(base)

	other := *base
	other.Question = "different"
	assert.NotEqual(t, key, resultCacheKey(&other))

	other = *base
	other.ChannelID = "c2"
	assert.NotEqual(t, key, resultCacheKey(&other))

	other = *base
	other.PreviousAnswer = "earlier turn"
	assert.NotEqual(t, key, resultCacheKey(&other))

	same := *base
	assert.Equal(t, key, resultCacheKey(&same))
}

func TestFinishStateShapes(t *testing.T) {
	e := newTestEngine(&fakeCompletion{})
	params := &datatypes.QueryParams{Question: "q"}

	result := e.finishState(params, "answer", true, false, time.Now())
	assert.Equal(t, datatypes.KindStateAnswer, result.Kind)
	assert.True(t, result.IsStateQuery)
	assert.False(t, result.ActionProcessed)

	result = e.finishState(params, "answer", false, true, time.Now())
	assert.Equal(t, datatypes.KindActionConfirmation, result.Kind)
	assert.True(t, result.ActionProcessed)
}

func TestPreviewOf(t *testing.T) {
	assert.Equal(t, "short", previewOf("short"))
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, previewOf(string(long)), 120)
}

func TestGraphPersisterNilWhenUnconfigured(t *testing.T) {
	assert.Nil(t, graphPersister(store.NewFacade(nil, nil)))
}

func TestHydrateStateWithoutGraphIsNoop(t *testing.T) {
	e := newTestEngine(&fakeCompletion{})
	require.NoError(t, e.HydrateState(context.Background()))
	assert.Zero(t, e.Ledger().UserCount())
}

func TestScopeToSelectionPinsSingleWinner(t *testing.T) {
	docs := &fakeDocStore{docs: []store.Document{
		{DocID: "d1", FileName: "tax_report.pdf", UploadedAt: time.Now()},
		{DocID: "d2", FileName: "minutes.txt", UploadedAt: time.Now().Add(-30 * 24 * time.Hour)},
	}}
	selector := pipeline.NewDocumentSelector(docs, nil, nil, 3)

	filters := store.SearchFilters{}
	scopeToSelection(context.Background(), selector, "what does the tax report say?", "111", &filters)
	assert.Equal(t, "d1", filters.DocID)
}

func TestScopeToSelectionKeepsExplicitFilter(t *testing.T) {
	docs := &fakeDocStore{docs: []store.Document{
		{DocID: "d1", FileName: "tax_report.pdf", UploadedAt: time.Now()},
	}}
	selector := pipeline.NewDocumentSelector(docs, nil, nil, 3)

	filters := store.SearchFilters{DocFilename: "pinned.pdf"}
	scopeToSelection(context.Background(), selector, "what does the tax report say?", "111", &filters)
	assert.Empty(t, filters.DocID, "a pinned document is never overridden")
	assert.Equal(t, "pinned.pdf", filters.DocFilename)
}

func TestScopeToSelectionLeavesAmbiguousUnpinned(t *testing.T) {
	docs := &fakeDocStore{docs: []store.Document{
		{DocID: "d1", FileName: "tax_report.pdf", UploadedAt: time.Now()},
		{DocID: "d2", FileName: "lab_report.pdf", UploadedAt: time.Now()},
	}}
	selector := pipeline.NewDocumentSelector(docs, nil, nil, 3)

	filters := store.SearchFilters{}
	scopeToSelection(context.Background(), selector, "summarize the report", "111", &filters)
	assert.Empty(t, filters.DocID, "two plausible documents keep the search corpus-wide")
}

func TestNewEngineDefaultsResultCacheSize(t *testing.T) {
	cfg := testConfig()
	cfg.CacheMaxSize = 0
	e := NewEngine(Deps{
		Config:     cfg,
		Stores:     store.NewFacade(nil, nil),
		Completion: &fakeCompletion{},
		Embedder:   &fakeEmbedder{},
		Scorer:     &fakeScorer{},
	})
	require.NotNil(t, e.resultCache)
}
