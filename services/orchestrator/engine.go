// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator sequences one query end to end: analysis, the
// state short-circuits, parallel evidence gathering, re-ranking, prompt
// assembly, generation with or without the tool loop, and persistence.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quartermaster-ai/quartermaster/pkg/config"
	"github.com/quartermaster-ai/quartermaster/services/cache"
	"github.com/quartermaster-ai/quartermaster/services/llm"
	"github.com/quartermaster-ai/quartermaster/services/orchestrator/datatypes"
	"github.com/quartermaster-ai/quartermaster/services/orchestrator/observability"
	"github.com/quartermaster-ai/quartermaster/services/pipeline"
	"github.com/quartermaster-ai/quartermaster/services/state"
	"github.com/quartermaster-ai/quartermaster/services/store"
	"github.com/quartermaster-ai/quartermaster/services/tools"
)

var orchestratorTracer = otel.Tracer("quartermaster/orchestrator")

// Per-branch evidence deadlines.
const (
	docBranchTimeout    = 8 * time.Second
	memoryBranchTimeout = 5 * time.Second
)

// ErrEmptyQuestion is returned for blank input.
var ErrEmptyQuestion = errors.New("question must not be empty")

// Engine owns every collaborator of the query path. One long-lived value
// serves all concurrent requests.
type Engine struct {
	cfg *config.Config

	stores     *store.Facade
	completion llm.CompletionClient
	embedder   llm.Embedder

	analyzer  *pipeline.Analyzer
	retriever *pipeline.Retriever
	reranker  *pipeline.Reranker
	selector  *pipeline.DocumentSelector

	ledger   *state.Ledger
	tracker  *state.ItemTracker
	actions  *state.ActionParser
	handlers *state.Handlers
	personas *state.PersonaResolver

	registry *tools.Registry

	resultCache *cache.TTLCache[string, datatypes.QueryResult]
}

// Deps bundles the engine's constructor inputs.
type Deps struct {
	Config     *config.Config
	Stores     *store.Facade
	Completion llm.CompletionClient
	Embedder   llm.Embedder
	Scorer     llm.CrossScorer
	Registry   *tools.Registry
}

// NewEngine wires the full query path from its leaf services.
func NewEngine(d Deps) *Engine {
	cfg := d.Config
	cacheTTL := cfg.CacheTTL

	ledger := state.NewLedger(graphPersister(d.Stores))
	tracker := state.NewItemTracker(ledger, d.Completion, cfg.CacheMaxSize)

	var personaSource state.PersonaSource
	if g := d.Stores.Graph(); g != nil {
		personaSource = g
	}

	resultCacheSize := cfg.CacheMaxSize / 2
	if resultCacheSize < 1 {
		resultCacheSize = 50
	}

	return &Engine{
		cfg:        cfg,
		stores:     d.Stores,
		completion: d.Completion,
		embedder:   d.Embedder,
		analyzer:   pipeline.NewAnalyzer(d.Completion, cfg.CacheMaxSize),
		retriever: pipeline.NewRetriever(d.Stores, d.Embedder, d.Completion,
			cfg.CacheMaxSize, cacheTTL, cfg.MMREnabled, cfg.MMRLambda, cfg.TemporalDecayDays),
		reranker: pipeline.NewReranker(d.Scorer),
		selector: pipeline.NewDocumentSelector(d.Stores, d.Stores.Graph(), d.Embedder, 3),
		ledger:   ledger,
		tracker:  tracker,
		actions:  state.NewActionParser(d.Completion),
		handlers: state.NewHandlers(ledger, tracker),
		personas: state.NewPersonaResolver(personaSource, cfg.CacheMaxSize),
		registry: d.Registry,
		resultCache: cache.New[string, datatypes.QueryResult](
			resultCacheSize, cacheTTL, nil),
	}
}

// graphPersister adapts the facade's graph backend to the ledger's
// persister contract, nil when no graph is configured.
func graphPersister(f *store.Facade) state.Persister {
	if g := f.Graph(); g != nil {
		return g
	}
	return nil
}

// HydrateState loads persisted ledger entries from the graph backend
// into the in-memory ledger. A no-op without a graph backend; balances
// then only live for the process lifetime.
func (e *Engine) HydrateState(ctx context.Context) error {
	g := e.stores.Graph()
	if g == nil {
		return nil
	}
	states, err := g.LoadStates(ctx)
	if err != nil {
		return fmt.Errorf("hydrate ledger: %w", err)
	}
	e.ledger.Hydrate(states)
	return nil
}

// Ledger exposes the state ledger for tests and the HTTP surface.
func (e *Engine) Ledger() *state.Ledger { return e.ledger }

// Stores exposes the store facade for the conversation CRUD methods.
func (e *Engine) Stores() *store.Facade { return e.stores }

// Analyzer exposes the analyzer for the HTTP classify endpoint.
func (e *Engine) Analyzer() *pipeline.Analyzer { return e.analyzer }

// resultCacheKey folds every answer-changing input: question, channel,
// document filter, and a hash of the prior-turn context.
func resultCacheKey(p *datatypes.QueryParams) string {
	h := sha256.New()
	h.Write([]byte(p.PreviousQuestion))
	h.Write([]byte{0})
	h.Write([]byte(p.PreviousAnswer))
	priorHash := hex.EncodeToString(h.Sum(nil))[:16]
	return p.Question + "\x00" + p.ChannelID + "\x00" + p.DocID + "\x00" + p.DocFilename +
		"\x00" + p.UserID + "\x00" + priorHash + "\x00" + strconv.Itoa(p.TopK)
}

// Query answers one utterance. See the package comment for the phase
// order; state short-circuits return before any retrieval runs.
func (e *Engine) Query(ctx context.Context, params *datatypes.QueryParams) (*datatypes.QueryResult, error) {
	start := time.Now()
	ctx, span := orchestratorTracer.Start(ctx, "orchestrator.query")
	defer span.End()

	if err := params.Normalize(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmptyQuestion, err)
	}

	cacheKey := resultCacheKey(params)
	if e.cfg.CacheEnabled {
		if cached, ok := e.resultCache.Get(cacheKey); ok {
			observability.CacheEvents.WithLabelValues("result", "hit").Inc()
			cached.Timing.TotalMs = time.Since(start).Milliseconds()
			return &cached, nil
		}
		observability.CacheEvents.WithLabelValues("result", "miss").Inc()
	}

	actx := state.ActionContext{
		AskingUserID:    params.UserID,
		ChannelID:       params.ChannelID,
		MentionedUserID: params.MentionedUserID,
	}
	personaID := e.personas.Identify(ctx, params.UserID, params.Question, params.ChannelID, "")
	if personaID != "" {
		span.SetAttributes(attribute.String("persona_id", personaID))
	}

	infoQuestion := state.IsInformationQuestion(params.Question)

	// State query short-circuit.
	if answer := e.handlers.HandleQuery(ctx, params.Question, actx); answer != nil {
		return e.finishState(params, answer.Answer, true, false, start), nil
	}
	// State set short-circuit.
	if answer, err := e.handlers.HandleSet(ctx, params.Question, actx); err != nil {
		return nil, err
	} else if answer != nil {
		observability.StateWrites.WithLabelValues("set").Inc()
		return e.finishState(params, answer.Answer, false, true, start), nil
	}

	analysis, err := e.analyzer.Analyze(ctx, params.Question, pipeline.AnalyzerContext{
		PreviousQuestion: params.PreviousQuestion,
		PreviousAnswer:   params.PreviousAnswer,
	})
	if err != nil {
		slog.Warn("analysis failed, assuming retrieval", "error", err)
		analysis = pipeline.Analysis{Routing: pipeline.RouteRAG, NeedsRAG: true, Complexity: pipeline.ComplexitySimple}
	}

	// Resolve analyzer document references against the known corpus; a
	// resolved reference forces the RAG route.
	if !params.ExplicitDocFilter() {
		for _, ref := range analysis.DocumentReferences {
			if doc := e.selector.ResolveReference(ctx, ref); doc != nil {
				params.DocFilename = doc.FileName
				analysis.IsCasual = false
				analysis.Routing = pipeline.RouteRAG
				analysis.NeedsRAG = true
				break
			}
		}
	}

	// The action parser never runs on information questions, casual chat,
	// or document-pinned queries.
	if !infoQuestion && !analysis.IsCasual && !params.ExplicitDocFilter() {
		if result, handled := e.tryAction(ctx, params, actx, start); handled {
			return result, nil
		}
	}

	if analysis.IsCasual || analysis.Routing == pipeline.RouteChat {
		return e.casual(ctx, params, start)
	}

	return e.ragAnswer(ctx, params, analysis, cacheKey, start)
}

func (e *Engine) finishState(params *datatypes.QueryParams, answer string, isQuery, actionProcessed bool, start time.Time) *datatypes.QueryResult {
	kind := datatypes.KindStateAnswer
	if actionProcessed {
		kind = datatypes.KindActionConfirmation
	}
	result := datatypes.NewQueryResult(params.Question, kind)
	result.Answer = answer
	result.ServiceRouting = pipeline.RouteAction
	result.IsStateQuery = isQuery
	result.ActionProcessed = actionProcessed
	result.Timing.TotalMs = time.Since(start).Milliseconds()
	observability.QueriesTotal.WithLabelValues(pipeline.RouteAction, "ok").Inc()
	return result
}

// tryAction parses and maybe executes a state-changing action. handled
// is false when the orchestrator should fall through to retrieval.
func (e *Engine) tryAction(ctx context.Context, params *datatypes.QueryParams, actx state.ActionContext, start time.Time) (*datatypes.QueryResult, bool) {
	parsed := e.actions.Parse(ctx, params.Question, actx)
	if !parsed.Executable() {
		return nil, false
	}

	meta := state.WriteMeta{Actor: params.UserID, Channel: params.ChannelID, Reason: parsed.OriginalText}
	var answer string
	var err error
	switch parsed.Action {
	case state.ActionGive, state.ActionSend, state.ActionTransfer:
		var name string
		name, err = e.tracker.TransferItem(ctx, parsed.SourceUserID, parsed.DestUserID, parsed.ItemName, parsed.Quantity, meta)
		if err == nil {
			answer = fmt.Sprintf("Transferred %d %s to <@%s>.", parsed.Quantity, name, parsed.DestUserID)
			observability.StateWrites.WithLabelValues("transfer").Inc()
		}
	case state.ActionTake, state.ActionRemove:
		var name string
		name, err = e.tracker.TransferItem(ctx, parsed.SourceUserID, parsed.DestUserID, parsed.ItemName, parsed.Quantity, meta)
		if err == nil {
			answer = fmt.Sprintf("Took %d %s from <@%s>.", parsed.Quantity, name, parsed.SourceUserID)
			observability.StateWrites.WithLabelValues("transfer").Inc()
		}
	case state.ActionAdd:
		var name string
		name, err = e.tracker.AddItem(ctx, parsed.DestUserIDOr(parsed.SourceUserID), parsed.ItemName, parsed.Quantity, meta)
		if err == nil {
			answer = fmt.Sprintf("Added %d %s.", parsed.Quantity, name)
			observability.StateWrites.WithLabelValues("add").Inc()
		}
	case state.ActionSet:
		var name string
		name, err = e.tracker.SetQuantity(ctx, parsed.DestUserIDOr(parsed.SourceUserID), parsed.ItemName, parsed.Quantity, meta)
		if err == nil {
			answer = fmt.Sprintf("Set %s to %d.", name, parsed.Quantity)
			observability.StateWrites.WithLabelValues("set").Inc()
		}
	default:
		return nil, false
	}

	if err != nil {
		if errors.Is(err, state.ErrInsufficientBalance) {
			result := e.finishState(params, friendlyBalanceError(err), false, false, start)
			return result, true
		}
		slog.Warn("action execution failed", "action", parsed.Action, "error", err)
		result := e.finishState(params, "Sorry, that didn't go through: "+err.Error(), false, false, start)
		return result, true
	}
	return e.finishState(params, answer, false, true, start), true
}

func friendlyBalanceError(err error) string {
	return "The source doesn't have enough for that: " + err.Error()
}

// casual is the fast path: one short completion, no retrieval, no memory
// lookup.
func (e *Engine) casual(ctx context.Context, params *datatypes.QueryParams, start time.Time) (*datatypes.QueryResult, error) {
	genStart := time.Now()
	answer, err := e.completion.Complete(ctx,
		pipeline.BuildChatMessages(params.Question, params.PreviousQuestion, params.PreviousAnswer),
		llm.GenerationParams{Temperature: params.Temperature, MaxTokens: params.MaxTokens})
	if err != nil {
		observability.QueriesTotal.WithLabelValues(pipeline.RouteChat, "error").Inc()
		return nil, err
	}

	result := datatypes.NewQueryResult(params.Question, datatypes.KindCasual)
	result.Answer = answer
	result.IsCasualConversation = true
	result.ServiceRouting = pipeline.RouteChat
	result.Timing.GenerationMs = time.Since(genStart).Milliseconds()
	result.Timing.TotalMs = time.Since(start).Milliseconds()
	observability.QueriesTotal.WithLabelValues(pipeline.RouteChat, "ok").Inc()

	e.persistExchange(params, result, false)
	return result, nil
}

// ragAnswer is the evidence path: parallel retrieval, re-rank, prompt,
// generation (with the tool loop only when no documents were found), and
// persistence.
func (e *Engine) ragAnswer(ctx context.Context, params *datatypes.QueryParams, analysis pipeline.Analysis, cacheKey string, start time.Time) (*datatypes.QueryResult, error) {
	retrievalStart := time.Now()

	filters := store.SearchFilters{DocID: params.DocID, DocFilename: params.DocFilename}
	searchDocs := params.SharedDocs() &&
		e.selector.ShouldSearch(params.Question, params.ExplicitDocFilter())
	// A pinned document makes memories noise; skip them.
	retrieveMemories := params.Memory() && params.ChannelID != "" && !params.ExplicitDocFilter()

	var (
		chunks   []store.SearchResult
		memories []store.Memory
	)
	g, gctx := errgroup.WithContext(ctx)
	if searchDocs {
		g.Go(func() error {
			branchCtx, cancel := context.WithTimeout(gctx, docBranchTimeout)
			defer cancel()
			scopeToSelection(branchCtx, e.selector, params.Question, params.UserID, &filters)
			results, err := e.retriever.Retrieve(branchCtx, params.Question, pipeline.RetrievalOptions{
				TopK:              params.TopK,
				Filters:           filters,
				UseHybrid:         params.HybridSearch(),
				UseQueryExpansion: params.QueryExpansion() && e.cfg.QueryExpansion,
				UseTemporal:       params.TemporalWeighting() && e.cfg.TemporalWeighting,
				Complexity:        analysis.Complexity,
			})
			if err != nil {
				slog.Warn("document retrieval degraded", "error", err)
				return nil
			}
			chunks = results
			return nil
		})
	}
	if retrieveMemories {
		g.Go(func() error {
			branchCtx, cancel := context.WithTimeout(gctx, memoryBranchTimeout)
			defer cancel()
			vec, err := e.retriever.QueryEmbedding(branchCtx, params.Question)
			if err != nil {
				return nil
			}
			found, err := e.stores.RetrieveMemories(branchCtx, params.ChannelID, vec, params.TopK)
			if err != nil {
				return nil
			}
			memories = found
			return nil
		})
	}
	_ = g.Wait()
	observability.RetrievalCandidates.Observe(float64(len(chunks)))

	chunks = e.reranker.Rerank(ctx, params.Question, chunks, params.TopK)

	contextBlock, usedChunks, usedMemories := pipeline.BuildContext(pipeline.PromptInput{
		Question: params.Question,
		Memories: memories,
		Chunks:   chunks,
		MaxChars: pipeline.ContextBudget(params.MaxContextTokens),
	})
	retrievalMs := time.Since(retrievalStart).Milliseconds()

	// Tool loop only when there is no document evidence: the model must
	// answer from evidence when evidence exists.
	genStart := time.Now()
	messages := pipeline.BuildRAGMessages(contextBlock, params.Question)
	genParams := llm.GenerationParams{Temperature: params.Temperature, MaxTokens: params.MaxTokens}

	var (
		answer      string
		callRecords []tools.ToolCallRecord
		err         error
	)
	if len(usedChunks) == 0 && e.registry != nil && (analysis.NeedsTools || analysis.Routing == pipeline.RouteTools || len(e.registry.List()) > 0) {
		answer, callRecords, err = e.registry.RunLoop(ctx, e.completion, messages, genParams,
			tools.Ambient{UserID: params.UserID, ChannelID: params.ChannelID})
	} else {
		answer, err = e.completion.Complete(ctx, messages, genParams)
	}
	if err != nil {
		observability.QueriesTotal.WithLabelValues(analysis.Routing, "error").Inc()
		return nil, err
	}
	for _, record := range callRecords {
		observability.ToolCallsTotal.WithLabelValues(record.Name, strconv.FormatBool(record.Success)).Inc()
	}

	result := datatypes.NewQueryResult(params.Question, datatypes.KindRagAnswer)
	result.Answer = answer
	result.ContextChunks = len(usedChunks)
	result.MemoriesUsed = len(usedMemories)
	result.ServiceRouting = analysis.Routing
	result.ToolCalls = callRecords
	result.Timing = datatypes.Timing{
		RetrievalMs:  retrievalMs,
		GenerationMs: time.Since(genStart).Milliseconds(),
		TotalMs:      time.Since(start).Milliseconds(),
	}
	seenDocs := map[string]bool{}
	for _, c := range usedChunks {
		if !seenDocs[c.FileName] {
			seenDocs[c.FileName] = true
			result.SourceDocuments = append(result.SourceDocuments, c.FileName)
		}
	}
	for _, m := range usedMemories {
		result.SourceMemories = append(result.SourceMemories, datatypes.MemoryPreview{
			Type:    m.MemoryType,
			Preview: previewOf(m.Content),
		})
	}
	observability.QueriesTotal.WithLabelValues(analysis.Routing, "ok").Inc()
	observability.QueryDuration.WithLabelValues(analysis.Routing).Observe(time.Since(start).Seconds())

	// Record the user-document edge for the selector's history signal.
	if g := e.stores.Graph(); g != nil && params.UserID != "" {
		for _, c := range usedChunks {
			if err := g.RecordDocumentQuery(ctx, params.UserID, c.DocID); err != nil {
				break
			}
		}
	}

	e.persistExchange(params, result, false)

	// Tool side effects make the answer non-replayable.
	if e.cfg.CacheEnabled && len(callRecords) == 0 {
		e.resultCache.Set(cacheKey, *result)
	}
	return result, nil
}

// scopeToSelection pins an unpinned document search to the selector's
// single confident winner. An ambiguous selection (zero or several
// documents) leaves the search corpus-wide.
func scopeToSelection(ctx context.Context, selector *pipeline.DocumentSelector, question, userID string, filters *store.SearchFilters) {
	if filters.Specific() {
		return
	}
	selected, err := selector.SelectDocuments(ctx, question, userID)
	if err != nil || len(selected) != 1 {
		return
	}
	filters.DocID = selected[0].DocID
}

// persistExchange writes the turn to the conversation store and, for
// non-casual channel messages, a memory. Best-effort and detached from
// the request's cancellation, ordered per user by running inline.
func (e *Engine) persistExchange(params *datatypes.QueryParams, result *datatypes.QueryResult, isAction bool) {
	if params.UserID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(context.Background()), 10*time.Second)
	defer cancel()

	turn := store.ConversationTurn{
		UserID:    params.UserID,
		ChannelID: params.ChannelID,
		Question:  params.Question,
		Answer:    result.Answer,
		Timestamp: time.Now(),
	}
	if vec, err := e.retriever.QueryEmbedding(ctx, params.Question); err == nil {
		turn.Embedding = vec
	}
	if err := e.stores.AddConversation(ctx, turn); err != nil {
		slog.Warn("conversation persist failed", "user_id", params.UserID, "error", err)
	}

	if params.ChannelID == "" || result.IsCasualConversation {
		return
	}
	memoryType := store.MemoryUserMessage
	if isAction {
		memoryType = store.MemoryAction
	}
	memory := store.Memory{
		ChannelID:  params.ChannelID,
		Content:    params.Question,
		MemoryType: memoryType,
		UserID:     params.UserID,
		CreatedAt:  time.Now(),
		Importance: 0.5,
	}
	memory.Embedding = turn.Embedding
	if err := e.stores.StoreMemory(ctx, memory); err != nil {
		slog.Warn("memory persist failed", "channel_id", params.ChannelID, "error", err)
	}
}

func previewOf(content string) string {
	if len(content) > 120 {
		return content[:120]
	}
	return content
}
