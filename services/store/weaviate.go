// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// Weaviate class names. One class per stored kind; see EnsureSchema.
const (
	classChunk        = "Chunk"
	classDocument     = "DocumentMeta"
	classMemory       = "Memory"
	classConversation = "Conversation"
)

// rrfK is the rank constant for reciprocal-rank fusion. 60 is the value
// from the original RRF paper and behaves well for list sizes in the
// tens-to-hundreds range.
const rrfK = 60

// WeaviateStore is the primary backend: a vector + full-text index.
//
// Chunk, document, memory, and conversation mirrors all live in the same
// instance under distinct classes. All searches return backend-native
// scores; fusion and normalization happen in this type when the native
// hybrid primitive is not used.
type WeaviateStore struct {
	client    *weaviate.Client
	dimension int
	// nativeHybrid selects Weaviate's own hybrid operator. When false the
	// store runs vector and bm25 searches separately and fuses with RRF.
	nativeHybrid bool
}

var (
	_ ChunkSearcher     = (*WeaviateStore)(nil)
	_ DocumentStore     = (*WeaviateStore)(nil)
	_ MemoryStore       = (*WeaviateStore)(nil)
	_ ConversationStore = (*WeaviateStore)(nil)
)

// NewWeaviateStore connects to Weaviate at rawURL (scheme required) and
// verifies the schema. dimension is the configured embedding dimension;
// chunk writes with a different dimension are rejected.
func NewWeaviateStore(rawURL string, dimension int) (*WeaviateStore, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid weaviate URL %q: %v", rawURL, err)
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}
	s := &WeaviateStore{client: client, dimension: dimension, nativeHybrid: true}
	if err := s.EnsureSchema(context.Background()); err != nil {
		slog.Warn("weaviate schema check failed, continuing", "error", err)
	}
	return s, nil
}

// EnsureSchema creates the classes this store uses. Existing classes are
// left untouched; creation races with other replicas are tolerated.
func (s *WeaviateStore) EnsureSchema(ctx context.Context) error {
	classes := []*models.Class{
		{
			Class:      classChunk,
			Vectorizer: "none",
			Properties: []*models.Property{
				{Name: "doc_id", DataType: []string{"text"}},
				{Name: "chunk_index", DataType: []string{"int"}},
				{Name: "content", DataType: []string{"text"}},
				{Name: "file_name", DataType: []string{"text"}},
				{Name: "uploaded_by", DataType: []string{"text"}},
				{Name: "uploaded_at", DataType: []string{"int"}},
			},
		},
		{
			Class:      classDocument,
			Vectorizer: "none",
			Properties: []*models.Property{
				{Name: "doc_id", DataType: []string{"text"}},
				{Name: "file_name", DataType: []string{"text"}},
				{Name: "file_type", DataType: []string{"text"}},
				{Name: "uploaded_by", DataType: []string{"text"}},
				{Name: "uploaded_at", DataType: []string{"int"}},
				{Name: "chunk_count", DataType: []string{"int"}},
			},
		},
		{
			Class:      classMemory,
			Vectorizer: "none",
			Properties: []*models.Property{
				{Name: "channel_id", DataType: []string{"text"}},
				{Name: "content", DataType: []string{"text"}},
				{Name: "memory_type", DataType: []string{"text"}},
				{Name: "user_id", DataType: []string{"text"}},
				{Name: "username", DataType: []string{"text"}},
				{Name: "mentioned_user_id", DataType: []string{"text"}},
				{Name: "created_at", DataType: []string{"int"}},
				{Name: "importance", DataType: []string{"number"}},
			},
		},
		{
			Class:      classConversation,
			Vectorizer: "none",
			Properties: []*models.Property{
				{Name: "user_id", DataType: []string{"text"}},
				{Name: "channel_id", DataType: []string{"text"}},
				{Name: "question", DataType: []string{"text"}},
				{Name: "answer", DataType: []string{"text"}},
				{Name: "timestamp", DataType: []string{"int"}},
			},
		},
	}
	for _, class := range classes {
		err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx)
		if err != nil {
			// "already exists" is the steady state on restart.
			slog.Debug("class create skipped", "class", class.Class, "error", err)
		}
	}
	return nil
}

// parseGraphQLResponse converts Weaviate's dynamic response payload into a
// typed struct via a marshal round-trip. The target type's json tags must
// match the GraphQL response shape.
func parseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}
	var result T
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}
	return &result, nil
}

// chunkHit mirrors the GraphQL shape of a Chunk result.
type chunkHit struct {
	DocID      string `json:"doc_id"`
	ChunkIndex int    `json:"chunk_index"`
	Content    string `json:"content"`
	FileName   string `json:"file_name"`
	UploadedBy string `json:"uploaded_by"`
	UploadedAt int64  `json:"uploaded_at"`
	Additional struct {
		ID        string   `json:"id"`
		Distance  *float32 `json:"distance"`
		Certainty *float32 `json:"certainty"`
		Score     string   `json:"score"`
	} `json:"_additional"`
}

type chunkQueryResponse struct {
	Get struct {
		Chunk []chunkHit `json:"Chunk"`
	} `json:"Get"`
}

func (h *chunkHit) toResult(route string) SearchResult {
	res := SearchResult{
		Chunk: Chunk{
			DocID:      h.DocID,
			ChunkIndex: h.ChunkIndex,
			Text:       h.Content,
			FileName:   h.FileName,
			UploadedBy: h.UploadedBy,
			UploadedAt: time.UnixMilli(h.UploadedAt),
		},
		Route: route,
	}
	// Weaviate reports bm25/hybrid relevance as a string score and vector
	// relevance as distance/certainty. Normalize to one score field.
	if h.Additional.Score != "" {
		if parsed, err := strconv.ParseFloat(h.Additional.Score, 64); err == nil {
			res.Score = parsed
		}
	} else if h.Additional.Certainty != nil {
		res.Score = float64(*h.Additional.Certainty)
	} else if h.Additional.Distance != nil {
		res.Score = 1 - float64(*h.Additional.Distance)
	}
	return res
}

var chunkFields = []graphql.Field{
	{Name: "doc_id"},
	{Name: "chunk_index"},
	{Name: "content"},
	{Name: "file_name"},
	{Name: "uploaded_by"},
	{Name: "uploaded_at"},
	{Name: "_additional { id distance certainty score }"},
}

func chunkWhere(f SearchFilters) *filters.WhereBuilder {
	var operands []*filters.WhereBuilder
	if f.DocID != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"doc_id"}).
			WithOperator(filters.Equal).
			WithValueString(f.DocID))
	}
	if f.DocFilename != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"file_name"}).
			WithOperator(filters.Equal).
			WithValueString(f.DocFilename))
	}
	if f.UploadedBy != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"uploaded_by"}).
			WithOperator(filters.Equal).
			WithValueString(f.UploadedBy))
	}
	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().WithOperator(filters.And).WithOperands(operands)
	}
}

// VectorSearch implements ChunkSearcher via kNN on the chunk embeddings.
func (s *WeaviateStore) VectorSearch(ctx context.Context, queryVec []float32, k int, f SearchFilters) ([]SearchResult, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(queryVec)
	query := s.client.GraphQL().Get().
		WithClassName(classChunk).
		WithFields(chunkFields...).
		WithNearVector(nearVector).
		WithLimit(k)
	if where := chunkWhere(f); where != nil {
		query = query.WithWhere(where)
	}
	resp, err := query.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	parsed, err := parseGraphQLResponse[chunkQueryResponse](resp)
	if err != nil {
		return nil, err
	}
	return hitsToResults(parsed.Get.Chunk, "vector", f.MinScore), nil
}

// LexicalSearch implements ChunkSearcher via BM25.
func (s *WeaviateStore) LexicalSearch(ctx context.Context, queryText string, k int, f SearchFilters) ([]SearchResult, error) {
	bm25 := s.client.GraphQL().Bm25ArgBuilder().WithQuery(queryText)
	query := s.client.GraphQL().Get().
		WithClassName(classChunk).
		WithFields(chunkFields...).
		WithBM25(bm25).
		WithLimit(k)
	if where := chunkWhere(f); where != nil {
		query = query.WithWhere(where)
	}
	resp, err := query.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	parsed, err := parseGraphQLResponse[chunkQueryResponse](resp)
	if err != nil {
		return nil, err
	}
	return hitsToResults(parsed.Get.Chunk, "lexical", f.MinScore), nil
}

// HybridSearch implements ChunkSearcher. When the native hybrid operator
// is enabled, alpha is derived from the semantic/lexical weights;
// otherwise vector and lexical lists are fused with RRF plus a weighted
// blend of normalized scores.
func (s *WeaviateStore) HybridSearch(ctx context.Context, queryText string, queryVec []float32, k int, f SearchFilters, semanticWeight, lexicalWeight float64) ([]SearchResult, error) {
	if s.nativeHybrid {
		alpha := float32(0.5)
		if semanticWeight+lexicalWeight > 0 {
			alpha = float32(semanticWeight / (semanticWeight + lexicalWeight))
		}
		hybrid := s.client.GraphQL().HybridArgumentBuilder().
			WithQuery(queryText).
			WithVector(queryVec).
			WithAlpha(alpha)
		query := s.client.GraphQL().Get().
			WithClassName(classChunk).
			WithFields(chunkFields...).
			WithHybrid(hybrid).
			WithLimit(k)
		if where := chunkWhere(f); where != nil {
			query = query.WithWhere(where)
		}
		resp, err := query.Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("hybrid search: %w", err)
		}
		parsed, err := parseGraphQLResponse[chunkQueryResponse](resp)
		if err != nil {
			return nil, err
		}
		return hitsToResults(parsed.Get.Chunk, "hybrid", f.MinScore), nil
	}

	dense, err := s.VectorSearch(ctx, queryVec, k, f)
	if err != nil {
		return nil, err
	}
	lexical, err := s.LexicalSearch(ctx, queryText, k, f)
	if err != nil {
		return nil, err
	}
	fused := FuseRRF(dense, lexical, semanticWeight, lexicalWeight)
	if len(fused) > k {
		fused = fused[:k]
	}
	return fused, nil
}

// FuseRRF merges two ranked result lists with reciprocal-rank fusion
// (score = sum of 1/(rrfK + rank)) plus a weighted blend of min-max
// normalized native scores. Duplicate chunk ids keep a single fused entry.
func FuseRRF(dense, lexical []SearchResult, semanticWeight, lexicalWeight float64) []SearchResult {
	type fusion struct {
		result SearchResult
		score  float64
	}
	merged := make(map[string]*fusion)

	accumulate := func(list []SearchResult, weight float64) {
		normalized := normalizeScores(list)
		for rank, r := range list {
			id := r.ChunkID()
			contribution := 1.0/float64(rrfK+rank+1) + weight*normalized[rank]
			if existing, ok := merged[id]; ok {
				existing.score += contribution
			} else {
				r.Route = "hybrid"
				merged[id] = &fusion{result: r, score: contribution}
			}
		}
	}
	accumulate(dense, semanticWeight)
	accumulate(lexical, lexicalWeight)

	out := make([]SearchResult, 0, len(merged))
	for _, f := range merged {
		f.result.Score = f.score
		out = append(out, f.result)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// normalizeScores min-max normalizes to [0,1]. A constant list maps to 1.
func normalizeScores(list []SearchResult) []float64 {
	if len(list) == 0 {
		return nil
	}
	lo, hi := list[0].Score, list[0].Score
	for _, r := range list[1:] {
		if r.Score < lo {
			lo = r.Score
		}
		if r.Score > hi {
			hi = r.Score
		}
	}
	out := make([]float64, len(list))
	for i, r := range list {
		if hi == lo {
			out[i] = 1
		} else {
			out[i] = (r.Score - lo) / (hi - lo)
		}
	}
	return out
}

func hitsToResults(hits []chunkHit, route string, minScore float64) []SearchResult {
	out := make([]SearchResult, 0, len(hits))
	for i := range hits {
		r := hits[i].toResult(route)
		if minScore > 0 && r.Score < minScore {
			continue
		}
		out = append(out, r)
	}
	return out
}

// =============================================================================
// Documents and chunks
// =============================================================================

type documentHit struct {
	DocID      string `json:"doc_id"`
	FileName   string `json:"file_name"`
	FileType   string `json:"file_type"`
	UploadedBy string `json:"uploaded_by"`
	UploadedAt int64  `json:"uploaded_at"`
	ChunkCount int    `json:"chunk_count"`
}

type documentQueryResponse struct {
	Get struct {
		DocumentMeta []documentHit `json:"DocumentMeta"`
	} `json:"Get"`
}

// AllDocuments implements DocumentStore.
func (s *WeaviateStore) AllDocuments(ctx context.Context) ([]Document, error) {
	resp, err := s.client.GraphQL().Get().
		WithClassName(classDocument).
		WithFields(
			graphql.Field{Name: "doc_id"},
			graphql.Field{Name: "file_name"},
			graphql.Field{Name: "file_type"},
			graphql.Field{Name: "uploaded_by"},
			graphql.Field{Name: "uploaded_at"},
			graphql.Field{Name: "chunk_count"},
		).
		WithLimit(1000).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	parsed, err := parseGraphQLResponse[documentQueryResponse](resp)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(parsed.Get.DocumentMeta))
	for _, h := range parsed.Get.DocumentMeta {
		docs = append(docs, Document{
			DocID:      h.DocID,
			FileName:   h.FileName,
			FileType:   h.FileType,
			UploadedBy: h.UploadedBy,
			UploadedAt: time.UnixMilli(h.UploadedAt),
			ChunkCount: h.ChunkCount,
		})
	}
	return docs, nil
}

// Chunks implements DocumentStore, returning a document's chunks ordered
// by chunk_index.
func (s *WeaviateStore) Chunks(ctx context.Context, docID string) ([]Chunk, error) {
	where := filters.Where().
		WithPath([]string{"doc_id"}).
		WithOperator(filters.Equal).
		WithValueString(docID)
	resp, err := s.client.GraphQL().Get().
		WithClassName(classChunk).
		WithFields(chunkFields...).
		WithWhere(where).
		WithLimit(10000).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	parsed, err := parseGraphQLResponse[chunkQueryResponse](resp)
	if err != nil {
		return nil, err
	}
	chunks := make([]Chunk, 0, len(parsed.Get.Chunk))
	for _, h := range parsed.Get.Chunk {
		chunks = append(chunks, Chunk{
			DocID:      h.DocID,
			ChunkIndex: h.ChunkIndex,
			Text:       h.Content,
			FileName:   h.FileName,
			UploadedBy: h.UploadedBy,
			UploadedAt: time.UnixMilli(h.UploadedAt),
		})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })
	return chunks, nil
}

// chunkObjectID derives a deterministic object id from (doc_id,
// chunk_index) so re-ingesting the same chunk cannot create a duplicate
// object.
func chunkObjectID(docID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("quartermaster/chunk/"+docID+"/"+strconv.Itoa(index))).String()
}

// StoreChunk implements DocumentStore. Embedding dimension is enforced
// here: a mismatched chunk is rejected at write, never stored.
func (s *WeaviateStore) StoreChunk(ctx context.Context, chunk Chunk) error {
	if len(chunk.Embedding) != s.dimension {
		return fmt.Errorf("%w: got %d, configured %d", ErrDimensionMismatch, len(chunk.Embedding), s.dimension)
	}
	_, err := s.client.Data().Creator().
		WithClassName(classChunk).
		WithID(chunkObjectID(chunk.DocID, chunk.ChunkIndex)).
		WithProperties(map[string]interface{}{
			"doc_id":      chunk.DocID,
			"chunk_index": chunk.ChunkIndex,
			"content":     chunk.Text,
			"file_name":   chunk.FileName,
			"uploaded_by": chunk.UploadedBy,
			"uploaded_at": chunk.UploadedAt.UnixMilli(),
		}).
		WithVector(chunk.Embedding).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("store chunk: %w", err)
	}
	return nil
}

// DeleteDocument implements DocumentStore. The operation is idempotent:
// deleting an absent doc_id succeeds with zero matches.
func (s *WeaviateStore) DeleteDocument(ctx context.Context, docID string) error {
	where := filters.Where().
		WithPath([]string{"doc_id"}).
		WithOperator(filters.Equal).
		WithValueString(docID)
	if _, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(classChunk).
		WithWhere(where).
		WithOutput("minimal").
		Do(ctx); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(classDocument).
		WithWhere(where).
		WithOutput("minimal").
		Do(ctx); err != nil {
		return fmt.Errorf("delete document meta: %w", err)
	}
	slog.Info("deleted document", "doc_id", docID)
	return nil
}
