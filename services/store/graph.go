// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// GraphStore is the fallback chunk index and the authority for
// relationships: user-queried-document edges, persona ties, and
// document-topic edges.
//
// Chunks are mirrored as (:Document)-[:HAS_CHUNK]->(:Chunk) with a vector
// index over chunk embeddings. Relationship queries never go through the
// facade's degrade-to-empty path; they are best-effort by construction.
type GraphStore struct {
	driver    neo4j.DriverWithContext
	database  string
	dimension int
}

var _ ChunkSearcher = (*GraphStore)(nil)

// defaultVectorDim matches the embedding service default; the vector
// index must be created with the dimension embeddings actually have.
const defaultVectorDim = 768

// NewGraphStore connects and verifies connectivity. dimension sizes the
// chunk vector index and must match the embedder's. An empty uri returns
// (nil, nil) so the facade can run single-backed.
func NewGraphStore(ctx context.Context, uri, user, password, database string, dimension int) (*GraphStore, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, nil
	}
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""), func(cfg *neo4j.Config) {
		cfg.MaxConnectionPoolSize = 50
		cfg.SocketConnectTimeout = 10 * time.Second
	})
	if err != nil {
		return nil, fmt.Errorf("graph store: init driver: %w", err)
	}
	verifyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("graph store: verify connectivity: %w", err)
	}
	g := &GraphStore{driver: driver, database: database, dimension: dimension}
	g.ensureSchema(ctx)
	return g, nil
}

func (g *GraphStore) vectorDim() int {
	if g.dimension > 0 {
		return g.dimension
	}
	return defaultVectorDim
}

// Close releases the driver.
func (g *GraphStore) Close(ctx context.Context) error {
	if g == nil || g.driver == nil {
		return nil
	}
	return g.driver.Close(ctx)
}

func (g *GraphStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return g.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: g.database,
	})
}

// ensureSchema is best-effort: constraint statements that already exist
// are no-ops, and a failure here only costs lookup speed.
func (g *GraphStore) ensureSchema(ctx context.Context) {
	session := g.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	stmts := []string{
		`CREATE CONSTRAINT doc_id_unique IF NOT EXISTS FOR (d:Document) REQUIRE d.doc_id IS UNIQUE`,
		`CREATE CONSTRAINT chunk_id_unique IF NOT EXISTS FOR (c:Chunk) REQUIRE c.chunk_id IS UNIQUE`,
		`CREATE CONSTRAINT user_id_unique IF NOT EXISTS FOR (u:User) REQUIRE u.user_id IS UNIQUE`,
		`CREATE CONSTRAINT persona_id_unique IF NOT EXISTS FOR (p:Persona) REQUIRE p.persona_id IS UNIQUE`,
		`CREATE CONSTRAINT topic_name_unique IF NOT EXISTS FOR (t:Topic) REQUIRE t.name IS UNIQUE`,
	}
	for _, stmt := range stmts {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			slog.Debug("graph schema statement skipped", "error", err)
		}
	}
	vectorIdx := `CREATE VECTOR INDEX chunk_embeddings IF NOT EXISTS
FOR (c:Chunk) ON (c.embedding)
OPTIONS {indexConfig: {` + "`vector.dimensions`" + `: $dim, ` + "`vector.similarity_function`" + `: 'cosine'}}`
	if _, err := session.Run(ctx, vectorIdx, map[string]any{"dim": g.vectorDim()}); err != nil {
		slog.Debug("graph vector index skipped", "error", err)
	}
	fulltext := `CREATE FULLTEXT INDEX chunk_content IF NOT EXISTS FOR (c:Chunk) ON EACH [c.content]`
	if _, err := session.Run(ctx, fulltext, nil); err != nil {
		slog.Debug("graph fulltext index skipped", "error", err)
	}
}

// =============================================================================
// Chunk mirror (fallback search backend)
// =============================================================================

// StoreChunk mirrors a chunk under its document node.
func (g *GraphStore) StoreChunk(ctx context.Context, chunk Chunk) error {
	session := g.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, `
MERGE (d:Document {doc_id: $doc_id})
SET d.file_name = $file_name, d.uploaded_by = $uploaded_by, d.uploaded_at = $uploaded_at
MERGE (c:Chunk {chunk_id: $chunk_id})
SET c.doc_id = $doc_id,
    c.chunk_index = $chunk_index,
    c.content = $content,
    c.file_name = $file_name,
    c.uploaded_by = $uploaded_by,
    c.uploaded_at = $uploaded_at,
    c.embedding = $embedding
MERGE (d)-[:HAS_CHUNK]->(c)
`, map[string]any{
			"chunk_id":    chunk.ChunkID(),
			"doc_id":      chunk.DocID,
			"chunk_index": chunk.ChunkIndex,
			"content":     chunk.Text,
			"file_name":   chunk.FileName,
			"uploaded_by": chunk.UploadedBy,
			"uploaded_at": chunk.UploadedAt.UnixMilli(),
			"embedding":   chunk.Embedding,
		})
	})
	if err != nil {
		return fmt.Errorf("graph store chunk: %w", err)
	}
	return nil
}

// DeleteDocument removes a document, its chunks, and their edges.
// Idempotent: deleting an absent doc_id matches nothing and succeeds.
func (g *GraphStore) DeleteDocument(ctx context.Context, docID string) error {
	session := g.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, `
MATCH (d:Document {doc_id: $doc_id})
OPTIONAL MATCH (d)-[:HAS_CHUNK]->(c:Chunk)
DETACH DELETE d, c
`, map[string]any{"doc_id": docID})
	})
	if err != nil {
		return fmt.Errorf("graph delete document: %w", err)
	}
	return nil
}

func chunkFilterClause(f SearchFilters) (string, map[string]any) {
	clauses := []string{}
	params := map[string]any{}
	if f.DocID != "" {
		clauses = append(clauses, "c.doc_id = $doc_id")
		params["doc_id"] = f.DocID
	}
	if f.DocFilename != "" {
		clauses = append(clauses, "c.file_name = $file_name")
		params["file_name"] = f.DocFilename
	}
	if f.UploadedBy != "" {
		clauses = append(clauses, "c.uploaded_by = $uploaded_by")
		params["uploaded_by"] = f.UploadedBy
	}
	if len(clauses) == 0 {
		return "", params
	}
	return " WHERE " + strings.Join(clauses, " AND "), params
}

func recordToResult(record *neo4j.Record, route string) SearchResult {
	get := func(key string) any {
		v, _ := record.Get(key)
		return v
	}
	r := SearchResult{Route: route}
	if s, ok := get("doc_id").(string); ok {
		r.DocID = s
	}
	if n, ok := get("chunk_index").(int64); ok {
		r.ChunkIndex = int(n)
	}
	if s, ok := get("content").(string); ok {
		r.Text = s
	}
	if s, ok := get("file_name").(string); ok {
		r.FileName = s
	}
	if s, ok := get("uploaded_by").(string); ok {
		r.UploadedBy = s
	}
	if ms, ok := get("uploaded_at").(int64); ok {
		r.UploadedAt = time.UnixMilli(ms)
	}
	if f, ok := get("score").(float64); ok {
		r.Score = f
	}
	return r
}

// VectorSearch implements ChunkSearcher on the chunk vector index.
func (g *GraphStore) VectorSearch(ctx context.Context, queryVec []float32, k int, f SearchFilters) ([]SearchResult, error) {
	session := g.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	filterClause, params := chunkFilterClause(f)
	params["k"] = k
	params["vec"] = queryVec
	// Over-fetch so post-index filtering still fills k.
	params["fetch"] = k * 4

	query := `
CALL db.index.vector.queryNodes('chunk_embeddings', $fetch, $vec)
YIELD node AS c, score` + filterClause + `
RETURN c.doc_id AS doc_id, c.chunk_index AS chunk_index, c.content AS content,
       c.file_name AS file_name, c.uploaded_by AS uploaded_by, c.uploaded_at AS uploaded_at,
       score
ORDER BY score DESC LIMIT $k`

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		var results []SearchResult
		for res.Next(ctx) {
			r := recordToResult(res.Record(), "graph")
			if f.MinScore > 0 && r.Score < f.MinScore {
				continue
			}
			results = append(results, r)
		}
		return results, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("graph vector search: %w", err)
	}
	return out.([]SearchResult), nil
}

// LexicalSearch implements ChunkSearcher on the fulltext index.
func (g *GraphStore) LexicalSearch(ctx context.Context, queryText string, k int, f SearchFilters) ([]SearchResult, error) {
	session := g.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	filterClause, params := chunkFilterClause(f)
	params["k"] = k
	params["q"] = queryText

	query := `
CALL db.index.fulltext.queryNodes('chunk_content', $q)
YIELD node AS c, score` + filterClause + `
RETURN c.doc_id AS doc_id, c.chunk_index AS chunk_index, c.content AS content,
       c.file_name AS file_name, c.uploaded_by AS uploaded_by, c.uploaded_at AS uploaded_at,
       score
ORDER BY score DESC LIMIT $k`

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		var results []SearchResult
		for res.Next(ctx) {
			r := recordToResult(res.Record(), "graph")
			if f.MinScore > 0 && r.Score < f.MinScore {
				continue
			}
			results = append(results, r)
		}
		return results, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("graph lexical search: %w", err)
	}
	return out.([]SearchResult), nil
}

// HybridSearch implements ChunkSearcher. Neo4j has no native hybrid
// operator, so the two lists are fused with RRF in process.
func (g *GraphStore) HybridSearch(ctx context.Context, queryText string, queryVec []float32, k int, f SearchFilters, semanticWeight, lexicalWeight float64) ([]SearchResult, error) {
	dense, err := g.VectorSearch(ctx, queryVec, k, f)
	if err != nil {
		return nil, err
	}
	lexical, err := g.LexicalSearch(ctx, queryText, k, f)
	if err != nil {
		// Half a hybrid beats no results.
		slog.Warn("graph lexical leg failed, using dense only", "error", err)
		lexical = nil
	}
	fused := FuseRRF(dense, lexical, semanticWeight, lexicalWeight)
	if len(fused) > k {
		fused = fused[:k]
	}
	return fused, nil
}

// Chunks returns a document's chunks ordered by index.
func (g *GraphStore) Chunks(ctx context.Context, docID string) ([]Chunk, error) {
	session := g.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (:Document {doc_id: $doc_id})-[:HAS_CHUNK]->(c:Chunk)
RETURN c.doc_id AS doc_id, c.chunk_index AS chunk_index, c.content AS content,
       c.file_name AS file_name, c.uploaded_by AS uploaded_by, c.uploaded_at AS uploaded_at,
       0.0 AS score
ORDER BY c.chunk_index`, map[string]any{"doc_id": docID})
		if err != nil {
			return nil, err
		}
		var chunks []Chunk
		for res.Next(ctx) {
			chunks = append(chunks, recordToResult(res.Record(), "").Chunk)
		}
		return chunks, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("graph get chunks: %w", err)
	}
	return out.([]Chunk), nil
}

// =============================================================================
// Relationship authority
// =============================================================================

// RecordDocumentQuery upserts a (user)-[:QUERIED]->(document) edge with a
// hit counter, feeding the document selector's history signal.
func (g *GraphStore) RecordDocumentQuery(ctx context.Context, userID, docID string) error {
	if userID == "" || docID == "" {
		return nil
	}
	session := g.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, `
MERGE (u:User {user_id: $user_id})
MERGE (d:Document {doc_id: $doc_id})
MERGE (u)-[e:QUERIED]->(d)
ON CREATE SET e.count = 1
ON MATCH SET e.count = e.count + 1
SET e.last_at = $now`, map[string]any{
			"user_id": userID,
			"doc_id":  docID,
			"now":     time.Now().UnixMilli(),
		})
	})
	if err != nil {
		return fmt.Errorf("record document query: %w", err)
	}
	return nil
}

// UserDocumentHistory returns doc ids the user has queried, most-hit first.
func (g *GraphStore) UserDocumentHistory(ctx context.Context, userID string) ([]string, error) {
	session := g.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (:User {user_id: $user_id})-[e:QUERIED]->(d:Document)
RETURN d.doc_id AS doc_id, e.count AS count
ORDER BY e.count DESC LIMIT 50`, map[string]any{"user_id": userID})
		if err != nil {
			return nil, err
		}
		var ids []string
		for res.Next(ctx) {
			if id, ok := res.Record().Values[0].(string); ok {
				ids = append(ids, id)
			}
		}
		return ids, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("user document history: %w", err)
	}
	return out.([]string), nil
}

// SetDocumentTopics replaces a document's topic edges.
func (g *GraphStore) SetDocumentTopics(ctx context.Context, docID string, topics []string) error {
	session := g.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	normalized := make([]string, 0, len(topics))
	for _, t := range topics {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			normalized = append(normalized, t)
		}
	}
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
MATCH (d:Document {doc_id: $doc_id})-[e:ABOUT]->(:Topic) DELETE e`,
			map[string]any{"doc_id": docID}); err != nil {
			return nil, err
		}
		return tx.Run(ctx, `
MERGE (d:Document {doc_id: $doc_id})
WITH d
UNWIND $topics AS topic
MERGE (t:Topic {name: topic})
MERGE (d)-[:ABOUT]->(t)`, map[string]any{"doc_id": docID, "topics": normalized})
	})
	if err != nil {
		return fmt.Errorf("set document topics: %w", err)
	}
	return nil
}

// DocumentTopics returns the topic names attached to a document.
func (g *GraphStore) DocumentTopics(ctx context.Context, docID string) ([]string, error) {
	session := g.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (:Document {doc_id: $doc_id})-[:ABOUT]->(t:Topic)
RETURN t.name AS name`, map[string]any{"doc_id": docID})
		if err != nil {
			return nil, err
		}
		var names []string
		for res.Next(ctx) {
			if name, ok := res.Record().Values[0].(string); ok {
				names = append(names, name)
			}
		}
		return names, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("document topics: %w", err)
	}
	return out.([]string), nil
}

// UpsertPersona stores a persona tied to its user node.
func (g *GraphStore) UpsertPersona(ctx context.Context, p Persona) error {
	if p.PersonaID == "" || p.UserID == "" {
		return fmt.Errorf("persona requires persona_id and user_id")
	}
	session := g.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, `
MERGE (u:User {user_id: $user_id})
MERGE (p:Persona {persona_id: $persona_id})
SET p.name = $name, p.channels = $channels, p.keywords = $keywords
MERGE (u)-[:HAS_PERSONA]->(p)`, map[string]any{
			"persona_id": p.PersonaID,
			"user_id":    p.UserID,
			"name":       p.Name,
			"channels":   p.Channels,
			"keywords":   p.Keywords,
		})
	})
	if err != nil {
		return fmt.Errorf("upsert persona: %w", err)
	}
	return nil
}

// PersonasForUser returns the user's personas, stable order by name.
func (g *GraphStore) PersonasForUser(ctx context.Context, userID string) ([]Persona, error) {
	session := g.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (:User {user_id: $user_id})-[:HAS_PERSONA]->(p:Persona)
RETURN p.persona_id AS persona_id, p.name AS name, p.channels AS channels, p.keywords AS keywords`,
			map[string]any{"user_id": userID})
		if err != nil {
			return nil, err
		}
		var personas []Persona
		for res.Next(ctx) {
			record := res.Record()
			p := Persona{UserID: userID}
			if v, ok := record.Get("persona_id"); ok {
				p.PersonaID, _ = v.(string)
			}
			if v, ok := record.Get("name"); ok {
				p.Name, _ = v.(string)
			}
			if v, ok := record.Get("channels"); ok {
				p.Channels = toStringSlice(v)
			}
			if v, ok := record.Get("keywords"); ok {
				p.Keywords = toStringSlice(v)
			}
			personas = append(personas, p)
		}
		return personas, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("personas for user: %w", err)
	}
	personas := out.([]Persona)
	sort.Slice(personas, func(i, j int) bool { return personas[i].Name < personas[j].Name })
	return personas, nil
}

func toStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
