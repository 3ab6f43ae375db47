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
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
)

// =============================================================================
// Memory mirror
// =============================================================================

type memoryHit struct {
	ChannelID       string `json:"channel_id"`
	Content         string `json:"content"`
	MemoryType      string `json:"memory_type"`
	UserID          string `json:"user_id"`
	Username        string `json:"username"`
	MentionedUserID string `json:"mentioned_user_id"`
	CreatedAt       int64  `json:"created_at"`
	Importance      float64 `json:"importance"`
	Additional      struct {
		ID        string   `json:"id"`
		Certainty *float32 `json:"certainty"`
		Distance  *float32 `json:"distance"`
	} `json:"_additional"`
}

type memoryQueryResponse struct {
	Get struct {
		Memory []memoryHit `json:"Memory"`
	} `json:"Get"`
}

var memoryFields = []graphql.Field{
	{Name: "channel_id"},
	{Name: "content"},
	{Name: "memory_type"},
	{Name: "user_id"},
	{Name: "username"},
	{Name: "mentioned_user_id"},
	{Name: "created_at"},
	{Name: "importance"},
	{Name: "_additional { id certainty distance }"},
}

// StoreMemory implements MemoryStore.
func (s *WeaviateStore) StoreMemory(ctx context.Context, m Memory) error {
	if m.ChannelID == "" || m.Content == "" {
		return fmt.Errorf("memory requires channel_id and content")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	creator := s.client.Data().Creator().
		WithClassName(classMemory).
		WithProperties(map[string]interface{}{
			"channel_id":        m.ChannelID,
			"content":           m.Content,
			"memory_type":       m.MemoryType,
			"user_id":           m.UserID,
			"username":          m.Username,
			"mentioned_user_id": m.MentionedUserID,
			"created_at":        m.CreatedAt.UnixMilli(),
			"importance":        m.Importance,
		})
	if len(m.Embedding) > 0 {
		creator = creator.WithVector(m.Embedding)
	}
	if _, err := creator.Do(ctx); err != nil {
		return fmt.Errorf("store memory: %w", err)
	}
	return nil
}

// RetrieveMemories implements MemoryStore: channel-scoped kNN over
// preserved utterances.
func (s *WeaviateStore) RetrieveMemories(ctx context.Context, channelID string, queryVec []float32, k int) ([]Memory, error) {
	where := filters.Where().
		WithPath([]string{"channel_id"}).
		WithOperator(filters.Equal).
		WithValueString(channelID)
	query := s.client.GraphQL().Get().
		WithClassName(classMemory).
		WithFields(memoryFields...).
		WithWhere(where).
		WithLimit(k)
	if len(queryVec) > 0 {
		nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(queryVec)
		query = query.WithNearVector(nearVector)
	}
	resp, err := query.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieve memories: %w", err)
	}
	parsed, err := parseGraphQLResponse[memoryQueryResponse](resp)
	if err != nil {
		return nil, err
	}
	memories := make([]Memory, 0, len(parsed.Get.Memory))
	for _, h := range parsed.Get.Memory {
		m := Memory{
			ID:              h.Additional.ID,
			ChannelID:       h.ChannelID,
			Content:         h.Content,
			MemoryType:      h.MemoryType,
			UserID:          h.UserID,
			Username:        h.Username,
			MentionedUserID: h.MentionedUserID,
			CreatedAt:       time.UnixMilli(h.CreatedAt),
			Importance:      h.Importance,
		}
		if h.Additional.Certainty != nil {
			m.Score = float64(*h.Additional.Certainty)
		} else if h.Additional.Distance != nil {
			m.Score = 1 - float64(*h.Additional.Distance)
		}
		memories = append(memories, m)
	}
	return memories, nil
}

// ClearChannel implements MemoryStore. Idempotent.
func (s *WeaviateStore) ClearChannel(ctx context.Context, channelID string) error {
	where := filters.Where().
		WithPath([]string{"channel_id"}).
		WithOperator(filters.Equal).
		WithValueString(channelID)
	if _, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(classMemory).
		WithWhere(where).
		WithOutput("minimal").
		Do(ctx); err != nil {
		return fmt.Errorf("clear channel memories: %w", err)
	}
	slog.Info("cleared channel memories", "channel_id", channelID)
	return nil
}

// =============================================================================
// Conversation mirror
// =============================================================================

type conversationHit struct {
	UserID     string `json:"user_id"`
	ChannelID  string `json:"channel_id"`
	Question   string `json:"question"`
	Answer     string `json:"answer"`
	Timestamp  int64  `json:"timestamp"`
	Additional struct {
		ID        string   `json:"id"`
		Certainty *float32 `json:"certainty"`
		Distance  *float32 `json:"distance"`
	} `json:"_additional"`
}

type conversationQueryResponse struct {
	Get struct {
		Conversation []conversationHit `json:"Conversation"`
	} `json:"Get"`
}

var conversationFields = []graphql.Field{
	{Name: "user_id"},
	{Name: "channel_id"},
	{Name: "question"},
	{Name: "answer"},
	{Name: "timestamp"},
	{Name: "_additional { id certainty distance }"},
}

func conversationWhere(userID, channelID string) *filters.WhereBuilder {
	user := filters.Where().
		WithPath([]string{"user_id"}).
		WithOperator(filters.Equal).
		WithValueString(userID)
	if channelID == "" {
		return user
	}
	channel := filters.Where().
		WithPath([]string{"channel_id"}).
		WithOperator(filters.Equal).
		WithValueString(channelID)
	return filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{user, channel})
}

// AddConversation implements ConversationStore.
func (s *WeaviateStore) AddConversation(ctx context.Context, turn ConversationTurn) error {
	if turn.UserID == "" {
		return fmt.Errorf("conversation turn requires user_id")
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	creator := s.client.Data().Creator().
		WithClassName(classConversation).
		WithProperties(map[string]interface{}{
			"user_id":    turn.UserID,
			"channel_id": turn.ChannelID,
			"question":   turn.Question,
			"answer":     turn.Answer,
			"timestamp":  turn.Timestamp.UnixMilli(),
		})
	if len(turn.Embedding) > 0 {
		creator = creator.WithVector(turn.Embedding)
	}
	if _, err := creator.Do(ctx); err != nil {
		return fmt.Errorf("add conversation: %w", err)
	}
	return nil
}

func (s *WeaviateStore) fetchConversations(ctx context.Context, userID, channelID string, limit int, queryVec []float32) ([]ConversationTurn, error) {
	query := s.client.GraphQL().Get().
		WithClassName(classConversation).
		WithFields(conversationFields...).
		WithWhere(conversationWhere(userID, channelID)).
		WithLimit(limit)
	if len(queryVec) > 0 {
		query = query.WithNearVector(s.client.GraphQL().NearVectorArgBuilder().WithVector(queryVec))
	}
	resp, err := query.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("get conversations: %w", err)
	}
	parsed, err := parseGraphQLResponse[conversationQueryResponse](resp)
	if err != nil {
		return nil, err
	}
	turns := make([]ConversationTurn, 0, len(parsed.Get.Conversation))
	for _, h := range parsed.Get.Conversation {
		t := ConversationTurn{
			UserID:    h.UserID,
			ChannelID: h.ChannelID,
			Question:  h.Question,
			Answer:    h.Answer,
			Timestamp: time.UnixMilli(h.Timestamp),
		}
		if h.Additional.Certainty != nil {
			t.Score = float64(*h.Additional.Certainty)
		} else if h.Additional.Distance != nil {
			t.Score = 1 - float64(*h.Additional.Distance)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// GetConversation implements ConversationStore, newest turn first.
func (s *WeaviateStore) GetConversation(ctx context.Context, userID, channelID string, limit int) ([]ConversationTurn, error) {
	if limit <= 0 {
		limit = 10
	}
	turns, err := s.fetchConversations(ctx, userID, channelID, limit, nil)
	if err != nil {
		return nil, err
	}
	sort.Slice(turns, func(i, j int) bool { return turns[i].Timestamp.After(turns[j].Timestamp) })
	return turns, nil
}

// GetRecentConversation implements ConversationStore across all channels.
func (s *WeaviateStore) GetRecentConversation(ctx context.Context, userID string, limit int) ([]ConversationTurn, error) {
	return s.GetConversation(ctx, userID, "", limit)
}

// GetConversationStats implements ConversationStore.
func (s *WeaviateStore) GetConversationStats(ctx context.Context, userID string) (ConversationStats, error) {
	turns, err := s.fetchConversations(ctx, userID, "", 10000, nil)
	if err != nil {
		return ConversationStats{}, err
	}
	stats := ConversationStats{UserID: userID, TurnCount: len(turns)}
	for _, t := range turns {
		if stats.FirstTurn.IsZero() || t.Timestamp.Before(stats.FirstTurn) {
			stats.FirstTurn = t.Timestamp
		}
		if t.Timestamp.After(stats.LatestTurn) {
			stats.LatestTurn = t.Timestamp
		}
	}
	return stats, nil
}

// GetRelevantConversations implements ConversationStore via kNN on the
// turn embeddings.
func (s *WeaviateStore) GetRelevantConversations(ctx context.Context, userID string, queryVec []float32, k int) ([]ConversationTurn, error) {
	if k <= 0 {
		k = 5
	}
	return s.fetchConversations(ctx, userID, "", k, queryVec)
}

// ClearConversation implements ConversationStore. Idempotent. Note this
// clears the semantic turn store only; channel memories survive until an
// explicit ClearChannel.
func (s *WeaviateStore) ClearConversation(ctx context.Context, userID string) error {
	where := filters.Where().
		WithPath([]string{"user_id"}).
		WithOperator(filters.Equal).
		WithValueString(userID)
	if _, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(classConversation).
		WithWhere(where).
		WithOutput("minimal").
		Do(ctx); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	return nil
}
