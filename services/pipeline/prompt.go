// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"fmt"
	"strings"

	"github.com/quartermaster-ai/quartermaster/services/llm"
	"github.com/quartermaster-ai/quartermaster/services/store"
)

// charsPerToken approximates the context character budget from a token
// budget.
const charsPerToken = 2.5

// importantMemoryThreshold splits memories into the high-priority band.
const importantMemoryThreshold = 0.7

// ContextBudget converts a token budget into the hard character budget
// used during assembly.
func ContextBudget(maxContextTokens int) int {
	if maxContextTokens <= 0 {
		maxContextTokens = 1500
	}
	return int(float64(maxContextTokens) * charsPerToken)
}

// PromptInput is everything the builder may weave into the user prompt.
type PromptInput struct {
	Question    string
	UserContext string
	Memories    []store.Memory
	Chunks      []store.SearchResult
	MaxChars    int
}

// BuildContext assembles the evidence block under a hard character
// budget. Priority order: user context, important memories, remaining
// memories, document chunks. The tail is truncated, never the head.
func BuildContext(in PromptInput) (string, []store.SearchResult, []store.Memory) {
	budget := in.MaxChars
	if budget <= 0 {
		budget = ContextBudget(0)
	}

	var sb strings.Builder
	remaining := budget
	write := func(section string) bool {
		if len(section) > remaining {
			if remaining > 80 {
				sb.WriteString(section[:remaining])
				remaining = 0
			}
			return false
		}
		sb.WriteString(section)
		remaining -= len(section)
		return true
	}

	if in.UserContext != "" {
		write("User context:\n" + in.UserContext + "\n\n")
	}

	var important, rest []store.Memory
	for _, m := range in.Memories {
		if m.Importance >= importantMemoryThreshold {
			important = append(important, m)
		} else {
			rest = append(rest, m)
		}
	}

	var usedMemories []store.Memory
	writeMemories := func(header string, memories []store.Memory) {
		if len(memories) == 0 || remaining <= 0 {
			return
		}
		write(header + "\n")
		for _, m := range memories {
			line := fmt.Sprintf("- [%s] %s\n", m.MemoryType, m.Content)
			if !write(line) {
				return
			}
			usedMemories = append(usedMemories, m)
		}
		write("\n")
	}
	writeMemories("Important conversation memories:", important)
	writeMemories("Conversation memories:", rest)

	var usedChunks []store.SearchResult
	if len(in.Chunks) > 0 && remaining > 0 {
		write("Document excerpts:\n")
		for _, c := range in.Chunks {
			block := fmt.Sprintf("[%s #%d]\n%s\n\n", c.FileName, c.ChunkIndex, c.Text)
			if !write(block) {
				break
			}
			usedChunks = append(usedChunks, c)
		}
	}

	return sb.String(), usedChunks, usedMemories
}

const ragSystemPrompt = `You are a helpful assistant that answers questions using the provided context. Cite document names when the answer comes from document excerpts. If the context does not contain the answer, say so rather than inventing one.`

const chatSystemPrompt = `You are a friendly, concise conversational assistant. Keep replies short and natural.`

// BuildRAGMessages produces the evidence-grounded prompt.
func BuildRAGMessages(contextBlock, question string) []llm.ChatMessage {
	user := question
	if contextBlock != "" {
		user = "Context:\n" + contextBlock + "\nQuestion: " + question
	}
	return []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: ragSystemPrompt},
		{Role: llm.RoleUser, Content: user},
	}
}

// BuildChatMessages produces the fast conversational prompt used on the
// casual path. Memory retrieval is skipped here on purpose: latency wins
// over recall for small talk, so only the immediately prior turn rides
// along.
func BuildChatMessages(question, previousQuestion, previousAnswer string) []llm.ChatMessage {
	messages := []llm.ChatMessage{{Role: llm.RoleSystem, Content: chatSystemPrompt}}
	if previousQuestion != "" {
		messages = append(messages, llm.ChatMessage{Role: llm.RoleUser, Content: previousQuestion})
	}
	if previousAnswer != "" {
		messages = append(messages, llm.ChatMessage{Role: llm.RoleAssistant, Content: previousAnswer})
	}
	return append(messages, llm.ChatMessage{Role: llm.RoleUser, Content: question})
}
