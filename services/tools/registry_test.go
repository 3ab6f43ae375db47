// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartermaster-ai/quartermaster/services/llm"
)

// scriptedCompletion replays one reply per call.
type scriptedCompletion struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int
	seen    [][]llm.ChatMessage
}

func (f *scriptedCompletion) Complete(_ context.Context, messages []llm.ChatMessage, _ llm.GenerationParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := make([]llm.ChatMessage, len(messages))
	copy(copied, messages)
	f.seen = append(f.seen, copied)
	if f.err != nil {
		return "", f.err
	}
	reply := ""
	if f.calls < len(f.replies) {
		reply = f.replies[f.calls]
	} else if len(f.replies) > 0 {
		reply = f.replies[len(f.replies)-1]
	}
	f.calls++
	return reply, nil
}

var echoSchema = json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)

func echoTool(t *testing.T) Tool {
	t.Helper()
	return Tool{
		Name:        "echo",
		Description: "echoes text back",
		Parameters:  echoSchema,
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		},
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(Tool{Name: "bad name!", Fn: func(context.Context, map[string]any) (any, error) { return nil, nil }}))
	assert.Error(t, r.Register(Tool{Name: "nofn"}))
	assert.Error(t, r.Register(Tool{
		Name:       "badschema",
		Parameters: json.RawMessage(`{"type":`),
		Fn:         func(context.Context, map[string]any) (any, error) { return nil, nil },
	}))
	require.NoError(t, r.Register(echoTool(t)))

	_, ok := r.Get("echo")
	assert.True(t, ok)
	r.Unregister("echo")
	_, ok = r.Get("echo")
	assert.False(t, ok)
}

func TestParseToolCalls(t *testing.T) {
	calls := ParseToolCalls(`Let me check that.
{"tool":"echo","arguments":{"text":"hi"}}`)
	require.Len(t, calls, 1)
	assert.Equal(t, "echo", calls[0].Name)
	assert.Equal(t, "hi", calls[0].Arguments["text"])

	// "name" is accepted as an alias for "tool".
	calls = ParseToolCalls(`{"name":"lookup","arguments":{"q":"x"}}`)
	require.Len(t, calls, 1)
	assert.Equal(t, "lookup", calls[0].Name)

	assert.Empty(t, ParseToolCalls("no calls in plain prose"))
	assert.Empty(t, ParseToolCalls(`{"result": 42}`), "objects without a tool name are ignored")
}

func TestExecuteToolCallAmbientInjection(t *testing.T) {
	r := NewRegistry()
	var gotArgs map[string]any
	require.NoError(t, r.Register(Tool{
		Name: "whoami",
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			gotArgs = args
			return "ok", nil
		},
	}))

	record := r.ExecuteToolCall(context.Background(), ToolCall{Name: "whoami", Arguments: map[string]any{}},
		Ambient{UserID: "111", ChannelID: "c9"})
	assert.True(t, record.Success)
	assert.Equal(t, "111", gotArgs["user_id"])
	assert.Equal(t, "c9", gotArgs["channel_id"])

	// Explicit arguments are never overwritten.
	record = r.ExecuteToolCall(context.Background(), ToolCall{Name: "whoami", Arguments: map[string]any{"user_id": "222"}},
		Ambient{UserID: "111"})
	assert.True(t, record.Success)
	assert.Equal(t, "222", gotArgs["user_id"])
}

func TestExecuteToolCallSchemaValidation(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool(t)))

	record := r.ExecuteToolCall(context.Background(), ToolCall{Name: "echo", Arguments: map[string]any{}}, Ambient{})
	assert.False(t, record.Success)
	assert.Contains(t, record.Error, "invalid arguments")

	record = r.ExecuteToolCall(context.Background(), ToolCall{Name: "echo", Arguments: map[string]any{"text": "hi"}}, Ambient{})
	assert.True(t, record.Success)
	assert.Equal(t, "hi", record.Result)
}

func TestExecuteToolCallUnknownTool(t *testing.T) {
	r := NewRegistry()
	record := r.ExecuteToolCall(context.Background(), ToolCall{Name: "nope"}, Ambient{})
	assert.False(t, record.Success)
	assert.Contains(t, record.Error, "unknown tool")
}

func TestExecuteToolCallErrorInRecord(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Tool{
		Name: "flaky",
		Fn:   func(context.Context, map[string]any) (any, error) { return nil, errors.New("backend down") },
	}))
	record := r.ExecuteToolCall(context.Background(), ToolCall{Name: "flaky"}, Ambient{})
	assert.False(t, record.Success)
	assert.Equal(t, "backend down", record.Error)
}

func TestSystemPromptSection(t *testing.T) {
	r := NewRegistry()
	assert.Empty(t, r.SystemPromptSection())

	require.NoError(t, r.Register(echoTool(t)))
	section := r.SystemPromptSection()
	assert.Contains(t, section, "echo: echoes text back")
	assert.Contains(t, section, "injected automatically")
}

func TestRunLoopExecutesThenAnswers(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool(t)))

	completion := &scriptedCompletion{replies: []string{
		`{"tool":"echo","arguments":{"text":"ping"}}`,
		"The echo returned ping.",
	}}
	messages := []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: "You are helpful."},
		{Role: llm.RoleUser, Content: "echo ping for me"},
	}

	text, records, err := r.RunLoop(context.Background(), completion, messages, llm.GenerationParams{}, Ambient{UserID: "111"})
	require.NoError(t, err)
	assert.Equal(t, "The echo returned ping.", text)
	require.Len(t, records, 1)
	assert.True(t, records[0].Success)
	assert.Equal(t, "ping", records[0].Result)

	// The second round carries the assistant turn and the results turn.
	require.Len(t, completion.seen, 2)
	second := completion.seen[1]
	require.Len(t, second, 4)
	assert.Contains(t, second[0].Content, "echo: echoes text back", "tools advertised in the system prompt")
	assert.Equal(t, llm.RoleAssistant, second[2].Role)
	assert.Contains(t, second[3].Content, "Tool results:")
}

func TestRunLoopNoCallsReturnsImmediately(t *testing.T) {
	r := NewRegistry()
	completion := &scriptedCompletion{replies: []string{"plain answer"}}

	text, records, err := r.RunLoop(context.Background(), completion,
		[]llm.ChatMessage{{Role: llm.RoleUser, Content: "hi"}}, llm.GenerationParams{}, Ambient{})
	require.NoError(t, err)
	assert.Equal(t, "plain answer", text)
	assert.Empty(t, records)
	assert.Equal(t, 1, completion.calls)
}

func TestRunLoopBounded(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool(t)))

	// The model never stops calling tools; the loop must cap itself.
	completion := &scriptedCompletion{replies: []string{`{"tool":"echo","arguments":{"text":"again"}}`}}
	_, records, err := r.RunLoop(context.Background(), completion,
		[]llm.ChatMessage{{Role: llm.RoleUser, Content: "go"}}, llm.GenerationParams{}, Ambient{})
	require.NoError(t, err)
	assert.Equal(t, MaxLoopIterations, completion.calls)
	assert.Len(t, records, MaxLoopIterations)
}

func TestRunLoopCompletionError(t *testing.T) {
	r := NewRegistry()
	completion := &scriptedCompletion{err: errors.New("model offline")}
	_, _, err := r.RunLoop(context.Background(), completion,
		[]llm.ChatMessage{{Role: llm.RoleUser, Content: "hi"}}, llm.GenerationParams{}, Ambient{})
	assert.Error(t, err)
}
