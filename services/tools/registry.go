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
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"

	"github.com/quartermaster-ai/quartermaster/pkg/modeljson"
	"github.com/quartermaster-ai/quartermaster/services/llm"
)

var toolsTracer = otel.Tracer("quartermaster/tools")

// Loop caps.
const (
	MaxLoopIterations = 3
	maxAdvertised     = 10
)

// ToolFunc is the callable body of a registered tool.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// Tool is a registered, invocable tool.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Fn          ToolFunc

	schema *jsonschema.Schema
}

// ToolCall is one parsed model emission.
type ToolCall struct {
	Name      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCallRecord is the executed outcome of a call, kept for the result
// envelope and fed back to the model.
type ToolCallRecord struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Success   bool           `json:"success"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Ambient carries the identities injected into every call that omits
// them; the model never has to (and cannot usefully) supply them.
type Ambient struct {
	UserID    string
	ChannelID string
}

// Registry holds invocable tools and runs the generation loop.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, compiling its parameter schema. A nil Parameters
// means the tool takes anything.
func (r *Registry) Register(tool Tool) error {
	if !toolNameRe.MatchString(tool.Name) {
		return fmt.Errorf("invalid tool name %q", tool.Name)
	}
	if tool.Fn == nil {
		return fmt.Errorf("tool %q has no function", tool.Name)
	}
	if len(tool.Parameters) > 0 {
		schema, err := compileSchema(tool.Parameters)
		if err != nil {
			return fmt.Errorf("tool %q parameter schema: %w", tool.Name, err)
		}
		tool.schema = schema
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = &tool
	return nil
}

// Unregister removes a tool. Idempotent.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// ParseToolCalls extracts tool calls from model text, accepting fenced
// and bare JSON objects with a "tool" or "name" field.
func ParseToolCalls(text string) []ToolCall {
	var calls []ToolCall
	for _, obj := range modeljson.ExtractObjects(text) {
		var raw map[string]any
		if err := json.Unmarshal([]byte(obj), &raw); err != nil {
			continue
		}
		name, _ := raw["tool"].(string)
		if name == "" {
			name, _ = raw["name"].(string)
		}
		if name == "" {
			continue
		}
		args, _ := raw["arguments"].(map[string]any)
		if args == nil {
			args = map[string]any{}
		}
		calls = append(calls, ToolCall{Name: name, Arguments: args})
	}
	return calls
}

// ExecuteToolCall runs one call: ambient injection, schema validation,
// dispatch. Failures come back in the record, never as an error; the
// loop hands them to the model as data.
func (r *Registry) ExecuteToolCall(ctx context.Context, call ToolCall, ambient Ambient) ToolCallRecord {
	ctx, span := toolsTracer.Start(ctx, "tools.execute")
	defer span.End()

	record := ToolCallRecord{Name: call.Name, Arguments: call.Arguments}
	tool, ok := r.Get(call.Name)
	if !ok {
		record.Error = fmt.Sprintf("unknown tool %q", call.Name)
		return record
	}

	args := make(map[string]any, len(call.Arguments)+2)
	for k, v := range call.Arguments {
		args[k] = v
	}
	if _, present := args["user_id"]; !present && ambient.UserID != "" {
		args["user_id"] = ambient.UserID
	}
	if _, present := args["channel_id"]; !present && ambient.ChannelID != "" {
		args["channel_id"] = ambient.ChannelID
	}

	if tool.schema != nil {
		// Round-trip so validation sees plain JSON types.
		normalized, err := normalizeForValidation(args)
		if err == nil {
			err = tool.schema.Validate(normalized)
		}
		if err != nil {
			record.Error = fmt.Sprintf("invalid arguments: %v", err)
			return record
		}
	}

	result, err := tool.Fn(ctx, args)
	if err != nil {
		record.Error = err.Error()
		return record
	}
	record.Success = true
	record.Result = result
	return record
}

func normalizeForValidation(args map[string]any) (any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var out any
	err = json.Unmarshal(raw, &out)
	return out, err
}

// SystemPromptSection renders the tool advertisement block appended to
// the system prompt, at most maxAdvertised tools.
func (r *Registry) SystemPromptSection() string {
	tools := r.List()
	if len(tools) == 0 {
		return ""
	}
	if len(tools) > maxAdvertised {
		tools = tools[:maxAdvertised]
	}
	var sb strings.Builder
	sb.WriteString("\n\nYou may call these tools by replying with a JSON object like {\"tool\":\"name\",\"arguments\":{...}}. ")
	sb.WriteString("Do not supply user_id or channel_id; they are injected automatically.\n")
	for _, t := range tools {
		sb.WriteString("- ")
		sb.WriteString(t.Name)
		sb.WriteString(": ")
		sb.WriteString(t.Description)
		if len(t.Parameters) > 0 {
			sb.WriteString(" parameters: ")
			sb.Write(t.Parameters)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// RunLoop is the bounded generation loop with tools. Iterations are
// strictly sequential; each round the model's text is parsed for calls,
// the calls execute, and a synthetic user turn summarizing the results
// is appended. Returns the final text and every executed call.
func (r *Registry) RunLoop(ctx context.Context, completion llm.CompletionClient, messages []llm.ChatMessage, params llm.GenerationParams, ambient Ambient) (string, []ToolCallRecord, error) {
	ctx, span := toolsTracer.Start(ctx, "tools.loop")
	defer span.End()

	if section := r.SystemPromptSection(); section != "" && len(messages) > 0 && messages[0].Role == llm.RoleSystem {
		messages[0].Content += section
	}

	var records []ToolCallRecord
	text := ""
	for iteration := 0; iteration < MaxLoopIterations; iteration++ {
		var err error
		text, err = completion.Complete(ctx, messages, params)
		if err != nil {
			return "", records, err
		}
		calls := ParseToolCalls(text)
		if len(calls) == 0 {
			return text, records, nil
		}

		var summary strings.Builder
		summary.WriteString("Tool results:\n")
		for _, call := range calls {
			record := r.ExecuteToolCall(ctx, call, ambient)
			records = append(records, record)
			payload, _ := json.Marshal(record)
			summary.Write(payload)
			summary.WriteString("\n")
			slog.Info("tool call executed", "tool", call.Name, "success", record.Success)
		}
		summary.WriteString("Use these results to answer the original question. Reply with the final answer unless another tool call is required.")

		messages = append(messages,
			llm.ChatMessage{Role: llm.RoleAssistant, Content: text},
			llm.ChatMessage{Role: llm.RoleUser, Content: summary.String()},
		)
	}
	return text, records, nil
}
