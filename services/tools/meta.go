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
)

// Authoring glues sandbox, storage, and registry into the meta-tools the
// model uses to grow its own toolbox. The lifecycle is strict:
//
//	write_tool (store only) -> test_tool -> register_tool (gated)
//
// write_tool never registers (and overwriting a registered tool revokes
// its registration), and register_tool refuses any tool whose last test
// run recorded a failure.
type Authoring struct {
	sandbox  *Sandbox
	storage  *Storage
	registry *Registry
}

// NewAuthoring wires the authoring facility and registers the meta-tools
// on the registry.
func NewAuthoring(sandbox *Sandbox, storage *Storage, registry *Registry) (*Authoring, error) {
	a := &Authoring{sandbox: sandbox, storage: storage, registry: registry}
	if err := a.registerMetaTools(); err != nil {
		return nil, err
	}
	// Re-register tools that earned registration in a previous run.
	for _, stored := range storage.List() {
		if stored.Registered {
			if err := a.registerStored(stored); err != nil {
				return nil, fmt.Errorf("restore tool %q: %w", stored.Name, err)
			}
		}
	}
	return a, nil
}

// WriteTool validates and stores source without registering it.
// Overwriting a registered tool revokes its registration: the new code
// has no passing test run behind it, so it must pass the gate again.
func (a *Authoring) WriteTool(name, description, code string, parameters json.RawMessage) (ValidationResult, error) {
	validation := a.sandbox.Validate(code)
	if !validation.Valid {
		return validation, nil
	}
	prev, existed := a.storage.Get(name)
	err := a.storage.Save(StoredTool{
		Name:        name,
		Description: description,
		Parameters:  parameters,
		Code:        code,
	})
	if err != nil {
		return validation, err
	}
	if existed && prev.Registered {
		a.registry.Unregister(name)
	}
	return validation, nil
}

// TestTool runs cases against a stored tool and records the report.
func (a *Authoring) TestTool(ctx context.Context, name string, cases []TestCase) (TestReport, error) {
	stored, ok := a.storage.Get(name)
	if !ok {
		return TestReport{}, fmt.Errorf("tool %q not stored", name)
	}
	report := a.sandbox.Test(ctx, stored.Code, name, cases)
	if err := a.storage.SetTestResults(name, report); err != nil {
		return report, err
	}
	return report, nil
}

// RegisterTool makes a stored tool invocable. Gate: stored AND tested
// AND zero failed cases.
func (a *Authoring) RegisterTool(name string) error {
	stored, ok := a.storage.Get(name)
	if !ok {
		return fmt.Errorf("tool %q not stored", name)
	}
	if stored.TestResults == nil {
		return fmt.Errorf("tool %q has not been tested", name)
	}
	if stored.TestResults.Failed > 0 {
		return fmt.Errorf("tool %q has %d failing test cases", name, stored.TestResults.Failed)
	}
	if err := a.registerStored(stored); err != nil {
		return err
	}
	return a.storage.MarkRegistered(name)
}

func (a *Authoring) registerStored(stored StoredTool) error {
	name := stored.Name
	return a.registry.Register(Tool{
		Name:        name,
		Description: stored.Description,
		Parameters:  stored.Parameters,
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			current, ok := a.storage.Get(name)
			if !ok {
				return nil, fmt.Errorf("tool %q no longer stored", name)
			}
			exec := a.sandbox.Execute(ctx, current.Code, name, args)
			a.storage.IncrementUsage(name)
			if !exec.Success {
				return nil, fmt.Errorf("%s", exec.Error)
			}
			return exec.Result, nil
		},
	})
}

// ExecuteStored runs a stored tool directly, registered or not. Used by
// the execute_stored_tool meta-tool for ad-hoc runs.
func (a *Authoring) ExecuteStored(ctx context.Context, name string, args map[string]any) ExecResult {
	stored, ok := a.storage.Get(name)
	if !ok {
		return ExecResult{Success: false, Error: fmt.Sprintf("tool %q not stored", name)}
	}
	a.storage.IncrementUsage(name)
	return a.sandbox.Execute(ctx, stored.Code, name, args)
}

func (a *Authoring) registerMetaTools() error {
	metaTools := []Tool{
		{
			Name:        "write_tool",
			Description: "Store a new tool's source code. Non-destructive; the tool is not callable until tested and registered.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"description":{"type":"string"},"code":{"type":"string"}},"required":["name","code"]}`),
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				name, _ := args["name"].(string)
				description, _ := args["description"].(string)
				code, _ := args["code"].(string)
				var params json.RawMessage
				if p, ok := args["parameters"]; ok {
					raw, err := json.Marshal(p)
					if err == nil {
						params = raw
					}
				}
				validation, err := a.WriteTool(name, description, code, params)
				if err != nil {
					return nil, err
				}
				return map[string]any{"success": validation.Valid, "errors": validation.Errors}, nil
			},
		},
		{
			Name:        "test_tool",
			Description: "Run test cases against a stored tool. Each case has arguments and an optional expected_result.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"cases":{"type":"array"}},"required":["name","cases"]}`),
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				name, _ := args["name"].(string)
				raw, err := json.Marshal(args["cases"])
				if err != nil {
					return nil, fmt.Errorf("invalid cases: %w", err)
				}
				var cases []TestCase
				if err := json.Unmarshal(raw, &cases); err != nil {
					return nil, fmt.Errorf("invalid cases: %w", err)
				}
				return a.TestTool(ctx, name, cases)
			},
		},
		{
			Name:        "register_tool",
			Description: "Register a stored, tested tool for invocation. Refused unless its test run had zero failures.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				name, _ := args["name"].(string)
				if err := a.RegisterTool(name); err != nil {
					return nil, err
				}
				return map[string]any{"registered": name}, nil
			},
		},
		{
			Name:        "list_stored_tools",
			Description: "List stored tools with their test status and usage counts.",
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				type summary struct {
					Name        string `json:"name"`
					Description string `json:"description"`
					Tested      bool   `json:"tested"`
					Failures    int    `json:"failures"`
					Registered  bool   `json:"registered"`
					UsageCount  int    `json:"usage_count"`
				}
				var out []summary
				for _, t := range a.storage.List() {
					s := summary{Name: t.Name, Description: t.Description, Registered: t.Registered, UsageCount: t.UsageCount}
					if t.TestResults != nil {
						s.Tested = true
						s.Failures = t.TestResults.Failed
					}
					out = append(out, s)
				}
				return out, nil
			},
		},
		{
			Name:        "execute_stored_tool",
			Description: "Run a stored tool once with the given arguments, registered or not.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"arguments":{"type":"object"}},"required":["name"]}`),
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				name, _ := args["name"].(string)
				callArgs, _ := args["arguments"].(map[string]any)
				return a.ExecuteStored(ctx, name, callArgs), nil
			},
		},
		{
			Name:        "get_tool_code",
			Description: "Return a stored tool's source code.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				name, _ := args["name"].(string)
				stored, ok := a.storage.Get(name)
				if !ok {
					return nil, fmt.Errorf("tool %q not stored", name)
				}
				return map[string]any{"name": stored.Name, "code": stored.Code}, nil
			},
		},
	}
	for _, tool := range metaTools {
		if err := a.registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
