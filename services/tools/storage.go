// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

// StoredTool is a persisted tool definition. A tool is stored first and
// only later registered; registration requires a test run with zero
// failures.
type StoredTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Code        string          `json:"code"`
	TestResults *TestReport     `json:"test_results,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UsageCount  int             `json:"usage_count"`
	Registered  bool            `json:"registered"`
}

var toolNameRe = regexp.MustCompile(`^[a-zA-Z][\w\-]{0,63}$`)

// Storage persists tool definitions to one JSON artifact in the working
// directory. The filename is forced through filepath.Base so a hostile
// name cannot traverse out of it. Writes are rare; one lock covers all
// of them.
type Storage struct {
	mu    sync.Mutex
	path  string
	tools map[string]*StoredTool
}

// NewStorage opens (or creates) the artifact. filename is reduced to its
// base name and anchored in the current working directory.
func NewStorage(filename string) (*Storage, error) {
	if filename == "" {
		filename = "stored_tools.json"
	}
	s := &Storage{
		path:  filepath.Join(".", filepath.Base(filename)),
		tools: make(map[string]*StoredTool),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read tool storage: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &s.tools); err != nil {
		return fmt.Errorf("parse tool storage %s: %w", s.path, err)
	}
	return nil
}

// flush writes the whole artifact atomically. Caller holds the lock.
func (s *Storage) flush() error {
	raw, err := json.MarshalIndent(s.tools, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tool storage: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write tool storage: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Save stores or overwrites a tool definition. Storing never registers.
func (s *Storage) Save(tool StoredTool) error {
	if !toolNameRe.MatchString(tool.Name) {
		return fmt.Errorf("invalid tool name %q", tool.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tools[tool.Name]; ok {
		tool.UsageCount = existing.UsageCount
		tool.CreatedAt = existing.CreatedAt
	}
	if tool.CreatedAt.IsZero() {
		tool.CreatedAt = time.Now()
	}
	s.tools[tool.Name] = &tool
	return s.flush()
}

// Get returns a copy of a stored tool.
func (s *Storage) Get(name string) (StoredTool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[name]
	if !ok {
		return StoredTool{}, false
	}
	return *t, true
}

// List returns all stored tools sorted by name.
func (s *Storage) List() []StoredTool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredTool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetTestResults records a test run against a stored tool.
func (s *Storage) SetTestResults(name string, report TestReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[name]
	if !ok {
		return fmt.Errorf("tool %q not stored", name)
	}
	t.TestResults = &report
	return s.flush()
}

// MarkRegistered flips the registered flag. The caller enforces the
// zero-failures gate; this is bookkeeping only.
func (s *Storage) MarkRegistered(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[name]
	if !ok {
		return fmt.Errorf("tool %q not stored", name)
	}
	t.Registered = true
	return s.flush()
}

// IncrementUsage bumps the usage counter, best-effort.
func (s *Storage) IncrementUsage(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tools[name]; ok {
		t.UsageCount++
		_ = s.flush()
	}
}
