// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStorage(t *testing.T) *Storage {
	t.Helper()
	t.Chdir(t.TempDir())
	s, err := NewStorage("tools_test.json")
	require.NoError(t, err)
	return s
}

func TestStorageSaveGetRoundtrip(t *testing.T) {
	s := newStorage(t)

	require.NoError(t, s.Save(StoredTool{Name: "reverse", Description: "reverses text", Code: "func Reverse..."}))

	got, ok := s.Get("reverse")
	require.True(t, ok)
	assert.Equal(t, "reverses text", got.Description)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.Registered)

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestStorageSaveRejectsInvalidName(t *testing.T) {
	s := newStorage(t)
	assert.Error(t, s.Save(StoredTool{Name: "../evil", Code: "x"}))
	assert.Error(t, s.Save(StoredTool{Name: "", Code: "x"}))
	assert.Error(t, s.Save(StoredTool{Name: "9starts-with-digit", Code: "x"}))
}

func TestStorageSavePreservesBookkeeping(t *testing.T) {
	s := newStorage(t)
	require.NoError(t, s.Save(StoredTool{Name: "reverse", Code: "v1"}))

	first, _ := s.Get("reverse")
	s.IncrementUsage("reverse")
	s.IncrementUsage("reverse")

	require.NoError(t, s.Save(StoredTool{Name: "reverse", Code: "v2"}))
	got, _ := s.Get("reverse")
	assert.Equal(t, "v2", got.Code)
	assert.Equal(t, 2, got.UsageCount, "overwrite keeps usage count")
	assert.True(t, got.CreatedAt.Equal(first.CreatedAt), "overwrite keeps creation time")
}

func TestStorageTestResultsAndRegistration(t *testing.T) {
	s := newStorage(t)
	require.NoError(t, s.Save(StoredTool{Name: "reverse", Code: "x"}))

	require.NoError(t, s.SetTestResults("reverse", TestReport{Passed: 2}))
	got, _ := s.Get("reverse")
	require.NotNil(t, got.TestResults)
	assert.Equal(t, 2, got.TestResults.Passed)

	require.NoError(t, s.MarkRegistered("reverse"))
	got, _ = s.Get("reverse")
	assert.True(t, got.Registered)

	assert.Error(t, s.SetTestResults("missing", TestReport{}))
	assert.Error(t, s.MarkRegistered("missing"))
}

func TestStoragePersistsAcrossReload(t *testing.T) {
	t.Chdir(t.TempDir())

	s1, err := NewStorage("tools_test.json")
	require.NoError(t, err)
	require.NoError(t, s1.Save(StoredTool{Name: "alpha", Code: "a", CreatedAt: time.Now()}))
	require.NoError(t, s1.Save(StoredTool{Name: "beta", Code: "b"}))
	require.NoError(t, s1.MarkRegistered("alpha"))

	s2, err := NewStorage("tools_test.json")
	require.NoError(t, err)
	list := s2.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "beta", list[1].Name)
	assert.True(t, list[0].Registered)
}

func TestStorageAnchorsFilename(t *testing.T) {
	t.Chdir(t.TempDir())
	s, err := NewStorage("../../escape.json")
	require.NoError(t, err)
	assert.Equal(t, "escape.json", s.path)
}
