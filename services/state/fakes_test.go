// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"context"
	"sync"

	"github.com/quartermaster-ai/quartermaster/services/llm"
)

// fakeCompletion replays a canned reply and counts calls.
type fakeCompletion struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
	last  []llm.ChatMessage
}

func (f *fakeCompletion) Complete(_ context.Context, messages []llm.ChatMessage, _ llm.GenerationParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = messages
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeCompletion) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
