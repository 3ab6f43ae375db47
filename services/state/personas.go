// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/quartermaster-ai/quartermaster/services/cache"
	"github.com/quartermaster-ai/quartermaster/services/store"
)

// PersonaSource is the persona lookup contract, satisfied by the graph
// store.
type PersonaSource interface {
	PersonasForUser(ctx context.Context, userID string) ([]store.Persona, error)
}

// PersonaResolver picks which of a user's personas an utterance belongs
// to, keyed by channel affinity and keyword mentions. Lookups memoize
// for 30 minutes per (user, channel, message-prefix) key.
type PersonaResolver struct {
	source PersonaSource
	memo   *cache.TTLCache[string, string]
}

// NewPersonaResolver wires the resolver. source may be nil; Identify
// then always returns "".
func NewPersonaResolver(source PersonaSource, cacheSize int) *PersonaResolver {
	return &PersonaResolver{
		source: source,
		memo:   cache.New[string, string](cacheSize, 30*time.Minute, nil),
	}
}

// Identify returns the best-matching persona id for the message, or ""
// when the user has no personas or nothing disambiguates.
func (r *PersonaResolver) Identify(ctx context.Context, userID, message, channelID, username string) string {
	if r.source == nil || userID == "" {
		return ""
	}
	key := userID + "|" + channelID + "|" + keyPrefix(message)
	id, err := r.memo.GetOrCompute(ctx, key, func(ctx context.Context) (string, error) {
		return r.identify(ctx, userID, message, channelID, username), nil
	})
	if err != nil {
		return ""
	}
	return id
}

func (r *PersonaResolver) identify(ctx context.Context, userID, message, channelID, username string) string {
	personas, err := r.source.PersonasForUser(ctx, userID)
	if err != nil {
		slog.Debug("persona lookup failed", "user_id", userID, "error", err)
		return ""
	}
	if len(personas) == 0 {
		return ""
	}
	if len(personas) == 1 {
		// Unambiguous-to-user: one persona needs no signal.
		return personas[0].PersonaID
	}

	lower := strings.ToLower(message)
	best := ""
	bestScore := 0
	for _, p := range personas {
		score := 0
		for _, ch := range p.Channels {
			if ch == channelID {
				score += 3
			}
		}
		for _, kw := range p.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				score += 2
			}
		}
		if username != "" && strings.EqualFold(p.Name, username) {
			score += 2
		}
		if score > bestScore {
			best, bestScore = p.PersonaID, score
		}
	}
	return best
}

func keyPrefix(s string) string {
	if len(s) > 64 {
		return s[:64]
	}
	return s
}
