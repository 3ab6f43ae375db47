// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// State entries persist on the graph as
// (:User)-[:HAS_STATE]->(:StateEntry {key, value_json}). Values are JSON
// because a value may be a number or a nested inventory map.

// SaveState upserts one (user, key) entry.
func (g *GraphStore) SaveState(ctx context.Context, userID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode state value: %w", err)
	}
	session := g.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, `
MERGE (u:User {user_id: $user_id})
MERGE (u)-[:HAS_STATE]->(s:StateEntry {user_id: $user_id, key: $key})
SET s.value_json = $value_json`, map[string]any{
			"user_id":    userID,
			"key":        key,
			"value_json": string(raw),
		})
	})
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// DeleteState removes one (user, key) entry. Idempotent.
func (g *GraphStore) DeleteState(ctx context.Context, userID, key string) error {
	session := g.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, `
MATCH (:User {user_id: $user_id})-[:HAS_STATE]->(s:StateEntry {key: $key})
DETACH DELETE s`, map[string]any{"user_id": userID, "key": key})
	})
	if err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

// LoadStates returns every persisted entry grouped by user, values as
// raw JSON. Read once at startup to hydrate the in-memory ledger.
func (g *GraphStore) LoadStates(ctx context.Context) (map[string]map[string]json.RawMessage, error) {
	session := g.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (u:User)-[:HAS_STATE]->(s:StateEntry)
RETURN u.user_id AS user_id, s.key AS key, s.value_json AS value_json`, nil)
		if err != nil {
			return nil, err
		}
		states := map[string]map[string]json.RawMessage{}
		for res.Next(ctx) {
			record := res.Record()
			userID, _ := record.Values[0].(string)
			key, _ := record.Values[1].(string)
			raw, _ := record.Values[2].(string)
			if userID == "" || key == "" || raw == "" {
				continue
			}
			if states[userID] == nil {
				states[userID] = map[string]json.RawMessage{}
			}
			states[userID][key] = json.RawMessage(raw)
		}
		return states, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("load states: %w", err)
	}
	return out.(map[string]map[string]json.RawMessage), nil
}
