// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/quartermaster-ai/quartermaster/pkg/modeljson"
	"github.com/quartermaster-ai/quartermaster/services/cache"
	"github.com/quartermaster-ai/quartermaster/services/llm"
)

// Item types the normalizer may assign.
const (
	ItemTypeCurrency   = "currency"
	ItemTypeWeapon     = "weapon"
	ItemTypeConsumable = "consumable"
	ItemTypeMisc       = "misc"
)

// currencyAliases short-circuits the model call for the overwhelmingly
// common case. All of these normalize to the key "gold".
var currencyAliases = map[string]bool{
	"gold": true, "golds": true, "gold coins": true, "gold coin": true,
	"gp": true, "coins": true, "coin": true, "money": true, "gold pieces": true,
}

var nonItemChars = regexp.MustCompile(`[^a-z0-9 \-']`)

// NormalizedItem is the canonical form of a free-form item string.
type NormalizedItem struct {
	Name     string `json:"name"`
	ItemType string `json:"item_type"`
}

// ItemTracker normalizes free-form item names to canonical singular keys
// and applies inventory operations through the ledger.
type ItemTracker struct {
	ledger     *Ledger
	completion llm.CompletionClient
	normCache  *cache.TTLCache[string, NormalizedItem]
}

// NewItemTracker wires the tracker. Normalizations memoize for 30
// minutes; identical phrasings within a session never repeat the model
// call.
func NewItemTracker(ledger *Ledger, completion llm.CompletionClient, cacheSize int) *ItemTracker {
	return &ItemTracker{
		ledger:     ledger,
		completion: completion,
		normCache:  cache.New[string, NormalizedItem](cacheSize, 30*time.Minute, nil),
	}
}

const normalizePrompt = `Normalize the item name to a canonical lowercase singular form and classify it. Currencies (gold coins, gp, coins, money) normalize to "gold". Reply with ONLY JSON: {"name":"...","item_type":"currency|weapon|consumable|misc"}`

// Normalize maps a free-form item string to its canonical key. The rule
// layer handles currencies and trivial singulars; everything else asks
// the model, falling back to a lowercased trim when the model fails.
func (t *ItemTracker) Normalize(ctx context.Context, raw string) NormalizedItem {
	cleaned := strings.TrimSpace(strings.ToLower(raw))
	cleaned = nonItemChars.ReplaceAllString(cleaned, "")
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if cleaned == "" {
		return NormalizedItem{Name: "", ItemType: ItemTypeMisc}
	}
	if currencyAliases[cleaned] {
		return NormalizedItem{Name: "gold", ItemType: ItemTypeCurrency}
	}

	result, err := t.normCache.GetOrCompute(ctx, cleaned, func(ctx context.Context) (NormalizedItem, error) {
		return t.normalizeWithModel(ctx, cleaned), nil
	})
	if err != nil {
		return fallbackNormalize(cleaned)
	}
	return result
}

func (t *ItemTracker) normalizeWithModel(ctx context.Context, cleaned string) NormalizedItem {
	text, err := t.completion.Complete(ctx, []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: normalizePrompt},
		{Role: llm.RoleUser, Content: cleaned},
	}, llm.GenerationParams{Temperature: 0, MaxTokens: 60})
	if err != nil {
		slog.Debug("item normalization model call failed", "error", err)
		return fallbackNormalize(cleaned)
	}
	var out NormalizedItem
	if err := modeljson.Unmarshal(text, &out); err != nil || out.Name == "" {
		return fallbackNormalize(cleaned)
	}
	out.Name = strings.ToLower(strings.TrimSpace(out.Name))
	if out.ItemType == "" {
		out.ItemType = ItemTypeMisc
	}
	return out
}

// fallbackNormalize strips a plural 's' and keeps the phrase as-is.
func fallbackNormalize(cleaned string) NormalizedItem {
	itemType := ItemTypeMisc
	if currencyAliases[cleaned] {
		return NormalizedItem{Name: "gold", ItemType: ItemTypeCurrency}
	}
	if strings.HasSuffix(cleaned, "s") && !strings.HasSuffix(cleaned, "ss") {
		cleaned = strings.TrimSuffix(cleaned, "s")
	}
	return NormalizedItem{Name: cleaned, ItemType: itemType}
}

// AddItem normalizes and adds qty of an item to a user. Currencies write
// through the numeric ledger path so "gold coins" and "gold" share one
// balance. Returns the canonical name used.
func (t *ItemTracker) AddItem(ctx context.Context, userID, rawItem string, qty int, meta WriteMeta) (string, error) {
	norm := t.Normalize(ctx, rawItem)
	if norm.Name == "" {
		return "", fmt.Errorf("cannot normalize item name %q", rawItem)
	}
	if norm.ItemType == ItemTypeCurrency {
		if _, err := t.ledger.Increment(ctx, userID, norm.Name, float64(qty), meta); err != nil {
			return "", err
		}
		return norm.Name, nil
	}
	if _, err := t.ledger.AddToInventory(ctx, userID, norm.Name, qty, meta); err != nil {
		return "", err
	}
	return norm.Name, nil
}

// SetQuantity normalizes and sets an absolute balance or quantity.
func (t *ItemTracker) SetQuantity(ctx context.Context, userID, rawItem string, qty int, meta WriteMeta) (string, error) {
	norm := t.Normalize(ctx, rawItem)
	if norm.Name == "" {
		return "", fmt.Errorf("cannot normalize item name %q", rawItem)
	}
	if norm.ItemType == ItemTypeCurrency {
		if err := t.ledger.Set(ctx, userID, norm.Name, float64(qty), meta); err != nil {
			return "", err
		}
		return norm.Name, nil
	}
	current := t.ledger.ItemQuantity(userID, norm.Name)
	if _, err := t.ledger.AddToInventory(ctx, userID, norm.Name, qty-current, meta); err != nil {
		return "", err
	}
	return norm.Name, nil
}

// Quantity normalizes and reads a user's held amount.
func (t *ItemTracker) Quantity(ctx context.Context, userID, rawItem string) (string, int) {
	norm := t.Normalize(ctx, rawItem)
	if norm.Name == "" {
		return "", 0
	}
	if norm.ItemType == ItemTypeCurrency {
		return norm.Name, int(t.ledger.GetNumber(userID, norm.Name))
	}
	if qty := t.ledger.ItemQuantity(userID, norm.Name); qty > 0 {
		return norm.Name, qty
	}
	// Tolerate stored variants the normalizer missed.
	if item, ok := t.ledger.FindItemFuzzy(userID, norm.Name); ok {
		return item.Name, item.Quantity
	}
	return norm.Name, 0
}

// TransferItem normalizes, checks the source quantity, and moves qty
// between users. Returns the canonical name used.
func (t *ItemTracker) TransferItem(ctx context.Context, fromUser, toUser, rawItem string, qty int, meta WriteMeta) (string, error) {
	norm := t.Normalize(ctx, rawItem)
	if norm.Name == "" {
		return "", fmt.Errorf("cannot normalize item name %q", rawItem)
	}
	if norm.ItemType == ItemTypeCurrency {
		if err := t.ledger.Transfer(ctx, fromUser, toUser, norm.Name, float64(qty), meta); err != nil {
			return norm.Name, err
		}
		return norm.Name, nil
	}
	if err := t.ledger.TransferItem(ctx, fromUser, toUser, norm.Name, qty, meta); err != nil {
		return norm.Name, err
	}
	return norm.Name, nil
}

// UserItems returns the user's inventory plus numeric currency balances.
func (t *ItemTracker) UserItems(userID string) []TrackedItem {
	items := t.ledger.Items(userID)
	for _, key := range t.ledger.Keys(userID) {
		if key == "inventory" {
			continue
		}
		if n := t.ledger.GetNumber(userID, key); n != 0 {
			items = append(items, TrackedItem{Name: key, Quantity: int(n), ItemType: ItemTypeCurrency})
		}
	}
	return items
}
