// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package state implements the tracked-item and per-user state ledger:
// numeric values, inventory maps, transfers with balance checks, action
// parsing, and the short-circuit state query/set handlers.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

var stateTracer = otel.Tracer("quartermaster/state")

// ErrInsufficientBalance is returned when a transfer exceeds the source's
// balance or item quantity.
var ErrInsufficientBalance = errors.New("insufficient balance")

// ErrTypeMismatch is returned when a write's value type conflicts with
// the entry's existing type.
var ErrTypeMismatch = errors.New("state value type mismatch")

// TrackedItem is one inventory slot: a canonical item name held by a user
// with a quantity and free-form properties.
type TrackedItem struct {
	Name       string         `json:"name"`
	Quantity   int            `json:"quantity"`
	ItemType   string         `json:"item_type,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Inventory maps canonical item name to its slot.
type Inventory map[string]TrackedItem

// AuditEntry records one ledger write.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Channel   string    `json:"channel,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	UserID    string    `json:"user_id"`
	Key       string    `json:"key"`
	Detail    string    `json:"detail"`
}

// WriteMeta carries the audit fields of a ledger write.
type WriteMeta struct {
	Actor   string
	Channel string
	Reason  string
}

// Persister is the optional durable backend for ledger entries. The
// in-memory ledger is authoritative within a process; writes go through
// the persister and roll back when it fails.
type Persister interface {
	SaveState(ctx context.Context, userID, key string, value any) error
	DeleteState(ctx context.Context, userID, key string) error
}

const auditCap = 1000

// Ledger is the per-(user, key) value store.
//
// Writes serialize per (user, key); transfers acquire both entry locks in
// canonical order (user id, then key, lexicographic) so concurrent
// opposing transfers cannot deadlock.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]map[string]any // userID -> key -> float64 | Inventory

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex // "user\x00key" -> entry lock

	persist Persister

	auditMu sync.Mutex
	audit   []AuditEntry
}

// NewLedger creates a ledger. persist may be nil (memory-only, used by
// tests and single-process deployments without a graph backend).
func NewLedger(persist Persister) *Ledger {
	return &Ledger{
		entries: make(map[string]map[string]any),
		locks:   make(map[string]*sync.Mutex),
		persist: persist,
	}
}

func entryLockKey(userID, key string) string {
	return userID + "\x00" + key
}

func (l *Ledger) lockFor(userID, key string) *sync.Mutex {
	l.lockMu.Lock()
	defer l.lockMu.Unlock()
	k := entryLockKey(userID, key)
	if m, ok := l.locks[k]; ok {
		return m
	}
	m := &sync.Mutex{}
	l.locks[k] = m
	return m
}

// lockPair acquires both entry locks in canonical order and returns the
// unlock function. Identical pairs take a single lock.
func (l *Ledger) lockPair(userA, keyA, userB, keyB string) func() {
	ka, kb := entryLockKey(userA, keyA), entryLockKey(userB, keyB)
	if ka == kb {
		m := l.lockFor(userA, keyA)
		m.Lock()
		return m.Unlock
	}
	fu, fk, su, sk := userA, keyA, userB, keyB
	if kb < ka {
		fu, fk, su, sk = userB, keyB, userA, keyA
	}
	m1 := l.lockFor(fu, fk)
	m2 := l.lockFor(su, sk)
	m1.Lock()
	m2.Lock()
	return func() {
		m2.Unlock()
		m1.Unlock()
	}
}

func (l *Ledger) read(userID, key string) (any, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	userEntries, ok := l.entries[userID]
	if !ok {
		return nil, false
	}
	v, ok := userEntries[key]
	return v, ok
}

func (l *Ledger) write(userID, key string, value any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	userEntries, ok := l.entries[userID]
	if !ok {
		userEntries = make(map[string]any)
		l.entries[userID] = userEntries
	}
	userEntries[key] = value
}

func (l *Ledger) remove(userID, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	userEntries, ok := l.entries[userID]
	if !ok {
		return
	}
	delete(userEntries, key)
	if len(userEntries) == 0 {
		delete(l.entries, userID)
	}
}

func (l *Ledger) recordAudit(meta WriteMeta, userID, key, detail string) {
	entry := AuditEntry{
		Timestamp: time.Now(),
		Actor:     meta.Actor,
		Channel:   meta.Channel,
		Reason:    meta.Reason,
		UserID:    userID,
		Key:       key,
		Detail:    detail,
	}
	l.auditMu.Lock()
	l.audit = append(l.audit, entry)
	if len(l.audit) > auditCap {
		l.audit = l.audit[len(l.audit)-auditCap:]
	}
	l.auditMu.Unlock()
	slog.Info("ledger write", "user_id", userID, "key", key, "actor", meta.Actor, "detail", detail)
}

// UserCount returns the number of users with at least one entry.
func (l *Ledger) UserCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// AuditLen returns the number of retained audit entries.
func (l *Ledger) AuditLen() int {
	l.auditMu.Lock()
	defer l.auditMu.Unlock()
	return len(l.audit)
}

// AuditLog returns a copy of the retained audit entries, oldest first.
func (l *Ledger) AuditLog() []AuditEntry {
	l.auditMu.Lock()
	defer l.auditMu.Unlock()
	out := make([]AuditEntry, len(l.audit))
	copy(out, l.audit)
	return out
}

func (l *Ledger) persistEntry(ctx context.Context, userID, key string, value any) error {
	if l.persist == nil {
		return nil
	}
	return l.persist.SaveState(ctx, userID, key, value)
}

func (l *Ledger) deleteEntry(ctx context.Context, userID, key string) error {
	if l.persist == nil {
		return nil
	}
	return l.persist.DeleteState(ctx, userID, key)
}

// Hydrate seeds the in-memory entries from previously persisted raw JSON
// state, keyed by user id then entry key. Hydration writes memory only:
// no persister round-trip, no audit entries. Undecodable values are
// skipped with a warning rather than failing startup.
func (l *Ledger) Hydrate(states map[string]map[string]json.RawMessage) {
	for userID, entries := range states {
		for key, raw := range entries {
			var num float64
			if err := json.Unmarshal(raw, &num); err == nil {
				l.write(userID, key, num)
				continue
			}
			var inv Inventory
			if err := json.Unmarshal(raw, &inv); err == nil {
				l.write(userID, key, inv)
				continue
			}
			slog.Warn("skipping undecodable persisted state", "user_id", userID, "key", key)
		}
	}
}

// Get returns the value for (user, key), or def when absent.
func (l *Ledger) Get(userID, key string, def any) any {
	if v, ok := l.read(userID, key); ok {
		return v
	}
	return def
}

// GetNumber returns the numeric value for (user, key), 0 when absent.
func (l *Ledger) GetNumber(userID, key string) float64 {
	if v, ok := l.read(userID, key); ok {
		if n, ok := v.(float64); ok {
			return n
		}
	}
	return 0
}

// GetAll returns a copy of every entry the user has, keys sorted.
func (l *Ledger) GetAll(userID string) map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]any, len(l.entries[userID]))
	for k, v := range l.entries[userID] {
		out[k] = v
	}
	return out
}

// Keys returns the user's entry keys in sorted order.
func (l *Ledger) Keys(userID string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]string, 0, len(l.entries[userID]))
	for k := range l.entries[userID] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set writes a value, replacing any prior one. Numeric and inventory
// values are accepted; a type change on an existing entry is rejected.
func (l *Ledger) Set(ctx context.Context, userID, key string, value any, meta WriteMeta) error {
	ctx, span := stateTracer.Start(ctx, "state.set")
	defer span.End()

	switch value.(type) {
	case float64, Inventory:
	case int:
		value = float64(value.(int))
	default:
		return fmt.Errorf("%w: unsupported value type %T", ErrTypeMismatch, value)
	}

	lock := l.lockFor(userID, key)
	lock.Lock()
	defer lock.Unlock()

	if prev, ok := l.read(userID, key); ok {
		_, prevNum := prev.(float64)
		_, newNum := value.(float64)
		if prevNum != newNum {
			return fmt.Errorf("%w: key %q holds %T", ErrTypeMismatch, key, prev)
		}
	}
	if err := l.persistEntry(ctx, userID, key, value); err != nil {
		return fmt.Errorf("persist set: %w", err)
	}
	l.write(userID, key, value)
	l.recordAudit(meta, userID, key, fmt.Sprintf("set to %v", value))
	return nil
}

// Increment adds amount to the numeric entry, creating it at zero.
func (l *Ledger) Increment(ctx context.Context, userID, key string, amount float64, meta WriteMeta) (float64, error) {
	lock := l.lockFor(userID, key)
	lock.Lock()
	defer lock.Unlock()

	current := 0.0
	if v, ok := l.read(userID, key); ok {
		n, isNum := v.(float64)
		if !isNum {
			return 0, fmt.Errorf("%w: key %q holds %T", ErrTypeMismatch, key, v)
		}
		current = n
	}
	next := current + amount
	if err := l.persistEntry(ctx, userID, key, next); err != nil {
		return 0, fmt.Errorf("persist increment: %w", err)
	}
	l.write(userID, key, next)
	l.recordAudit(meta, userID, key, fmt.Sprintf("increment %+v -> %v", amount, next))
	return next, nil
}

// AddToInventory adjusts a named item's quantity inside the user's
// inventory entry, creating slot and entry as needed. Quantities floor at
// zero; a zeroed slot is removed.
func (l *Ledger) AddToInventory(ctx context.Context, userID, item string, qty int, meta WriteMeta) (int, error) {
	lock := l.lockFor(userID, "inventory")
	lock.Lock()
	defer lock.Unlock()
	return l.addToInventoryLocked(ctx, userID, item, qty, "", nil, meta)
}

// addToInventoryLocked is the body of AddToInventory; callers must hold
// the user's inventory entry lock.
func (l *Ledger) addToInventoryLocked(ctx context.Context, userID, item string, qty int, itemType string, props map[string]any, meta WriteMeta) (int, error) {
	inv := l.inventoryCopy(userID)
	slot := inv[item]
	slot.Name = item
	slot.Quantity += qty
	if itemType != "" {
		slot.ItemType = itemType
	}
	if props != nil {
		slot.Properties = props
	}
	if slot.Quantity <= 0 {
		delete(inv, item)
		slot.Quantity = 0
	} else {
		inv[item] = slot
	}
	// An emptied inventory drops its persisted entry entirely instead of
	// saving an empty map.
	if len(inv) == 0 {
		if err := l.deleteEntry(ctx, userID, "inventory"); err != nil {
			return 0, fmt.Errorf("persist inventory: %w", err)
		}
		l.remove(userID, "inventory")
	} else {
		if err := l.persistEntry(ctx, userID, "inventory", inv); err != nil {
			return 0, fmt.Errorf("persist inventory: %w", err)
		}
		l.write(userID, "inventory", inv)
	}
	l.recordAudit(meta, userID, "inventory", fmt.Sprintf("%s %+d -> %d", item, qty, slot.Quantity))
	return slot.Quantity, nil
}

// inventoryCopy returns a mutable copy of the user's inventory.
func (l *Ledger) inventoryCopy(userID string) Inventory {
	inv := Inventory{}
	if v, ok := l.read(userID, "inventory"); ok {
		if existing, ok := v.(Inventory); ok {
			for name, slot := range existing {
				inv[name] = slot
			}
		}
	}
	return inv
}

// ItemQuantity returns the user's held quantity of a canonical item.
func (l *Ledger) ItemQuantity(userID, item string) int {
	if v, ok := l.read(userID, "inventory"); ok {
		if inv, ok := v.(Inventory); ok {
			return inv[item].Quantity
		}
	}
	return 0
}

// Items returns the user's inventory slots, sorted by name.
func (l *Ledger) Items(userID string) []TrackedItem {
	var items []TrackedItem
	if v, ok := l.read(userID, "inventory"); ok {
		if inv, ok := v.(Inventory); ok {
			for _, slot := range inv {
				items = append(items, slot)
			}
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}

// Transfer moves amount of a numeric key between users. Two-phase: the
// source balance is validated and decremented, then the destination is
// incremented; a persistence failure on either side rolls the whole move
// back, preserving the balance sum.
func (l *Ledger) Transfer(ctx context.Context, fromUser, toUser, key string, amount float64, meta WriteMeta) error {
	ctx, span := stateTracer.Start(ctx, "state.transfer")
	defer span.End()

	if amount <= 0 {
		return fmt.Errorf("%w: transfer amount must be positive", ErrTypeMismatch)
	}
	unlock := l.lockPair(fromUser, key, toUser, key)
	defer unlock()

	srcBalance := 0.0
	if v, ok := l.read(fromUser, key); ok {
		n, isNum := v.(float64)
		if !isNum {
			return fmt.Errorf("%w: key %q holds %T", ErrTypeMismatch, key, v)
		}
		srcBalance = n
	}
	if srcBalance < amount {
		return fmt.Errorf("%w: %s has %v %s, needs %v", ErrInsufficientBalance, fromUser, srcBalance, key, amount)
	}
	dstBalance := 0.0
	if v, ok := l.read(toUser, key); ok {
		if n, isNum := v.(float64); isNum {
			dstBalance = n
		}
	}

	if err := l.persistEntry(ctx, fromUser, key, srcBalance-amount); err != nil {
		return fmt.Errorf("persist transfer source: %w", err)
	}
	if err := l.persistEntry(ctx, toUser, key, dstBalance+amount); err != nil {
		// Roll the source back so the sum stays invariant.
		if rbErr := l.persistEntry(ctx, fromUser, key, srcBalance); rbErr != nil {
			slog.Error("transfer rollback failed", "user_id", fromUser, "key", key, "error", rbErr)
		}
		return fmt.Errorf("persist transfer destination: %w", err)
	}
	l.write(fromUser, key, srcBalance-amount)
	l.write(toUser, key, dstBalance+amount)
	l.recordAudit(meta, fromUser, key, fmt.Sprintf("transfer -%v to %s", amount, toUser))
	l.recordAudit(meta, toUser, key, fmt.Sprintf("transfer +%v from %s", amount, fromUser))
	return nil
}

// TransferItem moves qty of a canonical item between inventories with the
// same two-phase discipline as Transfer.
func (l *Ledger) TransferItem(ctx context.Context, fromUser, toUser, item string, qty int, meta WriteMeta) error {
	if qty <= 0 {
		return fmt.Errorf("%w: transfer quantity must be positive", ErrTypeMismatch)
	}
	unlock := l.lockPair(fromUser, "inventory", toUser, "inventory")
	defer unlock()

	have := l.ItemQuantity(fromUser, item)
	if have < qty {
		return fmt.Errorf("%w: %s has %d %s, needs %d", ErrInsufficientBalance, fromUser, have, item, qty)
	}
	srcInv := l.inventoryCopy(fromUser)

	if _, err := l.addToInventoryLocked(ctx, fromUser, item, -qty, "", nil, meta); err != nil {
		return err
	}
	if _, err := l.addToInventoryLocked(ctx, toUser, item, qty, "", nil, meta); err != nil {
		// Restore the source snapshot.
		if rbErr := l.persistEntry(ctx, fromUser, "inventory", srcInv); rbErr != nil {
			slog.Error("item transfer rollback failed", "user_id", fromUser, "error", rbErr)
		}
		l.write(fromUser, "inventory", srcInv)
		return err
	}
	return nil
}

// FindItemFuzzy looks for an inventory slot matching name after trimming
// and case-folding, tolerating a trailing plural 's'.
func (l *Ledger) FindItemFuzzy(userID, name string) (TrackedItem, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	singular := strings.TrimSuffix(name, "s")
	for _, item := range l.Items(userID) {
		candidate := strings.ToLower(item.Name)
		if candidate == name || candidate == singular || candidate+"s" == name {
			return item, true
		}
	}
	return TrackedItem{}, false
}
