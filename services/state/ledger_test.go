// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMeta = WriteMeta{Actor: "tester", Reason: "test"}

// failingPersister fails on a chosen (user, key) write.
type failingPersister struct {
	mu       sync.Mutex
	failUser string
	failKey  string
	writes   []string
	deletes  []string
}

func (p *failingPersister) SaveState(_ context.Context, userID, key string, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, userID+"/"+key)
	if userID == p.failUser && key == p.failKey {
		return errors.New("backend down")
	}
	return nil
}

func (p *failingPersister) DeleteState(_ context.Context, userID, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletes = append(p.deletes, userID+"/"+key)
	if userID == p.failUser && key == p.failKey {
		return errors.New("backend down")
	}
	return nil
}

func TestSetAndGet(t *testing.T) {
	l := NewLedger(nil)
	ctx := context.Background()

	require.NoError(t, l.Set(ctx, "alice", "gold", 100, testMeta))
	assert.Equal(t, 100.0, l.GetNumber("alice", "gold"))
	assert.Equal(t, 0.0, l.GetNumber("alice", "silver"))
	assert.Equal(t, "fallback", l.Get("alice", "missing", "fallback"))
}

func TestSetRejectsTypeChange(t *testing.T) {
	l := NewLedger(nil)
	ctx := context.Background()

	require.NoError(t, l.Set(ctx, "alice", "slot", 5, testMeta))
	err := l.Set(ctx, "alice", "slot", Inventory{"sword": {Name: "sword", Quantity: 1}}, testMeta)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestSetRejectsUnsupportedType(t *testing.T) {
	l := NewLedger(nil)
	err := l.Set(context.Background(), "alice", "slot", "a string", testMeta)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestTransferMovesBalance(t *testing.T) {
	l := NewLedger(nil)
	ctx := context.Background()
	require.NoError(t, l.Set(ctx, "alice", "gold", 100, testMeta))

	require.NoError(t, l.Transfer(ctx, "alice", "bob", "gold", 30, testMeta))
	assert.Equal(t, 70.0, l.GetNumber("alice", "gold"))
	assert.Equal(t, 30.0, l.GetNumber("bob", "gold"))
}

func TestTransferInsufficientBalance(t *testing.T) {
	l := NewLedger(nil)
	ctx := context.Background()
	require.NoError(t, l.Set(ctx, "alice", "gold", 10, testMeta))

	err := l.Transfer(ctx, "alice", "bob", "gold", 30, testMeta)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, 10.0, l.GetNumber("alice", "gold"), "failed transfer must not move anything")
	assert.Equal(t, 0.0, l.GetNumber("bob", "gold"))
}

func TestTransferRejectsNonPositive(t *testing.T) {
	l := NewLedger(nil)
	assert.Error(t, l.Transfer(context.Background(), "alice", "bob", "gold", 0, testMeta))
	assert.Error(t, l.Transfer(context.Background(), "alice", "bob", "gold", -5, testMeta))
}

func TestTransferRollbackOnPersistFailure(t *testing.T) {
	persist := &failingPersister{failUser: "bob", failKey: "gold"}
	l := NewLedger(persist)
	ctx := context.Background()
	require.NoError(t, l.Set(ctx, "alice", "gold", 100, testMeta))

	err := l.Transfer(ctx, "alice", "bob", "gold", 30, testMeta)
	require.Error(t, err)
	assert.Equal(t, 100.0, l.GetNumber("alice", "gold"), "destination persist failure rolls the source back")
	assert.Equal(t, 0.0, l.GetNumber("bob", "gold"))
}

// Conservation: concurrent opposing transfers may fail individually but
// must never create or destroy balance.
func TestConcurrentTransfersConserveSum(t *testing.T) {
	l := NewLedger(nil)
	ctx := context.Background()
	require.NoError(t, l.Set(ctx, "alice", "gold", 500, testMeta))
	require.NoError(t, l.Set(ctx, "bob", "gold", 500, testMeta))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = l.Transfer(ctx, "alice", "bob", "gold", 7, testMeta)
			} else {
				_ = l.Transfer(ctx, "bob", "alice", "gold", 5, testMeta)
			}
		}(i)
	}
	wg.Wait()

	sum := l.GetNumber("alice", "gold") + l.GetNumber("bob", "gold")
	assert.Equal(t, 1000.0, sum)
}

func TestInventoryAddAndFloor(t *testing.T) {
	l := NewLedger(nil)
	ctx := context.Background()

	qty, err := l.AddToInventory(ctx, "alice", "sword", 3, testMeta)
	require.NoError(t, err)
	assert.Equal(t, 3, qty)

	qty, err = l.AddToInventory(ctx, "alice", "sword", -5, testMeta)
	require.NoError(t, err)
	assert.Equal(t, 0, qty, "quantities floor at zero")
	assert.Empty(t, l.Items("alice"), "zeroed slot is removed")
}

func TestEmptiedInventoryDeletesPersistedEntry(t *testing.T) {
	persist := &failingPersister{}
	l := NewLedger(persist)
	ctx := context.Background()

	_, err := l.AddToInventory(ctx, "alice", "sword", 2, testMeta)
	require.NoError(t, err)
	_, err = l.AddToInventory(ctx, "alice", "sword", -2, testMeta)
	require.NoError(t, err)

	assert.Contains(t, persist.deletes, "alice/inventory", "an emptied inventory drops its durable entry")
	_, ok := l.read("alice", "inventory")
	assert.False(t, ok, "the in-memory entry is removed too")
}

func TestHydrateRestoresEntries(t *testing.T) {
	l := NewLedger(nil)
	l.Hydrate(map[string]map[string]json.RawMessage{
		"alice": {
			"gold":      json.RawMessage(`120`),
			"inventory": json.RawMessage(`{"sword":{"name":"sword","quantity":2,"item_type":"weapon"}}`),
		},
		"bob": {"gold": json.RawMessage(`7.5`)},
	})

	assert.Equal(t, 120.0, l.GetNumber("alice", "gold"))
	assert.Equal(t, 2, l.ItemQuantity("alice", "sword"))
	assert.Equal(t, 7.5, l.GetNumber("bob", "gold"))
	assert.Equal(t, 2, l.UserCount())
	assert.Zero(t, l.AuditLen(), "hydration is not a write")
}

func TestHydrateSkipsUndecodable(t *testing.T) {
	l := NewLedger(nil)
	l.Hydrate(map[string]map[string]json.RawMessage{
		"alice": {
			"gold":   json.RawMessage(`"not a number"`),
			"silver": json.RawMessage(`3`),
		},
	})
	assert.Equal(t, 0.0, l.GetNumber("alice", "gold"))
	assert.Equal(t, 3.0, l.GetNumber("alice", "silver"))
}

func TestTransferItem(t *testing.T) {
	l := NewLedger(nil)
	ctx := context.Background()
	_, err := l.AddToInventory(ctx, "alice", "potion", 4, testMeta)
	require.NoError(t, err)

	require.NoError(t, l.TransferItem(ctx, "alice", "bob", "potion", 3, testMeta))
	assert.Equal(t, 1, l.ItemQuantity("alice", "potion"))
	assert.Equal(t, 3, l.ItemQuantity("bob", "potion"))

	err = l.TransferItem(ctx, "alice", "bob", "potion", 2, testMeta)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestConcurrentItemTransfersConserveSum(t *testing.T) {
	l := NewLedger(nil)
	ctx := context.Background()
	_, err := l.AddToInventory(ctx, "alice", "coin", 200, testMeta)
	require.NoError(t, err)
	_, err = l.AddToInventory(ctx, "bob", "coin", 200, testMeta)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = l.TransferItem(ctx, "alice", "bob", "coin", 3, testMeta)
			} else {
				_ = l.TransferItem(ctx, "bob", "alice", "coin", 2, testMeta)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 400, l.ItemQuantity("alice", "coin")+l.ItemQuantity("bob", "coin"))
}

func TestFindItemFuzzy(t *testing.T) {
	l := NewLedger(nil)
	ctx := context.Background()
	_, err := l.AddToInventory(ctx, "alice", "potion", 2, testMeta)
	require.NoError(t, err)

	item, ok := l.FindItemFuzzy("alice", "Potions")
	require.True(t, ok)
	assert.Equal(t, "potion", item.Name)

	_, ok = l.FindItemFuzzy("alice", "sword")
	assert.False(t, ok)
}

func TestAuditTrail(t *testing.T) {
	l := NewLedger(nil)
	ctx := context.Background()
	require.NoError(t, l.Set(ctx, "alice", "gold", 10, testMeta))
	require.NoError(t, l.Transfer(ctx, "alice", "bob", "gold", 4, testMeta))

	log := l.AuditLog()
	require.Len(t, log, 3, "set plus both transfer sides")
	assert.Equal(t, "tester", log[0].Actor)
	assert.Equal(t, l.AuditLen(), len(log))
}

func TestAuditRingCaps(t *testing.T) {
	l := NewLedger(nil)
	ctx := context.Background()
	for i := 0; i < auditCap+50; i++ {
		require.NoError(t, l.Set(ctx, "alice", "gold", float64(i), testMeta))
	}
	assert.Equal(t, auditCap, l.AuditLen())
}

func TestIncrement(t *testing.T) {
	l := NewLedger(nil)
	ctx := context.Background()

	next, err := l.Increment(ctx, "alice", "gold", 5, testMeta)
	require.NoError(t, err)
	assert.Equal(t, 5.0, next)

	next, err = l.Increment(ctx, "alice", "gold", -2, testMeta)
	require.NoError(t, err)
	assert.Equal(t, 3.0, next)
}

func TestKeysSorted(t *testing.T) {
	l := NewLedger(nil)
	ctx := context.Background()
	for _, key := range []string{"zinc", "gold", "iron"} {
		require.NoError(t, l.Set(ctx, "alice", key, 1, testMeta))
	}
	assert.Equal(t, []string{"gold", "iron", "zinc"}, l.Keys("alice"))
	assert.Equal(t, 1, l.UserCount())
}

func TestLockPairNoDeadlock(t *testing.T) {
	l := NewLedger(nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				a, b := fmt.Sprintf("u%d", i%3), fmt.Sprintf("u%d", (i+1)%3)
				unlock := l.lockPair(a, "gold", b, "gold")
				unlock()
			}(i)
		}
		wg.Wait()
	}()
	<-done
}
