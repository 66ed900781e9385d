// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package syncqueue holds domain writes captured while offline and
// replays them against the remote data service when a sync opportunity
// arrives.
//
// Delivery is at-least-once: an item is removed from the queue only
// after its remote write is confirmed, and the removal itself is not
// atomic with the write. A crash between the two re-submits the write
// on the next cycle. That duplicate is accepted; losing user data is
// worse. Items that exhaust their retries stay queued for the next
// cycle, they are never dropped.
package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/FocusRelay/services/worker/kvstore"
)

// PendingWrite is one domain mutation captured while offline.
type PendingWrite struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Table     string          `json:"table"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// Queue persists pending writes under one kvstore key as a JSON array.
//
// Mutations are read-modify-write; concurrent clients race
// last-writer-wins, which is accepted (a lost enqueue re-appears when
// the losing client next reconciles, a doubled item is a benign
// duplicate insert).
type Queue struct {
	store kvstore.Store
	key   string
}

// NewQueue creates a queue over the given store key
// (kvstore.KeyFocusSessionQueue or kvstore.KeySyncQueue).
func NewQueue(store kvstore.Store, key string) *Queue {
	return &Queue{store: store, key: key}
}

// Load returns all queued writes. An absent key is an empty queue.
func (q *Queue) Load(ctx context.Context) ([]PendingWrite, error) {
	raw, found, err := q.store.Get(ctx, q.key)
	if err != nil {
		return nil, fmt.Errorf("load queue %s: %w", q.key, err)
	}
	if !found || raw == "" {
		return nil, nil
	}
	var items []PendingWrite
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("decode queue %s: %w", q.key, err)
	}
	return items, nil
}

// Enqueue appends a write, assigning an ID and capture timestamp when
// missing.
func (q *Queue) Enqueue(ctx context.Context, item PendingWrite) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Timestamp == 0 {
		item.Timestamp = time.Now().UnixMilli()
	}

	items, err := q.Load(ctx)
	if err != nil {
		return err
	}
	items = append(items, item)
	return q.save(ctx, items)
}

// Remove deletes the writes whose IDs are in done, keeping everything
// else in order.
func (q *Queue) Remove(ctx context.Context, done map[string]bool) error {
	if len(done) == 0 {
		return nil
	}
	items, err := q.Load(ctx)
	if err != nil {
		return err
	}
	kept := items[:0]
	for _, it := range items {
		if !done[it.ID] {
			kept = append(kept, it)
		}
	}
	return q.save(ctx, kept)
}

func (q *Queue) save(ctx context.Context, items []PendingWrite) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode queue %s: %w", q.key, err)
	}
	if err := q.store.Set(ctx, q.key, string(raw)); err != nil {
		return fmt.Errorf("save queue %s: %w", q.key, err)
	}
	return nil
}
