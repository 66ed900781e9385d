// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package kvstore implements the local persistent store shared by the
// relay worker and every page client.
//
// # Description
//
// The store is a flat, string-keyed map of JSON-string values. It holds
// the version records, the notification de-duplication token, and the
// offline write queues. The schema is loosely typed and evolves; absence
// of a key always means "no prior value", never an error.
//
// # Consistency
//
// The platform offers no transactional isolation between independent
// clients. Mutations of shared keys must be written read-modify-write
// and tolerate last-writer-wins races across clients; lost updates are
// bounded and self-heal on the next reconciliation pass.
//
// # Thread Safety
//
// All implementations are safe for concurrent use.
package kvstore

import (
	"context"
	"fmt"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/FocusRelay/services/worker/storage/badger"
)

// Well-known keys. Callers compose the per-user version key via
// UserVersionKey.
const (
	// KeyVersion is the global last-known deployed version string.
	KeyVersion = "pwa-version"

	// KeyTimestamp is the global last-known deployment timestamp
	// (unix milliseconds, stored as a decimal string).
	KeyTimestamp = "pwa-timestamp"

	// KeyNotifiedVersion is the last version for which a visible
	// update prompt was shown.
	KeyNotifiedVersion = "notified-version"

	// KeyLastNotificationTime is when that prompt was shown
	// (unix milliseconds, decimal string).
	KeyLastNotificationTime = "last-notification-time"

	// KeyFocusSessionQueue holds focus sessions captured offline.
	KeyFocusSessionQueue = "focus-session-queue"

	// KeySyncQueue holds generic database operations captured offline.
	KeySyncQueue = "db-sync-queue"
)

// UserVersionKey returns the per-user last-known version key.
func UserVersionKey(userID string) string {
	return "pwa-version-" + userID
}

// Store is the logical key-value service. Get reports found=false for
// absent keys rather than an error.
type Store interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// keyPrefix namespaces kvstore entries inside the shared Badger DB.
const keyPrefix = "kv/"

// BadgerStore is the durable Store backed by the relay's embedded DB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a Store over an open database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (s *BadgerStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	found := false
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value = string(raw)
		found = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("kvstore get %q: %w", key, err)
	}
	return value, found, nil
}

func (s *BadgerStore) Set(ctx context.Context, key, value string) error {
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(keyPrefix+key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("kvstore set %q: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(keyPrefix + key))
	})
	if err != nil {
		return fmt.Errorf("kvstore delete %q: %w", key, err)
	}
	return nil
}

// MemoryStore is an in-memory Store for tests. It deliberately mimics
// the cross-client sharing of the real store: hand the same instance to
// a worker and several coordinators to model one browser profile.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
