// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cachestore implements the versioned, named response cache
// owned by the relay worker.
//
// # Description
//
// A Store is a set of named caches. Each named cache maps a request
// identity (method + normalized URL; only GET is ever stored) to a
// response snapshot. One named cache corresponds to one cache
// generation; the activate step drops every name except the current
// generation's, so stale-version responses cannot leak after a deploy.
//
// Entries are overwritten whole when a fresh network response arrives;
// there are no partial updates.
//
// # Thread Safety
//
// All implementations are safe for concurrent use.
package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/FocusRelay/services/worker/storage/badger"
)

var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "focusrelay_cache_hits_total",
		Help: "Cache lookups that found an entry, by cache name",
	}, []string{"cache"})

	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "focusrelay_cache_misses_total",
		Help: "Cache lookups that found nothing, by cache name",
	}, []string{"cache"})
)

// Snapshot is one cached response. It is stored and replaced as a unit.
type Snapshot struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

// NewSnapshot drains resp.Body into a Snapshot. The response body is
// consumed; callers that still need it must clone beforehand.
func NewSnapshot(resp *http.Response, body []byte) *Snapshot {
	return &Snapshot{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now(),
	}
}

// WriteTo replays the snapshot onto a ResponseWriter.
func (s *Snapshot) WriteTo(w http.ResponseWriter) error {
	for k, vs := range s.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(s.Status)
	_, err := w.Write(s.Body)
	return err
}

// EntryKey computes the request identity: method plus the URL with any
// fragment stripped. The query string is kept; distinct queries are
// distinct entries.
func EntryKey(method string, u *url.URL) string {
	clean := *u
	clean.Fragment = ""
	return method + " " + clean.String()
}

// Cache is one named cache generation.
type Cache interface {
	Name() string
	Match(ctx context.Context, key string) (*Snapshot, bool, error)
	Put(ctx context.Context, key string, snap *Snapshot) error
	Delete(ctx context.Context, key string) error
}

// Store manages named caches.
type Store interface {
	// Open returns the named cache, creating it if needed.
	Open(ctx context.Context, name string) (Cache, error)

	// Names lists every cache that has been opened and not dropped.
	Names(ctx context.Context) ([]string, error)

	// Drop deletes a named cache and all of its entries.
	Drop(ctx context.Context, name string) error
}

const (
	entryPrefix = "cache/"
	namePrefix  = "cache-name/"
)

// BadgerStore is the durable Store backed by the relay's embedded DB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a Store over an open database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func entryKeyBytes(name, key string) []byte {
	return []byte(entryPrefix + name + "/" + key)
}

func (s *BadgerStore) Open(ctx context.Context, name string) (Cache, error) {
	if strings.Contains(name, "/") {
		return nil, fmt.Errorf("invalid cache name %q", name)
	}
	// Marker entry so empty caches still enumerate.
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(namePrefix+name), []byte{1})
	})
	if err != nil {
		return nil, fmt.Errorf("open cache %q: %w", name, err)
	}
	return &badgerCache{store: s, name: name}, nil
}

func (s *BadgerStore) Names(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(namePrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), namePrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate caches: %w", err)
	}
	return names, nil
}

func (s *BadgerStore) Drop(ctx context.Context, name string) error {
	// Collect entry keys first; Badger forbids writes while iterating
	// in the same transaction with prefetch disabled plus deletes is
	// fine, but keeping the passes separate stays within txn limits
	// for large generations.
	var keys [][]byte
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix + name + "/")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("drop cache %q: %w", name, err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("drop cache %q: %w", name, err)
		}
	}
	if err := wb.Delete([]byte(namePrefix + name)); err != nil {
		return fmt.Errorf("drop cache %q: %w", name, err)
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("drop cache %q: %w", name, err)
	}
	return nil
}

type badgerCache struct {
	store *BadgerStore
	name  string
}

func (c *badgerCache) Name() string { return c.name }

func (c *badgerCache) Match(ctx context.Context, key string) (*Snapshot, bool, error) {
	var snap *Snapshot
	err := c.store.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get(entryKeyBytes(c.name, key))
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
		var s Snapshot
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		snap = &s
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("cache %q match: %w", c.name, err)
	}
	if snap == nil {
		cacheMisses.WithLabelValues(c.name).Inc()
		return nil, false, nil
	}
	cacheHits.WithLabelValues(c.name).Inc()
	return snap, true, nil
}

func (c *badgerCache) Put(ctx context.Context, key string, snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	err = c.store.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Set(entryKeyBytes(c.name, key), raw)
	})
	if err != nil {
		return fmt.Errorf("cache %q put: %w", c.name, err)
	}
	return nil
}

func (c *badgerCache) Delete(ctx context.Context, key string) error {
	err := c.store.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Delete(entryKeyBytes(c.name, key))
	})
	if err != nil {
		return fmt.Errorf("cache %q delete: %w", c.name, err)
	}
	return nil
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu     sync.RWMutex
	caches map[string]map[string]*Snapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{caches: make(map[string]map[string]*Snapshot)}
}

func (s *MemoryStore) Open(_ context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caches[name]; !ok {
		s.caches[name] = make(map[string]*Snapshot)
	}
	return &memoryCache{store: s, name: name}, nil
}

func (s *MemoryStore) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	return names, nil
}

func (s *MemoryStore) Drop(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.caches, name)
	return nil
}

type memoryCache struct {
	store *MemoryStore
	name  string
}

func (c *memoryCache) Name() string { return c.name }

func (c *memoryCache) Match(_ context.Context, key string) (*Snapshot, bool, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	entries, ok := c.store.caches[c.name]
	if !ok {
		return nil, false, nil
	}
	snap, ok := entries[key]
	return snap, ok, nil
}

func (c *memoryCache) Put(_ context.Context, key string, snap *Snapshot) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	entries, ok := c.store.caches[c.name]
	if !ok {
		// Dropped mid-flight; the write is for a retired generation.
		return nil
	}
	entries[key] = snap
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if entries, ok := c.store.caches[c.name]; ok {
		delete(entries, key)
	}
	return nil
}
