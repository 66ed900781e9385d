// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lifecycle drives cache generations through
// installing → waiting → activating → activated.
//
// # Description
//
// One Machine manages one generation. Install opens the generation's
// named cache and pre-populates it with the critical asset manifest;
// individual asset failures are logged and swallowed because a partial
// cache still beats no offline capability at all. Activate
// garbage-collects every other named cache, claims the open page
// clients, and broadcasts UPDATE_AVAILABLE. GC failures never block the
// claim or the broadcast; a leaked cache is a storage concern, not a
// correctness one.
//
// The Supervisor owns the current Machine and swaps in a new one per
// deployment; the fsnotify Watcher turns version-manifest changes into
// deployments.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/FocusRelay/services/worker/cachestore"
	"github.com/AleutianAI/FocusRelay/services/worker/control"
)

var tracer = otel.Tracer("focusrelay.lifecycle")

// cacheNamePrefix scopes relay-owned caches; the generation's version
// string completes the name.
const cacheNamePrefix = "focusflow-"

// State is a machine lifecycle state.
type State int32

const (
	StateInstalling State = iota
	StateWaiting
	StateActivating
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	default:
		return "unknown"
	}
}

// Generation identifies one deployment.
type Generation struct {
	Version   string
	Timestamp int64
}

// CacheName returns the generation's named-cache name.
func (g Generation) CacheName() string {
	return cacheNamePrefix + g.Version
}

// Fetcher retrieves one origin asset for pre-caching.
type Fetcher interface {
	FetchAsset(ctx context.Context, path string) (*cachestore.Snapshot, error)
}

// Broadcaster fans a control message out to all page clients.
type Broadcaster interface {
	Broadcast(env control.Envelope)
}

// Machine runs one generation through its lifecycle.
type Machine struct {
	gen      Generation
	store    cachestore.Store
	fetcher  Fetcher
	precache []string
	hub      Broadcaster
	logger   *slog.Logger

	state       atomic.Int32
	skipWaiting atomic.Bool
	claimed     atomic.Bool

	cacheMu sync.RWMutex
	cache   cachestore.Cache
}

// NewMachine creates a machine for one generation. precache is the
// asset manifest: app shell plus static assets plus critical routes.
func NewMachine(gen Generation, store cachestore.Store, fetcher Fetcher, precache []string, hub Broadcaster, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		gen:      gen,
		store:    store,
		fetcher:  fetcher,
		precache: precache,
		hub:      hub,
		logger:   logger,
	}
	m.state.Store(int32(StateInstalling))
	return m
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// Generation returns the machine's deployment identity.
func (m *Machine) Generation() Generation {
	return m.gen
}

// VersionInfo reports the generation in control-channel form.
func (m *Machine) VersionInfo() control.VersionInfo {
	return control.VersionInfo{Version: m.gen.Version, Timestamp: m.gen.Timestamp}
}

// Cache returns the generation's named cache. Nil until Install has
// opened it.
func (m *Machine) Cache() cachestore.Cache {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	return m.cache
}

// Install opens the generation's cache and pre-populates the asset
// manifest. Per-asset failures are swallowed; only failing to open the
// cache itself fails the install. Finishes by requesting skip-waiting
// so activation is not held behind closing tabs.
func (m *Machine) Install(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "lifecycle.Install")
	span.SetAttributes(attribute.String("version", m.gen.Version))
	defer span.End()

	cache, err := m.store.Open(ctx, m.gen.CacheName())
	if err != nil {
		return fmt.Errorf("install %s: %w", m.gen.Version, err)
	}
	m.cacheMu.Lock()
	m.cache = cache
	m.cacheMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	var failed atomic.Int32
	for _, path := range m.precache {
		g.Go(func() error {
			snap, err := m.fetcher.FetchAsset(gctx, path)
			if err == nil {
				err = cache.Put(gctx, "GET "+path, snap)
			}
			if err != nil {
				failed.Add(1)
				m.logger.Warn("precache asset skipped", "path", path, "error", err)
			}
			// Individual failures never fail the install.
			return nil
		})
	}
	g.Wait()

	m.logger.Info("generation installed",
		"version", m.gen.Version,
		"precached", len(m.precache)-int(failed.Load()),
		"skipped", failed.Load())

	m.skipWaiting.Store(true)
	m.state.Store(int32(StateWaiting))
	return nil
}

// SkipWaiting makes a waiting machine eligible for immediate
// activation. Install already requests it; this re-entry point serves
// the SKIP_WAITING control message.
func (m *Machine) SkipWaiting(_ context.Context) error {
	m.skipWaiting.Store(true)
	return nil
}

// Activate garbage-collects stale generations, claims the open page
// clients, and broadcasts UPDATE_AVAILABLE. GC errors are logged and
// never block the takeover.
func (m *Machine) Activate(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "lifecycle.Activate")
	span.SetAttributes(attribute.String("version", m.gen.Version))
	defer span.End()

	m.state.Store(int32(StateActivating))

	current := m.gen.CacheName()
	names, err := m.store.Names(ctx)
	if err != nil {
		m.logger.Warn("cache enumeration failed, skipping GC", "error", err)
	} else {
		for _, name := range names {
			if name == current {
				continue
			}
			if err := m.store.Drop(ctx, name); err != nil {
				m.logger.Warn("stale cache not dropped", "cache", name, "error", err)
			} else {
				m.logger.Info("stale cache dropped", "cache", name)
			}
		}
	}

	if err := m.ClaimClients(ctx); err != nil {
		m.logger.Warn("claim clients failed", "error", err)
	}

	if env, err := control.NewEnvelope("", control.TypeUpdateAvailable, m.VersionInfo()); err == nil {
		m.hub.Broadcast(env)
	}

	m.state.Store(int32(StateActivated))
	m.logger.Info("generation activated", "version", m.gen.Version)
	return nil
}

// ClaimClients takes control of all currently open page clients without
// waiting for a reload.
func (m *Machine) ClaimClients(_ context.Context) error {
	m.claimed.Store(true)
	return nil
}

// Controlling reports whether this generation has claimed the open
// page clients.
func (m *Machine) Controlling() bool {
	return m.claimed.Load()
}

// Supervisor owns the current machine and replaces it on deploy.
//
// Thread Safety: safe for concurrent use; control-channel calls and the
// deploy watcher race against each other by design.
type Supervisor struct {
	mu      sync.RWMutex
	current *Machine

	store   cachestore.Store
	fetcher Fetcher
	hub     Broadcaster
	precache []string
	logger  *slog.Logger
}

// NewSupervisor creates a supervisor with no generation yet; call
// Deploy for the initial install.
func NewSupervisor(store cachestore.Store, fetcher Fetcher, precache []string, hub Broadcaster, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		store:    store,
		fetcher:  fetcher,
		precache: precache,
		hub:      hub,
		logger:   logger,
	}
}

// Current returns the machine in control, or nil before first deploy.
func (s *Supervisor) Current() *Machine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Deploy installs and activates a new generation, then makes it
// current. A deploy of the already-current version is a no-op.
func (s *Supervisor) Deploy(ctx context.Context, gen Generation) error {
	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()
	if cur != nil && cur.Generation() == gen {
		return nil
	}

	m := NewMachine(gen, s.store, s.fetcher, s.precache, s.hub, s.logger)
	if err := m.Install(ctx); err != nil {
		return err
	}
	if err := m.Activate(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = m
	s.mu.Unlock()
	return nil
}

// VersionInfo implements control.Activator.
func (s *Supervisor) VersionInfo() control.VersionInfo {
	if m := s.Current(); m != nil {
		return m.VersionInfo()
	}
	return control.VersionInfo{}
}

// SkipWaiting implements control.Activator.
func (s *Supervisor) SkipWaiting(ctx context.Context) error {
	if m := s.Current(); m != nil {
		return m.SkipWaiting(ctx)
	}
	return nil
}

// ClaimClients implements control.Activator.
func (s *Supervisor) ClaimClients(ctx context.Context) error {
	if m := s.Current(); m != nil {
		return m.ClaimClients(ctx)
	}
	return nil
}

// Cache returns the current generation's cache, or nil before first
// deploy.
func (s *Supervisor) Cache() cachestore.Cache {
	if m := s.Current(); m != nil {
		return m.Cache()
	}
	return nil
}

// deployDebounce coalesces the burst of fs events a deploy produces.
const deployDebounce = 500 * time.Millisecond
