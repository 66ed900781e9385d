// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package router intercepts same-origin GET traffic and serves it
// through one of five caching strategies.
//
// # Description
//
// Each request is classified once (see Rules) and dispatched:
//
//	update check  - answered from the running generation, no I/O
//	cross-origin  - network first, cache fallback, no cache writes
//	navigation    - network first, cache refresh, cache then root
//	              fallback (HTML must not go stale silently)
//	critical      - network races cache under a network-only timeout;
//	              the losing network leg still completes so its cache
//	              write lands (race without cancellation)
//	static        - cache first, network fill, synthetic 408 fallback
//	dynamic       - stale-while-revalidate, synthetic 503 fallback
//
// # Error Handling
//
// Every strategy terminates in a well-formed response. Cache write
// failures are logged and swallowed; a user never sees a caching
// failure, only a possibly stale page.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/FocusRelay/services/worker/cachestore"
	"github.com/AleutianAI/FocusRelay/services/worker/control"
)

var tracer = otel.Tracer("focusrelay.router")

var fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "focusrelay_fetch_total",
	Help: "Intercepted fetches by class and how they were answered",
}, []string{"class", "outcome"})

// Synthetic fallback bodies.
const (
	offlineResourceBody = "Offline - resource unavailable"
	offlineContentBody  = "Offline - content unavailable"

	offlinePage = `<!doctype html><html><head><title>FocusFlow</title></head>` +
		`<body><h1>You're offline</h1><p>Reconnect to keep your focus streak going.</p></body></html>`
)

// GenerationSource exposes the running generation to the router.
// *lifecycle.Supervisor implements it.
type GenerationSource interface {
	// Cache is the current generation's named cache; nil before the
	// first deploy.
	Cache() cachestore.Cache

	// VersionInfo is the current generation identity.
	VersionInfo() control.VersionInfo
}

// Router dispatches intercepted GETs to caching strategies.
type Router struct {
	rules       *Rules
	source      GenerationSource
	fetcher     Fetcher
	raceTimeout time.Duration
	revalidate  singleflight.Group
	logger      *slog.Logger
}

// New creates a Router. raceTimeout bounds only the network leg of the
// critical-route race.
func New(rules *Rules, source GenerationSource, fetcher Fetcher, raceTimeout time.Duration, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		rules:       rules,
		source:      source,
		fetcher:     fetcher,
		raceTimeout: raceTimeout,
		logger:      logger,
	}
}

// Handler returns the gin handler serving intercepted GET requests.
// Non-GET requests must never reach it.
func (rt *Router) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rt.serve(c.Writer, c.Request)
	}
}

func (rt *Router) serve(w http.ResponseWriter, r *http.Request) {
	class := rt.rules.Classify(r, r.Host)

	ctx, span := tracer.Start(r.Context(), "router.serve", trace.WithAttributes(
		attribute.String("class", string(class)),
		attribute.String("path", r.URL.Path),
	))
	defer span.End()
	r = r.WithContext(ctx)

	switch class {
	case ClassUpdateCheck:
		rt.serveUpdateCheck(w)
	case ClassCrossOrigin:
		rt.serveCrossOrigin(w, r)
	case ClassNavigation:
		rt.serveNavigation(w, r)
	case ClassCritical:
		rt.serveCritical(w, r)
	case ClassStatic:
		rt.serveStatic(w, r)
	default:
		rt.serveDynamic(w, r)
	}
}

// entryKey is the cache identity of a same-origin request: method plus
// path and query, matching the keys the pre-cache writes.
func entryKey(r *http.Request) string {
	return cachestore.EntryKey(http.MethodGet, &url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})
}

// crossKey includes the foreign host.
func crossKey(r *http.Request) string {
	u := *r.URL
	u.Host = r.Host
	u.Scheme = "https"
	return cachestore.EntryKey(http.MethodGet, &u)
}

func (rt *Router) originTarget(r *http.Request) string {
	if of, ok := rt.fetcher.(*OriginFetcher); ok {
		return of.OriginTarget(r.URL.RequestURI())
	}
	return r.URL.RequestURI()
}

// serveUpdateCheck answers the reserved diagnostic path from the
// running generation. Never cached, never forwarded.
func (rt *Router) serveUpdateCheck(w http.ResponseWriter) {
	info := rt.source.VersionInfo()
	fetchTotal.WithLabelValues(string(ClassUpdateCheck), "direct").Inc()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	writeJSON(w, map[string]any{
		"version":   info.Version,
		"timestamp": info.Timestamp,
		"updated":   true,
	})
}

// serveCrossOrigin: network first, fall back to whatever cache entry
// may exist, never populate cache for foreign hosts.
func (rt *Router) serveCrossOrigin(w http.ResponseWriter, r *http.Request) {
	target := crossKey(r)
	snap, err := rt.fetcher.Fetch(r.Context(), "https://"+r.Host+r.URL.RequestURI(), r.Header)
	if err == nil {
		fetchTotal.WithLabelValues(string(ClassCrossOrigin), "network").Inc()
		rt.respond(w, snap)
		return
	}

	if cached, found := rt.match(r.Context(), target); found {
		fetchTotal.WithLabelValues(string(ClassCrossOrigin), "cache").Inc()
		rt.respond(w, cached)
		return
	}
	fetchTotal.WithLabelValues(string(ClassCrossOrigin), "synthetic").Inc()
	rt.synthetic(w, http.StatusServiceUnavailable, offlineContentBody)
}

// serveNavigation: always try network and refresh the cache; fall back
// to the cached entry, then the root document.
func (rt *Router) serveNavigation(w http.ResponseWriter, r *http.Request) {
	key := entryKey(r)
	snap, err := rt.fetcher.Fetch(r.Context(), rt.originTarget(r), r.Header)
	if err == nil {
		rt.put(r.Context(), key, snap)
		fetchTotal.WithLabelValues(string(ClassNavigation), "network").Inc()
		rt.respond(w, snap)
		return
	}
	rt.logger.Debug("navigation fetch failed, falling back", "path", r.URL.Path, "error", err)

	if cached, found := rt.match(r.Context(), key); found {
		fetchTotal.WithLabelValues(string(ClassNavigation), "cache").Inc()
		rt.respond(w, cached)
		return
	}
	fetchTotal.WithLabelValues(string(ClassNavigation), "fallback").Inc()
	rt.rootFallback(w, r.Context())
}

// serveCritical races the network against the cache. The network leg
// alone carries the race timeout; whichever resolves first wins. The
// losing network fetch is not cancelled: its cache write keeps the
// entry warm for the next visit.
func (rt *Router) serveCritical(w http.ResponseWriter, r *http.Request) {
	key := entryKey(r)
	class := string(ClassCritical)

	netCh := make(chan *cachestore.Snapshot, 1)
	go func() {
		// Detached so a client disconnect or race loss cannot cancel
		// the cache-warming side effect.
		bg := context.WithoutCancel(r.Context())
		snap, err := rt.fetcher.Fetch(bg, rt.originTarget(r), r.Header)
		if err != nil {
			rt.logger.Debug("critical route network leg failed", "path", r.URL.Path, "error", err)
			netCh <- nil
			return
		}
		rt.put(bg, key, snap)
		netCh <- snap
	}()

	cacheCh := make(chan *cachestore.Snapshot, 1)
	go func() {
		cached, found := rt.match(context.WithoutCancel(r.Context()), key)
		if !found {
			cacheCh <- nil
			return
		}
		cacheCh <- cached
	}()

	timer := time.NewTimer(rt.raceTimeout)
	defer timer.Stop()

	var netSettled, cacheMissed, timedOut bool
	for {
		select {
		case snap := <-netCh:
			if snap != nil && !timedOut {
				fetchTotal.WithLabelValues(class, "network").Inc()
				rt.respond(w, snap)
				return
			}
			netSettled = true
			if cacheMissed {
				fetchTotal.WithLabelValues(class, "fallback").Inc()
				rt.rootFallback(w, r.Context())
				return
			}

		case cached := <-cacheCh:
			if cached != nil {
				fetchTotal.WithLabelValues(class, "cache").Inc()
				rt.respond(w, cached)
				return
			}
			cacheMissed = true
			if netSettled || timedOut {
				fetchTotal.WithLabelValues(class, "fallback").Inc()
				rt.rootFallback(w, r.Context())
				return
			}

		case <-timer.C:
			// Network is out of the race; it may still finish for the
			// cache write. The cache leg has no timeout.
			timedOut = true
			if cacheMissed {
				fetchTotal.WithLabelValues(class, "fallback").Inc()
				rt.rootFallback(w, r.Context())
				return
			}
		}
	}
}

// serveStatic: cache first; miss goes to network and fills the cache;
// total failure yields a synthetic 408.
func (rt *Router) serveStatic(w http.ResponseWriter, r *http.Request) {
	key := entryKey(r)
	if cached, found := rt.match(r.Context(), key); found {
		fetchTotal.WithLabelValues(string(ClassStatic), "cache").Inc()
		rt.respond(w, cached)
		return
	}

	snap, err := rt.fetcher.Fetch(r.Context(), rt.originTarget(r), r.Header)
	if err == nil {
		rt.put(r.Context(), key, snap)
		fetchTotal.WithLabelValues(string(ClassStatic), "network").Inc()
		rt.respond(w, snap)
		return
	}
	fetchTotal.WithLabelValues(string(ClassStatic), "synthetic").Inc()
	rt.synthetic(w, http.StatusRequestTimeout, offlineResourceBody)
}

// serveDynamic: stale-while-revalidate. A cached entry is returned
// immediately while a deduplicated background fetch refreshes it; with
// no cached entry the client waits on the network, and a network
// failure yields a synthetic 503.
func (rt *Router) serveDynamic(w http.ResponseWriter, r *http.Request) {
	key := entryKey(r)
	target := rt.originTarget(r)

	if cached, found := rt.match(r.Context(), key); found {
		fetchTotal.WithLabelValues(string(ClassDynamic), "cache").Inc()
		rt.respond(w, cached)

		header := r.Header.Clone()
		go func() {
			// Concurrent requests for the same entry share one refresh.
			_, _, _ = rt.revalidate.Do(key, func() (any, error) {
				bg := context.WithoutCancel(r.Context())
				snap, err := rt.fetcher.Fetch(bg, target, header)
				if err != nil {
					rt.logger.Debug("revalidation failed", "path", r.URL.Path, "error", err)
					return nil, err
				}
				rt.put(bg, key, snap)
				return nil, nil
			})
		}()
		return
	}

	snap, err := rt.fetcher.Fetch(r.Context(), target, r.Header)
	if err == nil {
		rt.put(r.Context(), key, snap)
		fetchTotal.WithLabelValues(string(ClassDynamic), "network").Inc()
		rt.respond(w, snap)
		return
	}
	fetchTotal.WithLabelValues(string(ClassDynamic), "synthetic").Inc()
	rt.synthetic(w, http.StatusServiceUnavailable, offlineContentBody)
}

// rootFallback serves the cached root document, or a minimal offline
// page when even that is missing.
func (rt *Router) rootFallback(w http.ResponseWriter, ctx context.Context) {
	if cached, found := rt.match(ctx, "GET /"); found {
		rt.respond(w, cached)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(offlinePage)); err != nil {
		rt.logger.Debug("offline page write failed", "error", err)
	}
}

// match looks up the current generation's cache; a missing generation
// behaves as a universal miss.
func (rt *Router) match(ctx context.Context, key string) (*cachestore.Snapshot, bool) {
	cache := rt.source.Cache()
	if cache == nil {
		return nil, false
	}
	snap, found, err := cache.Match(ctx, key)
	if err != nil {
		rt.logger.Warn("cache match failed", "key", key, "error", err)
		return nil, false
	}
	return snap, found
}

// put stores a successful response; anything else, and any write
// error, is ignored.
func (rt *Router) put(ctx context.Context, key string, snap *cachestore.Snapshot) {
	if snap.Status != http.StatusOK {
		return
	}
	cache := rt.source.Cache()
	if cache == nil {
		return
	}
	if err := cache.Put(ctx, key, snap); err != nil {
		rt.logger.Warn("cache put failed", "key", key, "error", err)
	}
}

func (rt *Router) respond(w http.ResponseWriter, snap *cachestore.Snapshot) {
	if err := snap.WriteTo(w); err != nil {
		rt.logger.Debug("response write failed", "error", err)
	}
}

func (rt *Router) synthetic(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		rt.logger.Debug("synthetic response write failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, v map[string]any) {
	// Tiny fixed shape; errors can only come from the writer itself.
	enc, _ := json.Marshal(v)
	_, _ = w.Write(enc)
}
