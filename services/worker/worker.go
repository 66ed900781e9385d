// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package worker assembles the relay: the embedded stores, the
// lifecycle supervisor and deployment watcher, the fetch router, the
// control channel, background sync, and the push surface, behind one
// gin engine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/FocusRelay/services/worker/cachestore"
	"github.com/AleutianAI/FocusRelay/services/worker/config"
	"github.com/AleutianAI/FocusRelay/services/worker/control"
	"github.com/AleutianAI/FocusRelay/services/worker/kvstore"
	"github.com/AleutianAI/FocusRelay/services/worker/lifecycle"
	"github.com/AleutianAI/FocusRelay/services/worker/push"
	"github.com/AleutianAI/FocusRelay/services/worker/remote"
	"github.com/AleutianAI/FocusRelay/services/worker/router"
	"github.com/AleutianAI/FocusRelay/services/worker/storage/badger"
	"github.com/AleutianAI/FocusRelay/services/worker/syncqueue"
)

const shutdownGrace = 5 * time.Second

// Server is the assembled relay worker.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db         *badger.DB
	kv         kvstore.Store
	supervisor *lifecycle.Supervisor
	watcher    *lifecycle.Watcher
	hub        *control.Hub
	syncer     *syncqueue.Handler
	pusher     *push.Handler
	engine     *gin.Engine
}

// New wires a Server from configuration. Close releases what New
// opens.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dbCfg := badger.DefaultConfig()
	dbCfg.Path = cfg.DataDir
	dbCfg.Logger = logger
	db, err := badger.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open relay store: %w", err)
	}

	kv := kvstore.NewBadgerStore(db)
	caches := cachestore.NewBadgerStore(db)

	fetcher, err := router.NewOriginFetcher(cfg.OriginURL, nil)
	if err != nil {
		db.Close()
		return nil, err
	}

	hub := control.NewHub(logger)

	precache := make([]string, 0,
		len(cfg.Manifest.AppShell)+len(cfg.Manifest.StaticAssets)+len(cfg.Manifest.CriticalRoutes))
	precache = append(precache, cfg.Manifest.AppShell...)
	precache = append(precache, cfg.Manifest.StaticAssets...)
	precache = append(precache, cfg.Manifest.CriticalRoutes...)

	supervisor := lifecycle.NewSupervisor(caches, fetcher, precache, hub, logger)
	watcher := lifecycle.NewWatcher(cfg.VersionFile, supervisor, logger)

	rules := router.NewRules(
		cfg.Manifest.AppHosts,
		cfg.Manifest.CriticalRoutes,
		cfg.Manifest.StaticSuffixes,
		cfg.Manifest.StaticContains,
	)
	routes := router.New(rules, supervisor, fetcher, cfg.NetworkRaceTimeout, logger)

	queue := syncqueue.NewQueue(kv, kvstore.KeySyncQueue)
	syncer := syncqueue.NewHandler(queue,
		remote.NewClient(cfg.RemoteURL, remote.WithLogger(logger)),
		cfg.SyncMaxAttempts, cfg.SyncBackoff, logger)

	pusher := push.NewHandler(&hubNotifier{hub: hub}, &hubNavigator{hub: hub}, logger)

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		kv:         kv,
		supervisor: supervisor,
		watcher:    watcher,
		hub:        hub,
		syncer:     syncer,
		pusher:     pusher,
	}
	s.engine = s.buildEngine(routes, fetcher, control.NewHandler(supervisor, hub, kv, logger))
	return s, nil
}

func (s *Server) buildEngine(routes *router.Router, fetcher *router.OriginFetcher, ctrl *control.Handler) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("focusrelay-worker"))

	engine.GET("/ws", s.hub.ServeWS(ctrl))
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/healthz", s.handleHealth)
	engine.POST("/internal/sync", s.handleSync)
	engine.POST("/internal/push", s.handlePush)

	// Everything else is intercepted traffic: GETs go through the
	// strategy router, the rest is proxied to the origin untouched.
	proxy := httputil.NewSingleHostReverseProxy(fetcher.Origin())
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.Warn("origin proxy failed", "method", r.Method, "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	intercept := routes.Handler()
	engine.NoRoute(func(c *gin.Context) {
		if c.Request.Method == http.MethodGet {
			intercept(c)
			return
		}
		proxy.ServeHTTP(c.Writer, c.Request)
	})
	return engine
}

func (s *Server) handleHealth(c *gin.Context) {
	info := s.supervisor.VersionInfo()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"version":   info.Version,
		"timestamp": info.Timestamp,
		"clients":   s.hub.Count(),
	})
}

// handleSync is the platform sync trigger: connectivity is back, flush
// the offline write queue.
func (s *Server) handleSync(c *gin.Context) {
	tag := c.DefaultQuery("tag", syncqueue.Tag)
	delivered, remaining, err := s.syncer.HandleSync(c.Request.Context(), tag)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tag":       tag,
		"delivered": delivered,
		"remaining": remaining,
	})
}

// handlePush accepts a raw push payload and surfaces it to connected
// page clients. A malformed payload still yields 202; drops are the
// handler's business.
func (s *Server) handlePush(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.pusher.HandlePush(c.Request.Context(), raw)
	c.Status(http.StatusAccepted)
}

// Run starts the deployment watcher and the HTTP listener and blocks
// until ctx ends or either fails.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.engine,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.watcher.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		s.logger.Info("relay listening", "port", s.cfg.Port, "origin", s.cfg.OriginURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.hub.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if closeErr := s.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Close releases the embedded store.
func (s *Server) Close() error {
	return s.db.Close()
}

// Engine exposes the HTTP handler for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Supervisor exposes the lifecycle supervisor for embedding and tests.
func (s *Server) Supervisor() *lifecycle.Supervisor { return s.supervisor }

// hubNotifier shows notifications by fanning them out to connected
// page clients over the control channel.
type hubNotifier struct {
	hub *control.Hub
}

func (n *hubNotifier) Show(_ context.Context, note push.Notification) error {
	env, err := control.NewEnvelope("", control.TypeShowNotification, note)
	if err != nil {
		return err
	}
	n.hub.Broadcast(env)
	return nil
}

// hubNavigator resolves notification clicks: focus an already open
// page client when one is connected, otherwise ask for a new window.
type hubNavigator struct {
	hub *control.Hub
}

func (n *hubNavigator) FocusExisting(context.Context) (bool, error) {
	if n.hub.Count() == 0 {
		return false, nil
	}
	env, err := control.NewEnvelope("", control.TypeFocusApp, nil)
	if err != nil {
		return false, err
	}
	n.hub.Broadcast(env)
	return true, nil
}

func (n *hubNavigator) OpenWindow(_ context.Context, url string) error {
	env, err := control.NewEnvelope("", control.TypeOpenWindow, map[string]string{"url": url})
	if err != nil {
		return err
	}
	n.hub.Broadcast(env)
	return nil
}
