// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package control

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "focusrelay_control_clients",
		Help: "Currently connected page clients",
	})

	broadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "focusrelay_control_broadcasts_total",
		Help: "Broadcast messages fanned out to page clients, by type",
	}, []string{"type"})
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Same-origin enforcement happens at the relay's edge; the
		// control endpoint accepts any controlled page client.
		return true
	},
}

// Client is one connected page client.
type Client struct {
	ID   string
	conn *websocket.Conn

	// writeMu serializes writes; broadcasts and replies come from
	// different goroutines.
	writeMu sync.Mutex
}

// ClientID returns the client's hub-assigned identifier.
func (c *Client) ClientID() string { return c.ID }

// Send writes one envelope to the client.
func (c *Client) Send(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

// Hub is the registry of connected page clients. Broadcasts are fan-out
// sends to every client registered at call time.
//
// Thread Safety: safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	connectedClients.Inc()
	h.logger.Info("page client connected", "clientId", c.ID)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c.ID]
	delete(h.clients, c.ID)
	h.mu.Unlock()
	if present {
		connectedClients.Dec()
		h.logger.Info("page client disconnected", "clientId", c.ID)
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends env to every connected client. Per-client write
// failures are logged and skipped; a dead tab must not stop the fan-out.
func (h *Hub) Broadcast(env Envelope) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	broadcastsTotal.WithLabelValues(env.Type).Inc()
	for _, c := range targets {
		if err := c.Send(env); err != nil {
			h.logger.Warn("broadcast write failed", "clientId", c.ID, "type", env.Type, "error", err)
		}
	}
}

// CloseAll disconnects every client. Shutdown path only: websocket
// connections are hijacked, so http.Server.Shutdown never reaps them.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.conn.Close()
	}
}

// ServeWS upgrades the connection, registers the page client, and runs
// its read loop, dispatching each envelope to the handler.
func (h *Hub) ServeWS(handler *Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Error("failed to upgrade the websocket", "error", err)
			return
		}

		client := &Client{ID: uuid.New().String(), conn: ws}
		h.register(client)
		defer func() {
			h.unregister(client)
			ws.Close()
		}()

		// The request context dies with the HTTP handler; the
		// connection outlives it.
		ctx := context.Background()
		for {
			var env Envelope
			if err := ws.ReadJSON(&env); err != nil {
				return
			}
			handler.Handle(ctx, client, env)
		}
	}
}
