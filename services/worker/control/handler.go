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
	"encoding/json"
	"log/slog"
	"time"

	"github.com/AleutianAI/FocusRelay/services/worker/kvstore"
)

// Activator is the slice of the lifecycle machine the control channel
// drives.
type Activator interface {
	// VersionInfo reports the current generation.
	VersionInfo() VersionInfo

	// SkipWaiting promotes a waiting worker to active eligibility.
	SkipWaiting(ctx context.Context) error

	// ClaimClients takes control of all open page clients.
	ClaimClients(ctx context.Context) error
}

// Replier is the sending side of one connected page client. *Client
// implements it; tests substitute a capture fake.
type Replier interface {
	ClientID() string
	Send(env Envelope) error
}

// Handler dispatches page-originated control messages.
type Handler struct {
	act    Activator
	hub    *Hub
	store  kvstore.Store
	logger *slog.Logger
}

// NewHandler creates the worker-side control dispatcher.
func NewHandler(act Activator, hub *Hub, store kvstore.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{act: act, hub: hub, store: store, logger: logger}
}

// Handle processes one envelope from a page client. Replies are sent on
// the same connection with the request's ID; messages without an ID get
// no reply. Unknown types are silently ignored.
func (h *Handler) Handle(ctx context.Context, client Replier, env Envelope) {
	switch env.Type {
	case TypeSkipWaiting:
		if err := h.act.SkipWaiting(ctx); err != nil {
			h.logger.Warn("skip waiting failed", "error", err)
		}

	case TypeGetVersion:
		h.reply(client, env, h.act.VersionInfo())

	case TypeCheckUpdate:
		info := h.act.VersionInfo()
		h.reply(client, env, CheckUpdateReply{
			Version:           info.Version,
			Timestamp:         info.Timestamp,
			UpdateCheckResult: "completed",
		})
		h.notifyStaleLogin(ctx, client, env, info)

	case TypeForceUpdate:
		now := time.Now().UnixMilli()
		if err := h.act.SkipWaiting(ctx); err != nil {
			h.logger.Warn("force update: skip waiting failed", "error", err)
		}
		if err := h.act.ClaimClients(ctx); err != nil {
			h.logger.Warn("force update: claim clients failed", "error", err)
		}
		if out, err := NewEnvelope("", TypeUpdateActivated, ActivatedInfo{Timestamp: now}); err == nil {
			h.hub.Broadcast(out)
		}
		h.reply(client, env, ForceUpdateReply{Updated: true, Timestamp: now})

	case TypeOptimizeSession:
		h.reply(client, env, OptimizeReply{Optimized: true, Timestamp: time.Now().UnixMilli()})

	default:
		// Forward-compatible: newer pages may speak newer types.
		h.logger.Debug("ignoring unknown control message", "type", env.Type)
	}
}

// notifyStaleLogin surfaces "a release happened since your last login"
// to the requesting client only: if the authenticated user's recorded
// version differs from the running generation, send
// UPDATE_AVAILABLE_AFTER_LOGIN.
func (h *Handler) notifyStaleLogin(ctx context.Context, client Replier, env Envelope, info VersionInfo) {
	if len(env.Payload) == 0 || h.store == nil {
		return
	}
	var scope UserScope
	if err := json.Unmarshal(env.Payload, &scope); err != nil || scope.UserID == "" {
		return
	}

	stored, found, err := h.store.Get(ctx, kvstore.UserVersionKey(scope.UserID))
	if err != nil {
		h.logger.Warn("read per-user version failed", "userId", scope.UserID, "error", err)
		return
	}
	if found && stored == info.Version {
		return
	}

	out, err := NewEnvelope("", TypeUpdateAvailableAfterLogin, info)
	if err != nil {
		return
	}
	if err := client.Send(out); err != nil {
		h.logger.Warn("after-login notify failed", "clientId", client.ClientID(), "error", err)
	}
}

func (h *Handler) reply(client Replier, req Envelope, payload any) {
	if req.ID == "" {
		return
	}
	out, err := NewEnvelope(req.ID, req.Type, payload)
	if err != nil {
		h.logger.Error("encode reply failed", "type", req.Type, "error", err)
		return
	}
	if err := client.Send(out); err != nil {
		h.logger.Warn("reply write failed", "clientId", client.ClientID(), "type", req.Type, "error", err)
	}
}
