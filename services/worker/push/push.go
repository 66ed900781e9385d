// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package push surfaces server-sent push payloads as notifications.
//
// A malformed push must never crash the worker: parsing falls back from
// JSON to plain text, and any display failure past that is logged and
// dropped.
package push

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Defaults for absent payload fields.
const (
	DefaultTitle = "FocusFlow"
	DefaultBody  = "You have a new notification"
	DefaultURL   = "/"

	iconPath  = "/icons/icon-192.png"
	badgePath = "/icons/badge-72.png"
)

// vibrationPattern is the fixed buzz pattern in milliseconds.
var vibrationPattern = []int{200, 100, 200}

// Payload is the push wire contract. Every field is optional.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// Notification is what gets shown to the user.
type Notification struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	URL     string `json:"url"`
	Icon    string `json:"icon,omitempty"`
	Badge   string `json:"badge,omitempty"`
	Vibrate []int  `json:"vibrate,omitempty"`
}

// Notifier displays system notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
}

// Navigator finds or creates a page client showing the app.
type Navigator interface {
	// FocusExisting focuses an open app client, reporting whether one
	// was found.
	FocusExisting(ctx context.Context) (bool, error)

	// OpenWindow opens a new page client at url.
	OpenWindow(ctx context.Context, url string) error
}

// ParsePayload decodes a push payload. JSON wins; anything else is
// treated as plain text body. Absent fields get defaults.
func ParsePayload(raw []byte) Payload {
	var p Payload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			// Not JSON: the whole payload is the body text.
			p = Payload{Body: string(raw)}
		}
	}
	if p.Title == "" {
		p.Title = DefaultTitle
	}
	if p.Body == "" {
		p.Body = DefaultBody
	}
	if p.URL == "" {
		p.URL = DefaultURL
	}
	return p
}

// Handler turns push events into notifications and notification clicks
// into navigation.
type Handler struct {
	notifier Notifier
	nav      Navigator
	logger   *slog.Logger
}

// NewHandler creates a push handler.
func NewHandler(notifier Notifier, nav Navigator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{notifier: notifier, nav: nav, logger: logger}
}

// HandlePush shows a notification for one push event.
func (h *Handler) HandlePush(ctx context.Context, raw []byte) {
	p := ParsePayload(raw)
	n := Notification{
		Title:   p.Title,
		Body:    p.Body,
		URL:     p.URL,
		Icon:    iconPath,
		Badge:   badgePath,
		Vibrate: vibrationPattern,
	}
	if err := h.notifier.Show(ctx, n); err == nil {
		return
	}

	// Minimal fallback: body text only.
	minimal := Notification{Title: DefaultTitle, Body: p.Body, URL: DefaultURL}
	if err := h.notifier.Show(ctx, minimal); err != nil {
		h.logger.Warn("dropping undisplayable push", "error", err)
	}
}

// HandleClick closes out a notification interaction: focus an already
// open app client, otherwise open the notification's URL.
func (h *Handler) HandleClick(ctx context.Context, n Notification) {
	focused, err := h.nav.FocusExisting(ctx)
	if err != nil {
		h.logger.Warn("focus existing client failed", "error", err)
	}
	if focused {
		return
	}
	url := n.URL
	if url == "" {
		url = DefaultURL
	}
	if err := h.nav.OpenWindow(ctx, url); err != nil {
		h.logger.Warn("open window failed", "url", url, "error", err)
	}
}
