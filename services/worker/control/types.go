// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package control implements the worker↔page message protocol.
//
// # Description
//
// Messages are JSON envelopes with a type discriminator and a
// type-specific payload. A non-empty envelope ID marks a request that
// expects a reply; the reply echoes the ID. Broadcasts carry no ID.
// Unknown message types are ignored, keeping the protocol
// forward-compatible.
//
// Page→worker: SKIP_WAITING, GET_VERSION, CHECK_UPDATE, FORCE_UPDATE,
// OPTIMIZE_FOCUS_SESSION.
// Worker→page: UPDATE_AVAILABLE, UPDATE_AVAILABLE_AFTER_LOGIN,
// UPDATE_ACTIVATED.
package control

import "encoding/json"

// Message type discriminators.
const (
	TypeSkipWaiting     = "SKIP_WAITING"
	TypeGetVersion      = "GET_VERSION"
	TypeCheckUpdate     = "CHECK_UPDATE"
	TypeForceUpdate     = "FORCE_UPDATE"
	TypeOptimizeSession = "OPTIMIZE_FOCUS_SESSION"

	TypeUpdateAvailable           = "UPDATE_AVAILABLE"
	TypeUpdateAvailableAfterLogin = "UPDATE_AVAILABLE_AFTER_LOGIN"
	TypeUpdateActivated           = "UPDATE_ACTIVATED"

	// Notification surface, worker→page. Pages that predate these
	// types ignore them.
	TypeShowNotification = "SHOW_NOTIFICATION"
	TypeFocusApp         = "FOCUS_APP"
	TypeOpenWindow       = "OPEN_WINDOW"
)

// Envelope is one wire message.
type Envelope struct {
	// ID correlates a request with its reply. Empty means fire-and-forget.
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope, marshalling the payload. A nil
// payload yields an empty payload field.
func NewEnvelope(id, msgType string, payload any) (Envelope, error) {
	env := Envelope{ID: id, Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = raw
	}
	return env, nil
}

// VersionInfo is the GET_VERSION reply and the UPDATE_AVAILABLE payload.
type VersionInfo struct {
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp"`
}

// UserScope is the optional request payload carrying an authenticated
// identity (CHECK_UPDATE, FORCE_UPDATE).
type UserScope struct {
	UserID string `json:"userId,omitempty"`
}

// CheckUpdateReply answers CHECK_UPDATE.
type CheckUpdateReply struct {
	Version           string `json:"version"`
	Timestamp         int64  `json:"timestamp"`
	UpdateCheckResult string `json:"updateCheckResult"`
}

// ForceUpdateReply answers FORCE_UPDATE.
type ForceUpdateReply struct {
	Updated   bool  `json:"updated"`
	Timestamp int64 `json:"timestamp"`
}

// OptimizeReply answers OPTIMIZE_FOCUS_SESSION. The operation is an
// acknowledgment hook for a future optimizer pass.
type OptimizeReply struct {
	Optimized bool  `json:"optimized"`
	Timestamp int64 `json:"timestamp"`
}

// ActivatedInfo is the UPDATE_ACTIVATED broadcast payload.
type ActivatedInfo struct {
	Timestamp int64 `json:"timestamp"`
}
