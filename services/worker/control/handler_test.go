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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/FocusRelay/services/worker/kvstore"
)

type fakeActivator struct {
	info         VersionInfo
	skipWaiting  int
	claimClients int
}

func (a *fakeActivator) VersionInfo() VersionInfo { return a.info }

func (a *fakeActivator) SkipWaiting(context.Context) error {
	a.skipWaiting++
	return nil
}

func (a *fakeActivator) ClaimClients(context.Context) error {
	a.claimClients++
	return nil
}

type fakeReplier struct {
	mu   sync.Mutex
	sent []Envelope
}

func (r *fakeReplier) ClientID() string { return "test-client" }

func (r *fakeReplier) Send(env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env)
	return nil
}

func (r *fakeReplier) replies() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.sent...)
}

func setup(t *testing.T) (*fakeActivator, *fakeReplier, *Handler, kvstore.Store) {
	t.Helper()
	act := &fakeActivator{info: VersionInfo{Version: "1.4.2", Timestamp: 1700000000000}}
	store := kvstore.NewMemoryStore()
	h := NewHandler(act, NewHub(nil), store, nil)
	return act, &fakeReplier{}, h, store
}

func request(t *testing.T, id, msgType string, payload any) Envelope {
	t.Helper()
	env, err := NewEnvelope(id, msgType, payload)
	require.NoError(t, err)
	return env
}

func TestHandle_GetVersion(t *testing.T) {
	_, rep, h, _ := setup(t)

	h.Handle(context.Background(), rep, request(t, "r1", TypeGetVersion, nil))

	replies := rep.replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "r1", replies[0].ID)

	var info VersionInfo
	require.NoError(t, json.Unmarshal(replies[0].Payload, &info))
	assert.Equal(t, "1.4.2", info.Version)
	assert.EqualValues(t, 1700000000000, info.Timestamp)
}

func TestHandle_SkipWaitingHasNoReply(t *testing.T) {
	act, rep, h, _ := setup(t)

	h.Handle(context.Background(), rep, request(t, "", TypeSkipWaiting, nil))

	assert.Equal(t, 1, act.skipWaiting)
	assert.Empty(t, rep.replies())
}

func TestHandle_CheckUpdate(t *testing.T) {
	_, rep, h, _ := setup(t)

	h.Handle(context.Background(), rep, request(t, "r2", TypeCheckUpdate, nil))

	replies := rep.replies()
	require.Len(t, replies, 1)

	var out CheckUpdateReply
	require.NoError(t, json.Unmarshal(replies[0].Payload, &out))
	assert.Equal(t, "1.4.2", out.Version)
	assert.Equal(t, "completed", out.UpdateCheckResult)
}

func TestHandle_CheckUpdate_StaleLoginNotified(t *testing.T) {
	ctx := context.Background()
	_, rep, h, store := setup(t)

	// User last saw an older release.
	require.NoError(t, store.Set(ctx, kvstore.UserVersionKey("u1"), "1.3.0"))

	h.Handle(ctx, rep, request(t, "r3", TypeCheckUpdate, UserScope{UserID: "u1"}))

	replies := rep.replies()
	require.Len(t, replies, 2)
	assert.Equal(t, TypeCheckUpdate, replies[0].Type)
	assert.Equal(t, TypeUpdateAvailableAfterLogin, replies[1].Type)
	assert.Empty(t, replies[1].ID, "notification, not a reply")
}

func TestHandle_CheckUpdate_CurrentUserNotNotified(t *testing.T) {
	ctx := context.Background()
	_, rep, h, store := setup(t)

	require.NoError(t, store.Set(ctx, kvstore.UserVersionKey("u1"), "1.4.2"))

	h.Handle(ctx, rep, request(t, "r4", TypeCheckUpdate, UserScope{UserID: "u1"}))

	replies := rep.replies()
	require.Len(t, replies, 1, "only the CHECK_UPDATE reply")
}

func TestHandle_ForceUpdate(t *testing.T) {
	act, rep, h, _ := setup(t)

	h.Handle(context.Background(), rep, request(t, "r5", TypeForceUpdate, nil))

	assert.Equal(t, 1, act.skipWaiting)
	assert.Equal(t, 1, act.claimClients)

	replies := rep.replies()
	require.Len(t, replies, 1)
	var out ForceUpdateReply
	require.NoError(t, json.Unmarshal(replies[0].Payload, &out))
	assert.True(t, out.Updated)
	assert.NotZero(t, out.Timestamp)
}

func TestHandle_OptimizeFocusSession(t *testing.T) {
	_, rep, h, _ := setup(t)

	h.Handle(context.Background(), rep, request(t, "r6", TypeOptimizeSession, nil))

	replies := rep.replies()
	require.Len(t, replies, 1)
	var out OptimizeReply
	require.NoError(t, json.Unmarshal(replies[0].Payload, &out))
	assert.True(t, out.Optimized)
}

func TestHandle_UnknownTypeIgnored(t *testing.T) {
	act, rep, h, _ := setup(t)

	h.Handle(context.Background(), rep, request(t, "r7", "FUTURE_FEATURE", nil))

	assert.Empty(t, rep.replies())
	assert.Zero(t, act.skipWaiting)
	assert.Zero(t, act.claimClients)
}
