// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/FocusRelay/services/worker/config"
	"github.com/AleutianAI/FocusRelay/services/worker/kvstore"
	"github.com/AleutianAI/FocusRelay/services/worker/lifecycle"
	"github.com/AleutianAI/FocusRelay/services/worker/syncqueue"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, *atomic.Int64) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var remoteInserts atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte("posted " + r.URL.Path))
			return
		}
		w.Write([]byte("origin " + r.URL.Path))
	}))
	t.Cleanup(origin.Close)

	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remoteInserts.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(remote.Close)

	cfg := &config.Config{
		Port:               0,
		OriginURL:          origin.URL,
		RemoteURL:          remote.URL,
		DataDir:            t.TempDir(),
		VersionFile:        filepath.Join(t.TempDir(), "version.json"),
		NetworkRaceTimeout: 2 * time.Second,
		SyncMaxAttempts:    3,
		SyncBackoff:        time.Millisecond,
		Manifest: config.Manifest{
			AppShell:       []string{"/", "/index.html"},
			StaticAssets:   []string{"/app.js"},
			CriticalRoutes: []string{"/dashboard"},
			StaticSuffixes: []string{".js", ".css"},
			StaticContains: []string{"/assets/"},
		},
	}

	s, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Supervisor().Deploy(context.Background(),
		lifecycle.Generation{Version: "1.0.0", Timestamp: 100}))
	return s, origin, &remoteInserts
}

func TestServer_UpdateCheckAndHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	relay := httptest.NewServer(s.Engine())
	defer relay.Close()

	resp, err := http.Get(relay.URL + "/check-for-updates?cacheBust=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var check struct {
		Version string `json:"version"`
		Updated bool   `json:"updated"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&check))
	assert.Equal(t, "1.0.0", check.Version)
	assert.True(t, check.Updated)

	resp, err = http.Get(relay.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "1.0.0", health.Version)
}

func TestServer_InterceptsGetsAndProxiesWrites(t *testing.T) {
	s, _, _ := newTestServer(t)
	relay := httptest.NewServer(s.Engine())
	defer relay.Close()

	// Static GET goes through the strategy router (precached at deploy).
	resp, err := http.Get(relay.URL + "/app.js")
	require.NoError(t, err)
	body := readBody(t, resp)
	assert.Equal(t, "origin /app.js", body)

	// POST is never intercepted; it reaches the origin as-is.
	resp, err = http.Post(relay.URL+"/api/sessions", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "posted /api/sessions", readBody(t, resp))
}

func TestServer_SyncEndpointFlushesQueue(t *testing.T) {
	s, _, remoteInserts := newTestServer(t)
	relay := httptest.NewServer(s.Engine())
	defer relay.Close()

	queue := syncqueue.NewQueue(s.kv, kvstore.KeySyncQueue)
	ctx := context.Background()
	require.NoError(t, queue.Enqueue(ctx, syncqueue.PendingWrite{
		Type: "insert", Table: "focus_sessions", Data: json.RawMessage(`{"minutes":25}`),
	}))
	require.NoError(t, queue.Enqueue(ctx, syncqueue.PendingWrite{
		Type: "insert", Table: "focus_sessions", Data: json.RawMessage(`{"minutes":50}`),
	}))

	resp, err := http.Post(relay.URL+"/internal/sync", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Delivered int `json:"delivered"`
		Remaining int `json:"remaining"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, 2, result.Delivered)
	assert.Zero(t, result.Remaining)
	assert.Equal(t, int64(2), remoteInserts.Load())

	items, err := queue.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestServer_PushEndpointAcceptsAnyPayload(t *testing.T) {
	s, _, _ := newTestServer(t)
	relay := httptest.NewServer(s.Engine())
	defer relay.Close()

	for _, payload := range []string{
		`{"title":"Break time","body":"25 minutes done","url":"/timer"}`,
		`not json at all`,
		``,
	} {
		resp, err := http.Post(relay.URL+"/internal/push", "application/json", strings.NewReader(payload))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode, payload)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(raw)
}
