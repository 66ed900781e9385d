// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pageclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/FocusRelay/services/worker/control"
	"github.com/AleutianAI/FocusRelay/services/worker/kvstore"
)

type fakeChannel struct {
	mu       sync.Mutex
	requests []control.Envelope
	notifies []control.Envelope
	replies  map[string]any // msgType -> reply payload
	hang     bool
	messages chan control.Envelope
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		replies:  make(map[string]any),
		messages: make(chan control.Envelope, 8),
	}
}

func (f *fakeChannel) Request(ctx context.Context, msgType string, payload any) (control.Envelope, error) {
	env, err := control.NewEnvelope("req", msgType, payload)
	if err != nil {
		return control.Envelope{}, err
	}
	f.mu.Lock()
	f.requests = append(f.requests, env)
	reply, ok := f.replies[msgType]
	hang := f.hang
	f.mu.Unlock()

	if hang || !ok {
		<-ctx.Done()
		return control.Envelope{}, ctx.Err()
	}
	return control.NewEnvelope(env.ID, msgType, reply)
}

func (f *fakeChannel) Notify(msgType string, payload any) error {
	env, err := control.NewEnvelope("", msgType, payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.notifies = append(f.notifies, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Messages() <-chan control.Envelope { return f.messages }
func (f *fakeChannel) Close() error                      { return nil }

func (f *fakeChannel) requestTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, len(f.requests))
	for i, r := range f.requests {
		types[i] = r.Type
	}
	return types
}

func (f *fakeChannel) notifyTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, len(f.notifies))
	for i, n := range f.notifies {
		types[i] = n.Type
	}
	return types
}

type fakePrompter struct {
	mu       sync.Mutex
	prompts  []control.VersionInfo
	logins   []bool
	statuses []string
}

func (p *fakePrompter) PromptUpdate(info control.VersionInfo, afterLogin bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, info)
	p.logins = append(p.logins, afterLogin)
}

func (p *fakePrompter) UpdateStatus(status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, status)
}

func (p *fakePrompter) promptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

func (p *fakePrompter) statusList() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.statuses...)
}

func seedVersion(t *testing.T, kv kvstore.Store, version string, timestamp int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, kvstore.KeyVersion, version))
	require.NoError(t, kv.Set(ctx, kvstore.KeyTimestamp, strconv.FormatInt(timestamp, 10)))
}

func broadcast(t *testing.T, version string, timestamp int64) control.Envelope {
	t.Helper()
	env, err := control.NewEnvelope("", control.TypeUpdateAvailable, control.VersionInfo{Version: version, Timestamp: timestamp})
	require.NoError(t, err)
	return env
}

func TestCheck_FirstCheckFetchesDirectly(t *testing.T) {
	var gotCacheBust bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCacheBust = r.URL.Query().Get("cacheBust") != ""
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"version":"2.0.0","timestamp":200,"updated":true}`))
	}))
	defer server.Close()

	kv := kvstore.NewMemoryStore()
	seedVersion(t, kv, "1.0.0", 100)
	channel := newFakeChannel()
	prompter := &fakePrompter{}
	c := NewCoordinator(kv, channel, prompter, nil, Options{CheckURL: server.URL}, nil)

	require.NoError(t, c.Check(context.Background()))

	assert.True(t, gotCacheBust, "direct checks carry a cache-busting query")
	assert.Empty(t, channel.requestTypes(), "the first check bypasses the control channel")
	assert.Equal(t, 1, prompter.promptCount())

	ver, found, err := kv.Get(context.Background(), kvstore.KeyVersion)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2.0.0", ver)

	avail, info := c.UpdateAvailable()
	assert.True(t, avail)
	assert.Equal(t, "2.0.0", info.Version)
}

func TestCheck_LaterBrowserChecksUseControlChannel(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	seedVersion(t, kv, "1.0.0", 100)
	channel := newFakeChannel()
	channel.replies[control.TypeCheckUpdate] = control.CheckUpdateReply{
		Version: "1.0.0", Timestamp: 100, UpdateCheckResult: "completed",
	}
	prompter := &fakePrompter{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"version":"1.0.0","timestamp":100,"updated":true}`))
	}))
	defer server.Close()

	c := NewCoordinator(kv, channel, prompter, nil, Options{CheckURL: server.URL}, nil)
	require.NoError(t, c.Check(context.Background()))
	require.NoError(t, c.Check(context.Background()))

	assert.Equal(t, []string{control.TypeCheckUpdate}, channel.requestTypes(),
		"only the second check goes through the channel")
	assert.Zero(t, prompter.promptCount(), "an unchanged version never prompts")
}

func TestEvaluate_FirstContactAdoptsSilently(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	prompter := &fakePrompter{}
	c := NewCoordinator(kv, newFakeChannel(), prompter, nil, Options{}, nil)

	c.HandleWorkerMessage(context.Background(), broadcast(t, "1.0.0", 100))

	assert.Zero(t, prompter.promptCount(), "no prior record means nothing to update from")
	ver, found, err := kv.Get(context.Background(), kvstore.KeyVersion)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1.0.0", ver)
}

func TestEvaluate_NewerTimestampAloneTriggers(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	seedVersion(t, kv, "1.0.0", 100)
	prompter := &fakePrompter{}
	c := NewCoordinator(kv, newFakeChannel(), prompter, nil, Options{}, nil)

	c.HandleWorkerMessage(context.Background(), broadcast(t, "1.0.0", 250))

	assert.Equal(t, 1, prompter.promptCount(), "a redeploy of the same version string still counts")
}

func TestPrompt_DedupTokenSuppressesRepeat(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	seedVersion(t, kv, "1.0.0", 100)
	// Another tab already surfaced 2.0.0.
	require.NoError(t, kv.Set(ctx, kvstore.KeyNotifiedVersion, "2.0.0"))
	require.NoError(t, kv.Set(ctx, kvstore.KeyLastNotificationTime, strconv.FormatInt(time.Now().UnixMilli(), 10)))

	prompter := &fakePrompter{}
	c := NewCoordinator(kv, newFakeChannel(), prompter, nil, Options{}, nil)
	c.HandleWorkerMessage(ctx, broadcast(t, "2.0.0", 200))

	assert.Zero(t, prompter.promptCount())
}

func TestPrompt_ChangedVersionPromptsRegardlessOfCooldown(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	seedVersion(t, kv, "1.0.0", 100)
	require.NoError(t, kv.Set(ctx, kvstore.KeyNotifiedVersion, "1.0.0"))
	require.NoError(t, kv.Set(ctx, kvstore.KeyLastNotificationTime, strconv.FormatInt(time.Now().UnixMilli(), 10)))

	prompter := &fakePrompter{}
	c := NewCoordinator(kv, newFakeChannel(), prompter, nil, Options{}, nil)
	c.HandleWorkerMessage(ctx, broadcast(t, "2.0.0", 200))

	assert.Equal(t, 1, prompter.promptCount())
}

// Two tabs, one broadcast each, one visible prompt total: the shared
// store is the only coordination between them.
func TestTwoTabs_ExactlyOnePrompt(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	seedVersion(t, kv, "1.0.0", 100)

	prompterA, prompterB := &fakePrompter{}, &fakePrompter{}
	tabA := NewCoordinator(kv, newFakeChannel(), prompterA, nil, Options{}, nil)
	tabB := NewCoordinator(kv, newFakeChannel(), prompterB, nil, Options{}, nil)

	env := broadcast(t, "2.0.0", 200)
	tabA.HandleWorkerMessage(ctx, env)
	tabB.HandleWorkerMessage(ctx, env)

	assert.Equal(t, 1, prompterA.promptCount()+prompterB.promptCount())
}

func TestSignIn_StaleUserVersionPromptsAfterLogin(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	seedVersion(t, kv, "2.0.0", 200)
	// The user last saw 1.0.0 before signing out.
	require.NoError(t, kv.Set(ctx, kvstore.UserVersionKey("user-1"), "1.0.0"))

	channel := newFakeChannel()
	channel.replies[control.TypeCheckUpdate] = control.CheckUpdateReply{
		Version: "2.0.0", Timestamp: 200, UpdateCheckResult: "completed",
	}
	prompter := &fakePrompter{}
	c := NewCoordinator(kv, channel, prompter, nil, Options{}, nil)

	require.NoError(t, c.SignIn(ctx, "user-1"))

	require.Equal(t, 1, prompter.promptCount())
	assert.True(t, prompter.logins[0], "the prompt is the after-login flavor")

	userVer, found, err := kv.Get(ctx, kvstore.UserVersionKey("user-1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2.0.0", userVer)
}

func TestApplyUpdate_ForceUpdateAcknowledged(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	channel := newFakeChannel()
	channel.replies[control.TypeForceUpdate] = control.ForceUpdateReply{Updated: true, Timestamp: 200}

	reloaded := make(chan struct{}, 1)
	prompter := &fakePrompter{}
	c := NewCoordinator(kv, channel, prompter, func() { reloaded <- struct{}{} },
		Options{ReloadDelay: 10 * time.Millisecond}, nil)

	c.ApplyUpdate(context.Background())

	assert.Equal(t, []string{"updating", "update complete"}, prompter.statusList())
	assert.Empty(t, channel.notifyTypes(), "an acknowledged force update needs no fallback")

	select {
	case <-reloaded:
	case <-time.After(time.Second):
		t.Fatal("reload was never invoked")
	}
}

func TestApplyUpdate_HungWorkerFallsBackToSkipWaiting(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	channel := newFakeChannel()
	channel.hang = true

	reloaded := make(chan struct{}, 1)
	prompter := &fakePrompter{}
	c := NewCoordinator(kv, channel, prompter, func() { reloaded <- struct{}{} },
		Options{ForceUpdateTimeout: 50 * time.Millisecond, ReloadDelay: 10 * time.Millisecond}, nil)

	start := time.Now()
	c.ApplyUpdate(context.Background())
	assert.Less(t, time.Since(start), time.Second, "the timeout guard must fire")

	assert.Equal(t, []string{control.TypeSkipWaiting}, channel.notifyTypes())
	assert.Equal(t, []string{"updating", "update complete"}, prompter.statusList())

	select {
	case <-reloaded:
	case <-time.After(time.Second):
		t.Fatal("reload was never invoked")
	}
}

func TestHandleWorkerMessage_UpdateActivatedReloads(t *testing.T) {
	reloaded := make(chan struct{}, 1)
	prompter := &fakePrompter{}
	c := NewCoordinator(kvstore.NewMemoryStore(), newFakeChannel(), prompter,
		func() { reloaded <- struct{}{} }, Options{ReloadDelay: 10 * time.Millisecond}, nil)

	env, err := control.NewEnvelope("", control.TypeUpdateActivated, control.ActivatedInfo{Timestamp: 200})
	require.NoError(t, err)
	c.HandleWorkerMessage(context.Background(), env)

	assert.Equal(t, []string{"update complete"}, prompter.statusList())
	select {
	case <-reloaded:
	case <-time.After(time.Second):
		t.Fatal("reload was never invoked")
	}
}

func TestOnVisible_RateLimited(t *testing.T) {
	var checks int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		checks++
		mu.Unlock()
		w.Write([]byte(`{"version":"1.0.0","timestamp":100,"updated":true}`))
	}))
	defer server.Close()

	c := NewCoordinator(kvstore.NewMemoryStore(), newFakeChannel(), &fakePrompter{}, nil,
		Options{InstalledPWA: true, CheckURL: server.URL, VisibilityFloor: time.Hour}, nil)

	ctx := context.Background()
	c.OnVisible(ctx)
	c.OnVisible(ctx)
	c.OnVisible(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, checks, "rapid visibility flips collapse to one check")
}

func TestCheckInterval_Cadence(t *testing.T) {
	pwa := NewCoordinator(kvstore.NewMemoryStore(), newFakeChannel(), &fakePrompter{}, nil,
		Options{InstalledPWA: true}, nil)
	assert.Equal(t, 20*time.Second, pwa.checkInterval(), "fresh PWA launches settle in fast")

	pwa.startedAt = time.Now().Add(-10 * time.Minute)
	assert.Equal(t, time.Minute, pwa.checkInterval())

	browser := NewCoordinator(kvstore.NewMemoryStore(), newFakeChannel(), &fakePrompter{}, nil,
		Options{}, nil)
	assert.Equal(t, 5*time.Minute, browser.checkInterval())
}
