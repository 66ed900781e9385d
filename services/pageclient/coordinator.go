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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/FocusRelay/services/worker/control"
	"github.com/AleutianAI/FocusRelay/services/worker/kvstore"
	"github.com/AleutianAI/FocusRelay/services/worker/router"
)

// notifyCooldown bounds prompt bursts when the notified-version token
// races across tabs.
const notifyCooldown = time.Hour

// Prompter receives the only user-visible outcomes the coordinator
// produces.
type Prompter interface {
	// PromptUpdate surfaces one visible "update available" prompt.
	// afterLogin distinguishes "a release happened since your last
	// login".
	PromptUpdate(info control.VersionInfo, afterLogin bool)

	// UpdateStatus reports apply-flow progress ("updating",
	// "update complete").
	UpdateStatus(status string)
}

// Options tunes a Coordinator. Zero values take the documented
// defaults.
type Options struct {
	// InstalledPWA selects the aggressive check cadence of an
	// installed app over the relaxed browser-tab cadence.
	InstalledPWA bool

	// CheckURL is the relay base URL for direct update-check fetches.
	CheckURL string

	HTTPClient *http.Client

	PWAInterval      time.Duration // default 1m
	BrowserInterval  time.Duration // default 5m
	FastInterval     time.Duration // default 20s
	FastSettleWindow time.Duration // default 5m
	VisibilityFloor  time.Duration // default 30s

	ForceUpdateTimeout time.Duration // default 3s
	ReloadDelay        time.Duration // default 1s
}

func (o *Options) fillDefaults() {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if o.PWAInterval <= 0 {
		o.PWAInterval = time.Minute
	}
	if o.BrowserInterval <= 0 {
		o.BrowserInterval = 5 * time.Minute
	}
	if o.FastInterval <= 0 {
		o.FastInterval = 20 * time.Second
	}
	if o.FastSettleWindow <= 0 {
		o.FastSettleWindow = 5 * time.Minute
	}
	if o.VisibilityFloor <= 0 {
		o.VisibilityFloor = 30 * time.Second
	}
	if o.ForceUpdateTimeout <= 0 {
		o.ForceUpdateTimeout = 3 * time.Second
	}
	if o.ReloadDelay <= 0 {
		o.ReloadDelay = time.Second
	}
}

// Coordinator is one tab's update coordinator. Tabs do not coordinate
// with each other directly; the shared key/value store carries the
// de-duplication token that keeps N tabs from showing N prompts.
type Coordinator struct {
	kv       kvstore.Store
	channel  ControlChannel
	prompter Prompter
	reload   func()
	opts     Options
	logger   *slog.Logger

	visible   *rate.Limiter
	startedAt time.Time

	mu              sync.Mutex
	updateAvailable bool
	version         string
	timestamp       int64
	lastCheck       time.Time
	checkedOnce     bool
	userID          string
}

// NewCoordinator wires a coordinator. reload is invoked to restart the
// page once an update is applied; it must not block.
func NewCoordinator(kv kvstore.Store, channel ControlChannel, prompter Prompter, reload func(), opts Options, logger *slog.Logger) *Coordinator {
	opts.fillDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if reload == nil {
		reload = func() {}
	}
	return &Coordinator{
		kv:        kv,
		channel:   channel,
		prompter:  prompter,
		reload:    reload,
		opts:      opts,
		logger:    logger,
		visible:   rate.NewLimiter(rate.Every(opts.VisibilityFloor), 1),
		startedAt: time.Now(),
	}
}

// Run checks immediately, then keeps checking on the cadence for the
// tab's mode while draining worker broadcasts, until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Check(ctx); err != nil {
		c.logger.Warn("initial update check failed", "error", err)
	}

	timer := time.NewTimer(c.checkInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-c.channel.Messages():
			if !ok {
				return fmt.Errorf("control channel closed")
			}
			c.HandleWorkerMessage(ctx, env)

		case <-timer.C:
			if err := c.Check(ctx); err != nil {
				c.logger.Warn("periodic update check failed", "error", err)
			}
			timer.Reset(c.checkInterval())
		}
	}
}

// checkInterval: installed apps check every minute, browser tabs every
// five; a fresh PWA launch settles in at 20s for the first five
// minutes to catch a deploy that raced the launch.
func (c *Coordinator) checkInterval() time.Duration {
	if !c.opts.InstalledPWA {
		return c.opts.BrowserInterval
	}
	if time.Since(c.startedAt) < c.opts.FastSettleWindow {
		return c.opts.FastInterval
	}
	return c.opts.PWAInterval
}

// OnVisible forces a check when the tab regains visibility, rate
// limited to the visibility floor so tab-switch flurries do not hammer
// the relay.
func (c *Coordinator) OnVisible(ctx context.Context) {
	if !c.visible.Allow() {
		return
	}
	if err := c.Check(ctx); err != nil {
		c.logger.Warn("visibility update check failed", "error", err)
	}
}

// SignIn records the authenticated identity, tells the worker about
// it, and runs an auth-aware check that may surface an after-login
// prompt.
func (c *Coordinator) SignIn(ctx context.Context, userID string) error {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()

	reply, err := c.channel.Request(ctx, control.TypeCheckUpdate, control.UserScope{UserID: userID})
	if err != nil {
		return fmt.Errorf("auth-aware check: %w", err)
	}
	var info control.CheckUpdateReply
	if err := json.Unmarshal(reply.Payload, &info); err != nil {
		return fmt.Errorf("auth-aware check: decode reply: %w", err)
	}
	c.evaluate(ctx, info.Version, info.Timestamp, true)
	return nil
}

// Check performs one update check. Installed apps — and every tab's
// very first check — fetch the diagnostic path directly with a
// cache-busting query; later browser-tab checks go through the control
// channel instead.
func (c *Coordinator) Check(ctx context.Context) error {
	c.mu.Lock()
	direct := c.opts.InstalledPWA || !c.checkedOnce
	c.checkedOnce = true
	c.lastCheck = time.Now()
	userID := c.userID
	c.mu.Unlock()

	var version string
	var timestamp int64
	var err error
	if direct && c.opts.CheckURL != "" {
		version, timestamp, err = c.fetchVersion(ctx, userID)
	} else {
		version, timestamp, err = c.requestVersion(ctx, userID)
	}
	if err != nil {
		return err
	}
	c.evaluate(ctx, version, timestamp, false)
	return nil
}

func (c *Coordinator) fetchVersion(ctx context.Context, userID string) (string, int64, error) {
	target := c.opts.CheckURL + router.UpdateCheckPath +
		"?cacheBust=" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	if userID != "" {
		target += "&userId=" + userID
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", 0, fmt.Errorf("build update check: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("update check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("update check: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("update check: read body: %w", err)
	}
	var info control.VersionInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return "", 0, fmt.Errorf("update check: decode: %w", err)
	}
	return info.Version, info.Timestamp, nil
}

func (c *Coordinator) requestVersion(ctx context.Context, userID string) (string, int64, error) {
	var payload any
	if userID != "" {
		payload = control.UserScope{UserID: userID}
	}
	reply, err := c.channel.Request(ctx, control.TypeCheckUpdate, payload)
	if err != nil {
		return "", 0, fmt.Errorf("update check round-trip: %w", err)
	}
	var info control.CheckUpdateReply
	if err := json.Unmarshal(reply.Payload, &info); err != nil {
		return "", 0, fmt.Errorf("update check round-trip: decode: %w", err)
	}
	return info.Version, info.Timestamp, nil
}

// HandleWorkerMessage reacts to worker-originated envelopes.
func (c *Coordinator) HandleWorkerMessage(ctx context.Context, env control.Envelope) {
	switch env.Type {
	case control.TypeUpdateAvailable, control.TypeUpdateAvailableAfterLogin:
		var info control.VersionInfo
		if err := json.Unmarshal(env.Payload, &info); err != nil {
			c.logger.Warn("malformed update broadcast", "type", env.Type, "error", err)
			return
		}
		c.evaluate(ctx, info.Version, info.Timestamp, env.Type == control.TypeUpdateAvailableAfterLogin)

	case control.TypeUpdateActivated:
		// Another tab applied the update; follow it after the same
		// perceptible pause.
		c.prompter.UpdateStatus("update complete")
		c.scheduleReload()

	default:
		c.logger.Debug("ignoring worker message", "type", env.Type)
	}
}

// evaluate compares a fetched version against the three stored
// values, persists the new ones, and surfaces at most one prompt.
func (c *Coordinator) evaluate(ctx context.Context, version string, timestamp int64, afterLogin bool) {
	if version == "" {
		return
	}

	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()

	storedVersion, haveVersion, err := c.kv.Get(ctx, kvstore.KeyVersion)
	if err != nil {
		c.logger.Warn("version read failed", "error", err)
	}
	storedTimestamp, haveTimestamp := c.storedTimestamp(ctx)

	userChanged := false
	if userID != "" {
		userVersion, haveUser, err := c.kv.Get(ctx, kvstore.UserVersionKey(userID))
		if err != nil {
			c.logger.Warn("user version read failed", "error", err)
		}
		userChanged = haveUser && userVersion != version
	}

	// No prior record at all: adopt the current deployment silently.
	if !haveVersion && !haveTimestamp {
		c.persistVersion(ctx, version, timestamp, userID)
		return
	}

	changed := (haveVersion && storedVersion != version) ||
		(haveTimestamp && timestamp > storedTimestamp) ||
		userChanged
	if !changed {
		return
	}

	c.persistVersion(ctx, version, timestamp, userID)

	c.mu.Lock()
	c.updateAvailable = true
	c.version = version
	c.timestamp = timestamp
	c.mu.Unlock()

	c.maybePrompt(ctx, control.VersionInfo{Version: version, Timestamp: timestamp}, afterLogin)
}

func (c *Coordinator) storedTimestamp(ctx context.Context) (int64, bool) {
	raw, found, err := c.kv.Get(ctx, kvstore.KeyTimestamp)
	if err != nil || !found {
		return 0, false
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

func (c *Coordinator) persistVersion(ctx context.Context, version string, timestamp int64, userID string) {
	if err := c.kv.Set(ctx, kvstore.KeyVersion, version); err != nil {
		c.logger.Warn("persist version failed", "error", err)
	}
	if err := c.kv.Set(ctx, kvstore.KeyTimestamp, strconv.FormatInt(timestamp, 10)); err != nil {
		c.logger.Warn("persist timestamp failed", "error", err)
	}
	if userID != "" {
		if err := c.kv.Set(ctx, kvstore.UserVersionKey(userID), version); err != nil {
			c.logger.Warn("persist user version failed", "error", err)
		}
	}
}

// maybePrompt enforces the cross-tab de-duplication contract: a
// version that was already surfaced never prompts again, and when the
// token is unreadable the time floor still bounds prompt storms. A
// genuinely new version always prompts.
func (c *Coordinator) maybePrompt(ctx context.Context, info control.VersionInfo, afterLogin bool) {
	notified, found, err := c.kv.Get(ctx, kvstore.KeyNotifiedVersion)
	switch {
	case err == nil && found && notified == info.Version:
		c.logger.Debug("suppressing duplicate update prompt", "version", info.Version)
		return
	case err != nil:
		if last, ok := c.lastNotification(ctx); ok && time.Since(last) < notifyCooldown {
			c.logger.Debug("suppressing prompt inside cooldown, dedup token unreadable")
			return
		}
	}

	if err := c.kv.Set(ctx, kvstore.KeyNotifiedVersion, info.Version); err != nil {
		c.logger.Warn("persist notified version failed", "error", err)
	}
	if err := c.kv.Set(ctx, kvstore.KeyLastNotificationTime, strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		c.logger.Warn("persist notification time failed", "error", err)
	}

	c.logger.Info("update available", "version", info.Version, "afterLogin", afterLogin)
	c.prompter.PromptUpdate(info, afterLogin)
}

func (c *Coordinator) lastNotification(ctx context.Context) (time.Time, bool) {
	raw, found, err := c.kv.Get(ctx, kvstore.KeyLastNotificationTime)
	if err != nil || !found {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// ApplyUpdate drives the user-confirmed update. The FORCE_UPDATE
// round-trip is tried first under a timeout guard; a hung or missing
// worker falls back to a bare SKIP_WAITING with an optimistic status
// so the user perceives a transition rather than an abrupt reload.
func (c *Coordinator) ApplyUpdate(ctx context.Context) {
	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()

	c.prompter.UpdateStatus("updating")

	forceCtx, cancel := context.WithTimeout(ctx, c.opts.ForceUpdateTimeout)
	defer cancel()

	var payload any
	if userID != "" {
		payload = control.UserScope{UserID: userID}
	}
	reply, err := c.channel.Request(forceCtx, control.TypeForceUpdate, payload)
	if err == nil {
		var ack control.ForceUpdateReply
		if decodeErr := json.Unmarshal(reply.Payload, &ack); decodeErr == nil && ack.Updated {
			c.prompter.UpdateStatus("update complete")
			c.scheduleReload()
			return
		}
	}

	c.logger.Warn("force update did not acknowledge, falling back to skip-waiting", "error", err)
	if err := c.channel.Notify(control.TypeSkipWaiting, nil); err != nil {
		c.logger.Warn("skip-waiting send failed", "error", err)
	}
	c.prompter.UpdateStatus("update complete")
	c.scheduleReload()
}

func (c *Coordinator) scheduleReload() {
	time.AfterFunc(c.opts.ReloadDelay, c.reload)
}

// UpdateAvailable reports the tab's current knowledge of a pending
// update.
func (c *Coordinator) UpdateAvailable() (bool, control.VersionInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateAvailable, control.VersionInfo{Version: c.version, Timestamp: c.timestamp}
}
