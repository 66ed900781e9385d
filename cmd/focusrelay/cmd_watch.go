// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/FocusRelay/services/pageclient"
	"github.com/AleutianAI/FocusRelay/services/worker/control"
	"github.com/AleutianAI/FocusRelay/services/worker/kvstore"
	"github.com/AleutianAI/FocusRelay/services/worker/storage/badger"
)

var (
	watchRelayURL string
	watchDataDir  string
	watchUserID   string
	watchPWA      bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run a page-side update coordinator against a relay",
	Long: "watch connects to a running relay like one open tab would: it " +
		"polls for new deployments, listens for update broadcasts, and " +
		"prints the prompts a user would see.",
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchRelayURL, "relay-url", "http://localhost:12310", "relay base URL")
	watchCmd.Flags().StringVar(&watchDataDir, "data-dir", "./watch-data", "shared tab-state directory (dedup tokens, version records)")
	watchCmd.Flags().StringVar(&watchUserID, "user", "", "authenticated user id")
	watchCmd.Flags().BoolVar(&watchPWA, "pwa", false, "use the installed-app check cadence")
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger, closeLog, err := newLogger("focusrelay-watch")
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	dbCfg := badger.DefaultConfig()
	dbCfg.Path = watchDataDir
	db, err := badger.Open(dbCfg)
	if err != nil {
		return fmt.Errorf("open tab state: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	channel, err := pageclient.DialControl(ctx, wsURL(watchRelayURL), logger)
	if err != nil {
		return err
	}
	defer channel.Close()

	coordinator := pageclient.NewCoordinator(
		kvstore.NewBadgerStore(db),
		channel,
		&consolePrompter{},
		func() { logger.Info("page reload would happen now") },
		pageclient.Options{
			InstalledPWA: watchPWA,
			CheckURL:     watchRelayURL,
		},
		logger,
	)

	if watchUserID != "" {
		if err := coordinator.SignIn(ctx, watchUserID); err != nil {
			logger.Warn("sign-in check failed", "error", err)
		}
	}

	logger.Info("watching relay", "relay", watchRelayURL, "pwa", watchPWA)
	if err := coordinator.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	default:
		return base + "/ws"
	}
}

// consolePrompter prints what a browser tab would render.
type consolePrompter struct{}

func (p *consolePrompter) PromptUpdate(info control.VersionInfo, afterLogin bool) {
	if afterLogin {
		fmt.Printf("Update available since your last login: %s (ts %d). Apply? [watch-only]\n",
			info.Version, info.Timestamp)
		return
	}
	fmt.Printf("Update available: %s (ts %d). Apply? [watch-only]\n", info.Version, info.Timestamp)
}

func (p *consolePrompter) UpdateStatus(status string) {
	fmt.Println("status:", status)
}
