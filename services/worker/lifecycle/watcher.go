// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/FocusRelay/services/worker/config"
)

// Watcher observes the deployment version manifest and turns changes
// into Supervisor deploys.
type Watcher struct {
	path       string
	supervisor *Supervisor
	logger     *slog.Logger
}

// NewWatcher creates a watcher for the version manifest at path.
func NewWatcher(path string, supervisor *Supervisor, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, supervisor: supervisor, logger: logger}
}

// Run performs the initial deploy from the manifest, then blocks
// watching it until ctx ends. Deploy failures are logged; the watcher
// keeps going so the next manifest write gets another chance.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.deployFromManifest(ctx); err != nil {
		return fmt.Errorf("initial deploy: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fw.Close()

	// Watch the directory: editors and deploy tooling replace the file
	// by rename, which drops a watch on the file itself.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}

	var debounce *time.Timer
	var debounceC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(deployDebounce)
				debounceC = debounce.C
			} else {
				debounce.Reset(deployDebounce)
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil
			if err := w.deployFromManifest(ctx); err != nil {
				w.logger.Error("deploy from manifest failed", "error", err)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fs watcher error", "error", err)
		}
	}
}

func (w *Watcher) deployFromManifest(ctx context.Context) error {
	vm, err := config.LoadVersion(w.path)
	if err != nil {
		return err
	}
	return w.supervisor.Deploy(ctx, Generation{Version: vm.Version, Timestamp: vm.Timestamp})
}
