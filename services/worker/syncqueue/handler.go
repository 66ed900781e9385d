// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package syncqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/FocusRelay/services/worker/remote"
)

// Tag is the background sync registration tag for flushing the focus
// session queue. Sync triggers carrying any other tag are ignored.
const Tag = "sync-focus-sessions"

var (
	syncItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "focusrelay_sync_items_total",
		Help: "Offline queue items processed per sync cycle, by outcome",
	}, []string{"outcome"})

	syncBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "focusrelay_sync_batch_duration_seconds",
		Help:    "Wall time of one background sync batch",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
	})
)

// Attempt replays one pending write with bounded retry.
//
// Up to maxAttempts tries, sleeping backoff between failures. Stops
// early when the error is permanent or the context ends. Independent of
// queue storage so it is unit-testable against a fake Writer.
func Attempt(ctx context.Context, w remote.Writer, item PendingWrite, maxAttempts int, backoff time.Duration) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = w.Insert(ctx, item.Table, item.Data)
		if lastErr == nil {
			return nil
		}
		if !remote.IsRetryable(lastErr) {
			break
		}
	}
	return fmt.Errorf("write %s exhausted after %d attempts: %w", item.ID, maxAttempts, lastErr)
}

// Handler flushes the offline write queue on a background sync trigger.
type Handler struct {
	queue       *Queue
	writer      remote.Writer
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
}

// NewHandler creates a sync handler. maxAttempts and backoff follow the
// capture-side contract: 3 attempts, 1s apart.
func NewHandler(queue *Queue, writer remote.Writer, maxAttempts int, backoff time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		queue:       queue,
		writer:      writer,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		logger:      logger,
	}
}

// HandleSync runs one sync cycle if tag matches the registration tag.
// Returns how many items were delivered and how many remain queued.
func (h *Handler) HandleSync(ctx context.Context, tag string) (delivered, remaining int, err error) {
	if tag != Tag {
		return 0, 0, nil
	}
	return h.Sync(ctx)
}

// Sync replays every queued item and removes the ones that succeeded.
//
// Items are attempted concurrently and independently: one item
// exhausting its retries never blocks or fails the others (allSettled
// semantics). Only confirmed successes leave the queue; the rest stay
// for the next trigger.
func (h *Handler) Sync(ctx context.Context) (delivered, remaining int, err error) {
	start := time.Now()
	defer func() { syncBatchDuration.Observe(time.Since(start).Seconds()) }()

	items, err := h.queue.Load(ctx)
	if err != nil {
		return 0, 0, err
	}
	if len(items) == 0 {
		return 0, 0, nil
	}

	h.logger.Info("background sync started", "queued", len(items))

	results := make([]error, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item PendingWrite) {
			defer wg.Done()
			results[i] = Attempt(ctx, h.writer, item, h.maxAttempts, h.backoff)
		}(i, item)
	}
	wg.Wait()

	done := make(map[string]bool, len(items))
	for i, item := range items {
		if results[i] == nil {
			done[item.ID] = true
			syncItemsTotal.WithLabelValues("delivered").Inc()
			continue
		}
		syncItemsTotal.WithLabelValues("exhausted").Inc()
		h.logger.Warn("offline write not delivered, staying queued",
			"id", item.ID, "table", item.Table, "error", results[i].Error())
	}

	if err := h.queue.Remove(ctx, done); err != nil {
		// The remote writes already happened; next cycle re-sends them.
		// Accepted at-least-once trade-off.
		return len(done), len(items) - len(done), fmt.Errorf("remove delivered items: %w", err)
	}

	h.logger.Info("background sync finished",
		"delivered", len(done), "remaining", len(items)-len(done))
	return len(done), len(items) - len(done), nil
}
