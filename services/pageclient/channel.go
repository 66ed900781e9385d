// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pageclient implements the tab-side update coordinator: it
// polls the relay worker for new deployments, listens for worker
// broadcasts, de-duplicates visible prompts across tabs through the
// shared key/value store, and drives the apply-update flow.
package pageclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/FocusRelay/services/worker/control"
)

// ControlChannel is the page side of the worker control protocol.
type ControlChannel interface {
	// Request sends an envelope and waits for the reply carrying the
	// same ID.
	Request(ctx context.Context, msgType string, payload any) (control.Envelope, error)

	// Notify sends an envelope without expecting a reply.
	Notify(msgType string, payload any) error

	// Messages yields worker-originated envelopes (broadcasts and
	// anything that is not a reply to a pending request).
	Messages() <-chan control.Envelope

	Close() error
}

// WSChannel is the websocket ControlChannel implementation.
type WSChannel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	logger  *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]chan control.Envelope

	messages chan control.Envelope
	done     chan struct{}
	closed   sync.Once
}

// DialControl connects to the relay's control endpoint (ws[s]://.../ws).
func DialControl(ctx context.Context, wsURL string, logger *slog.Logger) (*WSChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial control channel %s: %w", wsURL, err)
	}
	ch := &WSChannel{
		conn:     conn,
		logger:   logger,
		pending:  make(map[string]chan control.Envelope),
		messages: make(chan control.Envelope, 16),
		done:     make(chan struct{}),
	}
	go ch.readPump()
	return ch, nil
}

func (ch *WSChannel) readPump() {
	defer ch.Close()
	for {
		var env control.Envelope
		if err := ch.conn.ReadJSON(&env); err != nil {
			select {
			case <-ch.done:
			default:
				ch.logger.Debug("control channel read ended", "error", err)
			}
			return
		}

		ch.pendingMu.Lock()
		waiter, ok := ch.pending[env.ID]
		if ok {
			delete(ch.pending, env.ID)
		}
		ch.pendingMu.Unlock()

		if ok {
			waiter <- env
			continue
		}
		select {
		case ch.messages <- env:
		default:
			// A tab that stopped draining forfeits broadcasts rather
			// than wedging the pump.
			ch.logger.Warn("dropping worker message, listener is not draining", "type", env.Type)
		}
	}
}

func (ch *WSChannel) Request(ctx context.Context, msgType string, payload any) (control.Envelope, error) {
	env, err := control.NewEnvelope(uuid.NewString(), msgType, payload)
	if err != nil {
		return control.Envelope{}, fmt.Errorf("encode %s: %w", msgType, err)
	}

	waiter := make(chan control.Envelope, 1)
	ch.pendingMu.Lock()
	ch.pending[env.ID] = waiter
	ch.pendingMu.Unlock()

	if err := ch.write(env); err != nil {
		ch.pendingMu.Lock()
		delete(ch.pending, env.ID)
		ch.pendingMu.Unlock()
		return control.Envelope{}, err
	}

	select {
	case reply := <-waiter:
		return reply, nil
	case <-ctx.Done():
		ch.pendingMu.Lock()
		delete(ch.pending, env.ID)
		ch.pendingMu.Unlock()
		return control.Envelope{}, ctx.Err()
	case <-ch.done:
		return control.Envelope{}, fmt.Errorf("control channel closed")
	}
}

func (ch *WSChannel) Notify(msgType string, payload any) error {
	env, err := control.NewEnvelope("", msgType, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	return ch.write(env)
}

func (ch *WSChannel) Messages() <-chan control.Envelope { return ch.messages }

func (ch *WSChannel) Close() error {
	var err error
	ch.closed.Do(func() {
		close(ch.done)
		err = ch.conn.Close()
	})
	return err
}

func (ch *WSChannel) write(env control.Envelope) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if err := ch.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

