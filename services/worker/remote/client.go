// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package remote is the HTTP client for the hosted data service.
//
// The service is an opaque collaborator: the relay only needs insert
// (replaying offline writes) and query. Errors are classified as
// retryable or permanent so the sync handler can decide whether another
// attempt is worthwhile. Retry policy itself lives with the caller; one
// call here is one network attempt.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("focusrelay.remote")

// ErrPermanent marks a failure that another attempt cannot fix
// (malformed payload, rejected write). Wrapped into returned errors.
var ErrPermanent = errors.New("permanent remote failure")

// Writer performs domain writes against the remote data service.
type Writer interface {
	Insert(ctx context.Context, table string, data json.RawMessage) error
}

// Querier reads domain records from the remote data service.
type Querier interface {
	Query(ctx context.Context, table string, filter url.Values) (json.RawMessage, error)
}

// Client talks to the hosted data service over HTTP.
//
// Thread Safety: safe for concurrent use.
type Client struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the given service base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Insert writes one record into the named table. A non-2xx 4xx status
// is permanent; 5xx and transport errors are retryable.
func (c *Client) Insert(ctx context.Context, table string, data json.RawMessage) error {
	ctx, span := tracer.Start(ctx, "remote.Insert")
	span.SetAttributes(attribute.String("table", table))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/rest/v1/"+url.PathEscape(table), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: build insert request: %w", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return fmt.Errorf("insert %s: %w", table, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		span.SetStatus(codes.Error, "rejected")
		return fmt.Errorf("%w: insert %s: status %d", ErrPermanent, table, resp.StatusCode)
	}
	span.SetStatus(codes.Error, "server error")
	return fmt.Errorf("insert %s: status %d", table, resp.StatusCode)
}

// Query fetches records from the named table.
func (c *Client) Query(ctx context.Context, table string, filter url.Values) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "remote.Query")
	span.SetAttributes(attribute.String("table", table))
	defer span.End()

	u := c.base + "/rest/v1/" + url.PathEscape(table)
	if len(filter) > 0 {
		u += "?" + filter.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build query request: %w", ErrPermanent, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("query %s: read body: %w", table, err)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("%w: query %s: status %d", ErrPermanent, table, resp.StatusCode)
		}
		return nil, fmt.Errorf("query %s: status %d", table, resp.StatusCode)
	}
	return body, nil
}

// IsRetryable reports whether another attempt at the failed operation
// could succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrPermanent) {
		return false
	}
	return true
}
