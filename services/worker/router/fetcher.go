// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package router

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/AleutianAI/FocusRelay/services/worker/cachestore"
)

// Fetcher performs upstream requests and snapshots the responses.
type Fetcher interface {
	// Fetch issues a GET for the absolute target URL with the given
	// request headers. A returned snapshot may carry any HTTP status;
	// an error means the network itself failed.
	Fetch(ctx context.Context, target string, header http.Header) (*cachestore.Snapshot, error)
}

// OriginFetcher fetches from the network with a shared HTTP client.
// It also implements the lifecycle pre-cache fetcher against the
// application origin.
type OriginFetcher struct {
	origin *url.URL
	client *http.Client
}

// NewOriginFetcher creates a fetcher rooted at the application origin.
func NewOriginFetcher(originURL string, client *http.Client) (*OriginFetcher, error) {
	u, err := url.Parse(originURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid origin URL %q", originURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &OriginFetcher{origin: u, client: client}, nil
}

// Origin returns the configured application origin.
func (f *OriginFetcher) Origin() *url.URL { return f.origin }

// OriginTarget resolves a relay-relative path (with optional query)
// against the application origin.
func (f *OriginFetcher) OriginTarget(pathAndQuery string) string {
	ref, err := url.Parse(pathAndQuery)
	if err != nil {
		return f.origin.String()
	}
	return f.origin.ResolveReference(ref).String()
}

func (f *OriginFetcher) Fetch(ctx context.Context, target string, header http.Header) (*cachestore.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch %s: %w", target, err)
	}
	for k, vs := range header {
		if isHopByHop(k) {
			continue
		}
		req.Header[k] = vs
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", target, err)
	}
	return cachestore.NewSnapshot(resp, body), nil
}

// FetchAsset implements the lifecycle pre-cache fetcher: only a 2xx
// origin response is worth pre-caching.
func (f *OriginFetcher) FetchAsset(ctx context.Context, path string) (*cachestore.Snapshot, error) {
	snap, err := f.Fetch(ctx, f.OriginTarget(path), nil)
	if err != nil {
		return nil, err
	}
	if snap.Status < 200 || snap.Status >= 300 {
		return nil, fmt.Errorf("precache %s: status %d", path, snap.Status)
	}
	return snap, nil
}

func isHopByHop(key string) bool {
	switch http.CanonicalHeaderKey(key) {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade":
		return true
	}
	return false
}
