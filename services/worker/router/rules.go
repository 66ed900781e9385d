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
	"net/http"
	"strings"
)

// UpdateCheckPath is the reserved diagnostic path. It is answered
// synchronously from the running generation and never touches cache or
// network.
const UpdateCheckPath = "/check-for-updates"

// Class is a request classification. Exactly one strategy serves each
// class.
type Class string

const (
	// ClassUpdateCheck short-circuits to the version JSON.
	ClassUpdateCheck Class = "update_check"

	// ClassCrossOrigin is network-first without cache population.
	ClassCrossOrigin Class = "cross_origin"

	// ClassNavigation is network-first with cache refresh; HTML must
	// not go stale silently, it is how new script references arrive.
	ClassNavigation Class = "navigation"

	// ClassCritical races network against cache with a network timeout.
	ClassCritical Class = "critical_route"

	// ClassStatic is cache-first.
	ClassStatic Class = "static_asset"

	// ClassDynamic is stale-while-revalidate.
	ClassDynamic Class = "dynamic"
)

// Rules classifies intercepted requests. Built once from the manifest.
type Rules struct {
	appHosts       map[string]bool
	criticalRoutes map[string]bool
	staticSuffixes []string
	staticContains []string
}

// NewRules builds classification rules.
func NewRules(appHosts, criticalRoutes, staticSuffixes, staticContains []string) *Rules {
	r := &Rules{
		appHosts:       make(map[string]bool, len(appHosts)),
		criticalRoutes: make(map[string]bool, len(criticalRoutes)),
		staticSuffixes: staticSuffixes,
		staticContains: staticContains,
	}
	for _, h := range appHosts {
		r.appHosts[strings.ToLower(h)] = true
	}
	for _, p := range criticalRoutes {
		r.criticalRoutes[p] = true
	}
	return r
}

// Classify applies the precedence order of the fetch design: update
// check, cross-origin, navigation, critical route, static asset,
// dynamic. selfHost is the relay's own listen host.
func (r *Rules) Classify(req *http.Request, selfHost string) Class {
	if req.URL.Path == UpdateCheckPath {
		return ClassUpdateCheck
	}

	host := strings.ToLower(hostOnly(req.Host))
	if host != "" && host != strings.ToLower(hostOnly(selfHost)) && !r.appHosts[host] {
		return ClassCrossOrigin
	}

	if isNavigation(req) {
		return ClassNavigation
	}

	if r.criticalRoutes[req.URL.Path] {
		return ClassCritical
	}

	if r.isStatic(req.URL.Path) {
		return ClassStatic
	}

	return ClassDynamic
}

func (r *Rules) isStatic(path string) bool {
	for _, suffix := range r.staticSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	for _, sub := range r.staticContains {
		if strings.Contains(path, sub) {
			return true
		}
	}
	return false
}

// isNavigation reports whether the request is a document navigation:
// either the fetch metadata says so or the Accept header asks for HTML.
func isNavigation(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// hostOnly strips a port from a host header value.
func hostOnly(hostport string) string {
	if i := strings.LastIndex(hostport, ":"); i >= 0 && !strings.Contains(hostport[i+1:], "]") {
		return hostport[:i]
	}
	return hostport
}
