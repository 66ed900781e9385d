// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the relay worker's configuration.
//
// Runtime settings come from environment variables; the asset manifest
// (app shell, critical routes, static asset rules) comes from a YAML
// file shipped with each deployment. The deployed version itself lives
// in a separate version manifest (version.json) so a deploy can bump it
// without touching the rest of the configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the merged worker configuration.
type Config struct {
	// Port the relay listens on.
	Port int `env:"RELAY_PORT" envDefault:"12310" validate:"min=1,max=65535"`

	// OriginURL is the application origin the relay fronts.
	OriginURL string `env:"ORIGIN_URL,required" validate:"required,url"`

	// RemoteURL is the base URL of the hosted data service used for
	// offline write replay.
	RemoteURL string `env:"REMOTE_DATA_URL,required" validate:"required,url"`

	// DataDir is the directory for the embedded database.
	DataDir string `env:"RELAY_DATA_DIR" envDefault:"./data" validate:"required"`

	// ManifestPath locates the YAML asset manifest.
	ManifestPath string `env:"RELAY_MANIFEST" envDefault:"manifest.yaml" validate:"required"`

	// VersionFile locates the deployment version manifest. The
	// lifecycle watcher observes this file for deploys.
	VersionFile string `env:"RELAY_VERSION_FILE" envDefault:"version.json" validate:"required"`

	// NetworkRaceTimeout bounds the network leg of the critical-route
	// race. The cache leg is never bounded.
	NetworkRaceTimeout time.Duration `env:"RELAY_RACE_TIMEOUT" envDefault:"2s" validate:"gt=0"`

	// SyncMaxAttempts is the per-item retry ceiling for offline writes.
	SyncMaxAttempts int `env:"RELAY_SYNC_ATTEMPTS" envDefault:"3" validate:"min=1"`

	// SyncBackoff is the sleep between offline write attempts.
	SyncBackoff time.Duration `env:"RELAY_SYNC_BACKOFF" envDefault:"1s" validate:"gte=0"`

	// OTLPEndpoint is the OTLP/gRPC collector address. Empty disables
	// trace export.
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// Manifest is loaded from ManifestPath.
	Manifest Manifest `env:"-"`
}

// Manifest describes what the relay pre-caches and how requests are
// classified. Shipped alongside each deployment.
type Manifest struct {
	// AppShell is precached at install and serves as the ultimate
	// navigation fallback (its first entry, normally "/").
	AppShell []string `yaml:"app_shell" validate:"min=1"`

	// StaticAssets are individual asset paths precached at install.
	StaticAssets []string `yaml:"static_assets"`

	// CriticalRoutes are latency-sensitive in-app paths served with the
	// network-vs-cache race.
	CriticalRoutes []string `yaml:"critical_routes"`

	// StaticSuffixes mark a path as a static asset by suffix.
	StaticSuffixes []string `yaml:"static_suffixes"`

	// StaticContains mark a path as a static asset by substring.
	StaticContains []string `yaml:"static_contains"`

	// AppHosts are the known application hostnames. Requests to other
	// hosts are cross-origin pass-through.
	AppHosts []string `yaml:"app_hosts"`
}

// VersionManifest is the deployment identity: one generation.
type VersionManifest struct {
	// Version is the generation's cache name component.
	Version string `json:"version"`

	// Timestamp is the deployment time in unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// Load reads environment variables, the YAML manifest, and validates
// the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	m, err := LoadManifest(cfg.ManifestPath)
	if err != nil {
		return nil, err
	}
	cfg.Manifest = *m

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadManifest reads and validates the YAML asset manifest.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := validator.New().Struct(&m); err != nil {
		return nil, fmt.Errorf("validate manifest %s: %w", path, err)
	}
	return &m, nil
}

// LoadVersion reads the deployment version manifest.
func LoadVersion(path string) (*VersionManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read version manifest %s: %w", path, err)
	}
	var v VersionManifest
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("parse version manifest %s: %w", path, err)
	}
	if v.Version == "" {
		return nil, fmt.Errorf("version manifest %s: empty version", path)
	}
	return &v, nil
}
