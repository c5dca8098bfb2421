// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines x0d's startup configuration: a flag.FlagSet of
// command-line defaults, optionally overlaid by a YAML file named with
// --config. Flags always take precedence when
// explicitly set, so a single flag can punch through a config file.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the x0d server.
type Config struct {
	ListenAddr   string        `yaml:"listen_addr"`
	Workers      int           `yaml:"workers"`
	LogLevel     string        `yaml:"log_level"`
	LogDev       bool          `yaml:"log_dev"`
	MetricsAddr  string        `yaml:"metrics_addr"`
	DocumentRoot string        `yaml:"document_root"`
	FlowFile     string        `yaml:"flow_file"`

	KeepAliveTimeout time.Duration `yaml:"keepalive_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	MaxRequestURI    int           `yaml:"max_request_uri"`

	CacheEnabled  bool          `yaml:"cache_enabled"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	CacheShadowTTL time.Duration `yaml:"cache_shadow_ttl"`
	CacheBackend  string        `yaml:"cache_backend"` // "memory" or "redis"
	RedisAddr     string        `yaml:"redis_addr"`

	EventLoopStripes int `yaml:"event_loop_stripes"`
}

// Default returns the built-in defaults, which are also the FlagSet defaults
// below, so --help shows the values a Config gets when nothing overrides them.
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		Workers:          4,
		LogLevel:         "info",
		DocumentRoot:     ".",
		KeepAliveTimeout: 5 * time.Second,
		ReadTimeout:      30 * time.Second,
		MaxRequestURI:    8192,
		CacheEnabled:     true,
		CacheTTL:         10 * time.Second,
		CacheShadowTTL:   60 * time.Second,
		CacheBackend:     "memory",
		EventLoopStripes: 16,
	}
}

// Parse builds a Config from args: flag defaults from Default(), overlaid by
// an optional --config=FILE YAML document, overlaid again by any flag the
// caller explicitly passed (so `x0d --config=prod.yaml --workers=8` lets a
// single flag punch through the file).
func Parse(progName string, args []string) (Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet(progName, flag.ContinueOnError)

	listenAddr := fs.String("listen", cfg.ListenAddr, "HTTP listen address (e.g., :8080)")
	workers := fs.Int("workers", cfg.Workers, "Number of worker event loops")
	logLevel := fs.String("log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	logDev := fs.Bool("log-dev", cfg.LogDev, "Use zap's human-readable development encoder instead of JSON")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "If non-empty, expose Prometheus /metrics on this address")
	documentRoot := fs.String("document-root", cfg.DocumentRoot, "Document root for the static file handler")
	flowFile := fs.String("flow-file", cfg.FlowFile, "Path to the Flow handler source compiled at startup")
	keepAlive := fs.Duration("keepalive-timeout", cfg.KeepAliveTimeout, "Idle keep-alive connection timeout")
	readTimeout := fs.Duration("read-timeout", cfg.ReadTimeout, "Per-request read timeout")
	maxURI := fs.Int("max-request-uri", cfg.MaxRequestURI, "Maximum request-line URI length (recorded only; connections use a fixed 8192-byte limit)")
	cacheEnabled := fs.Bool("cache-enabled", cfg.CacheEnabled, "Enable the response cache")
	cacheTTL := fs.Duration("cache-ttl", cfg.CacheTTL, "Response cache entry TTL")
	cacheShadowTTL := fs.Duration("cache-shadow-ttl", cfg.CacheShadowTTL, "Response cache shadow (stale-while-revalidate) TTL")
	cacheBackend := fs.String("cache-backend", cfg.CacheBackend, "Response cache backend: memory or redis")
	redisAddr := fs.String("redis-addr", cfg.RedisAddr, "Redis address when --cache-backend=redis")
	stripes := fs.Int("event-loop-stripes", cfg.EventLoopStripes, "Striped counter width (recorded only; no component reads it)")
	configFile := fs.String("config", "", "Optional YAML config file; flags override its values")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *configFile != "" {
		overlay, err := loadYAML(*configFile)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		cfg = mergeNonZero(cfg, overlay)
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	applyIfSet(explicit, "listen", &cfg.ListenAddr, *listenAddr)
	applyIntIfSet(explicit, "workers", &cfg.Workers, *workers)
	applyIfSet(explicit, "log-level", &cfg.LogLevel, *logLevel)
	applyBoolIfSet(explicit, "log-dev", &cfg.LogDev, *logDev)
	applyIfSet(explicit, "metrics-addr", &cfg.MetricsAddr, *metricsAddr)
	applyIfSet(explicit, "document-root", &cfg.DocumentRoot, *documentRoot)
	applyIfSet(explicit, "flow-file", &cfg.FlowFile, *flowFile)
	applyDurationIfSet(explicit, "keepalive-timeout", &cfg.KeepAliveTimeout, *keepAlive)
	applyDurationIfSet(explicit, "read-timeout", &cfg.ReadTimeout, *readTimeout)
	applyIntIfSet(explicit, "max-request-uri", &cfg.MaxRequestURI, *maxURI)
	applyBoolIfSet(explicit, "cache-enabled", &cfg.CacheEnabled, *cacheEnabled)
	applyDurationIfSet(explicit, "cache-ttl", &cfg.CacheTTL, *cacheTTL)
	applyDurationIfSet(explicit, "cache-shadow-ttl", &cfg.CacheShadowTTL, *cacheShadowTTL)
	applyIfSet(explicit, "cache-backend", &cfg.CacheBackend, *cacheBackend)
	applyIfSet(explicit, "redis-addr", &cfg.RedisAddr, *redisAddr)
	applyIntIfSet(explicit, "event-loop-stripes", &cfg.EventLoopStripes, *stripes)

	return cfg, nil
}

func applyIfSet(explicit map[string]bool, name string, dst *string, val string) {
	if explicit[name] || *dst == "" {
		*dst = val
	}
}

func applyIntIfSet(explicit map[string]bool, name string, dst *int, val int) {
	if explicit[name] || *dst == 0 {
		*dst = val
	}
}

func applyBoolIfSet(explicit map[string]bool, name string, dst *bool, val bool) {
	if explicit[name] {
		*dst = val
	}
}

func applyDurationIfSet(explicit map[string]bool, name string, dst *time.Duration, val time.Duration) {
	if explicit[name] || *dst == 0 {
		*dst = val
	}
}

func loadYAML(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// mergeNonZero overlays overlay's non-zero fields onto base, used to apply a
// YAML config file without requiring every field to be present in it.
// CacheEnabled is intentionally not overlaid here: a bool zero value cannot
// distinguish "absent from the file" from "explicitly false", so disabling
// the cache requires the --cache-enabled=false flag.
func mergeNonZero(base, overlay Config) Config {
	if overlay.ListenAddr != "" {
		base.ListenAddr = overlay.ListenAddr
	}
	if overlay.Workers != 0 {
		base.Workers = overlay.Workers
	}
	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}
	if overlay.LogDev {
		base.LogDev = true
	}
	if overlay.MetricsAddr != "" {
		base.MetricsAddr = overlay.MetricsAddr
	}
	if overlay.DocumentRoot != "" {
		base.DocumentRoot = overlay.DocumentRoot
	}
	if overlay.FlowFile != "" {
		base.FlowFile = overlay.FlowFile
	}
	if overlay.KeepAliveTimeout != 0 {
		base.KeepAliveTimeout = overlay.KeepAliveTimeout
	}
	if overlay.ReadTimeout != 0 {
		base.ReadTimeout = overlay.ReadTimeout
	}
	if overlay.MaxRequestURI != 0 {
		base.MaxRequestURI = overlay.MaxRequestURI
	}
	if overlay.CacheTTL != 0 {
		base.CacheTTL = overlay.CacheTTL
	}
	if overlay.CacheShadowTTL != 0 {
		base.CacheShadowTTL = overlay.CacheShadowTTL
	}
	if overlay.CacheBackend != "" {
		base.CacheBackend = overlay.CacheBackend
	}
	if overlay.RedisAddr != "" {
		base.RedisAddr = overlay.RedisAddr
	}
	if overlay.EventLoopStripes != 0 {
		base.EventLoopStripes = overlay.EventLoopStripes
	}
	return base
}
