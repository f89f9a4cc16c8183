// EventGate - Distributed Event Ingestion and Deduplication Gateway
// Copyright 2026 M. Tarnawa (mtarnawa)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mtarnawa/eventgate

// Package config provides centralized configuration for all EventGate
// components: HTTP server, claim coordinator, event store, dedup protocol,
// ingest sessions, and logging.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: Built-in sensible defaults for all settings
//  2. Config File: Optional YAML config file (config.yaml) for persistent settings
//  3. Environment Variables: Override any setting via environment variables
//
// Example - Load configuration from environment:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal("Failed to load config:", err)
//	}
//	// cfg.Store.DSN, cfg.Dedup.TTLSeconds, etc. are now populated
//
// Thread Safety:
// Config is immutable after Load() and safe for concurrent read access from
// multiple goroutines.
package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration loaded from environment
// variables and config files.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Store       StoreConfig       `koanf:"store"`
	Dedup       DedupConfig       `koanf:"dedup"`
	Session     SessionConfig     `koanf:"session"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `koanf:"host"`
	Port             int           `koanf:"port" validate:"gte=1,lte=65535"`
	Timeout          time.Duration `koanf:"timeout"`          // Read/write timeout for non-streaming routes
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"` // Grace period for in-flight requests on shutdown
	CORSOrigins      []string      `koanf:"cors_origins"`
	RateLimitEnabled bool          `koanf:"rate_limit_enabled"` // Per-IP rate limit on the ingest endpoint
	RateLimitRPS     int           `koanf:"rate_limit_rps"`
}

// Addr returns the host:port listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CoordinatorConfig holds Redis claim coordinator settings.
type CoordinatorConfig struct {
	Host        string        `koanf:"host" validate:"required"`
	Port        int           `koanf:"port" validate:"gte=1,lte=65535"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db" validate:"gte=0"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
	OpTimeout   time.Duration `koanf:"op_timeout"` // Budget for a single Claim/Release/Peek call

	// BreakerThreshold is the number of consecutive coordinator failures
	// that opens the circuit. While open, claims report unavailable
	// without a network round trip.
	BreakerThreshold int `koanf:"breaker_threshold"`
}

// Addr returns the host:port address of the coordinator.
func (c *CoordinatorConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StoreConfig holds PostgreSQL event store settings.
type StoreConfig struct {
	DSN             string        `koanf:"dsn"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	OpTimeout       time.Duration `koanf:"op_timeout"`       // Budget for a single Insert call
	MigrateOnStart  bool          `koanf:"migrate_on_start"` // Apply embedded migrations during bootstrap
}

// DedupConfig holds claim-and-persist protocol settings.
type DedupConfig struct {
	// TTLSeconds is the claim lifetime. A successful persist holds its
	// claim for the full TTL so near-duplicate retries stay suppressed.
	// Size it well above worst-case persist latency.
	TTLSeconds int `koanf:"ttl_seconds" validate:"gte=1"`
}

// TTL returns the claim TTL as a duration.
func (c *DedupConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// SessionConfig holds per-connection ingest session settings.
type SessionConfig struct {
	MaxFrameBytes      int64         `koanf:"max_frame_bytes"`
	WriteTimeout       time.Duration `koanf:"write_timeout"`
	PongTimeout        time.Duration `koanf:"pong_timeout"`
	AckEnabled         bool          `koanf:"ack_enabled"`           // Emit advisory per-frame acks
	MaxFramesPerSecond float64       `koanf:"max_frames_per_second"` // 0 disables the per-session limiter
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	// Default: info
	Level string `koanf:"level"`

	// Format is the output format: json or console.
	// JSON is recommended for production (structured, machine-parseable).
	// Console is human-readable for development.
	// Default: json
	Format string `koanf:"format" validate:"oneof=json console"`

	// Caller includes caller file and line number in logs.
	// Adds slight performance overhead.
	// Default: false
	Caller bool `koanf:"caller"`
}

// Load reads configuration from defaults, an optional YAML file, and
// environment variables, then validates it.
func Load() (*Config, error) {
	return LoadWithKoanf()
}
