// EventGate - Distributed Event Ingestion and Deduplication Gateway
// Copyright 2026 M. Tarnawa (mtarnawa)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mtarnawa/eventgate

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order
// of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/eventgate/config.yaml",
	"/etc/eventgate/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config struct with all default values.
// These defaults are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			Timeout:          30 * time.Second,
			ShutdownTimeout:  10 * time.Second,
			CORSOrigins:      []string{"*"},
			RateLimitEnabled: false,
			RateLimitRPS:     50,
		},
		Coordinator: CoordinatorConfig{
			Host:             "localhost",
			Port:             6379,
			Password:         "",
			DB:               0,
			DialTimeout:      5 * time.Second,
			OpTimeout:        2 * time.Second,
			BreakerThreshold: 5,
		},
		Store: StoreConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			OpTimeout:       5 * time.Second,
			MigrateOnStart:  true,
		},
		Dedup: DedupConfig{
			TTLSeconds: 300,
		},
		Session: SessionConfig{
			MaxFrameBytes:      1 << 20, // 1MiB
			WriteTimeout:       10 * time.Second,
			PongTimeout:        60 * time.Second,
			AckEnabled:         true,
			MaxFramesPerSecond: 0, // Unlimited
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// LoadWithKoanf loads configuration using Koanf v2 with layered sources:
//  1. Defaults: Built-in sensible defaults
//  2. Config File: Optional YAML config file (if exists)
//  3. Environment Variables: Override any setting
//
// This function is the preferred way to load configuration and provides:
//   - Type-safe configuration unmarshaling
//   - Clear precedence: ENV > File > Defaults
//   - Support for nested configuration via koanf struct tags
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: Load defaults from struct
	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: Load config file (optional)
	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: Load environment variables (highest priority)
	// Transform environment variable names to koanf paths:
	// DEDUP_TTL_SECONDS -> dedup.ttl_seconds
	// REDIS_HOST -> coordinator.host
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Post-process slice fields from comma-separated strings
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	// Unmarshal into Config struct
	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the path to the first file found, or empty string if none found.
func findConfigFile() string {
	// Check environment variable first
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	// Search default paths
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths defines which config paths should be parsed as comma-separated slices
var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields converts comma-separated string values to slices for known slice fields.
// This is necessary because env vars come in as strings, but the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// If it's already a slice (from YAML file), skip
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		// If it's a string, split by comma
		if strVal, ok := val.(string); ok {
			if strVal == "" {
				continue
			}
			parts := strings.Split(strVal, ",")
			trimmed := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					trimmed = append(trimmed, p)
				}
			}
			if len(trimmed) > 0 {
				if err := k.Set(path, trimmed); err != nil {
					return fmt.Errorf("failed to set %s: %w", path, err)
				}
			}
		}
	}
	return nil
}

// envTransformFunc transforms environment variable names to koanf config paths.
// Aliases map the conventional variable names of the backing services
// (REDIS_HOST, DATABASE_URL) onto the same paths as the canonical names.
//
// Examples:
//   - SERVER_PORT -> server.port
//   - COORDINATOR_HOST, REDIS_HOST -> coordinator.host
//   - STORE_DSN, DATABASE_URL -> store.dsn
//   - DEDUP_TTL_SECONDS -> dedup.ttl_seconds
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Server mappings
		"server_host":             "server.host",
		"server_port":             "server.port",
		"server_timeout":          "server.timeout",
		"server_shutdown_timeout": "server.shutdown_timeout",
		"cors_origins":            "server.cors_origins",
		"rate_limit_enabled":      "server.rate_limit_enabled",
		"rate_limit_rps":          "server.rate_limit_rps",

		// Coordinator mappings (REDIS_* aliases follow the service convention)
		"coordinator_host":              "coordinator.host",
		"redis_host":                    "coordinator.host",
		"coordinator_port":              "coordinator.port",
		"redis_port":                    "coordinator.port",
		"coordinator_password":          "coordinator.password",
		"coordinator_db":                "coordinator.db",
		"coordinator_dial_timeout":      "coordinator.dial_timeout",
		"coordinator_op_timeout":        "coordinator.op_timeout",
		"coordinator_breaker_threshold": "coordinator.breaker_threshold",

		// Store mappings (DATABASE_URL alias follows the service convention)
		"store_dsn":               "store.dsn",
		"database_url":            "store.dsn",
		"store_max_open_conns":    "store.max_open_conns",
		"store_max_idle_conns":    "store.max_idle_conns",
		"store_conn_max_lifetime": "store.conn_max_lifetime",
		"store_op_timeout":        "store.op_timeout",
		"store_migrate_on_start":  "store.migrate_on_start",

		// Dedup mappings
		"dedup_ttl_seconds": "dedup.ttl_seconds",

		// Session mappings
		"session_max_frame_bytes":       "session.max_frame_bytes",
		"session_write_timeout":         "session.write_timeout",
		"session_pong_timeout":          "session.pong_timeout",
		"session_ack_enabled":           "session.ack_enabled",
		"session_max_frames_per_second": "session.max_frames_per_second",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// For unmapped keys, return empty string to skip them
	// This prevents random environment variables from polluting config
	return ""
}

// GetKoanfInstance returns a new Koanf instance for advanced usage.
// This is useful for:
//   - Hot-reload scenarios (with proper mutex protection)
//   - Custom configuration sources
//   - Testing with mock configurations
func GetKoanfInstance() *koanf.Koanf {
	return koanf.New(".")
}

// WatchConfigFile sets up a file watcher for hot-reload capability.
// Note: The caller is responsible for mutex protection when accessing
// configuration during reloads.
func WatchConfigFile(path string, callback func()) error {
	provider := file.Provider(path)

	// Start watching the file for changes
	return provider.Watch(func(event interface{}, err error) {
		if err != nil {
			return
		}
		callback()
	})
}
