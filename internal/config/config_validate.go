// EventGate - Distributed Event Ingestion and Deduplication Gateway
// Copyright 2026 M. Tarnawa (mtarnawa)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mtarnawa/eventgate

package config

import (
	"fmt"

	"github.com/mtarnawa/eventgate/internal/validation"
)

// validLogLevels enumerates the accepted logging levels.
var validLogLevels = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks that required configuration is present and valid.
// Struct tags carry the single-field rules; cross-field and presence rules
// that need env-var-level error messages are checked by hand.
func (c *Config) Validate() error {
	if verr := validation.ValidateStruct(c); verr != nil {
		return fmt.Errorf("invalid configuration: %s", verr.Error())
	}

	if err := c.validateServer(); err != nil {
		return err
	}

	if err := c.validateCoordinator(); err != nil {
		return err
	}

	if err := c.validateStore(); err != nil {
		return err
	}

	if err := c.validateSession(); err != nil {
		return err
	}

	return c.validateLogging()
}

// validateServer validates HTTP server configuration
func (c *Config) validateServer() error {
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("SERVER_TIMEOUT must be positive")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("SERVER_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.Server.RateLimitEnabled && c.Server.RateLimitRPS < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS must be at least 1 when RATE_LIMIT_ENABLED=true")
	}
	return nil
}

// validateCoordinator validates claim coordinator configuration
func (c *Config) validateCoordinator() error {
	if c.Coordinator.DialTimeout <= 0 {
		return fmt.Errorf("COORDINATOR_DIAL_TIMEOUT must be positive")
	}
	if c.Coordinator.OpTimeout <= 0 {
		return fmt.Errorf("COORDINATOR_OP_TIMEOUT must be positive")
	}
	if c.Coordinator.BreakerThreshold < 1 {
		return fmt.Errorf("COORDINATOR_BREAKER_THRESHOLD must be at least 1")
	}
	return nil
}

// validateStore validates event store configuration
func (c *Config) validateStore() error {
	if c.Store.DSN == "" {
		return fmt.Errorf("STORE_DSN (or DATABASE_URL) is required")
	}
	if c.Store.MaxOpenConns < 1 {
		return fmt.Errorf("STORE_MAX_OPEN_CONNS must be at least 1")
	}
	if c.Store.MaxIdleConns < 0 {
		return fmt.Errorf("STORE_MAX_IDLE_CONNS must not be negative")
	}
	if c.Store.MaxIdleConns > c.Store.MaxOpenConns {
		return fmt.Errorf("STORE_MAX_IDLE_CONNS must not exceed STORE_MAX_OPEN_CONNS")
	}
	if c.Store.ConnMaxLifetime <= 0 {
		return fmt.Errorf("STORE_CONN_MAX_LIFETIME must be positive")
	}
	if c.Store.OpTimeout <= 0 {
		return fmt.Errorf("STORE_OP_TIMEOUT must be positive")
	}
	return nil
}

// validateSession validates ingest session configuration
func (c *Config) validateSession() error {
	if c.Session.MaxFrameBytes < 1 {
		return fmt.Errorf("SESSION_MAX_FRAME_BYTES must be at least 1")
	}
	if c.Session.WriteTimeout <= 0 {
		return fmt.Errorf("SESSION_WRITE_TIMEOUT must be positive")
	}
	if c.Session.PongTimeout <= 0 {
		return fmt.Errorf("SESSION_PONG_TIMEOUT must be positive")
	}
	if c.Session.MaxFramesPerSecond < 0 {
		return fmt.Errorf("SESSION_MAX_FRAMES_PER_SECOND must not be negative")
	}
	return nil
}

// validateLogging validates logging configuration
func (c *Config) validateLogging() error {
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("LOG_LEVEL must be one of: trace, debug, info, warn, error")
	}
	return nil
}
