// EventGate - Distributed Event Ingestion and Deduplication Gateway
// Copyright 2026 M. Tarnawa (mtarnawa)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mtarnawa/eventgate

package models

// HealthStatus is the payload of GET /healthz.
type HealthStatus struct {
	Status               string  `json:"status"` // healthy or degraded
	InstanceID           string  `json:"instance_id"`
	StoreConnected       bool    `json:"store_connected"`
	CoordinatorConnected bool    `json:"coordinator_connected"`
	ActiveSessions       int     `json:"active_sessions"`
	UptimeSeconds        float64 `json:"uptime_seconds"`
}

// InstanceInfo is the payload of GET /.
type InstanceInfo struct {
	Name          string  `json:"name"`
	Version       string  `json:"version"`
	InstanceID    string  `json:"instance_id"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}
