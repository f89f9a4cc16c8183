// EventGate - Distributed Event Ingestion and Deduplication Gateway
// Copyright 2026 M. Tarnawa (mtarnawa)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mtarnawa/eventgate

//go:build integration

package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mtarnawa/eventgate/internal/config"
	"github.com/mtarnawa/eventgate/internal/testinfra"
)

// newIntegrationClient starts a Redis container and returns a coordinator
// client connected to it.
func newIntegrationClient(t *testing.T) *Client {
	t.Helper()
	testinfra.SkipIfNoDocker(t)

	ctx := context.Background()
	rc, err := testinfra.NewRedisContainer(ctx)
	if err != nil {
		t.Fatalf("NewRedisContainer() error = %v", err)
	}
	t.Cleanup(func() { testinfra.CleanupContainer(t, ctx, rc) })

	client := New(&config.CoordinatorConfig{
		Host:             rc.Host,
		Port:             rc.Port,
		DialTimeout:      5 * time.Second,
		OpTimeout:        2 * time.Second,
		BreakerThreshold: 5,
	})
	t.Cleanup(func() { client.Close() })

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	return client
}

func TestCoordinatorIntegration_ClaimLifecycle(t *testing.T) {
	client := newIntegrationClient(t)
	ctx := context.Background()

	result, err := client.Claim(ctx, "evt-lifecycle", "instance-a", time.Minute)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if result != ClaimWon {
		t.Fatalf("Claim() = %v, want ClaimWon", result)
	}

	// A second claimant must lose while the claim is held.
	result, err = client.Claim(ctx, "evt-lifecycle", "instance-b", time.Minute)
	if err != nil {
		t.Fatalf("competing Claim() error = %v", err)
	}
	if result != ClaimLost {
		t.Fatalf("competing Claim() = %v, want ClaimLost", result)
	}

	owner, ttl, held, err := client.Peek(ctx, "evt-lifecycle")
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if !held {
		t.Fatal("Peek() held = false, want true")
	}
	if owner != "instance-a" {
		t.Errorf("Peek() owner = %q, want %q", owner, "instance-a")
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("Peek() ttl = %v, want within (0, 1m]", ttl)
	}

	// Release by a non-owner must not delete the claim.
	release, err := client.Release(ctx, "evt-lifecycle", "instance-b")
	if err != nil {
		t.Fatalf("non-owner Release() error = %v", err)
	}
	if release != ReleaseNotOwner {
		t.Fatalf("non-owner Release() = %v, want ReleaseNotOwner", release)
	}

	release, err = client.Release(ctx, "evt-lifecycle", "instance-a")
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if release != Released {
		t.Fatalf("Release() = %v, want Released", release)
	}

	// Once released, the id is claimable again.
	result, err = client.Claim(ctx, "evt-lifecycle", "instance-b", time.Minute)
	if err != nil {
		t.Fatalf("reclaim after release error = %v", err)
	}
	if result != ClaimWon {
		t.Errorf("reclaim after release = %v, want ClaimWon", result)
	}
}

func TestCoordinatorIntegration_ClaimExpiresByTTL(t *testing.T) {
	client := newIntegrationClient(t)
	ctx := context.Background()

	result, err := client.Claim(ctx, "evt-ttl", "instance-a", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if result != ClaimWon {
		t.Fatalf("Claim() = %v, want ClaimWon", result)
	}

	time.Sleep(250 * time.Millisecond)

	_, _, held, err := client.Peek(ctx, "evt-ttl")
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if held {
		t.Fatal("claim still held after TTL expiry")
	}

	result, err = client.Claim(ctx, "evt-ttl", "instance-b", time.Minute)
	if err != nil {
		t.Fatalf("reclaim after expiry error = %v", err)
	}
	if result != ClaimWon {
		t.Errorf("reclaim after expiry = %v, want ClaimWon", result)
	}
}

// TestCoordinatorIntegration_ConcurrentClaimants races claimants for one
// event id against real Redis. SET NX admits exactly one winner.
func TestCoordinatorIntegration_ConcurrentClaimants(t *testing.T) {
	client := newIntegrationClient(t)
	ctx := context.Background()

	const racers = 8
	results := make([]ClaimResult, racers)
	errs := make([]error, racers)

	var start sync.WaitGroup
	start.Add(1)

	var done sync.WaitGroup
	for i := 0; i < racers; i++ {
		done.Add(1)
		go func(i int) {
			defer done.Done()
			start.Wait()
			owner := string(rune('a' + i))
			results[i], errs[i] = client.Claim(ctx, "evt-contended", "instance-"+owner, time.Minute)
		}(i)
	}

	start.Done()
	done.Wait()

	won, lost := 0, 0
	for i := 0; i < racers; i++ {
		if errs[i] != nil {
			t.Fatalf("racer %d: Claim() error = %v", i, errs[i])
		}
		switch results[i] {
		case ClaimWon:
			won++
		case ClaimLost:
			lost++
		default:
			t.Fatalf("racer %d: Claim() = %v, want ClaimWon or ClaimLost", i, results[i])
		}
	}

	if won != 1 {
		t.Errorf("winners = %d, want exactly 1", won)
	}
	if lost != racers-1 {
		t.Errorf("losers = %d, want %d", lost, racers-1)
	}
}
