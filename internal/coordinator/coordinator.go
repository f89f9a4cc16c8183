// EventGate - Distributed Event Ingestion and Deduplication Gateway
// Copyright 2026 M. Tarnawa (mtarnawa)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mtarnawa/eventgate

// Package coordinator implements the Redis claim coordinator for the
// single-flight dedup protocol. A claim is a SET NX PX on dedup:{event_id}
// with the claiming instance identity as the value; release is an atomic
// compare-and-delete so an instance can only remove its own claim.
//
// The coordinator is an availability optimization, not the source of truth:
// the event store's unique constraint remains authoritative. All operations
// run behind a circuit breaker that counts only infrastructure errors -
// won/lost/not-owner outcomes are successes.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mtarnawa/eventgate/internal/config"
	"github.com/mtarnawa/eventgate/internal/logging"
	"github.com/mtarnawa/eventgate/internal/metrics"
)

// ClaimResult classifies the outcome of a Claim call.
type ClaimResult int

const (
	// ClaimWon means this instance now holds the claim and must proceed
	// to persist the event.
	ClaimWon ClaimResult = iota
	// ClaimLost means another holder already claimed the event id.
	ClaimLost
	// ClaimUnavailable means the coordinator could not answer. The caller
	// must not fall through to the store.
	ClaimUnavailable
)

// String returns the metric label for the result.
func (r ClaimResult) String() string {
	switch r {
	case ClaimWon:
		return "won"
	case ClaimLost:
		return "lost"
	case ClaimUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ReleaseResult classifies the outcome of a Release call.
type ReleaseResult int

const (
	// Released means the claim existed, was ours, and is now deleted.
	Released ReleaseResult = iota
	// ReleaseNotOwner means the key is missing or held by another
	// instance; nothing was deleted.
	ReleaseNotOwner
	// ReleaseUnavailable means the coordinator could not answer; the
	// claim decays by TTL instead.
	ReleaseUnavailable
)

// String returns the metric label for the result.
func (r ReleaseResult) String() string {
	switch r {
	case Released:
		return "released"
	case ReleaseNotOwner:
		return "not_owner"
	case ReleaseUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// keyPrefix namespaces claim keys in Redis.
const keyPrefix = "dedup:"

// breakerName labels the coordinator circuit breaker in logs and metrics.
const breakerName = "claim-coordinator"

// Circuit breaker recovery knobs. The failure threshold is configurable;
// these are not.
const (
	breakerMaxRequests = 3                // Probes allowed in half-open state
	breakerInterval    = time.Minute      // Closed-state count reset window
	breakerTimeout     = 15 * time.Second // Open -> half-open delay
)

// releaseScript deletes a claim key only while the caller still owns it.
// GET and DEL execute atomically server-side, so a release can never remove
// a claim that expired and was rewon by another instance in between.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client coordinates single-flight claims over Redis.
// Safe for concurrent use.
type Client struct {
	rdb       *redis.Client
	breaker   *gobreaker.CircuitBreaker[interface{}]
	opTimeout time.Duration
}

// New builds a coordinator client from configuration. The connection is
// lazy; call Ping to probe reachability.
func New(cfg *config.CoordinatorConfig) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,

		// A transparently retried SET NX can succeed on the wire, time
		// out on the read, and then report "lost" for a claim this
		// instance actually holds. Claims observe exactly one attempt.
		MaxRetries: -1,
	})

	metrics.RecordBreakerState(breakerName, 0) // 0 = closed

	threshold := uint32(cfg.BreakerThreshold) //nolint:gosec // validated >= 1
	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: breakerMaxRequests,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := stateToString(from)
			toStr := stateToString(to)

			logging.Warn().
				Str("breaker", name).
				Str("from", fromStr).
				Str("to", toStr).
				Msg("Claim coordinator circuit breaker state change")

			metrics.RecordBreakerState(name, stateToFloat(to))
			metrics.RecordBreakerTransition(name, fromStr, toStr)
		},
	})

	return &Client{
		rdb:       rdb,
		breaker:   cb,
		opTimeout: cfg.OpTimeout,
	}
}

// claimKey returns the Redis key for an event id.
func claimKey(eventID string) string {
	return keyPrefix + eventID
}

// Claim attempts to acquire the single-flight claim for eventID on behalf
// of owner. Exactly one concurrent caller per event id wins; everyone else
// loses. The claim expires after ttl unless released earlier.
//
// ClaimUnavailable carries the underlying error; ClaimWon and ClaimLost
// return err == nil.
func (c *Client) Claim(ctx context.Context, eventID, owner string, ttl time.Duration) (ClaimResult, error) {
	start := time.Now()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
		defer cancel()

		won, err := c.rdb.SetNX(opCtx, claimKey(eventID), owner, ttl).Result()
		if err != nil {
			return nil, err
		}
		if won {
			return ClaimWon, nil
		}
		return ClaimLost, nil
	})
	if err != nil {
		metrics.RecordClaim(ClaimUnavailable.String(), time.Since(start))
		return ClaimUnavailable, fmt.Errorf("claim %s: %w", eventID, err)
	}

	res, ok := result.(ClaimResult)
	if !ok {
		metrics.RecordClaim(ClaimUnavailable.String(), time.Since(start))
		return ClaimUnavailable, fmt.Errorf("claim %s: unexpected breaker result type %T", eventID, result)
	}

	metrics.RecordClaim(res.String(), time.Since(start))
	return res, nil
}

// Release deletes the claim for eventID if and only if owner still holds
// it. Used on persistence failure so a retry can claim again promptly
// instead of waiting out the TTL.
func (c *Client) Release(ctx context.Context, eventID, owner string) (ReleaseResult, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
		defer cancel()

		return releaseScript.Run(opCtx, c.rdb, []string{claimKey(eventID)}, owner).Result()
	})
	if err != nil {
		metrics.RecordRelease(ReleaseUnavailable.String())
		return ReleaseUnavailable, fmt.Errorf("release %s: %w", eventID, err)
	}

	deleted, ok := result.(int64)
	if !ok {
		metrics.RecordRelease(ReleaseUnavailable.String())
		return ReleaseUnavailable, fmt.Errorf("release %s: unexpected breaker result type %T", eventID, result)
	}

	if deleted == 0 {
		metrics.RecordRelease(ReleaseNotOwner.String())
		return ReleaseNotOwner, nil
	}

	metrics.RecordRelease(Released.String())
	return Released, nil
}

// peekState carries the Peek answer through the breaker.
type peekState struct {
	owner string
	ttl   time.Duration
	held  bool
}

// Peek reports the current holder and remaining TTL of a claim without
// modifying it. Diagnostic only; not on the ingest path.
func (c *Client) Peek(ctx context.Context, eventID string) (owner string, ttl time.Duration, held bool, err error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
		defer cancel()

		key := claimKey(eventID)

		val, err := c.rdb.Get(opCtx, key).Result()
		if err == redis.Nil {
			return peekState{}, nil
		}
		if err != nil {
			return nil, err
		}

		remaining, err := c.rdb.PTTL(opCtx, key).Result()
		if err != nil {
			return nil, err
		}
		if remaining < 0 {
			// Key vanished between GET and PTTL, or carries no expiry.
			remaining = 0
		}

		return peekState{owner: val, ttl: remaining, held: true}, nil
	})
	if err != nil {
		return "", 0, false, fmt.Errorf("peek %s: %w", eventID, err)
	}

	state, ok := result.(peekState)
	if !ok {
		return "", 0, false, fmt.Errorf("peek %s: unexpected breaker result type %T", eventID, result)
	}

	return state.owner, state.ttl, state.held, nil
}

// Ping verifies coordinator connectivity. An open breaker reports failure
// without a network round trip.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
		defer cancel()

		return nil, c.rdb.Ping(opCtx).Err()
	})
	return err
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// stateToFloat converts circuit breaker state to numeric value for metrics
func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// stateToString converts circuit breaker state to string for logging
func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
