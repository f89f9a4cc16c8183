// EventGate - Distributed Event Ingestion and Deduplication Gateway
// Copyright 2026 M. Tarnawa (mtarnawa)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mtarnawa/eventgate

package dedup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"

	"github.com/mtarnawa/eventgate/internal/config"
	"github.com/mtarnawa/eventgate/internal/coordinator"
	"github.com/mtarnawa/eventgate/internal/models"
	"github.com/mtarnawa/eventgate/internal/store"
)

// newRedisCoordinator starts an in-process Redis and builds the real claim
// client against it, so processor tests exercise the production claim path.
func newRedisCoordinator(t *testing.T) (*coordinator.Client, *miniredis.Miniredis) {
	t.Helper()

	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		t.Fatalf("failed to split miniredis addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("failed to parse miniredis port: %v", err)
	}

	client := coordinator.New(&config.CoordinatorConfig{
		Host:             host,
		Port:             port,
		DialTimeout:      time.Second,
		OpTimeout:        time.Second,
		BreakerThreshold: 5,
	})
	t.Cleanup(func() { _ = client.Close() })

	return client, srv
}

// countingStore persists rows in memory under the event_id uniqueness rule.
type countingStore struct {
	mu      sync.Mutex
	rows    map[string]string // event_id -> payload
	inserts atomic.Int64
}

func newCountingStore() *countingStore {
	return &countingStore{rows: make(map[string]string)}
}

func (s *countingStore) Insert(_ context.Context, rec *models.EventRecord) (store.InsertResult, error) {
	s.inserts.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[rec.EventID]; ok {
		return store.Duplicate, nil
	}
	s.rows[rec.EventID] = string(rec.Payload)
	return store.Inserted, nil
}

func (s *countingStore) rowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *countingStore) payload(eventID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[eventID]
}

// faultStore rejects inserts whose payload asks for failure. Fault injection
// keys on payload content precisely because the processor must not: the
// payload stays opaque end to end.
type faultStore struct {
	inner *countingStore
}

func (s *faultStore) Insert(ctx context.Context, rec *models.EventRecord) (store.InsertResult, error) {
	if strings.Contains(string(rec.Payload), `"force_fail":true`) {
		return store.FatalFailure, errors.New("forced persist failure")
	}
	return s.inner.Insert(ctx, rec)
}

// flakyStore fails the first n inserts transiently, then delegates.
type flakyStore struct {
	inner     *countingStore
	remaining atomic.Int64
}

func newFlakyStore(failures int64) *flakyStore {
	s := &flakyStore{inner: newCountingStore()}
	s.remaining.Store(failures)
	return s
}

func (s *flakyStore) Insert(ctx context.Context, rec *models.EventRecord) (store.InsertResult, error) {
	if s.remaining.Add(-1) >= 0 {
		return store.TransientFailure, errors.New("connection reset by peer")
	}
	return s.inner.Insert(ctx, rec)
}

// scriptedCoordinator returns canned results and records calls.
type scriptedCoordinator struct {
	claimResult   coordinator.ClaimResult
	claimErr      error
	releaseResult coordinator.ReleaseResult
	releaseErr    error
	onClaim       func()
	claims        atomic.Int64
	releases      atomic.Int64
}

func (c *scriptedCoordinator) Claim(context.Context, string, string, time.Duration) (coordinator.ClaimResult, error) {
	c.claims.Add(1)
	if c.onClaim != nil {
		c.onClaim()
	}
	return c.claimResult, c.claimErr
}

func (c *scriptedCoordinator) Release(context.Context, string, string) (coordinator.ReleaseResult, error) {
	c.releases.Add(1)
	return c.releaseResult, c.releaseErr
}

// ctxRecordingStore captures the context state observed at insert time.
type ctxRecordingStore struct {
	inner  *countingStore
	ctxErr atomic.Value // stores error result of ctx.Err()
}

func (s *ctxRecordingStore) Insert(ctx context.Context, rec *models.EventRecord) (store.InsertResult, error) {
	s.ctxErr.Store(fmt.Sprintf("%v", ctx.Err()))
	return s.inner.Insert(ctx, rec)
}

func testRecord(eventID, payload string) *models.EventRecord {
	return &models.EventRecord{
		EventID:   eventID,
		EventType: "user.created",
		Payload:   json.RawMessage(payload),
	}
}

func newProcessor(t *testing.T, coord Coordinator, st EventStore, owner string) *Processor {
	t.Helper()
	p, err := New(coord, st, owner, 5*time.Second)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestNew_Validation(t *testing.T) {
	coord := &scriptedCoordinator{}
	st := newCountingStore()

	tests := []struct {
		name  string
		coord Coordinator
		store EventStore
		owner string
		ttl   time.Duration
	}{
		{"nil coordinator", nil, st, "gate-1", time.Second},
		{"nil store", coord, nil, "gate-1", time.Second},
		{"empty owner", coord, st, "", time.Second},
		{"zero ttl", coord, st, "gate-1", 0},
		{"negative ttl", coord, st, "gate-1", -time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.coord, tt.store, tt.owner, tt.ttl); err == nil {
				t.Error("New() should reject invalid arguments")
			}
		})
	}
}

func TestProcess_PersistsAndRetainsClaim(t *testing.T) {
	coord, srv := newRedisCoordinator(t)
	st := newCountingStore()
	p := newProcessor(t, coord, st, "gate-1")

	outcome, err := p.Process(context.Background(), testRecord("evt-1", `{"n":1}`))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome != OutcomePersisted {
		t.Fatalf("Process() = %v, want OutcomePersisted", outcome)
	}
	if st.rowCount() != 1 {
		t.Errorf("row count = %d, want 1", st.rowCount())
	}

	// The claim outlives the successful persist: near-term resends settle
	// in Redis without reaching the store.
	if !srv.Exists("dedup:evt-1") {
		t.Error("claim key should be retained after successful persist")
	}
}

func TestProcess_ResendSettledByClaim(t *testing.T) {
	coord, _ := newRedisCoordinator(t)
	st := newCountingStore()
	p := newProcessor(t, coord, st, "gate-1")
	ctx := context.Background()

	if _, err := p.Process(ctx, testRecord("evt-1", `{"n":1}`)); err != nil {
		t.Fatalf("first Process() error = %v", err)
	}

	outcome, err := p.Process(ctx, testRecord("evt-1", `{"n":1}`))
	if err != nil {
		t.Fatalf("resend Process() error = %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Errorf("resend Process() = %v, want OutcomeDuplicate", outcome)
	}
	if got := st.inserts.Load(); got != 1 {
		t.Errorf("store saw %d inserts, want 1 (resend must settle at the claim)", got)
	}
}

func TestProcess_ConcurrentSameID(t *testing.T) {
	coord, _ := newRedisCoordinator(t)
	st := newCountingStore()
	p := newProcessor(t, coord, st, "gate-1")

	const n = 1000
	var persisted, duplicate, failed atomic.Int64
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			outcome, err := p.Process(context.Background(), testRecord("evt-burst", `{"n":1}`))
			switch {
			case err != nil:
				failed.Add(1)
			case outcome == OutcomePersisted:
				persisted.Add(1)
			case outcome == OutcomeDuplicate:
				duplicate.Add(1)
			}
		}()
	}
	wg.Wait()

	if persisted.Load() != 1 {
		t.Errorf("persisted = %d, want exactly 1", persisted.Load())
	}
	if duplicate.Load() != n-1 {
		t.Errorf("duplicate = %d, want %d", duplicate.Load(), n-1)
	}
	if failed.Load() != 0 {
		t.Errorf("failed = %d, want 0", failed.Load())
	}
	if st.rowCount() != 1 {
		t.Errorf("row count = %d, want 1", st.rowCount())
	}
}

func TestProcess_MultiInstanceSingleRow(t *testing.T) {
	coord, srv := newRedisCoordinator(t)
	st := newCountingStore()

	// Five instances share one coordinator and one store, as five separate
	// gateway processes would.
	const instances = 5
	procs := make([]*Processor, instances)
	for i := range procs {
		procs[i] = newProcessor(t, coord, st, fmt.Sprintf("gate-%d", i))
	}

	var persisted atomic.Int64
	var wg sync.WaitGroup
	wg.Add(instances)
	for _, p := range procs {
		go func(p *Processor) {
			defer wg.Done()
			outcome, err := p.Process(context.Background(), testRecord("evt-multi", `{"n":1}`))
			if err == nil && outcome == OutcomePersisted {
				persisted.Add(1)
			}
		}(p)
	}
	wg.Wait()

	if persisted.Load() != 1 {
		t.Errorf("persisted = %d, want exactly 1 across instances", persisted.Load())
	}
	if st.rowCount() != 1 {
		t.Errorf("row count = %d, want 1", st.rowCount())
	}

	// The claim records whichever instance won.
	owner, err := srv.Get("dedup:evt-multi")
	if err != nil {
		t.Fatalf("claim key missing: %v", err)
	}
	if !strings.HasPrefix(owner, "gate-") {
		t.Errorf("claim owner = %q, want a gate-N instance id", owner)
	}
}

func TestProcess_DistinctEventsAllPersist(t *testing.T) {
	coord, _ := newRedisCoordinator(t)
	st := newCountingStore()
	p := newProcessor(t, coord, st, "gate-1")
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("evt-%04d", i)
		outcome, err := p.Process(ctx, testRecord(id, `{"n":1}`))
		if err != nil {
			t.Fatalf("Process(%s) error = %v", id, err)
		}
		if outcome != OutcomePersisted {
			t.Fatalf("Process(%s) = %v, want OutcomePersisted", id, outcome)
		}
	}

	if st.rowCount() != 100 {
		t.Errorf("row count = %d, want 100", st.rowCount())
	}
}

func TestProcess_LostClaimSkipsStore(t *testing.T) {
	coord := &scriptedCoordinator{claimResult: coordinator.ClaimLost}
	st := newCountingStore()
	p := newProcessor(t, coord, st, "gate-1")

	outcome, err := p.Process(context.Background(), testRecord("evt-1", `{"n":1}`))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Errorf("Process() = %v, want OutcomeDuplicate", outcome)
	}
	if got := st.inserts.Load(); got != 0 {
		t.Errorf("store saw %d inserts, want 0 on a lost claim", got)
	}
	if got := coord.releases.Load(); got != 0 {
		t.Errorf("coordinator saw %d releases, want 0 on a lost claim", got)
	}
}

func TestProcess_CoordinatorUnavailableIsStrict(t *testing.T) {
	coord := &scriptedCoordinator{
		claimResult: coordinator.ClaimUnavailable,
		claimErr:    errors.New("connection refused"),
	}
	st := newCountingStore()
	p := newProcessor(t, coord, st, "gate-1")

	_, err := p.Process(context.Background(), testRecord("evt-1", `{"n":1}`))
	if !IsRetryableError(err) {
		t.Fatalf("Process() error = %v, want RetryableError", err)
	}

	// Strictness over availability: with the coordinator down nothing may
	// reach the store, or a Redis outage would stampede it with the very
	// duplicates the claim layer absorbs.
	if got := st.inserts.Load(); got != 0 {
		t.Errorf("store saw %d inserts, want 0 while coordinator is down", got)
	}
}

func TestProcess_StoreDuplicateKeepsClaim(t *testing.T) {
	coord, srv := newRedisCoordinator(t)
	st := newCountingStore()
	// Another instance persisted this id longer ago than any claim TTL.
	if _, err := st.Insert(context.Background(), testRecord("evt-1", `{"n":1}`)); err != nil {
		t.Fatalf("seed insert error = %v", err)
	}
	st.inserts.Store(0)

	p := newProcessor(t, coord, st, "gate-1")
	outcome, err := p.Process(context.Background(), testRecord("evt-1", `{"n":2}`))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Errorf("Process() = %v, want OutcomeDuplicate", outcome)
	}
	if !srv.Exists("dedup:evt-1") {
		t.Error("claim should be retained after a store duplicate verdict")
	}
	if got := st.inserts.Load(); got != 1 {
		t.Errorf("store saw %d inserts, want 1 (constraint renders the verdict)", got)
	}
	if got := st.payload("evt-1"); got != `{"n":1}` {
		t.Errorf("payload = %s, want the first writer's payload to stand", got)
	}
}

func TestProcess_TransientFailureReleasesClaim(t *testing.T) {
	coord, srv := newRedisCoordinator(t)
	st := newFlakyStore(1)
	p := newProcessor(t, coord, st, "gate-1")
	ctx := context.Background()

	_, err := p.Process(ctx, testRecord("evt-1", `{"n":1}`))
	if !IsRetryableError(err) {
		t.Fatalf("Process() error = %v, want RetryableError", err)
	}

	// The release is synchronous on the failure path: the claim must not
	// park the client's retry behind the full TTL.
	if srv.Exists("dedup:evt-1") {
		t.Fatal("claim should be released immediately after a transient failure")
	}

	outcome, err := p.Process(ctx, testRecord("evt-1", `{"n":1}`))
	if err != nil {
		t.Fatalf("retry Process() error = %v", err)
	}
	if outcome != OutcomePersisted {
		t.Errorf("retry Process() = %v, want OutcomePersisted", outcome)
	}
	if st.inner.rowCount() != 1 {
		t.Errorf("row count = %d, want 1", st.inner.rowCount())
	}
}

func TestProcess_FatalFailureReleasesClaim(t *testing.T) {
	coord, srv := newRedisCoordinator(t)
	inner := newCountingStore()
	p := newProcessor(t, coord, &faultStore{inner: inner}, "gate-1")
	ctx := context.Background()

	_, err := p.Process(ctx, testRecord("evt-1", `{"force_fail":true}`))
	if !IsPermanentError(err) {
		t.Fatalf("Process() error = %v, want PermanentError", err)
	}
	if IsRetryableError(err) {
		t.Error("a permanent error must not classify as retryable")
	}
	if srv.Exists("dedup:evt-1") {
		t.Fatal("claim should be released after a fatal failure")
	}

	// A corrected resend of the same id persists, and its payload wins.
	outcome, err := p.Process(ctx, testRecord("evt-1", `{"attempt":2}`))
	if err != nil {
		t.Fatalf("resend Process() error = %v", err)
	}
	if outcome != OutcomePersisted {
		t.Fatalf("resend Process() = %v, want OutcomePersisted", outcome)
	}
	if got := inner.payload("evt-1"); got != `{"attempt":2}` {
		t.Errorf("payload = %s, want the successful attempt's payload", got)
	}
}

func TestProcess_SettlesAfterCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	// The claim is won and then the session context dies, as happens when
	// a client disconnects mid-frame. The insert must still run.
	coord := &scriptedCoordinator{claimResult: coordinator.ClaimWon, onClaim: cancel}
	st := &ctxRecordingStore{inner: newCountingStore()}
	p := newProcessor(t, coord, st, "gate-1")

	outcome, err := p.Process(ctx, testRecord("evt-1", `{"n":1}`))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome != OutcomePersisted {
		t.Fatalf("Process() = %v, want OutcomePersisted", outcome)
	}
	if got := st.ctxErr.Load(); got != "<nil>" {
		t.Errorf("insert observed ctx.Err() = %v, want <nil> after caller cancel", got)
	}
}

func TestProcess_ReleaseFailureKeepsClassification(t *testing.T) {
	tests := []struct {
		name          string
		releaseResult coordinator.ReleaseResult
		releaseErr    error
	}{
		{"not owner", coordinator.ReleaseNotOwner, nil},
		{"unavailable", coordinator.ReleaseUnavailable, errors.New("connection refused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord := &scriptedCoordinator{
				claimResult:   coordinator.ClaimWon,
				releaseResult: tt.releaseResult,
				releaseErr:    tt.releaseErr,
			}
			p := newProcessor(t, coord, newFlakyStore(1), "gate-1")

			_, err := p.Process(context.Background(), testRecord("evt-1", `{"n":1}`))
			if !IsRetryableError(err) {
				t.Fatalf("Process() error = %v, want RetryableError despite release %s", err, tt.name)
			}
			if got := coord.releases.Load(); got != 1 {
				t.Errorf("coordinator saw %d releases, want 1", got)
			}
		})
	}
}

func TestStats(t *testing.T) {
	coord, srv := newRedisCoordinator(t)
	inner := newCountingStore()
	p := newProcessor(t, coord, &faultStore{inner: inner}, "gate-1")
	ctx := context.Background()

	if _, err := p.Process(ctx, testRecord("evt-ok", `{"n":1}`)); err != nil {
		t.Fatalf("persist Process() error = %v", err)
	}
	if _, err := p.Process(ctx, testRecord("evt-ok", `{"n":1}`)); err != nil {
		t.Fatalf("duplicate Process() error = %v", err)
	}
	if _, err := p.Process(ctx, testRecord("evt-bad", `{"force_fail":true}`)); !IsPermanentError(err) {
		t.Fatalf("fatal Process() error = %v, want PermanentError", err)
	}

	// Take the coordinator down; the next event classifies retryable.
	srv.Close()
	if _, err := p.Process(ctx, testRecord("evt-late", `{"n":1}`)); !IsRetryableError(err) {
		t.Fatalf("degraded Process() error = %v, want RetryableError", err)
	}

	got := p.Stats()
	want := Stats{Processed: 4, Persisted: 1, Duplicates: 1, Retryable: 1, Permanent: 1}
	if got != want {
		t.Errorf("Stats() = %+v, want %+v", got, want)
	}
}

func TestOutcomeString(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    string
	}{
		{OutcomePersisted, "persisted"},
		{OutcomeDuplicate, "duplicate"},
		{Outcome(0), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.outcome.String(); got != tt.want {
			t.Errorf("Outcome(%d).String() = %q, want %q", tt.outcome, got, tt.want)
		}
	}
}
