// EventGate - Distributed Event Ingestion and Deduplication Gateway
// Copyright 2026 M. Tarnawa (mtarnawa)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mtarnawa/eventgate

package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mtarnawa/eventgate/internal/config"
	"github.com/mtarnawa/eventgate/internal/dedup"
	"github.com/mtarnawa/eventgate/internal/models"
)

type processResult struct {
	outcome dedup.Outcome
	err     error
}

// scriptedProcessor returns queued results (default: persisted) and records
// every call so tests can assert what reached the processor and how.
type scriptedProcessor struct {
	mu    sync.Mutex
	queue []processResult
	calls []string

	delay       time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (p *scriptedProcessor) Process(_ context.Context, rec *models.EventRecord) (dedup.Outcome, error) {
	cur := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		seen := p.maxInFlight.Load()
		if cur <= seen || p.maxInFlight.CompareAndSwap(seen, cur) {
			break
		}
	}

	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, rec.EventID)
	if len(p.queue) > 0 {
		res := p.queue[0]
		p.queue = p.queue[1:]
		return res.outcome, res.err
	}
	return dedup.OutcomePersisted, nil
}

func (p *scriptedProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func defaultSessionConfig() *config.SessionConfig {
	return &config.SessionConfig{
		MaxFrameBytes: 1 << 20,
		WriteTimeout:  10 * time.Second,
		PongTimeout:   60 * time.Second,
		AckEnabled:    true,
	}
}

// startIngest runs a registry and an httptest server that upgrades every
// request into a real Session, mirroring the production handler wiring.
func startIngest(t *testing.T, proc Processor, mutate ...func(*config.SessionConfig)) (*httptest.Server, *Registry) {
	t.Helper()

	registry := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- registry.RunWithContext(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("registry did not stop")
		}
	})

	cfg := defaultSessionConfig()
	for _, m := range mutate {
		m(cfg)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		session := NewSession(registry, conn, proc, cfg)
		registry.Register <- session
		session.Start()
	}))
	t.Cleanup(server.Close)

	return server, registry
}

func dialSession(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	return conn
}

func readAck(t *testing.T, conn *websocket.Conn) models.Ack {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	var ack models.Ack
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("failed to read ack: %v", err)
	}
	return ack
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error(msg)
}

func TestNewSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(100 * time.Millisecond)
	}))
	defer server.Close()

	conn := dialSession(t, server)
	defer conn.Close()

	registry := NewRegistry()
	session := NewSession(registry, conn, &scriptedProcessor{}, defaultSessionConfig())

	if session.registry != registry {
		t.Error("session registry not set")
	}
	if cap(session.send) != 256 {
		t.Errorf("send channel capacity = %d, want 256", cap(session.send))
	}
	if session.limiter != nil {
		t.Error("limiter should be nil when rate limiting is disabled")
	}
	if session.ID() == 0 {
		t.Error("session id should be assigned")
	}

	limited := NewSession(registry, conn, &scriptedProcessor{}, &config.SessionConfig{
		MaxFrameBytes:      1 << 20,
		WriteTimeout:       10 * time.Second,
		PongTimeout:        60 * time.Second,
		MaxFramesPerSecond: 5,
	})
	if limited.limiter == nil {
		t.Error("limiter should be set when rate limiting is enabled")
	}
}

func TestSession_PersistedAck(t *testing.T) {
	proc := &scriptedProcessor{}
	server, _ := startIngest(t, proc)
	conn := dialSession(t, server)
	defer conn.Close()

	frame := `{"event_id":"evt-1","event_type":"user.created","payload":{"n":1}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}

	ack := readAck(t, conn)
	if ack.Status != models.AckPersisted {
		t.Errorf("ack status = %q, want %q", ack.Status, models.AckPersisted)
	}
	if ack.EventID != "evt-1" {
		t.Errorf("ack event_id = %q, want evt-1", ack.EventID)
	}
}

func TestSession_DuplicateAck(t *testing.T) {
	proc := &scriptedProcessor{queue: []processResult{{outcome: dedup.OutcomeDuplicate}}}
	server, _ := startIngest(t, proc)
	conn := dialSession(t, server)
	defer conn.Close()

	frame := `{"event_id":"evt-1","event_type":"user.created"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}

	if ack := readAck(t, conn); ack.Status != models.AckDuplicate {
		t.Errorf("ack status = %q, want %q", ack.Status, models.AckDuplicate)
	}
}

func TestSession_InvalidFrameKeepsSessionOpen(t *testing.T) {
	proc := &scriptedProcessor{}
	server, _ := startIngest(t, proc)
	conn := dialSession(t, server)
	defer conn.Close()

	// Garbage first: the frame is acked invalid and dropped without ever
	// reaching the processor, and the session stays open.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json at all")); err != nil {
		t.Fatalf("failed to write garbage: %v", err)
	}
	ack := readAck(t, conn)
	if ack.Status != models.AckInvalid {
		t.Errorf("ack status = %q, want %q", ack.Status, models.AckInvalid)
	}

	frame := `{"event_id":"evt-after-garbage","event_type":"user.created"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("failed to write frame after garbage: %v", err)
	}
	ack = readAck(t, conn)
	if ack.Status != models.AckPersisted {
		t.Errorf("ack status = %q, want %q after garbage", ack.Status, models.AckPersisted)
	}

	if got := proc.callCount(); got != 1 {
		t.Errorf("processor saw %d calls, want 1 (garbage must not reach it)", got)
	}
}

func TestSession_ValidationFailures(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"missing event_id", `{"event_type":"user.created"}`},
		{"empty event_id", `{"event_id":"","event_type":"user.created"}`},
		{"oversized event_id", `{"event_id":"` + strings.Repeat("a", 256) + `","event_type":"user.created"}`},
		{"missing event_type", `{"event_id":"evt-1"}`},
		{"oversized event_type", `{"event_id":"evt-1","event_type":"` + strings.Repeat("b", 101) + `"}`},
	}

	proc := &scriptedProcessor{}
	server, _ := startIngest(t, proc)
	conn := dialSession(t, server)
	defer conn.Close()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)); err != nil {
				t.Fatalf("failed to write frame: %v", err)
			}
			if ack := readAck(t, conn); ack.Status != models.AckInvalid {
				t.Errorf("ack status = %q, want %q", ack.Status, models.AckInvalid)
			}
		})
	}

	if got := proc.callCount(); got != 0 {
		t.Errorf("processor saw %d calls, want 0 for invalid frames", got)
	}
}

func TestSession_BoundaryEventIDAccepted(t *testing.T) {
	proc := &scriptedProcessor{}
	server, _ := startIngest(t, proc)
	conn := dialSession(t, server)
	defer conn.Close()

	id := strings.Repeat("a", 255)
	frame := `{"event_id":"` + id + `","event_type":"user.created"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}

	ack := readAck(t, conn)
	if ack.Status != models.AckPersisted {
		t.Errorf("ack status = %q, want %q for 255-byte id", ack.Status, models.AckPersisted)
	}
	if ack.EventID != id {
		t.Error("ack should carry the boundary event id")
	}
}

func TestSession_RetryableErrorKeepsSessionOpen(t *testing.T) {
	proc := &scriptedProcessor{queue: []processResult{
		{err: dedup.NewRetryableError("claim coordinator unavailable", nil)},
	}}
	server, _ := startIngest(t, proc)
	conn := dialSession(t, server)
	defer conn.Close()

	frame := `{"event_id":"evt-1","event_type":"user.created"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
	ack := readAck(t, conn)
	if ack.Status != models.AckRetry {
		t.Errorf("ack status = %q, want %q", ack.Status, models.AckRetry)
	}
	if ack.Error == "" {
		t.Error("retry ack should carry the error message")
	}

	// The client resends on the same session.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("failed to resend frame: %v", err)
	}
	if ack := readAck(t, conn); ack.Status != models.AckPersisted {
		t.Errorf("resend ack status = %q, want %q", ack.Status, models.AckPersisted)
	}
}

func TestSession_PermanentErrorKeepsSessionOpen(t *testing.T) {
	proc := &scriptedProcessor{queue: []processResult{
		{err: dedup.NewPermanentError("event store rejected record", nil)},
	}}
	server, _ := startIngest(t, proc)
	conn := dialSession(t, server)
	defer conn.Close()

	frame := `{"event_id":"evt-1","event_type":"user.created"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
	if ack := readAck(t, conn); ack.Status != models.AckFailed {
		t.Errorf("ack status = %q, want %q", ack.Status, models.AckFailed)
	}

	frame2 := `{"event_id":"evt-2","event_type":"user.created"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame2)); err != nil {
		t.Fatalf("failed to write frame after failure: %v", err)
	}
	if ack := readAck(t, conn); ack.Status != models.AckPersisted {
		t.Errorf("ack status = %q, want %q after failure", ack.Status, models.AckPersisted)
	}
}

func TestSession_AcksDisabled(t *testing.T) {
	proc := &scriptedProcessor{}
	server, _ := startIngest(t, proc, func(cfg *config.SessionConfig) {
		cfg.AckEnabled = false
	})
	conn := dialSession(t, server)
	defer conn.Close()

	frame := `{"event_id":"evt-1","event_type":"user.created"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}

	waitFor(t, time.Second, func() bool { return proc.callCount() == 1 },
		"processor never saw the frame")

	// No ack should arrive.
	if err := conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	var ack models.Ack
	if err := conn.ReadJSON(&ack); err == nil {
		t.Errorf("unexpected ack %+v with acks disabled", ack)
	}
}

func TestSession_StrictlySerializedProcessing(t *testing.T) {
	proc := &scriptedProcessor{delay: 10 * time.Millisecond}
	server, _ := startIngest(t, proc)
	conn := dialSession(t, server)
	defer conn.Close()

	// Fire frames back to back without reading acks; the read loop must
	// finish each Process before reading the next frame.
	const n = 10
	for i := 0; i < n; i++ {
		frame := `{"event_id":"evt-serial","event_type":"user.created"}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("failed to write frame %d: %v", i, err)
		}
	}

	waitFor(t, 5*time.Second, func() bool { return proc.callCount() == n },
		"not all frames were processed")

	if got := proc.maxInFlight.Load(); got != 1 {
		t.Errorf("max in-flight Process calls = %d, want 1", got)
	}
}

func TestSession_ClientDisconnectUnregisters(t *testing.T) {
	proc := &scriptedProcessor{}
	server, registry := startIngest(t, proc)
	conn := dialSession(t, server)

	waitFor(t, time.Second, func() bool { return registry.Count() == 1 },
		"session never registered")

	conn.Close()

	waitFor(t, time.Second, func() bool { return registry.Count() == 0 },
		"session never unregistered after disconnect")
}
