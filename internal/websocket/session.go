// EventGate - Distributed Event Ingestion and Deduplication Gateway
// Copyright 2026 M. Tarnawa (mtarnawa)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mtarnawa/eventgate

package websocket

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mtarnawa/eventgate/internal/config"
	"github.com/mtarnawa/eventgate/internal/dedup"
	"github.com/mtarnawa/eventgate/internal/logging"
	"github.com/mtarnawa/eventgate/internal/metrics"
	"github.com/mtarnawa/eventgate/internal/models"
)

// Processor settles one decoded event record. Implementations include the
// dedup processor and scripted fakes in tests.
type Processor interface {
	Process(ctx context.Context, rec *models.EventRecord) (dedup.Outcome, error)
}

// sessionIDCounter generates unique, monotonically increasing session ids so
// registry operations and logs have a stable ordering key.
var sessionIDCounter atomic.Uint64

// Session is one client connection: a read pump decoding and processing
// frames strictly in order, and a write pump delivering acks and pings.
type Session struct {
	id        uint64
	registry  *Registry
	conn      *websocket.Conn
	processor Processor
	cfg       *config.SessionConfig
	limiter   *rate.Limiter
	send      chan models.Ack
	remote    string

	// ctx ends with the session; an in-flight claim aborts promptly once
	// the connection is gone, while the post-claim phase detaches from it
	// inside the processor.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSession creates a Session for an upgraded connection. The session does
// not run until Start is called, and is registered by the caller.
func NewSession(registry *Registry, conn *websocket.Conn, processor Processor, cfg *config.SessionConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if cfg.MaxFramesPerSecond > 0 {
		burst := int(cfg.MaxFramesPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxFramesPerSecond), burst)
	}

	return &Session{
		id:        sessionIDCounter.Add(1),
		registry:  registry,
		conn:      conn,
		processor: processor,
		cfg:       cfg,
		limiter:   limiter,
		send:      make(chan models.Ack, 256),
		remote:    conn.RemoteAddr().String(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() uint64 {
	return s.id
}

// Start begins the read and write pumps.
func (s *Session) Start() {
	go s.writePump()
	go s.readPump()
}

// readPump reads frames until the connection dies. One frame is one event
// record, and processing is strictly serialized: the next read does not
// happen until the previous record has settled, so a client writing
// sequentially can never race itself on the same event id.
func (s *Session) readPump() {
	defer func() {
		s.cancel()
		s.registry.Unregister <- s
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(s.cfg.MaxFrameBytes)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn().
					Err(err).
					Uint64("session_id", s.id).
					Msg("unexpected websocket close")
			}
			break
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				break
			}
		}

		s.handleFrame(frame)
	}
}

// handleFrame settles one inbound frame. Invalid input is acked and dropped;
// it never closes the session. Processing failures are likewise answered on
// the session, not raised out of it.
func (s *Session) handleFrame(frame []byte) {
	metrics.RecordFrameReceived()

	rec, err := models.DecodeEventRecord(frame)
	if err != nil {
		reason := "decode"
		var vErr *models.ValidationError
		if errors.As(err, &vErr) {
			reason = "validation"
		}
		metrics.RecordInvalidFrame(reason)
		logging.Warn().
			Err(err).
			Uint64("session_id", s.id).
			Str("reason", reason).
			Msg("dropping invalid frame")
		s.ack(models.Ack{Status: models.AckInvalid, Error: err.Error()})
		return
	}

	outcome, err := s.processor.Process(s.ctx, &rec)
	switch {
	case err == nil && outcome == dedup.OutcomePersisted:
		s.ack(models.Ack{Status: models.AckPersisted, EventID: rec.EventID})
	case err == nil:
		s.ack(models.Ack{Status: models.AckDuplicate, EventID: rec.EventID})
	case dedup.IsRetryableError(err):
		s.ack(models.Ack{Status: models.AckRetry, EventID: rec.EventID, Error: err.Error()})
	default:
		s.ack(models.Ack{Status: models.AckFailed, EventID: rec.EventID, Error: err.Error()})
	}
}

// ack queues an acknowledgement for the write pump. Acks are advisory, so a
// stalled client loses acks rather than stalling the read loop.
func (s *Session) ack(a models.Ack) {
	if !s.cfg.AckEnabled {
		return
	}
	select {
	case s.send <- a:
	default:
		logging.Warn().Uint64("session_id", s.id).Msg("ack channel full, dropping ack")
	}
}

// writePump delivers acks and keepalive pings until the send channel closes
// or a write fails.
func (s *Session) writePump() {
	pingPeriod := s.cfg.PongTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case a, ok := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}

			if !ok {
				// The registry closed the channel.
				if err := s.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					logging.Debug().Err(err).Msg("failed to write close message")
				}
				return
			}

			if err := s.conn.WriteJSON(a); err != nil {
				logging.Debug().Err(err).Uint64("session_id", s.id).Msg("failed to write ack")
				return
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline for ping")
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
