package signaling

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/NiklasEi/game-off-2021/pkg/webrtc/protocol"
)

type sessionState int

const (
	stateAwaitingIdentity sessionState = iota
	stateActive
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitingIdentity:
		return "awaiting-identity"
	case stateActive:
		return "active"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// session is one accepted connection. readPump owns state and peer; the
// outbound queue is drained by writePump.
type session struct {
	hub    *Hub
	conn   *websocket.Conn
	room   RequestedRoom
	out    *queue
	ctx    context.Context
	cancel context.CancelFunc

	// connLog is fixed at accept time and safe from any goroutine; logger
	// gains the peer field and is only used by the read goroutine.
	connLog *logrus.Entry
	logger  *logrus.Entry

	state sessionState
	peer  protocol.PeerID

	closeOnce sync.Once
}

// readPump decodes inbound frames until the transport fails, then tears the
// session down.
//
// The application runs readPump in a per-connection goroutine. All reads
// happen on this goroutine.
func (s *session) readPump() {
	defer s.teardown()

	s.conn.SetReadLimit(s.hub.readLimit)
	if s.hub.pingInterval > 0 {
		wait := s.pongWait()
		_ = s.conn.SetReadDeadline(time.Now().Add(wait))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) && s.ctx.Err() == nil {
				s.logger.WithError(err).Warn("read failed")
			}
			return
		}

		if msgType != websocket.TextMessage {
			s.logger.WithField("bytes", len(data)).Error("binary frame ignored, expected text")
			continue
		}
		// Only valid UTF-8 may reach another peer's text frames.
		if !utf8.Valid(data) {
			s.logger.WithField("bytes", len(data)).Error("text frame is not valid UTF-8")
			continue
		}

		req, err := protocol.DecodeRequest(data)
		if err != nil {
			s.logger.WithError(err).Error("bad request frame")
			continue
		}
		s.handle(req)
	}
}

func (s *session) handle(req protocol.PeerRequest) {
	s.logger.WithField("request", req.Kind).Debug("inbound")

	switch s.state {
	case stateAwaitingIdentity:
		switch req.Kind {
		case protocol.RequestUUID:
			s.identify(req.ID)
		case protocol.RequestSignal:
			s.logger.WithField("receiver", req.Receiver).Warn("signal before uuid, dropped")
		}

	case stateActive:
		switch req.Kind {
		case protocol.RequestUUID:
			s.logger.WithField("uuid", req.ID).Warn("uuid set more than once, ignored")
		case protocol.RequestSignal:
			if err := s.hub.dispatch.relay(s.peer, req.Receiver, req.Data); err != nil {
				s.logger.WithError(err).WithField("receiver", req.Receiver).Warn("signal not delivered")
				return
			}
			s.logger.WithField("receiver", req.Receiver).Debug("signal relayed")
		}
	}
}

func (s *session) identify(id protocol.PeerID) {
	members, err := s.hub.dispatch.join(id, s.room, s.out)
	if err != nil {
		// The connection stays open and may try another id.
		s.logger.WithError(err).WithField("uuid", id).Warn("registration rejected")
		return
	}
	s.peer = id
	s.state = stateActive
	s.logger = s.logger.WithField("peer", id)
	s.logger.WithField("members", len(members)).Info("peer registered")

	s.hub.mirrorJoin(s)
}

// teardown runs once when the read loop ends.
func (s *session) teardown() {
	s.closeOnce.Do(func() {
		prev := s.state
		s.state = stateClosed
		if s.out.Overflowed() {
			s.logger.WithField("limit", s.hub.outboxLimit).Warn("outbox limit reached, disconnected")
		}
		if prev == stateActive {
			s.hub.dispatch.leave(s.peer)
			s.logger.Info("peer removed")
			s.hub.mirrorLeave(s)
		}
		s.out.Close()
		s.cancel()
		_ = s.conn.Close()
		s.hub.untrack(s)
		s.logger.WithField("state", prev).Debug("connection closed")
		if prev == stateActive {
			s.hub.afterLeave()
		}
	})
}

// writePump drains the outbound queue onto the connection and sends pings.
//
// At most one goroutine writes data frames to a connection; this is it.
func (s *session) writePump() {
	var tick <-chan time.Time
	if s.hub.pingInterval > 0 {
		ticker := time.NewTicker(s.hub.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer func() {
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.out.ready:
			frames, done := s.out.take()
			for _, frame := range frames {
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					s.connLog.WithError(err).Warn("write failed")
					s.cancel()
					return
				}
			}
			if done {
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
		case <-tick:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.cancel()
				return
			}
		}
	}
}

// goAway asks the peer to close and stops the write pump, which closes the
// connection and ends the read loop.
func (s *session) goAway() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.cancel()
}

func (s *session) pongWait() time.Duration {
	return s.hub.pingInterval * 3 / 2
}
