package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fedsig/threatnet/internal/metrics"
	"github.com/fedsig/threatnet/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// Outbound buffer per session. A session that cannot drain this many
	// frames is dropped rather than allowed to stall the broadcast path.
	sendBuffer = 64

	maxMessageSize = 64 * 1024
)

// Session is one live websocket connection. A session starts anonymous and
// binds to a client_id on the first client_register frame.
type Session struct {
	ID       string
	ClientID string

	hub  *Hub
	conn *websocket.Conn
	send chan models.Envelope

	done     chan struct{}
	doneOnce sync.Once
}

func newSession(id string, h *Hub, conn *websocket.Conn) *Session {
	return &Session{
		ID:   id,
		hub:  h,
		conn: conn,
		send: make(chan models.Envelope, sendBuffer),
		done: make(chan struct{}),
	}
}

// Send queues an envelope for the session. A full buffer means the peer is
// not draining: the session is dropped and its client marked offline, so
// one slow consumer never backs up the rest of the hub.
func (s *Session) Send(env models.Envelope) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.send <- env:
	case <-s.done:
	default:
		metrics.DroppedSessions.Inc()
		log.Printf("[Hub] Session %s buffer full, dropping session", shortID(s.ID))
		go s.hub.unregister(s)
	}
}

// shutdown signals both pumps to exit. Safe to call more than once.
func (s *Session) shutdown() {
	s.doneOnce.Do(func() { close(s.done) })
}

// readPump decodes inbound envelopes and hands them to the hub until the
// connection dies. It owns the read side of the connection.
func (s *Session) readPump() {
	defer s.hub.unregister(s)

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Hub] Session %s read error: %v", shortID(s.ID), err)
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.sendError("malformed envelope")
			continue
		}
		s.hub.handleEnvelope(s, env)
	}
}

// writePump drains the send buffer onto the wire and keeps the connection
// alive with pings. It owns the write side of the connection and exits when
// the session shuts down.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case env := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(env); err != nil {
				log.Printf("[Hub] Session %s write error: %v", shortID(s.ID), err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (s *Session) sendError(message string) {
	env, err := models.NewEnvelope(models.EventError, models.ErrorPayload{Message: message})
	if err != nil {
		return
	}
	s.Send(env)
}
