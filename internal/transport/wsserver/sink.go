// Package wsserver is a reference connection-acceptance adapter: it
// implements the connection-acceptance layer and transport sink
// collaborator contracts using gorilla/websocket and gin. It is not
// part of the core; the core never imports it. It exists so the
// core's Sink contract is exercised end-to-end. Adapted from the
// teacher's internal/gateway/websocket Client (read/write pump split,
// ping/pong keepalive); the write pump writes one message per frame.
package wsserver

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relayforge/agentbridge/internal/common/logger"
	"github.com/relayforge/agentbridge/internal/connmanager"
)

var errClosedSink = &connmanager.ClosedError{Err: errors.New("wsserver: sink is closed")}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBufferSize = 256
)

// Sink implements connmanager.Sink over a single gorilla/websocket
// connection.
type Sink struct {
	conn   *websocket.Conn
	send   chan []byte
	logger *logger.Logger

	mu     sync.Mutex
	closed bool
}

// NewSink wraps conn in a Sink and starts its write pump.
func NewSink(conn *websocket.Conn, log *logger.Logger) *Sink {
	s := &Sink{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: log,
	}
	go s.writePump()
	return s
}

// SendJSON marshals v and enqueues it for the write pump. When the
// sink is closed or its send buffer is full it returns a
// *connmanager.ClosedError, so the connection manager classifies it as
// a closed error without importing gorilla/websocket itself; a
// marshaling error is returned unchanged.
func (s *Sink) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosedSink
	}

	select {
	case s.send <- data:
		return nil
	default:
		s.logger.Warn("sink send buffer full, dropping write")
		return errClosedSink
	}
}

// Close is idempotent: a second call never raises.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.send)
	return nil
}

// ReadPump pumps inbound frames until the peer disconnects, discarding
// payload content. This adapter exists to exercise outbound delivery,
// not to dispatch inbound actions.
func (s *Sink) ReadPump(onClose func()) {
	defer onClose()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Sink) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := s.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				_ = w.Close()
				return
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
