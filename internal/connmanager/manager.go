// Package connmanager owns the set of live user-facing connections:
// ordered per-connection delivery, send-after-close prevention, and
// bounded recovery-on-reconnect. Adapted from the teacher's
// internal/gateway/websocket hub/client pattern
// (_examples/kdlbs-kandev/apps/backend/internal/gateway/websocket),
// generalized to an abstract Sink transport contract.
package connmanager

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relayforge/agentbridge/internal/common/config"
	"github.com/relayforge/agentbridge/internal/common/logger"
	"github.com/relayforge/agentbridge/internal/events"
)

// queuedEnvelope is one entry in a user's bounded failed-delivery FIFO.
type queuedEnvelope struct {
	envelope map[string]any
	reason   string
}

// Manager owns connections, userConnections, and failedDeliveries.
type Manager struct {
	cfg    config.ConnManagerConfig
	logger *logger.Logger

	mu               sync.Mutex
	connections      map[string]*Connection
	userConnections  map[string]map[string]struct{}
	failedDeliveries map[string][]queuedEnvelope

	errorsByUser map[string]int64
	errorsByKind map[string]int64
}

// New constructs an empty Manager.
func New(cfg config.ConnManagerConfig, log *logger.Logger) *Manager {
	return &Manager{
		cfg:              cfg,
		logger:           log.WithFields(zap.String("component", "connection_manager")),
		connections:      make(map[string]*Connection),
		userConnections:  make(map[string]map[string]struct{}),
		failedDeliveries: make(map[string][]queuedEnvelope),
		errorsByUser:     make(map[string]int64),
		errorsByKind:     make(map[string]int64),
	}
}

// AddConnection registers conn in both indices. If a connection with
// the same id already exists, the call is idempotent on identity but
// refreshes lastActivityAt. When this is the first active connection
// registered for its userId and that user has queued failed
// deliveries, they are drained to conn in FIFO order before
// AddConnection returns.
func (m *Manager) AddConnection(conn *Connection) {
	m.mu.Lock()
	if existing, ok := m.connections[conn.ID]; ok {
		m.mu.Unlock()
		existing.touch()
		return
	}

	m.connections[conn.ID] = conn
	if m.userConnections[conn.UserID] == nil {
		m.userConnections[conn.UserID] = make(map[string]struct{})
	}
	isFirstForUser := len(m.userConnections[conn.UserID]) == 0
	m.userConnections[conn.UserID][conn.ID] = struct{}{}

	var toDrain []queuedEnvelope
	if isFirstForUser {
		toDrain = m.failedDeliveries[conn.UserID]
		delete(m.failedDeliveries, conn.UserID)
	}
	m.mu.Unlock()

	conn.MarkReady()

	for _, q := range toDrain {
		recovered := map[string]any{}
		for k, v := range q.envelope {
			recovered[k] = v
		}
		recovered["recovered"] = true
		recovered["original_failure"] = q.reason

		if err := conn.send(recovered); err != nil {
			m.recordError(conn.UserID, classifyErrorKind(err))
			m.enqueueFailed(conn.UserID, q.envelope, q.reason)
			continue
		}
		deliveriesRecoveredTotal.Inc()
		messagesSentTotal.WithLabelValues("recovered").Inc()
	}
}

// RemoveConnection sets isClosing, removes conn from both indices,
// and closes the transport sink if it is not already closed.
func (m *Manager) RemoveConnection(connID string) {
	m.mu.Lock()
	conn, ok := m.connections[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.connections, connID)
	if set, ok := m.userConnections[conn.UserID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(m.userConnections, conn.UserID)
		}
	}
	m.mu.Unlock()

	if conn.beginClose() {
		if err := conn.sink.Close(); err != nil {
			m.logger.Debug("transport close returned error", zap.String("connection_id", connID), zap.Error(err))
		}
	}
	conn.finishClose()
}

// SendMessage sends envelope on connID. A precondition failure (the
// connection is missing, already closing, or past its sendable state)
// returns false immediately with no retry and nothing queued. A
// *ClosedError from the transport marks the connection closing and
// also returns false with no retry and nothing queued. Any other send
// error is treated as transient and retried with backoff before the
// envelope is promoted to failedDeliveries.
func (m *Manager) SendMessage(connID string, envelope map[string]any) bool {
	m.mu.Lock()
	conn, ok := m.connections[connID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	err := conn.send(envelope)
	if err == nil {
		messagesSentTotal.WithLabelValues("ok").Inc()
		return true
	}

	if isClosedError(err) {
		m.recordError(conn.UserID, "closed")
		messagesSentTotal.WithLabelValues("closed").Inc()
		return false
	}

	if isNotSendable(err) {
		messagesSentTotal.WithLabelValues("not_sendable").Inc()
		return false
	}

	for attempt := 1; attempt <= m.cfg.RetryAttempts; attempt++ {
		backoff := time.Duration(float64(m.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt)))
		time.Sleep(backoff)

		err = conn.send(envelope)
		if err == nil {
			messagesSentTotal.WithLabelValues("ok_retry").Inc()
			return true
		}
		if isClosedError(err) {
			m.recordError(conn.UserID, "closed")
			messagesSentTotal.WithLabelValues("closed").Inc()
			return false
		}
		if isNotSendable(err) {
			messagesSentTotal.WithLabelValues("not_sendable").Inc()
			return false
		}
	}

	m.recordError(conn.UserID, "websocket_update")
	m.enqueueFailed(conn.UserID, envelope, err.Error())
	messagesSentTotal.WithLabelValues("queued").Inc()
	return false
}

// SendToUser fans out envelope to every active connection for userId.
// Returns true iff at least one send succeeds. With zero active
// connections, the envelope is queued in failedDeliveries.
func (m *Manager) SendToUser(userID string, envelope map[string]any) bool {
	connIDs := m.GetUserConnections(userID)
	if len(connIDs) == 0 {
		m.enqueueFailed(userID, envelope, "no_active_connection")
		return false
	}

	delivered := false
	for _, connID := range connIDs {
		if m.SendMessage(connID, envelope) {
			delivered = true
		}
	}
	return delivered
}

// Broadcast sends envelope to every currently-safe-to-send connection,
// skipping (never erroring on) any that fail their precondition check.
func (m *Manager) Broadcast(envelope map[string]any) {
	m.mu.Lock()
	snapshot := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		snapshot = append(snapshot, conn)
	}
	m.mu.Unlock()

	for _, conn := range snapshot {
		if conn.IsClosing() {
			continue
		}
		_ = m.SendMessage(conn.ID, envelope)
	}
}

// EmitCriticalEvent constructs the envelope for eventType and
// delivers it to userID via SendToUser.
func (m *Manager) EmitCriticalEvent(userID string, eventType events.Type, runID, threadID string, business map[string]any) (bool, error) {
	envelope, err := events.New(eventType, runID, threadID, userID, business)
	if err != nil {
		return false, fmt.Errorf("connmanager: constructing envelope: %w", err)
	}
	delivered := m.SendToUser(userID, envelope)
	return delivered, nil
}

// IsConnectionActive reports whether userId has at least one
// non-closing connection.
func (m *Manager) IsConnectionActive(userID string) bool {
	return len(m.GetUserConnections(userID)) > 0
}

// GetUserConnections returns the ids of userId's currently non-closing
// connections.
func (m *Manager) GetUserConnections(userID string) []string {
	m.mu.Lock()
	set := m.userConnections[userID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.Unlock()

	active := make([]string, 0, len(conns))
	for _, conn := range conns {
		if !conn.IsClosing() {
			active = append(active, conn.ID)
		}
	}
	return active
}

// GetConnectionCount returns the total number of tracked connections.
func (m *Manager) GetConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

// enqueueFailed appends envelope to userId's bounded FIFO, dropping
// the oldest entry when at capacity.
func (m *Manager) enqueueFailed(userID string, envelope map[string]any, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	capacity := m.cfg.MaxFailedQueue
	if capacity <= 0 {
		capacity = 10
	}

	queue := m.failedDeliveries[userID]
	if len(queue) >= capacity {
		queue = queue[1:]
		deliveriesDroppedTotal.Inc()
	}
	queue = append(queue, queuedEnvelope{envelope: envelope, reason: reason})
	m.failedDeliveries[userID] = queue
	deliveriesQueuedTotal.Inc()
}

func (m *Manager) recordError(userID, kind string) {
	m.mu.Lock()
	m.errorsByUser[userID]++
	m.errorsByKind[kind]++
	m.mu.Unlock()
	errorsByKindTotal.WithLabelValues(kind).Inc()
}

func classifyErrorKind(err error) string {
	if isClosedError(err) {
		return "closed"
	}
	return "transient"
}
