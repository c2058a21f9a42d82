package wsserver

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relayforge/agentbridge/internal/common/logger"
	"github.com/relayforge/agentbridge/internal/connmanager"
)

// Authenticator verifies the incoming request and returns the
// authenticated userId, or ok=false to reject the upgrade.
type Authenticator func(r *http.Request) (userID string, ok bool)

// Server is a minimal gin router that upgrades a single endpoint to
// WebSocket and drives the connection manager's addConnection /
// removeConnection lifecycle around it. It is a reference adapter,
// not part of the core.
type Server struct {
	connManager *connmanager.Manager
	logger      *logger.Logger
	router      *gin.Engine
	upgrader    websocket.Upgrader
	authenticate Authenticator

	connCounter uint64
}

// NewServer builds a Server wired to connManager. auth is consulted
// after the connection is accepted: the connectionId must be assigned
// before authentication completes.
func NewServer(connManager *connmanager.Manager, log *logger.Logger, auth Authenticator) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		connManager:  connManager,
		logger:       log.WithFields(zap.String("component", "wsserver")),
		router:       gin.New(),
		authenticate: auth,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWS)
	return s
}

// Router returns the underlying http.Handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": s.connManager.GetConnectionCount()})
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	connectionID := s.nextConnectionID()

	userID, ok := s.authenticate(c.Request)
	if !ok {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"))
		_ = conn.Close()
		return
	}

	sink := NewSink(conn, s.logger.WithFields(zap.String("connection_id", connectionID)))
	connection := connmanager.NewConnection(connectionID, userID, sink)
	s.connManager.AddConnection(connection)

	sink.ReadPump(func() {
		s.connManager.RemoveConnection(connectionID)
	})
}

// nextConnectionID produces an id of the form
// "ws_<timestampMillis>_<counter>".
func (s *Server) nextConnectionID() string {
	n := atomic.AddUint64(&s.connCounter, 1)
	return fmt.Sprintf("ws_%d_%d", time.Now().UnixMilli(), n)
}
