package wsserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/agentbridge/internal/common/config"
	"github.com/relayforge/agentbridge/internal/common/logger"
	"github.com/relayforge/agentbridge/internal/connmanager"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func TestServer_HealthEndpoint(t *testing.T) {
	log := newTestLogger(t)
	cm := connmanager.New(config.Default().ConnManager, log)
	srv := NewServer(cm, log, func(*http.Request) (string, bool) { return "u1", true })

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_UpgradeAndDeliverMessage(t *testing.T) {
	log := newTestLogger(t)
	cm := connmanager.New(config.Default().ConnManager, log)
	srv := NewServer(cm, log, func(*http.Request) (string, bool) { return "u1", true })

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?user_id=u1"
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return cm.IsConnectionActive("u1")
	}, time.Second, 10*time.Millisecond)

	delivered := cm.SendToUser("u1", map[string]any{"type": "agent_started", "agent_name": "Analyzer"})
	assert.True(t, delivered)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "agent_started")
}

func TestServer_RejectsFailedAuthentication(t *testing.T) {
	log := newTestLogger(t)
	cm := connmanager.New(config.Default().ConnManager, log)
	srv := NewServer(cm, log, func(*http.Request) (string, bool) { return "", false })

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "rejected connections must be closed by the server")
}
