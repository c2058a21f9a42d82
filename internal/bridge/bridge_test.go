package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/agentbridge/internal/common/config"
	"github.com/relayforge/agentbridge/internal/common/logger"
	"github.com/relayforge/agentbridge/internal/connmanager"
	"github.com/relayforge/agentbridge/internal/registry"
	"github.com/relayforge/agentbridge/internal/runid"
)

type recordingSink struct {
	sent []any
}

func (s *recordingSink) SendJSON(v any) error {
	s.sent = append(s.sent, v)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func newInitializedBridge(t *testing.T) (*Bridge, *connmanager.Manager, *registry.Registry) {
	t.Helper()
	log := newTestLogger(t)
	cfg := config.Default()

	connManager := connmanager.New(cfg.ConnManager, log)
	reg := registry.New(cfg.Registry, log)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	b := New(cfg.Bridge, log)
	require.NoError(t, b.Initialize(context.Background(), connManager, reg, nil))
	t.Cleanup(func() { b.Shutdown(context.Background()) })

	return b, connManager, reg
}

func TestInitialize_RejectsNilDependencies(t *testing.T) {
	log := newTestLogger(t)
	b := New(config.Default().Bridge, log)

	err := b.Initialize(context.Background(), nil, registry.New(config.Default().Registry, log), nil)
	assert.Error(t, err)

	b.mu.Lock()
	state := b.state
	b.mu.Unlock()
	assert.Equal(t, StateUninitialized, state)
}

func TestResolveThreadID_RegistryPriorityChain(t *testing.T) {
	b, _, reg := newInitializedBridge(t)

	require.True(t, reg.Register("rid_X", "thread_A", nil))

	orchestratorCalls := 0
	b.mu.Lock()
	b.orchestrator = func(runID string) (string, bool) {
		orchestratorCalls++
		if runID == "rid_X" {
			return "thread_B", true
		}
		return "", false
	}
	b.mu.Unlock()

	threadID, ok := b.ResolveThreadID("rid_X")
	require.True(t, ok)
	assert.Equal(t, "thread_A", threadID, "registry must win over the orchestrator callback")
	assert.Zero(t, orchestratorCalls, "orchestrator must not be consulted when the registry has an answer")

	require.True(t, reg.UnregisterRun("rid_X"))

	threadID, ok = b.ResolveThreadID("rid_X")
	require.True(t, ok)
	assert.Equal(t, "thread_B", threadID)
	assert.Equal(t, 1, orchestratorCalls)

	b.mu.Lock()
	b.orchestrator = nil
	b.mu.Unlock()

	legacyRunID := "thread_PATTERN_run_1700000000000_aabbccdd"
	threadID, ok = b.ResolveThreadID(legacyRunID)
	require.True(t, ok)
	assert.Equal(t, "PATTERN", threadID)

	_, ok = b.ResolveThreadID("unresolvable")
	assert.False(t, ok)
}

func TestEndToEndFlow_FiveEventsInOrderWithConsistentRouting(t *testing.T) {
	b, connManager, reg := newInitializedBridge(t)

	const user = "user_1"
	const thread = "thread_user_1_sess"

	rid, err := runid.Generate(thread, "e2e")
	require.NoError(t, err)
	require.True(t, reg.Register(rid, thread, nil))

	sink := &recordingSink{}
	conn := connmanager.NewConnection("c1", user, sink)
	connManager.AddConnection(conn)

	assert.True(t, b.NotifyAgentStarted(rid, user, "Analyzer", map[string]any{"task": "x"}))
	assert.True(t, b.NotifyAgentThinking(rid, user, "Analyzer", "r", 1))
	assert.True(t, b.NotifyToolExecuting(rid, user, "t", "e", map[string]any{}))
	assert.True(t, b.NotifyToolCompleted(rid, user, "t", map[string]any{"ok": true}, 0.1))
	assert.True(t, b.NotifyAgentCompleted(rid, user, "success", "done", 0))

	require.Len(t, sink.sent, 5)

	wantTypes := []string{"agent_started", "agent_thinking", "tool_executing", "tool_completed", "agent_completed"}
	var lastTimestamp time.Time
	for i, raw := range sink.sent {
		env, ok := raw.(map[string]any)
		require.True(t, ok)

		assert.Equal(t, wantTypes[i], env["type"])
		assert.Equal(t, rid, env["runId"])
		assert.Equal(t, thread, env["threadId"])
		assert.Equal(t, user, env["userId"])

		tsRaw, ok := env["timestamp"].(string)
		require.True(t, ok)
		ts, err := time.Parse(time.RFC3339Nano, tsRaw)
		require.NoError(t, err)
		assert.False(t, ts.Before(lastTimestamp))
		lastTimestamp = ts
	}
}

func TestNotify_ReturnsFalseBeforeInitialize(t *testing.T) {
	log := newTestLogger(t)
	b := New(config.Default().Bridge, log)

	assert.False(t, b.NotifyError("rid", "user", "E_X", "boom"))
}

func TestNotify_ReturnsFalseAfterShutdown(t *testing.T) {
	b, _, _ := newInitializedBridge(t)
	b.Shutdown(context.Background())

	assert.False(t, b.NotifyError("rid", "user", "E_X", "boom"))
}

func TestHealthCheck_ReportsDependencyHealth(t *testing.T) {
	b, _, _ := newInitializedBridge(t)

	health := b.HealthCheck()
	assert.Equal(t, StateActive, health.State)
	assert.True(t, health.ConnectionManagerHealthy)
	assert.True(t, health.RegistryHealthy)
}
