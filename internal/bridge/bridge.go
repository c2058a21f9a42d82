// Package bridge implements the Agent-to-WebSocket Bridge: the single
// entry point agents call to emit events. It owns the
// thread-resolution chain and delegates delivery to the connection
// manager. Grounded on the state-machine and health-monitor shape of
// the original AgentWebSocketBridge exercised by
// original_source's tests/e2e/websocket_core/test_agent_websocket_bridge_e2e.py
// and tests/mission_critical/test_websocket_bridge_thread_resolution.py.
package bridge

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relayforge/agentbridge/internal/common/config"
	"github.com/relayforge/agentbridge/internal/common/logger"
	"github.com/relayforge/agentbridge/internal/connmanager"
	"github.com/relayforge/agentbridge/internal/events"
	"github.com/relayforge/agentbridge/internal/registry"
	"github.com/relayforge/agentbridge/internal/runid"
)

// State is the bridge's lifecycle position.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateActive
	StateDegraded
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// OrchestratorLookup is the optional second link in the resolution
// chain: an injected function, not an object reference, so the bridge
// never holds a cyclic ownership edge back to whatever owns the
// orchestrator. Returns ("", false) when unavailable or uninitialized;
// it must never raise.
type OrchestratorLookup func(runID string) (threadID string, ok bool)

// Health is the snapshot returned by HealthCheck.
type Health struct {
	State                   State
	ConnectionManagerHealthy bool
	RegistryHealthy         bool
	UptimeSeconds           float64
	ConnectionCount         int
}

var (
	// ErrNotInitialized is the reason logged when a notify_* call made
	// before Initialize has completed successfully returns false.
	ErrNotInitialized = fmt.Errorf("bridge: not initialized")
	// ErrShutDown is the reason logged when a notify_* call made after
	// Shutdown returns false.
	ErrShutDown = fmt.Errorf("bridge: shut down")
)

// Bridge is a single per-process instance with an explicit state
// machine; it is constructed via New and never as a package-level
// singleton. The original's module-level _instance/_lock pattern is
// deliberately not carried forward.
type Bridge struct {
	cfg    config.BridgeConfig
	logger *logger.Logger

	mu           sync.Mutex
	state        State
	connManager  *connmanager.Manager
	registry     *registry.Registry
	orchestrator OrchestratorLookup
	startTime    time.Time
	consecutiveHealthFailures int

	shutdownCh chan struct{}
	healthDone chan struct{}
	closeOnce  sync.Once
}

// New constructs a Bridge in the Uninitialized state.
func New(cfg config.BridgeConfig, log *logger.Logger) *Bridge {
	return &Bridge{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "agent_websocket_bridge")),
		state:  StateUninitialized,
	}
}

// Initialize stores dependencies, verifies them, and transitions to
// Active. Must complete within cfg.InitTimeout; on failure the bridge
// remains Uninitialized.
func (b *Bridge) Initialize(ctx context.Context, connManager *connmanager.Manager, reg *registry.Registry, orchestrator OrchestratorLookup) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.InitTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- b.verifyAndActivate(connManager, reg, orchestrator)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("bridge: initialize did not complete within %s: %w", b.cfg.InitTimeout, ctx.Err())
	}
}

func (b *Bridge) verifyAndActivate(connManager *connmanager.Manager, reg *registry.Registry, orchestrator OrchestratorLookup) error {
	if connManager == nil {
		return fmt.Errorf("bridge: initialize: connectionManager is required")
	}
	if reg == nil {
		return fmt.Errorf("bridge: initialize: registry is required")
	}

	b.mu.Lock()
	b.state = StateInitializing
	b.mu.Unlock()

	b.mu.Lock()
	b.connManager = connManager
	b.registry = reg
	b.orchestrator = orchestrator
	b.startTime = time.Now()
	b.shutdownCh = make(chan struct{})
	b.healthDone = make(chan struct{})
	b.state = StateActive
	b.mu.Unlock()

	go b.healthMonitor()

	b.logger.Info("bridge initialized", zap.Duration("health_check_interval", b.cfg.HealthCheckInterval))
	return nil
}

// ResolveThreadID runs the resolution chain, returning the first
// non-empty answer: Registry, then the orchestrator callback, then
// pattern extraction from runID.
func (b *Bridge) ResolveThreadID(runID string) (string, bool) {
	b.mu.Lock()
	reg := b.registry
	orchestrator := b.orchestrator
	b.mu.Unlock()

	if reg != nil {
		if threadID, ok := reg.GetThread(runID); ok {
			return threadID, true
		}
	}

	if orchestrator != nil {
		if threadID, ok := orchestrator(runID); ok && threadID != "" {
			return threadID, true
		}
	}

	return runid.ExtractThreadID(runID)
}

// currentState returns the bridge's state and whether notify_* calls
// are currently permitted.
func (b *Bridge) currentState() (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateUninitialized, StateInitializing:
		return b.state, ErrNotInitialized
	case StateShutdown:
		return b.state, ErrShutDown
	default:
		return b.state, nil
	}
}

// notify resolves threadId, builds the envelope, and delegates to the
// connection manager. It never returns an error to the agent caller;
// failures collapse to a false return.
func (b *Bridge) notify(eventType events.Type, runID, userID string, business map[string]any) bool {
	if _, err := b.currentState(); err != nil {
		b.logger.Warn("notify called outside Active/Degraded", zap.String("event_type", string(eventType)), zap.Error(err))
		return false
	}

	threadID, _ := b.ResolveThreadID(runID)
	if threadID != "" {
		if _, ok := business["thread_id"]; !ok {
			business["thread_id"] = threadID
		}
	}

	b.mu.Lock()
	connManager := b.connManager
	b.mu.Unlock()
	if connManager == nil {
		return false
	}

	delivered, err := connManager.EmitCriticalEvent(userID, eventType, runID, threadID, business)
	if err != nil {
		b.logger.Error("failed to construct envelope", zap.String("event_type", string(eventType)), zap.Error(err))
		return false
	}
	return delivered
}

// NotifyAgentStarted emits agent_started.
func (b *Bridge) NotifyAgentStarted(runID, userID, agentName string, business map[string]any) bool {
	merged := mergeBusiness(business, map[string]any{
		"user_id":    userID,
		"agent_name": agentName,
	})
	return b.notify(events.AgentStarted, runID, userID, merged)
}

// NotifyAgentThinking emits agent_thinking.
func (b *Bridge) NotifyAgentThinking(runID, userID, agentName, reasoning string, stepNumber int) bool {
	business := map[string]any{
		"agent_name": agentName,
		"reasoning":  reasoning,
	}
	if stepNumber > 0 {
		business["step_number"] = stepNumber
	}
	return b.notify(events.AgentThinking, runID, userID, business)
}

// NotifyToolExecuting emits tool_executing.
func (b *Bridge) NotifyToolExecuting(runID, userID, toolName, executionID string, args map[string]any) bool {
	business := map[string]any{
		"tool_name":    toolName,
		"tool_args":    args,
		"execution_id": executionID,
	}
	return b.notify(events.ToolExecuting, runID, userID, business)
}

// NotifyToolCompleted emits tool_completed.
func (b *Bridge) NotifyToolCompleted(runID, userID, toolName string, results any, executionTime float64) bool {
	business := map[string]any{
		"tool_name":      toolName,
		"results":        results,
		"execution_time": executionTime,
	}
	return b.notify(events.ToolCompleted, runID, userID, business)
}

// NotifyAgentCompleted emits agent_completed.
func (b *Bridge) NotifyAgentCompleted(runID, userID, status, finalResponse string, durationMs int64) bool {
	business := map[string]any{
		"status":         status,
		"final_response": finalResponse,
	}
	if durationMs > 0 {
		business["duration_ms"] = durationMs
	}
	return b.notify(events.AgentCompleted, runID, userID, business)
}

// NotifyProgressUpdate emits progress_update.
func (b *Bridge) NotifyProgressUpdate(runID, userID string, percentage float64, message string) bool {
	business := map[string]any{
		"progress": map[string]any{
			"percentage": percentage,
			"message":    message,
		},
	}
	return b.notify(events.ProgressUpdate, runID, userID, business)
}

// NotifyError emits error.
func (b *Bridge) NotifyError(runID, userID, errorCode, message string) bool {
	business := map[string]any{
		"error_code": errorCode,
		"message":    message,
	}
	return b.notify(events.Error, runID, userID, business)
}

func mergeBusiness(base, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// HealthCheck samples dependency health without mutating state.
func (b *Bridge) HealthCheck() Health {
	b.mu.Lock()
	state := b.state
	connManager := b.connManager
	reg := b.registry
	startTime := b.startTime
	b.mu.Unlock()

	health := Health{State: state}
	if connManager != nil {
		health.ConnectionManagerHealthy = true
		health.ConnectionCount = connManager.GetConnectionCount()
	}
	if reg != nil {
		_, err := reg.GetMetrics()
		health.RegistryHealthy = err == nil
	}
	if !startTime.IsZero() {
		health.UptimeSeconds = time.Since(startTime).Seconds()
	}
	return health
}

// healthMonitor samples dependencies on cfg.HealthCheckInterval and
// transitions Active → Degraded after two consecutive failed probes,
// triggering attemptRecovery.
func (b *Bridge) healthMonitor() {
	defer close(b.healthDone)

	interval := b.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.shutdownCh:
			return
		case <-ticker.C:
			b.probeOnce()
		}
	}
}

func (b *Bridge) probeOnce() {
	health := b.HealthCheck()

	b.mu.Lock()
	healthy := health.ConnectionManagerHealthy && health.RegistryHealthy
	if healthy {
		b.consecutiveHealthFailures = 0
		if b.state == StateDegraded {
			b.state = StateActive
		}
		b.mu.Unlock()
		return
	}

	b.consecutiveHealthFailures++
	degrade := b.consecutiveHealthFailures >= 2 && b.state == StateActive
	if degrade {
		b.state = StateDegraded
	}
	b.mu.Unlock()

	if degrade {
		b.logger.Warn("bridge degraded after consecutive failed health probes")
		go b.attemptRecovery()
	}
}

// attemptRecovery re-runs verification with exponential backoff (base
// 1s, max 10s, up to cfg.RecoveryMaxAttempts). Success transitions
// back to Active.
func (b *Bridge) attemptRecovery() {
	maxAttempts := b.cfg.RecoveryMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		delay := time.Duration(math.Min(
			float64(b.cfg.RecoveryBaseDelay)*math.Pow(2, float64(attempt-1)),
			float64(b.cfg.RecoveryMaxDelay),
		))
		time.Sleep(delay)

		health := b.HealthCheck()
		if health.ConnectionManagerHealthy && health.RegistryHealthy {
			b.mu.Lock()
			b.consecutiveHealthFailures = 0
			if b.state == StateDegraded {
				b.state = StateActive
			}
			b.mu.Unlock()
			b.logger.Info("bridge recovered", zap.Int("attempt", attempt))
			return
		}
	}

	b.logger.Error("bridge recovery exhausted attempts, staying degraded", zap.Int("attempts", maxAttempts))
}

// Shutdown transitions to Shutdown and stops the health monitor with a
// bounded join.
func (b *Bridge) Shutdown(ctx context.Context) {
	b.mu.Lock()
	if b.state == StateShutdown {
		b.mu.Unlock()
		return
	}
	b.state = StateShutdown
	shutdownCh := b.shutdownCh
	healthDone := b.healthDone
	b.mu.Unlock()

	if shutdownCh != nil {
		b.closeOnce.Do(func() { close(shutdownCh) })
	}
	if healthDone != nil {
		select {
		case <-healthDone:
		case <-time.After(3 * time.Second):
		case <-ctx.Done():
		}
	}
}
