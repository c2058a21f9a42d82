// Package registry implements the thread-to-run registry: the SSOT
// mapping run identifiers to thread identifiers so the bridge can
// route agent events without depending on the orchestrator being
// reachable. Adapted from the teacher's map+mutex idioms
// (internal/events/bus/memory.go) and grounded on the original
// ThreadRunRegistry (original_source/netra_backend/app/services/thread_run_registry.py).
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relayforge/agentbridge/internal/common/config"
	"github.com/relayforge/agentbridge/internal/common/logger"
)

// Mapping represents one thread-to-run association with lifecycle
// tracking.
type Mapping struct {
	RunID        string
	ThreadID     string
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
	Metadata     map[string]any
}

// Metrics is a point-in-time snapshot of registry health.
type Metrics struct {
	ActiveMappings         int
	TotalRegistrations      int64
	SuccessfulLookups       int64
	FailedLookups           int64
	LookupSuccessRate       float64
	ExpiredMappingsCleaned  int64
	UptimeSeconds           float64
	MemoryUsagePercent      float64
	LastCleanup             time.Time
	ShutDown                bool
}

// ErrShutDown is returned by getMetrics-equivalent snapshot calls made
// after Shutdown.
var ErrShutDown = fmt.Errorf("registry: shut down")

// Registry is the SSOT for thread-run mappings. Safe for concurrent
// use; all operations take a single mutex for the minimum scope
// necessary.
type Registry struct {
	cfg    config.RegistryConfig
	logger *logger.Logger

	mu           sync.Mutex
	runToThread  map[string]*Mapping
	threadToRuns map[string]map[string]struct{}

	totalRegistrations    int64
	successfulLookups     int64
	failedLookups         int64
	expiredMappingsCleaned int64
	lastCleanup           time.Time
	startTime             time.Time
	shutDown              bool

	cleanupDone chan struct{}
	shutdownCh  chan struct{}
	once        sync.Once
}

// New constructs a Registry and starts its background cleanup sweep.
func New(cfg config.RegistryConfig, log *logger.Logger) *Registry {
	r := &Registry{
		cfg:          cfg,
		logger:       log.WithFields(zap.String("component", "thread_run_registry")),
		runToThread:  make(map[string]*Mapping),
		threadToRuns: make(map[string]map[string]struct{}),
		lastCleanup:  time.Now(),
		startTime:    time.Now(),
		cleanupDone:  make(chan struct{}),
		shutdownCh:   make(chan struct{}),
	}

	r.logger.Info("registry initialized",
		zap.Duration("ttl", cfg.MappingTTL),
		zap.Duration("cleanup_interval", cfg.CleanupInterval))

	go r.cleanupLoop()

	return r
}

// Register inserts or replaces the runId → threadId mapping. Returns
// false without mutating state if runId or threadId is empty, or if
// threadId contains the reserved "_run_" separator.
func (r *Registry) Register(runID, threadID string, metadata map[string]any) bool {
	if strings.TrimSpace(runID) == "" || strings.TrimSpace(threadID) == "" {
		r.logger.Error("invalid registration argument", zap.String("run_id", runID), zap.String("thread_id", threadID))
		return false
	}
	if strings.Contains(threadID, "_run_") {
		r.logger.Error("thread_id contains reserved separator", zap.String("thread_id", threadID))
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutDown {
		return false
	}

	if existing, ok := r.runToThread[runID]; ok && existing.ThreadID != threadID {
		r.detachLocked(runID, existing.ThreadID)
	}

	now := time.Now()
	r.runToThread[runID] = &Mapping{
		RunID:        runID,
		ThreadID:     threadID,
		CreatedAt:    now,
		LastAccessed: now,
		Metadata:     metadata,
	}
	if r.threadToRuns[threadID] == nil {
		r.threadToRuns[threadID] = make(map[string]struct{})
	}
	r.threadToRuns[threadID][runID] = struct{}{}

	r.totalRegistrations++

	if r.cfg.EnableDebugLogging {
		r.logger.Debug("registered mapping", zap.String("run_id", runID), zap.String("thread_id", threadID), zap.Any("metadata", metadata))
	}
	return true
}

// detachLocked removes runID from threadID's reverse set, deleting the
// thread entry if it becomes empty. Caller holds r.mu.
func (r *Registry) detachLocked(runID, threadID string) {
	runs, ok := r.threadToRuns[threadID]
	if !ok {
		return
	}
	delete(runs, runID)
	if len(runs) == 0 {
		delete(r.threadToRuns, threadID)
	}
}

// GetThread resolves runId to its threadId. Returns ("", false) on
// miss, expiry, or after shutdown.
func (r *Registry) GetThread(runID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutDown {
		return "", false
	}

	mapping, ok := r.runToThread[runID]
	if !ok || r.isExpiredLocked(mapping) {
		r.failedLookups++
		if r.cfg.EnableDebugLogging {
			r.logger.Debug("lookup miss", zap.String("run_id", runID))
		}
		return "", false
	}

	mapping.LastAccessed = time.Now()
	mapping.AccessCount++
	r.successfulLookups++

	if r.cfg.EnableDebugLogging {
		r.logger.Debug("lookup success", zap.String("run_id", runID), zap.String("thread_id", mapping.ThreadID))
	}
	return mapping.ThreadID, true
}

// GetRuns returns the non-expired run IDs registered for threadId.
// Does not update access timestamps of the returned mappings.
func (r *Registry) GetRuns(threadID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	runs := r.threadToRuns[threadID]
	out := make([]string, 0, len(runs))
	for runID := range runs {
		if mapping, ok := r.runToThread[runID]; ok && !r.isExpiredLocked(mapping) {
			out = append(out, runID)
		}
	}
	return out
}

// UnregisterRun removes runId from both indices. Returns false if
// runId was not present.
func (r *Registry) UnregisterRun(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	mapping, ok := r.runToThread[runID]
	if !ok {
		return false
	}
	delete(r.runToThread, runID)
	r.detachLocked(runID, mapping.ThreadID)
	return true
}

// isExpiredLocked reports whether mapping is past its TTL. A mapping
// with a zero CreatedAt/LastAccessed (corrupted state) is treated as
// expired. Caller holds r.mu.
func (r *Registry) isExpiredLocked(mapping *Mapping) bool {
	if mapping == nil || mapping.LastAccessed.IsZero() || mapping.CreatedAt.IsZero() {
		return true
	}
	return time.Since(mapping.LastAccessed) > r.cfg.MappingTTL
}

// CleanupOldMappings sweeps expired entries from both indices and
// returns the number removed.
func (r *Registry) CleanupOldMappings() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cleanupOldMappingsLocked()
}

func (r *Registry) cleanupOldMappingsLocked() int {
	removed := 0
	for runID, mapping := range r.runToThread {
		if r.isExpiredLocked(mapping) {
			delete(r.runToThread, runID)
			r.detachLocked(runID, mapping.ThreadID)
			removed++
		}
	}
	r.expiredMappingsCleaned += int64(removed)
	r.lastCleanup = time.Now()
	return removed
}

// GetMetrics returns a point-in-time snapshot, or ErrShutDown once the
// registry has been shut down.
func (r *Registry) GetMetrics() (Metrics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutDown {
		return Metrics{}, ErrShutDown
	}

	total := r.successfulLookups + r.failedLookups
	successRate := 1.0
	if total > 0 {
		successRate = float64(r.successfulLookups) / float64(total)
	}

	memoryPct := 0.0
	if r.cfg.MaxMappings > 0 {
		memoryPct = float64(len(r.runToThread)) / float64(r.cfg.MaxMappings) * 100
	}

	return Metrics{
		ActiveMappings:         len(r.runToThread),
		TotalRegistrations:     r.totalRegistrations,
		SuccessfulLookups:      r.successfulLookups,
		FailedLookups:          r.failedLookups,
		LookupSuccessRate:      successRate,
		ExpiredMappingsCleaned: r.expiredMappingsCleaned,
		UptimeSeconds:          time.Since(r.startTime).Seconds(),
		MemoryUsagePercent:     memoryPct,
		LastCleanup:            r.lastCleanup,
	}, nil
}

// DebugListAllMappings is a diagnostic-only snapshot of every current
// mapping, intended for operator tooling, never the hot path.
func (r *Registry) DebugListAllMappings() []Mapping {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Mapping, 0, len(r.runToThread))
	for _, mapping := range r.runToThread {
		out = append(out, *mapping)
	}
	return out
}

// cleanupLoop runs the background sweep on cfg.CleanupInterval,
// polling the shutdown channel at ≤1s granularity so Shutdown stays
// responsive.
func (r *Registry) cleanupLoop() {
	defer close(r.cleanupDone)

	interval := r.cfg.CleanupInterval
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	elapsed := time.Duration(0)
	for {
		select {
		case <-r.shutdownCh:
			return
		case <-ticker.C:
			elapsed += time.Second
			if elapsed < interval {
				continue
			}
			elapsed = 0
			r.runCleanupCycle()
		}
	}
}

func (r *Registry) runCleanupCycle() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("cleanup cycle panicked", zap.Any("recover", rec))
			time.Sleep(time.Second)
		}
	}()

	r.mu.Lock()
	removed := r.cleanupOldMappingsLocked()
	r.mu.Unlock()

	if removed > 0 {
		r.logger.Info("cleanup swept expired mappings", zap.Int("removed", removed))
	}
}

// Shutdown marks the registry shut down, cancels the cleanup loop with
// a bounded join, and clears both indices. Safe to call more than
// once.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.once.Do(func() {
		close(r.shutdownCh)
	})

	select {
	case <-r.cleanupDone:
	case <-time.After(3 * time.Second):
		r.logger.Warn("cleanup loop did not stop within bound")
	case <-ctx.Done():
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutDown = true
	r.runToThread = make(map[string]*Mapping)
	r.threadToRuns = make(map[string]map[string]struct{})
	return nil
}
