package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/agentbridge/internal/common/config"
	"github.com/relayforge/agentbridge/internal/common/logger"
)

func newTestRegistry(t *testing.T, cfg config.RegistryConfig) *Registry {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	r := New(cfg, log)
	t.Cleanup(func() {
		_ = r.Shutdown(context.Background())
	})
	return r
}

func TestRegister_RejectsEmptyArguments(t *testing.T) {
	r := newTestRegistry(t, config.Default().Registry)

	assert.False(t, r.Register("", "thread_A", nil))
	assert.False(t, r.Register("rid_1", "", nil))
}

func TestRegister_RejectsReservedSeparatorInThreadID(t *testing.T) {
	r := newTestRegistry(t, config.Default().Registry)

	assert.False(t, r.Register("rid_1", "thread_run_collision", nil))
}

func TestRegisterAndGetThread_RoundTrip(t *testing.T) {
	r := newTestRegistry(t, config.Default().Registry)

	require.True(t, r.Register("rid_1", "thread_A", map[string]any{"agent": "Analyzer"}))

	threadID, ok := r.GetThread("rid_1")
	require.True(t, ok)
	assert.Equal(t, "thread_A", threadID)
}

func TestGetThread_MissReturnsNone(t *testing.T) {
	r := newTestRegistry(t, config.Default().Registry)

	_, ok := r.GetThread("does-not-exist")
	assert.False(t, ok)
}

func TestReRegister_DetachesFromOldThread(t *testing.T) {
	r := newTestRegistry(t, config.Default().Registry)

	require.True(t, r.Register("rid_1", "thread_A", nil))
	require.True(t, r.Register("rid_1", "thread_B", nil))

	threadID, ok := r.GetThread("rid_1")
	require.True(t, ok)
	assert.Equal(t, "thread_B", threadID)

	assert.Empty(t, r.GetRuns("thread_A"), "old thread's reverse set should be cleaned up")
	assert.Equal(t, []string{"rid_1"}, r.GetRuns("thread_B"))
}

func TestUnregisterRun_RemovesFromBothIndices(t *testing.T) {
	r := newTestRegistry(t, config.Default().Registry)

	require.True(t, r.Register("rid_1", "thread_A", nil))
	require.True(t, r.UnregisterRun("rid_1"))

	_, ok := r.GetThread("rid_1")
	assert.False(t, ok)
	assert.Empty(t, r.GetRuns("thread_A"))

	assert.False(t, r.UnregisterRun("rid_1"), "second unregister of the same run must report false")
}

func TestGetRuns_ExcludesExpiredMappings(t *testing.T) {
	cfg := config.Default().Registry
	cfg.MappingTTL = 50 * time.Millisecond
	r := newTestRegistry(t, cfg)

	require.True(t, r.Register("rid_1", "thread_A", nil))
	time.Sleep(100 * time.Millisecond)

	assert.Empty(t, r.GetRuns("thread_A"))
}

func TestCleanupOldMappings_SweepsExpiredAndSparesFresh(t *testing.T) {
	cfg := config.Default().Registry
	cfg.MappingTTL = 200 * time.Millisecond
	r := newTestRegistry(t, cfg)

	require.True(t, r.Register("rid_1", "thread_A", nil))
	require.True(t, r.Register("rid_2", "thread_B", nil))
	require.True(t, r.Register("rid_3", "thread_C", nil))

	time.Sleep(250 * time.Millisecond)

	// registered after the first three started expiring, it must survive.
	require.True(t, r.Register("rid_4", "thread_D", nil))

	removed := r.CleanupOldMappings()
	assert.Equal(t, 3, removed)

	for _, runID := range []string{"rid_1", "rid_2", "rid_3"} {
		_, ok := r.GetThread(runID)
		assert.False(t, ok, "run %s should have been swept", runID)
	}

	threadID, ok := r.GetThread("rid_4")
	require.True(t, ok, "rid_4 registered within the TTL window must survive the sweep")
	assert.Equal(t, "thread_D", threadID)
}

func TestCleanupOldMappings_ToleratesCorruptedState(t *testing.T) {
	r := newTestRegistry(t, config.Default().Registry)

	require.True(t, r.Register("rid_1", "thread_A", nil))

	r.mu.Lock()
	r.runToThread["rid_1"].LastAccessed = time.Time{}
	r.mu.Unlock()

	assert.NotPanics(t, func() {
		removed := r.CleanupOldMappings()
		assert.Equal(t, 1, removed)
	})
}

func TestGetMetrics_TracksLookupsAndSuccessRate(t *testing.T) {
	r := newTestRegistry(t, config.Default().Registry)

	require.True(t, r.Register("rid_1", "thread_A", nil))
	_, _ = r.GetThread("rid_1")
	_, _ = r.GetThread("missing")

	metrics, err := r.GetMetrics()
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.SuccessfulLookups)
	assert.Equal(t, int64(1), metrics.FailedLookups)
	assert.InDelta(t, 0.5, metrics.LookupSuccessRate, 0.0001)
	assert.Equal(t, 1, metrics.ActiveMappings)
}

func TestShutdown_MakesSubsequentOperationsFailGracefully(t *testing.T) {
	r := newTestRegistry(t, config.Default().Registry)
	require.True(t, r.Register("rid_1", "thread_A", nil))

	require.NoError(t, r.Shutdown(context.Background()))

	assert.False(t, r.Register("rid_2", "thread_B", nil))
	_, ok := r.GetThread("rid_1")
	assert.False(t, ok)

	_, err := r.GetMetrics()
	assert.ErrorIs(t, err, ErrShutDown)

	// Idempotent.
	assert.NoError(t, r.Shutdown(context.Background()))
}

// 1,000 concurrent registrations to disjoint runIds converge to
// activeMappings == 1000 and lookupSuccessRate == 1.0 when all 1,000
// are immediately read back.
func TestConcurrentRegistrations_ConvergeToFullyConsistentState(t *testing.T) {
	r := newTestRegistry(t, config.Default().Registry)

	const n = 1000
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			runID := runIDFor(i)
			r.Register(runID, threadIDFor(i), nil)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		_, ok := r.GetThread(runIDFor(i))
		require.True(t, ok)
	}

	metrics, err := r.GetMetrics()
	require.NoError(t, err)
	assert.Equal(t, n, metrics.ActiveMappings)
	assert.InDelta(t, 1.0, metrics.LookupSuccessRate, 0.0001)
}

func runIDFor(i int) string    { return "rid_" + itoa(i) }
func threadIDFor(i int) string { return "thread_" + itoa(i) }

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := []byte{}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}
