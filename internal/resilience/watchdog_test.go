package resilience

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testWatchdog(t *testing.T) *Watchdog {
	t.Helper()
	dir := t.TempDir()
	return NewWatchdog(WatchdogThresholds{},
		NewEventLog(filepath.Join(dir, "resilience.log")),
		NewCollector(filepath.Join(dir, "resilience-metrics.json")),
		slog.Default(),
	)
}

func TestClassify(t *testing.T) {
	w := testWatchdog(t)
	now := time.Unix(10_000, 0)

	t.Run("healthy", func(t *testing.T) {
		got := w.Classify(HealthSample{HeartbeatAge: time.Minute, SampledAt: now})
		assert.Equal(t, HealthStatusHealthy, got.Status)
		assert.Equal(t, ActionNone, got.Action)
	})

	t.Run("stale heartbeat is critical", func(t *testing.T) {
		got := w.Classify(HealthSample{HeartbeatAge: 11 * time.Minute, SampledAt: now})
		assert.Equal(t, HealthStatusCritical, got.Status)
		assert.Equal(t, ActionRestartProcess, got.Action)
	})

	t.Run("tool-call rate is warning", func(t *testing.T) {
		got := w.Classify(HealthSample{ToolCallRate: 61, SampledAt: now})
		assert.Equal(t, HealthStatusWarning, got.Status)
		assert.Equal(t, ActionClearContext, got.Action)
	})

	t.Run("output stall is stuck", func(t *testing.T) {
		got := w.Classify(HealthSample{OutputStalled: true, SampledAt: now})
		assert.Equal(t, HealthStatusStuck, got.Status)
		assert.Equal(t, ActionSendInterrupt, got.Action)
	})

	t.Run("phase timeout restarts workers", func(t *testing.T) {
		got := w.Classify(HealthSample{
			Phase:          "execution",
			PhaseStartTime: now.Add(-6 * time.Minute),
			SampledAt:      now,
		})
		assert.Equal(t, HealthStatusStuck, got.Status)
		assert.Equal(t, ActionRestartWorkers, got.Action)
	})

	t.Run("unknown phase never times out", func(t *testing.T) {
		got := w.Classify(HealthSample{
			Phase:          "idle",
			PhaseStartTime: now.Add(-24 * time.Hour),
			SampledAt:      now,
		})
		assert.Equal(t, HealthStatusHealthy, got.Status)
	})

	t.Run("error rate is degraded", func(t *testing.T) {
		got := w.Classify(HealthSample{ErrorRate: 11, SampledAt: now})
		assert.Equal(t, HealthStatusDegraded, got.Status)
		assert.Equal(t, ActionBackoffOutbound, got.Action)
	})
}

func TestClassifyPriority(t *testing.T) {
	w := testWatchdog(t)
	now := time.Unix(10_000, 0)

	// Every rule fires at once; only the highest-priority one is selected.
	sample := HealthSample{
		HeartbeatAge:   time.Hour,
		ToolCallRate:   999,
		OutputStalled:  true,
		ErrorRate:      999,
		Phase:          "execution",
		PhaseStartTime: now.Add(-time.Hour),
		SampledAt:      now,
	}
	got := w.Classify(sample)
	assert.Equal(t, HealthStatusCritical, got.Status)
	assert.Equal(t, ActionRestartProcess, got.Action)

	sample.HeartbeatAge = 0
	got = w.Classify(sample)
	assert.Equal(t, ActionClearContext, got.Action)

	sample.ToolCallRate = 0
	got = w.Classify(sample)
	assert.Equal(t, ActionSendInterrupt, got.Action)

	sample.OutputStalled = false
	got = w.Classify(sample)
	assert.Equal(t, ActionRestartWorkers, got.Action)

	sample.PhaseStartTime = now
	got = w.Classify(sample)
	assert.Equal(t, ActionBackoffOutbound, got.Action)
}

func TestThresholdDefaults(t *testing.T) {
	got := WatchdogThresholds{HeartbeatStale: time.Minute}.withDefaults()
	assert.Equal(t, time.Minute, got.HeartbeatStale)
	assert.Equal(t, 60.0, got.ToolCallRateLimit)
	assert.Equal(t, 5*time.Minute, got.OutputStallAfter)
	assert.Equal(t, 10.0, got.ErrorRateLimit)
	assert.NotEmpty(t, got.PhaseTimeouts)
}
