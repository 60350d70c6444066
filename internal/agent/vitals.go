package agent

import (
	"runtime"
	"sync"
	"time"

	"github.com/windlabs/windbot/internal/resilience"
	"github.com/windlabs/windbot/internal/state"
)

// vitals tracks the process-local signals the watchdog samples: outbound
// call rate, error rate, and the last time any worker produced output.
type vitals struct {
	stallAfter time.Duration
	now        func() time.Time

	mu         sync.Mutex
	calls      []time.Time
	errors     []time.Time
	lastOutput time.Time
}

func newVitals(stallAfter time.Duration) *vitals {
	v := &vitals{stallAfter: stallAfter, now: time.Now}
	v.lastOutput = v.now()
	return v
}

// NoteCall records one outbound call for the per-minute rate.
func (v *vitals) NoteCall() {
	v.mu.Lock()
	v.calls = append(v.calls, v.now())
	v.mu.Unlock()
}

// NoteError records one failure for the per-hour rate.
func (v *vitals) NoteError() {
	v.mu.Lock()
	v.errors = append(v.errors, v.now())
	v.mu.Unlock()
}

// NoteOutput stamps worker liveness.
func (v *vitals) NoteOutput() {
	v.mu.Lock()
	v.lastOutput = v.now()
	v.mu.Unlock()
}

// Reset clears the windows, the soft-recovery action.
func (v *vitals) Reset() {
	v.mu.Lock()
	v.calls = nil
	v.errors = nil
	v.lastOutput = v.now()
	v.mu.Unlock()
}

// Sample combines the trackers with the persisted state into one watchdog
// sample.
func (v *vitals) Sample(snap state.ExtendedState) resilience.HealthSample {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	v.calls = pruneBefore(v.calls, now.Add(-time.Minute))
	v.errors = pruneBefore(v.errors, now.Add(-time.Hour))

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return resilience.HealthSample{
		HeartbeatAge:   now.Sub(snap.LastHeartbeat),
		ToolCallRate:   float64(len(v.calls)),
		OutputStalled:  now.Sub(v.lastOutput) > v.stallAfter,
		MemoryUsage:    mem.HeapAlloc,
		ErrorRate:      float64(len(v.errors)),
		Phase:          string(snap.Phase),
		PhaseStartTime: snap.PhaseStartTime,
		SampledAt:      now,
	}
}

func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, s := range stamps {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}
	return kept
}
