package resilience

import (
	"log/slog"
	"time"
)

// HealthStatus is the watchdog's classification of one sample.
type HealthStatus int

const (
	HealthStatusHealthy HealthStatus = iota
	HealthStatusDegraded
	HealthStatusWarning
	HealthStatusStuck
	HealthStatusCritical
)

func (s HealthStatus) String() string {
	switch s {
	case HealthStatusHealthy:
		return "HEALTHY"
	case HealthStatusDegraded:
		return "DEGRADED"
	case HealthStatusWarning:
		return "WARNING"
	case HealthStatusStuck:
		return "STUCK"
	case HealthStatusCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (s HealthStatus) severity() int { return int(s) }

// HealthAction is the single action selected for one sample.
type HealthAction int

const (
	ActionNone HealthAction = iota
	ActionRestartProcess
	ActionClearContext
	ActionSendInterrupt
	ActionRestartWorkers
	ActionBackoffOutbound
)

func (a HealthAction) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRestartProcess:
		return "restart_process"
	case ActionClearContext:
		return "clear_context"
	case ActionSendInterrupt:
		return "send_interrupt"
	case ActionRestartWorkers:
		return "restart_workers"
	case ActionBackoffOutbound:
		return "backoff_outbound"
	default:
		return "unknown"
	}
}

// HealthSample is one periodic snapshot of agent vitals.
type HealthSample struct {
	HeartbeatAge   time.Duration
	ToolCallRate   float64 // calls per minute
	OutputStalled  bool
	MemoryUsage    uint64
	ErrorRate      float64 // errors per hour
	Phase          string
	PhaseStartTime time.Time
	SampledAt      time.Time
}

// HealthResult is the classifier's verdict for one sample.
type HealthResult struct {
	Status HealthStatus
	Action HealthAction
	Reason string
}

// WatchdogThresholds tunes the classifier. Zero values take defaults.
type WatchdogThresholds struct {
	HeartbeatStale    time.Duration
	ToolCallRateLimit float64
	OutputStallAfter  time.Duration
	ErrorRateLimit    float64
	PhaseTimeouts     map[string]time.Duration
}

// DefaultThresholds returns the documented defaults.
func DefaultThresholds() WatchdogThresholds {
	return WatchdogThresholds{
		HeartbeatStale:    10 * time.Minute,
		ToolCallRateLimit: 60,
		OutputStallAfter:  5 * time.Minute,
		ErrorRateLimit:    10,
		PhaseTimeouts: map[string]time.Duration{
			"research":   15 * time.Minute,
			"evaluation": 10 * time.Minute,
			"execution":  5 * time.Minute,
		},
	}
}

func (t WatchdogThresholds) withDefaults() WatchdogThresholds {
	d := DefaultThresholds()
	if t.HeartbeatStale <= 0 {
		t.HeartbeatStale = d.HeartbeatStale
	}
	if t.ToolCallRateLimit <= 0 {
		t.ToolCallRateLimit = d.ToolCallRateLimit
	}
	if t.OutputStallAfter <= 0 {
		t.OutputStallAfter = d.OutputStallAfter
	}
	if t.ErrorRateLimit <= 0 {
		t.ErrorRateLimit = d.ErrorRateLimit
	}
	if t.PhaseTimeouts == nil {
		t.PhaseTimeouts = d.PhaseTimeouts
	}
	return t
}

// Watchdog classifies health samples with a strict priority ordering:
// stale heartbeat dominates everything, then tool-call rate, output stall,
// phase timeout and error rate. At most one action is selected per sample.
type Watchdog struct {
	thresholds WatchdogThresholds
	logger     *slog.Logger
	metrics    *Collector
	log        *EventLog
}

// NewWatchdog creates a watchdog. Zero threshold fields take the defaults.
func NewWatchdog(thresholds WatchdogThresholds, log *EventLog, metrics *Collector, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		thresholds: thresholds.withDefaults(),
		logger:     logger,
		metrics:    metrics,
		log:        log,
	}
}

// Classify applies the priority-ordered rules to one sample.
func (w *Watchdog) Classify(s HealthSample) HealthResult {
	t := w.thresholds

	switch {
	case s.HeartbeatAge > t.HeartbeatStale:
		return HealthResult{
			Status: HealthStatusCritical,
			Action: ActionRestartProcess,
			Reason: "heartbeat stale",
		}
	case s.ToolCallRate > t.ToolCallRateLimit:
		return HealthResult{
			Status: HealthStatusWarning,
			Action: ActionClearContext,
			Reason: "tool-call rate too high",
		}
	case s.OutputStalled:
		return HealthResult{
			Status: HealthStatusStuck,
			Action: ActionSendInterrupt,
			Reason: "output stalled",
		}
	case w.phaseTimedOut(s):
		return HealthResult{
			Status: HealthStatusStuck,
			Action: ActionRestartWorkers,
			Reason: "phase timeout: " + s.Phase,
		}
	case s.ErrorRate > t.ErrorRateLimit:
		return HealthResult{
			Status: HealthStatusDegraded,
			Action: ActionBackoffOutbound,
			Reason: "error rate too high",
		}
	default:
		return HealthResult{Status: HealthStatusHealthy, Action: ActionNone}
	}
}

func (w *Watchdog) phaseTimedOut(s HealthSample) bool {
	timeout, ok := w.thresholds.PhaseTimeouts[s.Phase]
	if !ok || s.PhaseStartTime.IsZero() {
		return false
	}
	ref := s.SampledAt
	if ref.IsZero() {
		ref = time.Now()
	}
	return ref.Sub(s.PhaseStartTime) > timeout
}

// Observe classifies a sample and records the result in the event log and
// the metrics collector. Returns the result for the caller to act on.
func (w *Watchdog) Observe(s HealthSample) HealthResult {
	result := w.Classify(s)

	if w.metrics != nil {
		w.metrics.RecordWatchdog(result.Status)
	}
	if result.Action != ActionNone {
		if w.logger != nil {
			w.logger.Warn("watchdog action selected",
				slog.String("status", result.Status.String()),
				slog.String("action", result.Action.String()),
				slog.String("reason", result.Reason),
			)
		}
		if w.log != nil {
			w.log.Append(EventWatchdogAction, result.Reason, map[string]any{
				"status": result.Status.String(),
				"action": result.Action.String(),
			})
		}
	}
	return result
}
