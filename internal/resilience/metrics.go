package resilience

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	settlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windbot_settlements_total",
			Help: "Settlement exchanges by terminal result",
		},
		[]string{"result"},
	)

	breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windbot_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"breaker", "to"},
	)

	recoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windbot_recoveries_total",
			Help: "Watchdog recoveries by level",
		},
		[]string{"level"},
	)

	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windbot_tasks_total",
			Help: "Task completions by status",
		},
		[]string{"status"},
	)

	watchdogStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "windbot_watchdog_status",
			Help: "Latest watchdog status (0 healthy, 1 degraded, 2 warning, 3 stuck, 4 critical)",
		},
	)
)

// OverallStatus is the operator-facing health summary.
type OverallStatus string

const (
	StatusHealthy    OverallStatus = "healthy"
	StatusDegraded   OverallStatus = "degraded"
	StatusRecovering OverallStatus = "recovering"
	StatusUnhealthy  OverallStatus = "unhealthy"
)

// Snapshot is the aggregated metrics view persisted to
// resilience-metrics.json and served to external alerting.
type Snapshot struct {
	Status              OverallStatus     `json:"status"`
	WatchdogStatus      string            `json:"watchdogStatus"`
	BreakerStates       map[string]string `json:"breakerStates"`
	TasksCompleted      int64             `json:"tasksCompleted"`
	TasksFailed         int64             `json:"tasksFailed"`
	SettlementsAgreed   int64             `json:"settlementsAgreed"`
	SettlementsEscalated int64            `json:"settlementsEscalated"`
	RecoveriesPerformed int64             `json:"recoveriesPerformed"`
	FailoversPerformed  int64             `json:"failoversPerformed"`
	UpdatedAt           time.Time         `json:"updatedAt"`
}

// Collector aggregates process-local counters and derives the overall
// status. One instance per process, internally synchronized; externally
// observable counters never decrease.
type Collector struct {
	mu   sync.Mutex
	path string

	watchdogStatus      HealthStatus
	breakerStates       map[string]string
	tasksCompleted      int64
	tasksFailed         int64
	settleAgreed        int64
	settleEscalated     int64
	recoveriesPerformed int64
	failoversPerformed  int64
	recovering          bool
}

// NewCollector creates a collector persisting snapshots to path.
func NewCollector(path string) *Collector {
	return &Collector{
		path:           path,
		watchdogStatus: HealthStatusHealthy,
		breakerStates:  make(map[string]string),
	}
}

// RecordWatchdog stores the latest watchdog classification.
func (c *Collector) RecordWatchdog(status HealthStatus) {
	c.mu.Lock()
	c.watchdogStatus = status
	c.mu.Unlock()
	watchdogStatus.Set(float64(status.severity()))
}

// RecordBreaker stores a breaker's current state label.
func (c *Collector) RecordBreaker(name, state string) {
	c.mu.Lock()
	c.breakerStates[name] = state
	c.mu.Unlock()
	breakerTransitionsTotal.WithLabelValues(name, state).Inc()
}

// RecordTask counts one task completion or failure.
func (c *Collector) RecordTask(succeeded bool) {
	c.mu.Lock()
	if succeeded {
		c.tasksCompleted++
	} else {
		c.tasksFailed++
	}
	c.mu.Unlock()
	if succeeded {
		tasksTotal.WithLabelValues("completed").Inc()
	} else {
		tasksTotal.WithLabelValues("failed").Inc()
	}
}

// RecordSettlement counts one settlement exchange result.
func (c *Collector) RecordSettlement(agreed bool) {
	c.mu.Lock()
	if agreed {
		c.settleAgreed++
	} else {
		c.settleEscalated++
	}
	c.mu.Unlock()
	if agreed {
		settlementsTotal.WithLabelValues("agree").Inc()
	} else {
		settlementsTotal.WithLabelValues("escalated").Inc()
	}
}

// RecordRecovery counts a recovery at the given level and flips the
// recovering flag until RecoveryDone.
func (c *Collector) RecordRecovery(level RecoveryLevel) {
	c.mu.Lock()
	c.recoveriesPerformed++
	c.recovering = true
	c.mu.Unlock()
	recoveriesTotal.WithLabelValues(level.String()).Inc()
}

// RecoveryDone clears the recovering flag.
func (c *Collector) RecoveryDone() {
	c.mu.Lock()
	c.recovering = false
	c.mu.Unlock()
}

// RecordFailover counts one backup promotion.
func (c *Collector) RecordFailover() {
	c.mu.Lock()
	c.failoversPerformed++
	c.mu.Unlock()
}

// FailoversPerformed returns the promotion count.
func (c *Collector) FailoversPerformed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failoversPerformed
}

// Snapshot derives the current aggregated view.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	states := make(map[string]string, len(c.breakerStates))
	for k, v := range c.breakerStates {
		states[k] = v
	}

	return Snapshot{
		Status:               c.overallLocked(),
		WatchdogStatus:       c.watchdogStatus.String(),
		BreakerStates:        states,
		TasksCompleted:       c.tasksCompleted,
		TasksFailed:          c.tasksFailed,
		SettlementsAgreed:    c.settleAgreed,
		SettlementsEscalated: c.settleEscalated,
		RecoveriesPerformed:  c.recoveriesPerformed,
		FailoversPerformed:   c.failoversPerformed,
		UpdatedAt:            time.Now().UTC(),
	}
}

// overallLocked derives status from the latest watchdog result, breaker
// states and task success rate.
func (c *Collector) overallLocked() OverallStatus {
	if c.recovering {
		return StatusRecovering
	}
	if c.watchdogStatus == HealthStatusCritical {
		return StatusUnhealthy
	}

	openBreakers := 0
	for _, s := range c.breakerStates {
		if s == "OPEN" {
			openBreakers++
		}
	}

	total := c.tasksCompleted + c.tasksFailed
	failRateHigh := total >= 10 && c.tasksFailed*2 > total

	if c.watchdogStatus != HealthStatusHealthy || openBreakers > 0 || failRateHigh {
		return StatusDegraded
	}
	return StatusHealthy
}

// Persist atomically writes the snapshot to resilience-metrics.json.
func (c *Collector) Persist() error {
	snap := c.Snapshot()
	blob, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metrics snapshot: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("write metrics snapshot: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace metrics snapshot: %w", err)
	}
	return nil
}
