package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// RecoveryLevel is the severity tier of a watchdog-initiated intervention.
type RecoveryLevel int

const (
	RecoverySoftReset RecoveryLevel = iota
	RecoveryMediumReset
	RecoveryHardReset
	RecoveryHumanIntervention
)

func (l RecoveryLevel) String() string {
	switch l {
	case RecoverySoftReset:
		return "SOFT_RESET"
	case RecoveryMediumReset:
		return "MEDIUM_RESET"
	case RecoveryHardReset:
		return "HARD_RESET"
	case RecoveryHumanIntervention:
		return "HUMAN_INTERVENTION"
	default:
		return "UNKNOWN"
	}
}

// recoveryCounterReset is the quiet period after which the attempt counter
// starts over.
const recoveryCounterReset = time.Hour

// RecoveryManager escalates across repeated recoveries: soft, medium, hard,
// then human intervention with no further automatic escalation. Recoveries
// are serialized: a second one cannot start until Complete is called.
type RecoveryManager struct {
	log     *EventLog
	metrics *Collector
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.Mutex
	attempts   int
	lastAt     time.Time
	inProgress bool
}

// NewRecoveryManager creates a recovery manager.
func NewRecoveryManager(log *EventLog, metrics *Collector, logger *slog.Logger) *RecoveryManager {
	return &RecoveryManager{
		log:     log,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// DetermineLevel registers one recovery attempt and returns its level.
// The attempt counter resets after an hour without recoveries. Returns
// ok=false while a previous recovery is still in progress.
func (m *RecoveryManager) DetermineLevel() (RecoveryLevel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inProgress {
		return 0, false
	}

	if !m.lastAt.IsZero() && m.now().Sub(m.lastAt) > recoveryCounterReset {
		m.attempts = 0
	}

	m.attempts++
	m.lastAt = m.now()
	m.inProgress = true

	level := levelForAttempt(m.attempts)

	if m.logger != nil {
		m.logger.Warn("recovery started",
			slog.Int("attempt", m.attempts),
			slog.String("level", level.String()),
		)
	}
	if m.log != nil {
		m.log.Append(EventRecoveryStart, level.String(), map[string]any{
			"attempt": m.attempts,
		})
	}
	if m.metrics != nil {
		m.metrics.RecordRecovery(level)
	}
	return level, true
}

// Complete marks the in-flight recovery as finished.
func (m *RecoveryManager) Complete() {
	m.mu.Lock()
	m.inProgress = false
	m.mu.Unlock()

	if m.log != nil {
		m.log.Append(EventRecoveryComplete, "recovery finished", nil)
	}
	if m.metrics != nil {
		m.metrics.RecoveryDone()
	}
}

// InProgress reports whether a recovery is currently executing.
func (m *RecoveryManager) InProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inProgress
}

// Attempts returns the current attempt count within the active window.
func (m *RecoveryManager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func levelForAttempt(attempt int) RecoveryLevel {
	switch attempt {
	case 1:
		return RecoverySoftReset
	case 2:
		return RecoveryMediumReset
	case 3:
		return RecoveryHardReset
	default:
		return RecoveryHumanIntervention
	}
}
