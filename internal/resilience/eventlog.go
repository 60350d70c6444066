// Package resilience implements the bot's survival envelope: the append-only
// event log, the metrics collector, per-dependency circuit breakers, the
// watchdog health classifier and the progressive recovery ladder.
package resilience

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxLogSize triggers rotation of resilience.log.
const maxLogSize = 10 << 20

// Well-known event names written to the resilience log.
const (
	EventBreakerTransition = "BREAKER_TRANSITION"
	EventRecoveryStart     = "RECOVERY_START"
	EventRecoveryComplete  = "RECOVERY_COMPLETE"
	EventWatchdogAction    = "WATCHDOG_ACTION"
	EventTaskResume        = "TASK_RESUME"
	EventSettlement        = "SETTLEMENT"
	EventArbitration       = "ARBITRATION"
	EventPromotion         = "PROMOTION"
	EventReplication       = "REPLICATION"
)

// EventLog is the append-only resilience log. Each entry is one line:
//
//	ISO-timestamp | EVENT | message [| {json}]
//
// Appends tolerate concurrent writers through OS append semantics; rotation
// is a rename.
type EventLog struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewEventLog creates an event log writing to path.
func NewEventLog(path string) *EventLog {
	return &EventLog{path: path, now: time.Now}
}

// Append writes one event line. A nil fields map omits the JSON column.
func (l *EventLog) Append(event, message string, fields map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rotateIfNeeded(); err != nil {
		return err
	}

	line := fmt.Sprintf("%s | %s | %s", l.now().UTC().Format(time.RFC3339), event, message)
	if len(fields) > 0 {
		blob, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("marshal event fields: %w", err)
		}
		line += " | " + string(blob)
	}
	line += "\n"

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// rotateIfNeeded renames the log aside once it exceeds maxLogSize.
func (l *EventLog) rotateIfNeeded() error {
	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat event log: %w", err)
	}
	if info.Size() < maxLogSize {
		return nil
	}

	rotated := filepath.Join(filepath.Dir(l.path),
		fmt.Sprintf("%s.%s", filepath.Base(l.path), l.now().UTC().Format("20060102T150405")))
	if err := os.Rename(l.path, rotated); err != nil {
		return fmt.Errorf("rotate event log: %w", err)
	}
	return nil
}
