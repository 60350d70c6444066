// Package backup implements the hot-standby agent: periodic state
// replication from the primary, pid-based liveness probing, and idempotent
// promotion with host callbacks.
package backup

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/windlabs/windbot/internal/config"
	boterrors "github.com/windlabs/windbot/internal/pkg/errors"
	"github.com/windlabs/windbot/internal/resilience"
)

// Mode is the agent's role.
type Mode string

const (
	ModeDisabled Mode = "DISABLED"
	ModeStandby  Mode = "STANDBY"
	ModePrimary  Mode = "PRIMARY"
)

// Callbacks are the host integration points invoked during promotion, in
// order: OnFailover, then OnPromote. The agent itself never reopens sockets.
type Callbacks struct {
	OnFailover func() error
	OnPromote  func() error
}

// Agent replicates the primary's state file and takes over when the primary
// process disappears.
type Agent struct {
	cfg       config.BackupConfig
	callbacks Callbacks
	events    *resilience.EventLog
	metrics   *resilience.Collector
	logger    *slog.Logger

	primaryStatePath string
	backupStatePath  string
	primaryPIDPath   string
	backupPIDPath    string

	alive func(pid int) bool
	now   func() time.Time

	mu         sync.Mutex
	mode       Mode
	primaryPID int

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a backup agent over agentDir tracking primaryPID.
func New(
	cfg config.BackupConfig,
	agentDir string,
	primaryPID int,
	callbacks Callbacks,
	events *resilience.EventLog,
	metrics *resilience.Collector,
	logger *slog.Logger,
) *Agent {
	return &Agent{
		cfg:              cfg,
		callbacks:        callbacks,
		events:           events,
		metrics:          metrics,
		logger:           logger,
		primaryStatePath: filepath.Join(agentDir, "agent-state.json"),
		backupStatePath:  filepath.Join(agentDir, "backup-state.json"),
		primaryPIDPath:   filepath.Join(agentDir, "primary.pid"),
		backupPIDPath:    filepath.Join(agentDir, "backup.pid"),
		alive:            pidAlive,
		now:              time.Now,
		mode:             ModeDisabled,
		primaryPID:       primaryPID,
		stop:             make(chan struct{}),
	}
}

// Mode returns the agent's current role.
func (a *Agent) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// Start writes the pid files, enters STANDBY, and launches the replication
// and liveness tickers. A disabled agent does nothing.
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		return nil
	}

	if err := writePIDFile(a.backupPIDPath, os.Getpid()); err != nil {
		return err
	}
	if err := writePIDFile(a.primaryPIDPath, a.primaryPID); err != nil {
		return err
	}

	a.mu.Lock()
	a.mode = ModeStandby
	a.mu.Unlock()

	a.wg.Add(2)
	go a.replicationLoop()
	go a.livenessLoop()

	a.logger.Info("backup agent in standby",
		slog.Int("primary_pid", a.primaryPID),
		slog.Duration("replication_interval", a.cfg.ReplicationInterval),
	)
	return nil
}

// Stop drains the background tickers.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.wg.Wait()
}

func (a *Agent) replicationLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.ReplicationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			if a.Mode() != ModeStandby {
				return
			}
			if err := a.ReplicateOnce(); err != nil {
				a.logger.Warn("state replication failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *Agent) livenessLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			if a.Mode() != ModeStandby {
				return
			}
			if a.alive(a.primaryPID) {
				continue
			}
			a.logger.Error("primary process gone, promoting",
				slog.Int("primary_pid", a.primaryPID),
			)
			if err := a.Promote(); err != nil {
				a.logger.Error("promotion failed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// ReplicateOnce copies the primary's state file atomically into the backup
// state file. A missing primary file is not an error; there is simply
// nothing to replicate yet.
func (a *Agent) ReplicateOnce() error {
	blob, err := os.ReadFile(a.primaryStatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return boterrors.Internal("backup.replicate", err)
	}

	tmp := a.backupStatePath + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return boterrors.Internal("backup.replicate", err)
	}
	if err := os.Rename(tmp, a.backupStatePath); err != nil {
		return boterrors.Internal("backup.replicate", err)
	}

	a.logger.Debug("state replicated", slog.Int("bytes", len(blob)))
	return nil
}

// Promote switches the agent to PRIMARY: restore the replicated state onto
// the primary path, take over the primary pid file, then invoke the host
// callbacks. Promotion is idempotent; a second call while already PRIMARY
// is a no-op that reports failure.
func (a *Agent) Promote() error {
	a.mu.Lock()
	if a.mode == ModePrimary {
		a.mu.Unlock()
		return boterrors.Permanent("backup.promote", fmt.Errorf("already primary"))
	}
	a.mode = ModePrimary
	a.mu.Unlock()

	if err := a.restoreState(); err != nil {
		a.logger.Error("state restore during promotion failed",
			slog.String("error", err.Error()),
		)
	}
	if err := writePIDFile(a.primaryPIDPath, os.Getpid()); err != nil {
		a.logger.Error("primary pid takeover failed", slog.String("error", err.Error()))
	}

	// Record the failover before handing control to the host: OnPromote may
	// re-exec the process and never return.
	a.metrics.RecordFailover()
	a.events.Append(resilience.EventPromotion, "backup promoted to primary", map[string]any{
		"pid":            os.Getpid(),
		"former_primary": a.primaryPID,
	})
	a.logger.Info("backup agent promoted to primary")

	a.invokeCallback("failover", a.callbacks.OnFailover)
	a.invokeCallback("promote", a.callbacks.OnPromote)
	return nil
}

// restoreState moves the replicated snapshot onto the primary state path.
func (a *Agent) restoreState() error {
	blob, err := os.ReadFile(a.backupStatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return boterrors.Internal("backup.restore", err)
	}

	tmp := a.primaryStatePath + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return boterrors.Internal("backup.restore", err)
	}
	if err := os.Rename(tmp, a.primaryStatePath); err != nil {
		return boterrors.Internal("backup.restore", err)
	}
	return nil
}

// invokeCallback runs one host callback, containing panics and errors.
func (a *Agent) invokeCallback(name string, fn func() error) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("promotion callback panicked",
				slog.String("callback", name),
				slog.Any("panic", r),
			)
		}
	}()
	if err := fn(); err != nil {
		a.logger.Error("promotion callback failed",
			slog.String("callback", name),
			slog.String("error", err.Error()),
		)
	}
}

// pidAlive probes a process with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func writePIDFile(path string, pid int) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return boterrors.Internal("backup.writePID", err)
	}
	return nil
}

// ReadPIDFile parses one of the plain-text pid files.
func ReadPIDFile(path string) (int, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return 0, boterrors.Internal("backup.readPID", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(blob)))
	if err != nil {
		return 0, boterrors.Internal("backup.readPID", fmt.Errorf("invalid pid file %s: %w", path, err))
	}
	return pid, nil
}
