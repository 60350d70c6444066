// Package state persists the agent's extended state and the crash-resumable
// task queue under the agent directory. Every mutation is an atomic
// write-to-temp plus rename; readers never observe a torn file.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Phase labels the agent's current work phase.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseResearch   Phase = "research"
	PhaseEvaluation Phase = "evaluation"
	PhaseExecution  Phase = "execution"
)

// RecoveryState tracks the progressive-recovery ladder in persisted form.
type RecoveryState struct {
	Attempts         int       `json:"attempts"`
	LastRecoveryTime time.Time `json:"lastRecoveryTime"`
	CurrentLevel     string    `json:"currentLevel"`
	InProgress       bool      `json:"inProgress"`
}

// RecoverableState is the crash-resume payload: the last checkpoint plus
// opaque checkpoint data owned by the producing task type.
type RecoverableState struct {
	LastCheckpoint string                     `json:"lastCheckpoint,omitempty"`
	CheckpointData map[string]json.RawMessage `json:"checkpointData,omitempty"`
	PendingTaskIDs []string                   `json:"pendingTaskIds,omitempty"`
	SnapshotTime   time.Time                  `json:"snapshotTime"`
}

// ExtendedState is the single persisted agent state object. Token amounts
// travel as decimal strings.
type ExtendedState struct {
	AgentIdentity  string            `json:"agentIdentity"`
	Capital        string            `json:"capital"`
	CurrentBalance string            `json:"currentBalance"`
	Phase          Phase             `json:"phase"`
	PhaseStartTime time.Time         `json:"phaseStartTime"`
	LastHeartbeat  time.Time         `json:"lastHeartbeat"`
	CurrentTaskID  string            `json:"currentTaskId,omitempty"`
	Recovery       RecoveryState     `json:"recovery"`
	BreakerStates  map[string]string `json:"breakerStates,omitempty"`
	Recoverable    RecoverableState  `json:"recoverable"`
}

// valid rejects state files missing required fields.
func (s *ExtendedState) valid() bool {
	return s.AgentIdentity != "" && s.Phase != "" && !s.LastHeartbeat.IsZero()
}

// Store owns agent-state.json. Only the process holding the primary role
// may construct a writing Store; the flock guards against two writers on
// the same agent directory.
type Store struct {
	mu    sync.Mutex
	path  string
	lock  *flock.Flock
	state *ExtendedState
	now   func() time.Time
}

// Open loads or initializes the state file at path and takes the writer
// lock at lockPath. A missing or invalid file starts from defaults.
func Open(path, lockPath, agentIdentity string) (*Store, error) {
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire state lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("state lock %s held by another process", lockPath)
	}

	s := &Store{path: path, lock: fl, now: time.Now}

	loaded := Load(path)
	if loaded == nil {
		loaded = &ExtendedState{
			AgentIdentity:  agentIdentity,
			Capital:        "0",
			CurrentBalance: "0",
			Phase:          PhaseIdle,
			PhaseStartTime: s.now(),
			LastHeartbeat:  s.now(),
			BreakerStates:  map[string]string{},
		}
	}
	s.state = loaded

	if err := s.persistLocked(); err != nil {
		fl.Unlock()
		return nil, err
	}
	return s, nil
}

// Load reads and validates a state file without taking the writer lock.
// Returns nil when the file is missing or rejects validation; callers treat
// nil as "first run, initialize defaults".
func Load(path string) *ExtendedState {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var st ExtendedState
	if err := json.Unmarshal(blob, &st); err != nil {
		return nil
	}
	if !st.valid() {
		return nil
	}
	return &st
}

// Close releases the writer lock.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

// Path returns the state file path.
func (s *Store) Path() string { return s.path }

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() ExtendedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

func (s *Store) copyLocked() ExtendedState {
	cp := *s.state
	cp.BreakerStates = make(map[string]string, len(s.state.BreakerStates))
	for k, v := range s.state.BreakerStates {
		cp.BreakerStates[k] = v
	}
	cp.Recoverable.PendingTaskIDs = append([]string(nil), s.state.Recoverable.PendingTaskIDs...)
	cp.Recoverable.CheckpointData = make(map[string]json.RawMessage, len(s.state.Recoverable.CheckpointData))
	for k, v := range s.state.Recoverable.CheckpointData {
		cp.Recoverable.CheckpointData[k] = v
	}
	return cp
}

// update applies fn under the store lock and persists atomically.
func (s *Store) update(fn func(st *ExtendedState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	blob, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// UpdateHeartbeat stamps the last heartbeat to now.
func (s *Store) UpdateHeartbeat() error {
	return s.update(func(st *ExtendedState) {
		st.LastHeartbeat = s.now()
	})
}

// StartPhase enters a new phase and stamps its start time.
func (s *Store) StartPhase(p Phase) error {
	return s.update(func(st *ExtendedState) {
		st.Phase = p
		st.PhaseStartTime = s.now()
	})
}

// SetCurrentTask records the active task id; empty clears it.
func (s *Store) SetCurrentTask(id string) error {
	return s.update(func(st *ExtendedState) {
		st.CurrentTaskID = id
	})
}

// SetBalances records capital and current balance as decimal strings.
func (s *Store) SetBalances(capital, current string) error {
	return s.update(func(st *ExtendedState) {
		st.Capital = capital
		st.CurrentBalance = current
	})
}

// RecordRecoveryAttempt persists the start of one recovery.
func (s *Store) RecordRecoveryAttempt(level string) error {
	return s.update(func(st *ExtendedState) {
		st.Recovery.Attempts++
		st.Recovery.LastRecoveryTime = s.now()
		st.Recovery.CurrentLevel = level
		st.Recovery.InProgress = true
	})
}

// CompleteRecovery clears the in-progress flag.
func (s *Store) CompleteRecovery() error {
	return s.update(func(st *ExtendedState) {
		st.Recovery.InProgress = false
	})
}

// ResetRecoveryCounter zeroes the attempt counter.
func (s *Store) ResetRecoveryCounter() error {
	return s.update(func(st *ExtendedState) {
		st.Recovery.Attempts = 0
		st.Recovery.CurrentLevel = ""
	})
}

// ShouldResetRecoveryCounter reports whether more than one hour has passed
// since the last recovery.
func (s *Store) ShouldResetRecoveryCounter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.state.Recovery.LastRecoveryTime
	return !last.IsZero() && s.now().Sub(last) > time.Hour
}

// UpdateBreakerStates replaces the persisted breaker snapshot.
func (s *Store) UpdateBreakerStates(snapshot map[string]string) error {
	return s.update(func(st *ExtendedState) {
		st.BreakerStates = make(map[string]string, len(snapshot))
		for k, v := range snapshot {
			st.BreakerStates[k] = v
		}
	})
}

// SaveCheckpoint stores named opaque checkpoint data and stamps the
// recoverable snapshot time.
func (s *Store) SaveCheckpoint(name string, data json.RawMessage) error {
	return s.update(func(st *ExtendedState) {
		if st.Recoverable.CheckpointData == nil {
			st.Recoverable.CheckpointData = map[string]json.RawMessage{}
		}
		st.Recoverable.LastCheckpoint = name
		st.Recoverable.CheckpointData[name] = data
		st.Recoverable.SnapshotTime = s.now()
	})
}

// ClearRecoverableState drops all checkpoint data and pending task ids.
func (s *Store) ClearRecoverableState() error {
	return s.update(func(st *ExtendedState) {
		st.Recoverable = RecoverableState{SnapshotTime: s.now()}
	})
}

// AddPendingTask records a task id in the recoverable set.
func (s *Store) AddPendingTask(id string) error {
	return s.update(func(st *ExtendedState) {
		for _, existing := range st.Recoverable.PendingTaskIDs {
			if existing == id {
				return
			}
		}
		st.Recoverable.PendingTaskIDs = append(st.Recoverable.PendingTaskIDs, id)
	})
}

// RemovePendingTask removes a task id from the recoverable set.
func (s *Store) RemovePendingTask(id string) error {
	return s.update(func(st *ExtendedState) {
		kept := st.Recoverable.PendingTaskIDs[:0]
		for _, existing := range st.Recoverable.PendingTaskIDs {
			if existing != id {
				kept = append(kept, existing)
			}
		}
		st.Recoverable.PendingTaskIDs = kept
	})
}
