package state

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// TaskStatus is the lifecycle of one durable task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Checkpoint is a named, durable, resumable point within a task. Checkpoint
// names are opaque strings whose meaning is documented per task type
// (MARKETS_FETCHED, SEGMENTS_CREATED, RESEARCH_COMPLETE, ...).
type Checkpoint struct {
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Task is one durable unit of long work.
type Task struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Input       json.RawMessage `json:"input,omitempty"`
	Status      TaskStatus      `json:"status"`
	StartedAt   time.Time       `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Checkpoints []Checkpoint    `json:"checkpoints,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// LastCheckpoint returns the most recent checkpoint, or nil.
func (t *Task) LastCheckpoint() *Checkpoint {
	if len(t.Checkpoints) == 0 {
		return nil
	}
	return &t.Checkpoints[len(t.Checkpoints)-1]
}

// RecoveredTask pairs a crashed task with the checkpoint to resume from.
type RecoveredTask struct {
	Task       *Task
	ResumeFrom string
}

// TaskQueue is a durable ordered task list persisted after every mutation
// via atomic write-to-temp plus rename. Owned by the primary process only.
type TaskQueue struct {
	mu      sync.Mutex
	path    string
	tasks   []*Task
	entropy *rand.Rand
	now     func() time.Time
}

// OpenTaskQueue loads or creates the queue at path.
func OpenTaskQueue(path string) (*TaskQueue, error) {
	q := &TaskQueue{
		path:    path,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return q, nil
		}
		return nil, fmt.Errorf("read task queue: %w", err)
	}
	if err := json.Unmarshal(blob, &q.tasks); err != nil {
		return nil, fmt.Errorf("parse task queue: %w", err)
	}
	return q, nil
}

// AddTask appends a pending task and persists.
func (q *TaskQueue) AddTask(taskType string, input json.RawMessage) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task := &Task{
		ID:     ulid.MustNew(ulid.Timestamp(q.now()), q.entropy).String(),
		Type:   taskType,
		Input:  input,
		Status: TaskPending,
	}
	q.tasks = append(q.tasks, task)
	if err := q.persistLocked(); err != nil {
		q.tasks = q.tasks[:len(q.tasks)-1]
		return nil, err
	}
	return task, nil
}

// StartTask marks a task running.
func (q *TaskQueue) StartTask(id string) error {
	return q.mutate(id, func(t *Task) error {
		if t.Status != TaskPending && t.Status != TaskRunning {
			return fmt.Errorf("task %s is %s, cannot start", id, t.Status)
		}
		t.Status = TaskRunning
		t.StartedAt = q.now()
		return nil
	})
}

// AddCheckpoint appends a named checkpoint to a running task.
func (q *TaskQueue) AddCheckpoint(id, name string, data json.RawMessage) error {
	return q.mutate(id, func(t *Task) error {
		if t.Status != TaskRunning {
			return fmt.Errorf("task %s is %s, cannot checkpoint", id, t.Status)
		}
		t.Checkpoints = append(t.Checkpoints, Checkpoint{
			Name:      name,
			Data:      data,
			Timestamp: q.now(),
		})
		return nil
	})
}

// CompleteTask marks a task completed with its output.
func (q *TaskQueue) CompleteTask(id string, output json.RawMessage) error {
	return q.mutate(id, func(t *Task) error {
		t.Status = TaskCompleted
		t.Output = output
		done := q.now()
		t.CompletedAt = &done
		return nil
	})
}

// FailTask marks a task failed with an error message.
func (q *TaskQueue) FailTask(id, errMsg string) error {
	return q.mutate(id, func(t *Task) error {
		t.Status = TaskFailed
		t.Error = errMsg
		done := q.now()
		t.CompletedAt = &done
		return nil
	})
}

// Get returns a copy of one task.
func (q *TaskQueue) Get(id string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.ID == id {
			cp := *t
			return &cp, true
		}
	}
	return nil, false
}

// RecoverTasks returns every task left running by a crashed process,
// paired with its most recent checkpoint name.
func (q *TaskQueue) RecoverTasks() []RecoveredTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []RecoveredTask
	for _, t := range q.tasks {
		if t.Status != TaskRunning {
			continue
		}
		cp := *t
		resume := ""
		if last := cp.LastCheckpoint(); last != nil {
			resume = last.Name
		}
		out = append(out, RecoveredTask{Task: &cp, ResumeFrom: resume})
	}
	return out
}

// Prune drops completed tasks, keeping failures for inspection.
func (q *TaskQueue) Prune() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.tasks[:0]
	for _, t := range q.tasks {
		if t.Status != TaskCompleted {
			kept = append(kept, t)
		}
	}
	q.tasks = kept
	return q.persistLocked()
}

func (q *TaskQueue) mutate(id string, fn func(t *Task) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range q.tasks {
		if t.ID == id {
			if err := fn(t); err != nil {
				return err
			}
			return q.persistLocked()
		}
	}
	return fmt.Errorf("task %s not found", id)
}

func (q *TaskQueue) persistLocked() error {
	blob, err := json.MarshalIndent(q.tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task queue: %w", err)
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("write task queue: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("replace task queue: %w", err)
	}
	return nil
}
