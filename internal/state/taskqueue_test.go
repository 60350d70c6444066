package state

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openQueue(t *testing.T) (*TaskQueue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "task-queue.json")
	q, err := OpenTaskQueue(path)
	require.NoError(t, err)
	return q, path
}

func TestTaskLifecycle(t *testing.T) {
	q, _ := openQueue(t)

	task, err := q.AddTask("evaluate_segment", json.RawMessage(`{"segment":1}`))
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, TaskPending, task.Status)

	require.NoError(t, q.StartTask(task.ID))
	got, ok := q.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, TaskRunning, got.Status)
	assert.False(t, got.StartedAt.IsZero())

	require.NoError(t, q.AddCheckpoint(task.ID, "MARKETS_FETCHED", json.RawMessage(`{"n":12}`)))
	require.NoError(t, q.AddCheckpoint(task.ID, "SEGMENTS_CREATED", nil))

	require.NoError(t, q.CompleteTask(task.ID, json.RawMessage(`{"ok":true}`)))
	got, ok = q.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, TaskCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, "SEGMENTS_CREATED", got.LastCheckpoint().Name)
}

func TestTaskTransitions(t *testing.T) {
	q, _ := openQueue(t)

	t.Run("checkpoint requires running", func(t *testing.T) {
		task, err := q.AddTask("x", nil)
		require.NoError(t, err)
		err = q.AddCheckpoint(task.ID, "CP", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot checkpoint")
	})

	t.Run("completed task cannot restart", func(t *testing.T) {
		task, err := q.AddTask("x", nil)
		require.NoError(t, err)
		require.NoError(t, q.StartTask(task.ID))
		require.NoError(t, q.CompleteTask(task.ID, nil))
		assert.Error(t, q.StartTask(task.ID))
	})

	t.Run("unknown id", func(t *testing.T) {
		assert.Error(t, q.StartTask("missing"))
	})

	t.Run("fail records the message", func(t *testing.T) {
		task, err := q.AddTask("x", nil)
		require.NoError(t, err)
		require.NoError(t, q.StartTask(task.ID))
		require.NoError(t, q.FailTask(task.ID, "backend unreachable"))

		got, ok := q.Get(task.ID)
		require.True(t, ok)
		assert.Equal(t, TaskFailed, got.Status)
		assert.Equal(t, "backend unreachable", got.Error)
	})
}

func TestRecoverTasks(t *testing.T) {
	q, path := openQueue(t)

	done, err := q.AddTask("done", nil)
	require.NoError(t, err)
	require.NoError(t, q.StartTask(done.ID))
	require.NoError(t, q.CompleteTask(done.ID, nil))

	crashed, err := q.AddTask("crashed", nil)
	require.NoError(t, err)
	require.NoError(t, q.StartTask(crashed.ID))
	require.NoError(t, q.AddCheckpoint(crashed.ID, "RESEARCH_COMPLETE", nil))

	fresh, err := q.AddTask("fresh", nil)
	require.NoError(t, err)
	require.NoError(t, q.StartTask(fresh.ID))

	// A new process reopens the same file after a crash.
	q2, err := OpenTaskQueue(path)
	require.NoError(t, err)

	recovered := q2.RecoverTasks()
	require.Len(t, recovered, 2)

	byID := map[string]RecoveredTask{}
	for _, r := range recovered {
		byID[r.Task.ID] = r
	}
	assert.Equal(t, "RESEARCH_COMPLETE", byID[crashed.ID].ResumeFrom)
	assert.Empty(t, byID[fresh.ID].ResumeFrom)
}

func TestPrune(t *testing.T) {
	q, _ := openQueue(t)

	done, err := q.AddTask("done", nil)
	require.NoError(t, err)
	require.NoError(t, q.StartTask(done.ID))
	require.NoError(t, q.CompleteTask(done.ID, nil))

	failed, err := q.AddTask("failed", nil)
	require.NoError(t, err)
	require.NoError(t, q.StartTask(failed.ID))
	require.NoError(t, q.FailTask(failed.ID, "x"))

	pending, err := q.AddTask("pending", nil)
	require.NoError(t, err)

	require.NoError(t, q.Prune())

	_, ok := q.Get(done.ID)
	assert.False(t, ok)
	_, ok = q.Get(failed.ID)
	assert.True(t, ok)
	_, ok = q.Get(pending.ID)
	assert.True(t, ok)
}

func TestTaskIDsUnique(t *testing.T) {
	q, _ := openQueue(t)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		task, err := q.AddTask("a", nil)
		require.NoError(t, err)
		assert.False(t, seen[task.ID])
		seen[task.ID] = true
	}
}
