package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/windlabs/windbot/internal/state"
)

func testVitals(stallAfter time.Duration) (*vitals, *time.Time) {
	v := newVitals(stallAfter)
	now := time.Unix(1000, 0)
	v.now = func() time.Time { return now }
	v.lastOutput = now
	return v, &now
}

func TestVitalsSample(t *testing.T) {
	snap := state.ExtendedState{
		Phase:          state.PhaseResearch,
		PhaseStartTime: time.Unix(500, 0),
		LastHeartbeat:  time.Unix(940, 0),
	}

	t.Run("rates and heartbeat age", func(t *testing.T) {
		v, _ := testVitals(5 * time.Minute)
		v.NoteCall()
		v.NoteCall()
		v.NoteError()

		s := v.Sample(snap)
		assert.Equal(t, 2.0, s.ToolCallRate)
		assert.Equal(t, 1.0, s.ErrorRate)
		assert.Equal(t, time.Minute, s.HeartbeatAge)
		assert.Equal(t, "research", s.Phase)
		assert.Equal(t, snap.PhaseStartTime, s.PhaseStartTime)
		assert.False(t, s.OutputStalled)
	})

	t.Run("calls age out of the minute window", func(t *testing.T) {
		v, now := testVitals(time.Hour)
		v.NoteCall()
		v.NoteCall()

		*now = now.Add(2 * time.Minute)
		v.NoteCall()

		s := v.Sample(state.ExtendedState{LastHeartbeat: *now, Phase: state.PhaseIdle})
		assert.Equal(t, 1.0, s.ToolCallRate)
	})

	t.Run("errors age out of the hour window", func(t *testing.T) {
		v, now := testVitals(24 * time.Hour)
		v.NoteError()

		*now = now.Add(2 * time.Hour)
		v.NoteError()

		s := v.Sample(state.ExtendedState{LastHeartbeat: *now, Phase: state.PhaseIdle})
		assert.Equal(t, 1.0, s.ErrorRate)
	})

	t.Run("output stall detected", func(t *testing.T) {
		v, now := testVitals(5 * time.Minute)
		*now = now.Add(6 * time.Minute)

		s := v.Sample(state.ExtendedState{LastHeartbeat: *now, Phase: state.PhaseIdle})
		assert.True(t, s.OutputStalled)

		v.NoteOutput()
		s = v.Sample(state.ExtendedState{LastHeartbeat: *now, Phase: state.PhaseIdle})
		assert.False(t, s.OutputStalled)
	})

	t.Run("reset clears the windows", func(t *testing.T) {
		v, _ := testVitals(5 * time.Minute)
		v.NoteCall()
		v.NoteError()
		v.Reset()

		s := v.Sample(state.ExtendedState{LastHeartbeat: time.Unix(1000, 0), Phase: state.PhaseIdle})
		assert.Zero(t, s.ToolCallRate)
		assert.Zero(t, s.ErrorRate)
	})
}
