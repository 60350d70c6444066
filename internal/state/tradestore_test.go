package state

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlabs/windbot/internal/trades"
)

func openTradeStore(t *testing.T) *TradeStore {
	t.Helper()
	s, err := NewTradeStore(filepath.Join(t.TempDir(), "trades"))
	require.NoError(t, err)
	return s
}

func sampleList() []trades.Trade {
	return []trades.Trade{
		{Ticker: "WND000000", Method: "up", EntryPrice: big.NewInt(105000)},
		{Ticker: "WND000001", Method: "down", EntryPrice: big.NewInt(98250)},
	}
}

func TestTradeStore(t *testing.T) {
	s := openTradeStore(t)

	t.Run("put and get", func(t *testing.T) {
		require.NoError(t, s.Put("7", "snap-1", sampleList()))

		snapshotID, list, ok := s.Get("7")
		require.True(t, ok)
		assert.Equal(t, "snap-1", snapshotID)
		require.Len(t, list, 2)
		assert.Equal(t, "WND000001", list[1].Ticker)
		assert.Zero(t, big.NewInt(98250).Cmp(list[1].EntryPrice))
	})

	t.Run("missing bet", func(t *testing.T) {
		_, _, ok := s.Get("999")
		assert.False(t, ok)
	})

	t.Run("put overwrites", func(t *testing.T) {
		require.NoError(t, s.Put("7", "snap-2", sampleList()[:1]))
		snapshotID, list, ok := s.Get("7")
		require.True(t, ok)
		assert.Equal(t, "snap-2", snapshotID)
		assert.Len(t, list, 1)
	})

	t.Run("list", func(t *testing.T) {
		require.NoError(t, s.Put("8", "snap-1", sampleList()))
		ids, err := s.List()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"7", "8"}, ids)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Delete("8"))
		_, _, ok := s.Get("8")
		assert.False(t, ok)

		// Deleting a missing bet is not an error.
		require.NoError(t, s.Delete("8"))
	})

	t.Run("bet id validated", func(t *testing.T) {
		assert.Error(t, s.Put("../escape", "snap", sampleList()))
		assert.Error(t, s.Delete("not-a-number"))
		_, _, ok := s.Get("7; rm")
		assert.False(t, ok)
	})
}
