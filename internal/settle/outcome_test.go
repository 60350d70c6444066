package settle

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlabs/windbot/internal/p2p"
	boterrors "github.com/windlabs/windbot/internal/pkg/errors"
	"github.com/windlabs/windbot/internal/prices"
	"github.com/windlabs/windbot/internal/trades"
)

var (
	creator = common.HexToAddress("0x1111111111111111111111111111111111111111")
	filler  = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func tr(method string, entry int64) trades.Trade {
	return trades.Trade{Ticker: "T", Method: method, EntryPrice: big.NewInt(entry)}
}

func exits(vals ...int64) *prices.Set {
	set := &prices.Set{SnapshotID: "s", ByIndex: make([]prices.ExitPrice, len(vals))}
	for i, v := range vals {
		if v < 0 {
			set.ByIndex[i] = prices.ExitPrice{Cancelled: true}
		} else {
			set.ByIndex[i] = prices.ExitPrice{Price: big.NewInt(v)}
		}
	}
	return set
}

func TestComputeOutcome(t *testing.T) {
	t.Run("creator wins on majority", func(t *testing.T) {
		list := []trades.Trade{tr("up", 100), tr("up", 100), tr("down", 100)}
		out, err := ComputeOutcome(list, exits(110, 120, 110), creator, filler)
		require.NoError(t, err)
		assert.Equal(t, creator.Hex(), out.Winner)
		assert.Equal(t, 2, out.WinsCount)
		assert.Equal(t, 3, out.ValidTrades)
		assert.False(t, out.IsTie)
	})

	t.Run("filler wins on minority", func(t *testing.T) {
		list := []trades.Trade{tr("up", 100), tr("up", 100), tr("down", 100)}
		out, err := ComputeOutcome(list, exits(90, 90, 110), creator, filler)
		require.NoError(t, err)
		assert.Equal(t, filler.Hex(), out.Winner)
		assert.Zero(t, out.WinsCount)
	})

	t.Run("exact half is a tie", func(t *testing.T) {
		list := []trades.Trade{tr("up", 100), tr("up", 100)}
		out, err := ComputeOutcome(list, exits(110, 90), creator, filler)
		require.NoError(t, err)
		assert.True(t, out.IsTie)
		assert.Empty(t, out.Winner)
		assert.Equal(t, 1, out.WinsCount)
		assert.Equal(t, 2, out.ValidTrades)
	})

	t.Run("push counts valid but not won", func(t *testing.T) {
		// exit == entry never wins either direction.
		list := []trades.Trade{tr("up", 100), tr("up", 100), tr("up", 100)}
		out, err := ComputeOutcome(list, exits(100, 110, 110), creator, filler)
		require.NoError(t, err)
		assert.Equal(t, 2, out.WinsCount)
		assert.Equal(t, 3, out.ValidTrades)
		assert.Equal(t, creator.Hex(), out.Winner)
	})

	t.Run("down direction inverts", func(t *testing.T) {
		list := []trades.Trade{tr("down", 100)}
		out, err := ComputeOutcome(list, exits(90), creator, filler)
		require.NoError(t, err)
		assert.Equal(t, 1, out.WinsCount)
		assert.Equal(t, creator.Hex(), out.Winner)
	})

	t.Run("cancelled trades excluded from both tallies", func(t *testing.T) {
		list := []trades.Trade{tr("up", 100), tr("up", 100), tr("up", 100)}
		out, err := ComputeOutcome(list, exits(110, -1, -1), creator, filler)
		require.NoError(t, err)
		assert.Equal(t, 1, out.WinsCount)
		assert.Equal(t, 1, out.ValidTrades)
		assert.Equal(t, creator.Hex(), out.Winner)
	})

	t.Run("unknown methods excluded from both tallies", func(t *testing.T) {
		list := []trades.Trade{tr("up", 100), tr("sideways", 100)}
		out, err := ComputeOutcome(list, exits(110, 110), creator, filler)
		require.NoError(t, err)
		assert.Equal(t, 1, out.WinsCount)
		assert.Equal(t, 1, out.ValidTrades)
	})

	t.Run("all cancelled is a tie", func(t *testing.T) {
		list := []trades.Trade{tr("up", 100), tr("up", 100)}
		out, err := ComputeOutcome(list, exits(-1, -1), creator, filler)
		require.NoError(t, err)
		assert.True(t, out.IsTie)
		assert.Zero(t, out.ValidTrades)
	})

	t.Run("length mismatch is data integrity", func(t *testing.T) {
		list := []trades.Trade{tr("up", 100)}
		_, err := ComputeOutcome(list, exits(110, 120), creator, filler)
		require.Error(t, err)
		assert.Equal(t, boterrors.KindDataIntegrity, boterrors.KindOf(err))
	})

	t.Run("missing price is data integrity", func(t *testing.T) {
		set := &prices.Set{SnapshotID: "s", ByIndex: []prices.ExitPrice{{}}}
		_, err := ComputeOutcome([]trades.Trade{tr("up", 100)}, set, creator, filler)
		require.Error(t, err)
		assert.Equal(t, boterrors.KindDataIntegrity, boterrors.KindOf(err))
	})
}

func TestSameOutcome(t *testing.T) {
	base := &p2p.Outcome{Winner: creator.Hex(), WinsCount: 3, ValidTrades: 5}

	t.Run("equal", func(t *testing.T) {
		assert.True(t, sameOutcome(base, &p2p.Outcome{Winner: base.Winner, WinsCount: 3, ValidTrades: 5}))
	})

	t.Run("winner compares checksum-insensitively", func(t *testing.T) {
		lower := &p2p.Outcome{Winner: "0x1111111111111111111111111111111111111111", WinsCount: 3, ValidTrades: 5}
		assert.True(t, sameOutcome(base, lower))
	})

	t.Run("counter mismatch", func(t *testing.T) {
		assert.False(t, sameOutcome(base, &p2p.Outcome{Winner: base.Winner, WinsCount: 2, ValidTrades: 5}))
		assert.False(t, sameOutcome(base, &p2p.Outcome{Winner: base.Winner, WinsCount: 3, ValidTrades: 4}))
	})

	t.Run("different winner", func(t *testing.T) {
		assert.False(t, sameOutcome(base, &p2p.Outcome{Winner: filler.Hex(), WinsCount: 3, ValidTrades: 5}))
	})

	t.Run("tie ignores winner field", func(t *testing.T) {
		a := &p2p.Outcome{IsTie: true, WinsCount: 2, ValidTrades: 4}
		b := &p2p.Outcome{IsTie: true, WinsCount: 2, ValidTrades: 4, Winner: creator.Hex()}
		assert.True(t, sameOutcome(a, b))
	})

	t.Run("tie flag mismatch", func(t *testing.T) {
		a := &p2p.Outcome{IsTie: true, WinsCount: 2, ValidTrades: 4}
		assert.False(t, sameOutcome(a, &p2p.Outcome{Winner: creator.Hex(), WinsCount: 2, ValidTrades: 4}))
	})
}
