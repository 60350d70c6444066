// Package settle drives the post-deadline settlement lifecycle: outcome
// computation over the stored trade list, the bilateral proposal exchange,
// and escalation to on-chain arbitration when the parties diverge.
package settle

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/windlabs/windbot/internal/p2p"
	boterrors "github.com/windlabs/windbot/internal/pkg/errors"
	"github.com/windlabs/windbot/internal/prices"
	"github.com/windlabs/windbot/internal/trades"
)

// ComputeOutcome tallies creator-side wins over the ordered trade list.
// Cancelled trades and trades with an unrecognized method are excluded from
// both counters; a trade whose exit equals its entry is a push and counts
// only toward the valid total. The creator wins when more than half the
// valid trades land on the creator's side, the filler when fewer than half
// do, and anything else is a tie.
func ComputeOutcome(list []trades.Trade, exits *prices.Set, creator, filler common.Address) (*p2p.Outcome, error) {
	if len(exits.ByIndex) != len(list) {
		return nil, boterrors.DataIntegrity("settle.computeOutcome",
			fmt.Errorf("have %d exit prices for %d trades", len(exits.ByIndex), len(list)))
	}

	wins := 0
	valid := 0
	for i, t := range list {
		exit := exits.ByIndex[i]
		if exit.Cancelled {
			continue
		}
		dir := trades.DirectionOf(t.Method)
		if dir == trades.DirectionUnknown {
			continue
		}
		if exit.Price == nil {
			return nil, boterrors.DataIntegrity("settle.computeOutcome",
				fmt.Errorf("missing exit price at index %d", i))
		}
		valid++

		cmp := exit.Price.Cmp(t.EntryPrice)
		switch dir {
		case trades.DirectionUp:
			if cmp > 0 {
				wins++
			}
		case trades.DirectionDown:
			if cmp < 0 {
				wins++
			}
		}
	}

	out := &p2p.Outcome{WinsCount: wins, ValidTrades: valid}
	switch {
	case wins*2 > valid:
		out.Winner = creator.Hex()
	case wins*2 < valid:
		out.Winner = filler.Hex()
	default:
		out.IsTie = true
	}
	return out, nil
}

// sameOutcome compares the fields the protocol requires to match exactly.
// Winner addresses compare checksum-insensitively.
func sameOutcome(a *p2p.Outcome, b *p2p.Outcome) bool {
	if a.IsTie != b.IsTie || a.WinsCount != b.WinsCount || a.ValidTrades != b.ValidTrades {
		return false
	}
	if a.IsTie {
		return true
	}
	return common.HexToAddress(a.Winner) == common.HexToAddress(b.Winner)
}
