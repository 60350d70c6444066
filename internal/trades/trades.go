// Package trades holds the portfolio model exchanged between bilateral
// parties, the content-hash that identifies a portfolio on-chain, and the
// compressed wire codec used to ship portfolios peer to peer.
package trades

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Trade is one position in an ordered portfolio. A trade is identified
// solely by its index in the list; the portfolio is atomic.
type Trade struct {
	Ticker     string   `json:"ticker"`
	Method     string   `json:"method"`
	EntryPrice *big.Int `json:"entryPrice"`
}

// tradeJSON carries EntryPrice as a decimal string on the wire.
type tradeJSON struct {
	Ticker     string `json:"ticker"`
	Method     string `json:"method"`
	EntryPrice string `json:"entryPrice"`
}

// MarshalJSON serializes EntryPrice as a decimal string.
func (t Trade) MarshalJSON() ([]byte, error) {
	if t.EntryPrice == nil {
		return nil, fmt.Errorf("trade %s: nil entry price", t.Ticker)
	}
	return json.Marshal(tradeJSON{
		Ticker:     t.Ticker,
		Method:     t.Method,
		EntryPrice: t.EntryPrice.String(),
	})
}

// UnmarshalJSON parses EntryPrice from a decimal string.
func (t *Trade) UnmarshalJSON(data []byte) error {
	var raw tradeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	price, ok := new(big.Int).SetString(raw.EntryPrice, 10)
	if !ok {
		return fmt.Errorf("trade %s: invalid entry price %q", raw.Ticker, raw.EntryPrice)
	}
	t.Ticker = raw.Ticker
	t.Method = raw.Method
	t.EntryPrice = price
	return nil
}

// Direction is the outcome direction implied by a trade's method.
type Direction int

const (
	// DirectionUp wins when exit > entry.
	DirectionUp Direction = iota
	// DirectionDown wins when exit < entry.
	DirectionDown
	// DirectionUnknown is returned for unrecognized methods; such trades
	// count as invalid during outcome computation.
	DirectionUnknown
)

// DirectionOf maps a method string to its direction. Methods are matched by
// prefix so variants like "up_1h" and "down_close" resolve correctly.
func DirectionOf(method string) Direction {
	switch {
	case strings.HasPrefix(method, "up"):
		return DirectionUp
	case strings.HasPrefix(method, "down"):
		return DirectionDown
	default:
		return DirectionUnknown
	}
}
