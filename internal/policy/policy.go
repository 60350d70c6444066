// Package policy enforces local acceptance limits on incoming trade
// proposals: sliding-window fill counters per ticker and globally, plus a
// per-bet cancellation score used to flag degenerate portfolios.
package policy

import (
	"fmt"
	"sync"
	"time"

	boterrors "github.com/windlabs/windbot/internal/pkg/errors"
	"github.com/windlabs/windbot/internal/prices"
	"github.com/windlabs/windbot/internal/trades"
)

// Limits bound fill acceptance. Zero values disable the corresponding check.
type Limits struct {
	Window         time.Duration
	MaxFillsGlobal int
	MaxFillsTicker int
	MaxCancelRatio float64
	MinValidTrades int
}

// DefaultLimits returns the production acceptance envelope.
func DefaultLimits() Limits {
	return Limits{
		Window:         time.Minute,
		MaxFillsGlobal: 120,
		MaxFillsTicker: 20,
		MaxCancelRatio: 0.5,
		MinValidTrades: 1,
	}
}

// window is a sliding-window event counter.
type window struct {
	stamps []time.Time
}

// count drops events older than cutoff and returns the remainder.
func (w *window) count(cutoff time.Time) int {
	keep := w.stamps[:0]
	for _, s := range w.stamps {
		if s.After(cutoff) {
			keep = append(keep, s)
		}
	}
	w.stamps = keep
	return len(w.stamps)
}

func (w *window) add(now time.Time) {
	w.stamps = append(w.stamps, now)
}

// FillGuard tracks recent fills and decides whether another proposal may be
// accepted. Counters are process-local; a restart resets the windows.
type FillGuard struct {
	limits Limits
	now    func() time.Time

	mu       sync.Mutex
	global   window
	byTicker map[string]*window
}

// NewFillGuard creates a guard with the given limits.
func NewFillGuard(limits Limits) *FillGuard {
	return &FillGuard{
		limits:   limits,
		now:      time.Now,
		byTicker: make(map[string]*window),
	}
}

// Admit checks the proposal's trade list against the fill windows and, when
// admitted, records one fill per ticker. The whole portfolio is admitted or
// refused atomically.
func (g *FillGuard) Admit(list []trades.Trade) error {
	const op = "policy.admit"

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-g.limits.Window)

	if g.limits.MaxFillsGlobal > 0 {
		if g.global.count(cutoff)+len(list) > g.limits.MaxFillsGlobal {
			return boterrors.PolicyDenied(op,
				fmt.Errorf("global fill window exhausted (%d in flight, %d proposed)",
					g.global.count(cutoff), len(list)))
		}
	}

	if g.limits.MaxFillsTicker > 0 {
		proposed := make(map[string]int, len(list))
		for _, t := range list {
			proposed[t.Ticker]++
		}
		for ticker, n := range proposed {
			have := 0
			if w, ok := g.byTicker[ticker]; ok {
				have = w.count(cutoff)
			}
			if have+n > g.limits.MaxFillsTicker {
				return boterrors.PolicyDenied(op,
					fmt.Errorf("ticker %s fill window exhausted (%d in flight, %d proposed)", ticker, have, n))
			}
		}
	}

	for _, t := range list {
		g.global.add(now)
		w, ok := g.byTicker[t.Ticker]
		if !ok {
			w = &window{}
			g.byTicker[t.Ticker] = w
		}
		w.add(now)
	}
	return nil
}

// CancelScore is the cancellation profile of one bet's exit prices.
type CancelScore struct {
	Total     int
	Cancelled int
}

// Ratio returns the cancelled fraction, zero for an empty bet.
func (s CancelScore) Ratio() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Cancelled) / float64(s.Total)
}

// ScoreCancellations tallies cancelled trades for a bet's exit prices.
func ScoreCancellations(set *prices.Set) CancelScore {
	score := CancelScore{Total: len(set.ByIndex)}
	for _, p := range set.ByIndex {
		if p.Cancelled {
			score.Cancelled++
		}
	}
	return score
}

// CheckCancellations refuses settlement-side processing of bets whose
// cancellation ratio exceeds the limit or which retain too few valid trades.
func (g *FillGuard) CheckCancellations(set *prices.Set) error {
	const op = "policy.cancellations"

	score := ScoreCancellations(set)
	if g.limits.MaxCancelRatio > 0 && score.Ratio() > g.limits.MaxCancelRatio {
		return boterrors.PolicyDenied(op,
			fmt.Errorf("cancel ratio %.2f exceeds limit %.2f (%d of %d)",
				score.Ratio(), g.limits.MaxCancelRatio, score.Cancelled, score.Total))
	}
	if valid := score.Total - score.Cancelled; valid < g.limits.MinValidTrades {
		return boterrors.PolicyDenied(op,
			fmt.Errorf("only %d valid trades remain, need %d", valid, g.limits.MinValidTrades))
	}
	return nil
}
