// Package prices fetches exit prices for settlement from the backend and
// caches them per bet so repeated coordinator passes reuse one snapshot.
package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/golang-lru/v2/expirable"

	boterrors "github.com/windlabs/windbot/internal/pkg/errors"
)

// cacheTTL bounds how long a bet's exit prices stay cached.
const cacheTTL = 5 * time.Minute

// cacheSize bounds the number of bet-scoped snapshots held at once.
const cacheSize = 256

// ExitPrice is the settlement price for one trade index. Cancelled trades
// carry no price and are excluded from outcome tallies.
type ExitPrice struct {
	Price     *big.Int `json:"price"`
	Cancelled bool     `json:"cancelled"`
}

// Set is the ordered exit-price collection for one bet, aligned with the
// trade list by index.
type Set struct {
	SnapshotID string
	ByIndex    []ExitPrice
}

// Validate checks that every index in [0, n) is present: non-cancelled
// entries must carry a price.
func (s *Set) Validate(n int) error {
	if len(s.ByIndex) != n {
		return boterrors.DataIntegrity("prices.validate",
			fmt.Errorf("have %d exit prices, want %d", len(s.ByIndex), n))
	}
	for i, p := range s.ByIndex {
		if !p.Cancelled && p.Price == nil {
			return boterrors.DataIntegrity("prices.validate",
				fmt.Errorf("missing exit price at index %d", i))
		}
	}
	return nil
}

// Hash produces a deterministic keccak digest over the price array, used to
// detect disagreement without revealing prices. Cancelled entries hash as a
// fixed marker.
func (s *Set) Hash() common.Hash {
	var b strings.Builder
	b.WriteString(s.SnapshotID)
	for _, p := range s.ByIndex {
		b.WriteByte('|')
		if p.Cancelled {
			b.WriteByte('X')
		} else {
			b.WriteString(p.Price.String())
		}
	}
	return crypto.Keccak256Hash([]byte(b.String()))
}

type cacheKey struct {
	betID      string
	snapshotID string
}

// Fetcher loads exit prices from the backend REST service. The primary path
// is one batch call for all tickers; the fallback is parallel per-ticker
// fetches. Results are cached per (bet-id, snapshot-id).
type Fetcher struct {
	backendURL string
	client     *http.Client
	cache      *expirable.LRU[cacheKey, *Set]
}

// NewFetcher creates a fetcher against backendURL.
func NewFetcher(backendURL string, timeout time.Duration) *Fetcher {
	return &Fetcher{
		backendURL: strings.TrimRight(backendURL, "/"),
		client:     &http.Client{Timeout: timeout},
		cache:      expirable.NewLRU[cacheKey, *Set](cacheSize, nil, cacheTTL),
	}
}

type priceRow struct {
	Ticker    string `json:"ticker"`
	Price     string `json:"price"`
	Cancelled bool   `json:"cancelled"`
}

// FetchForBet returns exit prices for the tickers, ordered to match, from
// cache when fresh.
func (f *Fetcher) FetchForBet(ctx context.Context, betID, snapshotID string, tickers []string) (*Set, error) {
	key := cacheKey{betID: betID, snapshotID: snapshotID}
	if cached, ok := f.cache.Get(key); ok {
		return cached, nil
	}

	set, err := f.fetchBatch(ctx, snapshotID, tickers)
	if err != nil {
		set, err = f.fetchEach(ctx, snapshotID, tickers)
		if err != nil {
			return nil, err
		}
	}

	f.cache.Add(key, set)
	return set, nil
}

// fetchBatch asks the backend for every ticker's closing price in one call.
func (f *Fetcher) fetchBatch(ctx context.Context, snapshotID string, tickers []string) (*Set, error) {
	q := url.Values{}
	q.Set("snapshot", snapshotID)
	q.Set("tickers", strings.Join(tickers, ","))
	endpoint := f.backendURL + "/v1/prices/close?" + q.Encode()

	rows, err := f.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	byTicker := make(map[string]priceRow, len(rows))
	for _, r := range rows {
		byTicker[r.Ticker] = r
	}

	return buildSet(snapshotID, tickers, func(t string) (priceRow, bool) {
		r, ok := byTicker[t]
		return r, ok
	})
}

// fetchEach falls back to one request per ticker, bounded at eight in flight.
func (f *Fetcher) fetchEach(ctx context.Context, snapshotID string, tickers []string) (*Set, error) {
	type result struct {
		idx int
		row priceRow
		err error
	}

	sem := make(chan struct{}, 8)
	results := make(chan result, len(tickers))
	var wg sync.WaitGroup

	for i, t := range tickers {
		wg.Add(1)
		go func(idx int, ticker string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			endpoint := fmt.Sprintf("%s/v1/prices/close/%s?snapshot=%s",
				f.backendURL, url.PathEscape(ticker), url.QueryEscape(snapshotID))
			rows, err := f.get(ctx, endpoint)
			if err != nil {
				results <- result{idx: idx, err: err}
				return
			}
			if len(rows) == 0 {
				results <- result{idx: idx, err: fmt.Errorf("no price for %s", ticker)}
				return
			}
			results <- result{idx: idx, row: rows[0]}
		}(i, t)
	}
	wg.Wait()
	close(results)

	rows := make([]priceRow, len(tickers))
	present := make([]bool, len(tickers))
	for r := range results {
		if r.err != nil {
			return nil, boterrors.Transient("prices.fetchEach", r.err)
		}
		rows[r.idx] = r.row
		present[r.idx] = true
	}

	return buildSet(snapshotID, tickers, func(t string) (priceRow, bool) {
		for i, ticker := range tickers {
			if ticker == t && present[i] {
				return rows[i], true
			}
		}
		return priceRow{}, false
	})
}

func buildSet(snapshotID string, tickers []string, lookup func(string) (priceRow, bool)) (*Set, error) {
	set := &Set{SnapshotID: snapshotID, ByIndex: make([]ExitPrice, len(tickers))}
	for i, t := range tickers {
		row, ok := lookup(t)
		if !ok {
			return nil, boterrors.DataIntegrity("prices.build",
				fmt.Errorf("backend returned no price for %s (index %d)", t, i))
		}
		if row.Cancelled {
			set.ByIndex[i] = ExitPrice{Cancelled: true}
			continue
		}
		price, parsed := new(big.Int).SetString(row.Price, 10)
		if !parsed {
			return nil, boterrors.DataIntegrity("prices.build",
				fmt.Errorf("invalid price %q for %s", row.Price, t))
		}
		set.ByIndex[i] = ExitPrice{Price: price}
	}
	return set, nil
}

func (f *Fetcher) get(ctx context.Context, endpoint string) ([]priceRow, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, boterrors.Internal("prices.get", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, boterrors.Transient("prices.get", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, boterrors.Transient("prices.get",
			fmt.Errorf("backend returned %d", resp.StatusCode))
	}

	var rows []priceRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, boterrors.Transient("prices.get", fmt.Errorf("decode prices: %w", err))
	}
	return rows, nil
}
