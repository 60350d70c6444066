package prices

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	boterrors "github.com/windlabs/windbot/internal/pkg/errors"
)

func TestSetValidate(t *testing.T) {
	set := &Set{SnapshotID: "snap-1", ByIndex: []ExitPrice{
		{Price: big.NewInt(100)},
		{Cancelled: true},
		{Price: big.NewInt(300)},
	}}

	t.Run("complete set", func(t *testing.T) {
		assert.NoError(t, set.Validate(3))
	})

	t.Run("length mismatch", func(t *testing.T) {
		err := set.Validate(4)
		require.Error(t, err)
		assert.Equal(t, boterrors.KindDataIntegrity, boterrors.KindOf(err))
	})

	t.Run("missing price on live trade", func(t *testing.T) {
		bad := &Set{ByIndex: []ExitPrice{{Price: nil}}}
		err := bad.Validate(1)
		require.Error(t, err)
		assert.Equal(t, boterrors.KindDataIntegrity, boterrors.KindOf(err))
	})
}

func TestSetHash(t *testing.T) {
	base := &Set{SnapshotID: "snap-1", ByIndex: []ExitPrice{
		{Price: big.NewInt(100)},
		{Cancelled: true},
	}}

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, base.Hash(), base.Hash())
	})

	t.Run("sensitive to prices", func(t *testing.T) {
		other := &Set{SnapshotID: "snap-1", ByIndex: []ExitPrice{
			{Price: big.NewInt(101)},
			{Cancelled: true},
		}}
		assert.NotEqual(t, base.Hash(), other.Hash())
	})

	t.Run("sensitive to snapshot", func(t *testing.T) {
		other := &Set{SnapshotID: "snap-2", ByIndex: base.ByIndex}
		assert.NotEqual(t, base.Hash(), other.Hash())
	})

	t.Run("cancellation is not price zero", func(t *testing.T) {
		cancelled := &Set{SnapshotID: "s", ByIndex: []ExitPrice{{Cancelled: true}}}
		zero := &Set{SnapshotID: "s", ByIndex: []ExitPrice{{Price: big.NewInt(0)}}}
		assert.NotEqual(t, cancelled.Hash(), zero.Hash())
	})
}

func TestFetchForBet(t *testing.T) {
	ctx := context.Background()

	t.Run("batch path", func(t *testing.T) {
		var batchCalls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/v1/prices/close", r.URL.Path)
			assert.Equal(t, "snap-1", r.URL.Query().Get("snapshot"))
			batchCalls.Add(1)
			json.NewEncoder(w).Encode([]priceRow{
				{Ticker: "A", Price: "100"},
				{Ticker: "B", Cancelled: true},
			})
		}))
		defer srv.Close()

		f := NewFetcher(srv.URL, time.Second)
		set, err := f.FetchForBet(ctx, "7", "snap-1", []string{"A", "B"})
		require.NoError(t, err)
		require.Len(t, set.ByIndex, 2)
		assert.Equal(t, "100", set.ByIndex[0].Price.String())
		assert.True(t, set.ByIndex[1].Cancelled)

		// Second fetch for the same bet is served from cache.
		_, err = f.FetchForBet(ctx, "7", "snap-1", []string{"A", "B"})
		require.NoError(t, err)
		assert.Equal(t, int32(1), batchCalls.Load())
	})

	t.Run("falls back to per-ticker fetches", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/v1/prices/close" {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			ticker := strings.TrimPrefix(r.URL.Path, "/v1/prices/close/")
			json.NewEncoder(w).Encode([]priceRow{{Ticker: ticker, Price: "42"}})
		}))
		defer srv.Close()

		f := NewFetcher(srv.URL, time.Second)
		set, err := f.FetchForBet(ctx, "8", "snap-1", []string{"A", "B", "C"})
		require.NoError(t, err)
		require.Len(t, set.ByIndex, 3)
		for i := range set.ByIndex {
			assert.Equal(t, "42", set.ByIndex[i].Price.String())
		}
	})

	t.Run("missing ticker is a data integrity fault", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/v1/prices/close" {
				json.NewEncoder(w).Encode([]priceRow{{Ticker: "A", Price: "100"}})
				return
			}
			// Per-ticker fallback also comes up empty for B.
			ticker := strings.TrimPrefix(r.URL.Path, "/v1/prices/close/")
			if ticker == "B" {
				json.NewEncoder(w).Encode([]priceRow{})
				return
			}
			json.NewEncoder(w).Encode([]priceRow{{Ticker: ticker, Price: "100"}})
		}))
		defer srv.Close()

		f := NewFetcher(srv.URL, time.Second)
		_, err := f.FetchForBet(ctx, "9", "snap-1", []string{"A", "B"})
		require.Error(t, err)
	})

	t.Run("unparseable price rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode([]priceRow{{Ticker: "A", Price: "12.5"}})
		}))
		defer srv.Close()

		f := NewFetcher(srv.URL, time.Second)
		_, err := f.FetchForBet(ctx, "10", "snap-1", []string{"A"})
		require.Error(t, err)
	})

	t.Run("unreachable backend is transient", func(t *testing.T) {
		f := NewFetcher("http://127.0.0.1:1", 100*time.Millisecond)
		_, err := f.FetchForBet(ctx, "11", "snap-1", []string{"A"})
		require.Error(t, err)
		assert.True(t, boterrors.IsRetryable(err))
	})
}
