package p2p

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlabs/windbot/internal/config"
	boterrors "github.com/windlabs/windbot/internal/pkg/errors"
	"github.com/windlabs/windbot/internal/trades"
)

func testClient(t *testing.T, fx *serverFixture, keyHex string) *Client {
	t.Helper()
	cfg := config.P2PConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   4 * time.Millisecond,
		Timeout:    2 * time.Second,
	}
	return NewClient(cfg, testSigner(t, keyHex), fx.chainID, discardLogger())
}

func TestClientAgainstServer(t *testing.T) {
	ctx := context.Background()

	t.Run("health probe", func(t *testing.T) {
		fx := newServerFixture(t)
		c := testClient(t, fx, bobKeyHex)

		health, err := c.Health(ctx, fx.srv.URL, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "healthy", health.Status)
	})

	t.Run("info fetch", func(t *testing.T) {
		fx := newServerFixture(t)
		c := testClient(t, fx, bobKeyHex)

		info, err := c.Info(ctx, fx.srv.URL)
		require.NoError(t, err)
		assert.Equal(t, fx.self.Address().Hex(), info.Address)
	})

	t.Run("trailing slash on endpoint tolerated", func(t *testing.T) {
		fx := newServerFixture(t)
		c := testClient(t, fx, bobKeyHex)

		_, err := c.Health(ctx, fx.srv.URL+"/", time.Second)
		require.NoError(t, err)
	})

	t.Run("signed proposal round trip", func(t *testing.T) {
		fx := newServerFixture(t)
		c := testClient(t, fx, bobKeyHex)

		resp, err := c.ProposeTrades(ctx, fx.srv.URL, sampleProposal(t), time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, resp.Received)
		assert.NotEmpty(t, resp.ProposalHash)
	})

	t.Run("unregistered identity rejected without retry", func(t *testing.T) {
		fx := newServerFixture(t)
		c := testClient(t, fx, "5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a")

		_, err := c.ProposeTrades(ctx, fx.srv.URL, sampleProposal(t), time.Now().Add(time.Minute))
		require.Error(t, err)
		assert.Equal(t, boterrors.KindPermanent, boterrors.KindOf(err))
	})

	t.Run("trade list download", func(t *testing.T) {
		fx := newServerFixture(t)
		require.NoError(t, fx.store.Put("7", "snap-1", []trades.Trade{
			{Ticker: "A", Method: "up", EntryPrice: big.NewInt(100)},
		}))
		c := testClient(t, fx, bobKeyHex)

		got, err := c.GetTrades(ctx, fx.srv.URL, "7")
		require.NoError(t, err)
		assert.Equal(t, 1, got.Count)
		assert.Equal(t, "100", got.Trades[0].Entry)
	})

	t.Run("settlement info", func(t *testing.T) {
		fx := newServerFixture(t)
		c := testClient(t, fx, bobKeyHex)

		info, err := c.SettlementInfo(ctx, fx.srv.URL, "7")
		require.NoError(t, err)
		assert.True(t, info.Ready)
	})
}

func TestClientRetriesServerFaults(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := config.P2PConfig{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
		Timeout:    time.Second,
	}
	c := NewClient(cfg, testSigner(t, bobKeyHex), big.NewInt(31337), discardLogger())

	_, err := c.Info(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, boterrors.KindTransient, boterrors.KindOf(err))
	assert.Equal(t, int32(3), hits.Load())
}

func TestBroadcast(t *testing.T) {
	endpoints := []string{"http://a", "http://b", "http://c"}

	results := Broadcast(context.Background(), endpoints, func(ctx context.Context, endpoint string) (string, error) {
		return "ok:" + endpoint, nil
	})

	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, endpoints[i], r.Endpoint)
		assert.Equal(t, "ok:"+endpoints[i], r.Value)
		assert.NoError(t, r.Err)
	}
}
