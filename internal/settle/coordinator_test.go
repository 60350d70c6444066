package settle

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlabs/windbot/internal/chain"
	"github.com/windlabs/windbot/internal/config"
	"github.com/windlabs/windbot/internal/p2p"
	boterrors "github.com/windlabs/windbot/internal/pkg/errors"
	"github.com/windlabs/windbot/internal/prices"
	"github.com/windlabs/windbot/internal/resilience"
	"github.com/windlabs/windbot/internal/trades"
)

// fakeAdapter implements chain.Adapter in memory and records mutating calls.
type fakeAdapter struct {
	self   common.Address
	bet    *chain.Bet
	betErr error
	nonces map[common.Address]*big.Int

	agreement    *chain.SettlementAgreement
	agreementSig [2][]byte
	payout       *chain.CustomPayoutAgreement
	payoutSig    [2][]byte
	signedNonce  *big.Int
	arbitrated   []*big.Int
}

func (f *fakeAdapter) Address() common.Address            { return f.self }
func (f *fakeAdapter) ChainID() *big.Int                  { return big.NewInt(1) }
func (f *fakeAdapter) SettlementContract() common.Address { return common.Address{} }

func (f *fakeAdapter) Approve(ctx context.Context, spender common.Address, amount *big.Int) error {
	return nil
}
func (f *fakeAdapter) Balance(ctx context.Context) (*big.Int, error) { return big.NewInt(0), nil }

func (f *fakeAdapter) RegisterBot(ctx context.Context, endpoint string, pubkeyHash common.Hash) error {
	return nil
}
func (f *fakeAdapter) DeregisterBot(ctx context.Context) error { return nil }
func (f *fakeAdapter) GetBot(ctx context.Context, addr common.Address) (*chain.BotInfo, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeAdapter) GetAllActiveBots(ctx context.Context) ([]common.Address, []string, error) {
	return nil, nil, nil
}

func (f *fakeAdapter) DepositToVault(ctx context.Context, amount *big.Int) error    { return nil }
func (f *fakeAdapter) WithdrawFromVault(ctx context.Context, amount *big.Int) error { return nil }
func (f *fakeAdapter) GetVaultBalance(ctx context.Context, addr common.Address) (*chain.VaultBalance, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeAdapter) GetVaultNonce(ctx context.Context, addr common.Address) (*big.Int, error) {
	n, ok := f.nonces[addr]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(n), nil
}

func (f *fakeAdapter) SignBilateralCommitment(c *chain.BilateralCommitment) ([]byte, error) {
	return []byte("commitment-sig"), nil
}
func (f *fakeAdapter) CommitBilateralBet(ctx context.Context, c *chain.BilateralCommitment, creatorSig, fillerSig []byte) (*big.Int, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAdapter) SignSettlementAgreement(betID *big.Int, winner common.Address, nonce *big.Int) ([]byte, error) {
	f.signedNonce = new(big.Int).Set(nonce)
	return []byte("my-agreement-sig"), nil
}
func (f *fakeAdapter) SettleByAgreement(ctx context.Context, a *chain.SettlementAgreement, creatorSig, fillerSig []byte) error {
	f.agreement = a
	f.agreementSig = [2][]byte{creatorSig, fillerSig}
	return nil
}

func (f *fakeAdapter) SignCustomPayout(betID, creatorPayout, fillerPayout, nonce *big.Int) ([]byte, error) {
	f.signedNonce = new(big.Int).Set(nonce)
	return []byte("my-payout-sig"), nil
}
func (f *fakeAdapter) CustomPayout(ctx context.Context, p *chain.CustomPayoutAgreement, creatorSig, fillerSig []byte) error {
	f.payout = p
	f.payoutSig = [2][]byte{creatorSig, fillerSig}
	return nil
}

func (f *fakeAdapter) RequestArbitration(ctx context.Context, betID *big.Int) error {
	f.arbitrated = append(f.arbitrated, betID)
	return nil
}
func (f *fakeAdapter) GetBet(ctx context.Context, betID *big.Int) (*chain.Bet, error) {
	if f.betErr != nil {
		return nil, f.betErr
	}
	return f.bet, nil
}

type fakeTransport struct {
	resp *p2p.SettlementResponse
	err  error
	got  *p2p.SettlementProposal
}

func (f *fakeTransport) ProposeSettlement(ctx context.Context, endpoint string, p *p2p.SettlementProposal, expiry time.Time) (*p2p.SettlementResponse, error) {
	f.got = p
	return f.resp, f.err
}

type fakeResolver struct {
	endpoint string
	ok       bool
}

func (f *fakeResolver) Endpoint(ctx context.Context, addr common.Address) (string, bool) {
	return f.endpoint, f.ok
}

type fakeTradeSource struct {
	snapshotID string
	list       []trades.Trade
	ok         bool
}

func (f *fakeTradeSource) Get(betID string) (string, []trades.Trade, bool) {
	return f.snapshotID, f.list, f.ok
}

type fakePriceSource struct {
	set *prices.Set
	err error
}

func (f *fakePriceSource) FetchForBet(ctx context.Context, betID, snapshotID string, tickers []string) (*prices.Set, error) {
	return f.set, f.err
}

type fixture struct {
	coord     *Coordinator
	adapter   *fakeAdapter
	transport *fakeTransport
	resolver  *fakeResolver
	store     *fakeTradeSource
	prices    *fakePriceSource
}

func newFixture(t *testing.T, self common.Address, bet *chain.Bet) *fixture {
	t.Helper()
	dir := t.TempDir()

	adapter := &fakeAdapter{
		self:   self,
		bet:    bet,
		nonces: map[common.Address]*big.Int{},
	}
	transport := &fakeTransport{}
	resolver := &fakeResolver{endpoint: "http://peer:9944", ok: true}
	store := &fakeTradeSource{
		snapshotID: "snap",
		list:       []trades.Trade{tr("up", 100)},
		ok:         true,
	}
	priceSource := &fakePriceSource{set: exits(110)}

	cfg := config.SettlementConfig{
		MaxRetries:         3,
		P2PTimeout:         time.Second,
		ArbitrationTimeout: time.Second,
		ProposalExpiry:     10 * time.Minute,
	}
	coord := NewCoordinator(cfg, adapter, transport, resolver, store, priceSource,
		resilience.NewEventLog(filepath.Join(dir, "resilience.log")),
		resilience.NewCollector(filepath.Join(dir, "resilience-metrics.json")),
		slog.Default(),
	)
	return &fixture{coord: coord, adapter: adapter, transport: transport, resolver: resolver, store: store, prices: priceSource}
}

func activeBet() *chain.Bet {
	return &chain.Bet{
		ID:            big.NewInt(7),
		Creator:       creator,
		Filler:        filler,
		CreatorAmount: big.NewInt(1000),
		FillerAmount:  big.NewInt(1000),
		Deadline:      time.Now().Add(-time.Hour).Unix(),
		Status:        chain.BetStatusActive,
	}
}

func TestSettleBet(t *testing.T) {
	t.Run("agreement settles on chain", func(t *testing.T) {
		fx := newFixture(t, creator, activeBet())
		fx.adapter.nonces[creator] = big.NewInt(4)
		fx.adapter.nonces[filler] = big.NewInt(9)
		fx.transport.resp = &p2p.SettlementResponse{
			Status:    p2p.SettlementAgree,
			Signature: hexutil.Encode([]byte("their-sig")),
		}

		require.NoError(t, fx.coord.SettleBet(context.Background(), big.NewInt(7)))

		require.NotNil(t, fx.adapter.agreement)
		assert.Equal(t, creator, fx.adapter.agreement.Winner)
		// Shared nonce is the max of the two vault nonces.
		assert.Zero(t, big.NewInt(9).Cmp(fx.adapter.agreement.Nonce))
		assert.Equal(t, "9", fx.transport.got.SettlementNonce)
		// Self is the creator, so our signature rides in the creator slot.
		assert.Equal(t, []byte("my-agreement-sig"), fx.adapter.agreementSig[0])
		assert.Equal(t, []byte("their-sig"), fx.adapter.agreementSig[1])
		assert.Empty(t, fx.adapter.arbitrated)
	})

	t.Run("filler side swaps signature order", func(t *testing.T) {
		fx := newFixture(t, filler, activeBet())
		// Down trade that lost: exit above entry, creator wins.
		fx.store.list = []trades.Trade{tr("up", 100)}
		fx.prices.set = exits(110)
		fx.transport.resp = &p2p.SettlementResponse{
			Status:    p2p.SettlementAgree,
			Signature: hexutil.Encode([]byte("their-sig")),
		}

		require.NoError(t, fx.coord.SettleBet(context.Background(), big.NewInt(7)))

		require.NotNil(t, fx.adapter.agreement)
		assert.Equal(t, []byte("their-sig"), fx.adapter.agreementSig[0])
		assert.Equal(t, []byte("my-agreement-sig"), fx.adapter.agreementSig[1])
	})

	t.Run("tie settles by even split", func(t *testing.T) {
		bet := activeBet()
		bet.CreatorAmount = big.NewInt(1001)
		bet.FillerAmount = big.NewInt(1000)
		fx := newFixture(t, creator, bet)
		fx.store.list = []trades.Trade{tr("up", 100), tr("up", 100)}
		fx.prices.set = exits(110, 90)
		fx.transport.resp = &p2p.SettlementResponse{
			Status:    p2p.SettlementAgree,
			Signature: hexutil.Encode([]byte("their-sig")),
		}

		require.NoError(t, fx.coord.SettleBet(context.Background(), big.NewInt(7)))

		require.NotNil(t, fx.adapter.payout)
		// 2001 splits 1000/1001, odd unit to the filler.
		assert.Zero(t, big.NewInt(1000).Cmp(fx.adapter.payout.CreatorPayout))
		assert.Zero(t, big.NewInt(1001).Cmp(fx.adapter.payout.FillerPayout))
		assert.Nil(t, fx.adapter.agreement)
	})

	t.Run("disagreement escalates to arbitration", func(t *testing.T) {
		fx := newFixture(t, creator, activeBet())
		fx.transport.resp = &p2p.SettlementResponse{
			Status:     p2p.SettlementDisagree,
			OurOutcome: &p2p.Outcome{Winner: filler.Hex(), WinsCount: 0, ValidTrades: 1},
		}

		require.NoError(t, fx.coord.SettleBet(context.Background(), big.NewInt(7)))
		require.Len(t, fx.adapter.arbitrated, 1)
		assert.Zero(t, big.NewInt(7).Cmp(fx.adapter.arbitrated[0]))
	})

	t.Run("counter proposal escalates", func(t *testing.T) {
		fx := newFixture(t, creator, activeBet())
		fx.transport.resp = &p2p.SettlementResponse{
			Status:          p2p.SettlementCounter,
			CounterProposal: &p2p.CounterProposal{CreatorPayout: "1", FillerPayout: "1999"},
		}

		require.NoError(t, fx.coord.SettleBet(context.Background(), big.NewInt(7)))
		assert.Len(t, fx.adapter.arbitrated, 1)
	})

	t.Run("transport failure escalates", func(t *testing.T) {
		fx := newFixture(t, creator, activeBet())
		fx.transport.err = errors.New("connection refused")

		require.NoError(t, fx.coord.SettleBet(context.Background(), big.NewInt(7)))
		assert.Len(t, fx.adapter.arbitrated, 1)
	})

	t.Run("unknown endpoint escalates", func(t *testing.T) {
		fx := newFixture(t, creator, activeBet())
		fx.resolver.ok = false

		require.NoError(t, fx.coord.SettleBet(context.Background(), big.NewInt(7)))
		assert.Len(t, fx.adapter.arbitrated, 1)
		assert.Nil(t, fx.transport.got)
	})

	t.Run("agree without signature escalates", func(t *testing.T) {
		fx := newFixture(t, creator, activeBet())
		fx.transport.resp = &p2p.SettlementResponse{Status: p2p.SettlementAgree}

		require.NoError(t, fx.coord.SettleBet(context.Background(), big.NewInt(7)))
		assert.Len(t, fx.adapter.arbitrated, 1)
	})

	t.Run("non-active bet refused", func(t *testing.T) {
		bet := activeBet()
		bet.Status = chain.BetStatusSettled
		fx := newFixture(t, creator, bet)

		err := fx.coord.SettleBet(context.Background(), big.NewInt(7))
		require.Error(t, err)
		assert.Equal(t, boterrors.KindPermanent, boterrors.KindOf(err))
	})

	t.Run("pending deadline refused", func(t *testing.T) {
		bet := activeBet()
		bet.Deadline = time.Now().Add(time.Hour).Unix()
		fx := newFixture(t, creator, bet)

		err := fx.coord.SettleBet(context.Background(), big.NewInt(7))
		require.Error(t, err)
		assert.Equal(t, boterrors.KindPermanent, boterrors.KindOf(err))
	})

	t.Run("missing trade list is data integrity", func(t *testing.T) {
		fx := newFixture(t, creator, activeBet())
		fx.store.ok = false

		err := fx.coord.SettleBet(context.Background(), big.NewInt(7))
		require.Error(t, err)
		assert.Equal(t, boterrors.KindDataIntegrity, boterrors.KindOf(err))
		assert.Empty(t, fx.adapter.arbitrated)
	})

	t.Run("non-party refused", func(t *testing.T) {
		stranger := common.HexToAddress("0x3333333333333333333333333333333333333333")
		fx := newFixture(t, stranger, activeBet())

		err := fx.coord.SettleBet(context.Background(), big.NewInt(7))
		require.Error(t, err)
		assert.Equal(t, boterrors.KindPermanent, boterrors.KindOf(err))
	})
}

func TestRespondToProposal(t *testing.T) {
	proposal := func() *p2p.SettlementProposal {
		return &p2p.SettlementProposal{
			BetID:           "7",
			Winner:          creator.Hex(),
			WinsCount:       1,
			ValidTrades:     1,
			Proposer:        creator.Hex(),
			ProposalExpiry:  time.Now().Add(time.Hour).Unix(),
			SettlementNonce: "42",
		}
	}

	t.Run("matching outcome agrees with proposer nonce", func(t *testing.T) {
		fx := newFixture(t, filler, activeBet())

		resp, err := fx.coord.RespondToProposal(context.Background(), creator, proposal())
		require.NoError(t, err)
		assert.Equal(t, p2p.SettlementAgree, resp.Status)
		assert.NotEmpty(t, resp.Signature)
		// The responder signs with the nonce the proposer picked, not its own.
		assert.Zero(t, big.NewInt(42).Cmp(fx.adapter.signedNonce))
	})

	t.Run("tie proposal countersigns the split", func(t *testing.T) {
		fx := newFixture(t, filler, activeBet())
		fx.store.list = []trades.Trade{tr("up", 100), tr("up", 100)}
		fx.prices.set = exits(110, 90)

		p := proposal()
		p.Winner = ""
		p.IsTie = true
		p.WinsCount = 1
		p.ValidTrades = 2

		resp, err := fx.coord.RespondToProposal(context.Background(), creator, p)
		require.NoError(t, err)
		assert.Equal(t, p2p.SettlementAgree, resp.Status)
		assert.Equal(t, hexutil.Encode([]byte("my-payout-sig")), resp.Signature)
	})

	t.Run("divergent outcome disagrees with ours attached", func(t *testing.T) {
		fx := newFixture(t, filler, activeBet())
		p := proposal()
		p.Winner = filler.Hex()

		resp, err := fx.coord.RespondToProposal(context.Background(), creator, p)
		require.NoError(t, err)
		assert.Equal(t, p2p.SettlementDisagree, resp.Status)
		require.NotNil(t, resp.OurOutcome)
		assert.Equal(t, creator.Hex(), resp.OurOutcome.Winner)
		assert.Empty(t, resp.Signature)
	})

	t.Run("expired proposal refused", func(t *testing.T) {
		fx := newFixture(t, filler, activeBet())
		p := proposal()
		p.ProposalExpiry = time.Now().Add(-time.Minute).Unix()

		_, err := fx.coord.RespondToProposal(context.Background(), creator, p)
		require.Error(t, err)
		assert.Equal(t, boterrors.KindPermanent, boterrors.KindOf(err))
	})

	t.Run("sender must be the counterparty", func(t *testing.T) {
		fx := newFixture(t, filler, activeBet())
		stranger := common.HexToAddress("0x3333333333333333333333333333333333333333")

		_, err := fx.coord.RespondToProposal(context.Background(), stranger, proposal())
		require.Error(t, err)
		assert.Equal(t, boterrors.KindPermanent, boterrors.KindOf(err))
	})

	t.Run("invalid bet id refused", func(t *testing.T) {
		fx := newFixture(t, filler, activeBet())
		p := proposal()
		p.BetID = "not-a-number"

		_, err := fx.coord.RespondToProposal(context.Background(), creator, p)
		require.Error(t, err)
	})

	t.Run("non-active bet refused", func(t *testing.T) {
		bet := activeBet()
		bet.Status = chain.BetStatusInArbitration
		fx := newFixture(t, filler, bet)

		_, err := fx.coord.RespondToProposal(context.Background(), creator, proposal())
		require.Error(t, err)
	})
}

func TestSettlementInfo(t *testing.T) {
	fx := newFixture(t, creator, activeBet())

	info, err := fx.coord.SettlementInfo(context.Background(), "7")
	require.NoError(t, err)
	assert.True(t, info.Ready)
	assert.Equal(t, 1, info.TradeCount)

	fx.store.ok = false
	fx.store.list = nil
	info, err = fx.coord.SettlementInfo(context.Background(), "7")
	require.NoError(t, err)
	assert.False(t, info.Ready)
	assert.Zero(t, info.TradeCount)
}

func TestOrderSigs(t *testing.T) {
	bet := activeBet()
	mine := []byte("my-sig")
	theirs := []byte("their-sig")

	t.Run("creator side keeps order", func(t *testing.T) {
		creatorSig, fillerSig := orderSigs(bet, creator, mine, theirs)
		assert.Equal(t, mine, creatorSig)
		assert.Equal(t, theirs, fillerSig)
	})

	t.Run("filler side swaps", func(t *testing.T) {
		creatorSig, fillerSig := orderSigs(bet, filler, mine, theirs)
		assert.Equal(t, theirs, creatorSig)
		assert.Equal(t, mine, fillerSig)
	})
}

func TestTieSplit(t *testing.T) {
	t.Run("even total splits evenly", func(t *testing.T) {
		c, f := tieSplit(&chain.Bet{CreatorAmount: big.NewInt(500), FillerAmount: big.NewInt(500)})
		assert.Zero(t, big.NewInt(500).Cmp(c))
		assert.Zero(t, big.NewInt(500).Cmp(f))
	})

	t.Run("odd unit goes to the filler", func(t *testing.T) {
		c, f := tieSplit(&chain.Bet{CreatorAmount: big.NewInt(500), FillerAmount: big.NewInt(501)})
		assert.Zero(t, big.NewInt(500).Cmp(c))
		assert.Zero(t, big.NewInt(501).Cmp(f))
	})
}
