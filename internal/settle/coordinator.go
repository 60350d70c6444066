package settle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/windlabs/windbot/internal/chain"
	"github.com/windlabs/windbot/internal/config"
	"github.com/windlabs/windbot/internal/p2p"
	boterrors "github.com/windlabs/windbot/internal/pkg/errors"
	"github.com/windlabs/windbot/internal/prices"
	"github.com/windlabs/windbot/internal/resilience"
	"github.com/windlabs/windbot/internal/state"
	"github.com/windlabs/windbot/internal/trades"
)

// Transport is the slice of the P2P client the coordinator needs.
type Transport interface {
	ProposeSettlement(ctx context.Context, endpoint string, p *p2p.SettlementProposal, expiry time.Time) (*p2p.SettlementResponse, error)
}

// EndpointResolver locates a counterparty's endpoint.
type EndpointResolver interface {
	Endpoint(ctx context.Context, addr common.Address) (string, bool)
}

// TradeSource loads the locally stored trade list for a bet.
type TradeSource interface {
	Get(betID string) (snapshotID string, list []trades.Trade, ok bool)
}

// PriceSource fetches exit prices for a bet's tickers.
type PriceSource interface {
	FetchForBet(ctx context.Context, betID, snapshotID string, tickers []string) (*prices.Set, error)
}

// Coordinator drives settlement for committed bets: it computes the local
// outcome after the deadline, runs the bilateral proposal exchange, and
// escalates to on-chain arbitration whenever agreement cannot be reached.
// It also answers the inverse flow for proposals arriving over the P2P
// server.
type Coordinator struct {
	cfg      config.SettlementConfig
	adapter  chain.Adapter
	client   Transport
	resolver EndpointResolver
	store    TradeSource
	prices   PriceSource
	events   *resilience.EventLog
	metrics  *resilience.Collector
	logger   *slog.Logger
	now      func() time.Time
}

// NewCoordinator wires the settlement engine.
func NewCoordinator(
	cfg config.SettlementConfig,
	adapter chain.Adapter,
	client Transport,
	resolver EndpointResolver,
	store TradeSource,
	priceSource PriceSource,
	events *resilience.EventLog,
	metrics *resilience.Collector,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		adapter:  adapter,
		client:   client,
		resolver: resolver,
		store:    store,
		prices:   priceSource,
		events:   events,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// SettleBet runs the full proposer-side flow for one bet whose deadline has
// passed. A nil return means the bet reached a terminal state: settled by
// agreement, settled by tie split, or escalated to arbitration.
func (c *Coordinator) SettleBet(ctx context.Context, betID *big.Int) error {
	const op = "settle.settleBet"

	bet, err := c.adapter.GetBet(ctx, betID)
	if err != nil {
		return err
	}
	if bet.Status != chain.BetStatusActive {
		return boterrors.Permanent(op,
			fmt.Errorf("bet %s is %s, not Active", betID, bet.Status))
	}
	if c.now().Unix() <= bet.Deadline {
		return boterrors.Permanent(op,
			fmt.Errorf("bet %s deadline %d has not passed", betID, bet.Deadline))
	}

	self := c.adapter.Address()
	partner, err := counterparty(bet, self)
	if err != nil {
		return err
	}

	outcome, exitHash, err := c.computeLocal(ctx, bet)
	if err != nil {
		return err
	}

	endpoint, ok := c.resolver.Endpoint(ctx, partner)
	if !ok {
		c.logger.Warn("counterparty endpoint unknown, escalating",
			slog.String("bet_id", betID.String()),
			slog.String("partner", partner.Hex()),
		)
		return c.arbitrate(ctx, betID, "counterparty unreachable")
	}

	nonce, err := c.sharedNonce(ctx, self, partner)
	if err != nil {
		return err
	}

	expiry := c.now().Add(c.cfg.ProposalExpiry)
	proposal := &p2p.SettlementProposal{
		BetID:           betID.String(),
		Winner:          outcome.Winner,
		WinsCount:       outcome.WinsCount,
		ValidTrades:     outcome.ValidTrades,
		IsTie:           outcome.IsTie,
		Proposer:        self.Hex(),
		ProposalExpiry:  expiry.Unix(),
		SettlementNonce: nonce.String(),
		ExitPricesHash:  exitHash.Hex(),
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.P2PTimeout)
	resp, err := c.client.ProposeSettlement(sendCtx, endpoint, proposal, expiry)
	cancel()
	if err != nil {
		c.logger.Warn("settlement proposal failed, escalating",
			slog.String("bet_id", betID.String()),
			slog.String("error", err.Error()),
		)
		return c.arbitrate(ctx, betID, "proposal exchange failed: "+err.Error())
	}

	switch resp.Status {
	case p2p.SettlementAgree:
		if resp.Signature == "" {
			return c.arbitrate(ctx, betID, "agree reply carried no signature")
		}
		theirSig, err := hexutil.Decode(resp.Signature)
		if err != nil {
			return c.arbitrate(ctx, betID, "agree reply signature undecodable")
		}
		if outcome.IsTie {
			return c.executeTiePayout(ctx, bet, self, nonce, theirSig)
		}
		return c.executeAgreement(ctx, bet, self, common.HexToAddress(outcome.Winner), nonce, theirSig)

	case p2p.SettlementCounter:
		fields := map[string]any{"bet_id": betID.String()}
		if resp.CounterProposal != nil {
			fields["creator_payout"] = resp.CounterProposal.CreatorPayout
			fields["filler_payout"] = resp.CounterProposal.FillerPayout
		}
		c.events.Append(resilience.EventArbitration, "counter-proposal received, not auto-evaluated", fields)
		return c.arbitrate(ctx, betID, "counter-proposal not auto-evaluated")

	case p2p.SettlementDisagree:
		fields := map[string]any{
			"bet_id":     betID.String(),
			"our_winner": outcome.Winner,
			"our_wins":   outcome.WinsCount,
		}
		if resp.OurOutcome != nil {
			fields["their_winner"] = resp.OurOutcome.Winner
			fields["their_wins"] = resp.OurOutcome.WinsCount
		}
		c.events.Append(resilience.EventArbitration, "outcome disagreement", fields)
		return c.arbitrate(ctx, betID, "outcomes diverge")

	default:
		return c.arbitrate(ctx, betID, fmt.Sprintf("unknown reply status %q", resp.Status))
	}
}

// RespondToProposal runs the inverse flow for a proposal received over the
// P2P server: recompute the outcome locally, and only sign when every field
// matches exactly. Signing uses the proposer's settlement nonce so both
// on-chain signatures share it.
func (c *Coordinator) RespondToProposal(ctx context.Context, sender common.Address, p *p2p.SettlementProposal) (*p2p.SettlementResponse, error) {
	const op = "settle.respond"

	betID, ok := new(big.Int).SetString(p.BetID, 10)
	if !ok {
		return nil, boterrors.Permanent(op, fmt.Errorf("invalid bet id %q", p.BetID))
	}
	if c.now().Unix() > p.ProposalExpiry {
		return nil, boterrors.Permanent(op, fmt.Errorf("proposal for bet %s expired", p.BetID))
	}

	bet, err := c.adapter.GetBet(ctx, betID)
	if err != nil {
		return nil, err
	}
	if bet.Status != chain.BetStatusActive {
		return nil, boterrors.Permanent(op,
			fmt.Errorf("bet %s is %s, not Active", p.BetID, bet.Status))
	}

	self := c.adapter.Address()
	partner, err := counterparty(bet, self)
	if err != nil {
		return nil, err
	}
	if sender != partner {
		return nil, boterrors.Permanent(op,
			fmt.Errorf("sender %s is not the counterparty of bet %s", sender.Hex(), p.BetID))
	}

	ours, _, err := c.computeLocal(ctx, bet)
	if err != nil {
		return nil, err
	}

	theirs := &p2p.Outcome{
		Winner:      p.Winner,
		WinsCount:   p.WinsCount,
		ValidTrades: p.ValidTrades,
		IsTie:       p.IsTie,
	}
	if !sameOutcome(ours, theirs) {
		c.logger.Warn("settlement outcomes diverge",
			slog.String("bet_id", p.BetID),
			slog.String("our_winner", ours.Winner),
			slog.String("their_winner", theirs.Winner),
		)
		c.metrics.RecordSettlement(false)
		return &p2p.SettlementResponse{Status: p2p.SettlementDisagree, OurOutcome: ours}, nil
	}

	nonce, ok := new(big.Int).SetString(p.SettlementNonce, 10)
	if !ok {
		return nil, boterrors.Permanent(op, fmt.Errorf("invalid settlement nonce %q", p.SettlementNonce))
	}

	var sig []byte
	if ours.IsTie {
		creatorPayout, fillerPayout := tieSplit(bet)
		sig, err = c.adapter.SignCustomPayout(betID, creatorPayout, fillerPayout, nonce)
	} else {
		sig, err = c.adapter.SignSettlementAgreement(betID, common.HexToAddress(ours.Winner), nonce)
	}
	if err != nil {
		return nil, err
	}

	c.metrics.RecordSettlement(true)
	c.events.Append(resilience.EventSettlement, "agreed to incoming proposal", map[string]any{
		"bet_id": p.BetID,
		"winner": ours.Winner,
		"is_tie": ours.IsTie,
	})
	return &p2p.SettlementResponse{Status: p2p.SettlementAgree, Signature: hexutil.Encode(sig)}, nil
}

// SettlementInfo reports local settlement readiness for a bet.
func (c *Coordinator) SettlementInfo(ctx context.Context, betID string) (*p2p.SettlementInfo, error) {
	_, list, ok := c.store.Get(betID)
	return &p2p.SettlementInfo{
		BetID:      betID,
		HasTrades:  ok,
		TradeCount: len(list),
		Ready:      ok,
	}, nil
}

// computeLocal loads trades and exit prices for a bet and computes this
// side's outcome. Missing trade lists are data-integrity failures and never
// auto-recovered.
func (c *Coordinator) computeLocal(ctx context.Context, bet *chain.Bet) (*p2p.Outcome, common.Hash, error) {
	snapshotID, list, ok := c.store.Get(bet.ID.String())
	if !ok {
		return nil, common.Hash{}, boterrors.DataIntegrity("settle.loadTrades",
			fmt.Errorf("no trade list stored for bet %s", bet.ID))
	}

	tickers := make([]string, len(list))
	for i, t := range list {
		tickers[i] = t.Ticker
	}

	set, err := c.prices.FetchForBet(ctx, bet.ID.String(), snapshotID, tickers)
	if err != nil {
		return nil, common.Hash{}, err
	}
	if err := set.Validate(len(list)); err != nil {
		return nil, common.Hash{}, err
	}

	outcome, err := ComputeOutcome(list, set, bet.Creator, bet.Filler)
	if err != nil {
		return nil, common.Hash{}, err
	}
	return outcome, set.Hash(), nil
}

// sharedNonce picks the settlement nonce both parties sign with: the
// maximum of the two current vault nonces.
func (c *Coordinator) sharedNonce(ctx context.Context, self, partner common.Address) (*big.Int, error) {
	mine, err := c.adapter.GetVaultNonce(ctx, self)
	if err != nil {
		return nil, err
	}
	theirs, err := c.adapter.GetVaultNonce(ctx, partner)
	if err != nil {
		return nil, err
	}
	if mine.Cmp(theirs) >= 0 {
		return mine, nil
	}
	return theirs, nil
}

// executeAgreement submits settleByAgreement with both signatures in
// creator/filler order.
func (c *Coordinator) executeAgreement(ctx context.Context, bet *chain.Bet, self, winner common.Address, nonce *big.Int, theirSig []byte) error {
	mySig, err := c.adapter.SignSettlementAgreement(bet.ID, winner, nonce)
	if err != nil {
		return err
	}
	creatorSig, fillerSig := orderSigs(bet, self, mySig, theirSig)

	agreement := &chain.SettlementAgreement{BetID: bet.ID, Winner: winner, Nonce: nonce}
	if err := c.adapter.SettleByAgreement(ctx, agreement, creatorSig, fillerSig); err != nil {
		return err
	}

	c.metrics.RecordSettlement(true)
	c.events.Append(resilience.EventSettlement, "settled by agreement", map[string]any{
		"bet_id": bet.ID.String(),
		"winner": winner.Hex(),
	})
	c.logger.Info("bet settled by agreement",
		slog.String("bet_id", bet.ID.String()),
		slog.String("winner", winner.Hex()),
	)
	return nil
}

// executeTiePayout submits an even custom payout for a tied bet.
func (c *Coordinator) executeTiePayout(ctx context.Context, bet *chain.Bet, self common.Address, nonce *big.Int, theirSig []byte) error {
	creatorPayout, fillerPayout := tieSplit(bet)

	mySig, err := c.adapter.SignCustomPayout(bet.ID, creatorPayout, fillerPayout, nonce)
	if err != nil {
		return err
	}
	creatorSig, fillerSig := orderSigs(bet, self, mySig, theirSig)

	payout := &chain.CustomPayoutAgreement{
		BetID:         bet.ID,
		CreatorPayout: creatorPayout,
		FillerPayout:  fillerPayout,
		Nonce:         nonce,
	}
	if err := c.adapter.CustomPayout(ctx, payout, creatorSig, fillerSig); err != nil {
		return err
	}

	c.metrics.RecordSettlement(true)
	c.events.Append(resilience.EventSettlement, "tie settled by even split", map[string]any{
		"bet_id":         bet.ID.String(),
		"creator_payout": creatorPayout.String(),
		"filler_payout":  fillerPayout.String(),
	})
	c.logger.Info("tied bet settled by even split", slog.String("bet_id", bet.ID.String()))
	return nil
}

// arbitrate escalates the bet to the on-chain arbitrator.
func (c *Coordinator) arbitrate(ctx context.Context, betID *big.Int, reason string) error {
	c.metrics.RecordSettlement(false)
	c.events.Append(resilience.EventArbitration, reason, map[string]any{
		"bet_id": betID.String(),
	})

	arbCtx, cancel := context.WithTimeout(ctx, c.cfg.ArbitrationTimeout)
	defer cancel()

	if err := c.adapter.RequestArbitration(arbCtx, betID); err != nil {
		return err
	}
	c.logger.Warn("bet escalated to arbitration",
		slog.String("bet_id", betID.String()),
		slog.String("reason", reason),
	)
	return nil
}

// counterparty returns the other party of a bet this bot participates in.
func counterparty(bet *chain.Bet, self common.Address) (common.Address, error) {
	switch self {
	case bet.Creator:
		return bet.Filler, nil
	case bet.Filler:
		return bet.Creator, nil
	default:
		return common.Address{}, boterrors.Permanent("settle.counterparty",
			fmt.Errorf("bot %s is not a party to bet %s", self.Hex(), bet.ID))
	}
}

// orderSigs places the two signatures into the creator/filler slot order the
// settlement contract verifies.
func orderSigs(bet *chain.Bet, self common.Address, mySig, theirSig []byte) (creatorSig, fillerSig []byte) {
	if self == bet.Creator {
		return mySig, theirSig
	}
	return theirSig, mySig
}

// tieSplit divides the escrowed total evenly, rounding in the filler's favor
// by one base unit when the total is odd.
func tieSplit(bet *chain.Bet) (creatorPayout, fillerPayout *big.Int) {
	total := new(big.Int).Add(bet.CreatorAmount, bet.FillerAmount)
	creatorPayout = new(big.Int).Rsh(total, 1)
	fillerPayout = new(big.Int).Sub(total, creatorPayout)
	return creatorPayout, fillerPayout
}

// compile-time interface checks against the real implementations.
var (
	_ Transport        = (*p2p.Client)(nil)
	_ EndpointResolver = (*p2p.Discovery)(nil)
	_ TradeSource      = (*state.TradeStore)(nil)
	_ PriceSource      = (*prices.Fetcher)(nil)

	_ p2p.SettlementResponder = (*Coordinator)(nil)
)
