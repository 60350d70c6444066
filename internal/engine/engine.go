// Package engine runs the pre-commit bet lifecycle: inbound proposal and
// acceptance handling, commitment countersigning, and the proposer-side
// flow from proposal to on-chain commit and trade replication.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/windlabs/windbot/internal/chain"
	"github.com/windlabs/windbot/internal/p2p"
	boterrors "github.com/windlabs/windbot/internal/pkg/errors"
	"github.com/windlabs/windbot/internal/policy"
	"github.com/windlabs/windbot/internal/state"
	"github.com/windlabs/windbot/internal/trades"
)

// pendingTTL bounds how long an unanswered proposal stays actionable.
const pendingTTL = 15 * time.Minute

// pendingCapacity bounds the number of proposals held in either direction.
const pendingCapacity = 1024

// Transport is the slice of the P2P client the engine needs.
type Transport interface {
	ProposeTrades(ctx context.Context, endpoint string, p *p2p.TradeProposal, expiry time.Time) (*p2p.ProposeResponse, error)
	AcceptTrades(ctx context.Context, endpoint string, a *p2p.TradeAcceptance, expiry time.Time) (*p2p.AcceptResponse, error)
	RequestCommitmentSignature(ctx context.Context, endpoint string, req *p2p.CommitmentSignRequest, expiry time.Time) (*p2p.CommitmentSignResponse, error)
	UploadTrades(ctx context.Context, endpoint string, up *p2p.TradesUpload, expiry time.Time) (*p2p.TradesUploadResponse, error)
}

// EndpointResolver locates a counterparty's endpoint.
type EndpointResolver interface {
	Endpoint(ctx context.Context, addr common.Address) (string, bool)
}

// pending is one proposal awaiting the next protocol step, in either
// direction.
type pending struct {
	proposal   *p2p.TradeProposal
	list       []trades.Trade
	root       common.Hash
	peer       common.Address
	inbound    bool
	accepted   bool
	receivedAt time.Time
}

// Engine holds in-flight proposals and drives them to committed bets. It
// is the server's ProposalSink and CommitmentApprover.
type Engine struct {
	adapter   chain.Adapter
	transport Transport
	resolver  EndpointResolver
	guard     *policy.FillGuard
	store     *state.TradeStore
	logger    *slog.Logger
	expiry    time.Duration
	now       func() time.Time

	pending *expirable.LRU[common.Hash, *pending]
}

// New creates an engine. expiry bounds envelope and commitment signature
// lifetimes on outbound requests.
func New(
	adapter chain.Adapter,
	transport Transport,
	resolver EndpointResolver,
	guard *policy.FillGuard,
	store *state.TradeStore,
	expiry time.Duration,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		adapter:   adapter,
		transport: transport,
		resolver:  resolver,
		guard:     guard,
		store:     store,
		logger:    logger,
		expiry:    expiry,
		now:       time.Now,
		pending:   expirable.NewLRU[common.Hash, *pending](pendingCapacity, nil, pendingTTL),
	}
}

// proposalHash identifies a proposal across both parties.
func proposalHash(proposalID, tradesRoot string) common.Hash {
	return crypto.Keccak256Hash([]byte(proposalID), []byte(tradesRoot))
}

// HandleProposal processes an inbound trade proposal: decode, verify the
// trades root, and run the fill guard. Admitted proposals are held for a
// later acceptance decision by the host strategy.
func (e *Engine) HandleProposal(ctx context.Context, sender common.Address, p *p2p.TradeProposal) (bool, string, error) {
	const op = "engine.handleProposal"

	list, err := trades.Decode(p.Trades)
	if err != nil {
		return false, "", boterrors.Permanent(op, fmt.Errorf("decode trades: %w", err))
	}

	root, err := trades.Root(p.SnapshotID, list)
	if err != nil {
		return false, "", boterrors.Permanent(op, err)
	}
	if common.Hash(root) != common.HexToHash(p.TradesRoot) {
		return false, "", boterrors.Permanent(op,
			fmt.Errorf("trades root mismatch: computed %s, claimed %s", common.Hash(root).Hex(), p.TradesRoot))
	}

	if p.Deadline <= e.now().Unix() {
		return false, "", boterrors.Permanent(op, fmt.Errorf("deadline %d already passed", p.Deadline))
	}

	if err := e.guard.Admit(list); err != nil {
		e.logger.Info("proposal refused by fill policy",
			slog.String("proposal_id", p.ProposalID),
			slog.String("error", err.Error()),
		)
		return false, err.Error(), nil
	}

	e.pending.Add(proposalHash(p.ProposalID, p.TradesRoot), &pending{
		proposal:   p,
		list:       list,
		root:       common.Hash(root),
		peer:       sender,
		inbound:    true,
		receivedAt: e.now(),
	})

	e.logger.Info("proposal admitted",
		slog.String("proposal_id", p.ProposalID),
		slog.String("sender", sender.Hex()),
		slog.Int("trades", len(list)),
	)
	return true, "proposal admitted", nil
}

// HandleAcceptance processes an inbound acceptance of a proposal this bot
// sent earlier.
func (e *Engine) HandleAcceptance(ctx context.Context, sender common.Address, a *p2p.TradeAcceptance) (bool, string, error) {
	hash := common.HexToHash(a.ProposalHash)
	pend, ok := e.pending.Get(hash)
	if !ok || pend.inbound {
		return false, "unknown proposal", nil
	}
	if pend.peer != sender {
		return false, "acceptance from wrong counterparty", nil
	}
	if common.HexToHash(a.TradesRoot) != pend.root {
		return false, "trades root mismatch", nil
	}

	pend.accepted = true
	e.logger.Info("proposal accepted by counterparty",
		slog.String("proposal_id", pend.proposal.ProposalID),
		slog.String("filler", sender.Hex()),
	)
	return true, "acceptance recorded", nil
}

// ApproveCommitment countersigns a bilateral commitment when it matches an
// admitted proposal exactly. Refusals carry a reason, not an error.
func (e *Engine) ApproveCommitment(ctx context.Context, sender common.Address, req *p2p.CommitmentSignRequest) (*p2p.CommitmentSignResponse, error) {
	c := req.Commitment
	self := e.adapter.Address()

	if e.now().Unix() > req.Expiry {
		return refuse("commitment request expired"), nil
	}

	var partner common.Address
	switch self {
	case c.Creator:
		partner = c.Filler
	case c.Filler:
		partner = c.Creator
	default:
		return refuse("this bot is not a party to the commitment"), nil
	}
	if sender != partner {
		return refuse("requester is not the counterparty"), nil
	}

	pend := e.findByRoot(c.TradesRoot)
	if pend == nil {
		return refuse("no admitted proposal matches the trades root"), nil
	}

	if c.CreatorAmount.String() != pend.proposal.CreatorAmount ||
		c.FillerAmount.String() != pend.proposal.FillerAmount {
		return refuse("commitment amounts do not match the proposal"), nil
	}
	if c.ResolutionDeadline != pend.proposal.Deadline {
		return refuse("commitment deadline does not match the proposal"), nil
	}

	reqSig, err := hexutil.Decode(req.RequesterSignature)
	if err != nil {
		return refuse("requester signature undecodable"), nil
	}
	td := chain.CommitmentTypedData(c, e.adapter.ChainID(), e.adapter.SettlementContract())
	recovered, err := chain.RecoverTypedData(td, reqSig)
	if err != nil || recovered != sender {
		return refuse("requester signature does not recover to sender"), nil
	}

	sig, err := e.adapter.SignBilateralCommitment(c)
	if err != nil {
		return nil, err
	}

	e.logger.Info("commitment countersigned",
		slog.String("trades_root", c.TradesRoot.Hex()),
		slog.String("requester", sender.Hex()),
	)
	return &p2p.CommitmentSignResponse{Accepted: true, Signature: hexutil.Encode(sig)}, nil
}

// ProposeBet runs the proposer-side first leg: encode, hash and send the
// portfolio to the counterparty, holding it for the commit leg. Returns the
// proposal hash the acceptance will reference.
func (e *Engine) ProposeBet(ctx context.Context, partner common.Address, snapshotID string, list []trades.Trade, creatorAmount, fillerAmount *big.Int, deadline time.Time) (common.Hash, error) {
	const op = "engine.proposeBet"

	endpoint, ok := e.resolver.Endpoint(ctx, partner)
	if !ok {
		return common.Hash{}, boterrors.Transient(op, fmt.Errorf("no endpoint for %s", partner.Hex()))
	}

	payload, err := trades.Encode(list)
	if err != nil {
		return common.Hash{}, boterrors.Internal(op, err)
	}
	root, err := trades.Root(snapshotID, list)
	if err != nil {
		return common.Hash{}, boterrors.Internal(op, err)
	}

	proposal := &p2p.TradeProposal{
		ProposalID:    uuid.NewString(),
		SnapshotID:    snapshotID,
		TradesRoot:    common.Hash(root).Hex(),
		Trades:        payload,
		CreatorAmount: creatorAmount.String(),
		FillerAmount:  fillerAmount.String(),
		Deadline:      deadline.Unix(),
	}

	if _, err := e.transport.ProposeTrades(ctx, endpoint, proposal, e.now().Add(e.expiry)); err != nil {
		return common.Hash{}, err
	}

	hash := proposalHash(proposal.ProposalID, proposal.TradesRoot)
	e.pending.Add(hash, &pending{
		proposal:   proposal,
		list:       list,
		root:       common.Hash(root),
		peer:       partner,
		receivedAt: e.now(),
	})

	e.logger.Info("proposal sent",
		slog.String("proposal_id", proposal.ProposalID),
		slog.String("partner", partner.Hex()),
		slog.Int("trades", len(list)),
	)
	return hash, nil
}

// AcceptProposal runs the filler-side acceptance of an admitted inbound
// proposal, chosen by the host strategy.
func (e *Engine) AcceptProposal(ctx context.Context, hash common.Hash) error {
	const op = "engine.acceptProposal"

	pend, ok := e.pending.Get(hash)
	if !ok || !pend.inbound {
		return boterrors.Permanent(op, fmt.Errorf("no admitted proposal %s", hash.Hex()))
	}

	endpoint, ok := e.resolver.Endpoint(ctx, pend.peer)
	if !ok {
		return boterrors.Transient(op, fmt.Errorf("no endpoint for %s", pend.peer.Hex()))
	}

	acceptance := &p2p.TradeAcceptance{
		ProposalHash: hash.Hex(),
		SnapshotID:   pend.proposal.SnapshotID,
		TradesRoot:   pend.root.Hex(),
	}
	if _, err := e.transport.AcceptTrades(ctx, endpoint, acceptance, e.now().Add(e.expiry)); err != nil {
		return err
	}

	pend.accepted = true
	return nil
}

// CommitBet runs the proposer-side second leg after the counterparty
// accepted: sign the commitment, collect the countersignature, submit
// on-chain, persist the trade list locally and replicate it to the partner.
func (e *Engine) CommitBet(ctx context.Context, hash common.Hash) (*big.Int, error) {
	const op = "engine.commitBet"

	pend, ok := e.pending.Get(hash)
	if !ok || pend.inbound {
		return nil, boterrors.Permanent(op, fmt.Errorf("no outbound proposal %s", hash.Hex()))
	}
	if !pend.accepted {
		return nil, boterrors.Permanent(op, fmt.Errorf("proposal %s not yet accepted", hash.Hex()))
	}

	endpoint, ok := e.resolver.Endpoint(ctx, pend.peer)
	if !ok {
		return nil, boterrors.Transient(op, fmt.Errorf("no endpoint for %s", pend.peer.Hex()))
	}

	self := e.adapter.Address()
	nonce, err := e.adapter.GetVaultNonce(ctx, self)
	if err != nil {
		return nil, err
	}

	creatorAmount, _ := new(big.Int).SetString(pend.proposal.CreatorAmount, 10)
	fillerAmount, _ := new(big.Int).SetString(pend.proposal.FillerAmount, 10)
	if creatorAmount == nil || fillerAmount == nil {
		return nil, boterrors.Internal(op, fmt.Errorf("invalid amounts on proposal %s", hash.Hex()))
	}

	commitment := &chain.BilateralCommitment{
		TradesRoot:         pend.root,
		Creator:            self,
		Filler:             pend.peer,
		CreatorAmount:      creatorAmount,
		FillerAmount:       fillerAmount,
		ResolutionDeadline: pend.proposal.Deadline,
		Nonce:              nonce,
		SignatureExpiry:    e.now().Add(e.expiry).Unix(),
	}

	mySig, err := e.adapter.SignBilateralCommitment(commitment)
	if err != nil {
		return nil, err
	}

	resp, err := e.transport.RequestCommitmentSignature(ctx, endpoint, &p2p.CommitmentSignRequest{
		Commitment:         commitment,
		RequesterSignature: hexutil.Encode(mySig),
		Expiry:             commitment.SignatureExpiry,
	}, e.now().Add(e.expiry))
	if err != nil {
		return nil, err
	}
	if !resp.Accepted {
		return nil, boterrors.Permanent(op,
			fmt.Errorf("counterparty refused to countersign: %s", resp.Reason))
	}
	theirSig, err := hexutil.Decode(resp.Signature)
	if err != nil {
		return nil, boterrors.Permanent(op, fmt.Errorf("countersignature undecodable: %w", err))
	}

	betID, err := e.adapter.CommitBilateralBet(ctx, commitment, mySig, theirSig)
	if err != nil {
		return nil, err
	}

	if err := e.store.Put(betID.String(), pend.proposal.SnapshotID, pend.list); err != nil {
		return nil, err
	}

	// Replicate the full list to the counterparty so either side can settle.
	upload := &p2p.TradesUpload{
		BetID:      betID.String(),
		SnapshotID: pend.proposal.SnapshotID,
		Trades:     pend.proposal.Trades,
		Signer:     self.Hex(),
	}
	if _, err := e.transport.UploadTrades(ctx, endpoint, upload, e.now().Add(e.expiry)); err != nil {
		e.logger.Warn("trade replication to counterparty failed",
			slog.String("bet_id", betID.String()),
			slog.String("error", err.Error()),
		)
	}

	e.pending.Remove(hash)
	e.logger.Info("bet committed",
		slog.String("bet_id", betID.String()),
		slog.String("filler", pend.peer.Hex()),
	)
	return betID, nil
}

// StoreForBet persists an admitted inbound proposal's trade list under a
// freshly committed bet id, once the filler learns it from BetCreated.
func (e *Engine) StoreForBet(betID *big.Int, hash common.Hash) error {
	pend, ok := e.pending.Get(hash)
	if !ok {
		return boterrors.Permanent("engine.storeForBet",
			fmt.Errorf("no pending proposal %s", hash.Hex()))
	}
	if err := e.store.Put(betID.String(), pend.proposal.SnapshotID, pend.list); err != nil {
		return err
	}
	e.pending.Remove(hash)
	return nil
}

// findByRoot scans pending proposals for a trades root.
func (e *Engine) findByRoot(root common.Hash) *pending {
	for _, key := range e.pending.Keys() {
		if pend, ok := e.pending.Peek(key); ok && pend.root == root {
			return pend
		}
	}
	return nil
}

func refuse(reason string) *p2p.CommitmentSignResponse {
	return &p2p.CommitmentSignResponse{Accepted: false, Reason: reason}
}

// compile-time interface checks against the server's expectations.
var (
	_ p2p.ProposalSink       = (*Engine)(nil)
	_ p2p.CommitmentApprover = (*Engine)(nil)
	_ Transport              = (*p2p.Client)(nil)
)
