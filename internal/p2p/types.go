// Package p2p implements the signed HTTP transport between bots: the typed
// client with its retry envelope, the inbound server surface, peer
// discovery and replay protection.
package p2p

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/windlabs/windbot/internal/chain"
	"github.com/windlabs/windbot/internal/trades"
)

// SignedMessage is the envelope every mutating P2P request travels in.
// The signature covers the EIP-712 digest of {keccak(payload), sender,
// nonce, expiry} under the P2P (non-contract-verifying) domain.
type SignedMessage struct {
	Sender    string          `json:"sender" validate:"required"`
	Nonce     string          `json:"nonce" validate:"required"`
	Expiry    int64           `json:"expiry" validate:"required,gt=0"`
	Payload   json.RawMessage `json:"payload" validate:"required"`
	Signature string          `json:"signature" validate:"required"`
}

// envelopeTypedData frames a SignedMessage for hashing.
func envelopeTypedData(payloadHash common.Hash, sender common.Address, nonce *big.Int, expiry int64, chainID *big.Int) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"P2PMessage": {
				{Name: "payloadHash", Type: "bytes32"},
				{Name: "sender", Type: "address"},
				{Name: "nonce", Type: "uint256"},
				{Name: "expiry", Type: "uint256"},
			},
		},
		PrimaryType: "P2PMessage",
		Domain:      chain.P2PDomain(chainID),
		Message: apitypes.TypedDataMessage{
			"payloadHash": payloadHash.Hex(),
			"sender":      sender.Hex(),
			"nonce":       (*math.HexOrDecimal256)(nonce),
			"expiry":      (*math.HexOrDecimal256)(big.NewInt(expiry)),
		},
	}
}

// Seal signs payload into a SignedMessage.
func Seal(signer *chain.Signer, chainID *big.Int, nonce *big.Int, expiry time.Time, payload any) (*SignedMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	td := envelopeTypedData(crypto.Keccak256Hash(body), signer.Address(), nonce, expiry.Unix(), chainID)
	sig, err := signer.SignTypedData(td)
	if err != nil {
		return nil, err
	}
	return &SignedMessage{
		Sender:    signer.Address().Hex(),
		Nonce:     nonce.String(),
		Expiry:    expiry.Unix(),
		Payload:   body,
		Signature: hexutil.Encode(sig),
	}, nil
}

// Verify checks the envelope signature and returns the recovered sender.
func (m *SignedMessage) Verify(chainID *big.Int) (common.Address, error) {
	nonce, ok := new(big.Int).SetString(m.Nonce, 10)
	if !ok {
		return common.Address{}, fmt.Errorf("invalid nonce %q", m.Nonce)
	}
	sig, err := hexutil.Decode(m.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	sender := common.HexToAddress(m.Sender)
	td := envelopeTypedData(crypto.Keccak256Hash(m.Payload), sender, nonce, m.Expiry, chainID)
	recovered, err := chain.RecoverTypedData(td, sig)
	if err != nil {
		return common.Address{}, err
	}
	if recovered != sender {
		return common.Address{}, fmt.Errorf("signature recovers to %s, envelope claims %s", recovered.Hex(), sender.Hex())
	}
	return sender, nil
}

// ContentHash identifies the envelope for replay protection.
func (m *SignedMessage) ContentHash() common.Hash {
	return crypto.Keccak256Hash(m.Payload, []byte(m.Sender), []byte(m.Nonce))
}

// HealthResponse answers GET /p2p/health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Uptime    int64  `json:"uptime"`
}

// InfoResponse answers GET /p2p/info.
type InfoResponse struct {
	Address    string `json:"address"`
	Endpoint   string `json:"endpoint"`
	PubkeyHash string `json:"pubkeyHash"`
	Version    string `json:"version"`
	Uptime     int64  `json:"uptime"`
}

// TradeProposal proposes a portfolio to a counterparty. Amounts are decimal
// strings.
type TradeProposal struct {
	ProposalID    string          `json:"proposalId" validate:"required"`
	SnapshotID    string          `json:"snapshotId" validate:"required"`
	TradesRoot    string          `json:"tradesRoot" validate:"required"`
	Trades        *trades.Payload `json:"trades" validate:"required"`
	CreatorAmount string          `json:"creatorAmount" validate:"required"`
	FillerAmount  string          `json:"fillerAmount" validate:"required"`
	Deadline      int64           `json:"deadline" validate:"required,gt=0"`
}

// ProposeResponse acknowledges a proposal.
type ProposeResponse struct {
	Received     bool   `json:"received"`
	ProposalHash string `json:"proposalHash"`
	Message      string `json:"message,omitempty"`
}

// TradeAcceptance accepts a previously received proposal.
type TradeAcceptance struct {
	ProposalHash string `json:"proposalHash" validate:"required"`
	SnapshotID   string `json:"snapshotId" validate:"required"`
	TradesRoot   string `json:"tradesRoot" validate:"required"`
}

// AcceptResponse acknowledges an acceptance.
type AcceptResponse struct {
	Received       bool   `json:"received"`
	AcceptanceHash string `json:"acceptanceHash"`
	Message        string `json:"message,omitempty"`
}

// CommitmentSignRequest asks the counterparty to countersign a commitment.
type CommitmentSignRequest struct {
	Commitment         *chain.BilateralCommitment `json:"commitment" validate:"required"`
	RequesterSignature string                     `json:"requesterSignature" validate:"required"`
	Expiry             int64                      `json:"expiry" validate:"required,gt=0"`
}

// CommitmentSignResponse carries the countersignature or a refusal reason.
type CommitmentSignResponse struct {
	Accepted  bool   `json:"accepted"`
	Signature string `json:"signature,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// TradesUpload stores the full trade list for a committed bet with the
// counterparty.
type TradesUpload struct {
	BetID      string          `json:"betId" validate:"required"`
	SnapshotID string          `json:"snapshotId" validate:"required"`
	Trades     *trades.Payload `json:"trades" validate:"required"`
	Signer     string          `json:"signer" validate:"required"`
}

// TradesUploadResponse acknowledges a stored trade list.
type TradesUploadResponse struct {
	Received bool   `json:"received"`
	BetID    string `json:"betId"`
}

// Outcome is the computed settlement result exchanged between parties.
type Outcome struct {
	Winner      string `json:"winner"`
	WinsCount   int    `json:"winsCount"`
	ValidTrades int    `json:"validTrades"`
	IsTie       bool   `json:"isTie"`
}

// SettlementProposal is the post-deadline settlement offer. The
// SettlementNonce is shared with the partner for on-chain signing.
type SettlementProposal struct {
	BetID           string `json:"betId" validate:"required"`
	Winner          string `json:"winner"`
	WinsCount       int    `json:"winsCount"`
	ValidTrades     int    `json:"validTrades"`
	IsTie           bool   `json:"isTie"`
	Proposer        string `json:"proposer" validate:"required"`
	ProposalExpiry  int64  `json:"proposalExpiry" validate:"required,gt=0"`
	SettlementNonce string `json:"settlementNonce" validate:"required"`
	ExitPricesHash  string `json:"exitPricesHash,omitempty"`
}

// SettlementStatus values for SettlementResponse.
const (
	SettlementAgree    = "agree"
	SettlementDisagree = "disagree"
	SettlementCounter  = "counter"
)

// CounterProposal is a custom-payout counter offer.
type CounterProposal struct {
	CreatorPayout string `json:"creatorPayout"`
	FillerPayout  string `json:"fillerPayout"`
	Signature     string `json:"signature,omitempty"`
}

// SettlementResponse is the partner's verdict on a settlement proposal.
type SettlementResponse struct {
	Status          string           `json:"status"`
	Signature       string           `json:"signature,omitempty"`
	OurOutcome      *Outcome         `json:"ourOutcome,omitempty"`
	CounterProposal *CounterProposal `json:"counterProposal,omitempty"`
}

// SettlementInfo answers GET /p2p/settlement/{bet-id}.
type SettlementInfo struct {
	BetID          string `json:"betId"`
	HasTrades      bool   `json:"hasTrades"`
	TradeCount     int    `json:"tradeCount"`
	ExitPricesHash string `json:"exitPricesHash,omitempty"`
	Ready          bool   `json:"ready"`
}

// StoredTrade is one trade with its index, as served by GET /p2p/trades/{bet-id}.
type StoredTrade struct {
	Index  int    `json:"index"`
	Ticker string `json:"ticker"`
	Method string `json:"method"`
	Entry  string `json:"entryPrice"`
}

// TradesDownloadResponse serves a stored trade list.
type TradesDownloadResponse struct {
	BetID  string        `json:"betId"`
	Count  int           `json:"count"`
	Trades []StoredTrade `json:"trades"`
}
