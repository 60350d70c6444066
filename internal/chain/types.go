// Package chain binds the bot to the on-chain registry, vault and settlement
// contracts: typed-data signing, transaction submission and event decoding.
package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BetStatus mirrors the on-chain bet lifecycle.
type BetStatus uint8

const (
	// BetStatusNone means the bet id is unknown on-chain.
	BetStatusNone BetStatus = iota
	// BetStatusActive means collateral is escrowed and the deadline is pending.
	BetStatusActive
	// BetStatusSettled means a winner payout was executed by agreement.
	BetStatusSettled
	// BetStatusCustomPayout means a negotiated split was executed.
	BetStatusCustomPayout
	// BetStatusInArbitration means resolution moved to the external arbitrator.
	BetStatusInArbitration
	// BetStatusArbitrationSettled means the arbitrator resolved the bet.
	BetStatusArbitrationSettled
)

func (s BetStatus) String() string {
	switch s {
	case BetStatusNone:
		return "None"
	case BetStatusActive:
		return "Active"
	case BetStatusSettled:
		return "Settled"
	case BetStatusCustomPayout:
		return "CustomPayout"
	case BetStatusInArbitration:
		return "InArbitration"
	case BetStatusArbitrationSettled:
		return "ArbitrationSettled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further settlement action is possible.
func (s BetStatus) Terminal() bool {
	return s != BetStatusActive && s != BetStatusInArbitration && s != BetStatusNone
}

// BilateralCommitment is the signed bet intent presented to the contract.
// Both parties sign it under the contract-verifying domain before commit.
type BilateralCommitment struct {
	TradesRoot         common.Hash    `json:"tradesRoot"`
	Creator            common.Address `json:"creator"`
	Filler             common.Address `json:"filler"`
	CreatorAmount      *big.Int       `json:"creatorAmount"`
	FillerAmount       *big.Int       `json:"fillerAmount"`
	ResolutionDeadline int64          `json:"resolutionDeadline"`
	Nonce              *big.Int       `json:"nonce"`
	SignatureExpiry    int64          `json:"signatureExpiry"`
}

// Bet is the on-chain view cached locally.
type Bet struct {
	ID            *big.Int       `json:"id"`
	TradesRoot    common.Hash    `json:"tradesRoot"`
	Creator       common.Address `json:"creator"`
	Filler        common.Address `json:"filler"`
	CreatorAmount *big.Int       `json:"creatorAmount"`
	FillerAmount  *big.Int       `json:"fillerAmount"`
	Deadline      int64          `json:"deadline"`
	CreatedAt     int64          `json:"createdAt"`
	Status        BetStatus      `json:"status"`
}

// SettlementAgreement authorizes a winner payout after the deadline.
// Both signatures must embed the same nonce.
type SettlementAgreement struct {
	BetID  *big.Int       `json:"betId"`
	Winner common.Address `json:"winner"`
	Nonce  *big.Int       `json:"nonce"`
}

// CustomPayoutAgreement authorizes a negotiated (creator, filler) split.
type CustomPayoutAgreement struct {
	BetID         *big.Int `json:"betId"`
	CreatorPayout *big.Int `json:"creatorPayout"`
	FillerPayout  *big.Int `json:"fillerPayout"`
	Nonce         *big.Int `json:"nonce"`
}

// VaultBalance is the three-way vault view for one address.
type VaultBalance struct {
	Available *big.Int `json:"available"`
	Locked    *big.Int `json:"locked"`
	Total     *big.Int `json:"total"`
}

// BotInfo is one registry entry.
type BotInfo struct {
	Address    common.Address `json:"address"`
	Endpoint   string         `json:"endpoint"`
	PubkeyHash common.Hash    `json:"pubkeyHash"`
	Active     bool           `json:"active"`
}
