package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Two canonical typed-data domains. Contract-verifying signatures bind the
// settlement contract address; P2P-only signatures bind chain id alone so
// they can never be replayed against a contract.
const (
	contractDomainName = "WindSettlement"
	p2pDomainName      = "WindP2P"
	domainVersion      = "1"
)

// ContractDomain is the verifying-contract domain for on-chain signatures.
func ContractDomain(chainID *big.Int, verifyingContract common.Address) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              contractDomainName,
		Version:           domainVersion,
		ChainId:           (*math.HexOrDecimal256)(chainID),
		VerifyingContract: verifyingContract.Hex(),
	}
}

// P2PDomain is the off-chain domain for propositions, acceptances and
// settlement proposals.
func P2PDomain(chainID *big.Int) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:    p2pDomainName,
		Version: domainVersion,
		ChainId: (*math.HexOrDecimal256)(chainID),
	}
}

func domainTypes(withContract bool) []apitypes.Type {
	ts := []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
	}
	if withContract {
		ts = append(ts, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}
	return ts
}

// CommitmentTypedData frames a BilateralCommitment for EIP-712 hashing under
// the contract-verifying domain.
func CommitmentTypedData(c *BilateralCommitment, chainID *big.Int, verifyingContract common.Address) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainTypes(true),
			"BilateralCommitment": {
				{Name: "tradesRoot", Type: "bytes32"},
				{Name: "creator", Type: "address"},
				{Name: "filler", Type: "address"},
				{Name: "creatorAmount", Type: "uint256"},
				{Name: "fillerAmount", Type: "uint256"},
				{Name: "resolutionDeadline", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "signatureExpiry", Type: "uint256"},
			},
		},
		PrimaryType: "BilateralCommitment",
		Domain:      ContractDomain(chainID, verifyingContract),
		Message: apitypes.TypedDataMessage{
			"tradesRoot":         c.TradesRoot.Hex(),
			"creator":            c.Creator.Hex(),
			"filler":             c.Filler.Hex(),
			"creatorAmount":      (*math.HexOrDecimal256)(c.CreatorAmount),
			"fillerAmount":       (*math.HexOrDecimal256)(c.FillerAmount),
			"resolutionDeadline": (*math.HexOrDecimal256)(big.NewInt(c.ResolutionDeadline)),
			"nonce":              (*math.HexOrDecimal256)(c.Nonce),
			"signatureExpiry":    (*math.HexOrDecimal256)(big.NewInt(c.SignatureExpiry)),
		},
	}
}

// AgreementTypedData frames a SettlementAgreement under the
// contract-verifying domain.
func AgreementTypedData(a *SettlementAgreement, chainID *big.Int, verifyingContract common.Address) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainTypes(true),
			"SettlementAgreement": {
				{Name: "betId", Type: "uint256"},
				{Name: "winner", Type: "address"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: "SettlementAgreement",
		Domain:      ContractDomain(chainID, verifyingContract),
		Message: apitypes.TypedDataMessage{
			"betId":  (*math.HexOrDecimal256)(a.BetID),
			"winner": a.Winner.Hex(),
			"nonce":  (*math.HexOrDecimal256)(a.Nonce),
		},
	}
}

// CustomPayoutTypedData frames a CustomPayoutAgreement under the
// contract-verifying domain.
func CustomPayoutTypedData(p *CustomPayoutAgreement, chainID *big.Int, verifyingContract common.Address) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainTypes(true),
			"CustomPayout": {
				{Name: "betId", Type: "uint256"},
				{Name: "creatorPayout", Type: "uint256"},
				{Name: "fillerPayout", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: "CustomPayout",
		Domain:      ContractDomain(chainID, verifyingContract),
		Message: apitypes.TypedDataMessage{
			"betId":         (*math.HexOrDecimal256)(p.BetID),
			"creatorPayout": (*math.HexOrDecimal256)(p.CreatorPayout),
			"fillerPayout":  (*math.HexOrDecimal256)(p.FillerPayout),
			"nonce":         (*math.HexOrDecimal256)(p.Nonce),
		},
	}
}

// HashTypedData returns the EIP-712 digest for any framed typed data.
func HashTypedData(td apitypes.TypedData) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return digest, nil
}
