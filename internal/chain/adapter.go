package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/windlabs/windbot/internal/config"
	boterrors "github.com/windlabs/windbot/internal/pkg/errors"
)

// Adapter is the opaque binding to the smart-contract layer. A successful
// return from any mutating call implies the transaction was mined.
type Adapter interface {
	Address() common.Address
	ChainID() *big.Int
	SettlementContract() common.Address

	Approve(ctx context.Context, spender common.Address, amount *big.Int) error
	Balance(ctx context.Context) (*big.Int, error)

	RegisterBot(ctx context.Context, endpoint string, pubkeyHash common.Hash) error
	DeregisterBot(ctx context.Context) error
	GetBot(ctx context.Context, addr common.Address) (*BotInfo, error)
	GetAllActiveBots(ctx context.Context) ([]common.Address, []string, error)

	DepositToVault(ctx context.Context, amount *big.Int) error
	WithdrawFromVault(ctx context.Context, amount *big.Int) error
	GetVaultBalance(ctx context.Context, addr common.Address) (*VaultBalance, error)
	GetVaultNonce(ctx context.Context, addr common.Address) (*big.Int, error)

	SignBilateralCommitment(c *BilateralCommitment) ([]byte, error)
	CommitBilateralBet(ctx context.Context, c *BilateralCommitment, creatorSig, fillerSig []byte) (*big.Int, error)

	SignSettlementAgreement(betID *big.Int, winner common.Address, nonce *big.Int) ([]byte, error)
	SettleByAgreement(ctx context.Context, a *SettlementAgreement, creatorSig, fillerSig []byte) error

	SignCustomPayout(betID, creatorPayout, fillerPayout, nonce *big.Int) ([]byte, error)
	CustomPayout(ctx context.Context, p *CustomPayoutAgreement, creatorSig, fillerSig []byte) error

	RequestArbitration(ctx context.Context, betID *big.Int) error
	GetBet(ctx context.Context, betID *big.Int) (*Bet, error)
}

// EthAdapter implements Adapter against a JSON-RPC node.
type EthAdapter struct {
	client  *ethclient.Client
	signer  *Signer
	chainID *big.Int
	logger  *slog.Logger

	collateral common.Address
	registry   common.Address
	vault      common.Address
	settlement common.Address

	receiptTimeout time.Duration
}

// NewEthAdapter dials the node and verifies the configured chain id.
func NewEthAdapter(ctx context.Context, cfg config.ChainConfig, signer *Signer, logger *slog.Logger) (*EthAdapter, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	if cfg.ChainID != 0 && chainID.Int64() != cfg.ChainID {
		return nil, fmt.Errorf("chain id mismatch: node reports %d, config expects %d", chainID, cfg.ChainID)
	}

	return &EthAdapter{
		client:         client,
		signer:         signer,
		chainID:        chainID,
		logger:         logger,
		collateral:     common.HexToAddress(cfg.CollateralAddress),
		registry:       common.HexToAddress(cfg.RegistryAddress),
		vault:          common.HexToAddress(cfg.VaultAddress),
		settlement:     common.HexToAddress(cfg.SettlementAddress),
		receiptTimeout: cfg.ReceiptPollTimeout,
	}, nil
}

// Address returns the bot's account address.
func (a *EthAdapter) Address() common.Address { return a.signer.Address() }

// ChainID returns the connected chain's id.
func (a *EthAdapter) ChainID() *big.Int { return new(big.Int).Set(a.chainID) }

// SettlementContract returns the settlement contract address, the verifying
// contract for commitment and agreement signatures.
func (a *EthAdapter) SettlementContract() common.Address { return a.settlement }

// call executes a read-only contract call and unpacks the outputs.
func (a *EthAdapter) call(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, boterrors.Internal("chain."+method, err)
	}
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, classify("chain."+method, err)
	}
	vals, err := contractABI.Unpack(method, out)
	if err != nil {
		return nil, boterrors.Internal("chain."+method, err)
	}
	return vals, nil
}

// transact signs, submits and waits for a transaction, returning the mined
// receipt. A transport drop while waiting re-queries the receipt until the
// configured poll timeout, so a successful return always means mined.
func (a *EthAdapter) transact(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...any) (*types.Receipt, error) {
	op := "chain." + method

	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, boterrors.Internal(op, err)
	}

	nonce, err := a.client.PendingNonceAt(ctx, a.signer.Address())
	if err != nil {
		return nil, classify(op, err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify(op, err)
	}
	gasLimit, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
		From: a.signer.Address(),
		To:   &to,
		Data: data,
	})
	if err != nil {
		return nil, classify(op, err)
	}

	tx, err := types.SignNewTx(a.signer.Key(), types.LatestSignerForChainID(a.chainID), &types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return nil, boterrors.Internal(op, err)
	}

	if err := a.client.SendTransaction(ctx, tx); err != nil {
		return nil, classify(op, err)
	}

	a.logger.Debug("transaction submitted",
		slog.String("method", method),
		slog.String("tx", tx.Hash().Hex()),
	)

	receipt, err := a.waitMined(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := a.revertReason(ctx, tx, receipt.BlockNumber)
		return nil, boterrors.Permanent(op, &RevertError{Reason: reason})
	}
	return receipt, nil
}

// waitMined polls for the receipt. Transport errors do not abort the wait;
// the receipt is simply re-queried on the next tick.
func (a *EthAdapter) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	deadline := time.Now().Add(a.receiptTimeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		receipt, err := a.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}

		if time.Now().After(deadline) {
			return nil, boterrors.Transient("chain.waitMined",
				fmt.Errorf("transaction %s not mined within %s", txHash.Hex(), a.receiptTimeout))
		}
		select {
		case <-ctx.Done():
			return nil, boterrors.Transient("chain.waitMined", ctx.Err())
		case <-ticker.C:
		}
	}
}

// revertReason replays a failed transaction as a call to extract the reason.
func (a *EthAdapter) revertReason(ctx context.Context, tx *types.Transaction, blockNumber *big.Int) string {
	msg := ethereum.CallMsg{
		From:     a.signer.Address(),
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}
	_, err := a.client.CallContract(ctx, msg, blockNumber)
	if err == nil {
		return ""
	}
	return extractRevertReason(err.Error())
}

// Approve approves the vault to pull collateral.
func (a *EthAdapter) Approve(ctx context.Context, spender common.Address, amount *big.Int) error {
	_, err := a.transact(ctx, a.collateral, collateralABI, "approve", spender, amount)
	return err
}

// Balance returns the bot's collateral token balance.
func (a *EthAdapter) Balance(ctx context.Context) (*big.Int, error) {
	vals, err := a.call(ctx, a.collateral, collateralABI, "balanceOf", a.signer.Address())
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// RegisterBot publishes this bot's endpoint and pubkey hash to the registry.
func (a *EthAdapter) RegisterBot(ctx context.Context, endpoint string, pubkeyHash common.Hash) error {
	_, err := a.transact(ctx, a.registry, registryABI, "registerBot", endpoint, pubkeyHash)
	return err
}

// DeregisterBot removes this bot from the registry.
func (a *EthAdapter) DeregisterBot(ctx context.Context) error {
	_, err := a.transact(ctx, a.registry, registryABI, "deregisterBot")
	return err
}

// GetBot fetches one registry entry.
func (a *EthAdapter) GetBot(ctx context.Context, addr common.Address) (*BotInfo, error) {
	vals, err := a.call(ctx, a.registry, registryABI, "getBot", addr)
	if err != nil {
		return nil, err
	}
	return &BotInfo{
		Address:    addr,
		Endpoint:   vals[0].(string),
		PubkeyHash: vals[1].([32]byte),
		Active:     vals[2].(bool),
	}, nil
}

// GetAllActiveBots returns the full active registry snapshot.
func (a *EthAdapter) GetAllActiveBots(ctx context.Context) ([]common.Address, []string, error) {
	vals, err := a.call(ctx, a.registry, registryABI, "getAllActiveBots")
	if err != nil {
		return nil, nil, err
	}
	return vals[0].([]common.Address), vals[1].([]string), nil
}

// DepositToVault escrows collateral into the vault.
func (a *EthAdapter) DepositToVault(ctx context.Context, amount *big.Int) error {
	_, err := a.transact(ctx, a.vault, vaultABI, "deposit", amount)
	return err
}

// WithdrawFromVault releases free collateral from the vault.
func (a *EthAdapter) WithdrawFromVault(ctx context.Context, amount *big.Int) error {
	_, err := a.transact(ctx, a.vault, vaultABI, "withdraw", amount)
	return err
}

// GetVaultBalance returns the {available, locked, total} view for addr.
func (a *EthAdapter) GetVaultBalance(ctx context.Context, addr common.Address) (*VaultBalance, error) {
	vals, err := a.call(ctx, a.vault, vaultABI, "balanceOf", addr)
	if err != nil {
		return nil, err
	}
	return &VaultBalance{
		Available: vals[0].(*big.Int),
		Locked:    vals[1].(*big.Int),
		Total:     vals[2].(*big.Int),
	}, nil
}

// GetVaultNonce returns addr's current settlement nonce.
func (a *EthAdapter) GetVaultNonce(ctx context.Context, addr common.Address) (*big.Int, error) {
	vals, err := a.call(ctx, a.vault, vaultABI, "nonces", addr)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// SignBilateralCommitment signs c under the contract-verifying domain.
func (a *EthAdapter) SignBilateralCommitment(c *BilateralCommitment) ([]byte, error) {
	return a.signer.SignTypedData(CommitmentTypedData(c, a.chainID, a.settlement))
}

// CommitBilateralBet submits the countersigned commitment and returns the
// bet id decoded from the BetCreated event.
func (a *EthAdapter) CommitBilateralBet(ctx context.Context, c *BilateralCommitment, creatorSig, fillerSig []byte) (*big.Int, error) {
	commitment := struct {
		TradesRoot         [32]byte
		Creator            common.Address
		Filler             common.Address
		CreatorAmount      *big.Int
		FillerAmount       *big.Int
		ResolutionDeadline *big.Int
		Nonce              *big.Int
		SignatureExpiry    *big.Int
	}{
		TradesRoot:         c.TradesRoot,
		Creator:            c.Creator,
		Filler:             c.Filler,
		CreatorAmount:      c.CreatorAmount,
		FillerAmount:       c.FillerAmount,
		ResolutionDeadline: big.NewInt(c.ResolutionDeadline),
		Nonce:              c.Nonce,
		SignatureExpiry:    big.NewInt(c.SignatureExpiry),
	}

	receipt, err := a.transact(ctx, a.settlement, settlementABI, "commitBilateralBet", commitment, creatorSig, fillerSig)
	if err != nil {
		return nil, err
	}

	betID, err := DecodeBetCreated(receipt.Logs)
	if err != nil {
		return nil, boterrors.Internal("chain.commitBilateralBet", err)
	}
	a.logger.Info("bilateral bet committed",
		slog.String("bet_id", betID.String()),
		slog.String("trades_root", c.TradesRoot.Hex()),
	)
	return betID, nil
}

// SignSettlementAgreement signs {betId, winner, nonce} under the
// contract-verifying domain.
func (a *EthAdapter) SignSettlementAgreement(betID *big.Int, winner common.Address, nonce *big.Int) ([]byte, error) {
	agreement := &SettlementAgreement{BetID: betID, Winner: winner, Nonce: nonce}
	return a.signer.SignTypedData(AgreementTypedData(agreement, a.chainID, a.settlement))
}

// SettleByAgreement executes the winner payout with both signatures.
func (a *EthAdapter) SettleByAgreement(ctx context.Context, ag *SettlementAgreement, creatorSig, fillerSig []byte) error {
	_, err := a.transact(ctx, a.settlement, settlementABI, "settleByAgreement",
		ag.BetID, ag.Winner, ag.Nonce, creatorSig, fillerSig)
	return err
}

// SignCustomPayout signs a negotiated split under the contract-verifying domain.
func (a *EthAdapter) SignCustomPayout(betID, creatorPayout, fillerPayout, nonce *big.Int) ([]byte, error) {
	payout := &CustomPayoutAgreement{
		BetID:         betID,
		CreatorPayout: creatorPayout,
		FillerPayout:  fillerPayout,
		Nonce:         nonce,
	}
	return a.signer.SignTypedData(CustomPayoutTypedData(payout, a.chainID, a.settlement))
}

// CustomPayout executes a negotiated split with both signatures.
func (a *EthAdapter) CustomPayout(ctx context.Context, p *CustomPayoutAgreement, creatorSig, fillerSig []byte) error {
	_, err := a.transact(ctx, a.settlement, settlementABI, "customPayout",
		p.BetID, p.CreatorPayout, p.FillerPayout, p.Nonce, creatorSig, fillerSig)
	return err
}

// RequestArbitration escalates a bet to the external arbitrator.
func (a *EthAdapter) RequestArbitration(ctx context.Context, betID *big.Int) error {
	_, err := a.transact(ctx, a.settlement, settlementABI, "requestArbitration", betID)
	return err
}

// GetBet loads the on-chain bet record.
func (a *EthAdapter) GetBet(ctx context.Context, betID *big.Int) (*Bet, error) {
	vals, err := a.call(ctx, a.settlement, settlementABI, "getBet", betID)
	if err != nil {
		return nil, err
	}
	return &Bet{
		ID:            new(big.Int).Set(betID),
		TradesRoot:    vals[0].([32]byte),
		Creator:       vals[1].(common.Address),
		Filler:        vals[2].(common.Address),
		CreatorAmount: vals[3].(*big.Int),
		FillerAmount:  vals[4].(*big.Int),
		Deadline:      vals[5].(*big.Int).Int64(),
		CreatedAt:     vals[6].(*big.Int).Int64(),
		Status:        BetStatus(vals[7].(uint8)),
	}, nil
}

// DecodeBetCreated finds the BetCreated event in a receipt's logs and
// returns the bet id from its first indexed topic.
func DecodeBetCreated(logs []*types.Log) (*big.Int, error) {
	sig := settlementABI.Events["BetCreated"].ID
	for _, l := range logs {
		if len(l.Topics) >= 2 && l.Topics[0] == sig {
			return new(big.Int).SetBytes(l.Topics[1].Bytes()), nil
		}
	}
	return nil, fmt.Errorf("no BetCreated event in %d logs", len(logs))
}
