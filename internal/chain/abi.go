package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Minimal ABI surfaces for the four contracts the adapter touches. Only the
// functions and events the bot calls are declared.

const collateralABIJSON = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const registryABIJSON = `[
  {"type":"function","name":"registerBot","stateMutability":"nonpayable","inputs":[{"name":"endpoint","type":"string"},{"name":"pubkeyHash","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"deregisterBot","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"getBot","stateMutability":"view","inputs":[{"name":"bot","type":"address"}],"outputs":[{"name":"endpoint","type":"string"},{"name":"pubkeyHash","type":"bytes32"},{"name":"active","type":"bool"}]},
  {"type":"function","name":"getAllActiveBots","stateMutability":"view","inputs":[],"outputs":[{"name":"addresses","type":"address[]"},{"name":"endpoints","type":"string[]"}]}
]`

const vaultABIJSON = `[
  {"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"available","type":"uint256"},{"name":"locked","type":"uint256"},{"name":"total","type":"uint256"}]},
  {"type":"function","name":"nonces","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const settlementABIJSON = `[
  {"type":"function","name":"commitBilateralBet","stateMutability":"nonpayable","inputs":[
    {"name":"commitment","type":"tuple","components":[
      {"name":"tradesRoot","type":"bytes32"},
      {"name":"creator","type":"address"},
      {"name":"filler","type":"address"},
      {"name":"creatorAmount","type":"uint256"},
      {"name":"fillerAmount","type":"uint256"},
      {"name":"resolutionDeadline","type":"uint256"},
      {"name":"nonce","type":"uint256"},
      {"name":"signatureExpiry","type":"uint256"}]},
    {"name":"creatorSig","type":"bytes"},
    {"name":"fillerSig","type":"bytes"}],"outputs":[{"name":"betId","type":"uint256"}]},
  {"type":"function","name":"settleByAgreement","stateMutability":"nonpayable","inputs":[
    {"name":"betId","type":"uint256"},
    {"name":"winner","type":"address"},
    {"name":"nonce","type":"uint256"},
    {"name":"creatorSig","type":"bytes"},
    {"name":"fillerSig","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"customPayout","stateMutability":"nonpayable","inputs":[
    {"name":"betId","type":"uint256"},
    {"name":"creatorPayout","type":"uint256"},
    {"name":"fillerPayout","type":"uint256"},
    {"name":"nonce","type":"uint256"},
    {"name":"creatorSig","type":"bytes"},
    {"name":"fillerSig","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"requestArbitration","stateMutability":"nonpayable","inputs":[{"name":"betId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getBet","stateMutability":"view","inputs":[{"name":"betId","type":"uint256"}],"outputs":[
    {"name":"tradesRoot","type":"bytes32"},
    {"name":"creator","type":"address"},
    {"name":"filler","type":"address"},
    {"name":"creatorAmount","type":"uint256"},
    {"name":"fillerAmount","type":"uint256"},
    {"name":"deadline","type":"uint256"},
    {"name":"createdAt","type":"uint256"},
    {"name":"status","type":"uint8"}]},
  {"type":"event","name":"BetCreated","inputs":[
    {"name":"betId","type":"uint256","indexed":true},
    {"name":"creator","type":"address","indexed":true},
    {"name":"filler","type":"address","indexed":true}],"anonymous":false},
  {"type":"event","name":"BetSettled","inputs":[
    {"name":"betId","type":"uint256","indexed":true},
    {"name":"winner","type":"address","indexed":false},
    {"name":"payout","type":"uint256","indexed":false}],"anonymous":false},
  {"type":"event","name":"ArbitrationRequested","inputs":[
    {"name":"betId","type":"uint256","indexed":true},
    {"name":"requester","type":"address","indexed":false}],"anonymous":false}
]`

func mustABI(j string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(j))
	if err != nil {
		panic("invalid embedded ABI: " + err.Error())
	}
	return parsed
}

var (
	collateralABI = mustABI(collateralABIJSON)
	registryABI   = mustABI(registryABIJSON)
	vaultABI      = mustABI(vaultABIJSON)
	settlementABI = mustABI(settlementABIJSON)
)
