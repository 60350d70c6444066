package p2p

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// replayCapacity bounds remembered content hashes.
const replayCapacity = 65536

// ReplayGuard rejects re-submission of already-accepted commitments and
// proposals by content hash, and enforces per-sender envelope nonce
// freshness. Entries are retained for twice the longest proposal expiry in
// use, covering every in-flight exchange.
type ReplayGuard struct {
	seen *expirable.LRU[common.Hash, struct{}]

	mu     sync.Mutex
	nonces map[common.Address]*big.Int
}

// NewReplayGuard creates a guard retaining hashes for retention.
func NewReplayGuard(retention time.Duration) *ReplayGuard {
	return &ReplayGuard{
		seen:   expirable.NewLRU[common.Hash, struct{}](replayCapacity, nil, retention),
		nonces: make(map[common.Address]*big.Int),
	}
}

// Remember records a content hash; returns false when it was already known.
func (g *ReplayGuard) Remember(h common.Hash) bool {
	if _, ok := g.seen.Get(h); ok {
		return false
	}
	g.seen.Add(h, struct{}{})
	return true
}

// FreshNonce checks and records a sender's envelope nonce. Nonces must be
// strictly increasing per sender.
func (g *ReplayGuard) FreshNonce(sender common.Address, nonce *big.Int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	last, ok := g.nonces[sender]
	if ok && nonce.Cmp(last) <= 0 {
		return false
	}
	g.nonces[sender] = new(big.Int).Set(nonce)
	return true
}
