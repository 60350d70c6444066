package p2p

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/windlabs/windbot/internal/chain"
	"github.com/windlabs/windbot/internal/config"
)

// Peer is one cached registry entry.
type Peer struct {
	Address          common.Address
	Endpoint         string
	PubkeyHash       common.Hash
	LastKnownHealthy bool
	LastChecked      time.Time
}

// registryReader is the slice of the chain adapter discovery needs.
type registryReader interface {
	GetAllActiveBots(ctx context.Context) ([]common.Address, []string, error)
	GetBot(ctx context.Context, addr common.Address) (*chain.BotInfo, error)
}

// healthProber is the slice of the transport client discovery needs.
type healthProber interface {
	Health(ctx context.Context, endpoint string, timeout time.Duration) (*HealthResponse, error)
}

// Discovery caches the active peer set from the registry with a TTL and
// runs bounded concurrent health probes.
type Discovery struct {
	registry    registryReader
	prober      healthProber
	self        common.Address
	ttl         time.Duration
	probeLimit  int
	probeWindow time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu        sync.Mutex
	peers     map[common.Address]*Peer
	refreshed time.Time
}

// NewDiscovery creates a discovery cache excluding self from results.
func NewDiscovery(cfg config.P2PConfig, registry registryReader, prober healthProber, self common.Address, logger *slog.Logger) *Discovery {
	return &Discovery{
		registry:    registry,
		prober:      prober,
		self:        self,
		ttl:         cfg.DiscoveryCacheTTL,
		probeLimit:  cfg.HealthConcurrency,
		probeWindow: cfg.HealthCheckTimeout,
		logger:      logger,
		now:         time.Now,
		peers:       make(map[common.Address]*Peer),
	}
}

// FetchPeers returns the cached peer set when fresh; otherwise it refreshes
// from the registry. On chain-read failure stale data is returned.
func (d *Discovery) FetchPeers(ctx context.Context) []*Peer {
	d.mu.Lock()
	fresh := d.now().Sub(d.refreshed) < d.ttl && !d.refreshed.IsZero()
	d.mu.Unlock()

	if !fresh {
		if err := d.refresh(ctx); err != nil {
			d.logger.Warn("peer refresh failed, serving stale peers",
				slog.String("error", err.Error()),
			)
		}
	}
	return d.snapshot()
}

// refresh merges the full registry snapshot into the cache: endpoints
// update in place (resetting healthiness when the URL changed), addresses
// missing from the registry drop out, and self is excluded.
func (d *Discovery) refresh(ctx context.Context) error {
	addrs, endpoints, err := d.registry.GetAllActiveBots(ctx)
	if err != nil {
		return err
	}

	hashes := d.lookupPubkeyHashes(ctx, addrs)

	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[common.Address]bool, len(addrs))
	for i, addr := range addrs {
		if addr == d.self || i >= len(endpoints) {
			continue
		}
		seen[addr] = true

		existing, ok := d.peers[addr]
		if !ok {
			d.peers[addr] = &Peer{Address: addr, Endpoint: endpoints[i], PubkeyHash: hashes[addr]}
			continue
		}
		if h, ok := hashes[addr]; ok {
			existing.PubkeyHash = h
		}
		if existing.Endpoint != endpoints[i] {
			existing.Endpoint = endpoints[i]
			existing.LastKnownHealthy = false
			existing.LastChecked = time.Time{}
		}
	}

	for addr := range d.peers {
		if !seen[addr] {
			delete(d.peers, addr)
		}
	}

	d.refreshed = d.now()
	return nil
}

// lookupPubkeyHashes fetches full registry records for addresses whose pubkey
// hash is not cached yet. Hashes are fixed per bot identity, so one lookup per
// peer suffices; a failed lookup leaves the hash zero and is retried on the
// next refresh.
func (d *Discovery) lookupPubkeyHashes(ctx context.Context, addrs []common.Address) map[common.Address]common.Hash {
	d.mu.Lock()
	missing := make([]common.Address, 0, len(addrs))
	for _, addr := range addrs {
		if addr == d.self {
			continue
		}
		if p, ok := d.peers[addr]; !ok || p.PubkeyHash == (common.Hash{}) {
			missing = append(missing, addr)
		}
	}
	d.mu.Unlock()

	hashes := make(map[common.Address]common.Hash, len(missing))
	for _, addr := range missing {
		info, err := d.registry.GetBot(ctx, addr)
		if err != nil {
			d.logger.Warn("bot record lookup failed",
				slog.String("peer", addr.Hex()),
				slog.String("error", err.Error()),
			)
			continue
		}
		hashes[addr] = info.PubkeyHash
	}
	return hashes
}

func (d *Discovery) snapshot() []*Peer {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*Peer, 0, len(d.peers))
	for _, p := range d.peers {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// GetHealthyPeers probes every known peer with bounded concurrency and
// returns the ones answering {status:"healthy"} within the timeout. Probe
// failures update the per-peer flag but never fail discovery.
func (d *Discovery) GetHealthyPeers(ctx context.Context) []*Peer {
	peers := d.FetchPeers(ctx)

	sem := make(chan struct{}, d.probeLimit)
	healthy := make([]*Peer, len(peers))
	var wg sync.WaitGroup

	for i, p := range peers {
		wg.Add(1)
		go func(idx int, peer *Peer) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			_, err := d.prober.Health(ctx, peer.Endpoint, d.probeWindow)
			d.markChecked(peer.Address, err == nil)
			if err == nil {
				peer.LastKnownHealthy = true
				healthy[idx] = peer
			}
		}(i, p)
	}
	wg.Wait()

	out := make([]*Peer, 0, len(peers))
	for _, p := range healthy {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Endpoint resolves one peer's endpoint from the cache, refreshing if the
// address is unknown.
func (d *Discovery) Endpoint(ctx context.Context, addr common.Address) (string, bool) {
	d.mu.Lock()
	p, ok := d.peers[addr]
	var endpoint string
	if ok {
		endpoint = p.Endpoint
	}
	d.mu.Unlock()

	if ok {
		return endpoint, true
	}

	if err := d.refresh(ctx); err != nil {
		return "", false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[addr]; ok {
		return p.Endpoint, true
	}
	return "", false
}

// IsActivePeer reports whether addr is currently in the cached registry set.
func (d *Discovery) IsActivePeer(ctx context.Context, addr common.Address) bool {
	d.mu.Lock()
	stale := d.now().Sub(d.refreshed) >= d.ttl || d.refreshed.IsZero()
	_, ok := d.peers[addr]
	d.mu.Unlock()

	if ok {
		return true
	}
	if stale {
		if err := d.refresh(ctx); err != nil {
			return false
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		_, ok = d.peers[addr]
	}
	return ok
}

func (d *Discovery) markChecked(addr common.Address, healthy bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[addr]; ok {
		p.LastKnownHealthy = healthy
		p.LastChecked = d.now()
	}
}

// compile-time interface checks against the real implementations.
var (
	_ registryReader = (chain.Adapter)(nil)
	_ healthProber   = (*Client)(nil)
)
