package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/windlabs/windbot/internal/chain"
	"github.com/windlabs/windbot/internal/config"
	boterrors "github.com/windlabs/windbot/internal/pkg/errors"
	"github.com/windlabs/windbot/internal/pkg/response"
	"github.com/windlabs/windbot/internal/pkg/retry"
)

// Client is the outbound half of the P2P transport. Every request is signed,
// JSON over HTTP/1.1, and wrapped in the shared retry envelope. Bigints are
// serialized as decimal strings throughout.
type Client struct {
	http    *http.Client
	signer  *chain.Signer
	chainID *big.Int
	policy  retry.Policy
	timeout time.Duration
	logger  *slog.Logger

	nonceMu sync.Mutex
	nonce   uint64
}

// NewClient creates a transport client with the configured retry envelope.
func NewClient(cfg config.P2PConfig, signer *chain.Signer, chainID *big.Int, logger *slog.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		signer:  signer,
		chainID: chainID,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
		},
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// nextNonce returns a process-monotonic envelope nonce.
func (c *Client) nextNonce() *big.Int {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	c.nonce++
	// Envelope nonces only need to be fresh per sender; a timestamped
	// counter survives process restarts.
	return new(big.Int).SetInt64(time.Now().UnixNano() + int64(c.nonce))
}

// Health probes a peer's GET /p2p/health endpoint once, without retries.
func (c *Client) Health(ctx context.Context, endpoint string, timeout time.Duration) (*HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out HealthResponse
	if err := c.getJSON(ctx, trimEndpoint(endpoint)+"/p2p/health", nil, &out); err != nil {
		return nil, err
	}
	if out.Status != "healthy" {
		return nil, boterrors.Transient("p2p.health", fmt.Errorf("peer reports %q", out.Status))
	}
	return &out, nil
}

// Info fetches a peer's identity surface.
func (c *Client) Info(ctx context.Context, endpoint string) (*InfoResponse, error) {
	var out InfoResponse
	err := retry.Do(ctx, c.policy, "p2p.info", func(ctx context.Context) error {
		return c.getJSON(ctx, trimEndpoint(endpoint)+"/p2p/info", nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ProposeTrades sends a signed trade proposal.
func (c *Client) ProposeTrades(ctx context.Context, endpoint string, p *TradeProposal, expiry time.Time) (*ProposeResponse, error) {
	var out ProposeResponse
	if err := c.postSigned(ctx, trimEndpoint(endpoint)+"/p2p/propose", "p2p.propose", p, expiry, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AcceptTrades sends a signed acceptance of a previously received proposal.
func (c *Client) AcceptTrades(ctx context.Context, endpoint string, a *TradeAcceptance, expiry time.Time) (*AcceptResponse, error) {
	var out AcceptResponse
	if err := c.postSigned(ctx, trimEndpoint(endpoint)+"/p2p/accept", "p2p.accept", a, expiry, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestCommitmentSignature asks the counterparty to countersign.
func (c *Client) RequestCommitmentSignature(ctx context.Context, endpoint string, req *CommitmentSignRequest, expiry time.Time) (*CommitmentSignResponse, error) {
	var out CommitmentSignResponse
	if err := c.postSigned(ctx, trimEndpoint(endpoint)+"/p2p/commitment/sign", "p2p.commitmentSign", req, expiry, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadTrades stores the bet's trade list with the counterparty.
func (c *Client) UploadTrades(ctx context.Context, endpoint string, up *TradesUpload, expiry time.Time) (*TradesUploadResponse, error) {
	var out TradesUploadResponse
	if err := c.postSigned(ctx, trimEndpoint(endpoint)+"/p2p/trades", "p2p.uploadTrades", up, expiry, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProposeSettlement sends the post-deadline settlement proposal.
func (c *Client) ProposeSettlement(ctx context.Context, endpoint string, p *SettlementProposal, expiry time.Time) (*SettlementResponse, error) {
	var out SettlementResponse
	if err := c.postSigned(ctx, trimEndpoint(endpoint)+"/p2p/propose-settlement", "p2p.proposeSettlement", p, expiry, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTrades downloads a stored trade list, authenticating via the
// X-Signature / X-Requestor / X-Timestamp header scheme: the signature is
// over keccak(bet-id, timestamp).
func (c *Client) GetTrades(ctx context.Context, endpoint, betID string) (*TradesDownloadResponse, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	digest := crypto.Keccak256([]byte(betID), []byte(ts))
	sig, err := c.signer.SignDigest(digest)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{
		"X-Signature": hexutil.Encode(sig),
		"X-Requestor": c.signer.Address().Hex(),
		"X-Timestamp": ts,
	}

	var out TradesDownloadResponse
	err = retry.Do(ctx, c.policy, "p2p.getTrades", func(ctx context.Context) error {
		return c.getJSON(ctx, trimEndpoint(endpoint)+"/p2p/trades/"+betID, headers, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SettlementInfo fetches a peer's settlement readiness for a bet.
func (c *Client) SettlementInfo(ctx context.Context, endpoint, betID string) (*SettlementInfo, error) {
	var out SettlementInfo
	err := retry.Do(ctx, c.policy, "p2p.settlementInfo", func(ctx context.Context) error {
		return c.getJSON(ctx, trimEndpoint(endpoint)+"/p2p/settlement/"+betID, nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PeerResult is one peer's outcome from a Broadcast.
type PeerResult[T any] struct {
	Endpoint string
	Value    T
	Err      error
}

// Broadcast fans fn out to every endpoint concurrently and returns
// per-peer results in input order.
func Broadcast[T any](ctx context.Context, endpoints []string, fn func(ctx context.Context, endpoint string) (T, error)) []PeerResult[T] {
	results := make([]PeerResult[T], len(endpoints))
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(idx int, endpoint string) {
			defer wg.Done()
			v, err := fn(ctx, endpoint)
			results[idx] = PeerResult[T]{Endpoint: endpoint, Value: v, Err: err}
		}(i, ep)
	}
	wg.Wait()
	return results
}

// postSigned seals payload, POSTs it with the retry envelope and decodes
// the response into out.
func (c *Client) postSigned(ctx context.Context, url, op string, payload any, expiry time.Time, out any) error {
	msg, err := Seal(c.signer, c.chainID, c.nextNonce(), expiry, payload)
	if err != nil {
		return boterrors.Internal(op, err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return boterrors.Internal(op, err)
	}

	return retry.Do(ctx, c.policy, op, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return boterrors.Internal(op, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return boterrors.Transient(op, err)
		}
		defer resp.Body.Close()

		return decodeResponse(op, resp, out)
	})
}

func (c *Client) getJSON(ctx context.Context, url string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return boterrors.Internal("p2p.get", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return boterrors.Transient("p2p.get", err)
	}
	defer resp.Body.Close()

	return decodeResponse("p2p.get", resp, out)
}

// decodeResponse maps HTTP status to the error taxonomy: 400 and 401 are
// non-retryable and surface immediately, everything else non-2xx retries.
func decodeResponse(op string, resp *http.Response, out any) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return boterrors.Transient(op, fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	var errBody response.ErrorBody
	msg := resp.Status
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err == nil && errBody.Message != "" {
		msg = errBody.Message
		if errBody.Code != "" {
			msg = errBody.Code + ": " + msg
		}
	}

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized:
		return boterrors.Permanent(op, fmt.Errorf("peer rejected request (%d): %s", resp.StatusCode, msg))
	default:
		return boterrors.Transient(op, fmt.Errorf("peer returned %d: %s", resp.StatusCode, msg))
	}
}

// trimEndpoint normalizes an endpoint URL for joining with paths.
func trimEndpoint(endpoint string) string {
	return strings.TrimRight(endpoint, "/")
}
