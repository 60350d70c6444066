package p2p

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/windlabs/windbot/internal/chain"
	"github.com/windlabs/windbot/internal/config"
	"github.com/windlabs/windbot/internal/middleware"
	apierrors "github.com/windlabs/windbot/internal/pkg/errors"
	"github.com/windlabs/windbot/internal/pkg/response"
	"github.com/windlabs/windbot/internal/trades"
)

// Version is reported by GET /p2p/info.
const Version = "1.2.0"

// tradesAuthSkew bounds the X-Timestamp age on authenticated GETs.
const tradesAuthSkew = 5 * time.Minute

// TradeStorage persists received trade lists per bet.
type TradeStorage interface {
	Put(betID, snapshotID string, list []trades.Trade) error
	Get(betID string) (snapshotID string, list []trades.Trade, ok bool)
}

// SettlementResponder runs the inverse settlement flow for incoming
// proposals.
type SettlementResponder interface {
	RespondToProposal(ctx context.Context, sender common.Address, p *SettlementProposal) (*SettlementResponse, error)
	SettlementInfo(ctx context.Context, betID string) (*SettlementInfo, error)
}

// CommitmentApprover decides whether to countersign a bilateral commitment.
type CommitmentApprover interface {
	ApproveCommitment(ctx context.Context, sender common.Address, req *CommitmentSignRequest) (*CommitmentSignResponse, error)
}

// ProposalSink receives trade propositions and acceptances.
type ProposalSink interface {
	HandleProposal(ctx context.Context, sender common.Address, p *TradeProposal) (accepted bool, message string, err error)
	HandleAcceptance(ctx context.Context, sender common.Address, a *TradeAcceptance) (accepted bool, message string, err error)
}

// peerChecker verifies a sender is currently registered and active.
type peerChecker interface {
	IsActivePeer(ctx context.Context, addr common.Address) bool
}

// Server is the inbound half of the P2P transport. Every mutating request
// must carry a valid envelope signature from a registered, active peer with
// a fresh nonce, and is deduplicated by content hash.
type Server struct {
	cfg      config.P2PConfig
	chainID  *big.Int
	self     common.Address
	pubkey   common.Hash
	peers    peerChecker
	replay   *ReplayGuard
	store    TradeStorage
	settle   SettlementResponder
	approver CommitmentApprover
	sink     ProposalSink
	validate *validator.Validate
	logger   *slog.Logger
	started  time.Time
}

// NewServer wires the inbound surface.
func NewServer(
	cfg config.P2PConfig,
	chainID *big.Int,
	self common.Address,
	pubkeyHash common.Hash,
	peers peerChecker,
	replay *ReplayGuard,
	store TradeStorage,
	settle SettlementResponder,
	approver CommitmentApprover,
	sink ProposalSink,
	logger *slog.Logger,
) *Server {
	return &Server{
		cfg:      cfg,
		chainID:  chainID,
		self:     self,
		pubkey:   pubkeyHash,
		peers:    peers,
		replay:   replay,
		store:    store,
		settle:   settle,
		approver: approver,
		sink:     sink,
		validate: validator.New(),
		logger:   logger,
		started:  time.Now(),
	}
}

// Routes returns the chi router with the full P2P URL surface.
func (s *Server) Routes(logger *slog.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics())
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	// Health and info are read by browser-based registry dashboards.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/p2p", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/info", s.handleInfo)
		r.Post("/propose", s.handlePropose)
		r.Post("/accept", s.handleAccept)
		r.Post("/commitment/sign", s.handleCommitmentSign)
		r.Post("/trades", s.handleTradesUpload)
		r.Get("/trades/{betID}", s.handleTradesDownload)
		r.Post("/propose-settlement", s.handleProposeSettlement)
		r.Get("/settlement/{betID}", s.handleSettlementInfo)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response.OK(w, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Unix(),
		Uptime:    int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	response.OK(w, InfoResponse{
		Address:    s.self.Hex(),
		Endpoint:   s.cfg.PublicEndpoint,
		PubkeyHash: s.pubkey.Hex(),
		Version:    Version,
		Uptime:     int64(time.Since(s.started).Seconds()),
	})
}

// authenticate decodes and fully verifies an envelope: signature, sender
// registration, expiry, nonce freshness and replay.
func (s *Server) authenticate(r *http.Request, payload any) (common.Address, *apierrors.APIError) {
	var msg SignedMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		return common.Address{}, apierrors.ErrBadRequest.WithMessage("invalid request body")
	}
	if err := s.validate.Struct(&msg); err != nil {
		return common.Address{}, apierrors.ErrBadRequest.WithMessage(err.Error())
	}

	sender, err := msg.Verify(s.chainID)
	if err != nil {
		return common.Address{}, apierrors.ErrUnauthorized.WithMessage(err.Error())
	}

	if !s.peers.IsActivePeer(r.Context(), sender) {
		return common.Address{}, apierrors.ErrUnauthorized.WithMessage("sender is not a registered active bot")
	}

	if time.Now().Unix() > msg.Expiry {
		return common.Address{}, apierrors.ErrBadRequest.WithMessage("message expired")
	}

	nonce, _ := new(big.Int).SetString(msg.Nonce, 10)
	if nonce == nil || !s.replay.FreshNonce(sender, nonce) {
		return common.Address{}, apierrors.ErrBadRequest.WithMessage("stale nonce")
	}

	if !s.replay.Remember(msg.ContentHash()) {
		return common.Address{}, apierrors.ErrReplay
	}

	if err := json.Unmarshal(msg.Payload, payload); err != nil {
		return common.Address{}, apierrors.ErrBadRequest.WithMessage("invalid payload")
	}
	if err := s.validate.Struct(payload); err != nil {
		return common.Address{}, apierrors.ErrBadRequest.WithMessage(err.Error())
	}
	return sender, nil
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var proposal TradeProposal
	sender, apiErr := s.authenticate(r, &proposal)
	if apiErr != nil {
		response.Error(w, apiErr)
		return
	}

	accepted, message, err := s.sink.HandleProposal(r.Context(), sender, &proposal)
	if err != nil {
		response.Error(w, err)
		return
	}
	if !accepted {
		response.Error(w, apierrors.ErrRateLimited.WithMessage(message))
		return
	}

	hash := crypto.Keccak256Hash([]byte(proposal.ProposalID), []byte(proposal.TradesRoot))
	response.OK(w, ProposeResponse{Received: true, ProposalHash: hash.Hex(), Message: message})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var acceptance TradeAcceptance
	sender, apiErr := s.authenticate(r, &acceptance)
	if apiErr != nil {
		response.Error(w, apiErr)
		return
	}

	accepted, message, err := s.sink.HandleAcceptance(r.Context(), sender, &acceptance)
	if err != nil {
		response.Error(w, err)
		return
	}
	if !accepted {
		response.Error(w, apierrors.ErrBadRequest.WithMessage(message))
		return
	}

	hash := crypto.Keccak256Hash([]byte(acceptance.ProposalHash), []byte(acceptance.TradesRoot))
	response.OK(w, AcceptResponse{Received: true, AcceptanceHash: hash.Hex(), Message: message})
}

func (s *Server) handleCommitmentSign(w http.ResponseWriter, r *http.Request) {
	var req CommitmentSignRequest
	sender, apiErr := s.authenticate(r, &req)
	if apiErr != nil {
		response.Error(w, apiErr)
		return
	}

	resp, err := s.approver.ApproveCommitment(r.Context(), sender, &req)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, resp)
}

func (s *Server) handleTradesUpload(w http.ResponseWriter, r *http.Request) {
	var up TradesUpload
	sender, apiErr := s.authenticate(r, &up)
	if apiErr != nil {
		response.Error(w, apiErr)
		return
	}
	if common.HexToAddress(up.Signer) != sender {
		response.Unauthorized(w, "signer does not match envelope sender")
		return
	}

	list, err := trades.Decode(up.Trades)
	if err != nil {
		response.BadRequest(w, "invalid trade payload: "+err.Error())
		return
	}
	if err := s.store.Put(up.BetID, up.SnapshotID, list); err != nil {
		s.logger.Error("store trades failed",
			slog.String("bet_id", up.BetID),
			slog.String("error", err.Error()),
		)
		response.Error(w, apierrors.ErrInternal)
		return
	}

	response.OK(w, TradesUploadResponse{Received: true, BetID: up.BetID})
}

func (s *Server) handleTradesDownload(w http.ResponseWriter, r *http.Request) {
	betID := chi.URLParam(r, "betID")

	requestor := r.Header.Get("X-Requestor")
	sigHex := r.Header.Get("X-Signature")
	tsStr := r.Header.Get("X-Timestamp")
	if requestor == "" || sigHex == "" || tsStr == "" {
		response.Unauthorized(w, "missing authentication headers")
		return
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil || time.Since(time.Unix(ts, 0)) > tradesAuthSkew {
		response.Unauthorized(w, "stale or invalid timestamp")
		return
	}

	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		response.Unauthorized(w, "invalid signature encoding")
		return
	}
	digest := crypto.Keccak256([]byte(betID), []byte(tsStr))
	recovered, err := chain.RecoverDigest(digest, sig)
	if err != nil || recovered != common.HexToAddress(requestor) {
		response.Unauthorized(w, "signature does not recover to requestor")
		return
	}
	if !s.peers.IsActivePeer(r.Context(), recovered) {
		response.Unauthorized(w, "requestor is not a registered active bot")
		return
	}

	_, list, ok := s.store.Get(betID)
	if !ok {
		response.NotFound(w, "no trades stored for bet "+betID)
		return
	}

	out := TradesDownloadResponse{BetID: betID, Count: len(list), Trades: make([]StoredTrade, len(list))}
	for i, t := range list {
		out.Trades[i] = StoredTrade{
			Index:  i,
			Ticker: t.Ticker,
			Method: t.Method,
			Entry:  t.EntryPrice.String(),
		}
	}
	response.OK(w, out)
}

func (s *Server) handleProposeSettlement(w http.ResponseWriter, r *http.Request) {
	var proposal SettlementProposal
	sender, apiErr := s.authenticate(r, &proposal)
	if apiErr != nil {
		response.Error(w, apiErr)
		return
	}
	if common.HexToAddress(proposal.Proposer) != sender {
		response.Unauthorized(w, "proposer does not match envelope sender")
		return
	}

	resp, err := s.settle.RespondToProposal(r.Context(), sender, &proposal)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, resp)
}

func (s *Server) handleSettlementInfo(w http.ResponseWriter, r *http.Request) {
	betID := chi.URLParam(r, "betID")
	info, err := s.settle.SettlementInfo(r.Context(), betID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, info)
}
