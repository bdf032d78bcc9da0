package claimd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"claimengine/crypto"
	"claimengine/native/claims"
	telemetry "claimengine/observability/otel"
)

const maxBodyBytes = 64 << 10

// ServerConfig wires the HTTP surface to its collaborators.
type ServerConfig struct {
	Engine    *claims.Engine
	Journal   *Journal
	Admin     AdminConfig
	RateLimit RateLimitConfig
	Logger    *slog.Logger
}

// Server exposes the engine over HTTP.
type Server struct {
	engine   *claims.Engine
	journal  *Journal
	auth     *adminAuth
	limiter  *rateLimiter
	logger   *slog.Logger
	requests metric.Int64Counter
}

// NewServer constructs a server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	requests, err := telemetry.Meter().Int64Counter("claimd.claims.submitted",
		metric.WithDescription("Claim submissions received over HTTP"))
	if err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	return &Server{
		engine:   cfg.Engine,
		journal:  cfg.Journal,
		auth:     newAdminAuth(cfg.Admin, logger),
		limiter:  newRateLimiter(cfg.RateLimit),
		logger:   logger,
		requests: requests,
	}, nil
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(requestID)
	r.Use(func(next http.Handler) http.Handler { return http.MaxBytesHandler(next, maxBodyBytes) })

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.middleware)
			r.Post("/claims", s.handleClaim)
			r.Post("/drops/claims", s.handleTierClaim)
		})
		r.Get("/claims/{id}", s.handleClaimStatus)
		r.Get("/drops/{campaign}/{claimant}", s.handleTierStatus)
		r.Post("/quote", s.handleQuote)
		r.Get("/status", s.handleStatus)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.auth.middleware)
			r.Post("/signer", s.handleRotateSigner)
			r.Post("/assets", s.handleSetAsset)
			r.Post("/pause", s.handlePause)
			r.Post("/unpause", s.handleUnpause)
			r.Post("/withdraw", s.handleWithdraw)
			r.Post("/owner", s.handleTransferOwnership)
		})
		r.With(s.auth.middleware).Get("/events", s.handleEvents)
	})
	return otelhttp.NewHandler(r, "claimd")
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func decodeBody(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// traced runs fn in a span named after the engine operation and records the
// outcome classification on it.
func (s *Server) traced(ctx context.Context, operation string, fn func(context.Context) error) error {
	ctx, span := telemetry.Tracer().Start(ctx, "claims."+operation)
	defer span.End()
	err := fn(ctx)
	outcome := "success"
	if err != nil {
		outcome = claims.Code(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(attribute.String("claims.outcome", outcome))
	s.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
	return err
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var body claimRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	req, err := body.decode()
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	var receipt *claims.Receipt
	err = s.traced(r.Context(), "claim", func(ctx context.Context) error {
		var err error
		receipt, err = s.engine.Claim(ctx, req)
		return err
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

func (s *Server) handleTierClaim(w http.ResponseWriter, r *http.Request) {
	var body tierClaimRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	req, err := body.decode()
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	var receipt *claims.Receipt
	err = s.traced(r.Context(), "claim_tier", func(ctx context.Context) error {
		var err error
		receipt, err = s.engine.ClaimTier(ctx, req)
		return err
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

func (s *Server) handleClaimStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	record, ok, err := s.engine.ClaimRecord(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := map[string]interface{}{"claim_id": formatHash(id), "claimed": ok}
	if ok {
		resp["receipt"] = newReceiptResponse(record)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTierStatus(w http.ResponseWriter, r *http.Request) {
	campaign, err := parseHash(chi.URLParam(r, "campaign"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	claimant, err := crypto.ParseAddress(chi.URLParam(r, "claimant"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	claimed, err := s.engine.IsTierClaimed(campaign, claimant)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaign_id": formatHash(campaign),
		"claimant":    crypto.FromRaw(claimant).String(),
		"claimed":     claimed,
	})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var body quoteRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	var (
		amount *big.Int
		asset  claims.Asset
		err    error
	)
	if body.Tier != 0 || body.Entitlement == "" {
		var tier uint8
		if tier, err = parseTier(body.Tier); err != nil {
			writeEngineError(w, err)
			return
		}
		asset = s.engine.DropAsset()
		amount, err = s.engine.ComputeTierPayout(tier)
	} else {
		var entitlement, price *big.Int
		if entitlement, err = parseInteger(body.Entitlement); err != nil {
			writeEngineError(w, fmt.Errorf("%w: %v", claims.ErrInvalidAmount, err))
			return
		}
		if body.Price != "" {
			if price, err = parseInteger(body.Price); err != nil {
				writeEngineError(w, fmt.Errorf("%w: %v", claims.ErrInvalidPrice, err))
				return
			}
		}
		if asset, err = claims.ParseAsset(body.Asset); err != nil {
			writeEngineError(w, err)
			return
		}
		amount, err = s.engine.ComputePayout(entitlement, asset, price)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset.String(), "amount": amount.String()})
}

type statusResponse struct {
	ChainID  uint64            `json:"chain_id"`
	Engine   string            `json:"engine"`
	Owner    string            `json:"owner"`
	Signer   string            `json:"signer"`
	Paused   bool              `json:"paused"`
	Assets   map[string]string `json:"assets"`
	Balances map[string]string `json:"balances"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.engine.Snapshot(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	domain := s.engine.Domain()
	resp := statusResponse{
		ChainID:  domain.ChainID,
		Engine:   crypto.FromRaw(domain.Engine).String(),
		Owner:    crypto.FromRaw(snapshot.Owner).String(),
		Signer:   crypto.FromRaw(snapshot.Signer).String(),
		Paused:   snapshot.Paused,
		Assets:   map[string]string{},
		Balances: map[string]string{},
	}
	for asset, handle := range snapshot.Assets {
		if handle.Kind == claims.HandleNative {
			resp.Assets[asset.String()] = "native"
			continue
		}
		resp.Assets[asset.String()] = crypto.FromRaw(handle.Address).Hex()
	}
	for asset, balance := range snapshot.Balances {
		resp.Balances[asset.String()] = balance.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

type signerRequest struct {
	Signer string `json:"signer"`
}

type assetRequest struct {
	Asset   string `json:"asset"`
	Address string `json:"address"`
}

type withdrawRequest struct {
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
}

type ownerRequest struct {
	Owner string `json:"owner"`
}

// admin decodes body into req, runs fn with the authenticated caller and
// answers 204 on success.
func (s *Server) admin(w http.ResponseWriter, r *http.Request, req interface{}, fn func(ctx context.Context, caller [20]byte) error) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthenticated", "missing caller")
		return
	}
	if req != nil {
		if err := decodeBody(r, req); err != nil {
			writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
			return
		}
	}
	if err := fn(r.Context(), caller); err != nil {
		writeEngineError(w, err)
		return
	}
	s.logger.Info("admin operation applied", "path", r.URL.Path, "caller", crypto.FromRaw(caller).Hex())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRotateSigner(w http.ResponseWriter, r *http.Request) {
	var body signerRequest
	s.admin(w, r, &body, func(ctx context.Context, caller [20]byte) error {
		signer, err := crypto.ParseAddress(body.Signer)
		if err != nil {
			return fmt.Errorf("%w: signer: %v", claims.ErrInvalidAddress, err)
		}
		return s.engine.RotateSigner(ctx, caller, signer)
	})
}

func (s *Server) handleSetAsset(w http.ResponseWriter, r *http.Request) {
	var body assetRequest
	s.admin(w, r, &body, func(ctx context.Context, caller [20]byte) error {
		asset, err := claims.ParseAsset(body.Asset)
		if err != nil {
			return err
		}
		address, err := crypto.ParseAddress(body.Address)
		if err != nil {
			return fmt.Errorf("%w: address: %v", claims.ErrInvalidAddress, err)
		}
		return s.engine.SetAssetAddress(ctx, caller, asset, address)
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.admin(w, r, nil, func(ctx context.Context, caller [20]byte) error {
		return s.engine.Pause(ctx, caller)
	})
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.admin(w, r, nil, func(ctx context.Context, caller [20]byte) error {
		return s.engine.Unpause(ctx, caller)
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var body withdrawRequest
	s.admin(w, r, &body, func(ctx context.Context, caller [20]byte) error {
		asset, err := claims.ParseAsset(body.Asset)
		if err != nil {
			return err
		}
		amount, err := parseInteger(body.Amount)
		if err != nil {
			return fmt.Errorf("%w: %v", claims.ErrInvalidAmount, err)
		}
		var recipient [20]byte
		if body.Recipient != "" {
			if recipient, err = crypto.ParseAddress(body.Recipient); err != nil {
				return fmt.Errorf("%w: recipient: %v", claims.ErrInvalidAddress, err)
			}
		}
		return s.engine.Withdraw(ctx, caller, asset, amount, recipient)
	})
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	var body ownerRequest
	s.admin(w, r, &body, func(ctx context.Context, caller [20]byte) error {
		owner, err := crypto.ParseAddress(body.Owner)
		if err != nil {
			return fmt.Errorf("%w: owner: %v", claims.ErrInvalidAddress, err)
		}
		return s.engine.TransferOwnership(ctx, caller, owner)
	})
}

type eventResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "NotFound", "journal disabled")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BadRequest", "invalid limit")
			return
		}
		limit = parsed
	}
	records, err := s.journal.List(r.Context(), r.URL.Query().Get("type"), limit)
	if err != nil {
		s.logger.Error("list journal", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal", "internal error")
		return
	}
	out := make([]eventResponse, 0, len(records))
	for _, record := range records {
		attrs, err := record.Decoded()
		if err != nil {
			s.logger.Error("decode journal row", "id", record.ID.String(), "error", err)
			continue
		}
		out = append(out, eventResponse{ID: record.ID.String(), Type: record.Type, Attributes: attrs, CreatedAt: record.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": out})
}
