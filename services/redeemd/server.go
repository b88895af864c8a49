package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"redeemd/native/rewards"
	"redeemd/observability"
)

// redemptionEngine is the slice of the engine the HTTP layer needs; tests
// substitute fakes.
type redemptionEngine interface {
	Redeem(ctx context.Context, token string) (*rewards.Result, error)
	IssueToken(ctx context.Context, actor, wallet, pool string) (string, error)
}

// Server exposes the redemption engine over HTTP.
type Server struct {
	engine     redemptionEngine
	adminToken string
	metrics    *observability.RedeemMetrics
	logger     *slog.Logger
	router     chi.Router
}

// NewServer builds the HTTP surface: the public redeem operation, the
// operator issuance endpoint, health, and metrics.
func NewServer(engine redemptionEngine, adminToken string, metrics *observability.RedeemMetrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: engine, adminToken: strings.TrimSpace(adminToken), metrics: metrics, logger: logger}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/redeem", s.handleRedeem)
		r.With(s.requireAdmin).Post("/tokens", s.handleIssueToken)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type redeemRequest struct {
	Token string `json:"token"`
}

type redeemResponse struct {
	Pool          string `json:"pool"`
	PrizeIndex    int    `json:"prizeIndex"`
	DisplayAmount string `json:"amount"`
	BaseAmount    string `json:"baseAmount"`
	Signature     string `json:"signature"`
}

type errorResponse struct {
	Code    rewards.Code `json:"code"`
	Message string       `json:"message"`
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, rewards.CodeInvalidToken, "token required")
		return
	}
	start := time.Now()
	result, err := s.engine.Redeem(r.Context(), req.Token)
	if err != nil {
		code := rewards.CodeOf(err)
		s.metrics.RecordRedemption(poolLabel(result, ""), string(code))
		if settlementCode(code) {
			s.metrics.ObserveSettlement(string(code), 0, time.Since(start))
		}
		s.logger.Info("redemption denied", "code", code, "error", err)
		writeError(w, statusFor(code), code, userMessage(code))
		return
	}
	s.metrics.RecordRedemption(result.Pool, "settled")
	s.metrics.RecordPrize(result.Pool, strconv.Itoa(result.PrizeIndex))
	s.metrics.ObserveSettlement("settled", result.Attempts, time.Since(start))
	s.logger.Info("redemption settled",
		"pool", result.Pool, "prize_index", result.PrizeIndex,
		"amount", result.DisplayAmount, "attempts", result.Attempts,
		"signature", result.Signature)
	writeJSON(w, http.StatusOK, redeemResponse{
		Pool:          result.Pool,
		PrizeIndex:    result.PrizeIndex,
		DisplayAmount: strconv.FormatFloat(result.DisplayAmount, 'f', -1, 64),
		BaseAmount:    result.BaseAmount.String(),
		Signature:     result.Signature,
	})
}

type issueRequest struct {
	Actor  string `json:"actor"`
	Wallet string `json:"wallet"`
	Pool   string `json:"pool"`
}

type issueResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, rewards.CodeInvalidToken, "malformed request")
		return
	}
	token, err := s.engine.IssueToken(r.Context(), req.Actor, req.Wallet, req.Pool)
	if err != nil {
		s.logger.Warn("token issuance failed", "actor", req.Actor, "pool", req.Pool, "error", err)
		writeError(w, http.StatusBadRequest, rewards.CodeInvalidToken, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, issueResponse{Token: token})
}

// requireAdmin guards operator endpoints with a bearer token.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, http.StatusForbidden, rewards.CodeForbidden, "admin endpoint disabled")
			return
		}
		supplied := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.adminToken)) != 1 {
			writeError(w, http.StatusForbidden, rewards.CodeForbidden, "invalid credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func statusFor(code rewards.Code) int {
	switch code {
	case rewards.CodeForbidden:
		return http.StatusForbidden
	case rewards.CodeInvalidToken:
		return http.StatusBadRequest
	case rewards.CodeAlreadyUsed:
		return http.StatusConflict
	case rewards.CodeRateLimited:
		return http.StatusTooManyRequests
	case rewards.CodePoolMisconfigured:
		return http.StatusUnprocessableEntity
	case rewards.CodePoolExhausted, rewards.CodeNetworkTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// userMessage keeps caller-facing text stable and free of internals.
func userMessage(code rewards.Code) string {
	switch code {
	case rewards.CodeForbidden:
		return "token rejected"
	case rewards.CodeInvalidToken:
		return "unknown token"
	case rewards.CodeAlreadyUsed:
		return "token already redeemed"
	case rewards.CodeRateLimited:
		return "daily redemption limit reached"
	case rewards.CodePoolMisconfigured:
		return "reward pool is misconfigured"
	case rewards.CodePoolExhausted:
		return "reward pool is out of funds"
	case rewards.CodeNetworkTransient:
		return "ledger temporarily unavailable, try again later"
	default:
		return "transfer failed"
	}
}

func settlementCode(code rewards.Code) bool {
	switch code {
	case rewards.CodePoolExhausted, rewards.CodeNetworkTransient, rewards.CodeTransferFailed:
		return true
	}
	return false
}

func poolLabel(result *rewards.Result, fallback string) string {
	if result != nil && result.Pool != "" {
		return result.Pool
	}
	if fallback != "" {
		return fallback
	}
	return "unknown"
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code rewards.Code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
