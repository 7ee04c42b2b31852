// Package server exposes the settlement engine's HTTP surface: status,
// history, rules, leadership, metrics, and the admin-guarded manual trigger.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"launchrewards/engine"
	"launchrewards/models"
	"launchrewards/pot"
	"launchrewards/store"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// adminSecretHeader carries the shared secret for the manual trigger.
const adminSecretHeader = "X-Admin-Secret"

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine      *engine.Engine
	Store       *store.Store
	AdminSecret string
	PoolBps     int
	MinTrades   int
	Logger      *slog.Logger
}

// Server encapsulates the HTTP API. The engine is injected; handlers never
// mutate settlement state directly.
type Server struct {
	engine      *engine.Engine
	store       *store.Store
	adminSecret string
	poolBps     int
	minTrades   int
	log         *slog.Logger
	router      http.Handler
}

// New constructs the router.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	server := &Server{
		engine:      cfg.Engine,
		store:       cfg.Store,
		adminSecret: cfg.AdminSecret,
		poolBps:     cfg.PoolBps,
		minTrades:   cfg.MinTrades,
		log:         log,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/status", server.handleStatus)
	r.Get("/history", server.handleHistory)
	r.Get("/rules", server.handleRules)
	r.Get("/leader", server.handleLeader)
	r.Post("/run", server.handleRun)
	r.Handle("/metrics", promhttp.Handler())

	server.router = r
	return server
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type periodResponse struct {
	ID               string    `json:"id"`
	EndTime          time.Time `json:"endTime"`
	SecondsRemaining int64     `json:"secondsRemaining"`
}

type winnerResponse struct {
	Rank           int             `json:"rank"`
	Wallet         string          `json:"wallet"`
	UserID         string          `json:"userId"`
	ProfitLamports models.Lamports `json:"profitLamports"`
	TradeCount     int             `json:"tradeCount"`
	PayoutLamports models.Lamports `json:"payoutLamports"`
}

type epochResponse struct {
	ID                  string             `json:"id"`
	LeaderboardPeriodID string             `json:"leaderboardPeriodId"`
	PeriodStart         time.Time          `json:"periodStart"`
	PeriodEnd           time.Time          `json:"periodEnd"`
	Status              models.EpochStatus `json:"status"`
	FailureReason       *string            `json:"failureReason,omitempty"`
	RewardsPoolBps      int                `json:"rewardsPoolBps"`
	TotalInflow         models.Lamports    `json:"totalInflow"`
	RewardInflow        models.Lamports    `json:"rewardInflow"`
	TreasuryInflow      models.Lamports    `json:"treasuryInflow"`
	CarryIn             models.Lamports    `json:"carryIn"`
	TotalPot            models.Lamports    `json:"totalPot"`
	TotalPaid           models.Lamports    `json:"totalPaid"`
	PayoutTxSignature   *string            `json:"payoutTxSignature,omitempty"`
	ClaimTxSignatures   []string           `json:"claimTxSignatures,omitempty"`
	CompletedAt         *time.Time         `json:"completedAt,omitempty"`
	Winners             []winnerResponse   `json:"winners,omitempty"`
}

type statusResponse struct {
	Enabled                 bool            `json:"enabled"`
	IsLeader                bool            `json:"isLeader"`
	DryRun                  bool            `json:"dryRun"`
	VaultAddress            string          `json:"vaultAddress,omitempty"`
	VaultBalance            models.Lamports `json:"vaultBalance"`
	CarryRewardsLamports    models.Lamports `json:"carryRewardsLamports"`
	TreasuryAccruedLamports models.Lamports `json:"treasuryAccruedLamports"`
	LastProcessedPeriodID   *string         `json:"lastProcessedPeriodId"`
	LastProcessedPeriodEnd  *time.Time      `json:"lastProcessedPeriodEnd"`
	ActivePeriod            *periodResponse `json:"activePeriod,omitempty"`
	LastEpoch               *epochResponse  `json:"lastEpoch,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.Context())
	if err != nil {
		s.log.Error("status query failed", "err", err)
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	resp := statusResponse{
		Enabled:                 status.Enabled,
		IsLeader:                status.Leader,
		DryRun:                  status.DryRun,
		VaultAddress:            status.VaultAddress,
		VaultBalance:            models.Lamports(status.VaultBalance),
		CarryRewardsLamports:    models.Lamports(status.Carry),
		TreasuryAccruedLamports: models.Lamports(status.TreasuryAccrued),
		LastProcessedPeriodID:   status.LastProcessedPeriodID,
		LastProcessedPeriodEnd:  status.LastProcessedPeriodEnd,
	}
	if status.ActivePeriod != nil {
		resp.ActivePeriod = &periodResponse{
			ID:               status.ActivePeriod.ID,
			EndTime:          status.ActivePeriod.EndTime,
			SecondsRemaining: status.ActivePeriod.SecondsRemaining,
		}
	}
	if status.LastEpoch != nil {
		epoch := s.epochResponse(r.Context(), status.LastEpoch, false)
		resp.LastEpoch = &epoch
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	epochs, err := s.store.RecentEpochs(r.Context(), limit)
	if err != nil {
		s.log.Error("history query failed", "err", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	out := make([]epochResponse, 0, len(epochs))
	for i := range epochs {
		out = append(out, s.epochResponse(r.Context(), &epochs[i], true))
	}
	writeJSON(w, http.StatusOK, map[string]any{"epochs": out})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	settings := s.engine.Settings()
	writeJSON(w, http.StatusOK, map[string]any{
		"rewardsPoolBps": s.poolBps,
		"split":          pot.Weights,
		"eligibility": map[string]any{
			"minTrades":       s.minTrades,
			"profit":          "strictly positive realized profit over the period",
			"walletAddress":   "valid base58 chain address",
			"rankingOrder":    "profit desc, trade count desc, wallet asc",
			"winnersPerEpoch": 3,
		},
		"cadence": map[string]any{
			"tickSeconds":         int64(settings.TickInterval / time.Second),
			"leaderCheckSeconds":  int64(settings.LeaderCheck / time.Second),
			"stuckTimeoutSeconds": int64(settings.StuckTimeout / time.Second),
		},
		"vaultReserveLamports": models.Lamports(settings.VaultReserve),
		"dryRun":               settings.DryRun,
	})
}

func (s *Server) handleLeader(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"isLeader": s.engine.IsLeader()})
}

type runResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.adminSecret == "" {
		writeJSON(w, http.StatusForbidden, runResponse{OK: false, Message: "manual trigger disabled"})
		return
	}
	provided := r.Header.Get(adminSecretHeader)
	if subtle.ConstantTimeCompare([]byte(provided), []byte(s.adminSecret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, runResponse{OK: false, Message: "unauthorized"})
		return
	}

	err := s.engine.RunNow(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, runResponse{OK: true, Message: "settlement tick completed"})
	case errors.Is(err, engine.ErrNotConfigured):
		writeJSON(w, http.StatusConflict, runResponse{OK: false, Message: "engine not configured"})
	case errors.Is(err, engine.ErrNotLeader):
		writeJSON(w, http.StatusConflict, runResponse{OK: false, Message: "this replica is not the leader"})
	case errors.Is(err, engine.ErrBusy):
		writeJSON(w, http.StatusConflict, runResponse{OK: false, Message: "a settlement pass is already running"})
	default:
		s.log.Error("manual settlement run failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, runResponse{OK: false, Message: "settlement run failed"})
	}
}

func (s *Server) epochResponse(ctx context.Context, epoch *models.Epoch, includeWinners bool) epochResponse {
	resp := epochResponse{
		ID:                  epoch.ID.String(),
		LeaderboardPeriodID: epoch.LeaderboardPeriodID,
		PeriodStart:         epoch.PeriodStart,
		PeriodEnd:           epoch.PeriodEnd,
		Status:              epoch.Status,
		FailureReason:       epoch.FailureReason,
		RewardsPoolBps:      epoch.RewardsPoolBps,
		TotalInflow:         epoch.TotalInflow,
		RewardInflow:        epoch.RewardInflow,
		TreasuryInflow:      epoch.TreasuryInflow,
		CarryIn:             epoch.CarryIn,
		TotalPot:            epoch.TotalPot,
		TotalPaid:           epoch.TotalPaid,
		PayoutTxSignature:   epoch.PayoutTxSignature,
		ClaimTxSignatures:   epoch.ClaimTxSignatures,
		CompletedAt:         epoch.PayoutCompletedAt,
	}
	if !includeWinners {
		return resp
	}
	winners, err := s.store.WinnersByEpoch(ctx, epoch.ID)
	if err != nil {
		s.log.Error("winner query failed", "epoch", epoch.ID, "err", err)
		return resp
	}
	for _, winner := range winners {
		resp.Winners = append(resp.Winners, winnerResponse{
			Rank:           winner.Rank,
			Wallet:         winner.WalletAddress,
			UserID:         winner.UserID,
			ProfitLamports: winner.ProfitLamports,
			TradeCount:     winner.TradeCount,
			PayoutLamports: winner.PayoutLamports,
		})
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
