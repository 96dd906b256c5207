// Package wallet manages user accounts: registration plus read-only views
// of balances, ledger entries and stakes.
package wallet

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/earnbase/stake-engine/internal/httpx"
	"github.com/earnbase/stake-engine/internal/model"
	"github.com/earnbase/stake-engine/internal/store"
)

// Service answers wallet and ledger queries. Reads go through the cached
// store layer when one is configured.
type Service struct {
	store store.Store
}

// NewService creates a read-only query service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Snapshot is the wallet view returned to clients: the spendable account
// balance alongside the locked returns wallet.
type Snapshot struct {
	UserID         string          `json:"user_id"`
	AccountBalance decimal.Decimal `json:"account_balance"`
	ReturnsWallet  decimal.Decimal `json:"returns_wallet"`
	TotalDeposited decimal.Decimal `json:"total_deposited"`
	ReferralCode   string          `json:"referral_code,omitempty"`
}

type registerRequest struct {
	ReferrerCode string `json:"referrer_code,omitempty"`
}

// HandleRegister handles POST /api/v1/users
// Creates an account with a fresh id and referral code. A referrer code
// may be attached at registration; it pays out on the user's first
// credited deposit.
func (s *Service) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	user := &model.User{
		ID:             uuid.New().String(),
		AccountBalance: decimal.Zero,
		ReturnsWallet:  decimal.Zero,
		TotalDeposited: decimal.Zero,
		ReferralCode:   strings.ToUpper(uuid.New().String()[:8]),
		ReferrerCode:   req.ReferrerCode,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		httpx.WriteError(w, "failed to create user", http.StatusInternalServerError)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, user)
}

// HandleWallet handles GET /api/v1/users/{userID}/wallet
func (s *Service) HandleWallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	user, err := s.store.GetUser(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		httpx.WriteError(w, "user not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httpx.WriteError(w, "failed to load user", http.StatusInternalServerError)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, Snapshot{
		UserID:         user.ID,
		AccountBalance: user.AccountBalance,
		ReturnsWallet:  user.ReturnsWallet,
		TotalDeposited: user.TotalDeposited,
		ReferralCode:   user.ReferralCode,
	})
}

// HandleTransfers handles GET /api/v1/users/{userID}/transfers
func (s *Service) HandleTransfers(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	if _, err := s.store.GetUser(r.Context(), userID); errors.Is(err, store.ErrNotFound) {
		httpx.WriteError(w, "user not found", http.StatusNotFound)
		return
	} else if err != nil {
		httpx.WriteError(w, "failed to load user", http.StatusInternalServerError)
		return
	}

	transfers, err := s.store.ListTransfersByUser(r.Context(), userID)
	if err != nil {
		httpx.WriteError(w, "failed to list transfers", http.StatusInternalServerError)
		return
	}
	if transfers == nil {
		transfers = []model.Transfer{}
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"user_id":   userID,
		"transfers": transfers,
	})
}

// HandleStake handles GET /api/v1/stakes/{stakeID}
func (s *Service) HandleStake(w http.ResponseWriter, r *http.Request) {
	stakeID := chi.URLParam(r, "stakeID")

	stake, err := s.store.GetStake(r.Context(), stakeID)
	if errors.Is(err, store.ErrNotFound) {
		httpx.WriteError(w, "stake not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httpx.WriteError(w, "failed to load stake", http.StatusInternalServerError)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, stake)
}

// HandleCompanyMetrics handles GET /api/v1/company/metrics
func (s *Service) HandleCompanyMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetCompanyMetrics(r.Context())
	if err != nil {
		httpx.WriteError(w, "failed to load company metrics", http.StatusInternalServerError)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, m)
}
