package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/earnbase/stake-engine/internal/model"
	"github.com/earnbase/stake-engine/internal/store"
)

func newTestRouter(t *testing.T) (*chi.Mux, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	svc := NewService(st)

	r := chi.NewRouter()
	r.Get("/api/v1/users/{userID}/wallet", svc.HandleWallet)
	r.Get("/api/v1/users/{userID}/transfers", svc.HandleTransfers)
	r.Get("/api/v1/stakes/{stakeID}", svc.HandleStake)
	r.Get("/api/v1/company/metrics", svc.HandleCompanyMetrics)
	r.Post("/api/v1/users", svc.HandleRegister)
	return r, st
}

func TestHandleRegister(t *testing.T) {
	r, st := newTestRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/users", strings.NewReader(`{"referrer_code":"ALPHA"}`))
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var user model.User
	if err := json.Unmarshal(rec.Body.Bytes(), &user); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if user.ID == "" || user.ReferralCode == "" {
		t.Errorf("user missing generated ids: %+v", user)
	}
	if user.ReferrerCode != "ALPHA" {
		t.Errorf("referrer code = %q, want ALPHA", user.ReferrerCode)
	}

	stored, err := st.GetUser(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("stored user: %v", err)
	}
	if !stored.AccountBalance.IsZero() || !stored.ReturnsWallet.IsZero() {
		t.Errorf("fresh account has non-zero balances: %+v", stored)
	}
}

func get(t *testing.T, r http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandleWallet(t *testing.T) {
	r, st := newTestRouter(t)
	err := st.CreateUser(context.Background(), &model.User{
		ID:             "u1",
		AccountBalance: decimal.NewFromInt(150),
		ReturnsWallet:  decimal.NewFromInt(600),
		TotalDeposited: decimal.NewFromInt(2200),
		ReferralCode:   "ALPHA",
	})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}

	rec := get(t, r, "/api/v1/users/u1/wallet")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !snap.AccountBalance.Equal(decimal.NewFromInt(150)) ||
		!snap.ReturnsWallet.Equal(decimal.NewFromInt(600)) {
		t.Errorf("snapshot = %+v", snap)
	}

	if rec := get(t, r, "/api/v1/users/ghost/wallet"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown user status = %d, want 404", rec.Code)
	}
}

func TestHandleTransfers(t *testing.T) {
	r, st := newTestRouter(t)
	ctx := context.Background()
	if err := st.CreateUser(ctx, &model.User{ID: "u1"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	err := st.CreateTransfer(ctx, &model.Transfer{
		ID:     "DIST-DEP-1-u1",
		UserID: "u1",
		Amount: decimal.NewFromInt(250),
		Type:   model.TransferUnlock,
		Source: "DEP-1",
	})
	if err != nil {
		t.Fatalf("seed transfer: %v", err)
	}

	rec := get(t, r, "/api/v1/users/u1/transfers")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Transfers []model.Transfer `json:"transfers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Transfers) != 1 || resp.Transfers[0].ID != "DIST-DEP-1-u1" {
		t.Errorf("transfers = %+v", resp.Transfers)
	}
}

func TestHandleStake(t *testing.T) {
	r, st := newTestRouter(t)
	err := st.CreateStake(context.Background(), &model.Stake{
		ID:            "DEP-1",
		UserID:        "u1",
		Principal:     decimal.NewFromInt(2000),
		RemainingDays: 17,
		Status:        model.StakeActive,
	})
	if err != nil {
		t.Fatalf("seed stake: %v", err)
	}

	rec := get(t, r, "/api/v1/stakes/DEP-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var stake model.Stake
	if err := json.Unmarshal(rec.Body.Bytes(), &stake); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stake.RemainingDays != 17 || !stake.Principal.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("stake = %+v", stake)
	}

	if rec := get(t, r, "/api/v1/stakes/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown stake status = %d, want 404", rec.Code)
	}
}

func TestHandleCompanyMetrics(t *testing.T) {
	r, st := newTestRouter(t)
	ctx := context.Background()
	if err := st.AddCompanyStakes(ctx, decimal.NewFromInt(2000)); err != nil {
		t.Fatalf("seed metrics: %v", err)
	}

	rec := get(t, r, "/api/v1/company/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var m model.CompanyMetrics
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !m.TotalCompanyStakes.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("metrics = %+v", m)
	}
}
