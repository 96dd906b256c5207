// Package deposit turns a confirmed external payment into a ledger-tracked
// stake.
//
// Crediting is idempotent per payment reference: the Deposit record's
// Credited flag is the single gate, checked and set inside one store
// transaction, so a webhook retry can never create a second stake or
// double-count a wallet. All monetary values use shopspring/decimal,
// never float64.
package deposit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/earnbase/stake-engine/internal/httpx"
	"github.com/earnbase/stake-engine/internal/metrics"
	"github.com/earnbase/stake-engine/internal/model"
	"github.com/earnbase/stake-engine/internal/money"
	"github.com/earnbase/stake-engine/internal/store"
	"github.com/earnbase/stake-engine/internal/stream"
)

var (
	// ErrUserNotFound is returned when the payment's user does not exist.
	ErrUserNotFound = errors.New("deposit: user not found")

	// ErrInvalidAmount is returned for a non-positive gross amount.
	ErrInvalidAmount = errors.New("deposit: gross amount must be positive")

	// ErrMissingReference is returned for an empty payment reference.
	ErrMissingReference = errors.New("deposit: payment reference is required")
)

// Service credits confirmed payments. Concurrency control is entirely the
// store's transactions; two concurrent credits of the same reference
// serialize on the deposit row.
type Service struct {
	store  store.Store
	params *money.Params
	hub    *stream.Hub
}

// NewService creates a new deposit crediting service.
// Pass nil for hub if event broadcasting is not needed.
func NewService(st store.Store, params *money.Params, hub *stream.Hub) *Service {
	return &Service{store: st, params: params, hub: hub}
}

// CreditRequest is a confirmed external payment.
type CreditRequest struct {
	Reference   string          `json:"reference"`
	GrossAmount decimal.Decimal `json:"gross_amount"`
	UserID      string          `json:"user_id"`
	Phone       string          `json:"phone,omitempty"`
}

// CreditResult reports the outcome of a credit operation. Created=false
// means the reference was already credited and nothing moved.
type CreditResult struct {
	Reference     string          `json:"reference"`
	UserID        string          `json:"user_id"`
	NetPrincipal  decimal.Decimal `json:"net_principal"`
	DepositFee    decimal.Decimal `json:"deposit_fee"`
	Created       bool            `json:"created"`
	ReferralBonus decimal.Decimal `json:"referral_bonus"`
	ReferrerID    string          `json:"referrer_id,omitempty"`
}

// CreditDeposit converts a confirmed gross payment into a stake plus
// ledger entries, exactly once per payment reference. Safe to call again
// with the same reference: replays return the recorded amounts without
// moving money.
func (s *Service) CreditDeposit(ctx context.Context, req CreditRequest) (*CreditResult, error) {
	if req.Reference == "" {
		return nil, ErrMissingReference
	}
	if req.UserID == "" {
		return nil, ErrUserNotFound
	}
	if req.GrossAmount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	res := &CreditResult{
		Reference:     req.Reference,
		UserID:        req.UserID,
		ReferralBonus: decimal.Zero,
	}
	var stakeCreated bool

	err := s.store.RunTx(ctx, func(tx store.Store) error {
		user, err := tx.GetUser(ctx, req.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		if err != nil {
			return err
		}

		dep, err := tx.GetDeposit(ctx, req.Reference)
		switch {
		case err == nil && dep.Credited:
			// Idempotent replay: report the recorded amounts.
			res.NetPrincipal = dep.NetPrincipal
			res.DepositFee = dep.DepositFee
			return nil
		case errors.Is(err, store.ErrNotFound):
			dep = &model.Deposit{
				Reference:    req.Reference,
				UserID:       user.ID,
				Phone:        req.Phone,
				GrossAmount:  req.GrossAmount,
				DepositFee:   s.params.DepositFee(req.GrossAmount),
				NetPrincipal: s.params.NetPrincipal(req.GrossAmount),
				CreatedAt:    time.Now().UTC(),
			}
			if err := tx.CreateDeposit(ctx, dep); err != nil {
				return err
			}
		case err != nil:
			return err
		}

		res.NetPrincipal = dep.NetPrincipal
		res.DepositFee = dep.DepositFee

		if _, err := tx.GetStake(ctx, req.Reference); errors.Is(err, store.ErrNotFound) {
			stake := &model.Stake{
				ID:                req.Reference,
				UserID:            user.ID,
				Principal:         dep.NetPrincipal,
				DailyRate:         s.params.DailyRate(),
				TotalDays:         s.params.StakeDays(),
				RemainingDays:     s.params.StakeDays(),
				EarnedSoFar:       decimal.Zero,
				Status:            model.StakeActive,
				DistributedAmount: decimal.Zero,
				CreatedAt:         time.Now().UTC(),
			}
			if err := tx.CreateStake(ctx, stake); err != nil {
				return err
			}
			stakeCreated = true
		} else if err != nil {
			return err
		}

		user.TotalDeposited = user.TotalDeposited.Add(req.GrossAmount)
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}

		if err := s.payReferralBonus(ctx, tx, user, dep, res); err != nil {
			return err
		}

		dep.Credited = true
		return tx.UpdateDeposit(ctx, dep)
	})
	if err != nil {
		return nil, err
	}

	res.Created = stakeCreated
	if stakeCreated {
		// Informational aggregate, outside the ledger transaction. The
		// increment is commutative and attempted once per created stake.
		if err := s.store.AddCompanyStakes(ctx, res.NetPrincipal); err != nil {
			slog.Warn("company stake metric increment failed",
				"reference", req.Reference, "err", err)
		}

		metrics.DepositsCredited.WithLabelValues("created").Inc()
		s.hub.Publish(stream.Event{
			Type:    stream.EventDepositCredited,
			UserID:  req.UserID,
			StakeID: req.Reference,
			Amount:  res.NetPrincipal.String(),
		})
		slog.Info("deposit credited",
			"reference", req.Reference,
			"user", req.UserID,
			"gross", req.GrossAmount.String(),
			"principal", res.NetPrincipal.String(),
			"fee", res.DepositFee.String(),
			"referral_bonus", res.ReferralBonus.String(),
		)
	} else {
		metrics.DepositsCredited.WithLabelValues("replay").Inc()
		slog.Info("deposit already credited", "reference", req.Reference)
	}

	return res, nil
}

// payReferralBonus credits the referrer's locked wallet at most once per
// (referrer, referee) pair. Runs inside the credit transaction.
func (s *Service) payReferralBonus(ctx context.Context, tx store.Store, user *model.User, dep *model.Deposit, res *CreditResult) error {
	if user.ReferrerCode == "" {
		return nil
	}

	referrer, err := tx.GetUserByReferralCode(ctx, user.ReferrerCode)
	if errors.Is(err, store.ErrNotFound) {
		// Dangling referrer codes are tolerated: the deposit still credits.
		return nil
	}
	if err != nil {
		return err
	}
	if referrer.ID == user.ID {
		return nil
	}
	for _, id := range referrer.PaidRefereeIDs {
		if id == user.ID {
			return nil // bonus already paid for this referee
		}
	}

	bonus := s.params.ReferralBonus(dep.GrossAmount)
	if !bonus.IsPositive() {
		return nil
	}

	referrer.ReturnsWallet = referrer.ReturnsWallet.Add(bonus)
	referrer.PaidRefereeIDs = append(referrer.PaidRefereeIDs, user.ID)
	if err := tx.UpdateUser(ctx, referrer); err != nil {
		return err
	}

	if err := tx.CreateReferral(ctx, &model.Referral{
		ReferrerID:  referrer.ID,
		RefereeID:   user.ID,
		DepositRef:  dep.Reference,
		GrossAmount: dep.GrossAmount,
		Rate:        s.params.BonusRate(),
		Bonus:       bonus,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return err
	}

	res.ReferralBonus = bonus
	res.ReferrerID = referrer.ID
	return nil
}

// --- HTTP Handlers ---

// HandleCredit handles POST /api/v1/deposits/credit
func (s *Service) HandleCredit(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.CreditDeposit(r.Context(), req)
	switch {
	case errors.Is(err, ErrUserNotFound):
		httpx.WriteError(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrMissingReference):
		httpx.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		slog.Error("deposit credit failed", "reference", req.Reference, "err", err)
		httpx.WriteError(w, "failed to credit deposit", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	httpx.WriteJSON(w, status, res)
}
