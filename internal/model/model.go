// Package model defines the core domain types shared across the stake engine.
// All monetary values use shopspring/decimal (never float64) and are
// rounded to whole currency units at rest.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the calendar-date format used for accrual gating.
const DateLayout = "2006-01-02"

// Stake statuses.
const (
	StakeActive    = "active"
	StakeCompleted = "completed"
)

// Transfer types.
const (
	TransferReferralBonus = "referral_bonus"
	TransferUnlock        = "unlock"
)

// Distribution job terminal reasons.
const (
	ReasonNormal           = "normal"
	ReasonInvalidPrincipal = "invalid-principal"
)

// User holds both wallets. AccountBalance is spendable; ReturnsWallet holds
// accrued-but-locked earnings. Both are mutated only inside store
// transactions and never go negative.
type User struct {
	ID             string          `json:"id" db:"id"`
	AccountBalance decimal.Decimal `json:"account_balance" db:"account_balance"`
	ReturnsWallet  decimal.Decimal `json:"returns_wallet" db:"returns_wallet"`
	TotalDeposited decimal.Decimal `json:"total_deposited" db:"total_deposited"`
	ReferralCode   string          `json:"referral_code,omitempty" db:"referral_code"`
	ReferrerCode   string          `json:"referrer_code,omitempty" db:"referrer_code"`
	// PaidRefereeIDs lists referees this user has already been paid a
	// bonus for. Membership is checked in the same transaction that
	// writes the Referral record.
	PaidRefereeIDs []string  `json:"paid_referee_ids,omitempty" db:"paid_referee_ids"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Deposit records a confirmed external payment. Its Reference is the
// external payment reference and doubles as the idempotency key: Credited
// moves false→true exactly once regardless of retries.
type Deposit struct {
	Reference    string          `json:"reference" db:"reference"`
	UserID       string          `json:"user_id" db:"user_id"`
	Phone        string          `json:"phone,omitempty" db:"phone"`
	GrossAmount  decimal.Decimal `json:"gross_amount" db:"gross_amount"`
	DepositFee   decimal.Decimal `json:"deposit_fee" db:"deposit_fee"`
	NetPrincipal decimal.Decimal `json:"net_principal" db:"net_principal"`
	Credited     bool            `json:"credited" db:"credited"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Stake is a fixed-term deposit accruing DailyRate on Principal for
// TotalDays. ID equals the deposit reference: one stake per deposit.
// Principal and DailyRate are immutable after creation.
type Stake struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Principal     decimal.Decimal `json:"principal" db:"principal"`
	DailyRate     decimal.Decimal `json:"daily_rate" db:"daily_rate"`
	TotalDays     int             `json:"total_days" db:"total_days"`
	RemainingDays int             `json:"remaining_days" db:"remaining_days"`
	EarnedSoFar   decimal.Decimal `json:"earned_so_far" db:"earned_so_far"`
	Status        string          `json:"status" db:"status"`
	// LastProcessedDate gates daily accrual: a stake earns at most one
	// day of return per calendar date.
	LastProcessedDate     string          `json:"last_processed_date,omitempty" db:"last_processed_date"`
	DistributionProcessed bool            `json:"distribution_processed" db:"distribution_processed"`
	DistributedAmount     decimal.Decimal `json:"distributed_amount" db:"distributed_amount"`
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
}

// Referral is an append-only record of a paid signup bonus. At most one
// exists per (referrer, referee) pair.
type Referral struct {
	ReferrerID  string          `json:"referrer_id" db:"referrer_id"`
	RefereeID   string          `json:"referee_id" db:"referee_id"`
	DepositRef  string          `json:"deposit_ref" db:"deposit_ref"`
	GrossAmount decimal.Decimal `json:"gross_amount" db:"gross_amount"`
	Rate        decimal.Decimal `json:"rate" db:"rate"`
	Bonus       decimal.Decimal `json:"bonus" db:"bonus"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Transfer is an immutable ledger entry for money moved between wallets.
// Its ID is deterministically derived from (kind, stakeID, userID), so
// re-executing the same logical operation produces the same id. That is
// the mechanism for at-most-once money movement.
type Transfer struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Type      string          `json:"type" db:"type"`
	Reason    string          `json:"reason,omitempty" db:"reason"`
	Source    string          `json:"source" db:"source"` // triggering stake id
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// DistributionJob drives resumability of the distribution sweep for one
// stake. Done=true is terminal. Locked is a lease: it only blocks other
// runners while LockedUntil is in the future, so a crashed worker's lock
// is reclaimable.
type DistributionJob struct {
	StakeID          string          `json:"stake_id" db:"stake_id"`
	Locked           bool            `json:"locked" db:"locked"`
	LockedUntil      time.Time       `json:"locked_until" db:"locked_until"`
	Done             bool            `json:"done" db:"done"`
	Reason           string          `json:"reason,omitempty" db:"reason"`
	Error            string          `json:"error,omitempty" db:"error"`
	Cursor           string          `json:"cursor,omitempty" db:"cursor"` // last fully processed user id
	TotalUsers       int             `json:"total_users" db:"total_users"`
	TotalDistributed decimal.Decimal `json:"total_distributed" db:"total_distributed"`
	Heartbeat        time.Time       `json:"heartbeat" db:"heartbeat"`
}

// CompanyMetrics is the informational singleton aggregate. It is only ever
// incremented, via the store's commutative increment primitive.
type CompanyMetrics struct {
	TotalCompanyStakes    decimal.Decimal `json:"total_company_stakes" db:"total_company_stakes"`
	TotalCompanyTransfers decimal.Decimal `json:"total_company_transfers" db:"total_company_transfers"`
	TransferInProgress    bool            `json:"transfer_in_progress" db:"transfer_in_progress"`
}
