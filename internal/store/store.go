// Package store defines the persistence interface for the stake engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/earnbase/stake-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when a create collides with an
	// existing record of the same id.
	ErrAlreadyExists = errors.New("store: already exists")
)

// AccrualCursor is the keyset cursor for paging accruable stakes, which
// are ordered by (remaining_days, id) so a run that mutates rows as it
// goes still advances deterministically.
type AccrualCursor struct {
	RemainingDays int
	ID            string
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// RunTx executes fn against a transactional view of the store: every read
// inside fn observes a consistent snapshot with the rows it touches locked
// for update, and every write is applied atomically or not at all. Wallet
// balances are only ever mutated inside RunTx, after reading the current
// value in the same transaction.
type Store interface {
	// RunTx runs fn atomically. fn must not retain the tx Store beyond
	// its own execution.
	RunTx(ctx context.Context, fn func(tx Store) error) error

	// --- Users ---

	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*model.User, error)
	UpdateUser(ctx context.Context, u *model.User) error

	// --- Deposits ---

	CreateDeposit(ctx context.Context, d *model.Deposit) error
	GetDeposit(ctx context.Context, reference string) (*model.Deposit, error)
	UpdateDeposit(ctx context.Context, d *model.Deposit) error

	// --- Stakes ---

	CreateStake(ctx context.Context, s *model.Stake) error
	GetStake(ctx context.Context, id string) (*model.Stake, error)
	UpdateStake(ctx context.Context, s *model.Stake) error

	// ListActiveStakes pages active stakes ordered by id, returning
	// stakes with id > afterID.
	ListActiveStakes(ctx context.Context, afterID string, limit int) ([]model.Stake, error)

	// ListAccruableStakes pages active stakes with remaining days,
	// ordered by (remaining_days, id) after the cursor.
	ListAccruableStakes(ctx context.Context, cursor AccrualCursor, limit int) ([]model.Stake, error)

	// --- Referrals (append-only) ---

	CreateReferral(ctx context.Context, r *model.Referral) error
	GetReferralByDeposit(ctx context.Context, depositRef string) (*model.Referral, error)

	// --- Transfers (immutable ledger) ---

	CreateTransfer(ctx context.Context, t *model.Transfer) error
	GetTransfer(ctx context.Context, id string) (*model.Transfer, error)
	ListTransfersByUser(ctx context.Context, userID string) ([]model.Transfer, error)

	// --- Distribution jobs ---

	CreateJob(ctx context.Context, j *model.DistributionJob) error
	GetJob(ctx context.Context, stakeID string) (*model.DistributionJob, error)
	UpdateJob(ctx context.Context, j *model.DistributionJob) error

	// --- Company metrics (commutative increments) ---

	AddCompanyStakes(ctx context.Context, amount decimal.Decimal) error
	AddCompanyTransfers(ctx context.Context, amount decimal.Decimal) error
	GetCompanyMetrics(ctx context.Context) (*model.CompanyMetrics, error)
}
