package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/earnbase/stake-engine/internal/model"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// RunTx wraps fn in a SQL transaction; inside it, single-row reads append
// FOR UPDATE so the rows a transaction mutates are locked from the first
// read. That gives the atomic read-modify-write the ledger depends on.
type PostgresStore struct {
	pool *pgxpool.Pool // nil inside a transaction
	q    querier
	lock string // " FOR UPDATE" inside a transaction
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

// RunTx executes fn inside a SQL transaction. A nested call on an already
// transactional store just runs fn in the open transaction.
func (s *PostgresStore) RunTx(ctx context.Context, fn func(tx Store) error) error {
	if s.pool == nil {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresStore{q: tx, lock: " FOR UPDATE"}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// mapErr converts driver errors to store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

// --- Users ---

const userColumns = `id, account_balance::TEXT, returns_wallet::TEXT, total_deposited::TEXT,
		COALESCE(referral_code, ''), COALESCE(referrer_code, ''), paid_referee_ids, created_at`

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO users (id, account_balance, returns_wallet, total_deposited, referral_code, referrer_code, paid_referee_ids, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, NULLIF($5, ''), NULLIF($6, ''), $7, $8)`,
		u.ID, u.AccountBalance.String(), u.ReturnsWallet.String(), u.TotalDeposited.String(),
		u.ReferralCode, u.ReferrerCode, u.PaidRefereeIDs, u.CreatedAt,
	)
	return mapErr(err)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`+s.lock, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, mapErr(err))
	}
	return u, nil
}

func (s *PostgresStore) GetUserByReferralCode(ctx context.Context, code string) (*model.User, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE referral_code = $1`+s.lock, code)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("get user by referral code: %w", mapErr(err))
	}
	return u, nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, u *model.User) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE users
		 SET account_balance = $2::NUMERIC, returns_wallet = $3::NUMERIC,
		     total_deposited = $4::NUMERIC, paid_referee_ids = $5
		 WHERE id = $1`,
		u.ID, u.AccountBalance.String(), u.ReturnsWallet.String(),
		u.TotalDeposited.String(), u.PaidRefereeIDs,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var balance, wallet, deposited string
	if err := row.Scan(&u.ID, &balance, &wallet, &deposited,
		&u.ReferralCode, &u.ReferrerCode, &u.PaidRefereeIDs, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.AccountBalance, _ = decimal.NewFromString(balance)
	u.ReturnsWallet, _ = decimal.NewFromString(wallet)
	u.TotalDeposited, _ = decimal.NewFromString(deposited)
	return &u, nil
}

// --- Deposits ---

func (s *PostgresStore) CreateDeposit(ctx context.Context, d *model.Deposit) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO deposits (reference, user_id, phone, gross_amount, deposit_fee, net_principal, credited, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		d.Reference, d.UserID, d.Phone,
		d.GrossAmount.String(), d.DepositFee.String(), d.NetPrincipal.String(),
		d.Credited, d.CreatedAt,
	)
	return mapErr(err)
}

func (s *PostgresStore) GetDeposit(ctx context.Context, ref string) (*model.Deposit, error) {
	var d model.Deposit
	var gross, fee, net string
	err := s.q.QueryRow(ctx,
		`SELECT reference, user_id, COALESCE(phone, ''),
		        gross_amount::TEXT, deposit_fee::TEXT, net_principal::TEXT,
		        credited, created_at
		 FROM deposits WHERE reference = $1`+s.lock, ref).
		Scan(&d.Reference, &d.UserID, &d.Phone, &gross, &fee, &net, &d.Credited, &d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get deposit %s: %w", ref, mapErr(err))
	}
	d.GrossAmount, _ = decimal.NewFromString(gross)
	d.DepositFee, _ = decimal.NewFromString(fee)
	d.NetPrincipal, _ = decimal.NewFromString(net)
	return &d, nil
}

func (s *PostgresStore) UpdateDeposit(ctx context.Context, d *model.Deposit) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE deposits SET credited = $2 WHERE reference = $1`,
		d.Reference, d.Credited,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Stakes ---

const stakeColumns = `id, user_id, principal::TEXT, daily_rate::TEXT, total_days, remaining_days,
		earned_so_far::TEXT, status, COALESCE(last_processed_date, ''),
		distribution_processed, distributed_amount::TEXT, created_at`

func (s *PostgresStore) CreateStake(ctx context.Context, st *model.Stake) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO stakes (id, user_id, principal, daily_rate, total_days, remaining_days,
		                     earned_so_far, status, last_processed_date,
		                     distribution_processed, distributed_amount, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7::NUMERIC, $8, NULLIF($9, ''), $10, $11::NUMERIC, $12)`,
		st.ID, st.UserID, st.Principal.String(), st.DailyRate.String(),
		st.TotalDays, st.RemainingDays, st.EarnedSoFar.String(), st.Status,
		st.LastProcessedDate, st.DistributionProcessed, st.DistributedAmount.String(), st.CreatedAt,
	)
	return mapErr(err)
}

func (s *PostgresStore) GetStake(ctx context.Context, id string) (*model.Stake, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+stakeColumns+` FROM stakes WHERE id = $1`+s.lock, id)
	st, err := scanStake(row)
	if err != nil {
		return nil, fmt.Errorf("get stake %s: %w", id, mapErr(err))
	}
	return st, nil
}

func (s *PostgresStore) UpdateStake(ctx context.Context, st *model.Stake) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE stakes
		 SET remaining_days = $2, earned_so_far = $3::NUMERIC, status = $4,
		     last_processed_date = NULLIF($5, ''),
		     distribution_processed = $6, distributed_amount = $7::NUMERIC
		 WHERE id = $1`,
		st.ID, st.RemainingDays, st.EarnedSoFar.String(), st.Status,
		st.LastProcessedDate, st.DistributionProcessed, st.DistributedAmount.String(),
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListActiveStakes(ctx context.Context, afterID string, limit int) ([]model.Stake, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+stakeColumns+`
		 FROM stakes
		 WHERE status = $1 AND id > $2
		 ORDER BY id
		 LIMIT $3`,
		model.StakeActive, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanStakes(rows)
}

func (s *PostgresStore) ListAccruableStakes(ctx context.Context, cursor AccrualCursor, limit int) ([]model.Stake, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+stakeColumns+`
		 FROM stakes
		 WHERE status = $1 AND remaining_days > 0
		   AND (remaining_days, id) > ($2, $3)
		 ORDER BY remaining_days, id
		 LIMIT $4`,
		model.StakeActive, cursor.RemainingDays, cursor.ID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanStakes(rows)
}

func scanStake(row pgx.Row) (*model.Stake, error) {
	var st model.Stake
	var principal, rate, earned, distributed string
	if err := row.Scan(&st.ID, &st.UserID, &principal, &rate,
		&st.TotalDays, &st.RemainingDays, &earned, &st.Status,
		&st.LastProcessedDate, &st.DistributionProcessed, &distributed, &st.CreatedAt); err != nil {
		return nil, err
	}
	st.Principal, _ = decimal.NewFromString(principal)
	st.DailyRate, _ = decimal.NewFromString(rate)
	st.EarnedSoFar, _ = decimal.NewFromString(earned)
	st.DistributedAmount, _ = decimal.NewFromString(distributed)
	return &st, nil
}

func scanStakes(rows pgx.Rows) ([]model.Stake, error) {
	var stakes []model.Stake
	for rows.Next() {
		st, err := scanStake(rows)
		if err != nil {
			return nil, err
		}
		stakes = append(stakes, *st)
	}
	return stakes, rows.Err()
}

// --- Referrals ---

func (s *PostgresStore) CreateReferral(ctx context.Context, r *model.Referral) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO referrals (referrer_id, referee_id, deposit_ref, gross_amount, rate, bonus, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
		r.ReferrerID, r.RefereeID, r.DepositRef,
		r.GrossAmount.String(), r.Rate.String(), r.Bonus.String(), r.CreatedAt,
	)
	return mapErr(err)
}

func (s *PostgresStore) GetReferralByDeposit(ctx context.Context, depositRef string) (*model.Referral, error) {
	var r model.Referral
	var gross, rate, bonus string
	err := s.q.QueryRow(ctx,
		`SELECT referrer_id, referee_id, deposit_ref,
		        gross_amount::TEXT, rate::TEXT, bonus::TEXT, created_at
		 FROM referrals WHERE deposit_ref = $1`, depositRef).
		Scan(&r.ReferrerID, &r.RefereeID, &r.DepositRef, &gross, &rate, &bonus, &r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get referral for %s: %w", depositRef, mapErr(err))
	}
	r.GrossAmount, _ = decimal.NewFromString(gross)
	r.Rate, _ = decimal.NewFromString(rate)
	r.Bonus, _ = decimal.NewFromString(bonus)
	return &r, nil
}

// --- Transfers ---

func (s *PostgresStore) CreateTransfer(ctx context.Context, t *model.Transfer) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO transfers (id, user_id, amount, type, reason, source, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7)`,
		t.ID, t.UserID, t.Amount.String(), t.Type, t.Reason, t.Source, t.CreatedAt,
	)
	return mapErr(err)
}

func (s *PostgresStore) GetTransfer(ctx context.Context, id string) (*model.Transfer, error) {
	row := s.q.QueryRow(ctx,
		`SELECT id, user_id, amount::TEXT, type, COALESCE(reason, ''), source, created_at
		 FROM transfers WHERE id = $1`, id)
	t, err := scanTransfer(row)
	if err != nil {
		return nil, fmt.Errorf("get transfer %s: %w", id, mapErr(err))
	}
	return t, nil
}

func (s *PostgresStore) ListTransfersByUser(ctx context.Context, userID string) ([]model.Transfer, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, user_id, amount::TEXT, type, COALESCE(reason, ''), source, created_at
		 FROM transfers WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []model.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}

func scanTransfer(row pgx.Row) (*model.Transfer, error) {
	var t model.Transfer
	var amount string
	if err := row.Scan(&t.ID, &t.UserID, &amount, &t.Type, &t.Reason, &t.Source, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Amount, _ = decimal.NewFromString(amount)
	return &t, nil
}

// --- Distribution jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, j *model.DistributionJob) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO distribution_jobs (stake_id, locked, locked_until, done, reason, error, cursor,
		                                total_users, total_distributed, heartbeat)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10)`,
		j.StakeID, j.Locked, j.LockedUntil, j.Done, j.Reason, j.Error,
		j.Cursor, j.TotalUsers, j.TotalDistributed.String(), j.Heartbeat,
	)
	return mapErr(err)
}

func (s *PostgresStore) GetJob(ctx context.Context, stakeID string) (*model.DistributionJob, error) {
	var j model.DistributionJob
	var distributed string
	err := s.q.QueryRow(ctx,
		`SELECT stake_id, locked, locked_until, done, COALESCE(reason, ''), COALESCE(error, ''),
		        COALESCE(cursor, ''), total_users, total_distributed::TEXT, heartbeat
		 FROM distribution_jobs WHERE stake_id = $1`+s.lock, stakeID).
		Scan(&j.StakeID, &j.Locked, &j.LockedUntil, &j.Done, &j.Reason, &j.Error,
			&j.Cursor, &j.TotalUsers, &distributed, &j.Heartbeat)
	if err != nil {
		return nil, fmt.Errorf("get distribution job %s: %w", stakeID, mapErr(err))
	}
	j.TotalDistributed, _ = decimal.NewFromString(distributed)
	return &j, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, j *model.DistributionJob) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE distribution_jobs
		 SET locked = $2, locked_until = $3, done = $4, reason = $5, error = $6,
		     cursor = $7, total_users = $8, total_distributed = $9::NUMERIC, heartbeat = $10
		 WHERE stake_id = $1`,
		j.StakeID, j.Locked, j.LockedUntil, j.Done, j.Reason, j.Error,
		j.Cursor, j.TotalUsers, j.TotalDistributed.String(), j.Heartbeat,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Company metrics ---

// The metrics singleton lives in a single row and is only ever touched via
// commutative SQL increments, so concurrent updates never conflict.

func (s *PostgresStore) AddCompanyStakes(ctx context.Context, amount decimal.Decimal) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO company_metrics (id, total_company_stakes, total_company_transfers, transfer_in_progress)
		 VALUES (1, $1::NUMERIC, 0, FALSE)
		 ON CONFLICT (id) DO UPDATE
		 SET total_company_stakes = company_metrics.total_company_stakes + EXCLUDED.total_company_stakes`,
		amount.String(),
	)
	return mapErr(err)
}

func (s *PostgresStore) AddCompanyTransfers(ctx context.Context, amount decimal.Decimal) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO company_metrics (id, total_company_stakes, total_company_transfers, transfer_in_progress)
		 VALUES (1, 0, $1::NUMERIC, FALSE)
		 ON CONFLICT (id) DO UPDATE
		 SET total_company_transfers = company_metrics.total_company_transfers + EXCLUDED.total_company_transfers`,
		amount.String(),
	)
	return mapErr(err)
}

func (s *PostgresStore) GetCompanyMetrics(ctx context.Context) (*model.CompanyMetrics, error) {
	var m model.CompanyMetrics
	var stakes, transfers string
	err := s.q.QueryRow(ctx,
		`SELECT total_company_stakes::TEXT, total_company_transfers::TEXT, transfer_in_progress
		 FROM company_metrics WHERE id = 1`).
		Scan(&stakes, &transfers, &m.TransferInProgress)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.CompanyMetrics{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get company metrics: %w", err)
	}
	m.TotalCompanyStakes, _ = decimal.NewFromString(stakes)
	m.TotalCompanyTransfers, _ = decimal.NewFromString(transfers)
	return &m, nil
}
