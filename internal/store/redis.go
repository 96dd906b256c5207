package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/earnbase/stake-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: user wallets and stakes. Writes go to the
// primary store and invalidate the cache; reads check Redis first then
// fall back to the primary.
//
// Transactions bypass the cache entirely: RunTx is delegated to the
// primary and its reads never see cached data. Rows mutated inside a
// transaction are not individually invalidated; the TTL bounds how stale
// a cached read can be.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// RunTx always runs against the primary store.
func (s *CachedStore) RunTx(ctx context.Context, fn func(tx Store) error) error {
	return s.primary.RunTx(ctx, fn)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	// Cache miss: read from primary.
	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheUser(ctx, u)
	return u, nil
}

func (s *CachedStore) GetStake(ctx context.Context, id string) (*model.Stake, error) {
	data, err := s.rdb.Get(ctx, stakeKey(id)).Bytes()
	if err == nil {
		var st model.Stake
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	st, err := s.primary.GetStake(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheStake(ctx, st)
	return st, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.cacheUser(ctx, u)
	return nil
}

func (s *CachedStore) UpdateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.UpdateUser(ctx, u); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, userKey(u.ID))
	return nil
}

func (s *CachedStore) CreateStake(ctx context.Context, st *model.Stake) error {
	if err := s.primary.CreateStake(ctx, st); err != nil {
		return err
	}
	s.cacheStake(ctx, st)
	return nil
}

func (s *CachedStore) UpdateStake(ctx context.Context, st *model.Stake) error {
	if err := s.primary.UpdateStake(ctx, st); err != nil {
		return err
	}
	s.rdb.Del(ctx, stakeKey(st.ID))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetUserByReferralCode(ctx context.Context, code string) (*model.User, error) {
	return s.primary.GetUserByReferralCode(ctx, code)
}

func (s *CachedStore) CreateDeposit(ctx context.Context, d *model.Deposit) error {
	return s.primary.CreateDeposit(ctx, d)
}

func (s *CachedStore) GetDeposit(ctx context.Context, ref string) (*model.Deposit, error) {
	return s.primary.GetDeposit(ctx, ref)
}

func (s *CachedStore) UpdateDeposit(ctx context.Context, d *model.Deposit) error {
	return s.primary.UpdateDeposit(ctx, d)
}

func (s *CachedStore) ListActiveStakes(ctx context.Context, afterID string, limit int) ([]model.Stake, error) {
	return s.primary.ListActiveStakes(ctx, afterID, limit)
}

func (s *CachedStore) ListAccruableStakes(ctx context.Context, cursor AccrualCursor, limit int) ([]model.Stake, error) {
	return s.primary.ListAccruableStakes(ctx, cursor, limit)
}

func (s *CachedStore) CreateReferral(ctx context.Context, r *model.Referral) error {
	return s.primary.CreateReferral(ctx, r)
}

func (s *CachedStore) GetReferralByDeposit(ctx context.Context, ref string) (*model.Referral, error) {
	return s.primary.GetReferralByDeposit(ctx, ref)
}

func (s *CachedStore) CreateTransfer(ctx context.Context, t *model.Transfer) error {
	return s.primary.CreateTransfer(ctx, t)
}

func (s *CachedStore) GetTransfer(ctx context.Context, id string) (*model.Transfer, error) {
	return s.primary.GetTransfer(ctx, id)
}

func (s *CachedStore) ListTransfersByUser(ctx context.Context, userID string) ([]model.Transfer, error) {
	return s.primary.ListTransfersByUser(ctx, userID)
}

func (s *CachedStore) CreateJob(ctx context.Context, j *model.DistributionJob) error {
	return s.primary.CreateJob(ctx, j)
}

func (s *CachedStore) GetJob(ctx context.Context, stakeID string) (*model.DistributionJob, error) {
	return s.primary.GetJob(ctx, stakeID)
}

func (s *CachedStore) UpdateJob(ctx context.Context, j *model.DistributionJob) error {
	return s.primary.UpdateJob(ctx, j)
}

func (s *CachedStore) AddCompanyStakes(ctx context.Context, amount decimal.Decimal) error {
	return s.primary.AddCompanyStakes(ctx, amount)
}

func (s *CachedStore) AddCompanyTransfers(ctx context.Context, amount decimal.Decimal) error {
	return s.primary.AddCompanyTransfers(ctx, amount)
}

func (s *CachedStore) GetCompanyMetrics(ctx context.Context) (*model.CompanyMetrics, error) {
	return s.primary.GetCompanyMetrics(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheUser(ctx context.Context, u *model.User) {
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(u.ID), data, s.ttl)
	}
}

func (s *CachedStore) cacheStake(ctx context.Context, st *model.Stake) {
	if data, err := json.Marshal(st); err == nil {
		s.rdb.Set(ctx, stakeKey(st.ID), data, s.ttl)
	}
}

func userKey(id string) string  { return fmt.Sprintf("user:%s", id) }
func stakeKey(id string) string { return fmt.Sprintf("stake:%s", id) }
