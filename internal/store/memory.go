package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/earnbase/stake-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// RunTx takes the store-wide mutex for the whole transaction and keeps a
// snapshot of the state, restoring it if fn fails. All-or-nothing, same
// as the SQL transaction it stands in for.
type MemoryStore struct {
	mu    sync.Mutex
	state memState
}

type memState struct {
	users     map[string]*model.User
	deposits  map[string]*model.Deposit
	stakes    map[string]*model.Stake
	referrals []model.Referral
	transfers map[string]*model.Transfer
	jobs      map[string]*model.DistributionJob
	metrics   model.CompanyMetrics
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memState{
			users:     make(map[string]*model.User),
			deposits:  make(map[string]*model.Deposit),
			stakes:    make(map[string]*model.Stake),
			transfers: make(map[string]*model.Transfer),
			jobs:      make(map[string]*model.DistributionJob),
		},
	}
}

// RunTx executes fn while holding the store mutex. On error the state is
// rolled back to the pre-transaction snapshot.
func (s *MemoryStore) RunTx(_ context.Context, fn func(tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(&memTx{state: &s.state}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// memTx is the transactional view handed to RunTx callbacks. The mutex is
// already held, so it operates on the live state directly.
type memTx struct {
	state *memState
}

// RunTx on an open transaction just runs fn in the same transaction.
func (t *memTx) RunTx(_ context.Context, fn func(tx Store) error) error {
	return fn(t)
}

// --- Locked public methods (non-transactional access) ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.createUser(u)
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getUser(id)
}

func (s *MemoryStore) GetUserByReferralCode(_ context.Context, code string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getUserByReferralCode(code)
}

func (s *MemoryStore) UpdateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.updateUser(u)
}

func (s *MemoryStore) CreateDeposit(_ context.Context, d *model.Deposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.createDeposit(d)
}

func (s *MemoryStore) GetDeposit(_ context.Context, ref string) (*model.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getDeposit(ref)
}

func (s *MemoryStore) UpdateDeposit(_ context.Context, d *model.Deposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.updateDeposit(d)
}

func (s *MemoryStore) CreateStake(_ context.Context, st *model.Stake) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.createStake(st)
}

func (s *MemoryStore) GetStake(_ context.Context, id string) (*model.Stake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getStake(id)
}

func (s *MemoryStore) UpdateStake(_ context.Context, st *model.Stake) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.updateStake(st)
}

func (s *MemoryStore) ListActiveStakes(_ context.Context, afterID string, limit int) ([]model.Stake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.listActiveStakes(afterID, limit)
}

func (s *MemoryStore) ListAccruableStakes(_ context.Context, cursor AccrualCursor, limit int) ([]model.Stake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.listAccruableStakes(cursor, limit)
}

func (s *MemoryStore) CreateReferral(_ context.Context, r *model.Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.createReferral(r)
}

func (s *MemoryStore) GetReferralByDeposit(_ context.Context, depositRef string) (*model.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getReferralByDeposit(depositRef)
}

func (s *MemoryStore) CreateTransfer(_ context.Context, t *model.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.createTransfer(t)
}

func (s *MemoryStore) GetTransfer(_ context.Context, id string) (*model.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getTransfer(id)
}

func (s *MemoryStore) ListTransfersByUser(_ context.Context, userID string) ([]model.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.listTransfersByUser(userID)
}

func (s *MemoryStore) CreateJob(_ context.Context, j *model.DistributionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.createJob(j)
}

func (s *MemoryStore) GetJob(_ context.Context, stakeID string) (*model.DistributionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getJob(stakeID)
}

func (s *MemoryStore) UpdateJob(_ context.Context, j *model.DistributionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.updateJob(j)
}

func (s *MemoryStore) AddCompanyStakes(_ context.Context, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.addCompanyStakes(amount)
}

func (s *MemoryStore) AddCompanyTransfers(_ context.Context, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.addCompanyTransfers(amount)
}

func (s *MemoryStore) GetCompanyMetrics(_ context.Context) (*model.CompanyMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getCompanyMetrics()
}

// --- Transactional view delegation ---

func (t *memTx) CreateUser(_ context.Context, u *model.User) error  { return t.state.createUser(u) }
func (t *memTx) GetUser(_ context.Context, id string) (*model.User, error) {
	return t.state.getUser(id)
}
func (t *memTx) GetUserByReferralCode(_ context.Context, code string) (*model.User, error) {
	return t.state.getUserByReferralCode(code)
}
func (t *memTx) UpdateUser(_ context.Context, u *model.User) error { return t.state.updateUser(u) }
func (t *memTx) CreateDeposit(_ context.Context, d *model.Deposit) error {
	return t.state.createDeposit(d)
}
func (t *memTx) GetDeposit(_ context.Context, ref string) (*model.Deposit, error) {
	return t.state.getDeposit(ref)
}
func (t *memTx) UpdateDeposit(_ context.Context, d *model.Deposit) error {
	return t.state.updateDeposit(d)
}
func (t *memTx) CreateStake(_ context.Context, s *model.Stake) error { return t.state.createStake(s) }
func (t *memTx) GetStake(_ context.Context, id string) (*model.Stake, error) {
	return t.state.getStake(id)
}
func (t *memTx) UpdateStake(_ context.Context, s *model.Stake) error { return t.state.updateStake(s) }
func (t *memTx) ListActiveStakes(_ context.Context, afterID string, limit int) ([]model.Stake, error) {
	return t.state.listActiveStakes(afterID, limit)
}
func (t *memTx) ListAccruableStakes(_ context.Context, cursor AccrualCursor, limit int) ([]model.Stake, error) {
	return t.state.listAccruableStakes(cursor, limit)
}
func (t *memTx) CreateReferral(_ context.Context, r *model.Referral) error {
	return t.state.createReferral(r)
}
func (t *memTx) GetReferralByDeposit(_ context.Context, ref string) (*model.Referral, error) {
	return t.state.getReferralByDeposit(ref)
}
func (t *memTx) CreateTransfer(_ context.Context, tr *model.Transfer) error {
	return t.state.createTransfer(tr)
}
func (t *memTx) GetTransfer(_ context.Context, id string) (*model.Transfer, error) {
	return t.state.getTransfer(id)
}
func (t *memTx) ListTransfersByUser(_ context.Context, userID string) ([]model.Transfer, error) {
	return t.state.listTransfersByUser(userID)
}
func (t *memTx) CreateJob(_ context.Context, j *model.DistributionJob) error {
	return t.state.createJob(j)
}
func (t *memTx) GetJob(_ context.Context, stakeID string) (*model.DistributionJob, error) {
	return t.state.getJob(stakeID)
}
func (t *memTx) UpdateJob(_ context.Context, j *model.DistributionJob) error {
	return t.state.updateJob(j)
}
func (t *memTx) AddCompanyStakes(_ context.Context, amount decimal.Decimal) error {
	return t.state.addCompanyStakes(amount)
}
func (t *memTx) AddCompanyTransfers(_ context.Context, amount decimal.Decimal) error {
	return t.state.addCompanyTransfers(amount)
}
func (t *memTx) GetCompanyMetrics(_ context.Context) (*model.CompanyMetrics, error) {
	return t.state.getCompanyMetrics()
}

// --- State operations (mutex already held) ---

func (st *memState) createUser(u *model.User) error {
	if _, ok := st.users[u.ID]; ok {
		return ErrAlreadyExists
	}
	st.users[u.ID] = copyUser(u)
	return nil
}

func (st *memState) getUser(id string) (*model.User, error) {
	u, ok := st.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

func (st *memState) getUserByReferralCode(code string) (*model.User, error) {
	if code == "" {
		return nil, ErrNotFound
	}
	for _, u := range st.users {
		if u.ReferralCode == code {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (st *memState) updateUser(u *model.User) error {
	if _, ok := st.users[u.ID]; !ok {
		return ErrNotFound
	}
	st.users[u.ID] = copyUser(u)
	return nil
}

func (st *memState) createDeposit(d *model.Deposit) error {
	if _, ok := st.deposits[d.Reference]; ok {
		return ErrAlreadyExists
	}
	cp := *d
	st.deposits[d.Reference] = &cp
	return nil
}

func (st *memState) getDeposit(ref string) (*model.Deposit, error) {
	d, ok := st.deposits[ref]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (st *memState) updateDeposit(d *model.Deposit) error {
	if _, ok := st.deposits[d.Reference]; !ok {
		return ErrNotFound
	}
	cp := *d
	st.deposits[d.Reference] = &cp
	return nil
}

func (st *memState) createStake(s *model.Stake) error {
	if _, ok := st.stakes[s.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *s
	st.stakes[s.ID] = &cp
	return nil
}

func (st *memState) getStake(id string) (*model.Stake, error) {
	s, ok := st.stakes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (st *memState) updateStake(s *model.Stake) error {
	if _, ok := st.stakes[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	st.stakes[s.ID] = &cp
	return nil
}

func (st *memState) listActiveStakes(afterID string, limit int) ([]model.Stake, error) {
	var out []model.Stake
	for _, s := range st.stakes {
		if s.Status == model.StakeActive && s.ID > afterID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (st *memState) listAccruableStakes(cursor AccrualCursor, limit int) ([]model.Stake, error) {
	var out []model.Stake
	for _, s := range st.stakes {
		if s.Status != model.StakeActive || s.RemainingDays <= 0 {
			continue
		}
		if s.RemainingDays < cursor.RemainingDays {
			continue
		}
		if s.RemainingDays == cursor.RemainingDays && s.ID <= cursor.ID {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RemainingDays != out[j].RemainingDays {
			return out[i].RemainingDays < out[j].RemainingDays
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (st *memState) createReferral(r *model.Referral) error {
	st.referrals = append(st.referrals, *r)
	return nil
}

func (st *memState) getReferralByDeposit(ref string) (*model.Referral, error) {
	for i := range st.referrals {
		if st.referrals[i].DepositRef == ref {
			cp := st.referrals[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (st *memState) createTransfer(t *model.Transfer) error {
	if _, ok := st.transfers[t.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *t
	st.transfers[t.ID] = &cp
	return nil
}

func (st *memState) getTransfer(id string) (*model.Transfer, error) {
	t, ok := st.transfers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (st *memState) listTransfersByUser(userID string) ([]model.Transfer, error) {
	var out []model.Transfer
	for _, t := range st.transfers {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *memState) createJob(j *model.DistributionJob) error {
	if _, ok := st.jobs[j.StakeID]; ok {
		return ErrAlreadyExists
	}
	cp := *j
	st.jobs[j.StakeID] = &cp
	return nil
}

func (st *memState) getJob(stakeID string) (*model.DistributionJob, error) {
	j, ok := st.jobs[stakeID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (st *memState) updateJob(j *model.DistributionJob) error {
	if _, ok := st.jobs[j.StakeID]; !ok {
		return ErrNotFound
	}
	cp := *j
	st.jobs[j.StakeID] = &cp
	return nil
}

func (st *memState) addCompanyStakes(amount decimal.Decimal) error {
	st.metrics.TotalCompanyStakes = st.metrics.TotalCompanyStakes.Add(amount)
	return nil
}

func (st *memState) addCompanyTransfers(amount decimal.Decimal) error {
	st.metrics.TotalCompanyTransfers = st.metrics.TotalCompanyTransfers.Add(amount)
	return nil
}

func (st *memState) getCompanyMetrics() (*model.CompanyMetrics, error) {
	cp := st.metrics
	return &cp, nil
}

// --- Snapshot support ---

func (st *memState) clone() memState {
	cp := memState{
		users:     make(map[string]*model.User, len(st.users)),
		deposits:  make(map[string]*model.Deposit, len(st.deposits)),
		stakes:    make(map[string]*model.Stake, len(st.stakes)),
		referrals: append([]model.Referral(nil), st.referrals...),
		transfers: make(map[string]*model.Transfer, len(st.transfers)),
		jobs:      make(map[string]*model.DistributionJob, len(st.jobs)),
		metrics:   st.metrics,
	}
	for k, v := range st.users {
		cp.users[k] = copyUser(v)
	}
	for k, v := range st.deposits {
		d := *v
		cp.deposits[k] = &d
	}
	for k, v := range st.stakes {
		s := *v
		cp.stakes[k] = &s
	}
	for k, v := range st.transfers {
		t := *v
		cp.transfers[k] = &t
	}
	for k, v := range st.jobs {
		j := *v
		cp.jobs[k] = &j
	}
	return cp
}

// copyUser copies a user including its referee-id slice so callers cannot
// mutate stored state through the returned pointer.
func copyUser(u *model.User) *model.User {
	cp := *u
	cp.PaidRefereeIDs = append([]string(nil), u.PaidRefereeIDs...)
	return &cp
}
