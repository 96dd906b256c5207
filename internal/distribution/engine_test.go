package distribution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/earnbase/stake-engine/internal/model"
	"github.com/earnbase/stake-engine/internal/store"
	"github.com/earnbase/stake-engine/internal/transferkey"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestEngine(st store.Store) *Engine {
	e := NewEngine(st, nil)
	e.now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}
	return e
}

func seedUser(t *testing.T, st store.Store, id string, wallet float64) {
	t.Helper()
	err := st.CreateUser(context.Background(), &model.User{
		ID:            id,
		ReturnsWallet: d(wallet),
		ReferralCode:  "code-" + id,
	})
	if err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
}

func seedStake(t *testing.T, st store.Store, id, userID string, principal float64) {
	t.Helper()
	err := st.CreateStake(context.Background(), &model.Stake{
		ID:            id,
		UserID:        userID,
		Principal:     d(principal),
		DailyRate:     d(0.1),
		TotalDays:     20,
		RemainingDays: 20,
		Status:        model.StakeActive,
	})
	if err != nil {
		t.Fatalf("seed stake %s: %v", id, err)
	}
}

func TestRun_RationsPoolAcrossActiveStakes(t *testing.T) {
	st := store.NewMemoryStore()
	// Four users, equal principal; everyone has locked returns to unlock.
	for _, id := range []string{"u1", "u2", "u3", "u4"} {
		seedUser(t, st, id, 500)
		seedStake(t, st, "DEP-"+id, id, 1000)
	}

	e := newTestEngine(st)
	sum, err := e.Run(context.Background(), "DEP-u1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Pool of 1000 over equal shares: 250 per user.
	if got, want := sum.Distributed, d(1000); !got.Equal(want) {
		t.Errorf("distributed = %s, want %s", got, want)
	}
	if sum.TotalUsers != 4 {
		t.Errorf("total users = %d, want 4", sum.TotalUsers)
	}
	if sum.Reason != model.ReasonNormal {
		t.Errorf("reason = %q, want %q", sum.Reason, model.ReasonNormal)
	}

	for _, id := range []string{"u1", "u2", "u3", "u4"} {
		u, err := st.GetUser(context.Background(), id)
		if err != nil {
			t.Fatalf("get user %s: %v", id, err)
		}
		if !u.AccountBalance.Equal(d(250)) {
			t.Errorf("user %s balance = %s, want 250", id, u.AccountBalance)
		}
		if !u.ReturnsWallet.Equal(d(250)) {
			t.Errorf("user %s wallet = %s, want 250", id, u.ReturnsWallet)
		}
	}

	stake, err := st.GetStake(context.Background(), "DEP-u1")
	if err != nil {
		t.Fatalf("get stake: %v", err)
	}
	if !stake.DistributionProcessed {
		t.Error("stake not marked distribution-processed")
	}
	if !stake.DistributedAmount.Equal(d(1000)) {
		t.Errorf("distributed amount = %s, want 1000", stake.DistributedAmount)
	}

	job, err := st.GetJob(context.Background(), "DEP-u1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if !job.Done || job.Locked {
		t.Errorf("job done=%v locked=%v, want done and unlocked", job.Done, job.Locked)
	}
}

func TestRun_ReferralBonusComesOffTheTop(t *testing.T) {
	st := store.NewMemoryStore()
	seedUser(t, st, "referrer", 440)
	seedUser(t, st, "referee", 0)
	seedStake(t, st, "DEP-1", "referee", 2000)
	err := st.CreateReferral(context.Background(), &model.Referral{
		ReferrerID:  "referrer",
		RefereeID:   "referee",
		DepositRef:  "DEP-1",
		GrossAmount: d(2200),
		Rate:        d(0.2),
		Bonus:       d(440),
	})
	if err != nil {
		t.Fatalf("seed referral: %v", err)
	}

	e := newTestEngine(st)
	sum, err := e.Run(context.Background(), "DEP-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !sum.ReferralMoved.Equal(d(440)) {
		t.Errorf("referral moved = %s, want 440", sum.ReferralMoved)
	}
	// Remaining pool 1560 goes to the sole active staker, capped at their
	// wallet of 0: nothing else moves.
	if !sum.Distributed.Equal(d(0)) {
		t.Errorf("distributed = %s, want 0", sum.Distributed)
	}
	if !sum.TotalMoved.Equal(d(440)) {
		t.Errorf("total moved = %s, want 440", sum.TotalMoved)
	}

	referrer, _ := st.GetUser(context.Background(), "referrer")
	if !referrer.AccountBalance.Equal(d(440)) || !referrer.ReturnsWallet.Equal(d(0)) {
		t.Errorf("referrer balance=%s wallet=%s, want 440/0", referrer.AccountBalance, referrer.ReturnsWallet)
	}
}

func TestRun_ReferralCappedByWallet(t *testing.T) {
	st := store.NewMemoryStore()
	seedUser(t, st, "referrer", 100) // less than the 440 bonus
	seedUser(t, st, "referee", 0)
	seedStake(t, st, "DEP-1", "referee", 2000)
	err := st.CreateReferral(context.Background(), &model.Referral{
		ReferrerID: "referrer",
		RefereeID:  "referee",
		DepositRef: "DEP-1",
		Bonus:      d(440),
	})
	if err != nil {
		t.Fatalf("seed referral: %v", err)
	}

	e := newTestEngine(st)
	sum, err := e.Run(context.Background(), "DEP-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sum.ReferralMoved.Equal(d(100)) {
		t.Errorf("referral moved = %s, want 100", sum.ReferralMoved)
	}
}

func TestRun_TotalNeverExceedsPrincipal(t *testing.T) {
	st := store.NewMemoryStore()
	seedUser(t, st, "referrer", 10000)
	// Awkward principals so flooring matters.
	seedUser(t, st, "u1", 10000)
	seedUser(t, st, "u2", 10000)
	seedUser(t, st, "u3", 10000)
	seedStake(t, st, "DEP-u1", "u1", 997)
	seedStake(t, st, "DEP-u2", "u2", 331)
	seedStake(t, st, "DEP-u3", "u3", 17)
	err := st.CreateReferral(context.Background(), &model.Referral{
		ReferrerID: "referrer",
		RefereeID:  "u1",
		DepositRef: "DEP-u1",
		Bonus:      d(199),
	})
	if err != nil {
		t.Fatalf("seed referral: %v", err)
	}

	e := newTestEngine(st)
	sum, err := e.Run(context.Background(), "DEP-u1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.TotalMoved.GreaterThan(d(997)) {
		t.Errorf("total moved %s exceeds stake principal 997", sum.TotalMoved)
	}
}

func TestRun_CompletedJobIsTerminal(t *testing.T) {
	st := store.NewMemoryStore()
	seedUser(t, st, "u1", 500)
	seedStake(t, st, "DEP-u1", "u1", 1000)

	e := newTestEngine(st)
	if _, err := e.Run(context.Background(), "DEP-u1"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	u1, _ := st.GetUser(context.Background(), "u1")
	balanceAfterFirst := u1.AccountBalance

	_, err := e.Run(context.Background(), "DEP-u1")
	if !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("second run err = %v, want ErrAlreadyCompleted", err)
	}

	u1, _ = st.GetUser(context.Background(), "u1")
	if !u1.AccountBalance.Equal(balanceAfterFirst) {
		t.Errorf("balance moved on replayed run: %s -> %s", balanceAfterFirst, u1.AccountBalance)
	}
}

func TestRun_LiveLeaseRejected(t *testing.T) {
	st := store.NewMemoryStore()
	seedUser(t, st, "u1", 500)
	seedStake(t, st, "DEP-u1", "u1", 1000)

	e := newTestEngine(st)
	err := st.CreateJob(context.Background(), &model.DistributionJob{
		StakeID:     "DEP-u1",
		Locked:      true,
		LockedUntil: e.now().Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}

	if _, err := e.Run(context.Background(), "DEP-u1"); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("err = %v, want ErrAlreadyLocked", err)
	}
}

func TestRun_ExpiredLeaseReclaimed(t *testing.T) {
	st := store.NewMemoryStore()
	seedUser(t, st, "u1", 500)
	seedStake(t, st, "DEP-u1", "u1", 1000)

	e := newTestEngine(st)
	err := st.CreateJob(context.Background(), &model.DistributionJob{
		StakeID:          "DEP-u1",
		Locked:           true,
		LockedUntil:      e.now().Add(-time.Minute), // stale
		TotalDistributed: decimal.Zero,
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}

	sum, err := e.Run(context.Background(), "DEP-u1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sum.Distributed.Equal(d(500)) { // capped by u1's wallet
		t.Errorf("distributed = %s, want 500", sum.Distributed)
	}
}

func TestRun_ResumesFromCursorWithoutDoublePay(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"u1", "u2", "u3"} {
		seedUser(t, st, id, 1000)
		seedStake(t, st, "DEP-"+id, id, 900)
	}

	e := newTestEngine(st)

	// Simulate a run that crashed after paying u1: transfer recorded,
	// cursor at u1, lease expired.
	// Pool 900 over 2700 total principal: 300 per user.
	err := st.CreateTransfer(ctx, &model.Transfer{
		ID:     transferkey.Distribution("DEP-u1", "u1"),
		UserID: "u1",
		Amount: d(300),
		Type:   model.TransferUnlock,
		Source: "DEP-u1",
	})
	if err != nil {
		t.Fatalf("seed transfer: %v", err)
	}
	u1, _ := st.GetUser(ctx, "u1")
	u1.ReturnsWallet = u1.ReturnsWallet.Sub(d(300))
	u1.AccountBalance = u1.AccountBalance.Add(d(300))
	if err := st.UpdateUser(ctx, u1); err != nil {
		t.Fatalf("seed user state: %v", err)
	}
	err = st.CreateJob(ctx, &model.DistributionJob{
		StakeID:          "DEP-u1",
		Locked:           true,
		LockedUntil:      e.now().Add(-time.Minute),
		Cursor:           "u1",
		TotalDistributed: d(300),
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}

	sum, err := e.Run(ctx, "DEP-u1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sum.Distributed.Equal(d(900)) {
		t.Errorf("distributed = %s, want 900", sum.Distributed)
	}

	u1, _ = st.GetUser(ctx, "u1")
	if !u1.AccountBalance.Equal(d(300)) {
		t.Errorf("u1 paid twice: balance = %s, want 300", u1.AccountBalance)
	}
	for _, id := range []string{"u2", "u3"} {
		u, _ := st.GetUser(ctx, id)
		if !u.AccountBalance.Equal(d(300)) {
			t.Errorf("user %s balance = %s, want 300", id, u.AccountBalance)
		}
	}
}

func TestRun_InvalidPrincipalIsTerminal(t *testing.T) {
	st := store.NewMemoryStore()
	seedUser(t, st, "u1", 500)
	err := st.CreateStake(context.Background(), &model.Stake{
		ID:        "DEP-bad",
		UserID:    "u1",
		Principal: d(0),
		Status:    model.StakeActive,
	})
	if err != nil {
		t.Fatalf("seed stake: %v", err)
	}

	e := newTestEngine(st)
	sum, err := e.Run(context.Background(), "DEP-bad")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Reason != model.ReasonInvalidPrincipal {
		t.Errorf("reason = %q, want %q", sum.Reason, model.ReasonInvalidPrincipal)
	}

	job, err := st.GetJob(context.Background(), "DEP-bad")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if !job.Done || job.Reason != model.ReasonInvalidPrincipal {
		t.Errorf("job done=%v reason=%q", job.Done, job.Reason)
	}

	stake, _ := st.GetStake(context.Background(), "DEP-bad")
	if stake.DistributionProcessed {
		t.Error("stake must not be marked processed on invalid principal")
	}

	if _, err := e.Run(context.Background(), "DEP-bad"); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("rerun err = %v, want ErrAlreadyCompleted", err)
	}
}

func TestRun_UnknownStake(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEngine(st)
	if _, err := e.Run(context.Background(), "nope"); !errors.Is(err, ErrStakeNotFound) {
		t.Fatalf("err = %v, want ErrStakeNotFound", err)
	}
}

func TestRun_MultipleStakesPerUserAggregate(t *testing.T) {
	st := store.NewMemoryStore()
	seedUser(t, st, "u1", 10000)
	seedUser(t, st, "u2", 10000)
	seedStake(t, st, "DEP-a", "u1", 600)
	seedStake(t, st, "DEP-b", "u1", 400) // u1 holds 1000 total
	seedStake(t, st, "DEP-c", "u2", 1000)

	e := newTestEngine(st)
	sum, err := e.Run(context.Background(), "DEP-c")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Pool 1000 over 2000: each user holds half.
	if !sum.Distributed.Equal(d(1000)) {
		t.Errorf("distributed = %s, want 1000", sum.Distributed)
	}
	u1, _ := st.GetUser(context.Background(), "u1")
	if !u1.AccountBalance.Equal(d(500)) {
		t.Errorf("u1 balance = %s, want 500", u1.AccountBalance)
	}
}
