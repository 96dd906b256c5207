package accrual

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/earnbase/stake-engine/internal/model"
	"github.com/earnbase/stake-engine/internal/money"
	"github.com/earnbase/stake-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestJob(t *testing.T, st store.Store) *Job {
	t.Helper()
	p, err := money.NewParams(d(0.1), d(0.1), d(0.2), 20)
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	return NewJob(st, p, nil)
}

func seedStake(t *testing.T, st store.Store, id, userID string, principal float64, remaining int) {
	t.Helper()
	ctx := context.Background()
	if _, err := st.GetUser(ctx, userID); errors.Is(err, store.ErrNotFound) {
		if err := st.CreateUser(ctx, &model.User{ID: userID}); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	err := st.CreateStake(ctx, &model.Stake{
		ID:            id,
		UserID:        userID,
		Principal:     d(principal),
		DailyRate:     d(0.1),
		TotalDays:     20,
		RemainingDays: remaining,
		EarnedSoFar:   decimal.Zero,
		Status:        model.StakeActive,
	})
	if err != nil {
		t.Fatalf("seed stake %s: %v", id, err)
	}
}

func TestRun_CreditsOneDayPerStake(t *testing.T) {
	st := store.NewMemoryStore()
	seedStake(t, st, "DEP-1", "u1", 2000, 20)
	seedStake(t, st, "DEP-2", "u2", 1000, 5)

	job := newTestJob(t, st)
	report, err := job.Run(context.Background(), "2025-06-01")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Processed != 2 || report.Failed != 0 || report.Skipped != 0 {
		t.Errorf("report = %+v", report)
	}
	if !report.TotalAccrued.Equal(d(300)) { // 200 + 100
		t.Errorf("total accrued = %s, want 300", report.TotalAccrued)
	}

	ctx := context.Background()
	u1, _ := st.GetUser(ctx, "u1")
	if !u1.ReturnsWallet.Equal(d(200)) {
		t.Errorf("u1 wallet = %s, want 200", u1.ReturnsWallet)
	}
	if !u1.AccountBalance.IsZero() {
		t.Error("accrual must land in the locked wallet, not balance")
	}

	s1, _ := st.GetStake(ctx, "DEP-1")
	if s1.RemainingDays != 19 {
		t.Errorf("remaining days = %d, want 19", s1.RemainingDays)
	}
	if !s1.EarnedSoFar.Equal(d(200)) {
		t.Errorf("earned = %s, want 200", s1.EarnedSoFar)
	}
	if s1.LastProcessedDate != "2025-06-01" {
		t.Errorf("last processed = %q", s1.LastProcessedDate)
	}
}

func TestRun_SameDateIsNoOp(t *testing.T) {
	st := store.NewMemoryStore()
	seedStake(t, st, "DEP-1", "u1", 2000, 20)

	job := newTestJob(t, st)
	ctx := context.Background()
	if _, err := job.Run(ctx, "2025-06-01"); err != nil {
		t.Fatalf("first run: %v", err)
	}

	report, err := job.Run(ctx, "2025-06-01")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Processed != 0 || report.Skipped != 1 {
		t.Errorf("second run report = %+v, want all skipped", report)
	}

	u1, _ := st.GetUser(ctx, "u1")
	if !u1.ReturnsWallet.Equal(d(200)) {
		t.Errorf("wallet after rerun = %s, want 200 (no double accrual)", u1.ReturnsWallet)
	}
	s1, _ := st.GetStake(ctx, "DEP-1")
	if s1.RemainingDays != 19 {
		t.Errorf("remaining days after rerun = %d, want 19", s1.RemainingDays)
	}
}

func TestRun_ConsecutiveDatesAccrueSeparately(t *testing.T) {
	st := store.NewMemoryStore()
	seedStake(t, st, "DEP-1", "u1", 2000, 20)

	job := newTestJob(t, st)
	ctx := context.Background()
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, err := job.Run(ctx, day.AddDate(0, 0, i).Format(model.DateLayout)); err != nil {
			t.Fatalf("run day %d: %v", i, err)
		}
	}

	u1, _ := st.GetUser(ctx, "u1")
	if !u1.ReturnsWallet.Equal(d(600)) {
		t.Errorf("wallet after 3 days = %s, want 600", u1.ReturnsWallet)
	}
	s1, _ := st.GetStake(ctx, "DEP-1")
	if s1.RemainingDays != 17 {
		t.Errorf("remaining days = %d, want 17", s1.RemainingDays)
	}
}

func TestRun_FinalDayCompletesStake(t *testing.T) {
	st := store.NewMemoryStore()
	seedStake(t, st, "DEP-1", "u1", 2000, 1)

	job := newTestJob(t, st)
	ctx := context.Background()
	report, err := job.Run(ctx, "2025-06-01")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Completed != 1 {
		t.Errorf("completed = %d, want 1", report.Completed)
	}

	s1, _ := st.GetStake(ctx, "DEP-1")
	if s1.Status != model.StakeCompleted || s1.RemainingDays != 0 {
		t.Errorf("stake status=%q remaining=%d", s1.Status, s1.RemainingDays)
	}

	// A completed stake earns nothing the next day.
	report, err = job.Run(ctx, "2025-06-02")
	if err != nil {
		t.Fatalf("next day run: %v", err)
	}
	if report.Processed != 0 {
		t.Errorf("completed stake accrued again: %+v", report)
	}
	u1, _ := st.GetUser(ctx, "u1")
	if !u1.ReturnsWallet.Equal(d(200)) {
		t.Errorf("wallet = %s, want 200", u1.ReturnsWallet)
	}
}

func TestRun_FullTermEarnsDoublePrincipal(t *testing.T) {
	st := store.NewMemoryStore()
	seedStake(t, st, "DEP-1", "u1", 2000, 20)

	job := newTestJob(t, st)
	ctx := context.Background()
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ { // extra days past completion are no-ops
		if _, err := job.Run(ctx, day.AddDate(0, 0, i).Format(model.DateLayout)); err != nil {
			t.Fatalf("run day %d: %v", i, err)
		}
	}

	u1, _ := st.GetUser(ctx, "u1")
	if !u1.ReturnsWallet.Equal(d(4000)) { // 2000 x 10% x 20 days
		t.Errorf("wallet after full term = %s, want 4000", u1.ReturnsWallet)
	}
	s1, _ := st.GetStake(ctx, "DEP-1")
	if !s1.EarnedSoFar.Equal(d(4000)) || s1.Status != model.StakeCompleted {
		t.Errorf("earned=%s status=%q", s1.EarnedSoFar, s1.Status)
	}
}

func TestRun_PagesThroughManyStakes(t *testing.T) {
	st := store.NewMemoryStore()
	for i := 0; i < 7; i++ {
		id := string(rune('a' + i))
		seedStake(t, st, "DEP-"+id, "u-"+id, 1000, 3+i)
	}

	job := newTestJob(t, st)
	job.pageSize = 3
	report, err := job.Run(context.Background(), "2025-06-01")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Processed != 7 {
		t.Errorf("processed = %d, want 7", report.Processed)
	}
	if !report.TotalAccrued.Equal(d(700)) {
		t.Errorf("total accrued = %s, want 700", report.TotalAccrued)
	}
}

func TestRun_RejectsBadDate(t *testing.T) {
	st := store.NewMemoryStore()
	job := newTestJob(t, st)
	if _, err := job.Run(context.Background(), "June 1st"); !errors.Is(err, ErrInvalidDate) {
		t.Fatalf("err = %v, want ErrInvalidDate", err)
	}
}
