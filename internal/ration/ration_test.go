package ration

import (
	"testing"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestNewPlan_NegativePool(t *testing.T) {
	if _, err := NewPlan(d(-1), d(100)); err != ErrInvalidPool {
		t.Errorf("expected ErrInvalidPool, got %v", err)
	}
}

func TestNewPlan_ZeroPrincipal(t *testing.T) {
	if _, err := NewPlan(d(100), d(0)); err != ErrNoPrincipal {
		t.Errorf("expected ErrNoPrincipal, got %v", err)
	}
}

func TestTarget_EqualShares(t *testing.T) {
	// Four users with equal principal split a 1000 pool evenly.
	plan, err := NewPlan(d(1000), d(8000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 4; i++ {
		target := plan.Target(d(2000))
		if !target.Equal(d(250)) {
			t.Errorf("expected target 250, got %s", target)
		}
	}
}

func TestTarget_ProportionalToPrincipal(t *testing.T) {
	plan, _ := NewPlan(d(1000), d(10000))

	small := plan.Target(d(1000))
	large := plan.Target(d(4000))

	if !small.Equal(d(100)) {
		t.Errorf("expected 100 for a 10%% share, got %s", small)
	}
	if !large.Equal(d(400)) {
		t.Errorf("expected 400 for a 40%% share, got %s", large)
	}
}

func TestTarget_SumNeverExceedsPool(t *testing.T) {
	// Awkward shares that do not divide evenly: flooring must keep the
	// aggregate under the pool.
	principals := []float64{317, 1250, 999, 4501, 73, 2860}
	total := decimal.Zero
	for _, p := range principals {
		total = total.Add(d(p))
	}

	plan, err := NewPlan(d(777), total)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sum := decimal.Zero
	for _, p := range principals {
		target := plan.Target(d(p))
		if target.IsNegative() {
			t.Fatalf("negative target for principal %v", p)
		}
		sum = sum.Add(target)
	}

	if sum.GreaterThan(d(777)) {
		t.Errorf("allocated %s from a pool of 777", sum)
	}
}

func TestTarget_WholeUnits(t *testing.T) {
	plan, _ := NewPlan(d(100), d(3))

	target := plan.Target(d(1))
	if !target.Equal(d(33)) {
		t.Errorf("expected floored target 33, got %s", target)
	}
}

func TestTarget_ZeroPrincipalUser(t *testing.T) {
	plan, _ := NewPlan(d(1000), d(5000))
	if !plan.Target(decimal.Zero).IsZero() {
		t.Error("zero principal should yield zero target")
	}
}

func TestTake_CappedByWallet(t *testing.T) {
	if got := Take(d(250), d(100)); !got.Equal(d(100)) {
		t.Errorf("expected wallet-capped 100, got %s", got)
	}
	if got := Take(d(250), d(900)); !got.Equal(d(250)) {
		t.Errorf("expected full target 250, got %s", got)
	}
	if got := Take(d(250), decimal.Zero); !got.IsZero() {
		t.Errorf("expected 0 for empty wallet, got %s", got)
	}
	if got := Take(decimal.Zero, d(900)); !got.IsZero() {
		t.Errorf("expected 0 for zero target, got %s", got)
	}
}
