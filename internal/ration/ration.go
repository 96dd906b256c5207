// Package ration implements the allocation math for the principal-funded
// unlock sweep.
//
// A new stake's principal (minus the referral bonus already paid) forms a
// pool that is rationed across every user holding an active stake. The
// split is proportional to each user's share of the total active
// principal: a user staking twice as much unlocks twice as large a slice.
// Targets are rounded DOWN to whole currency units, which guarantees the
// sum of all targets never exceeds the pool.
//
// The amount actually moved for a user is additionally capped by that
// user's locked returns balance at the moment of the move (no overdraft).
package ration

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidPool is returned when the pool is negative.
	ErrInvalidPool = errors.New("ration: pool must be non-negative")

	// ErrNoPrincipal is returned when there is no active principal to
	// apportion against.
	ErrNoPrincipal = errors.New("ration: total active principal must be positive")
)

// Plan apportions a fixed pool across users proportionally to their share
// of the total active principal. It is stateless: user principals are
// passed as arguments, not stored.
type Plan struct {
	pool           decimal.Decimal
	totalPrincipal decimal.Decimal
}

// NewPlan creates an allocation plan for one distribution run.
func NewPlan(pool, totalPrincipal decimal.Decimal) (*Plan, error) {
	if pool.IsNegative() {
		return nil, ErrInvalidPool
	}
	if totalPrincipal.LessThanOrEqual(decimal.Zero) {
		return nil, ErrNoPrincipal
	}
	return &Plan{pool: pool, totalPrincipal: totalPrincipal}, nil
}

// Pool returns the total amount available to distribute.
func (p *Plan) Pool() decimal.Decimal {
	return p.pool
}

// Target returns one user's slice of the pool:
// floor(pool × userPrincipal / totalPrincipal).
// Because each target is floored, Σ Target over disjoint principal shares
// is ≤ pool.
func (p *Plan) Target(userPrincipal decimal.Decimal) decimal.Decimal {
	if userPrincipal.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return p.pool.Mul(userPrincipal).Div(p.totalPrincipal).RoundDown(0)
}

// Take caps a target by the wallet balance actually available:
// min(target, wallet), floored at zero.
func Take(target, wallet decimal.Decimal) decimal.Decimal {
	if target.LessThanOrEqual(decimal.Zero) || wallet.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	if wallet.LessThan(target) {
		return wallet
	}
	return target
}
