// Package money implements the fee, interest, and bonus arithmetic for the
// stake product.
//
// All amounts are whole currency units: the product currency carries no
// minor unit, so every derived amount is rounded to zero decimal places at
// the moment it is computed. Fee reversal divides the gross payment by
// (1 + feeRate) rather than multiplying by (1 - feeRate), so that
// principal + fee reconstructs the gross amount exactly.
//
// All monetary values use shopspring/decimal, never float64.
package money

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidRate is returned when a rate is negative or a fee/daily
	// rate configuration cannot produce positive principals.
	ErrInvalidRate = errors.New("money: rate must be non-negative")

	// ErrInvalidTerm is returned when the stake term is not positive.
	ErrInvalidTerm = errors.New("money: stake term must be a positive number of days")
)

var one = decimal.NewFromInt(1)

// Params holds the product's rate configuration. It is stateless:
// amounts are passed as arguments, not stored.
type Params struct {
	feeRate   decimal.Decimal
	dailyRate decimal.Decimal
	bonusRate decimal.Decimal
	stakeDays int
}

// NewParams validates and builds the product rate configuration.
// feeRate is the deposit fee rate (e.g. 0.10 for 10%), dailyRate the daily
// return rate on principal, bonusRate the referral bonus rate on the gross
// deposit, and stakeDays the fixed term length.
func NewParams(feeRate, dailyRate, bonusRate decimal.Decimal, stakeDays int) (*Params, error) {
	if feeRate.IsNegative() || dailyRate.IsNegative() || bonusRate.IsNegative() {
		return nil, ErrInvalidRate
	}
	if stakeDays <= 0 {
		return nil, ErrInvalidTerm
	}
	return &Params{
		feeRate:   feeRate,
		dailyRate: dailyRate,
		bonusRate: bonusRate,
		stakeDays: stakeDays,
	}, nil
}

// StakeDays returns the fixed term length in days.
func (p *Params) StakeDays() int {
	return p.stakeDays
}

// DailyRate returns the daily return rate applied to stake principal.
func (p *Params) DailyRate() decimal.Decimal {
	return p.dailyRate
}

// BonusRate returns the referral bonus rate applied to gross deposits.
func (p *Params) BonusRate() decimal.Decimal {
	return p.bonusRate
}

// NetPrincipal reverses the deposit fee out of a gross payment:
// net = round(gross / (1 + feeRate)).
func (p *Params) NetPrincipal(gross decimal.Decimal) decimal.Decimal {
	return gross.Div(one.Add(p.feeRate)).Round(0)
}

// DepositFee is the part of the gross payment retained as fee:
// gross − NetPrincipal(gross). Computed by subtraction so the two parts
// always sum back to the gross amount.
func (p *Params) DepositFee(gross decimal.Decimal) decimal.Decimal {
	return gross.Sub(p.NetPrincipal(gross))
}

// DailyReturn is one day of interest on a stake principal:
// round(principal × dailyRate).
func (p *Params) DailyReturn(principal decimal.Decimal) decimal.Decimal {
	return principal.Mul(p.dailyRate).Round(0)
}

// ReferralBonus is the referrer's one-time bonus on a referee's gross
// deposit: round(gross × bonusRate).
func (p *Params) ReferralBonus(gross decimal.Decimal) decimal.Decimal {
	return gross.Mul(p.bonusRate).Round(0)
}
