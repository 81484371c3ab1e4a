// Package commission decides whether a simulated day owes a fee and divides
// that fee between developer and platform.
//
// All functions are pure. Amounts are rounded half away from zero to
// domain.AmountPlaces; the developer share is rounded and the platform share
// takes the remainder, so Developer + Platform == Total always holds exactly.
package commission

import (
	"github.com/shopspring/decimal"

	"commission-ledger/internal/domain"
)

// Fees is one day's commission in commission asset units.
type Fees struct {
	Developer decimal.Decimal
	Platform  decimal.Decimal
	Total     decimal.Decimal
}

// IsZero reports whether no fee is due.
func (f Fees) IsZero() bool {
	return f.Total.IsZero()
}

// Gate reports whether a fee is due: the day made a profit and the new
// balance strictly exceeds the prior high-water mark.
func Gate(profit, newBalance, highWaterMark decimal.Decimal) bool {
	return profit.IsPositive() && newBalance.GreaterThan(highWaterMark)
}

// Base returns the simulation amount the fee is computed on.
// Callers must check Gate first.
func Base(mode domain.FeeMode, profit, newBalance, highWaterMark decimal.Decimal) decimal.Decimal {
	if mode == domain.FeeModeExcessOverHWM {
		return newBalance.Sub(highWaterMark)
	}
	return profit
}

// Split converts base into commission units and divides it by the schedule's rates.
func Split(base decimal.Decimal, s *domain.RateSchedule) Fees {
	if !base.IsPositive() || !s.TotalRate.IsPositive() {
		return Fees{Developer: decimal.Zero, Platform: decimal.Zero, Total: decimal.Zero}
	}

	price := s.AssetPrice
	if !price.IsPositive() {
		price = decimal.NewFromInt(1)
	}

	total := domain.RoundAmount(base.Mul(s.TotalRate).Div(price))
	dev := domain.RoundAmount(base.Mul(s.DeveloperRate).Div(price))
	return Fees{Developer: dev, Platform: total.Sub(dev), Total: total}
}

// Clamp caps fees at the available commission balance. When capped the
// available amount is re-split in the schedule's developer/platform ratio
// and the shortfall is returned as forgone.
func Clamp(f Fees, available decimal.Decimal, s *domain.RateSchedule) (Fees, decimal.Decimal) {
	if f.Total.LessThanOrEqual(available) {
		return f, decimal.Zero
	}
	if !available.IsPositive() {
		return Fees{Developer: decimal.Zero, Platform: decimal.Zero, Total: decimal.Zero}, f.Total
	}

	dev := domain.RoundAmount(available.Mul(s.DeveloperRate).Div(s.TotalRate))
	clamped := Fees{Developer: dev, Platform: available.Sub(dev), Total: available}
	return clamped, f.Total.Sub(available)
}

// Charge runs the whole gate → base → split → clamp pipeline for one day.
func Charge(s *domain.RateSchedule, profit, newBalance, highWaterMark, available decimal.Decimal) (Fees, decimal.Decimal) {
	if !Gate(profit, newBalance, highWaterMark) {
		return Fees{Developer: decimal.Zero, Platform: decimal.Zero, Total: decimal.Zero}, decimal.Zero
	}
	mode := s.FeeMode
	if !mode.Valid() {
		mode = domain.FeeModeFullProfit
	}
	return Clamp(Split(Base(mode, profit, newBalance, highWaterMark), s), available, s)
}
