package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"commission-ledger/internal/commission"
	"commission-ledger/internal/domain"
	"commission-ledger/internal/storage"
)

// The Plan functions are the pure state machine. Each takes the current
// position (nil when none exists) and returns the complete Commit that
// moves it to the next state, or an error and no Commit.

var hundred = decimal.NewFromInt(100)

// validAmount reports whether amount is positive and representable at AmountPlaces.
func validAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.Equal(domain.RoundAmount(amount))
}

// next returns a copy of cur with Version bumped and UpdatedAt set.
func next(cur *domain.Position, now time.Time) *domain.Position {
	p := cur.Clone()
	p.Version++
	p.UpdatedAt = now
	return p
}

// PlanActivate opens a new generation funded by amount.
// Valid when no position exists, or it is Uninitialized or Closed.
func PlanActivate(key domain.PositionKey, cur *domain.Position, s *domain.RateSchedule, amount decimal.Decimal, now time.Time) (*storage.Commit, error) {
	if !validAmount(amount) {
		return nil, fmt.Errorf("%w: deposit %s", ErrInvalidAmount, amount)
	}
	if amount.LessThan(s.MinDeposit) {
		return nil, fmt.Errorf("%w: %s < %s", ErrBelowMinimumDeposit, amount, s.MinDeposit)
	}

	var p *domain.Position
	var prevVersion int64
	if cur == nil {
		p = &domain.Position{
			UserID:              key.UserID,
			BotID:               key.BotID,
			TotalDeposited:      decimal.Zero,
			TotalCommissionPaid: decimal.Zero,
			TotalDeveloperFees:  decimal.Zero,
			TotalPlatformFees:   decimal.Zero,
			Version:             1,
			UpdatedAt:           now,
		}
	} else {
		switch cur.State {
		case domain.StateUninitialized, domain.StateClosed:
		default:
			return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyActive, cur.Key(), cur.State)
		}
		p = next(cur, now)
		prevVersion = cur.Version
	}

	p.State = domain.StateActive
	p.CommissionBalance = amount
	p.TotalDeposited = p.TotalDeposited.Add(amount)
	p.SimulationBalance = s.StartingBalance
	p.StartingBalance = s.StartingBalance
	p.HighWaterMark = s.StartingBalance
	p.TotalProfit = decimal.Zero
	p.CurrentDay = 0
	p.Generation++
	p.ActivatedAt = now

	snapshot := domain.DailyRecord{
		Day:                    0,
		PerformancePercent:     decimal.Zero,
		ProfitAmount:           decimal.Zero,
		DeveloperFee:           decimal.Zero,
		PlatformFee:            decimal.Zero,
		TotalFee:               decimal.Zero,
		FeeForgone:             decimal.Zero,
		SimulationBalanceAfter: p.SimulationBalance,
		CommissionBalanceAfter: p.CommissionBalance,
		HighWaterMarkAfter:     p.HighWaterMark,
		RecordedAt:             now,
	}
	p.History = []domain.DailyRecord{snapshot}

	return &storage.Commit{
		Position:    p,
		PrevVersion: prevVersion,
		Appended:    []domain.DailyRecord{snapshot},
	}, nil
}

// PlanTopup credits amount. Valid from Active or Depleted; Depleted becomes Active.
func PlanTopup(cur *domain.Position, amount decimal.Decimal, now time.Time) (*storage.Commit, error) {
	if cur == nil {
		return nil, ErrNotFound
	}
	if !validAmount(amount) {
		return nil, fmt.Errorf("%w: top-up %s", ErrInvalidAmount, amount)
	}
	if cur.State != domain.StateActive && cur.State != domain.StateDepleted {
		return nil, fmt.Errorf("%w: top-up from %s", ErrInvalidTransition, cur.State)
	}

	p := next(cur, now)
	p.CommissionBalance = p.CommissionBalance.Add(amount)
	p.TotalDeposited = p.TotalDeposited.Add(amount)
	if p.CommissionBalance.IsPositive() {
		p.State = domain.StateActive
	}

	return &storage.Commit{Position: p, PrevVersion: cur.Version}, nil
}

// PlanDay advances an Active position by one day with return r (percent).
func PlanDay(cur *domain.Position, s *domain.RateSchedule, r decimal.Decimal, now time.Time) (*storage.Commit, *domain.DailyRecord, error) {
	if err := checkAccessible(cur); err != nil {
		return nil, nil, err
	}

	profit := domain.RoundSimulation(cur.SimulationBalance.Mul(r).Div(hundred))
	newBalance := cur.SimulationBalance.Add(profit)

	fees, forgone := commission.Charge(s, profit, newBalance, cur.HighWaterMark, cur.CommissionBalance)

	p := next(cur, now)
	p.HighWaterMark = decimal.Max(cur.HighWaterMark, newBalance)
	p.SimulationBalance = newBalance
	p.TotalProfit = p.TotalProfit.Add(profit)
	p.CommissionBalance = p.CommissionBalance.Sub(fees.Total)
	p.TotalCommissionPaid = p.TotalCommissionPaid.Add(fees.Total)
	p.TotalDeveloperFees = p.TotalDeveloperFees.Add(fees.Developer)
	p.TotalPlatformFees = p.TotalPlatformFees.Add(fees.Platform)
	p.CurrentDay++
	if p.CommissionBalance.IsZero() {
		p.State = domain.StateDepleted
	}

	rec := domain.DailyRecord{
		Day:                    p.CurrentDay,
		PerformancePercent:     r,
		ProfitAmount:           profit,
		DeveloperFee:           fees.Developer,
		PlatformFee:            fees.Platform,
		TotalFee:               fees.Total,
		FeeForgone:             forgone,
		SimulationBalanceAfter: p.SimulationBalance,
		CommissionBalanceAfter: p.CommissionBalance,
		HighWaterMarkAfter:     p.HighWaterMark,
		RecordedAt:             now,
	}
	p.History = append(p.History, rec)

	return &storage.Commit{
		Position:    p,
		PrevVersion: cur.Version,
		Appended:    []domain.DailyRecord{rec},
	}, &rec, nil
}

func checkAccessible(cur *domain.Position) error {
	if cur == nil {
		return ErrNotFound
	}
	if !cur.IsAccessible() {
		return fmt.Errorf("%w: %s is %s with commission balance %s",
			ErrNotAccessible, cur.Key(), cur.State, cur.CommissionBalance)
	}
	return nil
}

// PlanWithdraw pays out the commission balance and closes the position.
// The simulation balance is discarded. Valid from Active or Depleted.
func PlanWithdraw(cur *domain.Position, now time.Time) (*storage.Commit, decimal.Decimal, error) {
	if cur == nil {
		return nil, decimal.Zero, ErrNotFound
	}
	amount := cur.CommissionBalance
	c, err := PlanPayout(cur, amount, now)
	return c, amount, err
}

// PlanPayout debits a settled withdrawal of amount. The position closes when
// nothing is left; a remainder credited after the withdrawal was requested
// stays on the open position. Valid from Active or Depleted.
func PlanPayout(cur *domain.Position, amount decimal.Decimal, now time.Time) (*storage.Commit, error) {
	if cur == nil {
		return nil, ErrNotFound
	}
	if cur.State != domain.StateActive && cur.State != domain.StateDepleted {
		return nil, fmt.Errorf("%w: withdraw from %s", ErrInvalidTransition, cur.State)
	}
	if amount.IsNegative() || amount.GreaterThan(cur.CommissionBalance) {
		return nil, fmt.Errorf("%w: payout %s exceeds commission balance %s", ErrInvalidAmount, amount, cur.CommissionBalance)
	}

	p := next(cur, now)
	p.CommissionBalance = cur.CommissionBalance.Sub(amount)
	if p.CommissionBalance.IsZero() {
		p.SimulationBalance = decimal.Zero
		p.State = domain.StateClosed
	}

	return &storage.Commit{Position: p, PrevVersion: cur.Version}, nil
}

// PlanWithdrawRequest records that a withdrawal is outstanding. The position
// is unchanged apart from its version, so writers that read it earlier conflict.
func PlanWithdrawRequest(cur *domain.Position, now time.Time) (*storage.Commit, error) {
	if cur == nil {
		return nil, ErrNotFound
	}
	if cur.State != domain.StateActive && cur.State != domain.StateDepleted {
		return nil, fmt.Errorf("%w: withdraw from %s", ErrInvalidTransition, cur.State)
	}
	return &storage.Commit{Position: next(cur, now), PrevVersion: cur.Version}, nil
}

// PlanReset refunds the commission balance and returns the position to
// Uninitialized at day 0 with the starting balance. The new generation starts
// with an empty history. Valid from every state.
func PlanReset(cur *domain.Position, now time.Time) (*storage.Commit, decimal.Decimal, error) {
	if cur == nil {
		return nil, decimal.Zero, ErrNotFound
	}

	refund := cur.CommissionBalance
	p := next(cur, now)
	p.State = domain.StateUninitialized
	p.CommissionBalance = decimal.Zero
	p.SimulationBalance = cur.StartingBalance
	p.HighWaterMark = cur.StartingBalance
	p.TotalProfit = decimal.Zero
	p.CurrentDay = 0
	p.Generation++
	p.History = nil

	return &storage.Commit{Position: p, PrevVersion: cur.Version}, refund, nil
}
