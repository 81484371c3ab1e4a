// Package reporting renders the simulated history of a position as Markdown or CSV.
package reporting

import (
	"time"

	"github.com/shopspring/decimal"

	"commission-ledger/internal/domain"
)

// Report summarizes one position and its daily history.
type Report struct {
	GeneratedAt time.Time

	Bot      BotSummary
	Position PositionSummary
	Summary  Summary

	// Days excludes the activation snapshot, ordered by day.
	Days []domain.DailyRecord
}

// BotSummary describes the schedule the position was charged under.
type BotSummary struct {
	ID            string
	Name          string
	Strategy      string
	TotalRate     decimal.Decimal
	DeveloperRate decimal.Decimal
	PlatformRate  decimal.Decimal
	FeeMode       domain.FeeMode
}

// PositionSummary is the final state of the position.
type PositionSummary struct {
	UserID              string
	State               domain.PositionState
	Generation          int
	TotalDeposited      decimal.Decimal
	CommissionBalance   decimal.Decimal
	TotalCommissionPaid decimal.Decimal
	TotalDeveloperFees  decimal.Decimal
	TotalPlatformFees   decimal.Decimal
	StartingBalance     decimal.Decimal
	SimulationBalance   decimal.Decimal
	HighWaterMark       decimal.Decimal
	TotalProfit         decimal.Decimal
}

// Summary aggregates the daily history.
type Summary struct {
	Days        int
	GatedDays   int // days that charged a fee
	WinningDays int
	LosingDays  int
	BestDay     decimal.Decimal // percent
	WorstDay    decimal.Decimal // percent
	TotalFees   decimal.Decimal
	FeeForgone  decimal.Decimal
}

// Build assembles a report from a schedule, the final position and its history.
// Day 0 records in history are skipped.
func Build(s *domain.RateSchedule, p *domain.Position, history []domain.DailyRecord, now time.Time) *Report {
	r := &Report{
		GeneratedAt: now,
		Bot: BotSummary{
			ID:            s.BotID,
			Name:          s.Name,
			Strategy:      s.Strategy,
			TotalRate:     s.TotalRate,
			DeveloperRate: s.DeveloperRate,
			PlatformRate:  s.PlatformRate,
			FeeMode:       s.FeeMode,
		},
		Position: PositionSummary{
			UserID:              p.UserID,
			State:               p.State,
			Generation:          p.Generation,
			TotalDeposited:      p.TotalDeposited,
			CommissionBalance:   p.CommissionBalance,
			TotalCommissionPaid: p.TotalCommissionPaid,
			TotalDeveloperFees:  p.TotalDeveloperFees,
			TotalPlatformFees:   p.TotalPlatformFees,
			StartingBalance:     p.StartingBalance,
			SimulationBalance:   p.SimulationBalance,
			HighWaterMark:       p.HighWaterMark,
			TotalProfit:         p.TotalProfit,
		},
	}

	sum := Summary{TotalFees: decimal.Zero, FeeForgone: decimal.Zero}
	for _, d := range history {
		if d.Day == 0 {
			continue
		}
		r.Days = append(r.Days, d)

		if sum.Days == 0 || d.PerformancePercent.GreaterThan(sum.BestDay) {
			sum.BestDay = d.PerformancePercent
		}
		if sum.Days == 0 || d.PerformancePercent.LessThan(sum.WorstDay) {
			sum.WorstDay = d.PerformancePercent
		}
		sum.Days++

		switch d.ProfitAmount.Sign() {
		case 1:
			sum.WinningDays++
		case -1:
			sum.LosingDays++
		}
		if d.TotalFee.IsPositive() {
			sum.GatedDays++
		}
		sum.TotalFees = sum.TotalFees.Add(d.TotalFee)
		sum.FeeForgone = sum.FeeForgone.Add(d.FeeForgone)
	}
	r.Summary = sum
	return r
}
