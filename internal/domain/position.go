package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionState is the lifecycle state of a (user, bot) position.
type PositionState string

const (
	StateUninitialized PositionState = "UNINITIALIZED"
	StateActive        PositionState = "ACTIVE"
	StateDepleted      PositionState = "DEPLETED"
	StateClosed        PositionState = "CLOSED"
)

// PositionKey identifies a position.
type PositionKey struct {
	UserID string
	BotID  string
}

// String returns "user/bot".
func (k PositionKey) String() string {
	return k.UserID + "/" + k.BotID
}

// Position is the authoritative ledger record of one user on one bot.
type Position struct {
	UserID string
	BotID  string
	State  PositionState

	// Commission side (real asset).
	CommissionBalance   decimal.Decimal
	TotalDeposited      decimal.Decimal
	TotalCommissionPaid decimal.Decimal
	TotalDeveloperFees  decimal.Decimal
	TotalPlatformFees   decimal.Decimal

	// Simulation side (virtual currency).
	SimulationBalance decimal.Decimal
	StartingBalance   decimal.Decimal
	HighWaterMark     decimal.Decimal
	TotalProfit       decimal.Decimal
	CurrentDay        int

	Generation int   // bumped on activation and reset
	Version    int64 // bumped on every commit

	History []DailyRecord

	ActivatedAt time.Time
	UpdatedAt   time.Time
}

// Key returns the position key.
func (p *Position) Key() PositionKey {
	return PositionKey{UserID: p.UserID, BotID: p.BotID}
}

// IsAccessible reports whether the simulation may be advanced.
func (p *Position) IsAccessible() bool {
	return p.State == StateActive && p.CommissionBalance.IsPositive()
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	if p.History != nil {
		c.History = make([]DailyRecord, len(p.History))
		copy(c.History, p.History)
	}
	return &c
}

// DailyRecord is one immutable entry of a position's history.
// Day 0 is the activation snapshot.
type DailyRecord struct {
	Day                int
	PerformancePercent decimal.Decimal
	ProfitAmount       decimal.Decimal

	DeveloperFee decimal.Decimal
	PlatformFee  decimal.Decimal
	TotalFee     decimal.Decimal
	FeeForgone   decimal.Decimal // fee not charged because the balance ran out

	SimulationBalanceAfter decimal.Decimal
	CommissionBalanceAfter decimal.Decimal
	HighWaterMarkAfter     decimal.Decimal

	RecordedAt time.Time
}
