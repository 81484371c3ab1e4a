package domain

import "github.com/shopspring/decimal"

// FeeMode selects the base a gated day's commission is computed on.
type FeeMode string

const (
	// FeeModeFullProfit charges on the whole day's profit.
	FeeModeFullProfit FeeMode = "full_profit"
	// FeeModeExcessOverHWM charges only on the part of the new balance above the prior peak.
	FeeModeExcessOverHWM FeeMode = "excess_over_hwm"
)

// Valid reports whether m is a known fee mode.
func (m FeeMode) Valid() bool {
	return m == FeeModeFullProfit || m == FeeModeExcessOverHWM
}

// RateSchedule is the immutable commission configuration of one bot.
// DeveloperRate + PlatformRate == TotalRate is checked when the catalog loads.
type RateSchedule struct {
	BotID    string
	Name     string
	Strategy string

	TotalRate     decimal.Decimal // fraction of profit, e.g. 0.10
	DeveloperRate decimal.Decimal
	PlatformRate  decimal.Decimal

	MinDeposit      decimal.Decimal // commission asset units
	StartingBalance decimal.Decimal // simulation units
	FeeMode         FeeMode

	// AssetPrice converts a fee expressed in simulation units into
	// commission asset units: fee / AssetPrice. 1 means no conversion.
	AssetPrice decimal.Decimal

	DepositAddress   string
	DeveloperAddress string
	PlatformAddress  string
}
