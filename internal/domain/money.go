package domain

import "github.com/shopspring/decimal"

// Precision of persisted quantities.
const (
	// AmountPlaces is the precision of commission-side amounts (lamports).
	AmountPlaces int32 = 9
	// SimulationPlaces is the precision of simulation-side balances.
	SimulationPlaces int32 = 8
	// ReturnPlaces is the precision of daily return percentages.
	ReturnPlaces int32 = 2
)

// RoundAmount rounds a commission-side amount half away from zero.
func RoundAmount(d decimal.Decimal) decimal.Decimal {
	return d.Round(AmountPlaces)
}

// RoundSimulation rounds a simulation-side balance half away from zero.
func RoundSimulation(d decimal.Decimal) decimal.Decimal {
	return d.Round(SimulationPlaces)
}
