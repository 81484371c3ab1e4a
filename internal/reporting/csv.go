package reporting

import (
	"fmt"
	"strings"

	"commission-ledger/internal/domain"
)

// RenderCSV renders daily records as CSV string. Decimals keep full precision.
func RenderCSV(days []domain.DailyRecord) string {
	var sb strings.Builder

	// Header
	sb.WriteString("day,performance_percent,profit_amount,developer_fee,platform_fee,total_fee,fee_forgone,")
	sb.WriteString("simulation_balance,commission_balance,high_water_mark\n")

	// Rows
	for _, d := range days {
		sb.WriteString(fmt.Sprintf("%d,%s,%s,%s,%s,%s,%s,%s,%s,%s\n",
			d.Day,
			d.PerformancePercent,
			d.ProfitAmount,
			d.DeveloperFee,
			d.PlatformFee,
			d.TotalFee,
			d.FeeForgone,
			d.SimulationBalanceAfter,
			d.CommissionBalanceAfter,
			d.HighWaterMarkAfter,
		))
	}

	return sb.String()
}
