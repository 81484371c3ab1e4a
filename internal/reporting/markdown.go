package reporting

import (
	"fmt"
	"strings"
	"time"
)

// RenderMarkdown renders report as Markdown string.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder

	// Header
	sb.WriteString(fmt.Sprintf("# Simulation Report: %s\n\n", r.Bot.Name))
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Bot: %s (%s) | Strategy: %s | Fee mode: %s\n\n",
		r.Bot.Name, r.Bot.ID, r.Bot.Strategy, r.Bot.FeeMode))

	// Commission schedule
	sb.WriteString("## Commission\n\n")
	sb.WriteString("| Beneficiary | Rate |\n")
	sb.WriteString("|-------------|------|\n")
	sb.WriteString(fmt.Sprintf("| Developer | %s%% |\n", r.Bot.DeveloperRate.Shift(2)))
	sb.WriteString(fmt.Sprintf("| Platform | %s%% |\n", r.Bot.PlatformRate.Shift(2)))
	sb.WriteString(fmt.Sprintf("| **Total** | **%s%%** |\n", r.Bot.TotalRate.Shift(2)))
	sb.WriteString("\n")

	// Position
	p := r.Position
	sb.WriteString("## Position\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| State | %s |\n", p.State))
	sb.WriteString(fmt.Sprintf("| Generation | %d |\n", p.Generation))
	sb.WriteString(fmt.Sprintf("| Total Deposited | %s |\n", p.TotalDeposited))
	sb.WriteString(fmt.Sprintf("| Commission Balance | %s |\n", p.CommissionBalance))
	sb.WriteString(fmt.Sprintf("| Commission Paid | %s |\n", p.TotalCommissionPaid))
	sb.WriteString(fmt.Sprintf("| Developer Fees | %s |\n", p.TotalDeveloperFees))
	sb.WriteString(fmt.Sprintf("| Platform Fees | %s |\n", p.TotalPlatformFees))
	sb.WriteString(fmt.Sprintf("| Starting Balance | %s |\n", p.StartingBalance.StringFixed(2)))
	sb.WriteString(fmt.Sprintf("| Simulation Balance | %s |\n", p.SimulationBalance.StringFixed(2)))
	sb.WriteString(fmt.Sprintf("| High-Water Mark | %s |\n", p.HighWaterMark.StringFixed(2)))
	sb.WriteString(fmt.Sprintf("| Total P/L | %s |\n", p.TotalProfit.StringFixed(2)))
	sb.WriteString("\n")

	// Summary
	s := r.Summary
	sb.WriteString("## Summary\n\n")
	if s.Days == 0 {
		sb.WriteString("No days simulated.\n\n")
		return sb.String()
	}
	sb.WriteString("| Days | Winning | Losing | Charged | Best % | Worst % | Fees | Forgone |\n")
	sb.WriteString("|------|---------|--------|---------|--------|---------|------|---------|\n")
	sb.WriteString(fmt.Sprintf("| %d | %d | %d | %d | %s | %s | %s | %s |\n",
		s.Days, s.WinningDays, s.LosingDays, s.GatedDays,
		s.BestDay.StringFixed(2), s.WorstDay.StringFixed(2), s.TotalFees, s.FeeForgone))
	sb.WriteString("\n")
	if s.FeeForgone.IsPositive() {
		sb.WriteString("**Commission balance ran out.** Part of the fee was forgone.\n\n")
	}

	// Daily history
	sb.WriteString("## Daily History\n\n")
	sb.WriteString("| Day | Return % | Profit | Developer | Platform | Forgone | Sim Balance | Commission |\n")
	sb.WriteString("|-----|----------|--------|-----------|----------|---------|-------------|------------|\n")
	for _, d := range r.Days {
		sb.WriteString(fmt.Sprintf("| %d | %s | %s | %s | %s | %s | %s | %s |\n",
			d.Day, d.PerformancePercent.StringFixed(2), d.ProfitAmount.StringFixed(2),
			d.DeveloperFee, d.PlatformFee, d.FeeForgone,
			d.SimulationBalanceAfter.StringFixed(2), d.CommissionBalanceAfter))
	}
	sb.WriteString("\n")

	return sb.String()
}
