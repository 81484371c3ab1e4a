package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"commission-ledger/internal/domain"
	"commission-ledger/internal/ledger"
	"commission-ledger/internal/reporting"
	"commission-ledger/internal/returns"
	"commission-ledger/internal/storage/memory"
)

const simUser = "simulator"

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay a simulation offline",
	Long: `Simulate activates a position on an in-memory ledger and advances it day by day,
printing each day's return, fee and balances.

Returns are drawn from a seeded uniform source, or cycled from --returns.

Example:
  ledgerctl simulate --bot bot-alpha --deposit 10 --days 30 --seed 7
  ledgerctl simulate --bot bot-beta --returns 5,-2,1 --days 10 --topup 5
  ledgerctl simulate --bot bot-alpha --days 90 --format markdown > report.md`,
	RunE: runSimulate,
}

var (
	simBot     string
	simDeposit string
	simTopup   string
	simDays    int
	simSeed    uint64
	simReturns []string
	simFormat  string
)

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().StringVarP(&simBot, "bot", "b", "", "bot id (required)")
	simulateCmd.Flags().StringVarP(&simDeposit, "deposit", "d", "", "initial commission deposit (default: the bot's minimum)")
	simulateCmd.Flags().StringVar(&simTopup, "topup", "", "top up by this amount whenever the position is depleted")
	simulateCmd.Flags().IntVarP(&simDays, "days", "n", 30, "number of days to simulate")
	simulateCmd.Flags().Uint64Var(&simSeed, "seed", 1, "return seed")
	simulateCmd.Flags().StringSliceVar(&simReturns, "returns", nil, "daily returns in percent, cycled (overrides --seed)")
	simulateCmd.Flags().StringVarP(&simFormat, "format", "f", "table", "output format: table, markdown or csv")

	simulateCmd.MarkFlagRequired("bot")
}

type simOptions struct {
	BotID   string
	Deposit decimal.Decimal // zero: the bot's minimum
	Topup   decimal.Decimal // zero: stop at depletion
	Days    int
	Returns returns.Source
}

type simResult struct {
	Schedule *domain.RateSchedule
	Days     []domain.DailyRecord
	Topups   int
	Stopped  bool // the position ran out and no top-up was configured
	Position *domain.Position
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cat, err := loadCatalog()
	if err != nil {
		return err
	}

	switch simFormat {
	case "table", "markdown", "csv":
	default:
		return fmt.Errorf("unknown format %q", simFormat)
	}

	opts := simOptions{BotID: simBot, Days: simDays}
	if opts.Deposit, err = parseOptionalAmount("deposit", simDeposit); err != nil {
		return err
	}
	if opts.Topup, err = parseOptionalAmount("topup", simTopup); err != nil {
		return err
	}

	if len(simReturns) > 0 {
		values := make([]decimal.Decimal, 0, len(simReturns))
		for _, v := range simReturns {
			d, err := decimal.NewFromString(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("invalid return %q: %w", v, err)
			}
			values = append(values, d)
		}
		opts.Returns = returns.NewCycle(values...)
	} else {
		opts.Returns = returns.NewUniform(simSeed)
	}

	res, err := simulate(cmd.Context(), cat, opts)
	if err != nil {
		return err
	}
	return writeSimulation(cmd.OutOrStdout(), res, simFormat)
}

func writeSimulation(out io.Writer, res *simResult, format string) error {
	switch format {
	case "markdown":
		r := reporting.Build(res.Schedule, res.Position, res.Days, time.Now().UTC())
		_, err := io.WriteString(out, reporting.RenderMarkdown(r))
		return err
	case "csv":
		_, err := io.WriteString(out, reporting.RenderCSV(res.Days))
		return err
	default:
		return printSimulation(out, res)
	}
}

func parseOptionalAmount(name, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return d, nil
}

func simulate(ctx context.Context, schedules ledger.Schedules, opts simOptions) (*simResult, error) {
	if opts.Days <= 0 {
		return nil, fmt.Errorf("days must be positive, got %d", opts.Days)
	}

	s, err := schedules.Schedule(opts.BotID)
	if err != nil {
		return nil, err
	}
	deposit := opts.Deposit
	if deposit.IsZero() {
		deposit = s.MinDeposit
	}

	engine, err := ledger.New(ledger.Options{
		Store:     memory.NewLedgerStore(),
		Schedules: schedules,
		Returns:   opts.Returns,
	})
	if err != nil {
		return nil, err
	}

	if _, err := engine.Activate(ctx, simUser, opts.BotID, deposit); err != nil {
		return nil, fmt.Errorf("activate: %w", err)
	}

	res := &simResult{Schedule: s}
	for len(res.Days) < opts.Days {
		rec, err := engine.AdvanceDay(ctx, simUser, opts.BotID)
		if errors.Is(err, ledger.ErrNotAccessible) {
			if !opts.Topup.IsPositive() {
				res.Stopped = true
				break
			}
			if _, err := engine.Topup(ctx, simUser, opts.BotID, opts.Topup); err != nil {
				return nil, fmt.Errorf("top up: %w", err)
			}
			res.Topups++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("day %d: %w", len(res.Days)+1, err)
		}
		res.Days = append(res.Days, *rec)
	}

	if res.Position, err = engine.GetPosition(ctx, simUser, opts.BotID); err != nil {
		return nil, err
	}
	return res, nil
}

func printSimulation(out io.Writer, res *simResult) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "DAY\tRETURN %\tPROFIT\tFEE\tFORGONE\tSIM BALANCE\tCOMMISSION\t")
	for _, d := range res.Days {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
			d.Day, d.PerformancePercent.StringFixed(2), d.ProfitAmount.StringFixed(2),
			d.TotalFee.String(), d.FeeForgone.String(),
			d.SimulationBalanceAfter.StringFixed(2), d.CommissionBalanceAfter.String())
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	p := res.Position
	fmt.Fprintln(out)
	fmt.Fprintf(out, "State:            %s\n", p.State)
	fmt.Fprintf(out, "Days simulated:   %d\n", len(res.Days))
	fmt.Fprintf(out, "Total deposited:  %s\n", p.TotalDeposited)
	fmt.Fprintf(out, "Commission paid:  %s (developer %s, platform %s)\n",
		p.TotalCommissionPaid, p.TotalDeveloperFees, p.TotalPlatformFees)
	fmt.Fprintf(out, "Simulation P/L:   %s\n", p.TotalProfit.StringFixed(2))
	if res.Topups > 0 {
		fmt.Fprintf(out, "Top-ups:          %d\n", res.Topups)
	}
	if res.Stopped {
		fmt.Fprintln(out, "Stopped: commission balance depleted (use --topup to continue)")
	}
	return nil
}
