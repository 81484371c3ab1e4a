package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"commission-ledger/internal/domain"
)

var botsCmd = &cobra.Command{
	Use:   "bots",
	Short: "List the bot catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := loadCatalog()
		if err != nil {
			return err
		}
		return printBots(cmd.OutOrStdout(), cat.List())
	},
}

func init() {
	rootCmd.AddCommand(botsCmd)
}

func printBots(out io.Writer, bots []*domain.RateSchedule) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tRATE\tDEVELOPER\tPLATFORM\tMIN DEPOSIT\tFEE MODE\tDEPOSIT ADDRESS")
	for _, b := range bots {
		fmt.Fprintf(tw, "%s\t%s\t%s%%\t%s%%\t%s%%\t%s\t%s\t%s\n",
			b.BotID, b.Name,
			b.TotalRate.Shift(2).String(), b.DeveloperRate.Shift(2).String(), b.PlatformRate.Shift(2).String(),
			b.MinDeposit.String(), b.FeeMode, b.DepositAddress)
	}
	return tw.Flush()
}
