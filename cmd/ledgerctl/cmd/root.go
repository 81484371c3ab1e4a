package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"commission-ledger/internal/catalog"
)

var catalogPath string

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Inspect bots, replay simulations and query a running ledger",
	Long: `ledgerctl works with the commission ledger.

It provides tools for:
  - Listing the bot catalog and its commission rates
  - Replaying a simulation offline for a bot, deposit and seed
  - Querying the positions of a user on a running server`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&catalogPath, "catalog", "", "bot catalog YAML (default: built-in catalog)")
}

func loadCatalog() (*catalog.Catalog, error) {
	if catalogPath == "" {
		return catalog.Default(), nil
	}
	cat, err := catalog.LoadFromFile(catalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return cat, nil
}
