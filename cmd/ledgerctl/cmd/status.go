package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the positions of a user on a running server",
	Long: `Status queries GET /status on a running ledger server.

Example:
  ledgerctl status --server http://localhost:8080 --user BQvAnftbC2ce31N6gEH7QtBGor96K5ALRFVZ2j6mCCr5`,
	RunE: runStatus,
}

var (
	statusServer string
	statusUser   string
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVarP(&statusServer, "server", "s", "http://localhost:8080", "ledger server base URL")
	statusCmd.Flags().StringVarP(&statusUser, "user", "u", "", "user public key (required)")

	statusCmd.MarkFlagRequired("user")
}

type statusResponse struct {
	UserID     string `json:"user_public_key"`
	ActiveBots []struct {
		BotID               string `json:"bot_id"`
		BotName             string `json:"bot_name"`
		State               string `json:"state"`
		Accessible          bool   `json:"is_accessible"`
		CurrentDay          int    `json:"current_day"`
		CommissionBalance   string `json:"commission_balance"`
		SimulationBalance   string `json:"simulation_balance"`
		TotalCommissionPaid string `json:"total_commission_paid"`
	} `json:"active_bots"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	st, err := fetchStatus(cmd.Context(), client, statusServer, statusUser)
	if err != nil {
		return err
	}
	return printStatus(cmd.OutOrStdout(), st)
}

func fetchStatus(ctx context.Context, client *http.Client, server, user string) (*statusResponse, error) {
	u := strings.TrimRight(server, "/") + "/status?user=" + url.QueryEscape(user)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var st statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

func printStatus(out io.Writer, st *statusResponse) error {
	if len(st.ActiveBots) == 0 {
		fmt.Fprintf(out, "No positions for %s\n", st.UserID)
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BOT\tNAME\tSTATE\tACCESSIBLE\tDAY\tCOMMISSION\tSIM BALANCE\tPAID")
	for _, b := range st.ActiveBots {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%s\t%s\t%s\n",
			b.BotID, b.BotName, b.State, b.Accessible, b.CurrentDay,
			b.CommissionBalance, b.SimulationBalance, b.TotalCommissionPaid)
	}
	return tw.Flush()
}
