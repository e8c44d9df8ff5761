package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawback/mirror/internal/engine"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show broker connectivity, account balance and trade history size",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(app *engine.App) error {
			st, err := app.Engine.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, st)
			}
			last := "never"
			if st.LastCheck != nil {
				last = st.LastCheck.Format(time.RFC3339)
			}
			auth := "yes"
			if !st.Authenticated {
				auth = "no (" + st.AuthError + ")"
			}
			fmt.Fprintf(out, "broker:          %s (trading mode %s)\n", st.Broker, cfg.TradingMode)
			fmt.Fprintf(out, "authenticated:   %s\n", auth)
			fmt.Fprintf(out, "last check:      %s\n", last)
			if st.Balance != nil {
				fmt.Fprintf(out, "cash available:  %.2f\n", st.Balance.CashAvailable)
				fmt.Fprintf(out, "total value:     %.2f\n", st.Balance.TotalValue)
			}
			fmt.Fprintf(out, "trade history:   %d\n", st.TradeHistoryCount)
			fmt.Fprintf(out, "open positions:  %d\n", st.OpenPositions)
			fmt.Fprintf(out, "risk status:     %s\n", st.RiskStatus)
			return nil
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export [path]",
	Short: "Dump recommendations, positions, trades and risk state as JSON (\"-\" for stdout)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "data/export.json"
		if len(args) == 1 {
			path = args[0]
		}
		return withApp(cmd.Context(), func(app *engine.App) error {
			dump, err := app.Stores.Export(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			if path == "-" {
				return printJSON(cmd.OutOrStdout(), dump)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			if err := printJSON(f, dump); err != nil {
				f.Close()
				return fmt.Errorf("write %s: %w", path, err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported to %s\n", path)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, exportCmd)
}
