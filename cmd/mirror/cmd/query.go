package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawback/mirror/internal/engine"
	"github.com/clawback/mirror/internal/risk"
)

var (
	recTicker string
	recLimit  int
	asJSON    bool
)

var recommendationsCmd = &cobra.Command{
	Use:     "recommendations",
	Aliases: []string{"recs"},
	Short:   "List stored recommendations, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if recLimit < 1 || recLimit > 50 {
			return fmt.Errorf("limit must be between 1 and 50")
		}
		return withApp(cmd.Context(), func(app *engine.App) error {
			recs, err := app.Stores.DB.Query(cmd.Context(), recTicker, recLimit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, recs)
			}
			if len(recs) == 0 {
				fmt.Fprintln(out, "no recommendations")
				return nil
			}
			for _, r := range recs {
				fmt.Fprintf(out, "%s  %-4s %-6s conf=%.2f  %s\n",
					r.Timestamp.Format(time.RFC3339), r.Action, r.Ticker, r.Confidence, r.Reason)
			}
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show lifetime counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(app *engine.App) error {
			s, err := app.Engine.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, s)
			}
			last := "never"
			if s.LastCycle != nil {
				last = s.LastCycle.Format(time.RFC3339)
			}
			fmt.Fprintf(out, "processed alerts:      %d\n", s.ProcessedAlerts)
			fmt.Fprintf(out, "total recommendations: %d\n", s.TotalRecommendations)
			fmt.Fprintf(out, "last cycle:            %s\n", last)
			return nil
		})
	},
}

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "List open positions with their stops",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(app *engine.App) error {
			ps, err := app.Engine.Positions(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, ps)
			}
			if len(ps) == 0 {
				fmt.Fprintln(out, "no open positions")
				return nil
			}
			for _, p := range ps {
				fmt.Fprintf(out, "%-6s qty=%-5d entry=%-9.2f last=%-9.2f stop=%-9.2f %-15s pnl=%+.2f (%+.2f%%)\n",
					p.Symbol, p.Quantity, p.EntryPrice, p.CurrentPrice, p.StopLoss, p.State, p.UnrealizedPnL, p.PnLPercent)
			}
			return nil
		})
	},
}

var riskCmd = &cobra.Command{
	Use:   "risk",
	Short: "Show the portfolio risk state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(app *engine.App) error {
			return printRisk(cmd, app.Engine.Risk())
		})
	},
}

var haltReason string

var haltCmd = &cobra.Command{
	Use:   "halt",
	Short: "Halt new entries until clear-halt",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(app *engine.App) error {
			st, err := app.Engine.Halt(cmd.Context(), haltReason)
			if err != nil {
				return err
			}
			return printRisk(cmd, st)
		})
	},
}

var clearHaltCmd = &cobra.Command{
	Use:   "clear-halt",
	Short: "Release a trading halt and reset the loss streak",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(app *engine.App) error {
			st, err := app.Engine.ClearHalt(cmd.Context())
			if err != nil {
				return err
			}
			return printRisk(cmd, st)
		})
	},
}

func printRisk(cmd *cobra.Command, st risk.PortfolioRiskState) error {
	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, st)
	}
	fmt.Fprintf(out, "status:             %s\n", st.Status)
	fmt.Fprintf(out, "total value:        %.2f (peak %.2f)\n", st.TotalValue, st.PeakValue)
	fmt.Fprintf(out, "drawdown:           %.2f%%\n", st.DrawdownPct)
	fmt.Fprintf(out, "consecutive losses: %d\n", st.ConsecutiveLosses)
	if st.Halted {
		fmt.Fprintf(out, "halted:             %s\n", st.HaltReason)
	}
	if len(st.Warnings) > 0 {
		fmt.Fprintf(out, "warnings:           %s\n", strings.Join(st.Warnings, "; "))
	}
	return nil
}

func init() {
	rootCmd.AddCommand(recommendationsCmd, statsCmd, positionsCmd, riskCmd, haltCmd, clearHaltCmd)
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON instead of text")

	recommendationsCmd.Flags().StringVarP(&recTicker, "ticker", "t", "", "only this ticker")
	recommendationsCmd.Flags().IntVarP(&recLimit, "limit", "l", 10, "maximum rows (1-50)")
	haltCmd.Flags().StringVar(&haltReason, "reason", "manual halt", "reason recorded with the halt")
}
