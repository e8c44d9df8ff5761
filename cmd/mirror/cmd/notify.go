package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clawback/mirror/internal/alerts"
	"github.com/clawback/mirror/internal/engine"
)

var notifyTestCmd = &cobra.Command{
	Use:   "notify-test",
	Short: "Send a Telegram test message with the current broker status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withApp(ctx, func(app *engine.App) error {
			tg, ok := app.Notifier.(*alerts.Telegram)
			if !ok {
				return errors.New("telegram is not enabled or not configured")
			}
			b := app.Engine.Broker()
			info := alerts.TestInfo{Broker: b.Name(), TradingMode: cfg.TradingMode}
			if err := b.Authenticate(ctx); err == nil {
				info.Authenticated = true
				if bal, err := b.GetAccountBalance(ctx); err == nil {
					info.Balance = &bal.TotalValue
				}
			}
			if err := tg.SendTest(ctx, info); err != nil {
				return fmt.Errorf("send test message: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "test message sent")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(notifyTestCmd)
}
