package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clawback/mirror/internal/config"
	"github.com/clawback/mirror/internal/engine"
	"github.com/clawback/mirror/internal/observ"
)

var (
	configPath string
	cfg        *config.Root
	logCloser  io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Mirror congressional stock trades with stop-loss and drawdown protection",
	Long: `Mirror ingests congressional trade disclosures, turns them into scored
BUY/SELL recommendations and mirrors them against a paper or live broker.

Every open position is protected by a fixed stop that converts into a
trailing stop once the position is far enough in profit. A portfolio risk
monitor halts new entries on excessive drawdown or a losing streak.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		closer, err := observ.InitLogging(observ.LogConfig{
			Level:  c.Logging.Level,
			Format: c.Logging.Format,
			Output: c.Logging.Output,
		})
		if err != nil {
			return err
		}
		cfg, logCloser = c, closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

// Execute runs the command line.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/mirror.yaml", "path to YAML config file")
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// withApp opens the wired application, runs fn and closes it.
func withApp(ctx context.Context, fn func(app *engine.App) error) error {
	app, err := engine.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer func() {
		if err := app.Close(context.Background()); err != nil {
			observ.Error("shutdown_failed", err, nil)
		}
	}()
	return fn(app)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
