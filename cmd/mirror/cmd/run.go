package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/clawback/mirror/internal/adapters"
	"github.com/clawback/mirror/internal/engine"
	"github.com/clawback/mirror/internal/observ"
	"github.com/clawback/mirror/internal/trigger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single cycle and print its report",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return withApp(ctx, func(app *engine.App) error {
			rep, err := app.Engine.RunCycle(ctx)
			if perr := printJSON(cmd.OutOrStdout(), rep); perr != nil {
				return perr
			}
			return err
		})
	},
}

var scheduleTrigger string

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run cycles on a schedule until interrupted",
	Long: `Run cycles until interrupted. The trigger decides when:

  periodic  every schedule.interval
  cron      on the schedule.cron expression (UTC)
  watch     when alert files appear in alerts.dir`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if scheduleTrigger != "" {
			cfg.Schedule.Trigger = scheduleTrigger
		}
		tr, err := trigger.New(cfg.Schedule, cfg.Alerts.Dir)
		if err != nil {
			return err
		}
		if _, ok := tr.(*trigger.Manual); ok {
			return errors.New("the manual trigger needs the API; use serve")
		}
		ctx, cancel := signalContext()
		defer cancel()
		return withApp(ctx, func(app *engine.App) error {
			return tr.Run(ctx, cycleFunc(app.Engine))
		})
	},
}

func init() {
	rootCmd.AddCommand(runCmd, scheduleCmd)
	scheduleCmd.Flags().StringVarP(&scheduleTrigger, "trigger", "t", "", "periodic, cron or watch (default from config)")
}

// cycleFunc runs one cycle per trigger activation. A failed cycle is logged
// and the schedule continues; the next cycle authenticates again.
func cycleFunc(eng *engine.Engine) trigger.Func {
	return func(ctx context.Context) {
		if ctx.Err() != nil {
			return
		}
		rep, err := eng.RunCycle(ctx)
		switch {
		case errors.Is(err, engine.ErrCycleInProgress):
			observ.Debug("cycle_skipped", map[string]any{"reason": "in progress"})
		case errors.Is(err, adapters.ErrSessionExpired):
			observ.Warn("cycle_aborted", map[string]any{"cycle_id": rep.CycleID, "reason": "broker session expired"})
		case err != nil:
			observ.Warn("cycle_aborted", map[string]any{"cycle_id": rep.CycleID, "error": err.Error()})
		}
	}
}
