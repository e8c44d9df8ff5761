package cmd

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clawback/mirror/internal/engine"
	"github.com/clawback/mirror/internal/transport"
	"github.com/clawback/mirror/internal/trigger"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the query API and run the configured trigger",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		tr, err := trigger.New(cfg.Schedule, cfg.Alerts.Dir)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()
		return withApp(ctx, func(app *engine.App) error {
			api := transport.NewAPI(app.Stores.DB, app.Engine)
			if m, ok := tr.(*trigger.Manual); ok {
				api.Fire = m.Fire
			}
			srv := transport.NewServer(api, cfg.Server.Addr)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(gctx) })
			g.Go(func() error { return tr.Run(gctx, cycleFunc(app.Engine)) })
			return g.Wait()
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
}
