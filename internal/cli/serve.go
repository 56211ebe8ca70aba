package cli

import (
	"github.com/spf13/cobra"

	appLog "recurd/internal/log"
	"recurd/internal/schedule"
	"recurd/internal/web"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:           "serve",
		Short:         "Run the HTTP API and the periodic reconcile pass",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open()
			if err != nil {
				return WrapExitError(ExitCommandError, "open store", err)
			}
			defer a.Close()

			// --listen overrides the config file if provided.
			if listen != "" {
				a.cfg.Listen = listen
			}
			appLog.Info("effective config",
				"listen", a.cfg.Listen,
				"utc_offset", a.cfg.UTCOffset,
				"store", a.cfg.Store.Driver,
				"horizon_days", a.cfg.Reconcile.HorizonDays,
				"min_future", a.cfg.Reconcile.MinFuture,
				"reconcile_cron", a.cfg.Reconcile.Cron,
			)

			ctx := cmd.Context()
			if a.cfg.Reconcile.Cron != "" {
				runner, err := schedule.New(a.cfg.Reconcile.Cron, a.svc)
				if err != nil {
					return WrapExitError(ExitCommandError, "reconcile schedule", err)
				}
				runner.Start(ctx)
				defer runner.Stop()
				go runner.RunOnce()
			}

			return web.StartServer(ctx, a.cfg, a.svc)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")

	return cmd
}
