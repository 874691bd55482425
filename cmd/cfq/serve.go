package main

import (
	"github.com/spf13/cobra"
	"github.com/zulandar/cfq/internal/dashboard"
)

func newServeCmd(configPath *string) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the JSON ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(*configPath)
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			defer log.Sync()
			if !cmd.Flags().Changed("port") {
				port = cfg.Dashboard.Port
			}

			ctx, cancel := signalContext(cmd)
			defer cancel()
			return dashboard.Start(ctx, dashboard.StartOpts{
				DB:   gormDB,
				Port: port,
				Out:  cmd.OutOrStdout(),
				Log:  log,
			})
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "port to listen on (default from config)")
	return cmd
}
