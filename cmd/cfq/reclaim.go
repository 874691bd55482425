package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/cfq/internal/transcode"
)

func newReclaimCmd(configPath *string) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Return files stuck in processing to the queue",
		Long: `Files claimed by a worker that died stay in the processing state.
reclaim puts those claimed longer ago than --older-than back to unprocessed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(*configPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("older-than") {
				olderThan = time.Duration(cfg.Reclaim.TimeoutSec) * time.Second
			}
			n, err := transcode.ReclaimStale(gormDB, olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reclaimed %d file(s) claimed more than %s ago\n", n, olderThan)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 2*time.Hour, "claim age after which a file is reclaimed (default from config)")
	return cmd
}
