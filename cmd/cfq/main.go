package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "cfq",
		Short:        "Chat file ingestion queue",
		Long:         "cfq stores chat attachments, extracts their text and summarizes them with background workers.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "cfq.yaml", "path to cfq config file")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDBCmd(&configPath))
	cmd.AddCommand(newAddCmd(&configPath))
	cmd.AddCommand(newStatusCmd(&configPath))
	cmd.AddCommand(newFileCmd(&configPath))
	cmd.AddCommand(newReclaimCmd(&configPath))
	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newQueueCmd(&configPath, queueTranscode))
	cmd.AddCommand(newQueueCmd(&configPath, queueSummarize))
	cmd.AddCommand(newQueueCmd(&configPath, queueBoth))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cfq %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
