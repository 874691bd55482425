package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/cfq/internal/dashboard"
)

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and live workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, *configPath)
		},
	}
}

func runStatus(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	st, err := dashboard.LoadStatus(gormDB, 0)
	if err != nil {
		return err
	}

	q := st.QueueStats
	fmt.Fprintln(out, "Transcode queue")
	fmt.Fprintf(out, "  unprocessed: %d  processing: %d  processed: %d  failed: %d  do-not-process: %d  total: %d\n",
		q.Unprocessed, q.Processing, q.Processed, q.Failed, q.DoNotProcess, q.Total)
	s := st.SummaryStats
	fmt.Fprintln(out, "Summary queue")
	fmt.Fprintf(out, "  pending: %d  processing: %d  ready: %d  failed: %d  total: %d\n",
		s.Pending, s.Processing, s.Ready, s.Failed, s.Total)
	fmt.Fprintf(out, "Transcode worker running: %s\n", yesNo(st.WorkerRunning))
	fmt.Fprintf(out, "Summary worker running: %s\n", yesNo(st.SummaryWorkerRunning))

	if len(st.Workers) == 0 {
		fmt.Fprintln(out, "\nNo live workers.")
		return nil
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKER\tQUEUE\tHOST\tPID\tSTATUS\tFILE\tLAST SEEN")
	for _, w := range st.Workers {
		file := "-"
		if w.CurrentFile != 0 {
			file = fmt.Sprintf("%d", w.CurrentFile)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s ago\n",
			w.ID, w.Queue, w.Hostname, w.PID, w.Status, file,
			time.Since(w.LastActivity).Round(time.Second))
	}
	return tw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
