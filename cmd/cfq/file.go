package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/cfq/internal/chatfile"
	"github.com/zulandar/cfq/internal/models"
	"github.com/zulandar/cfq/internal/storage"
)

func newFileCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "file",
		Short: "Inspect and adjust individual files",
	}
	cmd.AddCommand(newFileShowCmd(configPath))
	cmd.AddCommand(newFileListCmd(configPath))
	cmd.AddCommand(newFileReprocessCmd(configPath))
	cmd.AddCommand(newFileSetStateCmd(configPath))
	cmd.AddCommand(newFileNoteCmd(configPath))
	return cmd
}

func newFileShowCmd(configPath *string) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a file's metadata, processing state and summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "file id")
			if err != nil {
				return err
			}
			_, gormDB, err := connectFromConfig(*configPath)
			if err != nil {
				return err
			}
			f, err := chatfile.Get(gormDB, id)
			if err != nil {
				return err
			}
			printFile(cmd, f, full)
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "content", false, "print the extracted content too")
	return cmd
}

func printFile(cmd *cobra.Command, f *models.ChatFile, withContent bool) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "File %d: %s\n", f.ID, f.OriginalFilename)
	fmt.Fprintf(out, "  Conversation:  %d\n", f.ConversationID)
	fmt.Fprintf(out, "  Type:          %s (%s)\n", f.FileType, f.MimeType)
	fmt.Fprintf(out, "  Size:          %s\n", storage.FormatSize(f.FileSize))
	fmt.Fprintf(out, "  Stored at:     %s\n", f.FilePath)
	fmt.Fprintf(out, "  Uploaded:      %s\n", f.UploadDate.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "  Transcode:     %d (%s)\n", f.HasBeenProcessed, chatfile.TranscodeStateName(f.HasBeenProcessed))
	if f.DateProcessed != nil {
		fmt.Fprintf(out, "  Processed:     %s", f.DateProcessed.Format("2006-01-02 15:04:05"))
		if f.TimeToProcess != nil {
			fmt.Fprintf(out, " in %.2fs", *f.TimeToProcess)
		}
		fmt.Fprintln(out)
	}
	if f.ClaimedBy != "" {
		fmt.Fprintf(out, "  Claimed by:    %s\n", f.ClaimedBy)
	}
	fmt.Fprintf(out, "  Summary:       %d (%s)\n", f.SummaryState(), chatfile.SummaryStateName(f.SummaryState()))
	fmt.Fprintf(out, "  Content chars: %d\n", len([]rune(f.Content())))
	if s := f.Summary(); s != "" {
		fmt.Fprintf(out, "\nAI summary:\n%s\n", s)
	}
	if n := f.Notes(); n != "" {
		fmt.Fprintf(out, "\nNotes:\n%s\n", n)
	}
	if withContent && f.Content() != "" {
		fmt.Fprintf(out, "\nContent:\n%s\n", f.Content())
	}
}

func newFileListCmd(configPath *string) *cobra.Command {
	var (
		conv     uint
		state    int
		fileType string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List files, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(*configPath)
			if err != nil {
				return err
			}
			filters := chatfile.ListFilters{ConversationID: conv, Type: fileType, Limit: limit}
			if cmd.Flags().Changed("state") {
				filters.State = &state
			}
			files, err := chatfile.List(gormDB, filters)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(files) == 0 {
				fmt.Fprintln(out, "No files found.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCONV\tNAME\tTYPE\tSIZE\tTRANSCODE\tSUMMARY")
			for _, f := range files {
				fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
					f.ID, f.ConversationID, f.OriginalFilename, f.FileType,
					storage.FormatSize(f.FileSize),
					chatfile.TranscodeStateName(f.HasBeenProcessed),
					chatfile.SummaryStateName(f.SummaryState()))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().UintVar(&conv, "conversation", 0, "filter by conversation id")
	cmd.Flags().IntVar(&state, "state", 0, "filter by transcode state (0-4)")
	cmd.Flags().StringVar(&fileType, "type", "", "filter by category (audio, text, document, ...)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newFileReprocessCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <id>",
		Short: "Clear a file's results and queue it for transcoding again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "file id")
			if err != nil {
				return err
			}
			_, gormDB, err := connectFromConfig(*configPath)
			if err != nil {
				return err
			}
			f, err := chatfile.Reprocess(gormDB, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "File %d (%s) queued for reprocessing\n", f.ID, f.OriginalFilename)
			return nil
		},
	}
}

func newFileSetStateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set-state <id> <state>",
		Short: "Override a file's transcode state (0, 1, 2 or 4)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "file id")
			if err != nil {
				return err
			}
			state, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid state %q: must be a number", args[1])
			}
			_, gormDB, err := connectFromConfig(*configPath)
			if err != nil {
				return err
			}
			if err := chatfile.SetState(gormDB, id, state); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "File %d state set to %d (%s)\n", id, state, chatfile.TranscodeStateName(state))
			return nil
		},
	}
}

func newFileNoteCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "note <id> <text>",
		Short: "Append an operator note to a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "file id")
			if err != nil {
				return err
			}
			_, gormDB, err := connectFromConfig(*configPath)
			if err != nil {
				return err
			}
			if err := chatfile.AddNote(gormDB, id, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "File %d note added\n", id)
			return nil
		},
	}
}
