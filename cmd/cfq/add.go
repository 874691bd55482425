package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zulandar/cfq/internal/chatfile"
	"github.com/zulandar/cfq/internal/notify"
	"github.com/zulandar/cfq/internal/storage"
)

func newAddCmd(configPath *string) *cobra.Command {
	var (
		uploadedBy uint
		mimeType   string
		name       string
	)

	cmd := &cobra.Command{
		Use:   "add <conversation-id> <path>",
		Short: "Upload a file into a conversation",
		Long: `Stores the file in the content store and queues it for transcoding.
Identical bytes already uploaded to the same conversation are rejected.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := parseID(args[0], "conversation id")
			if err != nil {
				return err
			}
			return runAdd(cmd, *configPath, conv, args[1], name, mimeType, uploadedBy)
		},
	}

	cmd.Flags().UintVar(&uploadedBy, "uploaded-by", 0, "user id recorded as the uploader")
	cmd.Flags().StringVar(&mimeType, "mime", "", "MIME type (detected from content when empty)")
	cmd.Flags().StringVar(&name, "name", "", "original filename to record (defaults to the file's base name)")
	return cmd
}

func runAdd(cmd *cobra.Command, configPath string, conv uint, path, name, mimeType string, uploadedBy uint) error {
	out := cmd.OutOrStdout()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if name == "" {
		name = filepath.Base(path)
	}

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	defer log.Sync()

	store := storage.New(cfg.Storage.Root, cfg.Storage.MaxFileBytes)
	f, err := chatfile.Create(gormDB, store, chatfile.CreateOpts{
		ConversationID: conv,
		UploadedBy:     uploadedBy,
		Filename:       name,
		MIMEType:       mimeType,
		Data:           data,
	})
	if err != nil {
		var dup *chatfile.DuplicateError
		if errors.As(err, &dup) {
			fmt.Fprintf(cmd.ErrOrStderr(), "Duplicate: existing file id %d\n", dup.ExistingID)
		}
		return err
	}

	fmt.Fprintf(out, "Added file %d: %s (%s, %s, %s)\n", f.ID, f.OriginalFilename, f.FileType, f.MimeType, storage.FormatSize(f.FileSize))

	ctx := context.Background()
	n, err := notify.New(ctx, cfg.Redis, log)
	if err != nil {
		log.Warn("upload notification skipped", "error", err)
		return nil
	}
	defer n.Close()
	n.Publish(ctx, f.ID)
	return nil
}
