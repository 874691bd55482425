// Package transcode implements the transcode claim queue: it hands each
// unprocessed chat file to exactly one worker, extracts its text, and
// records the outcome.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/cfq/internal/chatfile"
	"github.com/zulandar/cfq/internal/classify"
	"github.com/zulandar/cfq/internal/config"
	"github.com/zulandar/cfq/internal/extract"
	"github.com/zulandar/cfq/internal/logger"
	"github.com/zulandar/cfq/internal/models"
	"github.com/zulandar/cfq/internal/storage"
	"github.com/zulandar/cfq/internal/worker"
	"gorm.io/gorm"
)

// ErrNoWork is returned by ClaimNext when no file is waiting.
var ErrNoWork = fmt.Errorf("transcode: no unprocessed files: %w", gorm.ErrRecordNotFound)

// maxClaimAttempts bounds how often ClaimNext retries after losing a race.
const maxClaimAttempts = 5

// ClaimNext claims the oldest unprocessed file for workerID. The claim is
// a conditional update from state 0 to 1; when another worker changes the
// row first, the update affects nothing and the next candidate is tried.
func ClaimNext(db *gorm.DB, workerID string) (*models.ChatFile, error) {
	for range maxClaimAttempts {
		var candidate models.ChatFile
		result := db.Where("has_been_processed = ?", models.TranscodeUnprocessed).
			Order("upload_date ASC, id ASC").
			Limit(1).
			Find(&candidate)
		if result.Error != nil {
			return nil, fmt.Errorf("transcode: find unprocessed file: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil, ErrNoWork
		}

		now := time.Now().UTC()
		claim := db.Model(&models.ChatFile{}).
			Where("id = ? AND has_been_processed = ?", candidate.ID, models.TranscodeUnprocessed).
			Updates(map[string]interface{}{
				"has_been_processed": models.TranscodeProcessing,
				"claimed_at":         now,
				"claimed_by":         workerID,
			})
		if claim.Error != nil {
			return nil, fmt.Errorf("transcode: claim file %d: %w", candidate.ID, claim.Error)
		}
		if claim.RowsAffected == 1 {
			candidate.HasBeenProcessed = models.TranscodeProcessing
			candidate.ClaimedAt = &now
			candidate.ClaimedBy = workerID
			return &candidate, nil
		}
	}
	return nil, fmt.Errorf("transcode: lost claim race %d times", maxClaimAttempts)
}

// MarkProcessed stores extracted content and completes the claim.
func MarkProcessed(db *gorm.DB, file *models.ChatFile, content string, elapsed time.Duration) error {
	now := time.Now().UTC()
	secs := elapsed.Seconds()
	result := db.Model(&models.ChatFile{}).
		Where("id = ? AND has_been_processed = ?", file.ID, models.TranscodeProcessing).
		Updates(map[string]interface{}{
			"has_been_processed":  models.TranscodeProcessed,
			"transcoded_raw_file": content,
			"date_processed":      now,
			"time_to_process":     secs,
		})
	if result.Error != nil {
		return fmt.Errorf("transcode: mark file %d processed: %w", file.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("transcode: file %d is no longer claimed", file.ID)
	}
	file.HasBeenProcessed = models.TranscodeProcessed
	file.TranscodedRawFile = &content
	file.DateProcessed = &now
	file.TimeToProcess = &secs
	return nil
}

// NextState returns the transcode state a failed file moves to under
// policy.
func NextState(policy string, res extract.Result) int {
	switch policy {
	case config.FailureRetry:
		return models.TranscodeUnprocessed
	case config.FailureRetryUnavailable:
		if res.Unavailable {
			return models.TranscodeUnprocessed
		}
	}
	return models.TranscodeFailed
}

// MarkFailed appends the failure to the file's notes and moves it to the
// state chosen by policy.
func MarkFailed(db *gorm.DB, file *models.ChatFile, res extract.Result, elapsed time.Duration, policy string) error {
	now := time.Now().UTC()
	notes := chatfile.AppendNote(file.Notes(), fmt.Sprintf("Processing failed at %s: %s", now.Format("2006-01-02 15:04:05"), res.Error))
	state := NextState(policy, res)
	secs := elapsed.Seconds()
	updates := map[string]interface{}{
		"has_been_processed": state,
		"human_notes":        notes,
		"time_to_process":    secs,
	}
	if state == models.TranscodeUnprocessed {
		updates["claimed_at"] = nil
		updates["claimed_by"] = ""
	}
	result := db.Model(&models.ChatFile{}).
		Where("id = ? AND has_been_processed = ?", file.ID, models.TranscodeProcessing).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("transcode: mark file %d failed: %w", file.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("transcode: file %d is no longer claimed", file.ID)
	}
	file.HasBeenProcessed = state
	file.HumanNotes = &notes
	file.TimeToProcess = &secs
	return nil
}

// ReclaimStale returns files stuck in processing for longer than olderThan
// to the unprocessed state, noting the reclaim. It returns how many rows
// were released.
func ReclaimStale(db *gorm.DB, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("transcode: reclaim timeout must be positive")
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	var stuck []models.ChatFile
	if err := db.Where("has_been_processed = ? AND (claimed_at IS NULL OR claimed_at < ?)", models.TranscodeProcessing, cutoff).
		Find(&stuck).Error; err != nil {
		return 0, fmt.Errorf("transcode: find stuck files: %w", err)
	}
	released := 0
	for i := range stuck {
		f := &stuck[i]
		note := fmt.Sprintf("Reclaimed at %s after claim by %q went stale", time.Now().UTC().Format("2006-01-02 15:04:05"), f.ClaimedBy)
		result := db.Model(&models.ChatFile{}).
			Where("id = ? AND has_been_processed = ? AND claimed_by = ?", f.ID, models.TranscodeProcessing, f.ClaimedBy).
			Updates(map[string]interface{}{
				"has_been_processed": models.TranscodeUnprocessed,
				"claimed_at":         nil,
				"claimed_by":         "",
				"human_notes":        chatfile.AppendNote(f.Notes(), note),
			})
		if result.Error != nil {
			return released, fmt.Errorf("transcode: reclaim file %d: %w", f.ID, result.Error)
		}
		released += int(result.RowsAffected)
	}
	return released, nil
}

// Queue processes one file per ProcessOne call.
type Queue struct {
	DB       *gorm.DB
	Store    *storage.Store
	Registry *extract.Registry
	WorkerID string
	Policy   string
	Log      *logger.Logger
}

func (q *Queue) Name() string { return worker.QueueTranscode }

// ProcessOne claims a file, extracts it and records the outcome. It
// reports false when nothing was waiting. Extraction problems are
// recorded on the file; only database failures are returned.
func (q *Queue) ProcessOne(ctx context.Context) (bool, error) {
	log := logger.OrNop(q.Log)
	file, err := ClaimNext(q.DB, q.WorkerID)
	if errors.Is(err, ErrNoWork) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	worker.SetBusy(q.DB, q.WorkerID, file.ID)
	defer worker.SetIdle(q.DB, q.WorkerID)

	log = log.With("file_id", file.ID, "file", file.OriginalFilename, "type", file.FileType)
	log.Info("processing file")

	start := time.Now()
	res := q.extract(ctx, file)
	elapsed := time.Since(start)

	if res.OK && strings.TrimSpace(res.Content) == "" {
		res = extract.Failure("No text content could be extracted")
	}
	if res.OK {
		err := MarkProcessed(q.DB, file, res.Content, elapsed)
		if err == nil {
			log.Info("file processed", "seconds", fmt.Sprintf("%.2f", elapsed.Seconds()), "chars", len(res.Content))
			return true, nil
		}
		// The row is still claimed; fail it so it does not sit in processing.
		log.Error("storing extracted content failed", "error", err)
		stored := extract.Failure("Storing extracted content failed: %v", err)
		if ferr := MarkFailed(q.DB, file, stored, elapsed, config.FailurePermanent); ferr != nil {
			return true, errors.Join(err, ferr)
		}
		return true, nil
	}
	if err := MarkFailed(q.DB, file, res, elapsed, q.Policy); err != nil {
		return true, err
	}
	log.Warn("file failed", "error", res.Error, "unavailable", res.Unavailable, "state", file.HasBeenProcessed)
	return true, nil
}

func (q *Queue) extract(ctx context.Context, file *models.ChatFile) extract.Result {
	path, err := q.Store.FullPath(file.FilePath)
	if err != nil {
		return extract.Failure("File not found: %s", file.FilePath)
	}
	return q.Registry.Extract(ctx, classify.Category(file.FileType), file.MimeType, path)
}
