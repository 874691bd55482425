// Package summarize implements the summary claim queue: transcoded files
// without a summary are claimed one at a time and sent to the inference
// endpoint.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/cfq/internal/chatfile"
	"github.com/zulandar/cfq/internal/logger"
	"github.com/zulandar/cfq/internal/models"
	"github.com/zulandar/cfq/internal/worker"
	"gorm.io/gorm"
)

// ErrNoWork is returned by ClaimNext when no file needs a summary.
var ErrNoWork = fmt.Errorf("summarize: no files pending summary: %w", gorm.ErrRecordNotFound)

const maxClaimAttempts = 5

// Generator produces text from a prompt. *inference.Client satisfies it.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// eligible restricts a query to files that may be summarized.
func eligible(db *gorm.DB) *gorm.DB {
	return db.Where("has_been_processed = ?", models.TranscodeProcessed).
		Where("(transcoded_raw_file IS NOT NULL AND TRIM(transcoded_raw_file) <> '')").
		Where("(ai_summary IS NULL OR ai_summary = '')").
		Where("(status_summary IS NULL OR status_summary IN ?)", []int{models.SummaryPending, models.SummaryFailed})
}

// ClaimNext claims the most recently uploaded file that needs a summary.
func ClaimNext(db *gorm.DB) (*models.ChatFile, error) {
	for range maxClaimAttempts {
		var candidate models.ChatFile
		result := eligible(db.Model(&models.ChatFile{})).
			Order("upload_date DESC, id DESC").
			Limit(1).
			Find(&candidate)
		if result.Error != nil {
			return nil, fmt.Errorf("summarize: find pending file: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil, ErrNoWork
		}

		now := time.Now().UTC()
		claim := eligible(db.Model(&models.ChatFile{}).Where("id = ?", candidate.ID)).
			Updates(map[string]interface{}{
				"status_summary":     models.SummaryProcessing,
				"summary_claimed_at": now,
			})
		if claim.Error != nil {
			return nil, fmt.Errorf("summarize: claim file %d: %w", candidate.ID, claim.Error)
		}
		if claim.RowsAffected == 1 {
			state := models.SummaryProcessing
			candidate.StatusSummary = &state
			candidate.SummaryClaimedAt = &now
			return &candidate, nil
		}
	}
	return nil, fmt.Errorf("summarize: lost claim race %d times", maxClaimAttempts)
}

// MarkDone stores the summary.
func MarkDone(db *gorm.DB, file *models.ChatFile, summary string) error {
	result := db.Model(&models.ChatFile{}).
		Where("id = ? AND status_summary = ?", file.ID, models.SummaryProcessing).
		Updates(map[string]interface{}{
			"ai_summary":     summary,
			"status_summary": models.SummaryDone,
		})
	if result.Error != nil {
		return fmt.Errorf("summarize: save summary for file %d: %w", file.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("summarize: file %d is no longer claimed", file.ID)
	}
	done := models.SummaryDone
	file.AISummary = &summary
	file.StatusSummary = &done
	return nil
}

// MarkFailed records reason in the notes and leaves the file eligible for
// a later attempt.
func MarkFailed(db *gorm.DB, file *models.ChatFile, reason string) error {
	notes := chatfile.AppendNote(file.Notes(), fmt.Sprintf("Summary failed at %s: %s", time.Now().UTC().Format("2006-01-02 15:04:05"), reason))
	result := db.Model(&models.ChatFile{}).
		Where("id = ? AND status_summary = ?", file.ID, models.SummaryProcessing).
		Updates(map[string]interface{}{
			"status_summary": models.SummaryFailed,
			"human_notes":    notes,
		})
	if result.Error != nil {
		return fmt.Errorf("summarize: mark file %d failed: %w", file.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("summarize: file %d is no longer claimed", file.ID)
	}
	failed := models.SummaryFailed
	file.StatusSummary = &failed
	file.HumanNotes = &notes
	return nil
}

// Queue summarizes one file per ProcessOne call.
type Queue struct {
	DB        *gorm.DB
	Generator Generator
	Prompt    PromptOptions
	WorkerID  string
	Log       *logger.Logger
}

func (q *Queue) Name() string { return worker.QueueSummarize }

// ProcessOne claims a file and stores its summary. Inference failures are
// recorded on the file; only database failures are returned.
func (q *Queue) ProcessOne(ctx context.Context) (bool, error) {
	log := logger.OrNop(q.Log)
	file, err := ClaimNext(q.DB)
	if errors.Is(err, ErrNoWork) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	worker.SetBusy(q.DB, q.WorkerID, file.ID)
	defer worker.SetIdle(q.DB, q.WorkerID)

	log = log.With("file_id", file.ID, "file", file.OriginalFilename)
	log.Info("summarizing file")

	summary, err := q.summarize(ctx, file)
	if err != nil {
		if markErr := MarkFailed(q.DB, file, err.Error()); markErr != nil {
			return true, markErr
		}
		log.Warn("summary failed", "error", err)
		return true, nil
	}
	if err := MarkDone(q.DB, file, summary); err != nil {
		// Leave the file retryable instead of stuck in processing.
		log.Error("saving summary failed", "error", err)
		if markErr := MarkFailed(q.DB, file, "saving summary failed: "+err.Error()); markErr != nil {
			return true, errors.Join(err, markErr)
		}
		return true, nil
	}
	log.Info("summary saved", "chars", len(summary))
	return true, nil
}

func (q *Queue) summarize(ctx context.Context, file *models.ChatFile) (string, error) {
	if strings.TrimSpace(file.Content()) == "" {
		return "", errors.New("no content to summarize")
	}
	p, err := BuildPrompt(file.Content(), q.Prompt)
	if err != nil {
		return "", err
	}
	return q.Generator.Generate(ctx, p)
}
