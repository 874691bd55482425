// Package chatfile provides chat file record operations: upload with
// per-conversation dedup, lookup, operator overrides and queue counts.
package chatfile

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zulandar/cfq/internal/classify"
	"github.com/zulandar/cfq/internal/models"
	"github.com/zulandar/cfq/internal/storage"
	"gorm.io/gorm"
)

var (
	// ErrDuplicate matches any *DuplicateError.
	ErrDuplicate = errors.New("chatfile: duplicate upload")
	ErrNotFound  = errors.New("chatfile: not found")
	ErrBadState  = errors.New("chatfile: invalid state")
	ErrEmptyNote = errors.New("chatfile: note is empty")
)

// DuplicateError reports that identical bytes already exist in the
// conversation.
type DuplicateError struct {
	ExistingID       uint
	OriginalFilename string
	UploadDate       time.Time
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("chatfile: this file has already been uploaded to this conversation as %q on %s",
		e.OriginalFilename, e.UploadDate.UTC().Format(time.RFC3339))
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

// CreateOpts holds parameters for uploading a file into a conversation.
type CreateOpts struct {
	ConversationID uint
	UploadedBy     uint
	Filename       string
	MIMEType       string // sniffed when empty
	Data           []byte
}

// ListFilters holds optional filters for listing files.
type ListFilters struct {
	ConversationID uint
	State          *int
	Type           string
	Limit          int
}

// QueueCounts holds per-state row counts for both queues.
type QueueCounts struct {
	Transcode map[int]int64
	Summary   map[int]int64
}

// Create validates and stores data, then inserts a chat file row in the
// unprocessed state. Identical bytes already uploaded to the same
// conversation are rejected with a *DuplicateError; the unique
// (conversation_id, file_hash) index settles concurrent uploads, and the
// loser's stored bytes are removed.
func Create(db *gorm.DB, store *storage.Store, opts CreateOpts) (*models.ChatFile, error) {
	if opts.ConversationID == 0 {
		return nil, fmt.Errorf("chatfile: conversation is required")
	}
	if err := store.Validate(opts.Data, opts.Filename); err != nil {
		return nil, err
	}

	hash := storage.Hash(opts.Data)
	if dup, err := findDuplicate(db, opts.ConversationID, hash); err != nil {
		return nil, err
	} else if dup != nil {
		return nil, dup
	}

	mimeType := classify.NormalizeMIME(opts.MIMEType)
	if mimeType == "" {
		mimeType = storage.DetectMIME(opts.Data, opts.Filename)
	}

	stored, err := store.Store(opts.Data, opts.Filename)
	if err != nil {
		return nil, err
	}

	pending := models.SummaryPending
	file := models.ChatFile{
		ConversationID:   opts.ConversationID,
		UploadedBy:       opts.UploadedBy,
		OriginalFilename: truncate(opts.Filename, 255),
		SystemFilename:   stored.SystemFilename,
		FilePath:         stored.RelativePath,
		FileType:         string(classify.Classify(mimeType, opts.Filename)),
		MimeType:         truncate(mimeType, 100),
		FileSize:         stored.Size,
		FileHash:         hash,
		UploadDate:       time.Now().UTC(),
		HasBeenProcessed: models.TranscodeUnprocessed,
		StatusSummary:    &pending,
	}
	if err := db.Create(&file).Error; err != nil {
		_ = store.Remove(stored.RelativePath)
		// A concurrent upload of the same bytes won the unique index.
		if dup, lookupErr := findDuplicate(db, opts.ConversationID, hash); lookupErr == nil && dup != nil {
			return nil, dup
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
		return nil, fmt.Errorf("chatfile: create: %w", err)
	}
	return &file, nil
}

// findDuplicate returns the first upload of hash in the conversation as a
// *DuplicateError, or nil when there is none.
func findDuplicate(db *gorm.DB, conversationID uint, hash string) (*DuplicateError, error) {
	var existing models.ChatFile
	result := db.Where("conversation_id = ? AND file_hash = ?", conversationID, hash).
		Order("id ASC").Limit(1).Find(&existing)
	if result.Error != nil {
		return nil, fmt.Errorf("chatfile: dedup lookup: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &DuplicateError{
		ExistingID:       existing.ID,
		OriginalFilename: existing.OriginalFilename,
		UploadDate:       existing.UploadDate,
	}, nil
}

// Get retrieves a chat file by ID.
func Get(db *gorm.DB, id uint) (*models.ChatFile, error) {
	var file models.ChatFile
	if err := db.Where("id = ?", id).First(&file).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("chatfile: get %d: %w", id, err)
	}
	return &file, nil
}

// List returns files matching the filters, newest first.
func List(db *gorm.DB, filters ListFilters) ([]models.ChatFile, error) {
	q := db.Model(&models.ChatFile{})
	if filters.ConversationID != 0 {
		q = q.Where("conversation_id = ?", filters.ConversationID)
	}
	if filters.State != nil {
		q = q.Where("has_been_processed = ?", *filters.State)
	}
	if filters.Type != "" {
		q = q.Where("file_type = ?", filters.Type)
	}
	if filters.Limit > 0 {
		q = q.Limit(filters.Limit)
	}
	var files []models.ChatFile
	if err := q.Order("upload_date DESC, id DESC").Find(&files).Error; err != nil {
		return nil, fmt.Errorf("chatfile: list: %w", err)
	}
	return files, nil
}

// Reprocess queues a file for transcoding again. Extracted content, the
// summary and its status are cleared so both queues pick it up afresh;
// notes are kept and a reprocess line is appended.
func Reprocess(db *gorm.DB, id uint) (*models.ChatFile, error) {
	file, err := Get(db, id)
	if err != nil {
		return nil, err
	}
	notes := AppendNote(file.Notes(), fmt.Sprintf("Reprocessed at %s", stamp(time.Now())))
	err = db.Model(&models.ChatFile{}).Where("id = ?", id).Updates(map[string]interface{}{
		"has_been_processed":  models.TranscodeUnprocessed,
		"transcoded_raw_file": nil,
		"ai_summary":          nil,
		"status_summary":      models.SummaryPending,
		"date_processed":      nil,
		"time_to_process":     nil,
		"claimed_at":          nil,
		"claimed_by":          "",
		"summary_claimed_at":  nil,
		"human_notes":         notes,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("chatfile: reprocess %d: %w", id, err)
	}
	return Get(db, id)
}

// SettableStates are the transcode states an operator may assign. Failed
// is reserved for the pipeline.
var SettableStates = []int{
	models.TranscodeUnprocessed,
	models.TranscodeProcessing,
	models.TranscodeProcessed,
	models.TranscodeDoNotProcess,
}

// SetState overrides a file's transcode state.
func SetState(db *gorm.DB, id uint, state int) error {
	if !validSettable(state) {
		return fmt.Errorf("%w: %d (allowed: 0, 1, 2, 4)", ErrBadState, state)
	}
	result := db.Model(&models.ChatFile{}).Where("id = ?", id).Update("has_been_processed", state)
	if result.Error != nil {
		return fmt.Errorf("chatfile: set state %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

const maxNoteAttempts = 5

// AddNote appends an operator note to a file's human notes. Earlier notes,
// pipeline diagnostics included, are kept. The write is guarded by the notes
// it read, so a concurrent append is retried rather than lost.
func AddNote(db *gorm.DB, id uint, note string) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return ErrEmptyNote
	}
	for attempt := 0; attempt < maxNoteAttempts; attempt++ {
		file, err := Get(db, id)
		if err != nil {
			return err
		}
		q := db.Model(&models.ChatFile{}).Where("id = ?", id)
		if file.HumanNotes == nil {
			q = q.Where("human_notes IS NULL")
		} else {
			q = q.Where("human_notes = ?", *file.HumanNotes)
		}
		result := q.Update("human_notes", AppendNote(file.Notes(), note))
		if result.Error != nil {
			return fmt.Errorf("chatfile: add note %d: %w", id, result.Error)
		}
		if result.RowsAffected == 1 {
			return nil
		}
	}
	return fmt.Errorf("chatfile: add note %d: notes changed during %d attempts", id, maxNoteAttempts)
}

func validSettable(state int) bool {
	for _, s := range SettableStates {
		if s == state {
			return true
		}
	}
	return false
}

// AppendNote adds note on its own line after existing notes.
func AppendNote(existing, note string) string {
	if strings.TrimSpace(existing) == "" {
		return note
	}
	return existing + "\n" + note
}

// Counts returns per-state counts for the transcode and summary queues.
// Rows with a NULL summary status count as pending.
func Counts(db *gorm.DB) (QueueCounts, error) {
	counts := QueueCounts{
		Transcode: map[int]int64{},
		Summary:   map[int]int64{},
	}

	var rows []struct {
		State int
		Count int64
	}
	if err := db.Model(&models.ChatFile{}).
		Select("has_been_processed AS state, COUNT(*) AS count").
		Group("has_been_processed").Scan(&rows).Error; err != nil {
		return counts, fmt.Errorf("chatfile: count transcode states: %w", err)
	}
	for _, r := range rows {
		counts.Transcode[r.State] = r.Count
	}

	rows = nil
	if err := db.Model(&models.ChatFile{}).
		Select("COALESCE(status_summary, 0) AS state, COUNT(*) AS count").
		Group("COALESCE(status_summary, 0)").Scan(&rows).Error; err != nil {
		return counts, fmt.Errorf("chatfile: count summary states: %w", err)
	}
	for _, r := range rows {
		counts.Summary[r.State] += r.Count
	}
	return counts, nil
}

// TranscodeStateName returns a label for a transcode state.
func TranscodeStateName(state int) string {
	switch state {
	case models.TranscodeUnprocessed:
		return "unprocessed"
	case models.TranscodeProcessing:
		return "processing"
	case models.TranscodeProcessed:
		return "processed"
	case models.TranscodeFailed:
		return "failed"
	case models.TranscodeDoNotProcess:
		return "do-not-process"
	}
	return fmt.Sprintf("unknown(%d)", state)
}

// SummaryStateName returns a label for a summary state.
func SummaryStateName(state int) string {
	switch state {
	case models.SummaryPending:
		return "pending"
	case models.SummaryProcessing:
		return "processing"
	case models.SummaryDone:
		return "done"
	case models.SummaryFailed:
		return "failed"
	}
	return fmt.Sprintf("unknown(%d)", state)
}

func stamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
