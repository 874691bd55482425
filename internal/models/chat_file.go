package models

import "time"

// Transcode states stored in ChatFile.HasBeenProcessed.
const (
	TranscodeUnprocessed  = 0
	TranscodeProcessing   = 1
	TranscodeProcessed    = 2
	TranscodeFailed       = 3
	TranscodeDoNotProcess = 4
)

// Summary states stored in ChatFile.StatusSummary.
const (
	SummaryPending    = 0
	SummaryProcessing = 1
	SummaryDone       = 2
	SummaryFailed     = 3
)

// ChatFile is one uploaded artifact attached to a conversation. It carries
// both the storage metadata written at upload time and the state of the two
// processing queues (transcode and summarize).
type ChatFile struct {
	ID                 uint      `gorm:"primaryKey;autoIncrement"`
	ConversationID     uint      `gorm:"not null;uniqueIndex:idx_conversation_hash"`
	UploadedBy         uint      `gorm:"not null"`
	OriginalFilename   string    `gorm:"size:255;not null"`
	SystemFilename     string    `gorm:"size:255;not null"`
	FilePath           string    `gorm:"size:500;not null"`
	FileType           string    `gorm:"size:16;not null"`
	MimeType           string    `gorm:"size:100"`
	FileSize           int64     `gorm:"not null"`
	FileHash           string    `gorm:"size:32;uniqueIndex:idx_conversation_hash"`
	UploadDate         time.Time `gorm:"index"`
	IsProjectImportant bool      `gorm:"not null;default:false"`

	HasBeenProcessed  int `gorm:"not null;default:0;index"`
	TranscodedRawFile *string
	HumanNotes        *string
	DateProcessed     *time.Time
	TimeToProcess     *float64
	ClaimedAt         *time.Time
	ClaimedBy         string `gorm:"size:64"`

	AISummary        *string `gorm:"column:ai_summary"`
	StatusSummary    *int    `gorm:"default:0;index"`
	SummaryClaimedAt *time.Time
}

// Content returns the extracted text, or "" when none has been stored.
func (f *ChatFile) Content() string {
	if f.TranscodedRawFile == nil {
		return ""
	}
	return *f.TranscodedRawFile
}

// Notes returns the human notes, or "" when none have been written.
func (f *ChatFile) Notes() string {
	if f.HumanNotes == nil {
		return ""
	}
	return *f.HumanNotes
}

// Summary returns the AI summary, or "" when none has been stored.
func (f *ChatFile) Summary() string {
	if f.AISummary == nil {
		return ""
	}
	return *f.AISummary
}

// SummaryState returns the summary status, treating NULL as pending.
func (f *ChatFile) SummaryState() int {
	if f.StatusSummary == nil {
		return SummaryPending
	}
	return *f.StatusSummary
}
