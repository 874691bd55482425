package dashboard

import (
	"time"

	"github.com/zulandar/cfq/internal/chatfile"
	"github.com/zulandar/cfq/internal/models"
	"github.com/zulandar/cfq/internal/worker"
	"gorm.io/gorm"
)

// QueueStats counts transcode states.
type QueueStats struct {
	Unprocessed  int64 `json:"unprocessed"`
	Processing   int64 `json:"processing"`
	Processed    int64 `json:"processed"`
	Failed       int64 `json:"failed"`
	DoNotProcess int64 `json:"do_not_process"`
	Total        int64 `json:"total"`
}

// SummaryStats counts summary states.
type SummaryStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Ready      int64 `json:"ready"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

// WorkerRow is one live worker.
type WorkerRow struct {
	ID           string    `json:"id"`
	Queue        string    `json:"queue"`
	Hostname     string    `json:"hostname"`
	PID          int       `json:"pid"`
	Status       string    `json:"status"`
	CurrentFile  uint      `json:"current_file,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Status is the /api/worker/status payload.
type Status struct {
	WorkerRunning        bool         `json:"worker_running"`
	QueueStats           QueueStats   `json:"queue_stats"`
	SummaryWorkerRunning bool         `json:"summary_worker_running"`
	SummaryStats         SummaryStats `json:"summary_stats"`
	Workers              []WorkerRow  `json:"workers"`
}

// LoadStatus gathers queue counts and live workers. Workers silent for
// longer than staleAfter are marked dead first.
func LoadStatus(db *gorm.DB, staleAfter time.Duration) (Status, error) {
	if staleAfter <= 0 {
		staleAfter = worker.DefaultStaleThreshold
	}
	if _, err := worker.MarkStale(db, staleAfter); err != nil {
		return Status{}, err
	}

	counts, err := chatfile.Counts(db)
	if err != nil {
		return Status{}, err
	}
	t := counts.Transcode
	s := counts.Summary
	st := Status{
		QueueStats: QueueStats{
			Unprocessed:  t[models.TranscodeUnprocessed],
			Processing:   t[models.TranscodeProcessing],
			Processed:    t[models.TranscodeProcessed],
			Failed:       t[models.TranscodeFailed],
			DoNotProcess: t[models.TranscodeDoNotProcess],
		},
		SummaryStats: SummaryStats{
			Pending:    s[models.SummaryPending],
			Processing: s[models.SummaryProcessing],
			Ready:      s[models.SummaryDone],
			Failed:     s[models.SummaryFailed],
		},
		Workers: []WorkerRow{},
	}
	for _, n := range t {
		st.QueueStats.Total += n
	}
	for _, n := range s {
		st.SummaryStats.Total += n
	}

	workers, err := worker.List(db, false)
	if err != nil {
		return Status{}, err
	}
	for _, w := range workers {
		switch w.Queue {
		case worker.QueueTranscode:
			st.WorkerRunning = true
		case worker.QueueSummarize:
			st.SummaryWorkerRunning = true
		case worker.QueueAll:
			st.WorkerRunning = true
			st.SummaryWorkerRunning = true
		}
		st.Workers = append(st.Workers, WorkerRow{
			ID:           w.ID,
			Queue:        w.Queue,
			Hostname:     w.Hostname,
			PID:          w.PID,
			Status:       w.Status,
			CurrentFile:  w.CurrentFile,
			StartedAt:    w.StartedAt,
			LastActivity: w.LastActivity,
		})
	}
	return st, nil
}

// FileView is the JSON shape of a chat file.
type FileView struct {
	ID                uint       `json:"id"`
	ConversationID    uint       `json:"conversation_id"`
	OriginalFilename  string     `json:"original_filename"`
	SystemFilename    string     `json:"system_filename"`
	FilePath          string     `json:"file_path"`
	FileType          string     `json:"file_type"`
	MimeType          string     `json:"mime_type"`
	FileSize          int64      `json:"file_size"`
	FileSizeFormatted string     `json:"file_size_formatted"`
	UploadDate        time.Time  `json:"upload_date"`
	HasBeenProcessed  int        `json:"has_been_processed"`
	ProcessingState   string     `json:"processing_state"`
	TranscodedRawFile *string    `json:"transcoded_raw_file,omitempty"`
	AISummary         *string    `json:"ai_summary"`
	StatusSummary     int        `json:"status_summary"`
	SummaryState      string     `json:"summary_state"`
	HumanNotes        *string    `json:"human_notes"`
	DateProcessed     *time.Time `json:"date_processed"`
	TimeToProcess     *float64   `json:"time_to_process"`
	ClaimedBy         string     `json:"claimed_by,omitempty"`
}

func newFileView(f *models.ChatFile, withContent bool, formatSize func(int64) string) FileView {
	v := FileView{
		ID:                f.ID,
		ConversationID:    f.ConversationID,
		OriginalFilename:  f.OriginalFilename,
		SystemFilename:    f.SystemFilename,
		FilePath:          f.FilePath,
		FileType:          f.FileType,
		MimeType:          f.MimeType,
		FileSize:          f.FileSize,
		FileSizeFormatted: formatSize(f.FileSize),
		UploadDate:        f.UploadDate,
		HasBeenProcessed:  f.HasBeenProcessed,
		ProcessingState:   chatfile.TranscodeStateName(f.HasBeenProcessed),
		AISummary:         f.AISummary,
		StatusSummary:     f.SummaryState(),
		SummaryState:      chatfile.SummaryStateName(f.SummaryState()),
		HumanNotes:        f.HumanNotes,
		DateProcessed:     f.DateProcessed,
		TimeToProcess:     f.TimeToProcess,
		ClaimedBy:         f.ClaimedBy,
	}
	if withContent {
		v.TranscodedRawFile = f.TranscodedRawFile
	}
	return v
}
