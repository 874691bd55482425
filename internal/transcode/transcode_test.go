package transcode

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/cfq/internal/chatfile"
	"github.com/zulandar/cfq/internal/config"
	cfqdb "github.com/zulandar/cfq/internal/db"
	"github.com/zulandar/cfq/internal/extract"
	"github.com/zulandar/cfq/internal/models"
	"github.com/zulandar/cfq/internal/storage"
	"github.com/zulandar/cfq/internal/worker"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.ChatFile{}, &models.Worker{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

// seed inserts a row directly, bypassing storage.
func seed(t *testing.T, db *gorm.DB, name string, state int, uploaded time.Time) *models.ChatFile {
	t.Helper()
	f := models.ChatFile{
		ConversationID:   1,
		UploadedBy:       1,
		OriginalFilename: name,
		SystemFilename:   name,
		FilePath:         "missing/" + name,
		FileType:         "text",
		MimeType:         "text/plain",
		FileSize:         1,
		FileHash:         uniqueHash(),
		UploadDate:       uploaded,
		HasBeenProcessed: state,
	}
	if err := db.Create(&f).Error; err != nil {
		t.Fatalf("seed %s: %v", name, err)
	}
	return &f
}

// uniqueHash keeps seeded rows clear of the per-conversation dedup index.
func uniqueHash() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }

func reload(t *testing.T, db *gorm.DB, id uint) *models.ChatFile {
	t.Helper()
	f, err := chatfile.Get(db, id)
	if err != nil {
		t.Fatalf("reload %d: %v", id, err)
	}
	return f
}

func TestClaimNext_OldestFirst(t *testing.T) {
	db := testDB(t)
	base := time.Now().UTC().Add(-time.Hour)
	newer := seed(t, db, "b.txt", models.TranscodeUnprocessed, base.Add(time.Minute))
	older := seed(t, db, "a.txt", models.TranscodeUnprocessed, base)

	f, err := ClaimNext(db, "wrk-1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if f.ID != older.ID {
		t.Errorf("claimed %d, want oldest %d", f.ID, older.ID)
	}
	got := reload(t, db, older.ID)
	if got.HasBeenProcessed != models.TranscodeProcessing || got.ClaimedBy != "wrk-1" || got.ClaimedAt == nil {
		t.Errorf("claimed row = %+v", got)
	}

	f, err = ClaimNext(db, "wrk-1")
	if err != nil || f.ID != newer.ID {
		t.Errorf("second claim = %v, %v", f, err)
	}
	if _, err := ClaimNext(db, "wrk-1"); !errors.Is(err, ErrNoWork) {
		t.Errorf("err = %v, want ErrNoWork", err)
	}
}

func TestClaimNext_SkipsOtherStates(t *testing.T) {
	db := testDB(t)
	now := time.Now().UTC()
	for _, state := range []int{
		models.TranscodeProcessing,
		models.TranscodeProcessed,
		models.TranscodeFailed,
		models.TranscodeDoNotProcess,
	} {
		seed(t, db, "x.txt", state, now)
	}
	_, err := ClaimNext(db, "wrk-1")
	if !errors.Is(err, ErrNoWork) {
		t.Fatalf("err = %v, want ErrNoWork", err)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Error("ErrNoWork should wrap gorm.ErrRecordNotFound")
	}
}

func TestClaimNext_ConcurrentClaimersGetDistinctRows(t *testing.T) {
	db := testDB(t)
	now := time.Now().UTC()
	for i := range 3 {
		seed(t, db, "f.txt", models.TranscodeUnprocessed, now.Add(time.Duration(i)*time.Second))
	}

	var (
		mu      sync.Mutex
		claimed = map[uint]string{}
		noWork  int
		wg      sync.WaitGroup
	)
	for i := range 8 {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			f, err := ClaimNext(db, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrNoWork):
				noWork++
			case err != nil:
				t.Errorf("%s: %v", id, err)
			default:
				if prev, dup := claimed[f.ID]; dup {
					t.Errorf("file %d claimed by %s and %s", f.ID, prev, id)
				}
				claimed[f.ID] = id
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()

	if len(claimed) != 3 || noWork != 5 {
		t.Errorf("claimed = %d, no work = %d", len(claimed), noWork)
	}
}

func TestNextState(t *testing.T) {
	missing := extract.Unavailable("Speech-to-text model not available")
	broken := extract.Failure("PDF processing failed: bad xref")
	tests := []struct {
		policy string
		res    extract.Result
		want   int
	}{
		{config.FailurePermanent, missing, models.TranscodeFailed},
		{config.FailurePermanent, broken, models.TranscodeFailed},
		{config.FailureRetry, broken, models.TranscodeUnprocessed},
		{config.FailureRetryUnavailable, missing, models.TranscodeUnprocessed},
		{config.FailureRetryUnavailable, broken, models.TranscodeFailed},
		{"", broken, models.TranscodeFailed},
	}
	for _, tt := range tests {
		if got := NextState(tt.policy, tt.res); got != tt.want {
			t.Errorf("NextState(%q, %+v) = %d, want %d", tt.policy, tt.res, got, tt.want)
		}
	}
}

func TestMarkFailed_AppendsNote(t *testing.T) {
	db := testDB(t)
	seed(t, db, "a.pdf", models.TranscodeUnprocessed, time.Now().UTC())
	f, _ := ClaimNext(db, "wrk-1")
	db.Model(&models.ChatFile{}).Where("id = ?", f.ID).Update("human_notes", "checked by ops")
	f.HumanNotes = ptr("checked by ops")

	if err := MarkFailed(db, f, extract.Failure("PDF is encrypted and cannot be processed"), time.Second, config.FailurePermanent); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got := reload(t, db, f.ID)
	if got.HasBeenProcessed != models.TranscodeFailed {
		t.Errorf("state = %d", got.HasBeenProcessed)
	}
	lines := strings.Split(got.Notes(), "\n")
	if len(lines) != 2 || lines[0] != "checked by ops" {
		t.Fatalf("notes = %q", got.Notes())
	}
	if !strings.HasPrefix(lines[1], "Processing failed at ") || !strings.HasSuffix(lines[1], ": PDF is encrypted and cannot be processed") {
		t.Errorf("note = %q", lines[1])
	}
}

func TestMarkFailed_RetryReleasesClaim(t *testing.T) {
	db := testDB(t)
	seed(t, db, "a.mp3", models.TranscodeUnprocessed, time.Now().UTC())
	f, _ := ClaimNext(db, "wrk-1")

	if err := MarkFailed(db, f, extract.Unavailable("no model"), 0, config.FailureRetryUnavailable); err != nil {
		t.Fatal(err)
	}
	got := reload(t, db, f.ID)
	if got.HasBeenProcessed != models.TranscodeUnprocessed || got.ClaimedBy != "" || got.ClaimedAt != nil {
		t.Errorf("row = %+v", got)
	}
}

func TestMarkProcessed_RequiresClaim(t *testing.T) {
	db := testDB(t)
	f := seed(t, db, "a.txt", models.TranscodeUnprocessed, time.Now().UTC())
	if err := MarkProcessed(db, f, "text", time.Second); err == nil {
		t.Fatal("expected error for unclaimed file")
	}
}

func TestReclaimStale(t *testing.T) {
	db := testDB(t)
	now := time.Now().UTC()
	stuck := seed(t, db, "stuck.txt", models.TranscodeUnprocessed, now)
	fresh := seed(t, db, "fresh.txt", models.TranscodeUnprocessed, now.Add(time.Second))
	ClaimNext(db, "wrk-dead")
	ClaimNext(db, "wrk-live")
	db.Model(&models.ChatFile{}).Where("id = ?", stuck.ID).Update("claimed_at", now.Add(-2*time.Hour))

	// Without a sweep the stuck row stays claimed.
	if _, err := ClaimNext(db, "wrk-new"); !errors.Is(err, ErrNoWork) {
		t.Fatalf("err = %v, want ErrNoWork", err)
	}

	n, err := ReclaimStale(db, time.Hour)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if n != 1 {
		t.Errorf("released = %d, want 1", n)
	}
	got := reload(t, db, stuck.ID)
	if got.HasBeenProcessed != models.TranscodeUnprocessed || got.ClaimedBy != "" {
		t.Errorf("stuck row = %+v", got)
	}
	if !strings.Contains(got.Notes(), `claim by "wrk-dead" went stale`) {
		t.Errorf("notes = %q", got.Notes())
	}
	if reload(t, db, fresh.ID).HasBeenProcessed != models.TranscodeProcessing {
		t.Error("fresh claim was released")
	}
	if _, err := ReclaimStale(db, 0); err == nil {
		t.Error("expected error for zero timeout")
	}
}

func newQueue(t *testing.T, db *gorm.DB, policy string) (*Queue, *storage.Store) {
	t.Helper()
	store := storage.New(t.TempDir(), 0)
	return &Queue{
		DB:       db,
		Store:    store,
		Registry: extract.NewRegistry(extract.Options{TranscriberErr: errors.New("backend disabled")}),
		WorkerID: "wrk-test",
		Policy:   policy,
	}, store
}

func TestQueue_ProcessOne_TextEndToEnd(t *testing.T) {
	db := testDB(t)
	q, store := newQueue(t, db, config.FailurePermanent)
	w, err := worker.Register(db, worker.QueueTranscode)
	if err != nil {
		t.Fatal(err)
	}
	q.WorkerID = w.ID

	f, err := chatfile.Create(db, store, chatfile.CreateOpts{ConversationID: 1, UploadedBy: 1, Filename: "hello.txt", Data: []byte("Hello world")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	found, err := q.ProcessOne(context.Background())
	if err != nil || !found {
		t.Fatalf("ProcessOne = %v, %v", found, err)
	}
	got := reload(t, db, f.ID)
	if got.HasBeenProcessed != models.TranscodeProcessed {
		t.Errorf("state = %d, notes = %q", got.HasBeenProcessed, got.Notes())
	}
	if got.Content() != "Hello world" {
		t.Errorf("content = %q", got.Content())
	}
	if got.DateProcessed == nil || got.TimeToProcess == nil {
		t.Error("processing metadata not recorded")
	}
	if wk, _ := worker.Get(db, w.ID); wk.Status != worker.StatusIdle || wk.CurrentFile != 0 {
		t.Errorf("worker = %+v", wk)
	}

	found, err = q.ProcessOne(context.Background())
	if err != nil || found {
		t.Errorf("idle ProcessOne = %v, %v", found, err)
	}
}

func TestQueue_ProcessOne_FailuresRecorded(t *testing.T) {
	tests := []struct {
		name      string
		file      string
		body      string
		policy    string
		wantState int
		wantNote  string
	}{
		{"unsupported image", "pic.png", "\x89PNG\r\n\x1a\nrest", config.FailurePermanent, models.TranscodeFailed, "not yet supported for processing"},
		{"audio without backend", "memo.mp3", "ID3fake", config.FailurePermanent, models.TranscodeFailed, "Speech-to-text model not available: backend disabled"},
		{"audio retried when unavailable", "memo.mp3", "ID3fake", config.FailureRetryUnavailable, models.TranscodeUnprocessed, "Speech-to-text model not available"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testDB(t)
			q, store := newQueue(t, db, tt.policy)
			f, err := chatfile.Create(db, store, chatfile.CreateOpts{ConversationID: 1, Filename: tt.file, Data: []byte(tt.body)})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			found, err := q.ProcessOne(context.Background())
			if err != nil || !found {
				t.Fatalf("ProcessOne = %v, %v", found, err)
			}
			got := reload(t, db, f.ID)
			if got.HasBeenProcessed != tt.wantState {
				t.Errorf("state = %d, want %d", got.HasBeenProcessed, tt.wantState)
			}
			if !strings.Contains(got.Notes(), tt.wantNote) {
				t.Errorf("notes = %q, want %q", got.Notes(), tt.wantNote)
			}
		})
	}
}

func TestQueue_ProcessOne_MissingFile(t *testing.T) {
	db := testDB(t)
	q, _ := newQueue(t, db, config.FailurePermanent)
	f := seed(t, db, "gone.txt", models.TranscodeUnprocessed, time.Now().UTC())

	if _, err := q.ProcessOne(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := reload(t, db, f.ID)
	if got.HasBeenProcessed != models.TranscodeFailed || !strings.Contains(got.Notes(), "File not found") {
		t.Errorf("row = state %d notes %q", got.HasBeenProcessed, got.Notes())
	}
}

func TestQueue_StatesOnlyMoveForward(t *testing.T) {
	db := testDB(t)
	q, store := newQueue(t, db, config.FailurePermanent)
	f, _ := chatfile.Create(db, store, chatfile.CreateOpts{ConversationID: 1, Filename: "a.txt", Data: []byte("a")})
	skip, _ := chatfile.Create(db, store, chatfile.CreateOpts{ConversationID: 1, Filename: "b.txt", Data: []byte("b")})
	if err := chatfile.SetState(db, skip.ID, models.TranscodeDoNotProcess); err != nil {
		t.Fatal(err)
	}

	for range 3 {
		if _, err := q.ProcessOne(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if reload(t, db, f.ID).HasBeenProcessed != models.TranscodeProcessed {
		t.Error("file not processed")
	}
	if reload(t, db, skip.ID).HasBeenProcessed != models.TranscodeDoNotProcess {
		t.Error("do-not-process file was touched")
	}
}

func TestClaimNext_SingleRowHasOneWinner(t *testing.T) {
	db, err := cfqdb.Connect("sqlite", filepath.Join(t.TempDir(), "cfq.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfqdb.AutoMigrate(db); err != nil {
		t.Fatal(err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(8)
	defer sqlDB.Close()

	const claimers = 12
	for round := range 5 {
		f := seed(t, db, "only.txt", models.TranscodeUnprocessed, time.Now().UTC())

		var (
			mu      sync.Mutex
			winners []string
			noWork  int
			wg      sync.WaitGroup
		)
		start := make(chan struct{})
		for i := range claimers {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				<-start
				got, err := ClaimNext(db, id)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case errors.Is(err, ErrNoWork):
					noWork++
				case err != nil:
					t.Errorf("round %d %s: %v", round, id, err)
				default:
					if got.ID != f.ID {
						t.Errorf("round %d: claimed unexpected file %d", round, got.ID)
					}
					winners = append(winners, id)
				}
			}(fmt.Sprintf("wrk-%d", i))
		}
		close(start)
		wg.Wait()

		if len(winners) != 1 || noWork != claimers-1 {
			t.Fatalf("round %d: winners = %v, no work = %d", round, winners, noWork)
		}
		row := reload(t, db, f.ID)
		if row.HasBeenProcessed != models.TranscodeProcessing || row.ClaimedBy != winners[0] {
			t.Errorf("round %d: row state %d claimed by %q, want %q", round, row.HasBeenProcessed, row.ClaimedBy, winners[0])
		}
	}
}

// recordStates captures every transcode state written to chat_files.
func recordStates(t *testing.T, db *gorm.DB) func() []int {
	t.Helper()
	var (
		mu     sync.Mutex
		writes []int
	)
	err := db.Callback().Update().After("gorm:update").Register("test:record_states", func(tx *gorm.DB) {
		if tx.Error != nil || tx.RowsAffected == 0 || tx.Statement.Table != "chat_files" {
			return
		}
		m, ok := tx.Statement.Dest.(map[string]interface{})
		if !ok {
			return
		}
		if s, ok := m["has_been_processed"].(int); ok {
			mu.Lock()
			writes = append(writes, s)
			mu.Unlock()
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	return func() []int {
		mu.Lock()
		defer mu.Unlock()
		return append([]int(nil), writes...)
	}
}

// observingTranscriber reads the file's row while it is being worked on.
type observingTranscriber struct {
	db     *gorm.DB
	fileID uint
	seen   *models.ChatFile
	err    error
}

func (o *observingTranscriber) Name() string { return "observing" }

func (o *observingTranscriber) Transcribe(context.Context, string) (*extract.Transcription, error) {
	f, err := chatfile.Get(o.db, o.fileID)
	if err != nil {
		return nil, err
	}
	o.seen = f
	if o.err != nil {
		return nil, o.err
	}
	return &extract.Transcription{Language: "en", Segments: []extract.Segment{{Start: 0, End: 1, Text: "hi"}}}, nil
}

func TestQueue_RecordsEveryStateTransition(t *testing.T) {
	tests := []struct {
		name       string
		policy     string
		err        error
		wantWrites []int
	}{
		{"processed", config.FailurePermanent, nil, []int{models.TranscodeProcessing, models.TranscodeProcessed}},
		{"failed", config.FailurePermanent, errors.New("decoder crashed"), []int{models.TranscodeProcessing, models.TranscodeFailed}},
		{"retried", config.FailureRetry, errors.New("decoder crashed"), []int{models.TranscodeProcessing, models.TranscodeUnprocessed}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testDB(t)
			q, store := newQueue(t, db, tt.policy)
			f, err := chatfile.Create(db, store, chatfile.CreateOpts{ConversationID: 1, Filename: "memo.mp3", Data: []byte("ID3fake")})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			tr := &observingTranscriber{db: db, fileID: f.ID, err: tt.err}
			q.Registry = extract.NewRegistry(extract.Options{Transcriber: tr})
			writes := recordStates(t, db)

			if _, err := q.ProcessOne(context.Background()); err != nil {
				t.Fatal(err)
			}
			if tr.seen == nil {
				t.Fatal("extractor never ran")
			}
			if tr.seen.HasBeenProcessed != models.TranscodeProcessing || tr.seen.ClaimedBy != q.WorkerID || tr.seen.ClaimedAt == nil {
				t.Errorf("row during extraction = state %d claimed by %q at %v", tr.seen.HasBeenProcessed, tr.seen.ClaimedBy, tr.seen.ClaimedAt)
			}
			got := writes()
			if len(got) != len(tt.wantWrites) {
				t.Fatalf("state writes = %v, want %v", got, tt.wantWrites)
			}
			for i := range got {
				if got[i] != tt.wantWrites[i] {
					t.Errorf("state writes = %v, want %v", got, tt.wantWrites)
					break
				}
			}
			if final := reload(t, db, f.ID).HasBeenProcessed; final != tt.wantWrites[len(tt.wantWrites)-1] {
				t.Errorf("final state = %d", final)
			}
		})
	}
}

func TestQueue_ProcessOne_StoreFailureMarksFailed(t *testing.T) {
	db := testDB(t)
	q, store := newQueue(t, db, config.FailureRetry)
	f, err := chatfile.Create(db, store, chatfile.CreateOpts{ConversationID: 1, Filename: "hello.txt", Data: []byte("Hello world")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	err = db.Callback().Update().Before("gorm:update").Register("test:fail_content", func(tx *gorm.DB) {
		if m, ok := tx.Statement.Dest.(map[string]interface{}); ok {
			if _, ok := m["transcoded_raw_file"]; ok {
				tx.AddError(errors.New("disk I/O error"))
			}
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	found, err := q.ProcessOne(context.Background())
	if err != nil || !found {
		t.Fatalf("ProcessOne = %v, %v", found, err)
	}
	got := reload(t, db, f.ID)
	if got.HasBeenProcessed != models.TranscodeFailed {
		t.Errorf("state = %d, want %d", got.HasBeenProcessed, models.TranscodeFailed)
	}
	if !strings.Contains(got.Notes(), "Storing extracted content failed") || !strings.Contains(got.Notes(), "disk I/O error") {
		t.Errorf("notes = %q", got.Notes())
	}
	if got.Content() != "" {
		t.Errorf("content = %q, want none", got.Content())
	}
}

func TestQueue_ProcessOne_BlankTextFails(t *testing.T) {
	db := testDB(t)
	q, store := newQueue(t, db, config.FailurePermanent)
	f, err := chatfile.Create(db, store, chatfile.CreateOpts{ConversationID: 1, Filename: "blank.txt", Data: []byte(" \n\t \n")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := q.ProcessOne(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := reload(t, db, f.ID)
	if got.HasBeenProcessed != models.TranscodeFailed || !strings.Contains(got.Notes(), "No text content") {
		t.Errorf("row = state %d notes %q", got.HasBeenProcessed, got.Notes())
	}
}

func ptr(s string) *string { return &s }
