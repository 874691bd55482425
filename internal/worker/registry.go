// Package worker drives the processing queues: a Runner loops over stages,
// and a registry in the workers table records which daemons are alive.
package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/zulandar/cfq/internal/models"
	"gorm.io/gorm"
)

// Worker status constants.
const (
	StatusIdle    = "idle"
	StatusWorking = "working"
	StatusDead    = "dead"
)

// Queue names a worker may serve.
const (
	QueueTranscode = "transcode"
	QueueSummarize = "summarize"
	QueueAll       = "all"
)

// DefaultHeartbeatInterval is the default interval between heartbeat updates.
const DefaultHeartbeatInterval = 10 * time.Second

// DefaultStaleThreshold is how long a worker may go without a heartbeat
// before it is reported dead.
const DefaultStaleThreshold = 60 * time.Second

// GenerateID creates a worker ID in wrk-xxxxxxxx format (8-char hex).
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("worker: generate ID: %w", err)
	}
	return "wrk-" + hex.EncodeToString(b), nil
}

// generateUniqueID generates an ID and retries once on collision.
func generateUniqueID(db *gorm.DB) (string, error) {
	for range 2 {
		id, err := GenerateID()
		if err != nil {
			return "", err
		}
		var count int64
		if err := db.Model(&models.Worker{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return "", fmt.Errorf("worker: check ID uniqueness: %w", err)
		}
		if count == 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("worker: failed to generate unique ID after retries")
}

// Register creates a worker record with status=idle.
func Register(db *gorm.DB, queue string) (*models.Worker, error) {
	switch queue {
	case QueueTranscode, QueueSummarize, QueueAll:
	default:
		return nil, fmt.Errorf("worker: unknown queue %q", queue)
	}
	id, err := generateUniqueID(db)
	if err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	now := time.Now()
	w := models.Worker{
		ID:           id,
		Queue:        queue,
		Hostname:     host,
		PID:          os.Getpid(),
		Status:       StatusIdle,
		StartedAt:    now,
		LastActivity: now,
	}
	if err := db.Create(&w).Error; err != nil {
		return nil, fmt.Errorf("worker: register: %w", err)
	}
	return &w, nil
}

// Deregister marks a worker as dead.
func Deregister(db *gorm.DB, workerID string) error {
	result := db.Model(&models.Worker{}).Where("id = ?", workerID).Updates(map[string]interface{}{
		"status":       StatusDead,
		"current_file": 0,
	})
	if result.Error != nil {
		return fmt.Errorf("worker: deregister %s: %w", workerID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("worker: not found: %s", workerID)
	}
	return nil
}

// SetBusy records that a worker holds a claim on fileID. Unregistered
// workers (one-shot runs) are ignored.
func SetBusy(db *gorm.DB, workerID string, fileID uint) {
	setActivity(db, workerID, StatusWorking, fileID)
}

// SetIdle records that a worker has finished its current file.
func SetIdle(db *gorm.DB, workerID string) {
	setActivity(db, workerID, StatusIdle, 0)
}

func setActivity(db *gorm.DB, workerID, status string, fileID uint) {
	if db == nil || workerID == "" {
		return
	}
	db.Model(&models.Worker{}).Where("id = ? AND status != ?", workerID, StatusDead).Updates(map[string]interface{}{
		"status":        status,
		"current_file":  fileID,
		"last_activity": time.Now(),
	})
}

// StartHeartbeat launches a goroutine that calls Beat every interval. It
// returns a channel that receives an error if the worker disappears (0 rows
// affected). The goroutine exits when ctx is done.
func StartHeartbeat(ctx context.Context, db *gorm.DB, workerID string, interval time.Duration) <-chan error {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	errCh := make(chan error, 1)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := Beat(db, workerID); err != nil {
					errCh <- err
					return
				}
			}
		}
	}()

	return errCh
}

// Beat records a heartbeat. A worker that MarkStale declared dead while it
// was still running comes back as idle, since SetBusy and SetIdle skip dead
// rows.
func Beat(db *gorm.DB, workerID string) error {
	result := db.Model(&models.Worker{}).
		Where("id = ?", workerID).
		Updates(map[string]interface{}{
			"last_activity": time.Now(),
			"status":        gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END", StatusDead, StatusIdle),
		})
	if result.Error != nil {
		return fmt.Errorf("worker: heartbeat %s: %w", workerID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("worker: heartbeat %s: worker not found", workerID)
	}
	return nil
}

// Get retrieves a worker by ID.
func Get(db *gorm.DB, workerID string) (*models.Worker, error) {
	var w models.Worker
	if err := db.Where("id = ?", workerID).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("worker: not found: %s", workerID)
		}
		return nil, fmt.Errorf("worker: get %s: %w", workerID, err)
	}
	return &w, nil
}

// List returns workers that are not dead, oldest first. Pass all=true to
// include dead ones.
func List(db *gorm.DB, all bool) ([]models.Worker, error) {
	q := db.Model(&models.Worker{})
	if !all {
		q = q.Where("status != ?", StatusDead)
	}
	var workers []models.Worker
	if err := q.Order("started_at ASC").Find(&workers).Error; err != nil {
		return nil, fmt.Errorf("worker: list: %w", err)
	}
	return workers, nil
}

// MarkStale marks workers whose last heartbeat is older than threshold as
// dead and returns how many were marked. This replaces probing the process
// table: a worker that stops heartbeating is treated as gone.
func MarkStale(db *gorm.DB, threshold time.Duration) (int64, error) {
	if threshold <= 0 {
		return 0, fmt.Errorf("worker: threshold must be positive")
	}
	cutoff := time.Now().Add(-threshold)
	result := db.Model(&models.Worker{}).
		Where("last_activity < ? AND status != ?", cutoff, StatusDead).
		Updates(map[string]interface{}{"status": StatusDead, "current_file": 0})
	if result.Error != nil {
		return 0, fmt.Errorf("worker: mark stale: %w", result.Error)
	}
	return result.RowsAffected, nil
}
