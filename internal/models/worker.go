package models

import "time"

// Worker represents a running queue daemon.
type Worker struct {
	ID           string `gorm:"primaryKey;size:64"`
	Queue        string `gorm:"size:16;index"`
	Hostname     string `gorm:"size:255"`
	PID          int
	Status       string `gorm:"size:16;index"`
	CurrentFile  uint
	StartedAt    time.Time
	LastActivity time.Time `gorm:"index"`
}
