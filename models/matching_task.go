package models

import "time"

// TaskStatus is the outcome of a scheduler run.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

const (
	TaskTypeMatching = "matching"
	TaskTypeCleanup  = "cleanup"
)

// MatchingTask is the append-only audit record of one scheduler run.
type MatchingTask struct {
	ID       string     `gorm:"primaryKey;type:varchar(26)" json:"id"` // ulid
	TaskType string     `gorm:"type:varchar(16);index;not null" json:"task_type"`
	Status   TaskStatus `gorm:"type:varchar(16);index;not null" json:"status"`

	BatchSize      int `json:"batch_size,omitempty"`
	ProcessedCount int `json:"processed_count"`
	MatchedCount   int `json:"matched_count"`
	StartedCount   int `json:"started_count"`
	ErrorCount     int `json:"error_count"`
	CleanedCount   int `json:"cleaned_count"`

	ProcessingTimeMs int64  `json:"processing_time_ms"`
	Error            string `gorm:"type:text" json:"error,omitempty"`

	StartedAt   time.Time  `gorm:"index" json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}
