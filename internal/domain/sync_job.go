package domain

import "time"

// JobStatus represents the lifecycle state of a sync job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusCancelled || next == JobStatusFailed
	case JobStatusRunning:
		return next == JobStatusPaused || next.Terminal()
	case JobStatusPaused:
		return next == JobStatusRunning || next == JobStatusCancelled || next == JobStatusFailed
	}
	return false
}

// Direction is the data flow of a sync job relative to the catalog.
type Direction string

const (
	DirectionImport Direction = "import"
	DirectionExport Direction = "export"
)

// Entity kinds with dedicated batch handling.
const (
	EntityProducts = "products"
	EntityImages   = "images"
)

// SyncJob represents one synchronization run and its progress counters.
type SyncJob struct {
	ID                   string     `gorm:"type:text;primaryKey" json:"id"`
	EntityKind           string     `gorm:"type:text;not null;index:idx_sync_jobs_kind_status" json:"entity_kind"`
	Direction            Direction  `gorm:"type:text;not null;default:import" json:"direction"`
	Status               JobStatus  `gorm:"type:text;not null;default:pending;index:idx_sync_jobs_kind_status" json:"status"`
	BatchSize            int        `gorm:"not null" json:"batch_size"`
	TotalItems           int64      `gorm:"default:0" json:"total_items"`
	ProcessedCount       int64      `gorm:"default:0" json:"processed_count"`
	ErrorCount           int64      `gorm:"default:0" json:"error_count"`
	DuplicateCount       int64      `gorm:"default:0" json:"duplicate_count"`
	LastCheckpointCursor string     `gorm:"type:text" json:"last_checkpoint_cursor,omitempty"`
	CancelRequested      bool       `gorm:"default:false" json:"cancel_requested"`
	PauseRequested       bool       `gorm:"default:false" json:"pause_requested"`
	Trigger              string     `gorm:"type:text" json:"trigger,omitempty"`
	LastError            string     `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// TableName returns the database table name for SyncJob.
func (SyncJob) TableName() string {
	return "sync_jobs"
}
