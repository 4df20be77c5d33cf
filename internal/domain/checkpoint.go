package domain

import (
	"time"

	"gorm.io/datatypes"
)

// CheckpointStats is the progress snapshot stored with a checkpoint.
type CheckpointStats struct {
	Processed  int64 `json:"processed"`
	Errors     int64 `json:"errors"`
	Duplicates int64 `json:"duplicates"`
}

// Checkpoint is the durable resume marker of a job: the cursor of the last
// fully committed page. Sequence counts committed pages and only grows
// within a run.
type Checkpoint struct {
	JobID     string                              `gorm:"type:text;primaryKey" json:"job_id"`
	Cursor    string                              `gorm:"type:text" json:"cursor"`
	Sequence  int64                               `gorm:"not null;default:0" json:"sequence"`
	Stats     datatypes.JSONType[CheckpointStats] `gorm:"type:text" json:"stats"`
	UpdatedAt time.Time                           `json:"updated_at"`
}

// TableName returns the database table name for Checkpoint.
func (Checkpoint) TableName() string {
	return "sync_checkpoints"
}
