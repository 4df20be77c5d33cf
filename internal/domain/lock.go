package domain

import "time"

// Lock is a lease on a named resource. At most one row exists per resource
// key; a row whose lease has expired may be reclaimed by anyone.
//
// Timestamps are unix milliseconds so that expiry comparisons happen in SQL
// as integer comparisons on every driver.
type Lock struct {
	ResourceKey     string `gorm:"type:text;primaryKey" json:"resource_key"`
	OwnerToken      string `gorm:"type:text;not null" json:"owner_token"`
	AcquiredAt      int64  `gorm:"not null" json:"acquired_at"`
	LeaseExpiresAt  int64  `gorm:"not null;index" json:"lease_expires_at"`
	LastHeartbeatAt int64  `gorm:"not null" json:"last_heartbeat_at"`
}

// TableName returns the database table name for Lock.
func (Lock) TableName() string {
	return "sync_locks"
}

// ExpiresAt returns the hard lease expiry.
func (l *Lock) ExpiresAt() time.Time {
	return time.UnixMilli(l.LeaseExpiresAt)
}

// HeartbeatAt returns the time of the last successful renewal.
func (l *Lock) HeartbeatAt() time.Time {
	return time.UnixMilli(l.LastHeartbeatAt)
}

// Expired reports whether now is past the lease expiry.
func (l *Lock) Expired(now time.Time) bool {
	return now.UnixMilli() > l.LeaseExpiresAt
}
