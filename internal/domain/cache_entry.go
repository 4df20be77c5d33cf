package domain

import "time"

// CacheEntry is a persisted cache value. Frequency and tier are derived
// from the matching CacheMetric and never stored here.
type CacheEntry struct {
	Key        string    `gorm:"type:text;primaryKey" json:"key"`
	Value      []byte    `json:"value"`
	TTLSeconds int64     `json:"ttl_seconds"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  int64     `gorm:"not null;index" json:"expires_at"` // unix milliseconds
}

// Expired reports whether the entry is past its TTL at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.UnixMilli() >= e.ExpiresAt
}

// TableName returns the database table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "cache_entries"
}

// CacheMetric is the access counter kept alongside each cache key.
type CacheMetric struct {
	Key            string    `gorm:"type:text;primaryKey" json:"key"`
	Hits           int64     `gorm:"not null;default:0" json:"hits"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// TableName returns the database table name for CacheMetric.
func (CacheMetric) TableName() string {
	return "cache_metrics"
}
