package domain

import "time"

// ContentBlob maps an origin record and a content digest to a stored asset.
// (OriginID, ContentHash) is unique; identical bytes submitted again for the
// same origin bump ReferenceCount instead of writing storage. AttachedAt is
// set once a committed catalog record references the blob; rows that stay
// unattached past the orphan grace are reaped.
type ContentBlob struct {
	ID             string     `gorm:"type:text;primaryKey" json:"id"`
	OriginID       string     `gorm:"type:text;not null;uniqueIndex:idx_content_blobs_origin_hash;index:idx_content_blobs_origin_order,priority:1" json:"origin_id"`
	ContentHash    string     `gorm:"type:text;not null;uniqueIndex:idx_content_blobs_origin_hash;index:idx_content_blobs_hash" json:"content_hash"`
	OrderIndex     int        `gorm:"not null;default:0;index:idx_content_blobs_origin_order,priority:2" json:"order_index"`
	StorageKey     string     `gorm:"type:text;not null" json:"storage_key"`
	StorageURL     string     `gorm:"type:text" json:"storage_url"`
	Size           int64      `json:"size"`
	ContentType    string     `gorm:"type:text" json:"content_type"`
	Width          int        `json:"width,omitempty"`
	Height         int        `json:"height,omitempty"`
	ReferenceCount int64      `gorm:"not null;default:1;index" json:"reference_count"`
	AttachedAt     *time.Time `gorm:"index" json:"attached_at,omitempty"`
	CreatedAt      time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName returns the database table name for ContentBlob.
func (ContentBlob) TableName() string {
	return "content_blobs"
}
