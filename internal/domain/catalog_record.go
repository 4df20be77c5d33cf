package domain

import (
	"time"

	"gorm.io/datatypes"
)

// CatalogRecord is a destination-side catalog row, keyed by the natural key
// of the source record so repeated deliveries converge on the same row.
type CatalogRecord struct {
	ID              string                        `gorm:"type:text;primaryKey" json:"id"`
	NaturalKey      string                        `gorm:"type:text;not null;uniqueIndex" json:"natural_key"`
	Kind            string                        `gorm:"type:text;not null;index" json:"kind"`
	Fields          datatypes.JSONMap             `gorm:"type:text" json:"fields"`
	AssetRefs       datatypes.JSONSlice[AssetRef] `gorm:"type:text" json:"asset_refs"`
	SourceUpdatedAt *time.Time                    `json:"source_updated_at,omitempty"`
	CreatedAt       time.Time                     `json:"created_at"`
	UpdatedAt       time.Time                     `json:"updated_at"`
}

// TableName returns the database table name for CatalogRecord.
func (CatalogRecord) TableName() string {
	return "catalog_records"
}

// AssetRef is the lightweight reference to a deduplicated asset stored on a
// catalog record.
type AssetRef struct {
	BlobID      string `json:"blob_id"`
	ContentHash string `json:"content_hash"`
	OrderIndex  int    `json:"order_index"`
	URL         string `json:"url"`
}
