package postgres

import "time"

// KVRecord is one row of the engine's key-value table.
type KVRecord struct {
	Key       string    `gorm:"type:text;primaryKey"`
	Value     []byte    `gorm:"type:bytea;not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime;index:idx_kv_updated_at"`
}

// TableName overrides the default table name for GORM.
func (KVRecord) TableName() string {
	return "kv_record"
}
