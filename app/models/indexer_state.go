package models

import "time"

// IndexerState is the per-chain checkpoint: the highest block number the
// indexer has fully and safely processed. It only ever moves forward; blocks
// at or below LastIndexedBlock are never re-read outside an explicit backfill.
type IndexerState struct {
	ChainID          uint64    `gorm:"primaryKey;autoIncrement:false" json:"chain_id"`
	LastIndexedBlock uint64    `gorm:"not null" json:"last_indexed_block"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM
func (IndexerState) TableName() string {
	return "indexer_states"
}
