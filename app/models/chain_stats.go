package models

import "time"

// ChainStats holds per-chain relayer counters. The live values accumulate in
// Redis and are flushed into this row periodically by the counter package.
type ChainStats struct {
	ChainID          uint64    `gorm:"primaryKey;autoIncrement:false" json:"chain_id"`
	EventsIndexed    int64     `gorm:"not null;default:0" json:"events_indexed"`
	ChargesSucceeded int64     `gorm:"not null;default:0" json:"charges_succeeded"`
	ChargesSoftFail  int64     `gorm:"not null;default:0" json:"charges_soft_fail"`
	ChargesHardFail  int64     `gorm:"not null;default:0" json:"charges_hard_fail"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM
func (ChainStats) TableName() string {
	return "chain_stats"
}
