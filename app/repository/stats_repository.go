package repository

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/subflowhq/subflow/app/models"
)

// statsRepository implements the StatsRepository interface
type statsRepository struct {
	db *gorm.DB
}

// NewStatsRepository creates a new chain stats repository instance
func NewStatsRepository(db *gorm.DB) StatsRepository {
	return &statsRepository{db: db}
}

func (r *statsRepository) ApplyDeltas(chainID uint64, eventsIndexed, succeeded, softFail, hardFail int64) error {
	if eventsIndexed == 0 && succeeded == 0 && softFail == 0 && hardFail == 0 {
		return nil
	}
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chain_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"events_indexed":    gorm.Expr("events_indexed + ?", eventsIndexed),
			"charges_succeeded": gorm.Expr("charges_succeeded + ?", succeeded),
			"charges_soft_fail": gorm.Expr("charges_soft_fail + ?", softFail),
			"charges_hard_fail": gorm.Expr("charges_hard_fail + ?", hardFail),
		}),
	}).Create(&models.ChainStats{
		ChainID:          chainID,
		EventsIndexed:    eventsIndexed,
		ChargesSucceeded: succeeded,
		ChargesSoftFail:  softFail,
		ChargesHardFail:  hardFail,
	}).Error
}

func (r *statsRepository) Get(chainID uint64) (*models.ChainStats, error) {
	var stats models.ChainStats
	if err := r.db.Where("chain_id = ?", chainID).First(&stats).Error; err != nil {
		return nil, err
	}
	return &stats, nil
}
