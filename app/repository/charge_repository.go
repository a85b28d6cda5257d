package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/subflowhq/subflow/app/models"
)

// chargeRepository implements the ChargeRepository interface
type chargeRepository struct {
	db *gorm.DB
}

// NewChargeRepository creates a new charge record repository instance
func NewChargeRepository(db *gorm.DB) ChargeRepository {
	return &chargeRepository{db: db}
}

func (r *chargeRepository) Create(record *models.ChargeRecord) error {
	return r.db.Create(record).Error
}

func (r *chargeRepository) MarkSuccess(id string, txHash string, amount int64, protocolFee *int64, completedAt time.Time) error {
	return r.db.Model(&models.ChargeRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       models.ChargeStatusSuccess,
			"tx_hash":      txHash,
			"amount":       amount,
			"protocol_fee": protocolFee,
			"completed_at": completedAt,
		}).Error
}

func (r *chargeRepository) MarkFailed(id string, failureKind, errorMessage string, completedAt time.Time) error {
	return r.db.Model(&models.ChargeRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.ChargeStatusFailed,
			"failure_kind":  failureKind,
			"error_message": errorMessage,
			"completed_at":  completedAt,
		}).Error
}

func (r *chargeRepository) GetLatest(chainID uint64, policyID string) (*models.ChargeRecord, error) {
	var record models.ChargeRecord
	err := r.db.Where("chain_id = ? AND policy_id = ?", chainID, policyID).
		Order("created_at DESC").First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *chargeRepository) IncrementAttempt(id string) error {
	return r.db.Model(&models.ChargeRecord{}).
		Where("id = ?", id).
		Update("attempt_count", gorm.Expr("attempt_count + 1")).Error
}

func (r *chargeRepository) GetByID(id string) (*models.ChargeRecord, error) {
	var record models.ChargeRecord
	if err := r.db.Where("id = ?", id).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *chargeRepository) GetByTxHash(chainID uint64, txHash string) (*models.ChargeRecord, error) {
	var record models.ChargeRecord
	err := r.db.Where("chain_id = ? AND tx_hash = ?", chainID, txHash).First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *chargeRepository) ListByPolicy(chainID uint64, policyID string, limit int) ([]models.ChargeRecord, error) {
	var records []models.ChargeRecord
	err := r.db.Where("chain_id = ? AND policy_id = ?", chainID, policyID).
		Order("created_at DESC").Limit(limit).Find(&records).Error
	return records, err
}

func (r *chargeRepository) ListSucceededBetween(chainID uint64, from, to time.Time) ([]models.ChargeRecord, error) {
	var records []models.ChargeRecord
	err := r.db.Where("chain_id = ? AND status = ? AND completed_at >= ? AND completed_at < ?",
		chainID, models.ChargeStatusSuccess, from, to).
		Order("completed_at ASC").Find(&records).Error
	return records, err
}
