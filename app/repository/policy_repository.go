package repository

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/subflowhq/subflow/app/models"
)

// policyRepository implements the PolicyRepository interface
type policyRepository struct {
	db *gorm.DB
}

// NewPolicyRepository creates a new policy repository instance
func NewPolicyRepository(db *gorm.DB) PolicyRepository {
	return &policyRepository{db: db}
}

func (r *policyRepository) Insert(policy *models.Policy) (bool, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "id"},
			{Name: "chain_id"},
		},
		DoNothing: true,
	}).Create(policy)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *policyRepository) GetByID(chainID uint64, policyID string) (*models.Policy, error) {
	var policy models.Policy
	err := r.db.Where("chain_id = ? AND id = ?", chainID, policyID).First(&policy).Error
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

func (r *policyRepository) GetDueForCharge(chainID uint64, now time.Time, limit int, maxFailures int, merchants []string) ([]models.Policy, error) {
	query := r.db.
		Where("chain_id = ? AND active = ? AND needs_attention = ? AND next_charge_at <= ? AND consecutive_failures < ?",
			chainID, true, false, now, maxFailures)
	if len(merchants) > 0 {
		query = query.Where("merchant IN ?", merchants)
	}

	var policies []models.Policy
	err := query.Order("next_charge_at ASC").Limit(limit).Find(&policies).Error
	return policies, err
}

func (r *policyRepository) UpdateAfterCharge(chainID uint64, policyID string, chargedAt time.Time, amount int64) error {
	return r.db.Model(&models.Policy{}).
		Where("chain_id = ? AND id = ?", chainID, policyID).
		Updates(map[string]interface{}{
			"last_charged_at": chargedAt,
			"charge_count":    gorm.Expr("charge_count + 1"),
			"total_spent":     gorm.Expr("total_spent + ?", amount),
		}).Error
}

func (r *policyRepository) ResetConsecutiveFailures(chainID uint64, policyID string) error {
	return r.db.Model(&models.Policy{}).
		Where("chain_id = ? AND id = ?", chainID, policyID).
		Update("consecutive_failures", 0).Error
}

func (r *policyRepository) RecordSoftFailure(chainID uint64, policyID string, nextChargeAt time.Time) (int, error) {
	err := r.db.Model(&models.Policy{}).
		Where("chain_id = ? AND id = ?", chainID, policyID).
		Updates(map[string]interface{}{
			"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
			"next_charge_at":       nextChargeAt,
		}).Error
	if err != nil {
		return 0, err
	}

	var policy models.Policy
	if err := r.db.Select("consecutive_failures").
		Where("chain_id = ? AND id = ?", chainID, policyID).
		First(&policy).Error; err != nil {
		return 0, err
	}
	return policy.ConsecutiveFailures, nil
}

func (r *policyRepository) PushNextChargeAt(chainID uint64, policyID string, nextChargeAt time.Time) error {
	return r.db.Model(&models.Policy{}).
		Where("chain_id = ? AND id = ?", chainID, policyID).
		Update("next_charge_at", nextChargeAt).Error
}

func (r *policyRepository) MarkInactive(chainID uint64, policyID string, reason string, endedAt time.Time) (bool, error) {
	// active = true in the predicate makes deactivation one-way and repeated
	// delivery of revocation events a no-op.
	tx := r.db.Model(&models.Policy{}).
		Where("chain_id = ? AND id = ? AND active = ?", chainID, policyID, true).
		Updates(map[string]interface{}{
			"active":     false,
			"end_reason": reason,
			"ended_at":   endedAt,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *policyRepository) MarkNeedsAttention(chainID uint64, policyID string) error {
	return r.db.Model(&models.Policy{}).
		Where("chain_id = ? AND id = ?", chainID, policyID).
		Update("needs_attention", true).Error
}

func (r *policyRepository) List(chainID uint64, merchant, payer string, activeOnly bool, offset, limit int) ([]models.Policy, error) {
	query := r.db.Where("chain_id = ?", chainID)
	if merchant != "" {
		query = query.Where("merchant = ?", merchant)
	}
	if payer != "" {
		query = query.Where("payer = ?", payer)
	}
	if activeOnly {
		query = query.Where("active = ?", true)
	}

	var policies []models.Policy
	err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&policies).Error
	return policies, err
}

func (r *policyRepository) CountDue(chainID uint64, now time.Time, maxFailures int) (int64, error) {
	var count int64
	err := r.db.Model(&models.Policy{}).
		Where("chain_id = ? AND active = ? AND next_charge_at <= ? AND consecutive_failures < ?",
			chainID, true, now, maxFailures).
		Count(&count).Error
	return count, err
}
