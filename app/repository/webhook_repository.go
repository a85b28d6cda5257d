package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/subflowhq/subflow/app/models"
)

// webhookRepository implements the WebhookRepository interface
type webhookRepository struct {
	db *gorm.DB
}

// NewWebhookRepository creates a new webhook outbox repository instance
func NewWebhookRepository(db *gorm.DB) WebhookRepository {
	return &webhookRepository{db: db}
}

func (r *webhookRepository) Enqueue(event *models.WebhookEvent) error {
	return r.db.Create(event).Error
}

func (r *webhookRepository) ListPending(limit int, maxAttempts int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := r.db.Where("delivered_at IS NULL AND attempts < ?", maxAttempts).
		Order("enqueued_at ASC").Limit(limit).Find(&events).Error
	return events, err
}

func (r *webhookRepository) MarkDelivered(id string, at time.Time) error {
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).
		Update("delivered_at", at).Error
}

func (r *webhookRepository) RecordFailure(id string, errMsg string) error {
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": errMsg,
		}).Error
}

func (r *webhookRepository) CountPending() (int64, error) {
	var count int64
	err := r.db.Model(&models.WebhookEvent{}).Where("delivered_at IS NULL").Count(&count).Error
	return count, err
}
