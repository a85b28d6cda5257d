package models

import "time"

const (
	WebhookEventPolicyCreated            = "policy.created"
	WebhookEventPolicyRevoked            = "policy.revoked"
	WebhookEventPolicyCancelledByFailure = "policy.cancelled_by_failure"
	WebhookEventChargeSucceeded          = "charge.succeeded"
	WebhookEventChargeFailed             = "charge.failed"
)

// WebhookEvent is a durable outbox entry awaiting delivery by the webhook
// worker. Rows are inserted in the same transaction as the state change they
// report, so the outbox never describes a transition that didn't happen.
type WebhookEvent struct {
	ID          string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	PolicyID    string     `gorm:"type:varchar(66);not null;index" json:"policy_id"`
	ChainID     uint64     `gorm:"not null" json:"chain_id"`
	ChargeID    string     `gorm:"type:varchar(36)" json:"charge_id,omitempty"`
	EventType   string     `gorm:"type:varchar(40);not null;index" json:"event_type"`
	PayloadJSON string     `gorm:"type:longtext;not null" json:"payload_json"`
	EnqueuedAt  time.Time  `gorm:"autoCreateTime;index" json:"enqueued_at"`
	DeliveredAt *time.Time `gorm:"type:timestamp;default:null" json:"delivered_at,omitempty"`
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`
	LastError   string     `gorm:"type:text" json:"last_error,omitempty"`
}

// TableName returns the table name for GORM
func (WebhookEvent) TableName() string {
	return "webhook_events"
}
