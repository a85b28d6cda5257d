package models

import "time"

const (
	// PolicyEndReasonRevoked marks a policy ended by on-chain user revocation.
	PolicyEndReasonRevoked = "revoked"
	// PolicyEndReasonFailure marks a policy cancelled after reaching the
	// consecutive soft-failure bound.
	PolicyEndReasonFailure = "cancelled_by_failure"
)

// Policy mirrors an on-chain subscription authorization: a payer's standing
// grant that lets a merchant be billed ChargeAmount every IntervalSeconds.
// The row is created by the indexer from a PolicyCreated event and mutated by
// both the indexer (revocations, mirrored charges) and the charge executor.
type Policy struct {
	ID                  string     `gorm:"type:varchar(66);primaryKey" json:"id"`
	ChainID             uint64     `gorm:"primaryKey;autoIncrement:false;index:idx_policies_due,priority:1" json:"chain_id"`
	Payer               string     `gorm:"type:varchar(42);not null;index" json:"payer"`
	Merchant            string     `gorm:"type:varchar(42);not null;index" json:"merchant"`
	ChargeAmount        int64      `gorm:"type:bigint;not null" json:"charge_amount"`
	SpendingCap         int64      `gorm:"type:bigint;not null;default:0" json:"spending_cap"`
	TotalSpent          int64      `gorm:"type:bigint;not null;default:0" json:"total_spent"`
	IntervalSeconds     int64      `gorm:"type:bigint;not null" json:"interval_seconds"`
	LastChargedAt       *time.Time `gorm:"type:timestamp;default:null" json:"last_charged_at,omitempty"`
	NextChargeAt        time.Time  `gorm:"type:timestamp;not null;index:idx_policies_due,priority:3" json:"next_charge_at"`
	ChargeCount         int64      `gorm:"not null;default:0" json:"charge_count"`
	Active              bool       `gorm:"not null;default:true;index:idx_policies_due,priority:2" json:"active"`
	ConsecutiveFailures int        `gorm:"not null;default:0" json:"consecutive_failures"`
	NeedsAttention      bool       `gorm:"not null;default:false;index" json:"needs_attention"`
	MetadataURL         string     `gorm:"type:varchar(512)" json:"metadata_url,omitempty"`
	EndReason           string     `gorm:"type:varchar(32)" json:"end_reason,omitempty"`
	EndedAt             *time.Time `gorm:"type:timestamp;default:null" json:"ended_at,omitempty"`
	CreatedBlock        uint64     `gorm:"not null" json:"created_block"`
	CreatedTx           string     `gorm:"type:varchar(66);not null" json:"created_tx"`
	CreatedAt           time.Time  `gorm:"type:timestamp;not null" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM
func (Policy) TableName() string {
	return "policies"
}

// RemainingCap returns how much the policy may still spend, or -1 when the
// cap is unlimited (SpendingCap == 0).
func (p *Policy) RemainingCap() int64 {
	if p.SpendingCap == 0 {
		return -1
	}
	remaining := p.SpendingCap - p.TotalSpent
	if remaining < 0 {
		return 0
	}
	return remaining
}
