package models

import "time"

const (
	ChargeStatusPending = "pending"
	ChargeStatusSuccess = "success"
	ChargeStatusFailed  = "failed"
)

const (
	ChargeFailureSoft = "soft"
	ChargeFailureHard = "hard"
)

// ChargeRecord is one attempt to bill a policy. The executor creates the row
// in pending state before touching the chain, so a crash mid-attempt shows up
// as a stuck pending record instead of a silent gap. The policy's billing
// cursor, not this record, governs re-selection.
type ChargeRecord struct {
	ID           string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	PolicyID     string     `gorm:"type:varchar(66);not null;index:idx_charges_policy,priority:2" json:"policy_id"`
	ChainID      uint64     `gorm:"not null;index:idx_charges_policy,priority:1" json:"chain_id"`
	Status       string     `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	Amount       int64      `gorm:"type:bigint;not null" json:"amount"`
	ProtocolFee  *int64     `gorm:"type:bigint;default:null" json:"protocol_fee,omitempty"`
	TxHash       string     `gorm:"type:varchar(66)" json:"tx_hash,omitempty"`
	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`
	// FailureKind distinguishes predictable soft failures (insufficient
	// balance/allowance) from hard failures on failed records. Empty on
	// pending and successful records.
	FailureKind  string     `gorm:"type:varchar(16)" json:"failure_kind,omitempty"`
	AttemptCount int        `gorm:"not null;default:1" json:"attempt_count"`
	CreatedAt    time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	CompletedAt  *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
}

// TableName returns the table name for GORM
func (ChargeRecord) TableName() string {
	return "charge_records"
}

// IsTerminal reports whether the record has reached a final status.
func (c *ChargeRecord) IsTerminal() bool {
	return c.Status == ChargeStatusSuccess || c.Status == ChargeStatusFailed
}
