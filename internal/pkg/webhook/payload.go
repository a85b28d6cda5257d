package webhook

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/subflowhq/subflow/app/models"
)

// PolicyPayload is embedded in every policy lifecycle notification.
type PolicyPayload struct {
	PolicyID        string `json:"policy_id"`
	ChainID         uint64 `json:"chain_id"`
	Payer           string `json:"payer"`
	Merchant        string `json:"merchant"`
	ChargeAmount    int64  `json:"charge_amount"`
	IntervalSeconds int64  `json:"interval_seconds"`
	Active          bool   `json:"active"`
	EndReason       string `json:"end_reason,omitempty"`
}

// ChargePayload is embedded in charge outcome notifications.
type ChargePayload struct {
	ChargeID    string `json:"charge_id"`
	PolicyID    string `json:"policy_id"`
	ChainID     uint64 `json:"chain_id"`
	Status      string `json:"status"`
	Amount      int64  `json:"amount"`
	ProtocolFee *int64 `json:"protocol_fee,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Envelope is the JSON body delivered to merchant endpoints. Data holds one
// of the typed payloads above, keyed by Type.
type Envelope struct {
	Type      string      `json:"type"`
	CreatedAt time.Time   `json:"created_at"`
	Data      interface{} `json:"data"`
}

// NewPolicyEvent builds an outbox row for a policy lifecycle transition.
func NewPolicyEvent(eventType string, policy *models.Policy) (*models.WebhookEvent, error) {
	body, err := json.Marshal(Envelope{
		Type:      eventType,
		CreatedAt: time.Now().UTC(),
		Data: PolicyPayload{
			PolicyID:        policy.ID,
			ChainID:         policy.ChainID,
			Payer:           policy.Payer,
			Merchant:        policy.Merchant,
			ChargeAmount:    policy.ChargeAmount,
			IntervalSeconds: policy.IntervalSeconds,
			Active:          policy.Active,
			EndReason:       policy.EndReason,
		},
	})
	if err != nil {
		return nil, err
	}

	return &models.WebhookEvent{
		ID:          uuid.New().String(),
		PolicyID:    policy.ID,
		ChainID:     policy.ChainID,
		EventType:   eventType,
		PayloadJSON: string(body),
	}, nil
}

// NewChargeEvent builds an outbox row for a charge outcome.
func NewChargeEvent(eventType string, charge *models.ChargeRecord) (*models.WebhookEvent, error) {
	body, err := json.Marshal(Envelope{
		Type:      eventType,
		CreatedAt: time.Now().UTC(),
		Data: ChargePayload{
			ChargeID:    charge.ID,
			PolicyID:    charge.PolicyID,
			ChainID:     charge.ChainID,
			Status:      charge.Status,
			Amount:      charge.Amount,
			ProtocolFee: charge.ProtocolFee,
			TxHash:      charge.TxHash,
			Error:       charge.ErrorMessage,
		},
	})
	if err != nil {
		return nil, err
	}

	return &models.WebhookEvent{
		ID:          uuid.New().String(),
		PolicyID:    charge.PolicyID,
		ChainID:     charge.ChainID,
		ChargeID:    charge.ID,
		EventType:   eventType,
		PayloadJSON: string(body),
	}, nil
}
