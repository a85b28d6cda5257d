package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/subflowhq/subflow/app/models"
)

// PolicyRepository defines the interface for subscription policy operations
type PolicyRepository interface {
	// Insert creates the mirrored policy row. Duplicate delivery of the same
	// creation event is a no-op; the bool reports whether a row was created.
	Insert(policy *models.Policy) (bool, error)
	GetByID(chainID uint64, policyID string) (*models.Policy, error)
	// GetDueForCharge returns up to limit active policies whose billing
	// cursor has passed, oldest due first. Policies at or above maxFailures
	// consecutive soft failures are excluded, as are policies flagged for
	// operator attention. A non-empty merchant list restricts results to
	// those merchants.
	GetDueForCharge(chainID uint64, now time.Time, limit int, maxFailures int, merchants []string) ([]models.Policy, error)
	// UpdateAfterCharge mirrors a successful on-chain charge into the policy
	// row: last charged time, charge count, and total spent. The billing
	// cursor is the executor's, and is not touched here.
	UpdateAfterCharge(chainID uint64, policyID string, chargedAt time.Time, amount int64) error
	ResetConsecutiveFailures(chainID uint64, policyID string) error
	// RecordSoftFailure bumps the consecutive failure counter, pushes the
	// cursor, and returns the new counter value.
	RecordSoftFailure(chainID uint64, policyID string, nextChargeAt time.Time) (int, error)
	// PushNextChargeAt advances the billing cursor without touching counters.
	PushNextChargeAt(chainID uint64, policyID string, nextChargeAt time.Time) error
	// MarkInactive ends the policy. Already-inactive policies are a no-op;
	// the bool reports whether this call performed the transition.
	MarkInactive(chainID uint64, policyID string, reason string, endedAt time.Time) (bool, error)
	MarkNeedsAttention(chainID uint64, policyID string) error
	List(chainID uint64, merchant, payer string, activeOnly bool, offset, limit int) ([]models.Policy, error)
	CountDue(chainID uint64, now time.Time, maxFailures int) (int64, error)
}

// ChargeRepository defines the interface for charge record operations
type ChargeRepository interface {
	Create(record *models.ChargeRecord) error
	MarkSuccess(id string, txHash string, amount int64, protocolFee *int64, completedAt time.Time) error
	MarkFailed(id string, failureKind, errorMessage string, completedAt time.Time) error
	IncrementAttempt(id string) error
	GetByID(id string) (*models.ChargeRecord, error)
	// GetLatest returns the most recent charge record for a policy, or
	// gorm.ErrRecordNotFound when the policy has never been attempted.
	GetLatest(chainID uint64, policyID string) (*models.ChargeRecord, error)
	// GetByTxHash resolves a confirmed transaction back to the executor
	// attempt that produced it, if this instance produced one.
	GetByTxHash(chainID uint64, txHash string) (*models.ChargeRecord, error)
	ListByPolicy(chainID uint64, policyID string, limit int) ([]models.ChargeRecord, error)
	// ListSucceededBetween returns successful charges in [from, to) for the
	// settlement report export.
	ListSucceededBetween(chainID uint64, from, to time.Time) ([]models.ChargeRecord, error)
}

// WebhookRepository defines the interface for the notification outbox
type WebhookRepository interface {
	Enqueue(event *models.WebhookEvent) error
	// ListPending returns undelivered entries with fewer than maxAttempts
	// delivery attempts, oldest first.
	ListPending(limit int, maxAttempts int) ([]models.WebhookEvent, error)
	MarkDelivered(id string, at time.Time) error
	// RecordFailure bumps the attempt counter and stores the last error.
	RecordFailure(id string, errMsg string) error
	CountPending() (int64, error)
}

// IndexerStateRepository defines the interface for per-chain checkpoints
type IndexerStateRepository interface {
	Get(chainID uint64) (*models.IndexerState, error)
	// Initialize creates the checkpoint row if absent; an existing row wins.
	// The block is the highest one considered already processed.
	Initialize(chainID uint64, block uint64) error
	// SetLastIndexedBlock advances the checkpoint. Writes that would move it
	// backwards are dropped, keeping the checkpoint monotonic.
	SetLastIndexedBlock(chainID uint64, block uint64) error
}

// StatsRepository defines the interface for per-chain relayer counters
type StatsRepository interface {
	ApplyDeltas(chainID uint64, eventsIndexed, succeeded, softFail, hardFail int64) error
	Get(chainID uint64) (*models.ChainStats, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	Policy       PolicyRepository
	Charge       ChargeRepository
	Webhook      WebhookRepository
	IndexerState IndexerStateRepository
	Stats        StatsRepository

	db *gorm.DB
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Policy:       NewPolicyRepository(db),
		Charge:       NewChargeRepository(db),
		Webhook:      NewWebhookRepository(db),
		IndexerState: NewIndexerStateRepository(db),
		Stats:        NewStatsRepository(db),
		db:           db,
	}
}

// Transaction runs fn against repositories bound to one database transaction.
// The indexer uses this to commit each event's policy mutation together with
// its outbox entry; if fn returns an error, neither is visible.
func (r *Repositories) Transaction(fn func(tx *Repositories) error) error {
	if r.db == nil {
		// In-memory repository sets have no transaction boundary.
		return fn(r)
	}
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(NewRepositories(tx))
	})
}
