package repository

import (
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/subflowhq/subflow/app/models"
)

// NewMemoryRepositories returns a repository set backed by in-process maps.
// It honors the same contracts as the MySQL implementation (idempotent
// insert, one-way inactive transition, monotonic checkpoint) and is what the
// engine tests run against.
func NewMemoryRepositories() *Repositories {
	store := &memoryStore{
		policies:    map[policyKey]*models.Policy{},
		charges:     map[string]*models.ChargeRecord{},
		webhooks:    map[string]*models.WebhookEvent{},
		checkpoints: map[uint64]*models.IndexerState{},
		stats:       map[uint64]*models.ChainStats{},
	}
	return &Repositories{
		Policy:       &memoryPolicyRepository{store},
		Charge:       &memoryChargeRepository{store},
		Webhook:      &memoryWebhookRepository{store},
		IndexerState: &memoryIndexerStateRepository{store},
		Stats:        &memoryStatsRepository{store},
	}
}

type policyKey struct {
	chainID  uint64
	policyID string
}

type memoryStore struct {
	mu          sync.Mutex
	policies    map[policyKey]*models.Policy
	charges     map[string]*models.ChargeRecord
	webhooks    map[string]*models.WebhookEvent
	checkpoints map[uint64]*models.IndexerState
	stats       map[uint64]*models.ChainStats
	chargeSeq   int
}

type memoryPolicyRepository struct{ s *memoryStore }

func (r *memoryPolicyRepository) Insert(policy *models.Policy) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := policyKey{policy.ChainID, policy.ID}
	if _, exists := r.s.policies[key]; exists {
		return false, nil
	}
	cp := *policy
	r.s.policies[key] = &cp
	return true, nil
}

func (r *memoryPolicyRepository) GetByID(chainID uint64, policyID string) (*models.Policy, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.policies[policyKey{chainID, policyID}]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memoryPolicyRepository) GetDueForCharge(chainID uint64, now time.Time, limit int, maxFailures int, merchants []string) ([]models.Policy, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var due []models.Policy
	for _, p := range r.s.policies {
		if p.ChainID != chainID || !p.Active || p.NeedsAttention || p.NextChargeAt.After(now) {
			continue
		}
		if p.ConsecutiveFailures >= maxFailures {
			continue
		}
		if len(merchants) > 0 && !containsFold(merchants, p.Merchant) {
			continue
		}
		due = append(due, *p)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextChargeAt.Before(due[j].NextChargeAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *memoryPolicyRepository) UpdateAfterCharge(chainID uint64, policyID string, chargedAt time.Time, amount int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.policies[policyKey{chainID, policyID}]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	t := chargedAt
	p.LastChargedAt = &t
	p.ChargeCount++
	p.TotalSpent += amount
	return nil
}

func (r *memoryPolicyRepository) ResetConsecutiveFailures(chainID uint64, policyID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.policies[policyKey{chainID, policyID}]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	p.ConsecutiveFailures = 0
	return nil
}

func (r *memoryPolicyRepository) RecordSoftFailure(chainID uint64, policyID string, nextChargeAt time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.policies[policyKey{chainID, policyID}]
	if !ok {
		return 0, gorm.ErrRecordNotFound
	}
	p.ConsecutiveFailures++
	p.NextChargeAt = nextChargeAt
	return p.ConsecutiveFailures, nil
}

func (r *memoryPolicyRepository) PushNextChargeAt(chainID uint64, policyID string, nextChargeAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.policies[policyKey{chainID, policyID}]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	p.NextChargeAt = nextChargeAt
	return nil
}

func (r *memoryPolicyRepository) MarkInactive(chainID uint64, policyID string, reason string, endedAt time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.policies[policyKey{chainID, policyID}]
	if !ok {
		return false, gorm.ErrRecordNotFound
	}
	if !p.Active {
		return false, nil
	}
	t := endedAt
	p.Active = false
	p.EndReason = reason
	p.EndedAt = &t
	return true, nil
}

func (r *memoryPolicyRepository) MarkNeedsAttention(chainID uint64, policyID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.policies[policyKey{chainID, policyID}]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	p.NeedsAttention = true
	return nil
}

func (r *memoryPolicyRepository) List(chainID uint64, merchant, payer string, activeOnly bool, offset, limit int) ([]models.Policy, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []models.Policy
	for _, p := range r.s.policies {
		if p.ChainID != chainID {
			continue
		}
		if merchant != "" && !strings.EqualFold(p.Merchant, merchant) {
			continue
		}
		if payer != "" && !strings.EqualFold(p.Payer, payer) {
			continue
		}
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryPolicyRepository) CountDue(chainID uint64, now time.Time, maxFailures int) (int64, error) {
	due, err := r.GetDueForCharge(chainID, now, 0, maxFailures, nil)
	if err != nil {
		return 0, err
	}
	return int64(len(due)), nil
}

type memoryChargeRepository struct{ s *memoryStore }

func (r *memoryChargeRepository) Create(record *models.ChargeRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cp := *record
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.s.chargeSeq++
	// Sequence disambiguates records created within one clock tick.
	cp.CreatedAt = cp.CreatedAt.Add(time.Duration(r.s.chargeSeq) * time.Nanosecond)
	r.s.charges[cp.ID] = &cp
	return nil
}

func (r *memoryChargeRepository) MarkSuccess(id string, txHash string, amount int64, protocolFee *int64, completedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.charges[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	t := completedAt
	c.Status = models.ChargeStatusSuccess
	c.TxHash = txHash
	c.Amount = amount
	c.ProtocolFee = protocolFee
	c.CompletedAt = &t
	return nil
}

func (r *memoryChargeRepository) MarkFailed(id string, failureKind, errorMessage string, completedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.charges[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	t := completedAt
	c.Status = models.ChargeStatusFailed
	c.FailureKind = failureKind
	c.ErrorMessage = errorMessage
	c.CompletedAt = &t
	return nil
}

func (r *memoryChargeRepository) IncrementAttempt(id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.charges[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	c.AttemptCount++
	return nil
}

func (r *memoryChargeRepository) GetByID(id string) (*models.ChargeRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.charges[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memoryChargeRepository) GetLatest(chainID uint64, policyID string) (*models.ChargeRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var latest *models.ChargeRecord
	for _, c := range r.s.charges {
		if c.ChainID != chainID || c.PolicyID != policyID {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *memoryChargeRepository) GetByTxHash(chainID uint64, txHash string) (*models.ChargeRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, c := range r.s.charges {
		if c.ChainID == chainID && c.TxHash == txHash && txHash != "" {
			cp := *c
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memoryChargeRepository) ListByPolicy(chainID uint64, policyID string, limit int) ([]models.ChargeRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []models.ChargeRecord
	for _, c := range r.s.charges {
		if c.ChainID == chainID && c.PolicyID == policyID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryChargeRepository) ListSucceededBetween(chainID uint64, from, to time.Time) ([]models.ChargeRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []models.ChargeRecord
	for _, c := range r.s.charges {
		if c.ChainID != chainID || c.Status != models.ChargeStatusSuccess || c.CompletedAt == nil {
			continue
		}
		if c.CompletedAt.Before(from) || !c.CompletedAt.Before(to) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(*out[j].CompletedAt) })
	return out, nil
}

type memoryWebhookRepository struct{ s *memoryStore }

func (r *memoryWebhookRepository) Enqueue(event *models.WebhookEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cp := *event
	if cp.EnqueuedAt.IsZero() {
		cp.EnqueuedAt = time.Now().UTC()
	}
	r.s.webhooks[cp.ID] = &cp
	return nil
}

func (r *memoryWebhookRepository) ListPending(limit int, maxAttempts int) ([]models.WebhookEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []models.WebhookEvent
	for _, e := range r.s.webhooks {
		if e.DeliveredAt != nil || e.Attempts >= maxAttempts {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryWebhookRepository) MarkDelivered(id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.webhooks[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	t := at
	e.DeliveredAt = &t
	return nil
}

func (r *memoryWebhookRepository) RecordFailure(id string, errMsg string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.webhooks[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	e.Attempts++
	e.LastError = errMsg
	return nil
}

func (r *memoryWebhookRepository) CountPending() (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for _, e := range r.s.webhooks {
		if e.DeliveredAt == nil {
			n++
		}
	}
	return n, nil
}

type memoryIndexerStateRepository struct{ s *memoryStore }

func (r *memoryIndexerStateRepository) Get(chainID uint64) (*models.IndexerState, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	st, ok := r.s.checkpoints[chainID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *st
	return &cp, nil
}

func (r *memoryIndexerStateRepository) Initialize(chainID uint64, block uint64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.checkpoints[chainID]; ok {
		return nil
	}
	r.s.checkpoints[chainID] = &models.IndexerState{ChainID: chainID, LastIndexedBlock: block}
	return nil
}

func (r *memoryIndexerStateRepository) SetLastIndexedBlock(chainID uint64, block uint64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	st, ok := r.s.checkpoints[chainID]
	if !ok {
		r.s.checkpoints[chainID] = &models.IndexerState{ChainID: chainID, LastIndexedBlock: block}
		return nil
	}
	if block > st.LastIndexedBlock {
		st.LastIndexedBlock = block
	}
	return nil
}

type memoryStatsRepository struct{ s *memoryStore }

func (r *memoryStatsRepository) ApplyDeltas(chainID uint64, eventsIndexed, succeeded, softFail, hardFail int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	st, ok := r.s.stats[chainID]
	if !ok {
		st = &models.ChainStats{ChainID: chainID}
		r.s.stats[chainID] = st
	}
	st.EventsIndexed += eventsIndexed
	st.ChargesSucceeded += succeeded
	st.ChargesSoftFail += softFail
	st.ChargesHardFail += hardFail
	return nil
}

func (r *memoryStatsRepository) Get(chainID uint64) (*models.ChainStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	st, ok := r.s.stats[chainID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *st
	return &cp, nil
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}
