package executor

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/subflowhq/subflow/app/models"
	"github.com/subflowhq/subflow/app/repository"
	"github.com/subflowhq/subflow/internal/pkg/chain"
	"github.com/subflowhq/subflow/internal/pkg/chaincfg"
	"github.com/subflowhq/subflow/internal/pkg/metrics/counter"
	"github.com/subflowhq/subflow/internal/pkg/webhook"
)

// DefaultMaxConsecutiveFailures bounds soft failures before a policy is
// cancelled.
const DefaultMaxConsecutiveFailures = 3

// Config holds the executor's tuning knobs.
type Config struct {
	Chains                 []chaincfg.ChainConfig
	MerchantAllowlist      []string
	BatchSize              int
	MaxConsecutiveFailures int
	RunInterval            time.Duration
	LeaseTTL               time.Duration
	// DisableLease skips the Redis work lease. Only safe when exactly one
	// executor instance runs against the store.
	DisableLease bool
	Retry        RetryPolicy
}

// Executor selects due policies and drives the charge lifecycle: success,
// soft failure with bounded consecutive count, and hard failure with bounded
// retries. One executor instance spans all configured chains.
type Executor struct {
	cfg     Config
	repos   *repository.Repositories
	charger chain.Charger
	lease   *Lease
	clock   func() time.Time
}

// New creates an executor over the given stores and charge operation.
func New(cfg Config, repos *repository.Repositories, charger chain.Charger) *Executor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = DefaultMaxRetries
	}
	if cfg.RunInterval <= 0 {
		cfg.RunInterval = time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	e := &Executor{
		cfg:     cfg,
		repos:   repos,
		charger: charger,
		clock:   time.Now,
	}
	if !cfg.DisableLease {
		e.lease = NewLease(uuid.New().String(), cfg.LeaseTTL)
	}
	return e
}

// Run polls until ctx is cancelled. Shutdown lands between runs, never in
// the middle of one.
func (e *Executor) Run(ctx context.Context) {
	log.Infof("[Executor] Starting, interval=%s, chains=%d", e.cfg.RunInterval, len(e.cfg.Chains))
	ticker := time.NewTicker(e.cfg.RunInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("[Executor] Stopping")
			return
		case <-ticker.C:
			e.RunOnce(ctx)
		}
	}
}

// RunOnce processes one batch of due policies per chain. Per-chain errors are
// logged and do not keep other chains from running.
func (e *Executor) RunOnce(ctx context.Context) {
	for _, cc := range e.cfg.Chains {
		if err := e.runChain(ctx, cc); err != nil {
			log.Errorf("[Executor] chain %s run failed: %v", cc.Name, err)
		}
	}
}

func (e *Executor) runChain(ctx context.Context, cc chaincfg.ChainConfig) error {
	now := e.clock().UTC()
	due, err := e.repos.Policy.GetDueForCharge(cc.ChainID, now, e.cfg.BatchSize, e.cfg.MaxConsecutiveFailures, e.cfg.MerchantAllowlist)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}
	log.Infof("[Executor] chain %s: %d policies due", cc.Name, len(due))

	for i := range due {
		policy := due[i]
		if e.lease != nil {
			claimed, err := e.lease.Acquire(ctx, policy.ChainID, policy.ID)
			if err != nil {
				log.Errorf("[Executor] lease acquire failed for policy %s: %v", policy.ID, err)
				continue
			}
			if !claimed {
				continue
			}
		}
		e.processPolicy(ctx, &policy)
		if e.lease != nil {
			e.lease.Release(ctx, policy.ChainID, policy.ID)
		}
	}
	return nil
}

// processPolicy runs one charge attempt. The pending charge record goes in
// before anything touches the chain, so an interrupted attempt is visible.
func (e *Executor) processPolicy(ctx context.Context, policy *models.Policy) {
	record := &models.ChargeRecord{
		ID:           uuid.New().String(),
		PolicyID:     policy.ID,
		ChainID:      policy.ChainID,
		Status:       models.ChargeStatusPending,
		Amount:       policy.ChargeAmount,
		AttemptCount: e.nextAttemptCount(policy),
	}
	if err := e.repos.Charge.Create(record); err != nil {
		log.Errorf("[Executor] could not create charge record for policy %s: %v", policy.ID, err)
		return
	}

	chargeable, reason, err := e.charger.Preflight(ctx, policy.ChainID, policy.ID)
	if err != nil {
		e.handleHardFail(ctx, policy, record, err.Error())
		return
	}
	if !chargeable {
		e.handleSoftFail(ctx, policy, record, reason)
		return
	}

	result, err := e.charger.Charge(ctx, policy.ChainID, policy.ID)
	if err != nil {
		e.handleHardFail(ctx, policy, record, err.Error())
		return
	}

	switch result.Status {
	case chain.ChargeOK:
		e.handleSuccess(policy, record, result)
	case chain.ChargeSoftFail:
		e.handleSoftFail(ctx, policy, record, result.Reason)
	case chain.ChargeHardFail:
		e.handleHardFail(ctx, policy, record, result.Reason)
	}
}

// nextAttemptCount continues the hard-failure attempt streak across runs: a
// fresh attempt after a hard failure is attempt N+1 of the same logical
// charge, anything else starts at 1.
func (e *Executor) nextAttemptCount(policy *models.Policy) int {
	last, err := e.repos.Charge.GetLatest(policy.ChainID, policy.ID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Errorf("[Executor] could not load latest charge for policy %s: %v", policy.ID, err)
		}
		return 1
	}
	if last.Status == models.ChargeStatusFailed && last.FailureKind == models.ChargeFailureHard {
		return last.AttemptCount + 1
	}
	return 1
}

func (e *Executor) handleSuccess(policy *models.Policy, record *models.ChargeRecord, result chain.ChargeResult) {
	now := e.clock().UTC()
	// Cursor advances from now, not from the previous cursor, so downtime
	// does not cause runaway catch-up charges.
	next := now.Add(time.Duration(policy.IntervalSeconds) * time.Second)

	record.Status = models.ChargeStatusSuccess
	record.TxHash = result.TxHash
	record.Amount = result.Amount
	record.ProtocolFee = &result.ProtocolFee

	err := e.repos.Transaction(func(tx *repository.Repositories) error {
		if err := tx.Charge.MarkSuccess(record.ID, result.TxHash, result.Amount, record.ProtocolFee, now); err != nil {
			return err
		}
		// The cursor moves from now; charge_count and total_spent are
		// mirrored by the indexer from the on-chain event.
		if err := tx.Policy.PushNextChargeAt(policy.ChainID, policy.ID, next); err != nil {
			return err
		}
		if err := tx.Policy.ResetConsecutiveFailures(policy.ChainID, policy.ID); err != nil {
			return err
		}
		event, err := webhook.NewChargeEvent(models.WebhookEventChargeSucceeded, record)
		if err != nil {
			return err
		}
		return tx.Webhook.Enqueue(event)
	})
	if err != nil {
		log.Errorf("[Executor] could not commit successful charge %s: %v", record.ID, err)
		return
	}

	if err := counter.AddChargeSucceeded(policy.ChainID); err != nil {
		log.Errorf("[Executor] counter update failed: %v", err)
	}
	log.Infof("[Executor] charged policy %s (amount=%d, tx=%s)", policy.ID, result.Amount, result.TxHash)
}

func (e *Executor) handleSoftFail(ctx context.Context, policy *models.Policy, record *models.ChargeRecord, reason string) {
	now := e.clock().UTC()
	next := now.Add(time.Duration(policy.IntervalSeconds) * time.Second)

	record.Status = models.ChargeStatusFailed
	record.ErrorMessage = reason

	var failures int
	err := e.repos.Transaction(func(tx *repository.Repositories) error {
		if err := tx.Charge.MarkFailed(record.ID, models.ChargeFailureSoft, reason, now); err != nil {
			return err
		}
		var err error
		// Soft failures recur until the subscriber tops up, so the next try
		// waits a full cycle rather than hammering the chain.
		failures, err = tx.Policy.RecordSoftFailure(policy.ChainID, policy.ID, next)
		if err != nil {
			return err
		}
		event, err := webhook.NewChargeEvent(models.WebhookEventChargeFailed, record)
		if err != nil {
			return err
		}
		return tx.Webhook.Enqueue(event)
	})
	if err != nil {
		log.Errorf("[Executor] could not commit soft failure for charge %s: %v", record.ID, err)
		return
	}

	if err := counter.AddChargeSoftFail(policy.ChainID); err != nil {
		log.Errorf("[Executor] counter update failed: %v", err)
	}
	log.Infof("[Executor] soft failure for policy %s (%d/%d): %s", policy.ID, failures, e.cfg.MaxConsecutiveFailures, reason)

	if failures >= e.cfg.MaxConsecutiveFailures {
		e.cancelAfterFailures(ctx, policy)
	}
}

// cancelAfterFailures retires a policy that has exhausted its soft-failure
// budget. The on-chain cancellation is attempted first, but the store is the
// source of truth for whether we keep trying, so the policy goes inactive
// even if that call fails.
func (e *Executor) cancelAfterFailures(ctx context.Context, policy *models.Policy) {
	if err := e.charger.Cancel(ctx, policy.ChainID, policy.ID); err != nil {
		log.Errorf("[Executor] on-chain cancel failed for policy %s (continuing): %v", policy.ID, err)
	}

	now := e.clock().UTC()
	err := e.repos.Transaction(func(tx *repository.Repositories) error {
		transitioned, err := tx.Policy.MarkInactive(policy.ChainID, policy.ID, models.PolicyEndReasonFailure, now)
		if err != nil {
			return err
		}
		if !transitioned {
			return nil
		}
		policy.Active = false
		policy.EndReason = models.PolicyEndReasonFailure
		event, err := webhook.NewPolicyEvent(models.WebhookEventPolicyCancelledByFailure, policy)
		if err != nil {
			return err
		}
		return tx.Webhook.Enqueue(event)
	})
	if err != nil {
		log.Errorf("[Executor] could not cancel policy %s after failures: %v", policy.ID, err)
		return
	}
	log.Infof("[Executor] policy %s cancelled after %d consecutive failures", policy.ID, e.cfg.MaxConsecutiveFailures)
}

func (e *Executor) handleHardFail(ctx context.Context, policy *models.Policy, record *models.ChargeRecord, reason string) {
	now := e.clock().UTC()

	// A revocation race with the indexer: the chain already closed this
	// policy, so reconcile the store immediately and spend no retry budget.
	if IsPolicyInactiveReason(reason) {
		err := e.repos.Transaction(func(tx *repository.Repositories) error {
			if err := tx.Charge.MarkFailed(record.ID, models.ChargeFailureHard, reason, now); err != nil {
				return err
			}
			transitioned, err := tx.Policy.MarkInactive(policy.ChainID, policy.ID, models.PolicyEndReasonRevoked, now)
			if err != nil {
				return err
			}
			if !transitioned {
				return nil
			}
			policy.Active = false
			policy.EndReason = models.PolicyEndReasonRevoked
			event, err := webhook.NewPolicyEvent(models.WebhookEventPolicyRevoked, policy)
			if err != nil {
				return err
			}
			return tx.Webhook.Enqueue(event)
		})
		if err != nil {
			log.Errorf("[Executor] could not reconcile revoked policy %s: %v", policy.ID, err)
		}
		log.Infof("[Executor] policy %s inactive on-chain, store reconciled", policy.ID)
		return
	}

	next := now.Add(time.Duration(policy.IntervalSeconds) * time.Second)
	record.Status = models.ChargeStatusFailed
	record.ErrorMessage = reason

	err := e.repos.Transaction(func(tx *repository.Repositories) error {
		if err := tx.Charge.MarkFailed(record.ID, models.ChargeFailureHard, reason, now); err != nil {
			return err
		}
		// The cursor still moves so this run cannot re-select the policy.
		return tx.Policy.PushNextChargeAt(policy.ChainID, policy.ID, next)
	})
	if err != nil {
		log.Errorf("[Executor] could not commit hard failure for charge %s: %v", record.ID, err)
		return
	}

	if err := counter.AddChargeHardFail(policy.ChainID); err != nil {
		log.Errorf("[Executor] counter update failed: %v", err)
	}

	if e.cfg.Retry.ShouldRetry(record.AttemptCount, reason) {
		log.Infof("[Executor] hard failure for policy %s (attempt %d/%d), will retry: %s",
			policy.ID, record.AttemptCount, e.cfg.Retry.MaxRetries, reason)
		return
	}

	// Retries exhausted (or the reason is terminal): the subscription stays
	// active but an operator has to look at it.
	err = e.repos.Transaction(func(tx *repository.Repositories) error {
		if err := tx.Policy.MarkNeedsAttention(policy.ChainID, policy.ID); err != nil {
			return err
		}
		event, err := webhook.NewChargeEvent(models.WebhookEventChargeFailed, record)
		if err != nil {
			return err
		}
		return tx.Webhook.Enqueue(event)
	})
	if err != nil {
		log.Errorf("[Executor] could not flag policy %s for attention: %v", policy.ID, err)
		return
	}
	log.Errorf("[Executor] policy %s needs attention after %d hard failures: %s", policy.ID, record.AttemptCount, reason)
}
