package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/subflowhq/subflow/app/models"
	"github.com/subflowhq/subflow/app/repository"
	"github.com/subflowhq/subflow/internal/pkg/chain"
	"github.com/subflowhq/subflow/internal/pkg/chaincfg"
	"github.com/subflowhq/subflow/internal/pkg/metrics/counter"
	"github.com/subflowhq/subflow/internal/pkg/webhook"
)

// creationChargeWindow is the window inside which a ChargeSucceeded event is
// treated as the charge already reflected by policy creation. A legitimately
// fast second charge inside this window (a very short test interval) would be
// suppressed; the contract does not emit a charge sequence number, so a
// timestamp heuristic is the best available signal. Known limitation.
const creationChargeWindow = 60 * time.Second

// Indexer replays the subscription contract's events for one chain into the
// policy store. It only ever reads up to latest-confirmations, so a reorg
// deeper than the confirmation horizon is the only thing that could
// invalidate processed state.
type Indexer struct {
	cfg       chaincfg.ChainConfig
	client    chain.Client
	repos     *repository.Repositories
	merchants map[string]struct{}

	// backfillPending arms the one-shot explicit backfill start.
	backfillPending bool
}

// New creates an indexer for one chain.
func New(cfg chaincfg.ChainConfig, client chain.Client, repos *repository.Repositories, merchantAllowlist []string) *Indexer {
	merchants := make(map[string]struct{}, len(merchantAllowlist))
	for _, m := range merchantAllowlist {
		merchants[m] = struct{}{}
	}
	return &Indexer{
		cfg:             cfg,
		client:          client,
		repos:           repos,
		merchants:       merchants,
		backfillPending: cfg.BackfillFrom > 0,
	}
}

// RunOnce indexes everything between the checkpoint and the safe head. Any
// error aborts the run without advancing the checkpoint past the last fully
// committed batch; the next run retries the same range.
func (ix *Indexer) RunOnce(ctx context.Context) error {
	latest, err := ix.client.GetLatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("latest block: %w", err)
	}
	if latest < ix.cfg.Confirmations {
		return nil
	}
	safeBlock := latest - ix.cfg.Confirmations

	fromBlock, err := ix.resolveFromBlock()
	if err != nil {
		return err
	}
	if fromBlock > safeBlock {
		// Caught up; nothing below the safety horizon to process.
		return nil
	}

	log.Infof("[Indexer] chain %s: indexing blocks %d..%d (head %d)", ix.cfg.Name, fromBlock, safeBlock, latest)

	for start := fromBlock; start <= safeBlock; start += ix.cfg.BatchSize {
		end := start + ix.cfg.BatchSize - 1
		if end > safeBlock {
			// Batches near the head are clamped to the safety horizon.
			end = safeBlock
		}

		if err := ix.processBatch(ctx, start, end); err != nil {
			return fmt.Errorf("batch %d..%d: %w", start, end, err)
		}

		// Checkpoint per batch so a crash re-reads at most one batch.
		if err := ix.repos.IndexerState.SetLastIndexedBlock(ix.cfg.ChainID, end); err != nil {
			return fmt.Errorf("checkpoint %d: %w", end, err)
		}
	}
	return nil
}

// resolveFromBlock picks the start of this run: the one-shot explicit
// backfill, checkpoint+1, or the configured genesis on first run.
func (ix *Indexer) resolveFromBlock() (uint64, error) {
	if ix.backfillPending {
		ix.backfillPending = false
		log.Infof("[Indexer] chain %s: explicit backfill from block %d", ix.cfg.Name, ix.cfg.BackfillFrom)
		return ix.cfg.BackfillFrom, nil
	}

	state, err := ix.repos.IndexerState.Get(ix.cfg.ChainID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("load checkpoint: %w", err)
		}
		// The checkpoint records the highest fully processed block, so the
		// fresh row sits just below genesis until the first batch lands.
		seed := ix.cfg.GenesisBlock
		if seed > 0 {
			seed--
		}
		if err := ix.repos.IndexerState.Initialize(ix.cfg.ChainID, seed); err != nil {
			return 0, fmt.Errorf("initialize checkpoint: %w", err)
		}
		return ix.cfg.GenesisBlock, nil
	}
	return state.LastIndexedBlock + 1, nil
}

func (ix *Indexer) processBatch(ctx context.Context, fromBlock, toBlock uint64) error {
	logs, err := ix.client.GetLogs(ctx, ix.cfg.Contract, chain.Topics(), fromBlock, toBlock)
	if err != nil {
		return fmt.Errorf("get logs: %w", err)
	}

	applied := int64(0)
	for _, lg := range logs {
		if lg.Removed || lg.BlockNumber > toBlock {
			continue
		}
		ev, err := chain.ParseLog(lg)
		if err != nil {
			if errors.Is(err, chain.ErrUnknownEvent) {
				continue
			}
			// Undecodable payloads from a known topic are skipped too; a
			// newer contract revision may have extended the event.
			log.Warnf("[Indexer] chain %s: skipping undecodable log %s/%d: %v", ix.cfg.Name, lg.TxHash, lg.LogIndex, err)
			continue
		}
		if err := ix.applyEvent(ctx, ev); err != nil {
			return fmt.Errorf("event %s at %s/%d: %w", ev.Kind, ev.TxHash, ev.LogIndex, err)
		}
		applied++
	}

	if applied > 0 {
		if err := counter.AddEventsIndexed(ix.cfg.ChainID, applied); err != nil {
			log.Errorf("[Indexer] counter update failed: %v", err)
		}
	}
	return nil
}

// applyEvent commits one event's store mutation together with its webhook
// outbox entry. Each case is idempotent, so redelivery after a crash between
// batches is harmless.
func (ix *Indexer) applyEvent(ctx context.Context, ev chain.Event) error {
	switch ev.Kind {
	case chain.EventPolicyCreated:
		return ix.applyPolicyCreated(ctx, ev)
	case chain.EventPolicyRevoked:
		return ix.applyPolicyEnded(ctx, ev, models.PolicyEndReasonRevoked, models.WebhookEventPolicyRevoked)
	case chain.EventPolicyCancelledByFailure:
		return ix.applyPolicyEnded(ctx, ev, models.PolicyEndReasonFailure, models.WebhookEventPolicyCancelledByFailure)
	case chain.EventChargeSucceeded:
		return ix.applyChargeSucceeded(ctx, ev)
	case chain.EventChargeFailed:
		// Informational only: the executor tracks its own failures, and
		// failures from other relayer instances are not ours to count.
		log.Infof("[Indexer] chain %s: charge failed on-chain for policy %s: %s", ix.cfg.Name, ev.PolicyID, ev.Reason)
		return nil
	}
	return nil
}

func (ix *Indexer) applyPolicyCreated(ctx context.Context, ev chain.Event) error {
	if !ix.merchantAllowed(ev.Merchant) {
		return nil
	}

	blockTime, err := ix.client.GetBlockTimestamp(ctx, ev.BlockNumber)
	if err != nil {
		return fmt.Errorf("block timestamp: %w", err)
	}

	// Creation includes the first charge, so the mirror starts with one
	// charge already applied and the cursor a full interval out.
	policy := &models.Policy{
		ID:              ev.PolicyID,
		ChainID:         ix.cfg.ChainID,
		Payer:           ev.Payer,
		Merchant:        ev.Merchant,
		ChargeAmount:    ev.Amount,
		SpendingCap:     ev.SpendingCap,
		TotalSpent:      ev.Amount,
		IntervalSeconds: ev.Interval,
		LastChargedAt:   &blockTime,
		NextChargeAt:    blockTime.Add(time.Duration(ev.Interval) * time.Second),
		ChargeCount:     1,
		Active:          true,
		MetadataURL:     ev.MetadataURL,
		CreatedBlock:    ev.BlockNumber,
		CreatedTx:       ev.TxHash,
		CreatedAt:       blockTime,
	}

	return ix.repos.Transaction(func(tx *repository.Repositories) error {
		created, err := tx.Policy.Insert(policy)
		if err != nil {
			return err
		}
		if !created {
			return nil
		}
		event, err := webhook.NewPolicyEvent(models.WebhookEventPolicyCreated, policy)
		if err != nil {
			return err
		}
		return tx.Webhook.Enqueue(event)
	})
}

func (ix *Indexer) applyPolicyEnded(ctx context.Context, ev chain.Event, reason, webhookType string) error {
	policy, err := ix.repos.Policy.GetByID(ix.cfg.ChainID, ev.PolicyID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Not a policy this deployment mirrors.
			return nil
		}
		return err
	}

	blockTime, err := ix.client.GetBlockTimestamp(ctx, ev.BlockNumber)
	if err != nil {
		return fmt.Errorf("block timestamp: %w", err)
	}

	return ix.repos.Transaction(func(tx *repository.Repositories) error {
		transitioned, err := tx.Policy.MarkInactive(ix.cfg.ChainID, ev.PolicyID, reason, blockTime)
		if err != nil {
			return err
		}
		if !transitioned {
			// Already inactive, either from an earlier delivery or because
			// the executor got there first.
			return nil
		}
		policy.Active = false
		policy.EndReason = reason
		event, err := webhook.NewPolicyEvent(webhookType, policy)
		if err != nil {
			return err
		}
		return tx.Webhook.Enqueue(event)
	})
}

func (ix *Indexer) applyChargeSucceeded(ctx context.Context, ev chain.Event) error {
	policy, err := ix.repos.Policy.GetByID(ix.cfg.ChainID, ev.PolicyID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	blockTime, err := ix.client.GetBlockTimestamp(ctx, ev.BlockNumber)
	if err != nil {
		return fmt.Errorf("block timestamp: %w", err)
	}

	// The creation event already accounted for the first charge; a success
	// landing right after creation while the count is still 1 is that same
	// charge surfacing as its own event.
	if policy.ChargeCount == 1 && blockTime.Sub(policy.CreatedAt) <= creationChargeWindow {
		return nil
	}

	// Charges executed by this instance already produced a charge.succeeded
	// outbox entry when the executor committed them.
	executorCharge, err := ix.repos.Charge.GetByTxHash(ix.cfg.ChainID, ev.TxHash)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	return ix.repos.Transaction(func(tx *repository.Repositories) error {
		if err := tx.Policy.UpdateAfterCharge(ix.cfg.ChainID, ev.PolicyID, blockTime, ev.Amount); err != nil {
			return err
		}
		if executorCharge != nil {
			return nil
		}
		fee := ev.ProtocolFee
		event, err := webhook.NewChargeEvent(models.WebhookEventChargeSucceeded, &models.ChargeRecord{
			PolicyID:    ev.PolicyID,
			ChainID:     ix.cfg.ChainID,
			Status:      models.ChargeStatusSuccess,
			Amount:      ev.Amount,
			ProtocolFee: &fee,
			TxHash:      ev.TxHash,
		})
		if err != nil {
			return err
		}
		return tx.Webhook.Enqueue(event)
	})
}

func (ix *Indexer) merchantAllowed(merchant string) bool {
	if len(ix.merchants) == 0 {
		return true
	}
	_, ok := ix.merchants[merchant]
	return ok
}
