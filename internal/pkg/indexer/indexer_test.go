package indexer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subflowhq/subflow/app/models"
	"github.com/subflowhq/subflow/app/repository"
	"github.com/subflowhq/subflow/internal/pkg/chain"
	"github.com/subflowhq/subflow/internal/pkg/chaincfg"
)

const (
	testChainID     = uint64(84532)
	testContract    = "0xcccc000000000000000000000000000000000003"
	testPolicyTopic = "0x00000000000000000000000000000000000000000000000000000000000000ab"
	testPayerTopic  = "0x0000000000000000000000001111111111111111111111111111111111111111"
	merchantTopic   = "0x0000000000000000000000002222222222222222222222222222222222222222"
	testMerchant    = "0x2222222222222222222222222222222222222222"
)

var genesisTime = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

// fakeClient serves canned logs and time-stamps blocks one second apart.
type fakeClient struct {
	latest   uint64
	logs     []chain.Log
	failLogs int
}

func (f *fakeClient) GetLatestBlock(ctx context.Context) (uint64, error) {
	return f.latest, nil
}

func (f *fakeClient) GetLogs(ctx context.Context, address string, topics []string, fromBlock, toBlock uint64) ([]chain.Log, error) {
	if f.failLogs > 0 {
		f.failLogs--
		return nil, errors.New("rpc unavailable")
	}
	var out []chain.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= fromBlock && lg.BlockNumber <= toBlock {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeClient) GetBlockTimestamp(ctx context.Context, blockNumber uint64) (time.Time, error) {
	return blockTime(blockNumber), nil
}

func blockTime(blockNumber uint64) time.Time {
	return genesisTime.Add(time.Duration(blockNumber) * time.Second)
}

func word(v int64) string {
	return fmt.Sprintf("%064x", v)
}

func creationLog(block uint64, txHash string) chain.Log {
	return chain.Log{
		Address:     testContract,
		Topics:      []string{chain.TopicPolicyCreated, testPolicyTopic, testPayerTopic, merchantTopic},
		Data:        "0x" + word(9990000) + word(2592000) + word(119880000) + word(128) + word(0),
		BlockNumber: block,
		TxHash:      txHash,
	}
}

func chargeLog(block uint64, txHash string) chain.Log {
	return chain.Log{
		Address:     testContract,
		Topics:      []string{chain.TopicChargeSucceeded, testPolicyTopic, merchantTopic},
		Data:        "0x" + word(9990000) + word(9990),
		BlockNumber: block,
		TxHash:      txHash,
	}
}

func revokeLog(block uint64, txHash string) chain.Log {
	return chain.Log{
		Address:     testContract,
		Topics:      []string{chain.TopicPolicyRevoked, testPolicyTopic},
		Data:        "0x",
		BlockNumber: block,
		TxHash:      txHash,
	}
}

func newTestIndexer(repos *repository.Repositories, client chain.Client, merchants []string) *Indexer {
	return New(chaincfg.ChainConfig{
		Name:          "base-sepolia",
		ChainID:       testChainID,
		Contract:      testContract,
		GenesisBlock:  100,
		Confirmations: 12,
		BatchSize:     2000,
	}, client, repos, merchants)
}

func backfillIndexer(repos *repository.Repositories, client chain.Client, from uint64) *Indexer {
	return New(chaincfg.ChainConfig{
		Name:          "base-sepolia",
		ChainID:       testChainID,
		Contract:      testContract,
		GenesisBlock:  100,
		Confirmations: 12,
		BatchSize:     2000,
		BackfillFrom:  from,
	}, client, repos, nil)
}

func webhookTypes(t *testing.T, repos *repository.Repositories) []string {
	t.Helper()
	events, err := repos.Webhook.ListPending(100, 100)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.EventType)
	}
	return types
}

func TestIndexerCreatesPolicyFromEvent(t *testing.T) {
	repos := repository.NewMemoryRepositories()
	client := &fakeClient{latest: 300, logs: []chain.Log{creationLog(150, "0xc1")}}
	ix := newTestIndexer(repos, client, nil)

	require.NoError(t, ix.RunOnce(context.Background()))

	p, err := repos.Policy.GetByID(testChainID, testPolicyTopic)
	require.NoError(t, err)
	assert.Equal(t, testMerchant, p.Merchant)
	assert.Equal(t, int64(9990000), p.ChargeAmount)
	assert.Equal(t, int64(119880000), p.SpendingCap)
	assert.True(t, p.Active)
	// Creation includes the first charge.
	assert.Equal(t, int64(1), p.ChargeCount)
	assert.Equal(t, int64(9990000), p.TotalSpent)
	assert.Equal(t, blockTime(150).Add(2592000*time.Second), p.NextChargeAt)

	// The checkpoint sits at the safety horizon, not the head.
	state, err := repos.IndexerState.Get(testChainID)
	require.NoError(t, err)
	assert.Equal(t, uint64(288), state.LastIndexedBlock)

	assert.Equal(t, []string{models.WebhookEventPolicyCreated}, webhookTypes(t, repos))
}

func TestIndexerRetriesGenesisBlockAfterFailedFirstRun(t *testing.T) {
	repos := repository.NewMemoryRepositories()
	// The very first event lands on the genesis block itself, and the RPC
	// node is down for the whole first run.
	client := &fakeClient{latest: 300, logs: []chain.Log{creationLog(100, "0xc1")}, failLogs: 1}
	ix := newTestIndexer(repos, client, nil)

	require.Error(t, ix.RunOnce(context.Background()))

	// The failed run must not have advanced past the unprocessed genesis
	// block: the retry re-reads it and picks up the event.
	state, err := repos.IndexerState.Get(testChainID)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), state.LastIndexedBlock)

	require.NoError(t, ix.RunOnce(context.Background()))

	p, err := repos.Policy.GetByID(testChainID, testPolicyTopic)
	require.NoError(t, err)
	assert.True(t, p.Active)
}

func TestIndexerReplayIsIdempotent(t *testing.T) {
	repos := repository.NewMemoryRepositories()
	client := &fakeClient{latest: 300, logs: []chain.Log{creationLog(150, "0xc1")}}
	ix := newTestIndexer(repos, client, nil)

	require.NoError(t, ix.RunOnce(context.Background()))

	// Re-read the same range through an explicit backfill, as after a crash
	// between applying a batch and checkpointing it.
	ix2 := backfillIndexer(repos, client, 100)
	require.NoError(t, ix2.RunOnce(context.Background()))

	assert.Equal(t, []string{models.WebhookEventPolicyCreated}, webhookTypes(t, repos))
}

func TestIndexerStopsAtSafetyHorizon(t *testing.T) {
	repos := repository.NewMemoryRepositories()
	// The charge at block 295 is above latest-confirmations and must wait.
	client := &fakeClient{latest: 300, logs: []chain.Log{
		creationLog(150, "0xc1"),
		chargeLog(295, "0xc2"),
	}}
	ix := newTestIndexer(repos, client, nil)

	require.NoError(t, ix.RunOnce(context.Background()))

	p, err := repos.Policy.GetByID(testChainID, testPolicyTopic)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.ChargeCount)

	// Once the chain advances the event becomes visible.
	client.latest = 310
	require.NoError(t, ix.RunOnce(context.Background()))

	p, err = repos.Policy.GetByID(testChainID, testPolicyTopic)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.ChargeCount)
	assert.Equal(t, int64(2*9990000), p.TotalSpent)
}

func TestIndexerDeduplicatesCreationCharge(t *testing.T) {
	repos := repository.NewMemoryRepositories()
	// The charge lands 10 blocks (10s) after creation while the mirrored
	// count is still 1: that is the creation charge surfacing on its own.
	client := &fakeClient{latest: 300, logs: []chain.Log{
		creationLog(150, "0xc1"),
		chargeLog(160, "0xc2"),
	}}
	ix := newTestIndexer(repos, client, nil)

	require.NoError(t, ix.RunOnce(context.Background()))

	p, err := repos.Policy.GetByID(testChainID, testPolicyTopic)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.ChargeCount)
	assert.Equal(t, int64(9990000), p.TotalSpent)
	assert.Equal(t, []string{models.WebhookEventPolicyCreated}, webhookTypes(t, repos))
}

func TestIndexerMirrorsLaterCharge(t *testing.T) {
	repos := repository.NewMemoryRepositories()
	// 100 blocks later is outside the dedup window.
	client := &fakeClient{latest: 400, logs: []chain.Log{
		creationLog(150, "0xc1"),
		chargeLog(250, "0xc2"),
	}}
	ix := newTestIndexer(repos, client, nil)

	require.NoError(t, ix.RunOnce(context.Background()))

	p, err := repos.Policy.GetByID(testChainID, testPolicyTopic)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.ChargeCount)
	assert.Equal(t, blockTime(250), *p.LastChargedAt)

	types := webhookTypes(t, repos)
	assert.Contains(t, types, models.WebhookEventChargeSucceeded)
}

func TestIndexerSkipsWebhookForExecutorCharge(t *testing.T) {
	repos := repository.NewMemoryRepositories()
	client := &fakeClient{latest: 400, logs: []chain.Log{
		creationLog(150, "0xc1"),
		chargeLog(250, "0xexec"),
	}}
	ix := newTestIndexer(repos, client, nil)

	// The executor already recorded and announced this transaction.
	require.NoError(t, repos.Charge.Create(&models.ChargeRecord{
		ID:       "charge-1",
		PolicyID: testPolicyTopic,
		ChainID:  testChainID,
		Status:   models.ChargeStatusSuccess,
		TxHash:   "0xexec",
	}))

	require.NoError(t, ix.RunOnce(context.Background()))

	p, err := repos.Policy.GetByID(testChainID, testPolicyTopic)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.ChargeCount)

	assert.NotContains(t, webhookTypes(t, repos), models.WebhookEventChargeSucceeded)
}

func TestIndexerAppliesRevocationOnce(t *testing.T) {
	repos := repository.NewMemoryRepositories()
	client := &fakeClient{latest: 300, logs: []chain.Log{
		creationLog(150, "0xc1"),
		revokeLog(200, "0xr1"),
	}}
	ix := newTestIndexer(repos, client, nil)

	require.NoError(t, ix.RunOnce(context.Background()))

	p, err := repos.Policy.GetByID(testChainID, testPolicyTopic)
	require.NoError(t, err)
	assert.False(t, p.Active)
	assert.Equal(t, models.PolicyEndReasonRevoked, p.EndReason)

	// Replaying the revocation must not emit a second webhook.
	ix2 := backfillIndexer(repos, client, 100)
	require.NoError(t, ix2.RunOnce(context.Background()))

	revoked := 0
	for _, typ := range webhookTypes(t, repos) {
		if typ == models.WebhookEventPolicyRevoked {
			revoked++
		}
	}
	assert.Equal(t, 1, revoked)
}

func TestIndexerIgnoresRemovedAndUnknownLogs(t *testing.T) {
	repos := repository.NewMemoryRepositories()
	removed := creationLog(150, "0xc1")
	removed.Removed = true
	unknown := chain.Log{
		Address:     testContract,
		Topics:      []string{"0xdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"},
		Data:        "0x",
		BlockNumber: 151,
	}
	client := &fakeClient{latest: 300, logs: []chain.Log{removed, unknown}}
	ix := newTestIndexer(repos, client, nil)

	require.NoError(t, ix.RunOnce(context.Background()))

	_, err := repos.Policy.GetByID(testChainID, testPolicyTopic)
	assert.Error(t, err)
	assert.Empty(t, webhookTypes(t, repos))
}

func TestIndexerHonorsMerchantAllowlist(t *testing.T) {
	repos := repository.NewMemoryRepositories()
	client := &fakeClient{latest: 300, logs: []chain.Log{creationLog(150, "0xc1")}}
	ix := newTestIndexer(repos, client, []string{"0x9999999999999999999999999999999999999999"})

	require.NoError(t, ix.RunOnce(context.Background()))

	_, err := repos.Policy.GetByID(testChainID, testPolicyTopic)
	assert.Error(t, err)
}

func TestIndexerCheckpointIsMonotonic(t *testing.T) {
	repos := repository.NewMemoryRepositories()
	require.NoError(t, repos.IndexerState.SetLastIndexedBlock(testChainID, 500))
	require.NoError(t, repos.IndexerState.SetLastIndexedBlock(testChainID, 400))

	state, err := repos.IndexerState.Get(testChainID)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), state.LastIndexedBlock)
}

func TestIndexerCaughtUpDoesNothing(t *testing.T) {
	repos := repository.NewMemoryRepositories()
	require.NoError(t, repos.IndexerState.SetLastIndexedBlock(testChainID, 288))

	client := &fakeClient{latest: 300, logs: []chain.Log{creationLog(150, "0xc1")}}
	ix := newTestIndexer(repos, client, nil)

	require.NoError(t, ix.RunOnce(context.Background()))

	// Nothing below the horizon is re-read.
	_, err := repos.Policy.GetByID(testChainID, testPolicyTopic)
	assert.Error(t, err)
}
