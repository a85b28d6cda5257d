package chain

import (
	"context"
	"time"
)

// Log is one raw log entry as returned by an RPC node. Topics and Data are
// 0x-prefixed hex strings exactly as the node encodes them.
type Log struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber uint64   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
	LogIndex    uint32   `json:"logIndex"`
	Removed     bool     `json:"removed"`
}

// Client is read-only access to a ledger. The JSON-RPC implementation in this
// package satisfies it; tests substitute fakes.
type Client interface {
	GetLatestBlock(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, address string, topics []string, fromBlock, toBlock uint64) ([]Log, error)
	GetBlockTimestamp(ctx context.Context, blockNumber uint64) (time.Time, error)
}

// ChargeStatus classifies the outcome of an on-chain charge attempt.
type ChargeStatus int

const (
	// ChargeOK means the transaction confirmed and the contract reported a
	// successful transfer.
	ChargeOK ChargeStatus = iota
	// ChargeSoftFail means the attempt resolved but the charge did not go
	// through for a predictable, subscriber-fixable reason (insufficient
	// balance or allowance), either on-chain or in preflight.
	ChargeSoftFail
	// ChargeHardFail means the attempt failed for a reason unrelated to
	// balance: revert, network error, nonce race, timeout. The true outcome
	// of an unconfirmed transaction is unknown and is always reported here.
	ChargeHardFail
)

// ChargeResult is the resolved outcome of one charge attempt.
type ChargeResult struct {
	Status      ChargeStatus
	TxHash      string
	Amount      int64
	ProtocolFee int64
	// Reason carries the failure description for soft and hard failures.
	Reason string
}

// Charger is the on-chain charge operation, fronted by the external signer
// service that owns keys and gas sponsorship.
type Charger interface {
	// Preflight checks whether a charge can currently succeed without
	// spending gas. A false result with a nil error is a soft failure.
	Preflight(ctx context.Context, chainID uint64, policyID string) (bool, string, error)
	// Charge executes the billing transaction and waits for confirmation.
	Charge(ctx context.Context, chainID uint64, policyID string) (ChargeResult, error)
	// Cancel terminates the policy on-chain after repeated soft failures.
	Cancel(ctx context.Context, chainID uint64, policyID string) error
}
