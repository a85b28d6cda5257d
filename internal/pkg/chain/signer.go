package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/subflowhq/subflow/internal/pkg/env"
)

// SignerClient talks to the signer sidecar that owns wallet keys and gas
// sponsorship. The relayer never holds key material itself; it asks the
// sidecar to execute or cancel charges and maps the response onto the
// success / soft-fail / hard-fail taxonomy.
type SignerClient struct {
	BaseURL    string
	APIToken   string
	HTTPClient *http.Client
}

// NewSignerClient builds the charge client from SIGNER_URL / SIGNER_TOKEN.
// The HTTP timeout bounds the confirmation wait: an attempt that exceeds it
// surfaces as a transport error, which the executor treats as a hard failure
// because the true outcome is unknown.
func NewSignerClient() *SignerClient {
	timeout := time.Duration(env.GetEnvInt("SIGNER_TIMEOUT_SECONDS", 90)) * time.Second
	return &SignerClient{
		BaseURL:    strings.TrimRight(env.GetEnv("SIGNER_URL", "http://localhost:8791"), "/"),
		APIToken:   env.GetEnv("SIGNER_TOKEN", ""),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type chargeRequest struct {
	ChainID  uint64 `json:"chain_id"`
	PolicyID string `json:"policy_id"`
}

type chargeResponse struct {
	Status      string `json:"status"`
	TxHash      string `json:"tx_hash"`
	Amount      int64  `json:"amount"`
	ProtocolFee int64  `json:"protocol_fee"`
	Reason      string `json:"reason"`
}

type preflightResponse struct {
	Chargeable bool   `json:"chargeable"`
	Reason     string `json:"reason"`
}

func (c *SignerClient) post(ctx context.Context, path string, reqBody, out interface{}) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIToken)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("signer %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("signer %s read failed: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signer %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.Unmarshal(raw, out)
}

// Preflight asks the sidecar whether a charge can currently succeed. This is
// a read-only balance/allowance simulation, so a negative answer costs no gas.
func (c *SignerClient) Preflight(ctx context.Context, chainID uint64, policyID string) (bool, string, error) {
	var out preflightResponse
	if err := c.post(ctx, "/v1/charges/preflight", chargeRequest{ChainID: chainID, PolicyID: policyID}, &out); err != nil {
		return false, "", err
	}
	return out.Chargeable, out.Reason, nil
}

// Charge executes the billing transaction and waits for confirmation.
func (c *SignerClient) Charge(ctx context.Context, chainID uint64, policyID string) (ChargeResult, error) {
	var out chargeResponse
	if err := c.post(ctx, "/v1/charges", chargeRequest{ChainID: chainID, PolicyID: policyID}, &out); err != nil {
		return ChargeResult{}, err
	}

	result := ChargeResult{
		TxHash:      out.TxHash,
		Amount:      out.Amount,
		ProtocolFee: out.ProtocolFee,
		Reason:      out.Reason,
	}
	switch out.Status {
	case "success":
		result.Status = ChargeOK
	case "soft_fail":
		result.Status = ChargeSoftFail
	case "hard_fail":
		result.Status = ChargeHardFail
	default:
		return ChargeResult{}, fmt.Errorf("signer returned unknown charge status %q", out.Status)
	}
	return result, nil
}

// Cancel terminates the policy on-chain.
func (c *SignerClient) Cancel(ctx context.Context, chainID uint64, policyID string) error {
	var out struct {
		TxHash string `json:"tx_hash"`
	}
	return c.post(ctx, "/v1/cancellations", chargeRequest{ChainID: chainID, PolicyID: policyID}, &out)
}
