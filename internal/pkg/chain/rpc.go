package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RPCClient is a minimal JSON-RPC client for the three read calls the indexer
// needs. It deliberately avoids a full ethereum client dependency: the relayer
// never signs anything and only ever reads logs and block headers.
type RPCClient struct {
	URL        string
	HTTPClient *http.Client
}

// NewRPCClient creates a read-only RPC client for one chain endpoint.
func NewRPCClient(url string) *RPCClient {
	return &RPCClient{
		URL:        url,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("%s read failed: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", method, resp.StatusCode)
	}

	var parsed rpcResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("%s returned malformed JSON: %w", method, err)
	}
	if parsed.Error != nil {
		return parsed.Error
	}
	return json.Unmarshal(parsed.Result, result)
}

// GetLatestBlock returns the current chain head number.
func (c *RPCClient) GetLatestBlock(ctx context.Context) (uint64, error) {
	var hexNum string
	if err := c.call(ctx, "eth_blockNumber", []interface{}{}, &hexNum); err != nil {
		return 0, err
	}
	return parseHexUint(hexNum)
}

type rpcLog struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber string   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
	LogIndex    string   `json:"logIndex"`
	Removed     bool     `json:"removed"`
}

// GetLogs fetches logs for the contract address filtered to the given topic0
// set over an inclusive block range.
func (c *RPCClient) GetLogs(ctx context.Context, address string, topics []string, fromBlock, toBlock uint64) ([]Log, error) {
	filter := map[string]interface{}{
		"address":   address,
		"fromBlock": hexUint(fromBlock),
		"toBlock":   hexUint(toBlock),
	}
	if len(topics) > 0 {
		// topic0 alternatives go in the first position of the topics array
		filter["topics"] = []interface{}{topics}
	}

	var rawLogs []rpcLog
	if err := c.call(ctx, "eth_getLogs", []interface{}{filter}, &rawLogs); err != nil {
		return nil, err
	}

	logs := make([]Log, 0, len(rawLogs))
	for _, rl := range rawLogs {
		blockNum, err := parseHexUint(rl.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("log with malformed block number %q: %w", rl.BlockNumber, err)
		}
		logIdx, err := parseHexUint(rl.LogIndex)
		if err != nil {
			return nil, fmt.Errorf("log with malformed index %q: %w", rl.LogIndex, err)
		}
		logs = append(logs, Log{
			Address:     strings.ToLower(rl.Address),
			Topics:      rl.Topics,
			Data:        rl.Data,
			BlockNumber: blockNum,
			TxHash:      rl.TxHash,
			LogIndex:    uint32(logIdx),
			Removed:     rl.Removed,
		})
	}
	return logs, nil
}

type rpcBlock struct {
	Timestamp string `json:"timestamp"`
}

// GetBlockTimestamp returns the timestamp of the given block.
func (c *RPCClient) GetBlockTimestamp(ctx context.Context, blockNumber uint64) (time.Time, error) {
	var block *rpcBlock
	if err := c.call(ctx, "eth_getBlockByNumber", []interface{}{hexUint(blockNumber), false}, &block); err != nil {
		return time.Time{}, err
	}
	if block == nil {
		return time.Time{}, fmt.Errorf("block %d not found", blockNumber)
	}
	ts, err := parseHexUint(block.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("block %d has malformed timestamp: %w", blockNumber, err)
	}
	return time.Unix(int64(ts), 0).UTC(), nil
}

func hexUint(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

func parseHexUint(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(s), "0x"), 16, 64)
}
