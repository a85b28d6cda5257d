package chain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Keccak topic hashes of the subscription contract events this relayer
// understands. Logs with any other topic0 are skipped so that new contract
// versions can add events without breaking older indexers.
const (
	TopicPolicyCreated            = "0x8c1256b8896378cd5e992ad4a5ac1420950c01ef0ecb4fff2b6c15d1f6cf2d87"
	TopicPolicyRevoked            = "0x713b90881a8925fa78b8639dbbdbb8ece2b1c382f620c651cabbbde0320bb5f3"
	TopicChargeSucceeded          = "0x4b7d5f648f0ed66b01ce9fb1a5c8a656913e10251200be47a8c34f0e779b1f2e"
	TopicChargeFailed             = "0xa8e7032b5b4c4cd0e20b6342ad840aab94b995e1d61b1b66a53ad5b19b1da68f"
	TopicPolicyCancelledByFailure = "0xd0c2b2db64819b1fd3dcc3ec1a5bf9d79361c2a596bfb4a6c7a4d9c0f5de881c"
)

// EventKind identifies which contract event a parsed log represents.
type EventKind string

const (
	EventPolicyCreated            EventKind = "policy_created"
	EventPolicyRevoked            EventKind = "policy_revoked"
	EventChargeSucceeded          EventKind = "charge_succeeded"
	EventChargeFailed             EventKind = "charge_failed"
	EventPolicyCancelledByFailure EventKind = "policy_cancelled_by_failure"
)

// ErrUnknownEvent is returned for logs whose topic0 is not one of ours.
var ErrUnknownEvent = errors.New("unknown event topic")

// Event is a decoded contract event. Fields are populated according to Kind:
// creation events carry the full policy parameters, charge events carry
// amount and fee, failure events carry a reason.
type Event struct {
	Kind        EventKind
	PolicyID    string
	Payer       string
	Merchant    string
	Amount      int64
	ProtocolFee int64
	Interval    int64
	SpendingCap int64
	MetadataURL string
	Reason      string
	BlockNumber uint64
	TxHash      string
	LogIndex    uint32
}

// ParseLog decodes a raw log into a typed event. Logs from unknown topics
// return ErrUnknownEvent and should be skipped, not treated as failures.
func ParseLog(lg Log) (Event, error) {
	if len(lg.Topics) == 0 {
		return Event{}, ErrUnknownEvent
	}

	ev := Event{
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
		LogIndex:    lg.LogIndex,
	}

	data, err := decodeHex(lg.Data)
	if err != nil {
		return Event{}, fmt.Errorf("malformed log data: %w", err)
	}

	switch strings.ToLower(lg.Topics[0]) {
	case TopicPolicyCreated:
		if len(lg.Topics) < 4 {
			return Event{}, fmt.Errorf("policy created log needs 4 topics, got %d", len(lg.Topics))
		}
		ev.Kind = EventPolicyCreated
		ev.PolicyID = strings.ToLower(lg.Topics[1])
		ev.Payer = topicAddress(lg.Topics[2])
		ev.Merchant = topicAddress(lg.Topics[3])
		if ev.Amount, err = wordInt64(data, 0); err != nil {
			return Event{}, err
		}
		if ev.Interval, err = wordInt64(data, 1); err != nil {
			return Event{}, err
		}
		if ev.SpendingCap, err = wordInt64(data, 2); err != nil {
			return Event{}, err
		}
		// Word 3 is the ABI offset of the optional metadata URL string.
		ev.MetadataURL, _ = wordString(data, 3)
		return ev, nil

	case TopicPolicyRevoked:
		if len(lg.Topics) < 2 {
			return Event{}, fmt.Errorf("policy revoked log needs 2 topics, got %d", len(lg.Topics))
		}
		ev.Kind = EventPolicyRevoked
		ev.PolicyID = strings.ToLower(lg.Topics[1])
		return ev, nil

	case TopicChargeSucceeded:
		if len(lg.Topics) < 3 {
			return Event{}, fmt.Errorf("charge succeeded log needs 3 topics, got %d", len(lg.Topics))
		}
		ev.Kind = EventChargeSucceeded
		ev.PolicyID = strings.ToLower(lg.Topics[1])
		ev.Merchant = topicAddress(lg.Topics[2])
		if ev.Amount, err = wordInt64(data, 0); err != nil {
			return Event{}, err
		}
		if ev.ProtocolFee, err = wordInt64(data, 1); err != nil {
			return Event{}, err
		}
		return ev, nil

	case TopicChargeFailed:
		if len(lg.Topics) < 2 {
			return Event{}, fmt.Errorf("charge failed log needs 2 topics, got %d", len(lg.Topics))
		}
		ev.Kind = EventChargeFailed
		ev.PolicyID = strings.ToLower(lg.Topics[1])
		ev.Reason, _ = wordString(data, 0)
		return ev, nil

	case TopicPolicyCancelledByFailure:
		if len(lg.Topics) < 2 {
			return Event{}, fmt.Errorf("policy cancelled log needs 2 topics, got %d", len(lg.Topics))
		}
		ev.Kind = EventPolicyCancelledByFailure
		ev.PolicyID = strings.ToLower(lg.Topics[1])
		return ev, nil
	}

	return Event{}, ErrUnknownEvent
}

// Topics returns the topic0 filter for getLogs subscriptions.
func Topics() []string {
	return []string{
		TopicPolicyCreated,
		TopicPolicyRevoked,
		TopicChargeSucceeded,
		TopicChargeFailed,
		TopicPolicyCancelledByFailure,
	}
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

// topicAddress extracts the 20-byte address right-aligned in a 32-byte topic.
func topicAddress(topic string) string {
	t := strings.TrimPrefix(strings.ToLower(topic), "0x")
	if len(t) < 40 {
		return "0x" + t
	}
	return "0x" + t[len(t)-40:]
}

// wordInt64 reads the ABI word at index i as a non-negative int64. USDC has
// six decimals, so every realistic amount fits comfortably.
func wordInt64(data []byte, i int) (int64, error) {
	start := i * 32
	if len(data) < start+32 {
		return 0, fmt.Errorf("log data too short for word %d", i)
	}
	v := new(big.Int).SetBytes(data[start : start+32])
	if !v.IsInt64() {
		return 0, fmt.Errorf("word %d overflows int64", i)
	}
	return v.Int64(), nil
}

// wordString resolves the dynamic string whose offset is stored in word i.
func wordString(data []byte, i int) (string, error) {
	offset, err := wordInt64(data, i)
	if err != nil {
		return "", err
	}
	if offset < 0 || int(offset)+32 > len(data) {
		return "", fmt.Errorf("string offset %d out of range", offset)
	}
	length := new(big.Int).SetBytes(data[offset : offset+32])
	if !length.IsInt64() {
		return "", fmt.Errorf("string length overflows")
	}
	start := offset + 32
	end := start + length.Int64()
	if end > int64(len(data)) {
		return "", fmt.Errorf("string payload out of range")
	}
	return string(data[start:end]), nil
}
