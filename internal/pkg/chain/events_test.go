package chain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPolicyTopic   = "0x00000000000000000000000000000000000000000000000000000000000000AB"
	testPayerTopic    = "0x0000000000000000000000001111111111111111111111111111111111111111"
	testMerchantTopic = "0x0000000000000000000000002222222222222222222222222222222222222222"
)

// word encodes one 32-byte ABI word without the 0x prefix.
func word(v int64) string {
	return fmt.Sprintf("%064x", v)
}

// abiString encodes a dynamic string already positioned at the given offset.
func abiString(s string) string {
	out := word(int64(len(s)))
	out += fmt.Sprintf("%x", s)
	// Pad the payload to a word boundary.
	for len(out)%64 != 0 {
		out += "0"
	}
	return out
}

func TestParsePolicyCreated(t *testing.T) {
	data := "0x" +
		word(9990000) + // amount
		word(2592000) + // interval
		word(119880000) + // spending cap
		word(128) + // metadata url offset
		abiString("https://merchant.example/plan/42")

	ev, err := ParseLog(Log{
		Topics:      []string{TopicPolicyCreated, testPolicyTopic, testPayerTopic, testMerchantTopic},
		Data:        data,
		BlockNumber: 1234,
		TxHash:      "0xabc",
		LogIndex:    7,
	})
	require.NoError(t, err)

	assert.Equal(t, EventPolicyCreated, ev.Kind)
	assert.Equal(t, "0x00000000000000000000000000000000000000000000000000000000000000ab", ev.PolicyID)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", ev.Payer)
	assert.Equal(t, "0x2222222222222222222222222222222222222222", ev.Merchant)
	assert.Equal(t, int64(9990000), ev.Amount)
	assert.Equal(t, int64(2592000), ev.Interval)
	assert.Equal(t, int64(119880000), ev.SpendingCap)
	assert.Equal(t, "https://merchant.example/plan/42", ev.MetadataURL)
	assert.Equal(t, uint64(1234), ev.BlockNumber)
	assert.Equal(t, "0xabc", ev.TxHash)
	assert.Equal(t, uint32(7), ev.LogIndex)
}

func TestParseChargeSucceeded(t *testing.T) {
	ev, err := ParseLog(Log{
		Topics: []string{TopicChargeSucceeded, testPolicyTopic, testMerchantTopic},
		Data:   "0x" + word(9990000) + word(9990),
	})
	require.NoError(t, err)

	assert.Equal(t, EventChargeSucceeded, ev.Kind)
	assert.Equal(t, int64(9990000), ev.Amount)
	assert.Equal(t, int64(9990), ev.ProtocolFee)
	assert.Equal(t, "0x2222222222222222222222222222222222222222", ev.Merchant)
}

func TestParseChargeFailed(t *testing.T) {
	ev, err := ParseLog(Log{
		Topics: []string{TopicChargeFailed, testPolicyTopic},
		Data:   "0x" + word(32) + abiString("insufficient balance"),
	})
	require.NoError(t, err)

	assert.Equal(t, EventChargeFailed, ev.Kind)
	assert.Equal(t, "insufficient balance", ev.Reason)
}

func TestParsePolicyRevoked(t *testing.T) {
	ev, err := ParseLog(Log{
		Topics: []string{TopicPolicyRevoked, testPolicyTopic},
		Data:   "0x",
	})
	require.NoError(t, err)
	assert.Equal(t, EventPolicyRevoked, ev.Kind)
	assert.Equal(t, "0x00000000000000000000000000000000000000000000000000000000000000ab", ev.PolicyID)
}

func TestParsePolicyCancelledByFailure(t *testing.T) {
	ev, err := ParseLog(Log{
		Topics: []string{TopicPolicyCancelledByFailure, testPolicyTopic},
		Data:   "0x",
	})
	require.NoError(t, err)
	assert.Equal(t, EventPolicyCancelledByFailure, ev.Kind)
}

func TestParseUnknownTopicIsSkippable(t *testing.T) {
	_, err := ParseLog(Log{
		Topics: []string{"0xdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"},
		Data:   "0x",
	})
	assert.True(t, errors.Is(err, ErrUnknownEvent))

	_, err = ParseLog(Log{Topics: nil, Data: "0x"})
	assert.True(t, errors.Is(err, ErrUnknownEvent))
}

func TestParseTruncatedDataIsAnError(t *testing.T) {
	_, err := ParseLog(Log{
		Topics: []string{TopicChargeSucceeded, testPolicyTopic, testMerchantTopic},
		Data:   "0x" + word(9990000), // fee word missing
	})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnknownEvent))
}

func TestTopicsCoversAllEvents(t *testing.T) {
	assert.Len(t, Topics(), 5)
}
