package executor

import "strings"

// RetryPolicy decides whether a hard-failed charge attempt gets another run.
// It is a pure function of the attempt count and the failure reason so the
// executor's orchestration stays free of retry special cases.
type RetryPolicy struct {
	MaxRetries int
}

// DefaultMaxRetries bounds hard-fail attempts before a policy is surfaced
// for operator attention.
const DefaultMaxRetries = 3

// terminalMarkers identify failures no amount of retrying will fix.
var terminalMarkers = []string{
	"invalid signature",
	"malformed",
	"invalid call",
	"unknown policy",
	"unsupported chain",
}

// retryableMarkers identify transient failures worth another attempt.
var retryableMarkers = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"temporarily unavailable",
	"nonce",
	"replacement transaction underpriced",
	"too many requests",
}

// IsRetryable classifies a failure reason. Markers for known-terminal causes
// win over retryable ones; unknown reasons default to retryable, since the
// attempt budget bounds the damage of a misclassification.
func IsRetryable(reason string) bool {
	r := strings.ToLower(reason)
	for _, marker := range terminalMarkers {
		if strings.Contains(r, marker) {
			return false
		}
	}
	for _, marker := range retryableMarkers {
		if strings.Contains(r, marker) {
			return true
		}
	}
	return true
}

// ShouldRetry reports whether the attempt may be retried on a later run.
func (p RetryPolicy) ShouldRetry(attemptCount int, reason string) bool {
	return attemptCount < p.MaxRetries && IsRetryable(reason)
}

// inactiveMarkers identify hard failures that actually mean the policy was
// revoked on-chain before the indexer caught up.
var inactiveMarkers = []string{
	"policy not active",
	"policy inactive",
	"policy revoked",
	"subscription not active",
}

// IsPolicyInactiveReason reports whether a failure reason indicates the
// policy no longer exists on-chain. The store is reconciled immediately in
// that case, without consuming any retry budget.
func IsPolicyInactiveReason(reason string) bool {
	r := strings.ToLower(reason)
	for _, marker := range inactiveMarkers {
		if strings.Contains(r, marker) {
			return true
		}
	}
	return false
}
