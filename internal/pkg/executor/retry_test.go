package executor

import "testing"

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		reason string
		want   bool
	}{
		{reason: "rpc timeout", want: true},
		{reason: "context deadline exceeded", want: true},
		{reason: "connection refused", want: true},
		{reason: "nonce too low", want: true},
		{reason: "replacement transaction underpriced", want: true},
		{reason: "invalid signature", want: false},
		{reason: "malformed calldata", want: false},
		{reason: "unknown policy", want: false},
		{reason: "something never seen before", want: true},
		{reason: "", want: true},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.reason); got != tt.want {
			t.Fatalf("IsRetryable(%q) = %v, want %v", tt.reason, got, tt.want)
		}
	}
}

func TestIsRetryableTerminalWinsOverRetryable(t *testing.T) {
	// A reason matching both categories must not be retried.
	if IsRetryable("timeout while checking invalid signature") {
		t.Fatal("expected terminal marker to win over retryable marker")
	}
}

func TestShouldRetry(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3}

	tests := []struct {
		attempt int
		reason  string
		want    bool
	}{
		{attempt: 1, reason: "timeout", want: true},
		{attempt: 2, reason: "timeout", want: true},
		{attempt: 3, reason: "timeout", want: false},
		{attempt: 4, reason: "timeout", want: false},
		{attempt: 1, reason: "invalid signature", want: false},
	}

	for _, tt := range tests {
		if got := p.ShouldRetry(tt.attempt, tt.reason); got != tt.want {
			t.Fatalf("ShouldRetry(%d, %q) = %v, want %v", tt.attempt, tt.reason, got, tt.want)
		}
	}
}

func TestIsPolicyInactiveReason(t *testing.T) {
	for _, reason := range []string{"policy not active", "Policy Revoked on chain", "subscription not active"} {
		if !IsPolicyInactiveReason(reason) {
			t.Fatalf("expected %q to be recognized as inactive", reason)
		}
	}
	for _, reason := range []string{"timeout", "insufficient balance", ""} {
		if IsPolicyInactiveReason(reason) {
			t.Fatalf("expected %q not to be recognized as inactive", reason)
		}
	}
}
