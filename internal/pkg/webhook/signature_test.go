package webhook

import (
	"strings"
	"testing"
)

func TestSignAndVerifyRoundtrip(t *testing.T) {
	payload := []byte(`{"type":"charge.succeeded","data":{"amount":9990000}}`)
	secret := "whsec_test_secret"

	sig := SignPayload(payload, secret)
	if sig == "" {
		t.Fatal("expected non-empty signature")
	}
	if !VerifySignature(payload, sig, secret) {
		t.Fatal("expected signature to verify")
	}
	// Header casing must not matter.
	if !VerifySignature(payload, strings.ToUpper(sig), secret) {
		t.Fatal("expected uppercase signature to verify")
	}
}

func TestVerifySignatureRejectsTampering(t *testing.T) {
	payload := []byte(`{"type":"charge.succeeded"}`)
	secret := "whsec_test_secret"
	sig := SignPayload(payload, secret)

	if VerifySignature([]byte(`{"type":"charge.failed"}`), sig, secret) {
		t.Fatal("expected modified payload to fail verification")
	}
	if VerifySignature(payload, sig, "other_secret") {
		t.Fatal("expected wrong secret to fail verification")
	}
	if VerifySignature(payload, "not-hex", secret) {
		t.Fatal("expected malformed signature to fail verification")
	}
}

func TestVerifySignatureRejectsEmptyInputs(t *testing.T) {
	payload := []byte(`{}`)
	if VerifySignature(payload, "", "secret") {
		t.Fatal("expected empty signature to fail verification")
	}
	if VerifySignature(payload, SignPayload(payload, ""), "") {
		t.Fatal("expected empty secret to fail verification")
	}
}
