package signing_test

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/opena2a/aim-go-sdk/pkg/signing"
)

func TestSignPayload_roundTrip(t *testing.T) {
	kp, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload := map[string]any{
		"action_type": "send_email",
		"agent_id":    "agent-1",
		"context":     map[string]any{"risk_level": "low"},
		"resource":    "billing@example.com",
		"timestamp":   signing.Timestamp(time.Now()),
	}

	sig, err := signing.SignPayload(kp.Private, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := signing.VerifyPayload(kp.Public, payload, sig); err != nil {
		t.Errorf("verify failed: %v", err)
	}

	payload["resource"] = "other@example.com"
	if err := signing.VerifyPayload(kp.Public, payload, sig); err == nil {
		t.Error("expected verification failure after payload change")
	}
}

func TestSignCompact_differsFromSpaced(t *testing.T) {
	kp, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload := map[string]any{"a": 1, "b": "x"}

	spaced, err := signing.SignPayload(kp.Private, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	compact, err := signing.SignCompact(kp.Private, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spaced == compact {
		t.Error("spaced and compact profiles must sign different bytes")
	}
	if err := signing.VerifyCompact(kp.Public, payload, compact); err != nil {
		t.Errorf("compact verify failed: %v", err)
	}
}

func TestParsePrivateKey_seedAndFullForm(t *testing.T) {
	kp, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	seedB64 := base64.StdEncoding.EncodeToString(kp.Private.Seed())
	fromSeed, err := signing.ParsePrivateKey(seedB64)
	if err != nil {
		t.Fatalf("parse seed form: %v", err)
	}
	fromFull, err := signing.ParsePrivateKey(kp.PrivateBase64())
	if err != nil {
		t.Fatalf("parse full form: %v", err)
	}
	if !fromSeed.Equal(fromFull) {
		t.Error("seed form and full form must parse to the same key")
	}

	if _, err := signing.ParsePrivateKey(base64.StdEncoding.EncodeToString(make([]byte, 16))); err == nil {
		t.Error("expected error for undersized key")
	}
}

func TestParseKeypair_mismatchRejected(t *testing.T) {
	a, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := signing.ParseKeypair(a.PublicBase64(), a.PrivateBase64()); err != nil {
		t.Errorf("matching pair rejected: %v", err)
	}
	_, err = signing.ParseKeypair(a.PublicBase64(), b.PrivateBase64())
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	if !strings.Contains(err.Error(), "does not match") {
		t.Errorf("unexpected error text: %v", err)
	}
}

func TestSignEnvelope_bodyCoverage(t *testing.T) {
	kp, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body, err := signing.Canonical(map[string]any{"status": "active"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ts := signing.UnixTimestamp(time.Now())

	sig := signing.SignEnvelope(kp.Private, "PUT", "/api/v1/agents/agent-1", ts, body)
	if err := signing.VerifyEnvelope(kp.Public, "PUT", "/api/v1/agents/agent-1", ts, body, sig, 0); err != nil {
		t.Errorf("verify failed: %v", err)
	}

	// Any drift between signed and transmitted bytes must fail.
	if err := signing.VerifyEnvelope(kp.Public, "PUT", "/api/v1/agents/agent-1", ts, []byte(`{"status":"active"}`), sig, 0); err == nil {
		t.Error("expected failure for re-serialized body")
	}
	if err := signing.VerifyEnvelope(kp.Public, "POST", "/api/v1/agents/agent-1", ts, body, sig, 0); err == nil {
		t.Error("expected failure for method change")
	}
}

func TestVerifyEnvelope_staleTimestamp(t *testing.T) {
	kp, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stale := signing.UnixTimestamp(time.Now().Add(-10 * time.Minute))
	sig := signing.SignEnvelope(kp.Private, "GET", "/api/v1/agents/agent-1", stale, nil)

	if err := signing.VerifyEnvelope(kp.Public, "GET", "/api/v1/agents/agent-1", stale, nil, sig, 5*time.Minute); err == nil {
		t.Error("expected stale-timestamp rejection")
	}
	if err := signing.VerifyEnvelope(kp.Public, "GET", "/api/v1/agents/agent-1", stale, nil, sig, 0); err != nil {
		t.Errorf("skew disabled: unexpected error: %v", err)
	}
}

func TestTimestamp_microsecondUTC(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.UTC)
	got := signing.Timestamp(at)
	want := "2026-01-02T03:04:05.123456Z"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
