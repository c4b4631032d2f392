package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Envelope header names attached to authenticated requests signed with an
// agent keypair.
const (
	HeaderAgentID   = "X-Agent-ID"
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderPublicKey = "X-Public-Key"
)

// EnvelopeMessage builds the byte string an envelope signature covers:
// the upper-cased method, the request path (with query, exactly as sent),
// and the unix-seconds timestamp, newline-joined, with the canonical body
// bytes appended as a fourth line when a body is present. The body bytes
// must be the ones transmitted on the wire.
func EnvelopeMessage(method, endpoint, ts string, body []byte) []byte {
	parts := []string{strings.ToUpper(method), endpoint, ts}
	if len(body) > 0 {
		parts = append(parts, string(body))
	}
	return []byte(strings.Join(parts, "\n"))
}

// SignEnvelope signs an envelope message and returns the base64 signature.
func SignEnvelope(priv ed25519.PrivateKey, method, endpoint, ts string, body []byte) string {
	msg := EnvelopeMessage(method, endpoint, ts, body)
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg))
}

// VerifyEnvelope checks an envelope signature and that its timestamp is
// within skew of now. A zero skew disables the freshness check.
func VerifyEnvelope(pub ed25519.PublicKey, method, endpoint, ts string, body []byte, sigB64 string, skew time.Duration) error {
	if skew > 0 {
		issued, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return fmt.Errorf("parse envelope timestamp: %w", err)
		}
		age := time.Since(time.Unix(issued, 0))
		if age < 0 {
			age = -age
		}
		if age > skew {
			return fmt.Errorf("envelope timestamp outside %s window", skew)
		}
	}
	return verify(pub, EnvelopeMessage(method, endpoint, ts, body), sigB64)
}

// UnixTimestamp renders t as the unix-seconds string used in envelope
// signatures and the X-Timestamp header.
func UnixTimestamp(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
