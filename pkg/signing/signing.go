// Package signing implements the AIM action-signing scheme.
//
// It provides:
//   - Keypair          — Ed25519 key generation, parsing and matching
//   - Canonical        — deterministic JSON used for signed action payloads
//   - CanonicalCompact — deterministic JSON used for MCP attestations
//   - SignPayload      — detached base64 signatures over canonical payloads
//   - SignEnvelope     — request-envelope signatures for authenticated calls
//
// The control plane verifies every signature against the canonical byte
// form, so both encoders are stable across SDKs: object keys sorted,
// non-ASCII escaped, element separators fixed per profile.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

// Keypair holds an agent's Ed25519 identity keys. The private key uses the
// 64-byte seed-plus-public form; its base64 encoding is what the credential
// store persists.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeypair creates a fresh Ed25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Keypair{Public: pub, Private: priv}, nil
}

// ParsePrivateKey decodes a base64 private key. Both the 64-byte
// seed-plus-public form and a bare 32-byte seed are accepted.
func ParsePrivateKey(b64 string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, fmt.Errorf("private key must be %d or %d bytes, got %d",
			ed25519.PrivateKeySize, ed25519.SeedSize, len(raw))
	}
}

// ParsePublicKey decodes a base64 Ed25519 public key.
func ParsePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ParseKeypair decodes both keys and checks that the public key is the one
// derived from the private key. A mismatch means the stored identity is
// unusable and the agent must be re-registered.
func ParseKeypair(publicB64, privateB64 string) (*Keypair, error) {
	priv, err := ParsePrivateKey(privateB64)
	if err != nil {
		return nil, err
	}
	pub, err := ParsePublicKey(publicB64)
	if err != nil {
		return nil, err
	}
	derived := priv.Public().(ed25519.PublicKey)
	if !pub.Equal(derived) {
		return nil, fmt.Errorf("public key does not match private key")
	}
	return &Keypair{Public: pub, Private: priv}, nil
}

// PublicBase64 returns the base64 form of the public key.
func (k *Keypair) PublicBase64() string {
	return base64.StdEncoding.EncodeToString(k.Public)
}

// PrivateBase64 returns the base64 form of the 64-byte private key.
func (k *Keypair) PrivateBase64() string {
	return base64.StdEncoding.EncodeToString(k.Private)
}

// SignPayload signs the canonical form of v and returns a base64 signature.
func SignPayload(priv ed25519.PrivateKey, v any) (string, error) {
	msg, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg)), nil
}

// VerifyPayload checks a base64 signature against the canonical form of v.
func VerifyPayload(pub ed25519.PublicKey, v any, sigB64 string) error {
	msg, err := Canonical(v)
	if err != nil {
		return err
	}
	return verify(pub, msg, sigB64)
}

// SignCompact signs the compact canonical form of v. MCP attestations use
// this profile.
func SignCompact(priv ed25519.PrivateKey, v any) (string, error) {
	msg, err := CanonicalCompact(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg)), nil
}

// VerifyCompact checks a base64 signature against the compact canonical
// form of v.
func VerifyCompact(pub ed25519.PublicKey, v any, sigB64 string) error {
	msg, err := CanonicalCompact(v)
	if err != nil {
		return err
	}
	return verify(pub, msg, sigB64)
}

func verify(pub ed25519.PublicKey, msg []byte, sigB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(pub, msg, sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// Timestamp formats t as the ISO-8601 UTC microsecond form the control
// plane expects in signed payloads, e.g. 2026-01-02T15:04:05.000000Z.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}
