// Package webhook verifies signatures of inbound provider notifications.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

var (
	// ErrMissingSecret means the verifier was built without a shared secret
	ErrMissingSecret = errors.New("webhook secret not configured")
	// ErrMissingSignature means the request carried no signature header
	ErrMissingSignature = errors.New("missing webhook signature")
	// ErrInvalidSignature means the signature did not match the body
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Scheme selects how the provider signs payloads
type Scheme string

const (
	// SchemeHMACSHA256 is hex(HMAC-SHA256(secret, body))
	SchemeHMACSHA256 Scheme = "hmac-sha256"
	// SchemeKeccakConcat is hex(keccak256(body || secret)), used by EVM stream providers
	SchemeKeccakConcat Scheme = "keccak256-concat"
)

// Verifier checks signatures over the exact raw request bytes
type Verifier struct {
	scheme Scheme
	secret []byte
}

// NewVerifier creates a verifier; an unknown scheme falls back to HMAC-SHA256
func NewVerifier(scheme Scheme, secret string) *Verifier {
	switch scheme {
	case SchemeHMACSHA256, SchemeKeccakConcat:
	default:
		scheme = SchemeHMACSHA256
	}
	return &Verifier{scheme: scheme, secret: []byte(secret)}
}

// Configured reports whether a shared secret is present
func (v *Verifier) Configured() bool {
	return len(v.secret) > 0
}

// Sign computes the signature for body. Used by tests and local tooling.
func (v *Verifier) Sign(body []byte) string {
	switch v.scheme {
	case SchemeKeccakConcat:
		h := sha3.NewLegacyKeccak256()
		h.Write(body)
		h.Write(v.secret)
		return "0x" + hex.EncodeToString(h.Sum(nil))
	default:
		mac := hmac.New(sha256.New, v.secret)
		mac.Write(body)
		return hex.EncodeToString(mac.Sum(nil))
	}
}

// Verify checks signature against body. The body must be the raw bytes as
// received; re-serialized JSON will not match.
func (v *Verifier) Verify(body []byte, signature string) error {
	if !v.Configured() {
		return ErrMissingSecret
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}

	expected := normalize(v.Sign(body))
	got := normalize(signature)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		return fmt.Errorf("%w: scheme %s", ErrInvalidSignature, v.scheme)
	}
	return nil
}

func normalize(sig string) string {
	sig = strings.ToLower(sig)
	sig = strings.TrimPrefix(sig, "sha256=")
	return strings.TrimPrefix(sig, "0x")
}
