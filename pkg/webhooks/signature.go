package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/gowebpki/jcs"
)

// SignatureHeader carries the payload signature. Subscription custom
// headers may override every other header but never this one.
const SignatureHeader = "X-Webhook-Signature"

// SignPayload computes the hex HMAC-SHA256 signature of a JSON payload
// keyed by the subscription secret. The payload is first transformed
// to its RFC 8785 canonical form so that sender and receiver agree on
// a deterministic, key-ordered serialization regardless of how either
// side marshals JSON.
func SignPayload(payload []byte, secret string) (string, error) {
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature recomputes the signature over the payload and
// compares it to the transmitted one in constant time. Receiving
// endpoints must use this (or an equivalent constant-time comparison)
// rather than a string equality check.
func VerifySignature(payload []byte, signature, secret string) bool {
	expected, err := SignPayload(payload, secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
