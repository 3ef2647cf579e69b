// Package webhook authenticates and decodes payment gateway callbacks.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EventIDHeader   = "X-Event-Id"

	signaturePrefix = "sha256="
)

// Verify reports whether signatureHeader is the hex HMAC-SHA256 of rawBody
// under secret. rawBody must be the bytes as received, before any parsing.
func Verify(rawBody []byte, signatureHeader, secret string) bool {
	if secret == "" {
		return false
	}

	sig := strings.TrimSpace(signatureHeader)
	sig = strings.TrimPrefix(sig, signaturePrefix)
	provided, err := hex.DecodeString(sig)
	if err != nil || len(provided) != sha256.Size {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	return hmac.Equal(provided, mac.Sum(nil))
}

// Sign returns the hex signature Verify expects.
func Sign(rawBody []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}
