// ABOUTME: HMAC-SHA256 webhook signature verification for inbound phone messages
// ABOUTME: Comparison is constant-time; a bad signature must cause no side effects

package phone

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader carries the hex-encoded HMAC-SHA256 of the request body,
// keyed with the tenant's webhook secret.
const SignatureHeader = "X-Phone-Signature"

// Sign computes the hex HMAC-SHA256 of body under the tenant secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected, err := hex.DecodeString(Sign(secret, body))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}
