package callback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// SignatureHeader carries the base64 HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Callback-HMAC"

// Sign computes the base64 HMAC-SHA256 of body under the shared secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks a presented signature against the raw body in constant time.
// An empty or undecodable signature never verifies.
func Verify(secret, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	presented, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), presented)
}
