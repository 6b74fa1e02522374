package linear

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// VerifySignature checks the Linear-Signature header: a hex HMAC-SHA256
// digest of the raw request body keyed with the webhook secret.
func VerifySignature(rawBody []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// VerifyTimestamp bounds webhook age to maxAge in either direction. A zero
// timestamp passes: Linear omits it on some event types.
func VerifyTimestamp(timestampMillis int64, maxAge time.Duration) bool {
	if timestampMillis == 0 {
		return true
	}
	age := time.Since(time.UnixMilli(timestampMillis))
	if age < 0 {
		age = -age
	}
	return age <= maxAge
}
