package digest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HMACSha256 computes an auxiliary HMAC-SHA256 outside the digest
// algorithm set. With rawOutput the 32 raw bytes are returned, otherwise
// the lowercase hex encoding.
func HMACSha256(key, buf []byte, rawOutput bool) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(buf) //nolint:errcheck // hash writes never fail
	sum := mac.Sum(nil)
	if rawOutput {
		return string(sum)
	}
	return hex.EncodeToString(sum)
}
