// Package webhookclient gives a subscriber the verification half of
// pkg/delivery's HMAC signing: given the shared secret, the
// X-EthHook-Timestamp and X-EthHook-Signature header values and the raw
// request body bytes, Verify reports whether the webhook genuinely
// originated from the service.
package webhookclient

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// MaxClockSkew bounds how far a webhook's timestamp may drift from the
// verifier's clock before it is rejected as stale, independent of
// signature validity; this guards against replay of an intercepted but
// validly-signed request.
const MaxClockSkew = 5 * time.Minute

// Verify reports whether signature is the valid HMAC-SHA256 signature of
// body signed at the Unix-seconds timestamp carried in timestampHeader,
// using secret, and that the timestamp is within MaxClockSkew of now.
func Verify(secret []byte, timestampHeader, signature string, body []byte, now time.Time) (bool, error) {
	timestamp, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return false, fmt.Errorf("parsing X-EthHook-Timestamp %q: %w", timestampHeader, err)
	}

	skew := now.Sub(time.Unix(timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return false, nil
	}

	want, err := hex.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("decoding X-EthHook-Signature %q: %w", signature, err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestampHeader))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hmac.Equal(want, mac.Sum(nil)), nil
}
