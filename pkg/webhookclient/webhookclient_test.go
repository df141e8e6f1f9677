package webhookclient

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, secret []byte, timestamp string, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyAcceptsGenuineSignature(t *testing.T) {
	secret := []byte("supersecretsupersecretsupersecret01")
	body := []byte(`{"chain_id":1}`)
	now := time.Now()
	ts := strconv.FormatInt(now.Unix(), 10)
	signature := sign(t, secret, ts, body)

	ok, err := Verify(secret, ts, signature, body, now)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	secret := []byte("supersecretsupersecretsupersecret01")
	now := time.Now()
	ts := strconv.FormatInt(now.Unix(), 10)
	signature := sign(t, secret, ts, []byte(`{"chain_id":1}`))

	ok, err := Verify(secret, ts, signature, []byte(`{"chain_id":2}`), now)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"chain_id":1}`)
	now := time.Now()
	ts := strconv.FormatInt(now.Unix(), 10)
	signature := sign(t, []byte("secret-a-secret-a-secret-a-secret-a"), ts, body)

	ok, err := Verify([]byte("secret-b-secret-b-secret-b-secret-b"), ts, signature, body, now)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	secret := []byte("supersecretsupersecretsupersecret01")
	body := []byte(`{"chain_id":1}`)
	stale := time.Now().Add(-time.Hour)
	ts := strconv.FormatInt(stale.Unix(), 10)
	signature := sign(t, secret, ts, body)

	ok, err := Verify(secret, ts, signature, body, time.Now())
	require.NoError(t, err)
	require.False(t, ok, "a timestamp an hour old must be rejected as stale")
}

func TestVerifyRejectsMalformedTimestamp(t *testing.T) {
	_, err := Verify([]byte("secret"), "not-a-number", "aa", []byte("body"), time.Now())
	require.Error(t, err)
}
