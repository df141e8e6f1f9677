package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethhook/ethhook/internal/ethhook"
	"github.com/ethhook/ethhook/pkg/webhookclient"
)

func TestEncodeBodyUsesLowercaseHexAndArrayTopics(t *testing.T) {
	var addr [20]byte
	addr[19] = 0x02
	var topic [32]byte
	topic[31] = 0xaa
	event := ethhook.Event{
		ChainID:         1,
		BlockNumber:     42,
		LogIndex:        3,
		ContractAddress: addr,
		Topics:          [][32]byte{topic},
		Data:            []byte{0xde, 0xad},
	}

	body, err := encodeBody(event, 1700000000)
	require.NoError(t, err)
	require.Contains(t, string(body), `"contract_address":"0x0000000000000000000000000000000000000002"`)
	require.Contains(t, string(body), `"topics":["0x00000000000000000000000000000000000000000000000000000000000000aa"]`)
	require.Contains(t, string(body), `"data":"0xdead"`)
	require.Contains(t, string(body), `"timestamp":1700000000`)
}

func TestSignMatchesIndependentHMACComputation(t *testing.T) {
	secret := []byte("supersecretsupersecretsupersecret01")
	body := []byte(`{"chain_id":1}`)
	timestamp := int64(1700000000)

	got := sign(secret, timestamp, body)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	require.Equal(t, want, got)
}

func TestSignIsSensitiveToBodyBytes(t *testing.T) {
	secret := []byte("supersecretsupersecretsupersecret01")
	a := sign(secret, 1700000000, []byte(`{"a":1}`))
	b := sign(secret, 1700000000, []byte(`{"a":2}`))
	require.NotEqual(t, a, b, "the signature must cover the exact transmitted bytes")
}

// TestSignVerifyRoundTrip checks the cross-package invariant a subscriber
// relies on: webhookclient.Verify, given the exact header values a real
// delivery attempt would send, must accept sign's output and reject a
// modified body, timestamp, or signature.
func TestSignVerifyRoundTrip(t *testing.T) {
	secret := []byte("supersecretsupersecretsupersecret01")
	body := []byte(`{"chain_id":1,"block_number":42}`)
	timestamp := int64(1700000000)
	ts := strconv.FormatInt(timestamp, 10)

	signature := sign(secret, timestamp, body)
	now := time.Unix(timestamp, 0)

	ok, err := webhookclient.Verify(secret, ts, signature, body, now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = webhookclient.Verify(secret, ts, signature, []byte(`{"chain_id":2,"block_number":42}`), now)
	require.NoError(t, err)
	require.False(t, ok, "a modified body must fail verification")

	tamperedTS := strconv.FormatInt(timestamp+1, 10)
	ok, err = webhookclient.Verify(secret, tamperedTS, signature, body, now)
	require.NoError(t, err)
	require.False(t, ok, "a modified timestamp must fail verification")

	tamperedSig := signature
	if tamperedSig[0] == '0' {
		tamperedSig = "1" + tamperedSig[1:]
	} else {
		tamperedSig = "0" + tamperedSig[1:]
	}
	ok, err = webhookclient.Verify(secret, ts, tamperedSig, body, now)
	require.NoError(t, err)
	require.False(t, ok, "a modified signature must fail verification")
}
