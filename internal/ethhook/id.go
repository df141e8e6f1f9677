package ethhook

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// formatEventID renders the X-EthHook-Event-Id header value:
// "<chain_id>-<tx_hash>-<log_index>", tx_hash as 0x-prefixed lowercase hex.
func formatEventID(chainID ChainID, txHash [32]byte, logIndex uint32) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(uint64(chainID), 10))
	b.WriteByte('-')
	b.WriteString(HexString(txHash[:]))
	b.WriteByte('-')
	b.WriteString(strconv.FormatUint(uint64(logIndex), 10))
	return b.String()
}

// HexString renders raw bytes as 0x-prefixed lowercase hex, the canonical
// blockchain convention this service uses for all topics/addresses/data in
// the outbound webhook payload.
func HexString(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// LowerAddressHex renders a 20-byte address as 0x-prefixed lowercase hex,
// the canonical form used as the map key in Endpoint.Addresses.
func LowerAddressHex(addr [20]byte) string {
	return HexString(addr[:])
}

// LowerTopicHex renders a 32-byte topic as 0x-prefixed lowercase hex, the
// canonical form used as the map key in Endpoint.EventSignatures.
func LowerTopicHex(topic [32]byte) string {
	return HexString(topic[:])
}

// DecodeHexBytes parses a 0x-prefixed (or bare) hex string into bytes.
func DecodeHexBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding hex string %q: %w", s, err)
	}
	return b, nil
}

// DecodeHash32 parses a 0x-prefixed 32-byte hex string.
func DecodeHash32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := DecodeHexBytes(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// DecodeAddress20 parses a 0x-prefixed 20-byte hex string.
func DecodeAddress20(s string) ([20]byte, error) {
	var out [20]byte
	b, err := DecodeHexBytes(s)
	if err != nil {
		return out, err
	}
	if len(b) != 20 {
		return out, fmt.Errorf("expected 20 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
