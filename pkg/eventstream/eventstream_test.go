package eventstream

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethhook/ethhook/internal/ethhook"
)

func sampleEvent() ethhook.Event {
	var txHash [32]byte
	txHash[31] = 0xAB
	var addr [20]byte
	addr[19] = 0xCD
	var topic0 [32]byte
	topic0[0] = 0x01
	return ethhook.Event{
		ChainID:         1,
		BlockNumber:     100,
		LogIndex:        2,
		TxHash:          txHash,
		ContractAddress: addr,
		Topics:          [][32]byte{topic0},
		Data:            []byte{0xDE, 0xAD},
		IngestedAt:      time.Unix(0, 1700000000000000000).UTC(),
	}
}

func TestWireRoundTrip(t *testing.T) {
	e := sampleEvent()
	w := toWire(e)
	got, err := fromWire(w)
	require.NoError(t, err)
	require.Equal(t, e.ChainID, got.ChainID)
	require.Equal(t, e.BlockNumber, got.BlockNumber)
	require.Equal(t, e.LogIndex, got.LogIndex)
	require.Equal(t, e.TxHash, got.TxHash)
	require.Equal(t, e.ContractAddress, got.ContractAddress)
	require.Equal(t, e.Topics, got.Topics)
	require.Equal(t, e.Data, got.Data)
	require.Equal(t, e.IngestedAt.UnixNano(), got.IngestedAt.UnixNano())
}

func TestWireUsesLowercaseHexEncoding(t *testing.T) {
	e := sampleEvent()
	w := toWire(e)
	require.Equal(t, "0x"+hex.EncodeToString(e.TxHash[:]), w.TxHash)
	require.Equal(t, "0xdead", w.Data)
}

func TestStreamKeyIsPerChain(t *testing.T) {
	require.Equal(t, "ethhook:stream:1", streamKey(1))
	require.Equal(t, "ethhook:stream:42161", streamKey(42161))
}

func TestAsRedisBusyGroup(t *testing.T) {
	_, ok := asRedisBusyGroup(errBusyGroup{})
	require.True(t, ok)
}

type errBusyGroup struct{}

func (errBusyGroup) Error() string {
	return "BUSYGROUP Consumer Group name already exists"
}
