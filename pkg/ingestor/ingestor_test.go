package ingestor

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/ethhook/ethhook/internal/ethhook"
)

type fakeFilterLookup struct {
	snap *ethhook.FilterSnapshot
}

func (f fakeFilterLookup) GetFilterSnapshot(ethhook.ChainID) (*ethhook.FilterSnapshot, bool) {
	if f.snap == nil {
		return nil, false
	}
	return f.snap, true
}

type fakeChainClient struct {
	logs []types.Log
	err  error
}

func (f fakeChainClient) SubscribeNewHead(context.Context, chan<- *types.Header) (ethereum.Subscription, error) {
	return nil, nil
}
func (f fakeChainClient) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return f.logs, f.err
}
func (f fakeChainClient) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return nil, nil
}

type fakeDedup struct {
	seen map[string]bool
}

func (f *fakeDedup) SeenOrMark(_ context.Context, key string) (bool, error) {
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	already := f.seen[key]
	f.seen[key] = true
	return already, nil
}

type fakeAppender struct {
	appended []ethhook.Event
}

func (f *fakeAppender) Append(_ context.Context, e ethhook.Event) (string, error) {
	f.appended = append(f.appended, e)
	return "1-0", nil
}

func sampleLog(txByte byte, logIndex uint) types.Log {
	var txHash common.Hash
	txHash[31] = txByte
	return types.Log{
		Address:     common.HexToAddress("0x00000000000000000000000000000000000001"),
		Topics:      []common.Hash{common.HexToHash("0xaa")},
		Data:        []byte{0x01},
		BlockNumber: 100,
		TxHash:      txHash,
		Index:       logIndex,
	}
}

func newTestTask(client ChainClient, filters FilterLookup, dd *fakeDedup, appender *fakeAppender) *Task {
	return New(ethhook.Chain{ID: 1, Name: "test"}, client, filters, dd, appender)
}

func TestProcessHeaderSkipsWithoutFilterSnapshot(t *testing.T) {
	appender := &fakeAppender{}
	task := newTestTask(fakeChainClient{logs: []types.Log{sampleLog(1, 0)}}, fakeFilterLookup{}, &fakeDedup{}, appender)

	err := task.processHeader(context.Background(), &types.Header{Number: big.NewInt(100)})
	require.NoError(t, err)
	require.Empty(t, appender.appended, "must not process blocks until a snapshot has been published")
}

func TestProcessHeaderAppendsNovelEvents(t *testing.T) {
	snap := &ethhook.FilterSnapshot{ChainID: 1, Addresses: map[string]struct{}{}, Topic0s: map[string]struct{}{}}
	appender := &fakeAppender{}
	dd := &fakeDedup{}
	task := newTestTask(fakeChainClient{logs: []types.Log{sampleLog(1, 0), sampleLog(2, 1)}}, fakeFilterLookup{snap: snap}, dd, appender)

	err := task.processHeader(context.Background(), &types.Header{Number: big.NewInt(100)})
	require.NoError(t, err)
	require.Len(t, appender.appended, 2)
	require.Equal(t, uint32(0), appender.appended[0].LogIndex)
	require.Equal(t, uint32(1), appender.appended[1].LogIndex)
}

func TestProcessHeaderDropsDuplicates(t *testing.T) {
	snap := &ethhook.FilterSnapshot{ChainID: 1, Addresses: map[string]struct{}{}, Topic0s: map[string]struct{}{}}
	appender := &fakeAppender{}
	dd := &fakeDedup{}
	task := newTestTask(fakeChainClient{logs: []types.Log{sampleLog(1, 0)}}, fakeFilterLookup{snap: snap}, dd, appender)

	require.NoError(t, task.processHeader(context.Background(), &types.Header{Number: big.NewInt(100)}))
	require.NoError(t, task.processHeader(context.Background(), &types.Header{Number: big.NewInt(100)}))
	require.Len(t, appender.appended, 1, "the second identical block must be fully deduplicated")
}

func TestDecodeLogAcceptsAnonymousEvents(t *testing.T) {
	// A log with zero topics (an anonymous Solidity event) is still a
	// structurally valid Event; it just never matches any endpoint's
	// topic0 filter downstream in pkg/matcher.
	event, err := decodeLog(1, types.Log{})
	require.NoError(t, err)
	require.Empty(t, event.Topics)
}

func TestDecodeLogRejectsTooManyTopics(t *testing.T) {
	l := types.Log{Topics: []common.Hash{
		common.HexToHash("0x1"), common.HexToHash("0x2"),
		common.HexToHash("0x3"), common.HexToHash("0x4"),
		common.HexToHash("0x5"),
	}}
	_, err := decodeLog(1, l)
	require.Error(t, err)
}

func TestDecodeLogPreservesFields(t *testing.T) {
	l := sampleLog(9, 3)
	event, err := decodeLog(1, l)
	require.NoError(t, err)
	require.Equal(t, ethhook.ChainID(1), event.ChainID)
	require.Equal(t, l.BlockNumber, event.BlockNumber)
	require.Equal(t, uint32(3), event.LogIndex)
	require.Equal(t, [32]byte(l.TxHash), event.TxHash)
	require.Equal(t, [20]byte(l.Address), event.ContractAddress)
	require.Len(t, event.Topics, 1)
}
