package filtermanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethhook/ethhook/internal/ethhook"
)

func endpointWithFilters(chainIDs []ethhook.ChainID, addresses, sigs []string) ethhook.Endpoint {
	ep := ethhook.Endpoint{
		ChainIDs:        make(map[ethhook.ChainID]struct{}),
		Addresses:       make(map[string]struct{}),
		EventSignatures: make(map[string]struct{}),
	}
	for _, c := range chainIDs {
		ep.ChainIDs[c] = struct{}{}
	}
	for _, a := range addresses {
		ep.Addresses[a] = struct{}{}
	}
	for _, s := range sigs {
		ep.EventSignatures[s] = struct{}{}
	}
	return ep
}

func TestBuildSnapshotsUnionsPerChainFilters(t *testing.T) {
	endpoints := []ethhook.Endpoint{
		endpointWithFilters([]ethhook.ChainID{1}, []string{"0xaaaa"}, []string{"0xsig1"}),
		endpointWithFilters([]ethhook.ChainID{1}, []string{"0xbbbb"}, []string{"0xsig2"}),
		endpointWithFilters([]ethhook.ChainID{137}, []string{"0xcccc"}, []string{"0xsig3"}),
	}

	snapshots := buildSnapshots([]ethhook.ChainID{1, 137}, endpoints, 1, time.Now())

	chain1 := snapshots[1]
	require.Len(t, chain1.Addresses, 2)
	require.Contains(t, chain1.Addresses, "0xaaaa")
	require.Contains(t, chain1.Addresses, "0xbbbb")
	require.Len(t, chain1.Topic0s, 2)

	chain137 := snapshots[137]
	require.Len(t, chain137.Addresses, 1)
	require.Contains(t, chain137.Addresses, "0xcccc")
}

func TestBuildSnapshotsEmptyFilterForcesChainEmpty(t *testing.T) {
	endpoints := []ethhook.Endpoint{
		endpointWithFilters([]ethhook.ChainID{1}, []string{"0xaaaa"}, []string{"0xsig1"}),
		// This endpoint wants "all addresses" on chain 1.
		endpointWithFilters([]ethhook.ChainID{1}, nil, []string{"0xsig2"}),
	}

	snapshots := buildSnapshots([]ethhook.ChainID{1}, endpoints, 1, time.Now())

	require.Empty(t, snapshots[1].Addresses, "one endpoint with an empty address filter must force the chain's snapshot empty")
	require.Len(t, snapshots[1].Topic0s, 2)
}

func TestBuildSnapshotsChainIDFilterRestrictsScope(t *testing.T) {
	endpoints := []ethhook.Endpoint{
		endpointWithFilters([]ethhook.ChainID{1}, []string{"0xaaaa"}, []string{"0xsig1"}),
	}
	snapshots := buildSnapshots([]ethhook.ChainID{1, 137}, endpoints, 1, time.Now())
	require.Empty(t, snapshots[137].Addresses)
	require.Empty(t, snapshots[137].Topic0s)
}

func TestChainsMatchedEmptyFilterMeansAllChains(t *testing.T) {
	ep := endpointWithFilters(nil, []string{"0xaaaa"}, nil)
	matched := chainsMatched(ep, []ethhook.ChainID{1, 137, 42161})
	require.ElementsMatch(t, []ethhook.ChainID{1, 137, 42161}, matched)
}
