package matcher

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethhook/ethhook/internal/ethhook"
)

func sampleEndpoint(id string) ethhook.Endpoint {
	return ethhook.Endpoint{
		ID:       id,
		IsActive: true,
	}
}

func sampleMatchEvent() ethhook.Event {
	var addr [20]byte
	addr[19] = 0x01
	var topic0 [32]byte
	topic0[31] = 0xaa
	return ethhook.Event{
		ChainID:         1,
		ContractAddress: addr,
		Topics:          [][32]byte{topic0},
	}
}

func TestMatchEmptyFiltersMatchEverything(t *testing.T) {
	event := sampleMatchEvent()
	ep := sampleEndpoint("ep-1")
	require.True(t, Match(event, ep))
}

func TestMatchRejectsInactiveEndpoint(t *testing.T) {
	event := sampleMatchEvent()
	ep := sampleEndpoint("ep-1")
	ep.IsActive = false
	require.False(t, Match(event, ep))
}

func TestMatchChainIDFilter(t *testing.T) {
	event := sampleMatchEvent()

	ep := sampleEndpoint("ep-1")
	ep.ChainIDs = map[ethhook.ChainID]struct{}{2: {}}
	require.False(t, Match(event, ep), "event on chain 1 must not match a filter scoped to chain 2")

	ep.ChainIDs = map[ethhook.ChainID]struct{}{1: {}}
	require.True(t, Match(event, ep))
}

func TestMatchAddressFilterIsCaseNormalized(t *testing.T) {
	event := sampleMatchEvent()
	ep := sampleEndpoint("ep-1")
	ep.Addresses = map[string]struct{}{ethhook.LowerAddressHex(event.ContractAddress): {}}
	require.True(t, Match(event, ep))

	ep.Addresses = map[string]struct{}{"0x000000000000000000000000000000000000ff": {}}
	require.False(t, Match(event, ep))
}

func TestMatchEventSignatureFilter(t *testing.T) {
	event := sampleMatchEvent()
	ep := sampleEndpoint("ep-1")
	ep.EventSignatures = map[string]struct{}{ethhook.LowerTopicHex(event.Topics[0]): {}}
	require.True(t, Match(event, ep))

	ep.EventSignatures = map[string]struct{}{ethhook.LowerTopicHex([32]byte{0xff}): {}}
	require.False(t, Match(event, ep))
}

func TestMatchEmptyTopicsNeverMatch(t *testing.T) {
	event := sampleMatchEvent()
	event.Topics = nil

	// No signature filter configured: a topicless log still can't match,
	// since there is no topic0 to have matched "all" signatures against.
	ep := sampleEndpoint("ep-1")
	require.False(t, Match(event, ep))

	// A non-empty filter makes the rejection doubly certain.
	ep.EventSignatures = map[string]struct{}{"0xaa": {}}
	require.False(t, Match(event, ep))
}

func TestIndexMatchReturnsOnlyMatchingEndpointIDs(t *testing.T) {
	event := sampleMatchEvent()

	matching := sampleEndpoint("match-me")
	nonMatching := sampleEndpoint("skip-me")
	nonMatching.ChainIDs = map[ethhook.ChainID]struct{}{99: {}}

	idx := newIndex([]ethhook.Endpoint{matching, nonMatching})
	ids := idx.Match(event)

	require.Equal(t, []string{"match-me"}, ids)
}

func TestIndexMatchFansOutToMultipleEndpoints(t *testing.T) {
	event := sampleMatchEvent()
	idx := newIndex([]ethhook.Endpoint{
		sampleEndpoint("ep-a"),
		sampleEndpoint("ep-b"),
		sampleEndpoint("ep-c"),
	})

	ids := idx.Match(event)
	require.Len(t, ids, 3, "an event matching every endpoint's empty filters must fan out to all of them")
}
