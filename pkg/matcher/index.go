package matcher

import "github.com/ethhook/ethhook/internal/ethhook"

// index is the Matcher's in-memory endpoint lookup structure: built fresh
// on every EndpointSnapshot generation bump and swap-published by
// replacing the Consumer's index pointer wholesale, the same
// single-writer discipline as the Filter Snapshot.
type index struct {
	endpoints []ethhook.Endpoint
}

func newIndex(endpoints []ethhook.Endpoint) *index {
	return &index{endpoints: endpoints}
}

// Match returns the IDs of every active endpoint whose filters match event,
// per the predicate in Match().
func (idx *index) Match(event ethhook.Event) []string {
	var matched []string
	for _, ep := range idx.endpoints {
		if Match(event, ep) {
			matched = append(matched, ep.ID)
		}
	}
	return matched
}
