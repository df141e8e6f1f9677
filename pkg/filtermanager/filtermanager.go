// Package filtermanager implements a background ticker that materializes,
// per chain, the union of active subscriber filters from the Config Store
// and publishes them as a FilterSnapshot the Ingestor narrows its getLogs
// calls with. Grounded on the teacher's pkg/telemetry/publisher/publisher.go
// ticker-driven background-loop shape and pkg/sharedmemory's atomic-swap
// publication.
package filtermanager

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/ethhook/ethhook/internal/configstore"
	"github.com/ethhook/ethhook/internal/ethhook"
	"github.com/ethhook/ethhook/pkg/sharedmemory"
)

// DefaultRefreshInterval is the background ticker's default period.
const DefaultRefreshInterval = 300 * time.Second

// Manager runs the periodic filter-snapshot refresh loop.
type Manager struct {
	queries *configstore.Queries
	sm      *sharedmemory.SharedMemory
	chains  []ethhook.ChainID
	period  time.Duration
	log     zerolog.Logger

	generation uint64
}

// New returns a Manager that refreshes snapshots for the given chains.
func New(queries *configstore.Queries, sm *sharedmemory.SharedMemory, chains []ethhook.ChainID, period time.Duration) *Manager {
	if period <= 0 {
		period = DefaultRefreshInterval
	}
	return &Manager{
		queries: queries,
		sm:      sm,
		chains:  chains,
		period:  period,
		log:     logger.With().Str("component", "filtermanager").Logger(),
	}
}

// Run blocks, refreshing snapshots every period until ctx is cancelled. The
// Ingestor must not process blocks until a first snapshot exists, so Run
// performs one synchronous refresh before entering the ticker loop.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Debug().Msg("starting...")
	defer m.log.Debug().Msg("stopped")

	if err := m.refresh(ctx); err != nil {
		m.log.Error().Err(err).Msg("initial filter snapshot refresh failed")
	}

	ticker := time.NewTicker(m.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.refresh(ctx); err != nil {
				// Keep serving the last snapshot rather than blocking the
				// Ingestor on a transient Config Store outage.
				m.log.Error().Err(err).Msg("filter snapshot refresh failed, keeping last snapshot")
			}
		}
	}
}

func (m *Manager) refresh(ctx context.Context) error {
	endpoints, err := m.queries.ListActiveEndpoints(ctx)
	if err != nil {
		return err
	}

	m.generation++
	now := time.Now()
	builtPerChain := buildSnapshots(m.chains, endpoints, m.generation, now)
	for chainID, snap := range builtPerChain {
		snapCopy := snap
		m.sm.SetFilterSnapshot(chainID, &snapCopy)
	}

	m.sm.SetEndpoints(&sharedmemory.EndpointSnapshot{
		Generation: m.generation,
		Endpoints:  endpoints,
		BuiltAt:    now,
	})

	m.log.Debug().
		Uint64("generation", m.generation).
		Int("active_endpoints", len(endpoints)).
		Msg("refreshed filter snapshots")
	return nil
}

// buildSnapshots computes the per-chain FilterSnapshot: the union of each
// active endpoint's address/topic0 filters restricted to that chain, with
// the rule that any endpoint with an empty filter set for a
// dimension forces that chain's snapshot for that dimension empty too
// (meaning "no server-side narrowing"), since the Ingestor otherwise
// couldn't satisfy that subscriber.
func buildSnapshots(
	chains []ethhook.ChainID,
	endpoints []ethhook.Endpoint,
	generation uint64,
	builtAt time.Time,
) map[ethhook.ChainID]ethhook.FilterSnapshot {
	addrUnion := make(map[ethhook.ChainID]map[string]struct{}, len(chains))
	topicUnion := make(map[ethhook.ChainID]map[string]struct{}, len(chains))
	addrUnnarrowed := make(map[ethhook.ChainID]bool, len(chains))
	topicUnnarrowed := make(map[ethhook.ChainID]bool, len(chains))

	for _, c := range chains {
		addrUnion[c] = make(map[string]struct{})
		topicUnion[c] = make(map[string]struct{})
	}

	for _, ep := range endpoints {
		chainsForEndpoint := chainsMatched(ep, chains)
		for _, c := range chainsForEndpoint {
			if len(ep.Addresses) == 0 {
				addrUnnarrowed[c] = true
			} else {
				for a := range ep.Addresses {
					addrUnion[c][a] = struct{}{}
				}
			}
			if len(ep.EventSignatures) == 0 {
				topicUnnarrowed[c] = true
			} else {
				for sig := range ep.EventSignatures {
					topicUnion[c][sig] = struct{}{}
				}
			}
		}
	}

	snapshots := make(map[ethhook.ChainID]ethhook.FilterSnapshot, len(chains))
	for _, c := range chains {
		addresses := addrUnion[c]
		if addrUnnarrowed[c] {
			addresses = map[string]struct{}{}
		}
		topics := topicUnion[c]
		if topicUnnarrowed[c] {
			topics = map[string]struct{}{}
		}
		snapshots[c] = ethhook.FilterSnapshot{
			ChainID:    c,
			Addresses:  addresses,
			Topic0s:    topics,
			Generation: generation,
			BuiltAt:    builtAt,
		}
	}
	return snapshots
}

// chainsMatched returns the subset of chains a given endpoint's chain-id
// filter applies to; an empty filter means "all chains".
func chainsMatched(ep ethhook.Endpoint, chains []ethhook.ChainID) []ethhook.ChainID {
	if len(ep.ChainIDs) == 0 {
		return chains
	}
	var matched []ethhook.ChainID
	for _, c := range chains {
		if _, ok := ep.ChainIDs[c]; ok {
			matched = append(matched, c)
		}
	}
	return matched
}
