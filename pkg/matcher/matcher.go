// Package matcher implements the Matcher half of the Processor: for each
// event consumed from the Event Stream, it determines the set of
// endpoints whose filters match and emits one Delivery Job per match.
// Grounded on pkg/eventprocessor/impl/eventprocessor.go's
// single-consumer-loop-per-chain shape; the endpoint index is swap-
// published the same way as the Filter Snapshot.
package matcher

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/ethhook/ethhook/internal/ethhook"
	"github.com/ethhook/ethhook/pkg/eventstream"
	"github.com/ethhook/ethhook/pkg/retry"
	"github.com/ethhook/ethhook/pkg/sharedmemory"
)

// Job is a Delivery Job: one (event, endpoint) match to hand to the
// Delivery engine.
type Job struct {
	Event      ethhook.Event
	EndpointID string
	Attempt    int
}

// JobSink accepts matched Delivery Jobs, satisfied by *delivery.Engine.
type JobSink interface {
	Enqueue(ctx context.Context, job Job) error
}

// EndpointSource returns the current published EndpointSnapshot, satisfied
// by *sharedmemory.SharedMemory.
type EndpointSource interface {
	GetEndpoints() *sharedmemory.EndpointSnapshot
}

// Consumer runs the Matcher's per-chain read loop over one Event Stream.
type Consumer struct {
	chainID  ethhook.ChainID
	stream   *eventstream.Stream
	group    string
	consumer string

	endpoints EndpointSource
	sink      JobSink

	reconnectPolicy *retry.Policy

	index   *index
	indexGen uint64

	log zerolog.Logger
}

// NewConsumer returns a Consumer for chainID's stream.
func NewConsumer(
	chainID ethhook.ChainID,
	stream *eventstream.Stream,
	group, consumer string,
	endpoints EndpointSource,
	sink JobSink,
) *Consumer {
	return &Consumer{
		chainID:         chainID,
		stream:          stream,
		group:           group,
		consumer:        consumer,
		endpoints:       endpoints,
		sink:            sink,
		reconnectPolicy: retry.NewPolicy(time.Second, 2, 60*time.Second),
		index:           newIndex(nil),
		log: logger.With().
			Str("component", "matcher").
			Uint64("chain_id", uint64(chainID)).
			Logger(),
	}
}

// Run blocks, reading batches from the stream and matching each event
// against the current endpoint index, until ctx is cancelled. A stream
// entry is only acknowledged after every matched job for it has been
// enqueued, so a crash mid-batch replays the entry rather than losing it.
// Run never returns on transient failures; like the Ingestor's chain task,
// it retries with backoff so one chain's Redis hiccup stalls only this
// chain's consumer.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Debug().Msg("starting...")
	defer c.log.Debug().Msg("stopped")

	ensured := false
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		if !ensured {
			if err := c.stream.EnsureGroup(ctx, c.group); err != nil {
				attempt++
				delay := c.reconnectPolicy.Delay(attempt)
				c.log.Warn().Err(err).Dur("backoff", delay).Msg("ensuring consumer group, retrying")
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(delay):
				}
				continue
			}
			ensured = true
			attempt = 0
		}

		c.refreshIndexIfNeeded()

		entries, err := c.stream.Read(ctx, c.group, c.consumer, 64, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error().Err(err).Msg("reading from stream")
			time.Sleep(time.Second)
			continue
		}

		var acked []string
		for _, entry := range entries {
			if err := c.matchAndEnqueue(ctx, entry.Event); err != nil {
				c.log.Error().Err(err).Str("entry_id", entry.ID).Msg("matching/enqueuing event")
				continue
			}
			acked = append(acked, entry.ID)
		}
		if len(acked) > 0 {
			if err := c.stream.Ack(ctx, c.group, acked...); err != nil {
				c.log.Error().Err(err).Msg("acking stream entries")
			}
		}
	}
}

func (c *Consumer) refreshIndexIfNeeded() {
	snap := c.endpoints.GetEndpoints()
	if snap == nil || snap.Generation == c.indexGen {
		return
	}
	c.index = newIndex(snap.Endpoints)
	c.indexGen = snap.Generation
}

func (c *Consumer) matchAndEnqueue(ctx context.Context, event ethhook.Event) error {
	matches := c.index.Match(event)
	for _, endpointID := range matches {
		job := Job{Event: event, EndpointID: endpointID, Attempt: 1}
		if err := c.sink.Enqueue(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// Match reports whether endpoint matches event: chain, contract address
// and event signature (topic0) filters are each either empty (meaning
// "all") or must contain the event's corresponding value. An event with no
// topics never matches, whatever the filters.
func Match(event ethhook.Event, endpoint ethhook.Endpoint) bool {
	if !endpoint.IsActive {
		return false
	}
	if len(endpoint.ChainIDs) > 0 {
		if _, ok := endpoint.ChainIDs[event.ChainID]; !ok {
			return false
		}
	}
	if len(endpoint.Addresses) > 0 {
		addr := ethhook.LowerAddressHex(event.ContractAddress)
		if _, ok := endpoint.Addresses[addr]; !ok {
			return false
		}
	}
	if len(endpoint.EventSignatures) > 0 {
		if len(event.Topics) == 0 {
			return false
		}
		topic0 := ethhook.LowerTopicHex(event.Topics[0])
		if _, ok := endpoint.EventSignatures[topic0]; !ok {
			return false
		}
	} else if len(event.Topics) == 0 {
		// Even with no signature filter configured, a log with no topics
		// has no topic0 to match against.
		return false
	}
	return true
}
