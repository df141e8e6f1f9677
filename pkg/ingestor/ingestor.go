// Package ingestor implements one task per configured chain that maintains
// a push subscription to new block headers, fetches the logs of each new
// block narrowed by the current Filter Snapshot, decodes them into Events,
// deduplicates, and appends to the Event Stream. Grounded on
// pkg/eventprocessor/eventfeed/impl/eventfeed.go, upgraded from a
// head-polling ticker to a genuine SubscribeNewHead push subscription.
package ingestor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/instrument"
	"go.uber.org/atomic"

	"github.com/ethhook/ethhook/internal/ethhook"
	"github.com/ethhook/ethhook/pkg/dedup"
	"github.com/ethhook/ethhook/pkg/retry"
)

// ChainClient is the subset of ethclient.Client the Ingestor needs. Mocked
// in tests, matching the teacher's eventfeed.ChainClient seam.
type ChainClient interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// FilterLookup returns the current FilterSnapshot for a chain, satisfied by
// *sharedmemory.SharedMemory.
type FilterLookup interface {
	GetFilterSnapshot(chainID ethhook.ChainID) (*ethhook.FilterSnapshot, bool)
}

// Appender appends a decoded event to the Event Stream, satisfied by
// *eventstream.Stream.
type Appender interface {
	Append(ctx context.Context, event ethhook.Event) (string, error)
}

// Task runs the per-chain ingestion state machine.
type Task struct {
	chain   ethhook.Chain
	client  ChainClient
	filters FilterLookup
	dedup   dedup.Deduplicator
	stream  Appender

	reconnectPolicy *retry.Policy
	breaker         *breaker

	log zerolog.Logger

	state State

	mBaseLabels      []attribute.KeyValue
	mCurrentHeight   atomic.Int64
	mEventsKept      instrument.Int64Counter
	mEventsDuplicate instrument.Int64Counter
	metricsOnce      sync.Once
}

// State is the chain task's position in the Disconnected -> Connecting ->
// Subscribed -> Draining -> Disconnected state machine.
type State int

const (
	// StateDisconnected is the initial and terminal state.
	StateDisconnected State = iota
	// StateConnecting is entered on startup or after the reconnect backoff
	// expires.
	StateConnecting
	// StateSubscribed means the transport is established and the
	// block-header subscription is acknowledged.
	StateSubscribed
	// StateDraining is entered when the transport closes, a keepalive
	// fails, or the circuit breaker trips.
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// New returns a Task for chain, fetching filtered logs through client,
// reading FilterSnapshots through filters, deduplicating through dd and
// appending decoded events to stream.
func New(
	chain ethhook.Chain,
	client ChainClient,
	filters FilterLookup,
	dd dedup.Deduplicator,
	stream Appender,
) *Task {
	return &Task{
		chain:           chain,
		client:          client,
		filters:         filters,
		dedup:           dd,
		stream:          stream,
		reconnectPolicy: retry.IngestorReconnectPolicy(),
		breaker:         newBreaker(5, 30*time.Second, 60*time.Second),
		log: logger.With().
			Str("component", "ingestor").
			Uint64("chain_id", uint64(chain.ID)).
			Logger(),
		state: StateDisconnected,
	}
}

// Run drives the chain task's state machine until ctx is cancelled or an
// unrecoverable error occurs. Run never returns on transient failures; it
// reconnects with backoff indefinitely.
func (t *Task) Run(ctx context.Context) error {
	t.metricsOnce.Do(func() {
		if err := t.initMetrics(); err != nil {
			t.log.Warn().Err(err).Msg("metrics setup failed, continuing without them")
		}
	})

	t.log.Debug().Msg("starting...")
	defer t.log.Debug().Msg("stopped")

	attempt := 0
	for {
		if ctx.Err() != nil {
			t.setState(StateDisconnected)
			return nil
		}

		t.setState(StateConnecting)
		err := t.runOnce(ctx)
		if ctx.Err() != nil {
			t.setState(StateDisconnected)
			return nil
		}
		if err != nil {
			if errors.Is(err, errBreakerTripped) {
				t.log.Warn().Err(err).Msg("circuit breaker tripped, waiting for cooldown")
				if !t.waitForBreakerArmed(ctx) {
					t.setState(StateDisconnected)
					return nil
				}
				attempt = 0
				continue
			}

			attempt++
			delay := t.reconnectPolicy.Delay(attempt)
			t.log.Warn().Err(err).Dur("backoff", delay).Msg("ingestion session ended, reconnecting")
			select {
			case <-ctx.Done():
				t.setState(StateDisconnected)
				return nil
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
	}
}

// errBreakerTripped is returned by runOnce when the circuit breaker trips,
// distinguishing a cooldown wait from the ordinary reconnect backoff.
var errBreakerTripped = errors.New("circuit breaker tripped")

// waitForBreakerArmed blocks until the breaker has cooled down (or ctx is
// cancelled), reporting whether it should continue reconnecting.
func (t *Task) waitForBreakerArmed(ctx context.Context) bool {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for !t.breaker.armed(time.Now()) {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

func (t *Task) setState(s State) {
	t.state = s
	t.log.Debug().Str("state", s.String()).Msg("state transition")
}

// State returns the task's current state, for the healthserver's
// /chains/{id}/status endpoint.
func (t *Task) State() State {
	return t.state
}

// runOnce establishes one subscription session and processes headers from
// it until the subscription errors, the context is cancelled, or the
// circuit breaker trips.
func (t *Task) runOnce(ctx context.Context) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	headers := make(chan *types.Header, 16)
	sub, err := t.client.SubscribeNewHead(sessionCtx, headers)
	if err != nil {
		return fmt.Errorf("subscribing to new heads: %w", err)
	}
	defer sub.Unsubscribe()

	t.setState(StateSubscribed)
	t.breaker.reset()

	for {
		select {
		case <-ctx.Done():
			t.setState(StateDraining)
			return nil
		case err := <-sub.Err():
			t.setState(StateDraining)
			return fmt.Errorf("subscription closed: %w", err)
		case h := <-headers:
			if err := t.processHeader(ctx, h); err != nil {
				if t.breaker.recordFailure(time.Now()) {
					t.setState(StateDraining)
					return fmt.Errorf("%w: %w", errBreakerTripped, err)
				}
				t.log.Warn().Err(err).Uint64("block", h.Number.Uint64()).Msg("processing header failed, continuing")
				continue
			}
			t.breaker.recordSuccess()
		}
	}
}

// processHeader fetches, decodes, deduplicates and appends the logs of one
// newly-announced block header.
func (t *Task) processHeader(ctx context.Context, h *types.Header) error {
	blockNumber := h.Number.Int64()

	snapshot, ok := t.filters.GetFilterSnapshot(t.chain.ID)
	if !ok {
		// Must not process blocks until the Filter Manager has published a
		// first snapshot for this chain.
		t.log.Debug().Msg("no filter snapshot published yet, skipping block")
		return nil
	}

	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(blockNumber),
		ToBlock:   big.NewInt(blockNumber),
	}
	if len(snapshot.Addresses) > 0 {
		query.Addresses = addressesFromSet(snapshot.Addresses)
	}
	if len(snapshot.Topic0s) > 0 {
		query.Topics = [][]common.Hash{topicsFromSet(snapshot.Topic0s)}
	}

	fetchCtx, fetchCancel := context.WithTimeout(ctx, 10*time.Second)
	logs, err := t.client.FilterLogs(fetchCtx, query)
	fetchCancel()
	if err != nil {
		return fmt.Errorf("filter logs for block %d: %w", blockNumber, err)
	}

	kept, duplicate := 0, 0
	for _, l := range logs {
		event, err := decodeLog(t.chain.ID, l)
		if err != nil {
			t.log.Error().Err(err).Str("tx_hash", l.TxHash.Hex()).Msg("decoding log, skipping")
			continue
		}

		already, err := t.dedup.SeenOrMark(ctx, event.Key().String())
		if err != nil {
			return fmt.Errorf("probing dedup store: %w", err)
		}
		if already {
			duplicate++
			continue
		}

		if _, err := t.stream.Append(ctx, event); err != nil {
			return fmt.Errorf("appending event to stream: %w", err)
		}
		kept++
	}

	t.mCurrentHeight.Store(blockNumber)
	if t.mEventsKept != nil {
		t.mEventsKept.Add(ctx, int64(kept), t.mBaseLabels...)
	}
	if t.mEventsDuplicate != nil {
		t.mEventsDuplicate.Add(ctx, int64(duplicate), t.mBaseLabels...)
	}

	t.log.Info().
		Uint64("chain", uint64(t.chain.ID)).
		Int64("block", blockNumber).
		Int("events_kept", kept).
		Int("events_duplicate", duplicate).
		Msg("processed block")
	return nil
}

func addressesFromSet(set map[string]struct{}) []common.Address {
	addrs := make([]common.Address, 0, len(set))
	for a := range set {
		addrs = append(addrs, common.HexToAddress(a))
	}
	return addrs
}

func topicsFromSet(set map[string]struct{}) []common.Hash {
	topics := make([]common.Hash, 0, len(set))
	for t := range set {
		topics = append(topics, common.HexToHash(t))
	}
	return topics
}

func decodeLog(chainID ethhook.ChainID, l types.Log) (ethhook.Event, error) {
	if len(l.Topics) > 4 {
		return ethhook.Event{}, fmt.Errorf("log has %d topics, more than the 4 a log can carry", len(l.Topics))
	}
	// A log with zero topics (an anonymous event) is still a structurally
	// valid Event; it simply never matches any endpoint's topic0 filter
	// (pkg/matcher requires a non-empty topic list to match).
	topics := make([][32]byte, len(l.Topics))
	for i, topic := range l.Topics {
		topics[i] = topic
	}
	return ethhook.Event{
		ChainID:         chainID,
		BlockNumber:     l.BlockNumber,
		LogIndex:        uint32(l.Index),
		TxHash:          l.TxHash,
		ContractAddress: l.Address,
		Topics:          topics,
		Data:            l.Data,
		IngestedAt:      time.Now().UTC(),
	}, nil
}
