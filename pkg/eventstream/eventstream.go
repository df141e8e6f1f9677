// Package eventstream implements a durable, per-chain ordered log that
// decouples the Ingestor from the Processor. It wraps Redis Streams
// (github.com/redis/go-redis/v9), one stream key per chain and one consumer
// group per Processor deployment. The consumer's read loop is grounded on
// pkg/backup/scheduler.go's ticker-plus-graceful-shutdown shape.
package eventstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
	"go.uber.org/atomic"

	"github.com/ethhook/ethhook/internal/ethhook"
	"github.com/ethhook/ethhook/pkg/metrics"
)

// Retention is the age past which TrimOlderThan removes entries, whether or
// not every consumer group has acknowledged them.
const Retention = 24 * time.Hour

// wireEvent is the JSON representation stored in each stream entry's single
// "event" field. Keeping one JSON blob per entry (rather than one Redis
// Streams field per struct field) keeps appends atomic and avoids a wire
// schema migration every time Event grows a field.
type wireEvent struct {
	ChainID         uint64   `json:"chain_id"`
	BlockNumber     uint64   `json:"block_number"`
	LogIndex        uint32   `json:"log_index"`
	TxHash          string   `json:"tx_hash"`
	ContractAddress string   `json:"contract_address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	IngestedAt      int64    `json:"ingested_at_unix_nano"`
}

// Stream is one chain's append/read/ack surface over a Redis Stream.
type Stream struct {
	client  *redis.Client
	chainID ethhook.ChainID
	key     string

	mBaseLabels []attribute.KeyValue
	mLagMillis  atomic.Int64
	once        sync.Once
}

// New returns a Stream bound to chainID's Redis Streams key.
func New(client *redis.Client, chainID ethhook.ChainID) *Stream {
	s := &Stream{
		client:  client,
		chainID: chainID,
		key:     streamKey(chainID),
	}
	s.once.Do(func() {
		_ = s.initMetrics()
	})
	return s
}

// initMetrics registers the stream-lag gauge, grounded on eventfeed's
// per-chain async-gauge-over-atomic pattern.
func (s *Stream) initMetrics() error {
	meter := global.MeterProvider().Meter("ethhook")
	s.mBaseLabels = append(
		[]attribute.KeyValue{attribute.Int64("chain_id", int64(s.chainID))},
		metrics.BaseAttrs...,
	)

	mLag, err := meter.Int64ObservableGauge("ethhook.eventstream.lag_ms")
	if err != nil {
		return fmt.Errorf("creating stream lag gauge: %w", err)
	}
	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(mLag, s.mLagMillis.Load(), s.mBaseLabels...)
			return nil
		}, []instrument.Asynchronous{mLag}...)
	if err != nil {
		return fmt.Errorf("registering stream lag callback: %w", err)
	}
	return nil
}

func streamKey(chainID ethhook.ChainID) string {
	return fmt.Sprintf("ethhook:stream:%d", uint64(chainID))
}

// Append appends event to the stream and returns its assigned sequence id.
// Entries appended for the same (chain, block_number) must preserve the
// caller's append order; XAdd's stream-assigned IDs are monotonically
// increasing, so callers that append in RPC-returned order get that
// ordering for free.
func (s *Stream) Append(ctx context.Context, event ethhook.Event) (string, error) {
	payload, err := json.Marshal(toWire(event))
	if err != nil {
		return "", fmt.Errorf("marshaling event for stream append: %w", err)
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key,
		Values: map[string]interface{}{"event": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("appending to stream %s: %w", s.key, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group if it doesn't already exist,
// creating the stream itself if necessary (XGroupCreateMkStream). It is
// safe to call on every Processor startup.
func (s *Stream) EnsureGroup(ctx context.Context, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, s.key, group, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		// BUSYGROUP means the group already exists; that's not an error.
		if rErr, ok := asRedisBusyGroup(err); ok {
			_ = rErr
			return nil
		}
		return fmt.Errorf("creating consumer group %s on %s: %w", group, s.key, err)
	}
	return nil
}

func asRedisBusyGroup(err error) (error, bool) {
	// go-redis surfaces server errors as plain *errors.errorString; the
	// only reliable signal is the "BUSYGROUP" prefix in its message.
	msg := err.Error()
	const prefix = "BUSYGROUP"
	if len(msg) >= len(prefix) && msg[:len(prefix)] == prefix {
		return err, true
	}
	return nil, false
}

// Entry is one stream record handed to a consumer, paired with the
// decoded Event and the raw stream ID needed to ack it.
type Entry struct {
	ID    string
	Event ethhook.Event
}

// Read reads up to count pending or new entries for (group, consumer),
// blocking up to block for new data if none are immediately available.
// Returned entries preserve the stream's append order.
func (s *Stream) Read(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{s.key, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading stream %s as %s/%s: %w", s.key, group, consumer, err)
	}

	var entries []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			ev, err := fromMessage(msg)
			if err != nil {
				return nil, fmt.Errorf("decoding stream entry %s: %w", msg.ID, err)
			}
			entries = append(entries, Entry{ID: msg.ID, Event: ev})
		}
	}
	if len(entries) > 0 {
		lag := time.Since(entries[len(entries)-1].Event.IngestedAt)
		s.mLagMillis.Store(lag.Milliseconds())
	}
	return entries, nil
}

// Ack acknowledges ids for group, removing them from the group's pending
// list. TrimOlderThan does not take acknowledgements into account.
func (s *Stream) Ack(ctx context.Context, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, s.key, group, ids...).Err(); err != nil {
		return fmt.Errorf("acking %d entries on %s/%s: %w", len(ids), s.key, group, err)
	}
	return nil
}

// TrimOlderThan removes entries older than Retention, approximately (using
// Redis's "~" MINID trim, which does not require an exact scan). Entries
// not yet acked by every group may still be removed by this call; the
// stream is a short-lived handoff buffer, not a replay log for historical
// queries, so that's acceptable.
func (s *Stream) TrimOlderThan(ctx context.Context, now time.Time) error {
	cutoffMillis := now.Add(-Retention).UnixMilli()
	minID := strconv.FormatInt(cutoffMillis, 10) + "-0"
	if err := s.client.XTrimMinIDApprox(ctx, s.key, minID, 100).Err(); err != nil {
		return fmt.Errorf("trimming stream %s: %w", s.key, err)
	}
	return nil
}

func toWire(e ethhook.Event) wireEvent {
	topics := make([]string, len(e.Topics))
	for i, t := range e.Topics {
		topics[i] = ethhook.HexString(t[:])
	}
	return wireEvent{
		ChainID:         uint64(e.ChainID),
		BlockNumber:     e.BlockNumber,
		LogIndex:        e.LogIndex,
		TxHash:          ethhook.HexString(e.TxHash[:]),
		ContractAddress: ethhook.HexString(e.ContractAddress[:]),
		Topics:          topics,
		Data:            ethhook.HexString(e.Data),
		IngestedAt:      e.IngestedAt.UnixNano(),
	}
}

func fromMessage(msg redis.XMessage) (ethhook.Event, error) {
	raw, ok := msg.Values["event"]
	if !ok {
		return ethhook.Event{}, errors.New("stream entry missing \"event\" field")
	}
	var rawBytes []byte
	switch v := raw.(type) {
	case string:
		rawBytes = []byte(v)
	case []byte:
		rawBytes = v
	default:
		return ethhook.Event{}, fmt.Errorf("unexpected event field type %T", raw)
	}

	var w wireEvent
	if err := json.Unmarshal(rawBytes, &w); err != nil {
		return ethhook.Event{}, fmt.Errorf("unmarshaling wire event: %w", err)
	}
	return fromWire(w)
}

func fromWire(w wireEvent) (ethhook.Event, error) {
	txHash, err := ethhook.DecodeHash32(w.TxHash)
	if err != nil {
		return ethhook.Event{}, fmt.Errorf("decoding tx_hash: %w", err)
	}
	addr, err := ethhook.DecodeAddress20(w.ContractAddress)
	if err != nil {
		return ethhook.Event{}, fmt.Errorf("decoding contract_address: %w", err)
	}
	topics := make([][32]byte, len(w.Topics))
	for i, t := range w.Topics {
		topics[i], err = ethhook.DecodeHash32(t)
		if err != nil {
			return ethhook.Event{}, fmt.Errorf("decoding topic %d: %w", i, err)
		}
	}
	data, err := ethhook.DecodeHexBytes(w.Data)
	if err != nil {
		return ethhook.Event{}, fmt.Errorf("decoding data: %w", err)
	}
	return ethhook.Event{
		ChainID:         ethhook.ChainID(w.ChainID),
		BlockNumber:     w.BlockNumber,
		LogIndex:        w.LogIndex,
		TxHash:          txHash,
		ContractAddress: addr,
		Topics:          topics,
		Data:            data,
		IngestedAt:      time.Unix(0, w.IngestedAt).UTC(),
	}, nil
}
