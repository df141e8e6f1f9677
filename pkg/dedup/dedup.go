// Package dedup implements a short-TTL, out-of-process set of recently seen
// event identities shared across Ingestor restarts, backed by Redis's
// `SET key value NX EX`. No package in the teacher's tree talks to Redis,
// so github.com/redis/go-redis/v9 is introduced here as the idiomatic
// client for this concern.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"

	"github.com/ethhook/ethhook/pkg/metrics"
)

// DefaultTTL is the default deduplication window.
const DefaultTTL = time.Hour

// Deduplicator exposes an atomic seen-or-mark check over event keys.
type Deduplicator interface {
	// SeenOrMark returns true if key was already present (the caller must
	// drop the event), false if it was newly inserted.
	SeenOrMark(ctx context.Context, key string) (bool, error)
}

// RedisDeduplicator is the Redis-backed Deduplicator. It fails open: if
// Redis is unreachable, every key is reported novel and the error is
// logged at Warn rather than propagated, so a Redis outage degrades the
// Ingestor to best-effort delivery instead of stalling it.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger

	mHits   instrument.Int64Counter
	mMisses instrument.Int64Counter
	once    sync.Once
}

// New creates a RedisDeduplicator against the given Redis client with the
// given key TTL. Pass ttl <= 0 to use DefaultTTL.
func New(client *redis.Client, ttl time.Duration) *RedisDeduplicator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	d := &RedisDeduplicator{
		client: client,
		ttl:    ttl,
		log:    logger.With().Str("component", "dedup").Logger(),
	}
	d.once.Do(func() {
		if err := d.initMetrics(); err != nil {
			d.log.Warn().Err(err).Msg("metrics setup failed, continuing without them")
		}
	})
	return d
}

func (d *RedisDeduplicator) initMetrics() error {
	meter := global.MeterProvider().Meter("ethhook")
	var err error
	if d.mHits, err = meter.Int64Counter("ethhook.dedup.hits"); err != nil {
		return fmt.Errorf("creating dedup hits counter: %w", err)
	}
	if d.mMisses, err = meter.Int64Counter("ethhook.dedup.misses"); err != nil {
		return fmt.Errorf("creating dedup misses counter: %w", err)
	}
	return nil
}

// SeenOrMark implements Deduplicator. A lost race under concurrent access
// (two callers inserting the same key at once) may return false twice;
// callers downstream must tolerate the rare duplicate that results.
func (d *RedisDeduplicator) SeenOrMark(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, redisKey(key), 1, d.ttl).Result()
	if err != nil {
		d.log.Warn().Err(err).Str("key", key).Msg("dedup store unreachable, failing open")
		return false, nil
	}
	// SetNX returns true if the key was set (i.e. it was novel).
	seen := !ok
	if seen {
		if d.mHits != nil {
			d.mHits.Add(ctx, 1, metrics.BaseAttrs...)
		}
	} else if d.mMisses != nil {
		d.mMisses.Add(ctx, 1, metrics.BaseAttrs...)
	}
	return seen, nil
}

func redisKey(key string) string {
	return "ethhook:dedup:" + key
}
