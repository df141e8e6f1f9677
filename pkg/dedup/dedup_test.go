package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// newTestDeduplicator points at a deliberately unreachable Redis address,
// so every call fails to dial and the tests exercise the fail-open path,
// which is the behavior most worth pinning down since it has no analogue
// in the teacher's code.
func newTestDeduplicator(t *testing.T) *RedisDeduplicator {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1", // deliberately unreachable.
		DialTimeout: 50 * time.Millisecond,
	})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, time.Minute)
}

func TestSeenOrMarkFailsOpenWhenRedisUnreachable(t *testing.T) {
	d := newTestDeduplicator(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	seen, err := d.SeenOrMark(ctx, "1-0xabc-0")
	require.NoError(t, err)
	require.False(t, seen, "fail-open must treat every key as novel")

	// A second call for the same key must still report novel: fail-open
	// means dedup state is not actually tracked anywhere.
	seen, err = d.SeenOrMark(ctx, "1-0xabc-0")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestNewDefaultsTTL(t *testing.T) {
	d := New(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), 0)
	require.Equal(t, DefaultTTL, d.ttl)
}

func TestRedisKeyNamespacing(t *testing.T) {
	require.Equal(t, "ethhook:dedup:1-0xabc-0", redisKey("1-0xabc-0"))
}
