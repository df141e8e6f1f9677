package configstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethhook/ethhook/internal/ethhook"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir() + "/configstore.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedEndpoint(t *testing.T, store *Store, id string, active bool) {
	t.Helper()
	_, err := store.DB.Exec(`INSERT INTO users (id) VALUES (?)`, "user-1")
	if err != nil {
		// ignore duplicate-user errors across multiple seeds in one test.
		_ = err
	}
	_, err = store.DB.Exec(`INSERT OR IGNORE INTO applications (id, user_id) VALUES (?, ?)`, "app-1", "user-1")
	require.NoError(t, err)
	_, err = store.DB.Exec(`
		INSERT INTO endpoints
			(id, application_id, webhook_url, hmac_secret, chain_ids, addresses, event_signatures, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, "app-1", "https://example.com/hook", []byte("supersecretsupersecretsupersecret"),
		`[1]`, `["0x00000000000000000000000000000000000000"]`, `[]`, active)
	require.NoError(t, err)
}

func TestListActiveEndpointsExcludesInactive(t *testing.T) {
	store := openTestStore(t)
	seedEndpoint(t, store, "ep-active", true)
	seedEndpoint(t, store, "ep-inactive", false)

	queries := NewQueries(store)
	endpoints, err := queries.ListActiveEndpoints(context.Background())
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	require.Equal(t, "ep-active", endpoints[0].ID)
	require.Contains(t, endpoints[0].ChainIDs, ethhook.ChainID(1))
	require.Equal(t, ethhook.DefaultMaxRetries, endpoints[0].MaxRetries)
	require.Equal(t, ethhook.DefaultTimeout, endpoints[0].Timeout)
	require.Equal(t, ethhook.DefaultRateLimitPerSecond, endpoints[0].RateLimitPerSecond)
}

func TestUpdateEndpointHealthWritesOnlyHealthColumns(t *testing.T) {
	store := openTestStore(t)
	seedEndpoint(t, store, "ep-1", true)
	queries := NewQueries(store)

	now := time.UnixMilli(1700000000000).UTC()
	err := queries.UpdateEndpointHealth(context.Background(), "ep-1", ethhook.HealthDegraded, 3, now)
	require.NoError(t, err)

	ep, err := queries.GetEndpoint(context.Background(), "ep-1")
	require.NoError(t, err)
	require.Equal(t, ethhook.HealthDegraded, ep.HealthStatus)
	require.Equal(t, uint32(3), ep.ConsecutiveFailures)
	require.Equal(t, now.UnixMilli(), ep.LastSuccessfulDelivery.UnixMilli())
	require.Equal(t, "https://example.com/hook", ep.WebhookURL, "non-health columns must be untouched")
}

func TestInsertDeliveryAttempt(t *testing.T) {
	store := openTestStore(t)
	seedEndpoint(t, store, "ep-1", true)
	queries := NewQueries(store)

	attempt := ethhook.DeliveryAttempt{
		EndpointID:    "ep-1",
		EventID:       "1-0xabc-0",
		AttemptNumber: 1,
		StartedAt:     time.Now(),
		FinishedAt:    time.Now(),
		Outcome:       ethhook.OutcomeSuccess,
		DurationMS:    42,
	}
	err := queries.InsertDeliveryAttempt(context.Background(), attempt)
	require.NoError(t, err)

	var count int
	row := store.DB.QueryRow(`SELECT count(*) FROM delivery_attempts WHERE endpoint_id = ?`, "ep-1")
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 1, count)
}
