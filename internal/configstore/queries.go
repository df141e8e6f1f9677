package configstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ethhook/ethhook/internal/ethhook"
)

// Queries exposes the read queries the Filter Manager and Matcher need, and
// two write queries: UpdateEndpointHealth, which writes back health-status
// columns, and InsertDeliveryAttempt, which appends to delivery_attempts.
// Endpoints and their filters are owned by the admin API; the core only
// reads them.
type Queries struct {
	db *sql.DB
}

// NewQueries returns a Queries bound to store's database.
func NewQueries(store *Store) *Queries {
	return &Queries{db: store.DB}
}

// ListActiveEndpoints returns every endpoint with is_active = true, for the
// Filter Manager's and Matcher's periodic refresh.
func (q *Queries) ListActiveEndpoints(ctx context.Context) ([]ethhook.Endpoint, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, webhook_url, hmac_secret, chain_ids, addresses, event_signatures,
		       max_retries, timeout_seconds, rate_limit_per_second, is_active,
		       health_status, consecutive_failures, last_successful_delivery_at
		FROM endpoints
		WHERE is_active = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("querying active endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []ethhook.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning endpoint: %w", err)
		}
		endpoints = append(endpoints, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating active endpoints: %w", err)
	}
	return endpoints, nil
}

// GetEndpoint returns a single endpoint by id, regardless of is_active.
func (q *Queries) GetEndpoint(ctx context.Context, id string) (ethhook.Endpoint, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, webhook_url, hmac_secret, chain_ids, addresses, event_signatures,
		       max_retries, timeout_seconds, rate_limit_per_second, is_active,
		       health_status, consecutive_failures, last_successful_delivery_at
		FROM endpoints
		WHERE id = ?
	`, id)
	ep, err := scanEndpoint(row)
	if err != nil {
		return ethhook.Endpoint{}, fmt.Errorf("getting endpoint %s: %w", id, err)
	}
	return ep, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEndpoint(row rowScanner) (ethhook.Endpoint, error) {
	var (
		id, webhookURL, healthStatus      string
		hmacSecret                        []byte
		chainIDsJSON, addressesJSON       string
		eventSignaturesJSON               string
		maxRetries, timeoutSeconds        int
		rateLimitPerSecond                int
		isActive                          bool
		consecutiveFailures               uint32
		lastSuccessfulDeliveryAtUnixMilli int64
	)
	if err := row.Scan(
		&id, &webhookURL, &hmacSecret, &chainIDsJSON, &addressesJSON, &eventSignaturesJSON,
		&maxRetries, &timeoutSeconds, &rateLimitPerSecond, &isActive,
		&healthStatus, &consecutiveFailures, &lastSuccessfulDeliveryAtUnixMilli,
	); err != nil {
		return ethhook.Endpoint{}, err
	}

	chainIDs, err := decodeChainIDSet(chainIDsJSON)
	if err != nil {
		return ethhook.Endpoint{}, fmt.Errorf("decoding chain_ids: %w", err)
	}
	addresses, err := decodeStringSet(addressesJSON)
	if err != nil {
		return ethhook.Endpoint{}, fmt.Errorf("decoding addresses: %w", err)
	}
	eventSignatures, err := decodeStringSet(eventSignaturesJSON)
	if err != nil {
		return ethhook.Endpoint{}, fmt.Errorf("decoding event_signatures: %w", err)
	}

	var lastSuccess time.Time
	if lastSuccessfulDeliveryAtUnixMilli > 0 {
		lastSuccess = time.UnixMilli(lastSuccessfulDeliveryAtUnixMilli).UTC()
	}

	return ethhook.Endpoint{
		ID:                     id,
		WebhookURL:             webhookURL,
		HMACSecret:             hmacSecret,
		ChainIDs:               chainIDs,
		Addresses:              addresses,
		EventSignatures:        eventSignatures,
		MaxRetries:             maxRetries,
		Timeout:                time.Duration(timeoutSeconds) * time.Second,
		RateLimitPerSecond:     rateLimitPerSecond,
		IsActive:               isActive,
		HealthStatus:           ethhook.HealthStatus(healthStatus),
		ConsecutiveFailures:    consecutiveFailures,
		LastSuccessfulDelivery: lastSuccess,
	}, nil
}

// UpdateEndpointHealth writes back only the health-status columns for id;
// everything else about an endpoint is owned by the admin API.
func (q *Queries) UpdateEndpointHealth(
	ctx context.Context,
	id string,
	status ethhook.HealthStatus,
	consecutiveFailures uint32,
	lastSuccessfulDelivery time.Time,
) error {
	var lastSuccessMillis int64
	if !lastSuccessfulDelivery.IsZero() {
		lastSuccessMillis = lastSuccessfulDelivery.UnixMilli()
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE endpoints
		SET health_status = ?, consecutive_failures = ?, last_successful_delivery_at = ?
		WHERE id = ?
	`, string(status), consecutiveFailures, lastSuccessMillis, id)
	if err != nil {
		return fmt.Errorf("updating health for endpoint %s: %w", id, err)
	}
	return nil
}

// InsertDeliveryAttempt appends one Delivery Attempt record; the table is
// write-once per row, never updated.
func (q *Queries) InsertDeliveryAttempt(ctx context.Context, a ethhook.DeliveryAttempt) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO delivery_attempts
			(id, endpoint_id, event_id, attempt_number, started_at, finished_at, outcome, http_status, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		uuid.NewString(), a.EndpointID, a.EventID, a.AttemptNumber,
		a.StartedAt.UnixMilli(), a.FinishedAt.UnixMilli(), string(a.Outcome), a.HTTPStatus, a.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("inserting delivery attempt for endpoint %s event %s: %w", a.EndpointID, a.EventID, err)
	}
	return nil
}

func decodeStringSet(raw string) (map[string]struct{}, error) {
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set, nil
}

func decodeChainIDSet(raw string) (map[ethhook.ChainID]struct{}, error) {
	var values []uint64
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, err
	}
	set := make(map[ethhook.ChainID]struct{}, len(values))
	for _, v := range values {
		set[ethhook.ChainID(v)] = struct{}{}
	}
	return set, nil
}
