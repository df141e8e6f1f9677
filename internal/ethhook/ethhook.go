// Package ethhook defines the core domain types shared by every component
// of the event pipeline: chains, subscriber endpoints, events and the
// delivery bookkeeping produced for them.
package ethhook

import (
	"time"
)

// ChainID identifies an EVM chain, e.g. 1 for Ethereum mainnet.
type ChainID uint64

// Chain is the static, immutable-during-a-run description of a configured
// blockchain the Ingestor subscribes to.
type Chain struct {
	ID         ChainID
	Name       string
	PushURL    string // push-subscription RPC endpoint (newHeads).
	RequestURL string // request/response RPC endpoint (getLogs, etc).
}

// HealthStatus is the coarse health classification of a subscriber endpoint,
// derived from recent Delivery Attempts.
type HealthStatus string

// Health status values, ordered worst-to-best is not implied; see
// pkg/delivery/health.go for the transition rules.
const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Endpoint is a subscriber's registered webhook destination. It is owned by
// an Application owned by a User in the Config Store; EthHook's core only
// reads these rows (and writes the health fields back).
type Endpoint struct {
	ID         string
	WebhookURL string
	HMACSecret []byte // opaque, >= 32 bytes.

	ChainIDs          map[ChainID]struct{} // empty means "all chains".
	Addresses         map[string]struct{}  // lowercase 20-byte hex, empty means "all".
	EventSignatures   map[string]struct{}  // lowercase 32-byte hex topic0, empty means "all".
	MaxRetries        int
	Timeout           time.Duration
	RateLimitPerSecond int
	IsActive          bool

	HealthStatus           HealthStatus
	ConsecutiveFailures    uint32
	LastSuccessfulDelivery time.Time
}

// DefaultMaxRetries, DefaultTimeout and DefaultRateLimitPerSecond are the
// Endpoint field defaults: the Config Store schema uses the same values as
// column defaults, and pkg/delivery falls back to them when an endpoint's
// value is out of range (a negative MaxRetries, or a zero or negative
// Timeout or RateLimitPerSecond).
const (
	DefaultMaxRetries         = 3
	DefaultTimeout            = 30 * time.Second
	DefaultRateLimitPerSecond = 10
)

// Event is an immutable, fully-decoded log emitted by a contract, keyed for
// deduplication by (ChainID, TxHash, LogIndex).
type Event struct {
	ChainID         ChainID
	BlockNumber     uint64
	LogIndex        uint32
	TxHash          [32]byte
	ContractAddress [20]byte
	Topics          [][32]byte // length 0-4.
	Data            []byte
	IngestedAt      time.Time
}

// Key returns the deduplication identity of the event.
func (e Event) Key() EventKey {
	return EventKey{ChainID: e.ChainID, TxHash: e.TxHash, LogIndex: e.LogIndex}
}

// EventKey is the (chain_id, transaction_hash, log_index) triple that
// uniquely identifies an Event for deduplication purposes.
type EventKey struct {
	ChainID  ChainID
	TxHash   [32]byte
	LogIndex uint32
}

// String renders the key the way it is stored in the Dedup store and in the
// X-EthHook-Event-Id header: "<chain_id>-<tx_hash>-<log_index>".
func (k EventKey) String() string {
	return formatEventID(k.ChainID, k.TxHash, k.LogIndex)
}

// FilterSnapshot is the per-chain tuple the Filter Manager publishes and the
// Ingestor reads to narrow its getLogs calls. A snapshot is immutable once
// built; the Filter Manager replaces it wholesale on each refresh.
type FilterSnapshot struct {
	ChainID    ChainID
	Addresses  map[string]struct{} // empty means "no narrowing" (match all).
	Topic0s    map[string]struct{} // empty means "no narrowing".
	Generation uint64
	BuiltAt    time.Time
}

// DeliveryOutcome classifies the result of one Delivery Attempt.
type DeliveryOutcome string

// Delivery outcome values.
const (
	OutcomeSuccess              DeliveryOutcome = "success"
	OutcomeHTTPError            DeliveryOutcome = "http_error"
	OutcomeTimeout              DeliveryOutcome = "timeout"
	OutcomeConnectError         DeliveryOutcome = "connect_error"
	OutcomeSignatureRejected    DeliveryOutcome = "signature_rejected_by_remote"
	OutcomeDropped              DeliveryOutcome = "dropped"
)

// DeliveryAttempt is one append-only record of an attempted webhook POST.
type DeliveryAttempt struct {
	EndpointID    string
	EventID       string
	AttemptNumber int
	StartedAt     time.Time
	FinishedAt    time.Time
	Outcome       DeliveryOutcome
	HTTPStatus    int // response status code; 0 when no response was received.
	DurationMS    int64
}
