// Package delivery implements the Delivery engine: it signs and
// HTTP-POSTs each Delivery Job to its endpoint's webhook URL, retries
// transient failures with backoff, tracks per-endpoint health, and
// records every attempt. Generalizes the teacher's
// pkg/eventprocessor/impl/webhook.go (a single-shot Discord-only POST)
// into a multi-endpoint engine with per-endpoint concurrency, rate
// limiting and retry.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-limiter/memorystore"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"

	"github.com/ethhook/ethhook/internal/configstore"
	"github.com/ethhook/ethhook/internal/ethhook"
	"github.com/ethhook/ethhook/pkg/matcher"
	"github.com/ethhook/ethhook/pkg/metrics"
	"github.com/ethhook/ethhook/pkg/retry"
	"github.com/ethhook/ethhook/pkg/sharedmemory"
)

const connectTimeout = 5 * time.Second

// jobQueueSize bounds each endpoint's FIFO backlog; a slow or unhealthy
// endpoint applies backpressure to the Matcher once it fills rather than
// growing memory unbounded.
const jobQueueSize = 1024

// maxWorkersPerEndpoint caps how many jobs for a single endpoint run
// concurrently; delivery to one endpoint is not serialized (distinct
// events may race), but concurrency is still bounded so one endpoint
// cannot monopolize goroutines.
const maxWorkersPerEndpoint = 8

// EndpointSource returns the current published EndpointSnapshot, satisfied
// by *sharedmemory.SharedMemory.
type EndpointSource interface {
	GetEndpoints() *sharedmemory.EndpointSnapshot
}

// Engine fans matched Delivery Jobs out to a bounded pool of worker
// goroutines per endpoint, each endpoint with its own FIFO queue and token
// bucket, so a slow or unhealthy endpoint never blocks delivery to any
// other and concurrent attempts within one endpoint are not serialized.
type Engine struct {
	endpoints    EndpointSource
	queries      *configstore.Queries
	limiterStore *memorystore.Store
	retryPolicy  *retry.Policy
	httpClient   *http.Client
	log          zerolog.Logger

	mu          sync.Mutex
	workers     map[string]chan matcher.Job
	indexGen    uint64
	index       map[string]ethhook.Endpoint
	lastAttempt map[string]time.Time
	closed      bool

	quit      chan struct{}
	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	mAttemptsByOutcome instrument.Int64Counter
	mHealthStatus      map[string]*int64 // endpoint id -> health ordinal, read by the async callback
	metricsOnce        sync.Once
}

// New returns an Engine reading endpoint data from endpoints and writing
// attempts/health through queries.
func New(endpoints EndpointSource, queries *configstore.Queries) (*Engine, error) {
	store, err := memorystore.New(&memorystore.Config{
		Tokens:   ethhook.DefaultRateLimitPerSecond,
		Interval: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("creating rate limiter store: %w", err)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	return &Engine{
		endpoints:     endpoints,
		queries:       queries,
		limiterStore:  store,
		retryPolicy:   retry.DeliveryRetryPolicy(),
		httpClient:    client,
		log:           logger.With().Str("component", "delivery").Logger(),
		workers:       make(map[string]chan matcher.Job),
		index:         make(map[string]ethhook.Endpoint),
		lastAttempt:   make(map[string]time.Time),
		quit:          make(chan struct{}),
		runCtx:        runCtx,
		cancelRun:     cancelRun,
		mHealthStatus: make(map[string]*int64),
	}, nil
}

// initMetrics registers the per-outcome attempt counter and per-endpoint
// health gauge with the process-wide meter, grounded on the same
// async-gauge-over-map pattern eventfeed/nonce use for per-instance labels.
func (e *Engine) initMetrics() error {
	meter := global.MeterProvider().Meter("ethhook")

	var err error
	e.mAttemptsByOutcome, err = meter.Int64Counter("ethhook.delivery.attempts")
	if err != nil {
		return fmt.Errorf("creating delivery attempts counter: %w", err)
	}

	mHealth, err := meter.Int64ObservableGauge("ethhook.delivery.endpoint.health")
	if err != nil {
		return fmt.Errorf("creating endpoint health gauge: %w", err)
	}
	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			e.mu.Lock()
			defer e.mu.Unlock()
			for endpointID, value := range e.mHealthStatus {
				attrs := append([]attribute.KeyValue{attribute.String("endpoint_id", endpointID)}, metrics.BaseAttrs...)
				o.ObserveInt64(mHealth, *value, attrs...)
			}
			return nil
		}, []instrument.Asynchronous{mHealth}...)
	if err != nil {
		return fmt.Errorf("registering endpoint health callback: %w", err)
	}
	return nil
}

func healthOrdinal(status ethhook.HealthStatus) int64 {
	switch status {
	case ethhook.HealthDegraded:
		return 1
	case ethhook.HealthUnhealthy:
		return 2
	default:
		return 0
	}
}

// Enqueue implements matcher.JobSink: it routes job to its endpoint's
// worker, starting the worker on first use.
func (e *Engine) Enqueue(ctx context.Context, job matcher.Job) error {
	e.metricsOnce.Do(func() {
		if err := e.initMetrics(); err != nil {
			e.log.Warn().Err(err).Msg("metrics setup failed, continuing without them")
		}
	})
	e.refreshIndexIfNeeded()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("delivery engine is shutting down")
	}
	ep, ok := e.index[job.EndpointID]
	if !ok {
		e.mu.Unlock()
		e.log.Warn().Str("endpoint_id", job.EndpointID).Msg("job for unknown endpoint, dropping")
		return nil
	}
	ch, exists := e.workers[ep.ID]
	if !exists {
		ch = make(chan matcher.Job, jobQueueSize)
		e.workers[ep.ID] = ch
		for i := 0; i < workerCount(ep); i++ {
			e.wg.Add(1)
			go e.runWorker(ep.ID, ch)
		}
	}
	e.mu.Unlock()

	select {
	case ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting new jobs and waits for every worker to drain its
// queue. If ctx expires first, in-flight requests and retry waits are
// aborted and Shutdown returns ctx's error once the workers have exited.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.quit)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.cancelRun()
		<-done
		return ctx.Err()
	}
}

func (e *Engine) refreshIndexIfNeeded() {
	snap := e.endpoints.GetEndpoints()
	if snap == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if snap.Generation == e.indexGen {
		return
	}
	idx := make(map[string]ethhook.Endpoint, len(snap.Endpoints))
	for _, ep := range snap.Endpoints {
		idx[ep.ID] = ep
	}
	e.index = idx
	e.indexGen = snap.Generation
}

// runWorker drains ch in FIFO order for one endpoint until Shutdown is
// called, at which point it finishes whatever is already queued and exits.
func (e *Engine) runWorker(endpointID string, ch chan matcher.Job) {
	defer e.wg.Done()
	for {
		select {
		case job := <-ch:
			e.deliver(e.runCtx, endpointID, job)
		case <-e.quit:
			for {
				select {
				case job := <-ch:
					e.deliver(e.runCtx, endpointID, job)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) currentEndpoint(id string) (ethhook.Endpoint, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ep, ok := e.index[id]
	return ep, ok
}

// deliver runs the full attempt-retry loop for one Delivery Job against
// its endpoint, up to endpoint.MaxRetries+1 attempts.
func (e *Engine) deliver(ctx context.Context, endpointID string, job matcher.Job) {
	ep, ok := e.currentEndpoint(endpointID)
	if !ok {
		return
	}

	rateKey := "delivery:" + ep.ID
	_ = e.limiterStore.Set(ctx, rateKey, uint64(rateLimitOrDefault(ep)), time.Second)

	attempt := job.Attempt
	if attempt < 1 {
		attempt = 1
	}
	maxAttempts := ep.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = ethhook.DefaultMaxRetries + 1
	}

	for {
		if ctx.Err() != nil {
			return
		}
		e.waitForToken(ctx, rateKey)
		e.waitForUnhealthyFloor(ctx, ep)

		e.mu.Lock()
		e.lastAttempt[ep.ID] = time.Now()
		e.mu.Unlock()

		result := e.attempt(ctx, ep, job.Event, attempt)
		success := result.outcome == ethhook.OutcomeSuccess
		terminal := success || (!result.transient) || attempt >= maxAttempts

		finalOutcome := result.outcome
		if !success && attempt >= maxAttempts && result.transient {
			finalOutcome = ethhook.OutcomeDropped
		}

		e.recordAttempt(ctx, ep, job.Event, attempt, result, finalOutcome)
		if terminal {
			// Health only moves on a settled delivery: a success resets it, a
			// permanent or retries-exhausted failure counts against it. A
			// transient failure with retries remaining is not yet an outcome.
			e.updateHealth(ctx, ep.ID, success)
			return
		}

		delay := e.retryPolicy.Delay(attempt)
		if result.retryAfter > 0 {
			delay = result.retryAfter
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		attempt++
		if ep, ok = e.currentEndpoint(endpointID); !ok {
			return
		}
	}
}

// workerCount picks how many goroutines concurrently drain one endpoint's
// job channel, scaled to its rate limit and capped at
// maxWorkersPerEndpoint.
func workerCount(ep ethhook.Endpoint) int {
	n := rateLimitOrDefault(ep)
	if n > maxWorkersPerEndpoint {
		n = maxWorkersPerEndpoint
	}
	if n < 1 {
		n = 1
	}
	return n
}

func rateLimitOrDefault(ep ethhook.Endpoint) int {
	if ep.RateLimitPerSecond <= 0 {
		return ethhook.DefaultRateLimitPerSecond
	}
	return ep.RateLimitPerSecond
}

func (e *Engine) waitForToken(ctx context.Context, key string) {
	for {
		_, _, reset, ok, err := e.limiterStore.Take(ctx, key)
		if err != nil {
			e.log.Warn().Err(err).Msg("rate limiter unavailable, proceeding unthrottled")
			return
		}
		if ok {
			return
		}
		wait := time.Until(time.Unix(0, int64(reset)))
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// waitForUnhealthyFloor enforces the 30s floor between attempts to an
// unhealthy endpoint, per the health model's "reduced concurrency" clause.
func (e *Engine) waitForUnhealthyFloor(ctx context.Context, ep ethhook.Endpoint) {
	if ep.HealthStatus != ethhook.HealthUnhealthy {
		return
	}
	e.mu.Lock()
	last := e.lastAttempt[ep.ID]
	e.mu.Unlock()
	if last.IsZero() {
		return
	}
	wait := unhealthyDeliveryFloor - time.Since(last)
	if wait <= 0 {
		return
	}
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}

type attemptResult struct {
	classification
	startedAt  time.Time
	finishedAt time.Time
}

// attempt performs a single signed POST and classifies the result.
func (e *Engine) attempt(ctx context.Context, ep ethhook.Endpoint, event ethhook.Event, attemptNumber int) attemptResult {
	started := time.Now()
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = ethhook.DefaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timestamp := started.Unix()
	body, err := encodeBody(event, timestamp)
	if err != nil {
		return attemptResult{
			classification: classification{outcome: ethhook.OutcomeDropped},
			startedAt:      started, finishedAt: time.Now(),
		}
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return attemptResult{
			classification: classification{outcome: ethhook.OutcomeConnectError, transient: true},
			startedAt:      started, finishedAt: time.Now(),
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-EthHook-Event-Id", event.Key().String())
	req.Header.Set("X-EthHook-Timestamp", fmt.Sprintf("%d", timestamp))
	req.Header.Set("X-EthHook-Signature", sign(ep.HMACSecret, timestamp, body))

	resp, err := e.httpClient.Do(req)
	finished := time.Now()
	cls := classify(resp, err)

	e.log.Debug().
		Str("endpoint_id", ep.ID).
		Str("event_id", event.Key().String()).
		Int("attempt", attemptNumber).
		Str("outcome", string(cls.outcome)).
		Int("http_status", cls.httpStatus).
		Msg("delivery attempt")

	return attemptResult{classification: cls, startedAt: started, finishedAt: finished}
}

func (e *Engine) recordAttempt(
	ctx context.Context,
	ep ethhook.Endpoint,
	event ethhook.Event,
	attemptNumber int,
	result attemptResult,
	outcome ethhook.DeliveryOutcome,
) {
	record := ethhook.DeliveryAttempt{
		EndpointID:    ep.ID,
		EventID:       event.Key().String(),
		AttemptNumber: attemptNumber,
		StartedAt:     result.startedAt,
		FinishedAt:    result.finishedAt,
		Outcome:       outcome,
		HTTPStatus:    result.httpStatus,
		DurationMS:    result.finishedAt.Sub(result.startedAt).Milliseconds(),
	}
	if err := e.queries.InsertDeliveryAttempt(ctx, record); err != nil {
		e.log.Error().Err(err).Str("endpoint_id", ep.ID).Msg("recording delivery attempt")
	}

	if e.mAttemptsByOutcome != nil {
		attrs := append([]attribute.KeyValue{attribute.String("outcome", string(outcome))}, metrics.BaseAttrs...)
		e.mAttemptsByOutcome.Add(ctx, 1, attrs...)
	}
}

func (e *Engine) updateHealth(ctx context.Context, endpointID string, success bool) {
	ep, ok := e.currentEndpoint(endpointID)
	if !ok {
		return
	}
	update := nextHealth(ep, success, time.Now())
	if err := e.queries.UpdateEndpointHealth(ctx, endpointID, update.status, update.consecutiveFailures, update.lastSuccessfulDelivery); err != nil {
		e.log.Error().Err(err).Str("endpoint_id", endpointID).Msg("updating endpoint health")
	}

	e.mu.Lock()
	if cached, ok := e.index[endpointID]; ok {
		cached.HealthStatus = update.status
		cached.ConsecutiveFailures = update.consecutiveFailures
		cached.LastSuccessfulDelivery = update.lastSuccessfulDelivery
		e.index[endpointID] = cached
	}
	ordinal, ok := e.mHealthStatus[endpointID]
	if !ok {
		ordinal = new(int64)
		e.mHealthStatus[endpointID] = ordinal
	}
	*ordinal = healthOrdinal(update.status)
	e.mu.Unlock()
}
