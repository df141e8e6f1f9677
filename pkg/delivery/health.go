package delivery

import (
	"time"

	"github.com/ethhook/ethhook/internal/ethhook"
)

// degradedThreshold and unhealthyThreshold are the consecutive-failure
// counts at which an endpoint's health status downgrades.
const (
	degradedThreshold  = 3
	unhealthyThreshold = 10
)

// healthUpdate is the next (status, consecutive_failures,
// last_successful_delivery_at) triple for an endpoint after one settled
// delivery's outcome (success, permanent failure or retries exhausted),
// grounded on pkg/nonce/impl/tracker.go's consecutive-failure
// accounting, generalized from "nonce got stuck" to "endpoint degraded".
type healthUpdate struct {
	status                 ethhook.HealthStatus
	consecutiveFailures    uint32
	lastSuccessfulDelivery time.Time
}

func nextHealth(current ethhook.Endpoint, success bool, now time.Time) healthUpdate {
	if success {
		return healthUpdate{
			status:                 ethhook.HealthHealthy,
			consecutiveFailures:    0,
			lastSuccessfulDelivery: now,
		}
	}

	failures := current.ConsecutiveFailures + 1
	status := ethhook.HealthHealthy
	switch {
	case failures >= unhealthyThreshold:
		status = ethhook.HealthUnhealthy
	case failures >= degradedThreshold:
		status = ethhook.HealthDegraded
	}
	return healthUpdate{
		status:                 status,
		consecutiveFailures:    failures,
		lastSuccessfulDelivery: current.LastSuccessfulDelivery,
	}
}

// unhealthyDeliveryFloor is the minimum spacing the scheduler enforces
// between attempts to an unhealthy endpoint; it is never paused outright,
// only slowed.
const unhealthyDeliveryFloor = 30 * time.Second
