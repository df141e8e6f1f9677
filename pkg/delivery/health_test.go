package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethhook/ethhook/internal/ethhook"
)

func TestNextHealthSuccessResetsFailures(t *testing.T) {
	now := time.Now()
	current := ethhook.Endpoint{HealthStatus: ethhook.HealthDegraded, ConsecutiveFailures: 5}
	update := nextHealth(current, true, now)

	require.Equal(t, ethhook.HealthHealthy, update.status)
	require.Equal(t, uint32(0), update.consecutiveFailures)
	require.Equal(t, now, update.lastSuccessfulDelivery)
}

func TestNextHealthDegradesAtThreeFailures(t *testing.T) {
	current := ethhook.Endpoint{ConsecutiveFailures: 2}
	update := nextHealth(current, false, time.Now())

	require.Equal(t, ethhook.HealthDegraded, update.status)
	require.Equal(t, uint32(3), update.consecutiveFailures)
}

func TestNextHealthUnhealthyAtTenFailures(t *testing.T) {
	current := ethhook.Endpoint{ConsecutiveFailures: 9}
	update := nextHealth(current, false, time.Now())

	require.Equal(t, ethhook.HealthUnhealthy, update.status)
	require.Equal(t, uint32(10), update.consecutiveFailures)
}

func TestNextHealthFailurePreservesLastSuccessfulDelivery(t *testing.T) {
	last := time.Now().Add(-time.Hour)
	current := ethhook.Endpoint{LastSuccessfulDelivery: last}
	update := nextHealth(current, false, time.Now())

	require.Equal(t, last, update.lastSuccessfulDelivery)
}
