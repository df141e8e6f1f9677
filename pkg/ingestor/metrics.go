package ingestor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"

	"github.com/ethhook/ethhook/pkg/metrics"
)

// initMetrics registers the chain-task's height gauge and event counters
// with the process-wide meter, grounded on eventfeed's per-chain
// initMetrics (async height gauge backed by an atomic, sync counters for
// per-block tallies).
func (t *Task) initMetrics() error {
	meter := global.MeterProvider().Meter("ethhook")
	t.mBaseLabels = append(
		[]attribute.KeyValue{attribute.Int64("chain_id", int64(t.chain.ID))},
		metrics.BaseAttrs...,
	)

	mHeight, err := meter.Int64ObservableGauge("ethhook.ingestor.height")
	if err != nil {
		return fmt.Errorf("creating height gauge: %w", err)
	}
	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(mHeight, t.mCurrentHeight.Load(), t.mBaseLabels...)
			return nil
		}, []instrument.Asynchronous{mHeight}...)
	if err != nil {
		return fmt.Errorf("registering height callback: %w", err)
	}

	t.mEventsKept, err = meter.Int64Counter("ethhook.ingestor.events.kept")
	if err != nil {
		return fmt.Errorf("creating events kept counter: %w", err)
	}
	t.mEventsDuplicate, err = meter.Int64Counter("ethhook.ingestor.events.duplicate")
	if err != nil {
		return fmt.Errorf("creating events duplicate counter: %w", err)
	}

	return nil
}
