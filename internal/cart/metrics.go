package cart

import (
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type syncMetrics struct {
	completed metric.Int64Counter
	failed    metric.Int64Counter
	discarded metric.Int64Counter
	duration  metric.Float64Histogram
}

// defaultMetrics creates the sync instruments once, on the global meter provider.
var defaultMetrics = sync.OnceValue(func() *syncMetrics {
	return newSyncMetrics(otel.Meter(instrumentationName))
})

func newSyncMetrics(meter metric.Meter) *syncMetrics {
	completed, err := meter.Int64Counter("cart_syncs_completed", metric.WithDescription("Cart syncs that replaced the entries"))
	if err != nil {
		panic(fmt.Sprintf("failed to create cart_syncs_completed counter: %v", err))
	}
	failed, err := meter.Int64Counter("cart_syncs_failed", metric.WithDescription("Cart syncs aborted by a product fetch error"))
	if err != nil {
		panic(fmt.Sprintf("failed to create cart_syncs_failed counter: %v", err))
	}
	discarded, err := meter.Int64Counter("cart_syncs_discarded", metric.WithDescription("Cart syncs superseded by a newer change"))
	if err != nil {
		panic(fmt.Sprintf("failed to create cart_syncs_discarded counter: %v", err))
	}
	duration, err := meter.Float64Histogram("cart_sync_duration", metric.WithUnit("s"), metric.WithDescription("Duration of committed cart syncs"))
	if err != nil {
		panic(fmt.Sprintf("failed to create cart_sync_duration histogram: %v", err))
	}
	return &syncMetrics{
		completed: completed,
		failed:    failed,
		discarded: discarded,
		duration:  duration,
	}
}
