package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Instrument names.
const (
	MetricGridLoadDuration   = "mosaic_grid_load_duration"
	MetricGridLoads          = "mosaic_grid_loads"
	MetricGridRemoteEvents   = "mosaic_grid_remote_events"
	MetricClaimDuration      = "mosaic_claim_duration"
	MetricClaimStages        = "mosaic_claim_stages"
	MetricFeedConnections    = "mosaic_feed_connections"
	MetricFeedBroadcasts     = "mosaic_feed_broadcasts"
	MetricFeedReconnects     = "mosaic_feed_reconnects"
	MetricMintRequests       = "mosaic_mint_requests"
	MetricMigrationsExecuted = "mosaic_migrations_executed"
)

// GridMetrics instruments the grid state store. A nil value records nothing.
type GridMetrics struct {
	loadDuration metric.Float64Histogram
	loads        metric.Int64Counter
	remoteEvents metric.Int64Counter
}

// NewGridMetrics registers grid instruments on the global meter provider.
func NewGridMetrics() *GridMetrics {
	meter := otel.Meter("mosaic.grid")
	m := &GridMetrics{loadDuration: nil, loads: nil, remoteEvents: nil}
	m.loadDuration, _ = meter.Float64Histogram(MetricGridLoadDuration,
		metric.WithDescription("Duration of grid range loads including retries"),
		metric.WithUnit("ms"))
	m.loads, _ = meter.Int64Counter(MetricGridLoads,
		metric.WithDescription("Grid range loads by outcome"),
		metric.WithUnit("{load}"))
	m.remoteEvents, _ = meter.Int64Counter(MetricGridRemoteEvents,
		metric.WithDescription("Change-feed events applied or dropped by the grid"),
		metric.WithUnit("{event}"))
	return m
}

// RecordLoad records a range load outcome.
func (m *GridMetrics) RecordLoad(ctx context.Context, operation string, elapsed time.Duration, result string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(OperationResultAttributes(Environment(), operation, result)...)
	if m.loadDuration != nil {
		m.loadDuration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
	if m.loads != nil {
		m.loads.Add(ctx, 1, attrs)
	}
}

// RecordRemoteEvent records a change-feed event outcome.
func (m *GridMetrics) RecordRemoteEvent(ctx context.Context, eventType, result string) {
	if m == nil || m.remoteEvents == nil {
		return
	}
	m.remoteEvents.Add(ctx, 1, metric.WithAttributes(ChangeEventAttributes(Environment(), eventType, result)...))
}

// ClaimMetrics instruments the claim pipeline. A nil value records nothing.
type ClaimMetrics struct {
	duration metric.Float64Histogram
	stages   metric.Int64Counter
}

// NewClaimMetrics registers claim instruments on the global meter provider.
func NewClaimMetrics() *ClaimMetrics {
	meter := otel.Meter("mosaic.claim")
	m := &ClaimMetrics{duration: nil, stages: nil}
	m.duration, _ = meter.Float64Histogram(MetricClaimDuration,
		metric.WithDescription("End-to-end claim pipeline duration"),
		metric.WithUnit("ms"))
	m.stages, _ = meter.Int64Counter(MetricClaimStages,
		metric.WithDescription("Claim pipeline stage outcomes"),
		metric.WithUnit("{stage}"))
	return m
}

// RecordStage records the outcome of one pipeline stage.
func (m *ClaimMetrics) RecordStage(ctx context.Context, stage, result, code string) {
	if m == nil || m.stages == nil {
		return
	}
	m.stages.Add(ctx, 1, metric.WithAttributes(StageAttributes(Environment(), stage, result, code)...))
}

// RecordRun records the final state and duration of a run.
func (m *ClaimMetrics) RecordRun(ctx context.Context, final string, elapsed time.Duration, code string) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.Record(ctx, float64(elapsed.Microseconds())/1000,
		metric.WithAttributes(StageAttributes(Environment(), final, resultFor(code), code)...))
}

// FeedMetrics instruments the realtime change feed. A nil value records nothing.
type FeedMetrics struct {
	connections metric.Int64UpDownCounter
	broadcasts  metric.Int64Counter
	reconnects  metric.Int64Counter
}

// NewFeedMetrics registers feed instruments on the global meter provider.
func NewFeedMetrics() *FeedMetrics {
	meter := otel.Meter("mosaic.realtime")
	m := &FeedMetrics{connections: nil, broadcasts: nil, reconnects: nil}
	m.connections, _ = meter.Int64UpDownCounter(MetricFeedConnections,
		metric.WithDescription("Open change-feed websocket connections"),
		metric.WithUnit("{connection}"))
	m.broadcasts, _ = meter.Int64Counter(MetricFeedBroadcasts,
		metric.WithDescription("Change-feed deliveries by outcome"),
		metric.WithUnit("{message}"))
	m.reconnects, _ = meter.Int64Counter(MetricFeedReconnects,
		metric.WithDescription("Change-feed client dial attempts by outcome"),
		metric.WithUnit("{attempt}"))
	return m
}

// AdjustConnections moves the open connection gauge.
func (m *FeedMetrics) AdjustConnections(ctx context.Context, delta int64) {
	if m == nil || m.connections == nil {
		return
	}
	m.connections.Add(ctx, delta, metric.WithAttributes(ConnectionAttributes(Environment(), "open")...))
}

// RecordBroadcast counts a delivery outcome.
func (m *FeedMetrics) RecordBroadcast(ctx context.Context, result string) {
	if m == nil || m.broadcasts == nil {
		return
	}
	m.broadcasts.Add(ctx, 1, metric.WithAttributes(OperationResultAttributes(Environment(), "broadcast", result)...))
}

// RecordReconnect counts a dial attempt.
func (m *FeedMetrics) RecordReconnect(ctx context.Context, state string) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(ctx, 1, metric.WithAttributes(ConnectionAttributes(Environment(), state)...))
}

// MintMetrics instruments the minting endpoint. A nil value records nothing.
type MintMetrics struct {
	requests metric.Int64Counter
}

// NewMintMetrics registers mint instruments on the global meter provider.
func NewMintMetrics() *MintMetrics {
	meter := otel.Meter("mosaic.mint")
	m := &MintMetrics{requests: nil}
	m.requests, _ = meter.Int64Counter(MetricMintRequests,
		metric.WithDescription("Mint requests by outcome"),
		metric.WithUnit("{request}"))
	return m
}

// RecordRequest counts a mint request outcome.
func (m *MintMetrics) RecordRequest(ctx context.Context, result string) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(OperationResultAttributes(Environment(), "mint", result)...))
}

func resultFor(code string) string {
	if code == "" {
		return ResultSuccess
	}
	return ResultError
}
