// Package observe provides application-wide observability primitives for the
// relay: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/loopnote/relay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// HandshakeDuration tracks the time from ingest upgrade to handshake ack.
	HandshakeDuration metric.Float64Histogram

	// AppendDuration tracks transcript-store append latency.
	AppendDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// IngestFrames counts accepted PCM frames. Use with attribute:
	//   attribute.String("source", ...)
	IngestFrames metric.Int64Counter

	// FramesDropped counts discarded PCM frames. Use with attribute:
	//   attribute.String("reason", "oversize"|"asr")
	FramesDropped metric.Int64Counter

	// FinalAppends counts transcript-store append attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	FinalAppends metric.Int64Counter

	// PublishesDropped counts envelopes lost to broker publish failures.
	PublishesDropped metric.Int64Counter

	// ASRReconnects counts provider stream reconnect cycles.
	ASRReconnects metric.Int64Counter

	// SubscriberCloses counts subscriber disconnects. Use with attribute:
	//   attribute.String("reason", "slow_consumer"|"idle"|"normal"|"shutdown")
	SubscriberCloses metric.Int64Counter

	// --- Gauges ---

	// ActiveIngests tracks the number of live ingest sessions.
	ActiveIngests metric.Int64UpDownCounter

	// ActiveSubscribers tracks the number of connected subscribers across all
	// meetings.
	ActiveSubscribers metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for the relay's sub-second operations.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.HandshakeDuration, err = m.Float64Histogram("relay.ingest.handshake.duration",
		metric.WithDescription("Time from WebSocket upgrade to handshake acknowledgement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AppendDuration, err = m.Float64Histogram("relay.store.append.duration",
		metric.WithDescription("Latency of final segment persistence."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("relay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.IngestFrames, err = m.Int64Counter("relay.ingest.frames",
		metric.WithDescription("Accepted PCM frames by source."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("relay.ingest.frames.dropped",
		metric.WithDescription("Discarded PCM frames by reason."),
	); err != nil {
		return nil, err
	}
	if met.FinalAppends, err = m.Int64Counter("relay.store.appends",
		metric.WithDescription("Transcript store append attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.PublishesDropped, err = m.Int64Counter("relay.bus.publishes.dropped",
		metric.WithDescription("Envelopes lost to broker publish failures."),
	); err != nil {
		return nil, err
	}
	if met.ASRReconnects, err = m.Int64Counter("relay.asr.reconnects",
		metric.WithDescription("ASR provider stream reconnect cycles."),
	); err != nil {
		return nil, err
	}
	if met.SubscriberCloses, err = m.Int64Counter("relay.subscriber.closes",
		metric.WithDescription("Subscriber disconnects by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveIngests, err = m.Int64UpDownCounter("relay.ingest.active",
		metric.WithDescription("Number of live ingest sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSubscribers, err = m.Int64UpDownCounter("relay.subscribers.active",
		metric.WithDescription("Number of connected subscribers across all meetings."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame records one accepted PCM frame for the given source.
func (m *Metrics) RecordFrame(ctx context.Context, source string) {
	m.IngestFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordFrameDropped records one discarded PCM frame with the drop reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordFinalAppend records one transcript-store append attempt and its
// latency.
func (m *Metrics) RecordFinalAppend(ctx context.Context, status string, seconds float64) {
	m.FinalAppends.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
	m.AppendDuration.Record(ctx, seconds)
}

// RecordSubscriberClose records one subscriber disconnect with its reason.
func (m *Metrics) RecordSubscriberClose(ctx context.Context, reason string) {
	m.SubscriberCloses.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
