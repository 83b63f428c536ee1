// Package observe provides application-wide observability primitives for
// meetscribe: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all meetscribe metrics.
const meterName = "github.com/MrWong99/meetscribe"

// Drop reasons recorded on FramesDropped and RequestsDropped.
const (
	DropUnknownSSRC     = "unknown_ssrc"
	DropNotTranscribing = "not_transcribing"
	DropPanic           = "panic"
	DropDecode          = "decode_error"
	DropQueueFull       = "queue_full"
	DropSendFailed      = "send_failed"
	DropNoSession       = "no_session"
	DropFormatChange    = "format_change"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// STTDuration tracks fragment transcription latency per provider.
	STTDuration metric.Float64Histogram

	// --- Counters ---

	// FramesReceived counts audio frames handed to transcribers.
	FramesReceived metric.Int64Counter

	// FramesDropped counts frames discarded before buffering. Use with
	// attribute.String("reason", ...).
	FramesDropped metric.Int64Counter

	// RequestsSent counts audio requests delivered to a provider. Use with
	//   attribute.String("provider", ...), attribute.String("mode", ...)
	RequestsSent metric.Int64Counter

	// RequestsDropped counts requests that never reached a provider. Use
	// with attribute.String("reason", ...).
	RequestsDropped metric.Int64Counter

	// Results counts results received. Use with
	//   attribute.String("provider", ...), attribute.String("kind", "interim"|"final")
	Results metric.Int64Counter

	// SessionReconnects counts reconnection attempts of streaming sessions.
	SessionReconnects metric.Int64Counter

	// SessionFailures counts streaming sessions that failed for good. Use
	// with attribute.String("reason", ...).
	SessionFailures metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// SinkWrites counts messages handed to result sinks. Use with attributes:
	//   attribute.String("sink", ...), attribute.String("kind", ...),
	//   attribute.String("status", "ok"|"error")
	SinkWrites metric.Int64Counter

	// --- Gauges ---

	// ActiveRooms tracks rooms being transcribed.
	ActiveRooms metric.Int64UpDownCounter

	// ActiveParticipants tracks participants across all rooms.
	ActiveParticipants metric.Int64UpDownCounter

	// PooledConnections tracks shared per-room backend connections.
	PooledConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// transcription round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.STTDuration, err = m.Float64Histogram("meetscribe.stt.duration",
		metric.WithDescription("Latency of fragment speech-to-text requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.FramesReceived, "meetscribe.frames.received", "Audio frames handed to transcribers."},
		{&met.FramesDropped, "meetscribe.frames.dropped", "Audio frames discarded before buffering, by reason."},
		{&met.RequestsSent, "meetscribe.requests.sent", "Audio requests delivered to providers, by provider and mode."},
		{&met.RequestsDropped, "meetscribe.requests.dropped", "Audio requests that never reached a provider, by reason."},
		{&met.Results, "meetscribe.results", "Transcription results received, by provider and kind."},
		{&met.SessionReconnects, "meetscribe.session.reconnects", "Reconnection attempts of streaming sessions."},
		{&met.SessionFailures, "meetscribe.session.failures", "Streaming sessions that failed permanently, by reason."},
		{&met.ProviderErrors, "meetscribe.provider.errors", "Total provider errors by provider and kind."},
		{&met.SinkWrites, "meetscribe.sink.writes", "Total messages written to result sinks."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	gauges := []struct {
		dst  *metric.Int64UpDownCounter
		name string
		desc string
	}{
		{&met.ActiveRooms, "meetscribe.active_rooms", "Number of rooms being transcribed."},
		{&met.ActiveParticipants, "meetscribe.active_participants", "Number of participants across all rooms."},
		{&met.PooledConnections, "meetscribe.pooled_connections", "Number of shared per-room backend connections."},
	}
	for _, g := range gauges {
		if *g.dst, err = m.Int64UpDownCounter(g.name, metric.WithDescription(g.desc)); err != nil {
			return nil, err
		}
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("meetscribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// RecordFrameDropped counts one dropped frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRequestSent counts one request delivered to provider in mode
// ("fragment" or "stream").
func (m *Metrics) RecordRequestSent(ctx context.Context, provider, mode string) {
	m.RequestsSent.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("mode", mode),
		),
	)
}

// RecordRequestDropped counts one request that was never delivered.
func (m *Metrics) RecordRequestDropped(ctx context.Context, reason string) {
	m.RequestsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordResult counts one result from provider.
func (m *Metrics) RecordResult(ctx context.Context, provider string, interim bool) {
	kind := "final"
	if interim {
		kind = "interim"
	}
	m.Results.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSessionFailure counts one permanently failed streaming session.
func (m *Metrics) RecordSessionFailure(ctx context.Context, reason string) {
	m.SessionFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSinkWrite increments SinkWrites with the outcome of one write.
func (m *Metrics) RecordSinkWrite(ctx context.Context, sink, kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.SinkWrites.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("sink", sink),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}
