// Package observe provides application-wide observability primitives for
// devecho: OpenTelemetry metrics, tracing, trace-aware structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] and served by
// [MetricsHandler]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all devecho metrics.
const meterName = "github.com/MrWong99/devecho"

// Directions for [Metrics.RecordMessage].
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Capture ---

	// CaptureFrames counts frames delivered by capture sources. Attribute:
	//   attribute.String("source", ...)
	CaptureFrames metric.Int64Counter

	// CaptureDroppedFrames counts frames dropped because the forwarding queue
	// was full. Attribute: attribute.String("source", ...)
	CaptureDroppedFrames metric.Int64Counter

	// ActiveSources tracks how many capture sources are running.
	ActiveSources metric.Int64UpDownCounter

	// --- Transport ---

	// TransportMessages counts envelopes by kind and direction.
	TransportMessages metric.Int64Counter

	// DecodeErrors counts malformed or unexpected envelopes that were dropped.
	DecodeErrors metric.Int64Counter

	// RequestDuration tracks request → reply latency by request kind.
	RequestDuration metric.Float64Histogram

	// ActiveConnections tracks live backend client connections.
	ActiveConnections metric.Int64UpDownCounter

	// --- Providers ---

	// STTDuration tracks speech-to-text latency from segment end to final
	// transcript.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM completion latency. Attribute:
	//   attribute.String("tier", "local"|"cloud")
	LLMDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls. Attributes:
	//   provider, kind, status
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes: provider, kind
	ProviderErrors metric.Int64Counter

	// --- Knowledge base ---

	// KBSyncs counts finished sync jobs. Attribute: attribute.String("status", ...)
	KBSyncs metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   method, path
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). LLM calls
// can take tens of seconds, so the tail is longer than for audio work.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.CaptureFrames, err = m.Int64Counter("devecho.capture.frames",
		metric.WithDescription("Frames delivered by capture sources."),
	); err != nil {
		return nil, err
	}
	if met.CaptureDroppedFrames, err = m.Int64Counter("devecho.capture.dropped_frames",
		metric.WithDescription("Frames dropped because the forwarding queue was full."),
	); err != nil {
		return nil, err
	}
	if met.TransportMessages, err = m.Int64Counter("devecho.transport.messages",
		metric.WithDescription("Envelopes sent and received by kind and direction."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("devecho.transport.decode_errors",
		metric.WithDescription("Malformed or unexpected envelopes that were dropped."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("devecho.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("devecho.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.KBSyncs, err = m.Int64Counter("devecho.kb.syncs",
		metric.WithDescription("Finished knowledge-base sync jobs by status."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.RequestDuration, err = m.Float64Histogram("devecho.request.duration",
		metric.WithDescription("Latency from request write to matching reply."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("devecho.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("devecho.llm.duration",
		metric.WithDescription("Latency of LLM completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("devecho.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSources, err = m.Int64UpDownCounter("devecho.capture.active_sources",
		metric.WithDescription("Number of capture sources currently running."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("devecho.active_connections",
		metric.WithDescription("Number of connected backend clients."),
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame counts one captured frame.
func (m *Metrics) RecordFrame(ctx context.Context, source string) {
	m.CaptureFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordDroppedFrame counts one frame dropped at the forwarding queue.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, source string) {
	m.CaptureDroppedFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordMessage counts one envelope.
func (m *Metrics) RecordMessage(ctx context.Context, kind, direction string) {
	m.TransportMessages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("direction", direction),
		),
	)
}

// RecordDecodeError counts one dropped envelope. side is "client" or "server".
func (m *Metrics) RecordDecodeError(ctx context.Context, side string) {
	m.DecodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("side", side)))
}

// RecordRequest records the latency of one request/reply exchange.
func (m *Metrics) RecordRequest(ctx context.Context, kind string, seconds float64) {
	m.RequestDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordKBSync counts one finished sync job.
func (m *Metrics) RecordKBSync(ctx context.Context, status string) {
	m.KBSyncs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordLLM records one completion's latency. tier is "local" or "cloud".
func (m *Metrics) RecordLLM(ctx context.Context, tier string, seconds float64) {
	m.LLMDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordSTT records the delay between the end of an utterance and its final
// transcript.
func (m *Metrics) RecordSTT(ctx context.Context, source string, seconds float64) {
	m.STTDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("source", source)))
}
