// Package observe provides application-wide observability primitives for
// liveinterview: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/liveinterview"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// STTLatency tracks the delay between the end of an utterance and the
	// arrival of its final transcript.
	STTLatency metric.Float64Histogram

	// SessionDuration tracks how long live sessions lasted, in seconds.
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts transcript turns. Use with attribute:
	//   attribute.String("role", ...)
	Turns metric.Int64Counter

	// SuppressedUtterances counts utterances discarded while the agent was
	// speaking.
	SuppressedUtterances metric.Int64Counter

	// ChannelFrames counts message channel frames. Use with attribute:
	//   attribute.String("direction", "in"|"out")
	ChannelFrames metric.Int64Counter

	// ChannelDisconnects counts unexpected message channel closures.
	ChannelDisconnects metric.Int64Counter

	// RecognizerErrors counts failed recognition streams. Use with attribute:
	//   attribute.String("kind", "transient"|"permanent")
	RecognizerErrors metric.Int64Counter

	// SpeechRenders counts finished agent utterances. Use with attribute:
	//   attribute.String("status", "ok"|"cancelled"|"error")
	SpeechRenders metric.Int64Counter

	// Uploads counts resume uploads. Use with attribute:
	//   attribute.String("status", "ok"|"rejected"|"error")
	Uploads metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// VoiceLevel reports the latest microphone level of a session.
	VoiceLevel metric.Float64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for speech recognition latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers interviews from a few seconds to two hours.
var sessionBuckets = []float64{
	10, 60, 300, 600, 1200, 1800, 2700, 3600, 7200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTLatency, err = m.Float64Histogram("liveinterview.stt.latency",
		metric.WithDescription("Delay between the end of speech and its final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("liveinterview.session.duration",
		metric.WithDescription("Duration of live sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("liveinterview.transcript.turns",
		metric.WithDescription("Total transcript turns by role."),
	); err != nil {
		return nil, err
	}
	if met.SuppressedUtterances, err = m.Int64Counter("liveinterview.recognizer.suppressed",
		metric.WithDescription("Utterances discarded while the agent was speaking."),
	); err != nil {
		return nil, err
	}
	if met.ChannelFrames, err = m.Int64Counter("liveinterview.channel.frames",
		metric.WithDescription("Message channel frames by direction."),
	); err != nil {
		return nil, err
	}
	if met.ChannelDisconnects, err = m.Int64Counter("liveinterview.channel.disconnects",
		metric.WithDescription("Unexpected message channel closures."),
	); err != nil {
		return nil, err
	}
	if met.RecognizerErrors, err = m.Int64Counter("liveinterview.recognizer.errors",
		metric.WithDescription("Failed recognition streams by kind."),
	); err != nil {
		return nil, err
	}
	if met.SpeechRenders, err = m.Int64Counter("liveinterview.speech.renders",
		metric.WithDescription("Finished agent utterances by status."),
	); err != nil {
		return nil, err
	}

	if met.Uploads, err = m.Int64Counter("liveinterview.uploads",
		metric.WithDescription("Resume uploads by status."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveSessions, err = m.Int64UpDownCounter("liveinterview.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.VoiceLevel, err = m.Float64Gauge("liveinterview.voice.level",
		metric.WithDescription("Latest microphone level on the 0-255 analyser scale."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("liveinterview.http.request.duration",
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

// RecordTurn records one appended transcript turn.
func (m *Metrics) RecordTurn(ctx context.Context, role string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordFrame records one channel frame. direction is "in" or "out".
func (m *Metrics) RecordFrame(ctx context.Context, direction string) {
	m.ChannelFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordRecognizerError records one failed recognition stream.
func (m *Metrics) RecordRecognizerError(ctx context.Context, permanent bool) {
	kind := "transient"
	if permanent {
		kind = "permanent"
	}
	m.RecognizerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSpeech records one finished agent utterance.
func (m *Metrics) RecordSpeech(ctx context.Context, status string) {
	m.SpeechRenders.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordUpload records one finished resume upload.
func (m *Metrics) RecordUpload(ctx context.Context, status string) {
	m.Uploads.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSessionEnd records the duration of a session that was live.
func (m *Metrics) RecordSessionEnd(ctx context.Context, d time.Duration) {
	m.SessionDuration.Record(ctx, d.Seconds())
}
