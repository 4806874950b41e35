// Package telemetry wires Prometheus metrics and an OpenTelemetry
// tracer into the detection core. It is strictly additive
// instrumentation: no detection algorithm depends on it (see
// SPEC_FULL.md DOMAIN STACK).
package telemetry

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Metrics bundles the Prometheus instruments the core reports (spec
// §4.4, §7 "periodic stats" and per-detector/sink error counters).
type Metrics struct {
	reg *prometheus.Registry

	FramesProcessed  prometheus.Counter
	FramesMalformed  prometheus.Counter
	AlertsEmitted    *prometheus.CounterVec // labels: alert_type, severity
	AlertsThrottled  prometheus.Counter
	AlertsCooldown   prometheus.Counter
	DetectorErrors   *prometheus.CounterVec // labels: detector
	SinkErrors       *prometheus.CounterVec // labels: sink
	TrackedIDs       prometheus.Gauge
	BaselineReady    prometheus.Gauge
}

// NewMetrics registers the core's instruments against a fresh
// registry, grounded on the registry-per-provider pattern used for
// the reference's metrics provider.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		FramesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "idscore_frames_processed_total",
			Help: "Total CAN frames processed by the pipeline.",
		}),
		FramesMalformed: factory.NewCounter(prometheus.CounterOpts{
			Name: "idscore_frames_malformed_total",
			Help: "Total frames rejected for DLC/payload/ID validation failures.",
		}),
		AlertsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "idscore_alerts_emitted_total",
			Help: "Total alerts routed to at least one sink, by type and severity.",
		}, []string{"alert_type", "severity"}),
		AlertsThrottled: factory.NewCounter(prometheus.CounterOpts{
			Name: "idscore_alerts_throttled_total",
			Help: "Total alerts dropped by per-ID, per-type, or global throttle buckets.",
		}),
		AlertsCooldown: factory.NewCounter(prometheus.CounterOpts{
			Name: "idscore_alerts_cooldown_suppressed_total",
			Help: "Total alerts suppressed by the (can_id, alert_type) cooldown window.",
		}),
		DetectorErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "idscore_detector_errors_total",
			Help: "Total internal detector errors, by detector name.",
		}, []string{"detector"}),
		SinkErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "idscore_sink_errors_total",
			Help: "Total sink I/O failures, by sink name.",
		}, []string{"sink"}),
		TrackedIDs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "idscore_tracked_ids",
			Help: "Current number of CAN IDs tracked by the State Manager.",
		}),
		BaselineReady: factory.NewGauge(prometheus.GaugeOpts{
			Name: "idscore_baseline_ready",
			Help: "1 once the baseline has been frozen and detection mode is active.",
		}),
	}
}

// Handler exposes the registry over /metrics for the monitor API.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// IncAlertEmitted, IncAlertThrottled, IncAlertCooldown, and
// IncSinkError satisfy internal/alert's Metrics interface, keeping
// the Alert Manager free of a direct telemetry import.
func (m *Metrics) IncAlertEmitted(alertType, severity string) {
	m.AlertsEmitted.WithLabelValues(alertType, severity).Inc()
}

func (m *Metrics) IncAlertThrottled() { m.AlertsThrottled.Inc() }

func (m *Metrics) IncAlertCooldown() { m.AlertsCooldown.Inc() }

func (m *Metrics) IncSinkError(sink string) { m.SinkErrors.WithLabelValues(sink).Inc() }

// IncDetectorError satisfies the orchestrator's detector-error
// reporting hook (spec §7 "Propagation").
func (m *Metrics) IncDetectorError(detector string) { m.DetectorErrors.WithLabelValues(detector).Inc() }

// Tracer wraps an OpenTelemetry tracer provider, defaulting to a
// stdout exporter so tracing works out of the box without an external
// collector (matches the reference provider's "stdout" fallback mode).
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewTracer builds a Tracer. When enabled is false, spans are started
// against a no-op global tracer.
func NewTracer(enabled bool) (*Tracer, error) {
	if !enabled {
		return &Tracer{tracer: otel.Tracer("idscore")}, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	return &Tracer{tracer: tp.Tracer("idscore"), provider: tp}, nil
}

// StartFrameSpan starts a span covering one frame's pipeline pass.
func (t *Tracer) StartFrameSpan(ctx context.Context, canID uint32) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "frame.process")
}

// Shutdown flushes and stops the tracer provider, if one was created.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// NewRunID generates a run-correlation identifier that cmd/idscore
// attaches to every log line of a single process invocation; spans do
// not carry it.
func NewRunID() string {
	return uuid.New().String()
}
