// Package telemetry exposes the application metrics over a Prometheus
// scrape endpoint, backed by the OpenTelemetry SDK.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers. A nil *Telemetry
// is valid and records nothing, so callers never need to guard their calls.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter

	// RED metrics for the control API
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Business metrics
	searchesTotal      metric.Int64Counter
	downloadsTotal     metric.Int64Counter
	transferBytesTotal metric.Int64Counter
	queueDepth         metric.Int64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	ServiceName string
}

// New creates a telemetry instance with a Prometheus exporter registered on
// the default registry.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         otel.Meter(cfg.ServiceName),
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	if t.httpRequestsTotal, err = t.meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total HTTP requests")); err != nil {
		return err
	}

	if t.httpRequestDuration, err = t.meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request duration")); err != nil {
		return err
	}

	if t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter("http_requests_in_flight",
		metric.WithDescription("In-flight HTTP requests")); err != nil {
		return err
	}

	if t.searchesTotal, err = t.meter.Int64Counter("searches_total",
		metric.WithDescription("Search commands issued")); err != nil {
		return err
	}

	if t.downloadsTotal, err = t.meter.Int64Counter("downloads_total",
		metric.WithDescription("Resolved book downloads by status")); err != nil {
		return err
	}

	if t.transferBytesTotal, err = t.meter.Int64Counter("transfer_bytes_total",
		metric.WithDescription("Bytes received over DCC streams")); err != nil {
		return err
	}

	if t.queueDepth, err = t.meter.Int64Gauge("queue_depth",
		metric.WithDescription("Pending items in the download queue")); err != nil {
		return err
	}

	return nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil {
		return otel.Tracer("noop")
	}

	return t.tracer
}

// Handler returns the Prometheus scrape handler.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records request rate and duration metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t == nil || t.httpRequestsInFlight == nil {
		return
	}

	t.httpRequestsInFlight.Add(context.Background(), 1)
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t == nil || t.httpRequestsInFlight == nil {
		return
	}

	t.httpRequestsInFlight.Add(context.Background(), -1)
}

// RecordSearch counts an issued search command.
func (t *Telemetry) RecordSearch() {
	if t == nil || t.searchesTotal == nil {
		return
	}

	t.searchesTotal.Add(context.Background(), 1)
}

// RecordDownload counts a resolved download. Status is one of "completed",
// "failed" or "cancelled" to keep cardinality bounded.
func (t *Telemetry) RecordDownload(status string) {
	if t == nil || t.downloadsTotal == nil {
		return
	}

	t.downloadsTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", status)))
}

// AddTransferBytes accumulates bytes received over DCC.
func (t *Telemetry) AddTransferBytes(n int64) {
	if t == nil || t.transferBytesTotal == nil {
		return
	}

	t.transferBytesTotal.Add(context.Background(), n)
}

// SetQueueDepth records the current queue size.
func (t *Telemetry) SetQueueDepth(n int64) {
	if t == nil || t.queueDepth == nil {
		return
	}

	t.queueDepth.Record(context.Background(), n)
}
