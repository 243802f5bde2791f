// Package telemetry provides the OpenTelemetry MeterProvider that the
// otelmetric listener records into.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Providers holds the MeterProvider and a shutdown function.
type Providers struct {
	MeterProvider *metric.MeterProvider
	// Reader is set when metrics are not exported, so they may be collected
	// locally, see Summary.
	Reader   *metric.ManualReader
	Shutdown func(context.Context) error
}

// NewProviders exports via OTLP gRPC to endpoint every interval. If endpoint
// is empty, metrics are kept for Summary instead. The endpoint may be a URL,
// only its host:port is used, and https endpoints use TLS.
func NewProviders(ctx context.Context, endpoint, serviceName string, interval time.Duration) (*Providers, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		reader := metric.NewManualReader()
		mp := metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(reader))
		return &Providers{MeterProvider: mp, Reader: reader, Shutdown: mp.Shutdown}, nil
	}

	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("telemetry: invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("telemetry: invalid OTLP endpoint %q: missing host", endpoint)
	}

	options := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(u.Host)}
	if u.Scheme != "https" {
		options = append(options, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: OTLP exporter: %w", err)
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(interval))),
	)
	return &Providers{MeterProvider: mp, Shutdown: mp.Shutdown}, nil
}

// ErrExporting is returned by Summary when metrics are exported.
var ErrExporting = errors.New("telemetry: metrics are exported, not collected")

// Summary collects and writes one line per data point.
func (p *Providers) Summary(ctx context.Context, w io.Writer) error {
	if p.Reader == nil {
		return ErrExporting
	}
	var rm metricdata.ResourceMetrics
	if err := p.Reader.Collect(ctx, &rm); err != nil {
		return fmt.Errorf("telemetry: collect: %w", err)
	}

	var lines []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			lines = append(lines, describe(m)...)
		}
	}
	sort.Strings(lines)

	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "METRIC\tATTRIBUTES\tVALUE")
	for _, line := range lines {
		fmt.Fprintln(tw, line)
	}
	return tw.Flush()
}

func describe(m metricdata.Metrics) []string {
	var out []string
	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		for _, dp := range data.DataPoints {
			out = append(out, fmt.Sprintf("%s\t%s\t%d", m.Name, dp.Attributes.Encoded(nil), dp.Value))
		}
	case metricdata.Sum[float64]:
		for _, dp := range data.DataPoints {
			out = append(out, fmt.Sprintf("%s\t%s\t%g", m.Name, dp.Attributes.Encoded(nil), dp.Value))
		}
	case metricdata.Gauge[float64]:
		for _, dp := range data.DataPoints {
			out = append(out, fmt.Sprintf("%s\t%s\t%g", m.Name, dp.Attributes.Encoded(nil), dp.Value))
		}
	case metricdata.Histogram[float64]:
		for _, dp := range data.DataPoints {
			out = append(out, fmt.Sprintf("%s\t%s\tcount=%d sum=%g%s", m.Name, dp.Attributes.Encoded(nil), dp.Count, dp.Sum, m.Unit))
		}
	}
	return out
}
