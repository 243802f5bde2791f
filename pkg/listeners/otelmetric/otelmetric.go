// Package otelmetric maps instrumentation events onto OpenTelemetry
// instruments.
//
//   - stopped timers record their duration, in seconds, into a histogram
//     attributed with the region name
//   - yields are counted per region
//   - thread creation and exit drive an up/down counter of live threads
//   - counter samples are added to a counter (as increments), all other
//     samples are recorded by a gauge, attributed with the sample name
package otelmetric

import (
	"context"
	"fmt"

	"github.com/amirkhaki/chronoscope/pkg/event"
	"github.com/amirkhaki/chronoscope/pkg/listener"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScopeName is the instrumentation scope used by NewFromProvider.
const ScopeName = "github.com/amirkhaki/chronoscope/pkg/listeners/otelmetric"

const (
	keyRegion = attribute.Key("chronoscope.region")
	keySample = attribute.Key("chronoscope.sample")
)

// Listener is a listener.Listener recording OpenTelemetry metrics. Instances
// must be initialized using New.
type Listener struct {
	listener.Base

	ctx      context.Context
	duration metric.Float64Histogram
	yields   metric.Int64Counter
	threads  metric.Int64UpDownCounter
	gauge    metric.Float64Gauge
	counter  metric.Float64Counter
}

// NewFromProvider is New with a meter from provider.
func NewFromProvider(provider metric.MeterProvider) (*Listener, error) {
	return New(provider.Meter(ScopeName))
}

// New creates the instruments from meter.
func New(meter metric.Meter) (*Listener, error) {
	l := &Listener{ctx: context.Background()}
	var err error
	if l.duration, err = meter.Float64Histogram(
		"chronoscope.timer.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of measured regions."),
	); err != nil {
		return nil, fmt.Errorf("otelmetric: %w", err)
	}
	if l.yields, err = meter.Int64Counter(
		"chronoscope.timer.yields",
		metric.WithDescription("Measurements suspended by a yield."),
	); err != nil {
		return nil, fmt.Errorf("otelmetric: %w", err)
	}
	if l.threads, err = meter.Int64UpDownCounter(
		"chronoscope.threads.live",
		metric.WithDescription("Announced threads that have not exited."),
	); err != nil {
		return nil, fmt.Errorf("otelmetric: %w", err)
	}
	if l.gauge, err = meter.Float64Gauge(
		"chronoscope.sample.value",
		metric.WithDescription("Last value of each sample."),
	); err != nil {
		return nil, fmt.Errorf("otelmetric: %w", err)
	}
	if l.counter, err = meter.Float64Counter(
		"chronoscope.sample.total",
		metric.WithDescription("Accumulated counter samples."),
	); err != nil {
		return nil, fmt.Errorf("otelmetric: %w", err)
	}
	return l, nil
}

func (l *Listener) Name() string { return "otelmetric" }

func (l *Listener) OnNewThread(*event.NewThreadData) { l.threads.Add(l.ctx, 1) }
func (l *Listener) OnExitThread(*event.Header)       { l.threads.Add(l.ctx, -1) }

func (l *Listener) OnStop(p *event.Profiler) {
	l.duration.Record(l.ctx, p.Elapsed().Seconds(),
		metric.WithAttributes(keyRegion.String(p.Identity().String())))
}

func (l *Listener) OnYield(p *event.Profiler) {
	l.yields.Add(l.ctx, 1, metric.WithAttributes(keyRegion.String(p.Identity().String())))
}

func (l *Listener) OnSampleValue(d *event.SampleData) {
	attrs := metric.WithAttributes(keySample.String(d.Name))
	if d.IsCounter {
		// counters must not decrease
		if d.Value >= 0 {
			l.counter.Add(l.ctx, d.Value, attrs)
		}
		return
	}
	l.gauge.Record(l.ctx, d.Value, attrs)
}
