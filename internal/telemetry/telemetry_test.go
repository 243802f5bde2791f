package telemetry

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func TestNewProviders_local(t *testing.T) {
	ctx := context.Background()
	p, err := NewProviders(ctx, "", "chronoscope-test", 0)
	require.NoError(t, err)
	require.NotNil(t, p.Reader)
	defer p.Shutdown(ctx)

	meter := p.MeterProvider.Meter("test")
	c, err := meter.Int64Counter("test.count")
	require.NoError(t, err)
	c.Add(ctx, 3, metric.WithAttributes(attribute.String("k", "v")))
	h, err := meter.Float64Histogram("test.duration", metric.WithUnit("s"))
	require.NoError(t, err)
	h.Record(ctx, 0.5)

	var buf bytes.Buffer
	require.NoError(t, p.Summary(ctx, &buf))
	out := buf.String()
	assert.Contains(t, out, "METRIC")
	assert.Contains(t, out, "test.count")
	assert.Contains(t, out, "k=v")
	assert.Contains(t, out, "count=1 sum=0.5s")
}

func TestNewProviders_exporting(t *testing.T) {
	ctx := context.Background()
	// the gRPC client connects lazily, nothing is dialed here
	p, err := NewProviders(ctx, "localhost:4317", "chronoscope-test", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, p.Reader)
	assert.ErrorIs(t, p.Summary(ctx, new(bytes.Buffer)), ErrExporting)

	shutdownCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_ = p.Shutdown(shutdownCtx)
}

func TestNewProviders_invalidEndpoint(t *testing.T) {
	_, err := NewProviders(context.Background(), "http://", "x", 0)
	assert.ErrorContains(t, err, "missing host")
}
