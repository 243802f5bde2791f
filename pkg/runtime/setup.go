package runtime

import (
	"context"
	"fmt"
	"io"

	"github.com/amirkhaki/chronoscope/internal/config"
	"github.com/amirkhaki/chronoscope/internal/telemetry"
	"github.com/amirkhaki/chronoscope/pkg/device"
	"github.com/amirkhaki/chronoscope/pkg/listeners/otelmetric"
	"github.com/amirkhaki/chronoscope/pkg/listeners/stats"
	"github.com/amirkhaki/chronoscope/pkg/listeners/trace"
	"github.com/joeycumines/logiface"
)

// ServiceName identifies exported metrics.
const ServiceName = "chronoscope"

// Setup assembles a Core, and the listeners enabled by Config.
type Setup struct {
	Config  *config.Config
	Logger  *logiface.Logger[logiface.Event]
	Querier device.Querier
	// StatsOutput receives the stats report on shutdown, nil disables it.
	StatsOutput io.Writer
	// MetricsOutput receives a metrics summary on shutdown, when metrics
	// are enabled but not exported. Nil disables it.
	MetricsOutput io.Writer
	// Options are applied after those derived from Config.
	Options []Option
}

// Build constructs the Core, and registers the stats, trace and otelmetric
// listeners, in that order, as enabled. Listeners that buffer are flushed by
// Core.Shutdown.
func (x Setup) Build(ctx context.Context) (*Core, error) {
	cfg := x.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	strategy, _ := cfg.LockStrategy()

	options := []Option{WithLogger(x.Logger)}
	if x.Querier != nil {
		options = append(options, WithQuerier(x.Querier))
	}
	c, err := New(Config{
		LockStrategy: strategy,
		SamplePeriod: cfg.Sample.Period,
		QueryTimeout: cfg.Device.QueryTimeout,
		NodeID:       cfg.Node.ID,
	}, append(options, x.Options...)...)
	if err != nil {
		return nil, err
	}

	if err := x.register(ctx, c, cfg); err != nil {
		// release whatever was opened
		_ = c.runClosers(ctx)
		return nil, err
	}
	return c, nil
}

func (x Setup) register(ctx context.Context, c *Core, cfg *config.Config) error {
	if cfg.Stats.Enabled {
		l := stats.New(
			stats.WithSampleRate(cfg.Stats.SampleRate),
			stats.WithReport(x.StatsOutput),
			stats.WithLogger(x.Logger),
		)
		if err := c.Register(l); err != nil {
			return err
		}
	}

	if cfg.Trace.File != "" {
		format, err := trace.ParseFormat(cfg.Trace.Format)
		if err != nil {
			return err
		}
		compression, err := trace.ParseCompression(cfg.Trace.Compression)
		if err != nil {
			return err
		}
		l, err := trace.Create(cfg.Trace.File,
			trace.WithFormat(format),
			trace.WithCompression(compression),
			trace.WithLogger(x.Logger),
			trace.WithCustomNames(c.CustomEventName),
		)
		if err != nil {
			return err
		}
		c.addCloser(l.Close)
		if err := c.Register(l); err != nil {
			return err
		}
	}

	if cfg.OTel.Enabled {
		providers, err := telemetry.NewProviders(ctx, cfg.OTel.Endpoint, ServiceName, cfg.OTel.Interval)
		if err != nil {
			return err
		}
		c.addCloser(func(ctx context.Context) error {
			if providers.Reader != nil && x.MetricsOutput != nil {
				if err := providers.Summary(ctx, x.MetricsOutput); err != nil {
					x.Logger.Warning().Err(err).Log("metrics summary failed")
				}
			}
			return providers.Shutdown(ctx)
		})
		l, err := otelmetric.NewFromProvider(providers.MeterProvider)
		if err != nil {
			return err
		}
		if err := c.Register(l); err != nil {
			return fmt.Errorf("runtime: register otelmetric: %w", err)
		}
	}

	return nil
}
