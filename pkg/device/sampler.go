package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
)

// DefaultQueryTimeout bounds each device query.
const DefaultQueryTimeout = 250 * time.Millisecond

type (
	// Reading is one value reported by a device query.
	Reading struct {
		Name      string
		Value     float64
		IsCounter bool
	}

	// Querier issues the vendor-specific telemetry query for one device.
	// Implementations should honor ctx, but a query that ignores it is
	// abandoned once ctx is done.
	Querier interface {
		Query(ctx context.Context, idx uint32) ([]Reading, error)
	}

	// QuerierFunc adapts a function to Querier.
	QuerierFunc func(ctx context.Context, idx uint32) ([]Reading, error)

	// Sink receives one sample per reading.
	Sink interface {
		Sample(name string, value float64, isCounter bool)
	}

	// Sampler queries every active device. Instances must be initialized
	// using NewSampler.
	Sampler struct {
		registry *Registry
		querier  Querier
		sink     Sink
		logger   *logiface.Logger[logiface.Event]
		name     func(idx uint32, reading string) string
		timeout  time.Duration

		// mu guards pending, the devices with a query still running,
		// abandoned or not
		mu      sync.Mutex
		pending map[uint32]struct{}
	}

	// SamplerOption configures NewSampler.
	SamplerOption func(s *Sampler)

	queryResult struct {
		err      error
		readings []Reading
	}
)

func (f QuerierFunc) Query(ctx context.Context, idx uint32) ([]Reading, error) {
	return f(ctx, idx)
}

// WithQueryTimeout overrides DefaultQueryTimeout. Non-positive disables the
// timeout.
func WithQueryTimeout(d time.Duration) SamplerOption {
	return func(s *Sampler) { s.timeout = d }
}

// WithSamplerLogger sets the logger used to report failed queries.
func WithSamplerLogger(logger *logiface.Logger[logiface.Event]) SamplerOption {
	return func(s *Sampler) { s.logger = logger }
}

// WithNameFormat overrides how sample names are built from the device index
// and the reading name.
func WithNameFormat(fn func(idx uint32, reading string) string) SamplerOption {
	return func(s *Sampler) { s.name = fn }
}

// SampleName is the default sample name format, e.g. "Device 0 Power".
func SampleName(idx uint32, reading string) string {
	return fmt.Sprintf("Device %d %s", idx, reading)
}

// NewSampler panics if any argument is nil.
func NewSampler(registry *Registry, querier Querier, sink Sink, options ...SamplerOption) *Sampler {
	if registry == nil || querier == nil || sink == nil {
		panic("device: nil sampler dependency")
	}
	s := &Sampler{
		registry: registry,
		querier:  querier,
		sink:     sink,
		name:     SampleName,
		timeout:  DefaultQueryTimeout,
		pending:  make(map[uint32]struct{}),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Query snapshots the registry, then queries each device outside the lock,
// emitting one sample per reading. A failed or timed out query produces no
// samples for that device. A device is skipped while a previous query of it
// is still running, so a querier that ignores ctx holds at most one
// goroutine per device. Returns the number of samples emitted.
func (x *Sampler) Query(ctx context.Context) int {
	var emitted int
	for _, idx := range x.registry.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		readings, err := x.query(ctx, idx)
		if err != nil {
			x.logger.Warning().
				Err(err).
				Uint64("device", uint64(idx)).
				Log("device query failed")
			continue
		}
		for _, r := range readings {
			x.sink.Sample(x.name(idx, r.Name), r.Value, r.IsCounter)
			emitted++
		}
	}
	return emitted
}

// Pending is the number of devices with a query still running.
func (x *Sampler) Pending() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.pending)
}

func (x *Sampler) claim(idx uint32) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.pending[idx]; ok {
		return false
	}
	x.pending[idx] = struct{}{}
	return true
}

func (x *Sampler) done(idx uint32) {
	x.mu.Lock()
	delete(x.pending, idx)
	x.mu.Unlock()
}

func (x *Sampler) query(ctx context.Context, idx uint32) ([]Reading, error) {
	if !x.claim(idx) {
		return nil, fmt.Errorf("device %d: %w", idx, ErrQueryPending)
	}
	if x.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}

	ch := make(chan queryResult, 1)
	go func() {
		var r queryResult
		defer func() {
			if v := recover(); v != nil {
				r = queryResult{err: fmt.Errorf("device: query panicked: %v", v)}
			}
			x.done(idx)
			ch <- r
		}()
		r.readings, r.err = x.querier.Query(ctx, idx)
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("device %d: %w", idx, r.err)
		}
		return r.readings, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("device %d: %w", idx, errors.Join(ErrQueryAbandoned, ctx.Err()))
	}
}

var (
	// ErrQueryAbandoned indicates a query did not return before its deadline.
	ErrQueryAbandoned = errors.New("device: query abandoned")
	// ErrQueryPending indicates the previous query of the device has not
	// returned yet, typically one that was abandoned.
	ErrQueryPending = errors.New("device: previous query still pending")
)
