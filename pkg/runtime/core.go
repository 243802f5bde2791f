package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amirkhaki/chronoscope/pkg/device"
	"github.com/amirkhaki/chronoscope/pkg/dispatch"
	"github.com/amirkhaki/chronoscope/pkg/event"
	"github.com/amirkhaki/chronoscope/pkg/listener"
	"github.com/amirkhaki/chronoscope/pkg/rwlock"
	"github.com/joeycumines/logiface"
)

var (
	// ErrAlreadyStarted is returned by a second call to Startup.
	ErrAlreadyStarted = errors.New("runtime: already started")
	// ErrShutdown is returned once Shutdown has been called.
	ErrShutdown = errors.New("runtime: shut down")
	// ErrMalformedToken is returned when stopping or yielding a token that
	// is nil, was issued by another Core, or has already been consumed.
	ErrMalformedToken = errors.New("runtime: malformed timer token")
	// ErrInvalidIdentity is returned for a zero event.Identity.
	ErrInvalidIdentity = errors.New("runtime: invalid timer identity")
	// ErrNotCustom is returned by Custom for kinds outside the custom range.
	ErrNotCustom = errors.New("runtime: not a custom event kind")
)

type (
	// Config is the static configuration of a Core.
	Config struct {
		// LockStrategy is negotiated against Capabilities, Auto picks the
		// best available.
		LockStrategy rwlock.Strategy
		// Capabilities restricts the lock strategies on offer, nil means
		// rwlock.Probe.
		Capabilities *rwlock.Capabilities
		// SamplePeriod is the interval of the periodic tick, which fires a
		// periodic event then queries every active device. Zero disables it.
		SamplePeriod time.Duration
		// QueryTimeout bounds each device query. Zero means
		// device.DefaultQueryTimeout, negative disables the timeout.
		QueryTimeout time.Duration
		// NodeID identifies this process in NewNode and Shutdown events.
		NodeID int
	}

	// Core owns the dispatcher, the device registry and the periodic
	// sampler of one instrumented process. Instances must be initialized
	// using New.
	Core struct {
		cfg        Config
		logger     *logiface.Logger[logiface.Event]
		dispatcher *dispatch.Dispatcher
		devices    *device.Registry
		sampler    *device.Sampler
		strategy   rwlock.Strategy
		custom     event.CustomKinds
		nextID     atomic.Uint64
		started    atomic.Bool
		stopped    atomic.Bool
		ticker     atomic.Int64

		querier         device.Querier
		dispatchOptions []dispatch.Option
		samplerOptions  []device.SamplerOption

		// mu guards the ticker, and closers
		mu      sync.Mutex
		cancel  context.CancelFunc
		ticking chan struct{}
		closers []func(ctx context.Context) error
	}

	// Option configures New.
	Option func(c *Core)
)

// WithLogger sets the logger shared by the core, its dispatcher and its
// sampler.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(c *Core) { c.logger = logger }
}

// WithQuerier enables device sampling. Without a querier, QueryDevices is a
// no-op.
func WithQuerier(q device.Querier) Option {
	return func(c *Core) { c.querier = q }
}

// WithDispatchOptions are applied after the core's own dispatcher options.
func WithDispatchOptions(options ...dispatch.Option) Option {
	return func(c *Core) { c.dispatchOptions = append(c.dispatchOptions, options...) }
}

// WithSamplerOptions are applied after the core's own sampler options.
func WithSamplerOptions(options ...device.SamplerOption) Option {
	return func(c *Core) { c.samplerOptions = append(c.samplerOptions, options...) }
}

// WithCloser registers fn to run at the end of Shutdown, in reverse order of
// registration, e.g. to flush a listener.
func WithCloser(fn func(ctx context.Context) error) Option {
	return func(c *Core) { c.closers = append(c.closers, fn) }
}

// New negotiates the lock strategy and constructs a Core with no listeners.
func New(cfg Config, options ...Option) (*Core, error) {
	if cfg.LockStrategy > rwlock.Mutex {
		return nil, fmt.Errorf("runtime: %w: %v", rwlock.ErrUnknownStrategy, cfg.LockStrategy)
	}
	if cfg.NodeID < 0 {
		return nil, fmt.Errorf("runtime: negative node id %d", cfg.NodeID)
	}

	c := &Core{cfg: cfg}
	for _, o := range options {
		o(c)
	}

	caps := rwlock.Probe()
	if cfg.Capabilities != nil {
		caps = *cfg.Capabilities
	}
	c.strategy = rwlock.Negotiate(cfg.LockStrategy, caps)
	lock, err := rwlock.New(c.strategy)
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}
	c.devices = device.NewRegistry(lock)

	c.dispatcher = dispatch.New(append([]dispatch.Option{dispatch.WithLogger(c.logger)}, c.dispatchOptions...)...)

	if c.querier != nil {
		options := []device.SamplerOption{device.WithSamplerLogger(c.logger)}
		if cfg.QueryTimeout != 0 {
			options = append(options, device.WithQueryTimeout(cfg.QueryTimeout))
		}
		c.sampler = device.NewSampler(c.devices, c.querier, c, append(options, c.samplerOptions...)...)
	}

	c.logger.Debug().
		Stringer("requested", cfg.LockStrategy).
		Stringer("lock", c.strategy).
		Log("lock strategy negotiated")

	return c, nil
}

// Register adds a listener. Listeners must be registered before the first
// event, see dispatch.Dispatcher.Register.
func (c *Core) Register(l listener.Listener) error {
	return c.dispatcher.Register(l)
}

func (c *Core) Dispatcher() *dispatch.Dispatcher { return c.dispatcher }
func (c *Core) Devices() *device.Registry        { return c.devices }
func (c *Core) LockStrategy() rwlock.Strategy    { return c.strategy }
func (c *Core) NodeID() int                      { return c.cfg.NodeID }

// Startup fires the startup event, then starts the periodic tick. It may
// only be called once.
func (c *Core) Startup(args []string) error {
	if c.stopped.Load() {
		return ErrShutdown
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	c.dispatcher.FireStartup(&event.StartupData{
		Header: event.Header{ThreadID: ThreadID()},
		Args:   args,
	})

	c.mu.Lock()
	if c.cfg.SamplePeriod > 0 && !c.stopped.Load() {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		c.cancel, c.ticking = cancel, done
		go func() {
			defer close(done)
			c.ticker.Store(ThreadID())
			device.Tick(ctx, c.cfg.SamplePeriod, c.tick)
		}()
	}
	c.mu.Unlock()

	c.logger.Info().
		Int("args", len(args)).
		Dur("sample_period", c.cfg.SamplePeriod).
		Stringer("lock", c.strategy).
		Log("instrumentation started")

	return nil
}

func (c *Core) tick(ctx context.Context) {
	c.PeriodicTick()
	c.QueryDevices(ctx)
}

// Shutdown is terminal. It stops the periodic tick, then fires the shutdown
// event, which first drains every in-flight event (bounded by ctx), and
// finally runs the closers. Returns ErrShutdown if already called.
//
// Shutdown may be called from a handler, including one run by the periodic
// tick. The events the caller is handling are not waited for.
func (c *Core) Shutdown(ctx context.Context, nodeID int) error {
	c.mu.Lock()
	if c.stopped.Load() {
		c.mu.Unlock()
		return ErrShutdown
	}
	c.stopped.Store(true)
	cancel, ticking, closers := c.cancel, c.ticking, c.closers
	c.closers = nil
	c.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
	}
	// the tick stops once its current callback returns
	if cancel != nil && c.ticker.Load() != ThreadID() {
		select {
		case <-ticking:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("runtime: stop ticker: %w", ctx.Err()))
		}
	}

	if err := c.dispatcher.FireShutdown(ctx, &event.ShutdownData{
		Header: event.Header{ThreadID: ThreadID()},
		NodeID: nodeID,
	}); err != nil {
		errs = append(errs, err)
	}

	if err := runClosers(ctx, closers); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		c.logger.Warning().Err(err).Log("instrumentation shut down uncleanly")
	} else {
		c.logger.Info().
			Uint64("faults", c.dispatcher.Faults()).
			Int("devices", c.devices.Len()).
			Log("instrumentation shut down")
	}
	return err
}

func (c *Core) addCloser(fn func(ctx context.Context) error) {
	c.mu.Lock()
	c.closers = append(c.closers, fn)
	c.mu.Unlock()
}

// runClosers runs and forgets the closers, outside of Shutdown.
func (c *Core) runClosers(ctx context.Context) error {
	c.mu.Lock()
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()
	return runClosers(ctx, closers)
}

func runClosers(ctx context.Context, closers []func(ctx context.Context) error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Core) NewNode(nodeID int, threadID int64) {
	c.dispatcher.FireNewNode(&event.NodeData{
		Header: event.Header{ThreadID: threadID},
		NodeID: nodeID,
	})
}

// NewThread announces the calling goroutine.
func (c *Core) NewThread(name string) {
	c.dispatcher.FireNewThread(&event.NewThreadData{
		Header: event.Header{ThreadID: ThreadID()},
		Name:   name,
	})
}

// ExitThread announces the calling goroutine is exiting.
func (c *Core) ExitThread() {
	c.dispatcher.FireExitThread(&event.Header{ThreadID: ThreadID()})
}

// Sample fires a sample event. It implements device.Sink.
func (c *Core) Sample(name string, value float64, isCounter bool) {
	c.dispatcher.FireSample(&event.SampleData{
		Header:    event.Header{ThreadID: ThreadID()},
		Name:      name,
		Value:     value,
		IsCounter: isCounter,
	})
}

func (c *Core) PeriodicTick() {
	c.dispatcher.FirePeriodic(&event.PeriodicData{Header: event.Header{ThreadID: ThreadID()}})
}

// RegisterCustomEvent returns the kind for name, allocating one on first
// use. Fails with event.ErrCustomExhausted once every custom kind is taken.
func (c *Core) RegisterCustomEvent(name string) (event.Kind, error) {
	return c.custom.Register(name)
}

// CustomEventName returns the name kind was registered under.
func (c *Core) CustomEventName(kind event.Kind) (string, bool) {
	return c.custom.Name(kind)
}

// Custom fires a custom event. The kind must have been allocated by
// RegisterCustomEvent.
func (c *Core) Custom(kind event.Kind, payload any) error {
	if _, ok := c.custom.Name(kind); !ok {
		return fmt.Errorf("%w: %v", ErrNotCustom, kind)
	}
	if !c.dispatcher.FireCustom(&event.CustomData{Header: event.Header{
		Kind:     kind,
		ThreadID: ThreadID(),
		Data:     payload,
	}}) {
		return ErrShutdown
	}
	return nil
}

// ActivateDeviceIndex records that idx is in use, returning false if it
// already was.
func (c *Core) ActivateDeviceIndex(idx uint32) bool {
	added := c.devices.Activate(idx)
	if added {
		c.logger.Debug().Uint64("device", uint64(idx)).Log("device activated")
	}
	return added
}

// QueryDevices samples every active device, returning the number of samples
// fired. It is a no-op without a querier.
func (c *Core) QueryDevices(ctx context.Context) int {
	if c.sampler == nil {
		return 0
	}
	return c.sampler.Query(ctx)
}
