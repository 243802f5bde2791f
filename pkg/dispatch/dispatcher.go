// Package dispatch broadcasts events to registered listeners.
//
// Listeners are registered during setup, before the first event is fired.
// The first fire seals the registry, after which it is read without locking,
// so any number of goroutines may fire concurrently, and a handler may fire
// further events (nested dispatch) without deadlock.
//
// Each handler runs inside its own recover. A panicking handler is recorded
// as a Fault, and dispatch continues with the next listener.
//
// Shutdown may be fired from within a handler. The drain then only waits for
// dispatches on other goroutines, as the caller's own cannot complete first.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amirkhaki/chronoscope/pkg/event"
	"github.com/amirkhaki/chronoscope/pkg/listener"
	catrate "github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

var (
	// ErrSealed is returned by Register once dispatch has begun.
	ErrSealed = errors.New("dispatch: listener registered after dispatch began")
	// ErrClosed is returned once the dispatcher has been shut down.
	ErrClosed = errors.New("dispatch: closed")
)

// DefaultFaultLogRates limits fault logging, per listener.
var DefaultFaultLogRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
}

type (
	// Dispatcher owns the ordered listener registry. Instances must be
	// initialized using New.
	Dispatcher struct {
		logger    *logiface.Logger[logiface.Event]
		onFault   func(Fault)
		limiter   *catrate.Limiter
		drained   chan struct{}
		listeners []*entry
		faults    atomic.Uint64
		inflight  atomic.Int64
		// own is the shutdown caller's dispatch depth, which the drain
		// does not wait for
		own       atomic.Int64
		drainOnce sync.Once
		// depth counts the dispatches in progress per goroutine, keyed by
		// event.CurrentThreadID
		depth sync.Map
		// mu guards registration, and the transitions to sealed/closing
		mu      sync.Mutex
		sealed  atomic.Bool
		closing atomic.Bool
	}

	// Option configures New.
	Option func(d *Dispatcher)

	entry struct {
		l      listener.Listener
		name   string
		faults atomic.Uint64
	}
)

// WithLogger sets the logger used to report faults. A nil logger disables
// logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithFaultHandler receives every recorded fault, on the firing goroutine.
// The handler must not panic.
func WithFaultHandler(fn func(Fault)) Option {
	return func(d *Dispatcher) { d.onFault = fn }
}

// WithFaultLogRates overrides DefaultFaultLogRates. Nil disables the limit.
func WithFaultLogRates(rates map[time.Duration]int) Option {
	return func(d *Dispatcher) {
		if rates == nil {
			d.limiter = nil
		} else {
			d.limiter = catrate.NewLimiter(rates)
		}
	}
}

// New constructs an empty Dispatcher.
func New(options ...Option) *Dispatcher {
	d := &Dispatcher{
		drained: make(chan struct{}),
		limiter: catrate.NewLimiter(DefaultFaultLogRates),
	}
	for _, o := range options {
		o(d)
	}
	return d
}

// Register appends l, which will be invoked after all previously registered
// listeners. It must be called before the first event is fired.
func (d *Dispatcher) Register(l listener.Listener) error {
	if l == nil {
		return errors.New("dispatch: nil listener")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing.Load() {
		return ErrClosed
	}
	if d.sealed.Load() {
		return ErrSealed
	}
	e := &entry{l: l}
	if n, ok := l.(listener.Named); ok {
		e.name = n.Name()
	} else {
		e.name = fmt.Sprintf("%T", l)
	}
	d.listeners = append(d.listeners, e)
	return nil
}

// Len returns the number of registered listeners.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners)
}

// Faults returns the total number of recorded faults.
func (d *Dispatcher) Faults() uint64 { return d.faults.Load() }

// ListenerFaults returns the faults recorded against the i-th listener.
func (d *Dispatcher) ListenerFaults(i int) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.listeners) {
		return 0
	}
	return d.listeners[i].faults.Load()
}

// Closed reports whether shutdown has begun.
func (d *Dispatcher) Closed() bool { return d.closing.Load() }

func (d *Dispatcher) snapshot() []*entry {
	if !d.sealed.Load() {
		d.mu.Lock()
		d.sealed.Store(true)
		d.mu.Unlock()
	}
	return d.listeners
}

// enter registers an in-flight dispatch, returning false once closing.
func (d *Dispatcher) enter() bool {
	d.inflight.Add(1)
	if d.closing.Load() {
		d.exit()
		return false
	}
	return true
}

func (d *Dispatcher) exit() {
	if n := d.inflight.Add(-1); d.closing.Load() && n <= d.own.Load() {
		d.drainOnce.Do(func() { close(d.drained) })
	}
}

func (d *Dispatcher) push(thread int64) {
	n, _ := d.depth.Load(thread)
	v, _ := n.(int)
	d.depth.Store(thread, v+1)
}

func (d *Dispatcher) pop(thread int64) {
	n, _ := d.depth.Load(thread)
	if v, _ := n.(int); v > 1 {
		d.depth.Store(thread, v-1)
	} else {
		d.depth.Delete(thread)
	}
}

// Depth is the number of dispatches in progress on the calling goroutine,
// i.e. non-zero from within a handler.
func (d *Dispatcher) Depth() int {
	n, _ := d.depth.Load(event.CurrentThreadID())
	v, _ := n.(int)
	return v
}

// broadcast invokes fn for every listener, in order, returning false if the
// dispatcher is closed.
func (d *Dispatcher) broadcast(kind event.Kind, fn func(l listener.Listener)) bool {
	return d.broadcastIndexed(kind, func(_ int, l listener.Listener) { fn(l) })
}

// broadcastIndexed is broadcast, passing each listener's registration index.
func (d *Dispatcher) broadcastIndexed(kind event.Kind, fn func(i int, l listener.Listener)) bool {
	if !d.enter() {
		return false
	}
	thread := event.CurrentThreadID()
	d.push(thread)
	defer func() {
		d.pop(thread)
		d.exit()
	}()
	for i, e := range d.snapshot() {
		d.invoke(i, e, kind, func(l listener.Listener) { fn(i, l) })
	}
	return true
}

func (d *Dispatcher) invoke(i int, e *entry, kind event.Kind, fn func(l listener.Listener)) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.fault(i, e, kind, r)
			ok = false
		}
	}()
	fn(e.l)
	return true
}

// Close begins shutdown without delivering a shutdown event, see
// FireShutdown.
func (d *Dispatcher) Close(ctx context.Context) error {
	return d.FireShutdown(ctx, nil)
}

// FireShutdown is the terminal dispatch. New fires are rejected, in-flight
// fires are drained (bounded by ctx), then data (if non-nil) is delivered to
// every listener, and the registry is torn down. If the drain does not
// complete, the shutdown event is still delivered, and the ctx error is
// returned. Subsequent calls return ErrClosed.
//
// If called from within a handler, the drain excludes the caller's own
// dispatches, which complete after FireShutdown returns.
func (d *Dispatcher) FireShutdown(ctx context.Context, data *event.ShutdownData) error {
	own := int64(d.Depth())

	d.mu.Lock()
	if d.closing.Load() {
		d.mu.Unlock()
		return ErrClosed
	}
	d.sealed.Store(true)
	// stored before closing, so exit observes it
	d.own.Store(own)
	d.closing.Store(true)
	listeners := d.listeners
	d.mu.Unlock()

	if d.inflight.Load() <= own {
		d.drainOnce.Do(func() { close(d.drained) })
	}

	var err error
	select {
	case <-d.drained:
	case <-ctx.Done():
		err = fmt.Errorf("dispatch: drain in-flight events: %w", ctx.Err())
		d.logger.Warning().
			Err(err).
			Int64("inflight", d.inflight.Load()).
			Log("shutdown proceeding with events in flight")
	}

	if data != nil {
		data.Kind = event.KindShutdown
		for i, e := range listeners {
			d.invoke(i, e, event.KindShutdown, func(l listener.Listener) { l.OnShutdown(data) })
		}
	}

	// stragglers may still be reading the registry
	if err == nil {
		d.mu.Lock()
		d.listeners = nil
		d.mu.Unlock()
	}

	return err
}
