package dispatch

import (
	"fmt"
	"runtime/debug"

	"github.com/amirkhaki/chronoscope/pkg/event"
)

// Fault records a listener handler that panicked.
type Fault struct {
	// Value is the recovered panic value.
	Value any
	// Name labels the listener, see listener.Named.
	Name  string
	Stack []byte
	// Listener is the registration index.
	Listener int
	Kind     event.Kind
}

func (x Fault) Error() string {
	return fmt.Sprintf("dispatch: listener %d (%s) faulted handling %s: %v", x.Listener, x.Name, x.Kind, x.Value)
}

// Unwrap exposes a recovered error value.
func (x Fault) Unwrap() error {
	err, _ := x.Value.(error)
	return err
}

func (d *Dispatcher) fault(i int, e *entry, kind event.Kind, value any) {
	f := Fault{
		Value:    value,
		Name:     e.name,
		Stack:    debug.Stack(),
		Listener: i,
		Kind:     kind,
	}
	d.faults.Add(1)
	e.faults.Add(1)

	if _, ok := d.limiter.Allow(i); ok {
		d.logger.Err().
			Err(f).
			Int("listener", i).
			Str("name", e.name).
			Stringer("kind", kind).
			Log("listener fault")
	}

	if d.onFault != nil {
		d.onFault(f)
	}
}
