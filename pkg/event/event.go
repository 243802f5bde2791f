// Package event defines the records passed from the instrumentation core to
// listeners: a closed set of kinds, one payload type per kind, timer
// identities, and the Profiler token that ties a stop or yield to the start
// or resume that opened it.
//
// Payloads are owned by the code that fires them and are only valid for the
// duration of one dispatch. Listeners that need to keep data must copy it.
package event

// Header is common to every event.
type Header struct {
	Kind Kind
	// ThreadID identifies the originating goroutine, or the thread named by
	// the caller (new_node).
	ThreadID int64
	// Data is an opaque, kind-specific extension.
	Data any
}

type (
	// StartupData is fired exactly once per process.
	StartupData struct {
		Header
		Args []string
	}

	// ShutdownData is fired exactly once per process, and is terminal.
	ShutdownData struct {
		Header
		NodeID int
	}

	// NodeData announces a node, and the thread the node runs on.
	NodeData struct {
		Header
		NodeID int
	}

	NewThreadData struct {
		Header
		Name string
	}

	// SampleData carries one named value. IsCounter distinguishes monotonic
	// counters from point samples.
	SampleData struct {
		Header
		Name      string
		Value     float64
		IsCounter bool
	}

	// PeriodicData is a clock tick.
	PeriodicData struct {
		Header
	}

	// CustomData carries an application-defined kind (Header.Kind, see
	// CustomKinds) and an untyped payload (Header.Data).
	CustomData struct {
		Header
	}
)

// Argc is the argument count.
func (x *StartupData) Argc() int { return len(x.Args) }

// Payload returns Header.Data.
func (x *CustomData) Payload() any { return x.Data }
