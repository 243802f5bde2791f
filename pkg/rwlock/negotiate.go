package rwlock

// Capabilities describes the locking primitives available to New.
type Capabilities struct {
	// RWMutex enables the Native strategy.
	RWMutex bool
	// Semaphore enables the Timed strategy.
	Semaphore bool
}

// Probe returns the capabilities of the host. The Go runtime always
// provides both, the struct exists so callers (configuration, tests) can
// restrict the set before negotiating.
func Probe() Capabilities {
	return Capabilities{RWMutex: true, Semaphore: true}
}

// Has reports whether the strategy can be constructed with these
// capabilities. Mutex is always available.
func (c Capabilities) Has(s Strategy) bool {
	switch s {
	case Native:
		return c.RWMutex
	case Timed:
		return c.Semaphore
	case Mutex:
		return true
	default:
		return false
	}
}

// Negotiate resolves the requested strategy against caps. Auto, or a request
// that caps cannot satisfy, falls through Native, Timed, then Mutex.
func Negotiate(requested Strategy, caps Capabilities) Strategy {
	if requested != Auto && caps.Has(requested) {
		return requested
	}
	for _, s := range [...]Strategy{Native, Timed} {
		if caps.Has(s) {
			return s
		}
	}
	return Mutex
}
