package event

import (
	"errors"
	"math/bits"
	"sync/atomic"
	"time"
)

// State is the lifecycle of a Profiler.
type State uint32

const (
	StateRunning State = iota
	StateStopped
	StateYielded
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateYielded:
		return "yielded"
	default:
		return "unknown"
	}
}

// ErrOverRelease is returned when a Profiler is released more times than it
// was retained.
var ErrOverRelease = errors.New("event: profiler released more than retained")

// Profiler is the token for one in-flight measurement. It is produced by a
// start or resume, and consumed by exactly one stop or yield.
//
// Tokens are reference counted so that they may outlive the frame that
// created them (e.g. handed to another goroutine). The issuer holds the
// first reference, and drops it when the measurement is consumed.
type Profiler struct {
	start    time.Time
	issuer   any
	identity Identity
	id       uint64
	threadID int64
	declined ListenerSet
	end      atomic.Int64
	state    atomic.Uint32
	refs     atomic.Int32
}

// NewProfiler is intended for the instrumentation core only. The issuer is
// compared by identity in IssuedBy.
func NewProfiler(issuer any, id uint64, identity Identity, threadID int64, start time.Time) *Profiler {
	p := &Profiler{
		start:    start,
		issuer:   issuer,
		identity: identity,
		id:       id,
		threadID: threadID,
	}
	p.refs.Store(1)
	return p
}

func (x *Profiler) ID() uint64         { return x.id }
func (x *Profiler) Identity() Identity { return x.identity }
func (x *Profiler) ThreadID() int64    { return x.threadID }
func (x *Profiler) Start() time.Time   { return x.start }
func (x *Profiler) State() State       { return State(x.state.Load()) }
func (x *Profiler) Refs() int32        { return x.refs.Load() }

// Declined is the set of listeners, by registration index, that declined
// the start or resume, and are not told of its stop or yield.
func (x *Profiler) Declined() ListenerSet { return x.declined }

// SetDeclined is intended for the instrumentation core only, and must be
// called before the token is published.
func (x *Profiler) SetDeclined(s ListenerSet) { x.declined = s }

// IssuedBy reports whether issuer produced this token.
func (x *Profiler) IssuedBy(issuer any) bool {
	return x != nil && x.issuer == issuer
}

// Elapsed is the measured duration, or the time since start while running.
func (x *Profiler) Elapsed() time.Duration {
	if end := x.end.Load(); end != 0 {
		return time.Duration(end - x.start.UnixNano())
	}
	return time.Since(x.start)
}

// Finish moves a running token to the given terminal state, returning false
// if it was not running. Intended for the instrumentation core only.
func (x *Profiler) Finish(state State, end time.Time) bool {
	if state == StateRunning {
		return false
	}
	if !x.state.CompareAndSwap(uint32(StateRunning), uint32(state)) {
		return false
	}
	x.end.Store(end.UnixNano())
	return true
}

// Retain adds a reference, returning x for convenience.
func (x *Profiler) Retain() *Profiler {
	x.refs.Add(1)
	return x
}

// Release drops a reference.
func (x *Profiler) Release() error {
	if x.refs.Add(-1) < 0 {
		x.refs.Add(1)
		return ErrOverRelease
	}
	return nil
}

// ListenerSet is a set of listener registration indexes. The zero value is
// empty.
type ListenerSet []uint64

// Add returns the set, with i added.
func (s ListenerSet) Add(i int) ListenerSet {
	if i < 0 {
		return s
	}
	for w := i / 64; len(s) <= w; {
		s = append(s, 0)
	}
	s[i/64] |= 1 << (uint(i) % 64)
	return s
}

func (s ListenerSet) Has(i int) bool {
	return i >= 0 && i/64 < len(s) && s[i/64]&(1<<(uint(i)%64)) != 0
}

// Len is the number of members.
func (s ListenerSet) Len() int {
	var n int
	for _, w := range s {
		n += bits.OnesCount64(w)
	}
	return n
}
