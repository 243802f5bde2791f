// Package rwlock provides a reader/writer lock with scoped guards.
//
// A Lock is backed by one of several strategies, chosen once at
// initialization (see Negotiate). Call sites only ever see the Lock
// interface and the two guard types:
//
//	defer l.AcquireRead().Release()
//
// Any number of read guards may be held at once. A write guard excludes all
// readers and all other writers. No fairness guarantee is made beyond that
// of the backing strategy.
package rwlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Strategy identifies a backing implementation.
type Strategy uint8

const (
	// Auto requests negotiation against the host capabilities.
	Auto Strategy = iota
	// Native is backed by sync.RWMutex.
	Native
	// Timed is backed by a weighted semaphore, and supports context bounded
	// acquisition via TimedLock.
	Timed
	// Mutex is the conservative fallback, readers are serialized.
	Mutex
)

var (
	// ErrUnknownStrategy is returned for strategies outside the enum.
	ErrUnknownStrategy = errors.New("rwlock: unknown strategy")

	strategyNames = map[Strategy]string{
		Auto:   "auto",
		Native: "native",
		Timed:  "timed",
		Mutex:  "mutex",
	}
)

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", uint8(s))
}

// ParseStrategy parses the String form of a Strategy, case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return Auto, nil
	}
	for k, name := range strategyNames {
		if name == v {
			return k, nil
		}
	}
	return Auto, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

type (
	// Lock is the reader/writer contract every strategy implements.
	Lock interface {
		// AcquireRead blocks until shared access is granted.
		AcquireRead() *ReadGuard
		// AcquireWrite blocks until exclusive access is granted.
		AcquireWrite() *WriteGuard
		// Strategy reports the backing strategy.
		Strategy() Strategy
	}

	// TimedLock is implemented by strategies that support giving up.
	TimedLock interface {
		Lock
		// TryAcquireRead returns ctx.Err() if shared access was not granted
		// before ctx was done.
		TryAcquireRead(ctx context.Context) (*ReadGuard, error)
		// TryAcquireWrite returns ctx.Err() if exclusive access was not
		// granted before ctx was done.
		TryAcquireWrite(ctx context.Context) (*WriteGuard, error)
	}

	// ReadGuard is held while shared access is granted. It must not be
	// copied, and must be released by the goroutine that acquired it.
	ReadGuard struct {
		_        noCopy
		b        backend
		released bool
	}

	// WriteGuard is held while exclusive access is granted. It must not be
	// copied, and must be released by the goroutine that acquired it.
	WriteGuard struct {
		_        noCopy
		b        backend
		released bool
	}

	// backend is the minimal surface a strategy provides.
	backend interface {
		rlock()
		runlock()
		lock()
		unlock()
	}

	// guarded adapts a backend to Lock.
	guarded struct {
		b        backend
		strategy Strategy
	}

	// noCopy triggers go vet's copylocks check.
	noCopy struct{}
)

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Release gives up shared access. Calls after the first are no-ops.
func (x *ReadGuard) Release() {
	if x == nil || x.released {
		return
	}
	x.released = true
	x.b.runlock()
}

// Release gives up exclusive access. Calls after the first are no-ops.
func (x *WriteGuard) Release() {
	if x == nil || x.released {
		return
	}
	x.released = true
	x.b.unlock()
}

func (x *guarded) AcquireRead() *ReadGuard {
	x.b.rlock()
	return &ReadGuard{b: x.b}
}

func (x *guarded) AcquireWrite() *WriteGuard {
	x.b.lock()
	return &WriteGuard{b: x.b}
}

func (x *guarded) Strategy() Strategy { return x.strategy }

// New constructs a Lock using the given concrete strategy. Auto resolves
// against Probe.
func New(strategy Strategy) (Lock, error) {
	if strategy == Auto {
		strategy = Negotiate(Auto, Probe())
	}
	switch strategy {
	case Native:
		return &guarded{b: new(nativeBackend), strategy: Native}, nil
	case Timed:
		return newTimedLock(), nil
	case Mutex:
		return &guarded{b: new(mutexBackend), strategy: Mutex}, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownStrategy, strategy)
	}
}
