// Package device tracks the accelerator devices in use, and samples their
// telemetry.
//
// Any goroutine touching a device calls Registry.Activate. A periodic
// Sampler snapshots the registry under a read guard, releases it, and only
// then queries each device, so a slow or hung query never blocks writers.
package device

import (
	"slices"

	"github.com/amirkhaki/chronoscope/pkg/rwlock"
)

// Registry is the set of active device indices. The set only grows.
type Registry struct {
	lock    rwlock.Lock
	indices map[uint32]struct{}
}

// NewRegistry constructs an empty registry guarded by lock.
func NewRegistry(lock rwlock.Lock) *Registry {
	if lock == nil {
		panic("device: nil lock")
	}
	return &Registry{
		lock:    lock,
		indices: make(map[uint32]struct{}),
	}
}

// Activate adds idx, returning false if it was already present.
func (x *Registry) Activate(idx uint32) bool {
	defer x.lock.AcquireWrite().Release()
	if _, ok := x.indices[idx]; ok {
		return false
	}
	x.indices[idx] = struct{}{}
	return true
}

// Snapshot returns a sorted copy of the active indices.
func (x *Registry) Snapshot() []uint32 {
	g := x.lock.AcquireRead()
	out := make([]uint32, 0, len(x.indices))
	for idx := range x.indices {
		out = append(out, idx)
	}
	g.Release()
	slices.Sort(out)
	return out
}

func (x *Registry) Contains(idx uint32) bool {
	defer x.lock.AcquireRead().Release()
	_, ok := x.indices[idx]
	return ok
}

func (x *Registry) Len() int {
	defer x.lock.AcquireRead().Release()
	return len(x.indices)
}
