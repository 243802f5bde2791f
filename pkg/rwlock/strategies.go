package rwlock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// timedWeight is the semaphore capacity, and therefore the maximum number of
// concurrent readers of a Timed lock. A writer takes all of it.
const timedWeight = 1 << 30

type (
	nativeBackend struct{ mu sync.RWMutex }

	mutexBackend struct{ mu sync.Mutex }

	semaphoreBackend struct{ sem *semaphore.Weighted }

	timedLock struct {
		guarded
		sem *semaphoreBackend
	}
)

var _ TimedLock = (*timedLock)(nil)

func (x *nativeBackend) rlock()   { x.mu.RLock() }
func (x *nativeBackend) runlock() { x.mu.RUnlock() }
func (x *nativeBackend) lock()    { x.mu.Lock() }
func (x *nativeBackend) unlock()  { x.mu.Unlock() }

func (x *mutexBackend) rlock()   { x.mu.Lock() }
func (x *mutexBackend) runlock() { x.mu.Unlock() }
func (x *mutexBackend) lock()    { x.mu.Lock() }
func (x *mutexBackend) unlock()  { x.mu.Unlock() }

// the background context never expires, so Acquire cannot fail
func (x *semaphoreBackend) rlock()   { _ = x.sem.Acquire(context.Background(), 1) }
func (x *semaphoreBackend) runlock() { x.sem.Release(1) }
func (x *semaphoreBackend) lock()    { _ = x.sem.Acquire(context.Background(), timedWeight) }
func (x *semaphoreBackend) unlock()  { x.sem.Release(timedWeight) }

func newTimedLock() *timedLock {
	b := &semaphoreBackend{sem: semaphore.NewWeighted(timedWeight)}
	return &timedLock{guarded: guarded{b: b, strategy: Timed}, sem: b}
}

func (x *timedLock) TryAcquireRead(ctx context.Context) (*ReadGuard, error) {
	if err := x.sem.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &ReadGuard{b: x.sem}, nil
}

func (x *timedLock) TryAcquireWrite(ctx context.Context) (*WriteGuard, error) {
	if err := x.sem.sem.Acquire(ctx, timedWeight); err != nil {
		return nil, err
	}
	return &WriteGuard{b: x.sem}, nil
}
