package pipeline

import (
	"sync"
	"sync/atomic"
)

// RunLock provides non-blocking lock semantics using atomic operations
type RunLock struct {
	state atomic.Int32 // 0 = unlocked, 1 = locked
}

// TryAcquire attempts to acquire the lock without blocking.
// Returns true if the lock was successfully acquired, false otherwise.
func (l *RunLock) TryAcquire() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Release releases the lock.
// Must only be called by the goroutine that successfully acquired the lock.
func (l *RunLock) Release() {
	l.state.Store(0)
}

// LockSet hands out one RunLock per key
type LockSet struct {
	locks sync.Map
}

func NewLockSet() *LockSet {
	return &LockSet{}
}

// Get returns the lock for key, creating it on first use
func (s *LockSet) Get(key any) *RunLock {
	l, _ := s.locks.LoadOrStore(key, &RunLock{})
	return l.(*RunLock)
}
