package managed

import "sync/atomic"

// SaveLock provides non-blocking lock semantics using atomic operations.
// A context holds it for the duration of a save so a re-entered save fails
// instead of deadlocking.
type SaveLock struct {
	state atomic.Int32 // 0 = unlocked, 1 = locked
}

// TryAcquire attempts to acquire the lock without blocking.
// Returns true if the lock was successfully acquired, false otherwise.
func (l *SaveLock) TryAcquire() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Release releases the lock.
// Must only be called by the goroutine that successfully acquired the lock.
func (l *SaveLock) Release() {
	l.state.Store(0)
}

// Held reports whether a save is running
func (l *SaveLock) Held() bool {
	return l.state.Load() == 1
}
