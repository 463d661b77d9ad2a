package indexer

import "sync/atomic"

// sessionLock is a non-blocking mutual exclusion flag held by an indexing
// session from start to finish. Incremental updates only read it.
type sessionLock struct {
	state atomic.Int32 // 0 = free, 1 = held
}

// TryAcquire takes the lock without blocking and reports whether it succeeded
func (l *sessionLock) TryAcquire() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Release frees the lock. Only the holder may call it.
func (l *sessionLock) Release() {
	l.state.Store(0)
}

// Held reports whether the lock is currently taken
func (l *sessionLock) Held() bool {
	return l.state.Load() == 1
}
